package dispatch

import "github.com/hupe1980/taxgo/classify"

// reorderBuffer restores input order over batches that complete out of
// order. Batches arrive keyed by sequence number; push returns the
// longest contiguous run starting at the next expected number, so a
// batch is emitted the moment its prefix is complete.
type reorderBuffer struct {
	next    uint64
	pending map[uint64][]classify.Result
}

func newReorderBuffer() *reorderBuffer {
	return &reorderBuffer{pending: make(map[uint64][]classify.Result)}
}

func (b *reorderBuffer) push(seq uint64, results []classify.Result) [][]classify.Result {
	if seq != b.next {
		b.pending[seq] = results
		return nil
	}

	ready := [][]classify.Result{results}
	b.next++
	for {
		buffered, ok := b.pending[b.next]
		if !ok {
			break
		}
		delete(b.pending, b.next)
		ready = append(ready, buffered)
		b.next++
	}
	return ready
}

// buffered returns the number of batches waiting on a missing prefix.
func (b *reorderBuffer) buffered() int { return len(b.pending) }
