package k2d

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/taxgo/cht"
	"github.com/hupe1980/taxgo/sketch"
	"github.com/hupe1980/taxgo/taxonomy"
)

// SaveOptions configure Save.
type SaveOptions struct {
	// K and MinimizerLen record the minimizer scheme in the header.
	K            uint8
	MinimizerLen uint8

	// Compression selects the payload compression (default none, which
	// keeps the file memory-mappable).
	Compression Compression

	// MaxLoadFactor records the build-time load factor bound.
	MaxLoadFactor float64

	// Sketch, when set, is persisted alongside the table so a reloaded
	// database retains its cardinality diagnostics.
	Sketch *sketch.Sketch
}

// DefaultSaveOptions are the options used for unset fields.
var DefaultSaveOptions = SaveOptions{
	Compression:   CompressionNone,
	MaxLoadFactor: cht.DefaultMaxLoadFactor,
}

// Save writes the database to path atomically: the file is assembled
// under a temporary name in the same directory and renamed into place
// only after a successful sync.
func Save(path string, table *cht.Table, tax *taxonomy.Taxonomy, optFns ...func(o *SaveOptions)) error {
	opts := DefaultSaveOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if !opts.Compression.valid() {
		return fmt.Errorf("k2d: unknown compression scheme %d", opts.Compression)
	}
	if opts.MaxLoadFactor <= 0 || opts.MaxLoadFactor > 1 {
		return fmt.Errorf("k2d: max load factor %v out of range (0,1]", opts.MaxLoadFactor)
	}

	header := FileHeader{
		Magic:         MagicNumber,
		Version:       Version,
		K:             opts.K,
		MinimizerLen:  opts.MinimizerLen,
		KeyBits:       table.KeyBits(),
		Probing:       uint8(table.Probing()),
		Compression:   uint8(opts.Compression),
		Capacity:      table.Capacity(),
		Size:          table.Size(),
		TaxonomyCount: uint32(tax.Len()),
		MaxLoadFactor: opts.MaxLoadFactor,
	}
	if table.Counters() != nil {
		header.Flags |= flagExactCounters
	}
	if opts.Sketch != nil {
		header.Flags |= flagSketch
		header.SketchPrecision = opts.Sketch.Precision()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)

	// Temp file in the target directory so the final rename is atomic.
	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()
	_ = tmp.Chmod(0644)

	// Reserve the header; it is patched in once the payload checksum
	// is known.
	if _, err := tmp.Write(make([]byte, headerSize)); err != nil {
		return err
	}

	bw := bufio.NewWriterSize(tmp, 256*1024)

	var payload io.Writer = bw
	var closeComp func() error
	switch opts.Compression {
	case CompressionZstd:
		enc, err := zstd.NewWriter(bw)
		if err != nil {
			return err
		}
		payload = enc
		closeComp = enc.Close
	case CompressionLZ4:
		lw := lz4.NewWriter(bw)
		payload = lw
		closeComp = lw.Close
	}

	cw := newChecksumWriter(payload)

	if err := writeTaxonomy(cw, tax); err != nil {
		return err
	}
	if err := writeUint32Slice(cw, table.Cells()); err != nil {
		return err
	}
	if counters := table.Counters(); counters != nil {
		if err := writeUint32Slice(cw, counters); err != nil {
			return err
		}
	}
	if opts.Sketch != nil {
		if _, err := cw.Write(opts.Sketch.Registers()); err != nil {
			return err
		}
	}

	if closeComp != nil {
		if err := closeComp(); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	header.Checksum = cw.Sum()

	var hdr bytes.Buffer
	if err := binary.Write(&hdr, binary.LittleEndian, &header); err != nil {
		return err
	}
	if _, err := tmp.WriteAt(hdr.Bytes(), 0); err != nil {
		return err
	}

	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	// Best-effort directory sync so the rename is durable on POSIX.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}

	tmpName = "" // keep the renamed file
	return nil
}

// writeTaxonomy emits the taxonomy section padded so the following
// cell array stays 8-byte aligned.
func writeTaxonomy(w io.Writer, tax *taxonomy.Taxonomy) error {
	written := 0
	for node := range tax.Nodes() {
		if len(node.Rank) > int(^uint16(0)) || len(node.Name) > int(^uint16(0)) {
			return fmt.Errorf("k2d: node %d: rank or name exceeds 64 KiB", node.ID)
		}
		rec := nodeRecord{
			ID:      uint32(node.ID),
			Parent:  uint32(node.Parent),
			RankLen: uint16(len(node.Rank)),
			NameLen: uint16(len(node.Name)),
		}
		if err := binary.Write(w, binary.LittleEndian, &rec); err != nil {
			return err
		}
		if _, err := io.WriteString(w, node.Rank); err != nil {
			return err
		}
		if _, err := io.WriteString(w, node.Name); err != nil {
			return err
		}
		written += 12 + len(node.Rank) + len(node.Name)
	}

	if pad := alignPad(written); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return err
		}
	}
	return nil
}

// writeUint32Slice writes the slice as raw bytes without copying.
func writeUint32Slice(w io.Writer, slice []uint32) error {
	if len(slice) == 0 {
		return nil
	}
	byteSlice := unsafe.Slice((*byte)(unsafe.Pointer(&slice[0])), len(slice)*4)
	_, err := w.Write(byteSlice)
	return err
}
