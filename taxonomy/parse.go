package taxonomy

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// The taxonomy sidecar is a tab-delimited text file with one node per
// line: id <TAB> parent <TAB> rank <TAB> name. Blank lines and lines
// starting with '#' are ignored. Names may contain further tabs; only
// the first three fields are split.

// Parse reads sidecar tuples from r. It does not validate tree
// structure; pass the result to New for that.
func Parse(r io.Reader) ([]NodeTuple, error) {
	var tuples []NodeTuple

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r\n")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "\t", 4)
		if len(parts) < 4 {
			return nil, fmt.Errorf("taxonomy: line %d: expected 4 tab-delimited fields, got %d", lineNo, len(parts))
		}

		id, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("taxonomy: line %d: bad id %q: %w", lineNo, parts[0], err)
		}
		parent, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("taxonomy: line %d: bad parent %q: %w", lineNo, parts[1], err)
		}

		tuples = append(tuples, NodeTuple{
			ID:     TaxID(id),
			Parent: TaxID(parent),
			Rank:   parts[2],
			Name:   parts[3],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("taxonomy: read sidecar: %w", err)
	}

	return tuples, nil
}

// ParseTree is a convenience for Parse followed by New.
func ParseTree(r io.Reader) (*Taxonomy, error) {
	tuples, err := Parse(r)
	if err != nil {
		return nil, err
	}
	return New(tuples)
}

// Write emits t in sidecar format, nodes in ascending id order.
func Write(w io.Writer, t *Taxonomy) error {
	bw := bufio.NewWriter(w)
	for id := TaxID(1); id <= t.MaxID(); id++ {
		if !t.Contains(id) {
			continue
		}
		n := t.nodes[id]
		if _, err := fmt.Fprintf(bw, "%d\t%d\t%s\t%s\n", n.ID, n.Parent, n.Rank, n.Name); err != nil {
			return fmt.Errorf("taxonomy: write sidecar: %w", err)
		}
	}
	return bw.Flush()
}
