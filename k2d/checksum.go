package k2d

import (
	gohash "hash"
	"io"

	"github.com/hupe1980/taxgo/internal/hash"
)

// checksumWriter wraps an io.Writer and keeps a running CRC32C over
// everything written through it.
type checksumWriter struct {
	w io.Writer
	h gohash.Hash32
}

func newChecksumWriter(w io.Writer) *checksumWriter {
	return &checksumWriter{w: w, h: hash.NewCRC32C()}
}

func (cw *checksumWriter) Write(p []byte) (int, error) {
	if _, err := cw.h.Write(p); err != nil {
		return 0, err
	}
	return cw.w.Write(p)
}

func (cw *checksumWriter) Sum() uint32 { return cw.h.Sum32() }

// checksumReader wraps an io.Reader and keeps a running CRC32C over
// everything read through it.
type checksumReader struct {
	r io.Reader
	h gohash.Hash32
}

func newChecksumReader(r io.Reader) *checksumReader {
	return &checksumReader{r: r, h: hash.NewCRC32C()}
}

func (cr *checksumReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		if _, hashErr := cr.h.Write(p[:n]); hashErr != nil {
			return n, hashErr
		}
	}
	return n, err
}

func (cr *checksumReader) Sum() uint32 { return cr.h.Sum32() }
