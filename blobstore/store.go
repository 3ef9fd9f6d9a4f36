// Package blobstore abstracts where database files live. A Store
// serves immutable blobs by name from a local directory, an in-memory
// map, or an object store; the caching store materializes remote
// databases on local disk so they can be memory-mapped.
package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations return errors satisfying errors.Is(err, ErrNotFound).
// The default maps to os.ErrNotExist.
var ErrNotFound = os.ErrNotExist

// Store is an abstraction for accessing immutable database blobs.
type Store interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)

	// Create creates a new blob for streaming writes. The blob becomes
	// visible once its Close returns.
	Create(ctx context.Context, name string) (WritableBlob, error)

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns all blob names with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a blob.
type Blob interface {
	// ReadAt reads len(p) bytes starting at offset off.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)

	io.Closer

	// Size returns the size of the blob in bytes.
	Size() int64
}

// WritableBlob is a write-once handle created by Store.Create.
type WritableBlob interface {
	io.WriteCloser

	// Sync flushes buffered data to stable storage where the backend
	// supports it.
	Sync() error
}

// Reader adapts a Blob to a sequential io.Reader.
func Reader(ctx context.Context, b Blob) io.Reader {
	return &blobReader{ctx: ctx, blob: b, limit: b.Size()}
}

type blobReader struct {
	ctx   context.Context
	blob  Blob
	off   int64
	limit int64
}

func (r *blobReader) Read(p []byte) (int, error) {
	if r.off >= r.limit {
		return 0, io.EOF
	}
	if remaining := r.limit - r.off; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := r.blob.ReadAt(r.ctx, p, r.off)
	r.off += int64(n)
	if err == io.EOF && r.off < r.limit {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// Copy streams the blob named name from src into dst under the same
// name. Used to publish a built database to an object store.
func Copy(ctx context.Context, dst, src Store, name string) error {
	blob, err := src.Open(ctx, name)
	if err != nil {
		return err
	}
	defer blob.Close()

	w, err := dst.Create(ctx, name)
	if err != nil {
		return err
	}

	if _, err := io.Copy(w, Reader(ctx, blob)); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
