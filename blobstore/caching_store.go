package blobstore

import (
	"context"
	"os"

	"golang.org/x/sync/singleflight"
)

// CachingStore fronts a remote Store with a local directory. Opening
// or fetching a blob materializes it on disk once and serves it
// memory-mapped afterwards; concurrent fetches of the same blob are
// deduplicated so a multi-gigabyte database is downloaded exactly
// once.
type CachingStore struct {
	remote Store
	local  *LocalStore
	group  singleflight.Group
}

// NewCachingStore creates a CachingStore caching into dir.
func NewCachingStore(remote Store, dir string) *CachingStore {
	return &CachingStore{
		remote: remote,
		local:  NewLocalStore(dir),
	}
}

// Fetch ensures the blob is materialized locally and returns its
// filesystem path, suitable for the memory-mapped database loader.
func (s *CachingStore) Fetch(ctx context.Context, name string) (string, error) {
	path := s.local.Path(name)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	_, err, _ := s.group.Do(name, func() (any, error) {
		// Recheck under the flight lock; a concurrent fetch may have
		// completed while this call was queued.
		if _, err := os.Stat(path); err == nil {
			return nil, nil
		}
		return nil, Copy(ctx, s.local, s.remote, name)
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the blob from the local cache, fetching it first if
// needed.
func (s *CachingStore) Open(ctx context.Context, name string) (Blob, error) {
	if _, err := s.Fetch(ctx, name); err != nil {
		return nil, err
	}
	return s.local.Open(ctx, name)
}

// Create writes through to the remote store and drops any stale
// cached copy.
func (s *CachingStore) Create(ctx context.Context, name string) (WritableBlob, error) {
	if err := s.local.Delete(ctx, name); err != nil {
		return nil, err
	}
	return s.remote.Create(ctx, name)
}

// Delete removes the blob remotely and from the cache.
func (s *CachingStore) Delete(ctx context.Context, name string) error {
	if err := s.local.Delete(ctx, name); err != nil {
		return err
	}
	return s.remote.Delete(ctx, name)
}

// List lists the remote store.
func (s *CachingStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.remote.List(ctx, prefix)
}

// Evict drops the cached copy of a blob without touching the remote.
func (s *CachingStore) Evict(ctx context.Context, name string) error {
	return s.local.Delete(ctx, name)
}
