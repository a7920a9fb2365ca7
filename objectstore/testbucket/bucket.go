// Package testbucket implements an in-memory objectstore.Store for tests.
package testbucket

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/RiyamPatel2001/scalable-multitenant-databases/objectstore"
)

// Store implements objectstore.Store in memory.
type Store struct {
	mu      sync.Mutex
	objects map[string]map[string][]byte

	uploadErr   error
	downloadErr error
	deleteErr   error
}

// New creates an empty store.
func New() *Store {
	return &Store{objects: map[string]map[string][]byte{}}
}

// SetUploadError makes Upload and Put fail with err; nil restores normal
// behavior.
func (store *Store) SetUploadError(err error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.uploadErr = err
}

// SetDownloadError makes Download and Get fail with err.
func (store *Store) SetDownloadError(err error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.downloadErr = err
}

// SetDeleteError makes Delete fail with err.
func (store *Store) SetDeleteError(err error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.deleteErr = err
}

// Download copies bucket/key into the local file at dst.
func (store *Store) Download(ctx context.Context, bucket, key, dst string) error {
	data, err := store.Get(ctx, bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return objectstore.Error.Wrap(err)
	}
	return objectstore.Error.Wrap(os.WriteFile(dst, data, 0644))
}

// Upload copies the local file at src to bucket/key.
func (store *Store) Upload(ctx context.Context, bucket, key, src string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return objectstore.Error.Wrap(err)
	}
	return store.Put(ctx, bucket, key, data)
}

// Get reads the full object.
func (store *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.downloadErr != nil {
		return nil, store.downloadErr
	}
	data, ok := store.objects[bucket][key]
	if !ok {
		return nil, objectstore.ErrNotFound.New("%s/%s", bucket, key)
	}
	return append([]byte{}, data...), nil
}

// Put writes the full object.
func (store *Store) Put(ctx context.Context, bucket, key string, data []byte) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.uploadErr != nil {
		return store.uploadErr
	}
	if store.objects[bucket] == nil {
		store.objects[bucket] = map[string][]byte{}
	}
	store.objects[bucket][key] = append([]byte{}, data...)
	return nil
}

// Delete removes the object.
func (store *Store) Delete(ctx context.Context, bucket, key string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.deleteErr != nil {
		return store.deleteErr
	}
	delete(store.objects[bucket], key)
	return nil
}

// Exists reports whether bucket/key is present.
func (store *Store) Exists(bucket, key string) bool {
	store.mu.Lock()
	defer store.mu.Unlock()
	_, ok := store.objects[bucket][key]
	return ok
}

// Keys lists the keys present in a bucket, sorted.
func (store *Store) Keys(bucket string) []string {
	store.mu.Lock()
	defer store.mu.Unlock()
	var keys []string
	for key := range store.objects[bucket] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
