// Package teststore implements an in-memory kvstore.Store for tests.
package teststore

import (
	"context"
	"sort"
	"sync"

	"github.com/zeebo/errs"

	"github.com/RiyamPatel2001/scalable-multitenant-databases/kvstore"
)

// Error is the errs class for the test store.
var Error = errs.Class("teststore")

// Store implements kvstore.Store in memory.
type Store struct {
	mu     sync.Mutex
	items  map[string][]byte
	closed bool

	// forcedError, when set, is returned by every operation. Tests use it
	// to exercise failure paths.
	forcedError error
}

// New creates an empty store.
func New() *Store {
	return &Store{items: map[string][]byte{}}
}

// ForceError makes every subsequent operation fail with err; nil restores
// normal behavior.
func (store *Store) ForceError(err error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.forcedError = err
}

// Put adds a value to the store.
func (store *Store) Put(ctx context.Context, key kvstore.Key, value kvstore.Value) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.forcedError != nil {
		return store.forcedError
	}
	if store.closed {
		return Error.New("store closed")
	}
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}
	store.items[string(key)] = append([]byte{}, value...)
	return nil
}

// Get gets a value from the store.
func (store *Store) Get(ctx context.Context, key kvstore.Key) (kvstore.Value, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.forcedError != nil {
		return nil, store.forcedError
	}
	if store.closed {
		return nil, Error.New("store closed")
	}
	value, ok := store.items[string(key)]
	if !ok {
		return nil, kvstore.ErrKeyNotFound.New("%q", key)
	}
	return append(kvstore.Value{}, value...), nil
}

// Delete deletes key and the value.
func (store *Store) Delete(ctx context.Context, key kvstore.Key) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.forcedError != nil {
		return store.forcedError
	}
	if store.closed {
		return Error.New("store closed")
	}
	delete(store.items, string(key))
	return nil
}

// Range iterates over all items in key order.
func (store *Store) Range(ctx context.Context, fn func(context.Context, kvstore.Key, kvstore.Value) error) error {
	store.mu.Lock()
	if store.forcedError != nil {
		err := store.forcedError
		store.mu.Unlock()
		return err
	}
	keys := make([]string, 0, len(store.items))
	for key := range store.items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	snapshot := make(map[string][]byte, len(store.items))
	for _, key := range keys {
		snapshot[key] = append([]byte{}, store.items[key]...)
	}
	store.mu.Unlock()

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ctx, kvstore.Key(key), kvstore.Value(snapshot[key])); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the store.
func (store *Store) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.closed = true
	return nil
}
