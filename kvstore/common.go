// Package kvstore defines the key/value interface backing the tenant,
// replica, and schema directories.
package kvstore

import (
	"context"

	"github.com/zeebo/errs"
)

var (
	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = errs.Class("key not found")

	// ErrEmptyKey is returned when an empty key is used in Put.
	ErrEmptyKey = errs.Class("empty key")
)

// Key is the type for the keys in a Store.
type Key []byte

// Value is the type for the values in a Store.
type Value []byte

// Store describes key/value stores like bbolt and the in-memory test store.
type Store interface {
	// Put adds a value to store.
	Put(ctx context.Context, key Key, value Value) error
	// Get gets a value from store.
	Get(ctx context.Context, key Key) (Value, error)
	// Delete deletes key and the value.
	Delete(ctx context.Context, key Key) error
	// Range iterates over all items in key order.
	// The Key and Value are valid only for the duration of the callback.
	Range(ctx context.Context, fn func(context.Context, Key, Value) error) error
	// Close closes the store.
	Close() error
}

// IsZero returns true if the value is empty.
func (value Value) IsZero() bool { return len(value) == 0 }

// IsZero returns true if the key is empty.
func (key Key) IsZero() bool { return len(key) == 0 }

// String implements the Stringer interface.
func (key Key) String() string { return string(key) }
