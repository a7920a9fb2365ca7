// Package boltdb implements the metadata key/value store on a bbolt file.
package boltdb

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.etcd.io/bbolt"

	"github.com/RiyamPatel2001/scalable-multitenant-databases/kvstore"
)

var (
	mon = monkit.Package()

	// Error is the default boltdb errs class.
	Error = errs.Class("boltdb")
)

const (
	// fileMode sets permissions so owner can read and write.
	fileMode       = 0600
	defaultTimeout = 1 * time.Second
)

// Client is the entrypoint into a bbolt data store.
type Client struct {
	db     *bbolt.DB
	Path   string
	Bucket []byte

	referenceCount *int32
}

// New instantiates a new bbolt client given db file path and bucket name.
func New(path, bucket string) (*Client, error) {
	db, err := bbolt.Open(path, fileMode, &bbolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}

	refCount := new(int32)
	*refCount = 1

	return &Client{
		db:             db,
		Path:           path,
		Bucket:         []byte(bucket),
		referenceCount: refCount,
	}, nil
}

// NewShared instantiates a new bbolt client for multiple buckets sharing
// one database file. The file is closed when the last client closes.
func NewShared(path string, buckets ...string) (_ []*Client, err error) {
	db, err := bbolt.Open(path, fileMode, &bbolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}

	refCount := new(int32)
	*refCount = int32(len(buckets))

	clients := make([]*Client, 0, len(buckets))
	for _, bucket := range buckets {
		clients = append(clients, &Client{
			db:             db,
			Path:           path,
			Bucket:         []byte(bucket),
			referenceCount: refCount,
		})
	}
	return clients, nil
}

// Put adds a key/value to the bucket.
func (client *Client) Put(ctx context.Context, key kvstore.Key, value kvstore.Value) (err error) {
	defer mon.Task()(&ctx)(&err)
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}
	return Error.Wrap(client.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(client.Bucket).Put(key, value)
	}))
}

// Get looks up the provided key and returns its value, or ErrKeyNotFound.
func (client *Client) Get(ctx context.Context, key kvstore.Key) (_ kvstore.Value, err error) {
	defer mon.Task()(&ctx)(&err)
	if key.IsZero() {
		return nil, kvstore.ErrEmptyKey.New("")
	}

	var value kvstore.Value
	err = client.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(client.Bucket).Get(key)
		if len(data) == 0 {
			return kvstore.ErrKeyNotFound.New("%q", key)
		}
		value = append(kvstore.Value{}, data...)
		return nil
	})
	if kvstore.ErrKeyNotFound.Has(err) {
		return nil, err
	}
	return value, Error.Wrap(err)
}

// Delete deletes a key/value pair from the bucket.
func (client *Client) Delete(ctx context.Context, key kvstore.Key) (err error) {
	defer mon.Task()(&ctx)(&err)
	if key.IsZero() {
		return kvstore.ErrEmptyKey.New("")
	}
	return Error.Wrap(client.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(client.Bucket).Delete(key)
	}))
}

// Range iterates over all items in the bucket in key order.
func (client *Client) Range(ctx context.Context, fn func(context.Context, kvstore.Key, kvstore.Value) error) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(client.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(client.Bucket).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(ctx, kvstore.Key(k), kvstore.Value(v))
		})
	}))
}

// Close closes the client; the underlying file closes with the last
// shared reference.
func (client *Client) Close() error {
	if atomic.AddInt32(client.referenceCount, -1) == 0 {
		return Error.Wrap(client.db.Close())
	}
	return nil
}
