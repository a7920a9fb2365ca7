// Package objectstore defines the bucket storage surface the data plane
// consumes: tenant database files, snapshots, and schema artifacts all
// move through it.
package objectstore

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default objectstore errs class.
	Error = errs.Class("objectstore")

	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errs.Class("object not found")
)

// Store is an S3-compatible bucket client scoped to one region.
type Store interface {
	// Download copies bucket/key into the local file at dst.
	Download(ctx context.Context, bucket, key, dst string) error
	// Upload copies the local file at src to bucket/key, overwriting.
	Upload(ctx context.Context, bucket, key, src string) error
	// Get reads the full object.
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	// Put writes the full object, overwriting.
	Put(ctx context.Context, bucket, key string, data []byte) error
	// Delete removes the object; deleting a missing object is not an error.
	Delete(ctx context.Context, bucket, key string) error
}
