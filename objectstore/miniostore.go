package objectstore

import (
	"bytes"
	"context"
	"io"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/zeebo/errs"
)

// Config holds the connection settings for one region's object store.
type Config struct {
	Endpoint  string `help:"object store endpoint (host:port)" default:""`
	AccessKey string `help:"object store access key" default:""`
	SecretKey string `help:"object store secret key" default:""`
	UseTLS    bool   `help:"connect to the object store over TLS" default:"true"`
	Region    string `help:"object store region" default:"us-east-1"`
}

// MinioStore implements Store over an S3-compatible endpoint.
type MinioStore struct {
	client *minio.Client
	region string
}

// Dial connects to the configured endpoint.
func Dial(cfg Config) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseTLS,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &MinioStore{client: client, region: cfg.Region}, nil
}

// Region reports the region this client is scoped to.
func (store *MinioStore) Region() string { return store.region }

// Download copies bucket/key into the local file at dst.
func (store *MinioStore) Download(ctx context.Context, bucket, key, dst string) (err error) {
	defer mon.Task()(&ctx)(&err)
	err = store.client.FGetObject(ctx, bucket, key, dst, minio.GetObjectOptions{})
	return wrap(err, bucket, key)
}

// Upload copies the local file at src to bucket/key, overwriting.
func (store *MinioStore) Upload(ctx context.Context, bucket, key, src string) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = store.client.FPutObject(ctx, bucket, key, src, minio.PutObjectOptions{})
	return wrap(err, bucket, key)
}

// Get reads the full object.
func (store *MinioStore) Get(ctx context.Context, bucket, key string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)
	obj, err := store.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, wrap(err, bucket, key)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(obj.Close())) }()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, wrap(err, bucket, key)
	}
	return data, nil
}

// Put writes the full object, overwriting.
func (store *MinioStore) Put(ctx context.Context, bucket, key string, data []byte) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = store.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	return wrap(err, bucket, key)
}

// Delete removes the object; deleting a missing object is not an error.
func (store *MinioStore) Delete(ctx context.Context, bucket, key string) (err error) {
	defer mon.Task()(&ctx)(&err)
	err = store.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	if err != nil && isNotFound(err) {
		return nil
	}
	return wrap(err, bucket, key)
}

func wrap(err error, bucket, key string) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return ErrNotFound.New("%s/%s", bucket, key)
	}
	return Error.New("%s/%s: %w", bucket, key, err)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.Code == "NotFound"
}
