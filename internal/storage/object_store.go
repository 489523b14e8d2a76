package storage

import (
	"context"
	"io"
)

type Object struct {
	Key  string
	Size int64
}

// ObjectStore is the narrow slice of an object storage service the pipeline
// needs. Writes are last-writer-wins: re-putting the same key with the same
// bytes is a no-op observable-state-wise, which is what makes redelivered
// uploads safe.
type ObjectStore interface {
	CreateBucket(ctx context.Context, bucket string) error

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error)
}
