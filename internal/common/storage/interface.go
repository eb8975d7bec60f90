package storage

import (
	"context"
	"io"
)

// ObjectStorage is the blob surface used for judge artifacts.
type ObjectStorage interface {
	// PutObject uploads size bytes from reader. size may be -1 when unknown.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error

	// GetObject opens a reader for an object. Caller must close it.
	GetObject(ctx context.Context, bucket, objectKey string) (ObjectReader, error)

	// EnsureBucket creates bucket when missing. Called once at startup.
	EnsureBucket(ctx context.Context, bucket string) error
}

// ObjectReader is a streaming reader for object data.
type ObjectReader interface {
	Read(p []byte) (int, error)
	Close() error
}
