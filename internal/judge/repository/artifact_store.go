package repository

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"judgecore/internal/common/storage"

	"github.com/klauspost/compress/zstd"
)

const artifactContentType = "application/zstd"

// ArtifactStore keeps full case outputs that do not fit in the result metadata.
type ArtifactStore interface {
	Put(ctx context.Context, processID string, caseID int64, name string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// ObjectArtifactStore compresses artifacts with zstd and writes them to object storage.
type ObjectArtifactStore struct {
	storage storage.ObjectStorage
	bucket  string
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

// NewObjectArtifactStore creates a store writing to bucket.
func NewObjectArtifactStore(objects storage.ObjectStorage, bucket string) (*ObjectArtifactStore, error) {
	if objects == nil {
		return nil, fmt.Errorf("object storage is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("artifact bucket is required")
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &ObjectArtifactStore{storage: objects, bucket: bucket, enc: enc, dec: dec}, nil
}

// ArtifactKey is the object key for one output of one case.
func ArtifactKey(processID string, caseID int64, name string) string {
	return fmt.Sprintf("processes/%s/cases/%d/%s.zst", processID, caseID, name)
}

func (s *ObjectArtifactStore) Put(ctx context.Context, processID string, caseID int64, name string, data []byte) (string, error) {
	key := ArtifactKey(processID, caseID, name)
	blob := s.enc.EncodeAll(data, make([]byte, 0, len(data)/4))
	if err := s.storage.PutObject(ctx, s.bucket, key, bytes.NewReader(blob), int64(len(blob)), artifactContentType); err != nil {
		return "", fmt.Errorf("put artifact %s: %w", key, err)
	}
	return key, nil
}

func (s *ObjectArtifactStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.storage.GetObject(ctx, s.bucket, key)
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", key, err)
	}
	defer obj.Close()
	blob, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", key, err)
	}
	out, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", key, err)
	}
	return out, nil
}
