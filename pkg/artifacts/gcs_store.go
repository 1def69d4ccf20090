//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore keeps artifacts in Google Cloud Storage.
type GCSStore struct {
	bucketStore
	client *storage.Client
}

type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore authenticates with application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	b := gcsBucket{handle: client.Bucket(cfg.Bucket)}
	return &GCSStore{bucketStore: bucketStore{bucket: b, prefix: cfg.Prefix, kind: "gcs"}, client: client}, nil
}

// Close releases the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

type gcsBucket struct {
	handle *storage.BucketHandle
}

func (b gcsBucket) put(ctx context.Context, key string, data []byte, digest string) error {
	w := b.handle.Object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.Metadata = map[string]string{digestMetadataKey: digest}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (b gcsBucket) get(ctx context.Context, key string) ([]byte, error) {
	r, err := b.handle.Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(io.LimitReader(r, maxObjectSize))
}

func (b gcsBucket) exists(ctx context.Context, key string) (bool, error) {
	_, err := b.handle.Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (b gcsBucket) remove(ctx context.Context, key string) error {
	err := b.handle.Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}
