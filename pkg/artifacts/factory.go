package artifacts

import (
	"context"
	"fmt"
	"path/filepath"
)

// StoreType represents the type of artifact storage backend.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFS     StoreType = "fs"
	StoreTypeS3     StoreType = "s3"
	StoreTypeGCS    StoreType = "gcs"
)

// Config selects and configures a backend. Field tags are read by config.Load.
type Config struct {
	Type       StoreType `env:"ARTIFACT_STORAGE_TYPE" envDefault:"fs"`
	DataDir    string    `env:"CCOS_DATA_DIR" envDefault:"data"`
	S3Bucket   string    `env:"ARTIFACT_S3_BUCKET"`
	S3Region   string    `env:"ARTIFACT_S3_REGION" envDefault:"us-east-1"`
	S3Endpoint string    `env:"ARTIFACT_S3_ENDPOINT"`
	S3Prefix   string    `env:"ARTIFACT_S3_PREFIX"`
	GCSBucket  string    `env:"ARTIFACT_GCS_BUCKET"`
	GCSPrefix  string    `env:"ARTIFACT_GCS_PREFIX"`
}

// NewStore creates the configured artifact store.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeFS, "":
		dataDir := cfg.DataDir
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "artifacts"))
	case StoreTypeS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_S3_BUCKET is required for S3 storage")
		}
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.S3Bucket,
			Region:   region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case StoreTypeGCS:
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", cfg.Type)
	}
}
