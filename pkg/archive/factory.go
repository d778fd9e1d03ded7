package archive

import (
	"context"
	"fmt"
)

// StoreType represents the type of archive backend.
type StoreType string

const (
	StoreTypeNone StoreType = ""
	StoreTypeFS   StoreType = "fs"
	StoreTypeS3   StoreType = "s3"
	StoreTypeGCS  StoreType = "gcs"
)

// Config selects and configures an archive backend.
type Config struct {
	Type StoreType `yaml:"type"`
	Dir  string    `yaml:"dir"` // fs

	Bucket   string `yaml:"bucket"`   // s3, gcs
	Region   string `yaml:"region"`   // s3
	Endpoint string `yaml:"endpoint"` // s3, optional
	Prefix   string `yaml:"prefix"`
}

// NewStore builds the configured backend. It returns (nil, nil) when no
// archive is configured.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case StoreTypeNone:
		return nil, nil
	case StoreTypeFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "archive"
		}
		return NewFileStore(dir)
	case StoreTypeS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive bucket is required for s3 storage")
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.Bucket,
			Region:   region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case StoreTypeGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive bucket is required for gcs storage")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive storage type: %s", cfg.Type)
	}
}
