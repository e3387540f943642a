package archive

import (
	"context"
	"errors"
	"fmt"
)

// StoreType selects an archive backend.
type StoreType string

const (
	StoreTypeNone StoreType = ""
	StoreTypeFS   StoreType = "fs"
	StoreTypeS3   StoreType = "s3"
	StoreTypeGCS  StoreType = "gcs"
)

// ErrDisabled is returned by NewStore when no backend is configured.
var ErrDisabled = errors.New("archive: disabled")

// Config selects and configures a backend.
type Config struct {
	Type      StoreType
	Dir       string
	S3        S3Config
	GCSBucket string
	GCSPrefix string
}

// NewStore builds the configured backend.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case StoreTypeNone:
		return nil, ErrDisabled
	case StoreTypeFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "data/archive"
		}
		return NewFileStore(dir)
	case StoreTypeS3:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("ARCHIVE_S3_BUCKET is required for S3 storage")
		}
		s3cfg := cfg.S3
		if s3cfg.Region == "" {
			s3cfg.Region = "us-east-1"
		}
		return NewS3Store(ctx, s3cfg)
	case StoreTypeGCS:
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("ARCHIVE_GCS_BUCKET is required for GCS storage")
		}
		return newGCSStore(ctx, cfg.GCSBucket, cfg.GCSPrefix)
	default:
		return nil, fmt.Errorf("unsupported archive storage type: %s", cfg.Type)
	}
}
