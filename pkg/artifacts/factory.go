package artifacts

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
)

// StoreType names an artifact storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// Environment variables read by NewStoreFromEnv.
const (
	EnvStorageType = "ARTIFACT_STORAGE_TYPE"
	EnvFSDir       = "ARTIFACT_FS_DIR"
	EnvS3Bucket    = "ARTIFACT_S3_BUCKET"
	EnvS3Region    = "ARTIFACT_S3_REGION"
	EnvS3Endpoint  = "ARTIFACT_S3_ENDPOINT"
	EnvS3Prefix    = "ARTIFACT_S3_PREFIX"
	EnvGCSBucket   = "ARTIFACT_GCS_BUCKET"
	EnvGCSPrefix   = "ARTIFACT_GCS_PREFIX"
)

// DefaultFSDir is the local store directory when ARTIFACT_FS_DIR is unset.
const DefaultFSDir = "cts-artifacts"

// NewStoreFromEnv builds the store named by storeType, or by
// ARTIFACT_STORAGE_TYPE when storeType is empty, defaulting to "fs".
//
//	fs   ARTIFACT_FS_DIR
//	s3   ARTIFACT_S3_BUCKET (required), ARTIFACT_S3_REGION or AWS_REGION,
//	     ARTIFACT_S3_ENDPOINT, ARTIFACT_S3_PREFIX
//	gcs  ARTIFACT_GCS_BUCKET (required), ARTIFACT_GCS_PREFIX
func NewStoreFromEnv(ctx context.Context, storeType StoreType) (Store, error) {
	storeType = cmp.Or(storeType, StoreType(os.Getenv(EnvStorageType)), StoreTypeFS)

	switch storeType {
	case StoreTypeFS:
		return NewFileStore(afero.NewOsFs(), cmp.Or(os.Getenv(EnvFSDir), DefaultFSDir))

	case StoreTypeS3:
		bucket := os.Getenv(EnvS3Bucket)
		if bucket == "" {
			return nil, errors.New(EnvS3Bucket + " is required for S3 storage")
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   bucket,
			Region:   cmp.Or(os.Getenv(EnvS3Region), os.Getenv("AWS_REGION"), "us-east-1"),
			Endpoint: os.Getenv(EnvS3Endpoint),
			Prefix:   os.Getenv(EnvS3Prefix),
		})

	case StoreTypeGCS:
		bucket := os.Getenv(EnvGCSBucket)
		if bucket == "" {
			return nil, errors.New(EnvGCSBucket + " is required for GCS storage")
		}
		return NewGCSStore(ctx, GCSStoreConfig{Bucket: bucket, Prefix: os.Getenv(EnvGCSPrefix)})

	default:
		return nil, fmt.Errorf("unsupported artifact storage type %q (want fs, s3 or gcs)", storeType)
	}
}
