package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStoreConfig selects the bucket and key prefix.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// GCSStore keeps evidence blobs in a Cloud Storage bucket under prefix.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSStore uses Application Default Credentials. STORAGE_EMULATOR_HOST
// redirects the client to an emulator.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: client.Bucket(cfg.Bucket), prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(key string) *storage.ObjectHandle {
	return s.bucket.Object(s.prefix + key)
}

func (s *GCSStore) Store(ctx context.Context, data []byte) (string, error) {
	hash, key := ContentHash(data)
	obj := s.object(key)
	if _, err := obj.Attrs(ctx); err == nil {
		return hash, nil
	}

	// The precondition turns a racing upload of the same blob into a 412,
	// which is success for content-addressed data.
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = blobContentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		if ok, _ := s.Exists(ctx, hash); ok {
			return hash, nil
		}
		return "", fmt.Errorf("gcs write %s: %w", key, err)
	}
	return hash, nil
}

func (s *GCSStore) Get(ctx context.Context, hash string) ([]byte, error) {
	key, err := blobKey(hash)
	if err != nil {
		return nil, err
	}
	r, err := s.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("gcs read %s: %w", hash, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *GCSStore) Exists(ctx context.Context, hash string) (bool, error) {
	key, err := blobKey(hash)
	if err != nil {
		return false, err
	}
	_, err = s.object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gcs attrs %s: %w", hash, err)
	}
	return true, nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
