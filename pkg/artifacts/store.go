// Package artifacts uploads finished evidence bundles to content-addressed
// storage: a local directory, S3 or Google Cloud Storage.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

const (
	hashPrefix      = "sha256:"
	blobContentType = "application/octet-stream"
)

var ErrNotFound = errors.New("artifact not found")

// Store defines the contract for Content-Addressed Storage (CAS) of
// evidence artifacts.
type Store interface {
	// Store persists data and returns its content hash ("sha256:<hex>").
	Store(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by its content hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists checks if an artifact exists by its content hash.
	Exists(ctx context.Context, hash string) (bool, error)
}

// ContentHash returns the prefixed hash and the blob key for data.
func ContentHash(data []byte) (prefixed, key string) {
	sum := sha256.Sum256(data)
	hexSum := hex.EncodeToString(sum[:])
	return hashPrefix + hexSum, hexSum + ".blob"
}

// blobKey validates a prefixed hash and returns its blob key.
func blobKey(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, hashPrefix)
	if !ok {
		return "", fmt.Errorf("invalid hash format: %s", hash)
	}
	if b, err := hex.DecodeString(raw); err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("invalid hash hex: %s", hash)
	}
	return raw + ".blob", nil
}

// FileStore is a filesystem-backed implementation of Store.
type FileStore struct {
	fs      afero.Fs
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a CAS store under baseDir on fs.
func NewFileStore(fs afero.Fs, baseDir string) (*FileStore, error) {
	if err := fs.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{fs: fs, baseDir: baseDir}, nil
}

func (s *FileStore) Store(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, key := ContentHash(data)
	p := path.Join(s.baseDir, key)

	// Idempotent: content addressing means an existing blob is identical.
	if ok, _ := afero.Exists(s.fs, p); ok {
		return hash, nil
	}

	tmp := p + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return hash, nil
}

func (s *FileStore) Get(_ context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, err := blobKey(hash)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, path.Join(s.baseDir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, err
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, err := blobKey(hash)
	if err != nil {
		return false, err
	}
	return afero.Exists(s.fs, path.Join(s.baseDir, key))
}
