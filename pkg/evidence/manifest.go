package evidence

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/canonicalize"
)

// ListFiles returns every regular file under fs in lexical order, as
// slash-separated paths relative to the root.
func ListFiles(fs afero.Fs) ([]string, error) {
	var files []string
	err := afero.Walk(fs, ".", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		files = append(files, relSlash(p))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk evidence dir: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func relSlash(p string) string {
	return strings.TrimPrefix(filepath.ToSlash(filepath.Clean(p)), "/")
}

// HashFile returns the SHA-256 hex digest of a file.
func HashFile(fs afero.Fs, name string) (string, error) {
	f, err := fs.Open(name)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	return canonicalize.HashReader(f)
}

// BuildManifest hashes every file except the bundle and the signature.
func BuildManifest(fs afero.Fs, generatedAt time.Time) (*Manifest, error) {
	files, err := ListFiles(fs)
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		GeneratedAt: Timestamp(generatedAt),
		Algorithm:   HashAlgorithm,
		Hashes:      make(map[string]string, len(files)),
	}
	for _, p := range files {
		if excludedFromManifest(p) {
			continue
		}
		sum, err := HashFile(fs, p)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", p, err)
		}
		m.Hashes[p] = sum
	}
	return m, nil
}

func excludedFromManifest(p string) bool {
	return p == BundleFile || p == SignatureFile
}

// WriteManifest builds the manifest and writes manifest.json.
func WriteManifest(fs afero.Fs, generatedAt time.Time) (*Manifest, error) {
	m, err := BuildManifest(fs, generatedAt)
	if err != nil {
		return nil, err
	}
	if err := writeJSON(fs, ManifestFile, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadManifest loads manifest.json.
func ReadManifest(fs afero.Fs) (*Manifest, error) {
	var m Manifest
	if err := readJSON(fs, ManifestFile, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
