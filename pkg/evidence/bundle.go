package evidence

import (
	"archive/zip"
	"fmt"
	"io"
	"time"

	"github.com/spf13/afero"
)

// bundleModTime is stamped on every zip entry so identical inputs produce
// identical archives.
var bundleModTime = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// WriteBundle zips every file except bundle.zip itself into bundle.zip,
// with relative names in lexical order. It returns the archived paths.
func WriteBundle(fs afero.Fs) ([]string, error) {
	files, err := ListFiles(fs)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, p := range files {
		if p != BundleFile {
			names = append(names, p)
		}
	}

	out, err := fs.Create(BundleFile)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", BundleFile, err)
	}

	zw := zip.NewWriter(out)
	for _, name := range names {
		if err := addToZip(fs, zw, name); err != nil {
			_ = zw.Close()
			_ = out.Close()
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("finish %s: %w", BundleFile, err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("close %s: %w", BundleFile, err)
	}
	return names, nil
}

func addToZip(fs afero.Fs, zw *zip.Writer, name string) error {
	hdr := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: bundleModTime,
	}
	hdr.SetMode(0o644)

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("zip header %s: %w", name, err)
	}
	f, err := fs.Open(name)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("zip data %s: %w", name, err)
	}
	return nil
}

// BundleEntries lists the file names stored in bundle.zip.
func BundleEntries(fs afero.Fs) ([]string, error) {
	f, err := fs.Open(BundleFile)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", BundleFile, err)
	}
	names := make([]string, 0, len(zr.File))
	for _, zf := range zr.File {
		names = append(names, zf.Name)
	}
	return names, nil
}
