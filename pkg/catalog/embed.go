package catalog

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed suite
var suiteFS embed.FS

// Default loads the catalog compiled into the binary.
func Default() (*Catalog, error) {
	root, err := fs.Sub(suiteFS, "suite")
	if err != nil {
		return nil, fmt.Errorf("embedded suite: %w", err)
	}
	return Load(root)
}
