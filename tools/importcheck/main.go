// Command importcheck keeps the offline verification path free of network,
// storage and telemetry imports.
//
// The evidence writer, the verifier and their hashing and signing helpers
// must build into a verifier an auditor can run with no credentials and no
// network. importcheck scans the non-test Go files of those packages and
// fails when one imports a forbidden path.
//
// Usage:
//
//	go run ./tools/importcheck [-root <project-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// offlinePackages are checked relative to the project root.
var offlinePackages = []string{
	"pkg/canonicalize",
	"pkg/crypto",
	"pkg/evidence",
	"pkg/pathquery",
	"pkg/verifier",
}

// forbiddenFragments match import paths that pull in I/O beyond the local
// filesystem.
var forbiddenFragments = []string{
	"net/http",
	"database/sql",
	"github.com/aws/",
	"cloud.google.com/",
	"github.com/redis/",
	"go.opentelemetry.io/",
	"pkg/artifacts",
	"pkg/conform",
	"pkg/history",
	"pkg/nonce",
	"pkg/observability",
}

// violation is one forbidden import.
type violation struct {
	File       string
	Line       int
	ImportPath string
	Fragment   string
}

func (v violation) String() string {
	return fmt.Sprintf("%s:%d imports %q (forbidden: %q)", v.File, v.Line, v.ImportPath, v.Fragment)
}

func main() {
	root := flag.String("root", ".", "Project root directory")
	flag.Parse()
	os.Exit(run(*root, os.Stdout, os.Stderr))
}

func run(root string, stdout, stderr io.Writer) int {
	violations, err := check(root, offlinePackages, forbiddenFragments)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 2
	}
	for _, v := range violations {
		_, _ = fmt.Fprintf(stdout, "IMPORT VIOLATION: %s\n", v)
	}
	if len(violations) > 0 {
		_, _ = fmt.Fprintf(stdout, "\n%d import violation(s) found\n", len(violations))
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "Import check passed: offline packages have no network or storage imports")
	return 0
}

// check walks each package directory (not recursively) under root.
func check(root string, packages, fragments []string) ([]violation, error) {
	fset := token.NewFileSet()
	var out []violation

	for _, pkg := range packages {
		dir := filepath.Join(root, filepath.FromSlash(pkg))
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", pkg, err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
				continue
			}
			path := filepath.Join(dir, name)
			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
			for _, imp := range f.Imports {
				importPath := strings.Trim(imp.Path.Value, `"`)
				for _, frag := range fragments {
					if strings.Contains(importPath, frag) {
						rel, _ := filepath.Rel(root, path)
						out = append(out, violation{
							File:       filepath.ToSlash(rel),
							Line:       fset.Position(imp.Pos()).Line,
							ImportPath: importPath,
							Fragment:   frag,
						})
					}
				}
			}
		}
	}
	return out, nil
}
