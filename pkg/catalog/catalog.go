// Package catalog loads the declarative test-case catalog a conformance run
// drives against the system under test.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// TestsFile is the catalog document name inside a catalog root.
const TestsFile = "core_tests.yaml"

// SchemasDir holds the JSON Schema documents expectations refer to.
const SchemasDir = "schemas"

// AuthNone marks the unauthenticated probe: no high-assurance headers are
// injected for it.
const AuthNone = "none"

// DefaultReplayStatus is the status a replayed high-assurance request is
// expected to get when the case does not say otherwise.
const DefaultReplayStatus = 409

var (
	ErrInvalid      = errors.New("catalog: invalid")
	ErrIncompatible = errors.New("catalog: incompatible tool version")
)

// Catalog is the loaded, validated set of test cases plus the filesystem its
// schema references resolve against.
type Catalog struct {
	Version      string     `yaml:"version"`
	RequiresTool string     `yaml:"requires_tool,omitempty"`
	Tests        []TestCase `yaml:"tests"`

	// Digest is the sha256 of the raw catalog document.
	Digest string `yaml:"-"`
	// Root is the catalog root (contains TestsFile and SchemasDir).
	Root fs.FS `yaml:"-"`
}

// TestCase is one declarative catalog entry.
type TestCase struct {
	ID       string      `yaml:"id"`
	Name     string      `yaml:"name"`
	Method   string      `yaml:"method"`
	Path     string      `yaml:"path"`
	Request  Request     `yaml:"request"`
	Expect   Expectation `yaml:"expect"`
	Profiles []string    `yaml:"profiles,omitempty"`
	Auth     string      `yaml:"auth,omitempty"`
	Replay   bool        `yaml:"replay,omitempty"`
}

// Request holds the per-case request additions.
type Request struct {
	Headers map[string]string `yaml:"headers,omitempty"`
	Body    any               `yaml:"body,omitempty"`
}

// AppliesTo reports whether the case runs under profileID. An absent or empty
// applicability list means every profile.
func (tc *TestCase) AppliesTo(profileID string) bool {
	if len(tc.Profiles) == 0 {
		return true
	}
	for _, p := range tc.Profiles {
		if p == profileID {
			return true
		}
	}
	return false
}

// Unauthenticated reports whether the case is the designated unauthenticated probe.
func (tc *TestCase) Unauthenticated() bool {
	return tc.Auth == AuthNone
}

// Load reads and validates the catalog rooted at root.
func Load(root fs.FS) (*Catalog, error) {
	data, err := fs.ReadFile(root, TestsFile)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", TestsFile, err)
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", TestsFile, err)
	}

	sum := sha256.Sum256(data)
	c.Digest = hex.EncodeToString(sum[:])
	c.Root = root

	if err := c.normalize(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadDir loads a catalog from a directory on disk.
func LoadDir(dir string) (*Catalog, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("catalog dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("catalog dir %s: not a directory", dir)
	}
	return Load(os.DirFS(dir))
}

// normalize applies defaults and rejects structurally broken entries.
func (c *Catalog) normalize() error {
	if len(c.Tests) == 0 {
		return fmt.Errorf("%w: no tests declared", ErrInvalid)
	}

	seen := make(map[string]bool, len(c.Tests))
	for i := range c.Tests {
		tc := &c.Tests[i]

		if err := validateID(tc.ID); err != nil {
			return fmt.Errorf("%w: test #%d: %v", ErrInvalid, i, err)
		}
		// Case files are named by the NFC form of the id.
		key := norm.NFC.String(tc.ID)
		if seen[key] {
			return fmt.Errorf("%w: duplicate test id %q", ErrInvalid, tc.ID)
		}
		seen[key] = true

		if !strings.HasPrefix(tc.Path, "/") {
			return fmt.Errorf("%w: %s: path %q must start with /", ErrInvalid, tc.ID, tc.Path)
		}
		if tc.Method == "" {
			tc.Method = "POST"
		}
		tc.Method = strings.ToUpper(tc.Method)

		if tc.Auth != "" && tc.Auth != AuthNone {
			return fmt.Errorf("%w: %s: unknown auth mode %q", ErrInvalid, tc.ID, tc.Auth)
		}
		if err := tc.CheckLiterals(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return nil
}

// CheckLiterals reports request bodies and expected values that have no JSON
// form, such as YAML mappings with non-string keys.
func (tc *TestCase) CheckLiterals() error {
	check := func(what string, v any) error {
		if _, err := json.Marshal(v); err != nil {
			return fmt.Errorf("%s: %s is not representable as JSON: %v", tc.ID, what, err)
		}
		return nil
	}
	if err := check("request.body", tc.Request.Body); err != nil {
		return err
	}
	for _, pc := range tc.Expect.PathEquals {
		if err := check("json_path_equals value for "+pc.Path, pc.Value); err != nil {
			return err
		}
	}
	for _, pm := range tc.Expect.PathIn {
		if err := check("json_path_in allowed values for "+pm.Path, pm.Allowed); err != nil {
			return err
		}
	}
	return nil
}

// validateID keeps ids usable as a single file name under cases/.
func validateID(id string) error {
	switch {
	case id == "":
		return errors.New("empty id")
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("id %q contains a path separator", id)
	case id == "." || id == ".." || strings.Contains(id, ".."):
		return fmt.Errorf("id %q contains a relative path element", id)
	}
	return nil
}

// CheckTool verifies the running tool satisfies the catalog's requires_tool
// constraint. An empty constraint accepts any version.
func (c *Catalog) CheckTool(toolVersion string) error {
	if c.RequiresTool == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(c.RequiresTool)
	if err != nil {
		return fmt.Errorf("%w: requires_tool %q: %v", ErrInvalid, c.RequiresTool, err)
	}
	v, err := semver.NewVersion(toolVersion)
	if err != nil {
		return fmt.Errorf("tool version %q: %w", toolVersion, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%w: catalog %s requires %s, tool is %s", ErrIncompatible, c.Version, c.RequiresTool, toolVersion)
	}
	return nil
}

// Schema returns the raw bytes of a schema document referenced by an
// expectation. name is relative to the catalog root (e.g.
// "schemas/authorization_response.schema.json").
func (c *Catalog) Schema(name string) ([]byte, error) {
	clean := path.Clean(name)
	if strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
		return nil, fmt.Errorf("schema %q escapes the catalog root", name)
	}
	return fs.ReadFile(c.Root, clean)
}

// SchemaNames lists every schema document under SchemasDir, relative to the
// catalog root, in lexical order.
func (c *Catalog) SchemaNames() ([]string, error) {
	var names []string
	err := fs.WalkDir(c.Root, SchemasDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(p, ".json") {
			names = append(names, p)
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return names, err
}
