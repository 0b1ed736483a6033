package evidence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/text/unicode/norm"

	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/assertion"
)

// generated lists every file the pipeline owns. Prepare removes stale copies
// so a rerun into the same directory starts clean.
var generated = []string{
	RunFile, VerdictsFile, ManifestFile, SignatureFile,
	BundleFile, DescriptorFile, ChecksumsFile,
}

// Recorder writes case records and run documents.
type Recorder struct {
	fs afero.Fs
}

// NewRecorder writes into fs, which must be rooted at the output directory.
func NewRecorder(fs afero.Fs) *Recorder {
	return &Recorder{fs: fs}
}

// Fs exposes the underlying filesystem for the later pipeline stages.
func (r *Recorder) Fs() afero.Fs { return r.fs }

// Prepare creates the cases directory and clears previous pipeline output.
func (r *Recorder) Prepare() error {
	if err := r.fs.RemoveAll(CasesDir); err != nil {
		return fmt.Errorf("clear %s: %w", CasesDir, err)
	}
	for _, name := range generated {
		if err := r.fs.Remove(name); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clear %s: %w", name, err)
		}
	}
	if err := r.fs.MkdirAll(CasesDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", CasesDir, err)
	}
	return nil
}

// CasePath is the relative path of the record for id.
func CasePath(id string) string {
	return path.Join(CasesDir, norm.NFC.String(id)+".json")
}

// WriteCase persists one case record.
func (r *Recorder) WriteCase(rec *CaseRecord) error {
	if rec.TestCaseID == "" || strings.ContainsAny(rec.TestCaseID, `/\`) {
		return fmt.Errorf("invalid case id %q", rec.TestCaseID)
	}
	if rec.Assertions == nil {
		rec.Assertions = []assertion.Result{}
	}
	return writeJSON(r.fs, CasePath(rec.TestCaseID), rec)
}

// WriteRun persists run.json.
func (r *Recorder) WriteRun(run *RunMetadata) error {
	return writeJSON(r.fs, RunFile, run)
}

// WriteVerdicts persists verdicts.json.
func (r *Recorder) WriteVerdicts(verdicts []Verdict) error {
	if verdicts == nil {
		verdicts = []Verdict{}
	}
	return writeJSON(r.fs, VerdictsFile, verdicts)
}

// writeJSON writes v as two-space indented JSON without HTML escaping.
func writeJSON(fs afero.Fs, name string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := afero.WriteFile(fs, name, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func readJSON(fs afero.Fs, name string, v any) error {
	data, err := afero.ReadFile(fs, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}
