// Package verifier provides offline verification of a conformance evidence
// directory.
//
// The verifier has no network dependencies. It trusts only SHA-256, Ed25519
// and JCS, and re-derives every digest from the files on disk.
package verifier

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/canonicalize"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/crypto"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/evidence"
)

// VerifyReport is the structured output of offline verification.
type VerifyReport struct {
	OutDir      string        `json:"out_dir"`
	Verified    bool          `json:"verified"`
	Timestamp   time.Time     `json:"timestamp"`
	Checks      []CheckResult `json:"checks"`
	Summary     string        `json:"summary"`
	IssueCount  int           `json:"issue_count"`
	VerifierVer string        `json:"verifier_version"`
}

// CheckResult represents a single verification check.
type CheckResult struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
	Reason string `json:"reason,omitempty"` // failure reason
}

const VerifierVersion = "0.1.0"

// Options tune verification.
type Options struct {
	// PublicKey verifies manifest.sig when set.
	PublicKey []byte
	// RequireSignature fails verification when manifest.sig is absent.
	RequireSignature bool
	// Label is copied into the report.
	Label string
	Now   func() time.Time
}

// postManifest lists files written after manifest.json, which the manifest
// therefore cannot cover.
var postManifest = map[string]bool{
	evidence.ManifestFile:   true,
	evidence.SignatureFile:  true,
	evidence.BundleFile:     true,
	evidence.DescriptorFile: true,
	evidence.ChecksumsFile:  true,
}

// Verify checks the evidence directory rooted at fs.
func Verify(fs afero.Fs, opts Options) (*VerifyReport, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	report := &VerifyReport{
		OutDir:      opts.Label,
		Verified:    true,
		Timestamp:   now().UTC(),
		Checks:      make([]CheckResult, 0),
		VerifierVer: VerifierVersion,
	}

	report.addCheck(checkStructure(fs))

	manifest, err := evidence.ReadManifest(fs)
	if err != nil {
		report.addCheck(CheckResult{Name: "manifest", Pass: false, Reason: fmt.Sprintf("cannot read manifest: %v", err)})
		report.finish()
		return report, nil
	}

	report.addChecks(checkManifestHashes(fs, manifest))
	report.addCheck(checkCoverage(fs, manifest))
	report.addCheck(checkVerdicts(fs))
	report.addChecks(checkChecksums(fs))
	report.addCheck(checkDescriptor(fs, manifest))
	report.addCheck(checkSignature(fs, opts))
	report.addCheck(checkBundle(fs, manifest))

	report.finish()
	return report, nil
}

func (r *VerifyReport) addCheck(c CheckResult) {
	r.Checks = append(r.Checks, c)
}

func (r *VerifyReport) addChecks(cs []CheckResult) {
	r.Checks = append(r.Checks, cs...)
}

func (r *VerifyReport) finish() {
	failed := 0
	for _, c := range r.Checks {
		if !c.Pass {
			failed++
		}
	}
	r.IssueCount = failed
	if failed > 0 {
		r.Verified = false
		r.Summary = fmt.Sprintf("FAIL: %d/%d checks failed", failed, len(r.Checks))
	} else {
		r.Summary = fmt.Sprintf("PASS: %d/%d checks passed", len(r.Checks), len(r.Checks))
	}
}

// Failures returns the failing checks.
func (r *VerifyReport) Failures() []CheckResult {
	var out []CheckResult
	for _, c := range r.Checks {
		if !c.Pass {
			out = append(out, c)
		}
	}
	return out
}

// --- Check implementations ---

func checkStructure(fs afero.Fs) CheckResult {
	var missing []string
	for _, name := range []string{evidence.ManifestFile, evidence.RunFile, evidence.VerdictsFile} {
		if !fileExists(fs, name) {
			missing = append(missing, name)
		}
	}
	if ok, _ := afero.DirExists(fs, evidence.CasesDir); !ok {
		missing = append(missing, evidence.CasesDir+"/")
	}
	if len(missing) > 0 {
		return CheckResult{Name: "structure", Pass: false, Reason: "missing " + strings.Join(missing, ", ")}
	}
	return CheckResult{Name: "structure", Pass: true, Detail: "evidence layout valid"}
}

func checkManifestHashes(fs afero.Fs, m *evidence.Manifest) []CheckResult {
	if m.Algorithm != evidence.HashAlgorithm {
		return []CheckResult{{Name: "file_hashes", Pass: false, Reason: fmt.Sprintf("unsupported algorithm %q", m.Algorithm)}}
	}

	keys := sortedKeys(m.Hashes)
	results := make([]CheckResult, 0, len(keys))
	for _, name := range keys {
		results = append(results, checkHash("hash:"+name, fs, name, m.Hashes[name]))
	}
	if len(results) == 0 {
		results = append(results, CheckResult{Name: "file_hashes", Pass: false, Reason: "manifest lists no files"})
	}
	return results
}

func checkHash(check string, fs afero.Fs, name, want string) CheckResult {
	got, err := evidence.HashFile(fs, name)
	if err != nil {
		return CheckResult{Name: check, Pass: false, Reason: fmt.Sprintf("file missing: %v", err)}
	}
	if got != want {
		return CheckResult{Name: check, Pass: false, Reason: fmt.Sprintf("hash mismatch: expected %s, got %s", want, got)}
	}
	return CheckResult{Name: check, Pass: true, Detail: "hash verified"}
}

// checkCoverage finds files added after the manifest was written.
func checkCoverage(fs afero.Fs, m *evidence.Manifest) CheckResult {
	files, err := evidence.ListFiles(fs)
	if err != nil {
		return CheckResult{Name: "manifest_coverage", Pass: false, Reason: fmt.Sprintf("cannot list files: %v", err)}
	}
	var extra []string
	for _, f := range files {
		if _, ok := m.Hashes[f]; !ok && !postManifest[f] {
			extra = append(extra, f)
		}
	}
	if len(extra) > 0 {
		return CheckResult{Name: "manifest_coverage", Pass: false, Reason: "files not in manifest: " + strings.Join(extra, ", ")}
	}
	return CheckResult{Name: "manifest_coverage", Pass: true, Detail: fmt.Sprintf("%d files covered", len(m.Hashes))}
}

// checkVerdicts confirms one verdict per case record.
func checkVerdicts(fs afero.Fs) CheckResult {
	raw, err := afero.ReadFile(fs, evidence.VerdictsFile)
	if err != nil {
		return CheckResult{Name: "verdicts", Pass: false, Reason: fmt.Sprintf("cannot read verdicts: %v", err)}
	}
	var verdicts []evidence.Verdict
	if err := json.Unmarshal(raw, &verdicts); err != nil {
		return CheckResult{Name: "verdicts", Pass: false, Reason: fmt.Sprintf("invalid verdicts JSON: %v", err)}
	}

	infos, err := afero.ReadDir(fs, evidence.CasesDir)
	if err != nil {
		return CheckResult{Name: "verdicts", Pass: false, Reason: fmt.Sprintf("cannot read cases: %v", err)}
	}
	cases := make(map[string]bool, len(infos))
	for _, info := range infos {
		if !info.IsDir() && path.Ext(info.Name()) == ".json" {
			cases[strings.TrimSuffix(info.Name(), ".json")] = true
		}
	}

	seen := make(map[string]bool, len(verdicts))
	for _, v := range verdicts {
		if seen[v.TestCaseID] {
			return CheckResult{Name: "verdicts", Pass: false, Reason: "duplicate verdict for " + v.TestCaseID}
		}
		seen[v.TestCaseID] = true
		if !cases[v.TestCaseID] {
			return CheckResult{Name: "verdicts", Pass: false, Reason: "no case record for " + v.TestCaseID}
		}
	}
	for id := range cases {
		if !seen[id] {
			return CheckResult{Name: "verdicts", Pass: false, Reason: "no verdict for case " + id}
		}
	}
	return CheckResult{Name: "verdicts", Pass: true, Detail: fmt.Sprintf("%d verdicts match case records", len(verdicts))}
}

func checkChecksums(fs afero.Fs) []CheckResult {
	if !fileExists(fs, evidence.ChecksumsFile) {
		return []CheckResult{{Name: "checksums", Pass: false, Reason: "checksums.json missing"}}
	}
	sums, err := evidence.ReadChecksums(fs)
	if err != nil {
		return []CheckResult{{Name: "checksums", Pass: false, Reason: err.Error()}}
	}
	if sums.Algorithm != evidence.HashAlgorithm {
		return []CheckResult{{Name: "checksums", Pass: false, Reason: fmt.Sprintf("unsupported algorithm %q", sums.Algorithm)}}
	}
	results := make([]CheckResult, 0, len(sums.Entries))
	for _, e := range sums.Entries {
		results = append(results, checkHash("checksum:"+e.Path, fs, e.Path, e.SHA256))
	}
	return results
}

func checkDescriptor(fs afero.Fs, m *evidence.Manifest) CheckResult {
	desc, err := evidence.ReadDescriptor(fs)
	if err != nil {
		return CheckResult{Name: "descriptor", Pass: false, Reason: fmt.Sprintf("cannot read descriptor: %v", err)}
	}

	runRaw, err := afero.ReadFile(fs, evidence.RunFile)
	if err != nil {
		return CheckResult{Name: "descriptor", Pass: false, Reason: fmt.Sprintf("cannot read run: %v", err)}
	}
	want, err := canonicalize.CanonicalHash(json.RawMessage(runRaw))
	if err != nil {
		return CheckResult{Name: "descriptor", Pass: false, Reason: fmt.Sprintf("cannot canonicalize run: %v", err)}
	}
	if desc.RunDigest != want {
		return CheckResult{Name: "descriptor", Pass: false, Reason: fmt.Sprintf("run_digest mismatch: expected %s, got %s", want, desc.RunDigest)}
	}

	for _, e := range desc.ArtifactIndex {
		if e.ArtifactKind != evidence.ArtifactKinds[e.Kind] {
			return CheckResult{Name: "descriptor", Pass: false, Reason: fmt.Sprintf("%s: unknown kind %q", e.Path, e.Kind)}
		}
		if h, ok := m.Hashes[e.Path]; ok && e.SHA256 != h {
			return CheckResult{Name: "descriptor", Pass: false, Reason: fmt.Sprintf("%s: index hash differs from manifest", e.Path)}
		}
	}
	return CheckResult{Name: "descriptor", Pass: true, Detail: fmt.Sprintf("%d index entries agree with manifest", len(desc.ArtifactIndex))}
}

func checkSignature(fs afero.Fs, opts Options) CheckResult {
	if !fileExists(fs, evidence.SignatureFile) {
		if opts.RequireSignature {
			return CheckResult{Name: "signature", Pass: false, Reason: "manifest.sig missing"}
		}
		return CheckResult{Name: "signature", Pass: true, Detail: "unsigned run (not applicable)"}
	}
	if len(opts.PublicKey) == 0 {
		if opts.RequireSignature {
			return CheckResult{Name: "signature", Pass: false, Reason: "no public key supplied"}
		}
		return CheckResult{Name: "signature", Pass: true, Detail: "signature present, not verified (no public key)"}
	}

	manifest, err := afero.ReadFile(fs, evidence.ManifestFile)
	if err != nil {
		return CheckResult{Name: "signature", Pass: false, Reason: fmt.Sprintf("cannot read manifest: %v", err)}
	}
	sig, err := afero.ReadFile(fs, evidence.SignatureFile)
	if err != nil {
		return CheckResult{Name: "signature", Pass: false, Reason: fmt.Sprintf("cannot read signature: %v", err)}
	}
	if !crypto.Verify(opts.PublicKey, manifest, sig) {
		return CheckResult{Name: "signature", Pass: false, Reason: "signature does not verify"}
	}
	return CheckResult{Name: "signature", Pass: true, Detail: "Ed25519 signature verified"}
}

func checkBundle(fs afero.Fs, m *evidence.Manifest) CheckResult {
	if !fileExists(fs, evidence.BundleFile) {
		return CheckResult{Name: "bundle", Pass: true, Detail: "no bundle.zip (not applicable)"}
	}
	entries, err := evidence.BundleEntries(fs)
	if err != nil {
		return CheckResult{Name: "bundle", Pass: false, Reason: fmt.Sprintf("cannot read bundle: %v", err)}
	}
	listed := make(map[string]bool, len(entries))
	for _, e := range entries {
		listed[e] = true
	}
	var missing []string
	for _, p := range sortedKeys(m.Hashes) {
		if !listed[p] {
			missing = append(missing, p)
		}
	}
	if !listed[evidence.ManifestFile] {
		missing = append(missing, evidence.ManifestFile)
	}
	if len(missing) > 0 {
		return CheckResult{Name: "bundle", Pass: false, Reason: "bundle.zip lacks " + strings.Join(missing, ", ")}
	}
	return CheckResult{Name: "bundle", Pass: true, Detail: fmt.Sprintf("%d entries", len(entries))}
}

// --- Helpers ---

func fileExists(fs afero.Fs, name string) bool {
	info, err := fs.Stat(name)
	return err == nil && !info.IsDir()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
