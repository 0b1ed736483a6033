// Package evidence writes the tamper-evident output of a conformance run:
// per-case records, run metadata, verdicts, the hash manifest and its
// signature, the zip bundle, the artifact index and the checksum ledger.
//
// All I/O goes through an afero.Fs rooted at the output directory, and every
// path handled here is relative to that root with forward slashes.
package evidence

import (
	"encoding/json"
	"time"

	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/assertion"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/config"
)

// Output layout.
const (
	CasesDir        = "cases"
	RunFile         = "run.json"
	VerdictsFile    = "verdicts.json"
	ManifestFile    = "manifest.json"
	SignatureFile   = "manifest.sig"
	BundleFile      = "bundle.zip"
	DescriptorFile  = "bundle_descriptor.json"
	ChecksumsFile   = "checksums.json"
	HashAlgorithm   = "sha256"
	ToolName        = "trqp-cts"
	BundleVersion   = "0.1.0"
	ChecksumVersion = "0.1.0"
)

// Result is a verdict outcome.
type Result string

const (
	ResultPass          Result = "PASS"
	ResultFail          Result = "FAIL"
	ResultNotApplicable Result = "NOT_APPLICABLE"
	ResultError         Result = "ERROR"
)

// CaseRecord is the full audit record of one test case, written to
// cases/<id>.json immediately after the case finishes.
type CaseRecord struct {
	TestCaseID string             `json:"test_case_id"`
	Name       string             `json:"name,omitempty"`
	Request    RequestRecord      `json:"request"`
	Response   ResponseRecord     `json:"response"`
	ElapsedMs  int64              `json:"elapsed_ms"`
	Assertions []assertion.Result `json:"assertions"`
	Skipped    bool               `json:"skipped,omitempty"`
	SkipReason string             `json:"skip_reason,omitempty"`
}

type RequestRecord struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    any               `json:"body"`
}

// ResponseRecord has a nil Status when no HTTP response was obtained.
type ResponseRecord struct {
	Status  *int              `json:"status"`
	Headers map[string]string `json:"headers"`
	Text    string            `json:"text"`
	JSON    any               `json:"json,omitempty"`
}

// Verdict is the one-line outcome of a case.
type Verdict struct {
	TestCaseID string `json:"test_case_id"`
	Result     Result `json:"result"`
	ElapsedMs  int64  `json:"elapsed_ms"`
	Reason     string `json:"reason,omitempty"`
}

// RunMetadata describes the run as a whole.
type RunMetadata struct {
	TestRunID   string            `json:"test_run_id"`
	ProfileID   string            `json:"profile_id"`
	OutDirLabel string            `json:"out_dir_label"`
	SUT         config.SUTSummary `json:"sut"`
	StartedAt   string            `json:"started_at"`
	EndedAt     string            `json:"ended_at"`
	Tool        ToolInfo          `json:"tool"`
	Catalog     CatalogInfo       `json:"catalog"`
}

type ToolInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type CatalogInfo struct {
	Version string `json:"version"`
	Digest  string `json:"digest"`
}

// Manifest maps every evidence file (except the bundle and the signature) to
// its digest.
type Manifest struct {
	GeneratedAt string            `json:"generated_at"`
	Algorithm   string            `json:"algorithm"`
	Hashes      map[string]string `json:"hashes"`
}

// IndexEntry is one artifact in the descriptor's artifact index.
type IndexEntry struct {
	Kind         string `json:"kind"`
	ArtifactKind string `json:"artifact_kind"`
	Path         string `json:"path"`
	ProducedBy   string `json:"produced_by"`
	SHA256       string `json:"sha256,omitempty"`
	MediaType    string `json:"media_type,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// ArtifactRoles names the well-known files of a bundle.
type ArtifactRoles struct {
	RunJSON   string `json:"run_json"`
	Verdicts  string `json:"verdicts"`
	Manifest  string `json:"manifest"`
	CasesDir  string `json:"cases_dir"`
	Signature string `json:"signature,omitempty"`
	BundleZip string `json:"bundle_zip,omitempty"`
}

// Descriptor is the machine-readable bundle_descriptor.json.
type Descriptor struct {
	BundleVersion string          `json:"bundle_version"`
	Run           json.RawMessage `json:"run"`
	RunDigest     string          `json:"run_digest"`
	Artifacts     ArtifactRoles   `json:"artifacts"`
	ArtifactIndex []IndexEntry    `json:"artifact_index"`
}

// Checksums is the checksums.json ledger.
type Checksums struct {
	ChecksumsVersion string          `json:"checksums_version"`
	Algorithm        string          `json:"algorithm"`
	GeneratedBy      string          `json:"generated_by"`
	GeneratedAt      string          `json:"generated_at"`
	Entries          []ChecksumEntry `json:"entries"`
}

type ChecksumEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// Artifact kinds, internal and external.
const (
	KindRunJSON    = "cts_run_json"
	KindVerdicts   = "cts_verdicts"
	KindManifest   = "cts_manifest"
	KindSignature  = "cts_manifest_sig"
	KindCaseFile   = "cts_case_file"
	KindBundleZip  = "cts_bundle_zip"
	KindDescriptor = "cts_bundle_descriptor"
	KindChecksums  = "cts_checksums"
)

// ArtifactKinds maps internal kinds to their stable external labels.
var ArtifactKinds = map[string]string{
	KindRunJSON:    "conformance_run_metadata",
	KindVerdicts:   "conformance_verdicts",
	KindManifest:   "conformance_manifest",
	KindSignature:  "conformance_manifest_signature",
	KindCaseFile:   "conformance_case_artifact",
	KindBundleZip:  "conformance_evidence_bundle_zip",
	KindDescriptor: "conformance_evidence_bundle_descriptor",
	KindChecksums:  "evidence_bundle_checksums",
}

// timestampLayout is RFC 3339 UTC with microseconds and a Z suffix.
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Timestamp formats t for evidence documents.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}
