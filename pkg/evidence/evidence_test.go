package evidence

import (
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/assertion"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/canonicalize"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/config"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/crypto"
)

var fixedTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func intp(v int) *int { return &v }

// populate writes a small but complete run into fs.
func populate(t *testing.T, fs afero.Fs) {
	t.Helper()
	rec := NewRecorder(fs)
	require.NoError(t, rec.Prepare())

	require.NoError(t, rec.WriteCase(&CaseRecord{
		TestCaseID: "TC-B",
		Request:    RequestRecord{Method: "POST", Path: "/b", Headers: map[string]string{}},
		Response:   ResponseRecord{Status: intp(200), Headers: map[string]string{"Content-Type": "application/json"}, Text: `{"ok":true}`},
		Assertions: []assertion.Result{{Type: assertion.TypeStatus, Expected: assertion.Of(200), Actual: assertion.Of(200), Pass: true}},
	}))
	require.NoError(t, rec.WriteCase(&CaseRecord{
		TestCaseID: "TC-A",
		Request:    RequestRecord{Method: "GET", Path: "/a", Headers: map[string]string{}},
		Response:   ResponseRecord{Headers: map[string]string{}},
		Skipped:    true,
	}))
	require.NoError(t, rec.WriteRun(&RunMetadata{
		TestRunID:   "00000000-0000-4000-8000-000000000000",
		ProfileID:   "baseline",
		OutDirLabel: "out",
		SUT:         config.SUTSummary{BaseURL: "http://sut", TimeoutSeconds: 20},
		StartedAt:   Timestamp(fixedTime),
		EndedAt:     Timestamp(fixedTime.Add(time.Second)),
		Tool:        ToolInfo{Name: ToolName, Version: "0.1.0"},
		Catalog:     CatalogInfo{Version: "0.1.0", Digest: "abc"},
	}))
	require.NoError(t, rec.WriteVerdicts([]Verdict{
		{TestCaseID: "TC-B", Result: ResultPass},
		{TestCaseID: "TC-A", Result: ResultNotApplicable, Reason: "not applicable to profile baseline"},
	}))
}

func TestTimestamp(t *testing.T) {
	loc := time.FixedZone("x", 3600)
	require.Equal(t, "2025-03-01T11:00:00.000000Z", Timestamp(time.Date(2025, 3, 1, 12, 0, 0, 0, loc)))
}

func TestRecorder_WritesCaseFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	populate(t, fs)

	var rec CaseRecord
	require.NoError(t, readJSON(fs, "cases/TC-A.json", &rec))
	require.True(t, rec.Skipped)
	require.NotNil(t, rec.Assertions, "assertions must serialise as [] not null")
	require.Nil(t, rec.Response.Status)

	raw, err := afero.ReadFile(fs, "cases/TC-A.json")
	require.NoError(t, err)
	require.Contains(t, string(raw), `"status": null`)

	err = NewRecorder(fs).WriteCase(&CaseRecord{TestCaseID: "../escape"})
	require.Error(t, err)
}

func TestRecorder_PrepareClearsStaleOutput(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "cases/OLD.json", []byte("{}"), 0o644))
	require.NoError(t, afero.WriteFile(fs, SignatureFile, []byte("sig"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "notes.txt", []byte("keep"), 0o644))

	require.NoError(t, NewRecorder(fs).Prepare())

	ok, _ := afero.Exists(fs, "cases/OLD.json")
	require.False(t, ok)
	ok, _ = afero.Exists(fs, SignatureFile)
	require.False(t, ok)
	ok, _ = afero.Exists(fs, "notes.txt")
	require.True(t, ok, "files the pipeline does not own are left alone")
}

func TestManifest_RehashRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	populate(t, fs)
	require.NoError(t, afero.WriteFile(fs, BundleFile, []byte("stale"), 0o644))
	require.NoError(t, afero.WriteFile(fs, SignatureFile, []byte("stale"), 0o644))

	m, err := WriteManifest(fs, fixedTime)
	require.NoError(t, err)
	require.Equal(t, HashAlgorithm, m.Algorithm)

	require.NotContains(t, m.Hashes, BundleFile)
	require.NotContains(t, m.Hashes, SignatureFile)
	require.NotContains(t, m.Hashes, ManifestFile)
	require.Contains(t, m.Hashes, "cases/TC-A.json")

	back, err := ReadManifest(fs)
	require.NoError(t, err)
	require.Equal(t, m.Hashes, back.Hashes)
	for p, want := range back.Hashes {
		got, err := HashFile(fs, p)
		require.NoError(t, err)
		require.Equal(t, want, got, p)
	}
}

func TestSignManifest_VerifiesOverStoredBytes(t *testing.T) {
	fs := afero.NewMemMapFs()
	populate(t, fs)
	_, err := WriteManifest(fs, fixedTime)
	require.NoError(t, err)

	signer, err := crypto.GenerateSigner(rand.Reader)
	require.NoError(t, err)
	sig, err := SignManifest(fs, signer)
	require.NoError(t, err)

	stored, err := afero.ReadFile(fs, SignatureFile)
	require.NoError(t, err)
	require.Equal(t, sig, stored)
	require.Len(t, stored, crypto.SignatureSize)

	manifest, err := afero.ReadFile(fs, ManifestFile)
	require.NoError(t, err)
	require.True(t, crypto.Verify(signer.PublicKey(), manifest, stored))
}

func TestBundle_DeterministicAndComplete(t *testing.T) {
	fs := afero.NewMemMapFs()
	populate(t, fs)
	_, err := WriteManifest(fs, fixedTime)
	require.NoError(t, err)

	names, err := WriteBundle(fs)
	require.NoError(t, err)
	require.Equal(t, []string{"cases/TC-A.json", "cases/TC-B.json", ManifestFile, RunFile, VerdictsFile}, names)

	first, err := afero.ReadFile(fs, BundleFile)
	require.NoError(t, err)

	again, err := WriteBundle(fs)
	require.NoError(t, err)
	require.Equal(t, names, again, "bundle.zip never includes itself")
	second, err := afero.ReadFile(fs, BundleFile)
	require.NoError(t, err)
	require.Equal(t, first, second)

	listed, err := BundleEntries(fs)
	require.NoError(t, err)
	require.Equal(t, names, listed)
}

func TestWriteIndex(t *testing.T) {
	fs := afero.NewMemMapFs()
	populate(t, fs)
	_, err := WriteManifest(fs, fixedTime)
	require.NoError(t, err)
	signer, err := crypto.GenerateSigner(rand.Reader)
	require.NoError(t, err)
	_, err = SignManifest(fs, signer)
	require.NoError(t, err)
	_, err = WriteBundle(fs)
	require.NoError(t, err)

	desc, sums, err := WriteIndex(fs)
	require.NoError(t, err)

	assert.Equal(t, BundleVersion, desc.BundleVersion)
	assert.Equal(t, SignatureFile, desc.Artifacts.Signature)
	assert.Equal(t, BundleFile, desc.Artifacts.BundleZip)
	assert.Equal(t, CasesDir, desc.Artifacts.CasesDir)

	runRaw, err := afero.ReadFile(fs, RunFile)
	require.NoError(t, err)
	wantDigest, err := canonicalize.CanonicalHash(json.RawMessage(runRaw))
	require.NoError(t, err)
	assert.Equal(t, wantDigest, desc.RunDigest)

	var kinds []string
	for _, e := range desc.ArtifactIndex {
		kinds = append(kinds, e.Kind)
		assert.Equal(t, ArtifactKinds[e.Kind], e.ArtifactKind)
		assert.Equal(t, ToolName, e.ProducedBy)
	}
	assert.Equal(t, []string{
		KindRunJSON, KindVerdicts, KindManifest, KindSignature,
		KindCaseFile, KindCaseFile, KindBundleZip, KindDescriptor,
	}, kinds)
	assert.Equal(t, signatureNote, desc.ArtifactIndex[3].Notes)
	assert.Equal(t, "application/octet-stream", desc.ArtifactIndex[3].MediaType)

	// Index hashes agree with the manifest for files not touched since.
	m, err := ReadManifest(fs)
	require.NoError(t, err)
	for _, e := range desc.ArtifactIndex {
		if want, ok := m.Hashes[e.Path]; ok {
			assert.Equal(t, want, e.SHA256, e.Path)
		}
	}

	assert.Equal(t, Timestamp(fixedTime.Add(time.Second)), sums.GeneratedAt)
	for i := 1; i < len(sums.Entries); i++ {
		assert.Less(t, sums.Entries[i-1].Path, sums.Entries[i].Path)
	}
	assert.Len(t, sums.Entries, 8)
}

func TestWriteIndex_Idempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	populate(t, fs)
	_, err := WriteManifest(fs, fixedTime)
	require.NoError(t, err)

	_, _, err = WriteIndex(fs)
	require.NoError(t, err)
	first, err := afero.ReadFile(fs, ChecksumsFile)
	require.NoError(t, err)
	firstDesc, err := afero.ReadFile(fs, DescriptorFile)
	require.NoError(t, err)

	_, _, err = WriteIndex(fs)
	require.NoError(t, err)
	second, err := afero.ReadFile(fs, ChecksumsFile)
	require.NoError(t, err)
	secondDesc, err := afero.ReadFile(fs, DescriptorFile)
	require.NoError(t, err)

	require.Equal(t, string(first), string(second))
	require.Equal(t, string(firstDesc), string(secondDesc))

	desc, err := ReadDescriptor(fs)
	require.NoError(t, err)
	require.Empty(t, desc.Artifacts.Signature)
	require.Empty(t, desc.Artifacts.BundleZip)
}

func TestWriteIndex_MissingRun(t *testing.T) {
	_, _, err := WriteIndex(afero.NewMemMapFs())
	require.Error(t, err)
}

func TestMediaType(t *testing.T) {
	cases := map[string]string{
		"a.json":       "application/json",
		"b.ZIP":        "application/zip",
		"c.txt":        "text/plain",
		"d.log":        "text/plain",
		"e.yaml":       "text/yaml",
		"f.yml":        "text/yaml",
		"manifest.sig": "application/octet-stream",
		"g.bin":        "",
	}
	for in, want := range cases {
		assert.Equal(t, want, MediaType(in), in)
	}
}
