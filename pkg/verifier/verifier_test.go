package verifier

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/crypto"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/evidence"
)

var fixedTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// buildRun writes a complete evidence directory and returns the signer used.
func buildRun(t *testing.T, sign, bundle bool) (afero.Fs, *crypto.Signer) {
	t.Helper()
	fs := afero.NewMemMapFs()
	rec := evidence.NewRecorder(fs)
	must(t, rec.Prepare())

	status := 200
	must(t, rec.WriteCase(&evidence.CaseRecord{
		TestCaseID: "TC-1",
		Request:    evidence.RequestRecord{Method: "GET", Path: "/x", Headers: map[string]string{}},
		Response:   evidence.ResponseRecord{Status: &status, Headers: map[string]string{}, Text: "[]"},
	}))
	must(t, rec.WriteCase(&evidence.CaseRecord{
		TestCaseID: "TC-2",
		Request:    evidence.RequestRecord{Method: "POST", Path: "/y", Headers: map[string]string{}},
		Response:   evidence.ResponseRecord{Headers: map[string]string{}},
		Skipped:    true,
	}))
	must(t, rec.WriteRun(&evidence.RunMetadata{
		TestRunID: "run-1",
		ProfileID: "baseline",
		StartedAt: evidence.Timestamp(fixedTime),
		EndedAt:   evidence.Timestamp(fixedTime.Add(time.Second)),
		Tool:      evidence.ToolInfo{Name: evidence.ToolName, Version: "0.1.0"},
	}))
	must(t, rec.WriteVerdicts([]evidence.Verdict{
		{TestCaseID: "TC-1", Result: evidence.ResultPass},
		{TestCaseID: "TC-2", Result: evidence.ResultNotApplicable},
	}))

	_, err := evidence.WriteManifest(fs, fixedTime)
	must(t, err)

	signer, err := crypto.GenerateSigner(rand.Reader)
	must(t, err)
	if sign {
		_, err = evidence.SignManifest(fs, signer)
		must(t, err)
	}
	if bundle {
		_, err = evidence.WriteBundle(fs)
		must(t, err)
	}
	_, _, err = evidence.WriteIndex(fs)
	must(t, err)
	return fs, signer
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func verify(t *testing.T, fs afero.Fs, opts Options) *VerifyReport {
	t.Helper()
	opts.Now = func() time.Time { return fixedTime }
	report, err := Verify(fs, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return report
}

func failedCheck(r *VerifyReport, name string) *CheckResult {
	for _, c := range r.Failures() {
		if c.Name == name {
			return &c
		}
	}
	return nil
}

func TestVerify_Valid(t *testing.T) {
	fs, signer := buildRun(t, true, true)

	report := verify(t, fs, Options{PublicKey: signer.PublicKey(), RequireSignature: true, Label: "out"})
	if !report.Verified {
		t.Errorf("expected PASS, got FAIL: %s", report.Summary)
		for _, c := range report.Failures() {
			t.Logf("  FAIL: %s: %s", c.Name, c.Reason)
		}
	}
	if report.VerifierVer != VerifierVersion {
		t.Errorf("expected version %s, got %s", VerifierVersion, report.VerifierVer)
	}
	if !report.Timestamp.Equal(fixedTime) {
		t.Errorf("timestamp = %v", report.Timestamp)
	}
}

func TestVerify_UnsignedWithoutBundle(t *testing.T) {
	fs, _ := buildRun(t, false, false)

	report := verify(t, fs, Options{})
	if !report.Verified {
		t.Fatalf("expected PASS: %s %+v", report.Summary, report.Failures())
	}

	report = verify(t, fs, Options{RequireSignature: true})
	if failedCheck(report, "signature") == nil {
		t.Error("required signature should fail when manifest.sig is absent")
	}
}

func TestVerify_TamperedCase(t *testing.T) {
	fs, _ := buildRun(t, false, true)
	must(t, afero.WriteFile(fs, "cases/TC-1.json", []byte(`{"tampered":true}`), 0o644))

	report := verify(t, fs, Options{})
	if report.Verified {
		t.Fatal("expected FAIL for a modified case file")
	}
	if failedCheck(report, "hash:cases/TC-1.json") == nil {
		t.Error("manifest hash check should name the file")
	}
	if failedCheck(report, "checksum:cases/TC-1.json") == nil {
		t.Error("checksum check should name the file")
	}
}

func TestVerify_WrongKey(t *testing.T) {
	fs, _ := buildRun(t, true, false)
	other, err := crypto.GenerateSigner(rand.Reader)
	must(t, err)

	report := verify(t, fs, Options{PublicKey: other.PublicKey()})
	if failedCheck(report, "signature") == nil {
		t.Error("signature from another key must not verify")
	}
}

func TestVerify_ExtraFile(t *testing.T) {
	fs, _ := buildRun(t, false, false)
	must(t, afero.WriteFile(fs, "cases/TC-3.json", []byte(`{}`), 0o644))

	report := verify(t, fs, Options{})
	if failedCheck(report, "manifest_coverage") == nil {
		t.Error("a file added after the manifest must be reported")
	}
	if failedCheck(report, "verdicts") == nil {
		t.Error("a case record without a verdict must be reported")
	}
}

func TestVerify_MissingManifest(t *testing.T) {
	report := verify(t, afero.NewMemMapFs(), Options{})
	if report.Verified {
		t.Error("expected FAIL for missing manifest")
	}
	if failedCheck(report, "structure") == nil || failedCheck(report, "manifest") == nil {
		t.Errorf("expected structure and manifest failures, got %+v", report.Failures())
	}
}

func TestVerify_BundleMissingEntry(t *testing.T) {
	fs, _ := buildRun(t, false, true)
	// Replace the bundle with one built before a case was added.
	must(t, fs.Remove("cases/TC-2.json"))
	_, err := evidence.WriteBundle(fs)
	must(t, err)

	report := verify(t, fs, Options{})
	if failedCheck(report, "bundle") == nil {
		t.Error("bundle lacking a manifest path must fail")
	}
}
