package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/canonicalize"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/config"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/conform/conformtest"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/crypto"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/evidence"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/observability"
)

const baselineProfile = `id: baseline
evidence:
  sign_manifest: false
  bundle: true
`

const highAssuranceProfile = `id: high_assurance
evidence:
  sign_manifest: true
`

// isolate clears environment fallbacks the commands read.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv(config.EnvAPIKey, "")
	t.Setenv(config.EnvSigningKey, "")
	t.Setenv(observability.EnvEndpoint, "")
	t.Setenv(envPublicKey, "")
	t.Setenv(envHistory, "")
	t.Setenv("ARTIFACT_STORAGE_TYPE", "")
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

type result struct {
	code   int
	stdout string
	stderr string
}

func run(t *testing.T, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), args, &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func readVerdicts(t *testing.T, out string) []evidence.Verdict {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(out, evidence.VerdictsFile))
	require.NoError(t, err)
	var verdicts []evidence.Verdict
	require.NoError(t, json.Unmarshal(raw, &verdicts))
	return verdicts
}

func TestRun_BaselineThenVerifyIndexAndHistory(t *testing.T) {
	isolate(t)
	sut := conformtest.NewServer(t)
	dir := t.TempDir()
	profile := writeFile(t, dir, "baseline.yaml", baselineProfile)
	sutFile := writeFile(t, dir, "sut.yaml", "base_url: "+sut.URL+"\n")
	out := filepath.Join(dir, "out")
	dsn := "sqlite://" + filepath.Join(dir, "history.db")

	res := run(t, "run", "--profile", profile, "--sut", sutFile, "--out", out, "--history", dsn, "--log-level", "warn")
	require.Equal(t, exitOK, res.code, res.stderr)
	require.Equal(t, "OK: evidence written to "+out+"\n", res.stdout)

	verdicts := readVerdicts(t, out)
	require.NotEmpty(t, verdicts)
	for _, v := range verdicts {
		assert.Contains(t, []evidence.Result{evidence.ResultPass, evidence.ResultNotApplicable}, v.Result, v.TestCaseID)
	}
	assert.FileExists(t, filepath.Join(out, evidence.BundleFile))
	assert.NoFileExists(t, filepath.Join(out, evidence.SignatureFile))

	runRaw, err := os.ReadFile(filepath.Join(out, evidence.RunFile))
	require.NoError(t, err)
	var meta evidence.RunMetadata
	require.NoError(t, json.Unmarshal(runRaw, &meta))
	assert.Equal(t, "out", meta.OutDirLabel)
	assert.NotContains(t, string(runRaw), dir)

	res = run(t, "verify", "--out", out)
	require.Equal(t, exitOK, res.code, res.stdout+res.stderr)
	assert.Contains(t, res.stdout, "Evidence verification PASSED")

	res = run(t, "verify", "--out", out, "--require-signature")
	require.Equal(t, exitFailure, res.code)
	assert.Contains(t, res.stdout, "signature")

	before, err := os.ReadFile(filepath.Join(out, evidence.ChecksumsFile))
	require.NoError(t, err)
	res = run(t, "index", "--out", out)
	require.Equal(t, exitOK, res.code, res.stderr)
	after, err := os.ReadFile(filepath.Join(out, evidence.ChecksumsFile))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	res = run(t, "history", "list", "--history", dsn)
	require.Equal(t, exitOK, res.code, res.stderr)
	lines := strings.Split(strings.TrimSpace(res.stdout), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "baseline")

	runID := strings.Fields(lines[1])[0]
	res = run(t, "history", "show", runID, "--history", dsn)
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "TC-DISC-001")
	assert.Contains(t, res.stdout, sut.URL)

	res = run(t, "history", "show", "no-such-run", "--history", dsn)
	assert.Equal(t, exitFailure, res.code)
}

func TestRun_RootCommandAcceptsRunFlags(t *testing.T) {
	isolate(t)
	sut := conformtest.NewServer(t)
	dir := t.TempDir()
	profile := writeFile(t, dir, "baseline.yaml", baselineProfile)
	sutFile := writeFile(t, dir, "sut.yaml", "base_url: "+sut.URL+"\n")
	out := filepath.Join(dir, "out")

	res := run(t, "--profile", profile, "--sut", sutFile, "--out", out, "--log-format", "json")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "OK: evidence written to")
	assert.FileExists(t, filepath.Join(out, evidence.DescriptorFile))
}

func TestRun_HighAssuranceSignedAndVerified(t *testing.T) {
	isolate(t)
	sut := conformtest.NewServer(t)
	dir := t.TempDir()
	signer, err := crypto.GenerateSigner(rand.Reader)
	require.NoError(t, err)

	profile := writeFile(t, dir, "ha.yaml", highAssuranceProfile)
	sutFile := writeFile(t, dir, "sut.yaml", "base_url: "+sut.URL+"\n"+
		"api_key: "+conformtest.APIKey+"\n"+
		"signing_key_b64: "+signer.SeedB64()+"\n")
	out := filepath.Join(dir, "out")

	res := run(t, "run", "--profile", profile, "--sut", sutFile, "--out", out)
	require.Equal(t, exitOK, res.code, res.stderr)
	require.FileExists(t, filepath.Join(out, evidence.SignatureFile))
	assert.NotContains(t, res.stderr, conformtest.APIKey)

	res = run(t, "verify", "--out", out, "--public-key", signer.PublicKeyB64(), "--require-signature", "--json")
	require.Equal(t, exitOK, res.code, res.stdout)
	var report struct {
		Verified bool `json:"verified"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &report))
	assert.True(t, report.Verified)

	other, err := crypto.GenerateSigner(rand.Reader)
	require.NoError(t, err)
	res = run(t, "verify", "--out", out, "--public-key", other.PublicKeyB64())
	assert.Equal(t, exitFailure, res.code)
	assert.Contains(t, res.stderr, "verification failed")
}

func TestRun_FatalConfigurationErrors(t *testing.T) {
	isolate(t)
	sut := conformtest.NewServer(t)
	dir := t.TempDir()
	baseline := writeFile(t, dir, "baseline.yaml", baselineProfile)
	ha := writeFile(t, dir, "ha.yaml", highAssuranceProfile)
	gated := writeFile(t, dir, "gated.yaml", "id: enterprise\ngates:\n  require_state_reference: true\n")
	plainSUT := writeFile(t, dir, "sut.yaml", "base_url: "+sut.URL+"\n")
	haSUT := writeFile(t, dir, "ha_sut.yaml", "base_url: "+sut.URL+"\napi_key: "+conformtest.APIKey+"\n")
	badProfile := writeFile(t, dir, "bad.yaml", "description: no id\n")

	tests := []struct {
		name    string
		profile string
		sut     string
		code    string
	}{
		{"missing signing key", ha, haSUT, "E_SIGNING_KEY_MISSING"},
		{"missing api key", ha, plainSUT, "E_HA_API_KEY_MISSING"},
		{"state reference gate", gated, plainSUT, "E_GATE_STATE_REFERENCE"},
		{"invalid profile", badProfile, plainSUT, "E_CONFIG_INVALID"},
		{"missing sut file", baseline, filepath.Join(dir, "nope.yaml"), "E_CONFIG_INVALID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := filepath.Join(t.TempDir(), "out")
			res := run(t, "run", "--profile", tt.profile, "--sut", tt.sut, "--out", out, "--log-level", "error")
			require.Equal(t, exitConfig, res.code)
			assert.True(t, strings.HasPrefix(res.stderr, "Error: "+tt.code+": "), res.stderr)
			assert.Empty(t, res.stdout)
			assert.NoDirExists(t, out, "nothing is written on a fatal configuration error")
		})
	}
	assert.Zero(t, sut.Calls())
}

func TestRun_CatalogLiteralWithoutJSONForm(t *testing.T) {
	isolate(t)
	sut := conformtest.NewServer(t)
	dir := t.TempDir()
	catDir := filepath.Join(dir, "catalog")
	require.NoError(t, os.MkdirAll(catDir, 0o755))
	writeFile(t, catDir, "core_tests.yaml", `
version: "0.1.0"
tests:
  - id: TC-1
    path: /trqp/authorization
    request:
      body: {1: x}
  - id: TC-2
    path: /trqp/recognition
`)
	profile := writeFile(t, dir, "baseline.yaml", baselineProfile)
	sutFile := writeFile(t, dir, "sut.yaml", "base_url: "+sut.URL+"\n")
	out := filepath.Join(dir, "out")

	res := run(t, "run", "--profile", profile, "--sut", sutFile, "--out", out, "--catalog", catDir, "--log-level", "error")
	require.Equal(t, exitConfig, res.code, res.stderr)
	assert.True(t, strings.HasPrefix(res.stderr, "Error: E_CATALOG_INVALID: "), res.stderr)
	assert.NoDirExists(t, out)
	assert.Zero(t, sut.Calls())
}

func TestRun_UsageErrors(t *testing.T) {
	isolate(t)

	res := run(t, "run", "--profile", "p.yaml")
	assert.Equal(t, exitConfig, res.code)
	assert.Contains(t, res.stderr, "--profile, --sut and --out are required")

	res = run(t, "run", "--no-such-flag")
	assert.Equal(t, exitConfig, res.code)

	res = run(t, "version", "--log-level", "loud")
	assert.Equal(t, exitConfig, res.code)
	assert.Contains(t, res.stderr, "invalid --log-level")

	res = run(t, "verify", "--out", filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, exitConfig, res.code)

	res = run(t, "history", "list")
	assert.Equal(t, exitConfig, res.code)
}

func TestRun_UploadToFileStore(t *testing.T) {
	isolate(t)
	sut := conformtest.NewServer(t)
	dir := t.TempDir()
	cas := filepath.Join(dir, "cas")
	t.Setenv("ARTIFACT_FS_DIR", cas)

	profile := writeFile(t, dir, "baseline.yaml", baselineProfile)
	sutFile := writeFile(t, dir, "sut.yaml", "base_url: "+sut.URL+"\n")
	out := filepath.Join(dir, "out")

	res := run(t, "run", "--profile", profile, "--sut", sutFile, "--out", out, "--upload", "fs")
	require.Equal(t, exitOK, res.code, res.stderr)

	for _, name := range []string{evidence.BundleFile, evidence.DescriptorFile, evidence.ChecksumsFile} {
		data, err := os.ReadFile(filepath.Join(out, name))
		require.NoError(t, err)
		assert.FileExists(t, filepath.Join(cas, canonicalize.HashBytes(data)+".blob"), name)
	}
}

func TestRun_UploadFailureExitsOne(t *testing.T) {
	isolate(t)
	sut := conformtest.NewServer(t)
	dir := t.TempDir()
	t.Setenv("ARTIFACT_S3_BUCKET", "")

	profile := writeFile(t, dir, "baseline.yaml", baselineProfile)
	sutFile := writeFile(t, dir, "sut.yaml", "base_url: "+sut.URL+"\n")
	out := filepath.Join(dir, "out")

	res := run(t, "run", "--profile", profile, "--sut", sutFile, "--out", out, "--upload", "s3")
	assert.Equal(t, exitFailure, res.code)
	assert.Contains(t, res.stderr, "ARTIFACT_S3_BUCKET")
	assert.FileExists(t, filepath.Join(out, evidence.ChecksumsFile), "evidence is complete before upload")
}

func TestKeygen(t *testing.T) {
	isolate(t)
	res := run(t, "keygen", "--json")
	require.Equal(t, exitOK, res.code, res.stderr)

	var keys map[string]string
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &keys))
	signer, err := crypto.ParseSigningKey(keys["signing_key_b64"])
	require.NoError(t, err)
	assert.Equal(t, keys["public_key_b64"], signer.PublicKeyB64())
}

func TestVersion(t *testing.T) {
	isolate(t)
	res := run(t, "version")
	require.Equal(t, exitOK, res.code, res.stderr)

	g := goldie.New(t)
	g.Assert(t, "version", []byte(res.stdout))
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCmd(&app{})
	for _, name := range []string{"run", "verify", "index", "keygen", "history", "preflight", "version"} {
		sub, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
	assert.NotNil(t, root.Flags().Lookup("profile"))
	assert.Equal(t, "info", root.PersistentFlags().Lookup("log-level").DefValue)
}

func TestPreflight(t *testing.T) {
	isolate(t)
	sut := conformtest.NewServer(t)

	res := run(t, "preflight", "--base-url", sut.URL, "--endpoint", "/.well-known/trust-registries", "--endpoint", "authorization")
	require.Equal(t, exitOK, res.code, res.stdout+res.stderr)
	assert.Contains(t, res.stdout, "[OK] Base URL reachable: "+sut.URL+"/ (HTTP 404)")
	assert.Contains(t, res.stdout, "[OK] "+sut.URL+"/.well-known/trust-registries (HTTP 200)")
	assert.Contains(t, res.stdout, "[OK] "+sut.URL+"/authorization (HTTP 405)")

	dir := t.TempDir()
	sutFile := writeFile(t, dir, "sut.yaml", "base_url: "+sut.URL+"\n")
	res = run(t, "preflight", "--sut", sutFile)
	require.Equal(t, exitOK, res.code, res.stderr)

	sut.Close()
	res = run(t, "preflight", "--base-url", sut.URL, "--timeout", "2s")
	assert.Equal(t, exitConfig, res.code)
	assert.Contains(t, res.stdout, "[FAIL] Base URL not reachable")

	res = run(t, "preflight")
	assert.Equal(t, exitConfig, res.code)
}
