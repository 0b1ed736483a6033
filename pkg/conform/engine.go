// Package conform drives a test catalog against a system under test under
// one conformance profile and produces the evidence directory for the run.
package conform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/assertion"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/catalog"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/config"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/crypto"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/evidence"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/nonce"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/observability"
)

// ToolVersion is the version recorded in run metadata.
const ToolVersion = "0.1.0"

// Engine is the conformance engine. It is configured once per run and is
// not safe for concurrent Run calls.
type Engine struct {
	catalog    *catalog.Catalog
	profile    *config.Profile
	sut        *config.SUT
	assertions *assertion.Engine

	nonces    *nonce.Generator
	client    *http.Client
	limiter   *rate.Limiter
	telemetry *observability.Provider
	logger    *slog.Logger
	clock     func() time.Time
	newRunID  func() string
	version   string

	signer *crypto.Signer
}

// NewEngine creates an engine for one profile and SUT.
func NewEngine(cat *catalog.Catalog, profile *config.Profile, sut *config.SUT) (*Engine, error) {
	if cat == nil || profile == nil || sut == nil {
		return nil, errors.New("conform: catalog, profile and sut are required")
	}
	ae, err := assertion.NewEngine(cat)
	if err != nil {
		return nil, NewConfigError(CodeCatalogInvalid, err)
	}

	e := &Engine{
		catalog:    cat,
		profile:    profile,
		sut:        sut,
		assertions: ae,
		nonces:     nonce.NewGenerator(nonce.NewMemoryLedger(), nonce.DefaultTTL),
		client:     &http.Client{Timeout: sut.Timeout()},
		logger:     slog.Default(),
		clock:      time.Now,
		newRunID:   uuid.NewString,
		version:    ToolVersion,
	}
	if sut.RateLimitRPS > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(sut.RateLimitRPS), 1)
	}
	return e, nil
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithLogger sets the structured logger.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	if logger != nil {
		e.logger = logger
	}
	return e
}

// WithTelemetry attaches an OpenTelemetry provider.
func (e *Engine) WithTelemetry(p *observability.Provider) *Engine {
	e.telemetry = p
	return e
}

// WithNonceLedger replaces the in-process nonce ledger, e.g. with a shared
// Redis ledger when several runners target the same SUT.
func (e *Engine) WithNonceLedger(l nonce.Ledger) *Engine {
	e.nonces = nonce.NewGenerator(l, nonce.DefaultTTL)
	return e
}

// WithHTTPClient replaces the HTTP client. Its Timeout is forced to the SUT
// per-call timeout.
func (e *Engine) WithHTTPClient(c *http.Client) *Engine {
	cp := *c
	cp.Timeout = e.sut.Timeout()
	e.client = &cp
	return e
}

// WithRunID overrides run id generation.
func (e *Engine) WithRunID(fn func() string) *Engine {
	e.newRunID = fn
	return e
}

// WithToolVersion overrides the version checked against requires_tool and
// recorded in run metadata.
func (e *Engine) WithToolVersion(v string) *Engine {
	e.version = v
	return e
}

// Preflight checks every fatal precondition. It sends no request and
// touches no file.
func (e *Engine) Preflight() error {
	if err := e.catalog.CheckTool(e.version); err != nil {
		return NewConfigError(CodeCatalogIncompatible, err)
	}

	if e.profile.Gates.RequireStateReference && strings.TrimSpace(e.sut.StateReference) == "" {
		return configErrorf(CodeGateStateReference,
			"profile %s requires sut.state_reference", e.profile.ID)
	}

	if e.profile.HighAssurance() && e.sut.APIKey == "" {
		return configErrorf(CodeHighAssuranceNoAPIKey,
			"profile %s is high assurance and requires sut.api_key (or %s)", e.profile.ID, config.EnvAPIKey)
	}

	e.signer = nil
	if e.profile.Evidence.SignManifest {
		if e.sut.SigningKeyB64 == "" {
			return configErrorf(CodeSigningKeyMissing,
				"profile %s signs the manifest and requires sut.signing_key_b64 (or %s)", e.profile.ID, config.EnvSigningKey)
		}
		signer, err := crypto.ParseSigningKey(e.sut.SigningKeyB64)
		if err != nil {
			return NewConfigError(CodeSigningKeyInvalid, err)
		}
		e.signer = signer
	}

	for i := range e.catalog.Tests {
		tc := &e.catalog.Tests[i]
		if err := e.assertions.Check(&tc.Expect); err != nil {
			return configErrorf(CodeExpectationInvalid, "%s: %v", tc.ID, err)
		}
		if err := tc.CheckLiterals(); err != nil {
			return NewConfigError(CodeExpectationInvalid, err)
		}
	}
	return nil
}

// Report summarises a finished run.
type Report struct {
	Run        *evidence.RunMetadata
	Verdicts   []evidence.Verdict
	Descriptor *evidence.Descriptor
	Checksums  *evidence.Checksums
	Signed     bool
	Bundled    bool
}

// Counts tallies verdicts by result.
func (r *Report) Counts() map[evidence.Result]int {
	out := make(map[evidence.Result]int)
	for _, v := range r.Verdicts {
		out[v.Result]++
	}
	return out
}

// Run executes every case in catalog order and writes the evidence
// directory into out. label is recorded as out_dir_label. A *ConfigError
// means nothing was written; any other error is an I/O failure.
func (e *Engine) Run(ctx context.Context, out afero.Fs, label string) (*Report, error) {
	if err := e.Preflight(); err != nil {
		return nil, err
	}

	ctx, done := e.track(ctx, "conform.run", attribute.String("cts.profile", e.profile.ID))
	report, err := e.run(ctx, out, label)
	done(err)
	return report, err
}

func (e *Engine) run(ctx context.Context, out afero.Fs, label string) (*Report, error) {
	rec := evidence.NewRecorder(out)
	if err := rec.Prepare(); err != nil {
		return nil, err
	}

	log := e.logger.With("component", "conform", "profile", e.profile.ID)
	started := e.clock()
	log.InfoContext(ctx, "run started", "cases", len(e.catalog.Tests), "base_url", e.sut.BaseURL)

	verdicts := make([]evidence.Verdict, 0, len(e.catalog.Tests))
	for i := range e.catalog.Tests {
		tc := &e.catalog.Tests[i]

		caseCtx, done := e.track(ctx, "conform.case", attribute.String("cts.case_id", tc.ID))
		record, verdict := e.runCase(caseCtx, tc)
		err := rec.WriteCase(record)
		done(err)
		if err != nil {
			return nil, err
		}

		verdicts = append(verdicts, verdict)
		if e.telemetry != nil {
			e.telemetry.RecordVerdict(ctx, string(verdict.Result), attribute.String("cts.case_id", tc.ID))
		}
		log.InfoContext(ctx, "case finished",
			"case_id", tc.ID,
			"result", verdict.Result,
			"elapsed_ms", verdict.ElapsedMs,
		)
	}

	run := &evidence.RunMetadata{
		TestRunID:   e.newRunID(),
		ProfileID:   e.profile.ID,
		OutDirLabel: label,
		SUT:         e.sut.Summary(),
		StartedAt:   evidence.Timestamp(started),
		EndedAt:     evidence.Timestamp(e.clock()),
		Tool:        evidence.ToolInfo{Name: evidence.ToolName, Version: e.version},
		Catalog:     evidence.CatalogInfo{Version: e.catalog.Version, Digest: e.catalog.Digest},
	}
	if err := rec.WriteRun(run); err != nil {
		return nil, err
	}
	if err := rec.WriteVerdicts(verdicts); err != nil {
		return nil, err
	}

	report := &Report{Run: run, Verdicts: verdicts}
	if err := e.finalize(ctx, out, report); err != nil {
		return nil, err
	}

	log.InfoContext(ctx, "run finished", "run_id", run.TestRunID, "counts", report.Counts())
	return report, nil
}

// track is TrackOperation with a nil-safe provider.
func (e *Engine) track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if e.telemetry == nil {
		return ctx, func(error) {}
	}
	return e.telemetry.TrackOperation(ctx, name, attrs...)
}

// wrapStage names the failing pipeline stage.
func wrapStage(stage string, err error) error {
	return fmt.Errorf("%s: %w", stage, err)
}
