package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/artifacts"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/catalog"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/config"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/conform"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/evidence"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/history"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/nonce"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/observability"
)

// runOptions are the flags of "run", also accepted by the root command.
type runOptions struct {
	profile      string
	sut          string
	out          string
	catalog      string
	history      string
	upload       string
	nonceLedger  string
	otlpEndpoint string
}

func (o *runOptions) addFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.profile, "profile", "", "profile YAML file (required)")
	f.StringVar(&o.sut, "sut", "", "system-under-test YAML file (required)")
	f.StringVar(&o.out, "out", "", "output directory for evidence (required)")
	f.StringVar(&o.catalog, "catalog", "", "catalog directory (default: built-in catalog)")
	f.StringVar(&o.history, "history", "", "record the run in a history ledger (sqlite://path or postgres://...)")
	f.StringVar(&o.upload, "upload", "", "upload the bundle to artifact storage (fs|s3|gcs)")
	f.StringVar(&o.nonceLedger, "nonce-ledger", "", "share issued nonces through Redis (redis://...)")
	f.StringVar(&o.otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint for traces and metrics (default: $"+observability.EnvEndpoint+")")
}

func newRunCmd(a *app) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the conformance catalog against a trust registry",
		Long: `Run every catalog case against the system under test in catalog order and
write the evidence directory.

Exit codes:
  0  pipeline completed (whatever the individual verdicts)
  1  I/O or upload failure
  2  fatal configuration error; no evidence is written`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runConformance(cmd.Context(), opts)
		},
	}
	opts.addFlags(cmd)
	return cmd
}

func (a *app) runConformance(ctx context.Context, o *runOptions) error {
	if o.profile == "" || o.sut == "" || o.out == "" {
		return usageErrorf("--profile, --sut and --out are required")
	}
	logger := a.logger

	profile, err := config.LoadProfile(o.profile)
	if err != nil {
		return conform.NewConfigError(conform.CodeConfigInvalid, err)
	}
	sut, err := config.LoadSUT(o.sut)
	if err != nil {
		return conform.NewConfigError(conform.CodeConfigInvalid, err)
	}
	cat, err := loadCatalog(o.catalog)
	if err != nil {
		return err
	}

	telemetry, err := observability.New(ctx, observability.ConfigFromEnv(o.otlpEndpoint, conform.ToolVersion), logger)
	if err != nil {
		logger.WarnContext(ctx, "telemetry disabled", "error", err)
		telemetry, _ = observability.New(ctx, observability.DefaultConfig(), logger)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	engine, err := conform.NewEngine(cat, profile, sut)
	if err != nil {
		return err
	}
	engine.WithLogger(logger).WithTelemetry(telemetry)

	if o.nonceLedger != "" {
		ledger, err := nonce.NewRedisLedger(o.nonceLedger)
		if err != nil {
			return conform.NewConfigError(conform.CodeConfigInvalid, err)
		}
		defer func() { _ = ledger.Close() }()
		if err := ledger.Ping(ctx); err != nil {
			return conform.NewConfigError(conform.CodeConfigInvalid, fmt.Errorf("nonce ledger: %w", err))
		}
		engine.WithNonceLedger(ledger)
	}

	// Preflight runs before the output directory is touched.
	if err := engine.Preflight(); err != nil {
		return err
	}
	if err := os.MkdirAll(o.out, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	out := afero.NewBasePathFs(afero.NewOsFs(), o.out)

	// Only the directory name is recorded; the rest of the path is local layout.
	report, err := engine.Run(ctx, out, filepath.Base(filepath.Clean(o.out)))
	if err != nil {
		return err
	}

	counts := report.Counts()
	logger.InfoContext(ctx, "run complete",
		"test_run_id", report.Run.TestRunID,
		"pass", counts[evidence.ResultPass],
		"fail", counts[evidence.ResultFail],
		"not_applicable", counts[evidence.ResultNotApplicable],
		"error", counts[evidence.ResultError],
		"signed", report.Signed,
		"bundled", report.Bundled,
	)

	if o.history != "" {
		a.recordHistory(ctx, o.history, report)
	}

	if o.upload != "" {
		if err := a.upload(ctx, o.upload, out); err != nil {
			return err
		}
	}

	_, _ = fmt.Fprintf(a.stdout, "OK: evidence written to %s\n", o.out)
	return nil
}

func loadCatalog(dir string) (*catalog.Catalog, error) {
	var (
		cat *catalog.Catalog
		err error
	)
	if dir == "" {
		cat, err = catalog.Default()
	} else {
		cat, err = catalog.LoadDir(dir)
	}
	if err != nil {
		return nil, conform.NewConfigError(conform.CodeCatalogInvalid, err)
	}
	return cat, nil
}

// recordHistory appends the run to the ledger. The evidence directory is
// the system of record, so failures are logged and the run still succeeds.
func (a *app) recordHistory(ctx context.Context, dsn string, report *conform.Report) {
	store, err := history.Open(ctx, dsn)
	if err != nil {
		a.logger.WarnContext(ctx, "history not recorded", "error", err)
		return
	}
	defer func() { _ = store.Close() }()

	if err := store.Record(ctx, report.Run, report.Verdicts, report.Descriptor.RunDigest); err != nil {
		a.logger.WarnContext(ctx, "history not recorded", "error", err)
		return
	}
	a.logger.InfoContext(ctx, "history recorded", "test_run_id", report.Run.TestRunID)
}

func (a *app) upload(ctx context.Context, storeType string, out afero.Fs) error {
	store, err := artifacts.NewStoreFromEnv(ctx, artifacts.StoreType(storeType))
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}
	if c, ok := store.(interface{ Close() error }); ok {
		defer func() { _ = c.Close() }()
	}

	uploaded, err := artifacts.Upload(ctx, store, out)
	for _, u := range uploaded {
		a.logger.InfoContext(ctx, "artifact uploaded", "path", u.Path, "digest", u.Digest, "size", u.Size)
	}
	if err != nil {
		return fmt.Errorf("upload incomplete: %w", err)
	}
	return nil
}
