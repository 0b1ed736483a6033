// Package history appends finished runs to a SQL ledger so results can be
// compared across runs. The evidence directory stays the system of record;
// the ledger is an index over it.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/evidence"
)

// Driver names registered by the imported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var ErrNotFound = errors.New("history: run not found")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS cts_runs (
	test_run_id TEXT PRIMARY KEY,
	profile_id TEXT NOT NULL,
	base_url TEXT NOT NULL,
	started_at TEXT NOT NULL,
	ended_at TEXT NOT NULL,
	tool_version TEXT NOT NULL,
	catalog_version TEXT NOT NULL,
	catalog_digest TEXT NOT NULL,
	run_digest TEXT NOT NULL,
	pass_count INTEGER NOT NULL,
	fail_count INTEGER NOT NULL,
	na_count INTEGER NOT NULL,
	error_count INTEGER NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS cts_verdicts (
	test_run_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	test_case_id TEXT NOT NULL,
	result TEXT NOT NULL,
	elapsed_ms INTEGER NOT NULL,
	reason TEXT NOT NULL,
	PRIMARY KEY (test_run_id, test_case_id)
)`,
}

// Store is a run ledger backed by database/sql.
type Store struct {
	db     *sql.DB
	driver string
}

// New wraps an open database for driver. Call Init before first use.
func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

var placeholder = regexp.MustCompile(`\$[0-9]+`)

// rebind rewrites $N placeholders for SQLite. Every query here uses its
// placeholders once and in order, so positional ? is equivalent.
func (s *Store) rebind(query string) string {
	if s.driver != DriverSQLite {
		return query
	}
	return placeholder.ReplaceAllString(query, "?")
}

// ParseDSN maps a history DSN to a driver and data source name.
//
//	sqlite:///var/lib/cts/history.db  -> sqlite, /var/lib/cts/history.db
//	sqlite://history.db               -> sqlite, history.db
//	postgres://user@host/db           -> postgres, unchanged
//	history.db                        -> sqlite, history.db
func ParseDSN(dsn string) (driver, source string, err error) {
	switch {
	case dsn == "":
		return "", "", errors.New("history: empty dsn")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return DriverPostgres, dsn, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		source = strings.TrimPrefix(dsn, "sqlite://")
	case strings.HasPrefix(dsn, "sqlite:"):
		source = strings.TrimPrefix(dsn, "sqlite:")
	case strings.Contains(dsn, "://"):
		return "", "", fmt.Errorf("history: unsupported dsn scheme in %q", dsn)
	default:
		source = dsn
	}
	if source == "" {
		return "", "", fmt.Errorf("history: sqlite dsn %q has no path", dsn)
	}
	return DriverSQLite, source, nil
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	driver, source, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// Single writer; avoids SQLITE_BUSY between pooled connections.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: connect %s: %w", driver, err)
	}
	s := New(db, driver)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the tables if they do not exist.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("history: init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RunSummary is one row of the run ledger.
type RunSummary struct {
	TestRunID      string
	ProfileID      string
	BaseURL        string
	StartedAt      string
	EndedAt        string
	ToolVersion    string
	CatalogVersion string
	CatalogDigest  string
	RunDigest      string
	Pass           int
	Fail           int
	NotApplicable  int
	Error          int
}

// Summarize tallies verdicts into a RunSummary.
func Summarize(run *evidence.RunMetadata, verdicts []evidence.Verdict, runDigest string) RunSummary {
	sum := RunSummary{
		TestRunID:      run.TestRunID,
		ProfileID:      run.ProfileID,
		BaseURL:        run.SUT.BaseURL,
		StartedAt:      run.StartedAt,
		EndedAt:        run.EndedAt,
		ToolVersion:    run.Tool.Version,
		CatalogVersion: run.Catalog.Version,
		CatalogDigest:  run.Catalog.Digest,
		RunDigest:      runDigest,
	}
	for _, v := range verdicts {
		switch v.Result {
		case evidence.ResultPass:
			sum.Pass++
		case evidence.ResultFail:
			sum.Fail++
		case evidence.ResultNotApplicable:
			sum.NotApplicable++
		case evidence.ResultError:
			sum.Error++
		}
	}
	return sum
}

// Record appends a run and its verdicts in one transaction.
func (s *Store) Record(ctx context.Context, run *evidence.RunMetadata, verdicts []evidence.Verdict, runDigest string) (err error) {
	sum := Summarize(run, verdicts, runDigest)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO cts_runs (test_run_id, profile_id, base_url, started_at, ended_at, tool_version,
			catalog_version, catalog_digest, run_digest, pass_count, fail_count, na_count, error_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`),
		sum.TestRunID, sum.ProfileID, sum.BaseURL, sum.StartedAt, sum.EndedAt, sum.ToolVersion,
		sum.CatalogVersion, sum.CatalogDigest, sum.RunDigest, sum.Pass, sum.Fail, sum.NotApplicable, sum.Error,
	)
	if err != nil {
		return fmt.Errorf("history: insert run %s: %w", run.TestRunID, err)
	}

	for i, v := range verdicts {
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO cts_verdicts (test_run_id, seq, test_case_id, result, elapsed_ms, reason)
			VALUES ($1, $2, $3, $4, $5, $6)`),
			run.TestRunID, i, v.TestCaseID, string(v.Result), v.ElapsedMs, v.Reason,
		)
		if err != nil {
			return fmt.Errorf("history: insert verdict %s: %w", v.TestCaseID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("history: commit: %w", err)
	}
	return nil
}

const runColumns = `test_run_id, profile_id, base_url, started_at, ended_at, tool_version,
	catalog_version, catalog_digest, run_digest, pass_count, fail_count, na_count, error_count`

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+runColumns+` FROM cts_runs ORDER BY ended_at DESC, test_run_id LIMIT $1`), limit)
	if err != nil {
		return nil, fmt.Errorf("history: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]RunSummary, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// GetRun loads one run summary.
func (s *Store) GetRun(ctx context.Context, runID string) (RunSummary, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM cts_runs WHERE test_run_id = $1`), runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunSummary{}, ErrNotFound
	}
	return r, err
}

// Verdicts returns the verdicts of a run in execution order.
func (s *Store) Verdicts(ctx context.Context, runID string) ([]evidence.Verdict, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT test_case_id, result, elapsed_ms, reason FROM cts_verdicts WHERE test_run_id = $1 ORDER BY seq`), runID)
	if err != nil {
		return nil, fmt.Errorf("history: verdicts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	verdicts := make([]evidence.Verdict, 0)
	for rows.Next() {
		var (
			v      evidence.Verdict
			result string
		)
		if err := rows.Scan(&v.TestCaseID, &result, &v.ElapsedMs, &v.Reason); err != nil {
			return nil, err
		}
		v.Result = evidence.Result(result)
		verdicts = append(verdicts, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return verdicts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunSummary, error) {
	var r RunSummary
	err := row.Scan(&r.TestRunID, &r.ProfileID, &r.BaseURL, &r.StartedAt, &r.EndedAt, &r.ToolVersion,
		&r.CatalogVersion, &r.CatalogDigest, &r.RunDigest, &r.Pass, &r.Fail, &r.NotApplicable, &r.Error)
	return r, err
}
