package history

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/config"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/evidence"
)

func sampleRun(id, ended string) *evidence.RunMetadata {
	return &evidence.RunMetadata{
		TestRunID: id,
		ProfileID: "baseline",
		SUT:       config.SUTSummary{BaseURL: "http://sut"},
		StartedAt: "2025-03-01T12:00:00.000000Z",
		EndedAt:   ended,
		Tool:      evidence.ToolInfo{Name: evidence.ToolName, Version: "0.1.0"},
		Catalog:   evidence.CatalogInfo{Version: "0.1.0", Digest: "cafe"},
	}
}

var sampleVerdicts = []evidence.Verdict{
	{TestCaseID: "TC-1", Result: evidence.ResultPass, ElapsedMs: 12},
	{TestCaseID: "TC-2", Result: evidence.ResultFail, ElapsedMs: 7, Reason: "failed: status"},
	{TestCaseID: "TC-3", Result: evidence.ResultNotApplicable, Reason: "not applicable to profile baseline"},
}

func TestParseDSN(t *testing.T) {
	cases := []struct {
		dsn, driver, source string
		wantErr             bool
	}{
		{dsn: "sqlite:///var/lib/cts/h.db", driver: DriverSQLite, source: "/var/lib/cts/h.db"},
		{dsn: "sqlite://h.db", driver: DriverSQLite, source: "h.db"},
		{dsn: "sqlite:h.db", driver: DriverSQLite, source: "h.db"},
		{dsn: "h.db", driver: DriverSQLite, source: "h.db"},
		{dsn: "postgres://u@db/cts?sslmode=disable", driver: DriverPostgres, source: "postgres://u@db/cts?sslmode=disable"},
		{dsn: "postgresql://u@db/cts", driver: DriverPostgres, source: "postgresql://u@db/cts"},
		{dsn: "mysql://u@db/cts", wantErr: true},
		{dsn: "sqlite://", wantErr: true},
		{dsn: "", wantErr: true},
	}
	for _, tc := range cases {
		driver, source, err := ParseDSN(tc.dsn)
		if tc.wantErr {
			assert.Error(t, err, tc.dsn)
			continue
		}
		require.NoError(t, err, tc.dsn)
		assert.Equal(t, tc.driver, driver, tc.dsn)
		assert.Equal(t, tc.source, source, tc.dsn)
	}
}

func TestSummarize(t *testing.T) {
	sum := Summarize(sampleRun("r1", "e"), append(sampleVerdicts, evidence.Verdict{TestCaseID: "TC-4", Result: evidence.ResultError}), "d")
	assert.Equal(t, 1, sum.Pass)
	assert.Equal(t, 1, sum.Fail)
	assert.Equal(t, 1, sum.NotApplicable)
	assert.Equal(t, 1, sum.Error)
	assert.Equal(t, "http://sut", sum.BaseURL)
	assert.Equal(t, "d", sum.RunDigest)
}

func TestRecord_Mock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := New(db, DriverPostgres)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO cts_runs")).
		WithArgs("r1", "baseline", "http://sut", sqlmock.AnyArg(), "2025-03-01T12:00:01.000000Z", "0.1.0",
			"0.1.0", "cafe", "digest", 1, 1, 1, 0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	for i, v := range sampleVerdicts {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO cts_verdicts")).
			WithArgs("r1", i, v.TestCaseID, string(v.Result), v.ElapsedMs, v.Reason).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()

	err = store.Record(ctx, sampleRun("r1", "2025-03-01T12:00:01.000000Z"), sampleVerdicts, "digest")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecord_RollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("disk full")
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO cts_runs")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO cts_verdicts")).WillReturnError(boom)
	mock.ExpectRollback()

	err = New(db, DriverPostgres).Record(context.Background(), sampleRun("r1", "e"), sampleVerdicts, "d")
	require.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInit_Mock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS cts_runs")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS cts_verdicts")).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, New(db, DriverPostgres).Init(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebind(t *testing.T) {
	q := "INSERT INTO t (a, b) VALUES ($1, $2)"
	assert.Equal(t, "INSERT INTO t (a, b) VALUES (?, ?)", New(nil, DriverSQLite).rebind(q))
	assert.Equal(t, q, New(nil, DriverPostgres).rebind(q))
}

func TestSQLite_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "history.db")

	store, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Record(ctx, sampleRun("r-old", "2025-03-01T12:00:01.000000Z"), sampleVerdicts, "d1"))
	require.NoError(t, store.Record(ctx, sampleRun("r-new", "2025-03-02T12:00:01.000000Z"), sampleVerdicts[:1], "d2"))

	// Duplicate run ids are rejected and leave no partial rows.
	require.Error(t, store.Record(ctx, sampleRun("r-new", "x"), sampleVerdicts, "d3"))

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r-new", runs[0].TestRunID)
	assert.Equal(t, 1, runs[0].Pass)
	assert.Equal(t, "d2", runs[0].RunDigest)

	got, err := store.GetRun(ctx, "r-old")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Fail)
	assert.Equal(t, "cafe", got.CatalogDigest)

	_, err = store.GetRun(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	verdicts, err := store.Verdicts(ctx, "r-old")
	require.NoError(t, err)
	assert.Equal(t, sampleVerdicts, verdicts)

	verdicts, err = store.Verdicts(ctx, "r-new")
	require.NoError(t, err)
	assert.Len(t, verdicts, 1)

	// Reopening keeps the data.
	require.NoError(t, store.Close())
	again, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer again.Close()
	runs, err = again.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}
