package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wavecage/wavecage/sandbox"

	_ "modernc.org/sqlite"
)

const createTables = `
CREATE TABLE IF NOT EXISTS executions (
    id          TEXT PRIMARY KEY,
    module      TEXT NOT NULL,
    level       TEXT NOT NULL,
    function    TEXT NOT NULL,
    status      TEXT NOT NULL,
    error_kind  TEXT,
    elapsed_us  INTEGER NOT NULL,
    fuel        INTEGER,
    created_at  DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS violations (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    instance_id TEXT NOT NULL,
    capability  TEXT NOT NULL,
    requested   TEXT NOT NULL,
    granted     TEXT NOT NULL,
    at          DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS benchmarks (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    module         TEXT NOT NULL,
    function       TEXT NOT NULL,
    level          TEXT NOT NULL,
    iterations     INTEGER NOT NULL,
    mean_us        INTEGER NOT NULL,
    median_us      INTEGER NOT NULL,
    variance       REAL NOT NULL,
    overhead_ratio REAL NOT NULL,
    created_at     DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createTables); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit tables: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordExecution inserts one execution record.
func (s *SQLiteStore) RecordExecution(ctx context.Context, e Execution) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (
			id, module, level, function, status, error_kind, elapsed_us, fuel, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Module, e.Level.String(), e.Function, e.Status, e.ErrorKind,
		e.ElapsedUS, e.Fuel, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// RecordViolation inserts one policy violation record.
func (s *SQLiteStore) RecordViolation(ctx context.Context, v sandbox.PolicyViolation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO violations (instance_id, capability, requested, granted, at)
		 VALUES (?, ?, ?, ?, ?)`,
		v.InstanceID, v.Capability, v.Requested, v.Granted, v.At,
	)
	if err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	return nil
}

// RecordBenchmark inserts one benchmark report.
func (s *SQLiteStore) RecordBenchmark(ctx context.Context, r sandbox.BenchmarkReport) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO benchmarks (
			module, function, level, iterations, mean_us, median_us,
			variance, overhead_ratio, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Module, r.Function, r.Level.String(), r.Iterations,
		r.MeanLatency.Microseconds(), r.MedianLatency.Microseconds(),
		r.Variance, r.OverheadRatio, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert benchmark: %w", err)
	}
	return nil
}

// ListViolations returns the violations recorded for an instance, oldest
// first.
func (s *SQLiteStore) ListViolations(ctx context.Context, instanceID string) ([]sandbox.PolicyViolation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, capability, requested, granted, at
		 FROM violations WHERE instance_id = ? ORDER BY id`, instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close()

	var out []sandbox.PolicyViolation
	for rows.Next() {
		var v sandbox.PolicyViolation
		if err := rows.Scan(&v.InstanceID, &v.Capability, &v.Requested, &v.Granted, &v.At); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate violations: %w", err)
	}
	return out, nil
}
