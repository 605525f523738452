package results

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/pincer-filter-engine/internal/domain"
	"github.com/pincer-filter-engine/internal/executor"
)

// SQLiteSink implements Sink using SQLite.
type SQLiteSink struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteSink creates a new SQLite results sink.
// It creates the database file and schema if they don't exist.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteSink{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS filter_runs (
		run_id TEXT PRIMARY KEY,
		snapshot_date TEXT NOT NULL,
		patients_evaluated INTEGER NOT NULL,
		match_count INTEGER NOT NULL,
		fault_count INTEGER NOT NULL DEFAULT 0,
		data_quality_warnings INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS filter_matches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES filter_runs(run_id),
		patient_id TEXT NOT NULL,
		filter_id TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		UNIQUE(run_id, patient_id, filter_id, start_date, end_date)
	);

	CREATE INDEX IF NOT EXISTS idx_matches_patient ON filter_matches(patient_id);
	CREATE INDEX IF NOT EXISTS idx_matches_filter ON filter_matches(filter_id);
	`

	_, err := db.Exec(schema)
	return err
}

// Write persists the run summary and every match in one transaction.
// Rewriting the same run ID replaces its summary and matches, so a
// retried batch never leaves duplicates behind.
func (s *SQLiteSink) Write(ctx context.Context, run *executor.RunResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO filter_runs (
			run_id, snapshot_date, patients_evaluated, match_count,
			fault_count, data_quality_warnings, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			snapshot_date = excluded.snapshot_date,
			patients_evaluated = excluded.patients_evaluated,
			match_count = excluded.match_count,
			fault_count = excluded.fault_count,
			data_quality_warnings = excluded.data_quality_warnings,
			duration_ms = excluded.duration_ms
	`,
		run.RunID.String(),
		run.SnapshotDate.Format(domain.DateLayout),
		run.PatientsEvaluated,
		len(run.Matches),
		run.Faults,
		run.DataQualityWarnings,
		run.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM filter_matches WHERE run_id = ?`, run.RunID.String()); err != nil {
		return fmt.Errorf("failed to clear previous matches: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO filter_matches (run_id, patient_id, filter_id, start_date, end_date)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range run.Matches {
		_, err := stmt.ExecContext(ctx,
			run.RunID.String(),
			string(m.PatientID),
			m.FilterID,
			m.Start.Format(domain.DateLayout),
			m.End.Format(domain.DateLayout),
		)
		if err != nil {
			return fmt.Errorf("failed to insert match: %w", err)
		}
	}

	return tx.Commit()
}

// Close closes the sink and releases resources.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
