package results

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/pincer-filter-engine/internal/domain"
	"github.com/pincer-filter-engine/internal/executor"
)

// PostgresSink implements Sink using PostgreSQL.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink creates a new PostgreSQL results sink.
// It expects the schema to already exist (created via migrations).
func NewPostgresSink(db *sql.DB) (*PostgresSink, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

// NewPostgresSinkFromURL creates a new PostgreSQL results sink from a connection URL.
func NewPostgresSinkFromURL(databaseURL string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	sink, err := NewPostgresSink(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return sink, nil
}

// Write persists the run summary and every match in one transaction.
// Re-writing the same run replaces its rows, so a retried batch never
// leaves duplicates behind.
func (s *PostgresSink) Write(ctx context.Context, run *executor.RunResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO filter_runs (
			run_id, snapshot_date, patients_evaluated, match_count,
			fault_count, data_quality_warnings, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO UPDATE SET
			snapshot_date = EXCLUDED.snapshot_date,
			patients_evaluated = EXCLUDED.patients_evaluated,
			match_count = EXCLUDED.match_count,
			fault_count = EXCLUDED.fault_count,
			data_quality_warnings = EXCLUDED.data_quality_warnings,
			duration_ms = EXCLUDED.duration_ms
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

	if _, err := tx.ExecContext(ctx, "DELETE FROM filter_matches WHERE run_id = $1", run.RunID.String()); err != nil {
		return fmt.Errorf("failed to clear previous matches: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO filter_matches (run_id, patient_id, filter_id, start_date, end_date)
		VALUES ($1, $2, $3, $4, $5)
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
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
