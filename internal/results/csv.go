package results

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pincer-filter-engine/internal/domain"
	"github.com/pincer-filter-engine/internal/executor"
)

// CSVSink writes matches to a single CSV file. Run metadata is kept out
// of the file so identical runs produce byte-identical output.
type CSVSink struct {
	path string
}

// NewCSVSink creates the output directory if needed.
func NewCSVSink(path string) (*CSVSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &CSVSink{path: path}, nil
}

// Write replaces the output file with this run's matches.
func (s *CSVSink) Write(ctx context.Context, run *executor.RunResult) error {
	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"patient_id", "filter_id", "start_date", "end_date"}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, m := range run.Matches {
		if err := ctx.Err(); err != nil {
			return err
		}
		record := []string{
			string(m.PatientID),
			m.FilterID,
			m.Start.Format(domain.DateLayout),
			m.End.Format(domain.DateLayout),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("failed to write match: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return f.Sync()
}

// Close is a no-op; the file is closed per Write.
func (s *CSVSink) Close() error {
	return nil
}
