// Package results persists the output of a filter run. Sinks receive the
// already deduplicated, ordered match list, so writing the same run twice
// produces identical output.
package results

import (
	"context"

	"github.com/pincer-filter-engine/internal/executor"
)

// Sink defines the interface for match persistence backends.
type Sink interface {
	// Write persists one run's matches and summary.
	Write(ctx context.Context, run *executor.RunResult) error

	// Close releases the sink's resources.
	Close() error
}
