// Package executor runs the filter catalog over every patient in a
// timeline store: parallel across patients, sequential per patient, with
// each (patient, rule) evaluation isolated so a fault in one never takes
// down the batch.
package executor

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pincer-filter-engine/internal/domain"
	"github.com/pincer-filter-engine/internal/rules"
	"github.com/pincer-filter-engine/internal/timeline"
)

// RunResult is the outcome of one batch run. Matches are deduplicated and
// sorted by (patient, filter, start, end), so identical inputs and
// catalogs produce byte-identical output regardless of worker scheduling.
type RunResult struct {
	RunID               uuid.UUID
	SnapshotDate        time.Time
	Matches             []domain.FilterMatch
	PatientsEvaluated   int
	Faults              int
	DataQualityWarnings int
	Duration            time.Duration
}

// Executor fans patients out over a fixed worker pool.
type Executor struct {
	log     *logrus.Logger
	workers int
}

// New returns an executor with the given parallelism; zero or negative
// means one worker per CPU.
func New(logger *logrus.Logger, workers int) *Executor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Executor{log: logger, workers: workers}
}

type patientOutcome struct {
	matches []domain.FilterMatch
	faults  int
}

// Run evaluates every catalog rule against every patient. asOf is the
// snapshot horizon; when zero it is derived from the latest record date
// in the store, keeping the run a pure function of its input.
func (e *Executor) Run(ctx context.Context, store *timeline.Store, catalog *rules.Catalog, asOf time.Time) (*RunResult, error) {
	if len(catalog.Rules) == 0 {
		return nil, domain.NewConfigError("catalog has no rules to run", nil)
	}
	if asOf.IsZero() {
		latest, ok := store.LatestRecordDate()
		if !ok {
			return nil, domain.NewConfigError("no snapshot date configured and the store holds no dated records", nil)
		}
		asOf = latest
	}

	started := time.Now()
	runID := uuid.New()
	patients := store.Patients()

	e.log.WithFields(logrus.Fields{
		"run_id":   runID,
		"patients": len(patients),
		"rules":    len(catalog.Rules),
		"workers":  e.workers,
		"as_of":    asOf.Format(domain.DateLayout),
	}).Info("Starting filter run")

	jobs := make(chan *timeline.PatientTimeline)
	outcomes := make(chan patientOutcome, e.workers)

	var wg sync.WaitGroup
	for w := 0; w < e.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for view := range jobs {
				outcomes <- e.evaluatePatient(view, catalog, asOf)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, view := range patients {
			select {
			case jobs <- view:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	var all []domain.FilterMatch
	faults := 0
	for outcome := range outcomes {
		all = append(all, outcome.matches...)
		faults += outcome.faults
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("filter run aborted: %w", err)
	}

	result := &RunResult{
		RunID:               runID,
		SnapshotDate:        asOf,
		Matches:             dedupAndSort(all),
		PatientsEvaluated:   len(patients),
		Faults:              faults,
		DataQualityWarnings: store.Warnings(),
		Duration:            time.Since(started),
	}

	e.log.WithFields(logrus.Fields{
		"run_id":   runID,
		"matches":  len(result.Matches),
		"faults":   result.Faults,
		"warnings": result.DataQualityWarnings,
		"duration": result.Duration,
	}).Info("Filter run complete")

	return result, nil
}

// evaluatePatient runs every rule for one patient. Each rule evaluation
// recovers its own panics: a fault yields no match for that pair and the
// rest of the batch proceeds.
func (e *Executor) evaluatePatient(view *timeline.PatientTimeline, catalog *rules.Catalog, asOf time.Time) patientOutcome {
	if view == nil {
		return patientOutcome{}
	}
	evalCtx := rules.EvalContext{Patient: view, AsOf: asOf}

	var outcome patientOutcome
	for _, rule := range catalog.Rules {
		matches, err := e.evaluateOne(rule, evalCtx)
		if err != nil {
			outcome.faults++
			e.log.WithFields(logrus.Fields{
				"patient": view.Patient().ID,
				"filter":  rule.ID,
				"error":   err,
			}).Error("Rule evaluation fault, skipping pair")
			continue
		}
		outcome.matches = append(outcome.matches, matches...)
	}
	return outcome
}

func (e *Executor) evaluateOne(rule *rules.Rule, evalCtx rules.EvalContext) (matches []domain.FilterMatch, err error) {
	defer func() {
		if r := recover(); r != nil {
			matches = nil
			err = fmt.Errorf("panic during evaluation: %v", r)
		}
	}()
	return rule.Evaluate(evalCtx), nil
}

// dedupAndSort collapses duplicate matches and imposes the canonical
// output order.
func dedupAndSort(matches []domain.FilterMatch) []domain.FilterMatch {
	seen := make(map[string]struct{}, len(matches))
	out := matches[:0]
	for _, m := range matches {
		key := m.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.PatientID != b.PatientID {
			return a.PatientID < b.PatientID
		}
		if a.FilterID != b.FilterID {
			return a.FilterID < b.FilterID
		}
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.End.Before(b.End)
	})
	return out
}
