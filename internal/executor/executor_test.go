package executor

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pincer-filter-engine/internal/codeset"
	"github.com/pincer-filter-engine/internal/domain"
	"github.com/pincer-filter-engine/internal/rules"
	"github.com/pincer-filter-engine/internal/timeline"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := domain.ParseDate(s)
	require.NoError(t, err)
	return d
}

func nsaidSet(t *testing.T) codeset.Membership {
	t.Helper()
	reg := codeset.NewRegistry(testLogger())
	require.NoError(t, reg.Add(codeset.CodeSet{
		Name:  "nsaids",
		Codes: []domain.CodedValue{{Code: "j21..", Vocabulary: domain.VocabRead}},
	}))
	ms, err := reg.Resolve("nsaids")
	require.NoError(t, err)
	return ms
}

// fixtureStore holds several patients with NSAID prescriptions so a
// simple catalog produces predictable matches.
func fixtureStore(t *testing.T, n int) *timeline.Store {
	t.Helper()
	store, err := timeline.NewStore(testLogger(), 0)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		id := domain.PatientID(string(rune('a'+i)) + "1")
		store.AddPatient(domain.Patient{ID: id, DateOfBirth: mustDate(t, "1950-03-10")})
		end := mustDate(t, "2020-05-01")
		store.AddPrescription(domain.PrescriptionInterval{
			PatientID: id,
			Coded:     domain.CodedValue{Code: "j21..", Vocabulary: domain.VocabRead},
			Start:     mustDate(t, "2020-02-01"),
			End:       &end,
		})
	}
	store.Finalize()
	return store
}

func simpleCatalog(t *testing.T) *rules.Catalog {
	t.Helper()
	return &rules.Catalog{Rules: []*rules.Rule{{
		ID:             "F05",
		Anchors:        rules.EachPrescription(nsaidSet(t), 90),
		AnchorRequires: []rules.AnchorPredicate{rules.AgeAtAnchorStart(rules.AgeAtLeast, 65)},
		Output:         rules.AnchorSpan(),
	}}}
}

func TestExecutor_Run(t *testing.T) {
	store := fixtureStore(t, 5)

	result, err := New(testLogger(), 4).Run(context.Background(), store, simpleCatalog(t), time.Time{})
	require.NoError(t, err)

	assert.Equal(t, 5, result.PatientsEvaluated)
	assert.Equal(t, 0, result.Faults)
	require.Len(t, result.Matches, 5)
	for _, m := range result.Matches {
		assert.Equal(t, "F05", m.FilterID)
		assert.Equal(t, mustDate(t, "2020-02-01"), m.Start)
		assert.Equal(t, mustDate(t, "2020-05-01"), m.End)
	}

	// The horizon was derived from the latest record in the store.
	assert.Equal(t, mustDate(t, "2020-05-01"), result.SnapshotDate)
}

// Identical inputs produce identical ordered output regardless of worker
// count or scheduling.
func TestExecutor_Deterministic(t *testing.T) {
	store := fixtureStore(t, 20)
	catalog := simpleCatalog(t)

	first, err := New(testLogger(), 1).Run(context.Background(), store, catalog, time.Time{})
	require.NoError(t, err)

	for _, workers := range []int{2, 8, 16} {
		again, err := New(testLogger(), workers).Run(context.Background(), store, catalog, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, first.Matches, again.Matches, "workers=%d", workers)
	}
}

// A panicking rule evaluation is a counted fault for that pair only; all
// other patients and rules still complete.
func TestExecutor_FaultIsolation(t *testing.T) {
	store := fixtureStore(t, 3)

	boobyTrap := &rules.Rule{
		ID: "F99",
		Anchors: func(ctx rules.EvalContext) []rules.Anchor {
			if ctx.Patient.Patient().ID == "b1" {
				panic("unexpected timeline shape")
			}
			return nil
		},
		Output: rules.AnchorSpan(),
	}
	catalog := simpleCatalog(t)
	catalog.Rules = append(catalog.Rules, boobyTrap)

	result, err := New(testLogger(), 2).Run(context.Background(), store, catalog, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Faults)
	assert.Len(t, result.Matches, 3)
}

// Duplicate (patient, filter, period) emissions collapse to one row.
func TestExecutor_Dedup(t *testing.T) {
	store := fixtureStore(t, 1)
	ms := nsaidSet(t)

	doubled := &rules.Catalog{Rules: []*rules.Rule{{
		ID: "F05",
		Anchors: func(ctx rules.EvalContext) []rules.Anchor {
			anchors := rules.EachPrescription(ms, 90)(ctx)
			return append(anchors, anchors...)
		},
		Output: rules.AnchorSpan(),
	}}}

	result, err := New(testLogger(), 2).Run(context.Background(), store, doubled, time.Time{})
	require.NoError(t, err)
	assert.Len(t, result.Matches, 1)
}

func TestExecutor_EmptyCatalogFatal(t *testing.T) {
	_, err := New(testLogger(), 1).Run(context.Background(), fixtureStore(t, 1), &rules.Catalog{}, time.Time{})
	assert.Error(t, err)
}

func TestExecutor_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(testLogger(), 2).Run(ctx, fixtureStore(t, 50), simpleCatalog(t), time.Time{})
	assert.Error(t, err)
}
