package timeline

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pincer-filter-engine/internal/codeset"
	"github.com/pincer-filter-engine/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := domain.ParseDate(s)
	require.NoError(t, err)
	return d
}

func membership(t *testing.T, name string, codes ...domain.CodedValue) codeset.Membership {
	t.Helper()
	r := codeset.NewRegistry(testLogger())
	require.NoError(t, r.Add(codeset.CodeSet{Name: name, Codes: codes}))
	ms, err := r.Resolve(name)
	require.NoError(t, err)
	return ms
}

func TestStore_EventsWithoutDatesAreExcluded(t *testing.T) {
	store, err := NewStore(testLogger(), 0)
	require.NoError(t, err)

	coded := domain.CodedValue{Code: "H33..", Vocabulary: domain.VocabRead}
	store.AddEvent(domain.ClinicalEvent{PatientID: "p1", Coded: coded, Date: mustDate(t, "2020-01-01")})
	store.AddEvent(domain.ClinicalEvent{PatientID: "p1", Coded: coded}) // no date
	store.Finalize()

	ms := membership(t, "asthma", coded)
	dates := store.Patient("p1").DiagnosesMatching(ms)
	require.Len(t, dates, 1, "dateless event must never match any date")
	assert.Equal(t, mustDate(t, "2020-01-01"), dates[0])
	assert.Equal(t, 1, store.Warnings())
}

func TestStore_PrescriptionWithoutStartIsExcluded(t *testing.T) {
	store, err := NewStore(testLogger(), 0)
	require.NoError(t, err)

	coded := domain.CodedValue{Code: "0501021C0", Vocabulary: domain.VocabDMD}
	store.AddPrescription(domain.PrescriptionInterval{PatientID: "p1", Coded: coded})
	store.Finalize()

	ms := membership(t, "nsaids", coded)
	assert.Empty(t, store.Patient("p1").PrescriptionsMatching(ms))
	assert.Equal(t, 1, store.Warnings())
}

func TestStore_InvertedPrescriptionKeptButAudited(t *testing.T) {
	store, err := NewStore(testLogger(), 0)
	require.NoError(t, err)

	coded := domain.CodedValue{Code: "0501021C0", Vocabulary: domain.VocabDMD}
	end := mustDate(t, "2020-01-01")
	store.AddPrescription(domain.PrescriptionInterval{
		PatientID: "p1", Coded: coded, Start: mustDate(t, "2020-03-01"), End: &end,
	})
	store.Finalize()

	// The row stays visible in the stream; the predicates treat it as
	// never matching. The audit counter records it.
	ms := membership(t, "nsaids", coded)
	assert.Len(t, store.Patient("p1").PrescriptionsMatching(ms), 1)
	assert.Equal(t, 1, store.Warnings())
}

func TestStore_ObservationsExcludeMissingValues(t *testing.T) {
	store, err := NewStore(testLogger(), 0)
	require.NoError(t, err)

	coded := domain.CodedValue{Code: "451..", Vocabulary: domain.VocabRead}
	v := 38.0
	store.AddEvent(domain.ClinicalEvent{PatientID: "p1", Coded: coded, Date: mustDate(t, "2020-01-01"), Value: &v})
	store.AddEvent(domain.ClinicalEvent{PatientID: "p1", Coded: coded, Date: mustDate(t, "2020-02-01")}) // no value
	store.Finalize()

	ms := membership(t, "egfr", coded)

	// Both events appear in the dated stream...
	assert.Len(t, store.Patient("p1").DiagnosesMatching(ms), 2)

	// ...but only the one with a parseable value joins numeric comparisons.
	obs := store.Patient("p1").ObservationsMatching(ms)
	require.Len(t, obs, 1)
	assert.Equal(t, 38.0, obs[0].Value)
}

func TestStore_StreamsAreSortedAndDeterministic(t *testing.T) {
	store, err := NewStore(testLogger(), 0)
	require.NoError(t, err)

	coded := domain.CodedValue{Code: "H33..", Vocabulary: domain.VocabRead}
	store.AddEvent(domain.ClinicalEvent{PatientID: "p2", Coded: coded, Date: mustDate(t, "2020-03-01")})
	store.AddEvent(domain.ClinicalEvent{PatientID: "p2", Coded: coded, Date: mustDate(t, "2020-01-01")})
	store.AddPatient(domain.Patient{ID: "p1"})
	store.Finalize()

	ids := make([]domain.PatientID, 0, store.Size())
	for _, pt := range store.Patients() {
		ids = append(ids, pt.Patient().ID)
	}
	assert.Equal(t, []domain.PatientID{"p1", "p2"}, ids)

	ms := membership(t, "asthma", coded)
	dates := store.Patient("p2").DiagnosesMatching(ms)
	require.Len(t, dates, 2)
	assert.True(t, dates[0].Before(dates[1]))
}

func TestStore_LatestRecordDate(t *testing.T) {
	store, err := NewStore(testLogger(), 0)
	require.NoError(t, err)

	_, ok := store.LatestRecordDate()
	assert.False(t, ok, "empty store has no horizon")

	coded := domain.CodedValue{Code: "H33..", Vocabulary: domain.VocabRead}
	store.AddEvent(domain.ClinicalEvent{PatientID: "p1", Coded: coded, Date: mustDate(t, "2020-01-01")})
	end := mustDate(t, "2021-06-01")
	store.AddPrescription(domain.PrescriptionInterval{
		PatientID: "p1",
		Coded:     domain.CodedValue{Code: "0501021C0", Vocabulary: domain.VocabDMD},
		Start:     mustDate(t, "2021-01-01"),
		End:       &end,
	})
	store.Finalize()

	latest, ok := store.LatestRecordDate()
	require.True(t, ok)
	assert.Equal(t, mustDate(t, "2021-06-01"), latest)
}

func TestStore_MatchingIsCached(t *testing.T) {
	store, err := NewStore(testLogger(), 8)
	require.NoError(t, err)

	coded := domain.CodedValue{Code: "H33..", Vocabulary: domain.VocabRead}
	store.AddEvent(domain.ClinicalEvent{PatientID: "p1", Coded: coded, Date: mustDate(t, "2020-01-01")})
	store.Finalize()

	ms := membership(t, "asthma", coded)
	first := store.Patient("p1").DiagnosesMatching(ms)
	second := store.Patient("p1").DiagnosesMatching(ms)
	assert.Equal(t, first, second)
}
