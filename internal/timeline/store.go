// Package timeline provides read-only per-patient access to the three
// input streams: diagnosis/observation events, prescription intervals and
// reference demographics. The store is built once from a data-source
// adapter before evaluation starts and is immutable afterwards, so rule
// evaluation can fan out across workers without coordination.
package timeline

import (
	"math"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/pincer-filter-engine/internal/codeset"
	"github.com/pincer-filter-engine/internal/domain"
)

// DefaultCacheSize bounds the per-(patient, code set) match memoization.
const DefaultCacheSize = 16384

type cacheKey struct {
	patient domain.PatientID
	set     string
	stream  string
}

// Store holds every patient timeline for one batch run.
type Store struct {
	log      *logrus.Logger
	patients map[domain.PatientID]*PatientTimeline
	order    []domain.PatientID
	cache    *lru.Cache[cacheKey, any]

	warnings  int
	latest    time.Time
	finalized bool
}

// NewStore creates an empty store. cacheSize <= 0 selects the default.
func NewStore(logger *logrus.Logger, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[cacheKey, any](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{
		log:      logger,
		patients: make(map[domain.PatientID]*PatientTimeline),
		cache:    cache,
	}, nil
}

// AddPatient registers reference demographics. A zero DateOfBirth is kept
// as-is; age-dependent triggers fail closed on it.
func (s *Store) AddPatient(p domain.Patient) {
	pt := s.timeline(p.ID)
	pt.patient = p
}

// AddEvent appends a diagnosis/observation event. Events without a valid
// date are excluded from every stream and audit-logged: an absent date
// must never be treated as matching any date.
func (s *Store) AddEvent(ev domain.ClinicalEvent) {
	if ev.Date.IsZero() {
		s.auditSkip(ev.PatientID, "clinical_events", "missing or unparseable event date")
		return
	}
	ev.Date = domain.Day(ev.Date)
	s.observeDate(ev.Date)
	pt := s.timeline(ev.PatientID)
	pt.events = append(pt.events, ev)
}

// AddPrescription appends a prescription interval. A missing start date
// excludes the interval; an end before start is kept (predicates treat it
// as non-matching) but audit-logged so the offending row stays visible.
func (s *Store) AddPrescription(rx domain.PrescriptionInterval) {
	if rx.Start.IsZero() {
		s.auditSkip(rx.PatientID, "prescriptions", "missing or unparseable start date")
		return
	}
	rx.Start = domain.Day(rx.Start)
	s.observeDate(rx.Start)
	if rx.End != nil {
		end := domain.Day(*rx.End)
		rx.End = &end
		s.observeDate(end)
		if end.Before(rx.Start) {
			s.warnings++
			s.log.WithFields(logrus.Fields{
				"audit":   true,
				"patient": rx.PatientID,
				"table":   "prescriptions",
				"code":    rx.Coded.String(),
				"start":   rx.Start.Format(domain.DateLayout),
				"end":     end.Format(domain.DateLayout),
			}).Warn("Prescription ends before it starts; interval will never match")
		}
	}
	pt := s.timeline(rx.PatientID)
	pt.prescriptions = append(pt.prescriptions, rx)
}

// Finalize sorts every stream and fixes the patient iteration order.
// Must be called once, after loading and before evaluation.
func (s *Store) Finalize() {
	for _, pt := range s.patients {
		// The comparator must be total over every field a rule can read,
		// or the stream order (and with it the emitted matches) would
		// depend on input row order. Date, then code, then numeric value.
		sort.Slice(pt.events, func(i, j int) bool {
			if !pt.events[i].Date.Equal(pt.events[j].Date) {
				return pt.events[i].Date.Before(pt.events[j].Date)
			}
			if pt.events[i].Coded != pt.events[j].Coded {
				return pt.events[i].Coded.String() < pt.events[j].Coded.String()
			}
			return eventValue(pt.events[i]) < eventValue(pt.events[j])
		})
		sort.Slice(pt.prescriptions, func(i, j int) bool {
			if !pt.prescriptions[i].Start.Equal(pt.prescriptions[j].Start) {
				return pt.prescriptions[i].Start.Before(pt.prescriptions[j].Start)
			}
			return pt.prescriptions[i].Coded.String() < pt.prescriptions[j].Coded.String()
		})
	}
	s.order = make([]domain.PatientID, 0, len(s.patients))
	for id := range s.patients {
		s.order = append(s.order, id)
	}
	sort.Slice(s.order, func(i, j int) bool { return s.order[i] < s.order[j] })
	s.finalized = true
}

// Patients returns every timeline in deterministic order.
func (s *Store) Patients() []*PatientTimeline {
	out := make([]*PatientTimeline, len(s.order))
	for i, id := range s.order {
		out[i] = s.patients[id]
	}
	return out
}

// Patient returns one timeline, or nil when the patient is unknown.
func (s *Store) Patient(id domain.PatientID) *PatientTimeline {
	return s.patients[id]
}

// Size returns the number of patients in the store.
func (s *Store) Size() int {
	return len(s.patients)
}

// Warnings returns the number of data-quality gaps seen while loading.
func (s *Store) Warnings() int {
	return s.warnings
}

// LatestRecordDate returns the latest dated record across all streams.
// The executor uses it as the snapshot horizon when none is configured;
// it depends only on the input, so re-runs stay deterministic.
func (s *Store) LatestRecordDate() (time.Time, bool) {
	if s.latest.IsZero() {
		return time.Time{}, false
	}
	return s.latest, true
}

func (s *Store) timeline(id domain.PatientID) *PatientTimeline {
	pt, ok := s.patients[id]
	if !ok {
		pt = &PatientTimeline{store: s, patient: domain.Patient{ID: id, Sex: domain.SexUnknown}}
		s.patients[id] = pt
	}
	return pt
}

// eventValue maps an event to its sort value; events without a numeric
// value order before valued ones.
func eventValue(ev domain.ClinicalEvent) float64 {
	if ev.Value == nil {
		return math.Inf(-1)
	}
	return *ev.Value
}

func (s *Store) observeDate(d time.Time) {
	if d.After(s.latest) {
		s.latest = d
	}
}

func (s *Store) auditSkip(patient domain.PatientID, table, reason string) {
	s.warnings++
	s.log.WithFields(logrus.Fields{
		"audit":   true,
		"patient": patient,
		"table":   table,
		"reason":  reason,
	}).Warn("Excluding row from all streams")
}

// AuditWarning records a data-quality gap found by a source adapter while
// parsing a row the store never saw in full (bad dob, bad numeric value).
// Logged for audit and counted, never fatal.
func (s *Store) AuditWarning(patient domain.PatientID, table, value, reason string) {
	s.warnings++
	s.log.WithFields(logrus.Fields{
		"audit":   true,
		"patient": patient,
		"table":   table,
		"value":   value,
		"reason":  reason,
	}).Warn("Data-quality gap")
}

// PatientTimeline is one patient's read-only view over the three streams.
// The returned slices are shared with the memoization cache and must not
// be mutated by callers.
type PatientTimeline struct {
	store         *Store
	patient       domain.Patient
	events        []domain.ClinicalEvent
	prescriptions []domain.PrescriptionInterval
}

// Patient returns the reference demographics.
func (pt *PatientTimeline) Patient() domain.Patient {
	return pt.patient
}

// DiagnosesMatching returns the dates of every event whose code belongs
// to the set, ascending.
func (pt *PatientTimeline) DiagnosesMatching(ms codeset.Membership) []time.Time {
	key := cacheKey{patient: pt.patient.ID, set: ms.Name(), stream: "dx"}
	if cached, ok := pt.store.cache.Get(key); ok {
		return cached.([]time.Time)
	}
	var dates []time.Time
	for _, ev := range pt.events {
		if ms.Contains(ev.Coded) {
			dates = append(dates, ev.Date)
		}
	}
	pt.store.cache.Add(key, dates)
	return dates
}

// PrescriptionsMatching returns every prescription interval whose
// medication code belongs to the set, ascending by start date.
func (pt *PatientTimeline) PrescriptionsMatching(ms codeset.Membership) []domain.PrescriptionInterval {
	key := cacheKey{patient: pt.patient.ID, set: ms.Name(), stream: "rx"}
	if cached, ok := pt.store.cache.Get(key); ok {
		return cached.([]domain.PrescriptionInterval)
	}
	var matches []domain.PrescriptionInterval
	for _, rx := range pt.prescriptions {
		if ms.Contains(rx.Coded) {
			matches = append(matches, rx)
		}
	}
	pt.store.cache.Add(key, matches)
	return matches
}

// ObservationsMatching returns (date, value) pairs for matching events
// that carry a parseable numeric value. Events without one are excluded
// from numeric comparisons, never coerced to zero.
func (pt *PatientTimeline) ObservationsMatching(ms codeset.Membership) []domain.Observation {
	key := cacheKey{patient: pt.patient.ID, set: ms.Name(), stream: "obs"}
	if cached, ok := pt.store.cache.Get(key); ok {
		return cached.([]domain.Observation)
	}
	var obs []domain.Observation
	for _, ev := range pt.events {
		if ev.Value != nil && ms.Contains(ev.Coded) {
			obs = append(obs, domain.Observation{Date: ev.Date, Value: *ev.Value})
		}
	}
	pt.store.cache.Add(key, obs)
	return obs
}
