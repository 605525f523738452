package timeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pincer-filter-engine/internal/database"
	"github.com/pincer-filter-engine/internal/domain"
)

// PostgresSource loads the three input tables from a Postgres extract
// database. Dates are typed columns there, so only null handling applies;
// numeric results still arrive as text and a bad value is audit-logged
// and excluded, never fatal.
type PostgresSource struct {
	db  *database.DB
	log *logrus.Logger
}

// NewPostgresSource wraps an established connection pool.
func NewPostgresSource(db *database.DB, logger *logrus.Logger) *PostgresSource {
	return &PostgresSource{db: db, log: logger}
}

// Load reads all three streams into a fresh store and finalizes it.
func (s *PostgresSource) Load(ctx context.Context, cacheSize int) (*Store, error) {
	store, err := NewStore(s.log, cacheSize)
	if err != nil {
		return nil, err
	}

	if err := s.loadPatients(ctx, store); err != nil {
		return nil, fmt.Errorf("loading patients: %w", err)
	}
	if err := s.loadEvents(ctx, store); err != nil {
		return nil, fmt.Errorf("loading clinical events: %w", err)
	}
	if err := s.loadPrescriptions(ctx, store); err != nil {
		return nil, fmt.Errorf("loading prescriptions: %w", err)
	}

	store.Finalize()

	s.log.WithFields(logrus.Fields{
		"patients": store.Size(),
		"warnings": store.Warnings(),
	}).Info("Timeline store loaded from postgres extract")

	return store, nil
}

func (s *PostgresSource) loadPatients(ctx context.Context, store *Store) error {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT patient_id, date_of_birth, sex FROM patients`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var dob *time.Time
		var sex *string
		if err := rows.Scan(&id, &dob, &sex); err != nil {
			return err
		}

		p := domain.Patient{ID: domain.PatientID(id), Sex: domain.SexUnknown}
		if sex != nil {
			p.Sex = parseSex(*sex)
		}
		if dob != nil {
			p.DateOfBirth = domain.Day(*dob)
		}
		store.AddPatient(p)
	}
	return rows.Err()
}

func (s *PostgresSource) loadEvents(ctx context.Context, store *Store) error {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT patient_id, code, vocabulary, event_date, value FROM clinical_events`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id, code, vocab string
		var date *time.Time
		var value *string
		if err := rows.Scan(&id, &code, &vocab, &date, &value); err != nil {
			return err
		}

		ev := domain.ClinicalEvent{
			PatientID: domain.PatientID(id),
			Coded: domain.CodedValue{
				Code:       domain.Code(code),
				Vocabulary: domain.Vocabulary(vocab),
			},
		}
		if date != nil {
			ev.Date = domain.Day(*date)
		}
		if value != nil && strings.TrimSpace(*value) != "" {
			if v, err := strconv.ParseFloat(strings.TrimSpace(*value), 64); err == nil {
				ev.Value = &v
			} else {
				store.AuditWarning(domain.PatientID(id), "clinical_events", *value,
					"unparseable numeric value; excluded from numeric comparisons")
			}
		}
		store.AddEvent(ev)
	}
	return rows.Err()
}

func (s *PostgresSource) loadPrescriptions(ctx context.Context, store *Store) error {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT patient_id, code, vocabulary, start_date, end_date FROM prescriptions`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id, code, vocab string
		var start, end *time.Time
		if err := rows.Scan(&id, &code, &vocab, &start, &end); err != nil {
			return err
		}

		rx := domain.PrescriptionInterval{
			PatientID: domain.PatientID(id),
			Coded: domain.CodedValue{
				Code:       domain.Code(code),
				Vocabulary: domain.Vocabulary(vocab),
			},
		}
		if start != nil {
			rx.Start = domain.Day(*start)
		}
		if end != nil {
			day := domain.Day(*end)
			rx.End = &day
		}
		store.AddPrescription(rx)
	}
	return rows.Err()
}
