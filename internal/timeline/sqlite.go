package timeline

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/pincer-filter-engine/internal/domain"
)

// SQLiteSource loads the three input tables from a SQLite extract file.
// The extract stores dates and numeric results as text, so every field
// must be parsed: a bad value is audit-logged and excluded, never fatal.
type SQLiteSource struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewSQLiteSource opens the extract file read-only.
func NewSQLiteSource(path string, logger *logrus.Logger) (*SQLiteSource, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite extract %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite extract %s: %w", path, err)
	}
	return &SQLiteSource{db: db, log: logger}, nil
}

// Close releases the underlying handle.
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}

// Load reads all three streams into a fresh store and finalizes it.
func (s *SQLiteSource) Load(ctx context.Context, cacheSize int) (*Store, error) {
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
	}).Info("Timeline store loaded from sqlite extract")

	return store, nil
}

func (s *SQLiteSource) loadPatients(ctx context.Context, store *Store) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT patient_id, date_of_birth, sex FROM patients`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var dob, sex sql.NullString
		if err := rows.Scan(&id, &dob, &sex); err != nil {
			return err
		}

		p := domain.Patient{ID: domain.PatientID(id), Sex: parseSex(sex.String)}
		if dob.Valid && dob.String != "" {
			if parsed, err := domain.ParseDate(dob.String); err == nil {
				p.DateOfBirth = parsed
			} else {
				store.AuditWarning(domain.PatientID(id), "patients", dob.String,
					"unparseable date of birth; age triggers will not match this patient")
			}
		}
		store.AddPatient(p)
	}
	return rows.Err()
}

func (s *SQLiteSource) loadEvents(ctx context.Context, store *Store) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT patient_id, code, vocabulary, event_date, value FROM clinical_events`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id, code, vocab string
		var date, value sql.NullString
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
		if date.Valid {
			if parsed, err := domain.ParseDate(date.String); err == nil {
				ev.Date = parsed
			}
		}
		if value.Valid && strings.TrimSpace(value.String) != "" {
			if v, err := strconv.ParseFloat(strings.TrimSpace(value.String), 64); err == nil {
				ev.Value = &v
			} else {
				store.AuditWarning(domain.PatientID(id), "clinical_events", value.String,
					"unparseable numeric value; excluded from numeric comparisons")
			}
		}
		// A zero date is rejected by the store with its own audit entry.
		store.AddEvent(ev)
	}
	return rows.Err()
}

func (s *SQLiteSource) loadPrescriptions(ctx context.Context, store *Store) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT patient_id, code, vocabulary, start_date, end_date FROM prescriptions`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id, code, vocab string
		var start, end sql.NullString
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
		if start.Valid {
			if parsed, err := domain.ParseDate(start.String); err == nil {
				rx.Start = parsed
			}
		}
		if end.Valid && end.String != "" {
			if parsed, err := domain.ParseDate(end.String); err == nil {
				rx.End = &parsed
			} else {
				store.AuditWarning(domain.PatientID(id), "prescriptions", end.String,
					"unparseable end date; interval treated as open-ended")
			}
		}
		store.AddPrescription(rx)
	}
	return rows.Err()
}

func parseSex(s string) domain.Sex {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "F", "FEMALE":
		return domain.SexFemale
	case "M", "MALE":
		return domain.SexMale
	default:
		return domain.SexUnknown
	}
}
