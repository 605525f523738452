package timeline

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/pincer-filter-engine/internal/domain"
)

func newExtract(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "extract.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
		CREATE TABLE patients (
			patient_id TEXT PRIMARY KEY,
			date_of_birth TEXT,
			sex TEXT
		);
		CREATE TABLE clinical_events (
			patient_id TEXT NOT NULL,
			code TEXT NOT NULL,
			vocabulary TEXT NOT NULL,
			event_date TEXT,
			value TEXT
		);
		CREATE TABLE prescriptions (
			patient_id TEXT NOT NULL,
			code TEXT NOT NULL,
			vocabulary TEXT NOT NULL,
			start_date TEXT,
			end_date TEXT
		);
	`)
	require.NoError(t, err)

	_, err = db.Exec(`
		INSERT INTO patients VALUES
			('p1', '1950-03-10', 'F'),
			('p2', 'unknown', 'M');
		INSERT INTO clinical_events VALUES
			('p1', 'J11..', 'read', '2019-06-01', NULL),
			('p1', '451..', 'read', '2020-01-05', '38.5'),
			('p1', '451..', 'read', '2020-02-05', 'abnormal'),
			('p2', 'H33..', 'read', NULL, NULL);
		INSERT INTO prescriptions VALUES
			('p1', '0501021C0', 'dmd', '2020-02-01', '2020-05-01'),
			('p1', '0103050P0', 'dmd', '2020-02-15', NULL),
			('p2', '0501021C0', 'dmd', NULL, '2020-05-01');
	`)
	require.NoError(t, err)

	return path
}

func TestSQLiteSource_Load(t *testing.T) {
	src, err := NewSQLiteSource(newExtract(t), testLogger())
	require.NoError(t, err)
	defer src.Close()

	store, err := src.Load(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, 2, store.Size())

	p1 := store.Patient("p1")
	require.NotNil(t, p1)
	assert.Equal(t, mustDate(t, "1950-03-10"), p1.Patient().DateOfBirth)
	assert.Equal(t, domain.SexFemale, p1.Patient().Sex)

	// p2's birth date was unparseable: kept as zero so age triggers fail
	// closed, and the patient still exists in the store.
	p2 := store.Patient("p2")
	require.NotNil(t, p2)
	assert.True(t, p2.Patient().DateOfBirth.IsZero())

	// The dateless event and startless prescription are excluded.
	dx := p2.DiagnosesMatching(membership(t, "asthma",
		domain.CodedValue{Code: "H33..", Vocabulary: domain.VocabRead}))
	assert.Empty(t, dx)
	rx := p2.PrescriptionsMatching(membership(t, "nsaids",
		domain.CodedValue{Code: "0501021C0", Vocabulary: domain.VocabDMD}))
	assert.Empty(t, rx)

	// The unparseable numeric value is excluded from the numeric stream.
	egfr := p1.ObservationsMatching(membership(t, "egfr",
		domain.CodedValue{Code: "451..", Vocabulary: domain.VocabRead}))
	require.Len(t, egfr, 1)
	assert.Equal(t, 38.5, egfr[0].Value)

	// Open-ended prescription survives with a nil end.
	ppi := p1.PrescriptionsMatching(membership(t, "ppi",
		domain.CodedValue{Code: "0103050P0", Vocabulary: domain.VocabDMD}))
	require.Len(t, ppi, 1)
	assert.Nil(t, ppi[0].End)

	// Data-quality gaps were counted, not fatal: unparseable dob,
	// unparseable value, dateless event, startless prescription.
	assert.Equal(t, 4, store.Warnings())
}

func TestSQLiteSource_MissingFileFails(t *testing.T) {
	_, err := NewSQLiteSource(filepath.Join(t.TempDir(), "absent", "x.db"), testLogger())
	assert.Error(t, err)
}
