package domain

import (
	"fmt"
	"time"
)

// Core Enums and Types

// PatientID identifies a patient across all input streams.
type PatientID string

// Code is a clinical code as it appears in the source record.
type Code string

// Vocabulary identifies the coding system an event or code set uses.
// Product-level and substance-level vocabularies are distinct values on
// purpose: a substance-level code never matches a product-level stream,
// and a mismatch produces zero matches rather than an error.
type Vocabulary string

const (
	VocabRead      Vocabulary = "read"      // Read v2 diagnosis/observation codes
	VocabSNOMED    Vocabulary = "snomed"    // SNOMED CT concept IDs
	VocabDMD       Vocabulary = "dmd"       // dm+d product-level medication codes
	VocabGemscript Vocabulary = "gemscript" // Gemscript product-level medication codes
)

// Sex is the recorded patient sex from the reference demographics.
type Sex string

const (
	SexFemale  Sex = "F"
	SexMale    Sex = "M"
	SexUnknown Sex = "U"
)

// CodedValue pairs a code with the vocabulary it belongs to. Membership
// tests compare both fields.
type CodedValue struct {
	Code       Code       `yaml:"code" json:"code"`
	Vocabulary Vocabulary `yaml:"vocabulary" json:"vocabulary"`
}

func (c CodedValue) String() string {
	return fmt.Sprintf("%s:%s", c.Vocabulary, c.Code)
}

// Input Models (created upstream, read-only here)

// Patient is the immutable reference demographics record. A zero
// DateOfBirth means the birth date was missing or unparseable upstream;
// age-dependent triggers fail closed on it.
type Patient struct {
	ID          PatientID
	DateOfBirth time.Time
	Sex         Sex
}

// ClinicalEvent is a single dated diagnosis or observation. Value is nil
// when the source row carried no numeric result or the result was
// unparseable; it is never coerced to zero.
type ClinicalEvent struct {
	PatientID PatientID
	Coded     CodedValue
	Date      time.Time
	Value     *float64
}

// Observation is a (date, value) pair returned by the observation stream.
type Observation struct {
	Date  time.Time
	Value float64
}

// PrescriptionInterval is a pre-merged continuous treatment period, not a
// raw order. End is nil for an open-ended prescription; each rule resolves
// open ends with its own configured default duration.
type PrescriptionInterval struct {
	PatientID PatientID
	Coded     CodedValue
	Start     time.Time
	End       *time.Time
}

// Same reports whether two records describe the same prescription: same
// patient, code and span, with open ends compared by value. Struct
// equality is wrong here; End is a pointer and two copies of one
// prescription carry distinct pointers to equal dates.
func (p PrescriptionInterval) Same(o PrescriptionInterval) bool {
	if p.PatientID != o.PatientID || p.Coded != o.Coded || !p.Start.Equal(o.Start) {
		return false
	}
	if (p.End == nil) != (o.End == nil) {
		return false
	}
	return p.End == nil || p.End.Equal(*o.End)
}

// Output Model

// FilterMatch is one emitted hazard period: the span during which a
// filter's unsafe-prescribing condition held for a patient. Output only,
// never mutated; a patient/filter pair may repeat for distinct anchors.
type FilterMatch struct {
	PatientID PatientID `json:"patient_id"`
	FilterID  string    `json:"filter_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// Key returns the dedup identity of the match.
func (m FilterMatch) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s",
		m.PatientID, m.FilterID, m.Start.Format(DateLayout), m.End.Format(DateLayout))
}

// Date handling

// DateLayout is the canonical date-only representation used everywhere in
// the engine. All dates are normalized to midnight UTC.
const DateLayout = "2006-01-02"

// ParseDate parses a source date string into a normalized date-only time.
// Accepts the canonical layout plus the timestamp forms the extract tables
// are known to emit. An empty string is a missing date, not an error value
// the caller should guess around: the event must be excluded.
func ParseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range []string{DateLayout, "2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return Day(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

// Day truncates a time to its date-only form in UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
