package temporal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pincer-filter-engine/internal/domain"
)

func d(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := domain.ParseDate(s)
	require.NoError(t, err)
	return parsed
}

func TestEarliestAndLatestDate(t *testing.T) {
	dates := []time.Time{
		d(t, "2020-03-01"),
		d(t, "2019-12-31"),
		d(t, "2020-01-15"),
	}

	earliest, ok := EarliestDate(dates)
	require.True(t, ok)
	assert.Equal(t, d(t, "2019-12-31"), earliest)

	latest, ok := LatestDate(dates)
	require.True(t, ok)
	assert.Equal(t, d(t, "2020-03-01"), latest)
}

func TestEarliestAndLatestDate_Empty(t *testing.T) {
	// Absent must be reported as absent, never as a zero date.
	_, ok := EarliestDate(nil)
	assert.False(t, ok)

	_, ok = LatestDate(nil)
	assert.False(t, ok)

	assert.False(t, Exists(nil))
	assert.True(t, Exists([]time.Time{d(t, "2020-01-01")}))
}

func TestOnOrAfter(t *testing.T) {
	ref := d(t, "2020-01-01")

	tests := []struct {
		name string
		date string
		want bool
	}{
		{"Day after", "2020-01-02", true},
		{"Same day is inclusive", "2020-01-01", true},
		{"Day before", "2019-12-31", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OnOrAfter(d(t, tt.date), ref))
		})
	}

	assert.False(t, StrictlyAfter(ref, ref))
	assert.True(t, StrictlyAfter(d(t, "2020-01-02"), ref))
}

func TestWithinLookback_BoundaryInclusivity(t *testing.T) {
	ref := d(t, "2020-06-30")
	const days = 90

	tests := []struct {
		name string
		date string
		want bool
	}{
		{"Exactly ref-N", "2020-04-01", true},
		{"Exactly ref", "2020-06-30", true},
		{"One day inside lower bound", "2020-04-02", true},
		{"One day before window", "2020-03-31", false},
		{"One day after ref", "2020-07-01", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, WithinLookback(d(t, tt.date), ref, days))
		})
	}
}

func TestWithinLookback_NegativeDays(t *testing.T) {
	ref := d(t, "2020-06-30")
	assert.False(t, WithinLookback(ref, ref, -1))
}

func TestIntervalsOverlap(t *testing.T) {
	tests := []struct {
		name                           string
		aStart, aEnd, bStart, bEnd     string
		want                           bool
	}{
		{"Clear overlap", "2020-01-01", "2020-03-01", "2020-02-01", "2020-04-01", true},
		{"Touching at a single day", "2020-01-01", "2020-02-01", "2020-02-01", "2020-03-01", true},
		{"Disjoint", "2020-01-01", "2020-01-31", "2020-02-01", "2020-03-01", false},
		{"Containment", "2020-01-01", "2020-12-31", "2020-06-01", "2020-06-30", true},
		{"Inverted interval never overlaps", "2020-03-01", "2020-01-01", "2020-01-01", "2020-12-31", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			aStart, aEnd := d(t, tt.aStart), d(t, tt.aEnd)
			bStart, bEnd := d(t, tt.bStart), d(t, tt.bEnd)

			got := IntervalsOverlap(aStart, aEnd, bStart, bEnd)
			assert.Equal(t, tt.want, got)

			// Overlap is symmetric for every pair, matching or not.
			assert.Equal(t, got, IntervalsOverlap(bStart, bEnd, aStart, aEnd))
		})
	}
}

func TestOverlapWindow(t *testing.T) {
	start, end, ok := OverlapWindow(
		d(t, "2020-02-01"), d(t, "2020-05-01"),
		d(t, "2020-01-15"), d(t, "2020-06-01"),
	)
	require.True(t, ok)
	assert.Equal(t, d(t, "2020-02-01"), start, "start is the max of starts")
	assert.Equal(t, d(t, "2020-05-01"), end, "end is the min of ends")

	_, _, ok = OverlapWindow(
		d(t, "2020-01-01"), d(t, "2020-01-31"),
		d(t, "2020-03-01"), d(t, "2020-03-31"),
	)
	assert.False(t, ok)
}

func TestResolveEnd(t *testing.T) {
	start := d(t, "2020-02-01")
	explicitEnd := d(t, "2020-05-01")

	closed := domain.PrescriptionInterval{Start: start, End: &explicitEnd}
	assert.Equal(t, explicitEnd, ResolveEnd(closed, 60), "explicit end wins over default")

	open := domain.PrescriptionInterval{Start: start}
	assert.Equal(t, d(t, "2020-04-01"), ResolveEnd(open, 60))
}

func TestAgeAt(t *testing.T) {
	tests := []struct {
		name string
		dob  string
		ref  string
		want int
	}{
		{"Birthday already passed", "1950-03-10", "2020-06-01", 70},
		{"Birthday not yet reached", "1950-08-10", "2020-06-01", 69},
		{"Exactly on 65th birthday", "1955-06-01", "2020-06-01", 65},
		{"Day before 65th birthday", "1955-06-02", "2020-06-01", 64},
		{"Leap-day birth, non-leap year", "1956-02-29", "2021-02-28", 64},
		{"Leap-day birth, March 1st", "1956-02-29", "2021-03-01", 65},
		{"Ref before birth", "2021-01-01", "2020-01-01", -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AgeAt(d(t, tt.dob), d(t, tt.ref)))
		})
	}
}
