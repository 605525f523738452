// Package temporal provides the pure date arithmetic the filter rules are
// composed from. Every function distinguishes "absent" from "present but
// out of range"; how absence is handled belongs to the rule layer, not
// here.
package temporal

import (
	"time"

	"github.com/pincer-filter-engine/internal/domain"
)

// EarliestDate returns the earliest of the given dates. The boolean is
// false when the slice is empty.
func EarliestDate(dates []time.Time) (time.Time, bool) {
	if len(dates) == 0 {
		return time.Time{}, false
	}
	earliest := dates[0]
	for _, d := range dates[1:] {
		if d.Before(earliest) {
			earliest = d
		}
	}
	return earliest, true
}

// LatestDate returns the latest of the given dates. The boolean is false
// when the slice is empty.
func LatestDate(dates []time.Time) (time.Time, bool) {
	if len(dates) == 0 {
		return time.Time{}, false
	}
	latest := dates[0]
	for _, d := range dates[1:] {
		if d.After(latest) {
			latest = d
		}
	}
	return latest, true
}

// Exists reports whether any dates are present.
func Exists(dates []time.Time) bool {
	return len(dates) > 0
}

// OnOrAfter reports whether date falls on or after ref. This inclusive
// form is the default reading of "after diagnosis" throughout the
// catalog; rules that cite a strict comparison use StrictlyAfter.
func OnOrAfter(date, ref time.Time) bool {
	return !date.Before(ref)
}

// StrictlyAfter reports whether date falls strictly after ref.
func StrictlyAfter(date, ref time.Time) bool {
	return date.After(ref)
}

// WithinLookback reports whether date falls inside the lookback window
// ending at ref: ref-days <= date <= ref, inclusive at both ends.
func WithinLookback(date, ref time.Time, days int) bool {
	if days < 0 {
		return false
	}
	windowStart := ref.AddDate(0, 0, -days)
	return !date.Before(windowStart) && !date.After(ref)
}

// IntervalsOverlap reports whether [aStart, aEnd] and [bStart, bEnd]
// share at least one day: aStart <= bEnd && bStart <= aEnd. Callers
// resolve open-ended prescriptions with ResolveEnd before calling. An
// inverted interval (end before start) never overlaps anything.
func IntervalsOverlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	if aEnd.Before(aStart) || bEnd.Before(bStart) {
		return false
	}
	return !aStart.After(bEnd) && !bStart.After(aEnd)
}

// OverlapWindow returns the shared span of two intervals: start is the
// later of the starts, end the earlier of the ends. ok is false when the
// intervals do not overlap.
func OverlapWindow(aStart, aEnd, bStart, bEnd time.Time) (time.Time, time.Time, bool) {
	if !IntervalsOverlap(aStart, aEnd, bStart, bEnd) {
		return time.Time{}, time.Time{}, false
	}
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	return start, end, true
}

// ResolveEnd returns the effective end date of a prescription interval,
// filling an open end with the rule's configured default duration in days
// counted from the start.
func ResolveEnd(rx domain.PrescriptionInterval, defaultDays int) time.Time {
	if rx.End != nil {
		return *rx.End
	}
	return rx.Start.AddDate(0, 0, defaultDays)
}

// AgeAt returns the age in whole calendar years at ref for the given date
// of birth: the year difference, minus one if the birthday has not yet
// been reached in ref's year. Returns -1 when ref precedes dob.
func AgeAt(dob, ref time.Time) int {
	if ref.Before(dob) {
		return -1
	}
	years := ref.Year() - dob.Year()
	// Compare (month, day) to find out if the birthday has passed.
	if ref.Month() < dob.Month() || (ref.Month() == dob.Month() && ref.Day() < dob.Day()) {
		years--
	}
	return years
}
