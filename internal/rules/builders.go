package rules

import (
	"fmt"
	"time"

	"github.com/pincer-filter-engine/internal/codeset"
	"github.com/pincer-filter-engine/internal/temporal"
)

// Triggers

// DiagnosisEver passes when the patient has any dated diagnosis in the
// set. Dateless events never reach the stream, so they never trigger.
func DiagnosisEver(ms codeset.Membership) Trigger {
	return func(ctx EvalContext) bool {
		return temporal.Exists(ctx.Patient.DiagnosesMatching(ms))
	}
}

// Anchor selectors

// EachPrescription anchors the rule on every prescription in the set,
// resolving open ends with the rule's default duration.
func EachPrescription(ms codeset.Membership, defaultDays int) AnchorSelector {
	return func(ctx EvalContext) []Anchor {
		rxs := ctx.Patient.PrescriptionsMatching(ms)
		anchors := make([]Anchor, 0, len(rxs))
		for i := range rxs {
			rx := rxs[i]
			anchors = append(anchors, Anchor{
				Start: rx.Start,
				End:   temporal.ResolveEnd(rx, defaultDays),
				Rx:    &rx,
			})
		}
		return anchors
	}
}

// EarliestDiagnosis anchors the rule on the patient's earliest diagnosis
// in the set, with the hazard period held open to the snapshot horizon.
// No diagnosis means no anchor: an absent date never seeds a match.
func EarliestDiagnosis(ms codeset.Membership) AnchorSelector {
	return func(ctx EvalContext) []Anchor {
		earliest, ok := temporal.EarliestDate(ctx.Patient.DiagnosesMatching(ms))
		if !ok {
			return nil
		}
		return []Anchor{{Start: earliest, End: ctx.AsOf}}
	}
}

// EachConcurrentPair anchors the rule on every overlap window between a
// prescription in the first set and one in the second: start is the max
// of the starts, end the min of the resolved ends. Each overlapping pair
// is its own anchor and emits its own match.
func EachConcurrentPair(msA codeset.Membership, defaultDaysA int, msB codeset.Membership, defaultDaysB int) AnchorSelector {
	return func(ctx EvalContext) []Anchor {
		rxAs := ctx.Patient.PrescriptionsMatching(msA)
		rxBs := ctx.Patient.PrescriptionsMatching(msB)

		var anchors []Anchor
		for i := range rxAs {
			rxA := rxAs[i]
			aEnd := temporal.ResolveEnd(rxA, defaultDaysA)
			for _, rxB := range rxBs {
				bEnd := temporal.ResolveEnd(rxB, defaultDaysB)
				start, end, ok := temporal.OverlapWindow(rxA.Start, aEnd, rxB.Start, bEnd)
				if !ok {
					continue
				}
				anchors = append(anchors, Anchor{Start: start, End: end, Rx: &rxAs[i]})
			}
		}
		return anchors
	}
}

// Per-anchor requirements (fail closed)

// AgeComparison is the literal comparison operator a rule's citation
// uses. Clinically similar rules disagree on > vs >= in their published
// sources; each rule keeps its own operator, never unified.
type AgeComparison string

const (
	AgeOver    AgeComparison = ">"
	AgeAtLeast AgeComparison = ">="
	AgeUnder   AgeComparison = "<"
	AgeAtMost  AgeComparison = "<="
)

// ParseAgeComparison validates a configured operator string.
func ParseAgeComparison(op string) (AgeComparison, error) {
	switch AgeComparison(op) {
	case AgeOver, AgeAtLeast, AgeUnder, AgeAtMost:
		return AgeComparison(op), nil
	default:
		return "", fmt.Errorf("invalid age operator %q", op)
	}
}

// AgeAtAnchorStart passes when the patient's age at the anchor start
// satisfies the comparison. A missing date of birth fails closed.
func AgeAtAnchorStart(op AgeComparison, years int) AnchorPredicate {
	return func(ctx EvalContext, a Anchor) bool {
		dob := ctx.Patient.Patient().DateOfBirth
		if dob.IsZero() {
			return false
		}
		age := temporal.AgeAt(dob, a.Start)
		if age < 0 {
			return false
		}
		switch op {
		case AgeOver:
			return age > years
		case AgeAtLeast:
			return age >= years
		case AgeUnder:
			return age < years
		case AgeAtMost:
			return age <= years
		}
		return false
	}
}

// HistoryOfDiagnosis passes when a diagnosis in the set exists on or
// before the anchor start. The inclusive reading is the catalog default
// for "diagnosis before prescription"; same-day diagnoses count.
func HistoryOfDiagnosis(ms codeset.Membership) AnchorPredicate {
	return func(ctx EvalContext, a Anchor) bool {
		for _, d := range ctx.Patient.DiagnosesMatching(ms) {
			if temporal.OnOrAfter(a.Start, d) {
				return true
			}
		}
		return false
	}
}

// LatestObservationBelow passes when the patient's most recent numeric
// observation in the set, taken on or before the anchor start, is below
// the threshold. No observation, or none with a parseable value, fails
// closed. Disagreeing results on the same day resolve to the highest
// value, so an ambiguous day never puts the patient below a threshold
// and the outcome never depends on input row order.
func LatestObservationBelow(ms codeset.Membership, threshold float64) AnchorPredicate {
	return func(ctx EvalContext, a Anchor) bool {
		var value float64
		var when time.Time
		found := false
		for _, obs := range ctx.Patient.ObservationsMatching(ms) {
			if obs.Date.After(a.Start) {
				continue
			}
			switch {
			case !found || obs.Date.After(when):
				value, when, found = obs.Value, obs.Date, true
			case obs.Date.Equal(when) && obs.Value > value:
				value = obs.Value
			}
		}
		return found && value < threshold
	}
}

// MinimumDuration passes when the anchor spans at least the given number
// of days. Inverted anchors never pass.
func MinimumDuration(days int) AnchorPredicate {
	return func(ctx EvalContext, a Anchor) bool {
		if a.End.Before(a.Start) {
			return false
		}
		return !a.End.Before(a.Start.AddDate(0, 0, days))
	}
}

// Exclusions and shared presence tests

// CoPrescriptionOverlapping is true when a prescription in the set
// overlaps this specific anchor's span. As an exclusion it implements
// anchor-scoped protection: a protective co-prescription must overlap the
// anchor itself, not merely exist somewhere in the history. Missing data
// yields false, so as an exclusion it fails open.
func CoPrescriptionOverlapping(ms codeset.Membership, defaultDays int) AnchorPredicate {
	return func(ctx EvalContext, a Anchor) bool {
		for _, rx := range ctx.Patient.PrescriptionsMatching(ms) {
			if a.Rx != nil && rx.Same(*a.Rx) {
				continue // an anchor never protects itself
			}
			end := temporal.ResolveEnd(rx, defaultDays)
			if temporal.IntervalsOverlap(a.Start, a.End, rx.Start, end) {
				return true
			}
		}
		return false
	}
}

// EventWithinLookback is true when any dated event in the set falls
// inside the lookback window ending at the anchor end (inclusive both
// ends). Used by the monitoring rules: a recent test suppresses the
// missing-monitoring hazard.
func EventWithinLookback(ms codeset.Membership, days int) AnchorPredicate {
	return func(ctx EvalContext, a Anchor) bool {
		for _, d := range ctx.Patient.DiagnosesMatching(ms) {
			if temporal.WithinLookback(d, a.End, days) {
				return true
			}
		}
		return false
	}
}

// Output policies

// AnchorSpan emits the anchor's own span. Inverted spans are non-matches,
// not errors.
func AnchorSpan() OutputPolicy {
	return func(ctx EvalContext, a Anchor) (time.Time, time.Time, bool) {
		if a.End.Before(a.Start) {
			return time.Time{}, time.Time{}, false
		}
		return a.Start, a.End, true
	}
}
