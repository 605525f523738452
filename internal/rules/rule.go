// Package rules implements the hazard filter rules: declarative
// compositions of trigger conditions, anchor selection, anchor-scoped
// exclusions and an output-interval policy, evaluated per patient.
//
// The precision-over-recall stance is structural here and must be
// preserved: trigger and anchor predicates are presence tests, so missing
// or unparseable data makes them fail (a trigger fails closed), while
// exclusions are also presence tests, so missing data never suppresses a
// match (an exclusion fails open).
package rules

import (
	"time"

	"github.com/pincer-filter-engine/internal/codeset"
	"github.com/pincer-filter-engine/internal/domain"
)

// PatientView is the read-only slice of one patient's timeline a rule
// evaluates against. Satisfied by *timeline.PatientTimeline.
type PatientView interface {
	Patient() domain.Patient
	DiagnosesMatching(ms codeset.Membership) []time.Time
	PrescriptionsMatching(ms codeset.Membership) []domain.PrescriptionInterval
	ObservationsMatching(ms codeset.Membership) []domain.Observation
}

// EvalContext carries everything one evaluation may read. AsOf is the
// snapshot horizon: the latest date the batch observes, used to close
// open-ended hazard periods.
type EvalContext struct {
	Patient PatientView
	AsOf    time.Time
}

// Anchor is one qualifying event occurrence seeding a rule's date
// arithmetic and identifying one potential FilterMatch. End is always
// resolved (open prescription ends filled with the rule's default
// duration, diagnosis anchors closed at the horizon).
type Anchor struct {
	Start time.Time
	End   time.Time
	Rx    *domain.PrescriptionInterval
}

// Trigger is a patient-level required condition. Missing or unparseable
// data must return false: triggers fail closed.
type Trigger func(ctx EvalContext) bool

// AnchorSelector produces the qualifying anchors for one patient.
type AnchorSelector func(ctx EvalContext) []Anchor

// AnchorPredicate is a condition scoped to one specific anchor. Used both
// as a per-anchor requirement (fails closed) and as an exclusion (a true
// result suppresses that anchor only; missing data returns false, so
// exclusions fail open).
type AnchorPredicate func(ctx EvalContext, a Anchor) bool

// OutputPolicy maps a surviving anchor to the emitted hazard period.
type OutputPolicy func(ctx EvalContext, a Anchor) (start, end time.Time, ok bool)

// Rule is one hazard filter. Citation records the published source of the
// rule's literal thresholds and comparison operators; operators are never
// unified across rules, each keeps what its citation says.
type Rule struct {
	ID       string
	Name     string
	Citation string

	Triggers       []Trigger
	Anchors        AnchorSelector
	AnchorRequires []AnchorPredicate
	Exclusions     []AnchorPredicate
	Output         OutputPolicy
}

// Validate checks the rule is structurally complete. Called at catalog
// load time so a malformed rule stops the run before evaluation.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return domain.NewConfigError("rule with empty id", nil)
	}
	if r.Anchors == nil {
		return domain.NewConfigError("rule "+r.ID+" has no anchor selector", nil)
	}
	if r.Output == nil {
		return domain.NewConfigError("rule "+r.ID+" has no output policy", nil)
	}
	return nil
}

// Evaluate runs the rule against one patient:
//
//  1. every trigger must pass, otherwise no match;
//  2. for each anchor, every per-anchor requirement must pass and no
//     exclusion may hold for that specific anchor;
//  3. each surviving anchor emits one FilterMatch via the output policy.
//
// Multiple surviving anchors emit multiple matches; there is no cap.
func (r *Rule) Evaluate(ctx EvalContext) []domain.FilterMatch {
	for _, trigger := range r.Triggers {
		if !trigger(ctx) {
			return nil
		}
	}

	var matches []domain.FilterMatch
anchors:
	for _, a := range r.Anchors(ctx) {
		for _, require := range r.AnchorRequires {
			if !require(ctx, a) {
				continue anchors
			}
		}
		for _, exclude := range r.Exclusions {
			if exclude(ctx, a) {
				continue anchors
			}
		}
		start, end, ok := r.Output(ctx, a)
		if !ok {
			continue
		}
		matches = append(matches, domain.FilterMatch{
			PatientID: ctx.Patient.Patient().ID,
			FilterID:  r.ID,
			Start:     start,
			End:       end,
		})
	}
	return matches
}
