package rules

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/pincer-filter-engine/internal/codeset"
	"github.com/pincer-filter-engine/internal/domain"
)

// RuleParams are the static per-rule parameters supplied as configuration
// and never computed at runtime. Code sets are referenced by name and
// resolved against the registry while the catalog loads, so an unknown
// name fails before any evaluation. Default durations for open-ended
// prescriptions are deliberately per-rule: the published indicators
// disagree on them (14/60/90/120 days observed) and no single value is
// "correct".
type RuleParams struct {
	Rx                string  `yaml:"rx"`
	With              string  `yaml:"with"`
	Protect           string  `yaml:"protect"`
	History           string  `yaml:"history"`
	Test              string  `yaml:"test"`
	Condition         string  `yaml:"condition"`
	Obs               string  `yaml:"obs"`
	ObsBelow          float64 `yaml:"obs_below"`
	Age               int     `yaml:"age"`
	AgeOp             string  `yaml:"age_op"`
	LookbackDays      int     `yaml:"lookback_days"`
	MinDurationDays   int     `yaml:"min_duration_days"`
	DefaultRxDays     int     `yaml:"default_rx_days"`
	WithDefaultRxDays int     `yaml:"with_default_rx_days"`
}

// RuleDef is one catalog entry as declared in catalog.yaml.
type RuleDef struct {
	ID       string     `yaml:"id"`
	Kind     string     `yaml:"kind"`
	Name     string     `yaml:"name"`
	Citation string     `yaml:"citation"`
	Params   RuleParams `yaml:"params"`
}

type catalogFile struct {
	Rules []RuleDef `yaml:"rules"`
}

// Catalog is the loaded, validated set of filter rules.
type Catalog struct {
	Rules []*Rule
}

type ruleBuilder func(def RuleDef, reg *codeset.Registry) (*Rule, error)

// kindBuilders maps a declared rule kind to its composer. The eight
// kinds cover every indicator shape in the catalog.
var kindBuilders = map[string]ruleBuilder{
	"rx_without_gastroprotection":     buildRxWithoutGastroprotection,
	"rx_with_contraindicated_history": buildRxWithContraindicatedHistory,
	"concurrent_rx":                   buildConcurrentRx,
	"rx_missing_monitoring":           buildRxMissingMonitoring,
	"rx_age_threshold":                buildRxAgeThreshold,
	"rx_dose_threshold_with_history":  buildRxDoseThresholdWithHistory,
	"rx_with_low_observation":         buildRxWithLowObservation,
	"condition_missing_rx":            buildConditionMissingRx,
}

// LoadCatalog reads catalog.yaml and builds every rule, resolving all
// referenced code sets against the registry. Any problem is fatal: the
// run must not start on a partially understood catalog.
func LoadCatalog(path string, reg *codeset.Registry, logger *logrus.Logger) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewConfigError(fmt.Sprintf("reading catalog %s", path), err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, domain.NewConfigError(fmt.Sprintf("parsing catalog %s", path), err)
	}
	if len(file.Rules) == 0 {
		return nil, domain.NewConfigError(fmt.Sprintf("catalog %s declares no rules", path), nil)
	}

	catalog := &Catalog{Rules: make([]*Rule, 0, len(file.Rules))}
	seen := make(map[string]bool)
	rxDefaults := make(map[string]int)

	for _, def := range file.Rules {
		if seen[def.ID] {
			return nil, domain.NewConfigError(fmt.Sprintf("duplicate rule id %q", def.ID), nil)
		}
		seen[def.ID] = true

		builder, ok := kindBuilders[def.Kind]
		if !ok {
			return nil, fmt.Errorf("rule %q: %w: %q", def.ID, domain.ErrUnknownRuleKind, def.Kind)
		}

		rule, err := builder(def, reg)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", def.ID, err)
		}
		if err := rule.Validate(); err != nil {
			return nil, err
		}

		// Rules sharing a medication set but disagreeing on the default
		// duration are flagged for clinical review, never auto-unified.
		if def.Params.Rx != "" && def.Params.DefaultRxDays > 0 {
			if prev, ok := rxDefaults[def.Params.Rx]; ok && prev != def.Params.DefaultRxDays {
				logger.WithFields(logrus.Fields{
					"rule":     def.ID,
					"code_set": def.Params.Rx,
					"days":     def.Params.DefaultRxDays,
					"previous": prev,
				}).Warn("Inconsistent default prescription durations across rules; review clinically")
			} else {
				rxDefaults[def.Params.Rx] = def.Params.DefaultRxDays
			}
		}

		catalog.Rules = append(catalog.Rules, rule)
	}

	logger.WithFields(logrus.Fields{
		"path":  path,
		"rules": len(catalog.Rules),
	}).Info("Filter catalog loaded")

	return catalog, nil
}

func resolve(reg *codeset.Registry, name, field string) (codeset.Membership, error) {
	if name == "" {
		return codeset.Membership{}, domain.NewConfigError(fmt.Sprintf("missing %s code set", field), nil)
	}
	return reg.Resolve(name)
}

func requireDays(days int, field string) error {
	if days <= 0 {
		return domain.NewConfigError(fmt.Sprintf("missing or non-positive %s", field), nil)
	}
	return nil
}

// buildRxWithoutGastroprotection: a prescription in rx, taken by a
// patient qualified by age and/or history, without a protective
// co-prescription overlapping that specific prescription.
func buildRxWithoutGastroprotection(def RuleDef, reg *codeset.Registry) (*Rule, error) {
	p := def.Params

	rx, err := resolve(reg, p.Rx, "rx")
	if err != nil {
		return nil, err
	}
	protect, err := resolve(reg, p.Protect, "protect")
	if err != nil {
		return nil, err
	}
	if err := requireDays(p.DefaultRxDays, "default_rx_days"); err != nil {
		return nil, err
	}
	if p.AgeOp == "" && p.History == "" {
		return nil, domain.NewConfigError("needs an age threshold or a history code set", nil)
	}

	rule := &Rule{
		ID:         def.ID,
		Name:       def.Name,
		Citation:   def.Citation,
		Anchors:    EachPrescription(rx, p.DefaultRxDays),
		Exclusions: []AnchorPredicate{CoPrescriptionOverlapping(protect, p.DefaultRxDays)},
		Output:     AnchorSpan(),
	}

	if p.AgeOp != "" {
		op, err := ParseAgeComparison(p.AgeOp)
		if err != nil {
			return nil, domain.NewConfigError("age threshold", err)
		}
		rule.AnchorRequires = append(rule.AnchorRequires, AgeAtAnchorStart(op, p.Age))
	}
	if p.History != "" {
		history, err := resolve(reg, p.History, "history")
		if err != nil {
			return nil, err
		}
		rule.AnchorRequires = append(rule.AnchorRequires, HistoryOfDiagnosis(history))
	}
	return rule, nil
}

// buildRxWithContraindicatedHistory: a prescription in rx given to a
// patient with a prior (or same-day) diagnosis in history.
func buildRxWithContraindicatedHistory(def RuleDef, reg *codeset.Registry) (*Rule, error) {
	p := def.Params

	rx, err := resolve(reg, p.Rx, "rx")
	if err != nil {
		return nil, err
	}
	history, err := resolve(reg, p.History, "history")
	if err != nil {
		return nil, err
	}
	if err := requireDays(p.DefaultRxDays, "default_rx_days"); err != nil {
		return nil, err
	}

	return &Rule{
		ID:             def.ID,
		Name:           def.Name,
		Citation:       def.Citation,
		Triggers:       []Trigger{DiagnosisEver(history)},
		Anchors:        EachPrescription(rx, p.DefaultRxDays),
		AnchorRequires: []AnchorPredicate{HistoryOfDiagnosis(history)},
		Output:         AnchorSpan(),
	}, nil
}

// buildRxDoseThresholdWithHistory: the dose threshold is expressed as a
// code set of specific product strengths (e.g. digoxin 250 microgram
// tablets), so the rule is structurally a contraindicated-history rule
// over that product-level set. The set must contain only product-level
// vocabularies; clinical-vocabulary codes in it would silently never
// match the prescription stream.
func buildRxDoseThresholdWithHistory(def RuleDef, reg *codeset.Registry) (*Rule, error) {
	p := def.Params

	rx, err := resolve(reg, p.Rx, "rx")
	if err != nil {
		return nil, err
	}
	if !productOnly(rx) {
		return nil, domain.NewConfigError(
			fmt.Sprintf("dose-threshold code set %q must contain only product-level codes", p.Rx), nil)
	}
	return buildRxWithContraindicatedHistory(def, reg)
}

// buildConcurrentRx: two concurrently active prescriptions; the hazard
// period is each overlap window. An optional protective set suppresses
// windows it overlaps.
func buildConcurrentRx(def RuleDef, reg *codeset.Registry) (*Rule, error) {
	p := def.Params

	rx, err := resolve(reg, p.Rx, "rx")
	if err != nil {
		return nil, err
	}
	with, err := resolve(reg, p.With, "with")
	if err != nil {
		return nil, err
	}
	if err := requireDays(p.DefaultRxDays, "default_rx_days"); err != nil {
		return nil, err
	}
	withDays := p.WithDefaultRxDays
	if withDays <= 0 {
		withDays = p.DefaultRxDays
	}

	rule := &Rule{
		ID:       def.ID,
		Name:     def.Name,
		Citation: def.Citation,
		Anchors:  EachConcurrentPair(rx, p.DefaultRxDays, with, withDays),
		Output:   AnchorSpan(),
	}
	if p.Protect != "" {
		protect, err := resolve(reg, p.Protect, "protect")
		if err != nil {
			return nil, err
		}
		rule.Exclusions = []AnchorPredicate{CoPrescriptionOverlapping(protect, p.DefaultRxDays)}
	}
	return rule, nil
}

// buildRxMissingMonitoring: a sufficiently long prescription with no
// monitoring test inside the lookback window ending at the prescription's
// resolved end.
func buildRxMissingMonitoring(def RuleDef, reg *codeset.Registry) (*Rule, error) {
	p := def.Params

	rx, err := resolve(reg, p.Rx, "rx")
	if err != nil {
		return nil, err
	}
	test, err := resolve(reg, p.Test, "test")
	if err != nil {
		return nil, err
	}
	if err := requireDays(p.DefaultRxDays, "default_rx_days"); err != nil {
		return nil, err
	}
	if err := requireDays(p.LookbackDays, "lookback_days"); err != nil {
		return nil, err
	}

	rule := &Rule{
		ID:         def.ID,
		Name:       def.Name,
		Citation:   def.Citation,
		Anchors:    EachPrescription(rx, p.DefaultRxDays),
		Exclusions: []AnchorPredicate{EventWithinLookback(test, p.LookbackDays)},
		Output:     AnchorSpan(),
	}
	if p.MinDurationDays > 0 {
		rule.AnchorRequires = []AnchorPredicate{MinimumDuration(p.MinDurationDays)}
	}
	return rule, nil
}

// buildRxAgeThreshold: a prescription in rx to a patient whose age at the
// prescription start satisfies the rule's literal comparison operator.
func buildRxAgeThreshold(def RuleDef, reg *codeset.Registry) (*Rule, error) {
	p := def.Params

	rx, err := resolve(reg, p.Rx, "rx")
	if err != nil {
		return nil, err
	}
	if err := requireDays(p.DefaultRxDays, "default_rx_days"); err != nil {
		return nil, err
	}
	op, err := ParseAgeComparison(p.AgeOp)
	if err != nil {
		return nil, domain.NewConfigError("age threshold", err)
	}

	return &Rule{
		ID:             def.ID,
		Name:           def.Name,
		Citation:       def.Citation,
		Anchors:        EachPrescription(rx, p.DefaultRxDays),
		AnchorRequires: []AnchorPredicate{AgeAtAnchorStart(op, p.Age)},
		Output:         AnchorSpan(),
	}, nil
}

// buildRxWithLowObservation: a prescription in rx while the patient's
// most recent result in obs, taken on or before the prescription start,
// is below the threshold. A patient with no numeric result in the set
// never matches; the hazard needs an observed low value on record.
func buildRxWithLowObservation(def RuleDef, reg *codeset.Registry) (*Rule, error) {
	p := def.Params

	rx, err := resolve(reg, p.Rx, "rx")
	if err != nil {
		return nil, err
	}
	obs, err := resolve(reg, p.Obs, "obs")
	if err != nil {
		return nil, err
	}
	if err := requireDays(p.DefaultRxDays, "default_rx_days"); err != nil {
		return nil, err
	}
	if p.ObsBelow <= 0 {
		return nil, domain.NewConfigError("missing or non-positive obs_below threshold", nil)
	}

	return &Rule{
		ID:             def.ID,
		Name:           def.Name,
		Citation:       def.Citation,
		Anchors:        EachPrescription(rx, p.DefaultRxDays),
		AnchorRequires: []AnchorPredicate{LatestObservationBelow(obs, p.ObsBelow)},
		Output:         AnchorSpan(),
	}, nil
}

// buildConditionMissingRx: a diagnosed condition with no protective
// prescription active between the earliest diagnosis and the snapshot
// horizon (an omission hazard, anchored on the diagnosis).
func buildConditionMissingRx(def RuleDef, reg *codeset.Registry) (*Rule, error) {
	p := def.Params

	condition, err := resolve(reg, p.Condition, "condition")
	if err != nil {
		return nil, err
	}
	protect, err := resolve(reg, p.Protect, "protect")
	if err != nil {
		return nil, err
	}
	if err := requireDays(p.DefaultRxDays, "default_rx_days"); err != nil {
		return nil, err
	}

	return &Rule{
		ID:         def.ID,
		Name:       def.Name,
		Citation:   def.Citation,
		Anchors:    EarliestDiagnosis(condition),
		Exclusions: []AnchorPredicate{CoPrescriptionOverlapping(protect, p.DefaultRxDays)},
		Output:     AnchorSpan(),
	}, nil
}

func productOnly(ms codeset.Membership) bool {
	for _, v := range ms.Vocabularies() {
		if v != domain.VocabDMD && v != domain.VocabGemscript {
			return false
		}
	}
	return true
}
