package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Ramsey-B/thistle/pkg/checkerrors"
	"github.com/Ramsey-B/thistle/pkg/matching"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/normalizers"
)

// weightTolerance absorbs float rounding when condition weights add up to exactly 1.
const weightTolerance = 1e-9

// Resolver merges the base document with overrides into an EffectiveRuleSet.
type Resolver struct {
	validate   *validator.Validate
	conditions *Conditions
	now        func() time.Time
}

func NewResolver(conditions *Conditions) *Resolver {
	return &Resolver{
		validate:   validator.New(),
		conditions: conditions,
		now:        time.Now,
	}
}

// Resolve layers overrides over base by (category, entity, rule_id). An override
// with a definition replaces the base rule entirely; one without a definition only
// toggles Enabled. Disabled rules are listed in Suppressed. The result is
// deterministic for a given input.
func (r *Resolver) Resolve(base BaseDocument, overrides []models.RuleOverride) (*models.EffectiveRuleSet, error) {
	merged := map[models.RuleKey]models.Rule{}
	for _, rule := range base.Rules() {
		key := rule.IdentityKey()
		if _, dup := merged[key]; dup {
			return nil, &checkerrors.ConfigResolutionError{RuleID: key.RuleID, Err: fmt.Errorf("duplicate default rule %s", key)}
		}
		merged[key] = rule
	}

	sorted := append([]models.RuleOverride(nil), overrides...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Key().Less(sorted[j].Key()) })

	for _, o := range sorted {
		key := o.Key()
		if !key.Category.Valid() {
			return nil, &checkerrors.ConfigResolutionError{RuleID: key.RuleID, Err: fmt.Errorf("unknown category %q", key.Category)}
		}
		if o.HasDefinition() {
			rule, err := o.Decode()
			if err != nil {
				return nil, &checkerrors.ConfigResolutionError{RuleID: key.RuleID, Err: err}
			}
			merged[key] = rule
			continue
		}
		existing, ok := merged[key]
		if !ok {
			// a toggle for a rule that no longer ships has nothing to act on
			continue
		}
		merged[key] = withEnabled(existing, o.Enabled)
	}

	keys := make([]models.RuleKey, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	set := &models.EffectiveRuleSet{
		Version:        versionOf(base.Version, sorted),
		Settings:       base.Settings.WithDefaults(),
		Duplicates:     []models.DuplicateRule{},
		Relationships:  []models.RelationshipRule{},
		RequiredFields: []models.RequiredFieldRule{},
		Attendance:     []models.AttendanceThresholdRule{},
		Suppressed:     []models.RuleKey{},
		ResolvedAt:     r.now().UTC(),
	}

	for _, key := range keys {
		rule := merged[key]
		if !rule.Header().IsEnabled() {
			set.Suppressed = append(set.Suppressed, key)
			continue
		}
		if err := r.check(rule); err != nil {
			return nil, &checkerrors.ConfigResolutionError{RuleID: key.RuleID, Err: err}
		}
		switch v := rule.(type) {
		case models.DuplicateRule:
			set.Duplicates = append(set.Duplicates, v)
		case models.RelationshipRule:
			set.Relationships = append(set.Relationships, v)
		case models.RequiredFieldRule:
			set.RequiredFields = append(set.RequiredFields, v)
		case models.AttendanceThresholdRule:
			set.Attendance = append(set.Attendance, v)
		}
	}
	return set, nil
}

func (r *Resolver) check(rule models.Rule) error {
	if err := r.validate.Struct(rule); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}

	switch v := rule.(type) {
	case models.DuplicateRule:
		if sum := v.WeightSum(); sum > 1+weightTolerance {
			return fmt.Errorf("condition weights sum to %.3f, more than 1", sum)
		}
		if v.PossibleThreshold > v.LikelyThreshold {
			return fmt.Errorf("possible threshold %.3f is above likely threshold %.3f", v.PossibleThreshold, v.LikelyThreshold)
		}
		for _, c := range v.Conditions {
			for _, name := range c.Normalizers {
				if _, ok := normalizers.Get(name); !ok {
					return fmt.Errorf("condition %s: unknown normalizer %q", c.Field, name)
				}
			}
		}
		for _, key := range v.BlockingKeys {
			for _, part := range key.Parts {
				if part.Transform != "" && !matching.ValidTransform(part.Transform) {
					return fmt.Errorf("blocking key %s: unknown transform %q", key.Name, part.Transform)
				}
			}
		}
	case models.RelationshipRule:
		if v.MaxLinks != nil && *v.MaxLinks < v.MinLinks {
			return fmt.Errorf("max_links %d is below min_links %d", *v.MaxLinks, v.MinLinks)
		}
	case models.RequiredFieldRule:
		if v.When != "" {
			if r.conditions == nil {
				return errors.New("when predicate set but no condition evaluator is configured")
			}
			if err := r.conditions.Compile(v.When); err != nil {
				return err
			}
		}
	case models.AttendanceThresholdRule:
		if v.Info == nil && v.Warning == nil && v.Critical == nil {
			return errors.New("at least one of info, warning or critical is required")
		}
		if !ascending(v.Info, v.Warning, v.Critical) {
			return errors.New("cutoffs must not decrease from info to critical")
		}
	}
	return nil
}

func ascending(cutoffs ...*float64) bool {
	var prev *float64
	for _, c := range cutoffs {
		if c == nil {
			continue
		}
		if prev != nil && *c < *prev {
			return false
		}
		prev = c
	}
	return true
}

func withEnabled(rule models.Rule, enabled bool) models.Rule {
	set := func(h *models.RuleHeader) {
		h.Enabled = &enabled
		h.Source = models.RuleSourceOverride
	}
	switch v := rule.(type) {
	case models.DuplicateRule:
		set(&v.RuleHeader)
		return v
	case models.RelationshipRule:
		set(&v.RuleHeader)
		return v
	case models.RequiredFieldRule:
		set(&v.RuleHeader)
		return v
	case models.AttendanceThresholdRule:
		set(&v.RuleHeader)
		return v
	}
	return rule
}

// versionOf suffixes the base version with a digest of the overrides so runs
// record exactly which configuration they used.
func versionOf(base string, overrides []models.RuleOverride) string {
	if len(overrides) == 0 {
		return base
	}
	h := sha256.New()
	for _, o := range overrides {
		fmt.Fprintf(h, "%s|%t|%s\n", o.Key(), o.Enabled, o.Definition)
	}
	return base + "+" + hex.EncodeToString(h.Sum(nil)[:4])
}
