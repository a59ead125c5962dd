package models

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Ramsey-B/thistle/pkg/normalizers"
)

// Category groups rules by the evaluator that consumes them.
type Category string

const (
	CategoryDuplicates     Category = "duplicates"
	CategoryRelationships  Category = "relationships"
	CategoryRequiredFields Category = "required_fields"
	CategoryAttendance     Category = "attendance"
)

var Categories = []Category{CategoryDuplicates, CategoryRelationships, CategoryRequiredFields, CategoryAttendance}

func (c Category) Valid() bool {
	switch c {
	case CategoryDuplicates, CategoryRelationships, CategoryRequiredFields, CategoryAttendance:
		return true
	}
	return false
}

// RuleSource records which layer a resolved rule came from.
type RuleSource string

const (
	RuleSourceDefault  RuleSource = "default"
	RuleSourceOverride RuleSource = "override"
)

// RuleKey is the identity of a rule across both configuration layers.
type RuleKey struct {
	Category Category `json:"category"`
	Entity   string   `json:"entity"`
	RuleID   string   `json:"rule_id"`
}

func (k RuleKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Category, k.Entity, k.RuleID)
}

// Less orders keys by category, entity, then rule id.
func (k RuleKey) Less(other RuleKey) bool {
	if k.Category != other.Category {
		return k.Category < other.Category
	}
	if k.Entity != other.Entity {
		return k.Entity < other.Entity
	}
	return k.RuleID < other.RuleID
}

// RuleHeader is shared by every rule variant.
type RuleHeader struct {
	RuleID string `json:"rule_id" yaml:"rule_id" validate:"required"`
	Entity string `json:"entity" yaml:"entity" validate:"required"`
	// Enabled defaults to true when omitted.
	Enabled     *bool      `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Severity    Severity   `json:"severity,omitempty" yaml:"severity,omitempty" validate:"omitempty,oneof=info warning critical"`
	Source      RuleSource `json:"source,omitempty" yaml:"source,omitempty"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
}

func (h RuleHeader) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// SeverityOr returns the configured severity or fallback when none is set.
func (h RuleHeader) SeverityOr(fallback Severity) Severity {
	if h.Severity.Valid() {
		return h.Severity
	}
	return fallback
}

// Rule is the closed set of rule variants.
type Rule interface {
	Category() Category
	IdentityKey() RuleKey
	Header() RuleHeader
	WithSource(source RuleSource) Rule
}

// MatchType is how one field of a pair is compared.
type MatchType string

const (
	MatchExact      MatchType = "exact"
	MatchSimilarity MatchType = "similarity"
	MatchPhonetic   MatchType = "phonetic"
	MatchDateWithin MatchType = "date_within"
)

// Strength ranks match types by how much agreement they prove: an exact match
// outranks a similarity, which outranks a phonetic or date-window match.
func (m MatchType) Strength() int {
	switch m {
	case MatchExact:
		return 4
	case MatchSimilarity:
		return 3
	case MatchPhonetic:
		return 2
	case MatchDateWithin:
		return 1
	}
	return 0
}

// Stronger returns whichever of m and other proves more agreement.
func (m MatchType) Stronger(other MatchType) MatchType {
	if other.Strength() > m.Strength() {
		return other
	}
	return m
}

// DefaultSimilarityThreshold applies when a similarity condition sets none.
const DefaultSimilarityThreshold = 0.85

// FieldCondition is one weighted comparison inside a duplicate rule.
type FieldCondition struct {
	Field      string           `json:"field" yaml:"field" validate:"required"`
	Kind       normalizers.Kind `json:"kind,omitempty" yaml:"kind,omitempty" validate:"omitempty,oneof=name email phone address date text"`
	Match      MatchType        `json:"match" yaml:"match" validate:"required,oneof=exact similarity phonetic date_within"`
	Weight     float64          `json:"weight" yaml:"weight" validate:"gt=0,lte=1"`
	Threshold  float64          `json:"threshold,omitempty" yaml:"threshold,omitempty" validate:"gte=0,lte=1"`
	WithinDays int              `json:"within_days,omitempty" yaml:"within_days,omitempty" validate:"gte=0"`
	// Normalizers names registry normalizers applied after the kind's canonical form.
	Normalizers []string `json:"normalizers,omitempty" yaml:"normalizers,omitempty"`
}

// SimilarityThreshold returns Threshold or the default when unset.
func (c FieldCondition) SimilarityThreshold() float64 {
	if c.Threshold > 0 {
		return c.Threshold
	}
	return DefaultSimilarityThreshold
}

// BlockingTransform turns a normalized value into a bucket key part.
// Accepted: value, soundex, email_local, prefix:N, year.
type BlockingTransform string

const (
	TransformValue      BlockingTransform = "value"
	TransformSoundex    BlockingTransform = "soundex"
	TransformEmailLocal BlockingTransform = "email_local"
	TransformYear       BlockingTransform = "year"
	TransformPrefix     BlockingTransform = "prefix"
)

type BlockingPart struct {
	Field     string            `json:"field" yaml:"field" validate:"required"`
	Kind      normalizers.Kind  `json:"kind,omitempty" yaml:"kind,omitempty" validate:"omitempty,oneof=name email phone address date text"`
	Transform BlockingTransform `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// BlockingKey is a composite key; a record lacking any part is not bucketed under it.
type BlockingKey struct {
	Name  string         `json:"name" yaml:"name"`
	Parts []BlockingPart `json:"parts" yaml:"parts" validate:"required,min=1,dive"`
}

type DuplicateRule struct {
	RuleHeader        `yaml:",inline"`
	Conditions        []FieldCondition `json:"conditions" yaml:"conditions" validate:"required,min=1,dive"`
	BlockingKeys      []BlockingKey    `json:"blocking_keys,omitempty" yaml:"blocking_keys,omitempty" validate:"dive"`
	LikelyThreshold   float64          `json:"likely_threshold" yaml:"likely_threshold" validate:"gt=0,lte=1"`
	PossibleThreshold float64          `json:"possible_threshold" yaml:"possible_threshold" validate:"gt=0,lte=1"`
}

func (r DuplicateRule) Category() Category { return CategoryDuplicates }

func (r DuplicateRule) IdentityKey() RuleKey {
	return RuleKey{Category: CategoryDuplicates, Entity: r.Entity, RuleID: r.RuleID}
}

func (r DuplicateRule) Header() RuleHeader { return r.RuleHeader }

func (r DuplicateRule) WithSource(source RuleSource) Rule {
	r.Source = source
	return r
}

// WeightSum totals the condition weights.
func (r DuplicateRule) WeightSum() float64 {
	sum := 0.0
	for _, c := range r.Conditions {
		sum += c.Weight
	}
	return sum
}

type RelationshipRule struct {
	RuleHeader   `yaml:",inline"`
	Relation     string `json:"relation" yaml:"relation" validate:"required"`
	TargetEntity string `json:"target_entity" yaml:"target_entity" validate:"required"`
	MinLinks     int    `json:"min_links" yaml:"min_links" validate:"gte=0"`
	// MaxLinks is unbounded when nil.
	MaxLinks      *int   `json:"max_links,omitempty" yaml:"max_links,omitempty" validate:"omitempty,gte=0"`
	RequireActive bool   `json:"require_active" yaml:"require_active"`
	Message       string `json:"message,omitempty" yaml:"message,omitempty"`
}

func (r RelationshipRule) Category() Category { return CategoryRelationships }

func (r RelationshipRule) IdentityKey() RuleKey {
	return RuleKey{Category: CategoryRelationships, Entity: r.Entity, RuleID: r.RuleID}
}

func (r RelationshipRule) Header() RuleHeader { return r.RuleHeader }

func (r RelationshipRule) WithSource(source RuleSource) Rule {
	r.Source = source
	return r
}

// FieldEquals gates a rule on one field's value.
type FieldEquals struct {
	Field string `json:"field" yaml:"field" validate:"required"`
	Value string `json:"value" yaml:"value"`
}

type RequiredFieldRule struct {
	RuleHeader      `yaml:",inline"`
	Field           string       `json:"field" yaml:"field" validate:"required"`
	AlternateFields []string     `json:"alternate_fields,omitempty" yaml:"alternate_fields,omitempty"`
	Condition       *FieldEquals `json:"condition,omitempty" yaml:"condition,omitempty"`
	// When is a CEL boolean expression over `fields`; the rule applies only when it is true.
	When    string `json:"when,omitempty" yaml:"when,omitempty"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

func (r RequiredFieldRule) Category() Category { return CategoryRequiredFields }

func (r RequiredFieldRule) IdentityKey() RuleKey {
	return RuleKey{Category: CategoryRequiredFields, Entity: r.Entity, RuleID: r.RuleID}
}

func (r RequiredFieldRule) Header() RuleHeader { return r.RuleHeader }

func (r RequiredFieldRule) WithSource(source RuleSource) Rule {
	r.Source = source
	return r
}

// AttendanceMetric names one of the computed per-student metrics.
type AttendanceMetric string

const (
	MetricAbsenceRate30d         AttendanceMetric = "absence_rate_30d"
	MetricAbsenceRateTerm        AttendanceMetric = "absence_rate_term"
	MetricAbsences4w             AttendanceMetric = "absences_4w"
	MetricMaxConsecutiveAbsences AttendanceMetric = "max_consecutive_absences"
	MetricTardyRate30d           AttendanceMetric = "tardy_rate_30d"
	MetricPartialSessions30d     AttendanceMetric = "partial_sessions_30d"
)

// IsRate reports whether the metric is a percentage and so needs a meaningful denominator.
func (m AttendanceMetric) IsRate() bool {
	switch m {
	case MetricAbsenceRate30d, MetricAbsenceRateTerm, MetricTardyRate30d:
		return true
	}
	return false
}

type AttendanceThresholdRule struct {
	RuleHeader `yaml:",inline"`
	Metric     AttendanceMetric `json:"metric" yaml:"metric" validate:"required,oneof=absence_rate_30d absence_rate_term absences_4w max_consecutive_absences tardy_rate_30d partial_sessions_30d"`
	// WindowDays overrides the metric's natural window when positive.
	WindowDays int      `json:"window_days,omitempty" yaml:"window_days,omitempty" validate:"gte=0"`
	Info       *float64 `json:"info,omitempty" yaml:"info,omitempty"`
	Warning    *float64 `json:"warning,omitempty" yaml:"warning,omitempty"`
	Critical   *float64 `json:"critical,omitempty" yaml:"critical,omitempty"`
	Message    string   `json:"message,omitempty" yaml:"message,omitempty"`
}

func (r AttendanceThresholdRule) Category() Category { return CategoryAttendance }

func (r AttendanceThresholdRule) IdentityKey() RuleKey {
	return RuleKey{Category: CategoryAttendance, Entity: r.Entity, RuleID: r.RuleID}
}

func (r AttendanceThresholdRule) Header() RuleHeader { return r.RuleHeader }

func (r AttendanceThresholdRule) WithSource(source RuleSource) Rule {
	r.Source = source
	return r
}

// SeverityFor returns the highest tier whose cutoff value meets.
func (r AttendanceThresholdRule) SeverityFor(value float64) (Severity, bool) {
	switch {
	case r.Critical != nil && value >= *r.Critical:
		return SeverityCritical, true
	case r.Warning != nil && value >= *r.Warning:
		return SeverityWarning, true
	case r.Info != nil && value >= *r.Info:
		return SeverityInfo, true
	}
	return "", false
}

// DecodeRule decodes a JSON rule definition into the variant for category.
func DecodeRule(category Category, data []byte) (Rule, error) {
	switch category {
	case CategoryDuplicates:
		var r DuplicateRule
		err := json.Unmarshal(data, &r)
		return r, err
	case CategoryRelationships:
		var r RelationshipRule
		err := json.Unmarshal(data, &r)
		return r, err
	case CategoryRequiredFields:
		var r RequiredFieldRule
		err := json.Unmarshal(data, &r)
		return r, err
	case CategoryAttendance:
		var r AttendanceThresholdRule
		err := json.Unmarshal(data, &r)
		return r, err
	}
	return nil, fmt.Errorf("unknown rule category %q", category)
}

// SortRules orders rules by identity key.
func SortRules(rules []Rule) {
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].IdentityKey().Less(rules[j].IdentityKey())
	})
}
