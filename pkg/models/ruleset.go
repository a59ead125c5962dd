package models

import (
	"sort"
	"time"

	"github.com/Ramsey-B/thistle/pkg/normalizers"
)

// Settings are the global knobs shipped with the rule document.
type Settings struct {
	OnboardingGraceDays int `json:"onboarding_grace_days" yaml:"onboarding_grace_days" validate:"gte=0"`
	// LimitedScheduleThreshold is the sessions/week below which rate metrics are skipped.
	LimitedScheduleThreshold float64 `json:"limited_schedule_threshold" yaml:"limited_schedule_threshold" validate:"gte=0"`
	ActiveField              string  `json:"active_field,omitempty" yaml:"active_field,omitempty"`
	EnrollmentField          string  `json:"enrollment_field,omitempty" yaml:"enrollment_field,omitempty"`
	SessionsPerWeekField     string  `json:"sessions_per_week_field,omitempty" yaml:"sessions_per_week_field,omitempty"`
	// TermStart is YYYY-MM-DD; empty means the term metric covers all entries.
	TermStart             string                      `json:"term_start,omitempty" yaml:"term_start,omitempty"`
	StudentEntity         string                      `json:"student_entity,omitempty" yaml:"student_entity,omitempty"`
	AttendanceEntity      string                      `json:"attendance_entity,omitempty" yaml:"attendance_entity,omitempty"`
	AttendanceStudentLink string                      `json:"attendance_student_link,omitempty" yaml:"attendance_student_link,omitempty"`
	EmailAliases          normalizers.EmailAliasTable `json:"email_aliases" yaml:"email_aliases"`
	PhoneRegion           string                      `json:"phone_region,omitempty" yaml:"phone_region,omitempty"`
}

func DefaultSettings() Settings {
	return Settings{
		OnboardingGraceDays:      14,
		LimitedScheduleThreshold: 2,
		ActiveField:              DefaultActiveField,
		EnrollmentField:          "enrollment_start",
		SessionsPerWeekField:     "sessions_per_week",
		StudentEntity:            "student",
		AttendanceEntity:         "attendance",
		AttendanceStudentLink:    "student",
		EmailAliases:             normalizers.DefaultEmailAliases(),
		PhoneRegion:              "US",
	}
}

// WithDefaults fills unset naming fields and layers the alias table over the shipped one.
func (s Settings) WithDefaults() Settings {
	d := DefaultSettings()
	if s.ActiveField == "" {
		s.ActiveField = d.ActiveField
	}
	if s.EnrollmentField == "" {
		s.EnrollmentField = d.EnrollmentField
	}
	if s.SessionsPerWeekField == "" {
		s.SessionsPerWeekField = d.SessionsPerWeekField
	}
	if s.StudentEntity == "" {
		s.StudentEntity = d.StudentEntity
	}
	if s.AttendanceEntity == "" {
		s.AttendanceEntity = d.AttendanceEntity
	}
	if s.AttendanceStudentLink == "" {
		s.AttendanceStudentLink = d.AttendanceStudentLink
	}
	if s.PhoneRegion == "" {
		s.PhoneRegion = d.PhoneRegion
	}
	s.EmailAliases = d.EmailAliases.Merge(s.EmailAliases)
	return s
}

func (s Settings) NormalizerOptions() normalizers.Options {
	return normalizers.Options{EmailAliases: s.EmailAliases, PhoneRegion: s.PhoneRegion}
}

// EffectiveRuleSet is the resolved configuration for one run. It is built once
// by the resolver and must not be modified afterwards.
type EffectiveRuleSet struct {
	Version        string                    `json:"version"`
	Settings       Settings                  `json:"settings"`
	Duplicates     []DuplicateRule           `json:"duplicates"`
	Relationships  []RelationshipRule        `json:"relationships"`
	RequiredFields []RequiredFieldRule       `json:"required_fields"`
	Attendance     []AttendanceThresholdRule `json:"attendance"`
	// Suppressed lists rules disabled by an override.
	Suppressed []RuleKey `json:"suppressed"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Rules returns every enabled rule ordered by identity key.
func (s *EffectiveRuleSet) Rules() []Rule {
	rules := make([]Rule, 0, len(s.Duplicates)+len(s.Relationships)+len(s.RequiredFields)+len(s.Attendance))
	for _, r := range s.Duplicates {
		rules = append(rules, r)
	}
	for _, r := range s.Relationships {
		rules = append(rules, r)
	}
	for _, r := range s.RequiredFields {
		rules = append(rules, r)
	}
	for _, r := range s.Attendance {
		rules = append(rules, r)
	}
	SortRules(rules)
	return rules
}

// Find returns the enabled rule with key.
func (s *EffectiveRuleSet) Find(key RuleKey) (Rule, bool) {
	for _, r := range s.Rules() {
		if r.IdentityKey() == key {
			return r, true
		}
	}
	return nil, false
}

func (s *EffectiveRuleSet) DuplicateRulesFor(entity string) []DuplicateRule {
	var out []DuplicateRule
	for _, r := range s.Duplicates {
		if r.Entity == entity {
			out = append(out, r)
		}
	}
	return out
}

func (s *EffectiveRuleSet) RelationshipRulesFor(entity string) []RelationshipRule {
	var out []RelationshipRule
	for _, r := range s.Relationships {
		if r.Entity == entity {
			out = append(out, r)
		}
	}
	return out
}

func (s *EffectiveRuleSet) RequiredFieldRulesFor(entity string) []RequiredFieldRule {
	var out []RequiredFieldRule
	for _, r := range s.RequiredFields {
		if r.Entity == entity {
			out = append(out, r)
		}
	}
	return out
}

// Entities returns every entity type a rule refers to, including relationship targets
// and the attendance entity when attendance rules exist.
func (s *EffectiveRuleSet) Entities() []string {
	seen := map[string]bool{}
	var out []string
	add := func(e string) {
		if e != "" && !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	for _, r := range s.Duplicates {
		add(r.Entity)
	}
	for _, r := range s.Relationships {
		add(r.Entity)
		add(r.TargetEntity)
	}
	for _, r := range s.RequiredFields {
		add(r.Entity)
	}
	if len(s.Attendance) > 0 {
		add(s.Settings.StudentEntity)
		add(s.Settings.AttendanceEntity)
	}
	sort.Strings(out)
	return out
}
