package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// RuleOverride is a user edit layered over the default rule with the same key.
type RuleOverride struct {
	ID       string   `json:"id" db:"id"`
	Category Category `json:"category" db:"category"`
	Entity   string   `json:"entity" db:"entity"`
	RuleID   string   `json:"rule_id" db:"rule_id"`
	Enabled  bool     `json:"enabled" db:"enabled"`
	// Definition is the full rule document; it may be empty for a disable-only override.
	Definition json.RawMessage `json:"definition,omitempty" db:"definition"`
	UpdatedBy  *string         `json:"updated_by,omitempty" db:"updated_by"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

func (o RuleOverride) Key() RuleKey {
	return RuleKey{Category: o.Category, Entity: o.Entity, RuleID: o.RuleID}
}

// HasDefinition reports whether the override carries a replacement rule.
func (o RuleOverride) HasDefinition() bool {
	trimmed := string(o.Definition)
	return len(o.Definition) > 0 && trimmed != "null" && trimmed != "{}"
}

// Decode returns the replacement rule with its header pinned to the override's key.
func (o RuleOverride) Decode() (Rule, error) {
	if !o.HasDefinition() {
		return nil, fmt.Errorf("override %s has no definition", o.Key())
	}
	rule, err := DecodeRule(o.Category, o.Definition)
	if err != nil {
		return nil, fmt.Errorf("decode override %s: %w", o.Key(), err)
	}

	enabled := o.Enabled
	header := RuleHeader{
		RuleID:      o.RuleID,
		Entity:      o.Entity,
		Enabled:     &enabled,
		Severity:    rule.Header().Severity,
		Source:      RuleSourceOverride,
		Description: rule.Header().Description,
	}
	switch r := rule.(type) {
	case DuplicateRule:
		r.RuleHeader = header
		return r, nil
	case RelationshipRule:
		r.RuleHeader = header
		return r, nil
	case RequiredFieldRule:
		r.RuleHeader = header
		return r, nil
	case AttendanceThresholdRule:
		r.RuleHeader = header
		return r, nil
	}
	return nil, fmt.Errorf("override %s decoded to unsupported rule %T", o.Key(), rule)
}

// UpsertRuleOverrideRequest is the API body for creating or replacing an override.
type UpsertRuleOverrideRequest struct {
	Enabled    *bool           `json:"enabled"`
	Definition json.RawMessage `json:"definition"`
}
