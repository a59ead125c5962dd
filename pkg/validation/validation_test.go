package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/thistle/pkg/models"
)

func intPtr(n int) *int { return &n }

func parentRule() models.RelationshipRule {
	return models.RelationshipRule{
		RuleHeader:    models.RuleHeader{RuleID: "student.parent_link", Entity: "student", Severity: models.SeverityCritical},
		Relation:      "parents",
		TargetEntity:  "parent",
		MinLinks:      1,
		MaxLinks:      intPtr(2),
		RequireActive: true,
	}
}

func index() RecordIndex {
	idx := NewRecordIndex()
	idx.Add("parent", []models.Record{
		{EntityType: "parent", ID: "p1", Fields: map[string]any{"active": true}},
		{EntityType: "parent", ID: "p2", Fields: map[string]any{"active": "withdrawn"}},
		{EntityType: "parent", ID: "p3", Fields: map[string]any{}},
		{EntityType: "parent", ID: "p4", Fields: map[string]any{}},
	})
	return idx
}

func student(links ...string) models.Record {
	return models.Record{EntityType: "student", ID: "s1", Fields: map[string]any{}, Links: map[string][]string{"parents": links}}
}

func TestValidateRelationships(t *testing.T) {
	settings := models.DefaultSettings()
	rules := []models.RelationshipRule{parentRule()}

	t.Run("one active link passes", func(t *testing.T) {
		assert.Empty(t, ValidateRelationships(student("p1"), index(), rules, settings))
	})

	t.Run("no links is a missing link", func(t *testing.T) {
		issues := ValidateRelationships(student(), index(), rules, settings)
		require.Len(t, issues, 1)
		assert.Equal(t, "student.parent_link", issues[0].RuleID)
		assert.Equal(t, models.IssueTypeMissingLink, issues[0].IssueType)
		assert.Equal(t, models.SeverityCritical, issues[0].Severity)
		assert.Equal(t, 1.0, issues[0].Confidence)
	})

	t.Run("unknown target counts as missing", func(t *testing.T) {
		issues := ValidateRelationships(student("ghost"), index(), rules, settings)
		require.Len(t, issues, 1)
		assert.Equal(t, []string{"ghost"}, issues[0].Evidence["unresolved"])
	})

	t.Run("inactive target does not count and is flagged", func(t *testing.T) {
		issues := ValidateRelationships(student("p2"), index(), rules, settings)
		require.Len(t, issues, 2)
		assert.Equal(t, "student.parent_link", issues[0].RuleID)
		assert.Equal(t, "student.parent_link.inactive", issues[1].RuleID)
		assert.Equal(t, []string{"p2"}, issues[1].RelatedRecordIDs)
		assert.Equal(t, models.SeverityWarning, issues[1].Severity)
	})

	t.Run("inactive link is flagged even when minimum is met", func(t *testing.T) {
		issues := ValidateRelationships(student("p1", "p2"), index(), rules, settings)
		require.Len(t, issues, 1)
		assert.Equal(t, "student.parent_link.inactive", issues[0].RuleID)
	})

	t.Run("too many links", func(t *testing.T) {
		issues := ValidateRelationships(student("p1", "p3", "p4", "p1"), index(), rules, settings)
		require.Len(t, issues, 1)
		assert.Equal(t, 3, issues[0].Evidence["valid_links"])
		assert.Contains(t, issues[0].Description, "at most 2")
	})

	t.Run("record without applicable rule is skipped", func(t *testing.T) {
		rec := models.Record{EntityType: "class", ID: "c1"}
		assert.Empty(t, ValidateRelationships(rec, index(), rules, settings))
	})

	t.Run("inactive targets count without require_active", func(t *testing.T) {
		rule := parentRule()
		rule.RequireActive = false
		assert.Empty(t, ValidateRelationships(student("p2"), index(), []models.RelationshipRule{rule}, settings))
	})
}

type fakeWhen map[string]bool

func (f fakeWhen) Matches(expr string, _ map[string]any) (bool, error) {
	v, ok := f[expr]
	if !ok {
		return false, errors.New("unknown expression")
	}
	return v, nil
}

func TestValidateRequiredFields(t *testing.T) {
	rule := models.RequiredFieldRule{
		RuleHeader:      models.RuleHeader{RuleID: "student.guardian_contact", Entity: "student", Severity: models.SeverityWarning},
		Field:           "guardian_email",
		AlternateFields: []string{"guardian_phone"},
		Message:         "Guardian contact is required",
	}
	rec := func(fields map[string]any) models.Record {
		return models.Record{EntityType: "student", ID: "s1", Fields: fields}
	}

	t.Run("primary field satisfies", func(t *testing.T) {
		assert.Empty(t, ValidateRequiredFields(rec(map[string]any{"guardian_email": "g@x.com"}), []models.RequiredFieldRule{rule}, nil))
	})

	t.Run("alternate field satisfies", func(t *testing.T) {
		assert.Empty(t, ValidateRequiredFields(rec(map[string]any{"guardian_phone": "555"}), []models.RequiredFieldRule{rule}, nil))
	})

	t.Run("blank values and empty lists are missing", func(t *testing.T) {
		issues := ValidateRequiredFields(rec(map[string]any{"guardian_email": "  ", "guardian_phone": []any{}}), []models.RequiredFieldRule{rule}, nil)
		require.Len(t, issues, 1)
		assert.Equal(t, models.IssueTypeMissingField, issues[0].IssueType)
		assert.Equal(t, "Guardian contact is required (student s1)", issues[0].Description)
		assert.Equal(t, []string{"guardian_email", "guardian_phone"}, issues[0].Evidence["checked_fields"])
	})

	t.Run("condition gates the rule", func(t *testing.T) {
		gated := rule
		gated.Condition = &models.FieldEquals{Field: "status", Value: "Enrolled"}

		assert.Empty(t, ValidateRequiredFields(rec(map[string]any{"status": "applicant"}), []models.RequiredFieldRule{gated}, nil))
		assert.Len(t, ValidateRequiredFields(rec(map[string]any{"status": "enrolled"}), []models.RequiredFieldRule{gated}, nil), 1)
	})

	t.Run("when predicate gates the rule", func(t *testing.T) {
		gated := rule
		gated.When = "minor"
		rules := []models.RequiredFieldRule{gated}

		assert.Len(t, ValidateRequiredFields(rec(map[string]any{}), rules, fakeWhen{"minor": true}), 1)
		assert.Empty(t, ValidateRequiredFields(rec(map[string]any{}), rules, fakeWhen{"minor": false}))
		assert.Empty(t, ValidateRequiredFields(rec(map[string]any{}), rules, fakeWhen{}))
		assert.Empty(t, ValidateRequiredFields(rec(map[string]any{}), rules, nil))
	})

	t.Run("disabled rule is ignored", func(t *testing.T) {
		disabled := rule
		off := false
		disabled.Enabled = &off
		assert.Empty(t, ValidateRequiredFields(rec(map[string]any{}), []models.RequiredFieldRule{disabled}, nil))
	})
}
