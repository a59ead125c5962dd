package validation

import (
	"fmt"
	"strings"

	"github.com/Ramsey-B/thistle/pkg/models"
)

// WhenEvaluator evaluates a rule's CEL gate against a record's fields.
type WhenEvaluator interface {
	Matches(expr string, fields map[string]any) (bool, error)
}

// ValidateRequiredFields reports each rule whose primary field and alternates
// are all empty. Rules gated by a condition or When predicate that does not hold
// are skipped, as are rules whose When fails to evaluate.
func ValidateRequiredFields(record models.Record, rules []models.RequiredFieldRule, when WhenEvaluator) []models.Issue {
	var issues []models.Issue
	for _, rule := range rules {
		if rule.Entity != record.EntityType || !rule.IsEnabled() {
			continue
		}
		if !applies(record, rule, when) {
			continue
		}
		if satisfied(record, rule) {
			continue
		}

		checked := append([]string{rule.Field}, rule.AlternateFields...)
		issues = append(issues, models.Issue{
			RuleID:           rule.RuleID,
			EntityType:       record.EntityType,
			PrimaryRecordID:  record.ID,
			RelatedRecordIDs: []string{},
			IssueType:        models.IssueTypeMissingField,
			Severity:         rule.SeverityOr(models.SeverityWarning),
			Confidence:       1,
			Description:      requiredFieldMessage(record, rule),
			Evidence: map[string]any{
				"field":          rule.Field,
				"checked_fields": checked,
			},
			Status: models.IssueStatusOpen,
		})
	}
	return issues
}

func applies(record models.Record, rule models.RequiredFieldRule, when WhenEvaluator) bool {
	if rule.Condition != nil {
		actual := strings.TrimSpace(record.Text(rule.Condition.Field))
		if !strings.EqualFold(actual, strings.TrimSpace(rule.Condition.Value)) {
			return false
		}
	}
	if rule.When != "" {
		if when == nil {
			return false
		}
		ok, err := when.Matches(rule.When, record.Fields)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func satisfied(record models.Record, rule models.RequiredFieldRule) bool {
	if record.HasValue(rule.Field) {
		return true
	}
	for _, alt := range rule.AlternateFields {
		if record.HasValue(alt) {
			return true
		}
	}
	return false
}

func requiredFieldMessage(record models.Record, rule models.RequiredFieldRule) string {
	if rule.Message != "" {
		return fmt.Sprintf("%s (%s %s)", rule.Message, record.EntityType, record.ID)
	}
	if len(rule.AlternateFields) > 0 {
		return fmt.Sprintf("%s %s is missing %s (or any of %s)",
			record.EntityType, record.ID, rule.Field, strings.Join(rule.AlternateFields, ", "))
	}
	return fmt.Sprintf("%s %s is missing required field %s", record.EntityType, record.ID, rule.Field)
}
