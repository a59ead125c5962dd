package validation

import (
	"fmt"

	"github.com/Ramsey-B/thistle/pkg/models"
)

// InactiveSuffix is appended to a relationship rule id for the issue that flags inactive targets.
const InactiveSuffix = ".inactive"

// ValidateRelationships checks record's links against each rule for its entity.
// Unknown targets do not count. With RequireActive, inactive targets do not count
// either, and their presence produces one extra issue listing them.
func ValidateRelationships(record models.Record, resolver LinkResolver, rules []models.RelationshipRule, settings models.Settings) []models.Issue {
	var issues []models.Issue
	for _, rule := range rules {
		if rule.Entity != record.EntityType || !rule.IsEnabled() {
			continue
		}
		issues = append(issues, validateRelationship(record, resolver, rule, settings)...)
	}
	return issues
}

func validateRelationship(record models.Record, resolver LinkResolver, rule models.RelationshipRule, settings models.Settings) []models.Issue {
	ids := dedupe(record.LinkIDs(rule.Relation))

	var valid int
	unresolved := []string{}
	inactive := []string{}
	for _, id := range ids {
		target, ok := resolver.Lookup(rule.TargetEntity, id)
		switch {
		case !ok:
			unresolved = append(unresolved, id)
		case rule.RequireActive && !target.IsActive(settings.ActiveField):
			inactive = append(inactive, id)
		default:
			valid++
		}
	}

	severity := rule.SeverityOr(models.SeverityWarning)
	evidence := map[string]any{
		"relation":      rule.Relation,
		"target_entity": rule.TargetEntity,
		"linked":        len(ids),
		"valid_links":   valid,
		"min_links":     rule.MinLinks,
		"unresolved":    unresolved,
		"inactive":      inactive,
	}
	if rule.MaxLinks != nil {
		evidence["max_links"] = *rule.MaxLinks
	}

	var issues []models.Issue
	if valid < rule.MinLinks || (rule.MaxLinks != nil && valid > *rule.MaxLinks) {
		issues = append(issues, models.Issue{
			RuleID:           rule.RuleID,
			EntityType:       record.EntityType,
			PrimaryRecordID:  record.ID,
			RelatedRecordIDs: []string{},
			IssueType:        models.IssueTypeMissingLink,
			Severity:         severity,
			Confidence:       1,
			Description:      relationshipMessage(record, rule, valid),
			Evidence:         evidence,
			Status:           models.IssueStatusOpen,
		})
	}

	if len(inactive) > 0 {
		issues = append(issues, models.Issue{
			RuleID:           rule.RuleID + InactiveSuffix,
			EntityType:       record.EntityType,
			PrimaryRecordID:  record.ID,
			RelatedRecordIDs: inactive,
			IssueType:        models.IssueTypeMissingLink,
			Severity:         severity.Lower(),
			Confidence:       1,
			Description: fmt.Sprintf("%s %s is linked through %s to %d inactive %s record(s)",
				record.EntityType, record.ID, rule.Relation, len(inactive), rule.TargetEntity),
			Evidence: evidence,
			Status:   models.IssueStatusOpen,
		})
	}
	return issues
}

func relationshipMessage(record models.Record, rule models.RelationshipRule, valid int) string {
	if rule.Message != "" {
		return fmt.Sprintf("%s (%s %s)", rule.Message, record.EntityType, record.ID)
	}
	if rule.MaxLinks != nil && valid > *rule.MaxLinks {
		return fmt.Sprintf("%s %s has %d %s link(s) through %s, at most %d allowed",
			record.EntityType, record.ID, valid, rule.TargetEntity, rule.Relation, *rule.MaxLinks)
	}
	return fmt.Sprintf("%s %s has %d valid %s link(s) through %s, at least %d required",
		record.EntityType, record.ID, valid, rule.TargetEntity, rule.Relation, rule.MinLinks)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
