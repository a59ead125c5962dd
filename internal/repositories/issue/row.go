package issue

import (
	"database/sql"
	"time"

	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/models"
)

const issueTable = "issues"

type Row struct {
	ID               string                         `db:"id"`
	RuleID           string                         `db:"rule_id"`
	EntityType       string                         `db:"entity_type"`
	PrimaryRecordID  string                         `db:"primary_record_id"`
	RelatedRecordIDs database.JSONB[[]string]       `db:"related_record_ids"`
	IssueType        string                         `db:"issue_type"`
	Severity         string                         `db:"severity"`
	Confidence       float64                        `db:"confidence"`
	Description      string                         `db:"description"`
	Evidence         database.JSONB[map[string]any] `db:"evidence"`
	Status           string                         `db:"status"`
	FirstDetected    time.Time                      `db:"first_detected"`
	LastSeen         time.Time                      `db:"last_seen"`
	LastRunID        sql.NullString                 `db:"last_run_id"`
	UpdatedAt        time.Time                      `db:"updated_at"`
}

var issueStruct = database.NewStruct(new(Row))

var issueColumns = []string{
	"id", "rule_id", "entity_type", "primary_record_id", "related_record_ids", "issue_type", "severity",
	"confidence", "description", "evidence", "status", "first_detected", "last_seen", "last_run_id", "updated_at",
}

func FromIssue(issue models.Issue, now time.Time) *Row {
	related := issue.RelatedRecordIDs
	if related == nil {
		related = []string{}
	}
	evidence := issue.Evidence
	if evidence == nil {
		evidence = map[string]any{}
	}
	return &Row{
		ID:               issue.ID,
		RuleID:           issue.RuleID,
		EntityType:       issue.EntityType,
		PrimaryRecordID:  issue.PrimaryRecordID,
		RelatedRecordIDs: database.NewJSONB(related),
		IssueType:        string(issue.IssueType),
		Severity:         string(issue.Severity),
		Confidence:       issue.Confidence,
		Description:      issue.Description,
		Evidence:         database.NewJSONB(evidence),
		Status:           string(issue.Status),
		FirstDetected:    issue.FirstDetected.UTC(),
		LastSeen:         issue.LastSeen.UTC(),
		LastRunID:        sql.NullString{String: issue.LastRunID, Valid: issue.LastRunID != ""},
		UpdatedAt:        now,
	}
}

func ToIssue(row *Row) models.Issue {
	related := row.RelatedRecordIDs.Data
	if related == nil {
		related = []string{}
	}
	return models.Issue{
		ID:               row.ID,
		RuleID:           row.RuleID,
		EntityType:       row.EntityType,
		PrimaryRecordID:  row.PrimaryRecordID,
		RelatedRecordIDs: related,
		IssueType:        models.IssueType(row.IssueType),
		Severity:         models.Severity(row.Severity),
		Confidence:       row.Confidence,
		Description:      row.Description,
		Evidence:         row.Evidence.Data,
		Status:           models.IssueStatus(row.Status),
		FirstDetected:    row.FirstDetected.UTC(),
		LastSeen:         row.LastSeen.UTC(),
		LastRunID:        row.LastRunID.String,
	}
}
