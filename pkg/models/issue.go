package models

import (
	"sort"
	"time"
)

type IssueType string

const (
	IssueTypeDuplicate    IssueType = "duplicate"
	IssueTypeMissingLink  IssueType = "missing_link"
	IssueTypeMissingField IssueType = "missing_field"
	IssueTypeAttendance   IssueType = "attendance"
)

type IssueStatus string

const (
	IssueStatusOpen     IssueStatus = "open"
	IssueStatusResolved IssueStatus = "resolved"
	IssueStatusIgnored  IssueStatus = "ignored"
)

// IsUserSet reports whether the status was chosen by a person rather than the engine.
func (s IssueStatus) IsUserSet() bool {
	return s == IssueStatusResolved || s == IssueStatusIgnored
}

// IssueKey identifies an issue across runs.
type IssueKey struct {
	RuleID          string `json:"rule_id"`
	PrimaryRecordID string `json:"primary_record_id"`
}

// Issue is one finding. Deterministic rules report confidence 1.
type Issue struct {
	ID               string         `json:"id"`
	RuleID           string         `json:"rule_id"`
	EntityType       string         `json:"entity_type"`
	PrimaryRecordID  string         `json:"primary_record_id"`
	RelatedRecordIDs []string       `json:"related_record_ids"`
	IssueType        IssueType      `json:"issue_type"`
	Severity         Severity       `json:"severity"`
	Confidence       float64        `json:"confidence"`
	Description      string         `json:"description"`
	Evidence         map[string]any `json:"evidence,omitempty"`
	Status           IssueStatus    `json:"status"`
	FirstDetected    time.Time      `json:"first_detected"`
	LastSeen         time.Time      `json:"last_seen"`
	// LastRunID is the run that most recently reported the issue.
	LastRunID string `json:"last_run_id,omitempty"`
}

func (i Issue) Key() IssueKey {
	return IssueKey{RuleID: i.RuleID, PrimaryRecordID: i.PrimaryRecordID}
}

// SortIssues orders issues by identity key.
func SortIssues(issues []Issue) {
	sort.SliceStable(issues, func(a, b int) bool {
		if issues[a].RuleID != issues[b].RuleID {
			return issues[a].RuleID < issues[b].RuleID
		}
		return issues[a].PrimaryRecordID < issues[b].PrimaryRecordID
	})
}

// IssueFilter narrows issue listings.
type IssueFilter struct {
	RuleID     string
	EntityType string
	IssueType  IssueType
	Severity   Severity
	Status     IssueStatus
	Limit      int
	Offset     int
}
