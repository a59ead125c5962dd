// Package reconcile merges a run's findings into the stored issue set by identity key.
package reconcile

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/thistle/pkg/models"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	// ActionNone means the stored row already matches the merged issue.
	ActionNone Action = "none"
)

type Instruction struct {
	Action Action
	Issue  models.Issue
}

var issueNamespace = uuid.MustParse("6f7c1c1e-3b0e-4e53-9f55-2f1f9d3c7a10")

// IssueID derives the stable row id for an identity key.
func IssueID(key models.IssueKey) string {
	return uuid.NewSHA1(issueNamespace, []byte(key.RuleID+"\x00"+key.PrimaryRecordID)).String()
}

// Collapse keeps one issue per identity key: the highest severity, and among
// equal severities the one reported last.
func Collapse(issues []models.Issue) []models.Issue {
	index := map[models.IssueKey]int{}
	var out []models.Issue
	for _, issue := range issues {
		key := issue.Key()
		i, seen := index[key]
		if !seen {
			index[key] = len(out)
			out = append(out, issue)
			continue
		}
		if issue.Severity.Rank() >= out[i].Severity.Rank() {
			out[i] = issue
		}
	}
	models.SortIssues(out)
	return out
}

// Plan decides, per identity key, what to write. It never touches stored
// issues that the new set does not mention.
func Plan(issues []models.Issue, existing map[models.IssueKey]models.Issue, now time.Time) []Instruction {
	now = now.UTC()
	collapsed := Collapse(issues)
	out := make([]Instruction, 0, len(collapsed))

	for _, issue := range collapsed {
		prev, found := existing[issue.Key()]
		if !found {
			out = append(out, Instruction{Action: ActionCreate, Issue: fresh(issue, now)})
			continue
		}

		merged := merge(prev, issue, now)
		if sameIssue(prev, merged) {
			out = append(out, Instruction{Action: ActionNone, Issue: prev})
			continue
		}
		out = append(out, Instruction{Action: ActionUpdate, Issue: merged})
	}
	return out
}

func fresh(issue models.Issue, now time.Time) models.Issue {
	issue.ID = IssueID(issue.Key())
	issue.Status = models.IssueStatusOpen
	issue.FirstDetected = now
	issue.LastSeen = now
	if issue.RelatedRecordIDs == nil {
		issue.RelatedRecordIDs = []string{}
	}
	return issue
}

// merge refreshes the detection fields and keeps the stored identity,
// FirstDetected and a user-set status. A user-set status is reopened only when
// severity rises.
func merge(prev, next models.Issue, now time.Time) models.Issue {
	merged := prev
	if merged.ID == "" {
		merged.ID = IssueID(prev.Key())
	}
	merged.EntityType = next.EntityType
	merged.IssueType = next.IssueType
	merged.Confidence = next.Confidence
	merged.Evidence = next.Evidence
	merged.Description = next.Description
	merged.RelatedRecordIDs = next.RelatedRecordIDs
	if merged.RelatedRecordIDs == nil {
		merged.RelatedRecordIDs = []string{}
	}
	merged.LastRunID = next.LastRunID
	merged.FirstDetected = prev.FirstDetected.UTC()
	if merged.FirstDetected.IsZero() {
		merged.FirstDetected = now
	}
	if now.After(prev.LastSeen) {
		merged.LastSeen = now
	} else {
		merged.LastSeen = prev.LastSeen.UTC()
	}

	escalated := next.Severity.Rank() > prev.Severity.Rank()
	switch {
	case prev.Status.IsUserSet() && escalated:
		merged.Status = models.IssueStatusOpen
	case prev.Status.IsUserSet():
		merged.Status = prev.Status
	default:
		merged.Status = models.IssueStatusOpen
	}
	merged.Severity = next.Severity
	return merged
}

// sameIssue compares the serialized forms so evidence decoded from storage
// (float64 numbers) matches freshly computed evidence (ints).
func sameIssue(a, b models.Issue) bool {
	a.FirstDetected, a.LastSeen = a.FirstDetected.UTC(), a.LastSeen.UTC()
	b.FirstDetected, b.LastSeen = b.FirstDetected.UTC(), b.LastSeen.UTC()
	a.RelatedRecordIDs = sortedCopy(a.RelatedRecordIDs)
	b.RelatedRecordIDs = sortedCopy(b.RelatedRecordIDs)
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

func sortedCopy(ids []string) []string {
	out := append([]string{}, ids...)
	sort.Strings(out)
	return out
}
