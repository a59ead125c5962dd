package models

import (
	"fmt"
	"time"
)

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuccess   RunStatus = "success"
	RunStatusWarning   RunStatus = "warning"
	RunStatusError     RunStatus = "error"
	RunStatusTimeout   RunStatus = "timeout"
	RunStatusCancelled RunStatus = "cancelled"
)

var runTransitions = map[RunStatus][]RunStatus{
	RunStatusPending: {RunStatusRunning, RunStatusError, RunStatusCancelled},
	RunStatusRunning: {RunStatusSuccess, RunStatusWarning, RunStatusError, RunStatusTimeout, RunStatusCancelled},
}

func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusWarning, RunStatusError, RunStatusTimeout, RunStatusCancelled:
		return true
	}
	return false
}

func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type RunMode string

const (
	RunModeIncremental RunMode = "incremental"
	RunModeFull        RunMode = "full"
)

func (m RunMode) Valid() bool {
	return m == RunModeIncremental || m == RunModeFull
}

type Trigger string

const (
	TriggerManual  Trigger = "manual"
	TriggerNightly Trigger = "nightly"
	TriggerWeekly  Trigger = "weekly"
)

func (t Trigger) Valid() bool {
	switch t {
	case TriggerManual, TriggerNightly, TriggerWeekly:
		return true
	}
	return false
}

type RunCounts struct {
	ByType     map[IssueType]int `json:"by_type"`
	BySeverity map[Severity]int  `json:"by_severity"`
	Total      int               `json:"total"`
	Created    int               `json:"created"`
	Updated    int               `json:"updated"`
	Unchanged  int               `json:"unchanged"`
}

// NewRunCounts tallies issues by type and severity.
func NewRunCounts(issues []Issue) RunCounts {
	counts := RunCounts{
		ByType:     map[IssueType]int{},
		BySeverity: map[Severity]int{},
	}
	for _, issue := range issues {
		counts.ByType[issue.IssueType]++
		counts.BySeverity[issue.Severity]++
		counts.Total++
	}
	return counts
}

// Run is one execution of the integrity checks.
type Run struct {
	RunID          string     `json:"run_id"`
	Trigger        Trigger    `json:"trigger"`
	Mode           RunMode    `json:"mode"`
	Entities       []string   `json:"entities"`
	Status         RunStatus  `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Counts         RunCounts  `json:"counts"`
	FailedChecks   []string   `json:"failed_checks"`
	RuleSetVersion string     `json:"rule_set_version,omitempty"`
	// Error carries the message of the fatal cause for error, timeout and cancelled runs.
	Error string `json:"error,omitempty"`
	// Cursor is the incremental fetch boundary the run used, nil for full scans.
	Cursor *time.Time `json:"cursor,omitempty"`
}

// Transition moves the run to next, stamping StartedAt on running and EndedAt on
// any terminal state.
func (r *Run) Transition(next RunStatus, at time.Time) error {
	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("illegal run transition %s -> %s", r.Status, next)
	}
	r.Status = next
	if next == RunStatusRunning {
		started := at
		r.StartedAt = &started
	}
	if next.IsTerminal() {
		ended := at
		r.EndedAt = &ended
	}
	return nil
}

// AddFailedCheck records a failed module once.
func (r *Run) AddFailedCheck(name string) {
	for _, existing := range r.FailedChecks {
		if existing == name {
			return
		}
	}
	r.FailedChecks = append(r.FailedChecks, name)
}

// Clone returns a copy that shares no slices or maps with r.
func (r Run) Clone() Run {
	c := r
	c.Entities = append([]string(nil), r.Entities...)
	c.FailedChecks = append([]string(nil), r.FailedChecks...)
	c.Counts.ByType = make(map[IssueType]int, len(r.Counts.ByType))
	for k, v := range r.Counts.ByType {
		c.Counts.ByType[k] = v
	}
	c.Counts.BySeverity = make(map[Severity]int, len(r.Counts.BySeverity))
	for k, v := range r.Counts.BySeverity {
		c.Counts.BySeverity[k] = v
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	if r.Cursor != nil {
		t := *r.Cursor
		c.Cursor = &t
	}
	return c
}

// RunFilter narrows run listings.
type RunFilter struct {
	Status  RunStatus
	Trigger Trigger
	Limit   int
	Offset  int
}
