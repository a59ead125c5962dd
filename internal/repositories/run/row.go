package run

import (
	"database/sql"
	"time"

	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/models"
)

const runTable = "runs"

type Row struct {
	RunID          string                           `db:"run_id"`
	Trigger        string                           `db:"trigger"`
	Mode           string                           `db:"mode"`
	Entities       database.JSONB[[]string]         `db:"entities"`
	Status         string                           `db:"status"`
	CreatedAt      time.Time                        `db:"created_at"`
	StartedAt      sql.NullTime                     `db:"started_at"`
	EndedAt        sql.NullTime                     `db:"ended_at"`
	Counts         database.JSONB[models.RunCounts] `db:"counts"`
	FailedChecks   database.JSONB[[]string]         `db:"failed_checks"`
	RuleSetVersion string                           `db:"rule_set_version"`
	Error          string                           `db:"error"`
	Cursor         sql.NullTime                     `db:"cursor"`
	UpdatedAt      time.Time                        `db:"updated_at"`
}

var runStruct = database.NewStruct(new(Row))

var runColumns = []string{
	"run_id", "trigger", "mode", "entities", "status", "created_at", "started_at", "ended_at",
	"counts", "failed_checks", "rule_set_version", "error", "cursor", "updated_at",
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func FromRun(run *models.Run, now time.Time) *Row {
	entities := run.Entities
	if entities == nil {
		entities = []string{}
	}
	failed := run.FailedChecks
	if failed == nil {
		failed = []string{}
	}
	return &Row{
		RunID:          run.RunID,
		Trigger:        string(run.Trigger),
		Mode:           string(run.Mode),
		Entities:       database.NewJSONB(entities),
		Status:         string(run.Status),
		CreatedAt:      run.CreatedAt.UTC(),
		StartedAt:      nullTime(run.StartedAt),
		EndedAt:        nullTime(run.EndedAt),
		Counts:         database.NewJSONB(run.Counts),
		FailedChecks:   database.NewJSONB(failed),
		RuleSetVersion: run.RuleSetVersion,
		Error:          run.Error,
		Cursor:         nullTime(run.Cursor),
		UpdatedAt:      now,
	}
}

func ToRun(row *Row) *models.Run {
	failed := row.FailedChecks.Data
	if failed == nil {
		failed = []string{}
	}
	return &models.Run{
		RunID:          row.RunID,
		Trigger:        models.Trigger(row.Trigger),
		Mode:           models.RunMode(row.Mode),
		Entities:       row.Entities.Data,
		Status:         models.RunStatus(row.Status),
		CreatedAt:      row.CreatedAt.UTC(),
		StartedAt:      timePtr(row.StartedAt),
		EndedAt:        timePtr(row.EndedAt),
		Counts:         row.Counts.Data,
		FailedChecks:   failed,
		RuleSetVersion: row.RuleSetVersion,
		Error:          row.Error,
		Cursor:         timePtr(row.Cursor),
	}
}
