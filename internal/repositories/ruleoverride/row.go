package ruleoverride

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/models"
)

const overrideTable = "rule_overrides"

type Row struct {
	ID         string         `db:"id"`
	Category   string         `db:"category"`
	Entity     string         `db:"entity"`
	RuleID     string         `db:"rule_id"`
	Enabled    bool           `db:"enabled"`
	Definition sql.NullString `db:"definition"`
	UpdatedBy  sql.NullString `db:"updated_by"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

var overrideStruct = database.NewStruct(new(Row))

var overrideColumns = []string{"id", "category", "entity", "rule_id", "enabled", "definition", "updated_by", "created_at", "updated_at"}

func FromOverride(o models.RuleOverride) *Row {
	row := &Row{
		ID:        o.ID,
		Category:  string(o.Category),
		Entity:    o.Entity,
		RuleID:    o.RuleID,
		Enabled:   o.Enabled,
		CreatedAt: o.CreatedAt.UTC(),
		UpdatedAt: o.UpdatedAt.UTC(),
	}
	if o.HasDefinition() {
		row.Definition = sql.NullString{String: string(o.Definition), Valid: true}
	}
	if o.UpdatedBy != nil {
		row.UpdatedBy = sql.NullString{String: *o.UpdatedBy, Valid: true}
	}
	return row
}

func ToOverride(row *Row) models.RuleOverride {
	o := models.RuleOverride{
		ID:        row.ID,
		Category:  models.Category(row.Category),
		Entity:    row.Entity,
		RuleID:    row.RuleID,
		Enabled:   row.Enabled,
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
	}
	if row.Definition.Valid {
		o.Definition = json.RawMessage(row.Definition.String)
	}
	if row.UpdatedBy.Valid {
		by := row.UpdatedBy.String
		o.UpdatedBy = &by
	}
	return o
}
