package ruleoverride

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// Repository stores the dynamic rule layer, one row per rule identity key.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
	now    func() time.Time
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// ListRuleOverrides returns every stored override ordered by key.
func (r *Repository) ListRuleOverrides(ctx context.Context) ([]models.RuleOverride, error) {
	ctx, span := tracing.StartSpan(ctx, "ruleoverride.Repository.ListRuleOverrides")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(overrideColumns...)
	sb.From(overrideTable)
	sb.OrderBy("category", "entity", "rule_id")

	query, args := sb.Build()
	var rows []Row
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list rule overrides")
		tracing.RecordError(span, err)
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list rule overrides")
	}

	overrides := make([]models.RuleOverride, 0, len(rows))
	for i := range rows {
		overrides = append(overrides, ToOverride(&rows[i]))
	}
	return overrides, nil
}

func (r *Repository) Get(ctx context.Context, key models.RuleKey) (*models.RuleOverride, error) {
	ctx, span := tracing.StartSpan(ctx, "ruleoverride.Repository.Get")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(overrideColumns...)
	sb.From(overrideTable)
	sb.Where(
		sb.Equal("category", string(key.Category)),
		sb.Equal("entity", key.Entity),
		sb.Equal("rule_id", key.RuleID),
	)

	query, args := sb.Build()
	var row Row
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("override %s not found", key))
		}
		r.logger.WithContext(ctx).WithError(err).WithField("rule", key.String()).Error("Failed to get rule override")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get rule override")
	}

	o := ToOverride(&row)
	return &o, nil
}

// Upsert creates or replaces the override with o's key and returns the stored row.
func (r *Repository) Upsert(ctx context.Context, o models.RuleOverride) (*models.RuleOverride, error) {
	ctx, span := tracing.StartSpan(ctx, "ruleoverride.Repository.Upsert")
	defer span.End()

	now := r.now().UTC()
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	o.CreatedAt = now
	o.UpdatedAt = now

	ib := overrideStruct.InsertInto(overrideTable, FromOverride(o))
	ub := ib.OnConflict("category", "entity", "rule_id")
	ub.Set(
		ub.Assign("enabled", database.Excluded("enabled")),
		ub.Assign("definition", database.Excluded("definition")),
		ub.Assign("updated_by", database.Excluded("updated_by")),
		ub.Assign("updated_at", database.Excluded("updated_at")),
	)
	ib.SQL("RETURNING " + strings.Join(overrideColumns, ", "))

	logger := r.logger.WithContext(ctx).WithFields(map[string]any{
		"rule":    o.Key().String(),
		"enabled": o.Enabled,
	})

	query, args := ib.Build()
	var row Row
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		logger.WithError(err).Error("Failed to upsert rule override")
		tracing.RecordError(span, err)
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to save rule override")
	}

	logger.Info("Saved rule override")
	stored := ToOverride(&row)
	return &stored, nil
}

// Delete removes the override so the default rule applies again.
func (r *Repository) Delete(ctx context.Context, key models.RuleKey) error {
	ctx, span := tracing.StartSpan(ctx, "ruleoverride.Repository.Delete")
	defer span.End()

	del := database.NewDeleteBuilder()
	del.DeleteFrom(overrideTable)
	del.Where(
		del.Equal("category", string(key.Category)),
		del.Equal("entity", key.Entity),
		del.Equal("rule_id", key.RuleID),
	)

	query, args := del.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("rule", key.String()).Error("Failed to delete rule override")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete rule override")
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("override %s not found", key))
	}

	r.logger.WithContext(ctx).WithField("rule", key.String()).Info("Deleted rule override")
	return nil
}
