package run

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

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

// WriteRun upserts the run document by run id.
func (r *Repository) WriteRun(ctx context.Context, run *models.Run) error {
	ctx, span := tracing.StartSpan(ctx, "run.Repository.WriteRun")
	defer span.End()

	ib := runStruct.InsertInto(runTable, FromRun(run, r.now().UTC()))
	ub := ib.OnConflict("run_id")
	ub.Set(
		ub.Assign("entities", database.Excluded("entities")),
		ub.Assign("status", database.Excluded("status")),
		ub.Assign("started_at", database.Excluded("started_at")),
		ub.Assign("ended_at", database.Excluded("ended_at")),
		ub.Assign("counts", database.Excluded("counts")),
		ub.Assign("failed_checks", database.Excluded("failed_checks")),
		ub.Assign("rule_set_version", database.Excluded("rule_set_version")),
		ub.Assign("error", database.Excluded("error")),
		ub.Assign("cursor", database.Excluded("cursor")),
		ub.Assign("updated_at", database.Excluded("updated_at")),
	)

	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": run.RunID,
			"status": run.Status,
		}).Error("Failed to write run")
		tracing.RecordError(span, err)
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to write run")
	}
	return nil
}

// LastSuccessful returns the newest run that ended in success, nil when there is none.
func (r *Repository) LastSuccessful(ctx context.Context) (*models.Run, error) {
	ctx, span := tracing.StartSpan(ctx, "run.Repository.LastSuccessful")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(runColumns...)
	sb.From(runTable)
	sb.Where(
		sb.Equal("status", string(models.RunStatusSuccess)),
		sb.IsNotNull("started_at"),
	)
	sb.OrderBy("started_at").Desc()
	sb.Limit(1)

	query, args := sb.Build()
	var row Row
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to load last successful run")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to load last successful run")
	}
	return ToRun(&row), nil
}

func (r *Repository) Get(ctx context.Context, runID string) (*models.Run, error) {
	ctx, span := tracing.StartSpan(ctx, "run.Repository.Get")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(runColumns...)
	sb.From(runTable)
	sb.Where(sb.Equal("run_id", runID))

	query, args := sb.Build()
	var row Row
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		}
		r.logger.WithContext(ctx).WithError(err).WithField("run_id", runID).Error("Failed to get run")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get run")
	}
	return ToRun(&row), nil
}

// List returns runs newest first.
func (r *Repository) List(ctx context.Context, filter models.RunFilter) ([]models.Run, error) {
	ctx, span := tracing.StartSpan(ctx, "run.Repository.List")
	defer span.End()

	limit := filter.Limit
	if limit < 1 || limit > maxListLimit {
		limit = defaultListLimit
	}

	sb := database.NewSelectBuilder()
	sb.Select(runColumns...)
	sb.From(runTable)
	var where []string
	if filter.Status != "" {
		where = append(where, sb.Equal("status", string(filter.Status)))
	}
	if filter.Trigger != "" {
		where = append(where, sb.Equal("trigger", string(filter.Trigger)))
	}
	if len(where) > 0 {
		sb.Where(where...)
	}
	sb.OrderBy("created_at").Desc()
	sb.Limit(limit)
	if filter.Offset > 0 {
		sb.Offset(filter.Offset)
	}

	query, args := sb.Build()
	var rows []Row
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list runs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list runs")
	}

	runs := make([]models.Run, 0, len(rows))
	for i := range rows {
		runs = append(runs, *ToRun(&rows[i]))
	}
	return runs, nil
}
