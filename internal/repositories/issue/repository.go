package issue

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
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// Repository is the durable issue set, keyed by (rule_id, primary_record_id).
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

// GetByKeys returns the stored issues matching keys; missing keys are simply absent.
func (r *Repository) GetByKeys(ctx context.Context, keys []models.IssueKey) ([]models.Issue, error) {
	ctx, span := tracing.StartSpan(ctx, "issue.Repository.GetByKeys")
	defer span.End()

	if len(keys) == 0 {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select(issueColumns...)
	sb.From(issueTable)
	matches := make([]string, 0, len(keys))
	for _, k := range keys {
		matches = append(matches, sb.And(
			sb.Equal("rule_id", k.RuleID),
			sb.Equal("primary_record_id", k.PrimaryRecordID),
		))
	}
	sb.Where(sb.Or(matches...))

	query, args := sb.Build()
	var rows []Row
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("keys", len(keys)).Error("Failed to load issues by key")
		tracing.RecordError(span, err)
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to load issues")
	}

	issues := make([]models.Issue, 0, len(rows))
	for i := range rows {
		issues = append(issues, ToIssue(&rows[i]))
	}
	return issues, nil
}

// UpsertBatch writes issues in one statement. Replaying a batch leaves one row per key.
func (r *Repository) UpsertBatch(ctx context.Context, issues []models.Issue) error {
	ctx, span := tracing.StartSpan(ctx, "issue.Repository.UpsertBatch")
	defer span.End()

	if len(issues) == 0 {
		return nil
	}

	// postgres rejects an upsert that touches the same row twice
	now := r.now().UTC()
	index := map[models.IssueKey]int{}
	var rows []any
	for _, issue := range issues {
		row := FromIssue(issue, now)
		if i, seen := index[issue.Key()]; seen {
			rows[i] = row
			continue
		}
		index[issue.Key()] = len(rows)
		rows = append(rows, row)
	}

	ib := issueStruct.InsertInto(issueTable, rows...)
	ub := ib.OnConflict("rule_id", "primary_record_id")
	ub.Set(
		ub.Assign("entity_type", database.Excluded("entity_type")),
		ub.Assign("related_record_ids", database.Excluded("related_record_ids")),
		ub.Assign("issue_type", database.Excluded("issue_type")),
		ub.Assign("severity", database.Excluded("severity")),
		ub.Assign("confidence", database.Excluded("confidence")),
		ub.Assign("description", database.Excluded("description")),
		ub.Assign("evidence", database.Excluded("evidence")),
		ub.Assign("status", sqlbuilder.Raw(statusOnConflict)),
		ub.Assign("last_seen", sqlbuilder.Raw("GREATEST(issues.last_seen, EXCLUDED.last_seen)")),
		ub.Assign("last_run_id", database.Excluded("last_run_id")),
		ub.Assign("updated_at", database.Excluded("updated_at")),
	)

	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("count", len(rows)).Error("Failed to upsert issue batch")
		tracing.RecordError(span, err)
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to write issues")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"count": len(rows)}).Debug("Upserted issue batch")
	return nil
}

// statusOnConflict keeps a resolved or ignored status already stored, even one
// set after the batch was planned, unless the incoming severity is higher.
var statusOnConflict = fmt.Sprintf(
	"CASE WHEN issues.status IN ('%s', '%s') AND %s <= %s THEN issues.status ELSE EXCLUDED.status END",
	models.IssueStatusResolved, models.IssueStatusIgnored,
	severityRank("EXCLUDED.severity"), severityRank("issues.severity"),
)

func severityRank(column string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "(CASE %s", column)
	for _, s := range models.Severities {
		fmt.Fprintf(&b, " WHEN '%s' THEN %d", s, s.Rank())
	}
	b.WriteString(" ELSE 0 END)")
	return b.String()
}

func (r *Repository) Get(ctx context.Context, id string) (*models.Issue, error) {
	ctx, span := tracing.StartSpan(ctx, "issue.Repository.Get")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(issueColumns...)
	sb.From(issueTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var row Row
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("issue %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).WithField("issue_id", id).Error("Failed to get issue")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get issue")
	}

	issue := ToIssue(&row)
	return &issue, nil
}

// List returns issues matching filter, most recently seen first.
func (r *Repository) List(ctx context.Context, filter models.IssueFilter) ([]models.Issue, error) {
	ctx, span := tracing.StartSpan(ctx, "issue.Repository.List")
	defer span.End()

	limit := filter.Limit
	if limit < 1 || limit > maxListLimit {
		limit = defaultListLimit
	}

	sb := database.NewSelectBuilder()
	sb.Select(issueColumns...)
	sb.From(issueTable)
	var where []string
	if filter.RuleID != "" {
		where = append(where, sb.Equal("rule_id", filter.RuleID))
	}
	if filter.EntityType != "" {
		where = append(where, sb.Equal("entity_type", filter.EntityType))
	}
	if filter.IssueType != "" {
		where = append(where, sb.Equal("issue_type", filter.IssueType))
	}
	if filter.Severity != "" {
		where = append(where, sb.Equal("severity", filter.Severity))
	}
	if filter.Status != "" {
		where = append(where, sb.Equal("status", filter.Status))
	}
	if len(where) > 0 {
		sb.Where(where...)
	}
	sb.OrderBy("last_seen DESC", "id")
	sb.Limit(limit)
	if filter.Offset > 0 {
		sb.Offset(filter.Offset)
	}

	query, args := sb.Build()
	var rows []Row
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list issues")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list issues")
	}

	issues := make([]models.Issue, 0, len(rows))
	for i := range rows {
		issues = append(issues, ToIssue(&rows[i]))
	}
	return issues, nil
}

// UpdateStatus records a reviewer's decision on an issue.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status models.IssueStatus) (*models.Issue, error) {
	ctx, span := tracing.StartSpan(ctx, "issue.Repository.UpdateStatus")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(issueTable)
	ub.Set(
		ub.Assign("status", string(status)),
		ub.Assign("updated_at", r.now().UTC()),
	)
	ub.Where(ub.Equal("id", id))
	ub.SQL("RETURNING " + strings.Join(issueColumns, ", "))

	query, args := ub.Build()
	var row Row
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("issue %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"issue_id": id, "status": status}).Error("Failed to update issue status")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to update issue")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"issue_id": id, "status": status}).Info("Updated issue status")
	issue := ToIssue(&row)
	return &issue, nil
}
