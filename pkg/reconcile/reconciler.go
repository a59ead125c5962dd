package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/thistle/pkg/checkerrors"
	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/retry"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// DefaultBatchSize bounds the issues sent in one write.
const DefaultBatchSize = 100

// IssueStore is the durable issue set. UpsertBatch must be idempotent by identity key.
type IssueStore interface {
	GetByKeys(ctx context.Context, keys []models.IssueKey) ([]models.Issue, error)
	UpsertBatch(ctx context.Context, issues []models.Issue) error
}

// Outcome summarizes one Apply.
type Outcome struct {
	Created   int
	Updated   int
	Unchanged int
	// Written holds the issues that reached the store, in write order.
	Written []models.Issue
	// Batches is how many write batches completed.
	Batches int
}

type Reconciler struct {
	logger    ectologger.Logger
	store     IssueStore
	batchSize int
	policy    retry.Policy
	now       func() time.Time
}

func NewReconciler(logger ectologger.Logger, store IssueStore, batchSize int, policy retry.Policy) *Reconciler {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Reconciler{
		logger:    logger,
		store:     store,
		batchSize: batchSize,
		policy:    policy,
		now:       time.Now,
	}
}

// Apply loads the stored counterparts of issues, plans the merge and writes
// creates and updates in batches. A cancelled ctx abandons the remaining
// batches and returns the cancellation cause with the partial outcome.
func (r *Reconciler) Apply(ctx context.Context, issues []models.Issue) (Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "reconcile.Reconciler.Apply")
	defer span.End()

	var outcome Outcome
	if len(issues) == 0 {
		return outcome, nil
	}

	collapsed := Collapse(issues)
	existing, err := r.load(ctx, collapsed)
	if err != nil {
		tracing.RecordError(span, err)
		return outcome, err
	}

	var writes []models.Issue
	for _, in := range Plan(collapsed, existing, r.now()) {
		switch in.Action {
		case ActionCreate:
			outcome.Created++
			writes = append(writes, in.Issue)
		case ActionUpdate:
			outcome.Updated++
			writes = append(writes, in.Issue)
		default:
			outcome.Unchanged++
		}
	}

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"created":   outcome.Created,
		"updated":   outcome.Updated,
		"unchanged": outcome.Unchanged,
	})

	for batch, start := 0, 0; start < len(writes); batch, start = batch+1, start+r.batchSize {
		if ctx.Err() != nil {
			err := context.Cause(ctx)
			log.WithError(err).Warnf("Abandoning issue writeback after %d batch(es)", outcome.Batches)
			return outcome, err
		}

		end := min(start+r.batchSize, len(writes))
		chunk := writes[start:end]
		err := retry.Do(ctx, r.policy, func(ctx context.Context, _ int) error {
			return r.store.UpsertBatch(ctx, chunk)
		})
		if err != nil {
			tracing.RecordError(span, err)
			if checkerrors.IsRunStop(err) {
				log.WithError(err).Warn("Issue writeback stopped")
				return outcome, err
			}
			log.WithError(err).Errorf("Failed to write issue batch %d", batch)
			return outcome, &checkerrors.ReconciliationError{Batch: batch, Err: err}
		}
		outcome.Batches++
		outcome.Written = append(outcome.Written, chunk...)
	}

	metrics.IssuesWritten.WithLabelValues(string(ActionCreate)).Add(float64(outcome.Created))
	metrics.IssuesWritten.WithLabelValues(string(ActionUpdate)).Add(float64(outcome.Updated))
	metrics.IssuesWritten.WithLabelValues(string(ActionNone)).Add(float64(outcome.Unchanged))
	log.Info("Reconciled issues")
	return outcome, nil
}

func (r *Reconciler) load(ctx context.Context, issues []models.Issue) (map[models.IssueKey]models.Issue, error) {
	existing := make(map[models.IssueKey]models.Issue, len(issues))
	for start := 0; start < len(issues); start += r.batchSize {
		end := min(start+r.batchSize, len(issues))
		keys := make([]models.IssueKey, 0, end-start)
		for _, issue := range issues[start:end] {
			keys = append(keys, issue.Key())
		}

		var found []models.Issue
		err := retry.Do(ctx, r.policy, func(ctx context.Context, _ int) error {
			var err error
			found, err = r.store.GetByKeys(ctx, keys)
			return err
		})
		if err != nil {
			if checkerrors.IsRunStop(err) {
				return nil, err
			}
			r.logger.WithContext(ctx).WithError(err).Error("Failed to load existing issues")
			return nil, &checkerrors.ReconciliationError{Batch: start / r.batchSize, Err: fmt.Errorf("load existing issues: %w", err)}
		}
		for _, issue := range found {
			existing[issue.Key()] = issue
		}
	}
	return existing, nil
}
