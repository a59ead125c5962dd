// Package orchestrator sequences one integrity run: rule resolution, fetch,
// evaluation, reconciliation and the terminal run record.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/thistle/pkg/appctx"
	"github.com/Ramsey-B/thistle/pkg/attendance"
	"github.com/Ramsey-B/thistle/pkg/checkerrors"
	"github.com/Ramsey-B/thistle/pkg/matching"
	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/reconcile"
	"github.com/Ramsey-B/thistle/pkg/retry"
	"github.com/Ramsey-B/thistle/pkg/rules"
	"github.com/Ramsey-B/thistle/pkg/source"
	"github.com/Ramsey-B/thistle/pkg/tracing"
	"github.com/Ramsey-B/thistle/pkg/validation"
)

// ErrInvalidRequest rejects a run request with an unknown mode or trigger.
var ErrInvalidRequest = errors.New("invalid run request")

var errModuleBlocked = errors.New("required entities could not be fetched")

// RunRequest is the trigger surface of a run.
type RunRequest struct {
	Mode     models.RunMode `json:"mode" validate:"required,oneof=incremental full"`
	Entities []string       `json:"entities,omitempty" validate:"omitempty,dive,required"`
	Trigger  models.Trigger `json:"trigger" validate:"required,oneof=manual nightly weekly"`
}

func (r RunRequest) validate() error {
	if !r.Mode.Valid() {
		return fmt.Errorf("%w: mode %q", ErrInvalidRequest, r.Mode)
	}
	if !r.Trigger.Valid() {
		return fmt.Errorf("%w: trigger %q", ErrInvalidRequest, r.Trigger)
	}
	for _, e := range r.Entities {
		if e == "" {
			return fmt.Errorf("%w: empty entity", ErrInvalidRequest)
		}
	}
	return nil
}

// RunStore persists run documents. WriteRun is idempotent by run id.
type RunStore interface {
	WriteRun(ctx context.Context, run *models.Run) error
	// LastSuccessful returns the newest run that ended in success, nil when there is none.
	LastSuccessful(ctx context.Context) (*models.Run, error)
}

// Publisher mirrors written issues and terminal runs to the analytics stream.
type Publisher interface {
	PublishIssues(ctx context.Context, runID string, issues []models.Issue) error
	PublishRun(ctx context.Context, run *models.Run) error
}

// Coordinator provides the cross-replica run lock and cancel flags.
type Coordinator interface {
	AcquireRunLock(ctx context.Context, runID string) (func(context.Context) error, error)
	RequestCancel(ctx context.Context, runID string) error
	CancelRequested(ctx context.Context, runID string) (bool, error)
	ClearCancel(ctx context.Context, runID string) error
	ActiveRunID(ctx context.Context) (string, error)
}

// Reconciler merges a run's issues into the issue store.
type Reconciler interface {
	Apply(ctx context.Context, issues []models.Issue) (reconcile.Outcome, error)
}

type Config struct {
	// Timeout is the wall-clock budget from running to a terminal state.
	Timeout time.Duration
	// PersistTimeout bounds the terminal write after the run context is gone.
	PersistTimeout     time.Duration
	CancelPollInterval time.Duration
	MaxParallelism     int
	PersistPolicy      retry.Policy
	// CheckInterval is how many records evaluator loops process between cancellation checks.
	CheckInterval int
}

func DefaultConfig() Config {
	return Config{
		Timeout:            30 * time.Minute,
		PersistTimeout:     30 * time.Second,
		CancelPollInterval: 2 * time.Second,
		MaxParallelism:     4,
		PersistPolicy:      retry.DefaultPolicy(),
		CheckInterval:      256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = d.CancelPollInterval
	}
	if c.MaxParallelism <= 0 {
		c.MaxParallelism = d.MaxParallelism
	}
	if c.PersistPolicy.MaxAttempts <= 0 {
		c.PersistPolicy = d.PersistPolicy
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	return c
}

// Dependencies are the collaborators of an Orchestrator. Coordinator, Publisher,
// Detector and Analyzer are optional.
type Dependencies struct {
	Logger     ectologger.Logger
	Rules      rules.Source
	Resolver   *rules.Resolver
	Conditions validation.WhenEvaluator
	Fetcher    source.Fetcher
	Reconciler Reconciler
	Runs       RunStore
	Publisher  Publisher
	// Coordinator is nil for a single-replica deployment.
	Coordinator Coordinator
	// Detector builds the duplicate detector for a resolved rule set.
	Detector func(settings models.Settings) DuplicateDetector
	Analyzer AttendanceAnalyzer
}

type Orchestrator struct {
	logger      ectologger.Logger
	rules       rules.Source
	resolver    *rules.Resolver
	conditions  validation.WhenEvaluator
	fetcher     source.Fetcher
	reconciler  Reconciler
	runs        RunStore
	publisher   Publisher
	coordinator Coordinator
	detector    func(settings models.Settings) DuplicateDetector
	analyzer    AttendanceAnalyzer
	cfg         Config
	now         func() time.Time

	mu     sync.Mutex
	active map[string]*activeRun
}

func New(deps Dependencies, cfg Config) *Orchestrator {
	o := &Orchestrator{
		logger:      deps.Logger,
		rules:       deps.Rules,
		resolver:    deps.Resolver,
		conditions:  deps.Conditions,
		fetcher:     deps.Fetcher,
		reconciler:  deps.Reconciler,
		runs:        deps.Runs,
		publisher:   deps.Publisher,
		coordinator: deps.Coordinator,
		detector:    deps.Detector,
		analyzer:    deps.Analyzer,
		cfg:         cfg.withDefaults(),
		now:         time.Now,
		active:      map[string]*activeRun{},
	}
	if o.detector == nil {
		o.detector = func(settings models.Settings) DuplicateDetector {
			return matching.NewDetector(settings.NormalizerOptions())
		}
	}
	if o.analyzer == nil {
		o.analyzer = attendance.NewAnalyzer()
	}
	return o
}

// activeRun is the in-process handle of an executing run.
type activeRun struct {
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	snapshot models.Run
}

func (a *activeRun) set(run *models.Run) {
	a.mu.Lock()
	a.snapshot = run.Clone()
	a.mu.Unlock()
}

func (a *activeRun) get() models.Run {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot.Clone()
}

// ExecuteRun performs one run and returns its terminal document. Rejections
// (invalid request, another run in progress) return an error and no run.
// Canceling ctx cancels the run; the terminal write still happens.
func (o *Orchestrator) ExecuteRun(ctx context.Context, req RunRequest) (*models.Run, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "Orchestrator.ExecuteRun")
	defer span.End()

	run := &models.Run{
		RunID:        uuid.NewString(),
		Trigger:      req.Trigger,
		Mode:         req.Mode,
		Entities:     append([]string(nil), req.Entities...),
		Status:       models.RunStatusPending,
		CreatedAt:    o.now().UTC(),
		FailedChecks: []string{},
	}
	ctx = appctx.SetRunID(ctx, run.RunID)
	ctx = appctx.SetTrigger(ctx, string(run.Trigger))
	logger := o.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id":  run.RunID,
		"trigger": run.Trigger,
		"mode":    run.Mode,
	})

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancel(nil)
	stopParent := context.AfterFunc(ctx, func() { cancel(checkerrors.ErrRunCancelled) })
	defer stopParent()
	if ctx.Err() != nil {
		cancel(checkerrors.ErrRunCancelled)
	}

	ar := &activeRun{cancel: cancel}
	release, err := o.claim(ctx, run, ar)
	if err != nil {
		logger.WithError(err).Warn("Run rejected")
		tracing.RecordError(span, err)
		return nil, err
	}
	defer release()

	metrics.RunsInFlight.Inc()
	defer metrics.RunsInFlight.Dec()

	o.execute(runCtx, cancel, run, ar, logger)

	persistErr := o.persist(ctx, run)
	o.publishRun(ctx, run, logger)

	labels := []string{string(run.Trigger), string(run.Mode)}
	metrics.RunsTotal.WithLabelValues(append(labels, string(run.Status))...).Inc()
	if run.EndedAt != nil {
		metrics.RunDuration.WithLabelValues(labels...).Observe(run.EndedAt.Sub(run.CreatedAt).Seconds())
	}

	entry := logger.WithFields(map[string]any{
		"status":        run.Status,
		"failed_checks": run.FailedChecks,
		"issues":        run.Counts.Total,
	})
	switch run.Status {
	case models.RunStatusSuccess:
		entry.Info("Run completed")
	case models.RunStatusWarning:
		entry.Warn("Run completed with failed checks")
	default:
		entry.Error("Run did not complete")
	}

	if persistErr != nil {
		tracing.RecordError(span, persistErr)
		return run, persistErr
	}
	return run, nil
}

// claim registers the run locally and takes the cross-replica lock. The
// returned release undoes both.
func (o *Orchestrator) claim(ctx context.Context, run *models.Run, ar *activeRun) (func(), error) {
	o.mu.Lock()
	if len(o.active) > 0 {
		o.mu.Unlock()
		return nil, checkerrors.ErrRunInProgress
	}
	ar.set(run)
	o.active[run.RunID] = ar
	o.mu.Unlock()

	unregister := func() {
		o.mu.Lock()
		delete(o.active, run.RunID)
		o.mu.Unlock()
	}

	unlock := func(context.Context) error { return nil }
	if o.coordinator != nil {
		release, err := o.coordinator.AcquireRunLock(ctx, run.RunID)
		switch {
		case errors.Is(err, checkerrors.ErrRunInProgress):
			unregister()
			return nil, err
		case err != nil:
			o.logger.WithContext(ctx).WithError(err).WithField("run_id", run.RunID).
				Warn("Run lock unavailable, continuing with the local lock only")
		default:
			unlock = release
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
		defer cancel()
		if err := unlock(releaseCtx); err != nil {
			o.logger.WithContext(ctx).WithError(err).WithField("run_id", run.RunID).Warn("Failed to release run lock")
		}
		if o.coordinator != nil {
			if err := o.coordinator.ClearCancel(releaseCtx, run.RunID); err != nil {
				o.logger.WithContext(ctx).WithError(err).WithField("run_id", run.RunID).Debug("Failed to clear cancel flag")
			}
		}
		unregister()
	}, nil
}

// execute drives run to a terminal state. It never returns with run non-terminal.
func (o *Orchestrator) execute(ctx context.Context, cancel context.CancelCauseFunc, run *models.Run, ar *activeRun, logger ectologger.Logger) {
	if ctx.Err() != nil {
		o.finish(run, models.RunStatusCancelled, context.Cause(ctx))
		return
	}

	set, err := rules.Effective(ctx, o.rules, o.resolver)
	if err != nil {
		logger.WithError(err).Error("Failed to resolve rules")
		o.finish(run, models.RunStatusError, err)
		return
	}
	run.RuleSetVersion = set.Version

	var cursor *time.Time
	if run.Mode == models.RunModeIncremental {
		cursor = o.cursor(ctx, logger)
	}
	plan := PlanFetches(set, run.Entities, run.Mode, cursor)
	run.Entities = plan.Entities()
	run.Cursor = plan.Since

	if ctx.Err() != nil {
		o.finish(run, models.RunStatusCancelled, context.Cause(ctx))
		return
	}

	timer := time.AfterFunc(o.cfg.Timeout, func() { cancel(checkerrors.ErrRunTimeout) })
	defer timer.Stop()
	stopWatch := o.watchCancel(ctx, run.RunID, cancel)
	defer stopWatch()

	if err := run.Transition(models.RunStatusRunning, o.now().UTC()); err != nil {
		o.finish(run, models.RunStatusError, err)
		return
	}
	ar.set(run)
	o.writeRunning(ctx, run, logger)

	status, runErr := o.process(ctx, run, set, plan, logger)
	timer.Stop()
	o.finish(run, status, runErr)
	ar.set(run)
}

// process runs fetch, evaluation and reconciliation, returning the terminal status.
func (o *Orchestrator) process(ctx context.Context, run *models.Run, set *models.EffectiveRuleSet, plan FetchPlan, logger ectologger.Logger) (models.RunStatus, error) {
	records, fetchErrs := o.fetchAll(ctx, plan, logger)
	if stop := stopCause(ctx); stop != nil {
		return stopStatus(stop), stop
	}

	d := &dataset{
		set:     set,
		plan:    plan,
		records: records,
		index:   validation.NewRecordIndex(),
		failed:  map[string]bool{},
		asOf:    o.now().UTC(),
	}
	for _, entity := range plan.Entities() {
		if err, failed := fetchErrs[entity]; failed {
			d.failed[entity] = true
			run.AddFailedCheck("fetch:" + entity)
			logger.WithError(err).WithField("entity", entity).Warn("Fetch failed, dependent checks are skipped")
			continue
		}
		d.index.Add(entity, records[entity])
	}

	mods := o.modules(d, o.detector(set.Settings))
	results := o.evaluate(ctx, mods)
	if stop := stopCause(ctx); stop != nil {
		return stopStatus(stop), stop
	}

	var issues []models.Issue
	succeeded := 0
	for _, res := range results {
		if res.err != nil {
			run.AddFailedCheck(res.name)
			metrics.EvaluatorFailures.WithLabelValues(res.name).Inc()
			logger.WithError(res.err).WithField("module", res.name).Error("Evaluator failed")
			continue
		}
		succeeded++
		issues = append(issues, res.issues...)
	}

	if succeeded == 0 && len(run.FailedChecks) > 0 {
		return models.RunStatusError, errors.New("every check failed")
	}

	for i := range issues {
		issues[i].LastRunID = run.RunID
		metrics.IssuesDetected.WithLabelValues(string(issues[i].IssueType), string(issues[i].Severity)).Inc()
	}
	run.Counts = models.NewRunCounts(issues)

	outcome, err := o.reconciler.Apply(ctx, issues)
	run.Counts.Created = outcome.Created
	run.Counts.Updated = outcome.Updated
	run.Counts.Unchanged = outcome.Unchanged
	if len(outcome.Written) > 0 {
		o.publishIssues(ctx, run.RunID, outcome.Written, logger)
	}
	if err != nil {
		if stop := stopCause(ctx); stop != nil && checkerrors.IsRunStop(err) {
			return stopStatus(stop), stop
		}
		logger.WithError(err).Error("Failed to write issues")
		return models.RunStatusError, err
	}

	if len(run.FailedChecks) > 0 {
		return models.RunStatusWarning, nil
	}
	return models.RunStatusSuccess, nil
}

// fetchAll reads every planned entity with bounded parallelism. Failures are
// returned per entity rather than aborting the others.
func (o *Orchestrator) fetchAll(ctx context.Context, plan FetchPlan, logger ectologger.Logger) (map[string][]models.Record, map[string]error) {
	var (
		mu      sync.Mutex
		records = map[string][]models.Record{}
		errs    = map[string]error{}
	)

	var g errgroup.Group
	g.SetLimit(o.cfg.MaxParallelism)
	for _, entity := range plan.Entities() {
		mode := plan.Modes[entity]
		var since *time.Time
		if mode == models.RunModeIncremental {
			since = plan.Since
		}
		g.Go(func() error {
			recs, err := o.fetcher.Fetch(ctx, entity, mode, since)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[entity] = err
				return nil
			}
			records[entity] = recs
			logger.WithFields(map[string]any{"entity": entity, "mode": mode, "records": len(recs)}).Debug("Fetched records")
			return nil
		})
	}
	_ = g.Wait()
	return records, errs
}

func (o *Orchestrator) evaluate(ctx context.Context, mods []module) []moduleResult {
	results := make([]moduleResult, len(mods))

	var g errgroup.Group
	g.SetLimit(o.cfg.MaxParallelism)
	for i, m := range mods {
		if m.blocked {
			results[i] = moduleResult{name: m.name, err: &checkerrors.EvaluatorError{Module: m.name, Err: errModuleBlocked}}
			continue
		}
		g.Go(func() error {
			results[i] = runModule(ctx, m)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// cursor is the start of the newest successful run. Without one the run falls back to full fetches.
func (o *Orchestrator) cursor(ctx context.Context, logger ectologger.Logger) *time.Time {
	last, err := o.runs.LastSuccessful(ctx)
	if err != nil {
		logger.WithError(err).Warn("Failed to load last successful run, fetching in full")
		return nil
	}
	if last == nil || last.StartedAt == nil {
		return nil
	}
	c := last.StartedAt.UTC()
	return &c
}

// watchCancel polls the cross-replica cancel flag until the returned stop is called.
func (o *Orchestrator) watchCancel(ctx context.Context, runID string, cancel context.CancelCauseFunc) func() {
	if o.coordinator == nil {
		return func() {}
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(o.cfg.CancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				requested, err := o.coordinator.CancelRequested(ctx, runID)
				if err != nil {
					o.logger.WithContext(ctx).WithError(err).WithField("run_id", runID).Debug("Failed to poll cancel flag")
					continue
				}
				if requested {
					cancel(checkerrors.ErrRunCancelled)
					return
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// Cancel requests cancellation of runID, locally or on the replica holding the
// run lock. It reports whether a matching active run was found.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) bool {
	o.mu.Lock()
	ar, ok := o.active[runID]
	o.mu.Unlock()
	if ok {
		ar.cancel(checkerrors.ErrRunCancelled)
		return true
	}

	if o.coordinator == nil {
		return false
	}
	logger := o.logger.WithContext(ctx).WithField("run_id", runID)
	activeID, err := o.coordinator.ActiveRunID(ctx)
	if err != nil {
		logger.WithError(err).Warn("Failed to look up the active run")
		return false
	}
	if activeID != runID {
		return false
	}
	if err := o.coordinator.RequestCancel(ctx, runID); err != nil {
		logger.WithError(err).Warn("Failed to raise cancel flag")
		return false
	}
	logger.Info("Cancel requested for run on another replica")
	return true
}

// Active returns snapshots of the runs executing in this process.
func (o *Orchestrator) Active() []models.Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.Run, 0, len(o.active))
	for _, ar := range o.active {
		out = append(out, ar.get())
	}
	return out
}

func (o *Orchestrator) finish(run *models.Run, status models.RunStatus, err error) {
	if err != nil {
		run.Error = err.Error()
	}
	if terr := run.Transition(status, o.now().UTC()); terr != nil {
		// an illegal transition is a bug; still end the run
		now := o.now().UTC()
		run.Status = models.RunStatusError
		run.EndedAt = &now
		run.Error = terr.Error()
	}
}

// writeRunning records the running state so a crashed run is visible as stale.
func (o *Orchestrator) writeRunning(ctx context.Context, run *models.Run, logger ectologger.Logger) {
	snapshot := run.Clone()
	if err := o.runs.WriteRun(ctx, &snapshot); err != nil {
		logger.WithError(err).Warn("Failed to record running state")
	}
}

// persist writes the terminal run through a context detached from the run's cancellation.
func (o *Orchestrator) persist(ctx context.Context, run *models.Run) error {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()

	policy := o.cfg.PersistPolicy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.Retries.WithLabelValues("write_run").Inc()
		o.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id":  run.RunID,
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("Retrying run write")
	}
	err := retry.Do(persistCtx, policy, func(ctx context.Context, _ int) error {
		return o.runs.WriteRun(ctx, run)
	})
	if err != nil {
		o.logger.WithContext(ctx).WithError(err).WithField("run_id", run.RunID).Error("Failed to persist terminal run")
		return fmt.Errorf("persist run %s: %w", run.RunID, err)
	}
	return nil
}

func (o *Orchestrator) publishIssues(ctx context.Context, runID string, issues []models.Issue, logger ectologger.Logger) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.PublishIssues(context.WithoutCancel(ctx), runID, issues); err != nil {
		logger.WithError(err).Warn("Failed to publish issue events")
	}
}

func (o *Orchestrator) publishRun(ctx context.Context, run *models.Run, logger ectologger.Logger) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.PublishRun(context.WithoutCancel(ctx), run); err != nil {
		logger.WithError(err).Warn("Failed to publish run event")
	}
}

// stopCause returns the timeout or cancel cause once the run context is done.
func stopCause(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return context.Cause(ctx)
}

func stopStatus(cause error) models.RunStatus {
	if errors.Is(cause, checkerrors.ErrRunTimeout) {
		return models.RunStatusTimeout
	}
	return models.RunStatusCancelled
}
