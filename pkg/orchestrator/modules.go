package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/Ramsey-B/thistle/pkg/attendance"
	"github.com/Ramsey-B/thistle/pkg/checkerrors"
	"github.com/Ramsey-B/thistle/pkg/matching"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/validation"
)

// Evaluator module names, as recorded in Run.FailedChecks.
const (
	ModuleDuplicates     = "duplicates"
	ModuleRelationships  = "relationships"
	ModuleRequiredFields = "required_fields"
	ModuleAttendance     = "attendance"
)

// DuplicateDetector finds duplicate groups for one rule.
type DuplicateDetector interface {
	Detect(ctx context.Context, records []models.Record, rule models.DuplicateRule) (*matching.DetectionResult, error)
}

// AttendanceAnalyzer applies attendance threshold rules to one student.
type AttendanceAnalyzer interface {
	Analyze(student models.Record, entries []models.Record, rules []models.AttendanceThresholdRule, settings models.Settings, asOf time.Time) []models.Issue
}

// dataset is the fetched input shared read-only by every module.
type dataset struct {
	set     *models.EffectiveRuleSet
	plan    FetchPlan
	records map[string][]models.Record
	index   validation.RecordIndex
	failed  map[string]bool
	asOf    time.Time
}

func (d *dataset) available(entity string) bool {
	return !d.failed[entity] && d.index.Has(entity)
}

// module is one evaluator. blocked means fetch failures left it nothing to run.
type module struct {
	name    string
	blocked bool
	run     func(ctx context.Context) ([]models.Issue, error)
}

type moduleResult struct {
	name   string
	issues []models.Issue
	err    error
}

// runModule executes m, turning a panic into an EvaluatorError.
func runModule(ctx context.Context, m module) (res moduleResult) {
	res.name = m.name
	defer func() {
		if r := recover(); r != nil {
			res.issues = nil
			res.err = &checkerrors.EvaluatorError{Module: m.name, Err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
		}
	}()
	res.issues, res.err = m.run(ctx)
	if res.err != nil && !checkerrors.IsRunStop(res.err) {
		res.err = &checkerrors.EvaluatorError{Module: m.name, Err: res.err}
	}
	return res
}

// modules builds the evaluators that have rules in scope.
func (o *Orchestrator) modules(d *dataset, detector DuplicateDetector) []module {
	var out []module

	if m, ok := o.duplicatesModule(d, detector); ok {
		out = append(out, m)
	}
	if m, ok := o.relationshipsModule(d); ok {
		out = append(out, m)
	}
	if m, ok := o.requiredFieldsModule(d); ok {
		out = append(out, m)
	}
	if m, ok := o.attendanceModule(d); ok {
		out = append(out, m)
	}
	return out
}

func (o *Orchestrator) duplicatesModule(d *dataset, detector DuplicateDetector) (module, bool) {
	type job struct {
		entity string
		rules  []models.DuplicateRule
	}
	var jobs []job
	total := 0
	for _, entity := range d.plan.Scope {
		rules := d.set.DuplicateRulesFor(entity)
		total += len(rules)
		if len(rules) > 0 && d.available(entity) {
			jobs = append(jobs, job{entity: entity, rules: rules})
		}
	}
	if total == 0 {
		return module{}, false
	}

	return module{
		name:    ModuleDuplicates,
		blocked: len(jobs) == 0,
		run: func(ctx context.Context) ([]models.Issue, error) {
			var issues []models.Issue
			for _, j := range jobs {
				for _, rule := range j.rules {
					result, err := detector.Detect(ctx, d.records[j.entity], rule)
					if err != nil {
						return nil, err
					}
					issues = append(issues, result.Issues...)
				}
			}
			return issues, nil
		},
	}, true
}

func (o *Orchestrator) relationshipsModule(d *dataset) (module, bool) {
	type job struct {
		entity string
		rules  []models.RelationshipRule
	}
	var jobs []job
	total := 0
	for _, entity := range d.plan.Scope {
		all := d.set.RelationshipRulesFor(entity)
		total += len(all)
		if len(all) == 0 || !d.available(entity) {
			continue
		}
		var usable []models.RelationshipRule
		for _, r := range all {
			// a failed target would make every link look unresolved
			if d.available(r.TargetEntity) {
				usable = append(usable, r)
			}
		}
		if len(usable) > 0 {
			jobs = append(jobs, job{entity: entity, rules: usable})
		}
	}
	if total == 0 {
		return module{}, false
	}

	return module{
		name:    ModuleRelationships,
		blocked: len(jobs) == 0,
		run: func(ctx context.Context) ([]models.Issue, error) {
			var issues []models.Issue
			for _, j := range jobs {
				for i, rec := range d.records[j.entity] {
					if i%o.cfg.CheckInterval == 0 && ctx.Err() != nil {
						return nil, context.Cause(ctx)
					}
					issues = append(issues, validation.ValidateRelationships(rec, d.index, j.rules, d.set.Settings)...)
				}
			}
			return issues, nil
		},
	}, true
}

func (o *Orchestrator) requiredFieldsModule(d *dataset) (module, bool) {
	type job struct {
		entity string
		rules  []models.RequiredFieldRule
	}
	var jobs []job
	total := 0
	for _, entity := range d.plan.Scope {
		rules := d.set.RequiredFieldRulesFor(entity)
		total += len(rules)
		if len(rules) > 0 && d.available(entity) {
			jobs = append(jobs, job{entity: entity, rules: rules})
		}
	}
	if total == 0 {
		return module{}, false
	}

	return module{
		name:    ModuleRequiredFields,
		blocked: len(jobs) == 0,
		run: func(ctx context.Context) ([]models.Issue, error) {
			var issues []models.Issue
			for _, j := range jobs {
				for i, rec := range d.records[j.entity] {
					if i%o.cfg.CheckInterval == 0 && ctx.Err() != nil {
						return nil, context.Cause(ctx)
					}
					issues = append(issues, validation.ValidateRequiredFields(rec, j.rules, o.conditions)...)
				}
			}
			return issues, nil
		},
	}, true
}

func (o *Orchestrator) attendanceModule(d *dataset) (module, bool) {
	if !hasAttendance(d.set, d.plan.Scope) {
		return module{}, false
	}
	settings := d.set.Settings
	students, entries := settings.StudentEntity, settings.AttendanceEntity

	return module{
		name:    ModuleAttendance,
		blocked: !d.available(students) || !d.available(entries),
		run: func(ctx context.Context) ([]models.Issue, error) {
			byStudent := attendance.GroupByStudent(d.records[entries], settings.AttendanceStudentLink)
			var issues []models.Issue
			for i, student := range d.records[students] {
				if i%o.cfg.CheckInterval == 0 && ctx.Err() != nil {
					return nil, context.Cause(ctx)
				}
				issues = append(issues, o.analyzer.Analyze(student, byStudent[student.ID], d.set.Attendance, settings, d.asOf)...)
			}
			return issues, nil
		},
	}, true
}
