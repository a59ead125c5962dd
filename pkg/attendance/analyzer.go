// Package attendance computes per-student attendance metrics and applies threshold rules.
package attendance

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/normalizers"
)

// Entry statuses recognised in attendance rows.
const (
	StatusPresent = "present"
	StatusAbsent  = "absent"
	StatusTardy   = "tardy"
	StatusPartial = "partial"
	StatusExcused = "excused"
)

// Natural windows for the metrics, in days.
const (
	Window30d = 30
	Window4w  = 28
)

// Entry is one normalized attendance row.
type Entry struct {
	ID        string
	Date      time.Time
	Status    string
	Scheduled bool
}

// ParseEntry reads an attendance record. Rows without a usable date are dropped.
func ParseEntry(rec models.Record) (Entry, bool) {
	date, ok := rec.Date("date")
	if !ok {
		return Entry{}, false
	}
	scheduled := true
	if v, ok := rec.Fields["scheduled"].(bool); ok {
		scheduled = v
	}
	return Entry{
		ID:        rec.ID,
		Date:      date,
		Status:    strings.ToLower(strings.TrimSpace(rec.Text("status"))),
		Scheduled: scheduled,
	}, true
}

// GroupByStudent buckets attendance records by the student they link to.
func GroupByStudent(records []models.Record, link string) map[string][]models.Record {
	out := map[string][]models.Record{}
	for _, rec := range records {
		for _, id := range rec.LinkIDs(link) {
			out[id] = append(out[id], rec)
		}
	}
	return out
}

// Analyzer evaluates attendance threshold rules for one student at a time.
type Analyzer struct{}

func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Analyze emits one issue per rule whose metric crosses a cutoff. Inactive
// students are not analyzed.
func (a *Analyzer) Analyze(student models.Record, entries []models.Record, rules []models.AttendanceThresholdRule, settings models.Settings, asOf time.Time) []models.Issue {
	if len(rules) == 0 || !student.IsActive(settings.ActiveField) {
		return nil
	}

	in := newInput(student, entries, settings, asOf)

	var issues []models.Issue
	for _, rule := range rules {
		if !rule.IsEnabled() {
			continue
		}
		if rule.Entity != "" && rule.Entity != student.EntityType {
			continue
		}
		if rule.Metric.IsRate() && in.limitedSchedule {
			continue
		}
		value, window, ok := in.value(rule.Metric, rule.WindowDays)
		if !ok {
			continue
		}
		severity, fired := rule.SeverityFor(value)
		if !fired {
			continue
		}
		issues = append(issues, a.issue(student, rule, severity, value, window, in))
	}
	return issues
}

func (a *Analyzer) issue(student models.Record, rule models.AttendanceThresholdRule, severity models.Severity, value float64, window int, in *input) models.Issue {
	display := fmt.Sprintf("%.0f", value)
	if rule.Metric.IsRate() {
		display = fmt.Sprintf("%.1f%%", value*100)
	}
	description := fmt.Sprintf("%s %s: %s is %s", student.EntityType, student.ID, rule.Metric, display)
	if rule.Message != "" {
		description = fmt.Sprintf("%s (%s)", rule.Message, description)
	}

	evidence := map[string]any{
		"metric":             string(rule.Metric),
		"value":              value,
		"window_days":        window,
		"scheduled_sessions": in.scheduledIn(window),
		"as_of":              in.asOf.Format(normalizers.DateLayout),
	}
	if in.hasGrace {
		evidence["grace_ends"] = in.graceEnd.Format(normalizers.DateLayout)
	}

	return models.Issue{
		RuleID:           rule.RuleID,
		EntityType:       student.EntityType,
		PrimaryRecordID:  student.ID,
		RelatedRecordIDs: []string{},
		IssueType:        models.IssueTypeAttendance,
		Severity:         severity,
		Confidence:       1,
		Description:      description,
		Evidence:         evidence,
		Status:           models.IssueStatusOpen,
	}
}

// input holds the entries that survive the grace window, oldest first.
type input struct {
	asOf            time.Time
	entries         []Entry
	termStart       time.Time
	hasTerm         bool
	graceEnd        time.Time
	hasGrace        bool
	limitedSchedule bool
}

func newInput(student models.Record, records []models.Record, settings models.Settings, asOf time.Time) *input {
	asOf, _ = normalizers.ParseDate(asOf)
	in := &input{asOf: asOf}

	if start, ok := student.Date(settings.EnrollmentField); ok && settings.OnboardingGraceDays > 0 {
		in.graceEnd = start.AddDate(0, 0, settings.OnboardingGraceDays)
		in.hasGrace = true
	}
	if term, ok := normalizers.ParseDate(settings.TermStart); ok {
		in.termStart = term
		in.hasTerm = true
	}

	var all []Entry
	for _, rec := range records {
		entry, ok := ParseEntry(rec)
		if !ok || entry.Date.After(asOf) {
			continue
		}
		all = append(all, entry)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Date.Before(all[j].Date) })

	for _, entry := range all {
		// rows inside the onboarding grace window are left out entirely
		if in.hasGrace && entry.Date.Before(in.graceEnd) {
			continue
		}
		in.entries = append(in.entries, entry)
	}

	perWeek, ok := student.Number(settings.SessionsPerWeekField)
	if !ok {
		perWeek = estimateSessionsPerWeek(all, asOf)
	}
	in.limitedSchedule = perWeek < settings.LimitedScheduleThreshold
	return in
}

func estimateSessionsPerWeek(entries []Entry, asOf time.Time) float64 {
	from := asOf.AddDate(0, 0, -(Window4w - 1))
	n := 0
	for _, e := range entries {
		if e.Scheduled && !e.Date.Before(from) {
			n++
		}
	}
	return float64(n) / 4
}

// window returns the counted entries within the last days days, or since term start when days is 0.
func (in *input) window(days int) []Entry {
	var from time.Time
	switch {
	case days > 0:
		from = in.asOf.AddDate(0, 0, -(days - 1))
	case in.hasTerm:
		from = in.termStart
	default:
		return in.entries
	}
	var out []Entry
	for _, e := range in.entries {
		if !e.Date.Before(from) {
			out = append(out, e)
		}
	}
	return out
}

func (in *input) scheduledIn(days int) int {
	n := 0
	for _, e := range in.window(days) {
		if counts(e) {
			n++
		}
	}
	return n
}

// counts reports whether the entry is a scheduled, non-excused session.
func counts(e Entry) bool {
	return e.Scheduled && e.Status != StatusExcused
}

func (in *input) value(metric models.AttendanceMetric, override int) (float64, int, bool) {
	pick := func(natural int) int {
		if override > 0 {
			return override
		}
		return natural
	}

	switch metric {
	case models.MetricAbsenceRate30d:
		w := pick(Window30d)
		v, ok := in.rate(w, StatusAbsent)
		return v, w, ok
	case models.MetricAbsenceRateTerm:
		w := pick(0)
		v, ok := in.rate(w, StatusAbsent)
		return v, w, ok
	case models.MetricTardyRate30d:
		w := pick(Window30d)
		v, ok := in.rate(w, StatusTardy)
		return v, w, ok
	case models.MetricAbsences4w:
		w := pick(Window4w)
		return float64(in.count(w, StatusAbsent)), w, true
	case models.MetricPartialSessions30d:
		w := pick(Window30d)
		return float64(in.count(w, StatusPartial)), w, true
	case models.MetricMaxConsecutiveAbsences:
		w := pick(0)
		return float64(in.longestAbsentRun(w)), w, true
	}
	return 0, 0, false
}

func (in *input) count(days int, status string) int {
	n := 0
	for _, e := range in.window(days) {
		if counts(e) && e.Status == status {
			n++
		}
	}
	return n
}

func (in *input) rate(days int, status string) (float64, bool) {
	scheduled := in.scheduledIn(days)
	if scheduled == 0 {
		return 0, false
	}
	return float64(in.count(days, status)) / float64(scheduled), true
}

// longestAbsentRun counts the longest streak of absent sessions; excused and
// unscheduled rows neither extend nor break a streak.
func (in *input) longestAbsentRun(days int) int {
	longest, current := 0, 0
	for _, e := range in.window(days) {
		if !counts(e) {
			continue
		}
		if e.Status == StatusAbsent {
			current++
			longest = max(longest, current)
		} else {
			current = 0
		}
	}
	return longest
}

// Metrics reports every metric value for a student at asOf; rates are omitted when undefined.
func (a *Analyzer) Metrics(student models.Record, entries []models.Record, settings models.Settings, asOf time.Time) map[models.AttendanceMetric]float64 {
	in := newInput(student, entries, settings, asOf)
	out := map[models.AttendanceMetric]float64{}
	for _, metric := range []models.AttendanceMetric{
		models.MetricAbsenceRate30d, models.MetricAbsenceRateTerm, models.MetricAbsences4w,
		models.MetricMaxConsecutiveAbsences, models.MetricTardyRate30d, models.MetricPartialSessions30d,
	} {
		if v, _, ok := in.value(metric, 0); ok {
			out[metric] = v
		}
	}
	return out
}
