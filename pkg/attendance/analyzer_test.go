package attendance

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/thistle/pkg/models"
)

func f(v float64) *float64 { return &v }

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func studentRecord(fields map[string]any) models.Record {
	base := map[string]any{"active": true, "sessions_per_week": 5}
	for k, v := range fields {
		base[k] = v
	}
	return models.Record{EntityType: "student", ID: "s1", Fields: base}
}

func entry(date, status string) models.Record {
	return models.Record{
		EntityType: "attendance",
		ID:         "a-" + date,
		Fields:     map[string]any{"date": date, "status": status},
		Links:      map[string][]string{"student": {"s1"}},
	}
}

// daily builds one entry per day starting at from, using statuses in order.
func daily(from string, statuses ...string) []models.Record {
	start := day(from)
	out := make([]models.Record, 0, len(statuses))
	for i, s := range statuses {
		out = append(out, entry(start.AddDate(0, 0, i).Format("2006-01-02"), s))
	}
	return out
}

func rateRule(metric models.AttendanceMetric) models.AttendanceThresholdRule {
	return models.AttendanceThresholdRule{
		RuleHeader: models.RuleHeader{RuleID: "student." + string(metric), Entity: "student"},
		Metric:     metric,
		Warning:    f(0.1),
		Critical:   f(0.2),
	}
}

func TestAnalyze_GracePeriod(t *testing.T) {
	a := NewAnalyzer()
	settings := models.DefaultSettings()
	s := studentRecord(map[string]any{"enrollment_start": "2026-03-17"})
	rules := []models.AttendanceThresholdRule{rateRule(models.MetricAbsenceRate30d)}

	early := daily("2026-03-18", StatusAbsent, StatusAbsent)

	t.Run("absences inside the grace window do not fire", func(t *testing.T) {
		assert.Empty(t, a.Analyze(s, early, rules, settings, day("2026-03-20")))
	})

	t.Run("sessions after the grace window are counted", func(t *testing.T) {
		later := daily("2026-04-01",
			StatusAbsent, StatusPresent, StatusAbsent, StatusPresent, StatusAbsent,
			StatusPresent, StatusPresent, StatusPresent, StatusPresent, StatusPresent)
		entries := append(append([]models.Record{}, early...), later...)

		issues := a.Analyze(s, entries, rules, settings, day("2026-04-20"))
		require.Len(t, issues, 1)
		assert.Equal(t, models.SeverityCritical, issues[0].Severity)
		assert.Equal(t, models.IssueTypeAttendance, issues[0].IssueType)
		assert.InDelta(t, 0.3, issues[0].Evidence["value"], 1e-9)
		assert.Equal(t, 10, issues[0].Evidence["scheduled_sessions"])
		assert.Equal(t, "2026-03-31", issues[0].Evidence["grace_ends"])
	})

	t.Run("grace absences stay out of the term rate", func(t *testing.T) {
		later := daily("2026-04-01",
			StatusAbsent, StatusPresent, StatusAbsent, StatusPresent, StatusAbsent,
			StatusPresent, StatusPresent, StatusPresent, StatusPresent, StatusPresent)
		entries := append(append([]models.Record{}, early...), later...)

		metrics := a.Metrics(s, entries, settings, day("2026-04-20"))
		assert.InDelta(t, 0.3, metrics[models.MetricAbsenceRateTerm], 1e-9)
	})
}

func TestAnalyze_LimitedSchedule(t *testing.T) {
	a := NewAnalyzer()
	settings := models.DefaultSettings()
	s := studentRecord(map[string]any{"sessions_per_week": 1})
	entries := daily("2026-04-01", StatusAbsent, StatusAbsent, StatusAbsent, StatusPresent)

	count := models.AttendanceThresholdRule{
		RuleHeader: models.RuleHeader{RuleID: "student.absences_4w", Entity: "student"},
		Metric:     models.MetricAbsences4w,
		Warning:    f(3),
	}
	rules := []models.AttendanceThresholdRule{rateRule(models.MetricAbsenceRate30d), count}

	issues := a.Analyze(s, entries, rules, settings, day("2026-04-10"))
	require.Len(t, issues, 1)
	assert.Equal(t, "student.absences_4w", issues[0].RuleID)
	assert.Equal(t, models.SeverityWarning, issues[0].Severity)
}

func TestAnalyze_EstimatedSchedule(t *testing.T) {
	a := NewAnalyzer()
	s := studentRecord(nil)
	delete(s.Fields, "sessions_per_week")
	rules := []models.AttendanceThresholdRule{rateRule(models.MetricAbsenceRate30d)}

	// four sessions in four weeks is one per week, below the threshold
	sparse := []models.Record{
		entry("2026-04-01", StatusAbsent), entry("2026-04-08", StatusAbsent),
		entry("2026-04-15", StatusAbsent), entry("2026-04-22", StatusPresent),
	}
	assert.Empty(t, a.Analyze(s, sparse, rules, models.DefaultSettings(), day("2026-04-25")))

	dense := daily("2026-04-13", StatusAbsent, StatusAbsent, StatusPresent, StatusPresent, StatusPresent,
		StatusPresent, StatusPresent, StatusPresent, StatusPresent, StatusPresent)
	issues := a.Analyze(s, dense, rules, models.DefaultSettings(), day("2026-04-25"))
	require.Len(t, issues, 1)
	assert.Equal(t, models.SeverityCritical, issues[0].Severity)
}

func TestMetrics(t *testing.T) {
	a := NewAnalyzer()
	s := studentRecord(nil)
	entries := daily("2026-04-01",
		StatusAbsent, StatusAbsent, StatusPresent,
		StatusAbsent, StatusExcused, StatusAbsent, StatusAbsent,
		StatusTardy, StatusPartial, StatusPresent)

	m := a.Metrics(s, entries, models.DefaultSettings(), day("2026-04-10"))

	// excused is neutral: 5 absences over 9 counted sessions
	assert.InDelta(t, 5.0/9.0, m[models.MetricAbsenceRate30d], 1e-9)
	assert.Equal(t, 5.0, m[models.MetricAbsences4w])
	assert.Equal(t, 3.0, m[models.MetricMaxConsecutiveAbsences])
	assert.InDelta(t, 1.0/9.0, m[models.MetricTardyRate30d], 1e-9)
	assert.Equal(t, 1.0, m[models.MetricPartialSessions30d])
}

func TestMetrics_WindowAndFutureEntries(t *testing.T) {
	a := NewAnalyzer()
	s := studentRecord(nil)
	entries := []models.Record{
		entry("2026-01-01", StatusAbsent),
		entry("2026-04-09", StatusPresent),
		entry("2026-04-10", StatusAbsent),
		entry("2026-04-11", StatusAbsent),
		{EntityType: "attendance", ID: "nodate", Fields: map[string]any{"status": "absent"}},
	}

	m := a.Metrics(s, entries, models.DefaultSettings(), day("2026-04-10"))
	assert.Equal(t, 1.0, m[models.MetricAbsences4w])
	assert.InDelta(t, 0.5, m[models.MetricAbsenceRate30d], 1e-9)
	assert.InDelta(t, 2.0/3.0, m[models.MetricAbsenceRateTerm], 1e-9)

	settings := models.DefaultSettings()
	settings.TermStart = "2026-03-01"
	m = a.Metrics(s, entries, settings, day("2026-04-10"))
	assert.InDelta(t, 0.5, m[models.MetricAbsenceRateTerm], 1e-9)
}

func TestMetrics_NoSessionsLeavesRatesUndefined(t *testing.T) {
	m := NewAnalyzer().Metrics(studentRecord(nil), nil, models.DefaultSettings(), day("2026-04-10"))
	_, ok := m[models.MetricAbsenceRate30d]
	assert.False(t, ok)
	assert.Equal(t, 0.0, m[models.MetricAbsences4w])
}

func TestAnalyze_SkipsInactiveAndDisabled(t *testing.T) {
	a := NewAnalyzer()
	entries := daily("2026-04-01", StatusAbsent, StatusAbsent, StatusAbsent)
	settings := models.DefaultSettings()

	inactive := studentRecord(map[string]any{"active": false})
	assert.Empty(t, a.Analyze(inactive, entries, []models.AttendanceThresholdRule{rateRule(models.MetricAbsenceRate30d)}, settings, day("2026-04-05")))

	off := false
	disabled := rateRule(models.MetricAbsenceRate30d)
	disabled.Enabled = &off
	assert.Empty(t, a.Analyze(studentRecord(nil), entries, []models.AttendanceThresholdRule{disabled}, settings, day("2026-04-05")))
}

func TestAnalyze_WindowOverrideAndMessage(t *testing.T) {
	a := NewAnalyzer()
	entries := daily("2026-04-01", StatusAbsent, StatusAbsent, StatusPresent, StatusPresent)
	rule := models.AttendanceThresholdRule{
		RuleHeader: models.RuleHeader{RuleID: "student.recent_absences", Entity: "student"},
		Metric:     models.MetricAbsences4w,
		WindowDays: 2,
		Info:       f(1),
		Message:    "Recent absences",
	}

	issues := a.Analyze(studentRecord(nil), entries, []models.AttendanceThresholdRule{rule}, models.DefaultSettings(), day("2026-04-04"))
	assert.Empty(t, issues)

	issues = a.Analyze(studentRecord(nil), entries, []models.AttendanceThresholdRule{rule}, models.DefaultSettings(), day("2026-04-02"))
	require.Len(t, issues, 1)
	assert.Equal(t, models.SeverityInfo, issues[0].Severity)
	assert.Equal(t, 2, issues[0].Evidence["window_days"])
	assert.Equal(t, fmt.Sprintf("Recent absences (student s1: %s is 2)", models.MetricAbsences4w), issues[0].Description)
}

func TestGroupByStudent(t *testing.T) {
	records := []models.Record{
		entry("2026-04-01", StatusPresent),
		{EntityType: "attendance", ID: "x", Fields: map[string]any{"student": "s2"}},
		{EntityType: "attendance", ID: "y", Fields: map[string]any{}},
	}
	groups := GroupByStudent(records, "student")
	assert.Len(t, groups["s1"], 1)
	assert.Len(t, groups["s2"], 1)
	assert.Len(t, groups, 2)
}
