package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverity(t *testing.T) {
	assert.Less(t, SeverityInfo.Rank(), SeverityWarning.Rank())
	assert.Less(t, SeverityWarning.Rank(), SeverityCritical.Rank())
	assert.Equal(t, 0, Severity("bogus").Rank())

	assert.Equal(t, SeverityCritical, SeverityInfo.Max(SeverityCritical))
	assert.Equal(t, SeverityWarning, SeverityWarning.Max(SeverityInfo))

	assert.Equal(t, SeverityWarning, SeverityCritical.Lower())
	assert.Equal(t, SeverityInfo, SeverityWarning.Lower())
	assert.Equal(t, SeverityInfo, SeverityInfo.Lower())
}

func TestRunStatus_Transitions(t *testing.T) {
	assert.True(t, RunStatusPending.CanTransitionTo(RunStatusRunning))
	assert.True(t, RunStatusPending.CanTransitionTo(RunStatusError))
	assert.True(t, RunStatusPending.CanTransitionTo(RunStatusCancelled))
	assert.False(t, RunStatusPending.CanTransitionTo(RunStatusSuccess))

	for _, terminal := range []RunStatus{RunStatusSuccess, RunStatusWarning, RunStatusError, RunStatusTimeout, RunStatusCancelled} {
		assert.True(t, RunStatusRunning.CanTransitionTo(terminal))
		assert.True(t, terminal.IsTerminal())
		for _, next := range []RunStatus{RunStatusPending, RunStatusRunning, RunStatusSuccess, RunStatusTimeout} {
			assert.False(t, terminal.CanTransitionTo(next), "%s -> %s", terminal, next)
		}
	}
}

func TestRun_TransitionStampsTimes(t *testing.T) {
	run := &Run{RunID: "r1", Status: RunStatusPending}
	start := time.Date(2024, 9, 1, 2, 0, 0, 0, time.UTC)

	require.NoError(t, run.Transition(RunStatusRunning, start))
	require.NotNil(t, run.StartedAt)
	assert.Equal(t, start, *run.StartedAt)
	assert.Nil(t, run.EndedAt)

	end := start.Add(time.Minute)
	require.NoError(t, run.Transition(RunStatusSuccess, end))
	require.NotNil(t, run.EndedAt)
	assert.Equal(t, end, *run.EndedAt)

	assert.Error(t, run.Transition(RunStatusTimeout, end.Add(time.Second)))
	assert.Equal(t, RunStatusSuccess, run.Status)
}

func TestRun_CloneIsIndependent(t *testing.T) {
	run := Run{FailedChecks: []string{"attendance"}, Counts: NewRunCounts([]Issue{{IssueType: IssueTypeDuplicate, Severity: SeverityWarning}})}
	c := run.Clone()
	c.FailedChecks[0] = "duplicates"
	c.Counts.ByType[IssueTypeDuplicate] = 9

	assert.Equal(t, "attendance", run.FailedChecks[0])
	assert.Equal(t, 1, run.Counts.ByType[IssueTypeDuplicate])
	assert.Equal(t, 1, run.Counts.Total)
}

func TestRecord_Helpers(t *testing.T) {
	rec := Record{
		EntityType: "student",
		ID:         "s1",
		Fields: map[string]any{
			"first_name": "Ada",
			"blank":      "   ",
			"tags":       []any{},
			"dob":        "2010-01-01",
			"classes":    []any{"c1", "c2"},
			"sessions":   "3",
		},
	}

	assert.Equal(t, 4, rec.NonEmptyFieldCount())
	assert.True(t, rec.HasValue("first_name"))
	assert.False(t, rec.HasValue("blank"))
	assert.False(t, rec.HasValue("missing"))
	assert.Equal(t, []string{"c1", "c2"}, rec.LinkIDs("classes"))

	dob, ok := rec.Date("dob")
	require.True(t, ok)
	assert.Equal(t, 2010, dob.Year())

	n, ok := rec.Number("sessions")
	require.True(t, ok)
	assert.Equal(t, 3.0, n)
}

func TestRecord_IsActive(t *testing.T) {
	cases := []struct {
		value any
		want  bool
	}{
		{nil, true},
		{true, true},
		{false, false},
		{"Active", true},
		{"Withdrawn", false},
		{" inactive ", false},
		{"archived", false},
		{float64(0), false},
	}
	for _, tc := range cases {
		rec := Record{Fields: map[string]any{}}
		if tc.value != nil {
			rec.Fields["status"] = tc.value
		}
		assert.Equal(t, tc.want, rec.IsActive("status"), "%v", tc.value)
	}
}

func TestAttendanceRule_SeverityFor(t *testing.T) {
	info, critical := 0.1, 0.3
	rule := AttendanceThresholdRule{Info: &info, Critical: &critical}

	_, fired := rule.SeverityFor(0.05)
	assert.False(t, fired)

	sev, fired := rule.SeverityFor(0.2)
	assert.True(t, fired)
	assert.Equal(t, SeverityInfo, sev)

	sev, _ = rule.SeverityFor(0.3)
	assert.Equal(t, SeverityCritical, sev)
}

func TestRuleOverride_DecodePinsHeader(t *testing.T) {
	override := RuleOverride{
		Category:   CategoryRelationships,
		Entity:     "student",
		RuleID:     "student.parent",
		Enabled:    true,
		Definition: json.RawMessage(`{"rule_id":"ignored","entity":"parent","relation":"parents","target_entity":"parent","min_links":2,"severity":"critical"}`),
	}

	rule, err := override.Decode()
	require.NoError(t, err)

	rel, ok := rule.(RelationshipRule)
	require.True(t, ok)
	assert.Equal(t, "student.parent", rel.RuleID)
	assert.Equal(t, "student", rel.Entity)
	assert.Equal(t, RuleSourceOverride, rel.Source)
	assert.Equal(t, SeverityCritical, rel.Severity)
	assert.Equal(t, 2, rel.MinLinks)
	assert.True(t, rel.IsEnabled())
	assert.Equal(t, override.Key(), rel.IdentityKey())
}

func TestRuleOverride_DisableOnlyHasNoDefinition(t *testing.T) {
	override := RuleOverride{Category: CategoryDuplicates, Entity: "student", RuleID: "x", Definition: json.RawMessage("null")}
	assert.False(t, override.HasDefinition())
	_, err := override.Decode()
	assert.Error(t, err)
}

func TestGroupIDFor_IsOrderIndependent(t *testing.T) {
	assert.Equal(t, GroupIDFor("student", []string{"b", "a"}), GroupIDFor("student", []string{"a", "b"}))
	assert.NotEqual(t, GroupIDFor("student", []string{"a", "b"}), GroupIDFor("parent", []string{"a", "b"}))
}

func TestEffectiveRuleSet_Entities(t *testing.T) {
	set := EffectiveRuleSet{
		Settings:      DefaultSettings(),
		Duplicates:    []DuplicateRule{{RuleHeader: RuleHeader{RuleID: "d", Entity: "parent"}}},
		Relationships: []RelationshipRule{{RuleHeader: RuleHeader{RuleID: "r", Entity: "student"}, TargetEntity: "class"}},
		Attendance:    []AttendanceThresholdRule{{RuleHeader: RuleHeader{RuleID: "a", Entity: "student"}}},
	}
	assert.Equal(t, []string{"attendance", "class", "parent", "student"}, set.Entities())

	rule, ok := set.Find(RuleKey{Category: CategoryRelationships, Entity: "student", RuleID: "r"})
	require.True(t, ok)
	assert.Equal(t, CategoryRelationships, rule.Category())
}
