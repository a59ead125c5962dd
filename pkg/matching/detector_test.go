package matching

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/thistle/pkg/checkerrors"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/normalizers"
)

func studentRecord(id string, fields map[string]any) models.Record {
	return models.Record{EntityType: "student", ID: id, Fields: fields, LastModified: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func emailDOBRule() models.DuplicateRule {
	return models.DuplicateRule{
		RuleHeader: models.RuleHeader{RuleID: "student.duplicate", Entity: "student", Severity: models.SeverityWarning},
		Conditions: []models.FieldCondition{
			{Field: "email", Kind: normalizers.KindEmail, Match: models.MatchExact, Weight: 0.6},
			{Field: "dob", Kind: normalizers.KindDate, Match: models.MatchDateWithin, Weight: 0.4, WithinDays: 1},
		},
		LikelyThreshold:   0.9,
		PossibleThreshold: 0.6,
	}
}

func TestDetect_EmailAndBirthDateScenario(t *testing.T) {
	records := []models.Record{
		studentRecord("s1", map[string]any{"email": "a@x.com", "dob": "2010-01-01"}),
		studentRecord("s2", map[string]any{"email": "A@X.com", "dob": "2010-01-02", "phone": "202-555-0143"}),
	}

	result, err := NewDetector(normalizers.DefaultOptions()).Detect(context.Background(), records, emailDOBRule())
	require.NoError(t, err)

	require.Len(t, result.Groups, 1)
	group := result.Groups[0]
	assert.Equal(t, []string{"s1", "s2"}, group.MemberIDs)
	assert.Equal(t, "s2", group.PrimaryID, "more complete record wins")
	assert.Equal(t, 1.0, group.Confidence)
	assert.Equal(t, models.MatchExact, group.Evidence["email"])
	assert.Equal(t, models.MatchDateWithin, group.Evidence["dob"])

	require.Len(t, result.Issues, 1)
	issue := result.Issues[0]
	assert.Equal(t, "student.duplicate", issue.RuleID)
	assert.Equal(t, "s2", issue.PrimaryRecordID)
	assert.Equal(t, []string{"s1"}, issue.RelatedRecordIDs)
	assert.Equal(t, models.IssueTypeDuplicate, issue.IssueType)
	assert.Equal(t, models.SeverityWarning, issue.Severity)
	assert.Equal(t, "likely", issue.Evidence["classification"])
}

func TestDetect_PrimaryTieBreaks(t *testing.T) {
	older := studentRecord("a", map[string]any{"email": "a@x.com", "dob": "2010-01-01"})
	newer := studentRecord("b", map[string]any{"email": "a@x.com", "dob": "2010-01-01"})
	newer.LastModified = older.LastModified.Add(time.Hour)
	same := studentRecord("c", map[string]any{"email": "a@x.com", "dob": "2010-01-01"})

	d := NewDetector(normalizers.DefaultOptions())

	result, err := d.Detect(context.Background(), []models.Record{older, newer}, emailDOBRule())
	require.NoError(t, err)
	assert.Equal(t, "b", result.Groups[0].PrimaryID, "most recently modified wins on equal completeness")

	result, err = d.Detect(context.Background(), []models.Record{same, older}, emailDOBRule())
	require.NoError(t, err)
	assert.Equal(t, "a", result.Groups[0].PrimaryID, "smallest id wins on full tie")
}

func TestDetect_PossibleMatchIsOneTierLower(t *testing.T) {
	records := []models.Record{
		studentRecord("s1", map[string]any{"email": "a@x.com", "dob": "2010-01-01"}),
		studentRecord("s2", map[string]any{"email": "a@x.com", "dob": "2012-06-01"}),
	}

	result, err := NewDetector(normalizers.DefaultOptions()).Detect(context.Background(), records, emailDOBRule())
	require.NoError(t, err)
	require.Len(t, result.Issues, 1)
	assert.InDelta(t, 0.6, result.Issues[0].Confidence, 0.0001)
	assert.Equal(t, models.SeverityInfo, result.Issues[0].Severity)
	assert.Equal(t, "possible", result.Issues[0].Evidence["classification"])
}

func TestDetect_MergesGroupsTransitively(t *testing.T) {
	rule := models.DuplicateRule{
		RuleHeader: models.RuleHeader{RuleID: "parent.duplicate", Entity: "parent"},
		Conditions: []models.FieldCondition{
			{Field: "phone", Kind: normalizers.KindPhone, Match: models.MatchExact, Weight: 0.5},
			{Field: "email", Kind: normalizers.KindEmail, Match: models.MatchExact, Weight: 0.5},
		},
		LikelyThreshold:   0.9,
		PossibleThreshold: 0.5,
	}
	parent := func(id, phone, email string) models.Record {
		return models.Record{EntityType: "parent", ID: id, Fields: map[string]any{"phone": phone, "email": email}}
	}
	records := []models.Record{
		parent("p1", "202-555-0143", "one@x.com"),
		parent("p2", "(202) 555-0143", "two@x.com"),
		parent("p3", "202-555-0199", "two@x.com"),
		parent("p4", "303-555-0100", "four@x.com"),
	}

	result, err := NewDetector(normalizers.DefaultOptions()).Detect(context.Background(), records, rule)
	require.NoError(t, err)
	require.Len(t, result.Groups, 1)
	assert.Equal(t, []string{"p1", "p2", "p3"}, result.Groups[0].MemberIDs)
	assert.ElementsMatch(t, []string{"p1", "p2", "p3"}, append(result.Issues[0].RelatedRecordIDs, result.Issues[0].PrimaryRecordID))
}

func TestDetect_GroupEvidenceKeepsStrongestMatchPerField(t *testing.T) {
	rule := models.DuplicateRule{
		RuleHeader: models.RuleHeader{RuleID: "student.name_duplicate", Entity: "student"},
		Conditions: []models.FieldCondition{
			{Field: "last_name", Kind: normalizers.KindName, Match: models.MatchExact, Weight: 0.5},
			{Field: "last_name", Kind: normalizers.KindName, Match: models.MatchSimilarity, Weight: 0.5},
		},
		BlockingKeys: []models.BlockingKey{{
			Name:  "school",
			Parts: []models.BlockingPart{{Field: "school", Kind: normalizers.KindText, Transform: models.TransformValue}},
		}},
		LikelyThreshold:   0.9,
		PossibleThreshold: 0.4,
	}
	records := []models.Record{
		studentRecord("s1", map[string]any{"last_name": "Johnson", "school": "north"}),
		studentRecord("s2", map[string]any{"last_name": "Johnson", "school": "north"}),
		studentRecord("s3", map[string]any{"last_name": "Jonson", "school": "north"}),
	}

	d := NewDetector(normalizers.DefaultOptions())
	for i := 0; i < 20; i++ {
		result, err := d.Detect(context.Background(), records, rule)
		require.NoError(t, err)
		require.Len(t, result.Groups, 1)
		assert.Equal(t, []string{"s1", "s2", "s3"}, result.Groups[0].MemberIDs)
		assert.Equal(t, models.MatchExact, result.Groups[0].Evidence["last_name"])
	}
}

func TestScorePair_EvidenceKeepsStrongestCondition(t *testing.T) {
	rule := models.DuplicateRule{
		RuleHeader: models.RuleHeader{RuleID: "student.name_duplicate", Entity: "student"},
		Conditions: []models.FieldCondition{
			{Field: "last_name", Kind: normalizers.KindName, Match: models.MatchExact, Weight: 0.5},
			{Field: "last_name", Kind: normalizers.KindName, Match: models.MatchSimilarity, Weight: 0.5},
		},
		LikelyThreshold:   0.9,
		PossibleThreshold: 0.4,
	}
	opts := normalizers.DefaultOptions()
	a := Prepare(studentRecord("s1", map[string]any{"last_name": "Johnson"}), rule, opts)
	b := Prepare(studentRecord("s2", map[string]any{"last_name": "Johnson"}), rule, opts)

	score := NewScorer().ScorePair(a, b, rule)
	assert.Equal(t, models.MatchExact, score.Evidence["last_name"])
	assert.Equal(t, 1.0, score.Confidence)
}

func TestDetect_PairInManyBucketsComparedOnce(t *testing.T) {
	rule := emailDOBRule()
	rule.BlockingKeys = []models.BlockingKey{
		{Name: "email", Parts: []models.BlockingPart{{Field: "email", Kind: normalizers.KindEmail, Transform: models.TransformEmailLocal}}},
		{Name: "dob", Parts: []models.BlockingPart{{Field: "dob", Kind: normalizers.KindDate}}},
		{Name: "year", Parts: []models.BlockingPart{{Field: "dob", Kind: normalizers.KindDate, Transform: models.TransformYear}}},
	}
	records := []models.Record{
		studentRecord("s1", map[string]any{"email": "a@x.com", "dob": "2010-01-01"}),
		studentRecord("s2", map[string]any{"email": "a@x.com", "dob": "2010-01-01"}),
	}

	result, err := NewDetector(normalizers.DefaultOptions()).Detect(context.Background(), records, rule)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Buckets)
	assert.Equal(t, 1, result.PairsCompared)
}

func TestDetect_RecordsMissingBlockingPartAreNotCompared(t *testing.T) {
	records := []models.Record{
		studentRecord("s1", map[string]any{"dob": "2010-01-01"}),
		studentRecord("s2", map[string]any{"dob": "2010-01-01"}),
	}

	result, err := NewDetector(normalizers.DefaultOptions()).Detect(context.Background(), records, emailDOBRule())
	require.NoError(t, err)
	assert.Zero(t, result.PairsCompared)
	assert.Empty(t, result.Groups)
}

func TestDetect_IsIdempotent(t *testing.T) {
	var records []models.Record
	for i := 0; i < 30; i++ {
		records = append(records, studentRecord(fmt.Sprintf("s%02d", i), map[string]any{
			"email": fmt.Sprintf("kid%d@x.com", i%7),
			"dob":   fmt.Sprintf("2010-01-%02d", 1+i%3),
		}))
	}
	d := NewDetector(normalizers.DefaultOptions())

	first, err := d.Detect(context.Background(), records, emailDOBRule())
	require.NoError(t, err)
	second, err := d.Detect(context.Background(), records, emailDOBRule())
	require.NoError(t, err)

	members := func(r *DetectionResult) [][]string {
		out := make([][]string, 0, len(r.Groups))
		for _, g := range r.Groups {
			out = append(out, g.MemberIDs)
		}
		return out
	}
	assert.NotEmpty(t, first.Groups)
	assert.Equal(t, members(first), members(second))
	assert.Equal(t, first.Issues, second.Issues)
}

func TestDetect_ObservesCancellation(t *testing.T) {
	var records []models.Record
	for i := 0; i < 10; i++ {
		records = append(records, studentRecord(fmt.Sprintf("s%d", i), map[string]any{"email": "same@x.com"}))
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(checkerrors.ErrRunCancelled)

	_, err := NewDetector(normalizers.DefaultOptions()).WithCheckInterval(1).Detect(ctx, records, emailDOBRule())
	assert.ErrorIs(t, err, checkerrors.ErrRunCancelled)
}

func TestDisjointSet(t *testing.T) {
	ds := NewDisjointSet()
	assert.True(t, ds.Union("a", "b"))
	assert.True(t, ds.Union("c", "d"))
	assert.False(t, ds.Union("b", "a"))
	ds.Add("e")
	assert.True(t, ds.Union("b", "d"))

	assert.Equal(t, ds.Find("a"), ds.Find("d"))
	assert.Equal(t, [][]string{{"a", "b", "c", "d"}}, ds.Sets(2))
	assert.Len(t, ds.Sets(1), 2)
}

func TestEffectiveBlockingKeys_Defaults(t *testing.T) {
	rule := models.DuplicateRule{Conditions: []models.FieldCondition{
		{Field: "first_name", Kind: normalizers.KindName, Match: models.MatchSimilarity, Weight: 0.2},
		{Field: "last_name", Kind: normalizers.KindName, Match: models.MatchPhonetic, Weight: 0.2},
		{Field: "dob", Kind: normalizers.KindDate, Match: models.MatchExact, Weight: 0.2},
		{Field: "email", Kind: normalizers.KindEmail, Match: models.MatchExact, Weight: 0.2},
		{Field: "phone", Kind: normalizers.KindPhone, Match: models.MatchExact, Weight: 0.2},
	}}

	var names []string
	for _, key := range EffectiveBlockingKeys(rule) {
		names = append(names, key.Name)
	}
	assert.Equal(t, []string{"email_local:email", "phone:phone", "soundex:last_name+dob"}, names)
}

func TestBlockingTransforms(t *testing.T) {
	s := NewScorer()
	assert.Equal(t, "jon", s.applyTransform("jonathan", "prefix:3"))
	assert.Equal(t, "2010", s.applyTransform("2010-01-01", models.TransformYear))
	assert.Equal(t, "a.b", s.applyTransform("a.b@x.com", models.TransformEmailLocal))
	assert.True(t, ValidTransform("prefix:2"))
	assert.False(t, ValidTransform("prefix:x"))
	assert.False(t, ValidTransform("reverse"))
}
