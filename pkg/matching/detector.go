package matching

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/normalizers"
)

// DefaultCheckInterval is how many pair comparisons run between cancellation checks.
const DefaultCheckInterval = 500

// DetectionResult is everything one duplicate rule produced.
type DetectionResult struct {
	Groups        []models.DuplicateGroup `json:"groups"`
	Issues        []models.Issue          `json:"issues"`
	PairsCompared int                     `json:"pairs_compared"`
	Buckets       int                     `json:"buckets"`
}

// Detector finds duplicate groups among the records of one entity type.
type Detector struct {
	scorer        *Scorer
	opts          normalizers.Options
	checkInterval int
}

func NewDetector(opts normalizers.Options) *Detector {
	return &Detector{
		scorer:        NewScorer(),
		opts:          opts,
		checkInterval: DefaultCheckInterval,
	}
}

// WithCheckInterval sets how often Detect polls for cancellation.
func (d *Detector) WithCheckInterval(n int) *Detector {
	if n > 0 {
		d.checkInterval = n
	}
	return d
}

type groupStats struct {
	confidence float64
	evidence   map[string]models.MatchType
}

// Detect buckets the rule's records, scores each unique candidate pair once,
// unions qualifying pairs and then materializes one group and issue per set.
// It returns the context's cause if cancelled mid-comparison.
func (d *Detector) Detect(ctx context.Context, records []models.Record, rule models.DuplicateRule) (*DetectionResult, error) {
	prepared := make([]*Prepared, 0, len(records))
	for _, rec := range records {
		if rec.EntityType != "" && rec.EntityType != rule.Entity {
			continue
		}
		prepared = append(prepared, Prepare(rec, rule, d.opts))
	}

	blocks := d.scorer.BuildBlocks(prepared, rule)
	result := &DetectionResult{Buckets: len(blocks)}

	sets := NewDisjointSet()
	pairs := NewPairSet()
	pairScores := map[pair]PairScore{}

	for _, key := range blocks.SortedKeys() {
		members := blocks[key]
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				a, b := members[i], members[j]
				if prepared[a].Record.ID == prepared[b].Record.ID || !pairs.Add(a, b) {
					continue
				}

				result.PairsCompared++
				if result.PairsCompared%d.checkInterval == 0 {
					if err := ctx.Err(); err != nil {
						return nil, cause(ctx)
					}
				}

				score := d.scorer.ScorePair(prepared[a], prepared[b], rule)
				if score.Classification == ClassNone {
					continue
				}
				if a > b {
					a, b = b, a
				}
				pairScores[pair{a, b}] = score
				sets.Union(prepared[a].Record.ID, prepared[b].Record.ID)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, cause(ctx)
	}

	// group materialization happens only after every union
	stats := map[string]*groupStats{}
	for p, score := range pairScores {
		root := sets.Find(prepared[p.a].Record.ID)
		st, ok := stats[root]
		if !ok {
			st = &groupStats{evidence: map[string]models.MatchType{}}
			stats[root] = st
		}
		if score.Confidence > st.confidence {
			st.confidence = score.Confidence
		}
		for field, match := range score.Evidence {
			st.evidence[field] = st.evidence[field].Stronger(match)
		}
	}

	byID := make(map[string]*Prepared, len(prepared))
	for _, p := range prepared {
		if _, dup := byID[p.Record.ID]; !dup {
			byID[p.Record.ID] = p
		}
	}

	for _, members := range sets.Sets(2) {
		st := stats[sets.Find(members[0])]
		group := models.DuplicateGroup{
			GroupID:    models.GroupIDFor(rule.Entity, members),
			EntityType: rule.Entity,
			MemberIDs:  members,
			PrimaryID:  selectPrimary(members, byID),
			Confidence: st.confidence,
			Evidence:   st.evidence,
		}
		result.Groups = append(result.Groups, group)
		result.Issues = append(result.Issues, groupIssue(group, rule))
	}

	sort.Slice(result.Groups, func(i, j int) bool { return result.Groups[i].PrimaryID < result.Groups[j].PrimaryID })
	models.SortIssues(result.Issues)
	return result, nil
}

// selectPrimary picks the most complete member, then the most recently
// modified, then the smallest id.
func selectPrimary(members []string, byID map[string]*Prepared) string {
	best := ""
	for _, id := range members {
		if best == "" {
			best = id
			continue
		}
		cur, top := byID[id].Record, byID[best].Record
		cf, tf := cur.NonEmptyFieldCount(), top.NonEmptyFieldCount()
		switch {
		case cf > tf:
			best = id
		case cf < tf:
		case cur.LastModified.After(top.LastModified):
			best = id
		case cur.LastModified.Equal(top.LastModified) && id < best:
			best = id
		}
	}
	return best
}

func groupIssue(group models.DuplicateGroup, rule models.DuplicateRule) models.Issue {
	class := Classify(group.Confidence, rule)
	severity := rule.SeverityOr(models.SeverityWarning)
	if class != ClassLikely {
		severity = severity.Lower()
	}

	related := group.RelatedIDs()
	fields := make([]string, 0, len(group.Evidence))
	for field := range group.Evidence {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	evidence := map[string]any{
		"group_id":       group.GroupID,
		"classification": string(class),
		"members":        group.MemberIDs,
	}
	matched := map[string]any{}
	for _, field := range fields {
		matched[field] = string(group.Evidence[field])
	}
	evidence["matched_fields"] = matched

	return models.Issue{
		RuleID:           rule.RuleID,
		EntityType:       rule.Entity,
		PrimaryRecordID:  group.PrimaryID,
		RelatedRecordIDs: related,
		IssueType:        models.IssueTypeDuplicate,
		Severity:         severity,
		Confidence:       group.Confidence,
		Description: fmt.Sprintf("%s duplicate %s records: %s and %s (confidence %.2f, matched on %s)",
			titleCase(string(class)), rule.Entity, group.PrimaryID, strings.Join(related, ", "), group.Confidence, strings.Join(fields, ", ")),
		Evidence: evidence,
		Status:   models.IssueStatusOpen,
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func cause(ctx context.Context) error {
	if c := context.Cause(ctx); c != nil {
		return c
	}
	return ctx.Err()
}
