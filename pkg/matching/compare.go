package matching

import (
	"math"
	"time"

	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/normalizers"
)

// Classification is the verdict for a scored pair.
type Classification string

const (
	ClassLikely   Classification = "likely"
	ClassPossible Classification = "possible"
	ClassNone     Classification = "none"
)

// Classify applies the rule's thresholds to a confidence.
func Classify(confidence float64, rule models.DuplicateRule) Classification {
	switch {
	case confidence >= rule.LikelyThreshold:
		return ClassLikely
	case confidence >= rule.PossibleThreshold:
		return ClassPossible
	default:
		return ClassNone
	}
}

// PairScore is the outcome of comparing two records under one rule.
type PairScore struct {
	Confidence     float64                     `json:"confidence"`
	Classification Classification              `json:"classification"`
	Evidence       map[string]models.MatchType `json:"evidence"`
	FieldScores    map[string]float64          `json:"field_scores"`
}

// Prepared is a record with every field a rule touches normalized once.
type Prepared struct {
	Record models.Record
	values map[string]string
	dates  map[string]time.Time
}

// Value returns the normalized value of field, "" when missing.
func (p *Prepared) Value(field string) string {
	return p.values[field]
}

// Prepare normalizes the fields referenced by rule's conditions and blocking keys.
func Prepare(record models.Record, rule models.DuplicateRule, opts normalizers.Options) *Prepared {
	p := &Prepared{
		Record: record,
		values: map[string]string{},
		dates:  map[string]time.Time{},
	}
	for _, c := range rule.Conditions {
		p.add(c.Field, c.Kind, c.Normalizers, opts)
	}
	for _, key := range rule.BlockingKeys {
		for _, part := range key.Parts {
			p.add(part.Field, part.Kind, nil, opts)
		}
	}
	return p
}

func (p *Prepared) add(field string, kind normalizers.Kind, chain []string, opts normalizers.Options) {
	if _, done := p.values[field]; done {
		return
	}
	raw := p.Record.Fields[field]
	value := normalizers.Normalize(raw, kind, opts)
	if len(chain) > 0 && value != "" {
		value = normalizers.ApplyChain(value, chain...)
	}
	p.values[field] = value
	if kind == normalizers.KindDate {
		if t, ok := normalizers.ParseDate(raw); ok {
			p.dates[field] = t
		}
	}
}

// ScorePair combines the weighted condition scores for a and b. Missing values
// contribute nothing; the total is clamped to [0,1].
func (s *Scorer) ScorePair(a, b *Prepared, rule models.DuplicateRule) PairScore {
	score := PairScore{
		Evidence:    map[string]models.MatchType{},
		FieldScores: map[string]float64{},
	}

	total := 0.0
	for _, c := range rule.Conditions {
		fieldScore := s.scoreCondition(a, b, c)
		score.FieldScores[c.Field] = math.Max(score.FieldScores[c.Field], fieldScore)
		if fieldScore > 0 {
			score.Evidence[c.Field] = score.Evidence[c.Field].Stronger(c.Match)
			total += c.Weight * fieldScore
		}
	}

	score.Confidence = math.Min(1, math.Max(0, total))
	score.Classification = Classify(score.Confidence, rule)
	return score
}

func (s *Scorer) scoreCondition(a, b *Prepared, c models.FieldCondition) float64 {
	va, vb := a.values[c.Field], b.values[c.Field]
	if va == "" || vb == "" {
		return 0
	}

	switch c.Match {
	case models.MatchExact:
		return s.ExactMatch(va, vb)
	case models.MatchSimilarity:
		sim := s.JaroWinkler(va, vb)
		if sim >= c.SimilarityThreshold() {
			return sim
		}
		return 0
	case models.MatchPhonetic:
		return s.SoundexMatch(va, vb)
	case models.MatchDateWithin:
		da, okA := a.dates[c.Field]
		db, okB := b.dates[c.Field]
		if !okA || !okB {
			var parsedA, parsedB bool
			da, parsedA = normalizers.ParseDate(va)
			db, parsedB = normalizers.ParseDate(vb)
			if !parsedA || !parsedB {
				return 0
			}
		}
		return s.DateWithin(da, db, c.WithinDays)
	}
	return 0
}
