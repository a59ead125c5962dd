package matching

import (
	"sort"
	"strconv"
	"strings"

	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/normalizers"
)

// Blocks maps a bucket key to the indexes of the records in it.
type Blocks map[string][]int

// SortedKeys returns the bucket keys in a stable order.
func (b Blocks) SortedKeys() []string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EffectiveBlockingKeys returns the rule's keys, or keys derived from its conditions
// when none are configured: soundex of a surname with the birth date, the email local
// part, and the phone number.
func EffectiveBlockingKeys(rule models.DuplicateRule) []models.BlockingKey {
	if len(rule.BlockingKeys) > 0 {
		return rule.BlockingKeys
	}

	var keys []models.BlockingKey
	var nameField, dateField string
	for _, c := range rule.Conditions {
		switch c.Kind {
		case normalizers.KindEmail:
			keys = append(keys, models.BlockingKey{
				Name:  "email_local:" + c.Field,
				Parts: []models.BlockingPart{{Field: c.Field, Kind: c.Kind, Transform: models.TransformEmailLocal}},
			})
		case normalizers.KindPhone:
			keys = append(keys, models.BlockingKey{
				Name:  "phone:" + c.Field,
				Parts: []models.BlockingPart{{Field: c.Field, Kind: c.Kind, Transform: models.TransformValue}},
			})
		case normalizers.KindName:
			if nameField == "" || strings.Contains(c.Field, "last") {
				nameField = c.Field
			}
		case normalizers.KindDate:
			if dateField == "" {
				dateField = c.Field
			}
		}
	}

	if nameField != "" {
		parts := []models.BlockingPart{{Field: nameField, Kind: normalizers.KindName, Transform: models.TransformSoundex}}
		name := "soundex:" + nameField
		if dateField != "" {
			parts = append(parts, models.BlockingPart{Field: dateField, Kind: normalizers.KindDate, Transform: models.TransformValue})
			name += "+" + dateField
		}
		keys = append(keys, models.BlockingKey{Name: name, Parts: parts})
	}

	if len(keys) == 0 && len(rule.Conditions) > 0 {
		first := rule.Conditions[0]
		keys = append(keys, models.BlockingKey{
			Name:  "value:" + first.Field,
			Parts: []models.BlockingPart{{Field: first.Field, Kind: first.Kind, Transform: models.TransformValue}},
		})
	}
	return keys
}

// BuildBlocks buckets records under every blocking key they fully populate. A
// record can land in several buckets; records missing a part skip that key.
func (s *Scorer) BuildBlocks(records []*Prepared, rule models.DuplicateRule) Blocks {
	blocks := Blocks{}
	for keyIndex, key := range EffectiveBlockingKeys(rule) {
		prefix := key.Name
		if prefix == "" {
			prefix = strconv.Itoa(keyIndex)
		}
		for i, rec := range records {
			value, ok := s.blockingValue(rec, key)
			if !ok {
				continue
			}
			bucket := prefix + "|" + value
			blocks[bucket] = append(blocks[bucket], i)
		}
	}
	return blocks
}

func (s *Scorer) blockingValue(rec *Prepared, key models.BlockingKey) (string, bool) {
	parts := make([]string, 0, len(key.Parts))
	for _, part := range key.Parts {
		value := s.applyTransform(rec.Value(part.Field), part.Transform)
		if value == "" {
			return "", false
		}
		parts = append(parts, value)
	}
	return strings.Join(parts, "|"), len(parts) > 0
}

func (s *Scorer) applyTransform(value string, transform models.BlockingTransform) string {
	if value == "" {
		return ""
	}
	t := string(transform)
	switch {
	case t == "" || transform == models.TransformValue:
		return value
	case transform == models.TransformSoundex:
		return s.Soundex(value)
	case transform == models.TransformEmailLocal:
		return normalizers.EmailLocalPart(value)
	case transform == models.TransformYear:
		if len(value) >= 4 {
			return value[:4]
		}
		return ""
	case strings.HasPrefix(t, string(models.TransformPrefix)+":"):
		n, err := strconv.Atoi(strings.TrimPrefix(t, string(models.TransformPrefix)+":"))
		if err != nil || n <= 0 {
			return value
		}
		r := []rune(value)
		if len(r) > n {
			r = r[:n]
		}
		return string(r)
	}
	return value
}

// ValidTransform reports whether t is a recognised blocking transform.
func ValidTransform(t models.BlockingTransform) bool {
	switch t {
	case "", models.TransformValue, models.TransformSoundex, models.TransformEmailLocal, models.TransformYear:
		return true
	}
	s := string(t)
	if !strings.HasPrefix(s, string(models.TransformPrefix)+":") {
		return false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(s, string(models.TransformPrefix)+":"))
	return err == nil && n > 0
}

type pair struct {
	a, b int
}

// PairSet remembers unordered pairs so each is compared once across buckets.
type PairSet struct {
	seen map[pair]struct{}
}

func NewPairSet() *PairSet {
	return &PairSet{seen: map[pair]struct{}{}}
}

// Add records the pair and reports whether it was new.
func (ps *PairSet) Add(a, b int) bool {
	if a > b {
		a, b = b, a
	}
	p := pair{a, b}
	if _, ok := ps.seen[p]; ok {
		return false
	}
	ps.seen[p] = struct{}{}
	return true
}

func (ps *PairSet) Len() int {
	return len(ps.seen)
}
