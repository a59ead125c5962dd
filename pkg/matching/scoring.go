package matching

import (
	"strings"
	"time"

	"github.com/Ramsey-B/thistle/pkg/normalizers"
)

// Scorer provides the string and value comparison algorithms used by duplicate rules.
type Scorer struct {
	// PrefixScale is the Winkler prefix boost, 0.1 by convention.
	PrefixScale float64
	// MaxPrefix caps the common prefix considered by the boost.
	MaxPrefix int
}

// NewScorer creates a new Scorer
func NewScorer() *Scorer {
	return &Scorer{PrefixScale: 0.1, MaxPrefix: 4}
}

// ExactMatch returns 1.0 for equal non-empty strings, 0.0 otherwise
func (s *Scorer) ExactMatch(a, b string) float64 {
	if a != "" && a == b {
		return 1.0
	}
	return 0.0
}

// JaroWinkler calculates the Jaro-Winkler similarity between two strings.
// Returns a value between 0.0 (no similarity) and 1.0 (exact match)
func (s *Scorer) JaroWinkler(a, b string) float64 {
	if a == b {
		if a == "" {
			return 0.0
		}
		return 1.0
	}

	jaro := s.Jaro(a, b)

	ra, rb := []rune(a), []rune(b)
	prefixLen := 0
	for i := 0; i < len(ra) && i < len(rb) && i < s.MaxPrefix; i++ {
		if ra[i] != rb[i] {
			break
		}
		prefixLen++
	}

	score := jaro + float64(prefixLen)*s.PrefixScale*(1.0-jaro)
	if score > 1 {
		return 1
	}
	return score
}

// Jaro calculates the Jaro similarity between two strings, rune by rune.
func (s *Scorer) Jaro(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0.0
	}
	if a == b {
		return 1.0
	}

	matchDist := max(len(ra), len(rb))/2 - 1
	if matchDist < 0 {
		matchDist = 0
	}

	aMatches := make([]bool, len(ra))
	bMatches := make([]bool, len(rb))

	matches := 0
	for i := range ra {
		start := max(0, i-matchDist)
		end := min(len(rb), i+matchDist+1)
		for j := start; j < end; j++ {
			if bMatches[j] || ra[i] != rb[j] {
				continue
			}
			aMatches[i] = true
			bMatches[j] = true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0.0
	}

	transpositions := 0
	k := 0
	for i := range ra {
		if !aMatches[i] {
			continue
		}
		for !bMatches[k] {
			k++
		}
		if ra[i] != rb[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	t := float64(transpositions) / 2
	return (m/float64(len(ra)) + m/float64(len(rb)) + (m-t)/m) / 3
}

// Levenshtein returns the edit-distance similarity ratio between 0.0 and 1.0
func (s *Scorer) Levenshtein(a, b string) float64 {
	maxLen := max(len([]rune(a)), len([]rune(b)))
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(s.LevenshteinDistance(a, b))/float64(maxLen)
}

// LevenshteinDistance calculates the edit distance between two strings
func (s *Scorer) LevenshteinDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if a == b {
		return 0
	}
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	row := make([]int, len(rb)+1)
	prevRow := make([]int, len(rb)+1)
	for j := range prevRow {
		prevRow[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		row[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 0
			if ra[i-1] != rb[j-1] {
				cost = 1
			}
			row[j] = min(row[j-1]+1, prevRow[j]+1, prevRow[j-1]+cost)
		}
		row, prevRow = prevRow, row
	}
	return prevRow[len(rb)]
}

// Soundex encodes str as American Soundex. The first letter is kept; vowels
// reset the previous code so repeated consonants around them are both coded;
// H and W are skipped without separating equal codes. Returns "" when str has
// no letters.
func (s *Scorer) Soundex(str string) string {
	letters := make([]rune, 0, len(str))
	for _, r := range strings.ToUpper(normalizers.StripDiacritics(str)) {
		if r >= 'A' && r <= 'Z' {
			letters = append(letters, r)
		}
	}
	if len(letters) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteRune(letters[0])
	written := 1
	prev := soundexCode(letters[0])

	for _, r := range letters[1:] {
		if written == 4 {
			break
		}
		switch r {
		case 'H', 'W':
			continue
		case 'A', 'E', 'I', 'O', 'U', 'Y':
			prev = 0
			continue
		}
		code := soundexCode(r)
		if code != prev {
			b.WriteByte(code)
			written++
		}
		prev = code
	}

	for ; written < 4; written++ {
		b.WriteByte('0')
	}
	return b.String()
}

// SoundexMatch returns 1.0 if both values have the same non-empty Soundex code
func (s *Scorer) SoundexMatch(a, b string) float64 {
	ca := s.Soundex(a)
	if ca != "" && ca == s.Soundex(b) {
		return 1.0
	}
	return 0.0
}

func soundexCode(char rune) byte {
	switch char {
	case 'B', 'F', 'P', 'V':
		return '1'
	case 'C', 'G', 'J', 'K', 'Q', 'S', 'X', 'Z':
		return '2'
	case 'D', 'T':
		return '3'
	case 'L':
		return '4'
	case 'M', 'N':
		return '5'
	case 'R':
		return '6'
	default:
		return 0
	}
}

// DateWithin returns 1.0 when the dates are at most days apart.
func (s *Scorer) DateWithin(a, b time.Time, days int) float64 {
	if a.IsZero() || b.IsZero() {
		return 0.0
	}
	if normalizers.DaysBetween(a, b) <= days {
		return 1.0
	}
	return 0.0
}
