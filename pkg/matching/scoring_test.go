package matching

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/thistle/pkg/models"
)

func TestSoundex(t *testing.T) {
	s := NewScorer()

	assert.Equal(t, s.Soundex("Robert"), s.Soundex("Rupert"))
	assert.Equal(t, "R163", s.Soundex("Robert"))
	assert.Equal(t, s.Soundex("Ashcraft"), s.Soundex("Ashcroft"))
	assert.Equal(t, "A261", s.Soundex("Ashcraft"))
	assert.Equal(t, "", s.Soundex(""))
	assert.Equal(t, "", s.Soundex("1234 -"))

	cases := map[string]string{
		"Tymczak":   "T522",
		"Pfister":   "P236",
		"Jackson":   "J250",
		"Honeyman":  "H555",
		"Gutierrez": "G362",
		"Lee":       "L000",
		"O'Hara":    "O600",
		"Muñoz":     "M520",
	}
	for in, want := range cases {
		assert.Equal(t, want, s.Soundex(in), in)
	}

	assert.Equal(t, 1.0, s.SoundexMatch("smith", "smyth"))
	assert.Equal(t, 0.0, s.SoundexMatch("", ""))
}

func TestJaroWinkler(t *testing.T) {
	s := NewScorer()

	assert.InDelta(t, 0.944, s.Jaro("MARTHA", "MARHTA"), 0.001)
	assert.InDelta(t, 0.961, s.JaroWinkler("MARTHA", "MARHTA"), 0.001)
	assert.InDelta(t, 0.840, s.JaroWinkler("DWAYNE", "DUANE"), 0.001)
	assert.InDelta(t, 0.813, s.JaroWinkler("DIXON", "DICKSONX"), 0.001)
	assert.Equal(t, 1.0, s.JaroWinkler("josé", "josé"))
	assert.Equal(t, 0.0, s.JaroWinkler("", ""))
	assert.Equal(t, 0.0, s.JaroWinkler("abc", ""))

	// multi-byte runes count as one character each
	assert.InDelta(t, s.JaroWinkler("jose", "josa"), s.JaroWinkler("josé", "josa"), 0.0001)
}

func TestLevenshtein(t *testing.T) {
	s := NewScorer()
	assert.Equal(t, 3, s.LevenshteinDistance("kitten", "sitting"))
	assert.Equal(t, 1, s.LevenshteinDistance("zoë", "zoe"))
	assert.InDelta(t, 1-3.0/7.0, s.Levenshtein("kitten", "sitting"), 0.0001)
	assert.Equal(t, 1.0, s.Levenshtein("", ""))
}

func TestSoundex_Properties(t *testing.T) {
	s := NewScorer()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("codes are one letter and three digits", prop.ForAll(
		func(name string) bool {
			code := s.Soundex(name)
			if code == "" {
				return name == ""
			}
			if len(code) != 4 || code[0] != strings.ToUpper(name[:1])[0] {
				return false
			}
			for _, c := range code[1:] {
				if c < '0' || c > '6' {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
	))

	properties.Property("encoding is deterministic and case-insensitive", prop.ForAll(
		func(name string) bool {
			return s.Soundex(name) == s.Soundex(name) && s.Soundex(strings.ToLower(name)) == s.Soundex(strings.ToUpper(name))
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestClassify_ThresholdMonotonicity(t *testing.T) {
	rank := map[Classification]int{ClassNone: 0, ClassPossible: 1, ClassLikely: 2}
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("raising the likely threshold never promotes a pair", prop.ForAll(
		func(confidence, possible, likely, raise float64) bool {
			if likely < possible {
				possible, likely = likely, possible
			}
			low := models.DuplicateRule{PossibleThreshold: possible, LikelyThreshold: likely}
			high := models.DuplicateRule{PossibleThreshold: possible, LikelyThreshold: likely + raise}

			before, after := Classify(confidence, low), Classify(confidence, high)
			if before == ClassNone && after != ClassNone {
				return false
			}
			if before == ClassLikely && after == ClassPossible && confidence >= high.LikelyThreshold {
				return false
			}
			return rank[after] <= rank[before]
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0.01, 1),
		gen.Float64Range(0.01, 1),
		gen.Float64Range(0, 0.5),
	))

	properties.TestingRun(t)
}
