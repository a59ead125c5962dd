package normalizers

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var generationalSuffixes = map[string]bool{
	"jr":  true,
	"sr":  true,
	"ii":  true,
	"iii": true,
	"iv":  true,
}

// StripDiacritics decomposes s and drops combining marks, so "José" becomes "Jose".
func StripDiacritics(s string) string {
	// transformers are stateful; build one per call
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// NormalizeName normalizes a person's name for matching:
// lowercase, no diacritics or punctuation, single spaces, no generational suffix.
func NormalizeName(s string) string {
	s = StripDiacritics(strings.ToLower(strings.TrimSpace(s)))

	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '\'' || r == '’':
			// O'Brien matches OBrien
		default:
			b.WriteRune(' ')
		}
	}

	tokens := strings.Fields(b.String())
	for len(tokens) > 1 && generationalSuffixes[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}
	return strings.Join(tokens, " ")
}

var streetAbbreviations = map[string]string{
	"street":     "st",
	"avenue":     "ave",
	"boulevard":  "blvd",
	"drive":      "dr",
	"road":       "rd",
	"lane":       "ln",
	"court":      "ct",
	"circle":     "cir",
	"place":      "pl",
	"terrace":    "ter",
	"parkway":    "pkwy",
	"highway":    "hwy",
	"apartment":  "apt",
	"suite":      "ste",
	"north":      "n",
	"south":      "s",
	"east":       "e",
	"west":       "w",
	"northeast":  "ne",
	"northwest":  "nw",
	"southeast":  "se",
	"southwest":  "sw",
}

// NormalizeAddress lowercases an address, abbreviates street types and
// directions token by token, and collapses whitespace.
func NormalizeAddress(s string) string {
	s = StripDiacritics(strings.ToLower(s))

	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '#' {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}

	tokens := strings.Fields(b.String())
	for i, token := range tokens {
		if abbr, ok := streetAbbreviations[token]; ok {
			tokens[i] = abbr
		}
	}
	return strings.Join(tokens, " ")
}
