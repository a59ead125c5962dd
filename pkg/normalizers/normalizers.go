// Package normalizers canonicalizes field values before they are compared or bucketed.
package normalizers

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Kind tags what a field value represents so the right canonical form is applied.
type Kind string

const (
	KindName    Kind = "name"
	KindEmail   Kind = "email"
	KindPhone   Kind = "phone"
	KindAddress Kind = "address"
	KindDate    Kind = "date"
	KindText    Kind = "text"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindName, KindEmail, KindPhone, KindAddress, KindDate, KindText:
		return true
	}
	return false
}

// Options carries the configurable parts of normalization.
type Options struct {
	EmailAliases EmailAliasTable
	// PhoneRegion is the ISO 3166 region used for numbers written without a country code.
	PhoneRegion string
}

func DefaultOptions() Options {
	return Options{
		EmailAliases: DefaultEmailAliases(),
		PhoneRegion:  "US",
	}
}

// Normalize returns the canonical string for value. Missing or unusable input
// yields "", which callers treat as the null sentinel.
func Normalize(value any, kind Kind, opts Options) (out string) {
	defer func() {
		if recover() != nil {
			out = ""
		}
	}()

	switch kind {
	case KindName:
		return NormalizeName(ToString(value))
	case KindEmail:
		return opts.EmailAliases.Canonicalize(ToString(value))
	case KindPhone:
		return NormalizePhoneRegion(ToString(value), opts.PhoneRegion)
	case KindAddress:
		return NormalizeAddress(ToString(value))
	case KindDate:
		date, _ := NormalizeDate(value)
		return date
	default:
		return NormalizeText(ToString(value))
	}
}

// ToString renders a decoded field value as text. Lists are joined with a space.
func ToString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case *string:
		if v == nil {
			return ""
		}
		return *v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	case time.Time:
		if v.IsZero() {
			return ""
		}
		return v.Format(DateLayout)
	case []string:
		return strings.Join(v, " ")
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if s := ToString(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Normalizer)
)

func init() {
	Register("lowercase", Lowercase)
	Register("uppercase", Uppercase)
	Register("trim", Trim)
	Register("nphone", DigitsOnly)
	Register("nemail", func(s string) string { return DefaultEmailAliases().Canonicalize(s) })
	Register("nname", NormalizeName)
	Register("naddress", NormalizeAddress)
	Register("remove_whitespace", RemoveWhitespace)
	Register("remove_punctuation", RemovePunctuation)
	Register("strip_diacritics", StripDiacritics)
	Register("digits_only", DigitsOnly)
	Register("alphanumeric", Alphanumeric)
}

// Register adds a normalizer to the registry
func Register(name string, fn Normalizer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = fn
}

// Get retrieves a normalizer by name
func Get(name string) (Normalizer, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := registry[name]
	return fn, ok
}

// Apply applies a named normalizer to a value. Unknown names leave the value unchanged.
func Apply(value, normalizer string) string {
	fn, ok := Get(normalizer)
	if !ok {
		return value
	}
	return fn(value)
}

// ApplyChain applies multiple normalizers in sequence
func ApplyChain(value string, normalizers ...string) string {
	result := value
	for _, name := range normalizers {
		result = Apply(result, name)
	}
	return result
}

func Lowercase(s string) string {
	return strings.ToLower(s)
}

func Uppercase(s string) string {
	return strings.ToUpper(s)
}

func Trim(s string) string {
	return strings.TrimSpace(s)
}

// RemoveWhitespace removes all whitespace characters
func RemoveWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// RemovePunctuation removes all punctuation characters
func RemovePunctuation(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) {
			return -1
		}
		return r
	}, s)
}

// DigitsOnly keeps only digit characters
func DigitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

// Alphanumeric keeps only alphanumeric characters
func Alphanumeric(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

// CollapseWhitespace trims s and folds internal whitespace runs to one space.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeText is the fallback for free text: trimmed, lowercased, single-spaced.
func NormalizeText(s string) string {
	return CollapseWhitespace(strings.ToLower(s))
}
