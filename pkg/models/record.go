package models

import (
	"strconv"
	"strings"
	"time"

	"github.com/Ramsey-B/thistle/pkg/normalizers"
)

// DefaultActiveField is the field consulted when settings do not name one.
const DefaultActiveField = "active"

var inactiveValues = map[string]bool{
	"inactive":  true,
	"false":     true,
	"no":        true,
	"withdrawn": true,
	"archived":  true,
	"deleted":   true,
}

// Record is one entity row as fetched from the table source. It is a read-only
// snapshot for the duration of a run.
type Record struct {
	EntityType   string              `json:"entity_type"`
	ID           string              `json:"id"`
	Fields       map[string]any      `json:"fields"`
	Links        map[string][]string `json:"links,omitempty"`
	LastModified time.Time           `json:"last_modified"`
}

// Value returns the raw value of field.
func (r Record) Value(field string) (any, bool) {
	v, ok := r.Fields[field]
	return v, ok
}

// Text renders field as a string, "" when it is missing.
func (r Record) Text(field string) string {
	return normalizers.ToString(r.Fields[field])
}

// HasValue reports whether field holds a non-empty value.
func (r Record) HasValue(field string) bool {
	return !IsEmptyValue(r.Fields[field])
}

// Date parses field as a calendar date.
func (r Record) Date(field string) (time.Time, bool) {
	return normalizers.ParseDate(r.Fields[field])
}

// Number returns field as a float64 when it is numeric or a numeric string.
func (r Record) Number(field string) (float64, bool) {
	return toFloat(r.Fields[field])
}

// NonEmptyFieldCount counts fields with a value; used to pick the most complete record.
func (r Record) NonEmptyFieldCount() int {
	n := 0
	for _, v := range r.Fields {
		if !IsEmptyValue(v) {
			n++
		}
	}
	return n
}

// LinkIDs returns the foreign ids stored under relation. Links may also arrive
// as a list-of-ids field of the same name.
func (r Record) LinkIDs(relation string) []string {
	if ids, ok := r.Links[relation]; ok {
		return ids
	}
	switch v := r.Fields[relation].(type) {
	case []string:
		return v
	case []any:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			if s := strings.TrimSpace(normalizers.ToString(item)); s != "" {
				ids = append(ids, s)
			}
		}
		return ids
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return []string{s}
		}
	}
	return nil
}

// IsActive reports whether the record is active. A missing field counts as active.
func (r Record) IsActive(activeField string) bool {
	if activeField == "" {
		activeField = DefaultActiveField
	}
	switch v := r.Fields[activeField].(type) {
	case nil:
		return true
	case bool:
		return v
	case string:
		return !inactiveValues[strings.ToLower(strings.TrimSpace(v))]
	case float64:
		return v != 0
	case int:
		return v != 0
	default:
		return true
	}
}

// IsEmptyValue treats nil, blank strings and empty lists as empty.
func IsEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case *string:
		return val == nil || strings.TrimSpace(*val) == ""
	case []any:
		return len(val) == 0
	case []string:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	case time.Time:
		return val.IsZero()
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
