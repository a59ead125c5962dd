package normalizers

import (
	"strings"
	"time"
)

// DateLayout is the canonical ISO-8601 calendar date.
const DateLayout = "2006-01-02"

var dateLayouts = []string{
	DateLayout,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"01/02/2006",
	"1/2/2006",
	"2006/01/02",
	"Jan 2 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
}

// ParseDate interprets value as a calendar date. The date is taken as written:
// a timestamp with an offset keeps the day it names in that offset. The result
// is midnight UTC of that day.
func ParseDate(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		if v.IsZero() {
			return time.Time{}, false
		}
		return midnight(v), true
	case *time.Time:
		if v == nil || v.IsZero() {
			return time.Time{}, false
		}
		return midnight(*v), true
	case string:
		return parseDateString(v)
	case *string:
		if v == nil {
			return time.Time{}, false
		}
		return parseDateString(*v)
	default:
		return time.Time{}, false
	}
}

// NormalizeDate returns value as YYYY-MM-DD, or "" and false when it is not a date.
func NormalizeDate(value any) (string, bool) {
	t, ok := ParseDate(value)
	if !ok {
		return "", false
	}
	return t.Format(DateLayout), true
}

func parseDateString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return midnight(t), true
		}
	}
	return time.Time{}, false
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the absolute number of whole days between two dates.
func DaysBetween(a, b time.Time) int {
	diff := midnight(a).Sub(midnight(b))
	if diff < 0 {
		diff = -diff
	}
	return int(diff.Hours() / 24)
}
