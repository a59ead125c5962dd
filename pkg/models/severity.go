package models

// Severity tiers rank findings: info < warning < critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Severities lists the tiers in ascending order.
var Severities = []Severity{SeverityInfo, SeverityWarning, SeverityCritical}

// Rank orders severities; unknown values rank 0 below info.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Max returns the higher of the two tiers.
func (s Severity) Max(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// Lower returns the tier below s, bottoming out at info.
func (s Severity) Lower() Severity {
	switch s {
	case SeverityCritical:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
