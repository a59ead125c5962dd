package normalizers

import "strings"

// EmailAliasPolicy describes how a mail provider aliases local parts.
type EmailAliasPolicy struct {
	// StripDots removes "." from the local part (gmail ignores them).
	StripDots bool `json:"strip_dots" yaml:"strip_dots"`
	// StripPlus drops everything from the first "+" in the local part.
	StripPlus bool `json:"strip_plus" yaml:"strip_plus"`
	// Canonical replaces the domain, e.g. googlemail.com -> gmail.com.
	Canonical string `json:"canonical,omitempty" yaml:"canonical,omitempty"`
}

// EmailAliasTable maps lowercase domains to their aliasing policy.
type EmailAliasTable struct {
	Domains map[string]EmailAliasPolicy `json:"domains" yaml:"domains"`
}

// DefaultEmailAliases returns the shipped table. Yahoo's "-keyword" disposable
// addresses are distinct mailboxes and are left alone.
func DefaultEmailAliases() EmailAliasTable {
	return EmailAliasTable{Domains: map[string]EmailAliasPolicy{
		"gmail.com":      {StripDots: true, StripPlus: true},
		"googlemail.com": {StripDots: true, StripPlus: true, Canonical: "gmail.com"},
		"outlook.com":    {StripPlus: true},
		"hotmail.com":    {StripPlus: true},
		"live.com":       {StripPlus: true},
		"ymail.com":      {Canonical: "yahoo.com"},
	}}
}

// Merge returns a copy of t with other's entries layered on top.
func (t EmailAliasTable) Merge(other EmailAliasTable) EmailAliasTable {
	merged := EmailAliasTable{Domains: make(map[string]EmailAliasPolicy, len(t.Domains)+len(other.Domains))}
	for domain, policy := range t.Domains {
		merged.Domains[strings.ToLower(domain)] = policy
	}
	for domain, policy := range other.Domains {
		merged.Domains[strings.ToLower(domain)] = policy
	}
	return merged
}

// Canonicalize trims and lowercases an address and collapses provider aliasing.
func (t EmailAliasTable) Canonicalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return s
	}
	local, domain := s[:at], s[at+1:]

	policy, ok := t.Domains[domain]
	if !ok {
		return s
	}
	if policy.StripPlus {
		if plus := strings.IndexByte(local, '+'); plus >= 0 {
			local = local[:plus]
		}
	}
	if policy.StripDots {
		local = strings.ReplaceAll(local, ".", "")
	}
	if policy.Canonical != "" {
		domain = strings.ToLower(policy.Canonical)
	}
	if local == "" {
		return s
	}
	return local + "@" + domain
}

// EmailLocalPart returns the part before the last "@", or "" when there is none.
func EmailLocalPart(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return ""
	}
	return email[:at]
}
