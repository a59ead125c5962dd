package models

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// DuplicateGroup is a cluster of records believed to be the same entity.
type DuplicateGroup struct {
	GroupID    string               `json:"group_id"`
	EntityType string               `json:"entity_type"`
	MemberIDs  []string             `json:"member_ids"`
	PrimaryID  string               `json:"primary_id"`
	Confidence float64              `json:"confidence"`
	Evidence   map[string]MatchType `json:"evidence"`
}

// RelatedIDs returns the members other than the primary, sorted.
func (g DuplicateGroup) RelatedIDs() []string {
	related := make([]string, 0, len(g.MemberIDs))
	for _, id := range g.MemberIDs {
		if id != g.PrimaryID {
			related = append(related, id)
		}
	}
	sort.Strings(related)
	return related
}

// GroupIDFor hashes the sorted member ids so the same membership always yields the same id.
func GroupIDFor(entityType string, memberIDs []string) string {
	ids := append([]string(nil), memberIDs...)
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(entityType + "\x00" + strings.Join(ids, "\x00")))
	return hex.EncodeToString(sum[:8])
}
