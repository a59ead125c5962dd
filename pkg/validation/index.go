// Package validation holds the per-record relationship and required-field evaluators.
package validation

import "github.com/Ramsey-B/thistle/pkg/models"

// LinkResolver finds the record a link points at.
type LinkResolver interface {
	Lookup(entity, id string) (models.Record, bool)
}

// RecordIndex indexes fetched records by entity type and id.
type RecordIndex map[string]map[string]models.Record

func NewRecordIndex() RecordIndex {
	return RecordIndex{}
}

// Add indexes records under entity; a later record with the same id replaces the earlier one.
func (idx RecordIndex) Add(entity string, records []models.Record) {
	byID, ok := idx[entity]
	if !ok {
		byID = make(map[string]models.Record, len(records))
		idx[entity] = byID
	}
	for _, rec := range records {
		byID[rec.ID] = rec
	}
}

func (idx RecordIndex) Lookup(entity, id string) (models.Record, bool) {
	rec, ok := idx[entity][id]
	return rec, ok
}

// Has reports whether any records of entity were indexed, even zero rows.
func (idx RecordIndex) Has(entity string) bool {
	_, ok := idx[entity]
	return ok
}
