package orchestrator

import (
	"sort"
	"time"

	"github.com/Ramsey-B/thistle/pkg/models"
)

// FetchPlan says which entities a run reads and how.
type FetchPlan struct {
	// Scope is the set of entities whose rules are evaluated.
	Scope []string
	// Modes maps every entity to fetch to its fetch mode.
	Modes map[string]models.RunMode
	// Since is the incremental boundary, nil when every fetch is full.
	Since *time.Time
}

// Entities returns the fetched entities in order.
func (p FetchPlan) Entities() []string {
	out := make([]string, 0, len(p.Modes))
	for e := range p.Modes {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func (p FetchPlan) inScope(entity string) bool {
	for _, e := range p.Scope {
		if e == entity {
			return true
		}
	}
	return false
}

// PlanFetches derives the fetch set from the rules in scope. Entities needed
// in full are duplicate-rule entities, relationship targets and both sides of
// attendance; everything else follows the run mode. An incremental run with
// no cursor falls back to full fetches.
func PlanFetches(set *models.EffectiveRuleSet, requested []string, mode models.RunMode, cursor *time.Time) FetchPlan {
	scope := set.Entities()
	if len(requested) > 0 {
		want := map[string]bool{}
		for _, e := range requested {
			want[e] = true
		}
		filtered := scope[:0:0]
		for _, e := range scope {
			if want[e] {
				filtered = append(filtered, e)
			}
		}
		scope = filtered
	}

	plan := FetchPlan{Scope: scope, Modes: map[string]models.RunMode{}}
	if mode == models.RunModeIncremental && cursor != nil {
		since := *cursor
		plan.Since = &since
	}

	need := func(entity string, full bool) {
		m := models.RunModeIncremental
		if full || plan.Since == nil {
			m = models.RunModeFull
		}
		if plan.Modes[entity] == models.RunModeFull {
			return
		}
		plan.Modes[entity] = m
	}

	for _, entity := range scope {
		if len(set.DuplicateRulesFor(entity)) > 0 {
			need(entity, true)
		}
		for _, r := range set.RelationshipRulesFor(entity) {
			need(entity, false)
			need(r.TargetEntity, true)
		}
		if len(set.RequiredFieldRulesFor(entity)) > 0 {
			need(entity, false)
		}
	}
	if hasAttendance(set, scope) {
		need(set.Settings.StudentEntity, true)
		need(set.Settings.AttendanceEntity, true)
	}

	if plan.Since != nil {
		anyIncremental := false
		for _, m := range plan.Modes {
			if m == models.RunModeIncremental {
				anyIncremental = true
			}
		}
		if !anyIncremental {
			plan.Since = nil
		}
	}
	return plan
}

func hasAttendance(set *models.EffectiveRuleSet, scope []string) bool {
	if len(set.Attendance) == 0 {
		return false
	}
	for _, e := range scope {
		if e == set.Settings.StudentEntity || e == set.Settings.AttendanceEntity {
			return true
		}
	}
	return false
}
