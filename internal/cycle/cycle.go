// Package cycle derives a customer's active 30-day loyalty window from
// the visit ledger. The ledger is the single source of truth: there is
// no stored cycle entity, only this recomputation.
package cycle

import (
	"sort"
	"time"

	"github.com/symbol-ai/loyalty/internal/domain"
)

// Compute derives the active cycle for a customer from their visit
// history. now is injectable for testability.
//
// Windows are derived by folding registered visits in chronological
// order: the first visit opens a window of exactly 30 days, inclusive
// of both endpoints; the first visit strictly after that window opens
// the next. Rejected and cancelled visits never open or extend a
// window. Expiry is evaluated lazily here, at read time; history is
// never rewritten, and the next registered visit simply lands in a
// fresh window.
func Compute(visits []*domain.Visit, now time.Time) *domain.CycleState {
	state := &domain.CycleState{
		HasCycle:      false,
		DaysRemaining: int(domain.CycleDuration / (24 * time.Hour)), // display default
	}

	registered := registeredVisits(visits)
	if len(registered) == 0 {
		return state
	}

	state.CustomerID = registered[0].CustomerID

	// Fold visits into windows; keep only the last one.
	cycleStart := registered[0].VisitDate
	cycleEnd := cycleStart.Add(domain.CycleDuration)
	last := registered[0]
	for _, v := range registered[1:] {
		if v.VisitDate.After(cycleEnd) {
			cycleStart = v.VisitDate
			cycleEnd = cycleStart.Add(domain.CycleDuration)
		}
		last = v
	}

	state.HasCycle = true
	state.CycleStart = cycleStart
	state.CycleEnd = cycleEnd
	state.LastVisitID = last.ID
	state.DaysRemaining = daysRemaining(cycleEnd, now)
	state.Expired = now.After(cycleEnd)

	return state
}

// Refresh recomputes the clock-dependent fields of a previously derived
// state. Cached states stay correct across day boundaries this way; the
// window itself never changes without a new visit.
func Refresh(state *domain.CycleState, now time.Time) *domain.CycleState {
	if state == nil || !state.HasCycle {
		return state
	}
	state.DaysRemaining = daysRemaining(state.CycleEnd, now)
	state.Expired = now.After(state.CycleEnd)
	return state
}

// daysRemaining is ceil((cycleEnd - now) / 1 day). Negative once the
// window has expired.
func daysRemaining(cycleEnd, now time.Time) int {
	d := cycleEnd.Sub(now)
	day := 24 * time.Hour
	days := d / day
	if d%day > 0 {
		days++
	}
	return int(days)
}

// registeredVisits filters out rejected and cancelled visits and
// returns the rest sorted by visit date ascending. The input slice is
// not mutated.
func registeredVisits(visits []*domain.Visit) []*domain.Visit {
	out := make([]*domain.Visit, 0, len(visits))
	for _, v := range visits {
		if v != nil && v.Status.Registered() {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].VisitDate.Before(out[j].VisitDate)
	})
	return out
}
