// Package eligibility determines whether a customer's next visit
// qualifies for the loyalty discount. Pure reads only: creating the
// discount record is a separate, explicit operation by the caller.
package eligibility

import (
	"github.com/symbol-ai/loyalty/internal/domain"
)

// Evaluate counts approved visits inside the active cycle window and
// derives the discount state.
//
// The canonical eligibility instant is after the third approved visit
// is recorded: two banked visits earn only the "one more to go"
// advisory, and granting is permitted once the third is confirmed and
// until the cycle's discount is consumed. discounts
// is the customer's discount history; discountUsed is derived from a
// record anchored to the current cycleStart, never stored separately.
func Evaluate(state *domain.CycleState, visits []*domain.Visit, discounts []*domain.DiscountRecord) *domain.EligibilityResult {
	result := &domain.EligibilityResult{
		CustomerID:          state.CustomerID,
		VisitsUntilDiscount: domain.VisitsForDiscount,
	}

	if !state.HasCycle {
		return result
	}

	for _, v := range visits {
		if v == nil || v.Status != domain.VisitApproved {
			continue
		}
		if state.InWindow(v.VisitDate) {
			result.VisitsInCycle++
		}
	}

	result.DiscountUsed = discountUsed(state, discounts)

	if state.Expired {
		// The window has lapsed; the next registered visit starts a
		// fresh cycle, so nothing can be granted against this one.
		return result
	}

	result.VisitsUntilDiscount = domain.VisitsForDiscount - result.VisitsInCycle
	if result.VisitsUntilDiscount < 0 {
		result.VisitsUntilDiscount = 0
	}

	result.IsEligibleForDiscount = result.VisitsInCycle >= domain.VisitsForDiscount && !result.DiscountUsed

	switch {
	case result.DiscountUsed:
		result.Milestone = domain.MilestoneNone
	case result.VisitsInCycle == domain.VisitsForDiscount-1:
		result.Milestone = domain.MilestoneSecondVisit
	case result.VisitsInCycle >= domain.VisitsForDiscount:
		result.Milestone = domain.MilestoneDiscountDue
	}

	return result
}

// discountUsed reports whether a discount record is anchored to the
// active cycle window.
func discountUsed(state *domain.CycleState, discounts []*domain.DiscountRecord) bool {
	for _, d := range discounts {
		if d != nil && d.CycleStart.Equal(state.CycleStart) {
			return true
		}
	}
	return false
}
