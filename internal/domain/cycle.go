package domain

import (
	"time"
)

// CycleDuration is the length of one loyalty cycle. The window is
// inclusive of both endpoints for visit counting.
const CycleDuration = 30 * 24 * time.Hour

// VisitsForDiscount is the visit count at which the loyalty discount is
// due: the customer banks two approved visits and the third triggers it.
const VisitsForDiscount = 3

// CycleState is a customer's derived 30-day loyalty window. It is a pure
// function of the visit ledger and is never stored as its own row.
type CycleState struct {
	CustomerID string `json:"customerId"`

	// HasCycle is false for customers with no registered visits.
	HasCycle bool `json:"hasCycle"`

	CycleStart time.Time `json:"cycleStart,omitzero"`
	CycleEnd   time.Time `json:"cycleEnd,omitzero"`

	// DaysRemaining is ceil(cycleEnd - now) in days. Negative once the
	// window has expired and no new visit has started a fresh one. For
	// customers without a cycle it holds the display default of 30.
	DaysRemaining int `json:"daysRemaining"`

	// Expired is true when now is past CycleEnd. The next registered
	// visit starts a brand-new cycle; history is never rewritten.
	Expired bool `json:"expired"`

	// LastVisitID identifies the newest registered visit the state was
	// derived from. Used as the memoization key component.
	LastVisitID string `json:"lastVisitId,omitempty"`
}

// InWindow reports whether t falls inside the cycle window, both
// endpoints inclusive.
func (c *CycleState) InWindow(t time.Time) bool {
	if !c.HasCycle {
		return false
	}
	return !t.Before(c.CycleStart) && !t.After(c.CycleEnd)
}

// MilestoneKind distinguishes the advisory messages shown to operators.
type MilestoneKind string

const (
	// MilestoneNone means no advisory applies.
	MilestoneNone MilestoneKind = ""

	// MilestoneSecondVisit fires when the customer has exactly two
	// approved visits banked: the next visit earns the discount.
	MilestoneSecondVisit MilestoneKind = "second_visit"

	// MilestoneDiscountDue fires once the third approved visit is in
	// the window and the discount has not been granted yet.
	MilestoneDiscountDue MilestoneKind = "discount_due"
)

// EligibilityResult is the output of the eligibility evaluator.
type EligibilityResult struct {
	CustomerID            string        `json:"customerId"`
	VisitsInCycle         int           `json:"visitsInCycle"`
	VisitsUntilDiscount   int           `json:"visitsUntilDiscount"`
	IsEligibleForDiscount bool          `json:"isEligibleForDiscount"`
	DiscountUsed          bool          `json:"discountUsed"`
	Milestone             MilestoneKind `json:"milestone,omitempty"`
}
