package eligibility

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/symbol-ai/loyalty/internal/cycle"
	"github.com/symbol-ai/loyalty/internal/domain"
)

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func visit(id, day string, status domain.VisitStatus) *domain.Visit {
	return &domain.Visit{
		ID:         id,
		CustomerID: "cust-001",
		Status:     status,
		VisitDate:  date(day),
	}
}

func TestNoCycle(t *testing.T) {
	state := cycle.Compute(nil, date("2026-01-15"))
	result := Evaluate(state, nil, nil)

	if result.VisitsInCycle != 0 {
		t.Errorf("expected 0 visits, got %d", result.VisitsInCycle)
	}
	if result.IsEligibleForDiscount {
		t.Error("customer without a cycle cannot be eligible")
	}
	if result.VisitsUntilDiscount != 3 {
		t.Errorf("expected 3 visits until discount, got %d", result.VisitsUntilDiscount)
	}
}

func TestThreeApprovedVisits(t *testing.T) {
	visits := []*domain.Visit{
		visit("v1", "2026-01-15", domain.VisitApproved),
		visit("v2", "2026-01-22", domain.VisitApproved),
		visit("v3", "2026-02-04", domain.VisitApproved),
	}
	state := cycle.Compute(visits, date("2026-02-05"))
	result := Evaluate(state, visits, nil)

	if result.VisitsInCycle != 3 {
		t.Errorf("expected 3 visits in cycle, got %d", result.VisitsInCycle)
	}
	if !result.IsEligibleForDiscount {
		t.Error("expected eligibility with 3 approved visits and no discount used")
	}
	if result.VisitsUntilDiscount != 0 {
		t.Errorf("expected 0 visits until discount, got %d", result.VisitsUntilDiscount)
	}
	if result.Milestone != domain.MilestoneDiscountDue {
		t.Errorf("expected discount_due milestone, got %q", result.Milestone)
	}
}

func TestTwoApprovedOnePending(t *testing.T) {
	visits := []*domain.Visit{
		visit("v1", "2026-01-15", domain.VisitApproved),
		visit("v2", "2026-01-22", domain.VisitApproved),
		visit("v3", "2026-02-04", domain.VisitPending),
	}
	state := cycle.Compute(visits, date("2026-02-05"))
	result := Evaluate(state, visits, nil)

	if result.VisitsInCycle != 2 {
		t.Errorf("pending visits must not count: expected 2, got %d", result.VisitsInCycle)
	}
	if result.VisitsUntilDiscount != 1 {
		t.Errorf("expected 1 visit until discount, got %d", result.VisitsUntilDiscount)
	}
	if result.Milestone != domain.MilestoneSecondVisit {
		t.Errorf("expected second_visit advisory, got %q", result.Milestone)
	}
	if result.IsEligibleForDiscount {
		t.Error("eligibility stays false until the 3rd approved visit")
	}
}

func TestRejectedAndCancelledNeverCount(t *testing.T) {
	visits := []*domain.Visit{
		visit("v1", "2026-01-15", domain.VisitApproved),
		visit("v2", "2026-01-18", domain.VisitRejected),
		visit("v3", "2026-01-20", domain.VisitCancelled),
	}
	state := cycle.Compute(visits, date("2026-01-21"))
	result := Evaluate(state, visits, nil)

	if result.VisitsInCycle != 1 {
		t.Errorf("expected only the approved visit to count, got %d", result.VisitsInCycle)
	}
}

func TestVisitsOutsideWindowExcluded(t *testing.T) {
	// Naive filter comparison over a spread of visits.
	visits := []*domain.Visit{
		visit("v1", "2026-01-15", domain.VisitApproved),
		visit("v2", "2026-01-30", domain.VisitApproved),
		visit("v3", "2026-02-14", domain.VisitApproved), // on cycleEnd: counts
	}
	state := cycle.Compute(visits, date("2026-02-14"))
	result := Evaluate(state, visits, nil)

	naive := 0
	for _, v := range visits {
		if v.Status == domain.VisitApproved && !v.VisitDate.Before(state.CycleStart) && !v.VisitDate.After(state.CycleEnd) {
			naive++
		}
	}
	if result.VisitsInCycle != naive {
		t.Errorf("count mismatch: evaluator %d, naive filter %d", result.VisitsInCycle, naive)
	}
	if result.VisitsInCycle != 3 {
		t.Errorf("expected 3 (cycleEnd inclusive), got %d", result.VisitsInCycle)
	}
}

func TestDiscountUsedBlocksEligibility(t *testing.T) {
	visits := []*domain.Visit{
		visit("v1", "2026-01-15", domain.VisitApproved),
		visit("v2", "2026-01-22", domain.VisitApproved),
		visit("v3", "2026-02-04", domain.VisitApproved),
		visit("v4", "2026-02-10", domain.VisitApproved),
	}
	state := cycle.Compute(visits, date("2026-02-11"))
	discounts := []*domain.DiscountRecord{
		{ID: "d1", CustomerID: "cust-001", CycleStart: state.CycleStart},
	}
	result := Evaluate(state, visits, discounts)

	if !result.DiscountUsed {
		t.Error("expected discountUsed=true")
	}
	if result.IsEligibleForDiscount {
		t.Error("eligibility must stay false for the rest of the cycle once used")
	}
	if result.Milestone != domain.MilestoneNone {
		t.Errorf("no advisory once the discount is consumed, got %q", result.Milestone)
	}
}

func TestDiscountFromPriorCycleDoesNotBlock(t *testing.T) {
	visits := []*domain.Visit{
		visit("v1", "2025-11-01", domain.VisitApproved),
		visit("v2", "2026-01-15", domain.VisitApproved),
		visit("v3", "2026-01-22", domain.VisitApproved),
	}
	state := cycle.Compute(visits, date("2026-01-25"))
	discounts := []*domain.DiscountRecord{
		{ID: "d1", CustomerID: "cust-001", CycleStart: date("2025-11-01")},
	}
	result := Evaluate(state, visits, discounts)

	if result.DiscountUsed {
		t.Error("discountUsed must reset when a new cycle starts")
	}
	if result.Milestone != domain.MilestoneSecondVisit {
		t.Errorf("fresh cycle with two approved visits advises second_visit, got %q", result.Milestone)
	}
}

func TestExpiredCycleNotEligible(t *testing.T) {
	visits := []*domain.Visit{
		visit("v1", "2025-12-15", domain.VisitApproved),
		visit("v2", "2025-12-28", domain.VisitApproved),
	}
	state := cycle.Compute(visits, date("2026-01-20"))
	result := Evaluate(state, visits, nil)

	if result.IsEligibleForDiscount {
		t.Error("an expired cycle cannot grant a discount")
	}
	if result.Milestone != domain.MilestoneNone {
		t.Errorf("no advisory for an expired cycle, got %q", result.Milestone)
	}
	if result.VisitsUntilDiscount != 3 {
		t.Errorf("expired cycle resets the counter display to 3, got %d", result.VisitsUntilDiscount)
	}
}

func TestEvaluateIdempotent(t *testing.T) {
	visits := []*domain.Visit{
		visit("v1", "2026-01-15", domain.VisitApproved),
		visit("v2", "2026-01-22", domain.VisitApproved),
	}
	state := cycle.Compute(visits, date("2026-01-25"))

	first := Evaluate(state, visits, nil)
	second := Evaluate(state, visits, nil)

	if *first != *second {
		t.Errorf("evaluation must be idempotent: %+v vs %+v", first, second)
	}
}

func TestMilestonesMutuallyExclusive(t *testing.T) {
	base := []*domain.Visit{
		visit("v1", "2026-01-15", domain.VisitApproved),
	}

	for n := 1; n <= 5; n++ {
		visits := make([]*domain.Visit, len(base))
		copy(visits, base)
		for i := 1; i < n; i++ {
			visits = append(visits, visit("vx", "2026-01-20", domain.VisitApproved))
		}
		state := cycle.Compute(visits, date("2026-01-25"))
		result := Evaluate(state, visits, nil)

		second := result.Milestone == domain.MilestoneSecondVisit
		due := result.Milestone == domain.MilestoneDiscountDue
		if second && due {
			t.Fatalf("n=%d: milestones must be mutually exclusive", n)
		}
		if n == 2 && !second {
			t.Errorf("n=2: expected second_visit, got %q", result.Milestone)
		}
		if n >= 3 && !due {
			t.Errorf("n=%d: expected discount_due, got %q", n, result.Milestone)
		}
	}
}

func TestVisitCountingRandomized(t *testing.T) {
	statuses := []domain.VisitStatus{
		domain.VisitPending,
		domain.VisitApproved,
		domain.VisitApproved, // weight approvals so counts vary
		domain.VisitRejected,
		domain.VisitCancelled,
	}

	rng := rand.New(rand.NewSource(42))
	base := date("2026-01-01")

	for i := 0; i < 500; i++ {
		visits := make([]*domain.Visit, rng.Intn(20))
		for j := range visits {
			day := base.AddDate(0, 0, rng.Intn(120))
			visits[j] = visit(fmt.Sprintf("v%d", j), day.Format("2006-01-02"), statuses[rng.Intn(len(statuses))])
		}

		now := base.AddDate(0, 0, rng.Intn(150))
		state := cycle.Compute(visits, now)
		result := Evaluate(state, visits, nil)

		// Naive recount: approved visits whose date falls inside the
		// derived window, both endpoints inclusive.
		naive := 0
		for _, v := range visits {
			if v.Status == domain.VisitApproved && state.InWindow(v.VisitDate) {
				naive++
			}
		}

		if result.VisitsInCycle != naive {
			t.Fatalf("iteration %d: VisitsInCycle=%d, naive recount=%d (visits=%d)",
				i, result.VisitsInCycle, naive, len(visits))
		}
		if !state.Expired {
			want := domain.VisitsForDiscount - naive
			if want < 0 {
				want = 0
			}
			if result.VisitsUntilDiscount != want {
				t.Fatalf("iteration %d: VisitsUntilDiscount=%d, want %d",
					i, result.VisitsUntilDiscount, want)
			}
		}
	}
}
