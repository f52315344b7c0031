package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/symbol-ai/loyalty/internal/domain"
)

// HistoryWindow is the lookback for the discount-frequency factor.
const HistoryWindow = 6 * 30 * 24 * time.Hour

// Service gathers risk factors from the discount ledger and scores a
// candidate transaction. The scoring itself stays pure; this is the
// data-access seam around it.
type Service struct {
	repo   domain.Repository
	cache  domain.Cache
	policy *TimePolicy

	// per-tenant compiled policies, lazily loaded from the repository
	policies sync.Map
}

// NewService creates a new risk assessment service.
func NewService(repo domain.Repository, cache domain.Cache, policy *TimePolicy) *Service {
	return &Service{
		repo:   repo,
		cache:  cache,
		policy: policy,
	}
}

// Policy returns the default unusual-time policy.
func (s *Service) Policy() *TimePolicy {
	return s.policy
}

// PolicyFor returns the tenant's compiled unusual-time policy, falling
// back to the default. Tenant policies load lazily from the repository
// and stay cached until replaced via SetTenantExpression.
func (s *Service) PolicyFor(ctx context.Context, tenantID string) *TimePolicy {
	if v, ok := s.policies.Load(tenantID); ok {
		return v.(*TimePolicy)
	}

	if s.repo != nil {
		stored, err := s.repo.GetTimePolicy(ctx, tenantID)
		if err == nil && stored.Expression != "" {
			if p, perr := NewTimePolicy(stored.Expression); perr == nil {
				s.policies.Store(tenantID, p)
				return p
			}
		}
	}

	return s.policy
}

// SetTenantExpression compiles and installs a tenant policy, replacing
// any cached one. The caller persists the expression separately.
func (s *Service) SetTenantExpression(tenantID string, expression string) error {
	p, err := NewTimePolicy(expression)
	if err != nil {
		return err
	}
	s.policies.Store(tenantID, p)
	return nil
}

// AssessInput identifies the candidate discount to score.
type AssessInput struct {
	CustomerID string
	EmployeeID string
	Amount     float64
	VisitTime  time.Time
}

// Assess gathers the four factors and scores them. Missing history is
// not an error: a customer with no prior discounts contributes nothing
// to the frequency and amount factors.
func (s *Service) Assess(ctx context.Context, tenantID string, in AssessInput) (*domain.RiskResult, error) {
	if tenantID == "" || in.CustomerID == "" {
		return nil, fmt.Errorf("tenantID and customerID are required")
	}
	if s.repo == nil {
		return nil, fmt.Errorf("no data source available")
	}

	var factors domain.RiskFactors

	since := in.VisitTime.Add(-HistoryWindow)
	count, err := s.repo.CountDiscountsByCustomer(ctx, tenantID, in.CustomerID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count customer discounts: %w", err)
	}
	factors.DiscountsLast6Months = int(count)

	avg, ok, err := s.repo.AverageDiscountAmount(ctx, tenantID, in.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("failed to average discount amounts: %w", err)
	}
	if ok && avg > 0 {
		factors.AmountRatio = in.Amount / avg
	}

	if p := s.PolicyFor(ctx, tenantID); p != nil {
		factors.UnusualTime = p.Unusual(in.VisitTime)
	}

	if in.EmployeeID != "" {
		factors.EmployeeDiscountsToday, err = s.employeeDiscountsToday(ctx, tenantID, in.EmployeeID, in.VisitTime)
		if err != nil {
			return nil, err
		}
	}

	return Score(factors), nil
}

// RecordGrant bumps the employee's daily counter after a grant so the
// cached fast path stays warm. Best effort; the ledger count is the
// source of truth.
func (s *Service) RecordGrant(ctx context.Context, tenantID string, employeeID string, at time.Time) {
	if s.cache == nil || employeeID == "" {
		return
	}
	key := employeeCounterKey(employeeID, at)
	window := time.Until(endOfDay(at))
	if window <= 0 {
		return
	}

	n, err := s.cache.IncrementCounter(ctx, tenantID, key, window)
	if err != nil || n > 1 || s.repo == nil {
		return
	}

	// A window that opened mid-day starts below the ledger, which at
	// this point already includes the grant being recorded. Catch up.
	ledger, err := s.ledgerEmployeeCount(ctx, tenantID, employeeID, at)
	if err != nil {
		return
	}
	for n < int64(ledger) {
		n, err = s.cache.IncrementCounter(ctx, tenantID, key, window)
		if err != nil {
			return
		}
	}
}

// employeeDiscountsToday counts grants by the employee in the current
// calendar day. The cached counter maintained by RecordGrant is the
// fast path; a counter miss falls back to the ledger.
func (s *Service) employeeDiscountsToday(ctx context.Context, tenantID string, employeeID string, at time.Time) (int, error) {
	if s.cache != nil {
		count, ok, err := s.cache.GetCounter(ctx, tenantID, employeeCounterKey(employeeID, at))
		if err == nil && ok {
			return int(count), nil
		}
	}
	return s.ledgerEmployeeCount(ctx, tenantID, employeeID, at)
}

func (s *Service) ledgerEmployeeCount(ctx context.Context, tenantID string, employeeID string, at time.Time) (int, error) {
	midnight := at.UTC().Truncate(24 * time.Hour)
	count, err := s.repo.CountDiscountsByEmployee(ctx, tenantID, employeeID, midnight)
	if err != nil {
		return 0, fmt.Errorf("failed to count employee discounts: %w", err)
	}
	return int(count), nil
}

func employeeCounterKey(employeeID string, at time.Time) string {
	return "employee-grants:" + employeeID + ":" + at.UTC().Format("2006-01-02")
}

func endOfDay(at time.Time) time.Time {
	return at.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
}
