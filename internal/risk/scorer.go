// Package risk provides the advisory fraud-risk scorer for discount
// transactions. Scores support manual review; they never block a grant.
package risk

import (
	"fmt"

	"github.com/symbol-ai/loyalty/internal/domain"
)

// Factor weights and thresholds. Additive, no diminishing returns, no
// normalization.
const (
	FrequencyThreshold = 3
	FrequencyWeight    = 15

	AmountRatioThreshold = 2.0
	AmountRatioWeight    = 20

	UnusualTimeWeight = 10

	EmployeeVolumeThreshold = 5
	EmployeeVolumeWeight    = 25
)

// Tier boundaries, lower bound inclusive.
const (
	MediumThreshold   = 20
	HighThreshold     = 35
	CriticalThreshold = 50
)

// Score computes the additive risk score for a candidate discount.
// Deterministic given the same factors; a factor that could not be
// computed (zero value) simply stays below threshold.
func Score(factors domain.RiskFactors) *domain.RiskResult {
	result := &domain.RiskResult{Factors: factors}

	if factors.DiscountsLast6Months >= FrequencyThreshold {
		result.Score += FrequencyWeight
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("%d discounts in the last 6 months", factors.DiscountsLast6Months))
	}
	if factors.AmountRatio > AmountRatioThreshold {
		result.Score += AmountRatioWeight
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("amount is %.1fx the customer average", factors.AmountRatio))
	}
	if factors.UnusualTime {
		result.Score += UnusualTimeWeight
		result.Reasons = append(result.Reasons, "visit at an unusual time")
	}
	if factors.EmployeeDiscountsToday >= EmployeeVolumeThreshold {
		result.Score += EmployeeVolumeWeight
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("employee granted %d discounts today", factors.EmployeeDiscountsToday))
	}

	result.Level = Level(result.Score)
	return result
}

// Level maps a score to its advisory tier. Boundaries are inclusive on
// the lower side: 20 is medium, 35 is high, 50 is critical.
func Level(score int) domain.RiskLevel {
	switch {
	case score >= CriticalThreshold:
		return domain.RiskCritical
	case score >= HighThreshold:
		return domain.RiskHigh
	case score >= MediumThreshold:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}
