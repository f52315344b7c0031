package domain

// RiskLevel is the advisory tier assigned to a candidate discount.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskFactors are the inputs to the risk scorer. Each factor contributes
// a fixed weight when its threshold is crossed; missing history leaves a
// factor below threshold rather than erroring.
type RiskFactors struct {
	// DiscountsLast6Months is the count of discounts granted to this
	// customer in the trailing six months.
	DiscountsLast6Months int `json:"discountsLast6Months"`

	// AmountRatio is this amount divided by the customer's historical
	// average discount amount. Zero when no history exists.
	AmountRatio float64 `json:"amountRatio"`

	// UnusualTime is true when the visit falls outside the configured
	// business-hours policy.
	UnusualTime bool `json:"unusualTime"`

	// EmployeeDiscountsToday is the count of discounts granted by the
	// same employee during the current calendar day.
	EmployeeDiscountsToday int `json:"employeeDiscountsToday"`
}

// RiskResult is the scorer output. Advisory only: it flags transactions
// for manual review and never blocks them.
type RiskResult struct {
	Score   int         `json:"riskScore"`
	Level   RiskLevel   `json:"riskLevel"`
	Factors RiskFactors `json:"factors"`
	Reasons []string    `json:"reasons,omitempty"`
}

// NeedsReview reports whether the assessment warrants manual review.
func (r *RiskResult) NeedsReview() bool {
	return r.Level == RiskHigh || r.Level == RiskCritical
}

// TimePolicy is the tenant-configurable "unusual time" predicate for the
// risk scorer, expressed as a CEL expression over the visit clock
// (variables: hour, minute, weekday).
type TimePolicy struct {
	TenantID   string `json:"tenantId"`
	Expression string `json:"expression"`
}

// DefaultTimeExpression flags visits outside 09:00-21:00 as unusual.
const DefaultTimeExpression = "hour < 9 || hour >= 21"
