package domain

import (
	"time"
)

// DiscountRate is the fixed loyalty discount applied on the third visit.
const DiscountRate = 0.60

// DiscountRecord is one granted loyalty discount: an immutable,
// append-only ledger entry keyed uniquely per customer per cycle.
type DiscountRecord struct {
	// ID is the internal identifier (UUID).
	ID string `json:"id"`

	// RecordID is the operator-facing identifier, formatted
	// DR-<year>-<0000> with a per-year sequence.
	RecordID string `json:"recordId"`

	TenantID   string `json:"tenantId"`
	CustomerID string `json:"customerId"`
	EmployeeID string `json:"employeeId"`
	BranchID   string `json:"branchId,omitempty"`

	// CycleStart anchors the record to the cycle it consumed. The
	// (tenantId, customerId, cycleStart) triple is unique.
	CycleStart time.Time `json:"cycleStart"`

	// Financial breakdown. DiscountAmount + FinalAmount equals
	// OriginalAmount within 0.01.
	OriginalAmount     float64 `json:"originalAmount"`
	DiscountPercentage float64 `json:"discountPercentage"`
	DiscountAmount     float64 `json:"discountAmount"`
	FinalAmount        float64 `json:"finalAmount"`

	// Advisory risk assessment captured at grant time.
	RiskScore int       `json:"riskScore"`
	RiskLevel RiskLevel `json:"riskLevel"`

	CreatedAt time.Time `json:"createdAt"`
}

// GrantRequest is the API request payload for granting a discount.
type GrantRequest struct {
	CustomerID     string  `json:"customerId"`
	EmployeeID     string  `json:"employeeId"`
	BranchID       string  `json:"branchId,omitempty"`
	OriginalAmount float64 `json:"originalAmount"`
}
