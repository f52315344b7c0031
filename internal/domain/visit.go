package domain

import (
	"time"
)

// VisitStatus is the lifecycle state of a visit.
type VisitStatus string

const (
	VisitPending   VisitStatus = "pending"
	VisitApproved  VisitStatus = "approved"
	VisitRejected  VisitStatus = "rejected"
	VisitCancelled VisitStatus = "cancelled"
)

// Valid reports whether s is a known visit status.
func (s VisitStatus) Valid() bool {
	switch s {
	case VisitPending, VisitApproved, VisitRejected, VisitCancelled:
		return true
	}
	return false
}

// Registered reports whether the visit participates in cycle derivation.
// Rejected and cancelled visits never open or extend a cycle window.
func (s VisitStatus) Registered() bool {
	return s == VisitPending || s == VisitApproved
}

// Visit is one customer service event in the ledger.
// Visits are append-only: they are created pending and mutated only via
// status transition, never deleted.
type Visit struct {
	// Core identifiers
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	CustomerID string `json:"customerId"`

	// Service details
	ServiceType string `json:"serviceType,omitempty"`
	BranchID    string `json:"branchId"`
	EmployeeID  string `json:"employeeId"`

	// Lifecycle
	Status VisitStatus `json:"status"`

	// Temporal
	VisitDate time.Time `json:"visitDate"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Optional metadata
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// VisitRequest is the API request payload for registering a visit.
type VisitRequest struct {
	CustomerID  string                 `json:"customerId"`
	ServiceType string                 `json:"serviceType,omitempty"`
	BranchID    string                 `json:"branchId"`
	EmployeeID  string                 `json:"employeeId"`
	VisitDate   *time.Time             `json:"visitDate,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ToVisit converts a request to a Visit domain object.
// Visits start pending; approval is a separate status transition.
func (r *VisitRequest) ToVisit() *Visit {
	now := time.Now().UTC()
	visitDate := now
	if r.VisitDate != nil {
		visitDate = r.VisitDate.UTC()
	}
	return &Visit{
		CustomerID:  r.CustomerID,
		ServiceType: r.ServiceType,
		BranchID:    r.BranchID,
		EmployeeID:  r.EmployeeID,
		Status:      VisitPending,
		VisitDate:   visitDate,
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    r.Metadata,
	}
}

// CanTransitionTo reports whether the status transition is allowed.
// pending -> approved/rejected/cancelled; approved -> cancelled.
// Rejected and cancelled are terminal.
func (s VisitStatus) CanTransitionTo(next VisitStatus) bool {
	switch s {
	case VisitPending:
		return next == VisitApproved || next == VisitRejected || next == VisitCancelled
	case VisitApproved:
		return next == VisitCancelled
	}
	return false
}
