// Package domain defines the core interfaces and types for the loyalty engine.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
//
// The two loyalty invariants live here, not in the pure core:
//   - SaveVisit rejects a second visit for the same customer on the same
//     calendar day.
//   - InsertDiscountRecord is a single atomic check-and-insert that
//     rejects a second record for the same customer and cycle.
type Repository interface {
	// Visit ledger operations
	SaveVisit(ctx context.Context, tenantID string, visit *Visit) error
	GetVisit(ctx context.Context, tenantID string, visitID string) (*Visit, error)
	UpdateVisitStatus(ctx context.Context, tenantID string, visitID string, status VisitStatus) (*Visit, error)
	ListVisitsByCustomer(ctx context.Context, tenantID string, customerID string) ([]*Visit, error)

	// Discount ledger operations. InsertDiscountRecord assigns the
	// per-year DR-<year>-<0000> record ID from the issuing sequence.
	InsertDiscountRecord(ctx context.Context, tenantID string, record *DiscountRecord) error
	GetDiscountRecord(ctx context.Context, tenantID string, recordID string) (*DiscountRecord, error)
	ListDiscountsByCustomer(ctx context.Context, tenantID string, customerID string, since time.Time) ([]*DiscountRecord, error)
	CountDiscountsByCustomer(ctx context.Context, tenantID string, customerID string, since time.Time) (int64, error)
	CountDiscountsByEmployee(ctx context.Context, tenantID string, employeeID string, since time.Time) (int64, error)

	// AverageDiscountAmount returns the customer's historical average
	// original amount. ok is false when the customer has no history.
	AverageDiscountAmount(ctx context.Context, tenantID string, customerID string) (avg float64, ok bool, err error)

	// Unusual-time policy operations
	SaveTimePolicy(ctx context.Context, tenantID string, policy *TimePolicy) error
	GetTimePolicy(ctx context.Context, tenantID string) (*TimePolicy, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
