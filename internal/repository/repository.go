// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/symbol-ai/loyalty/internal/discount"
	"github.com/symbol-ai/loyalty/internal/domain"
)

var (
	ErrNotFound            = errors.New("record not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrDuplicateVisit      = errors.New("visit already recorded for this customer today")
	ErrDiscountAlreadyUsed = errors.New("discount already granted for this cycle")
	ErrInvalidTransition   = errors.New("invalid status transition")
)

// visitDayLayout is the UTC calendar-day key used by the one-visit-per-day
// unique index.
const visitDayLayout = "2006-01-02"

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveVisit stores a visit with tenant isolation. A second visit for the
// same customer on the same UTC calendar day returns ErrDuplicateVisit.
func (r *SQLRepository) SaveVisit(ctx context.Context, tenantID string, visit *domain.Visit) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if visit.CustomerID == "" {
		return fmt.Errorf("%w: customerID is required", ErrInvalidInput)
	}
	if visit.BranchID == "" || visit.EmployeeID == "" {
		return fmt.Errorf("%w: branchID and employeeID are required", ErrInvalidInput)
	}
	if !visit.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, visit.Status)
	}

	metadata, _ := json.Marshal(visit.Metadata)

	query := `
		INSERT INTO visits (
			id, tenant_id, customer_id, service_type, branch_id,
			employee_id, status, visit_date, visit_day,
			created_at, updated_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		visit.ID, tenantID, visit.CustomerID,
		visit.ServiceType, visit.BranchID, visit.EmployeeID,
		visit.Status, visit.VisitDate,
		visit.VisitDate.UTC().Format(visitDayLayout),
		visit.CreatedAt, visit.UpdatedAt,
		string(metadata),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: customer %s on %s", ErrDuplicateVisit,
			visit.CustomerID, visit.VisitDate.UTC().Format(visitDayLayout))
	}
	return err
}

// GetVisit retrieves a visit by ID with tenant isolation.
func (r *SQLRepository) GetVisit(ctx context.Context, tenantID string, visitID string) (*domain.Visit, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, customer_id, service_type, branch_id,
			   employee_id, status, visit_date, created_at, updated_at, metadata
		FROM visits
		WHERE tenant_id = ? AND id = ?
	`

	return r.scanVisit(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, visitID))
}

// UpdateVisitStatus applies a lifecycle transition and returns the updated
// visit. Transitions outside the pending/approved state machine return
// ErrInvalidTransition.
func (r *SQLRepository) UpdateVisitStatus(ctx context.Context, tenantID string, visitID string, status domain.VisitStatus) (*domain.Visit, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}

	visit, err := r.GetVisit(ctx, tenantID, visitID)
	if err != nil {
		return nil, err
	}
	if !visit.Status.CanTransitionTo(status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, visit.Status, status)
	}

	now := time.Now().UTC()

	query := `
		UPDATE visits
		SET status = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	if _, err := r.db.ExecContext(ctx, r.rebind(query), status, now, tenantID, visitID); err != nil {
		return nil, err
	}

	visit.Status = status
	visit.UpdatedAt = now
	return visit, nil
}

// ListVisitsByCustomer retrieves a customer's full visit history, oldest
// first, which is the order the cycle derivation expects.
func (r *SQLRepository) ListVisitsByCustomer(ctx context.Context, tenantID string, customerID string) ([]*domain.Visit, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, customer_id, service_type, branch_id,
			   employee_id, status, visit_date, created_at, updated_at, metadata
		FROM visits
		WHERE tenant_id = ? AND customer_id = ?
		ORDER BY visit_date ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var visits []*domain.Visit
	for rows.Next() {
		visit, err := r.scanVisit(rows)
		if err != nil {
			return nil, err
		}
		visits = append(visits, visit)
	}

	return visits, rows.Err()
}

// InsertDiscountRecord persists a discount record, assigning its
// DR-<year>-<0000> identifier from the per-tenant yearly sequence. The
// sequence bump and the insert commit together; a second record for the
// same cycle returns ErrDiscountAlreadyUsed and leaves the sequence
// untouched.
func (r *SQLRepository) InsertDiscountRecord(ctx context.Context, tenantID string, record *domain.DiscountRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if record.CustomerID == "" || record.EmployeeID == "" {
		return fmt.Errorf("%w: customerID and employeeID are required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	year := record.CreatedAt.UTC().Year()

	seqQuery := `
		INSERT INTO discount_sequences (tenant_id, year, counter)
		VALUES (?, ?, 1)
		ON CONFLICT (tenant_id, year) DO UPDATE SET counter = discount_sequences.counter + 1
		RETURNING counter
	`

	var seq int64
	if err := tx.QueryRowContext(ctx, r.rebind(seqQuery), tenantID, year).Scan(&seq); err != nil {
		return fmt.Errorf("failed to advance discount sequence: %w", err)
	}

	record.RecordID = discount.FormatRecordID(year, seq)
	record.TenantID = tenantID

	insQuery := `
		INSERT INTO discount_records (
			id, record_id, tenant_id, customer_id, employee_id, branch_id,
			cycle_start, original_amount, discount_percentage,
			discount_amount, final_amount, risk_score, risk_level, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, r.rebind(insQuery),
		record.ID, record.RecordID, tenantID,
		record.CustomerID, record.EmployeeID, record.BranchID,
		record.CycleStart,
		record.OriginalAmount, record.DiscountPercentage,
		record.DiscountAmount, record.FinalAmount,
		record.RiskScore, record.RiskLevel,
		record.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: customer %s", ErrDiscountAlreadyUsed, record.CustomerID)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetDiscountRecord retrieves a record by its operator-facing DR
// identifier or its internal UUID.
func (r *SQLRepository) GetDiscountRecord(ctx context.Context, tenantID string, recordID string) (*domain.DiscountRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, record_id, tenant_id, customer_id, employee_id, branch_id,
			   cycle_start, original_amount, discount_percentage,
			   discount_amount, final_amount, risk_score, risk_level, created_at
		FROM discount_records
		WHERE tenant_id = ? AND (record_id = ? OR id = ?)
	`

	return r.scanDiscount(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, recordID, recordID))
}

// ListDiscountsByCustomer retrieves a customer's discount records created
// at or after since, newest first.
func (r *SQLRepository) ListDiscountsByCustomer(ctx context.Context, tenantID string, customerID string, since time.Time) ([]*domain.DiscountRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, record_id, tenant_id, customer_id, employee_id, branch_id,
			   cycle_start, original_amount, discount_percentage,
			   discount_amount, final_amount, risk_score, risk_level, created_at
		FROM discount_records
		WHERE tenant_id = ? AND customer_id = ? AND created_at >= ?
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, customerID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.DiscountRecord
	for rows.Next() {
		rec, err := r.scanDiscount(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// CountDiscountsByCustomer counts a customer's discounts created at or
// after since. Backs the frequency risk factor.
func (r *SQLRepository) CountDiscountsByCustomer(ctx context.Context, tenantID string, customerID string, since time.Time) (int64, error) {
	return r.countDiscounts(ctx, tenantID, "customer_id", customerID, since)
}

// CountDiscountsByEmployee counts discounts granted by an employee at or
// after since. Backs the employee-volume risk factor.
func (r *SQLRepository) CountDiscountsByEmployee(ctx context.Context, tenantID string, employeeID string, since time.Time) (int64, error) {
	return r.countDiscounts(ctx, tenantID, "employee_id", employeeID, since)
}

func (r *SQLRepository) countDiscounts(ctx context.Context, tenantID, column, value string, since time.Time) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM discount_records
		WHERE tenant_id = ? AND %s = ? AND created_at >= ?
	`, column)

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, value, since).Scan(&count)
	return count, err
}

// AverageDiscountAmount returns the customer's historical average original
// amount. ok is false when the customer has no discount history.
func (r *SQLRepository) AverageDiscountAmount(ctx context.Context, tenantID string, customerID string) (float64, bool, error) {
	if tenantID == "" {
		return 0, false, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT COALESCE(AVG(original_amount), 0), COUNT(*)
		FROM discount_records
		WHERE tenant_id = ? AND customer_id = ?
	`

	var avg float64
	var count int64
	if err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, customerID).Scan(&avg, &count); err != nil {
		return 0, false, err
	}

	return avg, count > 0, nil
}

// SaveTimePolicy upserts the tenant's unusual-time expression.
func (r *SQLRepository) SaveTimePolicy(ctx context.Context, tenantID string, policy *domain.TimePolicy) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if policy.Expression == "" {
		return fmt.Errorf("%w: expression is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO time_policies (tenant_id, expression, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			expression = excluded.expression,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, policy.Expression, time.Now().UTC())
	return err
}

// GetTimePolicy retrieves the tenant's unusual-time expression.
func (r *SQLRepository) GetTimePolicy(ctx context.Context, tenantID string) (*domain.TimePolicy, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, expression
		FROM time_policies
		WHERE tenant_id = ?
	`

	var policy domain.TimePolicy
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID).Scan(&policy.TenantID, &policy.Expression)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &policy, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (r *SQLRepository) scanVisit(row scanner) (*domain.Visit, error) {
	var visit domain.Visit
	var metadata string

	err := row.Scan(
		&visit.ID, &visit.TenantID, &visit.CustomerID,
		&visit.ServiceType, &visit.BranchID, &visit.EmployeeID,
		&visit.Status, &visit.VisitDate,
		&visit.CreatedAt, &visit.UpdatedAt,
		&metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if metadata != "" {
		json.Unmarshal([]byte(metadata), &visit.Metadata)
	}

	return &visit, nil
}

func (r *SQLRepository) scanDiscount(row scanner) (*domain.DiscountRecord, error) {
	var rec domain.DiscountRecord

	err := row.Scan(
		&rec.ID, &rec.RecordID, &rec.TenantID,
		&rec.CustomerID, &rec.EmployeeID, &rec.BranchID,
		&rec.CycleStart,
		&rec.OriginalAmount, &rec.DiscountPercentage,
		&rec.DiscountAmount, &rec.FinalAmount,
		&rec.RiskScore, &rec.RiskLevel,
		&rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// isUniqueViolation detects unique-constraint failures from both drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
