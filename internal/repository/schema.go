package repository

// Schema definitions for the loyalty database.
// Compatible with both SQLite and PostgreSQL.

// schemaVisits defines the visit ledger. The unique index on
// (tenant_id, customer_id, visit_day) enforces one visit per customer
// per calendar day; visit_day is the UTC date of visit_date.
const schemaVisits = `
CREATE TABLE IF NOT EXISTS visits (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    service_type TEXT,
    branch_id TEXT NOT NULL,
    employee_id TEXT NOT NULL,
    status TEXT NOT NULL,
    visit_date TIMESTAMP NOT NULL,
    visit_day TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    metadata TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_visits_one_per_day ON visits(tenant_id, customer_id, visit_day);
CREATE INDEX IF NOT EXISTS idx_visits_tenant ON visits(tenant_id);
CREATE INDEX IF NOT EXISTS idx_visits_customer ON visits(tenant_id, customer_id, visit_date);
CREATE INDEX IF NOT EXISTS idx_visits_status ON visits(tenant_id, status);
`

// schemaDiscountRecords defines the discount ledger. The unique index on
// (tenant_id, customer_id, cycle_start) enforces one discount per cycle;
// the insert that trips it maps to ErrDiscountAlreadyUsed.
const schemaDiscountRecords = `
CREATE TABLE IF NOT EXISTS discount_records (
    id TEXT PRIMARY KEY,
    record_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    customer_id TEXT NOT NULL,
    employee_id TEXT NOT NULL,
    branch_id TEXT,
    cycle_start TIMESTAMP NOT NULL,
    original_amount REAL NOT NULL,
    discount_percentage REAL NOT NULL,
    discount_amount REAL NOT NULL,
    final_amount REAL NOT NULL,
    risk_score INTEGER NOT NULL,
    risk_level TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_discounts_one_per_cycle ON discount_records(tenant_id, customer_id, cycle_start);
CREATE UNIQUE INDEX IF NOT EXISTS idx_discounts_record_id ON discount_records(tenant_id, record_id);
CREATE INDEX IF NOT EXISTS idx_discounts_customer ON discount_records(tenant_id, customer_id, created_at);
CREATE INDEX IF NOT EXISTS idx_discounts_employee ON discount_records(tenant_id, employee_id, created_at);
`

// schemaDiscountSequences backs the DR-<year>-<0000> record identifiers.
// One counter per tenant per year, bumped atomically on insert.
const schemaDiscountSequences = `
CREATE TABLE IF NOT EXISTS discount_sequences (
    tenant_id TEXT NOT NULL,
    year INTEGER NOT NULL,
    counter INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (tenant_id, year)
);
`

const schemaTimePolicies = `
CREATE TABLE IF NOT EXISTS time_policies (
    tenant_id TEXT PRIMARY KEY,
    expression TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaVisits,
		schemaDiscountRecords,
		schemaDiscountSequences,
		schemaTimePolicies,
	}
}
