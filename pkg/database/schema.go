package database

import (
	"context"
	"fmt"
)

// CreateSchema creates the database schema for the lab order service
func (db *DB) CreateSchema(ctx context.Context) error {
	db.logger.Info("Creating database schema...")

	tables := []string{
		createLabOrdersTable,
		createLabOrderSequencesTable,
		createLabResultsTable,
		createAuditEventsTable,
	}

	for _, table := range tables {
		if _, err := db.ExecContext(ctx, table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	indexes := []string{
		createLabOrdersIndexes,
		createLabResultsIndexes,
		createAuditEventsIndexes,
	}

	for _, index := range indexes {
		if _, err := db.ExecContext(ctx, index); err != nil {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}

	db.logger.Info("Database schema created successfully")
	return nil
}

const createLabOrdersTable = `
CREATE TABLE IF NOT EXISTS lab_orders (
	order_id VARCHAR(32) NOT NULL,
	tenant_id VARCHAR(64) NOT NULL,
	patient_id VARCHAR(64) NOT NULL,
	ordered_by VARCHAR(64) NOT NULL,
	tests JSONB NOT NULL,
	indication TEXT NOT NULL,
	priority VARCHAR(16) NOT NULL DEFAULT 'routine',
	status VARCHAR(32) NOT NULL DEFAULT 'requested',
	notes TEXT,
	consent_obtained BOOLEAN NOT NULL DEFAULT FALSE,
	consent_timestamp TIMESTAMP WITH TIME ZONE,
	consent_obtained_by VARCHAR(64),
	barcode_data TEXT,
	requisition_url TEXT,
	location_id VARCHAR(64),
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
	created_by VARCHAR(64) NOT NULL,
	updated_by VARCHAR(64) NOT NULL,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tenant_id, order_id)
);`

// lab_order_sequences backs the per-tenant, per-year order number sequence
const createLabOrderSequencesTable = `
CREATE TABLE IF NOT EXISTS lab_order_sequences (
	tenant_id VARCHAR(64) NOT NULL,
	year INTEGER NOT NULL,
	seq INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, year)
);`

const createLabResultsTable = `
CREATE TABLE IF NOT EXISTS lab_results (
	order_id VARCHAR(32) NOT NULL,
	tenant_id VARCHAR(64) NOT NULL,
	entered_by VARCHAR(64) NOT NULL,
	entered_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	result_values JSONB NOT NULL,
	interpretations JSONB NOT NULL,
	ai_processed BOOLEAN NOT NULL DEFAULT FALSE,
	diagnostic_result_id VARCHAR(64),
	reviewed_by VARCHAR(64),
	review_notes TEXT,
	PRIMARY KEY (tenant_id, order_id)
);`

const createAuditEventsTable = `
CREATE TABLE IF NOT EXISTS audit_events (
	id UUID PRIMARY KEY,
	event_type VARCHAR(64) NOT NULL,
	resource_type VARCHAR(64) NOT NULL,
	resource_id VARCHAR(64),
	user_id VARCHAR(64) NOT NULL,
	tenant_id VARCHAR(64) NOT NULL,
	patient_id VARCHAR(64),
	severity VARCHAR(16) NOT NULL DEFAULT 'low',
	category VARCHAR(32) NOT NULL,
	details JSONB,
	ip_address INET,
	user_agent TEXT,
	consent_status VARCHAR(16),
	retention_years INTEGER NOT NULL,
	timestamp TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);`

const createLabOrdersIndexes = `
CREATE INDEX IF NOT EXISTS idx_lab_orders_patient ON lab_orders(tenant_id, patient_id) WHERE is_deleted = FALSE;
CREATE INDEX IF NOT EXISTS idx_lab_orders_status ON lab_orders(tenant_id, status) WHERE is_deleted = FALSE;
CREATE INDEX IF NOT EXISTS idx_lab_orders_created ON lab_orders(tenant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_lab_orders_ordered_by ON lab_orders(tenant_id, ordered_by);`

const createLabResultsIndexes = `
CREATE INDEX IF NOT EXISTS idx_lab_results_entered ON lab_results(tenant_id, entered_at DESC);
CREATE INDEX IF NOT EXISTS idx_lab_results_ai ON lab_results(tenant_id, ai_processed);`

const createAuditEventsIndexes = `
CREATE INDEX IF NOT EXISTS idx_audit_events_tenant_time ON audit_events(tenant_id, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_events_user ON audit_events(tenant_id, user_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(tenant_id, event_type);
CREATE INDEX IF NOT EXISTS idx_audit_events_resource ON audit_events(resource_type, resource_id);
CREATE INDEX IF NOT EXISTS idx_audit_events_severity ON audit_events(tenant_id, severity);`
