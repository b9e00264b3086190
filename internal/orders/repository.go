package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/healthbridge/lab-orders/pkg/types"
)

// Repository is the persistence layer for lab orders and results
type Repository struct {
	db *sql.DB
}

// NewRepository creates the lab order repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Begin starts a transaction for a multi-step write
func (r *Repository) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// NextOrderID allocates the next human-readable order id for the tenant and
// year, in the form LAB-YYYY-NNNN. The per-tenant sequence row is upserted
// inside the caller's transaction so concurrent allocations serialize on the
// row lock and never produce duplicates.
func (r *Repository) NextOrderID(ctx context.Context, tx *sql.Tx, tenantID string, year int) (string, error) {
	var seq int
	err := tx.QueryRowContext(ctx, `
		INSERT INTO lab_order_sequences (tenant_id, year, seq)
		VALUES ($1, $2, 1)
		ON CONFLICT (tenant_id, year)
		DO UPDATE SET seq = lab_order_sequences.seq + 1
		RETURNING seq`,
		tenantID, year).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("failed to allocate order sequence: %w", err)
	}
	return fmt.Sprintf("LAB-%d-%04d", year, seq), nil
}

const insertOrderQuery = `
	INSERT INTO lab_orders (
		order_id, tenant_id, patient_id, ordered_by, tests, indication,
		priority, status, notes, consent_obtained, consent_timestamp,
		consent_obtained_by, barcode_data, requisition_url, location_id,
		created_by, updated_by, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

// CreateTx inserts the order inside the caller's transaction
func (r *Repository) CreateTx(ctx context.Context, tx *sql.Tx, order *types.LabOrder) error {
	tests, err := json.Marshal(order.Tests)
	if err != nil {
		return fmt.Errorf("failed to encode ordered tests: %w", err)
	}

	_, err = tx.ExecContext(ctx, insertOrderQuery,
		order.OrderID, order.TenantID, order.PatientID, order.OrderedBy,
		tests, order.Indication, string(order.Priority), string(order.Status),
		order.Notes, order.ConsentObtained, order.ConsentTimestamp,
		order.ConsentObtainedBy, order.BarcodeData, order.RequisitionURL,
		nullable(order.LocationID), order.CreatedBy, order.UpdatedBy,
		order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert lab order: %w", err)
	}
	return nil
}

const selectOrderColumns = `
	order_id, tenant_id, patient_id, ordered_by, tests, indication,
	priority, status, COALESCE(notes, ''), consent_obtained,
	COALESCE(consent_timestamp, created_at), COALESCE(consent_obtained_by, ''),
	COALESCE(barcode_data, ''), COALESCE(requisition_url, ''),
	COALESCE(location_id, ''), is_deleted, created_by, updated_by,
	created_at, updated_at`

// GetByID loads a single order; soft-deleted orders read as not found
func (r *Repository) GetByID(ctx context.Context, tenantID, orderID string) (*types.LabOrder, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+selectOrderColumns+`
		FROM lab_orders
		WHERE tenant_id = $1 AND order_id = $2 AND is_deleted = FALSE`,
		tenantID, orderID)

	order, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, types.NewNotFoundError(types.ErrCodeOrderNotFound,
			fmt.Sprintf("lab order %s not found", orderID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load lab order: %w", err)
	}
	return order, nil
}

// GetByIDForUpdate loads an order inside the transaction with a row lock, so
// a status change and its audit trail serialize with concurrent writers.
func (r *Repository) GetByIDForUpdate(ctx context.Context, tx *sql.Tx, tenantID, orderID string) (*types.LabOrder, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+selectOrderColumns+`
		FROM lab_orders
		WHERE tenant_id = $1 AND order_id = $2 AND is_deleted = FALSE
		FOR UPDATE`,
		tenantID, orderID)

	order, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, types.NewNotFoundError(types.ErrCodeOrderNotFound,
			fmt.Sprintf("lab order %s not found", orderID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load lab order: %w", err)
	}
	return order, nil
}

// ListByPatient returns the patient's orders, newest first
func (r *Repository) ListByPatient(ctx context.Context, tenantID, patientID string) ([]*types.LabOrder, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+selectOrderColumns+`
		FROM lab_orders
		WHERE tenant_id = $1 AND patient_id = $2 AND is_deleted = FALSE
		ORDER BY created_at DESC`,
		tenantID, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list patient orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// List returns a filtered, paginated page of orders plus the total match count
func (r *Repository) List(ctx context.Context, filter *types.OrderFilter) ([]*types.LabOrder, int64, error) {
	where, args := buildOrderWhere(filter)

	var total int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM lab_orders"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count lab orders: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}

	query := "SELECT " + selectOrderColumns + " FROM lab_orders" + where +
		orderClause(filter) +
		fmt.Sprintf(" LIMIT %d OFFSET %d", limit, (page-1)*limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list lab orders: %w", err)
	}
	defer rows.Close()

	orders, err := collectOrders(rows)
	return orders, total, err
}

// UpdateStatusTx moves the order to the new status inside the caller's transaction
func (r *Repository) UpdateStatusTx(ctx context.Context, tx *sql.Tx, tenantID, orderID string, status types.OrderStatus, updatedBy string) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE lab_orders
		SET status = $1, updated_by = $2, updated_at = NOW()
		WHERE tenant_id = $3 AND order_id = $4 AND is_deleted = FALSE`,
		string(status), updatedBy, tenantID, orderID)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return types.NewNotFoundError(types.ErrCodeOrderNotFound,
			fmt.Sprintf("lab order %s not found", orderID))
	}
	return nil
}

// UpdateNotesTx replaces the order's notes inside the caller's transaction
func (r *Repository) UpdateNotesTx(ctx context.Context, tx *sql.Tx, tenantID, orderID, notes string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE lab_orders
		SET notes = $1, updated_at = NOW()
		WHERE tenant_id = $2 AND order_id = $3 AND is_deleted = FALSE`,
		notes, tenantID, orderID)
	if err != nil {
		return fmt.Errorf("failed to update order notes: %w", err)
	}
	return nil
}

// SoftDeleteTx marks the order deleted without destroying the audit trail's target
func (r *Repository) SoftDeleteTx(ctx context.Context, tx *sql.Tx, tenantID, orderID, deletedBy string) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE lab_orders
		SET is_deleted = TRUE, updated_by = $1, updated_at = NOW()
		WHERE tenant_id = $2 AND order_id = $3 AND is_deleted = FALSE`,
		deletedBy, tenantID, orderID)
	if err != nil {
		return fmt.Errorf("failed to delete lab order: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if affected == 0 {
		return types.NewNotFoundError(types.ErrCodeOrderNotFound,
			fmt.Sprintf("lab order %s not found", orderID))
	}
	return nil
}

// HasResult reports whether a result set already exists for the order
func (r *Repository) HasResult(ctx context.Context, tenantID, orderID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM lab_results WHERE tenant_id = $1 AND order_id = $2
		)`, tenantID, orderID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check for existing result: %w", err)
	}
	return exists, nil
}

// CreateResultTx inserts the result set inside the caller's transaction. The
// primary key makes a second submission for the same order fail hard even if
// two requests race past the existence check.
func (r *Repository) CreateResultTx(ctx context.Context, tx *sql.Tx, result *types.LabResult) error {
	values, err := json.Marshal(result.Values)
	if err != nil {
		return fmt.Errorf("failed to encode result values: %w", err)
	}
	interpretations, err := json.Marshal(result.Interpretations)
	if err != nil {
		return fmt.Errorf("failed to encode interpretations: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO lab_results (
			order_id, tenant_id, entered_by, entered_at, result_values,
			interpretations, ai_processed
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		result.OrderID, result.TenantID, result.EnteredBy, result.EnteredAt,
		values, interpretations, result.AIProcessed)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return types.NewDuplicateError(types.ErrCodeDuplicateResult,
				fmt.Sprintf("results already recorded for order %s", result.OrderID))
		}
		return fmt.Errorf("failed to insert lab result: %w", err)
	}
	return nil
}

// GetResultByOrderID loads the order's result set
func (r *Repository) GetResultByOrderID(ctx context.Context, tenantID, orderID string) (*types.LabResult, error) {
	var result types.LabResult
	var values, interpretations []byte

	err := r.db.QueryRowContext(ctx, `
		SELECT order_id, tenant_id, entered_by, entered_at, result_values,
			interpretations, ai_processed, COALESCE(diagnostic_result_id, ''),
			COALESCE(reviewed_by, ''), COALESCE(review_notes, '')
		FROM lab_results
		WHERE tenant_id = $1 AND order_id = $2`,
		tenantID, orderID).Scan(
		&result.OrderID, &result.TenantID, &result.EnteredBy, &result.EnteredAt,
		&values, &interpretations, &result.AIProcessed,
		&result.DiagnosticResultID, &result.ReviewedBy, &result.ReviewNotes,
	)
	if err == sql.ErrNoRows {
		return nil, types.NewNotFoundError(types.ErrCodeResultNotFound,
			fmt.Sprintf("no result recorded for order %s", orderID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load lab result: %w", err)
	}

	if err := json.Unmarshal(values, &result.Values); err != nil {
		return nil, fmt.Errorf("failed to decode result values: %w", err)
	}
	if err := json.Unmarshal(interpretations, &result.Interpretations); err != nil {
		return nil, fmt.Errorf("failed to decode interpretations: %w", err)
	}
	return &result, nil
}

// MarkAIProcessed records the diagnostic engine's response id against the result
func (r *Repository) MarkAIProcessed(ctx context.Context, tenantID, orderID, diagnosticResultID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE lab_results
		SET ai_processed = TRUE, diagnostic_result_id = $1
		WHERE tenant_id = $2 AND order_id = $3`,
		nullable(diagnosticResultID), tenantID, orderID)
	if err != nil {
		return fmt.Errorf("failed to mark result as AI processed: %w", err)
	}
	return nil
}

// buildOrderWhere assembles the listing filter clause
func buildOrderWhere(filter *types.OrderFilter) (string, []interface{}) {
	conditions := []string{"is_deleted = FALSE"}
	var args []interface{}

	add := func(condition string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}

	if filter.TenantID != "" {
		add("tenant_id = $%d", filter.TenantID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Priority != "" {
		add("priority = $%d", string(filter.Priority))
	}
	if filter.PatientID != "" {
		add("patient_id = $%d", filter.PatientID)
	}
	if filter.OrderedBy != "" {
		add("ordered_by = $%d", filter.OrderedBy)
	}
	if filter.Location != "" {
		add("location_id = $%d", filter.Location)
	}
	if !filter.DateFrom.IsZero() {
		add("created_at >= $%d", filter.DateFrom)
	}
	if !filter.DateTo.IsZero() {
		add("created_at <= $%d", filter.DateTo)
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		n := len(args)
		conditions = append(conditions, fmt.Sprintf("(order_id ILIKE $%d OR indication ILIKE $%d)", n, n))
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

// orderClause maps the filter's sort request to a safe ORDER BY
func orderClause(filter *types.OrderFilter) string {
	column := "created_at"
	switch filter.SortBy {
	case "updated_at", "priority", "status", "order_id":
		column = filter.SortBy
	}

	direction := "DESC"
	if strings.EqualFold(filter.SortOrder, "asc") {
		direction = "ASC"
	}
	return fmt.Sprintf(" ORDER BY %s %s", column, direction)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*types.LabOrder, error) {
	var order types.LabOrder
	var tests []byte
	var priority, status string
	var consentTimestamp time.Time

	err := row.Scan(
		&order.OrderID, &order.TenantID, &order.PatientID, &order.OrderedBy,
		&tests, &order.Indication, &priority, &status, &order.Notes,
		&order.ConsentObtained, &consentTimestamp, &order.ConsentObtainedBy,
		&order.BarcodeData, &order.RequisitionURL, &order.LocationID,
		&order.IsDeleted, &order.CreatedBy, &order.UpdatedBy,
		&order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	order.Priority = types.OrderPriority(priority)
	order.Status = types.OrderStatus(status)
	order.ConsentTimestamp = consentTimestamp
	if err := json.Unmarshal(tests, &order.Tests); err != nil {
		return nil, fmt.Errorf("failed to decode ordered tests: %w", err)
	}
	return &order, nil
}

func collectOrders(rows *sql.Rows) ([]*types.LabOrder, error) {
	var orders []*types.LabOrder
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lab order: %w", err)
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// nullable maps empty strings to SQL NULL
func nullable(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
