package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthbridge/lab-orders/internal/cache"
	"github.com/healthbridge/lab-orders/internal/token"
	"github.com/healthbridge/lab-orders/pkg/interfaces"
	"github.com/healthbridge/lab-orders/pkg/logger"
	"github.com/healthbridge/lab-orders/pkg/types"
)

type fakeAudit struct {
	recorded []*types.AuditEvent
	inTx     []*types.AuditEvent
	txErr    error
}

func (f *fakeAudit) Record(_ context.Context, event *types.AuditEvent) {
	f.recorded = append(f.recorded, event)
}

func (f *fakeAudit) RecordTx(_ context.Context, _ *sql.Tx, event *types.AuditEvent) error {
	if f.txErr != nil {
		return f.txErr
	}
	f.inTx = append(f.inTx, event)
	return nil
}

type fakeRenderer struct {
	err   error
	calls int
}

func (f *fakeRenderer) Render(_ context.Context, _ interfaces.RenderContext) (*interfaces.RenderedDocument, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &interfaces.RenderedDocument{
		Filename: "requisition.pdf",
		URL:      "https://docs.internal/requisitions/requisition.pdf",
		Metadata: interfaces.DocumentMetadata{Size: 2048, Hash: "abc123"},
	}, nil
}

type fakeDirectory struct {
	patientErr error
	userErr    error
}

func (f *fakeDirectory) VerifyPatient(_ context.Context, _, _ string) error { return f.patientErr }
func (f *fakeDirectory) VerifyUser(_ context.Context, _, _ string) error    { return f.userErr }
func (f *fakeDirectory) PatientName(_ context.Context, _, _ string) (string, error) {
	return "Jordan Doe", nil
}

type testEnv struct {
	service   *Service
	mock      sqlmock.Sqlmock
	audit     *fakeAudit
	renderer  *fakeRenderer
	directory *fakeDirectory
	tokens    *token.Service
}

func testLogger() *logger.Logger {
	return logger.New("orders-test", "error")
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := cache.New(nil, testLogger())
	t.Cleanup(c.Stop)

	env := &testEnv{
		mock:      mock,
		audit:     &fakeAudit{},
		renderer:  &fakeRenderer{},
		directory: &fakeDirectory{},
		tokens:    token.NewService("test-signing-secret"),
	}
	env.service = NewService(NewRepository(db), env.tokens, c, env.audit,
		env.renderer, env.directory, 24*time.Hour, 5*time.Second, testLogger())
	return env
}

func clinicianClaims() *types.UserClaims {
	return &types.UserClaims{UserID: "user-1", TenantID: "tenant-1", Role: types.RoleDoctor}
}

func validCreateRequest() *types.CreateOrderRequest {
	return &types.CreateOrderRequest{
		PatientID:       "patient-1",
		Tests:           []types.OrderedTest{{Name: "Complete Blood Count", Code: "CBC", SpecimenType: "Blood", RefRange: "4.5-11.0"}},
		Indication:      "routine screening",
		Priority:        types.PriorityRoutine,
		ConsentObtained: true,
	}
}

func orderColumns() []string {
	return []string{
		"order_id", "tenant_id", "patient_id", "ordered_by", "tests",
		"indication", "priority", "status", "notes", "consent_obtained",
		"consent_timestamp", "consent_obtained_by", "barcode_data",
		"requisition_url", "location_id", "is_deleted", "created_by",
		"updated_by", "created_at", "updated_at",
	}
}

func orderRow(t *testing.T, orderID string, status types.OrderStatus, barcode string) *sqlmock.Rows {
	t.Helper()
	tests, err := json.Marshal([]types.OrderedTest{
		{Name: "Complete Blood Count", Code: "CBC", SpecimenType: "Blood", RefRange: "4.5-11.0"},
	})
	require.NoError(t, err)

	now := time.Now()
	return sqlmock.NewRows(orderColumns()).AddRow(
		orderID, "tenant-1", "patient-1", "user-1", tests,
		"routine screening", "routine", string(status), "", true,
		now, "user-1", barcode, "https://docs.internal/requisitions/requisition.pdf",
		"", false, "user-1", "user-1", now, now,
	)
}

func TestCreateOrder_Success(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mock.ExpectBegin()
	env.mock.ExpectQuery("INSERT INTO lab_order_sequences").
		WithArgs("tenant-1", time.Now().Year()).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(1))
	env.mock.ExpectExec("INSERT INTO lab_orders").
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectCommit()

	created, err := env.service.CreateOrder(ctx, clinicianClaims(), validCreateRequest())
	require.NoError(t, err)

	wantID := regexp.MustCompile(`^LAB-\d{4}-\d{4}$`)
	assert.Regexp(t, wantID, created.Order.OrderID)
	assert.Equal(t, types.OrderStatusRequested, created.Order.Status)
	assert.True(t, created.Order.ConsentObtained)
	assert.NotEmpty(t, created.Order.BarcodeData)
	assert.NotEmpty(t, created.Order.RequisitionURL)
	assert.NotEmpty(t, created.QRPayload)

	// The issued token must resolve back to the created order
	payload, err := env.tokens.Validate(created.Token, token.TypePDFAccess)
	require.NoError(t, err)
	assert.Equal(t, created.Order.OrderID, payload.OrderID)
	assert.Equal(t, "user-1", payload.SubjectID)

	// Creation audit joined the transaction
	require.Len(t, env.audit.inTx, 1)
	assert.Equal(t, types.AuditOrderCreated, env.audit.inTx[0].EventType)

	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestCreateOrder_ConsentRequired(t *testing.T) {
	env := newTestEnv(t)
	req := validCreateRequest()
	req.ConsentObtained = false

	_, err := env.service.CreateOrder(context.Background(), clinicianClaims(), req)

	appErr, ok := types.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrCodeConsentRequired, appErr.Code)
	assert.Equal(t, 0, env.renderer.calls)
}

func TestCreateOrder_RoleNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	claims := &types.UserClaims{UserID: "user-2", TenantID: "tenant-1", Role: types.RoleNurse}

	_, err := env.service.CreateOrder(context.Background(), claims, validCreateRequest())

	appErr, ok := types.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrCodeRoleNotAllowed, appErr.Code)
}

func TestCreateOrder_DuplicateTestCodes(t *testing.T) {
	env := newTestEnv(t)
	req := validCreateRequest()
	req.Tests = append(req.Tests, types.OrderedTest{Name: "CBC repeat", Code: "CBC", SpecimenType: "Blood"})

	_, err := env.service.CreateOrder(context.Background(), clinicianClaims(), req)

	appErr, ok := types.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrCodeDuplicateTestCode, appErr.Code)
}

func TestCreateOrder_RenderFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.renderer.err = errors.New("renderer unavailable")

	env.mock.ExpectBegin()
	env.mock.ExpectQuery("INSERT INTO lab_order_sequences").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(7))
	env.mock.ExpectRollback()

	_, err := env.service.CreateOrder(context.Background(), clinicianClaims(), validCreateRequest())

	appErr, ok := types.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrCodeRenderFailed, appErr.Code)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestCreateOrder_UnknownPatient(t *testing.T) {
	env := newTestEnv(t)
	env.directory.patientErr = errors.New("not found")

	_, err := env.service.CreateOrder(context.Background(), clinicianClaims(), validCreateRequest())

	appErr, ok := types.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrCodePatientNotFound, appErr.Code)
}

func TestUpdateStatus_LegalTransition(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectBegin()
	env.mock.ExpectQuery("SELECT(.|\n)*FROM lab_orders(.|\n)*FOR UPDATE").
		WillReturnRows(orderRow(t, "LAB-2026-0001", types.OrderStatusRequested, "barcode"))
	env.mock.ExpectExec("UPDATE lab_orders").
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectCommit()

	order, err := env.service.UpdateStatus(context.Background(), clinicianClaims(),
		"LAB-2026-0001", types.OrderStatusSampleCollected, "")
	require.NoError(t, err)

	assert.Equal(t, types.OrderStatusSampleCollected, order.Status)
	require.Len(t, env.audit.inTx, 1)
	assert.Equal(t, types.AuditOrderStatusChanged, env.audit.inTx[0].EventType)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestUpdateStatus_IllegalTransitionNeverPersists(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectBegin()
	env.mock.ExpectQuery("SELECT(.|\n)*FROM lab_orders(.|\n)*FOR UPDATE").
		WillReturnRows(orderRow(t, "LAB-2026-0001", types.OrderStatusCompleted, "barcode"))
	env.mock.ExpectRollback()

	_, err := env.service.UpdateStatus(context.Background(), clinicianClaims(),
		"LAB-2026-0001", types.OrderStatusSampleCollected, "")

	appErr, ok := types.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrCodeInvalidTransition, appErr.Code)

	// Rejection is audited as a high-risk event outside the transaction
	require.Len(t, env.audit.recorded, 1)
	assert.Equal(t, types.AuditInvalidTransition, env.audit.recorded[0].EventType)
	assert.Equal(t, types.SeverityHigh, env.audit.recorded[0].Severity)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestResolveToken_BarcodeMismatchIsPermissive(t *testing.T) {
	env := newTestEnv(t)

	accessToken, err := env.tokens.Issue("LAB-2026-0001", "user-1", time.Hour, token.TypePDFAccess)
	require.NoError(t, err)

	// Stored barcode does not match the presented token's derivation
	env.mock.ExpectQuery("SELECT(.|\n)*FROM lab_orders").
		WillReturnRows(orderRow(t, "LAB-2026-0001", types.OrderStatusRequested, "LAB-2026-0001deadbeefdeadbeef"))

	order, err := env.service.ResolveToken(context.Background(), clinicianClaims(), accessToken)
	require.NoError(t, err)
	assert.Equal(t, "LAB-2026-0001", order.OrderID)

	require.Len(t, env.audit.recorded, 1)
	assert.Equal(t, true, env.audit.recorded[0].Details["barcode_mismatch"])
}

func TestResolveToken_InvalidTokenRejected(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.ResolveToken(context.Background(), clinicianClaims(), "not-a-token")

	appErr, ok := types.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrorKindUnauthorized, appErr.Kind)
}

func TestSoftDelete(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectQuery("SELECT(.|\n)*FROM lab_orders").
		WillReturnRows(orderRow(t, "LAB-2026-0001", types.OrderStatusRequested, "barcode"))
	env.mock.ExpectBegin()
	env.mock.ExpectExec("UPDATE lab_orders").
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectCommit()

	err := env.service.SoftDelete(context.Background(), clinicianClaims(), "LAB-2026-0001")
	require.NoError(t, err)

	require.Len(t, env.audit.inTx, 1)
	assert.Equal(t, types.AuditOrderDeleted, env.audit.inTx[0].EventType)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestGetOrder_CacheThrough(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectQuery("SELECT(.|\n)*FROM lab_orders").
		WillReturnRows(orderRow(t, "LAB-2026-0001", types.OrderStatusRequested, "barcode"))

	// First read misses the cache and hits the database
	order, err := env.service.GetOrder(context.Background(), clinicianClaims(), "LAB-2026-0001")
	require.NoError(t, err)
	assert.Equal(t, "LAB-2026-0001", order.OrderID)

	// Second read is served from cache: no further query expectations
	order, err = env.service.GetOrder(context.Background(), clinicianClaims(), "LAB-2026-0001")
	require.NoError(t, err)
	assert.Equal(t, "LAB-2026-0001", order.OrderID)

	assert.Len(t, env.audit.recorded, 2)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}
