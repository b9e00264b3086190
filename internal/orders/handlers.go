package orders

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/healthbridge/lab-orders/internal/security"
	"github.com/healthbridge/lab-orders/pkg/httputil"
	"github.com/healthbridge/lab-orders/pkg/logger"
	"github.com/healthbridge/lab-orders/pkg/types"
)

// maxRequestBody bounds inbound JSON payloads
const maxRequestBody = 1 << 20

// Handlers exposes the order lifecycle over HTTP
type Handlers struct {
	service *Service
	guard   *security.Guard
	logger  *logger.Logger
}

// NewHandlers creates the HTTP handlers for the order lifecycle
func NewHandlers(service *Service, guard *security.Guard, log *logger.Logger) *Handlers {
	return &Handlers{
		service: service,
		guard:   guard,
		logger:  log,
	}
}

// RegisterRoutes mounts the lab order API on the router. All routes require
// authentication; write and document paths additionally pass the guard's
// rate-limited, threat-scanned pipeline.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/lab-orders").Subrouter()
	api.Use(h.guard.Authenticate)

	create := api.NewRoute().Subrouter()
	create.Use(h.guard.Protect(security.OpOrderCreate))
	create.HandleFunc("", h.CreateOrder).Methods(http.MethodPost)

	document := api.NewRoute().Subrouter()
	document.Use(h.guard.Protect(security.OpDocumentAccess))
	document.HandleFunc("/{orderId}/requisition", h.GetRequisition).Methods(http.MethodGet)

	general := api.NewRoute().Subrouter()
	general.Use(h.guard.Protect(""))
	general.HandleFunc("", h.ListOrders).Methods(http.MethodGet)
	general.HandleFunc("/resolve-token", h.ResolveToken).Methods(http.MethodPost)
	general.HandleFunc("/resolve-barcode", h.ResolveBarcode).Methods(http.MethodPost)
	general.HandleFunc("/patient/{patientId}", h.GetOrdersByPatient).Methods(http.MethodGet)
	general.HandleFunc("/{orderId}", h.GetOrder).Methods(http.MethodGet)
	general.HandleFunc("/{orderId}", h.DeleteOrder).Methods(http.MethodDelete)
	general.HandleFunc("/{orderId}/status", h.UpdateStatus).Methods(http.MethodPatch)
	general.HandleFunc("/{orderId}/results", h.AddResults).Methods(http.MethodPost)
	general.HandleFunc("/{orderId}/results", h.GetResult).Methods(http.MethodGet)
}

// CreateOrder handles POST /api/lab-orders
func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	claims, ok := security.ClaimsFromContext(r.Context())
	if !ok {
		httputil.WriteError(w, types.NewUnauthorizedError(types.ErrCodeTokenMissing, "request is not authenticated"))
		return
	}

	var req types.CreateOrderRequest
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	created, err := h.service.CreateOrder(r.Context(), claims, &req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.guard.ReportOrderCreation(claims)
	httputil.WriteSuccess(w, http.StatusCreated, "Lab order created", created)
}

// ListOrders handles GET /api/lab-orders
func (h *Handlers) ListOrders(w http.ResponseWriter, r *http.Request) {
	claims, ok := security.ClaimsFromContext(r.Context())
	if !ok {
		httputil.WriteError(w, types.NewUnauthorizedError(types.ErrCodeTokenMissing, "request is not authenticated"))
		return
	}

	filter := orderFilterFromQuery(r)
	orders, total, err := h.service.ListOrders(r.Context(), claims, filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteSuccess(w, http.StatusOK, "", map[string]interface{}{
		"orders": orders,
		"total":  total,
		"page":   filter.Page,
		"limit":  filter.Limit,
	})
}

// GetOrder handles GET /api/lab-orders/{orderId}
func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	claims, ok := security.ClaimsFromContext(r.Context())
	if !ok {
		httputil.WriteError(w, types.NewUnauthorizedError(types.ErrCodeTokenMissing, "request is not authenticated"))
		return
	}

	order, err := h.service.GetOrder(r.Context(), claims, mux.Vars(r)["orderId"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", order)
}

// GetOrdersByPatient handles GET /api/lab-orders/patient/{patientId}
func (h *Handlers) GetOrdersByPatient(w http.ResponseWriter, r *http.Request) {
	claims, ok := security.ClaimsFromContext(r.Context())
	if !ok {
		httputil.WriteError(w, types.NewUnauthorizedError(types.ErrCodeTokenMissing, "request is not authenticated"))
		return
	}

	orders, err := h.service.GetOrdersByPatient(r.Context(), claims, mux.Vars(r)["patientId"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", orders)
}

// UpdateStatus handles PATCH /api/lab-orders/{orderId}/status
func (h *Handlers) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	claims, ok := security.ClaimsFromContext(r.Context())
	if !ok {
		httputil.WriteError(w, types.NewUnauthorizedError(types.ErrCodeTokenMissing, "request is not authenticated"))
		return
	}

	var req struct {
		Status types.OrderStatus `json:"status"`
		Notes  string            `json:"notes,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	order, err := h.service.UpdateStatus(r.Context(), claims, mux.Vars(r)["orderId"], req.Status, req.Notes)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "Order status updated", order)
}

// DeleteOrder handles DELETE /api/lab-orders/{orderId}
func (h *Handlers) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	claims, ok := security.ClaimsFromContext(r.Context())
	if !ok {
		httputil.WriteError(w, types.NewUnauthorizedError(types.ErrCodeTokenMissing, "request is not authenticated"))
		return
	}

	if err := h.service.SoftDelete(r.Context(), claims, mux.Vars(r)["orderId"]); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "Lab order deleted", nil)
}

// AddResults handles POST /api/lab-orders/{orderId}/results
func (h *Handlers) AddResults(w http.ResponseWriter, r *http.Request) {
	claims, ok := security.ClaimsFromContext(r.Context())
	if !ok {
		httputil.WriteError(w, types.NewUnauthorizedError(types.ErrCodeTokenMissing, "request is not authenticated"))
		return
	}

	var req types.AddResultsRequest
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.service.AddResults(r.Context(), claims, mux.Vars(r)["orderId"], &req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusCreated, "Lab result recorded", result)
}

// GetResult handles GET /api/lab-orders/{orderId}/results
func (h *Handlers) GetResult(w http.ResponseWriter, r *http.Request) {
	claims, ok := security.ClaimsFromContext(r.Context())
	if !ok {
		httputil.WriteError(w, types.NewUnauthorizedError(types.ErrCodeTokenMissing, "request is not authenticated"))
		return
	}

	result, err := h.service.GetResult(r.Context(), claims, mux.Vars(r)["orderId"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", result)
}

// ResolveToken handles POST /api/lab-orders/resolve-token
func (h *Handlers) ResolveToken(w http.ResponseWriter, r *http.Request) {
	claims, ok := security.ClaimsFromContext(r.Context())
	if !ok {
		httputil.WriteError(w, types.NewUnauthorizedError(types.ErrCodeTokenMissing, "request is not authenticated"))
		return
	}

	var req struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Token == "" {
		httputil.WriteError(w, types.NewValidationError(types.ErrCodeInvalidInput, "token is required", nil))
		return
	}

	order, err := h.service.ResolveToken(r.Context(), claims, req.Token)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", order)
}

// ResolveBarcode handles POST /api/lab-orders/resolve-barcode
func (h *Handlers) ResolveBarcode(w http.ResponseWriter, r *http.Request) {
	claims, ok := security.ClaimsFromContext(r.Context())
	if !ok {
		httputil.WriteError(w, types.NewUnauthorizedError(types.ErrCodeTokenMissing, "request is not authenticated"))
		return
	}

	var req struct {
		Payload string `json:"payload"`
	}
	if err := decodeBody(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Payload == "" {
		httputil.WriteError(w, types.NewValidationError(types.ErrCodeInvalidInput, "payload is required", nil))
		return
	}

	order, err := h.service.ResolveBarcode(r.Context(), claims, req.Payload)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", order)
}

// GetRequisition handles GET /api/lab-orders/{orderId}/requisition?token=...
// The access token must grant the exact order; the response carries hardened
// headers because requisition material is patient data.
func (h *Handlers) GetRequisition(w http.ResponseWriter, r *http.Request) {
	claims, ok := security.ClaimsFromContext(r.Context())
	if !ok {
		httputil.WriteError(w, types.NewUnauthorizedError(types.ErrCodeTokenMissing, "request is not authenticated"))
		return
	}

	accessToken := r.URL.Query().Get("token")
	if accessToken == "" {
		accessToken = r.Header.Get("X-Access-Token")
	}
	if accessToken == "" {
		httputil.WriteError(w, types.NewValidationError(types.ErrCodeInvalidInput, "access token is required", nil))
		return
	}

	orderID := mux.Vars(r)["orderId"]
	order, err := h.service.ResolveToken(r.Context(), claims, accessToken)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if order.OrderID != orderID {
		httputil.WriteError(w, types.NewForbiddenError(types.ErrCodeTokenWrongType,
			"access token does not grant access to this order"))
		return
	}

	h.guard.ReportDocumentAccess(r, claims, orderID)
	h.service.RecordDocumentAccess(r.Context(), claims, order)

	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-store")
	httputil.WriteSuccess(w, http.StatusOK, "", map[string]interface{}{
		"orderId":        order.OrderID,
		"requisitionUrl": order.RequisitionURL,
	})
}

// decodeBody parses a bounded JSON request body into dest
func decodeBody(r *http.Request, dest interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return types.NewValidationError(types.ErrCodeInvalidInput, "request body is not valid JSON", nil)
	}
	return nil
}

// orderFilterFromQuery maps listing query parameters onto the order filter
func orderFilterFromQuery(r *http.Request) *types.OrderFilter {
	q := r.URL.Query()

	filter := &types.OrderFilter{
		Status:    types.OrderStatus(q.Get("status")),
		Priority:  types.OrderPriority(q.Get("priority")),
		PatientID: q.Get("patientId"),
		OrderedBy: q.Get("orderedBy"),
		Location:  q.Get("locationId"),
		Search:    security.SanitizeString(q.Get("search")),
		SortBy:    q.Get("sortBy"),
		SortOrder: q.Get("sortOrder"),
	}

	if page, err := strconv.Atoi(q.Get("page")); err == nil {
		filter.Page = page
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if from, err := time.Parse(time.RFC3339, q.Get("dateFrom")); err == nil {
		filter.DateFrom = from
	}
	if to, err := time.Parse(time.RFC3339, q.Get("dateTo")); err == nil {
		filter.DateTo = to
	}
	return filter
}
