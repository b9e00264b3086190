package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/healthbridge/lab-orders/internal/security"
	"github.com/healthbridge/lab-orders/pkg/httputil"
	"github.com/healthbridge/lab-orders/pkg/types"
)

// Handlers exposes the audit trail and compliance views. Every endpoint is
// restricted to elevated roles: the audit surface is itself sensitive data.
type Handlers struct {
	service *Service
	guard   *security.Guard
}

// NewHandlers creates the audit HTTP handlers
func NewHandlers(service *Service, guard *security.Guard) *Handlers {
	return &Handlers{service: service, guard: guard}
}

// RegisterRoutes mounts the audit API on the router
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/audit").Subrouter()
	api.Use(h.guard.Authenticate)
	api.Use(h.guard.Protect(""))
	api.Use(requireElevated)

	api.HandleFunc("/events", h.SearchEvents).Methods(http.MethodGet)
	api.HandleFunc("/report", h.ComplianceReport).Methods(http.MethodGet)
	api.HandleFunc("/timeline", h.Timeline).Methods(http.MethodGet)
	api.HandleFunc("/actors", h.ActorActivity).Methods(http.MethodGet)
	api.HandleFunc("/heatmap", h.RiskHeatmap).Methods(http.MethodGet)
	api.HandleFunc("/entity/{resourceId}", h.EntityFlow).Methods(http.MethodGet)
}

// requireElevated gates the audit surface to owner/admin roles
func requireElevated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := security.ClaimsFromContext(r.Context())
		if !ok {
			httputil.WriteError(w, types.NewUnauthorizedError(types.ErrCodeTokenMissing, "request is not authenticated"))
			return
		}
		if !claims.Role.Elevated() {
			httputil.WriteError(w, types.NewForbiddenError(types.ErrCodeRoleNotAllowed,
				"audit access requires an elevated role"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SearchEvents handles GET /api/audit/events
func (h *Handlers) SearchEvents(w http.ResponseWriter, r *http.Request) {
	claims, _ := security.ClaimsFromContext(r.Context())
	filter := filterFromQuery(r)
	filter.TenantID = claims.TenantID

	events, total, err := h.service.Search(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, types.NewInternalError(types.ErrCodeInternalError, "audit search failed", err))
		return
	}

	httputil.WriteSuccess(w, http.StatusOK, "", map[string]interface{}{
		"events": events,
		"total":  total,
		"page":   filter.Page,
		"limit":  filter.Limit,
	})
}

// ComplianceReport handles GET /api/audit/report
func (h *Handlers) ComplianceReport(w http.ResponseWriter, r *http.Request) {
	claims, _ := security.ClaimsFromContext(r.Context())
	from, to := periodFromQuery(r)

	report, err := h.service.GenerateComplianceReport(r.Context(), claims.TenantID, from, to)
	if err != nil {
		httputil.WriteError(w, types.NewInternalError(types.ErrCodeInternalError, "report generation failed", err))
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", report)
}

// Timeline handles GET /api/audit/timeline
func (h *Handlers) Timeline(w http.ResponseWriter, r *http.Request) {
	claims, _ := security.ClaimsFromContext(r.Context())
	from, to := periodFromQuery(r)

	buckets, err := h.service.Timeline(r.Context(), claims.TenantID, from, to)
	if err != nil {
		httputil.WriteError(w, types.NewInternalError(types.ErrCodeInternalError, "timeline query failed", err))
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", buckets)
}

// ActorActivity handles GET /api/audit/actors
func (h *Handlers) ActorActivity(w http.ResponseWriter, r *http.Request) {
	claims, _ := security.ClaimsFromContext(r.Context())
	from, to := periodFromQuery(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	actors, err := h.service.ActorActivity(r.Context(), claims.TenantID, from, to, limit)
	if err != nil {
		httputil.WriteError(w, types.NewInternalError(types.ErrCodeInternalError, "actor activity query failed", err))
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", actors)
}

// RiskHeatmap handles GET /api/audit/heatmap
func (h *Handlers) RiskHeatmap(w http.ResponseWriter, r *http.Request) {
	claims, _ := security.ClaimsFromContext(r.Context())
	from, to := periodFromQuery(r)

	cells, err := h.service.RiskHeatmap(r.Context(), claims.TenantID, from, to)
	if err != nil {
		httputil.WriteError(w, types.NewInternalError(types.ErrCodeInternalError, "heatmap query failed", err))
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", cells)
}

// EntityFlow handles GET /api/audit/entity/{resourceId}
func (h *Handlers) EntityFlow(w http.ResponseWriter, r *http.Request) {
	claims, _ := security.ClaimsFromContext(r.Context())

	steps, err := h.service.EntityFlow(r.Context(), claims.TenantID, mux.Vars(r)["resourceId"])
	if err != nil {
		httputil.WriteError(w, types.NewInternalError(types.ErrCodeInternalError, "entity flow query failed", err))
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, "", steps)
}

// filterFromQuery maps the search query parameters onto the audit filter
func filterFromQuery(r *http.Request) *types.AuditFilter {
	q := r.URL.Query()

	filter := &types.AuditFilter{
		UserID:       q.Get("userId"),
		EventType:    q.Get("eventType"),
		ResourceType: q.Get("resourceType"),
		ResourceID:   q.Get("resourceId"),
		PatientID:    q.Get("patientId"),
		Severity:     types.Severity(q.Get("severity")),
		Category:     types.ComplianceCategory(q.Get("category")),
		Search:       security.SanitizeString(q.Get("search")),
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

// periodFromQuery parses the reporting period, defaulting to the last 30 days
func periodFromQuery(r *http.Request) (time.Time, time.Time) {
	q := r.URL.Query()
	to := time.Now()
	from := to.AddDate(0, 0, -30)

	if parsed, err := time.Parse(time.RFC3339, q.Get("from")); err == nil {
		from = parsed
	}
	if parsed, err := time.Parse(time.RFC3339, q.Get("to")); err == nil {
		to = parsed
	}
	return from, to
}
