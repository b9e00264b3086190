package security

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/healthbridge/lab-orders/pkg/httputil"
	"github.com/healthbridge/lab-orders/pkg/logger"
	"github.com/healthbridge/lab-orders/pkg/monitoring"
	"github.com/healthbridge/lab-orders/pkg/types"
)

// maxScannedBody bounds how much of a request body the threat scanner reads
const maxScannedBody = 64 * 1024

// Recorder is the audit sink the guard reports triggered rules to
type Recorder interface {
	Record(ctx context.Context, event *types.AuditEvent)
}

// Guard composes authentication, burst protection, rate limiting and threat
// detection into request-pipeline stages. Rejections short-circuit before
// business logic and are audited with severity scaled to the detection type.
type Guard struct {
	authn    *Authenticator
	limiter  *RateLimiter
	burst    *BurstProtector
	detector *Detector
	audit    Recorder
	logger   *logger.Logger
}

// NewGuard creates the security guard pipeline
func NewGuard(authn *Authenticator, limiter *RateLimiter, burst *BurstProtector, detector *Detector, audit Recorder, log *logger.Logger) *Guard {
	return &Guard{
		authn:    authn,
		limiter:  limiter,
		burst:    burst,
		detector: detector,
		audit:    audit,
		logger:   log,
	}
}

// Authenticate validates the bearer token and stores claims on the context
func (g *Guard) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			httputil.WriteError(w, types.NewUnauthorizedError(types.ErrCodeTokenMissing, "missing authorization header"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			httputil.WriteError(w, types.NewUnauthorizedError(types.ErrCodeTokenMalformed, "invalid authorization header format"))
			return
		}

		claims, err := g.authn.ValidateJWT(parts[1])
		if err != nil {
			httputil.WriteError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(ClaimsToContext(r.Context(), claims)))
	})
}

// Protect returns the guard middleware for an endpoint. operation selects the
// fixed-window budget (OpOrderCreate, OpDocumentAccess); an empty operation
// applies burst protection and threat detection only.
func (g *Guard) Protect(operation string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				httputil.WriteError(w, types.NewUnauthorizedError(types.ErrCodeTokenMissing, "request is not authenticated"))
				return
			}

			now := time.Now()

			// Temporarily blocked actors are rejected regardless of role
			if blocked, retryAfter := g.detector.IsBlocked(claims.UserID, now); blocked {
				g.reject(w, r, claims,
					types.NewRateLimitError(types.ErrCodeActorBlocked, "account temporarily blocked due to suspicious activity", retryAfter),
					types.AuditSecurityViolation, types.SeverityHigh,
					map[string]interface{}{"reason": "temporary_block"})
				return
			}

			// Burst protection runs before the fixed window so a burst
			// rejection does not consume the longer-window budget
			if allowed, retryAfter := g.burst.Allow(claims, now); !allowed {
				monitoring.RecordRateLimitRejection("burst")
				g.reject(w, r, claims,
					types.NewRateLimitError(types.ErrCodeBurstLimited, "too many requests in a short burst", retryAfter),
					types.AuditRateLimitTriggered, types.SeverityMedium,
					map[string]interface{}{"window": "burst"})
				return
			}

			// Threat scan over query string and a bounded body prefix
			material := r.URL.RawQuery + "\n" + g.peekBody(r)
			threats := g.detector.Inspect(claims.UserID, material, r.UserAgent(), now)
			for _, threat := range threats {
				monitoring.RecordSecurityEvent(string(threat.Type))
				g.recordThreat(r, claims, threat)
			}
			if injected := firstThreat(threats, ThreatInjection); injected != nil {
				g.reject(w, r, claims,
					types.NewValidationError(types.ErrCodeThreatDetected, "request contains disallowed content", nil),
					types.AuditSecurityViolation, types.SeverityCritical,
					map[string]interface{}{"pattern": injected.Detail})
				return
			}

			if operation != "" {
				suspicious := g.detector.IsSuspicious(claims.UserID)
				decision, err := g.limiter.Allow(r.Context(), operation, claims, suspicious)
				if err != nil {
					g.logger.WithError(err).Error("Rate limit check failed")
					// Fail open: a broken counter backend must not take the
					// service down with it
				} else if !decision.Allowed {
					monitoring.RecordRateLimitRejection(operation)
					g.reject(w, r, claims,
						types.NewRateLimitError(types.ErrCodeRateLimited, "rate limit exceeded for this operation", decision.RetryAfter),
						types.AuditRateLimitTriggered, types.SeverityMedium,
						map[string]interface{}{"operation": operation, "limit": decision.Limit, "adaptive": suspicious})
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ReportDocumentAccess folds a requisition access into the exfiltration
// heuristics and audits any resulting detection. It never fails the request.
func (g *Guard) ReportDocumentAccess(r *http.Request, claims *types.UserClaims, orderID string) {
	threats := g.detector.RecordDocumentAccess(claims.UserID, orderID, time.Now())
	for _, threat := range threats {
		monitoring.RecordSecurityEvent(string(threat.Type))
		g.recordThreat(r, claims, threat)
	}
}

// ReportOrderCreation bumps the actor's creation counter
func (g *Guard) ReportOrderCreation(claims *types.UserClaims) {
	g.detector.RecordOrderCreation(claims.UserID)
}

// reject writes the rejection, audits it and counts the failure toward a
// potential temporary block.
func (g *Guard) reject(w http.ResponseWriter, r *http.Request, claims *types.UserClaims, rejection *types.AppError, eventType string, severity types.Severity, details map[string]interface{}) {
	g.detector.RecordFailure(claims.UserID, time.Now())

	if details == nil {
		details = map[string]interface{}{}
	}
	details["code"] = rejection.Code

	g.audit.Record(r.Context(), &types.AuditEvent{
		EventType:    eventType,
		ResourceType: "http_request",
		ResourceID:   r.URL.Path,
		UserID:       claims.UserID,
		TenantID:     claims.TenantID,
		Severity:     severity,
		Category:     types.CategorySecurity,
		Details:      details,
		IPAddress:    clientIP(r),
		UserAgent:    r.UserAgent(),
	})

	httputil.WriteError(w, rejection)
}

// recordThreat audits a detection that did not by itself reject the request
func (g *Guard) recordThreat(r *http.Request, claims *types.UserClaims, threat Threat) {
	g.audit.Record(r.Context(), &types.AuditEvent{
		EventType:    types.AuditSecurityViolation,
		ResourceType: "http_request",
		ResourceID:   r.URL.Path,
		UserID:       claims.UserID,
		TenantID:     claims.TenantID,
		Severity:     threat.Severity,
		Category:     types.CategorySecurity,
		Details: map[string]interface{}{
			"threat_type": string(threat.Type),
			"detail":      threat.Detail,
			"score":       threat.Score,
		},
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
}

// peekBody reads a bounded prefix of the request body for scanning and
// restores it so the handler can still decode it.
func (g *Guard) peekBody(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}

	prefix, err := io.ReadAll(io.LimitReader(r.Body, maxScannedBody))
	if err != nil {
		g.logger.WithError(err).Warn("Failed to read request body for scanning")
		return ""
	}

	rest := r.Body
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(prefix), rest), rest}

	return string(prefix)
}

func firstThreat(threats []Threat, typ ThreatType) *Threat {
	for i := range threats {
		if threats[i].Type == typ {
			return &threats[i]
		}
	}
	return nil
}

// clientIP extracts the originating client address
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.Index(forwarded, ","); idx > 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return forwarded
	}
	return r.RemoteAddr
}
