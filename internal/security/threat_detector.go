package security

import (
	"regexp"
	"time"

	"github.com/healthbridge/lab-orders/pkg/config"
	"github.com/healthbridge/lab-orders/pkg/logger"
	"github.com/healthbridge/lab-orders/pkg/types"
)

// ThreatType classifies a detected threat
type ThreatType string

const (
	ThreatInjection    ThreatType = "injection_attempt"
	ThreatAutomation   ThreatType = "automation_fingerprint"
	ThreatRapidFire    ThreatType = "rapid_repeated_requests"
	ThreatExfiltration ThreatType = "data_exfiltration_pattern"
)

// Threat is a single detection with its contribution to the actor's risk score
type Threat struct {
	Type     ThreatType
	Severity types.Severity
	Score    float64
	Detail   string
}

// rapidFireGap is the request gap below which traffic looks scripted
const rapidFireGap = 100 * time.Millisecond

// suspicionThreshold is the risk score at which an actor is flagged
// suspicious and the adaptive limiter tightens their ceilings
const suspicionThreshold = 5.0

// injectionPatterns match script injection, operator injection, path
// traversal and common SQL/NoSQL keywords in request material
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script[^>]*>`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)on(load|error|click|mouseover)\s*=`),
	regexp.MustCompile(`\$(where|ne|gt|lt|gte|lte|regex|exists|in|nin)\b`),
	regexp.MustCompile(`\.\./|\.\.\\`),
	regexp.MustCompile(`(?i)\b(union\s+select|drop\s+table|insert\s+into|delete\s+from|exec\s*\(|truncate\s+table)\b`),
	regexp.MustCompile(`(?i)('\s*or\s*'?1'?\s*=\s*'?1|--\s*$|;\s*--)`),
}

// automationPattern matches user agents of common automation tooling
var automationPattern = regexp.MustCompile(`(?i)(curl|wget|python-requests|python-urllib|go-http-client|java/|scrapy|httpclient|headless|phantomjs|selenium|puppeteer|\bbot\b|spider|crawler)`)

// Detector pattern-matches request material, tracks access anomalies and
// folds detections into the per-actor rolling risk score.
type Detector struct {
	store  *MetricStore
	cfg    *config.SecurityConfig
	logger *logger.Logger
}

// NewDetector creates a threat detector over the shared metric store
func NewDetector(store *MetricStore, cfg *config.SecurityConfig, log *logger.Logger) *Detector {
	return &Detector{store: store, cfg: cfg, logger: log}
}

// Inspect scans request material for threats, updates the actor's metric and
// returns every detection. A non-empty result never fails the caller by
// itself; blocking is decided separately via IsBlocked.
func (d *Detector) Inspect(userID, material, userAgent string, now time.Time) []Threat {
	var threats []Threat

	for _, pattern := range injectionPatterns {
		if match := pattern.FindString(material); match != "" {
			threats = append(threats, Threat{
				Type:     ThreatInjection,
				Severity: types.SeverityCritical,
				Score:    4,
				Detail:   match,
			})
			break
		}
	}

	if userAgent != "" && automationPattern.MatchString(userAgent) {
		threats = append(threats, Threat{
			Type:     ThreatAutomation,
			Severity: types.SeverityMedium,
			Score:    2,
			Detail:   userAgent,
		})
	}

	d.store.WithMetric(userID, func(m *SecurityMetric) {
		gap := m.touch(now)
		if m.TotalRequests > 1 && gap >= 0 && gap < rapidFireGap {
			threats = append(threats, Threat{
				Type:     ThreatRapidFire,
				Severity: types.SeverityMedium,
				Score:    1.5,
				Detail:   gap.String(),
			})
		}

		for _, threat := range threats {
			m.addRisk(threat.Score)
		}
		if m.RiskScore >= suspicionThreshold {
			m.Suspicious = true
		}
	})

	return threats
}

// RecordDocumentAccess tracks a requisition document access and flags
// disproportionate volume with low distinct-order diversity as a
// data-exfiltration pattern.
func (d *Detector) RecordDocumentAccess(userID, orderID string, now time.Time) []Threat {
	var threats []Threat

	d.store.WithMetric(userID, func(m *SecurityMetric) {
		m.PDFAccessCount++
		count, distinct := m.recordDocAccess(now, orderID)

		if count > d.cfg.ExfiltrationAccessThreshold && distinct < d.cfg.ExfiltrationMinDistinct {
			threat := Threat{
				Type:     ThreatExfiltration,
				Severity: types.SeverityHigh,
				Score:    3,
				Detail:   "high document access volume with low order diversity",
			}
			threats = append(threats, threat)
			m.addRisk(threat.Score)
			m.Suspicious = true
		}
	})

	return threats
}

// RecordOrderCreation bumps the actor's order creation counter
func (d *Detector) RecordOrderCreation(userID string) {
	d.store.WithMetric(userID, func(m *SecurityMetric) {
		m.OrderCreationCount++
	})
}

// RecordFailure counts a rejected request and blocks the actor once both the
// risk score and failure count cross their thresholds.
func (d *Detector) RecordFailure(userID string, now time.Time) (blocked bool) {
	d.store.WithMetric(userID, func(m *SecurityMetric) {
		m.FailureCount++
		if m.RiskScore >= d.cfg.RiskBlockThreshold && m.FailureCount >= d.cfg.FailureBlockThreshold {
			m.BlockedUntil = now.Add(time.Duration(d.cfg.BlockMinutes) * time.Minute)
			blocked = true
		}
	})

	if blocked {
		d.logger.Security("actor_blocked", userID, map[string]interface{}{
			"block_minutes": d.cfg.BlockMinutes,
		})
	}
	return blocked
}

// IsBlocked reports whether the actor is inside a temporary block window
func (d *Detector) IsBlocked(userID string, now time.Time) (bool, int) {
	var until time.Time
	d.store.WithMetric(userID, func(m *SecurityMetric) {
		until = m.BlockedUntil
	})

	if until.After(now) {
		return true, int(until.Sub(now).Seconds()) + 1
	}
	return false, 0
}

// IsSuspicious reports whether the actor carries the adaptive-limit flag
func (d *Detector) IsSuspicious(userID string) bool {
	suspicious := false
	d.store.WithMetric(userID, func(m *SecurityMetric) {
		suspicious = m.Suspicious
	})
	return suspicious
}
