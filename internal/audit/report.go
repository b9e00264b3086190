package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/healthbridge/lab-orders/pkg/types"
)

// ReportStats are the raw aggregates a compliance report is computed from
type ReportStats struct {
	TotalEvents        int64
	EventsByType       map[string]int64
	EventsBySeverity   map[types.Severity]int64
	SecurityViolations int64
	MissingConsent     int64
	AIFailures         int64
	AIDispatches       int64
}

// GenerateComplianceReport aggregates the tenant's audit trail over the
// period, flags categories of concern and computes the compliance score.
func (s *Service) GenerateComplianceReport(ctx context.Context, tenantID string, from, to time.Time) (*types.ComplianceReport, error) {
	stats, err := s.collectStats(ctx, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to collect report stats: %w", err)
	}

	report := &types.ComplianceReport{
		TenantID:           tenantID,
		PeriodStart:        from,
		PeriodEnd:          to,
		TotalEvents:        stats.TotalEvents,
		EventsByType:       stats.EventsByType,
		EventsBySeverity:   stats.EventsBySeverity,
		SecurityViolations: stats.SecurityViolations,
		MissingConsent:     stats.MissingConsent,
		AIFailures:         stats.AIFailures,
		AIDispatches:       stats.AIDispatches,
		ComplianceScore:    ComputeComplianceScore(stats),
		GeneratedAt:        time.Now(),
	}

	report.Concerns, report.Recommendations = assessConcerns(stats)
	return report, nil
}

// ComputeComplianceScore starts from 100 and subtracts a penalty per
// violation plus a weighted penalty by risk distribution, flooring at 0.
func ComputeComplianceScore(stats *ReportStats) int {
	score := 100

	score -= int(stats.SecurityViolations) * 5
	score -= int(stats.MissingConsent) * 5

	score -= int(stats.EventsBySeverity[types.SeverityCritical]) * 3
	score -= int(stats.EventsBySeverity[types.SeverityHigh]) * 1

	if stats.AIDispatches > 0 {
		failureRate := float64(stats.AIFailures) / float64(stats.AIDispatches)
		if failureRate > 0.2 {
			score -= 10
		}
	}

	if score < 0 {
		score = 0
	}
	return score
}

// assessConcerns derives the flagged categories and actionable recommendations
func assessConcerns(stats *ReportStats) (concerns, recommendations []string) {
	if stats.SecurityViolations > 0 {
		concerns = append(concerns, fmt.Sprintf("%d security violations detected in period", stats.SecurityViolations))
		recommendations = append(recommendations, "review flagged actors and rotate credentials for any confirmed compromise")
	}
	if stats.MissingConsent > 0 {
		concerns = append(concerns, fmt.Sprintf("%d events recorded without documented patient consent", stats.MissingConsent))
		recommendations = append(recommendations, "audit consent capture workflow; orders must not be placed without recorded consent")
	}
	if stats.AIDispatches > 0 {
		failureRate := float64(stats.AIFailures) / float64(stats.AIDispatches)
		if failureRate > 0.2 {
			concerns = append(concerns, fmt.Sprintf("diagnostic engine failure rate %.0f%% exceeds 20%%", failureRate*100))
			recommendations = append(recommendations, "check diagnostic engine availability and response validation errors")
		}
	}
	if critical := stats.EventsBySeverity[types.SeverityCritical]; critical > 0 {
		concerns = append(concerns, fmt.Sprintf("%d critical-severity events in period", critical))
	}
	if len(recommendations) == 0 {
		recommendations = append(recommendations, "no corrective actions required for this period")
	}
	return concerns, recommendations
}

func (s *Service) collectStats(ctx context.Context, tenantID string, from, to time.Time) (*ReportStats, error) {
	stats := &ReportStats{
		EventsByType:     make(map[string]int64),
		EventsBySeverity: make(map[types.Severity]int64),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, severity, COUNT(*)
		FROM audit_events
		WHERE tenant_id = $1 AND timestamp >= $2 AND timestamp <= $3
		GROUP BY event_type, severity`,
		tenantID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var eventType, severity string
		var count int64
		if err := rows.Scan(&eventType, &severity, &count); err != nil {
			return nil, err
		}

		stats.TotalEvents += count
		stats.EventsByType[eventType] += count
		stats.EventsBySeverity[types.Severity(severity)] += count

		switch eventType {
		case types.AuditSecurityViolation:
			stats.SecurityViolations += count
		case types.AuditAIFailed:
			stats.AIFailures += count
			stats.AIDispatches += count
		case types.AuditAIDispatched:
			stats.AIDispatches += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM audit_events
		WHERE tenant_id = $1 AND timestamp >= $2 AND timestamp <= $3
			AND consent_status = 'missing'`,
		tenantID, from, to).Scan(&stats.MissingConsent)
	if err != nil {
		return nil, err
	}

	return stats, nil
}
