package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/healthbridge/lab-orders/pkg/types"
)

// Timeline returns daily event counts for the period, with critical events
// broken out so the dashboard can overlay them.
func (s *Service) Timeline(ctx context.Context, tenantID string, from, to time.Time) ([]*types.TimelineBucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date_trunc('day', timestamp) AS day,
			COUNT(*),
			COUNT(*) FILTER (WHERE severity = 'critical')
		FROM audit_events
		WHERE tenant_id = $1 AND timestamp >= $2 AND timestamp <= $3
		GROUP BY day
		ORDER BY day`,
		tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit timeline: %w", err)
	}
	defer rows.Close()

	var buckets []*types.TimelineBucket
	for rows.Next() {
		bucket := &types.TimelineBucket{}
		if err := rows.Scan(&bucket.Day, &bucket.Count, &bucket.Critical); err != nil {
			return nil, fmt.Errorf("failed to scan timeline bucket: %w", err)
		}
		buckets = append(buckets, bucket)
	}
	return buckets, rows.Err()
}

// ActorActivity ranks the period's most active actors, with their high-risk
// event counts, limited to the top n.
func (s *Service) ActorActivity(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]*types.ActorActivity, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id,
			COUNT(*),
			COUNT(*) FILTER (WHERE severity IN ('high', 'critical')),
			MAX(timestamp)
		FROM audit_events
		WHERE tenant_id = $1 AND timestamp >= $2 AND timestamp <= $3
		GROUP BY user_id
		ORDER BY COUNT(*) DESC
		LIMIT $4`,
		tenantID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query actor activity: %w", err)
	}
	defer rows.Close()

	var actors []*types.ActorActivity
	for rows.Next() {
		actor := &types.ActorActivity{}
		if err := rows.Scan(&actor.UserID, &actor.Events, &actor.HighRisk, &actor.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan actor activity: %w", err)
		}
		actors = append(actors, actor)
	}
	return actors, rows.Err()
}

// EntityFlow reconstructs the chronological audit history of a single
// resource, e.g. every touch of one lab order.
func (s *Service) EntityFlow(ctx context.Context, tenantID, resourceID string) ([]*types.EntityFlowStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, user_id, severity, timestamp
		FROM audit_events
		WHERE tenant_id = $1 AND resource_id = $2
		ORDER BY timestamp ASC`,
		tenantID, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entity flow: %w", err)
	}
	defer rows.Close()

	var steps []*types.EntityFlowStep
	for rows.Next() {
		step := &types.EntityFlowStep{}
		var severity string
		if err := rows.Scan(&step.EventType, &step.UserID, &severity, &step.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan entity flow step: %w", err)
		}
		step.Severity = types.Severity(severity)
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// RiskHeatmap returns event counts bucketed by day and severity
func (s *Service) RiskHeatmap(ctx context.Context, tenantID string, from, to time.Time) ([]*types.HeatmapCell, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date_trunc('day', timestamp) AS day, severity, COUNT(*)
		FROM audit_events
		WHERE tenant_id = $1 AND timestamp >= $2 AND timestamp <= $3
		GROUP BY day, severity
		ORDER BY day, severity`,
		tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk heatmap: %w", err)
	}
	defer rows.Close()

	var cells []*types.HeatmapCell
	for rows.Next() {
		cell := &types.HeatmapCell{}
		var severity string
		if err := rows.Scan(&cell.Day, &severity, &cell.Count); err != nil {
			return nil, fmt.Errorf("failed to scan heatmap cell: %w", err)
		}
		cell.Severity = types.Severity(severity)
		cells = append(cells, cell)
	}
	return cells, rows.Err()
}
