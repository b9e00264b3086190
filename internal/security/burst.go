package security

import (
	"time"

	"github.com/healthbridge/lab-orders/pkg/config"
	"github.com/healthbridge/lab-orders/pkg/types"
)

// BurstProtector bounds request count per actor inside a short sliding window.
// It is independent of the fixed-window limiter: a burst rejection does not
// consume the longer-window budget.
type BurstProtector struct {
	store  *MetricStore
	window time.Duration
	limit  int
	// elevated roles carry a tighter burst cap since their traffic is manual
	elevatedLimit int
}

// NewBurstProtector creates a burst protector over the shared metric store
func NewBurstProtector(store *MetricStore, cfg *config.RateLimitConfig) *BurstProtector {
	return &BurstProtector{
		store:         store,
		window:        time.Duration(cfg.BurstWindowSeconds) * time.Second,
		limit:         cfg.BurstLimit,
		elevatedLimit: cfg.BurstLimitElevated,
	}
}

// Allow records the request in the actor's sliding window and reports whether
// it stays under the burst cap.
func (bp *BurstProtector) Allow(claims *types.UserClaims, now time.Time) (allowed bool, retryAfter int) {
	limit := bp.limit
	if claims.Role.Elevated() && bp.elevatedLimit > 0 {
		limit = bp.elevatedLimit
	}

	count := 0
	bp.store.WithMetric(claims.UserID, func(m *SecurityMetric) {
		count = m.recordBurst(now, bp.window)
	})

	if count <= limit {
		return true, 0
	}
	return false, int(bp.window.Seconds())
}
