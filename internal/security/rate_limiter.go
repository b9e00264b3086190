package security

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/healthbridge/lab-orders/internal/cache"
	"github.com/healthbridge/lab-orders/pkg/config"
	"github.com/healthbridge/lab-orders/pkg/types"
)

// Rate-limited operations
const (
	OpOrderCreate    = "order_create"
	OpDocumentAccess = "document_access"
)

// Decision is the outcome of a rate-limit check
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter int
}

// RateLimiter enforces fixed-window, role-aware, adaptive limits. Counters
// live in the cache layer so multiple instances share the same windows.
type RateLimiter struct {
	cache *cache.Cache
	cfg   *config.RateLimitConfig
}

// NewRateLimiter creates a rate limiter backed by the shared cache
func NewRateLimiter(c *cache.Cache, cfg *config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{cache: c, cfg: cfg}
}

// Allow checks and consumes one unit of the actor's fixed-window budget for
// the operation. Suspicious actors get a reduced ceiling regardless of role.
func (rl *RateLimiter) Allow(ctx context.Context, operation string, claims *types.UserClaims, suspicious bool) (Decision, error) {
	if !rl.cfg.Enabled {
		return Decision{Allowed: true}, nil
	}

	limit, window, err := rl.limitFor(operation, claims.Role, suspicious)
	if err != nil {
		return Decision{}, err
	}

	count, remaining, err := rl.cache.Incr(ctx, cache.CounterKey(operation, claims.UserID), window)
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{
		Allowed:    count <= int64(limit),
		Limit:      limit,
		RetryAfter: int(math.Ceil(remaining.Seconds())),
	}
	if left := int64(limit) - count; left > 0 {
		decision.Remaining = int(left)
	}
	return decision, nil
}

// limitFor computes the effective ceiling and window for an operation and role
func (rl *RateLimiter) limitFor(operation string, role types.UserRole, suspicious bool) (int, time.Duration, error) {
	var limit int
	var window time.Duration

	switch operation {
	case OpOrderCreate:
		limit = rl.cfg.OrderLimit
		window = time.Duration(rl.cfg.OrderWindowMinutes) * time.Minute
	case OpDocumentAccess:
		limit = rl.cfg.DocumentLimit
		window = time.Duration(rl.cfg.DocumentWindowMinutes) * time.Minute
	default:
		return 0, 0, fmt.Errorf("unknown rate-limited operation: %s", operation)
	}

	if role.Elevated() {
		limit *= rl.cfg.ElevatedMultiplier
	}

	// Adaptive reduction: suspicious actors lose half their ceiling even if
	// their role would normally allow more
	if suspicious {
		limit /= 2
		if limit < 1 {
			limit = 1
		}
	}

	return limit, window, nil
}
