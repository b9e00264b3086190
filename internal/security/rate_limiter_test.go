package security

import (
	"context"
	"testing"
	"time"

	"github.com/healthbridge/lab-orders/internal/cache"
	"github.com/healthbridge/lab-orders/pkg/config"
	"github.com/healthbridge/lab-orders/pkg/logger"
	"github.com/healthbridge/lab-orders/pkg/types"
)

func testRateLimitConfig() *config.RateLimitConfig {
	return &config.RateLimitConfig{
		Enabled:               true,
		OrderWindowMinutes:    15,
		OrderLimit:            10,
		DocumentWindowMinutes: 5,
		DocumentLimit:         30,
		ElevatedMultiplier:    3,
		BurstWindowSeconds:    10,
		BurstLimit:            5,
		BurstLimitElevated:    3,
	}
}

func newTestLimiter(t *testing.T) (*RateLimiter, *cache.Cache) {
	t.Helper()
	c := cache.New(nil, logger.New("security-test", "error"))
	t.Cleanup(c.Stop)
	return NewRateLimiter(c, testRateLimitConfig()), c
}

func TestRateLimiter_EleventhRequestRejected(t *testing.T) {
	rl, _ := newTestLimiter(t)
	ctx := context.Background()
	claims := &types.UserClaims{UserID: "user-1", TenantID: "t1", Role: types.RoleDoctor}

	for i := 1; i <= 10; i++ {
		decision, err := rl.Allow(ctx, OpOrderCreate, claims, false)
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	decision, err := rl.Allow(ctx, OpOrderCreate, claims, false)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if decision.Allowed {
		t.Error("11th request in the window should be rejected")
	}
	if decision.RetryAfter <= 0 {
		t.Error("rejection should carry a Retry-After hint")
	}
}

func TestRateLimiter_ElevatedRoleHigherCeiling(t *testing.T) {
	rl, _ := newTestLimiter(t)
	ctx := context.Background()
	claims := &types.UserClaims{UserID: "admin-1", TenantID: "t1", Role: types.RoleAdmin}

	// Admins get 10 * 3 = 30 creations per window
	for i := 1; i <= 30; i++ {
		decision, err := rl.Allow(ctx, OpOrderCreate, claims, false)
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("request %d should be allowed for elevated role", i)
		}
	}

	decision, _ := rl.Allow(ctx, OpOrderCreate, claims, false)
	if decision.Allowed {
		t.Error("31st request should be rejected even for elevated role")
	}
}

func TestRateLimiter_SuspiciousActorReducedCeiling(t *testing.T) {
	rl, _ := newTestLimiter(t)
	ctx := context.Background()
	claims := &types.UserClaims{UserID: "user-2", TenantID: "t1", Role: types.RoleDoctor}

	// Suspicious actors get half the base ceiling: 5 instead of 10
	for i := 1; i <= 5; i++ {
		decision, err := rl.Allow(ctx, OpOrderCreate, claims, true)
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	decision, _ := rl.Allow(ctx, OpOrderCreate, claims, true)
	if decision.Allowed {
		t.Error("6th request should be rejected for a suspicious actor")
	}
}

func TestRateLimiter_IndependentOperations(t *testing.T) {
	rl, _ := newTestLimiter(t)
	ctx := context.Background()
	claims := &types.UserClaims{UserID: "user-3", TenantID: "t1", Role: types.RoleDoctor}

	for i := 0; i < 10; i++ {
		rl.Allow(ctx, OpOrderCreate, claims, false)
	}
	decision, _ := rl.Allow(ctx, OpOrderCreate, claims, false)
	if decision.Allowed {
		t.Fatal("order creation budget should be exhausted")
	}

	decision, err := rl.Allow(ctx, OpDocumentAccess, claims, false)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !decision.Allowed {
		t.Error("document access budget should be independent of order creation")
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	c := cache.New(nil, logger.New("security-test", "error"))
	t.Cleanup(c.Stop)
	cfg := testRateLimitConfig()
	cfg.Enabled = false
	rl := NewRateLimiter(c, cfg)

	claims := &types.UserClaims{UserID: "user-4", TenantID: "t1", Role: types.RoleDoctor}
	for i := 0; i < 50; i++ {
		decision, err := rl.Allow(context.Background(), OpOrderCreate, claims, false)
		if err != nil || !decision.Allowed {
			t.Fatal("disabled limiter should always allow")
		}
	}
}

func TestBurstProtector_SlidingWindow(t *testing.T) {
	store := NewMetricStore(time.Hour)
	defer store.Stop()
	bp := NewBurstProtector(store, testRateLimitConfig())

	claims := &types.UserClaims{UserID: "user-5", TenantID: "t1", Role: types.RoleDoctor}
	now := time.Now()

	for i := 1; i <= 5; i++ {
		allowed, _ := bp.Allow(claims, now.Add(time.Duration(i)*time.Millisecond))
		if !allowed {
			t.Fatalf("request %d should be inside the burst cap", i)
		}
	}

	allowed, retryAfter := bp.Allow(claims, now.Add(6*time.Millisecond))
	if allowed {
		t.Error("6th request inside 10s should exceed the burst cap")
	}
	if retryAfter <= 0 {
		t.Error("burst rejection should carry a retry hint")
	}

	// Outside the sliding window the actor recovers
	allowed, _ = bp.Allow(claims, now.Add(11*time.Second))
	if !allowed {
		t.Error("request after the window should be allowed again")
	}
}

func TestBurstProtector_ElevatedRoleTighterCap(t *testing.T) {
	store := NewMetricStore(time.Hour)
	defer store.Stop()
	bp := NewBurstProtector(store, testRateLimitConfig())

	claims := &types.UserClaims{UserID: "admin-2", TenantID: "t1", Role: types.RoleAdmin}
	now := time.Now()

	for i := 1; i <= 3; i++ {
		allowed, _ := bp.Allow(claims, now.Add(time.Duration(i)*time.Millisecond))
		if !allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	allowed, _ := bp.Allow(claims, now.Add(4*time.Millisecond))
	if allowed {
		t.Error("4th request should exceed the elevated burst cap of 3")
	}
}
