package cache

import (
	"context"
	"testing"
	"time"

	"github.com/healthbridge/lab-orders/pkg/logger"
)

func newTestCache() *Cache {
	return New(nil, logger.New("cache-test", "error"))
}

func TestCache_SetGet(t *testing.T) {
	c := newTestCache()
	defer c.Stop()
	ctx := context.Background()

	c.Set(ctx, "key1", []byte("value1"), time.Minute)

	val, ok := c.Get(ctx, "key1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(val) != "value1" {
		t.Errorf("expected value1, got %s", val)
	}
}

func TestCache_Expiry(t *testing.T) {
	c := newTestCache()
	defer c.Stop()
	ctx := context.Background()

	c.Set(ctx, "key1", []byte("value1"), 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get(ctx, "key1"); ok {
		t.Error("expected expired entry to miss")
	}
}

func TestCache_Delete(t *testing.T) {
	c := newTestCache()
	defer c.Stop()
	ctx := context.Background()

	c.Set(ctx, "key1", []byte("a"), time.Minute)
	c.Set(ctx, "key2", []byte("b"), time.Minute)
	c.Delete(ctx, "key1", "key2")

	if _, ok := c.Get(ctx, "key1"); ok {
		t.Error("key1 should have been deleted")
	}
	if _, ok := c.Get(ctx, "key2"); ok {
		t.Error("key2 should have been deleted")
	}
}

func TestCache_JSONRoundTrip(t *testing.T) {
	c := newTestCache()
	defer c.Stop()
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	c.SetJSON(ctx, "obj", payload{Name: "cbc", Count: 3}, time.Minute)

	var got payload
	if !c.GetJSON(ctx, "obj", &got) {
		t.Fatal("expected cache hit")
	}
	if got.Name != "cbc" || got.Count != 3 {
		t.Errorf("unexpected payload: %+v", got)
	}
}

func TestCache_IncrFixedWindow(t *testing.T) {
	c := newTestCache()
	defer c.Stop()
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		count, remaining, err := c.Incr(ctx, "counter", time.Minute)
		if err != nil {
			t.Fatalf("Incr failed: %v", err)
		}
		if count != i {
			t.Errorf("expected count %d, got %d", i, count)
		}
		if remaining <= 0 || remaining > time.Minute {
			t.Errorf("unexpected remaining window: %v", remaining)
		}
	}
}

func TestCache_IncrWindowReset(t *testing.T) {
	c := newTestCache()
	defer c.Stop()
	ctx := context.Background()

	c.Incr(ctx, "counter", 10*time.Millisecond)
	c.Incr(ctx, "counter", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	count, _, err := c.Incr(ctx, "counter", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Incr failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected fresh window to restart at 1, got %d", count)
	}
}

func TestInvalidateOrder(t *testing.T) {
	c := newTestCache()
	defer c.Stop()
	ctx := context.Background()

	keys := []string{
		OrderKey("t1", "LAB-2025-0001"),
		PatientOrdersKey("t1", "p1"),
		ResultKey("t1", "LAB-2025-0001"),
		RequisitionKey("t1", "LAB-2025-0001"),
	}
	for _, k := range keys {
		c.Set(ctx, k, []byte("x"), time.Minute)
	}

	c.InvalidateOrder(ctx, "t1", "LAB-2025-0001", "p1")

	for _, k := range keys {
		if _, ok := c.Get(ctx, k); ok {
			t.Errorf("key %s should have been invalidated", k)
		}
	}
}
