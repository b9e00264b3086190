package security

import (
	"fmt"
	"testing"
	"time"

	"github.com/healthbridge/lab-orders/pkg/config"
	"github.com/healthbridge/lab-orders/pkg/logger"
	"github.com/healthbridge/lab-orders/pkg/types"
)

func testSecurityConfig() *config.SecurityConfig {
	return &config.SecurityConfig{
		RiskBlockThreshold:          8.0,
		FailureBlockThreshold:       5,
		BlockMinutes:                15,
		SweepIntervalMinutes:        5,
		MetricWindowMinutes:         60,
		ExfiltrationAccessThreshold: 20,
		ExfiltrationMinDistinct:     5,
	}
}

func newTestDetector(t *testing.T) (*Detector, *MetricStore) {
	t.Helper()
	store := NewMetricStore(time.Hour)
	t.Cleanup(store.Stop)
	return NewDetector(store, testSecurityConfig(), logger.New("security-test", "error")), store
}

func TestDetector_InjectionPatterns(t *testing.T) {
	detector, _ := newTestDetector(t)

	cases := []struct {
		name     string
		material string
	}{
		{"script tag", `{"indication":"<script>alert(1)</script>"}`},
		{"operator injection", `{"patientId":{"$ne":null}}`},
		{"path traversal", `file=../../etc/passwd`},
		{"sql union", `search=1 UNION SELECT password FROM users`},
		{"sql drop", `note=x; DROP TABLE lab_orders`},
		{"classic tautology", `q=' or '1'='1`},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			userID := fmt.Sprintf("inj-user-%d", i)
			threats := detector.Inspect(userID, tc.material, "Mozilla/5.0", time.Now())

			if found := firstThreat(threats, ThreatInjection); found == nil {
				t.Fatalf("expected injection detection for %q", tc.material)
			} else if found.Severity != types.SeverityCritical {
				t.Errorf("injection should be critical, got %s", found.Severity)
			}
		})
	}
}

func TestDetector_CleanMaterialNoDetection(t *testing.T) {
	detector, _ := newTestDetector(t)

	threats := detector.Inspect("clean-user",
		`{"indication":"routine annual screening, patient fasting since 22:00"}`,
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7)", time.Now())

	if len(threats) != 0 {
		t.Errorf("expected no detections, got %v", threats)
	}
}

func TestDetector_AutomationFingerprint(t *testing.T) {
	detector, _ := newTestDetector(t)

	agents := []string{
		"curl/8.4.0",
		"python-requests/2.31.0",
		"Go-http-client/1.1",
		"Scrapy/2.11",
	}

	for i, agent := range agents {
		userID := fmt.Sprintf("ua-user-%d", i)
		threats := detector.Inspect(userID, "", agent, time.Now())
		if firstThreat(threats, ThreatAutomation) == nil {
			t.Errorf("expected automation detection for user agent %q", agent)
		}
	}
}

func TestDetector_RapidFire(t *testing.T) {
	detector, _ := newTestDetector(t)
	now := time.Now()

	detector.Inspect("rapid-user", "", "Mozilla/5.0", now)
	threats := detector.Inspect("rapid-user", "", "Mozilla/5.0", now.Add(50*time.Millisecond))

	if firstThreat(threats, ThreatRapidFire) == nil {
		t.Error("expected rapid-fire detection for sub-100ms request gap")
	}

	threats = detector.Inspect("rapid-user", "", "Mozilla/5.0", now.Add(time.Second))
	if firstThreat(threats, ThreatRapidFire) != nil {
		t.Error("a 950ms gap should not be flagged as rapid fire")
	}
}

func TestDetector_RiskScoreSaturates(t *testing.T) {
	detector, store := newTestDetector(t)

	for i := 0; i < 10; i++ {
		detector.Inspect("risky-user", `<script>x</script>`, "curl/8.0", time.Now().Add(time.Duration(i)*time.Second))
	}

	snapshot := store.SnapshotOf("risky-user")
	if snapshot == nil {
		t.Fatal("expected metric for risky-user")
	}
	if snapshot.RiskScore != 10 {
		t.Errorf("risk score should saturate at 10, got %.1f", snapshot.RiskScore)
	}
	if !snapshot.Suspicious {
		t.Error("high-risk actor should be flagged suspicious")
	}
}

func TestDetector_ExfiltrationPattern(t *testing.T) {
	detector, _ := newTestDetector(t)
	now := time.Now()

	// 21 accesses against only 2 distinct orders within the hour
	var last []Threat
	for i := 0; i < 21; i++ {
		orderID := fmt.Sprintf("LAB-2025-000%d", i%2)
		last = detector.RecordDocumentAccess("exfil-user", orderID, now.Add(time.Duration(i)*time.Minute))
	}

	if firstThreat(last, ThreatExfiltration) == nil {
		t.Fatal("expected exfiltration detection for high-volume low-diversity access")
	}

	// High volume with high diversity is fine
	for i := 0; i < 25; i++ {
		orderID := fmt.Sprintf("LAB-2025-%04d", i)
		last = detector.RecordDocumentAccess("busy-user", orderID, now.Add(time.Duration(i)*time.Minute))
	}
	if firstThreat(last, ThreatExfiltration) != nil {
		t.Error("diverse document access should not be flagged")
	}
}

func TestDetector_BlockAfterThresholds(t *testing.T) {
	detector, _ := newTestDetector(t)
	now := time.Now()

	// Drive the risk score to the block threshold
	for i := 0; i < 3; i++ {
		detector.Inspect("blocked-user", `1 UNION SELECT 1`, "", now.Add(time.Duration(i)*time.Second))
	}

	// Failures alone should not block until both thresholds are crossed
	for i := int64(1); i < 5; i++ {
		if blocked := detector.RecordFailure("blocked-user", now); blocked {
			t.Fatalf("should not block before failure threshold, failure %d", i)
		}
	}

	if blocked := detector.RecordFailure("blocked-user", now); !blocked {
		t.Fatal("expected block after risk and failure thresholds crossed")
	}

	isBlocked, retryAfter := detector.IsBlocked("blocked-user", now)
	if !isBlocked {
		t.Error("actor should be inside the block window")
	}
	if retryAfter <= 0 {
		t.Error("block should carry a retry hint")
	}

	// Block expires
	isBlocked, _ = detector.IsBlocked("blocked-user", now.Add(16*time.Minute))
	if isBlocked {
		t.Error("block should lapse after the configured duration")
	}
}

func TestMetricStore_SweepEvictsExpired(t *testing.T) {
	store := NewMetricStore(10 * time.Millisecond)
	defer store.Stop()

	store.WithMetric("old-user", func(m *SecurityMetric) {
		m.touch(time.Now().Add(-time.Minute))
	})
	store.WithMetric("fresh-user", func(m *SecurityMetric) {
		m.touch(time.Now())
	})

	store.Sweep()

	if store.SnapshotOf("old-user") != nil {
		t.Error("expired metric should have been swept")
	}
	if store.SnapshotOf("fresh-user") == nil {
		t.Error("fresh metric should survive the sweep")
	}
}

func TestMetricStore_BlockedActorSurvivesSweep(t *testing.T) {
	store := NewMetricStore(10 * time.Millisecond)
	defer store.Stop()

	store.WithMetric("blocked-user", func(m *SecurityMetric) {
		m.touch(time.Now().Add(-time.Minute))
		m.BlockedUntil = time.Now().Add(10 * time.Minute)
	})

	store.Sweep()

	if store.SnapshotOf("blocked-user") == nil {
		t.Error("blocked actor must not be evicted while the block holds")
	}
}

func TestSanitizeString(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"  plain text  ", "plain text"},
		{"line1\nline2", "line1\nline2"},
		{"null\x00byte", "nullbyte"},
		{"bell\x07char", "bellchar"},
	}

	for _, tc := range cases {
		if got := SanitizeString(tc.in); got != tc.want {
			t.Errorf("SanitizeString(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeMap_DropsOperatorKeys(t *testing.T) {
	clean := SanitizeMap(map[string]string{
		"name":     "cbc",
		"$where":   "1==1",
		"a.b":      "dotted",
		"priority": "stat",
	})

	if _, ok := clean["$where"]; ok {
		t.Error("operator-prefixed keys should be dropped")
	}
	if _, ok := clean["a.b"]; ok {
		t.Error("dotted keys should be dropped")
	}
	if clean["name"] != "cbc" || clean["priority"] != "stat" {
		t.Errorf("benign keys should survive: %v", clean)
	}
}
