package security

import (
	"sync"
	"time"
)

// SecurityMetric is the per-actor, process-local request tracking state shared
// by the rate limiter, burst protector and threat detector.
type SecurityMetric struct {
	mu sync.Mutex

	UserID             string
	TotalRequests      int64
	PDFAccessCount     int64
	OrderCreationCount int64
	FailureCount       int64
	LastActivity       time.Time
	WindowStart        time.Time
	Suspicious         bool
	// RiskScore is a saturating 0-10 rolling score
	RiskScore    float64
	BlockedUntil time.Time

	burstTimes  []time.Time
	docAccesses []docAccess
}

type docAccess struct {
	at      time.Time
	orderID string
}

// Snapshot is a copy of a metric safe to hand outside the store
type Snapshot struct {
	UserID             string
	TotalRequests      int64
	PDFAccessCount     int64
	OrderCreationCount int64
	FailureCount       int64
	LastActivity       time.Time
	Suspicious         bool
	RiskScore          float64
	BlockedUntil       time.Time
}

// touch refreshes the metric on an observed request and returns the gap since
// the previous request. Callers hold m.mu.
func (m *SecurityMetric) touch(now time.Time) time.Duration {
	gap := now.Sub(m.LastActivity)
	m.TotalRequests++
	m.LastActivity = now
	return gap
}

// addRisk folds a threat score into the rolling risk score, saturating at 10
func (m *SecurityMetric) addRisk(score float64) {
	m.RiskScore += score
	if m.RiskScore > 10 {
		m.RiskScore = 10
	}
}

// recordBurst appends a request timestamp and returns the count inside the
// sliding window. Callers hold m.mu.
func (m *SecurityMetric) recordBurst(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	kept := m.burstTimes[:0]
	for _, t := range m.burstTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.burstTimes = append(kept, now)
	return len(m.burstTimes)
}

// recordDocAccess appends a document access and returns the access count and
// distinct-order count within the past hour. Callers hold m.mu.
func (m *SecurityMetric) recordDocAccess(now time.Time, orderID string) (count, distinct int) {
	cutoff := now.Add(-time.Hour)
	kept := m.docAccesses[:0]
	for _, a := range m.docAccesses {
		if a.at.After(cutoff) {
			kept = append(kept, a)
		}
	}
	m.docAccesses = append(kept, docAccess{at: now, orderID: orderID})

	orders := make(map[string]struct{}, len(m.docAccesses))
	for _, a := range m.docAccesses {
		orders[a.orderID] = struct{}{}
	}
	return len(m.docAccesses), len(orders)
}

// MetricStore holds per-actor security metrics with periodic eviction.
// Metrics are created lazily on the first observed request and swept once
// their window expires.
type MetricStore struct {
	mu      sync.RWMutex
	metrics map[string]*SecurityMetric
	window  time.Duration
	stopCh  chan struct{}
	stopped sync.Once
}

// NewMetricStore creates a metric store whose entries expire after window of inactivity
func NewMetricStore(window time.Duration) *MetricStore {
	return &MetricStore{
		metrics: make(map[string]*SecurityMetric),
		window:  window,
		stopCh:  make(chan struct{}),
	}
}

// get returns the metric for userID, creating it lazily
func (s *MetricStore) get(userID string) *SecurityMetric {
	s.mu.RLock()
	metric, exists := s.metrics[userID]
	s.mu.RUnlock()

	if exists {
		return metric
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if metric, exists := s.metrics[userID]; exists {
		return metric
	}

	metric = &SecurityMetric{
		UserID:      userID,
		WindowStart: time.Now(),
	}
	s.metrics[userID] = metric
	return metric
}

// WithMetric runs fn under the actor's metric lock, giving atomic
// read-modify-write semantics for concurrent requests from the same actor.
func (s *MetricStore) WithMetric(userID string, fn func(*SecurityMetric)) {
	metric := s.get(userID)
	metric.mu.Lock()
	defer metric.mu.Unlock()
	fn(metric)
}

// SnapshotOf returns a copy of the actor's metric, or nil if absent
func (s *MetricStore) SnapshotOf(userID string) *Snapshot {
	s.mu.RLock()
	metric, exists := s.metrics[userID]
	s.mu.RUnlock()

	if !exists {
		return nil
	}

	metric.mu.Lock()
	defer metric.mu.Unlock()
	return &Snapshot{
		UserID:             metric.UserID,
		TotalRequests:      metric.TotalRequests,
		PDFAccessCount:     metric.PDFAccessCount,
		OrderCreationCount: metric.OrderCreationCount,
		FailureCount:       metric.FailureCount,
		LastActivity:       metric.LastActivity,
		Suspicious:         metric.Suspicious,
		RiskScore:          metric.RiskScore,
		BlockedUntil:       metric.BlockedUntil,
	}
}

// Sweep evicts metrics whose activity window has expired. Blocked actors are
// kept until the block lapses.
func (s *MetricStore) Sweep() {
	now := time.Now()
	cutoff := now.Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	for userID, metric := range s.metrics {
		metric.mu.Lock()
		expired := metric.LastActivity.Before(cutoff) && metric.BlockedUntil.Before(now)
		metric.mu.Unlock()
		if expired {
			delete(s.metrics, userID)
		}
	}
}

// StartSweeper runs Sweep on the given interval until Stop is called
func (s *MetricStore) StartSweeper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop stops the sweeper
func (s *MetricStore) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
}

// Len returns the number of tracked actors
func (s *MetricStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.metrics)
}
