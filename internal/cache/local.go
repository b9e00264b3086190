package cache

import (
	"sync"
	"time"
)

// localStore is the in-process fallback behind the cache layer. Entries carry
// their own expiry and a janitor evicts expired ones periodically.
type localStore struct {
	mu       sync.RWMutex
	entries  map[string]localEntry
	counters map[string]*counterEntry
	stopCh   chan struct{}
	stopOnce sync.Once
}

type localEntry struct {
	value   []byte
	expires time.Time
}

type counterEntry struct {
	count   int64
	expires time.Time
}

func newLocalStore() *localStore {
	s := &localStore{
		entries:  make(map[string]localEntry),
		counters: make(map[string]*counterEntry),
		stopCh:   make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *localStore) get(key string) ([]byte, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.value, true
}

func (s *localStore) set(key string, value []byte, ttl time.Duration) {
	s.mu.Lock()
	s.entries[key] = localEntry{value: value, expires: time.Now().Add(ttl)}
	s.mu.Unlock()
}

func (s *localStore) delete(keys ...string) {
	s.mu.Lock()
	for _, key := range keys {
		delete(s.entries, key)
	}
	s.mu.Unlock()
}

func (s *localStore) incr(key string, window time.Duration) (int64, time.Duration) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	counter, ok := s.counters[key]
	if !ok || now.After(counter.expires) {
		counter = &counterEntry{expires: now.Add(window)}
		s.counters[key] = counter
	}
	counter.count++
	return counter.count, counter.expires.Sub(now)
}

func (s *localStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *localStore) sweep() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.entries {
		if now.After(entry.expires) {
			delete(s.entries, key)
		}
	}
	for key, counter := range s.counters {
		if now.After(counter.expires) {
			delete(s.counters, key)
		}
	}
}

func (s *localStore) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
