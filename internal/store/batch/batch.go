// Package batch holds the materialized in-memory event batch the analysis
// engines run against. Receivers append; analysis takes snapshots.
package batch

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/platformbuilds/mirador-behavior-engine/internal/model"
)

var batchSize = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "behavior_engine_batch_events",
	Help: "Events currently held in the in-memory batch.",
})

// Store is a bounded append-only buffer. When the cap is reached the oldest
// events are evicted first, keeping the batch a sliding view of recent
// ingestion while preserving arrival order for deterministic sampling.
type Store struct {
	mu        sync.RWMutex
	events    []model.Event
	maxEvents int
}

// New returns a store bounded to maxEvents (a non-positive cap defaults to
// 500k).
func New(maxEvents int) *Store {
	if maxEvents <= 0 {
		maxEvents = 500_000
	}
	return &Store{maxEvents: maxEvents}
}

// Append adds events in arrival order, evicting from the front on overflow.
func (s *Store) Append(events ...model.Event) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, events...)
	if over := len(s.events) - s.maxEvents; over > 0 {
		s.events = append([]model.Event(nil), s.events[over:]...)
	}
	batchSize.Set(float64(len(s.events)))
}

// Snapshot returns a copy of the current batch; the caller owns the slice.
func (s *Store) Snapshot() []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Len reports the current batch size.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Reset drops the whole batch.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	batchSize.Set(0)
}
