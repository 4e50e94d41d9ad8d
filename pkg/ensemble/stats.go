package ensemble

import (
	"sync"
	"time"
)

// Stats aggregates usage across requests.
type Stats struct {
	mu        sync.Mutex
	total     int64
	fallbacks int64
	modes     map[Mode]int64
	elapsed   time.Duration
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	TotalRequests       int64            `json:"total_requests"`
	Fallbacks           int64            `json:"fallbacks"`
	ModesUsage          map[string]int64 `json:"modes_usage"`
	AverageResponseTime float64          `json:"average_response_time"` // seconds
}

// NewStats returns empty stats.
func NewStats() *Stats {
	return &Stats{modes: make(map[Mode]int64)}
}

// Record adds one dispatched request.
func (s *Stats) Record(mode Mode, elapsed time.Duration, fallback bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.modes[mode]++
	s.elapsed += elapsed
	if fallback {
		s.fallbacks++
	}
}

// Snapshot returns the current counters. Every mode is present, even unused.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		TotalRequests: s.total,
		Fallbacks:     s.fallbacks,
		ModesUsage: map[string]int64{
			string(ModeCommittee): s.modes[ModeCommittee],
			string(ModeRouter):    s.modes[ModeRouter],
			string(ModeCascade):   s.modes[ModeCascade],
		},
	}
	if s.total > 0 {
		snap.AverageResponseTime = roundSeconds(s.elapsed / time.Duration(s.total))
	}
	return snap
}
