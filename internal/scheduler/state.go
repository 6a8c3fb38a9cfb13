package scheduler

import (
	"sync"
	"time"

	"reminderd/internal/domain"
)

// Skip reasons reported in RunStats.Skipped.
const (
	SkipInFlight = "in_flight"
	SkipCooldown = "cooldown"
)

// State is the loop's only mutable run bookkeeping. All access goes through
// its methods so no caller can see a half-updated view.
type State struct {
	mu                  sync.Mutex
	processing          bool
	lastRunTime         time.Time
	consecutiveFailures int
	last                domain.RunStats
}

// begin claims the run slot. It returns a skip reason when the slot is
// taken or the cool-down since the last run start has not elapsed.
func (s *State) begin(now time.Time, cooldown time.Duration) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		return SkipInFlight
	}
	if !s.lastRunTime.IsZero() && now.Sub(s.lastRunTime) < cooldown {
		return SkipCooldown
	}
	s.processing = true
	s.lastRunTime = now
	return ""
}

// end releases the slot and updates the failure streak. It returns the new
// streak length.
func (s *State) end(stats domain.RunStats, failed bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = false
	if failed {
		s.consecutiveFailures++
	} else {
		s.consecutiveFailures = 0
	}
	s.last = stats
	return s.consecutiveFailures
}

func (s *State) failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFailures
}

// Status is a read-only copy of State.
type Status struct {
	Processing          bool            `json:"processing"`
	LastRunTime         time.Time       `json:"last_run_time"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	LastRun             domain.RunStats `json:"last_run"`
}

func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Processing:          s.processing,
		LastRunTime:         s.lastRunTime,
		ConsecutiveFailures: s.consecutiveFailures,
		LastRun:             s.last,
	}
}
