package corekv

// status.go holds the single shared cell the background scheduler uses to
// surface its most recent failure to foreground callers via Stats, instead
// of a store-wide boolean flag per spec.md §9's instruction to avoid
// ad-hoc booleans for state that is really a small state machine.
//
// © 2025 corekv authors. MIT License.

import (
	"sync"
	"time"
)

type backgroundStatus struct {
	mu       sync.Mutex
	lastErr  error
	lastAt   time.Time
	checkpointTokens int
	gcPasses int
}

func (s *backgroundStatus) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	s.lastAt = time.Now()
}

func (s *backgroundStatus) recordCheckpoint() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpointTokens++
}

func (s *backgroundStatus) recordGC() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcPasses++
}

func (s *backgroundStatus) snapshot() (lastErr error, lastAt time.Time, checkpoints, gcPasses int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr, s.lastAt, s.checkpointTokens, s.gcPasses
}
