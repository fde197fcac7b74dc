package main

import (
	"sync"
)

// brokerState is the default in-memory StateStore for a single broker
// instance.
type brokerState struct {
	mu       sync.Mutex
	sessions map[string]*sessionInfo // id -> in-flight session
	closing  bool
	ready    bool
	total    int64 // sessions that reached the relay
	failures int64 // sessions that failed before the relay
}

func newBrokerState() *brokerState {
	return &brokerState{sessions: make(map[string]*sessionInfo)}
}

var _ StateStore = (*brokerState)(nil)

func (s *brokerState) registerSession(info *sessionInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[info.id] = info
	s.total++
}

func (s *brokerState) endSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *brokerState) recordFailure(stage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
}

func (s *brokerState) setClosing(closing bool) { s.mu.Lock(); s.closing = closing; s.mu.Unlock() }
func (s *brokerState) setReady(ready bool)     { s.mu.Lock(); s.ready = ready; s.mu.Unlock() }
func (s *brokerState) isClosing() bool         { s.mu.Lock(); defer s.mu.Unlock(); return s.closing }
func (s *brokerState) isReady() bool           { s.mu.Lock(); defer s.mu.Unlock(); return s.ready }

func (s *brokerState) getStats() (int, int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions), s.total, s.failures
}
