package main

// StateStore abstracts broker state management to allow horizontal scaling.
type StateStore interface {
	registerSession(s *sessionInfo)
	endSession(id string)
	recordFailure(stage string)
	setClosing(closing bool)
	setReady(ready bool)
	isClosing() bool
	isReady() bool
	// stats helpers (not exported outside package main)
	getStats() (active int, total int64, failures int64)
}
