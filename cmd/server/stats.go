package main

import "time"

// Stats represents current broker stats for the state API.
type Stats struct {
	ActiveSessions int    `json:"active_sessions"`
	TotalSessions  int64  `json:"total_sessions"`
	Failures       int64  `json:"failures"`
	PoolIdle       int    `json:"pool_idle"`
	PoolCheckedOut int    `json:"pool_checked_out"`
	Now            string `json:"now"`
}

func collectStats(s StateStore, idle, checkedOut int) Stats {
	active, total, failures := s.getStats()
	return Stats{
		ActiveSessions: active,
		TotalSessions:  total,
		Failures:       failures,
		PoolIdle:       idle,
		PoolCheckedOut: checkedOut,
		Now:            time.Now().UTC().Format(time.RFC3339),
	}
}
