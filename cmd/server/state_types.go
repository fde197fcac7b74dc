package main

import (
	"time"
)

// sessionInfo describes one in-flight client session for the state store
// and the /api/state surface.
type sessionInfo struct {
	id          string
	clientAddr  string
	backendPort uint16
	started     time.Time
}
