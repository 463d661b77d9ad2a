package types

import "time"

// HealthStatus is the reachability snapshot of the vector database
type HealthStatus struct {
	IsHealthy           bool
	LastCheck           time.Time
	ConsecutiveFailures int
	LastError           string
	ResponseTime        time.Duration
	Slow                bool
}
