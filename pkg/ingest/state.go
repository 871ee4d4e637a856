package ingest

import "time"

// State is the ingestion loop state
type State int

const (
	StateIdle State = iota
	StatePolling
	StateReconciling
	StateBackoff
	StateStopped
)

var stateNames = [...]string{"idle", "polling", "reconciling", "backoff", "stopped"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Status is a point-in-time report of the loop
type Status struct {
	State State
	// Since is when the current state was entered
	Since time.Time
	// BackoffSince is when the current run of failures first entered
	// Backoff. It is cleared by the next successful cycle.
	BackoffSince time.Time
	// LastError is the most recent provider or chain error
	LastError           string
	ConsecutiveFailures int
	LastPoll            time.Time
	BlocksAccepted      uint64
}

// Healthy reports whether the loop is serving at now. It is unhealthy once
// stopped, or when it has been backing off for longer than grace.
func (s Status) Healthy(now time.Time, grace time.Duration) bool {
	switch s.State {
	case StateStopped:
		return false
	case StateBackoff:
		return now.Sub(s.BackoffSince) <= grace
	default:
		return true
	}
}
