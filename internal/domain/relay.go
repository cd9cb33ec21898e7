package domain

import "time"

const (
	OutcomeDone       = "done"
	OutcomeError      = "error"
	OutcomeClientGone = "client_gone"
)

// RelayRecord summarizes one relayed stream. It never carries message content.
type RelayRecord struct {
	RequestID   string
	Model       string
	Messages    int
	Deltas      int
	ChunkErrors int
	Outcome     string
	Error       string
	StartedAt   time.Time
	Duration    time.Duration
	TTL         int64
}
