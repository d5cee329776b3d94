package domain

import "time"

// OutcomeKind classifies how one follower pipeline ended.
type OutcomeKind string

const (
	OutcomeDispatched  OutcomeKind = "dispatched"
	OutcomePolicySkip  OutcomeKind = "policy_skip"
	OutcomeUnmapped    OutcomeKind = "unmapped"
	OutcomeRiskDenied  OutcomeKind = "risk_denied"
	OutcomeBrokerError OutcomeKind = "broker_error"
	OutcomeTimeout     OutcomeKind = "timeout"
)

// PolicySkip sub-reasons recorded in FollowerOutcome.Reason.
const (
	SkipTooSmall    = "too_small"
	SkipNotionalCap = "link_notional_cap"
)

// FollowerOutcome records how replication ended for one follower within one
// fan-out.
type FollowerOutcome struct {
	FollowerAccount string        `json:"follower_account"`
	OrderID         string        `json:"order_id,omitempty"` // empty when no order row was created
	Kind            OutcomeKind   `json:"kind"`
	Reason          string        `json:"reason,omitempty"`
	Attempts        int           `json:"attempts"`
	Latency         time.Duration `json:"latency_ns"`
}

// ReplicationEvent is the sealed aggregate record of one fan-out. Append-only.
type ReplicationEvent struct {
	ID            string
	MasterOrderID string
	Total         int
	Dispatched    int
	PolicySkipped int
	Unmapped      int
	RiskDenied    int
	BrokerErrored int
	TimedOut      int
	P50           time.Duration
	P95           time.Duration
	P99           time.Duration
	Outcomes      []FollowerOutcome
	StartedAt     time.Time
	SealedAt      time.Time
}

// Consistent reports whether the outcome counters add up to the total. Holds
// for every sealed event.
func (e ReplicationEvent) Consistent() bool {
	return e.Total == e.Dispatched+e.PolicySkipped+e.Unmapped+e.RiskDenied+e.BrokerErrored+e.TimedOut
}

// ReplicationStats aggregates sealed events over a time window.
type ReplicationStats struct {
	Events        int64
	Followers     int64
	Dispatched    int64
	PolicySkipped int64
	Unmapped      int64
	RiskDenied    int64
	BrokerErrored int64
	TimedOut      int64
	AvgP50        time.Duration
	AvgP95        time.Duration
}
