package replicator

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"copytrade/internal/domain"
)

// collector accumulates follower outcomes for one fan-out and folds them into
// the sealed aggregate. Safe for concurrent record calls.
type collector struct {
	mu       sync.Mutex
	outcomes []domain.FollowerOutcome

	masterOrderID string
	startedAt     time.Time
}

func newCollector(masterOrderID string, startedAt time.Time, capacity int) *collector {
	return &collector{
		masterOrderID: masterOrderID,
		startedAt:     startedAt,
		outcomes:      make([]domain.FollowerOutcome, 0, capacity),
	}
}

func (c *collector) record(out domain.FollowerOutcome) {
	c.mu.Lock()
	c.outcomes = append(c.outcomes, out)
	c.mu.Unlock()
}

// seal builds the aggregate record. Total equals the sum of the per-kind
// counters by construction.
func (c *collector) seal(at time.Time) domain.ReplicationEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	ev := domain.ReplicationEvent{
		ID:            uuid.NewString(),
		MasterOrderID: c.masterOrderID,
		Total:         len(c.outcomes),
		Outcomes:      c.outcomes,
		StartedAt:     c.startedAt,
		SealedAt:      at,
	}

	latencies := make([]time.Duration, 0, len(c.outcomes))
	for _, out := range c.outcomes {
		switch out.Kind {
		case domain.OutcomeDispatched:
			ev.Dispatched++
		case domain.OutcomePolicySkip:
			ev.PolicySkipped++
		case domain.OutcomeUnmapped:
			ev.Unmapped++
		case domain.OutcomeRiskDenied:
			ev.RiskDenied++
		case domain.OutcomeBrokerError:
			ev.BrokerErrored++
		case domain.OutcomeTimeout:
			ev.TimedOut++
		}
		latencies = append(latencies, out.Latency)
	}

	ev.P50 = percentile(latencies, 50)
	ev.P95 = percentile(latencies, 95)
	ev.P99 = percentile(latencies, 99)
	return ev
}

// percentile returns the nearest-rank percentile of the samples. Events top
// out around a thousand followers, so a copy-and-sort is cheaper than keeping
// a streaming sketch.
func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
