package replicator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"copytrade/internal/domain"
)

// Publication topics. Realtime consumers subscribe to these; the payloads are
// small JSON summaries, never full order rows.
const (
	TopicOrderAccepted   = "orders.accepted"
	TopicEventSealed     = "replication.sealed"
	TopicOrderReconciled = "orders.reconciled"
)

// Stream consumption cadence. The read is non-blocking, so the poll interval
// is the worst-case pickup delay for a handed-off master order.
const (
	streamPollInterval = 200 * time.Millisecond
	streamBatchSize    = 64
)

// ingressEntry is the durable handoff record for one accepted master order.
type ingressEntry struct {
	MasterOrderID string    `json:"master_order_id"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// sealedSummary is the published aggregate for one sealed fan-out.
type sealedSummary struct {
	MasterOrderID string `json:"master_order_id"`
	Total         int    `json:"total"`
	Dispatched    int    `json:"dispatched"`
	PolicySkipped int    `json:"policy_skipped"`
	Unmapped      int    `json:"unmapped"`
	RiskDenied    int    `json:"risk_denied"`
	BrokerErrored int    `json:"broker_errored"`
	TimedOut      int    `json:"timed_out"`
	P95Ms         int64  `json:"p95_ms"`
}

// Hook is the ingress seam between the front door and the fan-out engine.
// Acknowledging a master order never waits for replication: OrderAccepted
// schedules the dispatch on a background goroutine and returns. Front doors
// in other processes enqueue onto the durable handoff stream instead, which
// Run consumes.
type Hook struct {
	dispatcher *Dispatcher
	bus        domain.EventBus
	stream     string
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewHook creates a Hook. The stream name may be empty when every front door
// lives in-process; Run then just waits out the context.
func NewHook(dispatcher *Dispatcher, bus domain.EventBus, stream string, logger *slog.Logger) *Hook {
	return &Hook{
		dispatcher: dispatcher,
		bus:        bus,
		stream:     stream,
		logger:     logger.With(slog.String("component", "ingress")),
	}
}

// OrderAccepted schedules replication of one accepted master order and
// returns immediately. The context governs the background fan-out, so callers
// pass a lifecycle context rather than a request-scoped one; cancelling it
// stops in-flight pipelines.
func (h *Hook) OrderAccepted(ctx context.Context, masterOrderID string) {
	h.publish(ctx, TopicOrderAccepted, map[string]any{
		"master_order_id": masterOrderID,
		"accepted_at":     time.Now().UTC(),
	})

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.dispatch(ctx, masterOrderID)
	}()
}

// Enqueue hands one master order id to the durable ingress stream. Front
// doors running in another process use this instead of OrderAccepted.
func (h *Hook) Enqueue(ctx context.Context, masterOrderID string) error {
	payload, err := json.Marshal(ingressEntry{
		MasterOrderID: masterOrderID,
		EnqueuedAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("replicator: encode ingress entry: %w", err)
	}
	if err := h.bus.StreamAppend(ctx, h.stream, payload); err != nil {
		return fmt.Errorf("replicator: enqueue %s: %w", masterOrderID, err)
	}
	return nil
}

// Run consumes the ingress stream until the context ends, scheduling a
// dispatch per entry in stream order. The cursor starts at the beginning of
// the capped stream on every boot; replayed entries are absorbed by dispatch
// idempotence. On return every scheduled fan-out has finished.
func (h *Hook) Run(ctx context.Context) error {
	defer h.wg.Wait()

	if h.stream == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	h.logger.InfoContext(ctx, "ingress stream consumer started",
		slog.String("stream", h.stream))

	lastID := "0"
	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		msgs, err := h.bus.StreamRead(ctx, h.stream, lastID, streamBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.logger.WarnContext(ctx, "ingress stream read failed", slog.Any("error", err))
			continue
		}

		for _, msg := range msgs {
			lastID = msg.ID

			var entry ingressEntry
			if err := json.Unmarshal(msg.Payload, &entry); err != nil || entry.MasterOrderID == "" {
				h.logger.WarnContext(ctx, "malformed ingress entry dropped",
					slog.String("stream_id", msg.ID))
				continue
			}

			h.wg.Add(1)
			go func(id string) {
				defer h.wg.Done()
				h.dispatch(ctx, id)
			}(entry.MasterOrderID)
		}
	}
}

// Wait blocks until every scheduled fan-out has finished. Run calls it on the
// way out; in-process callers without a Run loop use it at shutdown.
func (h *Hook) Wait() { h.wg.Wait() }

func (h *Hook) dispatch(ctx context.Context, masterOrderID string) {
	event, err := h.dispatcher.Dispatch(ctx, masterOrderID)
	if err != nil {
		h.logger.ErrorContext(ctx, "fan-out failed",
			slog.String("master_order_id", masterOrderID),
			slog.Any("error", err))
		return
	}

	h.publish(ctx, TopicEventSealed, sealedSummary{
		MasterOrderID: event.MasterOrderID,
		Total:         event.Total,
		Dispatched:    event.Dispatched,
		PolicySkipped: event.PolicySkipped,
		Unmapped:      event.Unmapped,
		RiskDenied:    event.RiskDenied,
		BrokerErrored: event.BrokerErrored,
		TimedOut:      event.TimedOut,
		P95Ms:         event.P95.Milliseconds(),
	})
}

// publish is fire-and-forget; a publication failure never fails replication.
func (h *Hook) publish(ctx context.Context, topic string, v any) {
	if h.bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := h.bus.Publish(ctx, topic, payload); err != nil {
		h.logger.WarnContext(ctx, "publish failed",
			slog.String("topic", topic),
			slog.Any("error", err))
	}
}
