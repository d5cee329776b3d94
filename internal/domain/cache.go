package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotCache holds short-lived follower snapshots per master account to
// absorb fan-out bursts. TTL stays at or below one second.
type SnapshotCache interface {
	Get(ctx context.Context, masterAccount string) ([]FollowerLink, error)
	Set(ctx context.Context, masterAccount string, links []FollowerLink) error
	Invalidate(ctx context.Context, masterAccount string) error
}

// MarkCache stores the last-known mark price per (symbol, exchange), fed out
// of band. The risk gate and the percentage policy read it.
type MarkCache interface {
	SetMark(ctx context.Context, symbol, exchange string, price decimal.Decimal, ts time.Time) error
	GetMark(ctx context.Context, symbol, exchange string) (decimal.Decimal, time.Time, error)
}

// BalancePoint is one sample of an account's balance series.
type BalancePoint struct {
	Balance decimal.Decimal `json:"balance"`
	At      time.Time       `json:"at"`
}

// BalanceSeries keeps a capped per-account balance history for the session;
// the drawdown estimate is computed over it.
type BalanceSeries interface {
	Append(ctx context.Context, account string, point BalancePoint) error
	Series(ctx context.Context, account string, since time.Time) ([]BalancePoint, error)
}

// StreamMessage is a single entry read from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventBus is the one-way publication sink. Publish is fire-and-forget with
// at-most-once delivery and must never block on slow consumers; StreamAppend
// feeds capped durable streams for audit trails and the ingress handoff.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
