package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OrderStore persists orders and their lineage. AppendStatus is atomic: it
// bumps the status revision under a conditional update and returns
// ErrStaleTransition when the requested move is regressive or the row changed
// underneath the caller. Fan-out creates many parent-referencing rows
// concurrently, so all writes must be safe for concurrent writers.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	AppendStatus(ctx context.Context, t StatusTransition) (Order, error)
	GetByID(ctx context.Context, id string) (Order, error)
	GetByParentAccount(ctx context.Context, parentID, account string) (Order, error)
	ListByParent(ctx context.Context, parentID string) ([]Order, error)
	ListByStatus(ctx context.Context, status OrderStatus, opts ListOpts) ([]Order, error)
	History(ctx context.Context, orderID string) ([]StatusChange, error)

	// Risk gate inputs, computed over today's follower fills.
	RealizedPnL(ctx context.Context, account string, since time.Time) (decimal.Decimal, error)
	OpenPositions(ctx context.Context, account string, since time.Time) ([]Position, error)
}

// LinkStore persists follower links. The fan-out path only reads
// (ListActiveByMaster); the write operations serve the adjacent control
// surface.
type LinkStore interface {
	Create(ctx context.Context, link FollowerLink) (FollowerLink, error)
	UpdatePolicy(ctx context.Context, link FollowerLink) error
	Deactivate(ctx context.Context, masterAccount, followerAccount string) error
	GetByPair(ctx context.Context, masterAccount, followerAccount string) (FollowerLink, error)
	ListActiveByMaster(ctx context.Context, masterAccount string) ([]FollowerLink, error)
}

// AccountStore persists trading accounts, their sealed credentials and their
// risk overrides.
type AccountStore interface {
	Create(ctx context.Context, account Account) error
	Get(ctx context.Context, id string) (Account, error)
	SetCredential(ctx context.Context, id string, sealed []byte) error
	SetRiskEnvelope(ctx context.Context, id string, env RiskEnvelope) error
	UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) error
}

// InstrumentStore persists the symbol→code mapping. Generation is bumped on
// every out-of-band refresh; the mapper reloads when it observes a new
// generation.
type InstrumentStore interface {
	Upsert(ctx context.Context, ins Instrument) error
	UpsertBatch(ctx context.Context, batch []Instrument) error
	Get(ctx context.Context, symbol, exchange string) (Instrument, error)
	ListActive(ctx context.Context) ([]Instrument, error)
	Generation(ctx context.Context) (int64, error)
	BumpGeneration(ctx context.Context) (int64, error)
}

// EventStore persists sealed replication events, append-only.
type EventStore interface {
	Seal(ctx context.Context, event ReplicationEvent) error
	GetByMaster(ctx context.Context, masterOrderID string) (ReplicationEvent, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]ReplicationEvent, error)
	Stats(ctx context.Context, since time.Time) (ReplicationStats, error)
}
