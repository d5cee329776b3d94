package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PlaceRequest carries everything one broker placement needs. Token is the
// client idempotency token (the follower order id); the broker recognizes
// duplicate submissions by it, so retries reuse the same request.
type PlaceRequest struct {
	Token        string
	Code         int64 // numeric instrument code
	Exchange     string
	Segment      string
	Side         OrderSide
	Type         OrderType
	Quantity     int64
	Price        decimal.Decimal // zero = at market
	TriggerPrice decimal.Decimal // zero = no stop
	Product      ProductType
	Validity     Validity
	DisclosedQty int64
	Sequence     int64 // internal order sequence forwarded to the broker
}

// PlaceResult is the definitive broker answer to a placement.
type PlaceResult struct {
	BrokerOrderID   string
	ExchangeOrderID string
	Status          OrderStatus
	Message         string
}

// StatusQuery identifies one order on the broker side for status lookups.
type StatusQuery struct {
	Token    string // the idempotency token the order was placed with
	Code     int64
	Exchange string
	Segment  string
}

// StatusResult is a broker status snapshot for one order.
type StatusResult struct {
	Status          OrderStatus
	ExchangeOrderID string
	FilledQuantity  int64
	PendingQuantity int64
	AvgPrice        decimal.Decimal
	Message         string
}

// ModifyRequest changes price, trigger or quantity of a resting order.
type ModifyRequest struct {
	BrokerOrderID   string
	ExchangeOrderID string
	Code            int64
	Exchange        string
	Segment         string
	Quantity        int64
	Price           decimal.Decimal
	TriggerPrice    decimal.Decimal
}

// CancelRequest withdraws a resting order.
type CancelRequest struct {
	BrokerOrderID   string
	ExchangeOrderID string
	Code            int64
	Exchange        string
	Segment         string
}

// BrokerTrade is one executed trade reported by the broker.
type BrokerTrade struct {
	Token           string // idempotency token the originating order carried
	Exchange        string
	Segment         string
	Code            int64
	Quantity        int64
	Rate            decimal.Decimal
	ExchangeTradeID string
	TradedAt        time.Time
}

// AccountSnapshot is the broker-side funds and open-position picture for one
// account at a single point in time.
type AccountSnapshot struct {
	Available decimal.Decimal // margin available for new orders
	Utilized  decimal.Decimal
	Ledger    decimal.Decimal // settled ledger balance
	Positions []Position
	At        time.Time
}

// Broker is the upstream brokerage adapter. Place never retries internally;
// the dispatcher owns the retry policy. Every call respects the context
// deadline and surfaces a *TimeoutError when it expires mid-flight.
type Broker interface {
	Place(ctx context.Context, sess Session, req PlaceRequest) (PlaceResult, error)
	Status(ctx context.Context, sess Session, q StatusQuery) (StatusResult, error)
	Modify(ctx context.Context, sess Session, req ModifyRequest) (PlaceResult, error)
	Cancel(ctx context.Context, sess Session, req CancelRequest) (PlaceResult, error)
	Trades(ctx context.Context, sess Session, queries []StatusQuery) ([]BrokerTrade, error)
	Snapshot(ctx context.Context, sess Session) (AccountSnapshot, error)
	Ping(ctx context.Context) (time.Duration, error)
}

// Authenticator opens broker sessions from decrypted credentials. The vault
// is its only caller; everything else works with Session handles.
type Authenticator interface {
	Login(ctx context.Context, cred Credential) (token string, expiry time.Time, err error)
}

// TransientBrokerError marks failures worth retrying: HTTP 429 and 5xx.
type TransientBrokerError struct {
	StatusCode int
	Message    string
}

func (e *TransientBrokerError) Error() string {
	return fmt.Sprintf("transient broker error (HTTP %d): %s", e.StatusCode, e.Message)
}

// PermanentBrokerError marks definitive rejections: 4xx other than 401/429,
// and broker-level rejection codes.
type PermanentBrokerError struct {
	StatusCode int
	BrokerCode int // broker body status, when present
	Message    string
}

func (e *PermanentBrokerError) Error() string {
	return fmt.Sprintf("permanent broker error (HTTP %d, code %d): %s", e.StatusCode, e.BrokerCode, e.Message)
}

// TimeoutError marks an I/O deadline hit while a call was in flight. The
// upstream effect is indeterminate: the order may have been accepted.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("broker %s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }
