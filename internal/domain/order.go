package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution style of the order.
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStop       OrderType = "stop"        // stop-loss limit
	OrderTypeStopMarket OrderType = "stop_market" // stop-loss at market
)

// ProductType selects the broker product bucket for the position.
type ProductType string

const (
	ProductIntraday     ProductType = "intraday"
	ProductDelivery     ProductType = "delivery"
	ProductCarryForward ProductType = "carry_forward"
)

// Validity is the time-in-force of the order.
type Validity string

const (
	ValidityDay Validity = "DAY"
	ValidityIOC Validity = "IOC" // Immediate-Or-Cancel
	ValidityGTD Validity = "GTD" // Good-Till-Date
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusCancelled       OrderStatus = "cancelled"
	// OrderStatusUnknown marks a placement whose outcome never came back
	// (deadline hit mid-call). The reconciler resolves it later.
	OrderStatusUnknown OrderStatus = "unknown"
)

// statusTransitions is the allowed lifecycle graph. Anything not listed is a
// stale or regressive transition and the order store refuses it.
var statusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:         {OrderStatusSubmitted, OrderStatusRejected, OrderStatusCancelled, OrderStatusUnknown},
	OrderStatusSubmitted:       {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled},
	OrderStatusPartiallyFilled: {OrderStatusFilled, OrderStatusCancelled},
	OrderStatusUnknown:         {OrderStatusSubmitted, OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled:
		return true
	}
	return false
}

// Order is a single master or follower order. A follower order carries the
// master's id in ParentID; masters leave it empty.
type Order struct {
	ID              string
	Account         string // owner account id
	StrategyID      string // optional
	ParentID        string // set iff this is a follower order
	Side            OrderSide
	Type            OrderType
	Symbol          string
	Exchange        string // single-letter broker exchange code ("N", "B")
	Segment         string // exchange segment ("C" cash, "D" derivatives)
	Quantity        int64
	Price           decimal.Decimal // limit price; zero means at-market
	TriggerPrice    decimal.Decimal // stop trigger; zero means none
	AvgFillPrice    decimal.Decimal // broker-reported average fill price
	Product         ProductType
	Validity        Validity
	Status          OrderStatus
	StatusRev       int64 // bumped on every accepted transition
	FilledQuantity  int64 // cumulative broker-reported fill
	BrokerOrderID   string
	ExchangeOrderID string
	Message         string // last broker-reported message
	CreatedAt       time.Time
	SubmittedAt     *time.Time
	TerminalAt      *time.Time
}

// IsFollower reports whether this order was derived from a master order.
func (o Order) IsFollower() bool { return o.ParentID != "" }

// Notional returns quantity × price for limit orders, or quantity × ref when
// the order is at-market and a reference price is supplied.
func (o Order) Notional(ref decimal.Decimal) decimal.Decimal {
	px := o.Price
	if px.IsZero() {
		px = ref
	}
	return px.Mul(decimal.NewFromInt(o.Quantity))
}

// StatusTransition is one requested lifecycle move, applied atomically by the
// order store.
type StatusTransition struct {
	OrderID         string
	To              OrderStatus
	BrokerOrderID   string // set on first broker ack
	ExchangeOrderID string
	Message         string
	FilledQuantity  int64           // broker-reported cumulative fill, when known
	AvgPrice        decimal.Decimal // broker-reported average fill price, when known
}

// StatusChange is one historical transition row, append-only.
type StatusChange struct {
	ID        int64
	OrderID   string
	From      OrderStatus
	To        OrderStatus
	Message   string
	CreatedAt time.Time
}

// Position is a net open position derived from today's fills.
type Position struct {
	Account  string
	Symbol   string
	Exchange string
	Quantity int64 // signed: positive long, negative short
	AvgPrice decimal.Decimal
}
