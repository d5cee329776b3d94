package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Instrument maps a trading symbol on an exchange to the broker's numeric
// code. (Symbol, Exchange) is unique among active rows.
type Instrument struct {
	Symbol    string
	Exchange  string // single-letter broker exchange code
	Segment   string // exchange segment
	Code      int64  // broker scrip code
	LotSize   int64
	TickSize  decimal.Decimal
	ISIN      string
	Name      string
	Active    bool
	UpdatedAt time.Time
}
