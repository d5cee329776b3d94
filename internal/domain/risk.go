package domain

import "github.com/shopspring/decimal"

// RiskEnvelope is the set of pre-trade limits applied to an account. Zero
// values inherit from the next-wider envelope; the resolution order is
// link override → account → system default.
type RiskEnvelope struct {
	MaxDailyLoss        decimal.Decimal
	MaxDrawdownFrac     decimal.Decimal // peak-to-trough fraction, (0,1]
	MaxPositionNotional decimal.Decimal // per-order notional ceiling
	MaxOpenPositions    int
	MaxExposure         decimal.Decimal // aggregate open notional ceiling
	StopLossRequired    bool
}

// Narrow overlays non-zero fields of override onto e and returns the result.
// Boolean flags narrow one way: once required, always required.
func (e RiskEnvelope) Narrow(override RiskEnvelope) RiskEnvelope {
	out := e
	if override.MaxDailyLoss.Sign() > 0 {
		out.MaxDailyLoss = override.MaxDailyLoss
	}
	if override.MaxDrawdownFrac.Sign() > 0 {
		out.MaxDrawdownFrac = override.MaxDrawdownFrac
	}
	if override.MaxPositionNotional.Sign() > 0 {
		out.MaxPositionNotional = override.MaxPositionNotional
	}
	if override.MaxOpenPositions > 0 {
		out.MaxOpenPositions = override.MaxOpenPositions
	}
	if override.MaxExposure.Sign() > 0 {
		out.MaxExposure = override.MaxExposure
	}
	if override.StopLossRequired {
		out.StopLossRequired = true
	}
	return out
}

// DenyReason enumerates why the risk gate refused an order.
type DenyReason string

const (
	DenyDailyLoss           DenyReason = "daily_loss_breached"
	DenyDrawdown            DenyReason = "drawdown_breached"
	DenyPositionCount       DenyReason = "position_count_breached"
	DenyPositionSize        DenyReason = "position_size_breached"
	DenyExposure            DenyReason = "exposure_breached"
	DenyInsufficientBalance DenyReason = "insufficient_balance"
	DenyStopLossRequired    DenyReason = "stop_loss_required"
)

// Decision is the risk gate verdict for one proposed order.
type Decision struct {
	Allow  bool
	Reason DenyReason // set when denied
	Detail string
}

// Allowed is the affirmative decision.
func Allowed() Decision { return Decision{Allow: true} }

// Denied builds a denial with its reason and human-readable detail.
func Denied(reason DenyReason, detail string) Decision {
	return Decision{Allow: false, Reason: reason, Detail: detail}
}
