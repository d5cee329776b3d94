// Package risk implements the pre-trade gate consulted for every follower
// order before it reaches the broker.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"copytrade/internal/domain"
)

// OrderReads is the slice of the order store the gate consumes: today's
// realized PnL and open positions.
type OrderReads interface {
	RealizedPnL(ctx context.Context, account string, since time.Time) (decimal.Decimal, error)
	OpenPositions(ctx context.Context, account string, since time.Time) ([]domain.Position, error)
}

// Gate evaluates proposed orders against a resolved risk envelope. All inputs
// are computed at call time: realized PnL and open positions from today's
// fills, marks from the mark cache, drawdown from the session balance series.
type Gate struct {
	orders OrderReads
	marks  domain.MarkCache
	series domain.BalanceSeries
	system domain.RiskEnvelope
	logger *slog.Logger
}

// NewGate creates a gate with the system-wide default envelope.
func NewGate(orders OrderReads, marks domain.MarkCache, series domain.BalanceSeries, system domain.RiskEnvelope, logger *slog.Logger) *Gate {
	return &Gate{
		orders: orders,
		marks:  marks,
		series: series,
		system: system,
		logger: logger.With(slog.String("component", "risk")),
	}
}

// ResolveEnvelope merges system default → account override → link override.
// Later layers narrow earlier ones; the link contributes only its daily-loss
// override (its notional cap belongs to the policy transform).
func (g *Gate) ResolveEnvelope(account domain.Account, link domain.FollowerLink) domain.RiskEnvelope {
	env := g.system.Narrow(account.Envelope)
	return env.Narrow(domain.RiskEnvelope{MaxDailyLoss: link.MaxDailyLoss})
}

// Check decides whether the proposed order may proceed. The first breached
// limit wins; checks run cheapest first. When a risk input cannot be read the
// gate denies rather than trading blind.
func (g *Gate) Check(ctx context.Context, account domain.Account, order domain.Order, env domain.RiskEnvelope) domain.Decision {
	if env.StopLossRequired && order.TriggerPrice.Sign() <= 0 {
		return domain.Denied(domain.DenyStopLossRequired,
			"envelope requires a stop trigger on every order")
	}

	mark := g.markFor(ctx, order.Symbol, order.Exchange)
	notional := order.Notional(mark)

	if cap := env.MaxPositionNotional; cap.Sign() > 0 && notional.GreaterThan(cap) {
		return domain.Denied(domain.DenyPositionSize,
			fmt.Sprintf("order notional %s over cap %s", notional, cap))
	}

	if order.Side == domain.OrderSideBuy && notional.Sign() > 0 && notional.GreaterThan(account.Balance) {
		return domain.Denied(domain.DenyInsufficientBalance,
			fmt.Sprintf("order notional %s over balance %s", notional, account.Balance))
	}

	sessionStart := startOfDay(time.Now())

	if cap := env.MaxDailyLoss; cap.Sign() > 0 {
		pnl, err := g.orders.RealizedPnL(ctx, account.ID, sessionStart)
		if err != nil {
			return g.unavailable(ctx, domain.DenyDailyLoss, account.ID, err)
		}
		if loss := pnl.Neg(); loss.GreaterThanOrEqual(cap) {
			return domain.Denied(domain.DenyDailyLoss,
				fmt.Sprintf("realized loss %s at or over cap %s", loss, cap))
		}
	}

	if frac := env.MaxDrawdownFrac; frac.Sign() > 0 {
		points, err := g.series.Series(ctx, account.ID, sessionStart)
		if err != nil {
			return g.unavailable(ctx, domain.DenyDrawdown, account.ID, err)
		}
		if dd := maxDrawdown(points); dd.GreaterThanOrEqual(frac) {
			return domain.Denied(domain.DenyDrawdown,
				fmt.Sprintf("session drawdown %s at or over cap %s", dd, frac))
		}
	}

	if env.MaxOpenPositions > 0 || env.MaxExposure.Sign() > 0 {
		positions, err := g.orders.OpenPositions(ctx, account.ID, sessionStart)
		if err != nil {
			return g.unavailable(ctx, domain.DenyExposure, account.ID, err)
		}

		if max := env.MaxOpenPositions; max > 0 && opensNewPosition(order, positions) && len(positions) >= max {
			return domain.Denied(domain.DenyPositionCount,
				fmt.Sprintf("%d open positions at cap %d", len(positions), max))
		}

		if cap := env.MaxExposure; cap.Sign() > 0 {
			exposure := g.exposure(ctx, positions).Add(notional)
			if exposure.GreaterThan(cap) {
				return domain.Denied(domain.DenyExposure,
					fmt.Sprintf("exposure %s with this order over cap %s", exposure, cap))
			}
		}
	}

	return domain.Allowed()
}

// markFor reads the last-known mark; a cache miss yields zero, which
// downstream checks treat as "no price information".
func (g *Gate) markFor(ctx context.Context, symbol, exchange string) decimal.Decimal {
	mark, _, err := g.marks.GetMark(ctx, symbol, exchange)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			g.logger.WarnContext(ctx, "mark lookup failed",
				slog.String("symbol", symbol), slog.Any("error", err))
		}
		return decimal.Zero
	}
	return mark
}

// exposure sums |quantity| × mark across open positions, falling back to the
// position's average price when no mark is cached.
func (g *Gate) exposure(ctx context.Context, positions []domain.Position) decimal.Decimal {
	total := decimal.Zero
	for _, pos := range positions {
		px := g.markFor(ctx, pos.Symbol, pos.Exchange)
		if px.Sign() <= 0 {
			px = pos.AvgPrice
		}
		qty := decimal.NewFromInt(pos.Quantity).Abs()
		total = total.Add(qty.Mul(px))
	}
	return total
}

// unavailable is the fail-closed path: the gate denies when it cannot read a
// risk input instead of trading blind.
func (g *Gate) unavailable(ctx context.Context, reason domain.DenyReason, account string, err error) domain.Decision {
	g.logger.ErrorContext(ctx, "risk input unavailable, denying",
		slog.String("account", account),
		slog.String("check", string(reason)),
		slog.Any("error", err))
	return domain.Denied(reason, "risk data unavailable: "+err.Error())
}

// opensNewPosition reports whether the order's symbol has no open position
// yet. Orders that add to an existing position do not raise the count.
func opensNewPosition(order domain.Order, positions []domain.Position) bool {
	for _, pos := range positions {
		if pos.Symbol == order.Symbol && pos.Exchange == order.Exchange {
			return false
		}
	}
	return true
}

// maxDrawdown computes the peak-to-trough fraction over the balance series.
func maxDrawdown(points []domain.BalancePoint) decimal.Decimal {
	peak := decimal.Zero
	maxDD := decimal.Zero
	for _, p := range points {
		if p.Balance.GreaterThan(peak) {
			peak = p.Balance
			continue
		}
		if peak.Sign() > 0 {
			dd := peak.Sub(p.Balance).Div(peak)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
	}
	return maxDD
}

func startOfDay(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}
