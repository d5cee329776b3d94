package replicator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"copytrade/internal/domain"
)

// sweepBatchSize bounds the unknown orders resolved per tick so one sweep
// never monopolizes broker read capacity.
const sweepBatchSize = 200

// ReconcilerDeps carries the collaborators one reconciler needs. Marks,
// Series and Bus may be nil; fills then resolve without the side writes.
type ReconcilerDeps struct {
	Orders   domain.OrderStore
	Accounts domain.AccountStore
	Mapper   InstrumentResolver
	Sessions SessionSource
	Broker   domain.Broker
	Marks    domain.MarkCache
	Series   domain.BalanceSeries
	Bus      domain.EventBus
}

// Reconciler resolves orders parked in the unknown state. A placement whose
// deadline fired mid-call left indeterminate broker state behind; the sweep
// asks the broker what became of the idempotency token and lands the verdict
// in the order store. It runs outside the fan-out path and shares no locks
// with it; concurrent writes are arbitrated by the status revision.
type Reconciler struct {
	deps   ReconcilerDeps
	every  time.Duration
	logger *slog.Logger
}

// NewReconciler creates a Reconciler polling at the given interval.
func NewReconciler(deps ReconcilerDeps, every time.Duration, logger *slog.Logger) *Reconciler {
	if every <= 0 {
		every = 15 * time.Second
	}
	return &Reconciler{
		deps:   deps,
		every:  every,
		logger: logger.With(slog.String("component", "reconciler")),
	}
}

// Run sweeps on a ticker until the context ends. Call in a goroutine.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "reconciler started", slog.Duration("interval", r.every))
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.ErrorContext(ctx, "reconcile sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Sweep resolves one batch of unknown orders, oldest first. Failures on a
// single order are logged and skipped; the order stays unknown for the next
// tick.
func (r *Reconciler) Sweep(ctx context.Context) error {
	orders, err := r.deps.Orders.ListByStatus(ctx, domain.OrderStatusUnknown, domain.ListOpts{Limit: sweepBatchSize})
	if err != nil {
		return fmt.Errorf("replicator: list unknown orders: %w", err)
	}

	for _, order := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.resolve(ctx, order); err != nil {
			r.logger.WarnContext(ctx, "order reconciliation failed",
				slog.String("order_id", order.ID),
				slog.String("account", order.Account),
				slog.Any("error", err))
		}
	}
	return nil
}

// resolve asks the broker about one unknown order and applies the answer.
func (r *Reconciler) resolve(ctx context.Context, order domain.Order) error {
	instrument, err := r.deps.Mapper.Resolve(ctx, order.Symbol, order.Exchange)
	if err != nil {
		return fmt.Errorf("instrument: %w", err)
	}

	sess, err := r.deps.Sessions.Session(ctx, order.Account)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	segment := order.Segment
	if instrument.Segment != "" {
		segment = instrument.Segment
	}
	res, err := r.deps.Broker.Status(ctx, sess, domain.StatusQuery{
		Token:    order.ID,
		Code:     instrument.Code,
		Exchange: order.Exchange,
		Segment:  segment,
	})
	if errors.Is(err, domain.ErrNotFound) {
		// The broker never saw the token: the placement never landed.
		return r.apply(ctx, order, domain.StatusTransition{
			OrderID: order.ID,
			To:      domain.OrderStatusRejected,
			Message: "placement never reached the broker",
		}, domain.StatusResult{})
	}
	if err != nil {
		return fmt.Errorf("broker status: %w", err)
	}

	return r.apply(ctx, order, domain.StatusTransition{
		OrderID:         order.ID,
		To:              res.Status,
		ExchangeOrderID: res.ExchangeOrderID,
		Message:         res.Message,
		FilledQuantity:  res.FilledQuantity,
		AvgPrice:        res.AvgPrice,
	}, res)
}

func (r *Reconciler) apply(ctx context.Context, order domain.Order, t domain.StatusTransition, res domain.StatusResult) error {
	updated, err := r.deps.Orders.AppendStatus(ctx, t)
	if err != nil {
		if errors.Is(err, domain.ErrStaleTransition) {
			// Another writer landed first; its verdict stands.
			return nil
		}
		return fmt.Errorf("append status: %w", err)
	}

	r.logger.InfoContext(ctx, "unknown order resolved",
		slog.String("order_id", order.ID),
		slog.String("account", order.Account),
		slog.String("status", string(updated.Status)),
		slog.Int64("filled_quantity", updated.FilledQuantity))

	if res.FilledQuantity > 0 {
		r.recordFill(ctx, updated, res)
	}
	r.publish(ctx, updated)
	return nil
}

// recordFill feeds the risk data sources: the trade price becomes a fresh
// mark and the account's balance series gets a sample for the drawdown
// estimate.
func (r *Reconciler) recordFill(ctx context.Context, order domain.Order, res domain.StatusResult) {
	now := time.Now().UTC()

	if r.deps.Marks != nil && res.AvgPrice.Sign() > 0 {
		if err := r.deps.Marks.SetMark(ctx, order.Symbol, order.Exchange, res.AvgPrice, now); err != nil {
			r.logger.WarnContext(ctx, "mark update failed",
				slog.String("symbol", order.Symbol),
				slog.Any("error", err))
		}
	}

	if r.deps.Series == nil || r.deps.Accounts == nil {
		return
	}

	point, err := r.balancePoint(ctx, order.Account)
	if err != nil {
		r.logger.WarnContext(ctx, "balance sample skipped",
			slog.String("account", order.Account),
			slog.Any("error", err))
		return
	}
	if err := r.deps.Series.Append(ctx, order.Account, point); err != nil {
		r.logger.WarnContext(ctx, "balance sample append failed",
			slog.String("account", order.Account),
			slog.Any("error", err))
	}
}

// balancePoint prefers the broker's live funds snapshot, persisting it as
// the account balance of record. When the snapshot is unreachable the stored
// balance stands in so a fill is never sampled with no point at all.
func (r *Reconciler) balancePoint(ctx context.Context, accountID string) (domain.BalancePoint, error) {
	if sess, err := r.deps.Sessions.Session(ctx, accountID); err == nil {
		if snap, err := r.deps.Broker.Snapshot(ctx, sess); err == nil {
			if err := r.deps.Accounts.UpdateBalance(ctx, accountID, snap.Available); err != nil {
				r.logger.WarnContext(ctx, "balance update failed",
					slog.String("account", accountID),
					slog.Any("error", err))
			}
			at := snap.At
			if at.IsZero() {
				at = time.Now().UTC()
			}
			return domain.BalancePoint{Balance: snap.Available, At: at}, nil
		}
	}

	account, err := r.deps.Accounts.Get(ctx, accountID)
	if err != nil {
		return domain.BalancePoint{}, err
	}
	return domain.BalancePoint{Balance: account.Balance, At: time.Now().UTC()}, nil
}

func (r *Reconciler) publish(ctx context.Context, order domain.Order) {
	if r.deps.Bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"order_id": order.ID,
		"account":  order.Account,
		"status":   string(order.Status),
	})
	if err != nil {
		return
	}
	if err := r.deps.Bus.Publish(ctx, TopicOrderReconciled, payload); err != nil {
		r.logger.WarnContext(ctx, "publish failed",
			slog.String("topic", TopicOrderReconciled),
			slog.Any("error", err))
	}
}
