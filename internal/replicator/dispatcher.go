// Package replicator contains the fan-out engine: for every accepted master
// order it runs one pipeline per active follower (transform, instrument
// resolve, risk gate, persist, broker placement) under bounded concurrency,
// then seals the aggregate outcome as an append-only replication event.
//
// The dispatcher owns the retry policy. The broker adapter places exactly one
// wire call per attempt; backoff, attempt budgets and the idempotency token
// discipline all live here.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"copytrade/internal/domain"
	"copytrade/internal/policy"
)

// finalizeTimeout bounds the status append that records a pipeline verdict.
// It runs on a fresh context so a deadline that fired mid-placement cannot
// also lose the verdict.
const finalizeTimeout = 5 * time.Second

// SessionSource opens authenticated broker sessions for follower accounts.
// Implemented by the credential vault.
type SessionSource interface {
	Session(ctx context.Context, accountID string) (domain.Session, error)
}

// InstrumentResolver maps a (symbol, exchange) pair onto the broker's numeric
// instrument identity. Implemented by the instrument mapper.
type InstrumentResolver interface {
	Resolve(ctx context.Context, symbol, exchange string) (domain.Instrument, error)
}

// RiskGate is the pre-trade check surface. Implemented by the risk gate.
type RiskGate interface {
	ResolveEnvelope(account domain.Account, link domain.FollowerLink) domain.RiskEnvelope
	Check(ctx context.Context, account domain.Account, order domain.Order, env domain.RiskEnvelope) domain.Decision
}

// Config bounds one dispatcher. Unset bounds fall back to production
// defaults; MaxRetries zero genuinely means no retries.
type Config struct {
	// MaxInFlightBrokerCalls caps concurrent broker placements across every
	// in-flight master order, not per fan-out.
	MaxInFlightBrokerCalls int64
	// WorkerSlots caps concurrently running pipelines. Zero means
	// runtime.NumCPU() × 4.
	WorkerSlots int64
	// DispatchTimeout is the per-follower pipeline deadline, measured from
	// dispatch start. Semaphore waits count against it.
	DispatchTimeout time.Duration
	MaxRetries      int
	RetryBase       time.Duration
	RetryCap        time.Duration
	RetryJitterPct  int
}

func (c Config) withDefaults() Config {
	if c.MaxInFlightBrokerCalls < 1 {
		c.MaxInFlightBrokerCalls = 50
	}
	if c.WorkerSlots < 1 {
		c.WorkerSlots = int64(runtime.NumCPU() * 4)
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 5 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 100 * time.Millisecond
	}
	if c.RetryCap < c.RetryBase {
		c.RetryCap = 2 * time.Second
	}
	return c
}

// Deps carries the collaborators one dispatcher needs.
type Deps struct {
	Orders   domain.OrderStore
	Accounts domain.AccountStore
	Events   domain.EventStore
	Registry *Registry
	Mapper   InstrumentResolver
	Gate     RiskGate
	Sessions SessionSource
	Broker   domain.Broker
	Marks    domain.MarkCache
}

// Dispatcher replicates master orders to follower accounts.
type Dispatcher struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	brokerSem *semaphore.Weighted
	workerSem *semaphore.Weighted
	stripes   accountStripes
}

// NewDispatcher creates a Dispatcher with its concurrency bounds installed.
func NewDispatcher(cfg Config, deps Deps, logger *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.With(slog.String("component", "dispatcher")),
		brokerSem: semaphore.NewWeighted(cfg.MaxInFlightBrokerCalls),
		workerSem: semaphore.NewWeighted(cfg.WorkerSlots),
	}
}

// replicable reports whether a master order status admits replication.
func replicable(s domain.OrderStatus) bool {
	switch s {
	case domain.OrderStatusSubmitted, domain.OrderStatusPartiallyFilled, domain.OrderStatusFilled:
		return true
	}
	return false
}

// Dispatch replicates one master order to every active follower and returns
// the sealed aggregate. Replays are idempotent: a master that already sealed
// an event short-circuits to that event, and per-follower rows short-circuit
// inside the pipelines, so at most one placement reaches the broker per
// (master, follower) pair.
func (d *Dispatcher) Dispatch(ctx context.Context, masterOrderID string) (domain.ReplicationEvent, error) {
	start := time.Now()

	if ev, err := d.deps.Events.GetByMaster(ctx, masterOrderID); err == nil {
		d.logger.InfoContext(ctx, "fan-out already sealed",
			slog.String("master_order_id", masterOrderID))
		return ev, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.ReplicationEvent{}, fmt.Errorf("replicator: event lookup %s: %w", masterOrderID, err)
	}

	master, err := d.deps.Orders.GetByID(ctx, masterOrderID)
	if err != nil {
		return domain.ReplicationEvent{}, fmt.Errorf("replicator: master order %s: %w", masterOrderID, err)
	}
	if !replicable(master.Status) {
		return domain.ReplicationEvent{}, fmt.Errorf("replicator: master order %s is %s: %w",
			masterOrderID, master.Status, domain.ErrInvalidOrder)
	}

	links, err := d.deps.Registry.Snapshot(ctx, master.Account)
	if err != nil {
		return domain.ReplicationEvent{}, err
	}

	col := newCollector(masterOrderID, start, len(links))
	deadline := start.Add(d.cfg.DispatchTimeout)

	var wg sync.WaitGroup
	for _, link := range links {
		wg.Add(1)
		go func(link domain.FollowerLink) {
			defer wg.Done()
			out := d.replicate(ctx, deadline, master, link)
			out.Latency = time.Since(start)
			col.record(out)
		}(link)
	}
	wg.Wait()

	if ctx.Err() != nil {
		// A cancelled fan-out stays unsealed so a later dispatch can finish
		// the remaining followers; per-follower rows make the replay safe.
		return domain.ReplicationEvent{}, fmt.Errorf("replicator: dispatch %s interrupted: %w",
			masterOrderID, ctx.Err())
	}

	event := col.seal(time.Now())
	if err := d.deps.Events.Seal(ctx, event); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			// A concurrent dispatch for the same master sealed first.
			return d.deps.Events.GetByMaster(ctx, masterOrderID)
		}
		return event, fmt.Errorf("replicator: seal %s: %w", masterOrderID, err)
	}

	d.logger.InfoContext(ctx, "fan-out sealed",
		slog.String("master_order_id", masterOrderID),
		slog.Int("total", event.Total),
		slog.Int("dispatched", event.Dispatched),
		slog.Int("policy_skipped", event.PolicySkipped),
		slog.Int("unmapped", event.Unmapped),
		slog.Int("risk_denied", event.RiskDenied),
		slog.Int("broker_errored", event.BrokerErrored),
		slog.Int("timed_out", event.TimedOut),
		slog.Duration("p95", event.P95))
	return event, nil
}

// replicate acquires a worker slot and runs one follower pipeline under the
// dispatch deadline. Waiting for the slot counts against the deadline.
func (d *Dispatcher) replicate(ctx context.Context, deadline time.Time, master domain.Order, link domain.FollowerLink) domain.FollowerOutcome {
	pctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := d.workerSem.Acquire(pctx, 1); err != nil {
		return abortOutcome(link.FollowerAccount, "", 0, err)
	}
	defer d.workerSem.Release(1)

	return d.pipeline(pctx, master, link)
}

// pipeline runs the per-follower stages. Once an order row exists the stripe
// for the follower account is held through the final status append, except
// across backoff sleeps, so one stalled follower never blocks its stripe for
// a whole retry budget.
func (d *Dispatcher) pipeline(ctx context.Context, master domain.Order, link domain.FollowerLink) domain.FollowerOutcome {
	logger := d.logger.With(
		slog.String("master_order_id", master.ID),
		slog.String("follower", link.FollowerAccount))

	account, err := d.deps.Accounts.Get(ctx, link.FollowerAccount)
	if err != nil {
		if ctx.Err() != nil {
			return abortOutcome(link.FollowerAccount, "", 0, ctx.Err())
		}
		logger.ErrorContext(ctx, "follower account unavailable", slog.Any("error", err))
		return domain.FollowerOutcome{
			FollowerAccount: link.FollowerAccount,
			Kind:            domain.OutcomeBrokerError,
			Reason:          "account_unavailable",
		}
	}

	instrument, err := d.deps.Mapper.Resolve(ctx, master.Symbol, master.Exchange)
	if err != nil {
		if ctx.Err() != nil {
			return abortOutcome(link.FollowerAccount, "", 0, ctx.Err())
		}
		if errors.Is(err, domain.ErrUnknownInstrument) {
			logger.WarnContext(ctx, "no instrument mapping",
				slog.String("symbol", master.Symbol),
				slog.String("exchange", master.Exchange))
			return domain.FollowerOutcome{
				FollowerAccount: link.FollowerAccount,
				Kind:            domain.OutcomeUnmapped,
				Reason:          master.Symbol + ":" + master.Exchange,
			}
		}
		logger.ErrorContext(ctx, "instrument lookup failed", slog.Any("error", err))
		return domain.FollowerOutcome{
			FollowerAccount: link.FollowerAccount,
			Kind:            domain.OutcomeBrokerError,
			Reason:          "instrument_lookup",
		}
	}

	mark := d.markFor(ctx, master.Symbol, master.Exchange)

	draft, skip := policy.Transform(policy.Input{
		Master:  master,
		Link:    link,
		Balance: account.Balance,
		Mark:    mark,
		LotSize: instrument.LotSize,
	})
	if skip != nil {
		logger.InfoContext(ctx, "policy skip",
			slog.String("reason", skip.Reason),
			slog.String("detail", skip.Detail))
		return domain.FollowerOutcome{
			FollowerAccount: link.FollowerAccount,
			Kind:            domain.OutcomePolicySkip,
			Reason:          skip.Reason,
		}
	}

	env := d.deps.Gate.ResolveEnvelope(account, link)
	if dec := d.deps.Gate.Check(ctx, account, draft, env); !dec.Allow {
		logger.InfoContext(ctx, "risk denied",
			slog.String("reason", string(dec.Reason)),
			slog.String("detail", dec.Detail))
		return domain.FollowerOutcome{
			FollowerAccount: link.FollowerAccount,
			Kind:            domain.OutcomeRiskDenied,
			Reason:          string(dec.Reason),
		}
	}

	d.stripes.Lock(link.FollowerAccount)
	defer d.stripes.Unlock(link.FollowerAccount)

	order, resumed, short := d.ensureOrder(ctx, master, link, draft)
	if short != nil {
		return *short
	}

	return d.submit(ctx, order, instrument, resumed, logger)
}

// markFor reads the last-known mark. A missing or unreadable mark degrades to
// zero; the policy treats zero as no reference price.
func (d *Dispatcher) markFor(ctx context.Context, symbol, exchange string) decimal.Decimal {
	if d.deps.Marks == nil {
		return decimal.Zero
	}
	mark, _, err := d.deps.Marks.GetMark(ctx, symbol, exchange)
	if err != nil {
		return decimal.Zero
	}
	return mark
}

// ensureOrder persists the pending follower order whose id doubles as the
// broker idempotency token. A pre-existing row for (master, follower) means a
// previous dispatch got at least this far; its status decides whether to
// resume placement or short-circuit with the recorded verdict.
func (d *Dispatcher) ensureOrder(ctx context.Context, master domain.Order, link domain.FollowerLink, draft domain.Order) (order domain.Order, resumed bool, short *domain.FollowerOutcome) {
	draft.ID = uuid.NewString()
	draft.StrategyID = master.StrategyID
	draft.CreatedAt = time.Now().UTC()

	err := d.deps.Orders.Create(ctx, draft)
	if err == nil {
		return draft, false, nil
	}
	if !errors.Is(err, domain.ErrAlreadyExists) {
		if ctx.Err() != nil {
			out := abortOutcome(link.FollowerAccount, "", 0, ctx.Err())
			return domain.Order{}, false, &out
		}
		d.logger.ErrorContext(ctx, "follower order persist failed",
			slog.String("master_order_id", master.ID),
			slog.String("follower", link.FollowerAccount),
			slog.Any("error", err))
		return domain.Order{}, false, &domain.FollowerOutcome{
			FollowerAccount: link.FollowerAccount,
			Kind:            domain.OutcomeBrokerError,
			Reason:          "order_persist",
		}
	}

	existing, err := d.deps.Orders.GetByParentAccount(ctx, master.ID, link.FollowerAccount)
	if err != nil {
		return domain.Order{}, false, &domain.FollowerOutcome{
			FollowerAccount: link.FollowerAccount,
			Kind:            domain.OutcomeBrokerError,
			Reason:          "order_persist",
		}
	}

	switch existing.Status {
	case domain.OrderStatusPending:
		// The earlier attempt died before its broker verdict; resume
		// placement under the same token.
		return existing, true, nil
	case domain.OrderStatusUnknown:
		return domain.Order{}, false, &domain.FollowerOutcome{
			FollowerAccount: link.FollowerAccount,
			OrderID:         existing.ID,
			Kind:            domain.OutcomeTimeout,
			Reason:          "pending_reconciliation",
		}
	case domain.OrderStatusRejected:
		return domain.Order{}, false, &domain.FollowerOutcome{
			FollowerAccount: link.FollowerAccount,
			OrderID:         existing.ID,
			Kind:            domain.OutcomeBrokerError,
			Reason:          existing.Message,
		}
	case domain.OrderStatusCancelled:
		// The earlier attempt was cut off before its broker call and the row
		// is terminal; this follower missed the master order.
		return domain.Order{}, false, &domain.FollowerOutcome{
			FollowerAccount: link.FollowerAccount,
			OrderID:         existing.ID,
			Kind:            domain.OutcomeTimeout,
			Reason:          "cancelled",
		}
	default:
		// Submitted or beyond: the follower already has this order.
		return domain.Order{}, false, &domain.FollowerOutcome{
			FollowerAccount: link.FollowerAccount,
			OrderID:         existing.ID,
			Kind:            domain.OutcomeDispatched,
		}
	}
}

// submit opens the session and drives the placement attempts. The caller
// holds the stripe for the order's account; submit releases it only around
// backoff sleeps and always returns with it held.
func (d *Dispatcher) submit(ctx context.Context, order domain.Order, instrument domain.Instrument, resumed bool, logger *slog.Logger) domain.FollowerOutcome {
	sess, err := d.deps.Sessions.Session(ctx, order.Account)
	if err != nil && errors.Is(err, domain.ErrAuthUnavailable) && ctx.Err() == nil {
		// One retry; auth outages are usually momentary token-service blips.
		if serr := d.backoffUnlocked(ctx, order.Account, 1); serr == nil {
			sess, err = d.deps.Sessions.Session(ctx, order.Account)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			d.finalize(abortTransition(order.ID, resumed))
			return abortOutcome(order.Account, order.ID, 0, ctx.Err())
		}
		reason := "credential"
		if errors.Is(err, domain.ErrAuthUnavailable) {
			reason = "auth_unavailable"
		}
		logger.WarnContext(ctx, "session unavailable", slog.Any("error", err))
		d.finalize(domain.StatusTransition{
			OrderID: order.ID,
			To:      domain.OrderStatusRejected,
			Message: "session: " + err.Error(),
		})
		return domain.FollowerOutcome{
			FollowerAccount: order.Account,
			OrderID:         order.ID,
			Kind:            domain.OutcomeBrokerError,
			Reason:          reason,
		}
	}

	req := placeRequest(order, instrument)
	attempts := 0
	for {
		if err := d.brokerSem.Acquire(ctx, 1); err != nil {
			d.finalize(abortTransition(order.ID, resumed || attempts > 0))
			return abortOutcome(order.Account, order.ID, attempts, err)
		}
		attempts++
		res, err := d.deps.Broker.Place(ctx, sess, req)
		d.brokerSem.Release(1)

		if err == nil {
			status := res.Status
			if status == "" {
				status = domain.OrderStatusSubmitted
			}
			d.finalize(domain.StatusTransition{
				OrderID:         order.ID,
				To:              status,
				BrokerOrderID:   res.BrokerOrderID,
				ExchangeOrderID: res.ExchangeOrderID,
				Message:         res.Message,
			})
			logger.InfoContext(ctx, "follower order placed",
				slog.String("order_id", order.ID),
				slog.String("broker_order_id", res.BrokerOrderID),
				slog.Int("attempts", attempts))
			return domain.FollowerOutcome{
				FollowerAccount: order.Account,
				OrderID:         order.ID,
				Kind:            domain.OutcomeDispatched,
				Attempts:        attempts,
			}
		}

		var transient *domain.TransientBrokerError
		var permanent *domain.PermanentBrokerError
		var timeout *domain.TimeoutError
		switch {
		case errors.As(err, &timeout):
			// The call died mid-flight; the broker may or may not hold the
			// order. Only the reconciler can say.
			logger.WarnContext(ctx, "placement timed out, order state unknown",
				slog.String("order_id", order.ID),
				slog.Int("attempts", attempts))
			d.finalize(domain.StatusTransition{
				OrderID: order.ID,
				To:      domain.OrderStatusUnknown,
				Message: timeout.Error(),
			})
			return domain.FollowerOutcome{
				FollowerAccount: order.Account,
				OrderID:         order.ID,
				Kind:            domain.OutcomeTimeout,
				Reason:          "broker_timeout",
				Attempts:        attempts,
			}

		case errors.As(err, &transient):
			if attempts > d.cfg.MaxRetries {
				logger.WarnContext(ctx, "placement retries exhausted",
					slog.String("order_id", order.ID),
					slog.Int("attempts", attempts),
					slog.Int("http_status", transient.StatusCode))
				d.finalize(domain.StatusTransition{
					OrderID: order.ID,
					To:      domain.OrderStatusRejected,
					Message: "retries exhausted: " + transient.Message,
				})
				return domain.FollowerOutcome{
					FollowerAccount: order.Account,
					OrderID:         order.ID,
					Kind:            domain.OutcomeBrokerError,
					Reason:          "retries_exhausted",
					Attempts:        attempts,
				}
			}
			logger.WarnContext(ctx, "transient broker failure, retrying",
				slog.String("order_id", order.ID),
				slog.Int("attempt", attempts),
				slog.Int("http_status", transient.StatusCode))
			if serr := d.backoffUnlocked(ctx, order.Account, attempts); serr != nil {
				// The deadline fired between attempts. The last answer was
				// transient, so the broker does not hold the order as far as
				// anyone knows; the reconciler confirms either way.
				d.finalize(domain.StatusTransition{
					OrderID: order.ID,
					To:      domain.OrderStatusUnknown,
					Message: "deadline during retry backoff",
				})
				return domain.FollowerOutcome{
					FollowerAccount: order.Account,
					OrderID:         order.ID,
					Kind:            domain.OutcomeTimeout,
					Reason:          "deadline",
					Attempts:        attempts,
				}
			}

		case errors.As(err, &permanent):
			logger.WarnContext(ctx, "placement rejected",
				slog.String("order_id", order.ID),
				slog.Int("broker_code", permanent.BrokerCode),
				slog.Int("http_status", permanent.StatusCode))
			d.finalize(domain.StatusTransition{
				OrderID: order.ID,
				To:      domain.OrderStatusRejected,
				Message: permanent.Message,
			})
			return domain.FollowerOutcome{
				FollowerAccount: order.Account,
				OrderID:         order.ID,
				Kind:            domain.OutcomeBrokerError,
				Reason:          "broker_rejected",
				Attempts:        attempts,
			}

		default:
			// Cancellation or a failure outside the taxonomy while the call
			// was in flight: indeterminate either way.
			logger.ErrorContext(ctx, "placement interrupted",
				slog.String("order_id", order.ID),
				slog.Any("error", err))
			d.finalize(domain.StatusTransition{
				OrderID: order.ID,
				To:      domain.OrderStatusUnknown,
				Message: err.Error(),
			})
			return domain.FollowerOutcome{
				FollowerAccount: order.Account,
				OrderID:         order.ID,
				Kind:            domain.OutcomeTimeout,
				Reason:          "interrupted",
				Attempts:        attempts,
			}
		}
	}
}

// backoffUnlocked sleeps out one retry delay with the account stripe
// released, then re-acquires it so the caller's unlock stays balanced.
func (d *Dispatcher) backoffUnlocked(ctx context.Context, account string, retry int) error {
	delay := retryDelay(retry, d.cfg.RetryBase, d.cfg.RetryCap, d.cfg.RetryJitterPct)
	d.stripes.Unlock(account)
	err := sleep(ctx, delay)
	d.stripes.Lock(account)
	return err
}

// finalize records a pipeline verdict on the order row. Runs on a fresh
// context so the verdict survives the pipeline deadline. A stale transition
// means another writer landed first; its verdict stands.
func (d *Dispatcher) finalize(t domain.StatusTransition) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if _, err := d.deps.Orders.AppendStatus(ctx, t); err != nil && !errors.Is(err, domain.ErrStaleTransition) {
		d.logger.ErrorContext(ctx, "order status append failed",
			slog.String("order_id", t.OrderID),
			slog.String("to", string(t.To)),
			slog.Any("error", err))
	}
}

// abortTransition picks the safe terminal for a row whose pipeline ended
// before a broker verdict. A fresh row never reached the wire and cancels; a
// resumed row may carry a token from a placement that died unrecorded, so it
// parks at unknown for the reconciler to confirm.
func abortTransition(orderID string, indeterminate bool) domain.StatusTransition {
	if indeterminate {
		return domain.StatusTransition{
			OrderID: orderID,
			To:      domain.OrderStatusUnknown,
			Message: "interrupted before broker verdict",
		}
	}
	return domain.StatusTransition{
		OrderID: orderID,
		To:      domain.OrderStatusCancelled,
		Message: "deadline before broker call",
	}
}

// abortOutcome classifies a pipeline cut short before a broker verdict.
func abortOutcome(account, orderID string, attempts int, err error) domain.FollowerOutcome {
	reason := "deadline"
	if errors.Is(err, context.Canceled) {
		reason = "cancelled"
	}
	return domain.FollowerOutcome{
		FollowerAccount: account,
		OrderID:         orderID,
		Kind:            domain.OutcomeTimeout,
		Reason:          reason,
		Attempts:        attempts,
	}
}

// placeRequest maps a persisted follower order onto the broker wire request.
// The order id rides as the idempotency token, so every retry and every
// replay of this order presents the same identity to the broker.
func placeRequest(order domain.Order, instrument domain.Instrument) domain.PlaceRequest {
	segment := order.Segment
	if instrument.Segment != "" {
		segment = instrument.Segment
	}
	return domain.PlaceRequest{
		Token:        order.ID,
		Code:         instrument.Code,
		Exchange:     order.Exchange,
		Segment:      segment,
		Side:         order.Side,
		Type:         order.Type,
		Quantity:     order.Quantity,
		Price:        order.Price,
		TriggerPrice: order.TriggerPrice,
		Product:      order.Product,
		Validity:     order.Validity,
	}
}
