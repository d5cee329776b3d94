package replicator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"copytrade/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// env wires a dispatcher to in-memory fakes.
type env struct {
	orders   *memOrders
	accounts *memAccounts
	links    *memLinks
	events   *memEvents
	broker   *fakeBroker
	vault    *fakeVault
	mapper   *fakeMapper
	gate     *fakeGate
	marks    *memMarks
	disp     *Dispatcher
}

func newEnv(cfg Config) *env {
	e := &env{
		orders:   newMemOrders(),
		accounts: newMemAccounts(),
		links:    &memLinks{},
		events:   newMemEvents(),
		broker:   newFakeBroker(),
		vault:    newFakeVault(),
		mapper:   newFakeMapper(relianceInstrument()),
		gate:     newFakeGate(),
		marks:    newMemMarks(),
	}
	e.disp = NewDispatcher(cfg, Deps{
		Orders:   e.orders,
		Accounts: e.accounts,
		Events:   e.events,
		Registry: NewRegistry(e.links, nil, testLogger()),
		Mapper:   e.mapper,
		Gate:     e.gate,
		Sessions: e.vault,
		Broker:   e.broker,
		Marks:    e.marks,
	}, testLogger())
	return e
}

// fastConfig keeps retries in the low milliseconds so failure-path tests
// finish quickly.
func fastConfig() Config {
	return Config{
		MaxInFlightBrokerCalls: 16,
		WorkerSlots:            16,
		DispatchTimeout:        2 * time.Second,
		MaxRetries:             3,
		RetryBase:              time.Millisecond,
		RetryCap:               4 * time.Millisecond,
	}
}

func relianceInstrument() domain.Instrument {
	return domain.Instrument{
		Symbol:   "RELIANCE",
		Exchange: "N",
		Segment:  "C",
		Code:     2885,
		LotSize:  1,
		Active:   true,
	}
}

func (e *env) addMaster(id string, mutate ...func(*domain.Order)) domain.Order {
	m := domain.Order{
		ID:       id,
		Account:  "master-1",
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeLimit,
		Symbol:   "RELIANCE",
		Exchange: "N",
		Segment:  "C",
		Quantity: 100,
		Price:    decimal.NewFromInt(2500),
		Product:  domain.ProductIntraday,
		Validity: domain.ValidityDay,
		Status:   domain.OrderStatusSubmitted,
	}
	for _, fn := range mutate {
		fn(&m)
	}
	e.orders.put(m)
	return m
}

func (e *env) addFollower(account string, balance int64, mutate ...func(*domain.FollowerLink)) {
	e.accounts.put(domain.Account{
		ID:      account,
		Balance: decimal.NewFromInt(balance),
		Active:  true,
	})
	link := domain.FollowerLink{
		ID:              "L-" + account,
		MasterAccount:   "master-1",
		FollowerAccount: account,
		Policy:          domain.PolicyFixedRatio,
		Ratio:           decimal.NewFromInt(1),
		Active:          true,
	}
	for _, fn := range mutate {
		fn(&link)
	}
	e.links.add(link)
}

func outcomeFor(t *testing.T, ev domain.ReplicationEvent, account string) domain.FollowerOutcome {
	t.Helper()
	for _, out := range ev.Outcomes {
		if out.FollowerAccount == account {
			return out
		}
	}
	t.Fatalf("no outcome recorded for follower %s", account)
	return domain.FollowerOutcome{}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDispatchFansOutToAllFollowers(t *testing.T) {
	t.Parallel()

	e := newEnv(fastConfig())
	e.addMaster("M-1")
	followers := []string{"f-1", "f-2", "f-3", "f-4", "f-5", "f-6", "f-7", "f-8", "f-9", "f-10"}
	for _, f := range followers {
		e.addFollower(f, 1_000_000)
	}

	ev, err := e.disp.Dispatch(context.Background(), "M-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if ev.Total != 10 || ev.Dispatched != 10 {
		t.Errorf("event = total %d dispatched %d, want 10/10", ev.Total, ev.Dispatched)
	}
	if !ev.Consistent() {
		t.Errorf("sealed event counters do not add up: %+v", ev)
	}
	if ev.MasterOrderID != "M-1" {
		t.Errorf("MasterOrderID = %q, want M-1", ev.MasterOrderID)
	}

	rows, err := e.orders.ListByParent(context.Background(), "M-1")
	if err != nil {
		t.Fatalf("ListByParent() error = %v", err)
	}
	if len(rows) != 10 {
		t.Fatalf("follower rows = %d, want 10", len(rows))
	}
	for _, row := range rows {
		if row.Status != domain.OrderStatusSubmitted {
			t.Errorf("row %s status = %s, want submitted", row.ID, row.Status)
		}
		if row.BrokerOrderID == "" {
			t.Errorf("row %s has no broker order id", row.ID)
		}
		if row.SubmittedAt == nil {
			t.Errorf("row %s has no submitted timestamp", row.ID)
		}
		if row.Quantity != 100 {
			t.Errorf("row %s quantity = %d, want 100 at ratio 1", row.ID, row.Quantity)
		}
	}
	for _, f := range followers {
		if got := e.broker.callCount(f); got != 1 {
			t.Errorf("broker calls for %s = %d, want 1", f, got)
		}
	}
}

func TestDispatchSkipsQuantityRoundedToZero(t *testing.T) {
	t.Parallel()

	e := newEnv(fastConfig())
	e.addMaster("M-1")
	e.addFollower("f-1", 1_000_000, func(l *domain.FollowerLink) {
		l.Ratio = decimal.NewFromFloat(0.0049)
	})

	ev, err := e.disp.Dispatch(context.Background(), "M-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if ev.PolicySkipped != 1 || ev.Dispatched != 0 {
		t.Errorf("event = %+v, want one policy skip", ev)
	}
	out := outcomeFor(t, ev, "f-1")
	if out.Kind != domain.OutcomePolicySkip || out.Reason != domain.SkipTooSmall {
		t.Errorf("outcome = %s/%s, want policy_skip/too_small", out.Kind, out.Reason)
	}
	if rows, _ := e.orders.ListByParent(context.Background(), "M-1"); len(rows) != 0 {
		t.Errorf("skipped follower left %d order rows, want none", len(rows))
	}
	if got := e.broker.callCount("f-1"); got != 0 {
		t.Errorf("broker calls = %d, want 0 for a skipped follower", got)
	}
}

func TestDispatchRiskDenialStopsBeforePersist(t *testing.T) {
	t.Parallel()

	e := newEnv(fastConfig())
	e.addMaster("M-1")
	e.addFollower("f-1", 1_000_000)
	e.gate.denyAccount("f-1", domain.DenyDailyLoss)

	ev, err := e.disp.Dispatch(context.Background(), "M-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	out := outcomeFor(t, ev, "f-1")
	if out.Kind != domain.OutcomeRiskDenied {
		t.Fatalf("outcome kind = %s, want risk_denied", out.Kind)
	}
	if out.Reason != string(domain.DenyDailyLoss) {
		t.Errorf("outcome reason = %q, want %q", out.Reason, domain.DenyDailyLoss)
	}
	if rows, _ := e.orders.ListByParent(context.Background(), "M-1"); len(rows) != 0 {
		t.Errorf("denied follower left %d order rows, want none", len(rows))
	}
	if got := e.broker.callCount("f-1"); got != 0 {
		t.Errorf("broker calls = %d, want 0 for a denied follower", got)
	}
}

func TestDispatchUnmappedSymbolSkipsEveryFollower(t *testing.T) {
	t.Parallel()

	e := newEnv(fastConfig())
	e.addMaster("M-1", func(m *domain.Order) {
		m.Symbol = "NOSUCH"
	})
	e.addFollower("f-1", 1_000_000)
	e.addFollower("f-2", 1_000_000)

	ev, err := e.disp.Dispatch(context.Background(), "M-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if ev.Unmapped != 2 {
		t.Errorf("Unmapped = %d, want 2", ev.Unmapped)
	}
	out := outcomeFor(t, ev, "f-1")
	if out.Reason != "NOSUCH:N" {
		t.Errorf("outcome reason = %q, want the symbol:exchange pair", out.Reason)
	}
	if got := e.broker.callCount("f-1") + e.broker.callCount("f-2"); got != 0 {
		t.Errorf("broker calls = %d, want 0 for an unmapped symbol", got)
	}
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	e := newEnv(fastConfig())
	e.addMaster("M-1")
	e.addFollower("f-1", 1_000_000)
	e.broker.failNext("f-1",
		&domain.TransientBrokerError{StatusCode: 429, Message: "rate limited"},
		&domain.TransientBrokerError{StatusCode: 503, Message: "upstream busy"},
	)

	ev, err := e.disp.Dispatch(context.Background(), "M-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	out := outcomeFor(t, ev, "f-1")
	if out.Kind != domain.OutcomeDispatched {
		t.Fatalf("outcome kind = %s, want dispatched after retries", out.Kind)
	}
	if out.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", out.Attempts)
	}
	if got := e.broker.callCount("f-1"); got != 3 {
		t.Errorf("broker calls = %d, want 3", got)
	}
	row, err := e.orders.GetByParentAccount(context.Background(), "M-1", "f-1")
	if err != nil {
		t.Fatalf("GetByParentAccount() error = %v", err)
	}
	if row.Status != domain.OrderStatusSubmitted {
		t.Errorf("row status = %s, want submitted", row.Status)
	}
}

func TestDispatchRejectsAfterRetryBudget(t *testing.T) {
	t.Parallel()

	e := newEnv(fastConfig())
	e.addMaster("M-1")
	e.addFollower("f-1", 1_000_000)
	busy := &domain.TransientBrokerError{StatusCode: 429, Message: "rate limited"}
	e.broker.failNext("f-1", busy, busy, busy, busy)

	ev, err := e.disp.Dispatch(context.Background(), "M-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	out := outcomeFor(t, ev, "f-1")
	if out.Kind != domain.OutcomeBrokerError || out.Reason != "retries_exhausted" {
		t.Fatalf("outcome = %s/%s, want broker_error/retries_exhausted", out.Kind, out.Reason)
	}
	if out.Attempts != 4 {
		t.Errorf("attempts = %d, want max retries + 1 = 4", out.Attempts)
	}
	row, err := e.orders.GetByParentAccount(context.Background(), "M-1", "f-1")
	if err != nil {
		t.Fatalf("GetByParentAccount() error = %v", err)
	}
	if row.Status != domain.OrderStatusRejected {
		t.Errorf("row status = %s, want rejected", row.Status)
	}
	if !strings.HasPrefix(row.Message, "retries exhausted") {
		t.Errorf("row message = %q, want a retries-exhausted note", row.Message)
	}
}

func TestDispatchPermanentRejectionDoesNotRetry(t *testing.T) {
	t.Parallel()

	e := newEnv(fastConfig())
	e.addMaster("M-1")
	e.addFollower("f-1", 1_000_000)
	e.broker.failNext("f-1", &domain.PermanentBrokerError{
		StatusCode: 400, BrokerCode: 711, Message: "margin shortfall",
	})

	ev, err := e.disp.Dispatch(context.Background(), "M-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	out := outcomeFor(t, ev, "f-1")
	if out.Kind != domain.OutcomeBrokerError || out.Reason != "broker_rejected" {
		t.Fatalf("outcome = %s/%s, want broker_error/broker_rejected", out.Kind, out.Reason)
	}
	if out.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 for a permanent rejection", out.Attempts)
	}
	row, err := e.orders.GetByParentAccount(context.Background(), "M-1", "f-1")
	if err != nil {
		t.Fatalf("GetByParentAccount() error = %v", err)
	}
	if row.Status != domain.OrderStatusRejected || row.Message != "margin shortfall" {
		t.Errorf("row = %s %q, want rejected with the broker message", row.Status, row.Message)
	}
}

func TestDispatchSlowBrokerParksOrderUnknown(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.DispatchTimeout = 60 * time.Millisecond
	e := newEnv(cfg)
	e.addMaster("M-1")
	e.addFollower("f-1", 1_000_000)
	e.addFollower("f-2", 1_000_000)
	e.addFollower("slow-1", 1_000_000)
	e.broker.delayFor["slow-1"] = 300 * time.Millisecond

	ev, err := e.disp.Dispatch(context.Background(), "M-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if ev.Dispatched != 2 || ev.TimedOut != 1 {
		t.Fatalf("event = dispatched %d timed_out %d, want 2/1", ev.Dispatched, ev.TimedOut)
	}
	if !ev.Consistent() {
		t.Errorf("sealed event counters do not add up: %+v", ev)
	}
	if took := ev.SealedAt.Sub(ev.StartedAt); took < cfg.DispatchTimeout {
		t.Errorf("sealed after %s, want at least the dispatch timeout %s", took, cfg.DispatchTimeout)
	}

	out := outcomeFor(t, ev, "slow-1")
	if out.Kind != domain.OutcomeTimeout || out.Reason != "broker_timeout" {
		t.Errorf("outcome = %s/%s, want timeout/broker_timeout", out.Kind, out.Reason)
	}
	row, err := e.orders.GetByParentAccount(context.Background(), "M-1", "slow-1")
	if err != nil {
		t.Fatalf("GetByParentAccount() error = %v", err)
	}
	if row.Status != domain.OrderStatusUnknown {
		t.Errorf("slow follower row status = %s, want unknown for the reconciler", row.Status)
	}
}

func TestDispatchSealedEventShortCircuitsReplay(t *testing.T) {
	t.Parallel()

	e := newEnv(fastConfig())
	e.addMaster("M-1")
	e.addFollower("f-1", 1_000_000)

	first, err := e.disp.Dispatch(context.Background(), "M-1")
	if err != nil {
		t.Fatalf("first Dispatch() error = %v", err)
	}
	second, err := e.disp.Dispatch(context.Background(), "M-1")
	if err != nil {
		t.Fatalf("second Dispatch() error = %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("replay sealed a new event %s, want the original %s", second.ID, first.ID)
	}
	if got := e.broker.callCount("f-1"); got != 1 {
		t.Errorf("broker calls = %d, want 1 across both dispatches", got)
	}
}

func TestDispatchResumesPendingRowUnderSameToken(t *testing.T) {
	t.Parallel()

	e := newEnv(fastConfig())
	e.addMaster("M-1")
	e.addFollower("f-1", 1_000_000)

	// A previous dispatch persisted the row and died before its broker call.
	e.orders.put(domain.Order{
		ID:       "pre-token",
		Account:  "f-1",
		ParentID: "M-1",
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeLimit,
		Symbol:   "RELIANCE",
		Exchange: "N",
		Segment:  "C",
		Quantity: 100,
		Price:    decimal.NewFromInt(2500),
		Product:  domain.ProductIntraday,
		Validity: domain.ValidityDay,
		Status:   domain.OrderStatusPending,
	})

	ev, err := e.disp.Dispatch(context.Background(), "M-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	out := outcomeFor(t, ev, "f-1")
	if out.Kind != domain.OutcomeDispatched {
		t.Fatalf("outcome kind = %s, want dispatched", out.Kind)
	}
	placed := e.broker.placements()
	if len(placed) != 1 || placed[0].Token != "pre-token" {
		t.Fatalf("placements = %+v, want one placement under the original token", placed)
	}
	rows, _ := e.orders.ListByParent(context.Background(), "M-1")
	if len(rows) != 1 {
		t.Errorf("rows for master = %d, want the single resumed row", len(rows))
	}
	if rows[0].Status != domain.OrderStatusSubmitted {
		t.Errorf("resumed row status = %s, want submitted", rows[0].Status)
	}
}

func TestDispatchReplayShortCircuitsSettledRows(t *testing.T) {
	t.Parallel()

	e := newEnv(fastConfig())
	e.addMaster("M-1")
	e.addFollower("f-done", 1_000_000)
	e.addFollower("f-rej", 1_000_000)
	e.addFollower("f-unk", 1_000_000)

	e.orders.put(domain.Order{
		ID: "O-done", Account: "f-done", ParentID: "M-1",
		Status: domain.OrderStatusSubmitted, BrokerOrderID: "B-9",
	})
	e.orders.put(domain.Order{
		ID: "O-rej", Account: "f-rej", ParentID: "M-1",
		Status: domain.OrderStatusRejected, Message: "margin shortfall",
	})
	e.orders.put(domain.Order{
		ID: "O-unk", Account: "f-unk", ParentID: "M-1",
		Status: domain.OrderStatusUnknown,
	})

	ev, err := e.disp.Dispatch(context.Background(), "M-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if got := len(e.broker.placements()); got != 0 {
		t.Fatalf("broker placements = %d, want 0 on a pure replay", got)
	}

	done := outcomeFor(t, ev, "f-done")
	if done.Kind != domain.OutcomeDispatched || done.OrderID != "O-done" {
		t.Errorf("settled outcome = %s order %s, want dispatched O-done", done.Kind, done.OrderID)
	}
	rej := outcomeFor(t, ev, "f-rej")
	if rej.Kind != domain.OutcomeBrokerError || rej.Reason != "margin shortfall" {
		t.Errorf("rejected outcome = %s/%q, want broker_error with the stored message", rej.Kind, rej.Reason)
	}
	unk := outcomeFor(t, ev, "f-unk")
	if unk.Kind != domain.OutcomeTimeout || unk.Reason != "pending_reconciliation" {
		t.Errorf("unknown outcome = %s/%q, want timeout/pending_reconciliation", unk.Kind, unk.Reason)
	}
	if ev.Dispatched != 1 || ev.BrokerErrored != 1 || ev.TimedOut != 1 {
		t.Errorf("counters = %+v, want one of each recorded verdict", ev)
	}
}

func TestDispatchSessionFailures(t *testing.T) {
	t.Parallel()

	t.Run("bad credential rejects without placement", func(t *testing.T) {
		t.Parallel()
		e := newEnv(fastConfig())
		e.addMaster("M-1")
		e.addFollower("f-1", 1_000_000)
		e.vault.failNext("f-1", domain.ErrInvalidCredentials)

		ev, err := e.disp.Dispatch(context.Background(), "M-1")
		if err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
		out := outcomeFor(t, ev, "f-1")
		if out.Kind != domain.OutcomeBrokerError || out.Reason != "credential" {
			t.Fatalf("outcome = %s/%s, want broker_error/credential", out.Kind, out.Reason)
		}
		if got := e.broker.callCount("f-1"); got != 0 {
			t.Errorf("broker calls = %d, want 0", got)
		}
		row, err := e.orders.GetByParentAccount(context.Background(), "M-1", "f-1")
		if err != nil {
			t.Fatalf("GetByParentAccount() error = %v", err)
		}
		if row.Status != domain.OrderStatusRejected || !strings.HasPrefix(row.Message, "session:") {
			t.Errorf("row = %s %q, want rejected with a session note", row.Status, row.Message)
		}
	})

	t.Run("auth blip retried once", func(t *testing.T) {
		t.Parallel()
		e := newEnv(fastConfig())
		e.addMaster("M-1")
		e.addFollower("f-1", 1_000_000)
		e.vault.failNext("f-1", domain.ErrAuthUnavailable)

		ev, err := e.disp.Dispatch(context.Background(), "M-1")
		if err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
		out := outcomeFor(t, ev, "f-1")
		if out.Kind != domain.OutcomeDispatched {
			t.Fatalf("outcome kind = %s, want dispatched after the auth retry", out.Kind)
		}
		if got := e.vault.calls["f-1"]; got != 2 {
			t.Errorf("vault calls = %d, want 2", got)
		}
	})

	t.Run("auth outage rejects", func(t *testing.T) {
		t.Parallel()
		e := newEnv(fastConfig())
		e.addMaster("M-1")
		e.addFollower("f-1", 1_000_000)
		e.vault.failNext("f-1", domain.ErrAuthUnavailable, domain.ErrAuthUnavailable)

		ev, err := e.disp.Dispatch(context.Background(), "M-1")
		if err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
		out := outcomeFor(t, ev, "f-1")
		if out.Kind != domain.OutcomeBrokerError || out.Reason != "auth_unavailable" {
			t.Fatalf("outcome = %s/%s, want broker_error/auth_unavailable", out.Kind, out.Reason)
		}
	})
}

func TestDispatchAccountLookupFailure(t *testing.T) {
	t.Parallel()

	e := newEnv(fastConfig())
	e.addMaster("M-1")
	e.addFollower("f-1", 1_000_000)
	e.accounts.getErr["f-1"] = errors.New("connection refused")

	ev, err := e.disp.Dispatch(context.Background(), "M-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	out := outcomeFor(t, ev, "f-1")
	if out.Kind != domain.OutcomeBrokerError || out.Reason != "account_unavailable" {
		t.Errorf("outcome = %s/%s, want broker_error/account_unavailable", out.Kind, out.Reason)
	}
}

func TestDispatchBoundsInFlightBrokerCalls(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.MaxInFlightBrokerCalls = 2
	e := newEnv(cfg)
	e.addMaster("M-1")
	for i := 0; i < 12; i++ {
		e.addFollower("f-"+string(rune('a'+i)), 1_000_000)
	}
	e.broker.delay = 5 * time.Millisecond

	ev, err := e.disp.Dispatch(context.Background(), "M-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if ev.Dispatched != 12 {
		t.Fatalf("Dispatched = %d, want 12", ev.Dispatched)
	}
	if hw := e.broker.watermark.Load(); hw > 2 {
		t.Errorf("concurrent broker calls peaked at %d, want at most 2", hw)
	}
}

func TestDispatchSerializesPerFollower(t *testing.T) {
	t.Parallel()

	e := newEnv(fastConfig())
	e.addMaster("M-1")
	e.addMaster("M-2")
	e.addFollower("f-1", 1_000_000)
	e.broker.delayFor["f-1"] = 40 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := e.disp.Dispatch(context.Background(), "M-1")
		done <- err
	}()
	// The first fan-out holds the stripe once its broker call is in flight.
	waitUntil(t, func() bool { return e.broker.callCount("f-1") == 1 })

	if _, err := e.disp.Dispatch(context.Background(), "M-2"); err != nil {
		t.Fatalf("Dispatch(M-2) error = %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Dispatch(M-1) error = %v", err)
	}

	first, err := e.orders.GetByParentAccount(context.Background(), "M-1", "f-1")
	if err != nil {
		t.Fatalf("GetByParentAccount(M-1) error = %v", err)
	}
	second, err := e.orders.GetByParentAccount(context.Background(), "M-2", "f-1")
	if err != nil {
		t.Fatalf("GetByParentAccount(M-2) error = %v", err)
	}

	placed := e.broker.placements()
	if len(placed) != 2 {
		t.Fatalf("placements = %d, want 2", len(placed))
	}
	if placed[0].Token != first.ID || placed[1].Token != second.ID {
		t.Errorf("placement order = [%s %s], want the first master's order first",
			placed[0].Token, placed[1].Token)
	}
}

func TestDispatchCancelledFanOutStaysUnsealed(t *testing.T) {
	t.Parallel()

	e := newEnv(fastConfig())
	e.addMaster("M-1")
	e.addFollower("f-1", 1_000_000)
	e.broker.delayFor["f-1"] = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := e.disp.Dispatch(ctx, "M-1")
		errc <- err
	}()
	// Cancel only once the broker call is provably in flight.
	waitUntil(t, func() bool { return e.broker.callCount("f-1") == 1 })
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Dispatch() error = %v, want context.Canceled", err)
	}
	if _, err := e.events.GetByMaster(context.Background(), "M-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cancelled fan-out sealed an event, want none")
	}
	row, err := e.orders.GetByParentAccount(context.Background(), "M-1", "f-1")
	if err != nil {
		t.Fatalf("GetByParentAccount() error = %v", err)
	}
	if row.Status != domain.OrderStatusUnknown {
		t.Fatalf("interrupted row status = %s, want unknown", row.Status)
	}

	// The replay completes the fan-out without touching the broker again.
	ev, err := e.disp.Dispatch(context.Background(), "M-1")
	if err != nil {
		t.Fatalf("replay Dispatch() error = %v", err)
	}
	if ev.TimedOut != 1 || ev.Total != 1 {
		t.Errorf("replay event = %+v, want the single row surfaced as timed out", ev)
	}
	out := outcomeFor(t, ev, "f-1")
	if out.Reason != "pending_reconciliation" {
		t.Errorf("replay outcome reason = %q, want pending_reconciliation", out.Reason)
	}
	if got := e.broker.callCount("f-1"); got != 1 {
		t.Errorf("broker calls = %d, want 1 across cancel and replay", got)
	}
}

func TestDispatchEmptyFollowerSetSealsEmptyEvent(t *testing.T) {
	t.Parallel()

	e := newEnv(fastConfig())
	e.addMaster("M-1")

	ev, err := e.disp.Dispatch(context.Background(), "M-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if ev.Total != 0 || !ev.Consistent() {
		t.Errorf("event = %+v, want an empty consistent event", ev)
	}
	if _, err := e.events.GetByMaster(context.Background(), "M-1"); err != nil {
		t.Errorf("GetByMaster() error = %v, want the sealed empty event", err)
	}
}

func TestDispatchRefusesNonReplicableMaster(t *testing.T) {
	t.Parallel()

	e := newEnv(fastConfig())
	e.addMaster("M-1", func(m *domain.Order) {
		m.Status = domain.OrderStatusPending
	})
	e.addFollower("f-1", 1_000_000)

	if _, err := e.disp.Dispatch(context.Background(), "M-1"); !errors.Is(err, domain.ErrInvalidOrder) {
		t.Fatalf("Dispatch() error = %v, want ErrInvalidOrder", err)
	}
	if _, err := e.disp.Dispatch(context.Background(), "M-404"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Dispatch() error = %v, want ErrNotFound", err)
	}
	if got := len(e.broker.placements()); got != 0 {
		t.Errorf("placements = %d, want 0", got)
	}
}

func TestDispatchPercentagePolicySizesFromMark(t *testing.T) {
	t.Parallel()

	e := newEnv(fastConfig())
	e.addMaster("M-1", func(m *domain.Order) {
		m.Type = domain.OrderTypeMarket
		m.Price = decimal.Zero
	})
	e.addFollower("f-1", 100_000, func(l *domain.FollowerLink) {
		l.Policy = domain.PolicyPercentage
		l.Percent = decimal.NewFromInt(10)
	})
	if err := e.marks.SetMark(context.Background(), "RELIANCE", "N", decimal.NewFromInt(250), time.Now()); err != nil {
		t.Fatalf("SetMark() error = %v", err)
	}

	ev, err := e.disp.Dispatch(context.Background(), "M-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if ev.Dispatched != 1 {
		t.Fatalf("Dispatched = %d, want 1: %+v", ev.Dispatched, outcomeFor(t, ev, "f-1"))
	}
	row, err := e.orders.GetByParentAccount(context.Background(), "M-1", "f-1")
	if err != nil {
		t.Fatalf("GetByParentAccount() error = %v", err)
	}
	if row.Quantity != 40 {
		t.Errorf("quantity = %d, want 40 (10%% of 100000 at mark 250)", row.Quantity)
	}
}

func TestDispatchMixedOutcomesStayConsistent(t *testing.T) {
	t.Parallel()

	e := newEnv(fastConfig())
	e.addMaster("M-1")
	e.addFollower("ok-1", 1_000_000)
	e.addFollower("ok-2", 1_000_000)
	e.addFollower("skip-1", 1_000_000, func(l *domain.FollowerLink) {
		l.Ratio = decimal.NewFromFloat(0.001)
	})
	e.addFollower("deny-1", 1_000_000)
	e.addFollower("rej-1", 1_000_000)
	e.gate.denyAccount("deny-1", domain.DenyExposure)
	e.broker.failNext("rej-1", &domain.PermanentBrokerError{StatusCode: 400, Message: "rms block"})

	ev, err := e.disp.Dispatch(context.Background(), "M-1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if ev.Total != 5 || ev.Dispatched != 2 || ev.PolicySkipped != 1 || ev.RiskDenied != 1 || ev.BrokerErrored != 1 {
		t.Errorf("counters = total %d dispatched %d skipped %d denied %d errored %d, want 5/2/1/1/1",
			ev.Total, ev.Dispatched, ev.PolicySkipped, ev.RiskDenied, ev.BrokerErrored)
	}
	if !ev.Consistent() {
		t.Errorf("sealed event counters do not add up: %+v", ev)
	}
	if len(ev.Outcomes) != 5 {
		t.Errorf("outcomes = %d, want one per follower", len(ev.Outcomes))
	}
}
