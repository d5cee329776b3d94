package replicator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"copytrade/internal/domain"
)

// memOrders is an in-memory order store with the same transition discipline
// as the SQL store: conditional on the status revision, regressive moves
// refused, broker identifiers fill in but never blank.
type memOrders struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	byPair map[string]string // parentID+"|"+account → order id

	createErr error // scripted Create failure
}

func newMemOrders() *memOrders {
	return &memOrders{
		orders: make(map[string]domain.Order),
		byPair: make(map[string]string),
	}
}

func (s *memOrders) put(o domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	s.orders[o.ID] = o
	if o.ParentID != "" {
		s.byPair[o.ParentID+"|"+o.Account] = o.ID
	}
}

func (s *memOrders) Create(ctx context.Context, o domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if o.ParentID != "" {
		if _, ok := s.byPair[o.ParentID+"|"+o.Account]; ok {
			return domain.ErrAlreadyExists
		}
	}
	if _, ok := s.orders[o.ID]; ok {
		return domain.ErrAlreadyExists
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	s.orders[o.ID] = o
	if o.ParentID != "" {
		s.byPair[o.ParentID+"|"+o.Account] = o.ID
	}
	return nil
}

func (s *memOrders) AppendStatus(ctx context.Context, t domain.StatusTransition) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[t.OrderID]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	if !domain.CanTransition(o.Status, t.To) {
		return domain.Order{}, domain.ErrStaleTransition
	}
	o.Status = t.To
	o.StatusRev++
	if t.FilledQuantity > o.FilledQuantity {
		o.FilledQuantity = t.FilledQuantity
	}
	if t.AvgPrice.Sign() > 0 {
		o.AvgFillPrice = t.AvgPrice
	}
	if t.BrokerOrderID != "" {
		o.BrokerOrderID = t.BrokerOrderID
	}
	if t.ExchangeOrderID != "" {
		o.ExchangeOrderID = t.ExchangeOrderID
	}
	if t.Message != "" {
		o.Message = t.Message
	}
	now := time.Now().UTC()
	if t.To == domain.OrderStatusSubmitted && o.SubmittedAt == nil {
		o.SubmittedAt = &now
	}
	if t.To.IsTerminal() && o.TerminalAt == nil {
		o.TerminalAt = &now
	}
	s.orders[t.OrderID] = o
	return o, nil
}

func (s *memOrders) GetByID(ctx context.Context, id string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *memOrders) GetByParentAccount(ctx context.Context, parentID, account string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPair[parentID+"|"+account]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return s.orders[id], nil
}

func (s *memOrders) ListByParent(ctx context.Context, parentID string) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.ParentID == parentID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memOrders) ListByStatus(ctx context.Context, status domain.OrderStatus, opts domain.ListOpts) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.Status == status {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *memOrders) History(ctx context.Context, orderID string) ([]domain.StatusChange, error) {
	return nil, nil
}

func (s *memOrders) RealizedPnL(ctx context.Context, account string, since time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (s *memOrders) OpenPositions(ctx context.Context, account string, since time.Time) ([]domain.Position, error) {
	return nil, nil
}

var _ domain.OrderStore = (*memOrders)(nil)

// memAccounts holds accounts by id.
type memAccounts struct {
	mu       sync.Mutex
	accounts map[string]domain.Account
	getErr   map[string]error
}

func newMemAccounts() *memAccounts {
	return &memAccounts{
		accounts: make(map[string]domain.Account),
		getErr:   make(map[string]error),
	}
}

func (s *memAccounts) put(a domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
}

func (s *memAccounts) Create(ctx context.Context, a domain.Account) error {
	s.put(a)
	return nil
}

func (s *memAccounts) Get(ctx context.Context, id string) (domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.getErr[id]; err != nil {
		return domain.Account{}, err
	}
	a, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	return a, nil
}

func (s *memAccounts) SetCredential(ctx context.Context, id string, sealed []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[id]
	a.Credential = sealed
	s.accounts[id] = a
	return nil
}

func (s *memAccounts) SetRiskEnvelope(ctx context.Context, id string, env domain.RiskEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[id]
	a.Envelope = env
	s.accounts[id] = a
	return nil
}

func (s *memAccounts) UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[id]
	a.Balance = balance
	s.accounts[id] = a
	return nil
}

var _ domain.AccountStore = (*memAccounts)(nil)

// memLinks serves active links per master account.
type memLinks struct {
	mu        sync.Mutex
	links     []domain.FollowerLink
	err       error
	listCalls int
}

func (s *memLinks) add(l domain.FollowerLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links = append(s.links, l)
}

func (s *memLinks) Create(ctx context.Context, l domain.FollowerLink) (domain.FollowerLink, error) {
	s.add(l)
	return l, nil
}

func (s *memLinks) UpdatePolicy(ctx context.Context, l domain.FollowerLink) error { return nil }

func (s *memLinks) Deactivate(ctx context.Context, master, follower string) error { return nil }

func (s *memLinks) GetByPair(ctx context.Context, master, follower string) (domain.FollowerLink, error) {
	return domain.FollowerLink{}, domain.ErrNotFound
}

func (s *memLinks) ListActiveByMaster(ctx context.Context, master string) ([]domain.FollowerLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.err != nil {
		return nil, s.err
	}
	var out []domain.FollowerLink
	for _, l := range s.links {
		if l.MasterAccount == master && l.Active {
			out = append(out, l)
		}
	}
	return out, nil
}

var _ domain.LinkStore = (*memLinks)(nil)

// memEvents stores sealed events by master order id.
type memEvents struct {
	mu       sync.Mutex
	byMaster map[string]domain.ReplicationEvent
	sealErr  error
}

func newMemEvents() *memEvents {
	return &memEvents{byMaster: make(map[string]domain.ReplicationEvent)}
}

func (s *memEvents) Seal(ctx context.Context, ev domain.ReplicationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealErr != nil {
		return s.sealErr
	}
	if _, ok := s.byMaster[ev.MasterOrderID]; ok {
		return domain.ErrAlreadyExists
	}
	s.byMaster[ev.MasterOrderID] = ev
	return nil
}

func (s *memEvents) GetByMaster(ctx context.Context, masterOrderID string) (domain.ReplicationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.byMaster[masterOrderID]
	if !ok {
		return domain.ReplicationEvent{}, domain.ErrNotFound
	}
	return ev, nil
}

func (s *memEvents) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.ReplicationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ReplicationEvent
	for _, ev := range s.byMaster {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SealedAt.Before(out[j].SealedAt) })
	return out, nil
}

func (s *memEvents) Stats(ctx context.Context, since time.Time) (domain.ReplicationStats, error) {
	return domain.ReplicationStats{}, nil
}

var _ domain.EventStore = (*memEvents)(nil)

// placement records one broker call that reached the fake wire.
type placement struct {
	Account string
	Token   string
	At      time.Time
}

// fakeBroker scripts per-account failures and latency, and tracks the
// concurrent-call high watermark for the semaphore bound assertions.
type fakeBroker struct {
	mu         sync.Mutex
	placed     []placement
	calls      map[string]int     // account → place call count
	failures   map[string][]error // account → scripted errors, consumed in order
	delayFor   map[string]time.Duration
	delay      time.Duration
	statusFor  map[string]domain.StatusResult // token → status answer
	statusErr  map[string]error               // token → status error
	snapFor    map[string]domain.AccountSnapshot
	inFlight   atomic.Int32
	watermark  atomic.Int32
	statusSeen map[string]int // token → status call count
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		calls:      make(map[string]int),
		failures:   make(map[string][]error),
		delayFor:   make(map[string]time.Duration),
		statusFor:  make(map[string]domain.StatusResult),
		statusErr:  make(map[string]error),
		snapFor:    make(map[string]domain.AccountSnapshot),
		statusSeen: make(map[string]int),
	}
}

func (b *fakeBroker) failNext(account string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[account] = append(b.failures[account], errs...)
}

func (b *fakeBroker) callCount(account string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[account]
}

func (b *fakeBroker) placements() []placement {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]placement, len(b.placed))
	copy(out, b.placed)
	return out
}

func (b *fakeBroker) Place(ctx context.Context, sess domain.Session, req domain.PlaceRequest) (domain.PlaceResult, error) {
	cur := b.inFlight.Add(1)
	for {
		hw := b.watermark.Load()
		if cur <= hw || b.watermark.CompareAndSwap(hw, cur) {
			break
		}
	}
	defer b.inFlight.Add(-1)

	b.mu.Lock()
	b.calls[sess.Account]++
	delay := b.delay
	if d, ok := b.delayFor[sess.Account]; ok {
		delay = d
	}
	b.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return domain.PlaceResult{}, fmt.Errorf("fake place: %w", context.Canceled)
			}
			return domain.PlaceResult{}, &domain.TimeoutError{Op: "place", Err: ctx.Err()}
		case <-timer.C:
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if errs := b.failures[sess.Account]; len(errs) > 0 {
		err := errs[0]
		b.failures[sess.Account] = errs[1:]
		return domain.PlaceResult{}, err
	}

	b.placed = append(b.placed, placement{Account: sess.Account, Token: req.Token, At: time.Now()})
	return domain.PlaceResult{
		BrokerOrderID:   "B" + strconv.Itoa(len(b.placed)),
		ExchangeOrderID: "X" + strconv.Itoa(len(b.placed)),
		Status:          domain.OrderStatusSubmitted,
		Message:         "Success",
	}, nil
}

func (b *fakeBroker) Status(ctx context.Context, sess domain.Session, q domain.StatusQuery) (domain.StatusResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusSeen[q.Token]++
	if err := b.statusErr[q.Token]; err != nil {
		return domain.StatusResult{}, err
	}
	res, ok := b.statusFor[q.Token]
	if !ok {
		return domain.StatusResult{}, domain.ErrNotFound
	}
	return res, nil
}

func (b *fakeBroker) Modify(ctx context.Context, sess domain.Session, req domain.ModifyRequest) (domain.PlaceResult, error) {
	return domain.PlaceResult{}, errors.New("not implemented")
}

func (b *fakeBroker) Cancel(ctx context.Context, sess domain.Session, req domain.CancelRequest) (domain.PlaceResult, error) {
	return domain.PlaceResult{}, errors.New("not implemented")
}

func (b *fakeBroker) Trades(ctx context.Context, sess domain.Session, queries []domain.StatusQuery) ([]domain.BrokerTrade, error) {
	return nil, nil
}

func (b *fakeBroker) Snapshot(ctx context.Context, sess domain.Session) (domain.AccountSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.snapFor[sess.Account]
	if !ok {
		return domain.AccountSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

func (b *fakeBroker) Ping(ctx context.Context) (time.Duration, error) {
	return time.Millisecond, nil
}

var _ domain.Broker = (*fakeBroker)(nil)

// fakeVault hands out sessions, with optional scripted errors per account.
type fakeVault struct {
	mu     sync.Mutex
	errsBy map[string][]error // account → scripted errors, consumed in order
	calls  map[string]int
}

func newFakeVault() *fakeVault {
	return &fakeVault{
		errsBy: make(map[string][]error),
		calls:  make(map[string]int),
	}
}

func (v *fakeVault) failNext(account string, errs ...error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.errsBy[account] = append(v.errsBy[account], errs...)
}

func (v *fakeVault) Session(ctx context.Context, accountID string) (domain.Session, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls[accountID]++
	if errs := v.errsBy[accountID]; len(errs) > 0 {
		err := errs[0]
		v.errsBy[accountID] = errs[1:]
		if err != nil {
			return domain.Session{}, err
		}
	}
	return domain.Session{
		Account:    accountID,
		Credential: domain.Credential{ClientCode: accountID},
		Token:      "tok-" + accountID,
		Expiry:     time.Now().Add(8 * time.Hour),
	}, nil
}

// fakeMapper resolves instruments from a static table.
type fakeMapper struct {
	mu          sync.Mutex
	instruments map[string]domain.Instrument // symbol+"|"+exchange
	err         error
}

func newFakeMapper(ins ...domain.Instrument) *fakeMapper {
	m := &fakeMapper{instruments: make(map[string]domain.Instrument)}
	for _, i := range ins {
		m.instruments[i.Symbol+"|"+i.Exchange] = i
	}
	return m
}

func (m *fakeMapper) Resolve(ctx context.Context, symbol, exchange string) (domain.Instrument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.Instrument{}, m.err
	}
	ins, ok := m.instruments[symbol+"|"+exchange]
	if !ok {
		return domain.Instrument{}, domain.ErrUnknownInstrument
	}
	return ins, nil
}

// fakeGate denies configured accounts and admits everyone else.
type fakeGate struct {
	mu     sync.Mutex
	deny   map[string]domain.DenyReason
	checks map[string]int
}

func newFakeGate() *fakeGate {
	return &fakeGate{
		deny:   make(map[string]domain.DenyReason),
		checks: make(map[string]int),
	}
}

func (g *fakeGate) denyAccount(account string, reason domain.DenyReason) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deny[account] = reason
}

func (g *fakeGate) ResolveEnvelope(account domain.Account, link domain.FollowerLink) domain.RiskEnvelope {
	return account.Envelope
}

func (g *fakeGate) Check(ctx context.Context, account domain.Account, order domain.Order, env domain.RiskEnvelope) domain.Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks[account.ID]++
	if reason, ok := g.deny[account.ID]; ok {
		return domain.Denied(reason, "scripted denial")
	}
	return domain.Allowed()
}

// memMarks is an in-memory mark cache.
type memMarks struct {
	mu    sync.Mutex
	marks map[string]domain.BalancePoint // reuse: Balance=price, At=ts
}

func newMemMarks() *memMarks {
	return &memMarks{marks: make(map[string]domain.BalancePoint)}
}

func (m *memMarks) SetMark(ctx context.Context, symbol, exchange string, price decimal.Decimal, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[symbol+"|"+exchange] = domain.BalancePoint{Balance: price, At: ts}
	return nil
}

func (m *memMarks) GetMark(ctx context.Context, symbol, exchange string) (decimal.Decimal, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.marks[symbol+"|"+exchange]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return p.Balance, p.At, nil
}

var _ domain.MarkCache = (*memMarks)(nil)

// memSeries is an in-memory balance series.
type memSeries struct {
	mu     sync.Mutex
	points map[string][]domain.BalancePoint
}

func newMemSeries() *memSeries {
	return &memSeries{points: make(map[string][]domain.BalancePoint)}
}

func (s *memSeries) Append(ctx context.Context, account string, point domain.BalancePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points[account] = append(s.points[account], point)
	return nil
}

func (s *memSeries) Series(ctx context.Context, account string, since time.Time) ([]domain.BalancePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.points[account], nil
}

var _ domain.BalanceSeries = (*memSeries)(nil)

// memSnapshotCache is an in-memory follower snapshot cache with scripted
// failures.
type memSnapshotCache struct {
	mu     sync.Mutex
	snaps  map[string][]domain.FollowerLink
	getErr error
	setErr error
	sets   int
}

func newMemSnapshotCache() *memSnapshotCache {
	return &memSnapshotCache{snaps: make(map[string][]domain.FollowerLink)}
}

func (c *memSnapshotCache) Get(ctx context.Context, master string) ([]domain.FollowerLink, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	links, ok := c.snaps[master]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return links, nil
}

func (c *memSnapshotCache) Set(ctx context.Context, master string, links []domain.FollowerLink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	if c.setErr != nil {
		return c.setErr
	}
	c.snaps[master] = links
	return nil
}

func (c *memSnapshotCache) Invalidate(ctx context.Context, master string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snaps, master)
	return nil
}

var _ domain.SnapshotCache = (*memSnapshotCache)(nil)

// memBus is an in-memory event bus with a sequential stream.
type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streams   map[string][]domain.StreamMessage
	nextID    int
}

func newMemBus() *memBus {
	return &memBus{
		published: make(map[string][][]byte),
		streams:   make(map[string][]domain.StreamMessage),
	}
}

func (b *memBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[topic] = append(b.published[topic], payload)
	return nil
}

func (b *memBus) publishedTo(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[topic])
}

func (b *memBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *memBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.streams[stream] = append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.Itoa(b.nextID),
		Payload: payload,
	})
	return nil
}

func (b *memBus) StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	last, _ := strconv.Atoi(lastID)
	var out []domain.StreamMessage
	for _, msg := range b.streams[stream] {
		id, _ := strconv.Atoi(msg.ID)
		if id <= last {
			continue
		}
		out = append(out, msg)
		if count > 0 && len(out) >= count {
			break
		}
	}
	return out, nil
}

var _ domain.EventBus = (*memBus)(nil)
