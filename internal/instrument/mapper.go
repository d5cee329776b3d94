// Package instrument resolves trading symbols to broker instrument codes
// through a generation-keyed in-process cache.
package instrument

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"copytrade/internal/domain"
)

type cacheKey struct {
	symbol   string
	exchange string
}

// snapshot is an immutable view of the instrument table. Readers load it
// atomically; reloads replace it wholesale, never mutate it.
type snapshot struct {
	generation int64
	byKey      map[cacheKey]domain.Instrument
}

// Mapper caches the symbol→code mapping. The cache is read-heavy; out-of-band
// instrument loads bump the store generation and the next freshness check
// swaps the snapshot.
type Mapper struct {
	store  domain.InstrumentStore
	logger *slog.Logger

	snap atomic.Pointer[snapshot]
	mu   sync.Mutex // serializes reloads
}

// NewMapper creates a mapper. The cache fills lazily on first resolve.
func NewMapper(store domain.InstrumentStore, logger *slog.Logger) *Mapper {
	return &Mapper{
		store:  store,
		logger: logger.With(slog.String("component", "instrument")),
	}
}

// Resolve maps (symbol, exchange) to the broker instrument. A cache miss
// falls through to the store so rows added since the last snapshot still
// resolve; absence is ErrUnknownInstrument.
func (m *Mapper) Resolve(ctx context.Context, symbol, exchange string) (domain.Instrument, error) {
	snap := m.snap.Load()
	if snap == nil {
		if err := m.Refresh(ctx); err != nil {
			return domain.Instrument{}, err
		}
		snap = m.snap.Load()
	}

	if ins, ok := snap.byKey[cacheKey{symbol, exchange}]; ok {
		return ins, nil
	}

	ins, err := m.store.Get(ctx, symbol, exchange)
	if err != nil {
		return domain.Instrument{}, err
	}
	return ins, nil
}

// Generation reports the generation of the loaded snapshot, zero before the
// first load.
func (m *Mapper) Generation() int64 {
	if snap := m.snap.Load(); snap != nil {
		return snap.generation
	}
	return 0
}

// EnsureFresh reloads the snapshot when the store generation moved past the
// cached one. Cheap when nothing changed: a single generation read.
func (m *Mapper) EnsureFresh(ctx context.Context) error {
	gen, err := m.store.Generation(ctx)
	if err != nil {
		return fmt.Errorf("instrument: read generation: %w", err)
	}
	if snap := m.snap.Load(); snap != nil && snap.generation == gen {
		return nil
	}
	return m.Refresh(ctx)
}

// Refresh unconditionally rebuilds the snapshot from the store. The
// generation is read before the rows, so the label is never newer than the
// content and a concurrent bump forces one more reload.
func (m *Mapper) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	gen, err := m.store.Generation(ctx)
	if err != nil {
		return fmt.Errorf("instrument: read generation: %w", err)
	}

	active, err := m.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("instrument: load instruments: %w", err)
	}

	byKey := make(map[cacheKey]domain.Instrument, len(active))
	for _, ins := range active {
		byKey[cacheKey{ins.Symbol, ins.Exchange}] = ins
	}
	m.snap.Store(&snapshot{generation: gen, byKey: byKey})

	m.logger.InfoContext(ctx, "instrument snapshot loaded",
		slog.Int64("generation", gen),
		slog.Int("instruments", len(active)))
	return nil
}
