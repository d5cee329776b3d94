package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"copytrade/internal/domain"
)

// InstrumentStore implements domain.InstrumentStore using PostgreSQL.
type InstrumentStore struct {
	pool *pgxpool.Pool
}

// NewInstrumentStore creates a new InstrumentStore backed by the given pool.
func NewInstrumentStore(pool *pgxpool.Pool) *InstrumentStore {
	return &InstrumentStore{pool: pool}
}

var _ domain.InstrumentStore = (*InstrumentStore)(nil)

const instrumentUpsert = `
	INSERT INTO instruments (
		symbol, exchange, segment, code, lot_size, tick_size,
		isin, name, active, updated_at
	) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7, $8, $9, NOW()
	)
	ON CONFLICT (symbol, exchange) DO UPDATE SET
		segment    = EXCLUDED.segment,
		code       = EXCLUDED.code,
		lot_size   = EXCLUDED.lot_size,
		tick_size  = EXCLUDED.tick_size,
		isin       = EXCLUDED.isin,
		name       = EXCLUDED.name,
		active     = EXCLUDED.active,
		updated_at = NOW()`

// Upsert inserts or updates a single instrument row.
func (s *InstrumentStore) Upsert(ctx context.Context, ins domain.Instrument) error {
	_, err := s.pool.Exec(ctx, instrumentUpsert,
		ins.Symbol, ins.Exchange, ins.Segment, ins.Code,
		ins.LotSize, ins.TickSize, ins.ISIN, ins.Name, ins.Active,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert instrument %s/%s: %w", ins.Symbol, ins.Exchange, err)
	}
	return nil
}

// UpsertBatch inserts or updates multiple instruments in a single batch
// operation. Instrument dumps run to six figures, so this is the load path.
func (s *InstrumentStore) UpsertBatch(ctx context.Context, batch []domain.Instrument) error {
	if len(batch) == 0 {
		return nil
	}

	b := &pgx.Batch{}
	for _, ins := range batch {
		b.Queue(instrumentUpsert,
			ins.Symbol, ins.Exchange, ins.Segment, ins.Code,
			ins.LotSize, ins.TickSize, ins.ISIN, ins.Name, ins.Active,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for i := range batch {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert instrument batch item %d: %w", i, err)
		}
	}
	return nil
}

// Get retrieves one instrument by symbol and exchange. Inactive rows resolve
// to ErrUnknownInstrument just like missing ones.
func (s *InstrumentStore) Get(ctx context.Context, symbol, exchange string) (domain.Instrument, error) {
	var ins domain.Instrument
	err := s.pool.QueryRow(ctx, `
		SELECT symbol, exchange, segment, code, lot_size, tick_size,
		       isin, name, active, updated_at
		FROM instruments
		WHERE symbol = $1 AND exchange = $2 AND active`,
		symbol, exchange,
	).Scan(
		&ins.Symbol, &ins.Exchange, &ins.Segment, &ins.Code,
		&ins.LotSize, &ins.TickSize, &ins.ISIN, &ins.Name,
		&ins.Active, &ins.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Instrument{}, domain.ErrUnknownInstrument
		}
		return domain.Instrument{}, fmt.Errorf("postgres: get instrument %s/%s: %w", symbol, exchange, err)
	}
	return ins, nil
}

// ListActive returns every active instrument. The mapper loads its in-memory
// snapshot from this.
func (s *InstrumentStore) ListActive(ctx context.Context) ([]domain.Instrument, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, exchange, segment, code, lot_size, tick_size,
		       isin, name, active, updated_at
		FROM instruments WHERE active`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list instruments: %w", err)
	}
	defer rows.Close()

	var out []domain.Instrument
	for rows.Next() {
		var ins domain.Instrument
		if err := rows.Scan(
			&ins.Symbol, &ins.Exchange, &ins.Segment, &ins.Code,
			&ins.LotSize, &ins.TickSize, &ins.ISIN, &ins.Name,
			&ins.Active, &ins.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan instruments: %w", err)
		}
		out = append(out, ins)
	}
	return out, rows.Err()
}

// Generation returns the current instrument snapshot generation.
func (s *InstrumentStore) Generation(ctx context.Context) (int64, error) {
	var gen int64
	err := s.pool.QueryRow(ctx,
		`SELECT generation FROM instrument_generation WHERE id = 1`,
	).Scan(&gen)
	if err != nil {
		return 0, fmt.Errorf("postgres: instrument generation: %w", err)
	}
	return gen, nil
}

// BumpGeneration advances the generation counter after an out-of-band refresh
// and returns the new value.
func (s *InstrumentStore) BumpGeneration(ctx context.Context) (int64, error) {
	var gen int64
	err := s.pool.QueryRow(ctx, `
		UPDATE instrument_generation
		SET generation = generation + 1, updated_at = NOW()
		WHERE id = 1
		RETURNING generation`,
	).Scan(&gen)
	if err != nil {
		return 0, fmt.Errorf("postgres: bump instrument generation: %w", err)
	}
	return gen, nil
}
