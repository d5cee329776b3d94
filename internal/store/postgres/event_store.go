package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"copytrade/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL. Replication
// events are append-only; there is no update path.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

var _ domain.EventStore = (*EventStore)(nil)

// Seal persists a finished replication event. Sealing the same master order
// twice returns ErrAlreadyExists; a fan-out is summarized exactly once.
func (s *EventStore) Seal(ctx context.Context, e domain.ReplicationEvent) error {
	outcomes, err := json.Marshal(e.Outcomes)
	if err != nil {
		return fmt.Errorf("postgres: marshal outcomes for %s: %w", e.MasterOrderID, err)
	}

	sealedAt := e.SealedAt
	if sealedAt.IsZero() {
		sealedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO replication_events (
			id, master_order_id, total, dispatched, policy_skipped,
			unmapped, risk_denied, broker_errored, timed_out,
			p50_ns, p95_ns, p99_ns, outcomes, started_at, sealed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, $14, $15
		)`,
		e.ID, e.MasterOrderID, e.Total, e.Dispatched, e.PolicySkipped,
		e.Unmapped, e.RiskDenied, e.BrokerErrored, e.TimedOut,
		e.P50.Nanoseconds(), e.P95.Nanoseconds(), e.P99.Nanoseconds(),
		outcomes, e.StartedAt, sealedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: seal event %s: %w", e.MasterOrderID, err)
	}
	return nil
}

const eventSelectCols = `id, master_order_id, total, dispatched, policy_skipped,
	unmapped, risk_denied, broker_errored, timed_out,
	p50_ns, p95_ns, p99_ns, outcomes, started_at, sealed_at`

// GetByMaster returns the sealed event for a master order.
func (s *EventStore) GetByMaster(ctx context.Context, masterOrderID string) (domain.ReplicationEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventSelectCols+` FROM replication_events WHERE master_order_id = $1`,
		masterOrderID)

	e, err := scanEventFromRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ReplicationEvent{}, domain.ErrNotFound
		}
		return domain.ReplicationEvent{}, fmt.Errorf("postgres: get event for %s: %w", masterOrderID, err)
	}
	return e, nil
}

// ListRecent returns sealed events newest first with pagination and optional
// sealed-at bounds.
func (s *EventStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.ReplicationEvent, error) {
	query := `SELECT ` + eventSelectCols + ` FROM replication_events`
	args := []any{}
	argIdx := 1
	where := ""

	if opts.Since != nil {
		where = fmt.Sprintf(" WHERE sealed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		if where == "" {
			where = fmt.Sprintf(" WHERE sealed_at <= $%d", argIdx)
		} else {
			where += fmt.Sprintf(" AND sealed_at <= $%d", argIdx)
		}
		args = append(args, *opts.Until)
		argIdx++
	}
	query += where

	query += " ORDER BY sealed_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	var events []domain.ReplicationEvent
	for rows.Next() {
		e, err := scanEventFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan events: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Stats aggregates sealed events since the given time.
func (s *EventStore) Stats(ctx context.Context, since time.Time) (domain.ReplicationStats, error) {
	const query = `
		SELECT COUNT(*),
		       COALESCE(SUM(total), 0),
		       COALESCE(SUM(dispatched), 0),
		       COALESCE(SUM(policy_skipped), 0),
		       COALESCE(SUM(unmapped), 0),
		       COALESCE(SUM(risk_denied), 0),
		       COALESCE(SUM(broker_errored), 0),
		       COALESCE(SUM(timed_out), 0),
		       COALESCE(AVG(p50_ns), 0)::bigint,
		       COALESCE(AVG(p95_ns), 0)::bigint
		FROM replication_events
		WHERE sealed_at >= $1`

	var st domain.ReplicationStats
	var avgP50, avgP95 int64
	err := s.pool.QueryRow(ctx, query, since).Scan(
		&st.Events, &st.Followers, &st.Dispatched, &st.PolicySkipped,
		&st.Unmapped, &st.RiskDenied, &st.BrokerErrored, &st.TimedOut,
		&avgP50, &avgP95,
	)
	if err != nil {
		return domain.ReplicationStats{}, fmt.Errorf("postgres: event stats: %w", err)
	}
	st.AvgP50 = time.Duration(avgP50)
	st.AvgP95 = time.Duration(avgP95)
	return st, nil
}

func scanEventFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.ReplicationEvent, error) {
	var e domain.ReplicationEvent
	var p50, p95, p99 int64
	var outcomes []byte

	err := scanner.Scan(
		&e.ID, &e.MasterOrderID, &e.Total, &e.Dispatched, &e.PolicySkipped,
		&e.Unmapped, &e.RiskDenied, &e.BrokerErrored, &e.TimedOut,
		&p50, &p95, &p99, &outcomes, &e.StartedAt, &e.SealedAt,
	)
	if err != nil {
		return domain.ReplicationEvent{}, err
	}

	e.P50 = time.Duration(p50)
	e.P95 = time.Duration(p95)
	e.P99 = time.Duration(p99)
	if len(outcomes) > 0 {
		if err := json.Unmarshal(outcomes, &e.Outcomes); err != nil {
			return domain.ReplicationEvent{}, fmt.Errorf("unmarshal outcomes: %w", err)
		}
	}
	return e, nil
}
