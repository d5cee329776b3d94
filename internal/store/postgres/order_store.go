package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"copytrade/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

var _ domain.OrderStore = (*OrderStore)(nil)

// Create inserts a new order. The caller supplies the id; fan-out relies on
// the (parent_id, account_id) unique index to map concurrent duplicate
// inserts to ErrAlreadyExists.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, account_id, strategy_id, parent_id, side, order_type,
			symbol, exchange, segment, quantity, price, trigger_price,
			avg_fill_price, product, validity, status, status_rev,
			filled_quantity, broker_order_id, exchange_order_id, message,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20, $21,
			$22
		)`

	var parentID *string
	if o.ParentID != "" {
		parentID = &o.ParentID
	}
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.Account, o.StrategyID, parentID,
		string(o.Side), string(o.Type),
		o.Symbol, o.Exchange, o.Segment,
		o.Quantity, o.Price, o.TriggerPrice,
		o.AvgFillPrice, string(o.Product), string(o.Validity),
		string(o.Status), o.StatusRev,
		o.FilledQuantity, o.BrokerOrderID, o.ExchangeOrderID, o.Message,
		createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

// AppendStatus applies one lifecycle transition atomically. The update is
// conditional on the status revision read at the start, so a concurrent
// writer that lands first turns this call into ErrStaleTransition. Regressive
// moves are refused the same way. Broker identifiers only ever fill in; they
// are never blanked by a later transition that omits them.
func (s *OrderStore) AppendStatus(ctx context.Context, t domain.StatusTransition) (domain.Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Order{}, fmt.Errorf("postgres: append status %s: begin: %w", t.OrderID, err)
	}
	defer tx.Rollback(ctx)

	var curStatus string
	var curRev int64
	err = tx.QueryRow(ctx,
		`SELECT status, status_rev FROM orders WHERE id = $1`, t.OrderID,
	).Scan(&curStatus, &curRev)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: append status %s: read: %w", t.OrderID, err)
	}

	from := domain.OrderStatus(curStatus)
	if !domain.CanTransition(from, t.To) {
		return domain.Order{}, domain.ErrStaleTransition
	}

	const update = `
		UPDATE orders SET
			status            = $1,
			status_rev        = status_rev + 1,
			filled_quantity   = GREATEST(filled_quantity, $2),
			avg_fill_price    = CASE WHEN $3::numeric > 0 THEN $3::numeric ELSE avg_fill_price END,
			broker_order_id   = COALESCE(NULLIF($4, ''), broker_order_id),
			exchange_order_id = COALESCE(NULLIF($5, ''), exchange_order_id),
			message           = CASE WHEN $6 <> '' THEN $6 ELSE message END,
			submitted_at      = CASE WHEN $1 = 'submitted' AND submitted_at IS NULL THEN NOW() ELSE submitted_at END,
			terminal_at       = CASE WHEN $1 IN ('filled', 'rejected', 'cancelled') AND terminal_at IS NULL THEN NOW() ELSE terminal_at END
		WHERE id = $7 AND status_rev = $8`

	tag, err := tx.Exec(ctx, update,
		string(t.To), t.FilledQuantity, t.AvgPrice,
		t.BrokerOrderID, t.ExchangeOrderID, t.Message,
		t.OrderID, curRev,
	)
	if err != nil {
		return domain.Order{}, fmt.Errorf("postgres: append status %s: update: %w", t.OrderID, err)
	}
	if tag.RowsAffected() == 0 {
		// Someone else advanced the order between our read and write.
		return domain.Order{}, domain.ErrStaleTransition
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO order_status_history (order_id, from_status, to_status, message)
		VALUES ($1, $2, $3, $4)`,
		t.OrderID, curStatus, string(t.To), t.Message,
	)
	if err != nil {
		return domain.Order{}, fmt.Errorf("postgres: append status %s: history: %w", t.OrderID, err)
	}

	row := tx.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, t.OrderID)
	o, err := scanOrderFromRow(row)
	if err != nil {
		return domain.Order{}, fmt.Errorf("postgres: append status %s: reread: %w", t.OrderID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Order{}, fmt.Errorf("postgres: append status %s: commit: %w", t.OrderID, err)
	}
	return o, nil
}

// orderSelectCols lists the columns selected when reading orders.
const orderSelectCols = `id, account_id, strategy_id, parent_id, side, order_type,
	symbol, exchange, segment, quantity, price, trigger_price,
	avg_fill_price, product, validity, status, status_rev,
	filled_quantity, broker_order_id, exchange_order_id, message,
	created_at, submitted_at, terminal_at`

func scanOrderFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.Order, error) {
	var o domain.Order
	var parentID *string
	var side, orderType, product, validity, status string

	err := scanner.Scan(
		&o.ID, &o.Account, &o.StrategyID, &parentID,
		&side, &orderType,
		&o.Symbol, &o.Exchange, &o.Segment,
		&o.Quantity, &o.Price, &o.TriggerPrice,
		&o.AvgFillPrice, &product, &validity, &status, &o.StatusRev,
		&o.FilledQuantity, &o.BrokerOrderID, &o.ExchangeOrderID, &o.Message,
		&o.CreatedAt, &o.SubmittedAt, &o.TerminalAt,
	)
	if err != nil {
		return domain.Order{}, err
	}

	if parentID != nil {
		o.ParentID = *parentID
	}
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(orderType)
	o.Product = domain.ProductType(product)
	o.Validity = domain.Validity(validity)
	o.Status = domain.OrderStatus(status)

	return o, nil
}

func scanOrderRows(rows pgx.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrderFromRow(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetByID retrieves a single order by ID.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)

	o, err := scanOrderFromRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// GetByParentAccount retrieves the follower order one fan-out produced for
// one follower. The (parent_id, account_id) unique index guarantees at most
// one row; the dispatcher reads it to resume or short-circuit a replay.
func (s *OrderStore) GetByParentAccount(ctx context.Context, parentID, account string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE parent_id = $1 AND account_id = $2`, parentID, account)

	o, err := scanOrderFromRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order by parent %s account %s: %w", parentID, account, err)
	}
	return o, nil
}

// ListByParent returns every follower order derived from the given master
// order, oldest first.
func (s *OrderStore) ListByParent(ctx context.Context, parentID string) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE parent_id = $1
		 ORDER BY created_at ASC, id ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders by parent: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders by parent: %w", err)
	}
	return orders, nil
}

// ListByStatus returns orders in the given status with pagination and time
// filtering. The reconciler uses this to sweep unknown orders.
func (s *OrderStore) ListByStatus(ctx context.Context, status domain.OrderStatus, opts domain.ListOpts) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE status = $1`
	args := []any{string(status)}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at ASC"

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
		return nil, fmt.Errorf("postgres: list orders by status: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders by status: %w", err)
	}
	return orders, nil
}

// History returns the append-only transition log for an order, oldest first.
func (s *OrderStore) History(ctx context.Context, orderID string) ([]domain.StatusChange, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, from_status, to_status, message, created_at
		FROM order_status_history
		WHERE order_id = $1
		ORDER BY id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("postgres: order history %s: %w", orderID, err)
	}
	defer rows.Close()

	var changes []domain.StatusChange
	for rows.Next() {
		var c domain.StatusChange
		var from, to string
		if err := rows.Scan(&c.ID, &c.OrderID, &from, &to, &c.Message, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan order history: %w", err)
		}
		c.From = domain.OrderStatus(from)
		c.To = domain.OrderStatus(to)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// RealizedPnL computes matched-fill profit for an account since the given
// time: per symbol, min(bought, sold) quantity priced at average sell minus
// average buy. Orders that never filled contribute nothing.
func (s *OrderStore) RealizedPnL(ctx context.Context, account string, since time.Time) (decimal.Decimal, error) {
	const query = `
		WITH fills AS (
			SELECT symbol, side, filled_quantity AS qty,
			       CASE WHEN avg_fill_price > 0 THEN avg_fill_price ELSE price END AS px
			FROM orders
			WHERE account_id = $1 AND created_at >= $2 AND filled_quantity > 0
		), per_symbol AS (
			SELECT symbol,
			       SUM(qty) FILTER (WHERE side = 'buy')     AS bought,
			       SUM(qty) FILTER (WHERE side = 'sell')    AS sold,
			       SUM(qty*px) FILTER (WHERE side = 'buy')  AS buy_notional,
			       SUM(qty*px) FILTER (WHERE side = 'sell') AS sell_notional
			FROM fills
			GROUP BY symbol
		)
		SELECT COALESCE(SUM(
			LEAST(bought, sold) * (sell_notional/sold - buy_notional/bought)
		), 0)
		FROM per_symbol
		WHERE COALESCE(bought, 0) > 0 AND COALESCE(sold, 0) > 0`

	var pnl decimal.Decimal
	if err := s.pool.QueryRow(ctx, query, account, since).Scan(&pnl); err != nil {
		return decimal.Zero, fmt.Errorf("postgres: realized pnl %s: %w", account, err)
	}
	return pnl, nil
}

// OpenPositions derives the net open position per symbol from fills since the
// given time. AvgPrice is the fill-weighted average over both sides; it feeds
// the exposure check, not accounting.
func (s *OrderStore) OpenPositions(ctx context.Context, account string, since time.Time) ([]domain.Position, error) {
	const query = `
		WITH fills AS (
			SELECT symbol, exchange, side, filled_quantity AS qty,
			       CASE WHEN avg_fill_price > 0 THEN avg_fill_price ELSE price END AS px
			FROM orders
			WHERE account_id = $1 AND created_at >= $2 AND filled_quantity > 0
		)
		SELECT symbol, exchange,
		       SUM(CASE WHEN side = 'buy' THEN qty ELSE -qty END) AS net_qty,
		       SUM(qty*px) / NULLIF(SUM(qty), 0)                  AS avg_px
		FROM fills
		GROUP BY symbol, exchange
		HAVING SUM(CASE WHEN side = 'buy' THEN qty ELSE -qty END) <> 0`

	rows, err := s.pool.Query(ctx, query, account, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: open positions %s: %w", account, err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p := domain.Position{Account: account}
		var avgPx *decimal.Decimal
		if err := rows.Scan(&p.Symbol, &p.Exchange, &p.Quantity, &avgPx); err != nil {
			return nil, fmt.Errorf("postgres: scan open positions: %w", err)
		}
		if avgPx != nil {
			p.AvgPrice = *avgPx
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}
