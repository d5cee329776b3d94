package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"copytrade/internal/domain"
)

// LinkStore implements domain.LinkStore using PostgreSQL.
type LinkStore struct {
	pool *pgxpool.Pool
}

// NewLinkStore creates a new LinkStore backed by the given connection pool.
func NewLinkStore(pool *pgxpool.Pool) *LinkStore {
	return &LinkStore{pool: pool}
}

var _ domain.LinkStore = (*LinkStore)(nil)

const linkSelectCols = `id, master_account, follower_account, policy,
	ratio, percent, fixed_quantity, max_order_notional, max_daily_loss,
	active, created_at, updated_at`

// Create establishes a follower link. A soft-deleted row for the pair is
// revived in place with the new policy, so each pair keeps one row of record.
// The partial unique index on the active (master, follower) pair turns a
// duplicate into ErrAlreadyExists.
func (s *LinkStore) Create(ctx context.Context, link domain.FollowerLink) (domain.FollowerLink, error) {
	if err := link.Validate(); err != nil {
		return domain.FollowerLink{}, err
	}
	now := time.Now().UTC()
	link.Active = true
	link.UpdatedAt = now

	const revive = `
		UPDATE follower_links SET
			policy = $3, ratio = $4, percent = $5, fixed_quantity = $6,
			max_order_notional = $7, max_daily_loss = $8,
			active = TRUE, updated_at = $9
		WHERE id = (
			SELECT id FROM follower_links
			WHERE master_account = $1 AND follower_account = $2 AND NOT active
			ORDER BY updated_at DESC
			LIMIT 1
		)
		RETURNING id, created_at`

	err := s.pool.QueryRow(ctx, revive,
		link.MasterAccount, link.FollowerAccount,
		string(link.Policy), link.Ratio, link.Percent, link.FixedQuantity,
		link.MaxOrderNotional, link.MaxDailyLoss, now,
	).Scan(&link.ID, &link.CreatedAt)
	if err == nil {
		return link, nil
	}
	if isUniqueViolation(err) {
		return domain.FollowerLink{}, domain.ErrAlreadyExists
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.FollowerLink{}, fmt.Errorf("postgres: revive link %s->%s: %w",
			link.MasterAccount, link.FollowerAccount, err)
	}

	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	link.CreatedAt = now

	const insert = `
		INSERT INTO follower_links (
			id, master_account, follower_account, policy,
			ratio, percent, fixed_quantity, max_order_notional, max_daily_loss,
			active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE, $10, $10)`

	_, err = s.pool.Exec(ctx, insert,
		link.ID, link.MasterAccount, link.FollowerAccount, string(link.Policy),
		link.Ratio, link.Percent, link.FixedQuantity,
		link.MaxOrderNotional, link.MaxDailyLoss,
		now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.FollowerLink{}, domain.ErrAlreadyExists
		}
		return domain.FollowerLink{}, fmt.Errorf("postgres: create link %s->%s: %w",
			link.MasterAccount, link.FollowerAccount, err)
	}
	return link, nil
}

// UpdatePolicy replaces the copy policy and risk caps of an existing link.
func (s *LinkStore) UpdatePolicy(ctx context.Context, link domain.FollowerLink) error {
	if err := link.Validate(); err != nil {
		return err
	}

	const query = `
		UPDATE follower_links SET
			policy = $1, ratio = $2, percent = $3, fixed_quantity = $4,
			max_order_notional = $5, max_daily_loss = $6, updated_at = NOW()
		WHERE id = $7 AND active`

	tag, err := s.pool.Exec(ctx, query,
		string(link.Policy), link.Ratio, link.Percent, link.FixedQuantity,
		link.MaxOrderNotional, link.MaxDailyLoss, link.ID,
	)
	if err != nil {
		return fmt.Errorf("postgres: update link policy %s: %w", link.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Deactivate retires the active link between a master and a follower.
func (s *LinkStore) Deactivate(ctx context.Context, masterAccount, followerAccount string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE follower_links SET active = FALSE, updated_at = NOW()
		WHERE master_account = $1 AND follower_account = $2 AND active`,
		masterAccount, followerAccount)
	if err != nil {
		return fmt.Errorf("postgres: deactivate link %s->%s: %w", masterAccount, followerAccount, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByPair returns the active link between a master and a follower.
func (s *LinkStore) GetByPair(ctx context.Context, masterAccount, followerAccount string) (domain.FollowerLink, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+linkSelectCols+` FROM follower_links
		 WHERE master_account = $1 AND follower_account = $2 AND active`,
		masterAccount, followerAccount)

	link, err := scanLinkFromRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.FollowerLink{}, domain.ErrNotFound
		}
		return domain.FollowerLink{}, fmt.Errorf("postgres: get link %s->%s: %w", masterAccount, followerAccount, err)
	}
	return link, nil
}

// ListActiveByMaster returns all active links for a master account, oldest
// first so fan-out order is stable.
func (s *LinkStore) ListActiveByMaster(ctx context.Context, masterAccount string) ([]domain.FollowerLink, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+linkSelectCols+` FROM follower_links
		 WHERE master_account = $1 AND active
		 ORDER BY created_at ASC, id ASC`, masterAccount)
	if err != nil {
		return nil, fmt.Errorf("postgres: list links for %s: %w", masterAccount, err)
	}
	defer rows.Close()

	var links []domain.FollowerLink
	for rows.Next() {
		link, err := scanLinkFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan links: %w", err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

func scanLinkFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.FollowerLink, error) {
	var l domain.FollowerLink
	var policy string

	err := scanner.Scan(
		&l.ID, &l.MasterAccount, &l.FollowerAccount, &policy,
		&l.Ratio, &l.Percent, &l.FixedQuantity,
		&l.MaxOrderNotional, &l.MaxDailyLoss,
		&l.Active, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return domain.FollowerLink{}, err
	}
	l.Policy = domain.CopyPolicy(policy)
	return l, nil
}
