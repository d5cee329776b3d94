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

// AccountStore implements domain.AccountStore using PostgreSQL.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates a new AccountStore backed by the given pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

var _ domain.AccountStore = (*AccountStore)(nil)

// Create inserts a new account. The credential blob, when present, is already
// sealed; this store never sees plaintext.
func (s *AccountStore) Create(ctx context.Context, a domain.Account) error {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (
			id, client_code, credential, balance, active,
			max_daily_loss, max_drawdown_frac, max_position_notional,
			max_open_positions, max_exposure, stop_loss_required,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
		a.ID, a.ClientCode, a.Credential, a.Balance, a.Active,
		a.Envelope.MaxDailyLoss, a.Envelope.MaxDrawdownFrac, a.Envelope.MaxPositionNotional,
		a.Envelope.MaxOpenPositions, a.Envelope.MaxExposure, a.Envelope.StopLossRequired,
		createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create account %s: %w", a.ID, err)
	}
	return nil
}

// Get retrieves an account by ID.
func (s *AccountStore) Get(ctx context.Context, id string) (domain.Account, error) {
	var a domain.Account
	err := s.pool.QueryRow(ctx, `
		SELECT id, client_code, credential, balance, active,
		       max_daily_loss, max_drawdown_frac, max_position_notional,
		       max_open_positions, max_exposure, stop_loss_required,
		       created_at, updated_at
		FROM accounts WHERE id = $1`, id,
	).Scan(&a.ID, &a.ClientCode, &a.Credential, &a.Balance, &a.Active,
		&a.Envelope.MaxDailyLoss, &a.Envelope.MaxDrawdownFrac, &a.Envelope.MaxPositionNotional,
		&a.Envelope.MaxOpenPositions, &a.Envelope.MaxExposure, &a.Envelope.StopLossRequired,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Account{}, domain.ErrNotFound
		}
		return domain.Account{}, fmt.Errorf("postgres: get account %s: %w", id, err)
	}
	return a, nil
}

// SetRiskEnvelope replaces the per-account risk overrides. Zero fields fall
// back to the system defaults at gate time.
func (s *AccountStore) SetRiskEnvelope(ctx context.Context, id string, env domain.RiskEnvelope) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET
			max_daily_loss = $1, max_drawdown_frac = $2, max_position_notional = $3,
			max_open_positions = $4, max_exposure = $5, stop_loss_required = $6,
			updated_at = NOW()
		WHERE id = $7`,
		env.MaxDailyLoss, env.MaxDrawdownFrac, env.MaxPositionNotional,
		env.MaxOpenPositions, env.MaxExposure, env.StopLossRequired, id)
	if err != nil {
		return fmt.Errorf("postgres: set risk envelope %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetCredential replaces the sealed credential blob for an account.
func (s *AccountStore) SetCredential(ctx context.Context, id string, sealed []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET credential = $1, updated_at = NOW() WHERE id = $2`,
		sealed, id)
	if err != nil {
		return fmt.Errorf("postgres: set credential %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateBalance records the latest known account balance.
func (s *AccountStore) UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET balance = $1, updated_at = NOW() WHERE id = $2`,
		balance, id)
	if err != nil {
		return fmt.Errorf("postgres: update balance %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
