// Package vault manages sealed broker credentials and the per-account
// session cache. Credentials are decrypted in memory only while building a
// session handle; at rest they live as sealed blobs in the account store.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"copytrade/internal/crypto"
	"copytrade/internal/domain"
)

// Vault hands out authenticated broker sessions. Concurrent callers for the
// same account share one pending login; refreshed sessions replace the cache
// entry, so holders of the previous handle finish their call on the old
// token without coordination.
type Vault struct {
	accounts   domain.AccountStore
	auth       domain.Authenticator
	passphrase string
	guard      time.Duration
	logger     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]domain.Session
	flight   singleflight.Group
}

// New creates a vault. guard is the pre-expiry window inside which Session
// refreshes proactively instead of serving the cached handle.
func New(accounts domain.AccountStore, auth domain.Authenticator, passphrase string, guard time.Duration, logger *slog.Logger) *Vault {
	return &Vault{
		accounts:   accounts,
		auth:       auth,
		passphrase: passphrase,
		guard:      guard,
		logger:     logger.With(slog.String("component", "vault")),
		sessions:   make(map[string]domain.Session),
	}
}

// Store seals a credential set and persists it for the account. Any cached
// session is dropped so the next Session call authenticates with the new
// credentials.
func (v *Vault) Store(ctx context.Context, accountID string, cred domain.Credential) error {
	plaintext, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("vault: encode credential: %w", err)
	}
	sealed, err := crypto.Seal(plaintext, v.passphrase)
	if err != nil {
		return fmt.Errorf("vault: seal credential: %w", err)
	}
	if err := v.accounts.SetCredential(ctx, accountID, sealed); err != nil {
		return fmt.Errorf("vault: persist credential: %w", err)
	}
	v.Invalidate(accountID)
	return nil
}

// Session returns an authenticated session for the account, logging in on a
// cache miss. Within the guard window before expiry it refreshes; if the
// refresh fails transiently while the cached token is still live, it serves
// the cached session rather than failing the caller.
func (v *Vault) Session(ctx context.Context, accountID string) (domain.Session, error) {
	v.mu.RLock()
	cached, ok := v.sessions[accountID]
	v.mu.RUnlock()

	if ok && !cached.ExpiresWithin(v.guard) {
		return cached, nil
	}

	sess, err := v.login(ctx, accountID)
	if err != nil {
		// A session inside the guard window is stale but still valid;
		// prefer it over surfacing a transient auth outage.
		if ok && time.Now().Before(cached.Expiry) {
			v.logger.WarnContext(ctx, "session refresh failed, serving cached session",
				slog.String("account", accountID),
				slog.Time("expiry", cached.Expiry),
				slog.Any("error", err))
			return cached, nil
		}
		return domain.Session{}, err
	}
	return sess, nil
}

// Invalidate drops the cached session for an account. The next Session call
// authenticates from scratch.
func (v *Vault) Invalidate(accountID string) {
	v.mu.Lock()
	delete(v.sessions, accountID)
	v.mu.Unlock()
}

// login authenticates one account, deduplicating concurrent callers through
// a single flight per account key.
func (v *Vault) login(ctx context.Context, accountID string) (domain.Session, error) {
	ch := v.flight.DoChan(accountID, func() (any, error) {
		return v.openSession(ctx, accountID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.Session{}, res.Err
		}
		return res.Val.(domain.Session), nil
	case <-ctx.Done():
		// The shared flight keeps running for the other waiters.
		return domain.Session{}, fmt.Errorf("vault: session %s: %w", accountID, ctx.Err())
	}
}

func (v *Vault) openSession(ctx context.Context, accountID string) (domain.Session, error) {
	// A flight that queued behind a finished refresh can serve its result.
	v.mu.RLock()
	cached, ok := v.sessions[accountID]
	v.mu.RUnlock()
	if ok && !cached.ExpiresWithin(v.guard) {
		return cached, nil
	}

	account, err := v.accounts.Get(ctx, accountID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("vault: load account %s: %w", accountID, err)
	}
	if !account.Active {
		return domain.Session{}, fmt.Errorf("vault: account %s: %w", accountID, domain.ErrInactiveAccount)
	}
	if len(account.Credential) == 0 {
		return domain.Session{}, fmt.Errorf("vault: account %s has no credential: %w", accountID, domain.ErrInvalidCredentials)
	}

	plaintext, err := crypto.Unseal(account.Credential, v.passphrase)
	if err != nil {
		return domain.Session{}, fmt.Errorf("vault: account %s: %w: %v", accountID, domain.ErrInvalidCredentials, err)
	}
	var cred domain.Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return domain.Session{}, fmt.Errorf("vault: account %s: %w: credential blob malformed", accountID, domain.ErrInvalidCredentials)
	}

	token, expiry, err := v.auth.Login(ctx, cred)
	if err != nil {
		return domain.Session{}, fmt.Errorf("vault: account %s: %w", accountID, err)
	}

	sess := domain.Session{
		Account:    accountID,
		Credential: cred,
		Token:      token,
		Expiry:     expiry,
	}

	v.mu.Lock()
	v.sessions[accountID] = sess
	v.mu.Unlock()

	v.logger.InfoContext(ctx, "session opened",
		slog.String("account", accountID),
		slog.Time("expiry", expiry))
	return sess, nil
}
