package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a trading account known to the core. The credential blob is
// sealed at rest; only the vault opens it. Envelope fields left at zero
// inherit the system-wide risk defaults.
type Account struct {
	ID         string
	ClientCode string // broker client code
	Credential []byte // sealed credential envelope
	Balance    decimal.Decimal
	Envelope   RiskEnvelope
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Credential is the decrypted broker credential set. It exists in memory only
// inside a session handle.
type Credential struct {
	ClientCode string `json:"client_code"`
	UserID     string `json:"user_id"`
	Password   string `json:"password"`
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
}

// Session is an authenticated broker session handle. Handles are cached per
// account and replaced, not mutated, when refreshed; holders of a stale
// handle finish their in-flight call safely.
type Session struct {
	Account    string
	Credential Credential
	Token      string // bearer token from the auth endpoint
	Expiry     time.Time
}

// ExpiresWithin reports whether the session enters the refresh guard window
// within d.
func (s Session) ExpiresWithin(d time.Duration) bool {
	return time.Until(s.Expiry) <= d
}
