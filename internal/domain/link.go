package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CopyPolicy selects how a master quantity maps to a follower quantity.
type CopyPolicy string

const (
	PolicyFixedRatio    CopyPolicy = "fixed_ratio"
	PolicyPercentage    CopyPolicy = "percentage"
	PolicyFixedQuantity CopyPolicy = "fixed_quantity"
)

// FollowerLink binds a follower account to a master account with a copy
// policy and optional per-link risk narrowing. At most one active link may
// exist per (master, follower) pair.
type FollowerLink struct {
	ID               string
	MasterAccount    string
	FollowerAccount  string
	Policy           CopyPolicy
	Ratio            decimal.Decimal // fixed_ratio: follower qty = master qty × Ratio
	Percent          decimal.Decimal // percentage: % of follower balance per order, (0,100]
	FixedQuantity    int64           // fixed_quantity: constant follower qty
	MaxOrderNotional decimal.Decimal // per-order notional cap; zero = uncapped
	MaxDailyLoss     decimal.Decimal // per-link daily loss override; zero = inherit
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Validate checks that the policy parameters fit the chosen variant.
func (l FollowerLink) Validate() error {
	if l.MasterAccount == "" || l.FollowerAccount == "" {
		return fmt.Errorf("link: master and follower accounts required: %w", ErrInvalidLink)
	}
	if l.MasterAccount == l.FollowerAccount {
		return fmt.Errorf("link: account cannot follow itself: %w", ErrInvalidLink)
	}
	switch l.Policy {
	case PolicyFixedRatio:
		if l.Ratio.Sign() <= 0 {
			return fmt.Errorf("link: fixed_ratio requires ratio > 0: %w", ErrInvalidLink)
		}
	case PolicyPercentage:
		if l.Percent.Sign() <= 0 || l.Percent.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("link: percentage requires percent in (0,100]: %w", ErrInvalidLink)
		}
	case PolicyFixedQuantity:
		if l.FixedQuantity <= 0 {
			return fmt.Errorf("link: fixed_quantity requires quantity > 0: %w", ErrInvalidLink)
		}
	default:
		return fmt.Errorf("link: unknown policy %q: %w", l.Policy, ErrInvalidLink)
	}
	if l.MaxOrderNotional.Sign() < 0 || l.MaxDailyLoss.Sign() < 0 {
		return fmt.Errorf("link: caps cannot be negative: %w", ErrInvalidLink)
	}
	return nil
}
