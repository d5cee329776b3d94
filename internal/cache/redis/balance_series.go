package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"copytrade/internal/domain"
)

// balanceSeriesCap bounds the per-account balance history. At one sample per
// reconcile tick (15s) this covers a full trading session with headroom.
const balanceSeriesCap = 2880

// BalanceSeries implements domain.BalanceSeries using capped Redis lists.
// Points are pushed newest-first at key "balance:{account}"; the drawdown
// estimate walks the stored window.
type BalanceSeries struct {
	rdb *redis.Client
}

// NewBalanceSeries creates a BalanceSeries backed by the given Client.
func NewBalanceSeries(c *Client) *BalanceSeries {
	return &BalanceSeries{rdb: c.Underlying()}
}

func balanceKey(account string) string { return "balance:" + account }

// Append records one balance sample and trims the list to the cap.
func (bs *BalanceSeries) Append(ctx context.Context, account string, point domain.BalancePoint) error {
	data, err := json.Marshal(point)
	if err != nil {
		return fmt.Errorf("redis: marshal balance point %s: %w", account, err)
	}

	key := balanceKey(account)
	pipe := bs.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, balanceSeriesCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: append balance %s: %w", account, err)
	}
	return nil
}

// Series returns the samples since the given time, oldest first. An account
// with no samples yields an empty series, not an error.
func (bs *BalanceSeries) Series(ctx context.Context, account string, since time.Time) ([]domain.BalancePoint, error) {
	raw, err := bs.rdb.LRange(ctx, balanceKey(account), 0, balanceSeriesCap-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: balance series %s: %w", account, err)
	}

	// Stored newest-first; walk backwards to return chronological order.
	points := make([]domain.BalancePoint, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var p domain.BalancePoint
		if err := json.Unmarshal([]byte(raw[i]), &p); err != nil {
			return nil, fmt.Errorf("redis: unmarshal balance point %s: %w", account, err)
		}
		if p.At.Before(since) {
			continue
		}
		points = append(points, p)
	}
	return points, nil
}

// Compile-time interface check.
var _ domain.BalanceSeries = (*BalanceSeries)(nil)
