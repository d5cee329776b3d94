package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"copytrade/internal/domain"
)

// MarkCache implements domain.MarkCache using Redis hashes. Each mark is
// stored at key "mark:{exchange}:{symbol}" with fields "price" and "ts"
// (Unix nanosecond timestamp). Marks are fed out of band; the risk gate and
// the percentage policy only read.
type MarkCache struct {
	rdb *redis.Client
}

// NewMarkCache creates a MarkCache backed by the given Client.
func NewMarkCache(c *Client) *MarkCache {
	return &MarkCache{rdb: c.Underlying()}
}

func markKey(symbol, exchange string) string {
	return "mark:" + exchange + ":" + symbol
}

// SetMark stores the latest mark price and timestamp for an instrument.
func (mc *MarkCache) SetMark(ctx context.Context, symbol, exchange string, price decimal.Decimal, ts time.Time) error {
	key := markKey(symbol, exchange)
	fields := map[string]interface{}{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := mc.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("redis: set mark %s/%s: %w", symbol, exchange, err)
	}
	return nil
}

// GetMark retrieves the latest mark price and timestamp for an instrument.
// It returns domain.ErrNotFound when no mark has been stored.
func (mc *MarkCache) GetMark(ctx context.Context, symbol, exchange string) (decimal.Decimal, time.Time, error) {
	key := markKey(symbol, exchange)
	vals, err := mc.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get mark %s/%s: %w", symbol, exchange, err)
	}
	if len(vals) == 0 {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}

	priceStr, ok := vals["price"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse mark %s/%s: %w", symbol, exchange, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse mark ts %s/%s: %w", symbol, exchange, err)
	}

	return price, time.Unix(0, tsNano), nil
}

// Compile-time interface check.
var _ domain.MarkCache = (*MarkCache)(nil)
