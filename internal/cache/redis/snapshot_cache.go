package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"copytrade/internal/domain"
)

// maxSnapshotTTL bounds follower snapshot staleness. A link change must be
// visible to the next fan-out within a second.
const maxSnapshotTTL = time.Second

// SnapshotCache implements domain.SnapshotCache using Redis string values
// with JSON-serialized follower link slices.
//
// Key schema:
//
//	followers:{masterAccount} - JSON array of follower links
type SnapshotCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSnapshotCache creates a SnapshotCache backed by the given Client. TTLs
// above one second are clamped.
func NewSnapshotCache(c *Client, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 || ttl > maxSnapshotTTL {
		ttl = maxSnapshotTTL
	}
	return &SnapshotCache{rdb: c.Underlying(), ttl: ttl}
}

func snapshotKey(masterAccount string) string { return "followers:" + masterAccount }

// Set stores the follower snapshot for a master account.
func (sc *SnapshotCache) Set(ctx context.Context, masterAccount string, links []domain.FollowerLink) error {
	data, err := json.Marshal(links)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot %s: %w", masterAccount, err)
	}
	if err := sc.rdb.Set(ctx, snapshotKey(masterAccount), data, sc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set snapshot %s: %w", masterAccount, err)
	}
	return nil
}

// Get retrieves the follower snapshot for a master account. It returns
// domain.ErrNotFound when the snapshot is missing or expired.
func (sc *SnapshotCache) Get(ctx context.Context, masterAccount string) ([]domain.FollowerLink, error) {
	data, err := sc.rdb.Get(ctx, snapshotKey(masterAccount)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get snapshot %s: %w", masterAccount, err)
	}

	var links []domain.FollowerLink
	if err := json.Unmarshal(data, &links); err != nil {
		return nil, fmt.Errorf("redis: unmarshal snapshot %s: %w", masterAccount, err)
	}
	return links, nil
}

// Invalidate drops the snapshot for a master account. Link writes call this
// so the next fan-out reads the store.
func (sc *SnapshotCache) Invalidate(ctx context.Context, masterAccount string) error {
	if err := sc.rdb.Del(ctx, snapshotKey(masterAccount)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate snapshot %s: %w", masterAccount, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.SnapshotCache = (*SnapshotCache)(nil)
