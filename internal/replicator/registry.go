package replicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"copytrade/internal/domain"
)

// Registry resolves the active follower set for a master account. Reads go
// through the short-TTL snapshot cache so a burst of master orders does not
// hammer the link store; the store stays authoritative and serves every miss.
// Cache failures degrade to store reads, never to a failed fan-out.
type Registry struct {
	links  domain.LinkStore
	cache  domain.SnapshotCache
	logger *slog.Logger
}

// NewRegistry creates a Registry. The cache may be nil, in which case every
// snapshot is a store read.
func NewRegistry(links domain.LinkStore, cache domain.SnapshotCache, logger *slog.Logger) *Registry {
	return &Registry{
		links:  links,
		cache:  cache,
		logger: logger.With(slog.String("component", "registry")),
	}
}

// Snapshot returns the followers to fan out to. The snapshot is immutable for
// the duration of one dispatch; links changed mid-flight apply to the next
// master order.
func (r *Registry) Snapshot(ctx context.Context, masterAccount string) ([]domain.FollowerLink, error) {
	if r.cache != nil {
		links, err := r.cache.Get(ctx, masterAccount)
		if err == nil {
			return links, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			r.logger.WarnContext(ctx, "snapshot cache read failed, falling back to store",
				slog.String("master_account", masterAccount),
				slog.Any("error", err))
		}
	}

	links, err := r.links.ListActiveByMaster(ctx, masterAccount)
	if err != nil {
		return nil, fmt.Errorf("replicator: follower snapshot %s: %w", masterAccount, err)
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, masterAccount, links); err != nil {
			r.logger.WarnContext(ctx, "snapshot cache write failed",
				slog.String("master_account", masterAccount),
				slog.Any("error", err))
		}
	}
	return links, nil
}

// Invalidate drops the cached snapshot after a link mutation so the next
// fan-out sees the change immediately instead of waiting out the TTL.
func (r *Registry) Invalidate(ctx context.Context, masterAccount string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, masterAccount); err != nil {
		r.logger.WarnContext(ctx, "snapshot invalidation failed",
			slog.String("master_account", masterAccount),
			slog.Any("error", err))
	}
}
