package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"copytrade/internal/instrument"
)

// mapperRefreshInterval is how often order-path modes re-check the instrument
// generation. The check is one SELECT; a reload only happens after a bump.
const mapperRefreshInterval = time.Minute

// ReplicateMode starts the ingress consumer. Master order ids arriving on the
// redis stream fan out to followers; in-process accepts go through the same
// hook. Orders parked in the unknown state are left for a reconcile process.
func (a *App) ReplicateMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting replicate mode")

	a.probeBroker(ctx, deps)
	a.warmMapper(ctx, deps.Mapper)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Hook.Run(ctx)
	})
	g.Go(func() error {
		return a.refreshMapper(ctx, deps.Mapper)
	})

	return g.Wait()
}

// ReconcileMode starts only the sweep loop that resolves orders parked in the
// unknown state. Run alongside one or more replicate processes.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode")

	a.probeBroker(ctx, deps)
	a.warmMapper(ctx, deps.Mapper)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Reconciler.Run(ctx)
	})
	g.Go(func() error {
		return a.refreshMapper(ctx, deps.Mapper)
	})

	return g.Wait()
}

// ExportMode runs one export pass over the configured lookback window and
// exits.
func (a *App) ExportMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting export mode",
		slog.Int("lookback_days", a.cfg.Export.LookbackDays))
	return a.runExport(ctx, deps)
}

// InstrumentsMode loads the configured instrument dump into the store and
// exits. The import bumps the generation, so running mappers pick the rows up
// on their next freshness check.
func (a *App) InstrumentsMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting instruments mode",
		slog.String("file", a.cfg.Instruments.File))

	count, err := instrument.ImportFile(ctx, deps.Instruments, a.cfg.Instruments.File, a.logger)
	if err != nil {
		return fmt.Errorf("app: import instruments: %w", err)
	}
	a.logger.InfoContext(ctx, "instruments loaded", slog.Int("count", count))
	return nil
}

// FullMode runs the ingress consumer and the reconciler in one process, plus
// a daily export pass when exports are enabled.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	a.probeBroker(ctx, deps)
	a.warmMapper(ctx, deps.Mapper)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Hook.Run(ctx)
	})
	g.Go(func() error {
		return deps.Reconciler.Run(ctx)
	})
	g.Go(func() error {
		return a.refreshMapper(ctx, deps.Mapper)
	})

	if a.cfg.Export.Enabled && deps.Exporter != nil {
		g.Go(func() error {
			return a.exportLoop(ctx, deps)
		})
	}

	return g.Wait()
}

// probeBroker measures the broker round trip once at startup. A dead wire
// shows up in the log before the first order does; the process still starts,
// since the dispatcher handles broker failures per placement.
func (a *App) probeBroker(ctx context.Context, deps *Dependencies) {
	if deps.Broker == nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rtt, err := deps.Broker.Ping(probeCtx)
	if err != nil {
		a.logger.WarnContext(ctx, "broker unreachable at startup",
			slog.String("error", err.Error()))
		return
	}
	a.logger.InfoContext(ctx, "broker reachable", slog.Duration("rtt", rtt))
}

// warmMapper loads the instrument snapshot up front so the first fan-out does
// not pay for it. Failure is not fatal; the mapper fills lazily on resolve.
func (a *App) warmMapper(ctx context.Context, m *instrument.Mapper) {
	if err := m.EnsureFresh(ctx); err != nil {
		a.logger.WarnContext(ctx, "instrument snapshot warm-up failed, resolving lazily",
			slog.String("error", err.Error()))
	}
}

// refreshMapper re-checks the instrument generation on a ticker so
// out-of-band instrument loads reach running pipelines without a restart.
func (a *App) refreshMapper(ctx context.Context, m *instrument.Mapper) error {
	ticker := time.NewTicker(mapperRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.EnsureFresh(ctx); err != nil {
				a.logger.WarnContext(ctx, "instrument refresh failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

// runExport copies the lookback window of sealed events and terminal orders
// to object storage.
func (a *App) runExport(ctx context.Context, deps *Dependencies) error {
	days := a.cfg.Export.LookbackDays
	if days <= 0 {
		days = 30
	}
	until := time.Now().UTC()
	since := until.AddDate(0, 0, -days)

	events, err := deps.Exporter.ExportEvents(ctx, since, until)
	if err != nil {
		return fmt.Errorf("app: export events: %w", err)
	}
	orders, err := deps.Exporter.ExportOrders(ctx, since, until)
	if err != nil {
		return fmt.Errorf("app: export orders: %w", err)
	}

	a.logger.InfoContext(ctx, "export finished",
		slog.Int64("events", events),
		slog.Int64("orders", orders),
		slog.Time("since", since),
		slog.Time("until", until))
	return nil
}

// exportLoop runs one export pass per day. Objects are keyed by month, so a
// rerun rewrites the months it touches instead of duplicating them.
func (a *App) exportLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.runExport(ctx, deps); err != nil {
				a.logger.ErrorContext(ctx, "scheduled export failed",
					slog.String("error", err.Error()))
			}
		}
	}
}
