package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"copytrade/internal/domain"
)

// exportPageSize bounds one store read so an export over a long window never
// loads the whole table at once.
const exportPageSize = 500

// multipartCutoff is the payload size above which an upload switches from a
// single PutObject to the multipart manager.
const multipartCutoff = 8 * 1024 * 1024

// terminalStatuses are the order states exported to cold storage. Live orders
// stay out of the archive; a later export run picks them up once they settle.
var terminalStatuses = []domain.OrderStatus{
	domain.OrderStatusFilled,
	domain.OrderStatusRejected,
	domain.OrderStatusCancelled,
}

// EventSource is the slice of the event store the exporter reads.
type EventSource interface {
	ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.ReplicationEvent, error)
}

// OrderSource is the slice of the order store the exporter reads.
type OrderSource interface {
	ListByStatus(ctx context.Context, status domain.OrderStatus, opts domain.ListOpts) ([]domain.Order, error)
}

// Exporter implements domain.Exporter. Sealed replication events and terminal
// follower orders are serialized as JSONL and uploaded one object per month:
//
//	<prefix>/events/2025-01.jsonl
//	<prefix>/orders/2025-01.jsonl
//
// Exports read from the primary store and never delete from it.
type Exporter struct {
	writer domain.BlobWriter
	events EventSource
	orders OrderSource
	prefix string
	logger *slog.Logger
}

// NewExporter creates an Exporter writing under the given key prefix.
func NewExporter(writer domain.BlobWriter, events EventSource, orders OrderSource, prefix string, logger *slog.Logger) *Exporter {
	if prefix == "" {
		prefix = "archive"
	}
	return &Exporter{
		writer: writer,
		events: events,
		orders: orders,
		prefix: prefix,
		logger: logger.With(slog.String("component", "exporter")),
	}
}

var _ domain.Exporter = (*Exporter)(nil)

// ExportEvents uploads every replication event sealed in [since, until],
// partitioned by the month of its seal time. Returns the record count.
func (e *Exporter) ExportEvents(ctx context.Context, since, until time.Time) (int64, error) {
	months := map[string][]domain.ReplicationEvent{}

	for offset := 0; ; offset += exportPageSize {
		page, err := e.events.ListRecent(ctx, domain.ListOpts{
			Limit:  exportPageSize,
			Offset: offset,
			Since:  &since,
			Until:  &until,
		})
		if err != nil {
			return 0, fmt.Errorf("s3blob: export events query: %w", err)
		}
		for _, ev := range page {
			key := ev.SealedAt.UTC().Format("2006-01")
			months[key] = append(months[key], ev)
		}
		if len(page) < exportPageSize {
			break
		}
	}

	var total int64
	for month, batch := range months {
		path := e.objectPath("events", month)
		if err := upload(ctx, e.writer, path, batch); err != nil {
			return total, err
		}
		total += int64(len(batch))
		e.logger.InfoContext(ctx, "events exported",
			slog.String("path", path),
			slog.Int("count", len(batch)))
	}
	return total, nil
}

// ExportOrders uploads every follower order that was created in [since, until]
// and has reached a terminal state, partitioned by the month of its creation.
// Returns the record count.
func (e *Exporter) ExportOrders(ctx context.Context, since, until time.Time) (int64, error) {
	months := map[string][]domain.Order{}

	for _, status := range terminalStatuses {
		for offset := 0; ; offset += exportPageSize {
			page, err := e.orders.ListByStatus(ctx, status, domain.ListOpts{
				Limit:  exportPageSize,
				Offset: offset,
				Since:  &since,
				Until:  &until,
			})
			if err != nil {
				return 0, fmt.Errorf("s3blob: export %s orders query: %w", status, err)
			}
			for _, o := range page {
				key := o.CreatedAt.UTC().Format("2006-01")
				months[key] = append(months[key], o)
			}
			if len(page) < exportPageSize {
				break
			}
		}
	}

	var total int64
	for month, batch := range months {
		path := e.objectPath("orders", month)
		if err := upload(ctx, e.writer, path, batch); err != nil {
			return total, err
		}
		total += int64(len(batch))
		e.logger.InfoContext(ctx, "orders exported",
			slog.String("path", path),
			slog.Int("count", len(batch)))
	}
	return total, nil
}

func (e *Exporter) objectPath(kind, month string) string {
	return fmt.Sprintf("%s/%s/%s.jsonl", e.prefix, kind, month)
}

// upload serializes records as JSONL and writes one object. Payloads past the
// multipart cutoff go through the upload manager.
func upload[T any](ctx context.Context, w domain.BlobWriter, path string, records []T) error {
	buf, err := marshalJSONL(records)
	if err != nil {
		return fmt.Errorf("s3blob: marshal %s: %w", path, err)
	}
	if int64(len(buf)) >= multipartCutoff {
		if err := w.PutMultipart(ctx, path, bytes.NewReader(buf), multipartCutoff); err != nil {
			return fmt.Errorf("s3blob: upload %s: %w", path, err)
		}
		return nil
	}
	if err := w.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: upload %s: %w", path, err)
	}
	return nil
}

// marshalJSONL serializes a slice as newline-delimited JSON, one compact
// object per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
