package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// Exporter copies replication history to cold storage for analytics. Exports
// never delete from the primary store.
type Exporter interface {
	ExportEvents(ctx context.Context, since, until time.Time) (int64, error)
	ExportOrders(ctx context.Context, since, until time.Time) (int64, error)
}
