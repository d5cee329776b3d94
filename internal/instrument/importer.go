package instrument

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"copytrade/internal/domain"
)

// importBatchSize bounds one upsert round trip. Full instrument dumps run to
// six figures, so the file is streamed, never slurped.
const importBatchSize = 1000

type fileRow struct {
	Symbol   string          `json:"symbol"`
	Exchange string          `json:"exchange"`
	Segment  string          `json:"segment"`
	Code     int64           `json:"code"`
	LotSize  int64           `json:"lot_size"`
	TickSize decimal.Decimal `json:"tick_size"`
	ISIN     string          `json:"isin"`
	Name     string          `json:"name"`
}

// ImportFile streams a JSON instrument dump (an array of rows) into the
// store and bumps the generation once at the end, so running mappers swap
// their snapshot on the next freshness check. Returns the number of rows
// upserted.
func ImportFile(ctx context.Context, store domain.InstrumentStore, path string, logger *slog.Logger) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("instrument: open dump: %w", err)
	}
	defer f.Close()

	n, skipped, err := importStream(ctx, store, f)
	if err != nil {
		return n, err
	}

	gen, err := store.BumpGeneration(ctx)
	if err != nil {
		return n, fmt.Errorf("instrument: bump generation: %w", err)
	}

	logger.InfoContext(ctx, "instrument dump imported",
		slog.String("path", path),
		slog.Int("upserted", n),
		slog.Int("skipped", skipped),
		slog.Int64("generation", gen))
	return n, nil
}

func importStream(ctx context.Context, store domain.InstrumentStore, r io.Reader) (upserted, skipped int, err error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return 0, 0, fmt.Errorf("instrument: read dump: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return 0, 0, fmt.Errorf("instrument: dump must be a JSON array, got %v", tok)
	}

	now := time.Now()
	batch := make([]domain.Instrument, 0, importBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := store.UpsertBatch(ctx, batch); err != nil {
			return fmt.Errorf("instrument: upsert batch: %w", err)
		}
		upserted += len(batch)
		batch = batch[:0]
		return nil
	}

	for dec.More() {
		var row fileRow
		if err := dec.Decode(&row); err != nil {
			return upserted, skipped, fmt.Errorf("instrument: decode row: %w", err)
		}
		if row.Symbol == "" || row.Exchange == "" || row.Code == 0 {
			skipped++
			continue
		}
		if row.LotSize < 1 {
			row.LotSize = 1
		}
		batch = append(batch, domain.Instrument{
			Symbol:    row.Symbol,
			Exchange:  row.Exchange,
			Segment:   row.Segment,
			Code:      row.Code,
			LotSize:   row.LotSize,
			TickSize:  row.TickSize,
			ISIN:      row.ISIN,
			Name:      row.Name,
			Active:    true,
			UpdatedAt: now,
		})
		if len(batch) == importBatchSize {
			if err := flush(); err != nil {
				return upserted, skipped, err
			}
		}
	}
	if err := flush(); err != nil {
		return upserted, skipped, err
	}
	return upserted, skipped, nil
}
