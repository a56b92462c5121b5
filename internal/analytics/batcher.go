// Package analytics stages entity rows and writes them to the warehouse in
// bounded batches.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
	"github.com/rtCamp/amp-compatibility-sub001/internal/metrics"
	"github.com/rtCamp/amp-compatibility-sub001/internal/model"
)

// Config controls batching.
//   - MaxRows: flush a table once this many rows are staged (default 500).
//   - FlushTimeout: per-insert timeout (default 30s).
//   - Logger: optional structured logger.
type Config struct {
	MaxRows      int
	FlushTimeout time.Duration
	Logger       *zap.Logger
}

const (
	defaultMaxRows      = 500
	defaultFlushTimeout = 30 * time.Second
)

// Batcher buffers rows per table. Each worker owns one Batcher; the flush
// mutex keeps at most one flush in flight. Rows are dropped from the buffer
// only after the warehouse accepts them.
type Batcher struct {
	cfg       Config
	warehouse ingest.Warehouse
	logger    *zap.Logger

	flushMu sync.Mutex
	mu      sync.Mutex
	buffers map[string][]ingest.AnalyticsRow
	tables  []string
	flushes int
}

// NewBatcher creates a Batcher writing to warehouse.
func NewBatcher(warehouse ingest.Warehouse, cfg Config) *Batcher {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{
		cfg:       cfg,
		warehouse: warehouse,
		logger:    logger,
		buffers:   make(map[string][]ingest.AnalyticsRow),
	}
}

// RowFor converts a record into its warehouse row. The insert ID is the
// table plus the primary key so replays deduplicate.
func RowFor(rec model.Record) ingest.AnalyticsRow {
	return ingest.AnalyticsRow{
		InsertID: rec.Entity.AnalyticsTable + ":" + rec.KeyString(),
		Values:   rec.Row(),
	}
}

// Stage adds the record's row to its table buffer.
func (b *Batcher) Stage(ctx context.Context, rec model.Record) error {
	return b.Add(ctx, rec.Entity.AnalyticsTable, RowFor(rec))
}

// Add buffers row and flushes the table once it holds MaxRows rows. A failed
// flush keeps the rows buffered and returns the error.
func (b *Batcher) Add(ctx context.Context, table string, row ingest.AnalyticsRow) error {
	b.mu.Lock()
	if _, ok := b.buffers[table]; !ok {
		b.tables = append(b.tables, table)
	}
	b.buffers[table] = append(b.buffers[table], row)
	full := len(b.buffers[table]) >= b.cfg.MaxRows
	b.mu.Unlock()

	if !full {
		return nil
	}
	return b.flushTable(ctx, table, true)
}

// Flush writes every buffered row in chunks of at most MaxRows. A table
// stops at its first rejected chunk and keeps its unsent rows buffered; the
// other tables are still flushed. The errors are joined.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	tables := append([]string(nil), b.tables...)
	b.mu.Unlock()

	var errs []error
	for _, table := range tables {
		if err := b.flushTable(ctx, table, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// flushTable sends chunks of the table buffer. With fullOnly set it only
// sends complete chunks.
func (b *Batcher) flushTable(ctx context.Context, table string, fullOnly bool) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	for {
		b.mu.Lock()
		buffered := b.buffers[table]
		if len(buffered) == 0 || (fullOnly && len(buffered) < b.cfg.MaxRows) {
			b.mu.Unlock()
			return nil
		}
		n := min(len(buffered), b.cfg.MaxRows)
		chunk := append([]ingest.AnalyticsRow(nil), buffered[:n]...)
		b.mu.Unlock()

		insertCtx, cancel := context.WithTimeout(ctx, b.cfg.FlushTimeout)
		err := b.warehouse.Insert(insertCtx, table, chunk)
		cancel()
		metrics.ObserveFlush(table, len(chunk), err)
		if err != nil {
			b.logger.Warn("analytics flush failed", zap.String("table", table), zap.Int("rows", len(chunk)), zap.Error(err))
			return fmt.Errorf("flush %s: %w", table, err)
		}

		b.mu.Lock()
		b.buffers[table] = b.buffers[table][n:]
		b.flushes++
		b.mu.Unlock()
	}
}

// Pending returns a copy of every buffered row by table.
func (b *Batcher) Pending() map[string][]ingest.AnalyticsRow {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string][]ingest.AnalyticsRow)
	for table, rows := range b.buffers {
		if len(rows) > 0 {
			out[table] = append([]ingest.AnalyticsRow(nil), rows...)
		}
	}
	return out
}

// Reset drops every buffered row.
func (b *Batcher) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffers = make(map[string][]ingest.AnalyticsRow)
	b.tables = nil
}

// Flushes reports how many successful inserts the batcher has made.
func (b *Batcher) Flushes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushes
}
