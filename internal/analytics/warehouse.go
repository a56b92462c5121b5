package analytics

import (
	"context"
	"sync"

	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
)

// MemoryWarehouse is an in-process ingest.Warehouse. Rows are upserted by
// insert ID, the same way the BigQuery warehouse merges them: a later write
// replaces the stored row in place.
type MemoryWarehouse struct {
	mu      sync.RWMutex
	rows    map[string][]ingest.AnalyticsRow
	index   map[string]int
	inserts int
}

// NewMemoryWarehouse creates an empty warehouse.
func NewMemoryWarehouse() *MemoryWarehouse {
	return &MemoryWarehouse{
		rows:  make(map[string][]ingest.AnalyticsRow),
		index: make(map[string]int),
	}
}

// Insert upserts rows. Rows without an insert ID are appended.
func (w *MemoryWarehouse) Insert(_ context.Context, table string, rows []ingest.AnalyticsRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inserts++
	for _, row := range rows {
		if row.InsertID == "" {
			w.rows[table] = append(w.rows[table], row)
			continue
		}
		id := table + "\x00" + row.InsertID
		if i, ok := w.index[id]; ok {
			w.rows[table][i] = row
			continue
		}
		w.index[id] = len(w.rows[table])
		w.rows[table] = append(w.rows[table], row)
	}
	return nil
}

// Rows returns the rows stored in table.
func (w *MemoryWarehouse) Rows(table string) []ingest.AnalyticsRow {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]ingest.AnalyticsRow(nil), w.rows[table]...)
}

// Inserts reports how many Insert calls were made.
func (w *MemoryWarehouse) Inserts() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.inserts
}

// Discard is a Warehouse that accepts and drops every row.
type Discard struct{}

// Insert drops rows.
func (Discard) Insert(context.Context, string, []ingest.AnalyticsRow) error { return nil }
