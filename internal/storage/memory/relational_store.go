package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
	"github.com/rtCamp/amp-compatibility-sub001/internal/model"
)

type requestRow struct {
	req     ingest.SiteRequest
	history []ingest.RequestStatus
}

// RelationalStore implements ingest.RelationalStore in memory. It checks the
// same foreign keys and key rules as the Postgres schema and keeps the status
// history of every site request.
type RelationalStore struct {
	mu        sync.RWMutex
	clock     ingest.Clock
	tables    map[string]map[string]map[string]any
	requests  map[string]*requestRow
	synthetic map[string]ingest.SyntheticJob
}

// NewRelationalStore creates an empty store.
func NewRelationalStore(clock ingest.Clock) *RelationalStore {
	return &RelationalStore{
		clock:     clock,
		tables:    make(map[string]map[string]map[string]any),
		requests:  make(map[string]*requestRow),
		synthetic: make(map[string]ingest.SyntheticJob),
	}
}

// Ping always succeeds.
func (s *RelationalStore) Ping(context.Context) error { return nil }

// overlay holds the writes of one unit of work until it is known to succeed.
type overlay map[string]map[string]map[string]any

func (s *RelationalStore) exists(tx overlay, e *model.Entity, key string) bool {
	if _, ok := tx[e.Table][key]; ok {
		return true
	}
	_, ok := s.tables[e.Table][key]
	return ok
}

func (s *RelationalStore) stage(tx overlay, rec model.Record, ignoreExisting bool) error {
	for _, ref := range rec.Entity.References {
		value := rec.Fields[ref.Column]
		if value == nil && ref.Nullable {
			continue
		}
		parent, ok := model.ByName(ref.Entity)
		if !ok {
			return fmt.Errorf("unknown entity %q", ref.Entity)
		}
		if !s.exists(tx, parent, rec.String(ref.Column)) {
			return ingest.PermanentError("upsert "+rec.Entity.Table,
				fmt.Errorf("%w: %s=%q not present in %s", ingest.ErrForeignKey, ref.Column, rec.String(ref.Column), parent.Table))
		}
	}
	key := rec.KeyString()
	if (ignoreExisting || rec.Entity.HashKeyed()) && s.exists(tx, rec.Entity, key) {
		return nil
	}
	if tx[rec.Entity.Table] == nil {
		tx[rec.Entity.Table] = make(map[string]map[string]any)
	}
	tx[rec.Entity.Table][key] = rec.Row()
	return nil
}

func (s *RelationalStore) commit(tx overlay) {
	for table, rows := range tx {
		if s.tables[table] == nil {
			s.tables[table] = make(map[string]map[string]any)
		}
		for key, row := range rows {
			s.tables[table][key] = row
		}
	}
}

// PersistSubmission applies every record or none of them.
func (s *RelationalStore) PersistSubmission(_ context.Context, sub ingest.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := overlay{}
	if err := s.stage(tx, sub.Site, false); err != nil {
		return err
	}
	if !s.exists(tx, model.Site, sub.SiteURL) {
		return ingest.PermanentError("insert site_requests",
			fmt.Errorf("%w: site_url=%q not present in sites", ingest.ErrForeignKey, sub.SiteURL))
	}
	for _, rec := range sub.Records {
		if err := s.stage(tx, rec, false); err != nil {
			return err
		}
	}

	s.commit(tx)
	row, ok := s.requests[sub.UUID]
	if !ok {
		now := s.clock.Now()
		row = &requestRow{req: ingest.SiteRequest{
			UUID:        sub.UUID,
			SiteURL:     sub.SiteURL,
			Status:      ingest.RequestPending,
			IsSynthetic: sub.IsSynthetic,
			CreatedAt:   now,
			UpdatedAt:   now,
		}, history: []ingest.RequestStatus{ingest.RequestPending}}
		s.requests[sub.UUID] = row
	}
	s.advance(row, ingest.RequestPending)
	s.advance(row, ingest.RequestActive)
	return nil
}

func (s *RelationalStore) advance(row *requestRow, next ingest.RequestStatus) bool {
	if !row.req.Status.CanTransition(next) {
		return false
	}
	row.req.Status = next
	row.req.UpdatedAt = s.clock.Now()
	row.history = append(row.history, next)
	return true
}

// AdvanceSiteRequest moves a request forward when its current status allows it.
func (s *RelationalStore) AdvanceSiteRequest(_ context.Context, uuid string, status ingest.RequestStatus) (bool, error) {
	if len(status.Predecessors()) == 0 {
		return false, fmt.Errorf("advance to %s: %w", status, ingest.ErrInvalidTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.requests[uuid]
	if !ok {
		return false, nil
	}
	return s.advance(row, status), nil
}

// GetSiteRequest returns one request.
func (s *RelationalStore) GetSiteRequest(_ context.Context, uuid string) (ingest.SiteRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.requests[uuid]
	if !ok {
		return ingest.SiteRequest{}, ingest.ErrNotFound
	}
	return row.req, nil
}

// RegisterSiteRequest inserts the site if unknown and records a waiting request.
func (s *RelationalStore) RegisterSiteRequest(_ context.Context, site model.Record, req ingest.SiteRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.UUID]; ok {
		return fmt.Errorf("site request %s already exists: %w", req.UUID, ingest.ErrInvalidTransition)
	}
	tx := overlay{}
	if err := s.stage(tx, site, true); err != nil {
		return err
	}
	s.commit(tx)
	now := s.clock.Now()
	req.Status = ingest.RequestWaiting
	req.CreatedAt = now
	req.UpdatedAt = now
	s.requests[req.UUID] = &requestRow{req: req, history: []ingest.RequestStatus{ingest.RequestWaiting}}
	return nil
}

// CreateSyntheticJob stores a new synthetic job.
func (s *RelationalStore) CreateSyntheticJob(_ context.Context, job ingest.SyntheticJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.synthetic[job.ID]; ok {
		return ingest.PermanentError("insert adhoc_synthetic_data", fmt.Errorf("job %s already exists", job.ID))
	}
	now := s.clock.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.synthetic[job.ID] = job
	return nil
}

// UpdateSyntheticJob overwrites status, result and logs.
func (s *RelationalStore) UpdateSyntheticJob(_ context.Context, job ingest.SyntheticJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.synthetic[job.ID]
	if !ok {
		return ingest.ErrNotFound
	}
	stored.Status = job.Status
	stored.Result = job.Result
	stored.Logs = job.Logs
	stored.UpdatedAt = s.clock.Now()
	s.synthetic[job.ID] = stored
	return nil
}

// GetSyntheticJob returns one synthetic job.
func (s *RelationalStore) GetSyntheticJob(_ context.Context, id string) (ingest.SyntheticJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.synthetic[id]
	if !ok {
		return ingest.SyntheticJob{}, ingest.ErrNotFound
	}
	return job, nil
}

// Row returns a copy of one stored row.
func (s *RelationalStore) Row(table, key string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.tables[table][key]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out, true
}

// Count returns the number of rows in table.
func (s *RelationalStore) Count(table string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[table])
}

// History returns every status a request has held, oldest first.
func (s *RelationalStore) History(uuid string) []ingest.RequestStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.requests[uuid]
	if !ok {
		return nil
	}
	return append([]ingest.RequestStatus(nil), row.history...)
}
