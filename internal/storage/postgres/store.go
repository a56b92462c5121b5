// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
	"github.com/rtCamp/amp-compatibility-sub001/internal/model"
)

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execer interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}

type pool interface {
	execer
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// Store implements ingest.RelationalStore on Postgres.
type Store struct {
	pool pool
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return classify("ping", s.pool.Ping(ctx))
}

// PersistSubmission writes the whole submission inside one transaction.
func (s *Store) PersistSubmission(ctx context.Context, sub ingest.Submission) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = upsert(ctx, tx, sub.Site); err != nil {
		return err
	}
	if err = openRequest(ctx, tx, sub); err != nil {
		return err
	}
	for _, rec := range sub.Records {
		if err = upsert(ctx, tx, rec); err != nil {
			return err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return classify("commit", err)
	}
	return nil
}

const insertRequest = `
INSERT INTO site_requests (uuid, site_url, status, is_synthetic)
VALUES ($1, $2, $3, $4)
ON CONFLICT (uuid) DO NOTHING`

const advanceRequest = `
UPDATE site_requests SET status = $2, updated_at = now()
WHERE uuid = $1 AND status = ANY($3)`

// openRequest records the request as pending, or advances a waiting one,
// and then marks it active.
func openRequest(ctx context.Context, tx execer, sub ingest.Submission) error {
	if _, err := tx.Exec(ctx, insertRequest, sub.UUID, sub.SiteURL, string(ingest.RequestPending), sub.IsSynthetic); err != nil {
		return classify("insert site_request", err)
	}
	for _, status := range []ingest.RequestStatus{ingest.RequestPending, ingest.RequestActive} {
		if _, err := advance(ctx, tx, sub.UUID, status); err != nil {
			return err
		}
	}
	return nil
}

func advance(ctx context.Context, db execer, uuid string, status ingest.RequestStatus) (bool, error) {
	prev := status.Predecessors()
	if len(prev) == 0 {
		return false, fmt.Errorf("advance to %s: %w", status, ingest.ErrInvalidTransition)
	}
	from := make([]string, len(prev))
	for i, p := range prev {
		from[i] = string(p)
	}
	tag, err := db.Exec(ctx, advanceRequest, uuid, string(status), from)
	if err != nil {
		return false, classify("update site_request", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AdvanceSiteRequest moves a request forward when its current status allows it.
func (s *Store) AdvanceSiteRequest(ctx context.Context, uuid string, status ingest.RequestStatus) (bool, error) {
	return advance(ctx, s.pool, uuid, status)
}

// GetSiteRequest loads one request.
func (s *Store) GetSiteRequest(ctx context.Context, uuid string) (ingest.SiteRequest, error) {
	var (
		req    ingest.SiteRequest
		status string
	)
	err := s.pool.QueryRow(ctx, `
SELECT uuid, site_url, status, is_synthetic, created_at, updated_at
FROM site_requests WHERE uuid = $1`, uuid).
		Scan(&req.UUID, &req.SiteURL, &status, &req.IsSynthetic, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.SiteRequest{}, ingest.ErrNotFound
	}
	if err != nil {
		return ingest.SiteRequest{}, classify("select site_request", err)
	}
	req.Status = ingest.RequestStatus(status)
	return req, nil
}

// RegisterSiteRequest inserts the site if unknown and records a waiting request.
func (s *Store) RegisterSiteRequest(ctx context.Context, site model.Record, req ingest.SiteRequest) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query, err := insertIgnoreSQL(site.Entity)
	if err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, query, site.Values()...); err != nil {
		return classify("insert "+site.Entity.Table, err)
	}
	tag, err := tx.Exec(ctx, insertRequest, req.UUID, req.SiteURL, string(ingest.RequestWaiting), req.IsSynthetic)
	if err != nil {
		return classify("insert site_request", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("site request %s already exists: %w", req.UUID, ingest.ErrInvalidTransition)
	}
	if err = tx.Commit(ctx); err != nil {
		return classify("commit", err)
	}
	return nil
}

// CreateSyntheticJob inserts a synthetic job row.
func (s *Store) CreateSyntheticJob(ctx context.Context, job ingest.SyntheticJob) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO adhoc_synthetic_data (id, domain, status, payload, result, logs)
VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.Domain, string(job.Status), job.Payload, job.Result, job.Logs)
	return classify("insert adhoc_synthetic_data", err)
}

// UpdateSyntheticJob overwrites status, result and logs.
func (s *Store) UpdateSyntheticJob(ctx context.Context, job ingest.SyntheticJob) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE adhoc_synthetic_data SET status = $2, result = $3, logs = $4, updated_at = now()
WHERE id = $1`,
		job.ID, string(job.Status), job.Result, job.Logs)
	if err != nil {
		return classify("update adhoc_synthetic_data", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

// GetSyntheticJob loads one synthetic job.
func (s *Store) GetSyntheticJob(ctx context.Context, id string) (ingest.SyntheticJob, error) {
	var (
		job    ingest.SyntheticJob
		status string
	)
	err := s.pool.QueryRow(ctx, `
SELECT id, domain, status, payload, result, logs, created_at, updated_at
FROM adhoc_synthetic_data WHERE id = $1`, id).
		Scan(&job.ID, &job.Domain, &status, &job.Payload, &job.Result, &job.Logs, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.SyntheticJob{}, ingest.ErrNotFound
	}
	if err != nil {
		return ingest.SyntheticJob{}, classify("select adhoc_synthetic_data", err)
	}
	job.Status = ingest.JobStatus(status)
	return job, nil
}

func upsert(ctx context.Context, db execer, rec model.Record) error {
	query, err := upsertSQL(rec.Entity)
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, query, rec.Values()...); err != nil {
		return classify("upsert "+rec.Entity.Table, err)
	}
	return nil
}

func insertPrefix(e *model.Entity) (string, error) {
	if !validIdentifier.MatchString(e.Table) {
		return "", fmt.Errorf("invalid table name %q", e.Table)
	}
	placeholders := make([]string, len(e.Columns))
	for i, col := range e.Columns {
		if !validIdentifier.MatchString(col) {
			return "", fmt.Errorf("invalid column name %q", col)
		}
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		e.Table, strings.Join(e.Columns, ", "), strings.Join(placeholders, ", ")), nil
}

// upsertSQL builds the entity's write statement: insert-or-ignore for
// hash-keyed rows, insert-or-update by primary key otherwise.
func upsertSQL(e *model.Entity) (string, error) {
	prefix, err := insertPrefix(e)
	if err != nil {
		return "", err
	}
	conflict := strings.Join(e.Key, ", ")
	if e.HashKeyed() {
		return fmt.Sprintf("%s ON CONFLICT (%s) DO NOTHING", prefix, conflict), nil
	}
	keys := make(map[string]bool, len(e.Key))
	for _, k := range e.Key {
		keys[k] = true
	}
	var sets []string
	for _, col := range e.Columns {
		if !keys[col] {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		}
	}
	if len(sets) == 0 {
		return fmt.Sprintf("%s ON CONFLICT (%s) DO NOTHING", prefix, conflict), nil
	}
	sets = append(sets, "updated_at = now()")
	return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s", prefix, conflict, strings.Join(sets, ", ")), nil
}

func insertIgnoreSQL(e *model.Entity) (string, error) {
	prefix, err := insertPrefix(e)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s ON CONFLICT (%s) DO NOTHING", prefix, strings.Join(e.Key, ", ")), nil
}
