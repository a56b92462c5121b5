package ingest

import (
	"context"
	"io"
	"time"

	"github.com/rtCamp/amp-compatibility-sub001/internal/model"
)

// Queue stores submitted payloads and hands each to exactly one worker at a
// time. Delivery is at-least-once: a claimed job returns to the waiting list
// only through Release or lease expiry.
type Queue interface {
	Enqueue(ctx context.Context, queue string, payload []byte) (Job, error)
	// Dequeue blocks until a job is claimed or ctx is done.
	Dequeue(ctx context.Context, queue string) (Job, error)
	Heartbeat(ctx context.Context, job Job) error
	Complete(ctx context.Context, job Job, logs []string, result []byte) error
	Fail(ctx context.Context, job Job, logs []string, result []byte) error
	Release(ctx context.Context, queue, id string) error
	Get(ctx context.Context, queue, id string) (Job, error)
	List(ctx context.Context, queue string, status JobStatus, limit int) ([]Job, error)
	Remove(ctx context.Context, queue, id string) error
	// ReclaimStalled returns active jobs with an expired lease to the waiting list.
	ReclaimStalled(ctx context.Context, queue string) (int, error)
}

// RelationalStore persists normalized entity rows.
type RelationalStore interface {
	// PersistSubmission writes every record of one submission in a single unit
	// of work. The SiteRequest is created pending (or advanced from waiting)
	// and then moved to active before the remaining records are written.
	PersistSubmission(ctx context.Context, sub Submission) error
	// AdvanceSiteRequest moves a request forward; it returns false when the
	// current status does not allow the move.
	AdvanceSiteRequest(ctx context.Context, uuid string, status RequestStatus) (bool, error)
	GetSiteRequest(ctx context.Context, uuid string) (SiteRequest, error)
	// RegisterSiteRequest upserts the site and records a waiting request.
	RegisterSiteRequest(ctx context.Context, site model.Record, req SiteRequest) error
	CreateSyntheticJob(ctx context.Context, job SyntheticJob) error
	UpdateSyntheticJob(ctx context.Context, job SyntheticJob) error
	GetSyntheticJob(ctx context.Context, id string) (SyntheticJob, error)
	Ping(ctx context.Context) error
}

// Warehouse appends rows to an analytics table.
type Warehouse interface {
	Insert(ctx context.Context, table string, rows []AnalyticsRow) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for relationship keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
