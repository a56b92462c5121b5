// Package ingest defines the core types shared across the submission pipeline.
package ingest

import (
	"encoding/json"
	"time"

	"github.com/rtCamp/amp-compatibility-sub001/internal/model"
)

// JobStatus represents the lifecycle state of a queued job.
type JobStatus string

// Job status values persisted by queue backends.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusActive    JobStatus = "active"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// ParseJobStatus maps a query-string value onto a JobStatus.
func ParseJobStatus(raw string) (JobStatus, bool) {
	switch JobStatus(raw) {
	case JobStatusPending, JobStatusActive, JobStatusSucceeded, JobStatusFailed:
		return JobStatus(raw), true
	default:
		return "", false
	}
}

// Job is one unit of queued work: an opaque payload plus its status and diagnostics.
type Job struct {
	ID        string          `json:"id"`
	Queue     string          `json:"queue"`
	Payload   json.RawMessage `json:"payload"`
	Status    JobStatus       `json:"status"`
	Attempts  int             `json:"attempts"`
	Logs      []string        `json:"logs,omitempty"`
	Result    []byte          `json:"result,omitempty"`
	Submitted time.Time       `json:"submitted_at"`
	Started   *time.Time      `json:"started_at,omitempty"`
	Finished  *time.Time      `json:"finished_at,omitempty"`
}

// RequestStatus is the lifecycle of a SiteRequest row.
type RequestStatus string

// SiteRequest status values. Waiting is set when an operator registers a
// request before the site submits anything.
const (
	RequestWaiting   RequestStatus = "waiting"
	RequestPending   RequestStatus = "pending"
	RequestActive    RequestStatus = "active"
	RequestSucceeded RequestStatus = "succeeded"
	RequestFailed    RequestStatus = "failed"
)

// Rank orders request statuses; transitions must strictly increase the rank.
func (s RequestStatus) Rank() int {
	switch s {
	case RequestWaiting:
		return 0
	case RequestPending:
		return 1
	case RequestActive:
		return 2
	case RequestSucceeded, RequestFailed:
		return 3
	default:
		return -1
	}
}

// CanTransition reports whether moving from s to next keeps the status monotonic.
func (s RequestStatus) CanTransition(next RequestStatus) bool {
	if s.Rank() < 0 || next.Rank() < 0 {
		return false
	}
	return next.Rank() > s.Rank()
}

// Predecessors lists every status allowed to move to s.
func (s RequestStatus) Predecessors() []RequestStatus {
	var out []RequestStatus
	for _, prev := range []RequestStatus{RequestWaiting, RequestPending, RequestActive} {
		if prev.CanTransition(s) {
			out = append(out, prev)
		}
	}
	return out
}

// SiteRequest tracks one submission request for a site.
type SiteRequest struct {
	UUID        string        `json:"uuid"`
	SiteURL     string        `json:"site_url"`
	Status      RequestStatus `json:"status"`
	IsSynthetic bool          `json:"is_synthetic"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// SyntheticJob is a single-row record tracking a long-running synthetic-site job
// outside the generic queue. It shares the queue status vocabulary.
type SyntheticJob struct {
	ID        string    `json:"id"`
	Domain    string    `json:"domain"`
	Status    JobStatus `json:"status"`
	Payload   []byte    `json:"payload,omitempty"`
	Result    []byte    `json:"result,omitempty"`
	Logs      string    `json:"logs,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Notification is published when a job reaches a terminal status.
type Notification struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	SiteURL   string    `json:"site_url,omitempty"`
	UUID      string    `json:"uuid,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Submission is a validated, expanded submission document ready to persist.
// Records holds every entity row except the Site and its SiteRequest, in
// foreign-key order.
type Submission struct {
	JobID       string
	UUID        string
	SiteURL     string
	IsSynthetic bool
	Site        model.Record
	Request     model.Record
	Records     []model.Record
}

// All returns the site, the request and the remaining records in order.
func (s Submission) All() []model.Record {
	out := make([]model.Record, 0, len(s.Records)+2)
	out = append(out, s.Site, s.Request)
	return append(out, s.Records...)
}

// AnalyticsRow is one warehouse row. Warehouses upsert on InsertID, so
// writing the same row again replaces it.
type AnalyticsRow struct {
	InsertID string         `json:"insert_id"`
	Values   map[string]any `json:"values"`
}
