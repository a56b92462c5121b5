// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
)

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = errors.New("queue closed")

// Options tunes lease and retention behaviour.
type Options struct {
	Lease           time.Duration
	RemoveOnSuccess bool
}

type namedQueue struct {
	jobs    map[string]*ingest.Job
	waiting []string
	leases  map[string]time.Time
}

// Queue is an in-memory ingest.Queue with the same claim and lease rules as
// the Redis backend.
type Queue struct {
	mu     sync.Mutex
	queues map[string]*namedQueue
	wake   chan struct{}
	closed bool

	ids   ingest.IDGenerator
	clock ingest.Clock
	opts  Options
}

// NewQueue constructs an empty queue.
func NewQueue(ids ingest.IDGenerator, clock ingest.Clock, opts Options) *Queue {
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	return &Queue{
		queues: make(map[string]*namedQueue),
		wake:   make(chan struct{}),
		ids:    ids,
		clock:  clock,
		opts:   opts,
	}
}

func (q *Queue) named(name string) *namedQueue {
	nq, ok := q.queues[name]
	if !ok {
		nq = &namedQueue{jobs: make(map[string]*ingest.Job), leases: make(map[string]time.Time)}
		q.queues[name] = nq
	}
	return nq
}

// broadcast wakes every blocked Dequeue. Callers hold q.mu.
func (q *Queue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Enqueue stores payload as a pending job.
func (q *Queue) Enqueue(ctx context.Context, queue string, payload []byte) (ingest.Job, error) {
	if err := ctx.Err(); err != nil {
		return ingest.Job{}, fmt.Errorf("enqueue canceled: %w", err)
	}
	id, err := q.ids.NewID()
	if err != nil {
		return ingest.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job := &ingest.Job{
		ID:        id,
		Queue:     queue,
		Payload:   append([]byte(nil), payload...),
		Status:    ingest.JobStatusPending,
		Submitted: q.clock.Now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	nq := q.named(queue)
	nq.jobs[id] = job
	nq.waiting = append(nq.waiting, id)
	q.broadcast()
	return cloneJob(job), nil
}

// Dequeue claims the oldest waiting job, blocking until one arrives.
func (q *Queue) Dequeue(ctx context.Context, queue string) (ingest.Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ingest.Job{}, ErrClosed
		}
		nq := q.named(queue)
		if len(nq.waiting) > 0 {
			id := nq.waiting[0]
			nq.waiting = nq.waiting[1:]
			job := nq.jobs[id]
			now := q.clock.Now()
			job.Status = ingest.JobStatusActive
			job.Attempts++
			job.Started = &now
			nq.leases[id] = now.Add(q.opts.Lease)
			out := cloneJob(job)
			q.mu.Unlock()
			return out, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ingest.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-wake:
		}
	}
}

// activeJob returns the job only when it is currently claimed. Callers hold q.mu.
func (q *Queue) activeJob(queue, id string) (*namedQueue, *ingest.Job, error) {
	nq := q.named(queue)
	job, ok := nq.jobs[id]
	if !ok {
		return nil, nil, ingest.ErrJobNotFound
	}
	if job.Status != ingest.JobStatusActive {
		return nil, nil, fmt.Errorf("job %s is %s: %w", id, job.Status, ingest.ErrInvalidTransition)
	}
	return nq, job, nil
}

// Heartbeat extends the lease of an active job held by the caller.
func (q *Queue) Heartbeat(_ context.Context, job ingest.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	nq, stored, err := q.activeJob(job.Queue, job.ID)
	if err != nil {
		return err
	}
	if err := ingest.CheckLease(*stored, job); err != nil {
		return err
	}
	nq.leases[job.ID] = q.clock.Now().Add(q.opts.Lease)
	return nil
}

// Complete marks a job succeeded. Failed jobs may also be completed, which is
// how an operator replay closes out a job. A caller holding a superseded claim
// gets ErrLeaseLost.
func (q *Queue) Complete(_ context.Context, job ingest.Job, logs []string, result []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	nq := q.named(job.Queue)
	stored, ok := nq.jobs[job.ID]
	if !ok {
		return ingest.ErrJobNotFound
	}
	if stored.Status != ingest.JobStatusActive && stored.Status != ingest.JobStatusFailed {
		return fmt.Errorf("job %s is %s: %w", job.ID, stored.Status, ingest.ErrInvalidTransition)
	}
	if err := ingest.CheckLease(*stored, job); err != nil {
		return err
	}
	delete(nq.leases, job.ID)
	if q.opts.RemoveOnSuccess {
		delete(nq.jobs, job.ID)
		return nil
	}
	q.finish(stored, ingest.JobStatusSucceeded, logs, result)
	return nil
}

// Fail marks an active job failed; it is retained until Remove.
func (q *Queue) Fail(_ context.Context, job ingest.Job, logs []string, result []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	nq, stored, err := q.activeJob(job.Queue, job.ID)
	if err != nil {
		return err
	}
	if err := ingest.CheckLease(*stored, job); err != nil {
		return err
	}
	delete(nq.leases, job.ID)
	q.finish(stored, ingest.JobStatusFailed, logs, result)
	return nil
}

func (q *Queue) finish(job *ingest.Job, status ingest.JobStatus, logs []string, result []byte) {
	now := q.clock.Now()
	job.Status = status
	job.Logs = append([]string(nil), logs...)
	job.Result = append([]byte(nil), result...)
	job.Finished = &now
}

// Release returns an active job to the head of the waiting list.
func (q *Queue) Release(_ context.Context, queue, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	nq, job, err := q.activeJob(queue, id)
	if err != nil {
		return err
	}
	q.requeue(nq, job)
	return nil
}

func (q *Queue) requeue(nq *namedQueue, job *ingest.Job) {
	delete(nq.leases, job.ID)
	job.Status = ingest.JobStatusPending
	job.Started = nil
	nq.waiting = append([]string{job.ID}, nq.waiting...)
	q.broadcast()
}

// Get returns a snapshot of the job.
func (q *Queue) Get(_ context.Context, queue, id string) (ingest.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.named(queue).jobs[id]
	if !ok {
		return ingest.Job{}, ingest.ErrJobNotFound
	}
	return cloneJob(job), nil
}

// List returns jobs oldest first, optionally filtered by status. A limit of
// zero or less returns everything.
func (q *Queue) List(_ context.Context, queue string, status ingest.JobStatus, limit int) ([]ingest.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []ingest.Job
	for _, job := range q.named(queue).jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sortJobs(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Remove deletes a job that is not currently claimed.
func (q *Queue) Remove(_ context.Context, queue, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	nq := q.named(queue)
	job, ok := nq.jobs[id]
	if !ok {
		return ingest.ErrJobNotFound
	}
	if job.Status == ingest.JobStatusActive {
		return fmt.Errorf("job %s is active: %w", id, ingest.ErrInvalidTransition)
	}
	delete(nq.jobs, id)
	for i, waiting := range nq.waiting {
		if waiting == id {
			nq.waiting = append(nq.waiting[:i], nq.waiting[i+1:]...)
			break
		}
	}
	return nil
}

// ReclaimStalled requeues active jobs whose lease has expired.
func (q *Queue) ReclaimStalled(_ context.Context, queue string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	nq := q.named(queue)
	now := q.clock.Now()
	var stalled []*ingest.Job
	for id, expires := range nq.leases {
		if now.After(expires) {
			stalled = append(stalled, nq.jobs[id])
		}
	}
	// Oldest job ends up at the head.
	sort.Slice(stalled, func(i, j int) bool { return stalled[i].Submitted.After(stalled[j].Submitted) })
	for _, job := range stalled {
		q.requeue(nq, job)
	}
	return len(stalled), nil
}

// Close wakes blocked consumers; later Dequeue calls return ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}

func cloneJob(job *ingest.Job) ingest.Job {
	out := *job
	out.Payload = append([]byte(nil), job.Payload...)
	out.Logs = append([]string(nil), job.Logs...)
	out.Result = append([]byte(nil), job.Result...)
	if job.Started != nil {
		started := *job.Started
		out.Started = &started
	}
	if job.Finished != nil {
		finished := *job.Finished
		out.Finished = &finished
	}
	return out
}

func sortJobs(jobs []ingest.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Submitted.Equal(jobs[j].Submitted) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].Submitted.Before(jobs[j].Submitted)
	})
}
