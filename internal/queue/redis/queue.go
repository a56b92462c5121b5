// Package redis implements ingest.Queue on Redis lists.
//
// Layout per queue q under prefix p:
//
//	p:q:jobs        hash   id -> job JSON
//	p:q:waiting     list   LPUSH on enqueue, claimed from the right
//	p:q:active      list   claimed jobs
//	p:q:succeeded   set
//	p:q:failed      set
//	p:q:lease:<id>  string with a PX expiry, refreshed by Heartbeat
//
// Every state change after enqueue runs as one Lua script that first checks
// the stored record is unchanged, so index moves and record writes never
// interleave with another client.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
)

// Options tunes key layout, leases and retention.
type Options struct {
	Prefix          string
	Lease           time.Duration
	RemoveOnSuccess bool
	// PollTimeout bounds each blocking pop so cancellation is observed.
	PollTimeout time.Duration
}

// Queue is a Redis-backed ingest.Queue.
type Queue struct {
	client goredis.UniversalClient
	ids    ingest.IDGenerator
	clock  ingest.Clock
	opts   Options
}

// New wraps client. The client is owned by the caller.
func New(client goredis.UniversalClient, ids ingest.IDGenerator, clock ingest.Clock, opts Options) *Queue {
	if opts.Prefix == "" {
		opts.Prefix = "bq"
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = time.Second
	}
	return &Queue{client: client, ids: ids, clock: clock, opts: opts}
}

func (q *Queue) key(queue, suffix string) string {
	return q.opts.Prefix + ":" + queue + ":" + suffix
}

func (q *Queue) leaseKey(queue, id string) string {
	return q.key(queue, "lease:"+id)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return ingest.TransientError(op, err)
}

// Enqueue stores the job and pushes its ID onto the waiting list atomically.
func (q *Queue) Enqueue(ctx context.Context, queue string, payload []byte) (ingest.Job, error) {
	id, err := q.ids.NewID()
	if err != nil {
		return ingest.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job := ingest.Job{
		ID:        id,
		Queue:     queue,
		Payload:   append([]byte(nil), payload...),
		Status:    ingest.JobStatusPending,
		Submitted: q.clock.Now(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return ingest.Job{}, fmt.Errorf("marshal job: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, q.key(queue, "jobs"), id, data)
		pipe.LPush(ctx, q.key(queue, "waiting"), id)
		return nil
	})
	if err != nil {
		return ingest.Job{}, wrap("redis enqueue", err)
	}
	return job, nil
}

// transitionScript applies one state change to a job only while its stored
// record is byte-for-byte the one the caller decided on.
//
// KEYS: jobs, waiting, active, succeeded, failed, lease
// ARGV: id, previous record, next record, op, lease value, lease ms
var transitionScript = goredis.NewScript(`
local id = ARGV[1]
if redis.call('HGET', KEYS[1], id) ~= ARGV[2] then
  return 0
end
local op = ARGV[4]
if op == 'heartbeat' then
  redis.call('SET', KEYS[6], ARGV[5], 'PX', ARGV[6])
  return 1
end
if op == 'claim' then
  if redis.call('LREM', KEYS[3], 0, id) == 0 then
    return 0
  end
  redis.call('LPUSH', KEYS[3], id)
  redis.call('HSET', KEYS[1], id, ARGV[3])
  redis.call('SET', KEYS[6], ARGV[5], 'PX', ARGV[6])
  return 1
end
if op == 'reclaim' and redis.call('EXISTS', KEYS[6]) == 1 then
  return 0
end
redis.call('LREM', KEYS[2], 0, id)
redis.call('LREM', KEYS[3], 0, id)
redis.call('SREM', KEYS[4], id)
redis.call('SREM', KEYS[5], id)
redis.call('DEL', KEYS[6])
if op == 'remove' then
  redis.call('HDEL', KEYS[1], id)
  return 1
end
redis.call('HSET', KEYS[1], id, ARGV[3])
if op == 'requeue' or op == 'reclaim' then
  redis.call('RPUSH', KEYS[2], id)
elseif op == 'succeeded' then
  redis.call('SADD', KEYS[4], id)
elseif op == 'failed' then
  redis.call('SADD', KEYS[5], id)
end
return 1
`)

type transition string

const (
	opClaim     transition = "claim"
	opHeartbeat transition = "heartbeat"
	opRequeue   transition = "requeue"
	opReclaim   transition = "reclaim"
	opSucceeded transition = "succeeded"
	opFailed    transition = "failed"
	opRemove    transition = "remove"
)

// maxSwaps bounds how often update retries after losing a race.
const maxSwaps = 5

// errSwapLost reports that the record changed between load and swap.
var errSwapLost = errors.New("job changed concurrently")

// swap runs transitionScript. next may be nil for ops that do not rewrite the record.
func (q *Queue) swap(ctx context.Context, queue, id string, prev []byte, next *ingest.Job, op transition) error {
	var data []byte
	if next != nil {
		var err error
		if data, err = json.Marshal(next); err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
	}
	keys := []string{
		q.key(queue, "jobs"),
		q.key(queue, "waiting"),
		q.key(queue, "active"),
		q.key(queue, "succeeded"),
		q.key(queue, "failed"),
		q.leaseKey(queue, id),
	}
	n, err := transitionScript.Run(ctx, q.client, keys,
		id, prev, data, string(op), q.clock.Now().UnixMilli(), q.opts.Lease.Milliseconds()).Int()
	if err != nil {
		return wrap("redis "+string(op), err)
	}
	if n == 0 {
		return errSwapLost
	}
	return nil
}

// update loads the job and hands it to decide, which mutates it and picks
// the op; the result is then swapped in.
// Lost races are retried against the fresh record.
func (q *Queue) update(ctx context.Context, queue, id string, decide func(job *ingest.Job) (transition, error)) error {
	for i := 0; i < maxSwaps; i++ {
		raw, job, err := q.load(ctx, queue, id)
		if err != nil {
			return err
		}
		op, err := decide(&job)
		if err != nil {
			return err
		}
		next := &job
		if op == opHeartbeat || op == opRemove {
			next = nil
		}
		err = q.swap(ctx, queue, id, raw, next, op)
		if !errors.Is(err, errSwapLost) {
			return err
		}
	}
	return ingest.TransientError("redis update job", fmt.Errorf("job %s: %w", id, errSwapLost))
}

// Dequeue moves the oldest waiting ID to the active list and claims it. If
// the claim cannot be written the ID stays on the active list as pending
// without a lease, and ReclaimStalled puts it back.
func (q *Queue) Dequeue(ctx context.Context, queue string) (ingest.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return ingest.Job{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		id, err := q.client.BRPopLPush(ctx, q.key(queue, "waiting"), q.key(queue, "active"), q.opts.PollTimeout).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ingest.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return ingest.Job{}, wrap("redis dequeue", err)
		}

		job, err := q.claim(ctx, queue, id)
		if errors.Is(err, errSwapLost) {
			continue
		}
		if err != nil {
			return ingest.Job{}, err
		}
		return job, nil
	}
}

func (q *Queue) claim(ctx context.Context, queue, id string) (ingest.Job, error) {
	raw, job, err := q.load(ctx, queue, id)
	if errors.Is(err, ingest.ErrJobNotFound) {
		// Removed while waiting; drop the dangling ID.
		q.client.LRem(ctx, q.key(queue, "active"), 0, id)
		return ingest.Job{}, errSwapLost
	}
	if err != nil {
		return ingest.Job{}, err
	}
	if job.Status != ingest.JobStatusPending {
		return ingest.Job{}, errSwapLost
	}
	now := q.clock.Now()
	job.Status = ingest.JobStatusActive
	job.Attempts++
	job.Started = &now
	if err := q.swap(ctx, queue, id, raw, &job, opClaim); err != nil {
		return ingest.Job{}, err
	}
	return job, nil
}

func (q *Queue) load(ctx context.Context, queue, id string) ([]byte, ingest.Job, error) {
	data, err := q.client.HGet(ctx, q.key(queue, "jobs"), id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ingest.Job{}, ingest.ErrJobNotFound
	}
	if err != nil {
		return nil, ingest.Job{}, wrap("redis load job", err)
	}
	var job ingest.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, ingest.Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return data, job, nil
}

func requireActive(job *ingest.Job) error {
	if job.Status != ingest.JobStatusActive {
		return fmt.Errorf("job %s is %s: %w", job.ID, job.Status, ingest.ErrInvalidTransition)
	}
	return nil
}

// Heartbeat extends the lease of an active job held by the caller.
func (q *Queue) Heartbeat(ctx context.Context, held ingest.Job) error {
	return q.update(ctx, held.Queue, held.ID, func(job *ingest.Job) (transition, error) {
		if err := requireActive(job); err != nil {
			return "", err
		}
		return opHeartbeat, ingest.CheckLease(*job, held)
	})
}

// Complete marks an active or failed job succeeded. A caller holding a
// superseded claim gets ErrLeaseLost.
func (q *Queue) Complete(ctx context.Context, held ingest.Job, logs []string, result []byte) error {
	return q.update(ctx, held.Queue, held.ID, func(job *ingest.Job) (transition, error) {
		if job.Status != ingest.JobStatusActive && job.Status != ingest.JobStatusFailed {
			return "", fmt.Errorf("job %s is %s: %w", job.ID, job.Status, ingest.ErrInvalidTransition)
		}
		if err := ingest.CheckLease(*job, held); err != nil {
			return "", err
		}
		if q.opts.RemoveOnSuccess {
			return opRemove, nil
		}
		q.finish(job, ingest.JobStatusSucceeded, logs, result)
		return opSucceeded, nil
	})
}

// Fail marks an active job failed; it stays in the failed set until Remove.
func (q *Queue) Fail(ctx context.Context, held ingest.Job, logs []string, result []byte) error {
	return q.update(ctx, held.Queue, held.ID, func(job *ingest.Job) (transition, error) {
		if err := requireActive(job); err != nil {
			return "", err
		}
		if err := ingest.CheckLease(*job, held); err != nil {
			return "", err
		}
		q.finish(job, ingest.JobStatusFailed, logs, result)
		return opFailed, nil
	})
}

func (q *Queue) finish(job *ingest.Job, status ingest.JobStatus, logs []string, result []byte) {
	now := q.clock.Now()
	job.Status = status
	job.Logs = append([]string(nil), logs...)
	job.Result = append([]byte(nil), result...)
	job.Finished = &now
}

// Release puts an active job back at the consuming end of the waiting list.
func (q *Queue) Release(ctx context.Context, queue, id string) error {
	return q.update(ctx, queue, id, func(job *ingest.Job) (transition, error) {
		if err := requireActive(job); err != nil {
			return "", err
		}
		job.Status = ingest.JobStatusPending
		job.Started = nil
		return opRequeue, nil
	})
}

// Get returns the stored job.
func (q *Queue) Get(ctx context.Context, queue, id string) (ingest.Job, error) {
	_, job, err := q.load(ctx, queue, id)
	return job, err
}

// List returns jobs oldest first, optionally filtered by status. A limit of
// zero or less returns everything.
func (q *Queue) List(ctx context.Context, queue string, status ingest.JobStatus, limit int) ([]ingest.Job, error) {
	var raw []string
	var err error
	switch status {
	case "":
		var all map[string]string
		all, err = q.client.HGetAll(ctx, q.key(queue, "jobs")).Result()
		for _, v := range all {
			raw = append(raw, v)
		}
	case ingest.JobStatusPending:
		raw, err = q.fetch(ctx, queue, q.client.LRange(ctx, q.key(queue, "waiting"), 0, -1))
	case ingest.JobStatusActive:
		raw, err = q.fetch(ctx, queue, q.client.LRange(ctx, q.key(queue, "active"), 0, -1))
	case ingest.JobStatusSucceeded:
		raw, err = q.fetch(ctx, queue, q.client.SMembers(ctx, q.key(queue, "succeeded")))
	case ingest.JobStatusFailed:
		raw, err = q.fetch(ctx, queue, q.client.SMembers(ctx, q.key(queue, "failed")))
	default:
		return nil, fmt.Errorf("unknown job status %q", status)
	}
	if err != nil {
		return nil, wrap("redis list jobs", err)
	}

	jobs := make([]ingest.Job, 0, len(raw))
	for _, data := range raw {
		var job ingest.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		jobs = append(jobs, job)
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Submitted.Equal(jobs[j].Submitted) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].Submitted.Before(jobs[j].Submitted)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (q *Queue) fetch(ctx context.Context, queue string, ids *goredis.StringSliceCmd) ([]string, error) {
	list, err := ids.Result()
	if err != nil || len(list) == 0 {
		return nil, err
	}
	values, err := q.client.HMGet(ctx, q.key(queue, "jobs"), list...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// Remove deletes a job that is not currently claimed.
func (q *Queue) Remove(ctx context.Context, queue, id string) error {
	return q.update(ctx, queue, id, func(job *ingest.Job) (transition, error) {
		if job.Status == ingest.JobStatusActive {
			return "", fmt.Errorf("job %s is active: %w", id, ingest.ErrInvalidTransition)
		}
		return opRemove, nil
	})
}

// ReclaimStalled requeues IDs on the active list that hold no lease: active
// jobs whose lease expired, and pending jobs whose claim was never written.
// A claim or heartbeat that lands first wins and the ID is skipped.
func (q *Queue) ReclaimStalled(ctx context.Context, queue string) (int, error) {
	ids, err := q.client.LRange(ctx, q.key(queue, "active"), 0, -1).Result()
	if err != nil {
		return 0, wrap("redis list active", err)
	}
	reclaimed := 0
	for _, id := range ids {
		alive, err := q.client.Exists(ctx, q.leaseKey(queue, id)).Result()
		if err != nil {
			return reclaimed, wrap("redis check lease", err)
		}
		if alive > 0 {
			continue
		}
		raw, job, err := q.load(ctx, queue, id)
		if errors.Is(err, ingest.ErrJobNotFound) {
			q.client.LRem(ctx, q.key(queue, "active"), 0, id)
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		if job.Status != ingest.JobStatusActive && job.Status != ingest.JobStatusPending {
			continue
		}
		job.Status = ingest.JobStatusPending
		job.Started = nil
		err = q.swap(ctx, queue, id, raw, &job, opReclaim)
		if errors.Is(err, errSwapLost) {
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		reclaimed++
	}
	return reclaimed, nil
}

// Ping checks connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	return wrap("redis ping", q.client.Ping(ctx).Err())
}
