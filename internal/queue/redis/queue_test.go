package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("job-%03d", s.n), nil
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newTestQueue(t *testing.T, opts Options) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	opts.PollTimeout = time.Second
	clock := &stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(client, &seqIDs{}, clock, opts), mr
}

func TestEnqueueDequeueLayout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, mr := newTestQueue(t, Options{Lease: time.Minute})

	enqueued, err := q.Enqueue(ctx, "intake", []byte(`{"uuid":"abc-123"}`))
	require.NoError(t, err)
	require.True(t, mr.Exists("bq:intake:jobs"))
	waiting, err := mr.List("bq:intake:waiting")
	require.NoError(t, err)
	require.Equal(t, []string{enqueued.ID}, waiting)

	job, err := q.Dequeue(ctx, "intake")
	require.NoError(t, err)
	require.Equal(t, enqueued.ID, job.ID)
	require.Equal(t, ingest.JobStatusActive, job.Status)
	require.Equal(t, 1, job.Attempts)
	require.JSONEq(t, `{"uuid":"abc-123"}`, string(job.Payload))

	active, err := mr.List("bq:intake:active")
	require.NoError(t, err)
	require.Equal(t, []string{job.ID}, active)
	require.True(t, mr.Exists("bq:intake:lease:"+job.ID))
	require.Equal(t, time.Minute, mr.TTL("bq:intake:lease:"+job.ID))
}

func TestDequeueIsFIFO(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(t, Options{})
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, "intake", []byte(`{}`))
		require.NoError(t, err)
	}
	for _, want := range []string{"job-001", "job-002", "job-003"} {
		job, err := q.Dequeue(ctx, "intake")
		require.NoError(t, err)
		require.Equal(t, want, job.ID)
	}
}

func TestDequeueHonoursCancellation(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx, "intake")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCompleteRetainedOrRemoved(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, mr := newTestQueue(t, Options{})
	_, err := q.Enqueue(ctx, "intake", []byte(`{}`))
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, "intake")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job, []string{"ok"}, nil))

	got, err := q.Get(ctx, "intake", job.ID)
	require.NoError(t, err)
	require.Equal(t, ingest.JobStatusSucceeded, got.Status)
	members, err := mr.Members("bq:intake:succeeded")
	require.NoError(t, err)
	require.Equal(t, []string{job.ID}, members)
	require.False(t, mr.Exists("bq:intake:lease:"+job.ID))

	removing, mr2 := newTestQueue(t, Options{Prefix: "amp", RemoveOnSuccess: true})
	_, err = removing.Enqueue(ctx, "intake", []byte(`{}`))
	require.NoError(t, err)
	job, err = removing.Dequeue(ctx, "intake")
	require.NoError(t, err)
	require.NoError(t, removing.Complete(ctx, job, nil, nil))
	_, err = removing.Get(ctx, "intake", job.ID)
	require.ErrorIs(t, err, ingest.ErrJobNotFound)
	require.False(t, mr2.Exists("amp:intake:succeeded"))
}

func TestFailRetainsAndRemove(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, mr := newTestQueue(t, Options{RemoveOnSuccess: true})
	_, err := q.Enqueue(ctx, "intake", []byte(`{}`))
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, "intake")
	require.NoError(t, err)

	require.ErrorIs(t, q.Remove(ctx, "intake", job.ID), ingest.ErrInvalidTransition)
	require.NoError(t, q.Fail(ctx, job, []string{"site.site_url: required"}, []byte("rows")))

	failed, err := q.List(ctx, "intake", ingest.JobStatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, []string{"site.site_url: required"}, failed[0].Logs)
	require.Equal(t, []byte("rows"), failed[0].Result)

	require.NoError(t, q.Complete(ctx, failed[0], []string{"replayed"}, nil))
	_, err = q.Get(ctx, "intake", job.ID)
	require.ErrorIs(t, err, ingest.ErrJobNotFound)
	require.False(t, mr.Exists("bq:intake:failed"))
}

func TestReleaseAndReclaim(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, mr := newTestQueue(t, Options{Lease: 10 * time.Second})
	first, err := q.Enqueue(ctx, "intake", []byte(`{}`))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "intake", []byte(`{}`))
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, "intake")
	require.NoError(t, err)
	require.Equal(t, first.ID, job.ID)
	require.NoError(t, q.Release(ctx, "intake", job.ID))
	require.ErrorIs(t, q.Release(ctx, "intake", job.ID), ingest.ErrInvalidTransition)

	job, err = q.Dequeue(ctx, "intake")
	require.NoError(t, err)
	require.Equal(t, first.ID, job.ID, "released job goes back to the head")
	require.Equal(t, 2, job.Attempts)

	n, err := q.ReclaimStalled(ctx, "intake")
	require.NoError(t, err)
	require.Zero(t, n)

	mr.FastForward(5 * time.Second)
	require.NoError(t, q.Heartbeat(ctx, job))
	mr.FastForward(8 * time.Second)
	n, err = q.ReclaimStalled(ctx, "intake")
	require.NoError(t, err)
	require.Zero(t, n)

	mr.FastForward(11 * time.Second)
	n, err = q.ReclaimStalled(ctx, "intake")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pending, err := q.List(ctx, "intake", ingest.JobStatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	job, err = q.Dequeue(ctx, "intake")
	require.NoError(t, err)
	require.Equal(t, first.ID, job.ID)
	require.Equal(t, 3, job.Attempts)
}

func TestRemovedWhileWaitingIsSkipped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(t, Options{})
	first, err := q.Enqueue(ctx, "intake", []byte(`{}`))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "intake", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, q.Remove(ctx, "intake", first.ID))

	job, err := q.Dequeue(ctx, "intake")
	require.NoError(t, err)
	require.Equal(t, second.ID, job.ID)

	all, err := q.List(ctx, "intake", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestMissingJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(t, Options{})
	_, err := q.Get(ctx, "intake", "nope")
	require.ErrorIs(t, err, ingest.ErrJobNotFound)
	require.ErrorIs(t, q.Remove(ctx, "intake", "nope"), ingest.ErrJobNotFound)
	require.ErrorIs(t, q.Heartbeat(ctx, ingest.Job{ID: "nope", Queue: "intake"}), ingest.ErrJobNotFound)
	_, err = q.List(ctx, "intake", "bogus", 0)
	require.Error(t, err)
}

func TestTransportErrorsAreTransient(t *testing.T) {
	t.Parallel()

	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	q := New(client, &seqIDs{}, &stepClock{}, Options{})
	_, err := q.Enqueue(context.Background(), "intake", []byte(`{}`))
	require.Error(t, err)
	require.True(t, ingest.IsTransient(err))
}

func TestStaleClaimCannotFinish(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, mr := newTestQueue(t, Options{Lease: 10 * time.Second})
	_, err := q.Enqueue(ctx, "intake", []byte(`{}`))
	require.NoError(t, err)

	stale, err := q.Dequeue(ctx, "intake")
	require.NoError(t, err)
	mr.FastForward(11 * time.Second)
	n, err := q.ReclaimStalled(ctx, "intake")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	owner, err := q.Dequeue(ctx, "intake")
	require.NoError(t, err)
	require.Equal(t, 2, owner.Attempts)

	require.ErrorIs(t, q.Complete(ctx, stale, []string{"stale"}, nil), ingest.ErrLeaseLost)
	require.ErrorIs(t, q.Heartbeat(ctx, stale), ingest.ErrLeaseLost)
	require.NoError(t, q.Heartbeat(ctx, owner))
	require.NoError(t, q.Fail(ctx, owner, []string{"owner"}, nil))
	require.ErrorIs(t, q.Complete(ctx, stale, nil, nil), ingest.ErrLeaseLost)

	got, err := q.Get(ctx, "intake", owner.ID)
	require.NoError(t, err)
	require.Equal(t, ingest.JobStatusFailed, got.Status)
	require.Equal(t, []string{"owner"}, got.Logs)
	members, err := mr.Members("bq:intake:failed")
	require.NoError(t, err)
	require.Equal(t, []string{owner.ID}, members)
}

// scriptFailures makes every script call fail while armed.
type scriptFailures struct {
	armed atomic.Bool
}

func (h *scriptFailures) DialHook(next goredis.DialHook) goredis.DialHook { return next }

func (h *scriptFailures) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if h.armed.Load() && strings.HasPrefix(cmd.Name(), "eval") {
			err := errors.New("connection reset by peer")
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func (h *scriptFailures) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return next
}

func TestInterruptedClaimIsReclaimed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	hook := &scriptFailures{}
	client.AddHook(hook)
	clock := &stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := New(client, &seqIDs{}, clock, Options{Lease: time.Minute, PollTimeout: time.Second})

	enqueued, err := q.Enqueue(ctx, "intake", []byte(`{}`))
	require.NoError(t, err)

	hook.armed.Store(true)
	_, err = q.Dequeue(ctx, "intake")
	require.Error(t, err)
	require.True(t, ingest.IsTransient(err))
	hook.armed.Store(false)

	active, err := mr.List("bq:intake:active")
	require.NoError(t, err)
	require.Equal(t, []string{enqueued.ID}, active)
	stuck, err := q.Get(ctx, "intake", enqueued.ID)
	require.NoError(t, err)
	require.Equal(t, ingest.JobStatusPending, stuck.Status)

	n, err := q.ReclaimStalled(ctx, "intake")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.False(t, mr.Exists("bq:intake:active"))

	job, err := q.Dequeue(ctx, "intake")
	require.NoError(t, err)
	require.Equal(t, enqueued.ID, job.ID)
	require.Equal(t, 1, job.Attempts)
	require.Equal(t, ingest.JobStatusActive, job.Status)
}

func TestReclaimSkipsLiveClaims(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(t, Options{Lease: time.Minute})
	_, err := q.Enqueue(ctx, "intake", []byte(`{}`))
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, "intake")
	require.NoError(t, err)

	n, err := q.ReclaimStalled(ctx, "intake")
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, q.Complete(ctx, job, nil, nil))
}
