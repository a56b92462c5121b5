package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

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

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(opts Options) (*Queue, *manualClock) {
	clock := &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewQueue(&seqIDs{}, clock, opts), clock
}

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(Options{})
	result := make(chan ingest.Job, 1)
	errCh := make(chan error, 1)

	go func() {
		job, err := q.Dequeue(context.Background(), "intake")
		if err != nil {
			errCh <- err
			return
		}
		result <- job
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to start
	enqueued, err := q.Enqueue(context.Background(), "intake", []byte(`{"a":1}`))
	require.NoError(t, err)
	require.Equal(t, ingest.JobStatusPending, enqueued.Status)

	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, enqueued.ID, got.ID)
		require.Equal(t, ingest.JobStatusActive, got.Status)
		require.Equal(t, 1, got.Attempts)
		require.NotNil(t, got.Started)
		require.JSONEq(t, `{"a":1}`, string(got.Payload))
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueExclusiveClaim(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(Options{})
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := q.Enqueue(ctx, "intake", []byte(`{}`))
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				job, err := q.Dequeue(ctx, "intake")
				if err != nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 20)
	for id, n := range seen {
		require.Equal(t, 1, n, id)
	}

}

func TestQueueCompleteAndRetention(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(Options{})
	_, err := q.Enqueue(ctx, "intake", []byte(`{}`))
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, "intake")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job, []string{"done"}, []byte("ok")))

	got, err := q.Get(ctx, "intake", job.ID)
	require.NoError(t, err)
	require.Equal(t, ingest.JobStatusSucceeded, got.Status)
	require.Equal(t, []string{"done"}, got.Logs)
	require.NotNil(t, got.Finished)

	removing, _ := newTestQueue(Options{RemoveOnSuccess: true})
	_, err = removing.Enqueue(ctx, "intake", []byte(`{}`))
	require.NoError(t, err)
	job, err = removing.Dequeue(ctx, "intake")
	require.NoError(t, err)
	require.NoError(t, removing.Complete(ctx, job, nil, nil))
	_, err = removing.Get(ctx, "intake", job.ID)
	require.ErrorIs(t, err, ingest.ErrJobNotFound)
}

func TestQueueFailRetainsUntilRemove(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(Options{RemoveOnSuccess: true})
	_, err := q.Enqueue(ctx, "intake", []byte(`{}`))
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, "intake")
	require.NoError(t, err)

	require.ErrorIs(t, q.Remove(ctx, "intake", job.ID), ingest.ErrInvalidTransition)
	require.NoError(t, q.Fail(ctx, job, []string{"site.site_url: required"}, nil))
	require.ErrorIs(t, q.Fail(ctx, job, nil, nil), ingest.ErrInvalidTransition)

	failed, err := q.List(ctx, "intake", ingest.JobStatusFailed, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, []string{"site.site_url: required"}, failed[0].Logs)

	require.NoError(t, q.Remove(ctx, "intake", job.ID))
	_, err = q.Get(ctx, "intake", job.ID)
	require.ErrorIs(t, err, ingest.ErrJobNotFound)
}

func TestQueueCompleteAfterFail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(Options{})
	_, err := q.Enqueue(ctx, "intake", []byte(`{}`))
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, "intake")
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, job, []string{"analytics"}, []byte(`{}`)))
	require.NoError(t, q.Complete(ctx, job, []string{"replayed"}, nil))

	got, err := q.Get(ctx, "intake", job.ID)
	require.NoError(t, err)
	require.Equal(t, ingest.JobStatusSucceeded, got.Status)
}

func TestQueueReleaseRequeuesAtHead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(Options{})
	first, err := q.Enqueue(ctx, "intake", []byte(`{}`))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "intake", []byte(`{}`))
	require.NoError(t, err)

	claimed, err := q.Dequeue(ctx, "intake")
	require.NoError(t, err)
	require.Equal(t, first.ID, claimed.ID)
	require.NoError(t, q.Release(ctx, "intake", claimed.ID))
	require.ErrorIs(t, q.Release(ctx, "intake", claimed.ID), ingest.ErrInvalidTransition)
	require.ErrorIs(t, q.Release(ctx, "intake", "missing"), ingest.ErrJobNotFound)

	again, err := q.Dequeue(ctx, "intake")
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, 2, again.Attempts)
}

func TestQueueReclaimStalled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, clock := newTestQueue(Options{Lease: time.Minute})
	_, err := q.Enqueue(ctx, "intake", []byte(`{}`))
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, "intake")
	require.NoError(t, err)

	n, err := q.ReclaimStalled(ctx, "intake")
	require.NoError(t, err)
	require.Zero(t, n)

	clock.Advance(45 * time.Second)
	require.NoError(t, q.Heartbeat(ctx, job))
	clock.Advance(45 * time.Second)
	n, err = q.ReclaimStalled(ctx, "intake")
	require.NoError(t, err)
	require.Zero(t, n, "heartbeat extended the lease")

	clock.Advance(2 * time.Minute)
	n, err = q.ReclaimStalled(ctx, "intake")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.ErrorIs(t, q.Heartbeat(ctx, job), ingest.ErrInvalidTransition)
	reclaimed, err := q.Dequeue(ctx, "intake")
	require.NoError(t, err)
	require.Equal(t, job.ID, reclaimed.ID)
}

func TestQueueCancelationAndClose(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx, "intake")
	require.EqualError(t, err, "dequeue canceled: context canceled")
	_, err = q.Enqueue(ctx, "intake", nil)
	require.EqualError(t, err, "enqueue canceled: context canceled")

	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background(), "intake")
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not wake dequeue")
	}
	// Closing twice should be safe.
	q.Close()
}

func TestQueueListLimitAndOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newTestQueue(Options{})
	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, "intake", []byte(`{}`))
		require.NoError(t, err)
	}
	jobs, err := q.List(ctx, "intake", "", 3)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	require.Equal(t, "job-001", jobs[0].ID)
	require.Equal(t, "job-003", jobs[2].ID)
}

func TestQueueStaleClaimCannotFinish(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, clock := newTestQueue(Options{Lease: time.Minute})
	_, err := q.Enqueue(ctx, "intake", []byte(`{}`))
	require.NoError(t, err)

	stale, err := q.Dequeue(ctx, "intake")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	n, err := q.ReclaimStalled(ctx, "intake")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	owner, err := q.Dequeue(ctx, "intake")
	require.NoError(t, err)
	require.Equal(t, 2, owner.Attempts)

	require.ErrorIs(t, q.Complete(ctx, stale, []string{"stale"}, nil), ingest.ErrLeaseLost)
	require.ErrorIs(t, q.Fail(ctx, stale, []string{"stale"}, nil), ingest.ErrLeaseLost)
	require.ErrorIs(t, q.Heartbeat(ctx, stale), ingest.ErrInvalidTransition)
	require.NoError(t, q.Heartbeat(ctx, owner))

	require.NoError(t, q.Fail(ctx, owner, []string{"owner"}, nil))
	require.ErrorIs(t, q.Complete(ctx, stale, nil, nil), ingest.ErrLeaseLost)

	got, err := q.Get(ctx, "intake", owner.ID)
	require.NoError(t, err)
	require.Equal(t, ingest.JobStatusFailed, got.Status)
	require.Equal(t, []string{"owner"}, got.Logs)
}
