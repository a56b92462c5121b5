package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
	"github.com/rtCamp/amp-compatibility-sub001/internal/worker"
)

// blockingQueue blocks Dequeue until the context ends and counts reclaims.
type blockingQueue struct {
	ingest.Queue

	started    chan struct{}
	once       sync.Once
	mu         sync.Mutex
	reclaims   int
	reclaimErr error
	enqueueErr error
}

func (q *blockingQueue) Dequeue(ctx context.Context, _ string) (ingest.Job, error) {
	q.once.Do(func() { close(q.started) })
	<-ctx.Done()
	return ingest.Job{}, ctx.Err()
}

func (q *blockingQueue) ReclaimStalled(context.Context, string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reclaims++
	if q.reclaimErr != nil {
		return 0, q.reclaimErr
	}
	return 2, nil
}

func (q *blockingQueue) Enqueue(_ context.Context, queue string, payload []byte) (ingest.Job, error) {
	if q.enqueueErr != nil {
		return ingest.Job{}, q.enqueueErr
	}
	return ingest.Job{ID: "job-1", Queue: queue, Payload: payload, Status: ingest.JobStatusPending}, nil
}

func (q *blockingQueue) reclaimCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reclaims
}

func newWorker(q ingest.Queue) *worker.Worker {
	return worker.New(q, nil, nil, nil, nil, nil, nil, nil, worker.Config{Queue: "intake"}, zap.NewNop())
}

func TestDispatcherRunStartsWorkersAndReclaims(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{})}
	d := New(queue, []*worker.Worker{newWorker(queue), newWorker(queue)},
		Config{Queue: "intake", StallInterval: 5 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}
	require.Eventually(t, func() bool { return queue.reclaimCount() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestReclaimSwallowsErrors(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}), reclaimErr: errors.New("redis down")}
	d := New(queue, nil, Config{Queue: "intake"}, nil)
	require.Zero(t, d.Reclaim(context.Background()))

	queue.reclaimErr = nil
	require.Equal(t, 2, d.Reclaim(context.Background()))
}

func TestDispatcherEnqueue(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{})}
	d := New(queue, nil, Config{Queue: "intake"}, nil)
	job, err := d.Enqueue(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, "intake", job.Queue)

	queue.enqueueErr = errors.New("boom")
	_, err = d.Enqueue(context.Background(), []byte(`{}`))
	require.ErrorContains(t, err, "queue enqueue")
}
