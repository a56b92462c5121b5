package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rtCamp/amp-compatibility-sub001/internal/analytics"
	"github.com/rtCamp/amp-compatibility-sub001/internal/config"
	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
	queuememory "github.com/rtCamp/amp-compatibility-sub001/internal/queue/memory"
	storememory "github.com/rtCamp/amp-compatibility-sub001/internal/storage/memory"
	"github.com/rtCamp/amp-compatibility-sub001/internal/worker"
)

const testQueue = "amp-submissions"

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC) }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("job-%d", s.n), nil
}

type fakeApp struct {
	queue    *queuememory.Queue
	replayer *worker.Replayer
	closed   bool
}

func newFakeApp() *fakeApp {
	q := queuememory.NewQueue(&seqIDs{}, fixedClock{}, queuememory.Options{})
	store := storememory.NewRelationalStore(fixedClock{})
	return &fakeApp{
		queue: q,
		replayer: worker.NewReplayer(q, store, analytics.NewMemoryWarehouse(), nil, fixedClock{}, nil,
			worker.Config{Queue: testQueue}, zap.NewNop()),
	}
}

func (a *fakeApp) Serve(context.Context, bool) error { return nil }
func (a *fakeApp) RunWorkers(context.Context) error  { return nil }
func (a *fakeApp) Queue() ingest.Queue               { return a.queue }
func (a *fakeApp) QueueName() string                 { return testQueue }
func (a *fakeApp) Replayer() *worker.Replayer        { return a.replayer }
func (a *fakeApp) Close(context.Context) error       { a.closed = true; return nil }

// useFakeApp swaps the application factories. Tests using it cannot run in parallel.
func useFakeApp(t *testing.T, app *fakeApp) {
	t.Helper()
	fake := func(context.Context, config.Config, *zap.Logger) (App, error) { return app, nil }
	swapFactories(t, fake, fake, fake)
}

func swapFactories(t *testing.T, full, queue, replay appFactory) {
	t.Helper()
	prevFull, prevQueue, prevReplay := newApp, newQueueApp, newReplayApp
	newApp, newQueueApp, newReplayApp = full, queue, replay
	t.Cleanup(func() { newApp, newQueueApp, newReplayApp = prevFull, prevQueue, prevReplay })
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestJobsListAndGet(t *testing.T) {
	app := newFakeApp()
	useFakeApp(t, app)
	ctx := context.Background()
	_, err := app.queue.Enqueue(ctx, testQueue, []byte(`{"uuid":"a"}`))
	require.NoError(t, err)
	_, err = app.queue.Enqueue(ctx, testQueue, []byte(`{"uuid":"b"}`))
	require.NoError(t, err)
	_, err = app.queue.Dequeue(ctx, testQueue)
	require.NoError(t, err)

	out, err := run(t, "jobs", "list", "--status", "pending")
	require.NoError(t, err)
	var views []jobView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	require.Equal(t, "job-2", views[0].ID)
	require.True(t, app.closed)

	out, err = run(t, "jobs", "get", "job-1")
	require.NoError(t, err)
	var view jobView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	require.Equal(t, "active", view.Status)
	require.JSONEq(t, `{"uuid":"a"}`, string(view.Payload))

	_, err = run(t, "jobs", "list", "--status", "bogus")
	require.Error(t, err)
	_, err = run(t, "jobs", "get", "missing")
	require.ErrorIs(t, err, ingest.ErrJobNotFound)
}

func TestJobsReleaseAndRemove(t *testing.T) {
	app := newFakeApp()
	useFakeApp(t, app)
	ctx := context.Background()
	_, err := app.queue.Enqueue(ctx, testQueue, []byte(`{}`))
	require.NoError(t, err)
	job, err := app.queue.Dequeue(ctx, testQueue)
	require.NoError(t, err)

	_, err = run(t, "jobs", "remove", job.ID)
	require.ErrorIs(t, err, ingest.ErrInvalidTransition)

	out, err := run(t, "jobs", "release", job.ID)
	require.NoError(t, err)
	require.Contains(t, out, "released "+job.ID)

	out, err = run(t, "jobs", "remove", job.ID)
	require.NoError(t, err)
	require.Contains(t, out, "removed "+job.ID)

	_, err = app.queue.Get(ctx, testQueue, job.ID)
	require.ErrorIs(t, err, ingest.ErrJobNotFound)
}

func TestJobsReplayAnalyticsRejectsJobWithoutRows(t *testing.T) {
	app := newFakeApp()
	useFakeApp(t, app)
	ctx := context.Background()
	_, err := app.queue.Enqueue(ctx, testQueue, []byte(`{}`))
	require.NoError(t, err)
	job, err := app.queue.Dequeue(ctx, testQueue)
	require.NoError(t, err)
	require.NoError(t, app.queue.Fail(ctx, job, []string{"validating: site.site_url: required"}, nil))

	_, err = run(t, "jobs", "replay-analytics", job.ID)
	require.ErrorIs(t, err, worker.ErrNothingToReplay)
}

func TestMigrateRequiresPostgres(t *testing.T) {
	_, err := run(t, "migrate")
	require.Error(t, err)
	require.Contains(t, err.Error(), "db.backend=postgres")
}

func TestAppInitFailure(t *testing.T) {
	down := func(context.Context, config.Config, *zap.Logger) (App, error) {
		return nil, errors.New("redis down")
	}
	swapFactories(t, down, down, down)

	_, err := run(t, "worker")
	require.ErrorContains(t, err, "redis down")
}

func TestJobsCommandsUseReducedBuilds(t *testing.T) {
	app := newFakeApp()
	var built []string
	factory := func(name string) appFactory {
		return func(context.Context, config.Config, *zap.Logger) (App, error) {
			built = append(built, name)
			if name == "full" {
				return nil, errors.New("bigquery unavailable")
			}
			return app, nil
		}
	}
	swapFactories(t, factory("full"), factory("queue"), factory("replay"))

	for _, args := range [][]string{{"jobs", "list"}, {"jobs", "get", "missing"}, {"jobs", "release", "missing"}, {"jobs", "remove", "missing"}} {
		_, err := run(t, args...)
		if err != nil {
			require.NotContains(t, err.Error(), "bigquery unavailable", args)
		}
	}
	_, err := run(t, "jobs", "replay-analytics", "missing")
	require.ErrorIs(t, err, ingest.ErrJobNotFound)

	require.Equal(t, []string{"queue", "queue", "queue", "queue", "replay"}, built)

	_, err = run(t, "worker")
	require.ErrorContains(t, err, "bigquery unavailable")
}
