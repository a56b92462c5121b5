// Package worker implements the submission processing loop.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rtCamp/amp-compatibility-sub001/internal/analytics"
	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
	"github.com/rtCamp/amp-compatibility-sub001/internal/metrics"
	"github.com/rtCamp/amp-compatibility-sub001/internal/retry"
	"github.com/rtCamp/amp-compatibility-sub001/internal/submission"
	"github.com/rtCamp/amp-compatibility-sub001/internal/validate"
)

// Stage names reported in metrics and job logs.
const (
	StageDequeued             = "dequeued"
	StageValidating           = "validating"
	StagePersistingRelational = "persisting_relational"
	StagePersistingAnalytics  = "persisting_analytics"
)

// Config controls Worker behavior.
type Config struct {
	Queue             string
	ArchivePrefix     string
	Topic             string
	HeartbeatInterval time.Duration
	Analytics         analytics.Config
}

// Worker consumes submission jobs and writes them to the relational and
// analytics stores.
type Worker struct {
	queue     ingest.Queue
	store     ingest.RelationalStore
	blobStore ingest.BlobStore
	notifier  *notifier
	expander  *submission.Expander
	batcher   *analytics.Batcher
	retry     *retry.Policy
	clock     ingest.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. blobStore and publisher may be nil.
func New(
	queue ingest.Queue,
	store ingest.RelationalStore,
	warehouse ingest.Warehouse,
	blobStore ingest.BlobStore,
	publisher ingest.Publisher,
	hasher ingest.Hasher,
	clock ingest.Clock,
	policy *retry.Policy,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = retry.New(retry.Config{})
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "submissions"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	cfg.Analytics.Logger = logger
	return &Worker{
		queue:     queue,
		store:     store,
		blobStore: blobStore,
		notifier:  newNotifier(publisher, cfg.Topic, clock, logger),
		expander:  submission.NewExpander(hasher),
		batcher:   analytics.NewBatcher(warehouse, cfg.Analytics),
		retry:     policy,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming jobs until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx, w.cfg.Queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			if sleep(ctx, w.retry.Backoff(0)) != nil {
				return
			}
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempts))
		w.Process(ctx, job)
	}
}

var tracer = otel.Tracer("github.com/rtCamp/amp-compatibility-sub001/internal/worker")

// Process runs one claimed job to a terminal status and returns it. When ctx
// ends mid-job the job is left active so its lease expires and it is
// reclaimed; the returned status is then JobStatusActive.
func (w *Worker) Process(ctx context.Context, job ingest.Job) ingest.JobStatus {
	ctx, span := tracer.Start(ctx, "process submission", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int("job.attempt", job.Attempts),
	))
	defer span.End()

	status := w.process(ctx, job)
	span.SetAttributes(attribute.String("job.status", string(status)))
	if status == ingest.JobStatusFailed {
		span.SetStatus(codes.Error, "job failed")
	}
	return status
}

func (w *Worker) process(ctx context.Context, job ingest.Job) ingest.JobStatus {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(zap.String("job_id", job.ID))
	stopHeartbeat := w.heartbeat(ctx, job, logger)
	defer stopHeartbeat()

	run := &jobRun{job: job}

	start := time.Now()
	w.archive(ctx, job, run, logger)
	metrics.ObserveStage(StageDequeued, time.Since(start))

	start = time.Now()
	sub, err := w.expander.Expand(job.ID, job.Payload)
	metrics.ObserveStage(StageValidating, time.Since(start))
	if err != nil {
		var invalid validate.Errors
		if errors.As(err, &invalid) {
			run.logf("%s: %d invalid record(s)", StageValidating, len(invalid))
			run.logs = append(run.logs, invalid.Lines()...)
		} else {
			run.logf("%s: %v", StageValidating, err)
		}
		logger.Info("submission rejected", zap.Error(err))
		return w.fail(ctx, run, submissionInfo{}, nil, logger)
	}
	info := submissionInfo{UUID: sub.UUID, SiteURL: sub.SiteURL}
	run.logf("%s: %d record(s) for %s", StageValidating, len(sub.Records)+2, sub.SiteURL)

	start = time.Now()
	err = w.retry.Do(ctx, func(ctx context.Context) error {
		return w.store.PersistSubmission(ctx, sub)
	})
	metrics.ObserveStage(StagePersistingRelational, time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return w.abandon(run, logger)
		}
		run.logf("%s: %v", StagePersistingRelational, err)
		logger.Error("relational write failed", zap.String("uuid", sub.UUID), zap.Error(err))
		if _, aerr := w.store.AdvanceSiteRequest(ctx, sub.UUID, ingest.RequestFailed); aerr != nil {
			logger.Warn("mark site request failed", zap.Error(aerr))
		}
		return w.fail(ctx, run, info, nil, logger)
	}
	run.logf("%s: site request %s active", StagePersistingRelational, sub.UUID)

	start = time.Now()
	result, err := w.persistAnalytics(ctx, sub, logger)
	metrics.ObserveStage(StagePersistingAnalytics, time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return w.abandon(run, logger)
		}
		run.logf("%s: %v", StagePersistingAnalytics, err)
		logger.Error("analytics write failed", zap.String("uuid", sub.UUID), zap.Error(err))
		return w.fail(ctx, run, info, result, logger)
	}
	run.logf("%s: rows flushed", StagePersistingAnalytics)

	err = w.retry.Do(ctx, func(ctx context.Context) error {
		_, err := w.store.AdvanceSiteRequest(ctx, sub.UUID, ingest.RequestSucceeded)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return w.abandon(run, logger)
		}
		run.logf("complete site request: %v", err)
		return w.fail(ctx, run, info, nil, logger)
	}

	if err := w.queue.Complete(ctx, job, run.logs, nil); err != nil {
		w.logTerminalError(logger, "complete job failed", err)
		return ingest.JobStatusActive
	}
	metrics.ObserveJob(string(ingest.JobStatusSucceeded))
	w.notifier.notify(ctx, job.ID, ingest.JobStatusSucceeded, info)
	logger.Info("job succeeded", zap.String("uuid", sub.UUID), zap.String("site_url", sub.SiteURL))
	return ingest.JobStatusSucceeded
}

// persistAnalytics stages every record and flushes. On failure the unsent
// rows are returned as a replay document and dropped from the batcher.
func (w *Worker) persistAnalytics(ctx context.Context, sub ingest.Submission, logger *zap.Logger) ([]byte, error) {
	for _, rec := range sub.All() {
		if err := w.batcher.Stage(ctx, rec); err != nil {
			logger.Warn("analytics batch flush failed; rows kept", zap.Error(err))
		}
	}
	err := w.retry.Do(ctx, w.batcher.Flush)
	if err == nil {
		return nil, nil
	}
	pending := w.batcher.Pending()
	w.batcher.Reset()
	result, merr := json.Marshal(Replay{UUID: sub.UUID, SiteURL: sub.SiteURL, Rows: pending})
	if merr != nil {
		return nil, errors.Join(err, merr)
	}
	return result, err
}

func (w *Worker) fail(ctx context.Context, run *jobRun, info submissionInfo, result []byte, logger *zap.Logger) ingest.JobStatus {
	if err := w.queue.Fail(ctx, run.job, run.logs, result); err != nil {
		w.logTerminalError(logger, "fail job failed", err)
		return ingest.JobStatusActive
	}
	metrics.ObserveJob(string(ingest.JobStatusFailed))
	w.notifier.notify(ctx, run.job.ID, ingest.JobStatusFailed, info)
	return ingest.JobStatusFailed
}

func (w *Worker) logTerminalError(logger *zap.Logger, msg string, err error) {
	if errors.Is(err, ingest.ErrLeaseLost) {
		logger.Warn("job was reclaimed by another worker; result discarded", zap.Error(err))
		return
	}
	logger.Error(msg, zap.Error(err))
}

func (w *Worker) abandon(run *jobRun, logger *zap.Logger) ingest.JobStatus {
	w.batcher.Reset()
	logger.Warn("job interrupted; leaving it for lease expiry")
	return run.job.Status
}

// archive stores the raw payload. Failures are logged only.
func (w *Worker) archive(ctx context.Context, job ingest.Job, run *jobRun, logger *zap.Logger) {
	if w.blobStore == nil {
		return
	}
	path := w.buildArchivePath(job.ID)
	uri, err := w.blobStore.PutObject(ctx, path, "application/json", bytes.NewReader(job.Payload))
	if err != nil {
		logger.Warn("archive payload failed", zap.String("path", path), zap.Error(err))
		return
	}
	run.logf("%s: archived to %s", StageDequeued, uri)
}

func (w *Worker) buildArchivePath(jobID string) string {
	day := w.clock.Now().UTC().Format("2006/01/02")
	prefix := strings.Trim(w.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.json", day, jobID)
	}
	return fmt.Sprintf("%s/%s/%s.json", prefix, day, jobID)
}

// heartbeat extends the job lease until the returned stop func is called.
func (w *Worker) heartbeat(ctx context.Context, job ingest.Job, logger *zap.Logger) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := w.queue.Heartbeat(hbCtx, job); err != nil && hbCtx.Err() == nil {
					logger.Warn("heartbeat failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

type jobRun struct {
	job  ingest.Job
	logs []string
}

func (r *jobRun) logf(format string, args ...any) {
	r.logs = append(r.logs, fmt.Sprintf(format, args...))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
