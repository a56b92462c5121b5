package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rtCamp/amp-compatibility-sub001/internal/analytics"
	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
	"github.com/rtCamp/amp-compatibility-sub001/internal/metrics"
	"github.com/rtCamp/amp-compatibility-sub001/internal/retry"
)

// ErrNothingToReplay is returned when a failed job carries no analytics rows.
var ErrNothingToReplay = errors.New("job has no analytics rows to replay")

// Replay is stored as the Result of a job whose analytics flush failed after
// its relational writes committed.
type Replay struct {
	UUID    string                           `json:"uuid"`
	SiteURL string                           `json:"site_url"`
	Rows    map[string][]ingest.AnalyticsRow `json:"rows"`
}

// Replayer re-sends the analytics rows of failed jobs.
type Replayer struct {
	queue     ingest.Queue
	store     ingest.RelationalStore
	warehouse ingest.Warehouse
	notifier  *notifier
	retry     *retry.Policy
	cfg       Config
	logger    *zap.Logger
}

// NewReplayer constructs a Replayer sharing the worker configuration.
func NewReplayer(
	queue ingest.Queue,
	store ingest.RelationalStore,
	warehouse ingest.Warehouse,
	publisher ingest.Publisher,
	clock ingest.Clock,
	policy *retry.Policy,
	cfg Config,
	logger *zap.Logger,
) *Replayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = retry.New(retry.Config{})
	}
	return &Replayer{
		queue:     queue,
		store:     store,
		warehouse: warehouse,
		notifier:  newNotifier(publisher, cfg.Topic, clock, logger),
		retry:     policy,
		cfg:       cfg,
		logger:    logger,
	}
}

// ReplayAnalytics flushes the rows kept in a failed job's result, then marks
// the site request and the job succeeded. The warehouse upserts by insert ID,
// so rows that already reached it are replaced rather than duplicated.
func (r *Replayer) ReplayAnalytics(ctx context.Context, jobID string) (ingest.Job, error) {
	job, err := r.queue.Get(ctx, r.cfg.Queue, jobID)
	if err != nil {
		return ingest.Job{}, fmt.Errorf("get job: %w", err)
	}
	if job.Status != ingest.JobStatusFailed {
		return job, fmt.Errorf("replay job in status %s: %w", job.Status, ingest.ErrInvalidTransition)
	}
	if len(job.Result) == 0 {
		return job, ErrNothingToReplay
	}
	var doc Replay
	if err := json.Unmarshal(job.Result, &doc); err != nil {
		return job, fmt.Errorf("decode replay document: %w", err)
	}
	if doc.UUID == "" || len(doc.Rows) == 0 {
		return job, ErrNothingToReplay
	}

	cfg := r.cfg.Analytics
	cfg.Logger = r.logger
	batcher := analytics.NewBatcher(r.warehouse, cfg)
	rows := 0
	for table, tableRows := range doc.Rows {
		for _, row := range tableRows {
			if err := batcher.Add(ctx, table, row); err != nil {
				r.logger.Warn("replay batch flush failed; rows kept", zap.String("job_id", jobID), zap.Error(err))
			}
			rows++
		}
	}
	if err := r.retry.Do(ctx, batcher.Flush); err != nil {
		return job, fmt.Errorf("replay analytics: %w", err)
	}

	err = r.retry.Do(ctx, func(ctx context.Context) error {
		_, err := r.store.AdvanceSiteRequest(ctx, doc.UUID, ingest.RequestSucceeded)
		return err
	})
	if err != nil {
		return job, fmt.Errorf("complete site request: %w", err)
	}

	logs := append(append([]string(nil), job.Logs...), fmt.Sprintf("%s: replayed %d row(s)", StagePersistingAnalytics, rows))
	if err := r.queue.Complete(ctx, job, logs, nil); err != nil {
		return job, fmt.Errorf("complete job: %w", err)
	}
	metrics.ObserveJob(string(ingest.JobStatusSucceeded))
	r.notifier.notify(ctx, job.ID, ingest.JobStatusSucceeded, submissionInfo{UUID: doc.UUID, SiteURL: doc.SiteURL})
	r.logger.Info("analytics replayed", zap.String("job_id", jobID), zap.Int("rows", rows))

	job.Status = ingest.JobStatusSucceeded
	job.Logs = logs
	job.Result = nil
	return job, nil
}
