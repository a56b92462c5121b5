// Package dispatcher manages worker fan-out over the submission queue and
// returns stalled jobs to it.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
	"github.com/rtCamp/amp-compatibility-sub001/internal/metrics"
	"github.com/rtCamp/amp-compatibility-sub001/internal/worker"
)

// Config controls the dispatcher.
type Config struct {
	Queue string
	// StallInterval is how often expired leases are reclaimed. Zero disables it.
	StallInterval time.Duration
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   ingest.Queue
	workers []*worker.Worker
	cfg     Config
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(queue ingest.Queue, workers []*worker.Worker, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run starts all workers and the reclaim loop and blocks until the context
// finishes and every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	if d.cfg.StallInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.reclaimLoop(ctx)
		}()
	}
	d.logger.Info("dispatcher started", zap.Int("workers", len(d.workers)), zap.String("queue", d.cfg.Queue))
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.StallInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Reclaim(ctx)
		}
	}
}

// Reclaim returns active jobs with expired leases to the waiting list.
func (d *Dispatcher) Reclaim(ctx context.Context) int {
	n, err := d.queue.ReclaimStalled(ctx, d.cfg.Queue)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("reclaim stalled jobs failed", zap.Error(err))
		}
		return 0
	}
	if n > 0 {
		metrics.ObserveReclaimed(n)
		d.logger.Info("reclaimed stalled jobs", zap.Int("count", n))
	}
	return n
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, payload []byte) (ingest.Job, error) {
	job, err := d.queue.Enqueue(ctx, d.cfg.Queue, payload)
	if err != nil {
		return ingest.Job{}, fmt.Errorf("queue enqueue: %w", err)
	}
	return job, nil
}
