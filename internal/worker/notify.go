package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
)

type submissionInfo struct {
	UUID    string
	SiteURL string
}

// notifier publishes terminal job statuses. Publish failures never change
// the job outcome.
type notifier struct {
	publisher ingest.Publisher
	topic     string
	clock     ingest.Clock
	logger    *zap.Logger
}

func newNotifier(publisher ingest.Publisher, topic string, clock ingest.Clock, logger *zap.Logger) *notifier {
	return &notifier{publisher: publisher, topic: topic, clock: clock, logger: logger}
}

func (n *notifier) notify(ctx context.Context, jobID string, status ingest.JobStatus, info submissionInfo) {
	if n.publisher == nil {
		return
	}
	msg := ingest.Notification{
		JobID:     jobID,
		Status:    status,
		SiteURL:   info.SiteURL,
		UUID:      info.UUID,
		Timestamp: n.clock.Now().UTC(),
	}
	id, err := n.publisher.Publish(ctx, n.topic, msg)
	if err != nil {
		n.logger.Warn("publish notification failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	n.logger.Debug("notification published", zap.String("job_id", jobID), zap.String("message_id", id))
}
