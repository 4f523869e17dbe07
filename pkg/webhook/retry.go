package webhook

import (
	"context"
	"time"

	"github.com/avtoelon/dispatch-core/core"
)

// RetryWorker periodically re-dispatches webhook events whose
// next_retry_at has elapsed: a single goroutine driven by Run(ctx),
// blocking until the context is cancelled.
type RetryWorker struct {
	ingestor *Ingestor
	interval time.Duration
	logger   core.Logger
}

// NewRetryWorker builds a RetryWorker polling every interval (default 30s).
func NewRetryWorker(ingestor *Ingestor, interval time.Duration, logger core.Logger) *RetryWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RetryWorker{ingestor: ingestor, interval: interval, logger: logger}
}

// Run blocks, polling for due retries until ctx is cancelled.
func (w *RetryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

// PollOnce runs a single retry pass; exported so callers/tests can drive it
// deterministically instead of waiting on the ticker.
func (w *RetryWorker) PollOnce(ctx context.Context) {
	w.pollOnce(ctx)
}

func (w *RetryWorker) pollOnce(ctx context.Context) {
	due, err := w.ingestor.repo.ListDueForRetry(ctx, w.ingestor.clock.Now())
	if err != nil {
		w.logger.Warn("retry worker: failed to list due events", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, event := range due {
		w.retryOne(ctx, event)
	}
}

func (w *RetryWorker) retryOne(ctx context.Context, event *Event) {
	cfg := w.ingestor.configs[event.Source]
	handler, ok := w.ingestor.resolveHandler(event.Source, event.EventType)
	if !ok {
		event.Status = StatusFailed
		event.FailureReason = "no_handler_registered"
		event.UpdatedAt = w.ingestor.clock.Now()
		_ = w.ingestor.repo.Save(ctx, event)
		return
	}

	event.Status = StatusProcessing
	event.UpdatedAt = w.ingestor.clock.Now()
	_ = w.ingestor.repo.Save(ctx, event)

	started := w.ingestor.clock.Now()
	response, err := handler(ctx, event)
	event.ProcessingDuration = w.ingestor.clock.Now().Sub(started)
	if err != nil {
		w.ingestor.scheduleRetry(ctx, event, cfg, err)
		return
	}

	event.Status = StatusDone
	event.ResponseBody = response
	event.UpdatedAt = w.ingestor.clock.Now()
	if err := w.ingestor.repo.Save(ctx, event); err != nil {
		w.logger.Warn("retry worker: failed to persist completed event", map[string]interface{}{
			"source": event.Source, "external_event_id": event.ExternalEventID, "error": err.Error(),
		})
	}
}
