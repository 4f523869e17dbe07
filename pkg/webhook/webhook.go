// Package webhook implements the inbound webhook ingestor: signature
// verification, idempotent replay, sanitized persistence, and retry
// scheduling for a handler that may fail.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avtoelon/dispatch-core/core"
	"github.com/avtoelon/dispatch-core/pkg/credentials"
)

// Status is one of the lifecycle states an Event moves through.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusFailed     Status = "failed"
	StatusDone       Status = "completed"
)

// SourceConfig is the per-source webhook configuration resolved at the
// start of the pipeline.
type SourceConfig struct {
	Secret          []byte
	SignatureHeader string // default X-Signature
	ExternalIDField string // top-level JSON field carrying the source's event id
	MaxRetries      int
}

// Event is the persisted record of one inbound webhook delivery. The body
// is stored verbatim; Headers has already had sensitive entries redacted
// before this struct is ever built.
type Event struct {
	Source             string
	ExternalEventID    string
	EventType          string
	Headers            map[string]string
	Body               []byte
	SignatureValid     bool
	Status             Status
	RetryCount         int
	NextRetryAt        time.Time
	ResponseBody       []byte
	FailureReason      string
	ProcessingDuration time.Duration
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Repository persists webhook events and resolves idempotency lookups.
type Repository interface {
	Get(ctx context.Context, source, externalEventID string) (*Event, bool, error)
	Save(ctx context.Context, e *Event) error
	ListDueForRetry(ctx context.Context, now time.Time) ([]*Event, error)
}

// Handler processes one verified, persisted event and returns the response
// body to store and replay on idempotent re-delivery.
type Handler func(ctx context.Context, e *Event) ([]byte, error)

// Ingestor is the package entry point.
type Ingestor struct {
	configs  map[string]SourceConfig
	repo     Repository
	handlers map[string]Handler

	clock     core.Clock
	logger    core.Logger
	telemetry core.Telemetry
}

// Options configures New.
type Options struct {
	Clock     core.Clock
	Logger    core.Logger
	Telemetry core.Telemetry
}

// New builds an Ingestor over the given per-source configuration and
// repository.
func New(configs map[string]SourceConfig, repo Repository, opts Options) *Ingestor {
	clock := opts.Clock
	if clock == nil {
		clock = core.RealClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	telemetry := opts.Telemetry
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	for source, cfg := range configs {
		if cfg.SignatureHeader == "" {
			cfg.SignatureHeader = "X-Signature"
		}
		if cfg.MaxRetries <= 0 {
			cfg.MaxRetries = 5
		}
		configs[source] = cfg
	}
	return &Ingestor{
		configs:   configs,
		repo:      repo,
		handlers:  make(map[string]Handler),
		clock:     clock,
		logger:    logger,
		telemetry: telemetry,
	}
}

// RegisterHandler wires the handler invoked for (source, eventType). An
// empty eventType registers the source's catch-all handler.
func (ig *Ingestor) RegisterHandler(source, eventType string, h Handler) {
	ig.handlers[handlerKey(source, eventType)] = h
}

func handlerKey(source, eventType string) string {
	return source + ":" + eventType
}

// Ingest runs the full pipeline: resolve config, check
// idempotency, verify signature, persist, dispatch, schedule retry on
// failure.
func (ig *Ingestor) Ingest(ctx context.Context, source string, headers map[string]string, body []byte, eventType string) (*Event, []byte, error) {
	cfg, ok := ig.configs[source]
	if !ok {
		return nil, nil, core.NewFrameworkError("webhook.Ingest", core.KindNotFound, core.ErrNotFound).WithID(source)
	}

	externalID, err := extractExternalID(body, cfg.ExternalIDField)
	if err != nil {
		return nil, nil, core.NewFrameworkError("webhook.Ingest", core.KindValidation, err).WithID(source)
	}

	if existing, found, err := ig.repo.Get(ctx, source, externalID); err != nil {
		return nil, nil, core.NewFrameworkError("webhook.Ingest", core.KindDependencyUnavailable, err).WithID(externalID)
	} else if found {
		switch existing.Status {
		case StatusDone:
			ig.telemetry.RecordMetric("webhook.idempotent_replay", 1, map[string]string{"source": source})
			return existing, existing.ResponseBody, nil
		case StatusProcessing, StatusRetrying, StatusPending:
			// Already in flight; the retry worker owns it. Acknowledge
			// without re-dispatching so the handler runs at most once.
			return existing, nil, nil
		}
		// StatusFailed is terminal: a re-delivery restarts the pipeline
		// from scratch below.
	}

	sigValue := headers[cfg.SignatureHeader]
	signatureValid := sigValue != "" && credentials.VerifyWebhookSignature(cfg.Secret, body, sigValue)

	event := &Event{
		Source:          source,
		ExternalEventID: externalID,
		EventType:       eventType,
		Headers:         RedactHeaders(headers, cfg.SignatureHeader),
		Body:            body,
		SignatureValid:  signatureValid,
		Status:          StatusPending,
		CreatedAt:       ig.clock.Now(),
		UpdatedAt:       ig.clock.Now(),
	}
	if err := ig.repo.Save(ctx, event); err != nil {
		return nil, nil, core.NewFrameworkError("webhook.Ingest", core.KindDependencyUnavailable, err).WithID(externalID)
	}

	if !signatureValid {
		event.Status = StatusFailed
		event.FailureReason = "invalid_signature"
		event.UpdatedAt = ig.clock.Now()
		_ = ig.repo.Save(ctx, event)
		return event, nil, core.NewFrameworkError("webhook.Ingest", core.KindUnauthenticated, core.ErrUnauthenticated).WithID(externalID)
	}

	handler, ok := ig.resolveHandler(source, eventType)
	if !ok {
		event.Status = StatusFailed
		event.FailureReason = "no_handler_registered"
		event.UpdatedAt = ig.clock.Now()
		_ = ig.repo.Save(ctx, event)
		return event, nil, core.NewFrameworkError("webhook.Ingest", core.KindNotFound, core.ErrNotFound).WithID(source)
	}

	event.Status = StatusProcessing
	event.UpdatedAt = ig.clock.Now()
	_ = ig.repo.Save(ctx, event)

	started := ig.clock.Now()
	response, err := handler(ctx, event)
	event.ProcessingDuration = ig.clock.Now().Sub(started)
	if err != nil {
		ig.scheduleRetry(ctx, event, cfg, err)
		return event, nil, nil
	}

	event.Status = StatusDone
	event.ResponseBody = response
	event.UpdatedAt = ig.clock.Now()
	if err := ig.repo.Save(ctx, event); err != nil {
		ig.logger.Warn("failed to persist completed webhook event", map[string]interface{}{
			"source": source, "external_event_id": externalID, "error": err.Error(),
		})
	}
	return event, response, nil
}

func (ig *Ingestor) resolveHandler(source, eventType string) (Handler, bool) {
	if h, ok := ig.handlers[handlerKey(source, eventType)]; ok {
		return h, true
	}
	if h, ok := ig.handlers[handlerKey(source, "")]; ok {
		return h, true
	}
	return nil, false
}

// scheduleRetry applies the 2^retry_count minute exponential backoff,
// failing the event terminally once MaxRetries is exhausted.
func (ig *Ingestor) scheduleRetry(ctx context.Context, event *Event, cfg SourceConfig, handlerErr error) {
	event.RetryCount++
	event.FailureReason = handlerErr.Error()
	event.UpdatedAt = ig.clock.Now()

	if event.RetryCount > cfg.MaxRetries {
		event.Status = StatusFailed
		event.NextRetryAt = time.Time{}
	} else {
		event.Status = StatusRetrying
		backoff := time.Duration(1<<uint(event.RetryCount)) * time.Minute
		event.NextRetryAt = ig.clock.Now().Add(backoff)
	}

	if err := ig.repo.Save(ctx, event); err != nil {
		ig.logger.Warn("failed to persist webhook retry schedule", map[string]interface{}{
			"source": event.Source, "external_event_id": event.ExternalEventID, "error": err.Error(),
		})
	}
	ig.telemetry.RecordMetric("webhook.handler_failed", 1, map[string]string{"source": event.Source})
}

func extractExternalID(body []byte, field string) (string, error) {
	if field == "" {
		field = "id"
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("webhook body is not a JSON object: %w", err)
	}
	value, ok := decoded[field]
	if !ok {
		return "", fmt.Errorf("webhook body missing external id field %q", field)
	}
	return fmt.Sprintf("%v", value), nil
}
