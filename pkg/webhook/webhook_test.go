package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/avtoelon/dispatch-core/core"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestIngestor(clock core.Clock) (*Ingestor, *MemoryRepository) {
	secret := []byte("topsecret")
	repo := NewMemoryRepository()
	configs := map[string]SourceConfig{
		"billing": {Secret: secret, SignatureHeader: "X-Signature", ExternalIDField: "event_id", MaxRetries: 2},
	}
	ig := New(configs, repo, Options{Clock: clock})
	return ig, repo
}

func TestIngestAcceptsValidSignatureAndDispatches(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	ig, _ := newTestIngestor(clock)

	var seen *Event
	ig.RegisterHandler("billing", "", func(ctx context.Context, e *Event) ([]byte, error) {
		seen = e
		return []byte(`{"ok":true}`), nil
	})

	body := []byte(`{"event_id":"evt-1","amount":100}`)
	sig := sign([]byte("topsecret"), body)

	event, response, err := ig.Ingest(context.Background(), "billing", map[string]string{"X-Signature": sig}, body, "invoice.paid")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Status != StatusDone {
		t.Fatalf("expected event to complete, got status %s", event.Status)
	}
	if string(response) != `{"ok":true}` {
		t.Errorf("unexpected response body: %s", response)
	}
	if seen == nil || seen.ExternalEventID != "evt-1" {
		t.Errorf("expected handler to receive the persisted event, got %+v", seen)
	}
}

func TestIngestRejectsInvalidSignature(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	ig, _ := newTestIngestor(clock)
	ig.RegisterHandler("billing", "", func(ctx context.Context, e *Event) ([]byte, error) {
		t.Fatal("handler must not run on an invalid signature")
		return nil, nil
	})

	body := []byte(`{"event_id":"evt-2"}`)
	event, _, err := ig.Ingest(context.Background(), "billing", map[string]string{"X-Signature": "deadbeef"}, body, "invoice.paid")
	if err == nil {
		t.Fatal("expected an error for an invalid signature")
	}
	if core.KindOf(err) != core.KindUnauthenticated {
		t.Errorf("expected KindUnauthenticated, got %v", core.KindOf(err))
	}
	if event.Status != StatusFailed || event.FailureReason != "invalid_signature" {
		t.Errorf("expected event persisted as failed with invalid_signature reason, got %+v", event)
	}
}

func TestIngestIsIdempotentOnReplay(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	ig, _ := newTestIngestor(clock)

	calls := 0
	ig.RegisterHandler("billing", "", func(ctx context.Context, e *Event) ([]byte, error) {
		calls++
		return []byte("first"), nil
	})

	body := []byte(`{"event_id":"evt-3"}`)
	sig := sign([]byte("topsecret"), body)
	headers := map[string]string{"X-Signature": sig}

	_, first, err := ig.Ingest(context.Background(), "billing", headers, body, "invoice.paid")
	if err != nil {
		t.Fatalf("unexpected error on first delivery: %v", err)
	}
	_, second, err := ig.Ingest(context.Background(), "billing", headers, body, "invoice.paid")
	if err != nil {
		t.Fatalf("unexpected error on replayed delivery: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected handler to run exactly once, ran %d times", calls)
	}
	if string(first) != string(second) {
		t.Errorf("expected replay to return the original response, got %s vs %s", first, second)
	}
}

func TestIngestRedactsSensitiveHeadersBeforePersistence(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	ig, repo := newTestIngestor(clock)
	ig.RegisterHandler("billing", "", func(ctx context.Context, e *Event) ([]byte, error) {
		return nil, nil
	})

	body := []byte(`{"event_id":"evt-4"}`)
	sig := sign([]byte("topsecret"), body)
	headers := map[string]string{
		"X-Signature":   sig,
		"Authorization": "Bearer shh",
		"X-Request-Id":  "abc123",
	}

	_, _, err := ig.Ingest(context.Background(), "billing", headers, body, "invoice.paid")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, found, err := repo.Get(context.Background(), "billing", "evt-4")
	if err != nil || !found {
		t.Fatalf("expected stored event, err=%v found=%v", err, found)
	}
	if stored.Headers["Authorization"] != redactedValue {
		t.Errorf("expected Authorization to be redacted, got %q", stored.Headers["Authorization"])
	}
	if stored.Headers["X-Signature"] != redactedValue {
		t.Errorf("expected the signature header to be redacted, got %q", stored.Headers["X-Signature"])
	}
	if stored.Headers["X-Request-Id"] != "abc123" {
		t.Errorf("expected non-sensitive headers to pass through, got %q", stored.Headers["X-Request-Id"])
	}
}

func TestIngestSchedulesRetryWithExponentialBackoffThenFails(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	ig, repo := newTestIngestor(clock)

	failing := errors.New("downstream unavailable")
	ig.RegisterHandler("billing", "", func(ctx context.Context, e *Event) ([]byte, error) {
		return nil, failing
	})

	body := []byte(`{"event_id":"evt-5"}`)
	sig := sign([]byte("topsecret"), body)
	headers := map[string]string{"X-Signature": sig}

	event, _, err := ig.Ingest(context.Background(), "billing", headers, body, "invoice.paid")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Status != StatusRetrying || event.RetryCount != 1 {
		t.Fatalf("expected first failure to schedule a retry, got %+v", event)
	}
	wantFirst := clock.now.Add(2 * time.Minute)
	if !event.NextRetryAt.Equal(wantFirst) {
		t.Errorf("expected first retry at %v, got %v", wantFirst, event.NextRetryAt)
	}

	worker := NewRetryWorker(ig, time.Minute, nil)

	clock.advance(3 * time.Minute)
	worker.PollOnce(context.Background())

	second, _, err := repo.Get(context.Background(), "billing", "evt-5")
	if err != nil {
		t.Fatalf("unexpected error reading back event: %v", err)
	}
	if second.RetryCount != 2 || second.Status != StatusRetrying {
		t.Fatalf("expected second retry to be scheduled, got %+v", second)
	}
	wantSecond := clock.now.Add(4 * time.Minute)
	if !second.NextRetryAt.Equal(wantSecond) {
		t.Errorf("expected second retry at %v, got %v", wantSecond, second.NextRetryAt)
	}

	clock.advance(5 * time.Minute)
	worker.PollOnce(context.Background())

	final, _, err := repo.Get(context.Background(), "billing", "evt-5")
	if err != nil {
		t.Fatalf("unexpected error reading back event: %v", err)
	}
	if final.Status != StatusFailed {
		t.Fatalf("expected terminal failure once MaxRetries is exhausted, got %+v", final)
	}
}

func TestIngestDoesNotRedispatchAnInFlightEvent(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	ig, _ := newTestIngestor(clock)

	calls := 0
	ig.RegisterHandler("billing", "", func(ctx context.Context, e *Event) ([]byte, error) {
		calls++
		return nil, errors.New("still down")
	})

	body := []byte(`{"event_id":"evt-7"}`)
	sig := sign([]byte("topsecret"), body)
	headers := map[string]string{"X-Signature": sig}

	first, _, err := ig.Ingest(context.Background(), "billing", headers, body, "invoice.paid")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Status != StatusRetrying {
		t.Fatalf("expected event awaiting retry, got %+v", first)
	}

	// The source resends because it never saw a success. The event belongs
	// to the retry worker now; the handler must not run again here.
	second, _, err := ig.Ingest(context.Background(), "billing", headers, body, "invoice.paid")
	if err != nil {
		t.Fatalf("unexpected error on re-delivery: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected handler to run once, ran %d times", calls)
	}
	if second.Status != StatusRetrying || second.RetryCount != 1 {
		t.Errorf("expected retry state preserved across re-delivery, got %+v", second)
	}
}

func TestIngestUnknownSourceIsNotFound(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	ig, _ := newTestIngestor(clock)

	_, _, err := ig.Ingest(context.Background(), "unknown-source", nil, []byte(`{}`), "x")
	if err == nil || core.KindOf(err) != core.KindNotFound {
		t.Fatalf("expected KindNotFound for an unconfigured source, got %v", err)
	}
}

func TestIngestMissingHandlerPersistsAsFailed(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	ig, repo := newTestIngestor(clock)

	body := []byte(`{"event_id":"evt-6"}`)
	sig := sign([]byte("topsecret"), body)

	event, _, err := ig.Ingest(context.Background(), "billing", map[string]string{"X-Signature": sig}, body, "unhandled.type")
	if err == nil || core.KindOf(err) != core.KindNotFound {
		t.Fatalf("expected KindNotFound when no handler is registered, got %v", err)
	}
	if event.Status != StatusFailed || event.FailureReason != "no_handler_registered" {
		t.Errorf("expected event persisted as failed, got %+v", event)
	}

	stored, found, err := repo.Get(context.Background(), "billing", "evt-6")
	if err != nil || !found || stored.Status != StatusFailed {
		t.Errorf("expected the failed event to be durably stored, found=%v stored=%+v", found, stored)
	}
}
