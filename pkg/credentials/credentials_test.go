package credentials

import (
	"context"
	"testing"

	"github.com/avtoelon/dispatch-core/core"
)

const testSecret = "server-side-hmac-secret"

func seedCredential(t *testing.T, repo *MemoryRepository, serviceName, key string, perms ...Permission) {
	t.Helper()
	permSet := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		permSet[p] = struct{}{}
	}
	err := repo.Save(context.Background(), &ServiceCredential{
		ServiceName: serviceName,
		Kind:        KindService,
		KeyDigest:   Digest([]byte(testSecret), key),
		Permissions: permSet,
	})
	if err != nil {
		t.Fatalf("seed credential: %v", err)
	}
}

func TestValidateSucceedsWithCorrectKey(t *testing.T) {
	repo := NewMemoryRepository()
	seedCredential(t, repo, "notifications", "svc-key-1")
	store := New(repo, NewMemoryRevocationCache(), []byte(testSecret), Options{})

	cred, err := store.Validate(context.Background(), "notifications", "svc-key-1", RequestInfo{})
	if err != nil {
		t.Fatalf("expected validation to succeed, got %v", err)
	}
	if cred.ServiceName != "notifications" {
		t.Errorf("unexpected credential returned: %+v", cred)
	}
}

func TestValidateRejectsWrongKey(t *testing.T) {
	repo := NewMemoryRepository()
	seedCredential(t, repo, "notifications", "svc-key-1")
	store := New(repo, NewMemoryRevocationCache(), []byte(testSecret), Options{})

	_, err := store.Validate(context.Background(), "notifications", "wrong-key", RequestInfo{})
	if core.KindOf(err) != core.KindUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}

func TestValidateRejectsUnknownService(t *testing.T) {
	store := New(NewMemoryRepository(), NewMemoryRevocationCache(), []byte(testSecret), Options{})
	_, err := store.Validate(context.Background(), "ghost-service", "any-key", RequestInfo{})
	if core.KindOf(err) != core.KindUnauthenticated {
		t.Fatalf("expected unauthenticated for unknown service, got %v", err)
	}
}

func TestValidateRejectsEmptyServiceName(t *testing.T) {
	store := New(NewMemoryRepository(), NewMemoryRevocationCache(), []byte(testSecret), Options{})
	_, err := store.Validate(context.Background(), "", "any-key", RequestInfo{})
	if core.KindOf(err) != core.KindUnauthenticated {
		t.Fatalf("expected unauthenticated for empty service name, got %v", err)
	}
}

func TestRequirePermissionDeniesMissingPermission(t *testing.T) {
	repo := NewMemoryRepository()
	seedCredential(t, repo, "notifications", "svc-key-1", "notifications:send")
	store := New(repo, NewMemoryRevocationCache(), []byte(testSecret), Options{})

	_, err := store.RequirePermission(context.Background(), "notifications", "svc-key-1", "notifications:broadcast", RequestInfo{})
	if core.KindOf(err) != core.KindUnauthorized {
		t.Fatalf("expected unauthorized for missing permission, got %v", err)
	}

	_, err = store.RequirePermission(context.Background(), "notifications", "svc-key-1", "notifications:send", RequestInfo{})
	if err != nil {
		t.Fatalf("expected granted permission to pass, got %v", err)
	}
}

func TestRevocationVisibleAcrossInstancesWithinOneCacheTick(t *testing.T) {
	repo := NewMemoryRepository()
	seedCredential(t, repo, "svc1", "key-1")
	sharedCache := NewMemoryRevocationCache()

	instanceA := New(repo, sharedCache, []byte(testSecret), Options{})
	instanceB := New(repo, sharedCache, []byte(testSecret), Options{})

	if _, err := instanceB.Validate(context.Background(), "svc1", "key-1", RequestInfo{}); err != nil {
		t.Fatalf("expected instance B to validate before revocation, got %v", err)
	}

	if err := instanceA.Revoke(context.Background(), "svc1", "compromised", "admin-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	if _, err := instanceB.Validate(context.Background(), "svc1", "key-1", RequestInfo{}); core.KindOf(err) != core.KindUnauthenticated {
		t.Fatalf("expected instance B to see the revocation immediately, got %v", err)
	}
}

func TestRestoreReEnablesCredential(t *testing.T) {
	repo := NewMemoryRepository()
	seedCredential(t, repo, "svc1", "key-1")
	store := New(repo, NewMemoryRevocationCache(), []byte(testSecret), Options{})

	if err := store.Revoke(context.Background(), "svc1", "compromised", "admin-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := store.Restore(context.Background(), "svc1", "admin-1"); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, err := store.Validate(context.Background(), "svc1", "key-1", RequestInfo{}); err != nil {
		t.Fatalf("expected validation to succeed after restore, got %v", err)
	}
}

func TestAuditRecordsAttempts(t *testing.T) {
	repo := NewMemoryRepository()
	seedCredential(t, repo, "svc1", "key-1")
	store := New(repo, NewMemoryRevocationCache(), []byte(testSecret), Options{})

	store.Validate(context.Background(), "svc1", "key-1", RequestInfo{})
	store.Validate(context.Background(), "svc1", "wrong", RequestInfo{})

	events, err := store.Audit(context.Background(), 24)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 audit events, got %d", len(events))
	}
}

func TestVerifyWebhookSignature(t *testing.T) {
	secret := []byte("webhook-secret")
	body := []byte(`{"event":"test"}`)

	mac := Digest(secret, string(body))
	sigHex := hexEncode(mac)

	if !VerifyWebhookSignature(secret, body, sigHex) {
		t.Error("expected matching signature to verify")
	}
	if VerifyWebhookSignature(secret, body, "0000") {
		t.Error("expected mismatched signature to fail")
	}
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0xf]
	}
	return string(out)
}
