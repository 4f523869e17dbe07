// Package credentials implements the service-to-service trust plane:
// HMAC-verified static service credentials, revocation with cross-instance
// propagation, permission checks, and an authentication audit log.
//
// Self-issued bearer tokens (JWT minting) are deliberately not implemented
// here - the source's prior endpoint for that is retired behind 410 Gone at
// the HTTP layer.
package credentials

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/avtoelon/dispatch-core/core"
)

// Kind distinguishes the two validation paths the original dual-write
// authentication service exposed (auth_service/api/v1/internal.py): a
// first-class service credential, and a legacy per-service API key kept
// for backward compatibility. Both terminate in the same HMAC compare.
type Kind string

const (
	KindService Kind = "service"
	KindLegacy  Kind = "legacy-key"
)

// Permission is a dotted capability token, e.g. "notifications:send".
type Permission string

// ServiceCredential is one service's stored credential row.
type ServiceCredential struct {
	ServiceName      string
	Kind             Kind
	KeyDigest        []byte // HMAC-SHA256(serverSecret, presentedKey), stored, never the raw key
	Permissions      map[Permission]struct{}
	Revoked          bool
	RevocationReason string
	LastUsedAt       time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasPermission reports case-sensitive membership of p in the permission set.
func (c *ServiceCredential) HasPermission(p Permission) bool {
	_, ok := c.Permissions[p]
	return ok
}

// RequestInfo carries caller context for the audit log; fields are
// best-effort and never block validation if empty.
type RequestInfo struct {
	RemoteAddr string
	UserAgent  string
}

// AuthEvent is one row of the append-only authentication-event log read by
// Audit(hours).
type AuthEvent struct {
	ServiceName string
	Kind        Kind
	Outcome     string // "ok", "unauthenticated", "unauthorized", "unknown_service"
	At          time.Time
	RemoteAddr  string
}

// Repository is the persistence port over the relational store: credential
// rows and the authentication-event log.
type Repository interface {
	Get(ctx context.Context, serviceName string) (*ServiceCredential, error)
	Save(ctx context.Context, c *ServiceCredential) error
	AppendAuthEvent(ctx context.Context, e AuthEvent) error
	ListAuthEventsSince(ctx context.Context, since time.Time) ([]AuthEvent, error)
}

// RevocationCache mirrors the revoked flag into the shared keyed store so a
// Revoke on one instance is visible to Validate on every other instance
// within one cache tick.
type RevocationCache interface {
	IsRevoked(ctx context.Context, serviceName string) (known bool, revoked bool, err error)
	SetRevoked(ctx context.Context, serviceName string, revoked bool, ttl time.Duration) error
}

// Store is the package entry point.
type Store struct {
	repo      Repository
	cache     RevocationCache
	secret    []byte
	cacheTTL  time.Duration
	clock     core.Clock
	logger    core.Logger
	telemetry core.Telemetry
}

// Options configures New.
type Options struct {
	// CacheTTL bounds how long a revocation can take to propagate across
	// instances sharing RevocationCache. Defaults to 5s.
	CacheTTL  time.Duration
	Clock     core.Clock
	Logger    core.Logger
	Telemetry core.Telemetry
}

// New builds a Store. secret is the server-side HMAC key used to verify
// presented keys against stored digests; it is never itself persisted
// alongside a credential.
func New(repo Repository, cache RevocationCache, secret []byte, opts Options) *Store {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
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
	return &Store{repo: repo, cache: cache, secret: secret, cacheTTL: ttl, clock: clock, logger: logger, telemetry: telemetry}
}

// Digest computes HMAC-SHA256(secret, presentedKey) for storage or
// comparison. Exposed so issuance tooling and tests can compute the digest
// a caller's presented key must match.
func Digest(secret []byte, presentedKey string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(presentedKey))
	return mac.Sum(nil)
}

// Validate authenticates a service by recomputing the HMAC digest of the
// presented key and comparing it, in constant time, against the stored
// digest. It also consults the revocation cache so a revocation on another
// instance is honored within one cache tick. Deny reasons are distinct
// FrameworkError kinds: empty service name and unknown
// service are both unauthenticated (the caller learns nothing about
// whether the service name exists); a valid but revoked credential is also
// unauthenticated.
func (s *Store) Validate(ctx context.Context, serviceName, presentedKey string, info RequestInfo) (*ServiceCredential, error) {
	if serviceName == "" || presentedKey == "" {
		return nil, core.NewFrameworkError("credentials.Validate", core.KindUnauthenticated, core.ErrUnauthenticated)
	}

	cred, err := s.repo.Get(ctx, serviceName)
	if err != nil {
		return nil, core.NewFrameworkError("credentials.Validate", core.KindDependencyUnavailable, err).WithID(serviceName)
	}
	if cred == nil {
		s.audit(ctx, serviceName, "", "unknown_service", info)
		return nil, core.NewFrameworkError("credentials.Validate", core.KindUnauthenticated, core.ErrUnauthenticated).WithID(serviceName)
	}

	if subtle.ConstantTimeCompare(Digest(s.secret, presentedKey), cred.KeyDigest) != 1 {
		s.audit(ctx, serviceName, cred.Kind, "unauthenticated", info)
		return nil, core.NewFrameworkError("credentials.Validate", core.KindUnauthenticated, core.ErrUnauthenticated).WithID(serviceName)
	}

	revoked, err := s.isRevoked(ctx, cred)
	if err != nil {
		s.logger.Warn("revocation cache unavailable, trusting repository flag", map[string]interface{}{
			"service": serviceName, "error": err.Error(),
		})
		revoked = cred.Revoked
	}
	if revoked {
		s.audit(ctx, serviceName, cred.Kind, "unauthenticated", info)
		return nil, core.NewFrameworkError("credentials.Validate", core.KindUnauthenticated, core.ErrUnauthenticated).WithID(serviceName)
	}

	cred.LastUsedAt = s.clock.Now()
	if err := s.repo.Save(ctx, cred); err != nil {
		s.logger.Warn("failed to persist last_used_at", map[string]interface{}{"service": serviceName, "error": err.Error()})
	}
	s.audit(ctx, serviceName, cred.Kind, "ok", info)
	return cred, nil
}

// RequirePermission validates serviceName/presentedKey and additionally
// requires the resulting credential to carry perm, denying with
// KindUnauthorized (distinct from an authentication failure) when it does
// not.
func (s *Store) RequirePermission(ctx context.Context, serviceName, presentedKey string, perm Permission, info RequestInfo) (*ServiceCredential, error) {
	cred, err := s.Validate(ctx, serviceName, presentedKey, info)
	if err != nil {
		return nil, err
	}
	if perm == "" {
		return cred, nil
	}
	if !cred.HasPermission(perm) {
		s.audit(ctx, serviceName, cred.Kind, "unauthorized", info)
		return nil, core.NewFrameworkError("credentials.RequirePermission", core.KindUnauthorized,
			core.ErrUnauthorized).WithID(serviceName)
	}
	return cred, nil
}

func (s *Store) isRevoked(ctx context.Context, cred *ServiceCredential) (bool, error) {
	if s.cache == nil {
		return cred.Revoked, nil
	}
	known, revoked, err := s.cache.IsRevoked(ctx, cred.ServiceName)
	if err != nil {
		return false, err
	}
	if !known {
		// Cache miss: trust the repository value and repopulate the cache
		// so the next call within the TTL window is served from cache.
		_ = s.cache.SetRevoked(ctx, cred.ServiceName, cred.Revoked, s.cacheTTL)
		return cred.Revoked, nil
	}
	return revoked, nil
}

// Revoke flips the revoked flag, writes an audit record, and invalidates
// the cache immediately (rather than waiting for TTL expiry) so this
// instance's own next Validate call already sees the revocation.
func (s *Store) Revoke(ctx context.Context, serviceName, reason, adminID string) error {
	return s.setRevoked(ctx, serviceName, true, reason, adminID)
}

// Restore clears a revocation.
func (s *Store) Restore(ctx context.Context, serviceName, adminID string) error {
	return s.setRevoked(ctx, serviceName, false, "", adminID)
}

func (s *Store) setRevoked(ctx context.Context, serviceName string, revoked bool, reason, adminID string) error {
	cred, err := s.repo.Get(ctx, serviceName)
	if err != nil {
		return core.NewFrameworkError("credentials.setRevoked", core.KindDependencyUnavailable, err).WithID(serviceName)
	}
	if cred == nil {
		return core.NewFrameworkError("credentials.setRevoked", core.KindNotFound, core.ErrNotFound).WithID(serviceName)
	}

	cred.Revoked = revoked
	cred.RevocationReason = reason
	cred.UpdatedAt = s.clock.Now()
	if err := s.repo.Save(ctx, cred); err != nil {
		return core.NewFrameworkError("credentials.setRevoked", core.KindInternal, err).WithID(serviceName)
	}

	if s.cache != nil {
		if err := s.cache.SetRevoked(ctx, serviceName, revoked, s.cacheTTL); err != nil {
			s.logger.Warn("failed to invalidate revocation cache", map[string]interface{}{
				"service": serviceName, "error": err.Error(),
			})
		}
	}

	outcome := "restored"
	if revoked {
		outcome = "revoked"
	}
	s.logger.Info("credential "+outcome, map[string]interface{}{
		"service": serviceName, "admin": adminID, "reason": reason,
	})
	s.telemetry.RecordMetric("credentials."+outcome, 1, map[string]string{"service": serviceName})
	return nil
}

// StatusEntry summarizes one service for the operator Status() endpoint.
type StatusEntry struct {
	ServiceName string
	Kind        Kind
	Revoked     bool
	LastUsedAt  time.Time
}

// ListAll is the repository extension Status() needs to enumerate every
// credential; kept as a narrow separate interface so simple Repository
// implementations (tests, a single-service deployment) need not support it.
type ListAll interface {
	ListAll(ctx context.Context) ([]*ServiceCredential, error)
}

// Status returns a per-service summary, when the wired repository supports
// enumeration.
func (s *Store) Status(ctx context.Context) ([]StatusEntry, error) {
	lister, ok := s.repo.(ListAll)
	if !ok {
		return nil, core.NewFrameworkError("credentials.Status", core.KindInternal,
			core.ErrInvalidConfiguration)
	}
	creds, err := lister.ListAll(ctx)
	if err != nil {
		return nil, core.NewFrameworkError("credentials.Status", core.KindDependencyUnavailable, err)
	}
	out := make([]StatusEntry, len(creds))
	for i, c := range creds {
		out[i] = StatusEntry{ServiceName: c.ServiceName, Kind: c.Kind, Revoked: c.Revoked, LastUsedAt: c.LastUsedAt}
	}
	return out, nil
}

// Audit returns authentication events from the last "hours" hours.
func (s *Store) Audit(ctx context.Context, hours int) ([]AuthEvent, error) {
	since := s.clock.Now().Add(-time.Duration(hours) * time.Hour)
	events, err := s.repo.ListAuthEventsSince(ctx, since)
	if err != nil {
		return nil, core.NewFrameworkError("credentials.Audit", core.KindDependencyUnavailable, err)
	}
	return events, nil
}

func (s *Store) audit(ctx context.Context, serviceName string, kind Kind, outcome string, info RequestInfo) {
	event := AuthEvent{ServiceName: serviceName, Kind: kind, Outcome: outcome, At: s.clock.Now(), RemoteAddr: info.RemoteAddr}
	if err := s.repo.AppendAuthEvent(ctx, event); err != nil {
		s.logger.Warn("failed to append auth audit event", map[string]interface{}{
			"service": serviceName, "outcome": outcome, "error": err.Error(),
		})
	}
	s.telemetry.RecordMetric("credentials.auth_attempt", 1, map[string]string{"service": serviceName, "outcome": outcome})
}

// VerifyWebhookSignature is the HMAC primitive the webhook ingestor
// shares: sigHex must equal hex(HMAC-SHA256(secret, body)), compared in
// constant time.
func VerifyWebhookSignature(secret, body []byte, sigHex string) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	decoded, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(decoded, expected) == 1
}
