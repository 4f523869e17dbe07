package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/avtoelon/dispatch-core/core"
	"github.com/avtoelon/dispatch-core/pkg/breaker"
	"github.com/avtoelon/dispatch-core/pkg/config"
	"github.com/avtoelon/dispatch-core/pkg/credentials"
	"github.com/avtoelon/dispatch-core/pkg/dispatcher"
	"github.com/avtoelon/dispatch-core/pkg/ratelimit"
	"github.com/avtoelon/dispatch-core/pkg/reqnum"
	"github.com/avtoelon/dispatch-core/pkg/reqstate"
	"github.com/avtoelon/dispatch-core/pkg/servicemode"
	"github.com/avtoelon/dispatch-core/pkg/webhook"
)

// deps bundles everything an HTTP handler needs, assembled once at startup
// by run() - there is no global state outside the breaker registry and service-mode
// controller.
type deps struct {
	logger       core.Logger
	telemetry    core.Telemetry
	credStore    *credentials.Store
	breakers     *breaker.Registry
	serviceMode  *servicemode.Controller
	allocator    *reqnum.Allocator
	stateMachine *reqstate.Machine
	stateRepo    *reqstate.MemoryRepository
	dispatcher   *dispatcher.Dispatcher
	ingestor     *webhook.Ingestor
	limiter      ratelimit.Limiter
	rateLimit    config.RateLimitConfig
	redis        *goredis.Client
}

func (d *deps) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", d.handleHealthz)
	mux.HandleFunc("/readyz", d.handleReadyz)
	mux.HandleFunc("/metrics", d.handleMetrics)

	mux.HandleFunc("/admin/credentials/revoke", d.withPermission("credentials:admin", d.handleRevoke))
	mux.HandleFunc("/admin/credentials/restore", d.withPermission("credentials:admin", d.handleRestore))
	mux.HandleFunc("/admin/credentials/status", d.withPermission("credentials:admin", d.handleCredentialStatus))
	mux.HandleFunc("/admin/credentials/audit", d.withPermission("credentials:admin", d.handleAudit))
	mux.HandleFunc("/admin/service-mode", d.withPermission("service_mode:admin", d.handleServiceMode))

	mux.HandleFunc("/requests/number", d.withPermission("requests:create", d.handleAllocateNumber))
	mux.HandleFunc("/requests/transition", d.withPermission("requests:write", d.handleRequestTransition))
	mux.HandleFunc("/dispatch", d.withPermission("dispatch:write", d.handleDispatch))
	mux.HandleFunc("/webhooks/", d.handleWebhook)
}

// withPermission enforces the service-to-service auth convention:
// an X-Service-Name/X-Service-API-Key header pair validated against the
// credential store before the wrapped handler runs.
func (d *deps) withPermission(perm credentials.Permission, next func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serviceName := r.Header.Get("X-Service-Name")
		apiKey := r.Header.Get("X-Service-API-Key")
		if serviceName == "" || apiKey == "" {
			writeError(w, http.StatusForbidden, "service_authentication_required", "missing service credentials")
			return
		}
		info := credentials.RequestInfo{RemoteAddr: r.RemoteAddr, UserAgent: r.UserAgent()}
		if _, err := d.credStore.RequirePermission(r.Context(), serviceName, apiKey, perm, info); err != nil {
			writeCredentialError(w, err)
			return
		}
		// Per-service admission against the shared quota. A store outage
		// already failed open inside the limiter; only a real deny stops
		// the request here.
		if d.limiter != nil {
			res, err := d.limiter.Allow(r.Context(), "svc:"+serviceName, d.rateLimit.DefaultLimit, d.rateLimit.DefaultWindow)
			if err == nil && !res.Allowed {
				writeRateLimited(w, res, d.rateLimit.DefaultWindow)
				return
			}
		}
		next(w, r)
	}
}

func writeRateLimited(w http.ResponseWriter, res ratelimit.Result, window time.Duration) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", int(res.RetryAfter.Seconds())+1))
	writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
		"error":       "rate_limited",
		"retry_after": res.RetryAfter.Seconds(),
		"limit":       res.Limit,
		"window":      window.Seconds(),
		"reset_at":    res.ResetAt.UTC().Format(time.RFC3339),
	})
}

func writeCredentialError(w http.ResponseWriter, err error) {
	switch core.KindOf(err) {
	case core.KindUnauthenticated:
		writeError(w, http.StatusUnauthorized, "invalid_token", err.Error())
	case core.KindUnauthorized:
		writeError(w, http.StatusForbidden, "insufficient_permissions", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "authentication_service_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (d *deps) handleHealthz(w http.ResponseWriter, r *http.Request) {
	unhealthy := d.breakers.Unhealthy()
	names := make([]string, 0, len(unhealthy))
	for _, s := range unhealthy {
		names = append(names, s.Name)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "ok",
		"mode":               d.serviceMode.Current().String(),
		"unhealthy_breakers": names,
	})
}

func (d *deps) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if d.redis == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "redis": "not_configured"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := d.redis.Ping(ctx).Err(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "redis": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "redis": "ok"})
}

// handleMetrics hand-renders a Prometheus text-exposition-format body.
// The surface is small enough that the OpenTelemetry Prometheus exporter
// would be more machinery than the four metrics below warrant.
func (d *deps) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var sb strings.Builder
	sb.WriteString("# HELP dispatch_breaker_state Circuit breaker state (0=closed,1=open,2=half_open)\n")
	sb.WriteString("# TYPE dispatch_breaker_state gauge\n")
	for _, snap := range d.breakers.Snapshots() {
		stateValue := 0
		switch snap.State {
		case "open":
			stateValue = 1
		case "half-open":
			stateValue = 2
		}
		fmt.Fprintf(&sb, "dispatch_breaker_state{name=%q} %d\n", snap.Name, stateValue)
		fmt.Fprintf(&sb, "dispatch_breaker_total_calls{name=%q} %d\n", snap.Name, snap.TotalCalls)
		fmt.Fprintf(&sb, "dispatch_breaker_rejected_calls{name=%q} %d\n", snap.Name, snap.RejectedCalls)
	}
	sb.WriteString("# HELP dispatch_service_mode Current global service mode (0=full,1=degraded,2=minimal,3=emergency)\n")
	sb.WriteString("# TYPE dispatch_service_mode gauge\n")
	fmt.Fprintf(&sb, "dispatch_service_mode %d\n", d.serviceMode.Current())

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, sb.String())
}

type revokeRequest struct {
	ServiceName string `json:"service_name"`
	Reason      string `json:"reason"`
	AdminID     string `json:"admin_id"`
}

func (d *deps) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if err := d.credStore.Revoke(r.Context(), req.ServiceName, req.Reason, req.AdminID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (d *deps) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if err := d.credStore.Restore(r.Context(), req.ServiceName, req.AdminID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
}

func (d *deps) handleCredentialStatus(w http.ResponseWriter, r *http.Request) {
	entries, err := d.credStore.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (d *deps) handleAudit(w http.ResponseWriter, r *http.Request) {
	events, err := d.credStore.Audit(r.Context(), 24)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type serviceModeRequest struct {
	Mode   string `json:"mode"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (d *deps) handleServiceMode(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"mode":    d.serviceMode.Current().String(),
			"history": d.serviceMode.RecentHistory(),
		})
		return
	}
	var req serviceModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	mode, ok := servicemode.ParseMode(req.Mode)
	if !ok {
		writeError(w, http.StatusBadRequest, "validation_error", "unknown mode: "+req.Mode)
		return
	}
	d.serviceMode.Transition(mode, req.Reason, req.Actor)
	writeJSON(w, http.StatusOK, map[string]string{"mode": mode.String()})
}

// handleAllocateNumber issues a new request number. The allocator must
// refuse rather than silently fail open when no durable
// counter is configured.
func (d *deps) handleAllocateNumber(w http.ResponseWriter, r *http.Request) {
	if d.allocator == nil {
		writeError(w, http.StatusServiceUnavailable, "dependency_unavailable", "request number allocator requires a configured store")
		return
	}
	number, err := d.allocator.Allocate(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"request_number": number})
}

type requestTransitionRequest struct {
	RequestNumber string `json:"request_number"`
	NewStatus     string `json:"new_status"`
	ActorID       string `json:"actor_id"`
}

// handleRequestTransition drives the request state machine: it looks
// up the request's current status in stateRepo, then asks stateMachine to
// apply the requested move. A request unseen by stateRepo is treated as
// freshly created in status "new", so this single endpoint also serves as
// the first transition for a number just issued by handleAllocateNumber.
func (d *deps) handleRequestTransition(w http.ResponseWriter, r *http.Request) {
	var req requestTransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	if req.RequestNumber == "" || req.NewStatus == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "request_number and new_status are required")
		return
	}

	current, ok := d.stateRepo.CurrentStatus(req.RequestNumber)
	if !ok {
		current = reqstate.StatusNew
		d.stateRepo.Seed(req.RequestNumber, current)
	}

	err := d.stateMachine.Apply(r.Context(), reqstate.Request{RequestNumber: req.RequestNumber, Status: current}, reqstate.Status(req.NewStatus), req.ActorID)
	if err != nil {
		switch core.KindOf(err) {
		case core.KindIllegalTransition:
			writeError(w, http.StatusConflict, "illegal_transition", err.Error())
		case core.KindStaleState:
			writeError(w, http.StatusConflict, "stale_state", err.Error())
		case core.KindUnauthorized:
			writeError(w, http.StatusForbidden, "insufficient_permissions", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}

	newStatus, _ := d.stateRepo.CurrentStatus(req.RequestNumber)
	writeJSON(w, http.StatusOK, map[string]string{"request_number": req.RequestNumber, "status": string(newStatus)})
}

func (d *deps) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatcher.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	result, err := d.dispatcher.DispatchOne(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleWebhook ingests an inbound event under /webhooks/{source}:
// signature verification, idempotent replay, and
// retry scheduling all happen inside Ingestor.Ingest.
func (d *deps) handleWebhook(w http.ResponseWriter, r *http.Request) {
	source := strings.TrimPrefix(r.URL.Path, "/webhooks/")
	source = strings.Trim(source, "/")
	if source == "" {
		writeError(w, http.StatusNotFound, "not_found", "missing webhook source")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	event, resp, err := d.ingestor.Ingest(r.Context(), source, headers, body, r.Header.Get("X-Event-Type"))
	if err != nil {
		switch core.KindOf(err) {
		case core.KindNotFound:
			writeError(w, http.StatusNotFound, "not_found", err.Error())
		case core.KindUnauthenticated:
			writeError(w, http.StatusUnauthorized, "invalid_signature", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	d.logger.InfoWithContext(r.Context(), "webhook ingested", map[string]interface{}{"source": source, "event_id": event.ExternalEventID, "status": string(event.Status)})
	if event.Status != webhook.StatusDone {
		// Handler failed (retry scheduled) or the event is already in
		// flight. Acknowledge receipt so the source stops resending; the
		// retry worker owns completion from here.
		writeJSON(w, http.StatusAccepted, map[string]string{"status": string(event.Status)})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}
