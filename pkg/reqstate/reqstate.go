// Package reqstate implements the request state machine: the legal
// transition table for a request's status, optimistic-concurrency-safe
// application of a transition, and the append-only status-change journal.
package reqstate

import (
	"context"
	"time"

	"github.com/avtoelon/dispatch-core/core"
)

// Status is one of the request lifecycle states, stored verbatim as its
// string form for human-readable audit.
type Status string

const (
	StatusNew                 Status = "new"
	StatusAssigned            Status = "assigned"
	StatusInProgress          Status = "in_progress"
	StatusMaterialsRequested  Status = "materials_requested"
	StatusMaterialsDelivered  Status = "materials_delivered"
	StatusWaitingPayment      Status = "waiting_payment"
	StatusCompleted           Status = "completed"
	StatusCancelled           Status = "cancelled"
	StatusRejected            Status = "rejected"
)

// transitions is the legal-transition table.
// cancelled and rejected are terminal: they appear as destinations but
// never as sources.
var transitions = map[Status][]Status{
	StatusNew:                {StatusAssigned, StatusCancelled, StatusRejected},
	StatusAssigned:           {StatusInProgress, StatusCancelled},
	StatusInProgress:         {StatusMaterialsRequested, StatusWaitingPayment, StatusCompleted, StatusCancelled},
	StatusMaterialsRequested: {StatusMaterialsDelivered, StatusCancelled},
	StatusMaterialsDelivered: {StatusWaitingPayment, StatusCompleted, StatusCancelled},
	StatusWaitingPayment:     {StatusCompleted, StatusCancelled},
	StatusCompleted:          {},
	StatusCancelled:          {},
	StatusRejected:           {},
}

// IsLegal reports whether (from, to) is a declared transition.
func IsLegal(from, to Status) bool {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status has no outgoing transitions.
func IsTerminal(status Status) bool {
	return len(transitions[status]) == 0
}

// Request is the minimal view of a request row the state machine needs:
// its identity and current status for the optimistic compare-and-set.
type Request struct {
	RequestNumber string
	Status        Status
}

// Comment is the append-only journal entry a transition writes alongside
// the row update.
type Comment struct {
	RequestNumber string
	AuthorID      string
	IsStatusChange bool
	OldStatus     Status
	NewStatus     Status
	CreatedAt     time.Time
}

// Repository is the persistence port this component needs from the
// external relational store: an optimistic compare-and-set on the status
// column, and append of the journal row. Apply calls the two as separate
// operations, not inside one transaction: if AppendComment fails, the status
// change already made is not rolled back.
type Repository interface {
	// CompareAndSetStatus updates the request's status column from old to
	// new only if the row currently holds old. Returns (false, nil) - not
	// an error - when the compare-and-set loses the race (zero rows
	// affected), which the machine translates to StaleState.
	CompareAndSetStatus(ctx context.Context, requestNumber string, old, new Status) (bool, error)
	AppendComment(ctx context.Context, comment Comment) error
}

// EventBus publishes domain events for out-of-scope collaborators
// (notifications, analytics) to consume.
type EventBus interface {
	Publish(ctx context.Context, eventType string, payload interface{}) error
}

// NoOpEventBus discards every event. Safe zero-value default.
type NoOpEventBus struct{}

func (NoOpEventBus) Publish(ctx context.Context, eventType string, payload interface{}) error {
	return nil
}

// StatusChangedEvent is published on every successful transition.
type StatusChangedEvent struct {
	RequestNumber string    `json:"request_number"`
	OldStatus     Status    `json:"old_status"`
	NewStatus     Status    `json:"new_status"`
	ActorID       string    `json:"actor_id"`
	At            time.Time `json:"at"`
}

// PermissionChecker authorizes an actor to perform a transition. Role and
// permission policy is an external concern; the machine only asks whether
// this specific (from, to) move is allowed for this actor.
type PermissionChecker interface {
	CanTransition(ctx context.Context, actorID string, from, to Status) bool
}

// AllowAllPermissions is the permissive default used when no policy is
// wired in (e.g. internal/system-initiated transitions).
type AllowAllPermissions struct{}

func (AllowAllPermissions) CanTransition(ctx context.Context, actorID string, from, to Status) bool {
	return true
}

// Machine drives request status transitions.
type Machine struct {
	repo    Repository
	bus     EventBus
	perms   PermissionChecker
	clock   core.Clock
	logger  core.Logger
}

// Options configures New.
type Options struct {
	EventBus   EventBus
	Permission PermissionChecker
	Clock      core.Clock
	Logger     core.Logger
}

func New(repo Repository, opts Options) *Machine {
	bus := opts.EventBus
	if bus == nil {
		bus = NoOpEventBus{}
	}
	perms := opts.Permission
	if perms == nil {
		perms = AllowAllPermissions{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = core.RealClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Machine{repo: repo, bus: bus, perms: perms, clock: clock, logger: logger}
}

// Apply attempts to move req from its current status to newStatus on
// behalf of actorID. Steps:
//  1. Verify (old, new) is a declared transition and the actor may perform it.
//  2. Compare-and-set the request row's status column.
//  3. Append a status-change journal comment.
//  4. Publish a domain event.
func (m *Machine) Apply(ctx context.Context, req Request, newStatus Status, actorID string) error {
	old := req.Status

	if !IsLegal(old, newStatus) {
		return core.NewFrameworkError("reqstate.Apply", core.KindIllegalTransition,
			core.ErrIllegalTransition).WithID(req.RequestNumber)
	}

	if !m.perms.CanTransition(ctx, actorID, old, newStatus) {
		return core.NewFrameworkError("reqstate.Apply", core.KindUnauthorized,
			core.ErrUnauthorized).WithID(req.RequestNumber)
	}

	ok, err := m.repo.CompareAndSetStatus(ctx, req.RequestNumber, old, newStatus)
	if err != nil {
		return core.NewFrameworkError("reqstate.Apply", core.KindDependencyUnavailable, err).WithID(req.RequestNumber)
	}
	if !ok {
		return core.NewFrameworkError("reqstate.Apply", core.KindStaleState,
			core.ErrStaleState).WithID(req.RequestNumber)
	}

	now := m.clock.Now()
	comment := Comment{
		RequestNumber:  req.RequestNumber,
		AuthorID:       actorID,
		IsStatusChange: true,
		OldStatus:      old,
		NewStatus:      newStatus,
		CreatedAt:      now,
	}
	if err := m.repo.AppendComment(ctx, comment); err != nil {
		return core.NewFrameworkError("reqstate.Apply", core.KindInternal, err).WithID(req.RequestNumber)
	}

	m.logger.Info("request status transition", map[string]interface{}{
		"request_number": req.RequestNumber,
		"from":           string(old),
		"to":             string(newStatus),
		"actor":          actorID,
	})

	if err := m.bus.Publish(ctx, "RequestStatusChanged", StatusChangedEvent{
		RequestNumber: req.RequestNumber,
		OldStatus:     old,
		NewStatus:     newStatus,
		ActorID:       actorID,
		At:            now,
	}); err != nil {
		m.logger.Warn("failed to publish status change event", map[string]interface{}{
			"request_number": req.RequestNumber,
			"error":          err.Error(),
		})
	}

	return nil
}

// Replay reconstructs the final status implied by an ordered sequence of
// status-change comments, verifying every step is declared legal: the
// journal, replayed in order, must reproduce the current status.
func Replay(initial Status, comments []Comment) (Status, error) {
	current := initial
	for _, c := range comments {
		if !c.IsStatusChange {
			continue
		}
		if c.OldStatus != current {
			return current, core.NewFrameworkError("reqstate.Replay", core.KindInternal,
				core.ErrIllegalTransition).WithID(c.RequestNumber)
		}
		if !IsLegal(c.OldStatus, c.NewStatus) {
			return current, core.NewFrameworkError("reqstate.Replay", core.KindIllegalTransition,
				core.ErrIllegalTransition).WithID(c.RequestNumber)
		}
		current = c.NewStatus
	}
	return current, nil
}
