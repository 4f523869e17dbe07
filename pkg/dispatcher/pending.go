package dispatcher

import (
	"context"
	"time"

	"github.com/avtoelon/dispatch-core/core"
)

// PendingRequest is the minimal view GetPendingAssignments needs of an
// unassigned request.
type PendingRequest struct {
	ID                     string
	District               string
	RequiredSpecialization string
	Priority               int
	CreatedAt              time.Time
}

// PendingSource enumerates currently-unassigned requests. Backed by the
// request repository in production.
type PendingSource interface {
	ListPending(ctx context.Context) ([]PendingRequest, error)
}

// PendingAssignment annotates one pending request with its wait time and
// eligibility flags.
type PendingAssignment struct {
	RequestID          string
	WaitMinutes        float64
	Overdue            bool
	AutoAssignEligible bool
}

// GetPendingAssignments enumerates every unassigned request from source,
// flagging as overdue those that have waited longer than maxWaitMinutes and
// marking each auto-assign-eligible or not.
// AutoAssignEligible reflects the dispatcher's configured mode, not the
// per-request score - DispatchOne still applies the admission threshold
// when a caller acts on this list.
func (d *Dispatcher) GetPendingAssignments(ctx context.Context, source PendingSource, maxWaitMinutes float64, clock core.Clock) ([]PendingAssignment, error) {
	if clock == nil {
		clock = core.RealClock{}
	}
	pending, err := source.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	now := clock.Now()
	out := make([]PendingAssignment, 0, len(pending))
	for _, p := range pending {
		waitMinutes := now.Sub(p.CreatedAt).Minutes()
		out = append(out, PendingAssignment{
			RequestID:          p.ID,
			WaitMinutes:        waitMinutes,
			Overdue:            waitMinutes > maxWaitMinutes,
			AutoAssignEligible: d.config.Mode == ModeAutoAssign,
		})
	}
	return out, nil
}
