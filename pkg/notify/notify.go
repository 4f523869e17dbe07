// Package notify builds the notification payload the dispatcher hands to
// the external notification service on every assignment. This package only builds the JSON object; delivery (Telegram,
// SMS, push) is an external collaborator, not implemented here.
package notify

import "time"

// RecipientType is one of the three roles a notification fans out to.
type RecipientType string

const (
	RecipientExecutor RecipientType = "executor"
	RecipientCreator  RecipientType = "creator"
	RecipientAssigner RecipientType = "assigner"
)

// Recipient is one addressee of the notification.
type Recipient struct {
	UserID   string        `json:"user_id"`
	Type     RecipientType `json:"type"`
	Channels []string      `json:"channels"`
}

// Templates carries the per-recipient {ru, uz} template pair, the exact
// shape the source's notification_service.py builds from its
// TemplateService carries the assigner's localized copy as well.
type Templates struct {
	RU string `json:"ru"`
	UZ string `json:"uz"`
}

// RecipientTemplates is the templates object keyed by recipient role.
type RecipientTemplates struct {
	Executor Templates `json:"executor"`
	Creator  Templates `json:"creator"`
	Assigner Templates `json:"assigner"`
}

// AssignmentPayload is the wire object for the "request_assigned" event.
type AssignmentPayload struct {
	EventType        string             `json:"event_type"`
	RequestNumber    string             `json:"request_number"`
	RequestTitle     string             `json:"request_title"`
	RequestCategory  string             `json:"request_category"`
	RequestPriority  int                `json:"request_priority"`
	RequestAddress   string             `json:"request_address"`
	AssignedTo       string             `json:"assigned_to"`
	AssignedBy       string             `json:"assigned_by"`
	AssignmentReason string             `json:"assignment_reason"`
	AssignmentType   string             `json:"assignment_type"`
	AssignedAt       time.Time          `json:"assigned_at"`
	Recipients       []Recipient        `json:"recipients"`
	Templates        RecipientTemplates `json:"templates"`
}

// AssignmentInput is the narrow view of a request/assignment this builder
// needs; callers (the dispatcher, the state machine's event consumer)
// assemble it from their own richer types.
type AssignmentInput struct {
	RequestNumber    string
	RequestTitle     string
	RequestCategory  string
	RequestPriority  int
	RequestAddress   string
	ExecutorID       string
	ExecutorName     string
	CreatorID        string
	AssignerID       string
	AssignmentReason string
	AssignmentType   string
	AssignedAt       time.Time
}

// BuildAssignmentPayload assembles the request_assigned notification
// payload for the three standard recipients. Channels default
// to {telegram} for every recipient - the richer per-user channel
// preference lookup belongs to the out-of-scope notification service.
func BuildAssignmentPayload(in AssignmentInput) AssignmentPayload {
	executorName := in.ExecutorName
	if executorName == "" {
		executorName = in.ExecutorID
	}

	recipients := []Recipient{
		{UserID: in.ExecutorID, Type: RecipientExecutor, Channels: []string{"telegram"}},
	}
	if in.CreatorID != "" {
		recipients = append(recipients, Recipient{UserID: in.CreatorID, Type: RecipientCreator, Channels: []string{"telegram"}})
	}
	if in.AssignerID != "" {
		recipients = append(recipients, Recipient{UserID: in.AssignerID, Type: RecipientAssigner, Channels: []string{"telegram"}})
	}

	return AssignmentPayload{
		EventType:        "request_assigned",
		RequestNumber:    in.RequestNumber,
		RequestTitle:     in.RequestTitle,
		RequestCategory:  in.RequestCategory,
		RequestPriority:  in.RequestPriority,
		RequestAddress:   in.RequestAddress,
		AssignedTo:       in.ExecutorID,
		AssignedBy:       in.AssignerID,
		AssignmentReason: in.AssignmentReason,
		AssignmentType:   in.AssignmentType,
		AssignedAt:       in.AssignedAt,
		Recipients:       recipients,
		Templates: RecipientTemplates{
			Executor: Templates{
				RU: "Вам назначена новая заявка №" + in.RequestNumber + ": " + in.RequestTitle,
				UZ: "Sizga yangi ariza biriktirildi №" + in.RequestNumber + ": " + in.RequestTitle,
			},
			Creator: Templates{
				RU: "Ваша заявка №" + in.RequestNumber + " назначена исполнителю " + executorName,
				UZ: "Sizning arizangiz №" + in.RequestNumber + " " + executorName + " ga biriktirildi",
			},
			Assigner: Templates{
				RU: "Заявка №" + in.RequestNumber + " назначена " + executorName,
				UZ: "Ariza №" + in.RequestNumber + " " + executorName + " ga biriktirildi",
			},
		},
	}
}
