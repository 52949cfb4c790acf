// Package notify delivers contract and dispute events to users.
//
// Delivery never blocks a state transition: the caller persists its change
// first and then hands the resulting notifications to a Dispatcher, which
// logs and counts failures instead of returning them.
package notify

import (
	"context"
	"errors"
	"log/slog"
)

// EventType names a user-facing event. Values are part of the wire format.
type EventType string

const (
	EventContractCreated      EventType = "contract.created"
	EventTermsAccepted        EventType = "contract.terms_accepted"
	EventContractAccepted     EventType = "contract.accepted"
	EventContractRejected     EventType = "contract.rejected"
	EventContractStarted      EventType = "contract.started"
	EventDeliveryUpdated      EventType = "contract.delivery_updated"
	EventCompletionConfirmed  EventType = "contract.completion_confirmed"
	EventConfirmationReminder EventType = "contract.confirmation_reminder"
	EventContractCompleted    EventType = "contract.completed"
	EventContractCancelled    EventType = "contract.cancelled"
	EventPaymentHeld          EventType = "payment.held"
	EventPaymentReleased      EventType = "payment.released"
	EventPaymentRefunded      EventType = "payment.refunded"
	EventDisputeOpened        EventType = "dispute.opened"
	EventDisputeAssigned      EventType = "dispute.assigned"
	EventDisputeEvidence      EventType = "dispute.evidence_added"
	EventDisputeMessage       EventType = "dispute.message"
	EventDisputeResolved      EventType = "dispute.resolved"
	EventWorkerAutoSelected   EventType = "job.worker_auto_selected"
	EventJobExpired           EventType = "job.expired"
	EventJobSuspended         EventType = "job.suspended"
)

// Notification is one message for one user. Key deduplicates deliveries of
// the same logical event, e.g. a reminder step that a sweep emits twice.
type Notification struct {
	UserID  string         `json:"userId"`
	Event   EventType      `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
	Key     string         `json:"key,omitempty"`
}

// Notifier delivers a single event to a user.
type Notifier interface {
	Notify(ctx context.Context, userID string, event EventType, payload map[string]any) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, userID string, event EventType, payload map[string]any) error

func (f NotifierFunc) Notify(ctx context.Context, userID string, event EventType, payload map[string]any) error {
	return f(ctx, userID, event, payload)
}

type dedupKeyCtx struct{}

// WithDedupKey attaches a notification's Key for notifiers that deduplicate.
func WithDedupKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, dedupKeyCtx{}, key)
}

// DedupKey returns the key attached by WithDedupKey.
func DedupKey(ctx context.Context) string {
	if v, ok := ctx.Value(dedupKeyCtx{}).(string); ok {
		return v
	}
	return ""
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, userID string, event EventType, payload map[string]any) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, userID, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the log. Used in development.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, userID string, event EventType, payload map[string]any) error {
	l.logger.InfoContext(ctx, "notification", "user_id", userID, "event", string(event), "payload", payload)
	return nil
}
