package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/taskhold/internal/metrics"
	"github.com/mbd888/taskhold/internal/retry"
)

// Dispatcher hands notifications to a Notifier after a transition is durable.
type Dispatcher struct {
	notifier Notifier
	logger   *slog.Logger
	policy   retry.Policy
}

// NewDispatcher creates a dispatcher. A nil notifier drops everything.
func NewDispatcher(notifier Notifier, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		notifier: notifier,
		logger:   logger,
		policy:   retry.Policy{MaxAttempts: 2, BaseDelay: 50 * time.Millisecond},
	}
}

// WithRetry overrides the in-line retry policy.
func (d *Dispatcher) WithRetry(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// Dispatch delivers each notification. Failures are logged and counted,
// never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, notes []Notification) {
	if d == nil || d.notifier == nil {
		return
	}
	for _, n := range notes {
		nctx := WithDedupKey(ctx, n.Key)
		err := d.policy.Do(nctx, func() error {
			return d.notifier.Notify(nctx, n.UserID, n.Event, n.Payload)
		})
		if err != nil {
			metrics.NotificationsTotal.WithLabelValues(string(n.Event), "failed").Inc()
			d.logger.Warn("notification delivery failed",
				"user_id", n.UserID, "event", string(n.Event), "key", n.Key, "error", err)
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(string(n.Event), "sent").Inc()
	}
}
