package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mbd888/taskhold/internal/retry"
)

// TaskTypeDeliver is the asynq task type for queued notifications.
const TaskTypeDeliver = "notification:deliver"

// QueueName is the asynq queue notifications are enqueued on.
const QueueName = "notifications"

// deliveryBackoff spaces out queued redeliveries.
var deliveryBackoff = retry.Policy{BaseDelay: 10 * time.Second, MaxDelay: 10 * time.Minute}

// RetryDelay is the asynq.Config.RetryDelayFunc for the notification server.
func RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	return deliveryBackoff.Backoff(n + 1)
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type taskPayload struct {
	UserID  string         `json:"userId"`
	Event   EventType      `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Queue is a Notifier that enqueues deliveries for a Worker. Enqueue is fast
// and asynq retries failed deliveries out of band.
type Queue struct {
	client   Enqueuer
	maxRetry int
}

// NewQueue creates a queue-backed notifier.
func NewQueue(client Enqueuer, maxRetry int) *Queue {
	if maxRetry <= 0 {
		maxRetry = 5
	}
	return &Queue{client: client, maxRetry: maxRetry}
}

func (q *Queue) Notify(ctx context.Context, userID string, event EventType, payload map[string]any) error {
	data, err := json.Marshal(taskPayload{UserID: userID, Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	opts := []asynq.Option{
		asynq.Queue(QueueName),
		asynq.MaxRetry(q.maxRetry),
		asynq.Retention(24 * time.Hour),
	}
	if key := DedupKey(ctx); key != "" {
		opts = append(opts, asynq.TaskID(key))
	}

	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeDeliver, data), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		// Already queued by an earlier tick.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// Worker drains the queue into a downstream notifier.
type Worker struct {
	downstream Notifier
	logger     *slog.Logger
}

// NewWorker creates a queue worker.
func NewWorker(downstream Notifier, logger *slog.Logger) *Worker {
	return &Worker{downstream: downstream, logger: logger}
}

// Register mounts the worker on an asynq mux.
func (w *Worker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskTypeDeliver, w.ProcessTask)
}

// ProcessTask delivers one notification. A returned error makes asynq retry.
func (w *Worker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p taskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal notification: %v: %w", err, asynq.SkipRetry)
	}
	if err := w.downstream.Notify(ctx, p.UserID, p.Event, p.Payload); err != nil {
		w.logger.Warn("queued notification delivery failed, will retry",
			"user_id", p.UserID, "event", string(p.Event), "error", err)
		return err
	}
	return nil
}

// asynqLogger routes asynq's own logging through slog.
type asynqLogger struct{ l *slog.Logger }

// AsynqLogger adapts logger to asynq.Logger.
func AsynqLogger(logger *slog.Logger) asynq.Logger {
	return asynqLogger{l: logger.With("component", "asynq")}
}

func (a asynqLogger) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }

// Fatal logs and does not exit; the server owns the process lifecycle.
func (a asynqLogger) Fatal(args ...any) { a.l.Error("FATAL: " + fmt.Sprint(args...)) }
