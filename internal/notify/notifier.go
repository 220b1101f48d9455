// Package notify propagates job state changes to observers. Delivery is
// at-least-once and event payloads carry no state: consumers must recompute
// job status from the store, so correctness never depends on a push arriving.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/studioforge/studio-be/shared/rabbitmq"
)

// Event kinds
const (
	EventJobCreated    = "job_created"
	EventJobCompleted  = "job_completed"
	EventJobFailed     = "job_failed"
	EventJobCanceled   = "job_canceled"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepRetried   = "step_retried"
)

// Event is a change notification keyed by job id. It names what changed, not
// what the new state is.
type Event struct {
	JobID string    `json:"job_id"`
	Kind  string    `json:"kind"`
	At    time.Time `json:"at"`
}

// Notifier emits change events on every job/step mutation.
type Notifier interface {
	JobEvent(ctx context.Context, jobID, kind string) error
}

// AMQPNotifier publishes events through the RabbitMQ exchange.
type AMQPNotifier struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewAMQPNotifier creates a new AMQPNotifier.
func NewAMQPNotifier(client *rabbitmq.Client, logger *slog.Logger) *AMQPNotifier {
	return &AMQPNotifier{
		client: client,
		logger: logger,
	}
}

// JobEvent publishes one event. A failed publish is logged and reported but
// must never fail the mutation it follows.
func (n *AMQPNotifier) JobEvent(ctx context.Context, jobID, kind string) error {
	body, err := json.Marshal(Event{
		JobID: jobID,
		Kind:  kind,
		At:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := n.client.PublishWithRetry(ctx, body, "application/json"); err != nil {
		n.logger.Warn("Failed to publish job event",
			slog.String("job_id", jobID),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("publish event: %w", err)
	}

	return nil
}

// NopNotifier drops all events. Used when no broker is configured; observers
// fall back to polling.
type NopNotifier struct{}

func (NopNotifier) JobEvent(context.Context, string, string) error { return nil }

var (
	_ Notifier = (*AMQPNotifier)(nil)
	_ Notifier = NopNotifier{}
)
