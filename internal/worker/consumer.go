package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/studioforge/studio-be/internal/notify"
)

// setupConsumer sets up the RabbitMQ consumer and returns the delivery
// channel. Messages are wake-up hints, never the source of truth: an
// executor that wakes still has to win the store's claim.
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	// One in-flight hint per consumer is enough; the claim loop drains the
	// store regardless of how many messages arrived.
	deliveries, err := w.rabbitClient.Consume(w.workerID, 1)
	if err != nil {
		return nil, err
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
	)

	return deliveries, nil
}

// wakeDispatcher turns queue deliveries into executor wake-ups. Every message
// is ACKed regardless of content: losing a hint costs at most one poll
// interval of latency.
func (w *Worker) wakeDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Wake dispatcher stopping - stopChan closed")
			return
		case <-ctx.Done():
			w.logger.Info("Wake dispatcher stopping - context canceled")
			return
		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			var event notify.Event
			if err := json.Unmarshal(delivery.Body, &event); err != nil {
				w.logger.Warn("Ignoring malformed event",
					slog.String("error", err.Error()),
				)
			} else {
				w.logger.Debug("Wake-up event received",
					slog.String("job_id", event.JobID),
					slog.String("kind", event.Kind),
				)
			}

			if err := delivery.Ack(false); err != nil {
				w.logger.Error("Failed to ACK event",
					slog.String("error", err.Error()),
				)
			}

			w.wake()
		}
	}
}
