package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Broker is the publish side of the message broker. Implemented by
// shared/rabbitmq.Client.
type Broker interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// ThreadReadyEvent announces that a fully parsed thread entered the
// ready-to-sync queue, so the sync consumer does not have to poll it.
type ThreadReadyEvent struct {
	EventID  string    `json:"event_id"`
	ThreadID string    `json:"thread_id"`
	ReadyAt  time.Time `json:"ready_at"`
}

// Publisher emits pipeline events to the broker.
type Publisher struct {
	broker Broker
	logger *slog.Logger
}

// NewPublisher creates a new Publisher instance
func NewPublisher(broker Broker, logger *slog.Logger) *Publisher {
	return &Publisher{
		broker: broker,
		logger: logger,
	}
}

// PublishThreadReady publishes a ThreadReadyEvent. The queue itself is the
// source of truth; a lost event only delays pickup until the next poll.
func (p *Publisher) PublishThreadReady(ctx context.Context, threadID string) error {
	event := ThreadReadyEvent{
		EventID:  uuid.New().String(),
		ThreadID: threadID,
		ReadyAt:  time.Now().UTC(),
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode thread-ready event: %w", err)
	}

	if err := p.broker.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish thread-ready event: %w", err)
	}

	p.logger.Debug("Published thread-ready event",
		slog.String("event_id", event.EventID),
		slog.String("thread_id", threadID),
	)

	return nil
}
