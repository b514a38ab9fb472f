package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"cocktail-auth/internal/domain"
	"cocktail-auth/internal/observability"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AccountEventHandler reacts to one decoded account event
type AccountEventHandler func(ctx context.Context, event domain.AccountEvent)

// AccountEventConsumer binds a private queue to the account events exchange and
// hands every event to a handler. Each consumer sees every event.
type AccountEventConsumer struct {
	rmq    *RabbitMQ
	handle AccountEventHandler
}

func NewAccountEventConsumer(rmq *RabbitMQ, handle AccountEventHandler) *AccountEventConsumer {
	return &AccountEventConsumer{
		rmq:    rmq,
		handle: handle,
	}
}

// Start begins consuming in a background goroutine that stops with ctx
func (c *AccountEventConsumer) Start(ctx context.Context) error {
	queue, err := c.rmq.channel.QueueDeclare(
		"",    // auto-generated name
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare account events queue: %w", err)
	}

	if err := c.rmq.channel.QueueBind(
		queue.Name,            // queue name
		"",                    // routing key
		AccountEventsExchange, // exchange
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to bind account events queue: %w", err)
	}

	msgs, err := c.rmq.channel.Consume(
		queue.Name, // queue
		"",         // consumer
		true,       // auto-ack
		true,       // exclusive
		false,      // no-local
		false,      // no-wait
		nil,        // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	slog.Info("started consuming account events",
		slog.String("queue", queue.Name),
		slog.String("exchange", AccountEventsExchange))

	go c.run(ctx, msgs)
	return nil
}

func (c *AccountEventConsumer) run(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping account event consumer")
			return
		case msg, ok := <-msgs:
			if !ok {
				slog.Warn("account event channel closed")
				return
			}
			c.dispatch(ctx, msg.Body)
		}
	}
}

// dispatch decodes body and invokes the handler. Malformed events are dropped.
func (c *AccountEventConsumer) dispatch(ctx context.Context, body []byte) bool {
	event, err := DecodeAccountEvent(body)
	if err != nil {
		slog.Error("dropping malformed account event",
			slog.String("error", err.Error()),
			slog.Int("body_size", len(body)))
		return false
	}

	observability.AccountEventsTotal.WithLabelValues(string(event.Type), "consumed").Inc()
	c.handle(ctx, event)
	return true
}

// DecodeAccountEvent parses an event and requires its type and user
func DecodeAccountEvent(body []byte) (domain.AccountEvent, error) {
	var event domain.AccountEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return domain.AccountEvent{}, fmt.Errorf("failed to decode account event: %w", err)
	}
	if event.Type == "" || event.UserID == "" {
		return domain.AccountEvent{}, errors.New("account event missing type or user_id")
	}
	return event, nil
}
