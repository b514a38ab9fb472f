package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cocktail-auth/internal/domain"
	"cocktail-auth/internal/observability"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AccountEventsExchange fans account events out to every connected session agent
const AccountEventsExchange = "account.events"

type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	// amqp channels are not safe for concurrent publishing
	publishMu sync.Mutex
}

func NewRabbitMQ(url string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	rmq := &RabbitMQ{
		conn:    conn,
		channel: ch,
	}

	if err := rmq.Setup(); err != nil {
		rmq.Close()
		return nil, err
	}

	return rmq, nil
}

// NewRabbitMQWithRetry keeps dialing until the broker accepts a connection or
// ctx ends. Brokers started alongside the service are often not ready yet.
func NewRabbitMQWithRetry(ctx context.Context, url string) (*RabbitMQ, error) {
	delay := 500 * time.Millisecond
	for attempt := 1; ; attempt++ {
		rmq, err := NewRabbitMQ(url)
		if err == nil {
			return rmq, nil
		}
		slog.Warn("rabbitmq not ready, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gave up connecting to RabbitMQ after %d attempts: %w", attempt, err)
		case <-time.After(delay):
		}
		if delay < 8*time.Second {
			delay *= 2
		}
	}
}

func (r *RabbitMQ) Setup() error {
	if err := r.channel.ExchangeDeclare(
		AccountEventsExchange, // name
		"fanout",              // type
		true,                  // durable
		false,                 // auto-deleted
		false,                 // internal
		false,                 // no-wait
		nil,                   // arguments
	); err != nil {
		return fmt.Errorf("failed to declare account events exchange: %w", err)
	}

	slog.Info("rabbitmq setup completed successfully")
	return nil
}

// PublishAccountEvent announces an account change to all subscribers
func (r *RabbitMQ) PublishAccountEvent(ctx context.Context, event *domain.AccountEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal account event: %w", err)
	}

	r.publishMu.Lock()
	err = r.channel.PublishWithContext(
		ctx,
		AccountEventsExchange,
		"",
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    event.ID,
			Type:         string(event.Type),
			Timestamp:    event.OccurredAt,
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	r.publishMu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to publish account event: %w", err)
	}

	observability.AccountEventsTotal.WithLabelValues(string(event.Type), "published").Inc()
	observability.FromContext(ctx).Info("published account event",
		slog.String("type", string(event.Type)),
		slog.String("user_id", event.UserID))
	return nil
}

func (r *RabbitMQ) IsClosed() bool {
	return r.conn == nil || r.conn.IsClosed()
}

func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
