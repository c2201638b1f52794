package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher handles publishing events to RabbitMQ
type Publisher struct {
	rmq      *RabbitMQ
	exchange string
	source   string
	logger   *logger.Logger
}

// NewPublisher creates a new publisher for the given exchange. The exchange
// is declared again whenever the connection is replaced.
func NewPublisher(rmq *RabbitMQ, exchange, source string, log *logger.Logger) (*Publisher, error) {
	if err := rmq.DeclareExchange(exchange); err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	rmq.OnReconnect(func(context.Context) error {
		return rmq.DeclareExchange(exchange)
	})

	return &Publisher{
		rmq:      rmq,
		exchange: exchange,
		source:   source,
		logger:   log,
	}, nil
}

// Publish wraps data in an Event and publishes it with the event type as routing key
func (p *Publisher) Publish(ctx context.Context, eventType string, data interface{}) error {
	event, err := NewEvent(eventType, p.source, getCorrelationID(ctx), data)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}

	return p.PublishWithRoutingKey(ctx, eventType, event)
}

// PublishWithRoutingKey publishes an event with a custom routing key
func (p *Publisher) PublishWithRoutingKey(ctx context.Context, routingKey string, event *Event) error {
	msg, err := toPublishing(event)
	if err != nil {
		return err
	}

	if err := p.rmq.Channel().PublishWithContext(ctx,
		p.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		msg,
	); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug().
		Str("routing_key", routingKey).
		Str("event_id", event.ID).
		Str("correlation_id", event.CorrelationID).
		Msg("event published")

	return nil
}

func toPublishing(event *Event) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     event.ID,
		Type:          event.Type,
		Timestamp:     event.Timestamp,
		CorrelationId: event.CorrelationID,
		Body:          body,
	}, nil
}

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// getCorrelationID retrieves the correlation ID from context
func getCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}
