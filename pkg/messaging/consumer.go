package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pharmaflow/pharmaflow-backend/pkg/actor"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler is a function that handles a message
type MessageHandler func(ctx context.Context, event *Event) error

// maxDeliveryAttempts is how often a failing message is requeued before it
// goes to the dead letter queue
const maxDeliveryAttempts = 3

// Outcome is what the consumer does with a delivery after processing it
type Outcome int

const (
	OutcomeAck Outcome = iota
	OutcomeRequeue
	OutcomeReject
)

type binding struct {
	exchange   string
	routingKey string
}

// Consumer handles consuming events from RabbitMQ
type Consumer struct {
	rmq       *RabbitMQ
	queueName string
	handlers  map[string]MessageHandler
	logger    *logger.Logger

	mu       sync.Mutex
	bindings []binding
	started  context.Context
}

// NewConsumer creates a new consumer for the given queue. The consumer
// redeclares its queue and bindings and resumes consuming after the broker
// connection is replaced.
func NewConsumer(rmq *RabbitMQ, queueName string, log *logger.Logger) (*Consumer, error) {
	if _, err := rmq.DeclareQueue(queueName); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	c := newConsumer(rmq, queueName, log)
	rmq.OnReconnect(c.resume)
	return c, nil
}

func newConsumer(rmq *RabbitMQ, queueName string, log *logger.Logger) *Consumer {
	return &Consumer{
		rmq:       rmq,
		queueName: queueName,
		handlers:  make(map[string]MessageHandler),
		logger:    log,
	}
}

// Subscribe subscribes to an exchange with a routing key pattern
func (c *Consumer) Subscribe(exchange, routingKeyPattern string) error {
	if err := c.bind(binding{exchange: exchange, routingKey: routingKeyPattern}); err != nil {
		return err
	}

	c.mu.Lock()
	c.bindings = append(c.bindings, binding{exchange: exchange, routingKey: routingKeyPattern})
	c.mu.Unlock()

	c.logger.Info().
		Str("queue", c.queueName).
		Str("exchange", exchange).
		Str("routing_key", routingKeyPattern).
		Msg("subscribed to exchange")

	return nil
}

func (c *Consumer) bind(b binding) error {
	if err := c.rmq.DeclareExchange(b.exchange); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	if err := c.rmq.BindQueue(c.queueName, b.exchange, b.routingKey); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

// resume restores the queue and its bindings on a new connection and, when
// the consumer was running, starts consuming again
func (c *Consumer) resume(context.Context) error {
	if _, err := c.rmq.DeclareQueue(c.queueName); err != nil {
		return fmt.Errorf("failed to redeclare queue %s: %w", c.queueName, err)
	}

	c.mu.Lock()
	bindings := append([]binding(nil), c.bindings...)
	started := c.started
	c.mu.Unlock()

	for _, b := range bindings {
		if err := c.bind(b); err != nil {
			return err
		}
	}

	if started == nil || started.Err() != nil {
		return nil
	}
	return c.consume(started)
}

// RegisterHandler registers a handler for a specific event type
func (c *Consumer) RegisterHandler(eventType string, handler MessageHandler) {
	c.handlers[eventType] = handler
}

// Start starts consuming messages from the queue until ctx ends
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	c.started = ctx
	c.mu.Unlock()

	return c.consume(ctx)
}

func (c *Consumer) consume(ctx context.Context) error {
	msgs, err := c.rmq.Channel().Consume(
		c.queueName, // queue
		"",          // consumer tag (auto-generated)
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info().Str("queue", c.queueName).Msg("consumer started")

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.logger.Info().Str("queue", c.queueName).Msg("consumer stopped")
				return
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Warn().Str("queue", c.queueName).Msg("delivery channel closed")
					return
				}
				c.settle(msg, c.Process(ctx, msg.Body, getRetryCount(msg)))
			}
		}
	}()

	return nil
}

// Process decodes one message body and runs the registered handler as the
// system actor. Unknown event types are acknowledged; malformed bodies are
// rejected.
func (c *Consumer) Process(ctx context.Context, body []byte, retryCount int) Outcome {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Error().Err(err).Msg("failed to unmarshal event")
		return OutcomeReject
	}

	ctx = actor.WithActor(WithCorrelationID(ctx, event.CorrelationID), actor.SystemActor())

	handler, ok := c.handlers[event.Type]
	if !ok {
		c.logger.Debug().Str("event_type", event.Type).Msg("no handler registered for event type")
		return OutcomeAck
	}

	c.logger.Debug().
		Str("event_type", event.Type).
		Str("event_id", event.ID).
		Str("correlation_id", event.CorrelationID).
		Msg("processing event")

	if err := handler(ctx, &event); err != nil {
		c.logger.Error().
			Err(err).
			Str("event_type", event.Type).
			Str("event_id", event.ID).
			Msg("failed to process event")

		if retryCount >= maxDeliveryAttempts {
			c.logger.Warn().
				Str("event_id", event.ID).
				Int("retry_count", retryCount).
				Msg("max retries exceeded, sending to DLQ")
			return OutcomeReject
		}
		return OutcomeRequeue
	}

	return OutcomeAck
}

func (c *Consumer) settle(msg amqp.Delivery, outcome Outcome) {
	var err error
	switch outcome {
	case OutcomeAck:
		err = msg.Ack(false)
	case OutcomeRequeue:
		err = msg.Nack(false, true)
	case OutcomeReject:
		err = msg.Reject(false)
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to settle delivery")
	}
}

func getRetryCount(msg amqp.Delivery) int {
	if msg.Headers == nil {
		return 0
	}

	if deaths, ok := msg.Headers["x-death"].([]interface{}); ok {
		for _, death := range deaths {
			if d, ok := death.(amqp.Table); ok {
				if count, ok := d["count"].(int64); ok {
					return int(count)
				}
			}
		}
	}

	return 0
}
