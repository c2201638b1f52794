package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pharmaflow/pharmaflow-backend/pkg/config"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrClosed is returned once Close has been called
var ErrClosed = errors.New("rabbitmq connection is permanently closed")

const maxReconnectDelay = 30 * time.Second

// ReconnectHook restores broker-side state on a fresh connection
type ReconnectHook func(ctx context.Context) error

// RabbitMQ owns the broker connection and its channel. Watch replaces both
// when the broker drops the connection and then runs the reconnect hooks.
type RabbitMQ struct {
	cfg    *config.RabbitMQConfig
	logger *logger.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
	hooks   []ReconnectHook
}

// New connects to the broker
func New(cfg *config.RabbitMQConfig, log *logger.Logger) (*RabbitMQ, error) {
	r := &RabbitMQ{cfg: cfg, logger: log}

	conn, ch, err := r.dial()
	if err != nil {
		return nil, err
	}
	r.conn, r.channel = conn, ch

	log.Info().Msg("connected to RabbitMQ")
	return r, nil
}

// dial opens a connection and a channel with the configured prefetch
func (r *RabbitMQ) dial() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(r.cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(r.cfg.PrefetchCount, 0, false); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	return conn, ch, nil
}

// Channel returns the current channel
func (r *RabbitMQ) Channel() *amqp.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channel
}

func (r *RabbitMQ) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Close closes the channel and the connection. Watch stops and Reconnect
// fails with ErrClosed afterwards.
func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true

	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("failed to close channel")
		}
	}
	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			return fmt.Errorf("failed to close connection: %w", err)
		}
	}

	r.logger.Info().Msg("RabbitMQ connection closed")
	return nil
}

// Health reports whether the connection is open
func (r *RabbitMQ) Health() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.conn == nil || r.conn.IsClosed() {
		return map[string]string{"status": "down", "error": "connection closed"}
	}
	return map[string]string{"status": "up"}
}

// OnReconnect registers a hook run after every successful reconnect, in
// registration order
func (r *RabbitMQ) OnReconnect(hook ReconnectHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Watch blocks until ctx ends or Close is called, reconnecting each time the
// broker drops the connection. Run it in its own goroutine.
func (r *RabbitMQ) Watch(ctx context.Context) {
	for {
		r.mu.RLock()
		conn := r.conn
		r.mu.RUnlock()

		lost := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-ctx.Done():
			return
		case amqpErr := <-lost:
			// a nil error is a close we asked for
			if amqpErr == nil || r.isClosed() {
				return
			}
			r.logger.Warn().Int("code", amqpErr.Code).Str("reason", amqpErr.Reason).Msg("RabbitMQ connection lost")
		}

		if err := r.Reconnect(ctx); err != nil {
			r.logger.Error().Err(err).Msg("giving up on RabbitMQ")
			return
		}
		r.runHooks(ctx)
	}
}

func (r *RabbitMQ) runHooks(ctx context.Context) {
	r.mu.RLock()
	hooks := append([]ReconnectHook(nil), r.hooks...)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			r.logger.Error().Err(err).Msg("reconnect hook failed")
		}
	}
}

// Reconnect dials again up to MaxRetries times, doubling the delay between
// attempts up to 30s
func (r *RabbitMQ) Reconnect(ctx context.Context) error {
	attempts := max(r.cfg.MaxRetries, 1)
	delay := r.cfg.ReconnectDelay

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.isClosed() {
			return ErrClosed
		}

		conn, ch, err := r.dial()
		if err == nil {
			r.mu.Lock()
			if r.closed {
				r.mu.Unlock()
				conn.Close()
				return ErrClosed
			}
			r.conn, r.channel = conn, ch
			r.mu.Unlock()

			r.logger.Info().Int("attempt", attempt).Msg("reconnected to RabbitMQ")
			return nil
		}
		r.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnection attempt failed")

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}

	return fmt.Errorf("failed to reconnect after %d attempts", attempts)
}

// DeclareExchange declares a durable topic exchange
func (r *RabbitMQ) DeclareExchange(name string) error {
	return declareTopicExchange(r.Channel(), name)
}

func declareTopicExchange(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil)
}

// DeclareQueue declares a durable queue that dead-letters to the DLX
func (r *RabbitMQ) DeclareQueue(name string) (amqp.Queue, error) {
	return r.Channel().QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": ExchangeDeadLetter,
	})
}

// BindQueue binds a queue to an exchange with a routing key pattern
func (r *RabbitMQ) BindQueue(queueName, exchange, routingKey string) error {
	return r.Channel().QueueBind(queueName, routingKey, exchange, false, nil)
}

// DeclareDeadLetterQueue declares the DLX and the service's dlq.<service>
// queue catching every routing key
func (r *RabbitMQ) DeclareDeadLetterQueue(serviceName string) error {
	ch := r.Channel()
	if err := declareTopicExchange(ch, ExchangeDeadLetter); err != nil {
		return fmt.Errorf("failed to declare DLX exchange: %w", err)
	}

	queueName := "dlq." + serviceName
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLQ queue: %w", err)
	}
	if err := ch.QueueBind(queueName, "#", ExchangeDeadLetter, false, nil); err != nil {
		return fmt.Errorf("failed to bind DLQ: %w", err)
	}
	return nil
}
