package consumers

import (
	"context"

	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	"github.com/pharmaflow/pharmaflow-backend/pkg/messaging"
)

// UserEventQueue is the durable queue the pharmacy service reads user events from
const UserEventQueue = "pharmacy-service.user-events"

// UserCache is the store user events are mirrored into
type UserCache interface {
	Set(ctx context.Context, user *repository.CachedUser) error
	Get(ctx context.Context, userID string) (*repository.CachedUser, error)
	Delete(ctx context.Context, userID string) error
}

// UserEventConsumer consumes user events
type UserEventConsumer struct {
	consumer *messaging.Consumer
	cache    UserCache
	logger   *logger.Logger
}

// NewUserEventConsumer creates a new user event consumer
func NewUserEventConsumer(rmq *messaging.RabbitMQ, cache UserCache, log *logger.Logger) (*UserEventConsumer, error) {
	consumer, err := messaging.NewConsumer(rmq, UserEventQueue, log)
	if err != nil {
		return nil, err
	}

	// Subscribe to user events
	if err := consumer.Subscribe(messaging.ExchangeUserEvents, "user.#"); err != nil {
		return nil, err
	}

	c := newUserEventConsumer(cache, log)
	c.consumer = consumer
	c.Register(consumer)

	return c, nil
}

func newUserEventConsumer(cache UserCache, log *logger.Logger) *UserEventConsumer {
	return &UserEventConsumer{cache: cache, logger: log}
}

// Register attaches the user event handlers to consumer
func (c *UserEventConsumer) Register(consumer *messaging.Consumer) {
	consumer.RegisterHandler(messaging.EventUserCreated, c.handleUserCreated)
	consumer.RegisterHandler(messaging.EventUserUpdated, c.handleUserUpdated)
	consumer.RegisterHandler(messaging.EventUserDeleted, c.handleUserDeleted)
}

// Start starts consuming messages
func (c *UserEventConsumer) Start(ctx context.Context) error {
	return c.consumer.Start(ctx)
}

func (c *UserEventConsumer) handleUserCreated(ctx context.Context, event *messaging.Event) error {
	var data messaging.UserCreatedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	c.logger.Info().
		Str("user_id", data.UserID).
		Str("pharmacy_id", data.PharmacyID).
		Msg("received user created event")

	user := &repository.CachedUser{
		UserID:    data.UserID,
		BranchID:  data.BranchID,
		FirstName: data.FirstName,
		LastName:  data.LastName,
		IsActive:  true,
	}
	if data.PharmacyID != "" {
		user.PharmacyID = &data.PharmacyID
	}
	if data.Email != "" {
		user.Email = &data.Email
	}
	if data.RoleName != "" {
		user.RoleName = &data.RoleName
	}

	return c.cache.Set(ctx, user)
}

func (c *UserEventConsumer) handleUserUpdated(ctx context.Context, event *messaging.Event) error {
	var data messaging.UserUpdatedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	c.logger.Info().
		Str("user_id", data.UserID).
		Msg("received user updated event")

	existing, err := c.cache.Get(ctx, data.UserID)
	if err != nil {
		// users created before the cache existed are picked up on their next created event
		if errors.Is(err, errors.ErrNotFound) {
			return nil
		}
		return err
	}

	if v, ok := data.ChangedString("first_name"); ok {
		existing.FirstName = v
	}
	if v, ok := data.ChangedString("last_name"); ok {
		existing.LastName = v
	}
	if v, ok := data.ChangedString("email"); ok {
		existing.Email = &v
	}
	if v, ok := data.ChangedString("role_name"); ok {
		existing.RoleName = &v
	}
	if v, ok := data.ChangedString("branch_id"); ok {
		existing.BranchID = &v
	}
	if change, ok := data.Fields["is_active"].(map[string]any); ok {
		if active, ok := change["to"].(bool); ok {
			existing.IsActive = active
		}
	}

	return c.cache.Set(ctx, existing)
}

func (c *UserEventConsumer) handleUserDeleted(ctx context.Context, event *messaging.Event) error {
	var data messaging.UserDeletedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	c.logger.Info().
		Str("user_id", data.UserID).
		Msg("received user deleted event")

	return c.cache.Delete(ctx, data.UserID)
}
