package consumers

import (
	"context"
	"testing"

	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	"github.com/pharmaflow/pharmaflow-backend/pkg/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryCache struct {
	users map[string]*repository.CachedUser
}

func newMemoryCache() *memoryCache {
	return &memoryCache{users: make(map[string]*repository.CachedUser)}
}

func (m *memoryCache) Set(_ context.Context, user *repository.CachedUser) error {
	copied := *user
	m.users[user.UserID] = &copied
	return nil
}

func (m *memoryCache) Get(_ context.Context, userID string) (*repository.CachedUser, error) {
	user, ok := m.users[userID]
	if !ok {
		return nil, errors.NotFound("user")
	}
	copied := *user
	return &copied, nil
}

func (m *memoryCache) Delete(_ context.Context, userID string) error {
	delete(m.users, userID)
	return nil
}

func mustEvent(t *testing.T, eventType string, data interface{}) *messaging.Event {
	t.Helper()
	event, err := messaging.NewEvent(eventType, "user-service", "corr-1", data)
	require.NoError(t, err)
	return event
}

func TestUserEventConsumer_Created(t *testing.T) {
	cache := newMemoryCache()
	c := newUserEventConsumer(cache, logger.Nop())
	branch := "branch-1"

	err := c.handleUserCreated(context.Background(), mustEvent(t, messaging.EventUserCreated, messaging.UserCreatedEvent{
		UserID:     "user-1",
		Email:      "ana@example.com",
		FirstName:  "Ana",
		LastName:   "Lima",
		RoleName:   "pharmacist",
		PharmacyID: "pharmacy-1",
		BranchID:   &branch,
	}))
	require.NoError(t, err)

	user := cache.users["user-1"]
	require.NotNil(t, user)
	assert.Equal(t, "Ana Lima", user.FullName())
	assert.Equal(t, "ana@example.com", *user.Email)
	assert.Equal(t, "pharmacist", *user.RoleName)
	assert.Equal(t, "pharmacy-1", *user.PharmacyID)
	assert.Equal(t, "branch-1", *user.BranchID)
	assert.True(t, user.IsActive)
}

func TestUserEventConsumer_Updated(t *testing.T) {
	cache := newMemoryCache()
	c := newUserEventConsumer(cache, logger.Nop())
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, &repository.CachedUser{UserID: "user-1", FirstName: "Ana", LastName: "Lima", IsActive: true}))

	err := c.handleUserUpdated(ctx, mustEvent(t, messaging.EventUserUpdated, messaging.UserUpdatedEvent{
		UserID: "user-1",
		Fields: map[string]any{
			"last_name": map[string]any{"from": "Lima", "to": "Souza"},
			"is_active": map[string]any{"from": true, "to": false},
		},
	}))
	require.NoError(t, err)

	user := cache.users["user-1"]
	assert.Equal(t, "Ana", user.FirstName)
	assert.Equal(t, "Souza", user.LastName)
	assert.False(t, user.IsActive)

	t.Run("unknown user is ignored", func(t *testing.T) {
		err := c.handleUserUpdated(ctx, mustEvent(t, messaging.EventUserUpdated, messaging.UserUpdatedEvent{
			UserID: "user-404",
			Fields: map[string]any{"first_name": map[string]any{"to": "X"}},
		}))
		require.NoError(t, err)
		assert.NotContains(t, cache.users, "user-404")
	})
}

func TestUserEventConsumer_Deleted(t *testing.T) {
	cache := newMemoryCache()
	c := newUserEventConsumer(cache, logger.Nop())
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, &repository.CachedUser{UserID: "user-1"}))
	require.NoError(t, c.handleUserDeleted(ctx, mustEvent(t, messaging.EventUserDeleted, messaging.UserDeletedEvent{UserID: "user-1"})))
	assert.Empty(t, cache.users)
}

func TestUserEventConsumer_MalformedData(t *testing.T) {
	c := newUserEventConsumer(newMemoryCache(), logger.Nop())
	event := &messaging.Event{Type: messaging.EventUserCreated, Data: []byte(`"not an object"`)}

	assert.Error(t, c.handleUserCreated(context.Background(), event))
}
