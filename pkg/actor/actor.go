// Package actor identifies the user or system performing an action.
//
// The HTTP layer builds an Actor from the verified access token and attaches
// it to the request context. Services and handlers read it back to stamp
// sold_by, requested_by and performed_by references.
package actor

import (
	"context"
	"fmt"

	"github.com/pharmaflow/pharmaflow-backend/pkg/permissions"
)

// SystemID identifies work no user initiated
const SystemID = "00000000-0000-0000-0000-000000000000"

// Actor represents the entity performing an action in the system.
type Actor struct {
	// ID is the user ID issued by the user service
	ID string `json:"id"`

	Email string `json:"email"`
	Name  string `json:"name"`

	// Role is informational; access decisions use Permissions
	Role string `json:"role,omitempty"`

	PharmacyID string `json:"pharmacy_id"`

	// BranchID is the branch the user works at, nil for pharmacy-wide staff
	BranchID *string `json:"branch_id,omitempty"`

	Permissions []string `json:"permissions,omitempty"`
}

// String returns a string representation of the actor for logging
func (a *Actor) String() string {
	if a == nil {
		return "system"
	}
	return fmt.Sprintf("%s (%s)", a.Name, a.ID)
}

// Can reports whether the actor holds the permission
func (a *Actor) Can(permission string) bool {
	if a == nil {
		return false
	}
	return permissions.HasPermission(a.Permissions, permission)
}

// CanAny reports whether the actor holds at least one of perms
func (a *Actor) CanAny(perms ...string) bool {
	if a == nil {
		return false
	}
	return permissions.HasAnyPermission(a.Permissions, perms)
}

// IDPtr returns the actor ID as a nullable reference, nil for the system
func (a *Actor) IDPtr() *string {
	if a.IsSystem() {
		return nil
	}
	id := a.ID
	return &id
}

// IsSystem returns true if the actor represents the system.
func (a *Actor) IsSystem() bool {
	if a == nil {
		return true
	}
	return a.ID == SystemID
}

type contextKey string

const actorContextKey contextKey = "actor"

// FromContext retrieves the Actor from the context.
// Returns nil if no actor is present (e.g., system operations).
func FromContext(ctx context.Context) *Actor {
	if ctx == nil {
		return nil
	}
	a, ok := ctx.Value(actorContextKey).(*Actor)
	if !ok {
		return nil
	}
	return a
}

// WithActor returns a new context with the Actor attached.
func WithActor(ctx context.Context, a *Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorContextKey, a)
}

// SystemActor returns an Actor representing the system itself, for
// consumers and other work without a request.
func SystemActor() *Actor {
	return &Actor{
		ID:          SystemID,
		Name:        "System",
		Email:       "system@pharmaflow.local",
		Permissions: []string{"*"},
	}
}
