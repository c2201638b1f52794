package repository

import (
	"context"
	"time"

	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
)

// CachedUser is the local copy of a user, kept in sync from user events
type CachedUser struct {
	UserID     string    `db:"user_id" json:"user_id"`
	PharmacyID *string   `db:"pharmacy_id" json:"pharmacy_id,omitempty"`
	BranchID   *string   `db:"branch_id" json:"branch_id,omitempty"`
	FirstName  string    `db:"first_name" json:"first_name"`
	LastName   string    `db:"last_name" json:"last_name"`
	Email      *string   `db:"email" json:"email,omitempty"`
	RoleName   *string   `db:"role_name" json:"role_name,omitempty"`
	IsActive   bool      `db:"is_active" json:"is_active"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// FullName returns the user's full name
func (u *CachedUser) FullName() string {
	return u.FirstName + " " + u.LastName
}

// UserCacheRepository handles user cache persistence
type UserCacheRepository struct {
	db *database.DB
}

// NewUserCacheRepository creates a new user cache repository
func NewUserCacheRepository(db *database.DB) *UserCacheRepository {
	return &UserCacheRepository{db: db}
}

// Set creates or updates a cached user
func (r *UserCacheRepository) Set(ctx context.Context, user *CachedUser) error {
	query := `
		INSERT INTO user_cache (user_id, pharmacy_id, branch_id, first_name, last_name, email, role_name, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET pharmacy_id = $2, branch_id = $3, first_name = $4, last_name = $5,
			email = $6, role_name = $7, is_active = $8, updated_at = NOW()
	`

	_, err := r.db.ExecContext(ctx, query,
		user.UserID, user.PharmacyID, user.BranchID, user.FirstName, user.LastName,
		user.Email, user.RoleName, user.IsActive,
	)
	return err
}

// Get gets a cached user by ID
func (r *UserCacheRepository) Get(ctx context.Context, userID string) (*CachedUser, error) {
	return getCachedUser(ctx, r.db, userID)
}

// Delete deletes a cached user
func (r *UserCacheRepository) Delete(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM user_cache WHERE user_id = $1`, userID)
	return err
}

func getCachedUser(ctx context.Context, q database.Querier, userID string) (*CachedUser, error) {
	var user CachedUser
	query := `
		SELECT user_id, pharmacy_id, branch_id, first_name, last_name, email, role_name, is_active, updated_at
		FROM user_cache WHERE user_id = $1
	`
	if err := q.GetContext(ctx, &user, query, userID); err != nil {
		return nil, database.WrapError(err, "user")
	}
	return &user, nil
}
