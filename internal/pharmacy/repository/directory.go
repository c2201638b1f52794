package repository

import (
	"context"
	"time"

	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
)

// Branch is a pharmacy location. Owned by the organization service.
type Branch struct {
	ID         string    `db:"id" json:"id"`
	PharmacyID string    `db:"pharmacy_id" json:"pharmacy_id"`
	Name       string    `db:"name" json:"name"`
	IsActive   bool      `db:"is_active" json:"is_active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Product is a catalog entry. Owned by the catalog service.
type Product struct {
	ID                   string    `db:"id" json:"id"`
	Name                 string    `db:"name" json:"name"`
	Category             *string   `db:"category" json:"category,omitempty"`
	RequiresPrescription bool      `db:"requires_prescription" json:"requires_prescription"`
	IsActive             bool      `db:"is_active" json:"is_active"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
}

// Patient is a registered patient
type Patient struct {
	ID         string    `db:"id" json:"id"`
	PharmacyID string    `db:"pharmacy_id" json:"pharmacy_id"`
	FirstName  string    `db:"first_name" json:"first_name"`
	LastName   string    `db:"last_name" json:"last_name"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// DirectoryRepository reads the directory tables other services own
type DirectoryRepository struct{}

// NewDirectoryRepository creates a new directory repository
func NewDirectoryRepository() *DirectoryRepository {
	return &DirectoryRepository{}
}

// GetBranch gets a branch by ID
func (r *DirectoryRepository) GetBranch(ctx context.Context, q database.Querier, id string) (*Branch, error) {
	var branch Branch
	query := `SELECT id, pharmacy_id, name, is_active, created_at FROM branches WHERE id = $1`
	if err := q.GetContext(ctx, &branch, query, id); err != nil {
		return nil, database.WrapError(err, "branch")
	}
	return &branch, nil
}

// GetProduct gets a product by ID
func (r *DirectoryRepository) GetProduct(ctx context.Context, q database.Querier, id string) (*Product, error) {
	var product Product
	query := `
		SELECT id, name, category, requires_prescription, is_active, created_at
		FROM products WHERE id = $1
	`
	if err := q.GetContext(ctx, &product, query, id); err != nil {
		return nil, database.WrapError(err, "product")
	}
	return &product, nil
}

// GetPatient gets a patient by ID
func (r *DirectoryRepository) GetPatient(ctx context.Context, q database.Querier, id string) (*Patient, error) {
	var patient Patient
	query := `SELECT id, pharmacy_id, first_name, last_name, created_at FROM patients WHERE id = $1`
	if err := q.GetContext(ctx, &patient, query, id); err != nil {
		return nil, database.WrapError(err, "patient")
	}
	return &patient, nil
}

// GetUser gets a user from the local cache
func (r *DirectoryRepository) GetUser(ctx context.Context, q database.Querier, id string) (*CachedUser, error) {
	return getCachedUser(ctx, q, id)
}
