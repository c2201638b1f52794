package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/shopspring/decimal"
)

// Claim statuses
const (
	ClaimSubmitted         = "SUBMITTED"
	ClaimApproved          = "APPROVED"
	ClaimPartiallyApproved = "PARTIALLY_APPROVED"
	ClaimRejected          = "REJECTED"
	ClaimPaid              = "PAID"
	ClaimCancelled         = "CANCELLED"
)

// InsuranceClaim is the claim raised for the insured part of a sale
type InsuranceClaim struct {
	ID                    string          `db:"id" json:"id"`
	ClaimNumber           string          `db:"claim_number" json:"claim_number"`
	SaleID                string          `db:"sale_id" json:"sale_id"`
	ProviderID            string          `db:"provider_id" json:"provider_id"`
	PatientInsuranceID    string          `db:"patient_insurance_id" json:"patient_insurance_id"`
	TotalAmount           decimal.Decimal `db:"total_amount" json:"total_amount"`
	CoveredAmount         decimal.Decimal `db:"covered_amount" json:"covered_amount"`
	PatientResponsibility decimal.Decimal `db:"patient_responsibility" json:"patient_responsibility"`
	Status                string          `db:"status" json:"status"`
	SubmissionDate        time.Time       `db:"submission_date" json:"submission_date"`
	ApprovalDate          *time.Time      `db:"approval_date" json:"approval_date,omitempty"`
	PaymentDate           *time.Time      `db:"payment_date" json:"payment_date,omitempty"`
	Notes                 *string         `db:"notes" json:"notes,omitempty"`
	UpdatedAt             time.Time       `db:"updated_at" json:"updated_at"`
	Items                 []*ClaimItem    `db:"-" json:"items"`
}

// ClaimItem is the claimed part of one sale item
type ClaimItem struct {
	ID               string           `db:"id" json:"id"`
	ClaimID          string           `db:"claim_id" json:"claim_id"`
	SaleItemID       string           `db:"sale_item_id" json:"sale_item_id"`
	ApprovedQuantity int              `db:"approved_quantity" json:"approved_quantity"`
	ClaimedAmount    decimal.Decimal  `db:"claimed_amount" json:"claimed_amount"`
	ApprovedAmount   *decimal.Decimal `db:"approved_amount" json:"approved_amount,omitempty"`
	RejectionReason  *string          `db:"rejection_reason" json:"rejection_reason,omitempty"`
}

const claimColumns = `id, claim_number, sale_id, provider_id, patient_insurance_id, total_amount,
	covered_amount, patient_responsibility, status, submission_date, approval_date,
	payment_date, notes, updated_at`

// ClaimRepository handles claim persistence
type ClaimRepository struct{}

// NewClaimRepository creates a new claim repository
func NewClaimRepository() *ClaimRepository {
	return &ClaimRepository{}
}

// Create inserts a claim and its items
func (r *ClaimRepository) Create(ctx context.Context, q database.Querier, c *InsuranceClaim) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}

	query := `
		INSERT INTO insurance_claims (
			id, claim_number, sale_id, provider_id, patient_insurance_id, total_amount,
			covered_amount, patient_responsibility, status, notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING submission_date, updated_at
	`
	if err := q.QueryRowxContext(ctx, query,
		c.ID, c.ClaimNumber, c.SaleID, c.ProviderID, c.PatientInsuranceID, c.TotalAmount,
		c.CoveredAmount, c.PatientResponsibility, c.Status, c.Notes,
	).Scan(&c.SubmissionDate, &c.UpdatedAt); err != nil {
		return database.WrapError(err, "claim")
	}

	for _, item := range c.Items {
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		item.ClaimID = c.ID

		_, err := q.ExecContext(ctx, `
			INSERT INTO claim_items (id, claim_id, sale_item_id, approved_quantity, claimed_amount, approved_amount, rejection_reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, item.ID, item.ClaimID, item.SaleItemID, item.ApprovedQuantity, item.ClaimedAmount,
			item.ApprovedAmount, item.RejectionReason)
		if err != nil {
			return database.WrapError(err, "claim item")
		}
	}

	return nil
}

// GetByID gets a claim with its items
func (r *ClaimRepository) GetByID(ctx context.Context, q database.Querier, id string) (*InsuranceClaim, error) {
	return r.get(ctx, q, `SELECT `+claimColumns+` FROM insurance_claims WHERE id = $1`, id)
}

// GetForUpdate gets a claim with its items and locks the claim row
func (r *ClaimRepository) GetForUpdate(ctx context.Context, q database.Querier, id string) (*InsuranceClaim, error) {
	return r.get(ctx, q, `SELECT `+claimColumns+` FROM insurance_claims WHERE id = $1 FOR UPDATE`, id)
}

// GetBySaleID gets the claim raised for a sale
func (r *ClaimRepository) GetBySaleID(ctx context.Context, q database.Querier, saleID string) (*InsuranceClaim, error) {
	return r.get(ctx, q, `SELECT `+claimColumns+` FROM insurance_claims WHERE sale_id = $1`, saleID)
}

func (r *ClaimRepository) get(ctx context.Context, q database.Querier, query, arg string) (*InsuranceClaim, error) {
	var c InsuranceClaim
	if err := q.GetContext(ctx, &c, query, arg); err != nil {
		return nil, database.WrapError(err, "claim")
	}

	c.Items = []*ClaimItem{}
	if err := q.SelectContext(ctx, &c.Items, `
		SELECT id, claim_id, sale_item_id, approved_quantity, claimed_amount, approved_amount, rejection_reason
		FROM claim_items WHERE claim_id = $1 ORDER BY id
	`, c.ID); err != nil {
		return nil, err
	}

	return &c, nil
}

// Update persists the header fields that change after submission
func (r *ClaimRepository) Update(ctx context.Context, q database.Querier, c *InsuranceClaim) error {
	err := q.QueryRowxContext(ctx, `
		UPDATE insurance_claims SET
			covered_amount = $2, patient_responsibility = $3, status = $4,
			approval_date = $5, payment_date = $6, notes = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, c.ID, c.CoveredAmount, c.PatientResponsibility, c.Status, c.ApprovalDate,
		c.PaymentDate, c.Notes).Scan(&c.UpdatedAt)
	return database.WrapError(err, "claim")
}

// UpdateItem persists the adjudication of one item
func (r *ClaimRepository) UpdateItem(ctx context.Context, q database.Querier, item *ClaimItem) error {
	result, err := q.ExecContext(ctx, `
		UPDATE claim_items SET approved_quantity = $2, approved_amount = $3, rejection_reason = $4
		WHERE id = $1
	`, item.ID, item.ApprovedQuantity, item.ApprovedAmount, item.RejectionReason)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("claim item")
	}
	return nil
}
