package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/shopspring/decimal"
)

// Batch is a quantity-bearing unit of stock for one product at one branch
type Batch struct {
	ID           string          `db:"id" json:"id"`
	ProductID    string          `db:"product_id" json:"product_id"`
	BranchID     string          `db:"branch_id" json:"branch_id"`
	BatchNumber  string          `db:"batch_number" json:"batch_number"`
	Quantity     int             `db:"quantity" json:"quantity"`
	ExpiryDate   time.Time       `db:"expiry_date" json:"expiry_date"`
	CostPrice    decimal.Decimal `db:"cost_price" json:"cost_price"`
	SellingPrice decimal.Decimal `db:"selling_price" json:"selling_price"`
	IsActive     bool            `db:"is_active" json:"is_active"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// StockAdjustment is one journal entry of the batch ledger
type StockAdjustment struct {
	ID               string    `db:"id" json:"id"`
	BatchID          string    `db:"batch_id" json:"batch_id"`
	ProductID        string    `db:"product_id" json:"product_id"`
	BranchID         string    `db:"branch_id" json:"branch_id"`
	Delta            int       `db:"delta" json:"delta"`
	PreviousQuantity int       `db:"previous_quantity" json:"previous_quantity"`
	NewQuantity      int       `db:"new_quantity" json:"new_quantity"`
	Reason           string    `db:"reason" json:"reason"`
	ReferenceType    *string   `db:"reference_type" json:"reference_type,omitempty"`
	ReferenceID      *string   `db:"reference_id" json:"reference_id,omitempty"`
	PerformedBy      *string   `db:"performed_by" json:"performed_by,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// Reference types recorded on ledger entries
const (
	ReferenceSale       = "SALE"
	ReferenceSaleCancel = "SALE_CANCEL"
	ReferenceTransfer   = "TRANSFER"
	ReferenceManual     = "MANUAL"
)

const batchColumns = `id, product_id, branch_id, batch_number, quantity, expiry_date,
	cost_price, selling_price, is_active, created_at, updated_at`

// BatchRepository handles batch persistence
type BatchRepository struct{}

// NewBatchRepository creates a new batch repository
func NewBatchRepository() *BatchRepository {
	return &BatchRepository{}
}

// Create creates a new batch
func (r *BatchRepository) Create(ctx context.Context, q database.Querier, batch *Batch) error {
	if batch.ID == "" {
		batch.ID = uuid.New().String()
	}

	query := `
		INSERT INTO batches (
			id, product_id, branch_id, batch_number, quantity, expiry_date,
			cost_price, selling_price, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err := q.QueryRowxContext(ctx, query,
		batch.ID, batch.ProductID, batch.BranchID, batch.BatchNumber, batch.Quantity,
		batch.ExpiryDate, batch.CostPrice, batch.SellingPrice, batch.IsActive,
	).Scan(&batch.CreatedAt, &batch.UpdatedAt)
	return database.WrapError(err, "batch")
}

// GetByID gets a batch by ID
func (r *BatchRepository) GetByID(ctx context.Context, q database.Querier, id string) (*Batch, error) {
	var batch Batch
	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = $1`
	if err := q.GetContext(ctx, &batch, query, id); err != nil {
		return nil, database.WrapError(err, "batch")
	}
	return &batch, nil
}

// GetForUpdate gets a batch and locks its row until the transaction ends
func (r *BatchRepository) GetForUpdate(ctx context.Context, q database.Querier, id string) (*Batch, error) {
	var batch Batch
	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = $1 FOR UPDATE`
	if err := q.GetContext(ctx, &batch, query, id); err != nil {
		return nil, database.WrapError(err, "batch")
	}
	return &batch, nil
}

// LockBatches locks the given batches in id order and returns them in that
// order. Every caller that locks more than one batch goes through here, so
// concurrent units of work always acquire batch locks in the same sequence.
// Unknown ids are simply absent from the result.
func (r *BatchRepository) LockBatches(ctx context.Context, q database.Querier, ids []string) ([]*Batch, error) {
	batches := []*Batch{}
	if len(ids) == 0 {
		return batches, nil
	}
	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = ANY($1) ORDER BY id FOR UPDATE`
	if err := q.SelectContext(ctx, &batches, query, pq.Array(ids)); err != nil {
		return nil, database.WrapError(err, "batch")
	}
	return batches, nil
}

// ListAvailable returns active batches with stock for a product at a branch,
// earliest expiry first. With lock set the rows are locked FOR UPDATE.
func (r *BatchRepository) ListAvailable(ctx context.Context, q database.Querier, productID, branchID string, lock bool) ([]*Batch, error) {
	query := `
		SELECT ` + batchColumns + ` FROM batches
		WHERE product_id = $1 AND branch_id = $2 AND is_active = true AND quantity > 0
		ORDER BY expiry_date ASC, created_at ASC, id ASC
	`
	if lock {
		query += ` FOR UPDATE`
	}

	batches := []*Batch{}
	if err := q.SelectContext(ctx, &batches, query, productID, branchID); err != nil {
		return nil, err
	}
	return batches, nil
}

// FindMatching finds the active destination batch a transfer merges into:
// same branch, product, batch number and expiry date. Returns nil when none exists.
func (r *BatchRepository) FindMatching(ctx context.Context, q database.Querier, branchID, productID, batchNumber string, expiry time.Time) (*Batch, error) {
	var batch Batch
	query := `
		SELECT ` + batchColumns + ` FROM batches
		WHERE branch_id = $1 AND product_id = $2 AND batch_number = $3
			AND expiry_date = $4::date AND is_active = true
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE
	`
	if err := q.GetContext(ctx, &batch, query, branchID, productID, batchNumber, expiry.Format(time.DateOnly)); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &batch, nil
}

// Update updates the descriptive fields of a batch. Quantity only changes
// through Increment and Decrement.
func (r *BatchRepository) Update(ctx context.Context, q database.Querier, batch *Batch) error {
	query := `
		UPDATE batches SET
			batch_number = $2, expiry_date = $3, cost_price = $4, selling_price = $5,
			is_active = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := q.QueryRowxContext(ctx, query,
		batch.ID, batch.BatchNumber, batch.ExpiryDate, batch.CostPrice,
		batch.SellingPrice, batch.IsActive,
	).Scan(&batch.UpdatedAt)
	return database.WrapError(err, "batch")
}

// Delete deletes a batch
func (r *BatchRepository) Delete(ctx context.Context, q database.Querier, id string) error {
	result, err := q.ExecContext(ctx, `DELETE FROM batches WHERE id = $1`, id)
	if err != nil {
		return database.WrapError(err, "batch")
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("batch")
	}

	return nil
}

// Decrement removes qty units when the batch holds at least that many and
// returns the new quantity.
func (r *BatchRepository) Decrement(ctx context.Context, q database.Querier, id string, qty int) (int, error) {
	var newQty int
	query := `
		UPDATE batches SET quantity = quantity - $2, updated_at = NOW()
		WHERE id = $1 AND quantity >= $2
		RETURNING quantity
	`
	if err := q.QueryRowxContext(ctx, query, id, qty).Scan(&newQty); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return 0, errors.InsufficientStock("insufficient stock in batch").WithDetail("batch_id", id)
		}
		return 0, database.WrapError(err, "batch")
	}
	return newQty, nil
}

// Increment adds qty units and returns the new quantity
func (r *BatchRepository) Increment(ctx context.Context, q database.Querier, id string, qty int) (int, error) {
	var newQty int
	query := `
		UPDATE batches SET quantity = quantity + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING quantity
	`
	if err := q.QueryRowxContext(ctx, query, id, qty).Scan(&newQty); err != nil {
		return 0, database.WrapError(err, "batch")
	}
	return newQty, nil
}

// CountSaleReferences counts sale items pointing at the batch
func (r *BatchRepository) CountSaleReferences(ctx context.Context, q database.Querier, id string) (int, error) {
	var count int
	if err := q.GetContext(ctx, &count, `SELECT COUNT(*) FROM sale_items WHERE batch_id = $1`, id); err != nil {
		return 0, err
	}
	return count, nil
}

// RecordAdjustment appends an entry to the stock journal
func (r *BatchRepository) RecordAdjustment(ctx context.Context, q database.Querier, adj *StockAdjustment) error {
	if adj.ID == "" {
		adj.ID = uuid.New().String()
	}

	query := `
		INSERT INTO stock_adjustments (
			id, batch_id, product_id, branch_id, delta, previous_quantity,
			new_quantity, reason, reference_type, reference_id, performed_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at
	`

	return q.QueryRowxContext(ctx, query,
		adj.ID, adj.BatchID, adj.ProductID, adj.BranchID, adj.Delta,
		adj.PreviousQuantity, adj.NewQuantity, adj.Reason, adj.ReferenceType,
		adj.ReferenceID, adj.PerformedBy,
	).Scan(&adj.CreatedAt)
}

// ListAdjustments returns the journal of a batch, newest first
func (r *BatchRepository) ListAdjustments(ctx context.Context, q database.Querier, batchID string) ([]*StockAdjustment, error) {
	adjustments := []*StockAdjustment{}
	query := `
		SELECT id, batch_id, product_id, branch_id, delta, previous_quantity, new_quantity,
			reason, reference_type, reference_id, performed_by, created_at
		FROM stock_adjustments
		WHERE batch_id = $1
		ORDER BY created_at DESC
	`
	if err := q.SelectContext(ctx, &adjustments, query, batchID); err != nil {
		return nil, err
	}
	return adjustments, nil
}
