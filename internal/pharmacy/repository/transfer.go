package repository

import (
	"context"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
)

// Transfer statuses
const (
	TransferPending   = "PENDING"
	TransferApproved  = "APPROVED"
	TransferCompleted = "COMPLETED"
)

// StockTransfer moves stock between two branches
type StockTransfer struct {
	ID           string          `db:"id" json:"id"`
	FromBranchID string          `db:"from_branch_id" json:"from_branch_id"`
	ToBranchID   string          `db:"to_branch_id" json:"to_branch_id"`
	Status       string          `db:"status" json:"status"`
	RequestedBy  string          `db:"requested_by" json:"requested_by"`
	ApprovedBy   *string         `db:"approved_by" json:"approved_by,omitempty"`
	Notes        *string         `db:"notes" json:"notes,omitempty"`
	ApprovedAt   *time.Time      `db:"approved_at" json:"approved_at,omitempty"`
	CompletedAt  *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
	Items        []*TransferItem `db:"-" json:"items"`
}

// TransferItem is one product line of a transfer. BatchID targets a specific
// source batch; without it the source is allocated earliest expiry first.
type TransferItem struct {
	ID          string  `db:"id" json:"id"`
	TransferID  string  `db:"transfer_id" json:"transfer_id"`
	LineNo      int     `db:"line_no" json:"line_no"`
	ProductID   string  `db:"product_id" json:"product_id"`
	Quantity    int     `db:"quantity" json:"quantity"`
	BatchID     *string `db:"batch_id" json:"batch_id,omitempty"`
	BatchNumber *string `db:"batch_number" json:"batch_number,omitempty"`
}

// TransferFilter narrows a transfer list. BranchID matches either side.
type TransferFilter struct {
	BranchID *string
	Status   *string
	Page     Page
}

const transferColumns = `id, from_branch_id, to_branch_id, status, requested_by, approved_by,
	notes, approved_at, completed_at, created_at, updated_at`

// TransferRepository handles transfer persistence
type TransferRepository struct{}

// NewTransferRepository creates a new transfer repository
func NewTransferRepository() *TransferRepository {
	return &TransferRepository{}
}

// Create inserts a transfer and its items
func (r *TransferRepository) Create(ctx context.Context, q database.Querier, t *StockTransfer) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}

	query := `
		INSERT INTO stock_transfers (id, from_branch_id, to_branch_id, status, requested_by, notes)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`
	if err := q.QueryRowxContext(ctx, query,
		t.ID, t.FromBranchID, t.ToBranchID, t.Status, t.RequestedBy, t.Notes,
	).Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		return database.WrapError(err, "transfer")
	}

	for i, item := range t.Items {
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		item.TransferID = t.ID
		item.LineNo = i + 1

		_, err := q.ExecContext(ctx, `
			INSERT INTO transfer_items (id, transfer_id, line_no, product_id, quantity, batch_id, batch_number)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, item.ID, item.TransferID, item.LineNo, item.ProductID, item.Quantity, item.BatchID, item.BatchNumber)
		if err != nil {
			return database.WrapError(err, "transfer item")
		}
	}

	return nil
}

// GetByID gets a transfer with its items
func (r *TransferRepository) GetByID(ctx context.Context, q database.Querier, id string) (*StockTransfer, error) {
	return r.get(ctx, q, id, false)
}

// GetForUpdate gets a transfer with its items and locks the transfer row
func (r *TransferRepository) GetForUpdate(ctx context.Context, q database.Querier, id string) (*StockTransfer, error) {
	return r.get(ctx, q, id, true)
}

func (r *TransferRepository) get(ctx context.Context, q database.Querier, id string, lock bool) (*StockTransfer, error) {
	query := `SELECT ` + transferColumns + ` FROM stock_transfers WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	var t StockTransfer
	if err := q.GetContext(ctx, &t, query, id); err != nil {
		return nil, database.WrapError(err, "transfer")
	}

	t.Items = []*TransferItem{}
	if err := q.SelectContext(ctx, &t.Items, `
		SELECT id, transfer_id, line_no, product_id, quantity, batch_id, batch_number
		FROM transfer_items WHERE transfer_id = $1 ORDER BY line_no, id
	`, id); err != nil {
		return nil, err
	}

	return &t, nil
}

// UpdateStatus persists the status and the approval/completion stamps
func (r *TransferRepository) UpdateStatus(ctx context.Context, q database.Querier, t *StockTransfer) error {
	query := `
		UPDATE stock_transfers SET
			status = $2, approved_by = $3, approved_at = $4, completed_at = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err := q.QueryRowxContext(ctx, query,
		t.ID, t.Status, t.ApprovedBy, t.ApprovedAt, t.CompletedAt,
	).Scan(&t.UpdatedAt)
	return database.WrapError(err, "transfer")
}

// List returns transfers matching the filter, newest first, without items
func (r *TransferRepository) List(ctx context.Context, q database.Querier, filter TransferFilter) (ListResult[*StockTransfer], error) {
	sb := psql.Select(transferColumns).From("stock_transfers")

	if filter.BranchID != nil {
		sb = sb.Where(squirrel.Or{
			squirrel.Eq{"from_branch_id": *filter.BranchID},
			squirrel.Eq{"to_branch_id": *filter.BranchID},
		})
	}
	if filter.Status != nil {
		sb = sb.Where(squirrel.Eq{"status": *filter.Status})
	}

	return selectPage[*StockTransfer](ctx, q, sb, "created_at DESC", filter.Page)
}
