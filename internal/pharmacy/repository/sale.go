package repository

import (
	"context"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/shopspring/decimal"
)

// Payment statuses
const (
	PaymentPaid      = "PAID"
	PaymentPending   = "PENDING"
	PaymentCancelled = "CANCELLED"
)

// Sale is a committed sale with its line items
type Sale struct {
	ID                 string           `db:"id" json:"id"`
	InvoiceNumber      string           `db:"invoice_number" json:"invoice_number"`
	BranchID           string           `db:"branch_id" json:"branch_id"`
	SoldByID           string           `db:"sold_by_id" json:"sold_by_id"`
	CustomerName       *string          `db:"customer_name" json:"customer_name,omitempty"`
	PatientID          *string          `db:"patient_id" json:"patient_id,omitempty"`
	PrescriptionID     *string          `db:"prescription_id" json:"prescription_id,omitempty"`
	PatientInsuranceID *string          `db:"patient_insurance_id" json:"patient_insurance_id,omitempty"`
	Total              decimal.Decimal  `db:"total" json:"total"`
	PatientPaid        decimal.Decimal  `db:"patient_paid" json:"patient_paid"`
	InsurancePaid      *decimal.Decimal `db:"insurance_paid" json:"insurance_paid,omitempty"`
	PaymentMethod      string           `db:"payment_method" json:"payment_method"`
	PaymentStatus      string           `db:"payment_status" json:"payment_status"`
	CreatedAt          time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time        `db:"updated_at" json:"updated_at"`
	Items              []*SaleItem      `db:"-" json:"items"`
}

// SaleItem is one batch line of a sale
type SaleItem struct {
	ID                 string           `db:"id" json:"id"`
	SaleID             string           `db:"sale_id" json:"sale_id"`
	LineNo             int              `db:"line_no" json:"line_no"`
	BatchID            string           `db:"batch_id" json:"batch_id"`
	PrescriptionItemID *string          `db:"prescription_item_id" json:"prescription_item_id,omitempty"`
	ProductID          string           `db:"product_id" json:"product_id"`
	Quantity           int              `db:"quantity" json:"quantity"`
	UnitPrice          decimal.Decimal  `db:"unit_price" json:"unit_price"`
	Discount           decimal.Decimal  `db:"discount" json:"discount"`
	Total              decimal.Decimal  `db:"total" json:"total"`
	InsuranceCoverage  *decimal.Decimal `db:"insurance_coverage" json:"insurance_coverage,omitempty"`
	CoveragePercentage *decimal.Decimal `db:"coverage_percentage" json:"coverage_percentage,omitempty"`
}

// SaleFilter narrows a sale list
type SaleFilter struct {
	BranchID       *string
	PatientID      *string
	PrescriptionID *string
	PaymentStatus  *string
	From           *time.Time
	To             *time.Time
	Page           Page
}

const saleColumns = `id, invoice_number, branch_id, sold_by_id, customer_name, patient_id,
	prescription_id, patient_insurance_id, total, patient_paid, insurance_paid,
	payment_method, payment_status, created_at, updated_at`

// SaleRepository handles sale persistence
type SaleRepository struct{}

// NewSaleRepository creates a new sale repository
func NewSaleRepository() *SaleRepository {
	return &SaleRepository{}
}

// Create inserts a sale and its items
func (r *SaleRepository) Create(ctx context.Context, q database.Querier, sale *Sale) error {
	if sale.ID == "" {
		sale.ID = uuid.New().String()
	}

	query := `
		INSERT INTO sales (
			id, invoice_number, branch_id, sold_by_id, customer_name, patient_id,
			prescription_id, patient_insurance_id, total, patient_paid, insurance_paid,
			payment_method, payment_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`
	if err := q.QueryRowxContext(ctx, query,
		sale.ID, sale.InvoiceNumber, sale.BranchID, sale.SoldByID, sale.CustomerName,
		sale.PatientID, sale.PrescriptionID, sale.PatientInsuranceID, sale.Total,
		sale.PatientPaid, sale.InsurancePaid, sale.PaymentMethod, sale.PaymentStatus,
	).Scan(&sale.CreatedAt, &sale.UpdatedAt); err != nil {
		return database.WrapError(err, "sale")
	}

	for i, item := range sale.Items {
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		item.SaleID = sale.ID
		item.LineNo = i + 1

		_, err := q.ExecContext(ctx, `
			INSERT INTO sale_items (
				id, sale_id, line_no, batch_id, prescription_item_id, product_id, quantity,
				unit_price, discount, total, insurance_coverage, coverage_percentage
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, item.ID, item.SaleID, item.LineNo, item.BatchID, item.PrescriptionItemID, item.ProductID,
			item.Quantity, item.UnitPrice, item.Discount, item.Total, item.InsuranceCoverage,
			item.CoveragePercentage)
		if err != nil {
			return database.WrapError(err, "sale item")
		}
	}

	return nil
}

// GetByID gets a sale with its items
func (r *SaleRepository) GetByID(ctx context.Context, q database.Querier, id string) (*Sale, error) {
	return r.get(ctx, q, id, false)
}

// GetForUpdate gets a sale with its items and locks the sale row
func (r *SaleRepository) GetForUpdate(ctx context.Context, q database.Querier, id string) (*Sale, error) {
	return r.get(ctx, q, id, true)
}

func (r *SaleRepository) get(ctx context.Context, q database.Querier, id string, lock bool) (*Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	var sale Sale
	if err := q.GetContext(ctx, &sale, query, id); err != nil {
		return nil, database.WrapError(err, "sale")
	}

	sale.Items = []*SaleItem{}
	if err := q.SelectContext(ctx, &sale.Items, `
		SELECT id, sale_id, line_no, batch_id, prescription_item_id, product_id, quantity,
			unit_price, discount, total, insurance_coverage, coverage_percentage
		FROM sale_items WHERE sale_id = $1 ORDER BY line_no, id
	`, id); err != nil {
		return nil, err
	}

	return &sale, nil
}

// UpdatePaymentStatus overwrites the payment status
func (r *SaleRepository) UpdatePaymentStatus(ctx context.Context, q database.Querier, id, status string) error {
	var updatedAt time.Time
	err := q.QueryRowxContext(ctx, `
		UPDATE sales SET payment_status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, id, status).Scan(&updatedAt)
	return database.WrapError(err, "sale")
}

// CountByPrescription counts the sales linked to a prescription
func (r *SaleRepository) CountByPrescription(ctx context.Context, q database.Querier, prescriptionID string) (int, error) {
	var count int
	if err := q.GetContext(ctx, &count, `SELECT COUNT(*) FROM sales WHERE prescription_id = $1`, prescriptionID); err != nil {
		return 0, err
	}
	return count, nil
}

// List returns sales matching the filter, newest first, without items
func (r *SaleRepository) List(ctx context.Context, q database.Querier, filter SaleFilter) (ListResult[*Sale], error) {
	sb := psql.Select(saleColumns).From("sales")

	if filter.BranchID != nil {
		sb = sb.Where(squirrel.Eq{"branch_id": *filter.BranchID})
	}
	if filter.PatientID != nil {
		sb = sb.Where(squirrel.Eq{"patient_id": *filter.PatientID})
	}
	if filter.PrescriptionID != nil {
		sb = sb.Where(squirrel.Eq{"prescription_id": *filter.PrescriptionID})
	}
	if filter.PaymentStatus != nil {
		sb = sb.Where(squirrel.Eq{"payment_status": *filter.PaymentStatus})
	}
	if filter.From != nil {
		sb = sb.Where(squirrel.GtOrEq{"created_at": *filter.From})
	}
	if filter.To != nil {
		sb = sb.Where(squirrel.Lt{"created_at": *filter.To})
	}

	return selectPage[*Sale](ctx, q, sb, "created_at DESC", filter.Page)
}
