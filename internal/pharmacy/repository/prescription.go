package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
)

// Prescription statuses
const (
	PrescriptionPending            = "PENDING"
	PrescriptionPartiallyFulfilled = "PARTIALLY_FULFILLED"
	PrescriptionFulfilled          = "FULFILLED"
	PrescriptionCanceled           = "CANCELED"
)

// Prescription is a patient's prescription with its items
type Prescription struct {
	ID                 string              `db:"id" json:"id"`
	PrescriptionNumber string              `db:"prescription_number" json:"prescription_number"`
	PatientID          string              `db:"patient_id" json:"patient_id"`
	BranchID           string              `db:"branch_id" json:"branch_id"`
	DoctorName         *string             `db:"doctor_name" json:"doctor_name,omitempty"`
	Notes              *string             `db:"notes" json:"notes,omitempty"`
	Status             string              `db:"status" json:"status"`
	CreatedAt          time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time           `db:"updated_at" json:"updated_at"`
	Items              []*PrescriptionItem `db:"-" json:"items"`
}

// PrescriptionItem is one prescribed product with its dispensing progress
type PrescriptionItem struct {
	ID             string    `db:"id" json:"id"`
	PrescriptionID string    `db:"prescription_id" json:"prescription_id"`
	LineNo         int       `db:"line_no" json:"line_no"`
	ProductID      string    `db:"product_id" json:"product_id"`
	Quantity       int       `db:"quantity" json:"quantity"`
	Dispensed      int       `db:"dispensed" json:"dispensed"`
	Dosage         *string   `db:"dosage" json:"dosage,omitempty"`
	Instructions   *string   `db:"instructions" json:"instructions,omitempty"`
	BatchID        *string   `db:"batch_id" json:"batch_id,omitempty"`
	DispenseNotes  *string   `db:"dispense_notes" json:"dispense_notes,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Remaining is the quantity still to dispense
func (i *PrescriptionItem) Remaining() int {
	if i.Dispensed >= i.Quantity {
		return 0
	}
	return i.Quantity - i.Dispensed
}

const prescriptionColumns = `id, prescription_number, patient_id, branch_id, doctor_name, notes,
	status, created_at, updated_at`

const prescriptionItemColumns = `id, prescription_id, line_no, product_id, quantity, dispensed,
	dosage, instructions, batch_id, dispense_notes, created_at`

// PrescriptionRepository handles prescription persistence
type PrescriptionRepository struct{}

// NewPrescriptionRepository creates a new prescription repository
func NewPrescriptionRepository() *PrescriptionRepository {
	return &PrescriptionRepository{}
}

// Create inserts a prescription and its items
func (r *PrescriptionRepository) Create(ctx context.Context, q database.Querier, p *Prescription) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	query := `
		INSERT INTO prescriptions (id, prescription_number, patient_id, branch_id, doctor_name, notes, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	if err := q.QueryRowxContext(ctx, query,
		p.ID, p.PrescriptionNumber, p.PatientID, p.BranchID, p.DoctorName, p.Notes, p.Status,
	).Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return database.WrapError(err, "prescription")
	}

	for _, item := range p.Items {
		item.PrescriptionID = p.ID
		if err := r.AddItem(ctx, q, item); err != nil {
			return err
		}
	}

	return nil
}

// GetByID gets a prescription with its items
func (r *PrescriptionRepository) GetByID(ctx context.Context, q database.Querier, id string) (*Prescription, error) {
	return r.get(ctx, q, id, false)
}

// GetForUpdate gets a prescription with its items and locks the prescription row
func (r *PrescriptionRepository) GetForUpdate(ctx context.Context, q database.Querier, id string) (*Prescription, error) {
	return r.get(ctx, q, id, true)
}

func (r *PrescriptionRepository) get(ctx context.Context, q database.Querier, id string, lock bool) (*Prescription, error) {
	query := `SELECT ` + prescriptionColumns + ` FROM prescriptions WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	var p Prescription
	if err := q.GetContext(ctx, &p, query, id); err != nil {
		return nil, database.WrapError(err, "prescription")
	}

	p.Items = []*PrescriptionItem{}
	if err := q.SelectContext(ctx, &p.Items, `
		SELECT `+prescriptionItemColumns+`
		FROM prescription_items WHERE prescription_id = $1 ORDER BY line_no, id
	`, id); err != nil {
		return nil, err
	}

	return &p, nil
}

// UpdateStatus persists the derived status
func (r *PrescriptionRepository) UpdateStatus(ctx context.Context, q database.Querier, id, status string) error {
	result, err := q.ExecContext(ctx, `
		UPDATE prescriptions SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("prescription")
	}
	return nil
}

// AddItem appends an item after the existing ones
func (r *PrescriptionRepository) AddItem(ctx context.Context, q database.Querier, item *PrescriptionItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}

	query := `
		INSERT INTO prescription_items (
			id, prescription_id, line_no, product_id, quantity, dispensed,
			dosage, instructions, batch_id, dispense_notes
		) VALUES (
			$1, $2,
			COALESCE((SELECT MAX(line_no) FROM prescription_items WHERE prescription_id = $2), 0) + 1,
			$3, $4, $5, $6, $7, $8, $9
		)
		RETURNING line_no, created_at
	`
	err := q.QueryRowxContext(ctx, query,
		item.ID, item.PrescriptionID, item.ProductID, item.Quantity, item.Dispensed,
		item.Dosage, item.Instructions, item.BatchID, item.DispenseNotes,
	).Scan(&item.LineNo, &item.CreatedAt)
	return database.WrapError(err, "prescription item")
}

// UpdateItem persists every mutable field of an item
func (r *PrescriptionRepository) UpdateItem(ctx context.Context, q database.Querier, item *PrescriptionItem) error {
	result, err := q.ExecContext(ctx, `
		UPDATE prescription_items SET
			product_id = $2, quantity = $3, dispensed = $4, dosage = $5,
			instructions = $6, batch_id = $7, dispense_notes = $8
		WHERE id = $1
	`, item.ID, item.ProductID, item.Quantity, item.Dispensed, item.Dosage,
		item.Instructions, item.BatchID, item.DispenseNotes)
	if err != nil {
		return database.WrapError(err, "prescription item")
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("prescription item")
	}
	return nil
}

// DeleteItem removes an item
func (r *PrescriptionRepository) DeleteItem(ctx context.Context, q database.Querier, id string) error {
	result, err := q.ExecContext(ctx, `DELETE FROM prescription_items WHERE id = $1`, id)
	if err != nil {
		return database.WrapError(err, "prescription item")
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.NotFound("prescription item")
	}
	return nil
}
