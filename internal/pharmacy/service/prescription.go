package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/events"
	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
)

// DeriveStatus projects the prescription status from its items: FULFILLED
// when every item is fully dispensed, PARTIALLY_FULFILLED when anything was
// dispensed, PENDING otherwise. A prescription without items is PENDING.
func DeriveStatus(items []*repository.PrescriptionItem) string {
	if len(items) == 0 {
		return repository.PrescriptionPending
	}

	all, some := true, false
	for _, item := range items {
		if item.Dispensed < item.Quantity {
			all = false
		}
		if item.Dispensed > 0 {
			some = true
		}
	}

	switch {
	case all:
		return repository.PrescriptionFulfilled
	case some:
		return repository.PrescriptionPartiallyFulfilled
	default:
		return repository.PrescriptionPending
	}
}

// reconcile re-derives and persists the status of rx. A cancelled
// prescription keeps its status. Reports whether the status changed.
func reconcile(ctx context.Context, tx database.Querier, store PrescriptionStore, rx *repository.Prescription) (bool, error) {
	if rx.Status == repository.PrescriptionCanceled {
		return false, nil
	}
	status := DeriveStatus(rx.Items)
	if status == rx.Status {
		return false, nil
	}
	if err := store.UpdateStatus(ctx, tx, rx.ID, status); err != nil {
		return false, err
	}
	rx.Status = status
	return true, nil
}

func findItem(rx *repository.Prescription, itemID string) *repository.PrescriptionItem {
	for _, item := range rx.Items {
		if item.ID == itemID {
			return item
		}
	}
	return nil
}

func isClosed(rx *repository.Prescription) bool {
	return rx.Status == repository.PrescriptionFulfilled || rx.Status == repository.PrescriptionCanceled
}

// PrescriptionService manages prescriptions and their dispensing progress
type PrescriptionService struct {
	uow       UnitOfWork
	stores    Stores
	publisher *events.PharmacyEventPublisher
	effects   *SideEffects
	logger    *logger.Logger
	now       func() time.Time
}

// NewPrescriptionService creates a new prescription service
func NewPrescriptionService(uow UnitOfWork, stores Stores, publisher *events.PharmacyEventPublisher, log *logger.Logger) *PrescriptionService {
	return &PrescriptionService{
		uow:       uow,
		stores:    stores,
		publisher: publisher,
		effects:   NewSideEffects(log),
		logger:    log,
		now:       time.Now,
	}
}

// PrescriptionItemInput is one prescribed product
type PrescriptionItemInput struct {
	ProductID    string
	Quantity     int
	Dosage       *string
	Instructions *string
}

// CreatePrescriptionInput creates a prescription. An empty number is generated.
type CreatePrescriptionInput struct {
	PrescriptionNumber string
	PatientID          string
	BranchID           string
	DoctorName         *string
	Notes              *string
	Items              []PrescriptionItemInput
}

// UpdatePrescriptionItemInput changes an item
type UpdatePrescriptionItemInput struct {
	Quantity     *int
	Dosage       *string
	Instructions *string
}

// DispenseInput dispenses part of one item
type DispenseInput struct {
	ItemID   string
	Quantity int
	BatchID  *string
	Notes    *string
}

// Create creates a PENDING prescription with its items
func (s *PrescriptionService) Create(ctx context.Context, in CreatePrescriptionInput) (*repository.Prescription, error) {
	if len(in.Items) == 0 {
		return nil, errors.InvalidInput("prescription needs at least one item")
	}
	for i, item := range in.Items {
		if item.Quantity <= 0 {
			return nil, errors.InvalidQuantity(fmt.Sprintf("item %d: quantity must be positive", i+1))
		}
	}

	number := strings.TrimSpace(in.PrescriptionNumber)
	if number == "" {
		number = documentNumber("RX", s.now())
	}

	rx := &repository.Prescription{
		PrescriptionNumber: number,
		PatientID:          in.PatientID,
		BranchID:           in.BranchID,
		DoctorName:         in.DoctorName,
		Notes:              in.Notes,
		Status:             repository.PrescriptionPending,
	}
	for _, item := range in.Items {
		rx.Items = append(rx.Items, &repository.PrescriptionItem{
			ProductID:    item.ProductID,
			Quantity:     item.Quantity,
			Dosage:       item.Dosage,
			Instructions: item.Instructions,
		})
	}

	err := s.uow.Do(ctx, func(tx database.Querier) error {
		if _, err := s.stores.Directory.GetPatient(ctx, tx, in.PatientID); err != nil {
			return err
		}
		if _, err := s.stores.Directory.GetBranch(ctx, tx, in.BranchID); err != nil {
			return err
		}
		for _, item := range rx.Items {
			if _, err := s.stores.Directory.GetProduct(ctx, tx, item.ProductID); err != nil {
				return err
			}
		}
		return s.stores.Prescriptions.Create(ctx, tx, rx)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("prescription_id", rx.ID).Str("prescription_number", rx.PrescriptionNumber).Msg("prescription created")
	return rx, nil
}

// Get gets a prescription with its items
func (s *PrescriptionService) Get(ctx context.Context, id string) (*repository.Prescription, error) {
	return s.stores.Prescriptions.GetByID(ctx, s.uow.Querier(), id)
}

// mutate runs fn on the locked prescription, reconciles its status and
// publishes the result after commit
func (s *PrescriptionService) mutate(ctx context.Context, id string, fn func(tx database.Querier, rx *repository.Prescription) error) (*repository.Prescription, error) {
	var rx *repository.Prescription
	err := s.uow.Do(ctx, func(tx database.Querier) error {
		var err error
		rx, err = s.stores.Prescriptions.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(tx, rx); err != nil {
			return err
		}
		_, err = reconcile(ctx, tx, s.stores.Prescriptions, rx)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.effects.Run(ctx, "publish prescription updated", func(ctx context.Context) error {
		return s.publisher.PrescriptionUpdated(ctx, rx)
	})
	return rx, nil
}

func blockClosed(rx *repository.Prescription) error {
	if isClosed(rx) {
		return errors.InvalidState("prescription is " + strings.ToLower(rx.Status)).WithDetail("status", rx.Status)
	}
	return nil
}

// AddItem appends an item to an open prescription
func (s *PrescriptionService) AddItem(ctx context.Context, prescriptionID string, in PrescriptionItemInput) (*repository.Prescription, error) {
	if in.Quantity <= 0 {
		return nil, errors.InvalidQuantity("quantity must be positive")
	}

	return s.mutate(ctx, prescriptionID, func(tx database.Querier, rx *repository.Prescription) error {
		if err := blockClosed(rx); err != nil {
			return err
		}
		if _, err := s.stores.Directory.GetProduct(ctx, tx, in.ProductID); err != nil {
			return err
		}

		item := &repository.PrescriptionItem{
			PrescriptionID: rx.ID,
			ProductID:      in.ProductID,
			Quantity:       in.Quantity,
			Dosage:         in.Dosage,
			Instructions:   in.Instructions,
		}
		if err := s.stores.Prescriptions.AddItem(ctx, tx, item); err != nil {
			return err
		}
		rx.Items = append(rx.Items, item)
		return nil
	})
}

// UpdateItem edits an item of an open prescription. Quantity cannot drop
// below what was already dispensed.
func (s *PrescriptionService) UpdateItem(ctx context.Context, prescriptionID, itemID string, in UpdatePrescriptionItemInput) (*repository.Prescription, error) {
	return s.mutate(ctx, prescriptionID, func(tx database.Querier, rx *repository.Prescription) error {
		if err := blockClosed(rx); err != nil {
			return err
		}
		item := findItem(rx, itemID)
		if item == nil {
			return errors.NotFound("prescription item")
		}

		if in.Quantity != nil {
			if *in.Quantity <= 0 {
				return errors.InvalidQuantity("quantity must be positive")
			}
			if *in.Quantity < item.Dispensed {
				return errors.InvalidState("quantity is below the dispensed amount").
					WithDetail("dispensed", fmt.Sprint(item.Dispensed))
			}
			item.Quantity = *in.Quantity
		}
		if in.Dosage != nil {
			item.Dosage = in.Dosage
		}
		if in.Instructions != nil {
			item.Instructions = in.Instructions
		}

		return s.stores.Prescriptions.UpdateItem(ctx, tx, item)
	})
}

// RemoveItem removes an item nothing was dispensed from
func (s *PrescriptionService) RemoveItem(ctx context.Context, prescriptionID, itemID string) (*repository.Prescription, error) {
	return s.mutate(ctx, prescriptionID, func(tx database.Querier, rx *repository.Prescription) error {
		if err := blockClosed(rx); err != nil {
			return err
		}
		item := findItem(rx, itemID)
		if item == nil {
			return errors.NotFound("prescription item")
		}
		if item.Dispensed > 0 {
			return errors.InvalidState("item has already been dispensed")
		}

		if err := s.stores.Prescriptions.DeleteItem(ctx, tx, itemID); err != nil {
			return err
		}

		kept := rx.Items[:0]
		for _, it := range rx.Items {
			if it.ID != itemID {
				kept = append(kept, it)
			}
		}
		rx.Items = kept
		return nil
	})
}

// DispenseItems records dispensed quantities. Every line is checked before
// anything changes: no item may exceed its prescribed quantity.
func (s *PrescriptionService) DispenseItems(ctx context.Context, prescriptionID string, lines []DispenseInput) (*repository.Prescription, error) {
	if len(lines) == 0 {
		return nil, errors.InvalidInput("nothing to dispense")
	}
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, errors.InvalidQuantity("quantity to dispense must be positive")
		}
	}

	return s.mutate(ctx, prescriptionID, func(tx database.Querier, rx *repository.Prescription) error {
		if rx.Status == repository.PrescriptionCanceled {
			return errors.InvalidState("prescription is canceled")
		}

		requested := map[string]int{}
		for _, line := range lines {
			item := findItem(rx, line.ItemID)
			if item == nil {
				return errors.NotFound("prescription item")
			}
			requested[item.ID] += line.Quantity
			if item.Dispensed+requested[item.ID] > item.Quantity {
				return errors.LimitExceeded("dispensed quantity would exceed the prescribed quantity").
					WithDetail("item_id", item.ID).
					WithDetail("remaining", fmt.Sprint(item.Remaining()))
			}
		}

		for _, line := range lines {
			item := findItem(rx, line.ItemID)
			item.Dispensed += line.Quantity
			if line.BatchID != nil {
				item.BatchID = line.BatchID
			}
			if line.Notes != nil {
				item.DispenseNotes = line.Notes
			}
			if err := s.stores.Prescriptions.UpdateItem(ctx, tx, item); err != nil {
				return err
			}
		}
		return nil
	})
}

// Cancel cancels a prescription no sale is linked to
func (s *PrescriptionService) Cancel(ctx context.Context, prescriptionID string) (*repository.Prescription, error) {
	var rx *repository.Prescription
	err := s.uow.Do(ctx, func(tx database.Querier) error {
		var err error
		rx, err = s.stores.Prescriptions.GetForUpdate(ctx, tx, prescriptionID)
		if err != nil {
			return err
		}
		if rx.Status == repository.PrescriptionCanceled {
			return errors.InvalidState("prescription is already canceled")
		}

		sales, err := s.stores.Sales.CountByPrescription(ctx, tx, prescriptionID)
		if err != nil {
			return err
		}
		if sales > 0 {
			return errors.InvalidState("prescription is linked to sales").WithDetail("sales", fmt.Sprint(sales))
		}

		if err := s.stores.Prescriptions.UpdateStatus(ctx, tx, rx.ID, repository.PrescriptionCanceled); err != nil {
			return err
		}
		rx.Status = repository.PrescriptionCanceled
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("prescription_id", rx.ID).Msg("prescription canceled")
	s.effects.Run(ctx, "publish prescription updated", func(ctx context.Context) error {
		return s.publisher.PrescriptionUpdated(ctx, rx)
	})
	return rx, nil
}
