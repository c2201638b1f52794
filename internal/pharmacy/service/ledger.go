package service

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/events"
	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	"github.com/shopspring/decimal"
)

// movement is one journaled change of a batch quantity
type movement struct {
	batch         *repository.Batch
	delta         int
	reason        string
	referenceType string
	referenceID   *string
	performedBy   *string
}

// stockMover applies quantity changes and writes the journal entry for each.
// It is the only path through which sales and transfers touch stock.
type stockMover struct {
	batches BatchStore
}

// apply changes the batch quantity by m.delta. A decrement is conditional on
// the batch holding enough stock and fails with InsufficientStock otherwise.
func (sm stockMover) apply(ctx context.Context, tx database.Querier, m movement) (*repository.StockAdjustment, error) {
	var (
		newQty int
		err    error
	)
	if m.delta < 0 {
		newQty, err = sm.batches.Decrement(ctx, tx, m.batch.ID, -m.delta)
	} else {
		newQty, err = sm.batches.Increment(ctx, tx, m.batch.ID, m.delta)
	}
	if err != nil {
		return nil, err
	}
	m.batch.Quantity = newQty

	refType := m.referenceType
	adj := &repository.StockAdjustment{
		BatchID:          m.batch.ID,
		ProductID:        m.batch.ProductID,
		BranchID:         m.batch.BranchID,
		Delta:            m.delta,
		PreviousQuantity: newQty - m.delta,
		NewQuantity:      newQty,
		Reason:           m.reason,
		ReferenceType:    &refType,
		ReferenceID:      m.referenceID,
		PerformedBy:      m.performedBy,
	}
	if err := sm.batches.RecordAdjustment(ctx, tx, adj); err != nil {
		return nil, err
	}
	return adj, nil
}

// lockBatches locks every batch in ids with one statement, in id order, and
// indexes them by id. Duplicates are locked once. An unknown id is NotFound.
func lockBatches(ctx context.Context, tx database.Querier, store BatchStore, ids []string) (map[string]*repository.Batch, error) {
	unique := slices.Clone(ids)
	slices.Sort(unique)
	unique = slices.Compact(unique)

	batches, err := store.LockBatches(ctx, tx, unique)
	if err != nil {
		return nil, err
	}

	locked := make(map[string]*repository.Batch, len(batches))
	for _, b := range batches {
		locked[b.ID] = b
	}
	for _, id := range unique {
		if _, ok := locked[id]; !ok {
			return nil, errors.NotFound("batch").WithDetail("batch_id", id)
		}
	}
	return locked, nil
}

// LedgerService owns batches and every manual change to their quantity
type LedgerService struct {
	uow       UnitOfWork
	stores    Stores
	mover     stockMover
	publisher *events.PharmacyEventPublisher
	effects   *SideEffects
	logger    *logger.Logger
}

// NewLedgerService creates a new ledger service
func NewLedgerService(uow UnitOfWork, stores Stores, publisher *events.PharmacyEventPublisher, log *logger.Logger) *LedgerService {
	return &LedgerService{
		uow:       uow,
		stores:    stores,
		mover:     stockMover{batches: stores.Batches},
		publisher: publisher,
		effects:   NewSideEffects(log),
		logger:    log,
	}
}

// CreateBatchInput describes a batch received into stock
type CreateBatchInput struct {
	ProductID    string
	BranchID     string
	BatchNumber  string
	Quantity     int
	ExpiryDate   time.Time
	CostPrice    decimal.Decimal
	SellingPrice decimal.Decimal
	PerformedBy  *string
}

// UpdateBatchInput holds the descriptive fields of a batch that may change
type UpdateBatchInput struct {
	BatchNumber  *string
	ExpiryDate   *time.Time
	CostPrice    *decimal.Decimal
	SellingPrice *decimal.Decimal
	IsActive     *bool
}

// AdjustInput is a manual correction of a batch quantity
type AdjustInput struct {
	BatchID     string
	Delta       int
	Reason      string
	PerformedBy *string
}

func validatePrices(cost, selling decimal.Decimal) error {
	if cost.IsNegative() {
		return errors.InvalidInput("cost price must not be negative")
	}
	if selling.IsNegative() {
		return errors.InvalidInput("selling price must not be negative")
	}
	return nil
}

// CreateBatch creates a batch. Initial stock is journaled as a receipt.
func (s *LedgerService) CreateBatch(ctx context.Context, in CreateBatchInput) (*repository.Batch, error) {
	if strings.TrimSpace(in.BatchNumber) == "" {
		return nil, errors.InvalidInput("batch number is required")
	}
	if in.Quantity < 0 {
		return nil, errors.InvalidQuantity("quantity must not be negative")
	}
	if in.ExpiryDate.IsZero() {
		return nil, errors.InvalidInput("expiry date is required")
	}
	if err := validatePrices(in.CostPrice, in.SellingPrice); err != nil {
		return nil, err
	}

	batch := &repository.Batch{
		ProductID:    in.ProductID,
		BranchID:     in.BranchID,
		BatchNumber:  in.BatchNumber,
		ExpiryDate:   in.ExpiryDate,
		CostPrice:    in.CostPrice,
		SellingPrice: in.SellingPrice,
		IsActive:     true,
	}

	var receipt *repository.StockAdjustment
	err := s.uow.Do(ctx, func(tx database.Querier) error {
		if _, err := s.stores.Directory.GetProduct(ctx, tx, in.ProductID); err != nil {
			return err
		}
		if _, err := s.stores.Directory.GetBranch(ctx, tx, in.BranchID); err != nil {
			return err
		}
		if err := s.stores.Batches.Create(ctx, tx, batch); err != nil {
			return err
		}
		if in.Quantity == 0 {
			return nil
		}

		var err error
		receipt, err = s.mover.apply(ctx, tx, movement{
			batch:         batch,
			delta:         in.Quantity,
			reason:        "batch received",
			referenceType: repository.ReferenceManual,
			performedBy:   in.PerformedBy,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("batch_id", batch.ID).Str("product_id", batch.ProductID).Int("quantity", batch.Quantity).Msg("batch created")
	if receipt != nil {
		s.effects.Run(ctx, "publish stock adjusted", func(ctx context.Context) error {
			return s.publisher.StockAdjusted(ctx, receipt)
		})
	}
	return batch, nil
}

// GetBatch gets a batch by ID
func (s *LedgerService) GetBatch(ctx context.Context, id string) (*repository.Batch, error) {
	return s.stores.Batches.GetByID(ctx, s.uow.Querier(), id)
}

// UpdateBatch changes descriptive fields. Quantity only changes through Adjust.
func (s *LedgerService) UpdateBatch(ctx context.Context, id string, in UpdateBatchInput) (*repository.Batch, error) {
	var batch *repository.Batch
	err := s.uow.Do(ctx, func(tx database.Querier) error {
		var err error
		batch, err = s.stores.Batches.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		if in.BatchNumber != nil {
			if strings.TrimSpace(*in.BatchNumber) == "" {
				return errors.InvalidInput("batch number is required")
			}
			batch.BatchNumber = *in.BatchNumber
		}
		if in.ExpiryDate != nil {
			batch.ExpiryDate = *in.ExpiryDate
		}
		if in.CostPrice != nil {
			batch.CostPrice = *in.CostPrice
		}
		if in.SellingPrice != nil {
			batch.SellingPrice = *in.SellingPrice
		}
		if in.IsActive != nil {
			batch.IsActive = *in.IsActive
		}
		if err := validatePrices(batch.CostPrice, batch.SellingPrice); err != nil {
			return err
		}

		return s.stores.Batches.Update(ctx, tx, batch)
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// DeleteBatch deletes a batch no sale refers to
func (s *LedgerService) DeleteBatch(ctx context.Context, id string) error {
	err := s.uow.Do(ctx, func(tx database.Querier) error {
		if _, err := s.stores.Batches.GetForUpdate(ctx, tx, id); err != nil {
			return err
		}

		refs, err := s.stores.Batches.CountSaleReferences(ctx, tx, id)
		if err != nil {
			return err
		}
		if refs > 0 {
			return errors.Conflict("batch is referenced by sales").WithDetail("batch_id", id)
		}

		return s.stores.Batches.Delete(ctx, tx, id)
	})
	if err != nil {
		return err
	}

	s.logger.Info().Str("batch_id", id).Msg("batch deleted")
	return nil
}

// Adjust applies a manual correction and journals it. The result must not
// go below zero.
func (s *LedgerService) Adjust(ctx context.Context, in AdjustInput) (*repository.StockAdjustment, error) {
	if in.Delta == 0 {
		return nil, errors.InvalidQuantity("adjustment must not be zero")
	}
	if strings.TrimSpace(in.Reason) == "" {
		return nil, errors.InvalidInput("reason is required")
	}

	var adj *repository.StockAdjustment
	err := s.uow.Do(ctx, func(tx database.Querier) error {
		batch, err := s.stores.Batches.GetForUpdate(ctx, tx, in.BatchID)
		if err != nil {
			return err
		}
		if batch.Quantity+in.Delta < 0 {
			return errors.InvalidQuantity("adjustment would make stock negative").
				WithDetail("batch_id", batch.ID)
		}

		adj, err = s.mover.apply(ctx, tx, movement{
			batch:         batch,
			delta:         in.Delta,
			reason:        in.Reason,
			referenceType: repository.ReferenceManual,
			performedBy:   in.PerformedBy,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("batch_id", adj.BatchID).Int("delta", adj.Delta).Int("new_quantity", adj.NewQuantity).Msg("stock adjusted")
	s.effects.Run(ctx, "publish stock adjusted", func(ctx context.Context) error {
		return s.publisher.StockAdjusted(ctx, adj)
	})
	return adj, nil
}

// FindAvailable lists the batches of a product at a branch that hold stock,
// in the order they are consumed
func (s *LedgerService) FindAvailable(ctx context.Context, productID, branchID string) ([]*repository.Batch, error) {
	batches, err := s.stores.Batches.ListAvailable(ctx, s.uow.Querier(), productID, branchID, false)
	if err != nil {
		return nil, err
	}
	return EarliestExpiryFirst(batches), nil
}

// ListAdjustments returns the journal of a batch, newest first
func (s *LedgerService) ListAdjustments(ctx context.Context, batchID string) ([]*repository.StockAdjustment, error) {
	q := s.uow.Querier()
	if _, err := s.stores.Batches.GetByID(ctx, q, batchID); err != nil {
		return nil, err
	}
	return s.stores.Batches.ListAdjustments(ctx, q, batchID)
}
