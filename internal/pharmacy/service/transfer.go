package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/events"
	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
)

// TransferService moves stock between branches: PENDING -> APPROVED -> COMPLETED
type TransferService struct {
	uow       UnitOfWork
	stores    Stores
	mover     stockMover
	publisher *events.PharmacyEventPublisher
	effects   *SideEffects
	logger    *logger.Logger
	now       func() time.Time
}

// NewTransferService creates a new transfer service
func NewTransferService(uow UnitOfWork, stores Stores, publisher *events.PharmacyEventPublisher, log *logger.Logger) *TransferService {
	return &TransferService{
		uow:       uow,
		stores:    stores,
		mover:     stockMover{batches: stores.Batches},
		publisher: publisher,
		effects:   NewSideEffects(log),
		logger:    log,
		now:       time.Now,
	}
}

// TransferItemInput is one requested line. BatchID pins the source batch.
type TransferItemInput struct {
	ProductID string
	Quantity  int
	BatchID   *string
}

// RequestTransferInput creates a pending transfer
type RequestTransferInput struct {
	FromBranchID string
	ToBranchID   string
	RequestedBy  string
	Notes        *string
	Items        []TransferItemInput
}

// Request validates branches and source stock and records a PENDING
// transfer. No stock moves until Complete.
func (s *TransferService) Request(ctx context.Context, in RequestTransferInput) (*repository.StockTransfer, error) {
	if in.FromBranchID == in.ToBranchID {
		return nil, errors.InvalidInput("source and destination branch must differ")
	}
	if len(in.Items) == 0 {
		return nil, errors.InvalidInput("transfer needs at least one item")
	}
	for i, item := range in.Items {
		if item.Quantity <= 0 {
			return nil, errors.InvalidQuantity(fmt.Sprintf("item %d: quantity must be positive", i+1))
		}
	}

	transfer := &repository.StockTransfer{
		FromBranchID: in.FromBranchID,
		ToBranchID:   in.ToBranchID,
		Status:       repository.TransferPending,
		RequestedBy:  in.RequestedBy,
		Notes:        in.Notes,
	}

	err := s.uow.Do(ctx, func(tx database.Querier) error {
		from, err := s.stores.Directory.GetBranch(ctx, tx, in.FromBranchID)
		if err != nil {
			return err
		}
		to, err := s.stores.Directory.GetBranch(ctx, tx, in.ToBranchID)
		if err != nil {
			return err
		}
		if from.PharmacyID != to.PharmacyID {
			return errors.InvalidInput("branches belong to different pharmacies")
		}
		if _, err := s.stores.Directory.GetUser(ctx, tx, in.RequestedBy); err != nil {
			return err
		}

		// demand accumulates over lines so two lines cannot both count the same
		// stock; pinned quantities also come out of the product's FIFO pool
		batchDemand := map[string]int{}
		pinnedDemand := map[string]int{}
		productDemand := map[string]int{}

		lines := make([]*repository.TransferItem, len(in.Items))
		for i, item := range in.Items {
			lines[i] = &repository.TransferItem{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				BatchID:   item.BatchID,
			}
			if item.BatchID == nil {
				continue
			}

			batch, err := s.stores.Batches.GetByID(ctx, tx, *item.BatchID)
			if err != nil {
				return err
			}
			if batch.BranchID != in.FromBranchID {
				return errors.InvalidInput("batch does not belong to the source branch").WithDetail("batch_id", batch.ID)
			}
			if batch.ProductID != item.ProductID {
				return errors.InvalidInput("batch does not hold the requested product").WithDetail("batch_id", batch.ID)
			}
			if !batch.IsActive {
				return errors.InvalidInput("batch is inactive").WithDetail("batch_id", batch.ID)
			}
			batchDemand[batch.ID] += item.Quantity
			if batch.Quantity < batchDemand[batch.ID] {
				return errors.InsufficientStock("not enough stock in batch").WithDetail("batch_id", batch.ID)
			}
			pinnedDemand[item.ProductID] += item.Quantity
			number := batch.BatchNumber
			lines[i].BatchNumber = &number
		}

		for _, item := range in.Items {
			if item.BatchID != nil {
				continue
			}
			if _, err := s.stores.Directory.GetProduct(ctx, tx, item.ProductID); err != nil {
				return err
			}
			available, err := s.stores.Batches.ListAvailable(ctx, tx, item.ProductID, in.FromBranchID, false)
			if err != nil {
				return err
			}
			total := 0
			for _, b := range available {
				total += b.Quantity
			}
			productDemand[item.ProductID] += item.Quantity
			if total-pinnedDemand[item.ProductID] < productDemand[item.ProductID] {
				return errors.InsufficientStock("not enough stock at source branch").WithDetail("product_id", item.ProductID)
			}
		}

		transfer.Items = lines
		return s.stores.Transfers.Create(ctx, tx, transfer)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("transfer_id", transfer.ID).Str("from", transfer.FromBranchID).Str("to", transfer.ToBranchID).Msg("transfer requested")
	s.effects.Run(ctx, "publish transfer requested", func(ctx context.Context) error {
		return s.publisher.TransferRequested(ctx, transfer)
	})
	return transfer, nil
}

// Approve moves a PENDING transfer to APPROVED
func (s *TransferService) Approve(ctx context.Context, id, approvedBy string) (*repository.StockTransfer, error) {
	var transfer *repository.StockTransfer
	err := s.uow.Do(ctx, func(tx database.Querier) error {
		var err error
		transfer, err = s.stores.Transfers.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if transfer.Status != repository.TransferPending {
			return errors.InvalidState("only pending transfers can be approved").WithDetail("status", transfer.Status)
		}

		now := s.now()
		transfer.Status = repository.TransferApproved
		transfer.ApprovedBy = &approvedBy
		transfer.ApprovedAt = &now
		return s.stores.Transfers.UpdateStatus(ctx, tx, transfer)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("transfer_id", id).Str("approved_by", approvedBy).Msg("transfer approved")
	s.effects.Run(ctx, "publish transfer approved", func(ctx context.Context) error {
		return s.publisher.TransferApproved(ctx, transfer)
	})
	return transfer, nil
}

// Complete moves the stock of an APPROVED transfer. Source batches are locked
// in id order up front. Pinned lines come out of their batch, the others are
// allocated EarliestExpiryFirst. Each slice merges into an active destination
// batch with the same product, batch number and expiry or creates one. Any
// shortfall rolls the whole transfer back.
func (s *TransferService) Complete(ctx context.Context, id string, performedBy *string) (*repository.StockTransfer, error) {
	var transfer *repository.StockTransfer
	err := s.uow.Do(ctx, func(tx database.Querier) error {
		var err error
		transfer, err = s.stores.Transfers.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if transfer.Status != repository.TransferApproved {
			return errors.InvalidState("only approved transfers can be completed").WithDetail("status", transfer.Status)
		}

		locked, err := s.lockSources(ctx, tx, transfer)
		if err != nil {
			return err
		}

		// pinned lines first so FIFO lines cannot drain a batch a line asked for
		var allocations []Allocation
		for _, item := range transfer.Items {
			if item.BatchID == nil {
				continue
			}
			batch := locked[*item.BatchID]
			if !batch.IsActive {
				return errors.InvalidInput("batch is inactive").WithDetail("batch_id", batch.ID)
			}
			allocations = append(allocations, Allocation{Batch: batch, Quantity: item.Quantity})
		}
		for _, alloc := range allocations {
			if err := s.moveSlice(ctx, tx, transfer, alloc, performedBy); err != nil {
				return err
			}
		}

		for _, item := range transfer.Items {
			if item.BatchID != nil {
				continue
			}
			var pool []*repository.Batch
			for _, b := range locked {
				if b.ProductID == item.ProductID && b.BranchID == transfer.FromBranchID && b.IsActive {
					pool = append(pool, b)
				}
			}
			fifo, err := AllocateFIFO(pool, item.Quantity)
			if err != nil {
				return err
			}
			for _, alloc := range fifo {
				if err := s.moveSlice(ctx, tx, transfer, alloc, performedBy); err != nil {
					return err
				}
			}
		}

		now := s.now()
		transfer.Status = repository.TransferCompleted
		transfer.CompletedAt = &now
		return s.stores.Transfers.UpdateStatus(ctx, tx, transfer)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("transfer_id", id).Int("items", len(transfer.Items)).Msg("transfer completed")
	s.effects.Run(ctx, "publish transfer completed", func(ctx context.Context) error {
		return s.publisher.TransferCompleted(ctx, transfer)
	})
	return transfer, nil
}

// lockSources locks every batch the transfer may draw from, pinned batches
// and the available batches of each FIFO product, in one id-ordered statement
func (s *TransferService) lockSources(ctx context.Context, tx database.Querier, transfer *repository.StockTransfer) (map[string]*repository.Batch, error) {
	var ids []string
	seen := map[string]bool{}
	for _, item := range transfer.Items {
		if item.BatchID != nil {
			ids = append(ids, *item.BatchID)
			continue
		}
		if seen[item.ProductID] {
			continue
		}
		seen[item.ProductID] = true
		available, err := s.stores.Batches.ListAvailable(ctx, tx, item.ProductID, transfer.FromBranchID, false)
		if err != nil {
			return nil, err
		}
		for _, b := range available {
			ids = append(ids, b.ID)
		}
	}
	return lockBatches(ctx, tx, s.stores.Batches, ids)
}

func (s *TransferService) moveSlice(ctx context.Context, tx database.Querier, transfer *repository.StockTransfer, alloc Allocation, performedBy *string) error {
	src := alloc.Batch
	ref := transfer.ID

	if _, err := s.mover.apply(ctx, tx, movement{
		batch:         src,
		delta:         -alloc.Quantity,
		reason:        "transfer out to branch " + transfer.ToBranchID,
		referenceType: repository.ReferenceTransfer,
		referenceID:   &ref,
		performedBy:   performedBy,
	}); err != nil {
		return err
	}

	dest, err := s.stores.Batches.FindMatching(ctx, tx, transfer.ToBranchID, src.ProductID, src.BatchNumber, src.ExpiryDate)
	if err != nil {
		return err
	}
	if dest == nil {
		dest = &repository.Batch{
			ProductID:    src.ProductID,
			BranchID:     transfer.ToBranchID,
			BatchNumber:  src.BatchNumber,
			ExpiryDate:   src.ExpiryDate,
			CostPrice:    src.CostPrice,
			SellingPrice: src.SellingPrice,
			IsActive:     true,
		}
		if err := s.stores.Batches.Create(ctx, tx, dest); err != nil {
			return err
		}
	}

	_, err = s.mover.apply(ctx, tx, movement{
		batch:         dest,
		delta:         alloc.Quantity,
		reason:        "transfer in from branch " + transfer.FromBranchID,
		referenceType: repository.ReferenceTransfer,
		referenceID:   &ref,
		performedBy:   performedBy,
	})
	return err
}

// Get gets a transfer with its items
func (s *TransferService) Get(ctx context.Context, id string) (*repository.StockTransfer, error) {
	return s.stores.Transfers.GetByID(ctx, s.uow.Querier(), id)
}

// List lists transfers touching a branch, newest first
func (s *TransferService) List(ctx context.Context, filter repository.TransferFilter) (repository.ListResult[*repository.StockTransfer], error) {
	return s.stores.Transfers.List(ctx, s.uow.Querier(), filter)
}
