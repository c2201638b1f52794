package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/events"
	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/config"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	"github.com/pharmaflow/pharmaflow-backend/pkg/money"
	"github.com/shopspring/decimal"
)

// SaleService turns sales into stock decrements, prescription progress and
// insurance claims, and reverses all of it on cancellation
type SaleService struct {
	uow       UnitOfWork
	stores    Stores
	mover     stockMover
	numbering config.PharmacyConfig
	publisher *events.PharmacyEventPublisher
	effects   *SideEffects
	logger    *logger.Logger
	now       func() time.Time
}

// NewSaleService creates a new sale service
func NewSaleService(uow UnitOfWork, stores Stores, numbering config.PharmacyConfig, publisher *events.PharmacyEventPublisher, log *logger.Logger) *SaleService {
	return &SaleService{
		uow:       uow,
		stores:    stores,
		mover:     stockMover{batches: stores.Batches},
		numbering: numbering,
		publisher: publisher,
		effects:   NewSideEffects(log),
		logger:    log,
		now:       time.Now,
	}
}

// SaleItemInput is one batch line of a sale. UnitPrice defaults to the
// batch selling price, Discount to zero.
type SaleItemInput struct {
	BatchID   string
	Quantity  int
	UnitPrice *decimal.Decimal
	Discount  *decimal.Decimal
}

// CreateSaleInput describes a sale
type CreateSaleInput struct {
	BranchID           string
	SoldByID           string
	CustomerName       *string
	PatientID          *string
	PrescriptionID     *string
	PatientInsuranceID *string
	PaymentMethod      string
	PaymentStatus      *string
	Items              []SaleItemInput
}

// saleContext is what Create resolves before it touches anything
type saleContext struct {
	prescription *repository.Prescription
	insurance    *repository.PatientInsurance
	plan         *repository.InsurancePlan
	// prescription item dispensed by each sale item, nil when none
	dispenses []*repository.PrescriptionItem
	batches   []*repository.Batch
}

// Create validates and executes a sale in one unit of work: the sale and its
// items are stored, every batch is decremented, prescription items are
// dispensed and a claim is raised for the insured amount.
func (s *SaleService) Create(ctx context.Context, in CreateSaleInput) (*repository.Sale, error) {
	if len(in.Items) == 0 {
		return nil, errors.InvalidInput("sale needs at least one item")
	}
	if strings.TrimSpace(in.PaymentMethod) == "" {
		return nil, errors.InvalidInput("payment method is required")
	}
	status := repository.PaymentPaid
	if in.PaymentStatus != nil {
		status = *in.PaymentStatus
	}
	if status != repository.PaymentPaid && status != repository.PaymentPending {
		return nil, errors.InvalidInput("payment status must be PAID or PENDING")
	}
	for i, item := range in.Items {
		if item.Quantity <= 0 {
			return nil, errors.InvalidQuantity(fmt.Sprintf("item %d: quantity must be positive", i+1))
		}
	}

	now := s.now()
	sale := &repository.Sale{
		InvoiceNumber:      documentNumber(s.numbering.InvoicePrefix, now),
		BranchID:           in.BranchID,
		SoldByID:           in.SoldByID,
		CustomerName:       in.CustomerName,
		PatientID:          in.PatientID,
		PrescriptionID:     in.PrescriptionID,
		PatientInsuranceID: in.PatientInsuranceID,
		PaymentMethod:      in.PaymentMethod,
		PaymentStatus:      status,
	}

	var (
		claim       *repository.InsuranceClaim
		rx          *repository.Prescription
		rxChanged   bool
		adjustments []*repository.StockAdjustment
	)

	err := s.uow.Do(ctx, func(tx database.Querier) error {
		sc, err := s.resolve(ctx, tx, sale, in, now)
		if err != nil {
			return err
		}
		rx = sc.prescription

		if err := s.stores.Sales.Create(ctx, tx, sale); err != nil {
			return err
		}

		ref := sale.ID
		for i, item := range sale.Items {
			adj, err := s.mover.apply(ctx, tx, movement{
				batch:         sc.batches[i],
				delta:         -item.Quantity,
				reason:        "sale " + sale.InvoiceNumber,
				referenceType: repository.ReferenceSale,
				referenceID:   &ref,
				performedBy:   &sale.SoldByID,
			})
			if err != nil {
				return err
			}
			adjustments = append(adjustments, adj)

			if rxItem := sc.dispenses[i]; rxItem != nil {
				rxItem.Dispensed += item.Quantity
				rxItem.BatchID = &item.BatchID
				if err := s.stores.Prescriptions.UpdateItem(ctx, tx, rxItem); err != nil {
					return err
				}
			}
		}

		if rx != nil {
			if rxChanged, err = reconcile(ctx, tx, s.stores.Prescriptions, rx); err != nil {
				return err
			}
		}

		if sc.insurance != nil && sale.InsurancePaid.IsPositive() {
			claim = s.newClaim(sale, sc, now)
			if err := s.stores.Claims.Create(ctx, tx, claim); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("sale_id", sale.ID).
		Str("invoice_number", sale.InvoiceNumber).
		Str("total", sale.Total.StringFixed(2)).
		Int("items", len(sale.Items)).
		Msg("sale created")

	s.effects.Run(ctx, "publish sale created", func(ctx context.Context) error {
		return s.publisher.SaleCreated(ctx, sale)
	})
	for _, adj := range adjustments {
		s.effects.Run(ctx, "publish stock adjusted", func(ctx context.Context) error {
			return s.publisher.StockAdjusted(ctx, adj)
		})
	}
	if rxChanged {
		s.effects.Run(ctx, "publish prescription updated", func(ctx context.Context) error {
			return s.publisher.PrescriptionUpdated(ctx, rx)
		})
	}
	if claim != nil {
		s.effects.Run(ctx, "publish claim submitted", func(ctx context.Context) error {
			return s.publisher.ClaimSubmitted(ctx, claim)
		})
	}
	return sale, nil
}

// resolve validates every reference of the sale, locks the prescription and
// then the batches it sells from in id order, and prices the items
func (s *SaleService) resolve(ctx context.Context, tx database.Querier, sale *repository.Sale, in CreateSaleInput, now time.Time) (*saleContext, error) {
	sc := &saleContext{}

	if _, err := s.stores.Directory.GetBranch(ctx, tx, in.BranchID); err != nil {
		return nil, err
	}
	if _, err := s.stores.Directory.GetUser(ctx, tx, in.SoldByID); err != nil {
		return nil, err
	}
	if in.PatientID != nil {
		if _, err := s.stores.Directory.GetPatient(ctx, tx, *in.PatientID); err != nil {
			return nil, err
		}
	}

	if in.PrescriptionID != nil {
		rx, err := s.stores.Prescriptions.GetForUpdate(ctx, tx, *in.PrescriptionID)
		if err != nil {
			return nil, err
		}
		if isClosed(rx) {
			return nil, errors.InvalidState("prescription is " + strings.ToLower(rx.Status)).WithDetail("status", rx.Status)
		}
		if sale.PatientID == nil {
			sale.PatientID = &rx.PatientID
		} else if *sale.PatientID != rx.PatientID {
			return nil, errors.InvalidInput("prescription belongs to another patient")
		}
		sc.prescription = rx
	}

	if in.PatientInsuranceID != nil {
		pi, err := s.stores.Insurance.GetPatientInsurance(ctx, tx, *in.PatientInsuranceID)
		if err != nil {
			return nil, err
		}
		if sale.PatientID == nil || pi.PatientID != *sale.PatientID {
			return nil, errors.InvalidState("insurance does not belong to the patient")
		}
		if pi.Status != repository.InsuranceActive {
			return nil, errors.InvalidState("insurance is not active").WithDetail("status", pi.Status)
		}
		if !pi.CoversDate(now) {
			return nil, errors.InvalidState("insurance is not valid on the sale date")
		}
		plan, err := s.stores.Insurance.GetPlan(ctx, tx, pi.PlanID)
		if err != nil {
			return nil, err
		}
		sc.insurance = pi
		sc.plan = plan
	}

	batchIDs := make([]string, 0, len(in.Items))
	for _, line := range in.Items {
		batchIDs = append(batchIDs, line.BatchID)
	}
	locked, err := lockBatches(ctx, tx, s.stores.Batches, batchIDs)
	if err != nil {
		return nil, err
	}

	// quantities taken so far per batch and per prescription item
	takenFromBatch := map[string]int{}
	assigned := map[string]int{}

	var totals, coverages []decimal.Decimal

	for _, line := range in.Items {
		batch := locked[line.BatchID]
		if batch.BranchID != sale.BranchID {
			return nil, errors.InvalidInput("batch belongs to another branch").WithDetail("batch_id", batch.ID)
		}
		if !batch.IsActive {
			return nil, errors.InvalidInput("batch is inactive").WithDetail("batch_id", batch.ID)
		}
		takenFromBatch[batch.ID] += line.Quantity
		if batch.Quantity < takenFromBatch[batch.ID] {
			return nil, errors.InsufficientStock("not enough stock in batch").
				WithDetail("batch_id", batch.ID).
				WithDetail("available", fmt.Sprint(batch.Quantity))
		}

		product, err := s.stores.Directory.GetProduct(ctx, tx, batch.ProductID)
		if err != nil {
			return nil, err
		}

		var parts []dispenseSlice
		if sc.prescription != nil {
			parts, err = assignPrescriptionItems(sc.prescription, product.ID, line.Quantity, assigned)
			if err != nil {
				return nil, err
			}
		}
		if product.RequiresPrescription && parts == nil {
			return nil, errors.PrescriptionRequired(product.Name)
		}
		if parts == nil {
			parts = []dispenseSlice{{quantity: line.Quantity}}
		}

		unitPrice := batch.SellingPrice
		if line.UnitPrice != nil {
			unitPrice = *line.UnitPrice
		}
		if unitPrice.IsNegative() {
			return nil, errors.InvalidInput("unit price must not be negative")
		}
		discount := money.Zero()
		if line.Discount != nil {
			discount = *line.Discount
		}
		if discount.IsNegative() {
			return nil, errors.InvalidInput("discount must not be negative")
		}
		gross := unitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
		if discount.GreaterThan(gross) {
			return nil, errors.InvalidInput("discount exceeds the item price").WithDetail("batch_id", batch.ID)
		}

		var pct decimal.Decimal
		if sc.plan != nil {
			if pct, err = CoveragePercentage(sc.plan, product); err != nil {
				return nil, err
			}
		}

		discounts := splitDiscount(discount, line.Quantity, parts)
		for i, slice := range parts {
			item := &repository.SaleItem{
				BatchID:   batch.ID,
				ProductID: product.ID,
				Quantity:  slice.quantity,
				UnitPrice: unitPrice,
				Discount:  discounts[i],
				Total:     money.LineTotal(unitPrice, slice.quantity, discounts[i]),
			}
			if slice.item != nil {
				item.PrescriptionItemID = &slice.item.ID
			}
			if sc.plan != nil {
				itemPct := pct
				coverage := money.Percent(item.Total, itemPct)
				item.CoveragePercentage = &itemPct
				item.InsuranceCoverage = &coverage
				coverages = append(coverages, coverage)
			}
			totals = append(totals, item.Total)

			sale.Items = append(sale.Items, item)
			sc.batches = append(sc.batches, batch)
			sc.dispenses = append(sc.dispenses, slice.item)
		}
	}

	total := money.Sum(totals...)
	sale.Total = total
	sale.PatientPaid = total
	if sc.insurance != nil {
		insured := money.Sum(coverages...)
		sale.InsurancePaid = &insured
		sale.PatientPaid = total.Sub(insured)
	}
	return sc, nil
}

// dispenseSlice is the part of a sale line dispensed against one
// prescription item. item is nil for unprescribed products.
type dispenseSlice struct {
	item     *repository.PrescriptionItem
	quantity int
}

// assignPrescriptionItems spreads qty over the items of rx for the product,
// in line order, filling each item's remaining quantity before moving on.
// Returns nil when the product is not prescribed and LimitExceeded when the
// items together have less than qty left.
func assignPrescriptionItems(rx *repository.Prescription, productID string, qty int, assigned map[string]int) ([]dispenseSlice, error) {
	var (
		out        []dispenseSlice
		prescribed bool
	)
	remaining := qty
	for _, item := range rx.Items {
		if item.ProductID != productID {
			continue
		}
		prescribed = true
		if remaining == 0 {
			break
		}
		room := item.Remaining() - assigned[item.ID]
		if room <= 0 {
			continue
		}
		take := min(room, remaining)
		out = append(out, dispenseSlice{item: item, quantity: take})
		remaining -= take
	}
	if !prescribed {
		return nil, nil
	}
	if remaining > 0 {
		return nil, errors.LimitExceeded("quantity exceeds what remains on the prescription").
			WithDetail("product_id", productID)
	}
	for _, slice := range out {
		assigned[slice.item.ID] += slice.quantity
	}
	return out, nil
}

// splitDiscount shares a line discount over its slices by quantity. The last
// slice takes the rounding remainder so the shares add up to discount.
func splitDiscount(discount decimal.Decimal, qty int, parts []dispenseSlice) []decimal.Decimal {
	shares := make([]decimal.Decimal, len(parts))
	left := discount
	for i, slice := range parts {
		if i == len(parts)-1 {
			shares[i] = left
			break
		}
		share := money.RoundCents(discount.Mul(decimal.NewFromInt(int64(slice.quantity))).Div(decimal.NewFromInt(int64(qty))))
		shares[i] = share
		left = left.Sub(share)
	}
	return shares
}

func (s *SaleService) newClaim(sale *repository.Sale, sc *saleContext, now time.Time) *repository.InsuranceClaim {
	claim := &repository.InsuranceClaim{
		ClaimNumber:           documentNumber(s.numbering.ClaimPrefix, now),
		SaleID:                sale.ID,
		ProviderID:            sc.plan.ProviderID,
		PatientInsuranceID:    sc.insurance.ID,
		TotalAmount:           sale.Total,
		CoveredAmount:         *sale.InsurancePaid,
		PatientResponsibility: sale.PatientPaid,
		Status:                repository.ClaimSubmitted,
	}
	for _, item := range sale.Items {
		claimed := money.Zero()
		if item.InsuranceCoverage != nil {
			claimed = *item.InsuranceCoverage
		}
		claim.Items = append(claim.Items, &repository.ClaimItem{
			SaleItemID:       item.ID,
			ApprovedQuantity: item.Quantity,
			ClaimedAmount:    claimed,
		})
	}
	return claim
}

// Cancel reverses a sale exactly once: stock goes back to its batches, the
// dispensed quantities come off the prescription and the claim is cancelled.
// Rows are locked sale, prescription, then batches in id order, the same
// order Create uses.
func (s *SaleService) Cancel(ctx context.Context, id string, performedBy *string) (*repository.Sale, error) {
	var (
		sale      *repository.Sale
		rx        *repository.Prescription
		rxChanged bool
		claim     *repository.InsuranceClaim
	)

	err := s.uow.Do(ctx, func(tx database.Querier) error {
		var err error
		sale, err = s.stores.Sales.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if sale.PaymentStatus == repository.PaymentCancelled {
			return errors.InvalidState("sale is already cancelled")
		}

		if sale.PrescriptionID != nil {
			rx, err = s.stores.Prescriptions.GetForUpdate(ctx, tx, *sale.PrescriptionID)
			if err != nil {
				return err
			}
		}

		batchIDs := make([]string, 0, len(sale.Items))
		for _, item := range sale.Items {
			batchIDs = append(batchIDs, item.BatchID)
		}
		locked, err := lockBatches(ctx, tx, s.stores.Batches, batchIDs)
		if err != nil {
			return err
		}

		ref := sale.ID
		for _, item := range sale.Items {
			if _, err := s.mover.apply(ctx, tx, movement{
				batch:         locked[item.BatchID],
				delta:         item.Quantity,
				reason:        "cancel sale " + sale.InvoiceNumber,
				referenceType: repository.ReferenceSaleCancel,
				referenceID:   &ref,
				performedBy:   performedBy,
			}); err != nil {
				return err
			}
		}

		if rx != nil {
			for _, item := range sale.Items {
				if item.PrescriptionItemID == nil {
					continue
				}
				rxItem := findItem(rx, *item.PrescriptionItemID)
				if rxItem == nil {
					continue
				}
				rxItem.Dispensed = max(rxItem.Dispensed-item.Quantity, 0)
				if err := s.stores.Prescriptions.UpdateItem(ctx, tx, rxItem); err != nil {
					return err
				}
			}
			if rxChanged, err = reconcile(ctx, tx, s.stores.Prescriptions, rx); err != nil {
				return err
			}
		}

		claim, err = s.stores.Claims.GetBySaleID(ctx, tx, sale.ID)
		switch {
		case errors.Is(err, errors.ErrNotFound):
			claim = nil
		case err != nil:
			return err
		case claim.Status != repository.ClaimCancelled:
			if err := transitionClaim(claim, repository.ClaimCancelled, s.now()); err != nil {
				return err
			}
			if err := s.stores.Claims.Update(ctx, tx, claim); err != nil {
				return err
			}
		default:
			claim = nil
		}

		if err := s.stores.Sales.UpdatePaymentStatus(ctx, tx, sale.ID, repository.PaymentCancelled); err != nil {
			return err
		}
		sale.PaymentStatus = repository.PaymentCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("sale_id", sale.ID).Str("invoice_number", sale.InvoiceNumber).Msg("sale cancelled")
	s.effects.Run(ctx, "publish sale cancelled", func(ctx context.Context) error {
		return s.publisher.SaleCancelled(ctx, sale)
	})
	if rxChanged {
		s.effects.Run(ctx, "publish prescription updated", func(ctx context.Context) error {
			return s.publisher.PrescriptionUpdated(ctx, rx)
		})
	}
	if claim != nil {
		s.effects.Run(ctx, "publish claim updated", func(ctx context.Context) error {
			return s.publisher.ClaimUpdated(ctx, claim)
		})
	}
	return sale, nil
}

// UpdatePaymentStatus switches a sale between PAID and PENDING. Cancellation
// only happens through Cancel.
func (s *SaleService) UpdatePaymentStatus(ctx context.Context, id, status string) (*repository.Sale, error) {
	if status != repository.PaymentPaid && status != repository.PaymentPending {
		return nil, errors.InvalidInput("payment status must be PAID or PENDING")
	}

	var sale *repository.Sale
	err := s.uow.Do(ctx, func(tx database.Querier) error {
		var err error
		sale, err = s.stores.Sales.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if sale.PaymentStatus == repository.PaymentCancelled {
			return errors.InvalidState("sale is cancelled")
		}
		if err := s.stores.Sales.UpdatePaymentStatus(ctx, tx, id, status); err != nil {
			return err
		}
		sale.PaymentStatus = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sale, nil
}

// Get gets a sale with its items
func (s *SaleService) Get(ctx context.Context, id string) (*repository.Sale, error) {
	return s.stores.Sales.GetByID(ctx, s.uow.Querier(), id)
}

// List lists sales matching the filter, newest first
func (s *SaleService) List(ctx context.Context, filter repository.SaleFilter) (repository.ListResult[*repository.Sale], error) {
	return s.stores.Sales.List(ctx, s.uow.Querier(), filter)
}
