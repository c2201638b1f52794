package service

import (
	"context"
	"slices"
	"time"

	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/events"
	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	"github.com/pharmaflow/pharmaflow-backend/pkg/money"
	"github.com/shopspring/decimal"
)

var claimTransitions = map[string][]string{
	repository.ClaimSubmitted: {
		repository.ClaimApproved,
		repository.ClaimPartiallyApproved,
		repository.ClaimRejected,
		repository.ClaimCancelled,
	},
	repository.ClaimApproved:          {repository.ClaimPaid, repository.ClaimCancelled},
	repository.ClaimPartiallyApproved: {repository.ClaimPaid, repository.ClaimCancelled},
	repository.ClaimRejected:          {repository.ClaimCancelled},
	repository.ClaimPaid:              {repository.ClaimCancelled},
}

// CanTransitionClaim reports whether a claim may move from one status to another
func CanTransitionClaim(from, to string) bool {
	return slices.Contains(claimTransitions[from], to)
}

// ClaimService adjudicates insurance claims
type ClaimService struct {
	uow       UnitOfWork
	stores    Stores
	publisher *events.PharmacyEventPublisher
	effects   *SideEffects
	logger    *logger.Logger
	now       func() time.Time
}

// NewClaimService creates a new claim service
func NewClaimService(uow UnitOfWork, stores Stores, publisher *events.PharmacyEventPublisher, log *logger.Logger) *ClaimService {
	return &ClaimService{
		uow:       uow,
		stores:    stores,
		publisher: publisher,
		effects:   NewSideEffects(log),
		logger:    log,
		now:       time.Now,
	}
}

// ClaimItemUpdate is the insurer's decision on one claim item
type ClaimItemUpdate struct {
	ID               string
	ApprovedQuantity int
	ApprovedAmount   *decimal.Decimal
	RejectionReason  *string
}

// coveredAmount sums the approved amounts, falling back to the claimed amount
func coveredAmount(items []*repository.ClaimItem) decimal.Decimal {
	total := money.Zero()
	for _, item := range items {
		if item.ApprovedAmount != nil {
			total = total.Add(*item.ApprovedAmount)
		} else {
			total = total.Add(item.ClaimedAmount)
		}
	}
	return money.RoundCents(total)
}

// claimedAmount sums what the sale originally claimed
func claimedAmount(items []*repository.ClaimItem) decimal.Decimal {
	amounts := make([]decimal.Decimal, 0, len(items))
	for _, item := range items {
		amounts = append(amounts, item.ClaimedAmount)
	}
	return money.RoundCents(money.Sum(amounts...))
}

// UpdateItems records item decisions and recomputes the covered amount. The
// claim becomes PARTIALLY_APPROVED while it covers less than was originally
// claimed, APPROVED otherwise.
func (s *ClaimService) UpdateItems(ctx context.Context, claimID string, updates []ClaimItemUpdate) (*repository.InsuranceClaim, error) {
	if len(updates) == 0 {
		return nil, errors.InvalidInput("no claim items to update")
	}
	for _, u := range updates {
		if u.ApprovedQuantity < 0 {
			return nil, errors.InvalidQuantity("approved quantity must not be negative")
		}
		if u.ApprovedAmount != nil && u.ApprovedAmount.IsNegative() {
			return nil, errors.InvalidInput("approved amount must not be negative")
		}
	}

	var claim *repository.InsuranceClaim
	err := s.uow.Do(ctx, func(tx database.Querier) error {
		var err error
		claim, err = s.stores.Claims.GetForUpdate(ctx, tx, claimID)
		if err != nil {
			return err
		}
		if claim.Status == repository.ClaimPaid || claim.Status == repository.ClaimCancelled {
			return errors.InvalidState("claim can no longer be adjudicated").WithDetail("status", claim.Status)
		}

		byID := make(map[string]*repository.ClaimItem, len(claim.Items))
		for _, item := range claim.Items {
			byID[item.ID] = item
		}

		for _, u := range updates {
			item, ok := byID[u.ID]
			if !ok {
				return errors.InvalidInput("item does not belong to the claim").WithDetail("item_id", u.ID)
			}
			item.ApprovedQuantity = u.ApprovedQuantity
			item.ApprovedAmount = u.ApprovedAmount
			item.RejectionReason = u.RejectionReason
			if err := s.stores.Claims.UpdateItem(ctx, tx, item); err != nil {
				return err
			}
		}

		claim.CoveredAmount = coveredAmount(claim.Items)
		if claim.CoveredAmount.LessThan(claimedAmount(claim.Items)) {
			claim.Status = repository.ClaimPartiallyApproved
		} else {
			claim.Status = repository.ClaimApproved
		}
		now := s.now()
		claim.ApprovalDate = &now
		claim.PatientResponsibility = claim.TotalAmount.Sub(claim.CoveredAmount)

		return s.stores.Claims.Update(ctx, tx, claim)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("claim_id", claim.ID).Str("status", claim.Status).Str("covered", claim.CoveredAmount.StringFixed(2)).Msg("claim adjudicated")
	s.effects.Run(ctx, "publish claim updated", func(ctx context.Context) error {
		return s.publisher.ClaimUpdated(ctx, claim)
	})
	return claim, nil
}

// transitionClaim applies a status change allowed by the claim state machine
func transitionClaim(claim *repository.InsuranceClaim, status string, now time.Time) error {
	if !CanTransitionClaim(claim.Status, status) {
		return errors.InvalidState("claim cannot move from " + claim.Status + " to " + status)
	}

	claim.Status = status
	switch status {
	case repository.ClaimApproved, repository.ClaimPartiallyApproved:
		if claim.ApprovalDate == nil {
			claim.ApprovalDate = &now
		}
	case repository.ClaimPaid:
		claim.PaymentDate = &now
	}
	return nil
}

// UpdateStatus moves a claim along its state machine
func (s *ClaimService) UpdateStatus(ctx context.Context, claimID, status string, notes *string) (*repository.InsuranceClaim, error) {
	var claim *repository.InsuranceClaim
	err := s.uow.Do(ctx, func(tx database.Querier) error {
		var err error
		claim, err = s.stores.Claims.GetForUpdate(ctx, tx, claimID)
		if err != nil {
			return err
		}
		if err := transitionClaim(claim, status, s.now()); err != nil {
			return err
		}
		if notes != nil {
			claim.Notes = notes
		}
		return s.stores.Claims.Update(ctx, tx, claim)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("claim_id", claim.ID).Str("status", claim.Status).Msg("claim status updated")
	s.effects.Run(ctx, "publish claim updated", func(ctx context.Context) error {
		return s.publisher.ClaimUpdated(ctx, claim)
	})
	return claim, nil
}

// Get gets a claim with its items
func (s *ClaimService) Get(ctx context.Context, id string) (*repository.InsuranceClaim, error) {
	return s.stores.Claims.GetByID(ctx, s.uow.Querier(), id)
}

// GetBySale gets the claim raised for a sale
func (s *ClaimService) GetBySale(ctx context.Context, saleID string) (*repository.InsuranceClaim, error) {
	q := s.uow.Querier()
	if _, err := s.stores.Sales.GetByID(ctx, q, saleID); err != nil {
		return nil, err
	}
	return s.stores.Claims.GetBySaleID(ctx, q, saleID)
}
