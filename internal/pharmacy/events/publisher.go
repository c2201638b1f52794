package events

import (
	"context"

	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	"github.com/pharmaflow/pharmaflow-backend/pkg/messaging"
)

// Sender publishes one event. *messaging.Publisher satisfies it.
type Sender interface {
	Publish(ctx context.Context, eventType string, data interface{}) error
}

// PharmacyEventPublisher publishes pharmacy domain events. A nil publisher
// is valid and drops every event, which is how the service runs without a broker.
type PharmacyEventPublisher struct {
	sender Sender
}

// NewPharmacyEventPublisher declares the pharmacy exchange and creates a publisher on it
func NewPharmacyEventPublisher(rmq *messaging.RabbitMQ, log *logger.Logger) (*PharmacyEventPublisher, error) {
	publisher, err := messaging.NewPublisher(rmq, messaging.ExchangePharmacyEvents, "pharmacy-service", log)
	if err != nil {
		return nil, err
	}
	return NewPublisherWithSender(publisher), nil
}

// NewPublisherWithSender wraps an existing sender
func NewPublisherWithSender(sender Sender) *PharmacyEventPublisher {
	return &PharmacyEventPublisher{sender: sender}
}

func (p *PharmacyEventPublisher) publish(ctx context.Context, eventType string, data interface{}) error {
	if p == nil || p.sender == nil {
		return nil
	}
	return p.sender.Publish(ctx, eventType, data)
}

// StockAdjusted publishes a ledger entry
func (p *PharmacyEventPublisher) StockAdjusted(ctx context.Context, adj *repository.StockAdjustment) error {
	return p.publish(ctx, messaging.EventStockAdjusted, messaging.StockAdjustedEvent{
		BatchID:       adj.BatchID,
		ProductID:     adj.ProductID,
		BranchID:      adj.BranchID,
		Delta:         adj.Delta,
		NewQuantity:   adj.NewQuantity,
		Reason:        adj.Reason,
		ReferenceType: adj.ReferenceType,
		ReferenceID:   adj.ReferenceID,
		PerformedBy:   adj.PerformedBy,
	})
}

func transferEvent(t *repository.StockTransfer) messaging.TransferEvent {
	return messaging.TransferEvent{
		TransferID:   t.ID,
		FromBranchID: t.FromBranchID,
		ToBranchID:   t.ToBranchID,
		Status:       t.Status,
		RequestedBy:  t.RequestedBy,
		ApprovedBy:   t.ApprovedBy,
		ItemCount:    len(t.Items),
	}
}

// TransferRequested publishes a new pending transfer
func (p *PharmacyEventPublisher) TransferRequested(ctx context.Context, t *repository.StockTransfer) error {
	return p.publish(ctx, messaging.EventTransferRequested, transferEvent(t))
}

// TransferApproved publishes an approved transfer
func (p *PharmacyEventPublisher) TransferApproved(ctx context.Context, t *repository.StockTransfer) error {
	return p.publish(ctx, messaging.EventTransferApproved, transferEvent(t))
}

// TransferCompleted publishes a completed transfer
func (p *PharmacyEventPublisher) TransferCompleted(ctx context.Context, t *repository.StockTransfer) error {
	return p.publish(ctx, messaging.EventTransferCompleted, transferEvent(t))
}

func saleEvent(s *repository.Sale) messaging.SaleEvent {
	ev := messaging.SaleEvent{
		SaleID:         s.ID,
		InvoiceNumber:  s.InvoiceNumber,
		BranchID:       s.BranchID,
		SoldByID:       s.SoldByID,
		PatientID:      s.PatientID,
		PrescriptionID: s.PrescriptionID,
		Total:          s.Total.StringFixed(2),
		PatientPaid:    s.PatientPaid.StringFixed(2),
		PaymentStatus:  s.PaymentStatus,
	}
	if s.InsurancePaid != nil {
		paid := s.InsurancePaid.StringFixed(2)
		ev.InsurancePaid = &paid
	}
	return ev
}

// SaleCreated publishes a committed sale
func (p *PharmacyEventPublisher) SaleCreated(ctx context.Context, s *repository.Sale) error {
	return p.publish(ctx, messaging.EventSaleCreated, saleEvent(s))
}

// SaleCancelled publishes a cancelled sale
func (p *PharmacyEventPublisher) SaleCancelled(ctx context.Context, s *repository.Sale) error {
	return p.publish(ctx, messaging.EventSaleCancelled, saleEvent(s))
}

// PrescriptionUpdated publishes the current status of a prescription
func (p *PharmacyEventPublisher) PrescriptionUpdated(ctx context.Context, rx *repository.Prescription) error {
	return p.publish(ctx, messaging.EventPrescriptionUpdated, messaging.PrescriptionUpdatedEvent{
		PrescriptionID:     rx.ID,
		PrescriptionNumber: rx.PrescriptionNumber,
		PatientID:          rx.PatientID,
		Status:             rx.Status,
	})
}

func claimEvent(c *repository.InsuranceClaim) messaging.ClaimEvent {
	return messaging.ClaimEvent{
		ClaimID:               c.ID,
		ClaimNumber:           c.ClaimNumber,
		SaleID:                c.SaleID,
		ProviderID:            c.ProviderID,
		Status:                c.Status,
		CoveredAmount:         c.CoveredAmount.StringFixed(2),
		PatientResponsibility: c.PatientResponsibility.StringFixed(2),
	}
}

// ClaimSubmitted publishes a new claim
func (p *PharmacyEventPublisher) ClaimSubmitted(ctx context.Context, c *repository.InsuranceClaim) error {
	return p.publish(ctx, messaging.EventClaimSubmitted, claimEvent(c))
}

// ClaimUpdated publishes a claim after adjudication or a status change
func (p *PharmacyEventPublisher) ClaimUpdated(ctx context.Context, c *repository.InsuranceClaim) error {
	return p.publish(ctx, messaging.EventClaimUpdated, claimEvent(c))
}
