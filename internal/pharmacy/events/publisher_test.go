package events_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/events"
	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/messaging"
	"github.com/pharmaflow/pharmaflow-backend/pkg/testutil"
)

func TestPharmacyEventPublisher_Nil(t *testing.T) {
	var p *events.PharmacyEventPublisher
	assert.NoError(t, p.SaleCreated(context.Background(), &repository.Sale{}))
	assert.NoError(t, p.StockAdjusted(context.Background(), &repository.StockAdjustment{}))
}

func TestPharmacyEventPublisher_SaleCreated(t *testing.T) {
	mock := testutil.NewMockPublisher()
	p := events.NewPublisherWithSender(mock)

	insured := decimal.RequireFromString("7.5")
	sale := &repository.Sale{
		ID:            "s1",
		InvoiceNumber: "INV-20261018-ABCDEF",
		BranchID:      "br1",
		SoldByID:      "u1",
		Total:         decimal.RequireFromString("15"),
		PatientPaid:   decimal.RequireFromString("7.5"),
		InsurancePaid: &insured,
		PaymentStatus: repository.PaymentPaid,
	}

	require.NoError(t, p.SaleCreated(context.Background(), sale))

	published := mock.Events()
	require.Len(t, published, 1)
	assert.Equal(t, messaging.EventSaleCreated, published[0].Type)

	payload, ok := published[0].Payload.(messaging.SaleEvent)
	require.True(t, ok)
	assert.Equal(t, "15.00", payload.Total)
	assert.Equal(t, "7.50", payload.PatientPaid)
	require.NotNil(t, payload.InsurancePaid)
	assert.Equal(t, "7.50", *payload.InsurancePaid)
}

func TestPharmacyEventPublisher_PropagatesSendError(t *testing.T) {
	mock := testutil.NewMockPublisher()
	mock.Err = assert.AnError
	p := events.NewPublisherWithSender(mock)

	err := p.TransferRequested(context.Background(), &repository.StockTransfer{ID: "t1"})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestPharmacyEventPublisher_Transfer(t *testing.T) {
	mock := testutil.NewMockPublisher()
	p := events.NewPublisherWithSender(mock)

	transfer := &repository.StockTransfer{
		ID:           "t1",
		FromBranchID: "br1",
		ToBranchID:   "br2",
		Status:       repository.TransferCompleted,
		RequestedBy:  "u1",
		Items:        []*repository.TransferItem{{ProductID: "p1", Quantity: 2}, {ProductID: "p2", Quantity: 1}},
	}

	require.NoError(t, p.TransferCompleted(context.Background(), transfer))

	payload := mock.Events()[0].Payload.(messaging.TransferEvent)
	assert.Equal(t, 2, payload.ItemCount)
	assert.Equal(t, repository.TransferCompleted, payload.Status)
}
