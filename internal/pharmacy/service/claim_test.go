package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/messaging"
)

func TestCanTransitionClaim(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{repository.ClaimSubmitted, repository.ClaimApproved, true},
		{repository.ClaimSubmitted, repository.ClaimPartiallyApproved, true},
		{repository.ClaimSubmitted, repository.ClaimRejected, true},
		{repository.ClaimSubmitted, repository.ClaimPaid, false},
		{repository.ClaimApproved, repository.ClaimPaid, true},
		{repository.ClaimPartiallyApproved, repository.ClaimPaid, true},
		{repository.ClaimApproved, repository.ClaimRejected, false},
		{repository.ClaimRejected, repository.ClaimPaid, false},
		{repository.ClaimRejected, repository.ClaimCancelled, true},
		{repository.ClaimPaid, repository.ClaimCancelled, true},
		{repository.ClaimPaid, repository.ClaimApproved, false},
		{repository.ClaimCancelled, repository.ClaimSubmitted, false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransitionClaim(tt.from, tt.to))
		})
	}
}

// insuredSale sells 2 x 10.00 and 1 x 4.00 under a 50% plan, giving a claim
// of 12.00 on a 24.00 sale
func insuredSale(t *testing.T, env *testEnv) (*repository.Sale, *repository.InsuranceClaim) {
	t.Helper()
	ctx := context.Background()

	patientID := env.addPatient()
	insuranceID, _ := env.addInsurance(patientID, "50")
	first := env.addBatch(env.addProduct(), env.branchID, 10, "10.00", expiresIn(30))
	second := env.addBatch(env.addProduct(), env.branchID, 10, "4.00", expiresIn(30))

	sale, err := env.sales.Create(ctx, CreateSaleInput{
		BranchID:           env.branchID,
		SoldByID:           env.userID,
		PatientID:          &patientID,
		PatientInsuranceID: &insuranceID,
		PaymentMethod:      "INSURANCE",
		PaymentStatus:      strPtr(repository.PaymentPending),
		Items: []SaleItemInput{
			{BatchID: first, Quantity: 2},
			{BatchID: second, Quantity: 1},
		},
	})
	require.NoError(t, err)

	claim, err := env.claims.GetBySale(ctx, sale.ID)
	require.NoError(t, err)
	require.Equal(t, "12.00", claim.CoveredAmount.StringFixed(2))
	return sale, claim
}

func TestClaimService_UpdateItems(t *testing.T) {
	ctx := context.Background()

	t.Run("lower approval is partial", func(t *testing.T) {
		env := newTestEnv(t)
		_, claim := insuredSale(t, env)

		approved := decimal.RequireFromString("6.00")
		reason := "generic substitute available"
		updated, err := env.claims.UpdateItems(ctx, claim.ID, []ClaimItemUpdate{
			{ID: claim.Items[0].ID, ApprovedQuantity: 1, ApprovedAmount: &approved, RejectionReason: &reason},
		})
		require.NoError(t, err)
		assert.Equal(t, repository.ClaimPartiallyApproved, updated.Status)
		assert.Equal(t, "8.00", updated.CoveredAmount.StringFixed(2))
		assert.Equal(t, "16.00", updated.PatientResponsibility.StringFixed(2))
		assert.NotNil(t, updated.ApprovalDate)
		env.publisher.AssertEventPublished(t, messaging.EventClaimUpdated)
	})

	t.Run("repeated partial decision stays partial", func(t *testing.T) {
		env := newTestEnv(t)
		_, claim := insuredSale(t, env)

		approved := decimal.RequireFromString("6.00")
		for i := 0; i < 2; i++ {
			updated, err := env.claims.UpdateItems(ctx, claim.ID, []ClaimItemUpdate{
				{ID: claim.Items[0].ID, ApprovedQuantity: 1, ApprovedAmount: &approved},
			})
			require.NoError(t, err)
			assert.Equal(t, repository.ClaimPartiallyApproved, updated.Status, "update %d", i+1)
			assert.Equal(t, "8.00", updated.CoveredAmount.StringFixed(2))
		}

		raised := decimal.RequireFromString("9.00")
		updated, err := env.claims.UpdateItems(ctx, claim.ID, []ClaimItemUpdate{
			{ID: claim.Items[0].ID, ApprovedQuantity: 1, ApprovedAmount: &raised},
		})
		require.NoError(t, err)
		assert.Equal(t, repository.ClaimPartiallyApproved, updated.Status, "still below the claimed total")

		full := claim.Items[0].ClaimedAmount
		updated, err = env.claims.UpdateItems(ctx, claim.ID, []ClaimItemUpdate{
			{ID: claim.Items[0].ID, ApprovedQuantity: 1, ApprovedAmount: &full},
		})
		require.NoError(t, err)
		assert.Equal(t, repository.ClaimApproved, updated.Status)
		assert.Equal(t, "12.00", updated.CoveredAmount.StringFixed(2))
	})

	t.Run("full approval", func(t *testing.T) {
		env := newTestEnv(t)
		_, claim := insuredSale(t, env)

		updated, err := env.claims.UpdateItems(ctx, claim.ID, []ClaimItemUpdate{
			{ID: claim.Items[1].ID, ApprovedQuantity: 1},
		})
		require.NoError(t, err)
		assert.Equal(t, repository.ClaimApproved, updated.Status)
		assert.Equal(t, "12.00", updated.CoveredAmount.StringFixed(2))
	})

	t.Run("rejects foreign items and closed claims", func(t *testing.T) {
		env := newTestEnv(t)
		_, claim := insuredSale(t, env)

		_, err := env.claims.UpdateItems(ctx, claim.ID, []ClaimItemUpdate{{ID: "other", ApprovedQuantity: 1}})
		assert.True(t, errors.Is(err, errors.ErrInvalidInput))

		_, err = env.claims.UpdateItems(ctx, claim.ID, []ClaimItemUpdate{{ID: claim.Items[0].ID, ApprovedQuantity: -1}})
		assert.True(t, errors.Is(err, errors.ErrInvalidQuantity))

		_, err = env.claims.UpdateStatus(ctx, claim.ID, repository.ClaimApproved, nil)
		require.NoError(t, err)
		_, err = env.claims.UpdateStatus(ctx, claim.ID, repository.ClaimPaid, nil)
		require.NoError(t, err)

		_, err = env.claims.UpdateItems(ctx, claim.ID, []ClaimItemUpdate{{ID: claim.Items[0].ID, ApprovedQuantity: 1}})
		assert.True(t, errors.Is(err, errors.ErrInvalidState))
	})
}

func TestClaimService_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, claim := insuredSale(t, env)

	_, err := env.claims.UpdateStatus(ctx, claim.ID, repository.ClaimPaid, nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidState), "submitted claim cannot be paid")

	notes := "approved by phone"
	updated, err := env.claims.UpdateStatus(ctx, claim.ID, repository.ClaimApproved, &notes)
	require.NoError(t, err)
	require.NotNil(t, updated.ApprovalDate)
	assert.Equal(t, notes, *updated.Notes)
	approvedAt := *updated.ApprovalDate

	updated, err = env.claims.UpdateStatus(ctx, claim.ID, repository.ClaimPaid, nil)
	require.NoError(t, err)
	assert.NotNil(t, updated.PaymentDate)
	assert.True(t, approvedAt.Equal(*updated.ApprovalDate))
	assert.Equal(t, notes, *updated.Notes)
}

func TestClaimService_CancelledWithSale(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	sale, claim := insuredSale(t, env)

	_, err := env.claims.UpdateStatus(ctx, claim.ID, repository.ClaimCancelled, nil)
	require.NoError(t, err)

	// an already cancelled claim is left alone by the sale cancellation
	_, err = env.sales.Cancel(ctx, sale.ID, nil)
	require.NoError(t, err)

	stored, err := env.claims.Get(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.ClaimCancelled, stored.Status)
}
