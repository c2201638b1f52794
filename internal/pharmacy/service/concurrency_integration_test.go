//go:build integration

package service_test

import (
	"context"
	"log"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/repository"
	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/config"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/testutil"
)

var suite *testutil.IntegrationSuite

func TestMain(m *testing.M) {
	ctx := context.Background()
	var err error
	suite, err = testutil.NewIntegrationSuite(ctx)
	if err != nil {
		log.Fatal(err)
	}
	code := m.Run()
	testutil.TerminateContainer(ctx)
	os.Exit(code)
}

func TestSaleService_ConcurrentSalesNeverOversell(t *testing.T) {
	ctx := context.Background()
	suite.Reset(t, ctx)

	factory := testutil.NewFixtureFactory()
	pharmacyID := uuid.New().String()
	branch := factory.Branch(pharmacyID)
	product := factory.Product()
	batch := factory.Batch(product.ID, branch.ID, testutil.WithQuantity(10))
	userID := uuid.New().String()

	require.NoError(t, suite.Fixtures.InsertBranch(ctx, branch))
	require.NoError(t, suite.Fixtures.InsertProduct(ctx, product))
	require.NoError(t, suite.Fixtures.InsertBatch(ctx, batch))
	require.NoError(t, suite.Fixtures.InsertUser(ctx, userID, pharmacyID, &branch.ID))

	stores := service.NewStores()
	sales := service.NewSaleService(suite.DB, stores, config.PharmacyConfig{InvoicePrefix: "INV", ClaimPrefix: "CLM"}, nil, suite.Logger)

	const buyers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sales.Create(ctx, service.CreateSaleInput{
				BranchID:      branch.ID,
				SoldByID:      userID,
				PaymentMethod: "CASH",
				Items:         []service.SaleItemInput{{BatchID: batch.ID, Quantity: 3}},
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, errors.ErrInsufficientStock):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, buyers-3, rejected)

	got, err := stores.Batches.GetByID(ctx, suite.DB.Querier(), batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Quantity)

	adjustments, err := stores.Batches.ListAdjustments(ctx, suite.DB.Querier(), batch.ID)
	require.NoError(t, err)
	assert.Len(t, adjustments, 3)
	for _, adj := range adjustments {
		assert.Equal(t, -3, adj.Delta)
		assert.Equal(t, repository.ReferenceSale, *adj.ReferenceType)
	}
}

func TestSaleService_OppositeLineOrderDoesNotDeadlock(t *testing.T) {
	ctx := context.Background()
	suite.Reset(t, ctx)

	factory := testutil.NewFixtureFactory()
	pharmacyID := uuid.New().String()
	branch := factory.Branch(pharmacyID)
	product := factory.Product()
	first := factory.Batch(product.ID, branch.ID, testutil.WithQuantity(20))
	second := factory.Batch(product.ID, branch.ID, testutil.WithQuantity(20))
	userID := uuid.New().String()

	require.NoError(t, suite.Fixtures.InsertBranch(ctx, branch))
	require.NoError(t, suite.Fixtures.InsertProduct(ctx, product))
	require.NoError(t, suite.Fixtures.InsertBatch(ctx, first))
	require.NoError(t, suite.Fixtures.InsertBatch(ctx, second))
	require.NoError(t, suite.Fixtures.InsertUser(ctx, userID, pharmacyID, &branch.ID))

	stores := service.NewStores()
	sales := service.NewSaleService(suite.DB, stores, config.PharmacyConfig{InvoicePrefix: "INV", ClaimPrefix: "CLM"}, nil, suite.Logger)

	const buyers = 10
	var wg sync.WaitGroup
	errs := make(chan error, buyers)
	for i := 0; i < buyers; i++ {
		lines := []service.SaleItemInput{{BatchID: first.ID, Quantity: 1}, {BatchID: second.ID, Quantity: 1}}
		if i%2 == 1 {
			lines[0], lines[1] = lines[1], lines[0]
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sales.Create(ctx, service.CreateSaleInput{
				BranchID:      branch.ID,
				SoldByID:      userID,
				PaymentMethod: "CASH",
				Items:         lines,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	for _, id := range []string{first.ID, second.ID} {
		got, err := stores.Batches.GetByID(ctx, suite.DB.Querier(), id)
		require.NoError(t, err)
		assert.Equal(t, 20-buyers, got.Quantity)
	}
}
