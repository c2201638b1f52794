package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/testutil"
)

var batchCols = []string{
	"id", "product_id", "branch_id", "batch_number", "quantity", "expiry_date",
	"cost_price", "selling_price", "is_active", "created_at", "updated_at",
}

func TestBatchRepository_Create(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()
	repo := repository.NewBatchRepository()

	expiry := time.Date(2027, 6, 30, 0, 0, 0, 0, time.UTC)
	batch := &repository.Batch{
		ProductID:    "p1",
		BranchID:     "br1",
		BatchNumber:  "LOT-1",
		Quantity:     10,
		ExpiryDate:   expiry,
		CostPrice:    decimal.RequireFromString("3.00"),
		SellingPrice: decimal.RequireFromString("5.00"),
		IsActive:     true,
	}
	now := time.Now()

	mockDB.ExpectQuery("INSERT INTO batches").
		WithArgs(testutil.AnyUUID{}, "p1", "br1", "LOT-1", 10, expiry, batch.CostPrice, batch.SellingPrice, true).
		WillReturnRows(testutil.MockRows("created_at", "updated_at").AddRow(now, now))

	err := repo.Create(context.Background(), mockDB.DB, batch)

	require.NoError(t, err)
	assert.NotEmpty(t, batch.ID)
	assert.Equal(t, now, batch.CreatedAt)
	mockDB.ExpectationsWereMet(t)
}

func TestBatchRepository_GetByID_NotFound(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()
	repo := repository.NewBatchRepository()

	mockDB.ExpectQuery("FROM batches WHERE id = $1").
		WithArgs("missing").
		WillReturnRows(testutil.MockRows(batchCols...))

	batch, err := repo.GetByID(context.Background(), mockDB.DB, "missing")

	assert.Nil(t, batch)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	mockDB.ExpectationsWereMet(t)
}

func TestBatchRepository_ListAvailable(t *testing.T) {
	now := time.Now()
	early := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC)

	for _, lock := range []bool{false, true} {
		mockDB := testutil.NewMockDB(t)
		repo := repository.NewBatchRepository()

		query := "ORDER BY expiry_date ASC, created_at ASC, id ASC"
		if lock {
			query += " FOR UPDATE"
		}
		mockDB.ExpectQuery(query).
			WithArgs("p1", "br1").
			WillReturnRows(testutil.MockRows(batchCols...).
				AddRow("b1", "p1", "br1", "LOT-A", 4, early, "3.00", "5.00", true, now, now).
				AddRow("b2", "p1", "br1", "LOT-B", 9, late, "3.10", "5.50", true, now, now))

		batches, err := repo.ListAvailable(context.Background(), mockDB.DB, "p1", "br1", lock)

		require.NoError(t, err)
		require.Len(t, batches, 2)
		assert.Equal(t, "b1", batches[0].ID)
		assert.Equal(t, 4, batches[0].Quantity)
		assert.True(t, batches[1].SellingPrice.Equal(decimal.RequireFromString("5.50")))
		mockDB.ExpectationsWereMet(t)
		mockDB.Close()
	}
}

func TestBatchRepository_FindMatching(t *testing.T) {
	expiry := time.Date(2027, 1, 31, 0, 0, 0, 0, time.UTC)

	t.Run("none", func(t *testing.T) {
		mockDB := testutil.NewMockDB(t)
		defer mockDB.Close()
		repo := repository.NewBatchRepository()

		mockDB.ExpectQuery("AND expiry_date = $4::date AND is_active = true").
			WithArgs("br2", "p1", "LOT-1", "2027-01-31").
			WillReturnRows(testutil.MockRows(batchCols...))

		batch, err := repo.FindMatching(context.Background(), mockDB.DB, "br2", "p1", "LOT-1", expiry)

		require.NoError(t, err)
		assert.Nil(t, batch)
	})

	t.Run("found", func(t *testing.T) {
		mockDB := testutil.NewMockDB(t)
		defer mockDB.Close()
		repo := repository.NewBatchRepository()
		now := time.Now()

		mockDB.ExpectQuery("LIMIT 1 FOR UPDATE").
			WithArgs("br2", "p1", "LOT-1", "2027-01-31").
			WillReturnRows(testutil.MockRows(batchCols...).
				AddRow("b9", "p1", "br2", "LOT-1", 2, expiry, "3.00", "5.00", true, now, now))

		batch, err := repo.FindMatching(context.Background(), mockDB.DB, "br2", "p1", "LOT-1", expiry)

		require.NoError(t, err)
		require.NotNil(t, batch)
		assert.Equal(t, "b9", batch.ID)
	})
}

func TestBatchRepository_FindMatching_NonUTCExpiry(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()
	repo := repository.NewBatchRepository()

	berlin := time.FixedZone("CET", 3600)
	expiry := time.Date(2027, 1, 31, 0, 0, 0, 0, berlin)

	mockDB.ExpectQuery("expiry_date = $4::date").
		WithArgs("br2", "p1", "LOT-1", "2027-01-31").
		WillReturnRows(testutil.MockRows(batchCols...))

	_, err := repo.FindMatching(context.Background(), mockDB.DB, "br2", "p1", "LOT-1", expiry)

	require.NoError(t, err)
	mockDB.ExpectationsWereMet(t)
}

func TestBatchRepository_LockBatches(t *testing.T) {
	t.Run("locks in id order", func(t *testing.T) {
		mockDB := testutil.NewMockDB(t)
		defer mockDB.Close()
		repo := repository.NewBatchRepository()
		now := time.Now()
		expiry := time.Date(2027, 1, 31, 0, 0, 0, 0, time.UTC)

		mockDB.ExpectQuery("WHERE id = ANY($1) ORDER BY id FOR UPDATE").
			WithArgs(sqlmock.AnyArg()).
			WillReturnRows(testutil.MockRows(batchCols...).
				AddRow("a1", "p1", "br1", "LOT-1", 4, expiry, "3.00", "5.00", true, now, now).
				AddRow("b2", "p2", "br1", "LOT-2", 7, expiry, "3.00", "5.00", true, now, now))

		batches, err := repo.LockBatches(context.Background(), mockDB.DB, []string{"b2", "a1"})

		require.NoError(t, err)
		require.Len(t, batches, 2)
		assert.Equal(t, "a1", batches[0].ID)
		assert.Equal(t, "b2", batches[1].ID)
		mockDB.ExpectationsWereMet(t)
	})

	t.Run("no ids", func(t *testing.T) {
		mockDB := testutil.NewMockDB(t)
		defer mockDB.Close()
		repo := repository.NewBatchRepository()

		batches, err := repo.LockBatches(context.Background(), mockDB.DB, nil)

		require.NoError(t, err)
		assert.Empty(t, batches)
		mockDB.ExpectationsWereMet(t)
	})
}

func TestBatchRepository_Decrement(t *testing.T) {
	t.Run("enough stock", func(t *testing.T) {
		mockDB := testutil.NewMockDB(t)
		defer mockDB.Close()
		repo := repository.NewBatchRepository()

		mockDB.ExpectQuery("UPDATE batches SET quantity = quantity - $2").
			WithArgs("b1", 3).
			WillReturnRows(testutil.MockRows("quantity").AddRow(7))

		qty, err := repo.Decrement(context.Background(), mockDB.DB, "b1", 3)

		require.NoError(t, err)
		assert.Equal(t, 7, qty)
	})

	t.Run("not enough stock", func(t *testing.T) {
		mockDB := testutil.NewMockDB(t)
		defer mockDB.Close()
		repo := repository.NewBatchRepository()

		mockDB.ExpectQuery("WHERE id = $1 AND quantity >= $2").
			WithArgs("b1", 30).
			WillReturnRows(testutil.MockRows("quantity"))

		_, err := repo.Decrement(context.Background(), mockDB.DB, "b1", 30)

		require.ErrorIs(t, err, errors.ErrInsufficientStock)
		var appErr *errors.AppError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, "b1", appErr.Details["batch_id"])
	})
}

func TestBatchRepository_Increment(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()
	repo := repository.NewBatchRepository()

	mockDB.ExpectQuery("UPDATE batches SET quantity = quantity + $2").
		WithArgs("b1", 3).
		WillReturnRows(testutil.MockRows("quantity").AddRow(10))

	qty, err := repo.Increment(context.Background(), mockDB.DB, "b1", 3)

	require.NoError(t, err)
	assert.Equal(t, 10, qty)
}

func TestBatchRepository_Delete(t *testing.T) {
	t.Run("deleted", func(t *testing.T) {
		mockDB := testutil.NewMockDB(t)
		defer mockDB.Close()
		repo := repository.NewBatchRepository()

		mockDB.ExpectExec("DELETE FROM batches WHERE id = $1").
			WithArgs("b1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Delete(context.Background(), mockDB.DB, "b1"))
	})

	t.Run("missing", func(t *testing.T) {
		mockDB := testutil.NewMockDB(t)
		defer mockDB.Close()
		repo := repository.NewBatchRepository()

		mockDB.ExpectExec("DELETE FROM batches WHERE id = $1").
			WithArgs("b1").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.Delete(context.Background(), mockDB.DB, "b1")
		assert.ErrorIs(t, err, errors.ErrNotFound)
	})
}

func TestBatchRepository_RecordAdjustment(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()
	repo := repository.NewBatchRepository()

	ref := repository.ReferenceSale
	saleID := "s1"
	adj := &repository.StockAdjustment{
		BatchID:          "b1",
		ProductID:        "p1",
		BranchID:         "br1",
		Delta:            -3,
		PreviousQuantity: 10,
		NewQuantity:      7,
		Reason:           "sale INV-20261018-ABC123",
		ReferenceType:    &ref,
		ReferenceID:      &saleID,
	}

	mockDB.ExpectQuery("INSERT INTO stock_adjustments").
		WithArgs(testutil.AnyUUID{}, "b1", "p1", "br1", -3, 10, 7, adj.Reason, &ref, &saleID, nil).
		WillReturnRows(testutil.MockRows("created_at").AddRow(time.Now()))

	require.NoError(t, repo.RecordAdjustment(context.Background(), mockDB.DB, adj))
	assert.NotEmpty(t, adj.ID)
	mockDB.ExpectationsWereMet(t)
}
