package database_test

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	apperrors "github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/testutil"
)

func TestRunInTx_Commit(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()
	db := mockDB.Database()

	mockDB.ExpectBegin()
	mockDB.ExpectExec("UPDATE batches SET quantity = quantity - $1").
		WithArgs(3, "b1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectCommit()

	err := db.RunInTx(context.Background(), func(tx database.Querier) error {
		_, err := tx.ExecContext(context.Background(), "UPDATE batches SET quantity = quantity - $1 WHERE id = $2", 3, "b1")
		return err
	})

	require.NoError(t, err)
	mockDB.ExpectationsWereMet(t)
}

func TestRunInTx_RollbackOnError(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()
	db := mockDB.Database()

	boom := errors.New("boom")

	mockDB.ExpectBegin()
	mockDB.ExpectRollback()

	err := db.RunInTx(context.Background(), func(tx database.Querier) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	mockDB.ExpectationsWereMet(t)
}

func TestRunInTx_DeadlockIsConflict(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()
	db := mockDB.Database()

	mockDB.ExpectBegin()
	mockDB.ExpectQuery("FOR UPDATE").WillReturnError(&pq.Error{Code: "40P01", Message: "deadlock detected"})
	mockDB.ExpectRollback()

	err := db.RunInTx(context.Background(), func(tx database.Querier) error {
		var ids []string
		return tx.SelectContext(context.Background(), &ids, "SELECT id FROM batches WHERE id = ANY($1) ORDER BY id FOR UPDATE", "{}")
	})

	assert.ErrorIs(t, err, apperrors.ErrConflict)
	mockDB.ExpectationsWereMet(t)
}

func TestRunInTx_RollbackOnPanic(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()
	db := mockDB.Database()

	mockDB.ExpectBegin()
	mockDB.ExpectRollback()

	assert.Panics(t, func() {
		_ = db.RunInTx(context.Background(), func(tx database.Querier) error {
			panic("unexpected")
		})
	})
	mockDB.ExpectationsWereMet(t)
}

func TestRunInTx_BeginFails(t *testing.T) {
	mockDB := testutil.NewMockDB(t)
	defer mockDB.Close()
	db := mockDB.Database()

	mockDB.ExpectBegin().WillReturnError(errors.New("connection refused"))

	called := false
	err := db.RunInTx(context.Background(), func(tx database.Querier) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin transaction")
	assert.False(t, called)
}

func TestHealth(t *testing.T) {
	t.Run("up", func(t *testing.T) {
		raw, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer raw.Close()
		mock.ExpectPing()

		db := database.NewFromSQLX(sqlx.NewDb(raw, "postgres"), nil)
		status := db.Health(context.Background())

		assert.Equal(t, "up", status["status"])
		assert.Empty(t, status["error"])
	})

	t.Run("down", func(t *testing.T) {
		raw, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer raw.Close()
		mock.ExpectPing().WillReturnError(errors.New("no route to host"))

		db := database.NewFromSQLX(sqlx.NewDb(raw, "postgres"), nil)
		status := db.Health(context.Background())

		assert.Equal(t, "down", status["status"])
		assert.Equal(t, "no route to host", status["error"])
	})
}
