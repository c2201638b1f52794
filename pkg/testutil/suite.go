//go:build integration

package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
)

var (
	// shared across all integration tests of a package
	globalContainer *PostgresContainer
	globalDB        *database.DB
	containerOnce   sync.Once
	containerErr    error
)

// IntegrationSuite provides a migrated PostgreSQL database for integration tests.
//
// Usage:
//
//	var suite *testutil.IntegrationSuite
//
//	func TestMain(m *testing.M) {
//	    ctx := context.Background()
//	    var err error
//	    suite, err = testutil.NewIntegrationSuite(ctx)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    code := m.Run()
//	    testutil.TerminateContainer(ctx)
//	    os.Exit(code)
//	}
type IntegrationSuite struct {
	Container *PostgresContainer
	DB        *database.DB
	Fixtures  *Fixtures
	Logger    *logger.Logger
}

// NewIntegrationSuite starts (once) the shared container and applies the migrations
func NewIntegrationSuite(ctx context.Context) (*IntegrationSuite, error) {
	container, db, err := getOrCreateDatabase(ctx)
	if err != nil {
		return nil, err
	}

	return &IntegrationSuite{
		Container: container,
		DB:        db,
		Fixtures:  NewFixtures(db),
		Logger:    logger.Nop(),
	}, nil
}

func getOrCreateDatabase(ctx context.Context) (*PostgresContainer, *database.DB, error) {
	containerOnce.Do(func() {
		globalContainer, containerErr = NewPostgresContainer(ctx, DefaultPostgresConfig())
		if containerErr != nil {
			return
		}

		raw, err := globalContainer.Connect(ctx)
		if err != nil {
			containerErr = err
			return
		}
		globalDB = database.NewFromSQLX(raw, logger.Nop())

		if _, err := database.NewMigrator(globalDB).Up(ctx); err != nil {
			containerErr = fmt.Errorf("apply migrations: %w", err)
		}
	})
	return globalContainer, globalDB, containerErr
}

// Reset truncates every pharmacy table so each test starts from an empty ledger
func (s *IntegrationSuite) Reset(t *testing.T, ctx context.Context) {
	t.Helper()
	_, err := s.DB.ExecContext(ctx, `
		TRUNCATE claim_items, insurance_claims, sale_items, sales, prescription_items,
			prescriptions, transfer_items, stock_transfers, stock_adjustments, batches,
			patient_insurances, coverage_items, insurance_plans, insurance_providers,
			user_cache, patients, products, branches
		CASCADE
	`)
	if err != nil {
		t.Fatalf("reset database: %v", err)
	}
}

// TerminateContainer terminates the shared container.
// Only call this in TestMain after all tests have completed.
func TerminateContainer(ctx context.Context) {
	if globalDB != nil {
		_ = globalDB.Close()
	}
	if globalContainer != nil {
		_ = globalContainer.Terminate(ctx)
	}
}
