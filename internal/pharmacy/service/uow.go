package service

import (
	"context"
	"time"

	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
)

// UnitOfWork runs fn as one atomic unit. Every statement fn issues through
// tx commits or rolls back together. *database.DB satisfies it.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(tx database.Querier) error) error
	Querier() database.Querier
}

var _ UnitOfWork = (*database.DB)(nil)

// BatchStore persists batches and the stock journal
type BatchStore interface {
	Create(ctx context.Context, q database.Querier, batch *repository.Batch) error
	GetByID(ctx context.Context, q database.Querier, id string) (*repository.Batch, error)
	GetForUpdate(ctx context.Context, q database.Querier, id string) (*repository.Batch, error)
	LockBatches(ctx context.Context, q database.Querier, ids []string) ([]*repository.Batch, error)
	ListAvailable(ctx context.Context, q database.Querier, productID, branchID string, lock bool) ([]*repository.Batch, error)
	FindMatching(ctx context.Context, q database.Querier, branchID, productID, batchNumber string, expiry time.Time) (*repository.Batch, error)
	Update(ctx context.Context, q database.Querier, batch *repository.Batch) error
	Delete(ctx context.Context, q database.Querier, id string) error
	Decrement(ctx context.Context, q database.Querier, id string, qty int) (int, error)
	Increment(ctx context.Context, q database.Querier, id string, qty int) (int, error)
	CountSaleReferences(ctx context.Context, q database.Querier, id string) (int, error)
	RecordAdjustment(ctx context.Context, q database.Querier, adj *repository.StockAdjustment) error
	ListAdjustments(ctx context.Context, q database.Querier, batchID string) ([]*repository.StockAdjustment, error)
}

// DirectoryStore reads branches, products, patients and users owned by other services
type DirectoryStore interface {
	GetBranch(ctx context.Context, q database.Querier, id string) (*repository.Branch, error)
	GetProduct(ctx context.Context, q database.Querier, id string) (*repository.Product, error)
	GetPatient(ctx context.Context, q database.Querier, id string) (*repository.Patient, error)
	GetUser(ctx context.Context, q database.Querier, id string) (*repository.CachedUser, error)
}

// TransferStore persists stock transfers
type TransferStore interface {
	Create(ctx context.Context, q database.Querier, t *repository.StockTransfer) error
	GetByID(ctx context.Context, q database.Querier, id string) (*repository.StockTransfer, error)
	GetForUpdate(ctx context.Context, q database.Querier, id string) (*repository.StockTransfer, error)
	UpdateStatus(ctx context.Context, q database.Querier, t *repository.StockTransfer) error
	List(ctx context.Context, q database.Querier, filter repository.TransferFilter) (repository.ListResult[*repository.StockTransfer], error)
}

// SaleStore persists sales
type SaleStore interface {
	Create(ctx context.Context, q database.Querier, sale *repository.Sale) error
	GetByID(ctx context.Context, q database.Querier, id string) (*repository.Sale, error)
	GetForUpdate(ctx context.Context, q database.Querier, id string) (*repository.Sale, error)
	UpdatePaymentStatus(ctx context.Context, q database.Querier, id, status string) error
	CountByPrescription(ctx context.Context, q database.Querier, prescriptionID string) (int, error)
	List(ctx context.Context, q database.Querier, filter repository.SaleFilter) (repository.ListResult[*repository.Sale], error)
}

// PrescriptionStore persists prescriptions and their items
type PrescriptionStore interface {
	Create(ctx context.Context, q database.Querier, p *repository.Prescription) error
	GetByID(ctx context.Context, q database.Querier, id string) (*repository.Prescription, error)
	GetForUpdate(ctx context.Context, q database.Querier, id string) (*repository.Prescription, error)
	UpdateStatus(ctx context.Context, q database.Querier, id, status string) error
	AddItem(ctx context.Context, q database.Querier, item *repository.PrescriptionItem) error
	UpdateItem(ctx context.Context, q database.Querier, item *repository.PrescriptionItem) error
	DeleteItem(ctx context.Context, q database.Querier, id string) error
}

// InsuranceStore reads patient policies and plans
type InsuranceStore interface {
	GetPatientInsurance(ctx context.Context, q database.Querier, id string) (*repository.PatientInsurance, error)
	GetPlan(ctx context.Context, q database.Querier, id string) (*repository.InsurancePlan, error)
}

// ClaimStore persists insurance claims
type ClaimStore interface {
	Create(ctx context.Context, q database.Querier, c *repository.InsuranceClaim) error
	GetByID(ctx context.Context, q database.Querier, id string) (*repository.InsuranceClaim, error)
	GetForUpdate(ctx context.Context, q database.Querier, id string) (*repository.InsuranceClaim, error)
	GetBySaleID(ctx context.Context, q database.Querier, saleID string) (*repository.InsuranceClaim, error)
	Update(ctx context.Context, q database.Querier, c *repository.InsuranceClaim) error
	UpdateItem(ctx context.Context, q database.Querier, item *repository.ClaimItem) error
}

// Stores bundles the persistence the pharmacy services share
type Stores struct {
	Batches       BatchStore
	Directory     DirectoryStore
	Transfers     TransferStore
	Sales         SaleStore
	Prescriptions PrescriptionStore
	Insurance     InsuranceStore
	Claims        ClaimStore
}

// NewStores wires the SQL repositories
func NewStores() Stores {
	return Stores{
		Batches:       repository.NewBatchRepository(),
		Directory:     repository.NewDirectoryRepository(),
		Transfers:     repository.NewTransferRepository(),
		Sales:         repository.NewSaleRepository(),
		Prescriptions: repository.NewPrescriptionRepository(),
		Insurance:     repository.NewInsuranceRepository(),
		Claims:        repository.NewClaimRepository(),
	}
}
