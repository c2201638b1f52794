package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/shopspring/decimal"
)

// BranchFixture represents test branch data
type BranchFixture struct {
	ID         string
	PharmacyID string
	Name       string
}

// ProductFixture represents test product data
type ProductFixture struct {
	ID                   string
	Name                 string
	Category             *string
	RequiresPrescription bool
}

// PatientFixture represents test patient data
type PatientFixture struct {
	ID         string
	PharmacyID string
	FirstName  string
	LastName   string
}

// BatchFixture represents a stock batch on hand at a branch
type BatchFixture struct {
	ID           string
	ProductID    string
	BranchID     string
	BatchNumber  string
	Quantity     int
	ExpiryDate   time.Time
	CostPrice    decimal.Decimal
	SellingPrice decimal.Decimal
}

// CoverageFixture is a plan override for a product or category
type CoverageFixture struct {
	ProductID  *string
	Category   *string
	Percentage decimal.Decimal
}

// InsuranceFixture is a provider, plan and patient policy in one
type InsuranceFixture struct {
	ProviderID         string
	PlanID             string
	PatientInsuranceID string
	PatientID          string
	PolicyNumber       string
	Status             string
	StartDate          time.Time
	EndDate            *time.Time
	PlanPercentage     decimal.Decimal
	Coverage           []CoverageFixture
}

// FixtureFactory creates test fixtures with sensible defaults
type FixtureFactory struct {
	sequence int
}

// NewFixtureFactory creates a new fixture factory
func NewFixtureFactory() *FixtureFactory {
	return &FixtureFactory{sequence: 0}
}

// nextSeq returns the next sequence number for unique values
func (f *FixtureFactory) nextSeq() int {
	f.sequence++
	return f.sequence
}

// Branch creates a branch fixture with defaults
func (f *FixtureFactory) Branch(pharmacyID string) BranchFixture {
	seq := f.nextSeq()
	return BranchFixture{
		ID:         uuid.New().String(),
		PharmacyID: pharmacyID,
		Name:       fmt.Sprintf("Branch %d", seq),
	}
}

// Product creates a product fixture with defaults
func (f *FixtureFactory) Product(opts ...func(*ProductFixture)) ProductFixture {
	seq := f.nextSeq()

	product := ProductFixture{
		ID:   uuid.New().String(),
		Name: fmt.Sprintf("Product %d", seq),
	}

	for _, opt := range opts {
		opt(&product)
	}

	return product
}

// WithProductCategory sets the product category
func WithProductCategory(category string) func(*ProductFixture) {
	return func(p *ProductFixture) {
		p.Category = &category
	}
}

// WithPrescriptionRequired marks the product as prescription-only
func WithPrescriptionRequired() func(*ProductFixture) {
	return func(p *ProductFixture) {
		p.RequiresPrescription = true
	}
}

// Patient creates a patient fixture with defaults
func (f *FixtureFactory) Patient(pharmacyID string) PatientFixture {
	seq := f.nextSeq()
	return PatientFixture{
		ID:         uuid.New().String(),
		PharmacyID: pharmacyID,
		FirstName:  fmt.Sprintf("Patient%d", seq),
		LastName:   "Test",
	}
}

// Batch creates a batch fixture with defaults: 10 units at 5.00 expiring in a year
func (f *FixtureFactory) Batch(productID, branchID string, opts ...func(*BatchFixture)) BatchFixture {
	seq := f.nextSeq()

	batch := BatchFixture{
		ID:           uuid.New().String(),
		ProductID:    productID,
		BranchID:     branchID,
		BatchNumber:  fmt.Sprintf("LOT-%04d", seq),
		Quantity:     10,
		ExpiryDate:   time.Now().UTC().AddDate(1, 0, 0).Truncate(24 * time.Hour),
		CostPrice:    decimal.RequireFromString("3.00"),
		SellingPrice: decimal.RequireFromString("5.00"),
	}

	for _, opt := range opts {
		opt(&batch)
	}

	return batch
}

// WithQuantity sets the batch quantity
func WithQuantity(qty int) func(*BatchFixture) {
	return func(b *BatchFixture) {
		b.Quantity = qty
	}
}

// WithExpiry sets the batch expiry date
func WithExpiry(expiry time.Time) func(*BatchFixture) {
	return func(b *BatchFixture) {
		b.ExpiryDate = expiry
	}
}

// WithSellingPrice sets the batch selling price
func WithSellingPrice(price string) func(*BatchFixture) {
	return func(b *BatchFixture) {
		b.SellingPrice = decimal.RequireFromString(price)
	}
}

// Insurance creates an active policy for patientID with the given plan default percentage
func (f *FixtureFactory) Insurance(patientID, planPercentage string, coverage ...CoverageFixture) InsuranceFixture {
	seq := f.nextSeq()
	return InsuranceFixture{
		ProviderID:         uuid.New().String(),
		PlanID:             uuid.New().String(),
		PatientInsuranceID: uuid.New().String(),
		PatientID:          patientID,
		PolicyNumber:       fmt.Sprintf("POL-%04d", seq),
		Status:             "ACTIVE",
		StartDate:          time.Now().UTC().AddDate(-1, 0, 0).Truncate(24 * time.Hour),
		PlanPercentage:     decimal.RequireFromString(planPercentage),
		Coverage:           coverage,
	}
}

// Fixtures inserts fixtures into a real database for integration tests
type Fixtures struct {
	db *database.DB
}

// NewFixtures creates a fixture inserter
func NewFixtures(db *database.DB) *Fixtures {
	return &Fixtures{db: db}
}

// InsertBranch inserts a branch row
func (fx *Fixtures) InsertBranch(ctx context.Context, b BranchFixture) error {
	_, err := fx.db.ExecContext(ctx,
		`INSERT INTO branches (id, pharmacy_id, name) VALUES ($1, $2, $3)`,
		b.ID, b.PharmacyID, b.Name)
	return err
}

// InsertProduct inserts a product row
func (fx *Fixtures) InsertProduct(ctx context.Context, p ProductFixture) error {
	_, err := fx.db.ExecContext(ctx,
		`INSERT INTO products (id, name, category, requires_prescription) VALUES ($1, $2, $3, $4)`,
		p.ID, p.Name, p.Category, p.RequiresPrescription)
	return err
}

// InsertPatient inserts a patient row
func (fx *Fixtures) InsertPatient(ctx context.Context, p PatientFixture) error {
	_, err := fx.db.ExecContext(ctx,
		`INSERT INTO patients (id, pharmacy_id, first_name, last_name) VALUES ($1, $2, $3, $4)`,
		p.ID, p.PharmacyID, p.FirstName, p.LastName)
	return err
}

// InsertUser inserts a cached user so sold_by and performed_by references resolve
func (fx *Fixtures) InsertUser(ctx context.Context, userID, pharmacyID string, branchID *string) error {
	_, err := fx.db.ExecContext(ctx, `
		INSERT INTO user_cache (user_id, pharmacy_id, branch_id, first_name, last_name)
		VALUES ($1, $2, $3, 'Test', 'Pharmacist')`,
		userID, pharmacyID, branchID)
	return err
}

// InsertBatch inserts a batch row
func (fx *Fixtures) InsertBatch(ctx context.Context, b BatchFixture) error {
	_, err := fx.db.ExecContext(ctx, `
		INSERT INTO batches (id, product_id, branch_id, batch_number, quantity, expiry_date, cost_price, selling_price)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.ProductID, b.BranchID, b.BatchNumber, b.Quantity, b.ExpiryDate, b.CostPrice, b.SellingPrice)
	return err
}

// InsertInsurance inserts the provider, plan, coverage overrides and the patient policy
func (fx *Fixtures) InsertInsurance(ctx context.Context, in InsuranceFixture) error {
	return fx.db.RunInTx(ctx, func(tx database.Querier) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO insurance_providers (id, name) VALUES ($1, $2)`,
			in.ProviderID, "Provider "+in.PolicyNumber); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO insurance_plans (id, provider_id, name, coverage_percentage) VALUES ($1, $2, $3, $4)`,
			in.PlanID, in.ProviderID, "Plan "+in.PolicyNumber, in.PlanPercentage); err != nil {
			return err
		}
		for _, c := range in.Coverage {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO coverage_items (id, plan_id, product_id, category, coverage_percentage) VALUES ($1, $2, $3, $4, $5)`,
				uuid.New().String(), in.PlanID, c.ProductID, c.Category, c.Percentage); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO patient_insurances (id, patient_id, plan_id, policy_number, status, start_date, end_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			in.PatientInsuranceID, in.PatientID, in.PlanID, in.PolicyNumber, in.Status, in.StartDate, in.EndDate)
		return err
	})
}
