package service

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/events"
	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/config"
	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	"github.com/pharmaflow/pharmaflow-backend/pkg/testutil"
)

// memState is everything the fake stores hold. It is deep-copied on every
// unit of work so a failed unit can be rolled back.
type memState struct {
	Branches      map[string]*repository.Branch
	Products      map[string]*repository.Product
	Patients      map[string]*repository.Patient
	Users         map[string]*repository.CachedUser
	Batches       map[string]*repository.Batch
	Adjustments   []*repository.StockAdjustment
	Transfers     map[string]*repository.StockTransfer
	Sales         map[string]*repository.Sale
	Prescriptions map[string]*repository.Prescription
	Insurances    map[string]*repository.PatientInsurance
	Plans         map[string]*repository.InsurancePlan
	Claims        map[string]*repository.InsuranceClaim
}

func clone[T any](v T) T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return out
}

type memDB struct {
	state *memState
	clock time.Time
	// locks records every row lock in the order it was taken, as "kind:id"
	locks []string
}

func (m *memDB) lock(kind, id string) {
	m.locks = append(m.locks, kind+":"+id)
}

func newMemDB() *memDB {
	return &memDB{
		state: &memState{
			Branches:      map[string]*repository.Branch{},
			Products:      map[string]*repository.Product{},
			Patients:      map[string]*repository.Patient{},
			Users:         map[string]*repository.CachedUser{},
			Batches:       map[string]*repository.Batch{},
			Transfers:     map[string]*repository.StockTransfer{},
			Sales:         map[string]*repository.Sale{},
			Prescriptions: map[string]*repository.Prescription{},
			Insurances:    map[string]*repository.PatientInsurance{},
			Plans:         map[string]*repository.InsurancePlan{},
			Claims:        map[string]*repository.InsuranceClaim{},
		},
		clock: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC),
	}
}

// tick returns a strictly increasing timestamp so creation order is observable
func (m *memDB) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

type memUoW struct {
	db *memDB
}

func (u *memUoW) Do(ctx context.Context, fn func(tx database.Querier) error) error {
	snapshot := clone(u.db.state)
	if err := fn(nil); err != nil {
		u.db.state = snapshot
		return err
	}
	return nil
}

func (u *memUoW) Querier() database.Querier { return nil }

// Batches

type fakeBatches struct{ db *memDB }

func (f fakeBatches) Create(ctx context.Context, q database.Querier, b *repository.Batch) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	b.CreatedAt = f.db.tick()
	b.UpdatedAt = b.CreatedAt
	f.db.state.Batches[b.ID] = clone(b)
	return nil
}

func (f fakeBatches) GetByID(ctx context.Context, q database.Querier, id string) (*repository.Batch, error) {
	b, ok := f.db.state.Batches[id]
	if !ok {
		return nil, errors.NotFound("batch")
	}
	return clone(b), nil
}

func (f fakeBatches) GetForUpdate(ctx context.Context, q database.Querier, id string) (*repository.Batch, error) {
	f.db.lock("batch", id)
	return f.GetByID(ctx, q, id)
}

func (f fakeBatches) LockBatches(ctx context.Context, q database.Querier, ids []string) ([]*repository.Batch, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	out := []*repository.Batch{}
	for _, id := range sorted {
		b, ok := f.db.state.Batches[id]
		if !ok {
			continue
		}
		f.db.lock("batch", id)
		out = append(out, clone(b))
	}
	return out, nil
}

func (f fakeBatches) ListAvailable(ctx context.Context, q database.Querier, productID, branchID string, lock bool) ([]*repository.Batch, error) {
	var out []*repository.Batch
	for _, b := range f.db.state.Batches {
		if b.ProductID == productID && b.BranchID == branchID && b.IsActive && b.Quantity > 0 {
			out = append(out, clone(b))
		}
	}
	return out, nil
}

func (f fakeBatches) FindMatching(ctx context.Context, q database.Querier, branchID, productID, batchNumber string, expiry time.Time) (*repository.Batch, error) {
	var match *repository.Batch
	for _, b := range f.db.state.Batches {
		if b.IsActive && b.BranchID == branchID && b.ProductID == productID && b.BatchNumber == batchNumber && b.ExpiryDate.Equal(expiry) {
			if match == nil || b.CreatedAt.Before(match.CreatedAt) {
				match = b
			}
		}
	}
	if match == nil {
		return nil, nil
	}
	return clone(match), nil
}

func (f fakeBatches) Update(ctx context.Context, q database.Querier, b *repository.Batch) error {
	stored, ok := f.db.state.Batches[b.ID]
	if !ok {
		return errors.NotFound("batch")
	}
	stored.BatchNumber = b.BatchNumber
	stored.ExpiryDate = b.ExpiryDate
	stored.CostPrice = b.CostPrice
	stored.SellingPrice = b.SellingPrice
	stored.IsActive = b.IsActive
	return nil
}

func (f fakeBatches) Delete(ctx context.Context, q database.Querier, id string) error {
	if _, ok := f.db.state.Batches[id]; !ok {
		return errors.NotFound("batch")
	}
	delete(f.db.state.Batches, id)
	return nil
}

func (f fakeBatches) Decrement(ctx context.Context, q database.Querier, id string, qty int) (int, error) {
	b, ok := f.db.state.Batches[id]
	if !ok || b.Quantity < qty {
		return 0, errors.InsufficientStock("insufficient stock in batch").WithDetail("batch_id", id)
	}
	b.Quantity -= qty
	return b.Quantity, nil
}

func (f fakeBatches) Increment(ctx context.Context, q database.Querier, id string, qty int) (int, error) {
	b, ok := f.db.state.Batches[id]
	if !ok {
		return 0, errors.NotFound("batch")
	}
	b.Quantity += qty
	return b.Quantity, nil
}

func (f fakeBatches) CountSaleReferences(ctx context.Context, q database.Querier, id string) (int, error) {
	count := 0
	for _, s := range f.db.state.Sales {
		for _, item := range s.Items {
			if item.BatchID == id {
				count++
			}
		}
	}
	return count, nil
}

func (f fakeBatches) RecordAdjustment(ctx context.Context, q database.Querier, adj *repository.StockAdjustment) error {
	if adj.ID == "" {
		adj.ID = uuid.New().String()
	}
	adj.CreatedAt = f.db.tick()
	f.db.state.Adjustments = append(f.db.state.Adjustments, clone(adj))
	return nil
}

func (f fakeBatches) ListAdjustments(ctx context.Context, q database.Querier, batchID string) ([]*repository.StockAdjustment, error) {
	out := []*repository.StockAdjustment{}
	for i := len(f.db.state.Adjustments) - 1; i >= 0; i-- {
		if adj := f.db.state.Adjustments[i]; adj.BatchID == batchID {
			out = append(out, clone(adj))
		}
	}
	return out, nil
}

// Directory

type fakeDirectory struct{ db *memDB }

func (f fakeDirectory) GetBranch(ctx context.Context, q database.Querier, id string) (*repository.Branch, error) {
	if b, ok := f.db.state.Branches[id]; ok {
		return clone(b), nil
	}
	return nil, errors.NotFound("branch")
}

func (f fakeDirectory) GetProduct(ctx context.Context, q database.Querier, id string) (*repository.Product, error) {
	if p, ok := f.db.state.Products[id]; ok {
		return clone(p), nil
	}
	return nil, errors.NotFound("product")
}

func (f fakeDirectory) GetPatient(ctx context.Context, q database.Querier, id string) (*repository.Patient, error) {
	if p, ok := f.db.state.Patients[id]; ok {
		return clone(p), nil
	}
	return nil, errors.NotFound("patient")
}

func (f fakeDirectory) GetUser(ctx context.Context, q database.Querier, id string) (*repository.CachedUser, error) {
	if u, ok := f.db.state.Users[id]; ok {
		return clone(u), nil
	}
	return nil, errors.NotFound("user")
}

// Transfers

type fakeTransfers struct{ db *memDB }

func (f fakeTransfers) Create(ctx context.Context, q database.Querier, t *repository.StockTransfer) error {
	t.ID = uuid.New().String()
	t.CreatedAt = f.db.tick()
	t.UpdatedAt = t.CreatedAt
	for i, item := range t.Items {
		item.ID = uuid.New().String()
		item.TransferID = t.ID
		item.LineNo = i + 1
	}
	f.db.state.Transfers[t.ID] = clone(t)
	return nil
}

func (f fakeTransfers) GetByID(ctx context.Context, q database.Querier, id string) (*repository.StockTransfer, error) {
	if t, ok := f.db.state.Transfers[id]; ok {
		return clone(t), nil
	}
	return nil, errors.NotFound("transfer")
}

func (f fakeTransfers) GetForUpdate(ctx context.Context, q database.Querier, id string) (*repository.StockTransfer, error) {
	return f.GetByID(ctx, q, id)
}

func (f fakeTransfers) UpdateStatus(ctx context.Context, q database.Querier, t *repository.StockTransfer) error {
	stored, ok := f.db.state.Transfers[t.ID]
	if !ok {
		return errors.NotFound("transfer")
	}
	stored.Status = t.Status
	stored.ApprovedBy = t.ApprovedBy
	stored.ApprovedAt = t.ApprovedAt
	stored.CompletedAt = t.CompletedAt
	return nil
}

func (f fakeTransfers) List(ctx context.Context, q database.Querier, filter repository.TransferFilter) (repository.ListResult[*repository.StockTransfer], error) {
	result := repository.ListResult[*repository.StockTransfer]{Items: []*repository.StockTransfer{}}
	for _, t := range f.db.state.Transfers {
		if filter.BranchID != nil && t.FromBranchID != *filter.BranchID && t.ToBranchID != *filter.BranchID {
			continue
		}
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		result.Items = append(result.Items, clone(t))
	}
	result.TotalCount = len(result.Items)
	return result, nil
}

// Sales

type fakeSales struct{ db *memDB }

func (f fakeSales) Create(ctx context.Context, q database.Querier, s *repository.Sale) error {
	s.ID = uuid.New().String()
	s.CreatedAt = f.db.tick()
	s.UpdatedAt = s.CreatedAt
	for i, item := range s.Items {
		item.ID = uuid.New().String()
		item.SaleID = s.ID
		item.LineNo = i + 1
	}
	f.db.state.Sales[s.ID] = clone(s)
	return nil
}

func (f fakeSales) GetByID(ctx context.Context, q database.Querier, id string) (*repository.Sale, error) {
	if s, ok := f.db.state.Sales[id]; ok {
		return clone(s), nil
	}
	return nil, errors.NotFound("sale")
}

func (f fakeSales) GetForUpdate(ctx context.Context, q database.Querier, id string) (*repository.Sale, error) {
	f.db.lock("sale", id)
	return f.GetByID(ctx, q, id)
}

func (f fakeSales) UpdatePaymentStatus(ctx context.Context, q database.Querier, id, status string) error {
	s, ok := f.db.state.Sales[id]
	if !ok {
		return errors.NotFound("sale")
	}
	s.PaymentStatus = status
	return nil
}

func (f fakeSales) CountByPrescription(ctx context.Context, q database.Querier, prescriptionID string) (int, error) {
	count := 0
	for _, s := range f.db.state.Sales {
		if s.PrescriptionID != nil && *s.PrescriptionID == prescriptionID {
			count++
		}
	}
	return count, nil
}

func (f fakeSales) List(ctx context.Context, q database.Querier, filter repository.SaleFilter) (repository.ListResult[*repository.Sale], error) {
	result := repository.ListResult[*repository.Sale]{Items: []*repository.Sale{}}
	for _, s := range f.db.state.Sales {
		if filter.BranchID != nil && s.BranchID != *filter.BranchID {
			continue
		}
		if filter.PaymentStatus != nil && s.PaymentStatus != *filter.PaymentStatus {
			continue
		}
		result.Items = append(result.Items, clone(s))
	}
	sort.Slice(result.Items, func(i, j int) bool {
		return result.Items[i].CreatedAt.After(result.Items[j].CreatedAt)
	})
	result.TotalCount = len(result.Items)
	return result, nil
}

// Prescriptions

type fakePrescriptions struct{ db *memDB }

func (f fakePrescriptions) Create(ctx context.Context, q database.Querier, p *repository.Prescription) error {
	p.ID = uuid.New().String()
	p.CreatedAt = f.db.tick()
	p.UpdatedAt = p.CreatedAt
	items := p.Items
	p.Items = nil
	f.db.state.Prescriptions[p.ID] = clone(p)
	for _, item := range items {
		item.PrescriptionID = p.ID
		if err := f.AddItem(ctx, q, item); err != nil {
			return err
		}
	}
	p.Items = items
	return nil
}

func (f fakePrescriptions) GetByID(ctx context.Context, q database.Querier, id string) (*repository.Prescription, error) {
	p, ok := f.db.state.Prescriptions[id]
	if !ok {
		return nil, errors.NotFound("prescription")
	}
	out := clone(p)
	if out.Items == nil {
		out.Items = []*repository.PrescriptionItem{}
	}
	return out, nil
}

func (f fakePrescriptions) GetForUpdate(ctx context.Context, q database.Querier, id string) (*repository.Prescription, error) {
	f.db.lock("prescription", id)
	return f.GetByID(ctx, q, id)
}

func (f fakePrescriptions) UpdateStatus(ctx context.Context, q database.Querier, id, status string) error {
	p, ok := f.db.state.Prescriptions[id]
	if !ok {
		return errors.NotFound("prescription")
	}
	p.Status = status
	return nil
}

func (f fakePrescriptions) AddItem(ctx context.Context, q database.Querier, item *repository.PrescriptionItem) error {
	p, ok := f.db.state.Prescriptions[item.PrescriptionID]
	if !ok {
		return errors.InvalidInput("referenced record does not exist")
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	lineNo := 0
	for _, existing := range p.Items {
		lineNo = max(lineNo, existing.LineNo)
	}
	item.LineNo = lineNo + 1
	item.CreatedAt = f.db.tick()
	p.Items = append(p.Items, clone(item))
	return nil
}

func (f fakePrescriptions) findItem(id string) *repository.PrescriptionItem {
	for _, p := range f.db.state.Prescriptions {
		for _, item := range p.Items {
			if item.ID == id {
				return item
			}
		}
	}
	return nil
}

// UpdateItem enforces the same bounds as the table's CHECK constraints
func (f fakePrescriptions) UpdateItem(ctx context.Context, q database.Querier, item *repository.PrescriptionItem) error {
	stored := f.findItem(item.ID)
	if stored == nil {
		return errors.NotFound("prescription item")
	}
	if item.Dispensed < 0 || item.Dispensed > item.Quantity {
		return errors.LimitExceeded("dispensed quantity exceeds prescribed quantity")
	}
	*stored = *clone(item)
	return nil
}

func (f fakePrescriptions) DeleteItem(ctx context.Context, q database.Querier, id string) error {
	for _, p := range f.db.state.Prescriptions {
		for i, item := range p.Items {
			if item.ID == id {
				p.Items = append(p.Items[:i], p.Items[i+1:]...)
				return nil
			}
		}
	}
	return errors.NotFound("prescription item")
}

// Insurance

type fakeInsurance struct{ db *memDB }

func (f fakeInsurance) GetPatientInsurance(ctx context.Context, q database.Querier, id string) (*repository.PatientInsurance, error) {
	if pi, ok := f.db.state.Insurances[id]; ok {
		return clone(pi), nil
	}
	return nil, errors.NotFound("patient insurance")
}

func (f fakeInsurance) GetPlan(ctx context.Context, q database.Querier, id string) (*repository.InsurancePlan, error) {
	if p, ok := f.db.state.Plans[id]; ok {
		return clone(p), nil
	}
	return nil, errors.NotFound("insurance plan")
}

// Claims

type fakeClaims struct{ db *memDB }

func (f fakeClaims) Create(ctx context.Context, q database.Querier, c *repository.InsuranceClaim) error {
	c.ID = uuid.New().String()
	c.SubmissionDate = f.db.tick()
	c.UpdatedAt = c.SubmissionDate
	for _, item := range c.Items {
		item.ID = uuid.New().String()
		item.ClaimID = c.ID
	}
	f.db.state.Claims[c.ID] = clone(c)
	return nil
}

func (f fakeClaims) GetByID(ctx context.Context, q database.Querier, id string) (*repository.InsuranceClaim, error) {
	if c, ok := f.db.state.Claims[id]; ok {
		return clone(c), nil
	}
	return nil, errors.NotFound("claim")
}

func (f fakeClaims) GetForUpdate(ctx context.Context, q database.Querier, id string) (*repository.InsuranceClaim, error) {
	return f.GetByID(ctx, q, id)
}

func (f fakeClaims) GetBySaleID(ctx context.Context, q database.Querier, saleID string) (*repository.InsuranceClaim, error) {
	for _, c := range f.db.state.Claims {
		if c.SaleID == saleID {
			return clone(c), nil
		}
	}
	return nil, errors.NotFound("claim")
}

func (f fakeClaims) Update(ctx context.Context, q database.Querier, c *repository.InsuranceClaim) error {
	stored, ok := f.db.state.Claims[c.ID]
	if !ok {
		return errors.NotFound("claim")
	}
	stored.CoveredAmount = c.CoveredAmount
	stored.PatientResponsibility = c.PatientResponsibility
	stored.Status = c.Status
	stored.ApprovalDate = c.ApprovalDate
	stored.PaymentDate = c.PaymentDate
	stored.Notes = c.Notes
	return nil
}

func (f fakeClaims) UpdateItem(ctx context.Context, q database.Querier, item *repository.ClaimItem) error {
	for _, c := range f.db.state.Claims {
		for _, stored := range c.Items {
			if stored.ID == item.ID {
				stored.ApprovedQuantity = item.ApprovedQuantity
				stored.ApprovedAmount = item.ApprovedAmount
				stored.RejectionReason = item.RejectionReason
				return nil
			}
		}
	}
	return errors.NotFound("claim item")
}

// testEnv wires every service onto one in-memory store

type testEnv struct {
	t             *testing.T
	db            *memDB
	publisher     *testutil.MockPublisher
	ledger        *LedgerService
	transfers     *TransferService
	sales         *SaleService
	prescriptions *PrescriptionService
	claims        *ClaimService

	pharmacyID string
	branchID   string
	userID     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := newMemDB()
	uow := &memUoW{db: db}
	stores := Stores{
		Batches:       fakeBatches{db},
		Directory:     fakeDirectory{db},
		Transfers:     fakeTransfers{db},
		Sales:         fakeSales{db},
		Prescriptions: fakePrescriptions{db},
		Insurance:     fakeInsurance{db},
		Claims:        fakeClaims{db},
	}
	mock := testutil.NewMockPublisher()
	publisher := events.NewPublisherWithSender(mock)
	log := logger.Nop()
	numbering := config.PharmacyConfig{InvoicePrefix: "INV", ClaimPrefix: "CLM"}

	env := &testEnv{
		t:             t,
		db:            db,
		publisher:     mock,
		ledger:        NewLedgerService(uow, stores, publisher, log),
		transfers:     NewTransferService(uow, stores, publisher, log),
		sales:         NewSaleService(uow, stores, numbering, publisher, log),
		prescriptions: NewPrescriptionService(uow, stores, publisher, log),
		claims:        NewClaimService(uow, stores, publisher, log),
		pharmacyID:    uuid.New().String(),
	}

	fixed := func() time.Time { return db.clock }
	env.transfers.now = fixed
	env.sales.now = fixed
	env.prescriptions.now = fixed
	env.claims.now = fixed

	env.branchID = env.addBranch()
	env.userID = env.addUser()
	return env
}

func (e *testEnv) addBranch() string {
	id := uuid.New().String()
	e.db.state.Branches[id] = &repository.Branch{ID: id, PharmacyID: e.pharmacyID, Name: "Branch", IsActive: true}
	return id
}

func (e *testEnv) addUser() string {
	id := uuid.New().String()
	e.db.state.Users[id] = &repository.CachedUser{UserID: id, FirstName: "Test", LastName: "Pharmacist", IsActive: true}
	return id
}

func (e *testEnv) addPatient() string {
	id := uuid.New().String()
	e.db.state.Patients[id] = &repository.Patient{ID: id, PharmacyID: e.pharmacyID, FirstName: "Jane", LastName: "Doe"}
	return id
}

type productOpt func(*repository.Product)

func withCategory(category string) productOpt {
	return func(p *repository.Product) { p.Category = &category }
}

func prescriptionOnly() productOpt {
	return func(p *repository.Product) { p.RequiresPrescription = true }
}

func (e *testEnv) addProduct(opts ...productOpt) string {
	id := uuid.New().String()
	p := &repository.Product{ID: id, Name: "Product " + id[:4], IsActive: true}
	for _, opt := range opts {
		opt(p)
	}
	e.db.state.Products[id] = p
	return id
}

// addBatch stores a batch directly, bypassing the journal
func (e *testEnv) addBatch(productID, branchID string, qty int, price string, expiry time.Time) string {
	id := uuid.New().String()
	created := e.db.tick()
	e.db.state.Batches[id] = &repository.Batch{
		ID:           id,
		ProductID:    productID,
		BranchID:     branchID,
		BatchNumber:  "LOT-" + id[:6],
		Quantity:     qty,
		ExpiryDate:   expiry,
		CostPrice:    decimal.RequireFromString("1.00"),
		SellingPrice: decimal.RequireFromString(price),
		IsActive:     true,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
	return id
}

func (e *testEnv) quantity(batchID string) int {
	e.t.Helper()
	b, ok := e.db.state.Batches[batchID]
	if !ok {
		e.t.Fatalf("batch %s not found", batchID)
	}
	return b.Quantity
}

// addInsurance creates an active policy for patientID on a plan with the
// given default percentage and overrides
func (e *testEnv) addInsurance(patientID, planPct string, overrides ...*repository.CoverageItem) (insuranceID, providerID string) {
	planID := uuid.New().String()
	providerID = uuid.New().String()
	for _, o := range overrides {
		o.ID = uuid.New().String()
		o.PlanID = planID
	}
	e.db.state.Plans[planID] = &repository.InsurancePlan{
		ID:                 planID,
		ProviderID:         providerID,
		Name:               "Plan",
		CoveragePercentage: decimal.RequireFromString(planPct),
		CoverageItems:      overrides,
	}

	insuranceID = uuid.New().String()
	e.db.state.Insurances[insuranceID] = &repository.PatientInsurance{
		ID:           insuranceID,
		PatientID:    patientID,
		PlanID:       planID,
		PolicyNumber: "POL-1",
		Status:       repository.InsuranceActive,
		StartDate:    e.db.clock.AddDate(-1, 0, 0),
	}
	return insuranceID, providerID
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func strPtr(s string) *string { return &s }

func expiresIn(days int) time.Time {
	return time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, days)
}
