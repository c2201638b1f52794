package repository

import (
	"context"
	"time"

	"github.com/pharmaflow/pharmaflow-backend/pkg/database"
	"github.com/shopspring/decimal"
)

// Patient insurance statuses
const (
	InsuranceActive              = "ACTIVE"
	InsuranceExpired             = "EXPIRED"
	InsuranceSuspended           = "SUSPENDED"
	InsurancePendingVerification = "PENDING_VERIFICATION"
)

// PatientInsurance links a patient to an insurance plan
type PatientInsurance struct {
	ID           string     `db:"id" json:"id"`
	PatientID    string     `db:"patient_id" json:"patient_id"`
	PlanID       string     `db:"plan_id" json:"plan_id"`
	PolicyNumber string     `db:"policy_number" json:"policy_number"`
	Status       string     `db:"status" json:"status"`
	StartDate    time.Time  `db:"start_date" json:"start_date"`
	EndDate      *time.Time `db:"end_date" json:"end_date,omitempty"`
}

// CoversDate reports whether day lies within the policy period. Dates compare
// at day granularity; an open end date never expires.
func (p *PatientInsurance) CoversDate(day time.Time) bool {
	d := truncateDay(day)
	if d.Before(truncateDay(p.StartDate)) {
		return false
	}
	if p.EndDate != nil && d.After(truncateDay(*p.EndDate)) {
		return false
	}
	return true
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// InsurancePlan is a provider plan with its default coverage and overrides
type InsurancePlan struct {
	ID                 string          `db:"id" json:"id"`
	ProviderID         string          `db:"provider_id" json:"provider_id"`
	Name               string          `db:"name" json:"name"`
	CoveragePercentage decimal.Decimal `db:"coverage_percentage" json:"coverage_percentage"`
	CoverageItems      []*CoverageItem `db:"-" json:"coverage_items"`
}

// CoverageItem overrides the plan percentage for one product or category
type CoverageItem struct {
	ID                 string          `db:"id" json:"id"`
	PlanID             string          `db:"plan_id" json:"plan_id"`
	ProductID          *string         `db:"product_id" json:"product_id,omitempty"`
	Category           *string         `db:"category" json:"category,omitempty"`
	CoveragePercentage decimal.Decimal `db:"coverage_percentage" json:"coverage_percentage"`
}

// InsuranceRepository reads patient insurance and plan data
type InsuranceRepository struct{}

// NewInsuranceRepository creates a new insurance repository
func NewInsuranceRepository() *InsuranceRepository {
	return &InsuranceRepository{}
}

// GetPatientInsurance gets a patient insurance by ID
func (r *InsuranceRepository) GetPatientInsurance(ctx context.Context, q database.Querier, id string) (*PatientInsurance, error) {
	var pi PatientInsurance
	query := `
		SELECT id, patient_id, plan_id, policy_number, status, start_date, end_date
		FROM patient_insurances WHERE id = $1
	`
	if err := q.GetContext(ctx, &pi, query, id); err != nil {
		return nil, database.WrapError(err, "patient insurance")
	}
	return &pi, nil
}

// GetPlan gets a plan with its coverage overrides in creation order
func (r *InsuranceRepository) GetPlan(ctx context.Context, q database.Querier, id string) (*InsurancePlan, error) {
	var plan InsurancePlan
	query := `SELECT id, provider_id, name, coverage_percentage FROM insurance_plans WHERE id = $1`
	if err := q.GetContext(ctx, &plan, query, id); err != nil {
		return nil, database.WrapError(err, "insurance plan")
	}

	plan.CoverageItems = []*CoverageItem{}
	if err := q.SelectContext(ctx, &plan.CoverageItems, `
		SELECT id, plan_id, product_id, category, coverage_percentage
		FROM coverage_items WHERE plan_id = $1
		ORDER BY created_at, id
	`, id); err != nil {
		return nil, err
	}

	return &plan, nil
}
