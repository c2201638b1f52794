package service

import (
	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/money"
	"github.com/shopspring/decimal"
)

// CoveragePercentage is the share of a product's price the plan pays. A
// product override wins over a category override, which wins over the plan
// default. Among overrides of the same kind the first one listed applies.
// A percentage outside 0-100 is a misconfigured plan and fails with InvalidState.
func CoveragePercentage(plan *repository.InsurancePlan, product *repository.Product) (decimal.Decimal, error) {
	pct := coverageFor(plan, product)
	if !money.ValidPercentage(pct) {
		return decimal.Zero, errors.InvalidState("insurance plan has an invalid coverage percentage").
			WithDetail("plan_id", plan.ID).
			WithDetail("coverage_percentage", pct.String())
	}
	return pct, nil
}

func coverageFor(plan *repository.InsurancePlan, product *repository.Product) decimal.Decimal {
	var byCategory *repository.CoverageItem
	for _, item := range plan.CoverageItems {
		if item.ProductID != nil && *item.ProductID == product.ID {
			return item.CoveragePercentage
		}
		if byCategory == nil && item.Category != nil && product.Category != nil && *item.Category == *product.Category {
			byCategory = item
		}
	}
	if byCategory != nil {
		return byCategory.CoveragePercentage
	}
	return plan.CoveragePercentage
}
