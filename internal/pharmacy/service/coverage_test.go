package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
)

func TestCoveragePercentage(t *testing.T) {
	antibiotics := "ANTIBIOTIC"
	vitamins := "VITAMIN"

	plan := &repository.InsurancePlan{
		CoveragePercentage: dec("50"),
		CoverageItems: []*repository.CoverageItem{
			{Category: &antibiotics, CoveragePercentage: dec("70")},
			{ProductID: strPtr("amoxicillin"), CoveragePercentage: dec("90")},
			{Category: &antibiotics, CoveragePercentage: dec("20")},
		},
	}

	tests := []struct {
		name    string
		product *repository.Product
		want    string
	}{
		{"product override wins over category", &repository.Product{ID: "amoxicillin", Category: &antibiotics}, "90"},
		{"first category override applies", &repository.Product{ID: "doxycycline", Category: &antibiotics}, "70"},
		{"plan default for other categories", &repository.Product{ID: "vitamin-c", Category: &vitamins}, "50"},
		{"plan default without category", &repository.Product{ID: "saline"}, "50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CoveragePercentage(plan, tt.product)
			require.NoError(t, err)
			assert.True(t, dec(tt.want).Equal(got), "got %s", got)
		})
	}
}

func TestCoveragePercentage_OutOfRange(t *testing.T) {
	product := &repository.Product{ID: "amoxicillin"}

	tests := []struct {
		name string
		plan *repository.InsurancePlan
	}{
		{"plan default above 100", &repository.InsurancePlan{ID: "plan-1", CoveragePercentage: dec("120")}},
		{"negative override", &repository.InsurancePlan{
			ID:                 "plan-2",
			CoveragePercentage: dec("50"),
			CoverageItems:      []*repository.CoverageItem{{ProductID: strPtr("amoxicillin"), CoveragePercentage: dec("-5")}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CoveragePercentage(tt.plan, product)
			assert.True(t, errors.Is(err, errors.ErrInvalidState))
		})
	}

	boundary := &repository.InsurancePlan{CoveragePercentage: dec("100")}
	got, err := CoveragePercentage(boundary, product)
	require.NoError(t, err)
	assert.True(t, dec("100").Equal(got))
}

func TestDeriveStatus(t *testing.T) {
	item := func(qty, dispensed int) *repository.PrescriptionItem {
		return &repository.PrescriptionItem{Quantity: qty, Dispensed: dispensed}
	}

	tests := []struct {
		name  string
		items []*repository.PrescriptionItem
		want  string
	}{
		{"no items", nil, repository.PrescriptionPending},
		{"nothing dispensed", []*repository.PrescriptionItem{item(2, 0), item(1, 0)}, repository.PrescriptionPending},
		{"one item partly dispensed", []*repository.PrescriptionItem{item(2, 1), item(1, 0)}, repository.PrescriptionPartiallyFulfilled},
		{"one item complete", []*repository.PrescriptionItem{item(2, 2), item(1, 0)}, repository.PrescriptionPartiallyFulfilled},
		{"all complete", []*repository.PrescriptionItem{item(2, 2), item(1, 1)}, repository.PrescriptionFulfilled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(tt.items))
		})
	}
}

func TestDocumentNumber(t *testing.T) {
	number := documentNumber("INV", expiresIn(0))
	assert.Regexp(t, `^INV-20270101-[0-9A-F]{6}$`, number)
}
