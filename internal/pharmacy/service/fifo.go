package service

import (
	"slices"
	"strconv"
	"strings"

	"github.com/pharmaflow/pharmaflow-backend/internal/pharmacy/repository"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
)

// EarliestExpiryFirst orders batches by expiry date, then creation time,
// then id. It is the only ordering stock is ever consumed in.
func EarliestExpiryFirst(batches []*repository.Batch) []*repository.Batch {
	sorted := slices.Clone(batches)
	slices.SortStableFunc(sorted, func(a, b *repository.Batch) int {
		if c := a.ExpiryDate.Compare(b.ExpiryDate); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return sorted
}

// Allocation is the part of a requested quantity taken from one batch
type Allocation struct {
	Batch    *repository.Batch
	Quantity int
}

// AllocateFIFO takes qty units from batches in EarliestExpiryFirst order.
// Batches without stock are skipped. Fails with InsufficientStock when the
// batches together hold less than qty; nothing is allocated in that case.
func AllocateFIFO(batches []*repository.Batch, qty int) ([]Allocation, error) {
	if qty <= 0 {
		return nil, errors.InvalidQuantity("quantity must be positive")
	}

	var allocations []Allocation
	remaining := qty
	for _, b := range EarliestExpiryFirst(batches) {
		if remaining == 0 {
			break
		}
		if b.Quantity <= 0 {
			continue
		}
		take := min(b.Quantity, remaining)
		allocations = append(allocations, Allocation{Batch: b, Quantity: take})
		remaining -= take
	}

	if remaining > 0 {
		return nil, errors.InsufficientStock("not enough stock across batches").
			WithDetail("requested", strconv.Itoa(qty)).
			WithDetail("available", strconv.Itoa(qty-remaining))
	}
	return allocations, nil
}
