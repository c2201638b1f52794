package database

import (
	"database/sql"
	stderrors "errors"
	"strings"

	"github.com/lib/pq"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
)

// MapPQError converts a PostgreSQL error to an AppError with meaningful messages.
// Returns nil if the error is not a pq.Error.
func MapPQError(err error) *errors.AppError {
	var pqErr *pq.Error
	if !stderrors.As(err, &pqErr) {
		return nil
	}

	switch pqErr.Code {
	// Check constraint violation (23514)
	case "23514":
		return mapCheckConstraint(pqErr)

	// Unique constraint violation (23505)
	case "23505":
		return errors.Conflict(formatConstraintMessage(pqErr))

	// Foreign key violation (23503)
	case "23503":
		if strings.Contains(pqErr.Message, "still referenced") || strings.Contains(pqErr.Message, "update or delete") {
			return errors.Conflict("record is still referenced")
		}
		return errors.InvalidInput("referenced record does not exist")

	// Deadlock (40P01) or serialization failure (40001). The whole unit of
	// work was rolled back and may be submitted again.
	case "40P01", "40001":
		return errors.Conflict("concurrent update, retry the request").WithDetail("retryable", "true")

	// Not null violation (23502)
	case "23502":
		col := pqErr.Column
		if col == "" {
			col = "required field"
		}
		return errors.Validation(map[string]string{
			col: "must not be empty",
		})

	default:
		return nil
	}
}

// mapCheckConstraint maps the schema's CHECK constraint names to domain errors.
func mapCheckConstraint(pqErr *pq.Error) *errors.AppError {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "quantity_non_negative"):
		return errors.InvalidQuantity("stock quantity cannot go below zero")

	case strings.Contains(constraint, "dispensed_within_quantity"):
		return errors.LimitExceeded("dispensed quantity exceeds prescribed quantity")

	case strings.Contains(constraint, "branches_differ"):
		return errors.InvalidInput("source and destination branch must differ")

	default:
		return errors.InvalidInput("data validation failed: " + constraint)
	}
}

// formatConstraintMessage creates a user-friendly message for unique constraint violations.
func formatConstraintMessage(pqErr *pq.Error) string {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "invoice_number"):
		return "a sale with this invoice number already exists"
	case strings.Contains(constraint, "claim_number"):
		return "a claim with this number already exists"
	case strings.Contains(constraint, "prescription_number"):
		return "a prescription with this number already exists"
	default:
		return "a record with these values already exists"
	}
}

// WrapError maps err to an AppError where one applies and returns the
// original error otherwise. sql.ErrNoRows becomes NotFound(resource).
func WrapError(err error, resource string) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NotFound(resource)
	}
	if appErr := MapPQError(err); appErr != nil {
		return appErr
	}
	return err
}

// txError maps the deadlock and serialization failures Postgres reports for
// a transaction. Other errors are returned unchanged.
func txError(err error) error {
	var pqErr *pq.Error
	if !stderrors.As(err, &pqErr) {
		return err
	}
	if pqErr.Code != "40P01" && pqErr.Code != "40001" {
		return err
	}
	return MapPQError(err)
}
