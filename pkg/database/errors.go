package database

import (
	"database/sql"
	stderrors "errors"
	"strings"

	"github.com/lib/pq"
	"github.com/medflow/pharmanet/pkg/errors"
)

// MapPQError converts a PostgreSQL error to an AppError with meaningful messages.
// Returns nil if the error is not a pq.Error.
func MapPQError(err error) *errors.AppError {
	var pqErr *pq.Error
	if !stderrors.As(err, &pqErr) {
		return nil
	}

	switch pqErr.Code {
	// check_violation
	case "23514":
		return mapCheckConstraint(pqErr)

	// unique_violation
	case "23505":
		return errors.Conflict(formatConstraintMessage(pqErr))

	// foreign_key_violation
	case "23503":
		return errors.BadRequest("referenced record does not exist")

	// not_null_violation
	case "23502":
		col := pqErr.Column
		if col == "" {
			col = "required field"
		}
		return errors.Validation(map[string]string{
			col: "must not be empty",
		})

	// invalid_text_representation, e.g. a malformed UUID
	case "22P02":
		return errors.BadRequest("malformed identifier")

	default:
		return nil
	}
}

// MapError turns driver errors into AppErrors: sql.ErrNoRows becomes
// NOT_FOUND for resource, known Postgres codes are mapped, anything else is
// returned unchanged.
func MapError(err error, resource string) error {
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

func mapCheckConstraint(pqErr *pq.Error) *errors.AppError {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "quantity_nonnegative"):
		return errors.InsufficientStock(errors.ReasonLotQuantity, 0, 0)

	case strings.Contains(constraint, "distinct_sites"):
		return errors.InvalidRequest("destination_site_id", "origin and destination sites must differ")

	case strings.Contains(constraint, "completion_consistent"):
		return errors.InvalidState("completion timestamp does not match request state")

	case strings.Contains(constraint, "quantity_positive"):
		return errors.Validation(map[string]string{
			"quantity": "must be greater than zero",
		})

	default:
		return errors.BadRequest("data validation failed: " + constraint)
	}
}

func formatConstraintMessage(pqErr *pq.Error) string {
	switch {
	case strings.Contains(pqErr.Constraint, "lot_identity"):
		return "a lot with this code already exists for the medication at this site"
	default:
		return "a record with these values already exists"
	}
}
