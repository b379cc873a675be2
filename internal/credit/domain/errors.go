package domain

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidOrganization   = errors.New("invalid_organization")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrInvalidCapability     = errors.New("invalid_capability")
)

// InsufficientCreditsError reports a reservation attempt that exceeds the
// organization's spendable balance. Recoverable by top-up; never retried
// automatically.
type InsufficientCreditsError struct {
	Requested float64
	Available float64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: requested %.2f, available %.2f", e.Requested, e.Available)
}

// DuplicateRequestError reports an idempotency key reused for a logically
// different request.
type DuplicateRequestError struct {
	IdempotencyKey        string
	ExistingReservationID snowflake.ID
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("duplicate request: idempotency key %q already used by reservation %s",
		e.IdempotencyKey, e.ExistingReservationID)
}

// ReservationNotFoundError reports a settle/release against an unknown
// reservation id. Programming or data error; fatal to the operation.
type ReservationNotFoundError struct {
	ReservationID snowflake.ID
}

func (e *ReservationNotFoundError) Error() string {
	return fmt.Sprintf("reservation %s not found", e.ReservationID)
}

// InvalidReservationStatusError reports a settlement against a reservation
// that is no longer pending.
type InvalidReservationStatusError struct {
	ReservationID snowflake.ID
	Status        ReservationStatus
}

func (e *InvalidReservationStatusError) Error() string {
	return fmt.Sprintf("reservation %s has status %q, expected pending", e.ReservationID, e.Status)
}

// ReservationSettledError reports a release against an already-settled
// reservation; settled credits are spent and cannot be returned.
type ReservationSettledError struct {
	ReservationID snowflake.ID
}

func (e *ReservationSettledError) Error() string {
	return fmt.Sprintf("reservation %s is settled and cannot be released", e.ReservationID)
}
