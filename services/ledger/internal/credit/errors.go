package credit

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidSource       = errors.New("invalid source type")
	ErrInvalidEntity       = errors.New("invalid entity")
	ErrInvalidBillingMode  = errors.New("invalid billing mode")
	ErrInvalidTTL          = errors.New("invalid reservation ttl")
	ErrInvalidExpiry       = errors.New("lot expiry must be in the future")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountNotFound     = errors.New("account not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrAlreadyFinalized    = errors.New("reservation already finalized")
	ErrReservationClosed   = errors.New("reservation closed")
	ErrIdempotencyConflict = errors.New("idempotency key reused for a different request")
	ErrSourceConflict      = errors.New("source already minted to a different account")
)

// InsufficientBalanceError carries what was asked for and what the open lots
// could cover at the time of the request.
type InsufficientBalanceError struct {
	AccountID      uuid.UUID
	PoolID         string
	RequestedMicro int64
	AvailableMicro int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: account %s pool %q requested %d available %d",
		e.AccountID, e.PoolID, e.RequestedMicro, e.AvailableMicro)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// AlreadyFinalizedError is returned when a finalized reservation is finalized
// again with a different cost.
type AlreadyFinalizedError struct {
	ReservationID   uuid.UUID
	ActualCostMicro int64
	AttemptedMicro  int64
}

func (e *AlreadyFinalizedError) Error() string {
	return fmt.Sprintf("reservation %s already finalized with cost %d (attempted %d)",
		e.ReservationID, e.ActualCostMicro, e.AttemptedMicro)
}

func (e *AlreadyFinalizedError) Is(target error) bool {
	return target == ErrAlreadyFinalized
}

// ReservationClosedError reports the terminal status that blocked an operation.
type ReservationClosedError struct {
	ReservationID uuid.UUID
	Status        string
}

func (e *ReservationClosedError) Error() string {
	return fmt.Sprintf("reservation %s is %s", e.ReservationID, e.Status)
}

func (e *ReservationClosedError) Is(target error) bool {
	return target == ErrReservationClosed
}
