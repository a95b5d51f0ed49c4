package service

import (
	"context"
	"errors"

	"github.com/0xHoneyJar/loa-freeside-sub009/libs/money"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/credit"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/distribution"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/governance"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/storage"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/transfer"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Stable error codes exposed to API clients.
const (
	CodeInsufficientBalance   = "INSUFFICIENT_BALANCE"
	CodeInvalidAmount         = "INVALID_AMOUNT"
	CodeInvalidArgument       = "INVALID_ARGUMENT"
	CodeSchemaValidation      = "SCHEMA_VALIDATION"
	CodeAccountNotFound       = "ACCOUNT_NOT_FOUND"
	CodeReservationNotFound   = "RESERVATION_NOT_FOUND"
	CodeTransferNotFound      = "TRANSFER_NOT_FOUND"
	CodeRuleNotFound          = "RULE_NOT_FOUND"
	CodeAlreadyFinalized      = "ALREADY_FINALIZED"
	CodeReservationClosed     = "RESERVATION_CLOSED"
	CodeIdempotencyConflict   = "IDEMPOTENCY_CONFLICT"
	CodeSourceConflict        = "SOURCE_CONFLICT"
	CodeInvalidState          = "INVALID_STATE"
	CodeFourEyesViolation     = "FOUR_EYES_VIOLATION"
	CodeAlreadyApproved       = "ALREADY_APPROVED"
	CodeNotProposer           = "NOT_PROPOSER"
	CodeInsufficientApprovers = "INSUFFICIENT_APPROVERS"
	CodeReferralExists        = "REFERRAL_EXISTS"
	CodeNotFinalized          = "RESERVATION_NOT_FINALIZED"
	CodePostingMismatch       = "DISTRIBUTION_MISMATCH"
	CodeAmountAboveLimit      = "AMOUNT_ABOVE_LIMIT"
	CodeParameterUnresolved   = "PARAMETER_UNRESOLVED"
	CodeForbidden             = "FORBIDDEN"
	CodeTimeout               = "TIMEOUT"
	CodeInternal              = "INTERNAL"
)

type Classification struct {
	Code   codes.Code
	Reason string
}

type rule struct {
	target error
	class  Classification
}

// Ordered: typed conflicts before the generic validation sentinels they may
// wrap.
var rules = []rule{
	{credit.ErrInsufficientBalance, Classification{codes.FailedPrecondition, CodeInsufficientBalance}},
	{credit.ErrAlreadyFinalized, Classification{codes.FailedPrecondition, CodeAlreadyFinalized}},
	{credit.ErrReservationClosed, Classification{codes.FailedPrecondition, CodeReservationClosed}},
	{credit.ErrIdempotencyConflict, Classification{codes.AlreadyExists, CodeIdempotencyConflict}},
	{transfer.ErrIdempotencyConflict, Classification{codes.AlreadyExists, CodeIdempotencyConflict}},
	{credit.ErrSourceConflict, Classification{codes.AlreadyExists, CodeSourceConflict}},
	{distribution.ErrReferralExists, Classification{codes.AlreadyExists, CodeReferralExists}},
	{distribution.ErrNotFinalized, Classification{codes.FailedPrecondition, CodeNotFinalized}},
	{distribution.ErrPostingMismatch, Classification{codes.FailedPrecondition, CodePostingMismatch}},

	{governance.ErrFourEyes, Classification{codes.PermissionDenied, CodeFourEyesViolation}},
	{governance.ErrNotProposer, Classification{codes.PermissionDenied, CodeNotProposer}},
	{governance.ErrInvalidState, Classification{codes.FailedPrecondition, CodeInvalidState}},
	{governance.ErrAlreadyApproved, Classification{codes.AlreadyExists, CodeAlreadyApproved}},
	{governance.ErrInsufficientApprover, Classification{codes.InvalidArgument, CodeInsufficientApprovers}},
	{governance.ErrSchemaValidation, Classification{codes.InvalidArgument, CodeSchemaValidation}},
	{governance.ErrParameterUnresolved, Classification{codes.Unavailable, CodeParameterUnresolved}},

	{credit.ErrAccountNotFound, Classification{codes.NotFound, CodeAccountNotFound}},
	{storage.ErrAccountNotFound, Classification{codes.NotFound, CodeAccountNotFound}},
	{credit.ErrReservationNotFound, Classification{codes.NotFound, CodeReservationNotFound}},
	{transfer.ErrTransferNotFound, Classification{codes.NotFound, CodeTransferNotFound}},
	{governance.ErrRuleNotFound, Classification{codes.NotFound, CodeRuleNotFound}},

	{transfer.ErrAmountAboveLimit, Classification{codes.InvalidArgument, CodeAmountAboveLimit}},
	{credit.ErrInvalidAmount, Classification{codes.InvalidArgument, CodeInvalidAmount}},
	{money.ErrOutOfRange, Classification{codes.InvalidArgument, CodeInvalidAmount}},
	{money.ErrOverflow, Classification{codes.InvalidArgument, CodeInvalidAmount}},
	{money.ErrInvalidUnits, Classification{codes.InvalidArgument, CodeInvalidAmount}},

	{credit.ErrInvalidSource, Classification{codes.InvalidArgument, CodeInvalidArgument}},
	{credit.ErrInvalidEntity, Classification{codes.InvalidArgument, CodeInvalidArgument}},
	{credit.ErrInvalidBillingMode, Classification{codes.InvalidArgument, CodeInvalidArgument}},
	{credit.ErrInvalidTTL, Classification{codes.InvalidArgument, CodeInvalidArgument}},
	{credit.ErrInvalidExpiry, Classification{codes.InvalidArgument, CodeInvalidArgument}},
	{transfer.ErrIdempotencyKeyRequired, Classification{codes.InvalidArgument, CodeInvalidArgument}},
	{transfer.ErrSelfTransfer, Classification{codes.InvalidArgument, CodeInvalidArgument}},
	{transfer.ErrInvalidDirection, Classification{codes.InvalidArgument, CodeInvalidArgument}},
	{distribution.ErrSelfReferral, Classification{codes.InvalidArgument, CodeInvalidArgument}},
	{distribution.ErrMissingReservation, Classification{codes.InvalidArgument, CodeInvalidArgument}},
	{distribution.ErrInvalidRates, Classification{codes.InvalidArgument, CodeInvalidArgument}},
	{governance.ErrActorRequired, Classification{codes.InvalidArgument, CodeInvalidArgument}},
	{governance.ErrReasonRequired, Classification{codes.InvalidArgument, CodeInvalidArgument}},
	{storage.ErrInvalidCursor, Classification{codes.InvalidArgument, CodeInvalidArgument}},
	{ErrInvalidArgument, Classification{codes.InvalidArgument, CodeInvalidArgument}},

	{context.DeadlineExceeded, Classification{codes.DeadlineExceeded, CodeTimeout}},
	{context.Canceled, Classification{codes.Canceled, CodeTimeout}},
}

// ErrInvalidArgument marks request decoding failures that carry no domain
// sentinel.
var ErrInvalidArgument = errors.New("invalid argument")

// Classify maps a domain error onto a gRPC code and a stable reason string.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Code: codes.OK}
	}
	for _, r := range rules {
		if errors.Is(err, r.target) {
			return r.class
		}
	}
	return Classification{Code: codes.Internal, Reason: CodeInternal}
}

// Status converts err into a gRPC status error. Internal errors do not leak
// their message.
func Status(err error) error {
	if err == nil {
		return nil
	}
	c := Classify(err)
	if c.Code == codes.Internal {
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(c.Code, c.Reason+": "+err.Error())
}
