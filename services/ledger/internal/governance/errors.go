package governance

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrRuleNotFound         = errors.New("rule not found")
	ErrAlreadyApproved      = errors.New("approver already recorded")
	ErrNotProposer          = errors.New("only the proposer may submit")
	ErrActorRequired        = errors.New("actor is required")
	ErrReasonRequired       = errors.New("reason is required")
	ErrParameterUnresolved  = errors.New("parameter has no active value and no fallback")
	ErrInvalidState         = errors.New("invalid rule state")
	ErrFourEyes             = errors.New("four-eyes violation")
	ErrSchemaValidation     = errors.New("schema validation failed")
	ErrInsufficientApprover = errors.New("not enough override approvers")
)

type InvalidStateError struct {
	RuleID uuid.UUID
	Status Status
	Action string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s rule %s in status %s", e.Action, e.RuleID, e.Status)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

type FourEyesViolationError struct {
	RuleID uuid.UUID
	Actor  string
}

func (e *FourEyesViolationError) Error() string {
	return fmt.Sprintf("actor %s proposed rule %s and cannot approve it", e.Actor, e.RuleID)
}

func (e *FourEyesViolationError) Is(target error) bool {
	return target == ErrFourEyes
}

type SchemaValidationError struct {
	ParamKey string
	Reason   string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("invalid value for %s: %s", e.ParamKey, e.Reason)
}

func (e *SchemaValidationError) Is(target error) bool {
	return target == ErrSchemaValidation
}

type OverrideApproversError struct {
	Required int
	Got      int
}

func (e *OverrideApproversError) Error() string {
	return fmt.Sprintf("emergency override needs %d distinct approvers, got %d", e.Required, e.Got)
}

func (e *OverrideApproversError) Is(target error) bool {
	return target == ErrInsufficientApprover
}
