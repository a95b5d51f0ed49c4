package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrLotNotFound         = errors.New("lot not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrTransferNotFound    = errors.New("transfer not found")
	ErrRuleNotFound        = errors.New("rule not found")
	ErrLotInvariant        = errors.New("lot invariant violated")
	ErrDuplicate           = errors.New("duplicate record")
	ErrInvalidCursor       = errors.New("invalid cursor")
	ErrImmutable           = errors.New("record is immutable")
)

// Store runs ledger units of work. Every mutation happens inside InTx and
// either commits as a whole or leaves no trace.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	ReadTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the set of primitives available inside one unit of work.
type Tx interface {
	GetOrCreateAccount(ctx context.Context, entityType, entityID string) (*Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	// LockAccount serializes writers of one account and bumps its version.
	LockAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	// LockKey serializes callers sharing an idempotency or source key.
	LockKey(ctx context.Context, key string) error

	ListOpenLots(ctx context.Context, accountID uuid.UUID, poolID string, at time.Time) ([]Lot, error)
	ListLots(ctx context.Context, accountID uuid.UUID, poolID string) ([]Lot, error)
	GetLot(ctx context.Context, id uuid.UUID) (*Lot, error)
	GetLotBySource(ctx context.Context, sourceType, sourceID string) (*Lot, error)
	InsertLot(ctx context.Context, lot *Lot) error
	MutateLot(ctx context.Context, id uuid.UUID, delta LotDelta) (*Lot, error)
	SumOpenLots(ctx context.Context, accountID uuid.UUID, poolID string, at time.Time) (LotTotals, error)
	SumLots(ctx context.Context, accountID uuid.UUID, poolID string) (LotTotals, error)

	AppendEntry(ctx context.Context, entry *LedgerEntry) error
	ListEntries(ctx context.Context, accountID uuid.UUID, poolID string, limit int) ([]LedgerEntry, error)
	SumEntries(ctx context.Context, accountID uuid.UUID, poolID string) (int64, error)

	InsertReservation(ctx context.Context, res *Reservation, links []ReservationLot) error
	GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error)
	GetReservationByKey(ctx context.Context, key string) (*Reservation, error)
	ListReservationLots(ctx context.Context, reservationID uuid.UUID) ([]ReservationLot, error)
	UpdateReservation(ctx context.Context, res *Reservation) error
	ListExpiredReservations(ctx context.Context, at time.Time, limit int) ([]uuid.UUID, error)

	InsertTransfer(ctx context.Context, tr *Transfer) error
	GetTransfer(ctx context.Context, id uuid.UUID) (*Transfer, error)
	GetTransferByKey(ctx context.Context, key string) (*Transfer, error)
	ListTransfers(ctx context.Context, filter TransferFilter) ([]Transfer, string, error)

	GetActiveReferral(ctx context.Context, accountID uuid.UUID, at time.Time) (*ReferralAttribution, error)
	InsertReferral(ctx context.Context, ref *ReferralAttribution) error
	InsertReferrerEarning(ctx context.Context, earning *ReferrerEarning) error
	ListReferrerEarnings(ctx context.Context, referrerID uuid.UUID, limit int) ([]ReferrerEarning, error)
}

// RuleStore runs governance units of work for one parameter family.
type RuleStore interface {
	InTx(ctx context.Context, fn func(RuleTx) error) error
	ReadTx(ctx context.Context, fn func(RuleTx) error) error
}

type RuleTx interface {
	// LockParam serializes writers of one (param, scope) identity.
	LockParam(ctx context.Context, paramKey, scope string) error
	// NextVersion allocates the next version for the identity inside the
	// current unit of work; versions are never reused.
	NextVersion(ctx context.Context, paramKey, scope string) (int64, error)
	InsertRule(ctx context.Context, rule *Rule) error
	GetRule(ctx context.Context, id uuid.UUID) (*Rule, error)
	GetRuleForUpdate(ctx context.Context, id uuid.UUID) (*Rule, error)
	UpdateRule(ctx context.Context, rule *Rule) error
	GetActiveRule(ctx context.Context, paramKey, scope string) (*Rule, error)
	ListRules(ctx context.Context, filter RuleFilter) ([]Rule, error)
	ListReadyForActivation(ctx context.Context, at time.Time, limit int) ([]Rule, error)
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, ruleID uuid.UUID) ([]AuditEntry, error)
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
