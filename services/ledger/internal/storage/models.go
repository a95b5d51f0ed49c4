package storage

import (
	"time"

	"github.com/google/uuid"
)

const (
	EntityTypePerson    = "person"
	EntityTypeCommunity = "community"
	EntityTypeAgent     = "agent"
	EntityTypeSystem    = "system"
)

const (
	SourceDeposit         = "deposit"
	SourceGrant           = "grant"
	SourcePurchase        = "purchase"
	SourceTransferIn      = "transfer_in"
	SourceCommonsDividend = "commons_dividend"
	SourceBridgeDeposit   = "bridge_deposit"
	SourceRevenueShare    = "revenue_share"
)

const (
	EntryDeposit         = "deposit"
	EntryGrant           = "grant"
	EntryPurchase        = "purchase"
	EntryCommonsDividend = "commons_dividend"
	EntryBridgeDeposit   = "bridge_deposit"
	EntryReserve         = "reserve"
	EntryFinalize        = "finalize"
	EntryRelease         = "release"
	EntryExpire          = "expire"
	EntryRevenueShare    = "revenue_share"
	EntryTransferIn      = "transfer_in"
	EntryTransferOut     = "transfer_out"
)

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationFinalized ReservationStatus = "finalized"
	ReservationReleased  ReservationStatus = "released"
	ReservationExpired   ReservationStatus = "expired"
)

func (s ReservationStatus) Terminal() bool {
	return s != ReservationPending
}

const (
	BillingModeLive   = "live"
	BillingModeShadow = "shadow"
	BillingModeSoft   = "soft"
)

type TransferStatus string

const (
	TransferCompleted TransferStatus = "completed"
	TransferRejected  TransferStatus = "rejected"
)

const (
	ReferenceTransfer     = "transfer"
	ReferenceReservation  = "reservation"
	ReferenceDistribution = "distribution"
)

type Account struct {
	ID         uuid.UUID
	EntityType string
	EntityID   string
	Version    int64
	CreatedAt  time.Time
}

type Lot struct {
	ID             uuid.UUID
	AccountID      uuid.UUID
	PoolID         string
	SourceType     string
	SourceID       string
	OriginalMicro  int64
	AvailableMicro int64
	ReservedMicro  int64
	ConsumedMicro  int64
	ExpiresAt      *time.Time
	CreatedAt      time.Time
}

// Open reports whether the lot can still be drawn from at the given instant.
func (l Lot) Open(at time.Time) bool {
	return l.ExpiresAt == nil || l.ExpiresAt.After(at)
}

// LotDelta is a signed change applied to the three lot buckets at once.
type LotDelta struct {
	Available int64
	Reserved  int64
	Consumed  int64
}

// Apply returns the lot after the delta, or ErrLotInvariant if any bucket
// would go negative or the buckets would no longer sum to the original.
func (l Lot) Apply(d LotDelta) (Lot, error) {
	next := l
	next.AvailableMicro += d.Available
	next.ReservedMicro += d.Reserved
	next.ConsumedMicro += d.Consumed
	if err := next.Check(); err != nil {
		return l, err
	}
	return next, nil
}

func (l Lot) Check() error {
	if l.AvailableMicro < 0 || l.ReservedMicro < 0 || l.ConsumedMicro < 0 {
		return ErrLotInvariant
	}
	if l.AvailableMicro+l.ReservedMicro+l.ConsumedMicro != l.OriginalMicro {
		return ErrLotInvariant
	}
	return nil
}

type Reservation struct {
	ID                 uuid.UUID
	AccountID          uuid.UUID
	PoolID             string
	TotalReservedMicro int64
	Status             ReservationStatus
	BillingMode        string
	IdempotencyKey     string
	ActualCostMicro    int64
	ChargedMicro       int64
	OverrunMicro       int64
	FinalizeEntrySeq   int64
	ExpiresAt          time.Time
	FinalizedAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type ReservationLot struct {
	ReservationID uuid.UUID
	LotID         uuid.UUID
	AmountMicro   int64
}

type LedgerEntry struct {
	ID             uuid.UUID
	AccountID      uuid.UUID
	PoolID         string
	LotID          *uuid.UUID
	ReservationID  *uuid.UUID
	Seq            int64
	EntryType      string
	AmountMicro    int64
	IdempotencyKey string
	ReferenceType  string
	ReferenceID    *uuid.UUID
	Description    string
	Metadata       map[string]any
	CreatedAt      time.Time
}

type Transfer struct {
	ID             uuid.UUID
	FromAccountID  uuid.UUID
	ToAccountID    uuid.UUID
	AmountMicro    int64
	Status         TransferStatus
	RejectReason   string
	IdempotencyKey string
	CorrelationID  string
	Metadata       map[string]any
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

type TransferDirection string

const (
	DirectionIn  TransferDirection = "in"
	DirectionOut TransferDirection = "out"
	DirectionAll TransferDirection = "all"
)

type TransferFilter struct {
	AccountID uuid.UUID
	Direction TransferDirection
	Cursor    string
	Limit     int
}

type ReferralAttribution struct {
	ID                uuid.UUID
	AccountID         uuid.UUID
	ReferrerAccountID uuid.UUID
	CreatedAt         time.Time
	ExpiresAt         *time.Time
}

func (r ReferralAttribution) ActiveAt(at time.Time) bool {
	return r.ExpiresAt == nil || r.ExpiresAt.After(at)
}

type ReferrerEarning struct {
	ID                uuid.UUID
	ReferrerAccountID uuid.UUID
	RefereeAccountID  uuid.UUID
	ReservationID     *uuid.UUID
	EntrySeq          int64
	ChargeMicro       int64
	ShareMicro        int64
	RateBps           int64
	CreatedAt         time.Time
}

// LotTotals aggregates the buckets of every lot held by an account in a pool.
type LotTotals struct {
	OriginalMicro  int64
	AvailableMicro int64
	ReservedMicro  int64
	ConsumedMicro  int64
	LotCount       int
}
