package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/0xHoneyJar/loa-freeside-sub009/libs/money"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultReservationTTL = 15 * time.Minute
	defaultExpireBatch    = 500
)

// Metrics receives one observation per engine operation.
type Metrics interface {
	ObserveOperation(op, status string, duration time.Duration)
}

// TTLSource supplies the governed default reservation TTL. A zero duration
// means no governed value is in force.
type TTLSource interface {
	DefaultReservationTTL(ctx context.Context) (time.Duration, error)
}

type Config struct {
	DefaultTTL      time.Duration
	MaxTTL          time.Duration
	ExpireBatchSize int
	Now             func() time.Time
}

type Engine struct {
	store   storage.Store
	logger  *slog.Logger
	metrics Metrics
	tracer  trace.Tracer
	ttl     TTLSource
	cfg     Config
}

func NewEngine(store storage.Store, cfg Config, logger *slog.Logger, metrics Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultReservationTTL
	}
	if cfg.ExpireBatchSize <= 0 {
		cfg.ExpireBatchSize = defaultExpireBatch
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		store:   store,
		logger:  logger,
		metrics: metrics,
		tracer:  otel.Tracer("ledger/credit"),
		cfg:     cfg,
	}
}

// SetTTLSource installs the governed reservation TTL lookup.
func (e *Engine) SetTTLSource(src TTLSource) {
	e.ttl = src
}

func (e *Engine) Store() storage.Store {
	return e.store
}

func (e *Engine) now() time.Time {
	return e.cfg.Now()
}

// instrument opens a span for op and returns a completion func that records
// the outcome on the span and in metrics.
func (e *Engine) instrument(ctx context.Context, op string) (context.Context, func(*error)) {
	ctx, span := e.tracer.Start(ctx, "credit."+op)
	start := time.Now()
	return ctx, func(errp *error) {
		status := "success"
		if errp != nil && *errp != nil {
			status = Outcome(*errp)
			span.RecordError(*errp)
			span.SetStatus(otelcodes.Error, status)
		}
		span.End()
		if e.metrics != nil {
			e.metrics.ObserveOperation(op, status, time.Since(start))
		}
	}
}

// Outcome names an error for metrics labels.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrAlreadyFinalized), errors.Is(err, ErrReservationClosed):
		return "conflict"
	case errors.Is(err, ErrReservationNotFound), errors.Is(err, ErrAccountNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidSource), errors.Is(err, ErrInvalidBillingMode),
		errors.Is(err, ErrInvalidTTL), errors.Is(err, ErrInvalidExpiry), errors.Is(err, ErrInvalidEntity):
		return "invalid"
	default:
		return "error"
	}
}

func validEntityType(t string) bool {
	switch t {
	case storage.EntityTypePerson, storage.EntityTypeCommunity, storage.EntityTypeAgent, storage.EntityTypeSystem:
		return true
	}
	return false
}

// EnsureAccount returns the account for the entity, creating it on first use.
func (e *Engine) EnsureAccount(ctx context.Context, entityType, entityID string) (acct *storage.Account, err error) {
	if !validEntityType(entityType) || entityID == "" {
		return nil, fmt.Errorf("%w: %s/%q", ErrInvalidEntity, entityType, entityID)
	}
	ctx, done := e.instrument(ctx, "ensure_account")
	defer done(&err)

	err = e.store.InTx(ctx, func(tx storage.Tx) error {
		var txErr error
		acct, txErr = tx.GetOrCreateAccount(ctx, entityType, entityID)
		return txErr
	})
	return acct, err
}

func (e *Engine) GetAccount(ctx context.Context, id uuid.UUID) (*storage.Account, error) {
	var acct *storage.Account
	err := e.store.ReadTx(ctx, func(tx storage.Tx) error {
		var txErr error
		acct, txErr = tx.GetAccount(ctx, id)
		return mapStoreError(txErr)
	})
	return acct, err
}

type MintInput struct {
	AccountID     uuid.UUID
	PoolID        string
	SourceType    string
	SourceID      string
	AmountMicro   int64
	ExpiresAt     *time.Time
	Description   string
	ReferenceType string
	ReferenceID   *uuid.UUID
	Metadata      map[string]any
}

type MintResult struct {
	Lot       storage.Lot
	Entry     *storage.LedgerEntry
	Duplicate bool
}

func validSourceType(t string) bool {
	switch t {
	case storage.SourceDeposit, storage.SourceGrant, storage.SourcePurchase, storage.SourceTransferIn,
		storage.SourceCommonsDividend, storage.SourceBridgeDeposit, storage.SourceRevenueShare:
		return true
	}
	return false
}

// Mint creates a lot and its credit entry. A lot already minted for the same
// (source type, source id) is returned unchanged with Duplicate set.
func (e *Engine) Mint(ctx context.Context, in MintInput) (result *MintResult, err error) {
	ctx, done := e.instrument(ctx, "mint")
	defer done(&err)

	err = e.store.InTx(ctx, func(tx storage.Tx) error {
		var txErr error
		result, txErr = e.MintInTx(ctx, tx, in)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	if result.Duplicate {
		e.logger.Info("mint deduplicated", "source_type", in.SourceType, "source_id", in.SourceID, "lot_id", result.Lot.ID)
	}
	return result, nil
}

// MintInTx is Mint inside a caller-owned unit of work.
func (e *Engine) MintInTx(ctx context.Context, tx storage.Tx, in MintInput) (*MintResult, error) {
	if err := money.AssertPositive(in.AmountMicro); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if !validSourceType(in.SourceType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSource, in.SourceType)
	}
	now := e.now()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return nil, ErrInvalidExpiry
	}

	if in.SourceID != "" {
		if err := tx.LockKey(ctx, "lot:"+in.SourceType+":"+in.SourceID); err != nil {
			return nil, err
		}
		existing, err := tx.GetLotBySource(ctx, in.SourceType, in.SourceID)
		switch {
		case err == nil:
			if existing.AccountID != in.AccountID {
				return nil, fmt.Errorf("%w: %s/%s", ErrSourceConflict, in.SourceType, in.SourceID)
			}
			return &MintResult{Lot: *existing, Duplicate: true}, nil
		case !errors.Is(err, storage.ErrLotNotFound):
			return nil, err
		}
	}

	if _, err := tx.LockAccount(ctx, in.AccountID); err != nil {
		return nil, mapStoreError(err)
	}

	lot := &storage.Lot{
		ID:             uuid.New(),
		AccountID:      in.AccountID,
		PoolID:         in.PoolID,
		SourceType:     in.SourceType,
		SourceID:       in.SourceID,
		OriginalMicro:  in.AmountMicro,
		AvailableMicro: in.AmountMicro,
		ExpiresAt:      in.ExpiresAt,
		CreatedAt:      now,
	}
	if err := tx.InsertLot(ctx, lot); err != nil {
		return nil, err
	}

	metadata := map[string]any{"source_type": in.SourceType}
	if in.SourceID != "" {
		metadata["source_id"] = in.SourceID
	}
	for k, v := range in.Metadata {
		metadata[k] = v
	}
	entry := &storage.LedgerEntry{
		AccountID:     in.AccountID,
		PoolID:        in.PoolID,
		LotID:         &lot.ID,
		EntryType:     in.SourceType,
		AmountMicro:   in.AmountMicro,
		ReferenceType: in.ReferenceType,
		ReferenceID:   in.ReferenceID,
		Description:   in.Description,
		Metadata:      metadata,
		CreatedAt:     now,
	}
	if err := tx.AppendEntry(ctx, entry); err != nil {
		return nil, err
	}
	return &MintResult{Lot: *lot, Entry: entry}, nil
}

type Balance struct {
	AccountID      uuid.UUID
	PoolID         string
	AvailableMicro int64
	ReservedMicro  int64
	OpenLots       int
}

// GetBalance sums the buckets of the account's non-expired lots in a pool.
func (e *Engine) GetBalance(ctx context.Context, accountID uuid.UUID, poolID string) (bal *Balance, err error) {
	ctx, done := e.instrument(ctx, "get_balance")
	defer done(&err)

	err = e.store.ReadTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetAccount(ctx, accountID); err != nil {
			return mapStoreError(err)
		}
		totals, err := tx.SumOpenLots(ctx, accountID, poolID, e.now())
		if err != nil {
			return err
		}
		bal = &Balance{
			AccountID:      accountID,
			PoolID:         poolID,
			AvailableMicro: totals.AvailableMicro,
			ReservedMicro:  totals.ReservedMicro,
			OpenLots:       totals.LotCount,
		}
		return nil
	})
	return bal, err
}

func (e *Engine) ListEntries(ctx context.Context, accountID uuid.UUID, poolID string, limit int) ([]storage.LedgerEntry, error) {
	var entries []storage.LedgerEntry
	err := e.store.ReadTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetAccount(ctx, accountID); err != nil {
			return mapStoreError(err)
		}
		var err error
		entries, err = tx.ListEntries(ctx, accountID, poolID, limit)
		return err
	})
	return entries, err
}

func (e *Engine) ListLots(ctx context.Context, accountID uuid.UUID, poolID string) ([]storage.Lot, error) {
	var lots []storage.Lot
	err := e.store.ReadTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetAccount(ctx, accountID); err != nil {
			return mapStoreError(err)
		}
		var err error
		lots, err = tx.ListLots(ctx, accountID, poolID)
		return err
	})
	return lots, err
}

type ReconcileReport struct {
	AccountID       uuid.UUID
	PoolID          string
	EntrySumMicro   int64
	UnconsumedMicro int64
	LotCount        int
	InvalidLots     []uuid.UUID
	Balanced        bool
}

// Reconcile checks that the entry running sum matches the unconsumed lot
// balance and that every lot satisfies its bucket invariant.
func (e *Engine) Reconcile(ctx context.Context, accountID uuid.UUID, poolID string) (report *ReconcileReport, err error) {
	ctx, done := e.instrument(ctx, "reconcile")
	defer done(&err)

	err = e.store.ReadTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetAccount(ctx, accountID); err != nil {
			return mapStoreError(err)
		}
		sum, err := tx.SumEntries(ctx, accountID, poolID)
		if err != nil {
			return err
		}
		lots, err := tx.ListLots(ctx, accountID, poolID)
		if err != nil {
			return err
		}
		report = &ReconcileReport{AccountID: accountID, PoolID: poolID, EntrySumMicro: sum, LotCount: len(lots)}
		for _, lot := range lots {
			if lot.Check() != nil {
				report.InvalidLots = append(report.InvalidLots, lot.ID)
			}
			report.UnconsumedMicro += lot.AvailableMicro + lot.ReservedMicro
		}
		report.Balanced = len(report.InvalidLots) == 0 && report.EntrySumMicro == report.UnconsumedMicro
		return nil
	})
	if err == nil && !report.Balanced {
		e.logger.Error("ledger out of balance",
			"account_id", accountID,
			"pool_id", poolID,
			"entry_sum", report.EntrySumMicro,
			"unconsumed", report.UnconsumedMicro,
			"invalid_lots", len(report.InvalidLots),
		)
	}
	return report, err
}

func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrAccountNotFound):
		return fmt.Errorf("%w: %v", ErrAccountNotFound, err)
	case errors.Is(err, storage.ErrReservationNotFound):
		return ErrReservationNotFound
	default:
		return err
	}
}
