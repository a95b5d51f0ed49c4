package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/0xHoneyJar/loa-freeside-sub009/libs/money"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/credit"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	ErrSelfTransfer           = errors.New("cannot transfer to the same account")
	ErrAmountAboveLimit       = errors.New("amount above transfer limit")
	ErrTransferNotFound       = errors.New("transfer not found")
	ErrIdempotencyConflict    = errors.New("idempotency key reused with different parameters")
	ErrTransferRejected       = errors.New("transfer rejected")
	ErrInvalidDirection       = errors.New("invalid transfer direction")
)

// RejectedError reports a transfer that was recorded as rejected.
type RejectedError struct {
	Transfer storage.Transfer
	Cause    error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("transfer %s rejected: %s", e.Transfer.ID, e.Transfer.RejectReason)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrTransferRejected
}

func (e *RejectedError) Unwrap() error {
	return e.Cause
}

type Metrics interface {
	ObserveOperation(op, status string, duration time.Duration)
}

// LimitSource supplies the governed per-transfer ceiling; zero disables it.
type LimitSource interface {
	MaxTransferMicro(ctx context.Context) (int64, error)
}

type Engine struct {
	credit  *credit.Engine
	store   storage.Store
	limits  LimitSource
	logger  *slog.Logger
	metrics Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

func NewEngine(creditEngine *credit.Engine, logger *slog.Logger, metrics Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		credit:  creditEngine,
		store:   creditEngine.Store(),
		logger:  logger,
		metrics: metrics,
		tracer:  otel.Tracer("ledger/transfer"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) SetLimitSource(src LimitSource) {
	e.limits = src
}

func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Engine) instrument(ctx context.Context, op string) (context.Context, func(*error)) {
	ctx, span := e.tracer.Start(ctx, "transfer."+op)
	start := time.Now()
	return ctx, func(errp *error) {
		status := "success"
		if errp != nil && *errp != nil {
			status = outcome(*errp)
			span.RecordError(*errp)
			span.SetStatus(otelcodes.Error, status)
		}
		span.End()
		if e.metrics != nil {
			e.metrics.ObserveOperation("transfer."+op, status, time.Since(start))
		}
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrTransferRejected):
		return "rejected"
	case errors.Is(err, ErrSelfTransfer), errors.Is(err, ErrIdempotencyKeyRequired),
		errors.Is(err, ErrAmountAboveLimit), errors.Is(err, ErrInvalidDirection):
		return "invalid"
	case errors.Is(err, ErrIdempotencyConflict):
		return "conflict"
	case errors.Is(err, ErrTransferNotFound):
		return "not_found"
	default:
		return credit.Outcome(err)
	}
}

type Input struct {
	FromAccountID  uuid.UUID
	ToAccountID    uuid.UUID
	AmountMicro    int64
	IdempotencyKey string
	CorrelationID  string
	Metadata       map[string]any
}

type Result struct {
	Transfer storage.Transfer
	Replayed bool
}

func sameRequest(tr *storage.Transfer, in Input) bool {
	return tr.FromAccountID == in.FromAccountID && tr.ToAccountID == in.ToAccountID && tr.AmountMicro == in.AmountMicro
}

// Transfer moves credit between two accounts in one unit of work. The sender's
// lots are consumed oldest expiry first and the recipient receives a new
// transfer_in lot. A repeated idempotency key returns the recorded transfer.
// Insufficient balance records a rejected transfer and returns a
// *RejectedError alongside the result.
func (e *Engine) Transfer(ctx context.Context, in Input) (result *Result, err error) {
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	if in.IdempotencyKey == "" {
		return nil, ErrIdempotencyKeyRequired
	}
	if err := money.AssertPositive(in.AmountMicro); err != nil {
		return nil, fmt.Errorf("%w: %v", credit.ErrInvalidAmount, err)
	}
	if in.FromAccountID == in.ToAccountID {
		return nil, ErrSelfTransfer
	}
	ctx, done := e.instrument(ctx, "transfer")
	defer done(&err)

	err = e.store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.LockKey(ctx, "transfer:"+in.IdempotencyKey); err != nil {
			return err
		}
		existing, err := tx.GetTransferByKey(ctx, in.IdempotencyKey)
		switch {
		case err == nil:
			if !sameRequest(existing, in) {
				return ErrIdempotencyConflict
			}
			result = &Result{Transfer: *existing, Replayed: true}
			return nil
		case !errors.Is(err, storage.ErrTransferNotFound):
			return err
		}

		if err := e.checkLimit(ctx, in.AmountMicro); err != nil {
			return err
		}
		tr, err := e.transferInTx(ctx, tx, in)
		if err != nil {
			return err
		}
		result = &Result{Transfer: *tr}
		return nil
	})
	if err != nil {
		return nil, err
	}

	tr := result.Transfer
	if tr.Status == storage.TransferRejected {
		e.logger.Warn("transfer rejected",
			"transfer_id", tr.ID,
			"from", tr.FromAccountID,
			"amount_micro", tr.AmountMicro,
			"reason", tr.RejectReason,
			"replayed", result.Replayed,
		)
		return result, &RejectedError{Transfer: tr, Cause: credit.ErrInsufficientBalance}
	}
	if !result.Replayed {
		e.logger.Info("transfer completed", "transfer_id", tr.ID, "from", tr.FromAccountID, "to", tr.ToAccountID, "amount_micro", tr.AmountMicro)
	}
	return result, nil
}

func (e *Engine) checkLimit(ctx context.Context, amount int64) error {
	if e.limits == nil {
		return nil
	}
	limit, err := e.limits.MaxTransferMicro(ctx)
	if err != nil {
		return fmt.Errorf("resolve transfer limit: %w", err)
	}
	if limit > 0 && amount > limit {
		return fmt.Errorf("%w: %d > %d", ErrAmountAboveLimit, amount, limit)
	}
	return nil
}

func (e *Engine) transferInTx(ctx context.Context, tx storage.Tx, in Input) (*storage.Transfer, error) {
	for _, id := range []uuid.UUID{in.FromAccountID, in.ToAccountID} {
		if _, err := tx.GetAccount(ctx, id); err != nil {
			if errors.Is(err, storage.ErrAccountNotFound) {
				return nil, fmt.Errorf("%w: %s", credit.ErrAccountNotFound, id)
			}
			return nil, err
		}
	}
	first, second := in.FromAccountID, in.ToAccountID
	if second.String() < first.String() {
		first, second = second, first
	}
	for _, id := range []uuid.UUID{first, second} {
		if _, err := tx.LockAccount(ctx, id); err != nil {
			return nil, err
		}
	}

	now := e.now()
	tr := &storage.Transfer{
		ID:             uuid.New(),
		FromAccountID:  in.FromAccountID,
		ToAccountID:    in.ToAccountID,
		AmountMicro:    in.AmountMicro,
		IdempotencyKey: in.IdempotencyKey,
		CorrelationID:  in.CorrelationID,
		Metadata:       in.Metadata,
		CreatedAt:      now,
	}

	consumed, err := e.credit.ConsumeInTx(ctx, tx, in.FromAccountID, "", in.AmountMicro)
	var insufficient *credit.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		tr.Status = storage.TransferRejected
		tr.RejectReason = fmt.Sprintf("insufficient balance: available %d, requested %d", insufficient.AvailableMicro, insufficient.RequestedMicro)
		if err := tx.InsertTransfer(ctx, tr); err != nil {
			return nil, err
		}
		return tr, nil
	case err != nil:
		return nil, err
	}

	tr.Status = storage.TransferCompleted
	tr.CompletedAt = &now
	if err := tx.InsertTransfer(ctx, tr); err != nil {
		return nil, err
	}

	lots := make([]map[string]any, 0, len(consumed))
	for _, c := range consumed {
		lots = append(lots, map[string]any{"lot_id": c.LotID.String(), "amount_micro": c.AmountMicro})
	}
	if err := tx.AppendEntry(ctx, &storage.LedgerEntry{
		AccountID:      in.FromAccountID,
		EntryType:      storage.EntryTransferOut,
		AmountMicro:    -in.AmountMicro,
		IdempotencyKey: "transfer:" + in.IdempotencyKey + ":out",
		ReferenceType:  storage.ReferenceTransfer,
		ReferenceID:    &tr.ID,
		Description:    "transfer to " + in.ToAccountID.String(),
		Metadata:       map[string]any{"to_account_id": in.ToAccountID.String(), "lots": lots},
		CreatedAt:      now,
	}); err != nil {
		return nil, err
	}

	if _, err := e.credit.MintInTx(ctx, tx, credit.MintInput{
		AccountID:     in.ToAccountID,
		SourceType:    storage.SourceTransferIn,
		SourceID:      tr.ID.String(),
		AmountMicro:   in.AmountMicro,
		Description:   "transfer from " + in.FromAccountID.String(),
		ReferenceType: storage.ReferenceTransfer,
		ReferenceID:   &tr.ID,
		Metadata:      map[string]any{"from_account_id": in.FromAccountID.String()},
	}); err != nil {
		return nil, err
	}
	return tr, nil
}

func (e *Engine) GetTransfer(ctx context.Context, id uuid.UUID) (*storage.Transfer, error) {
	var tr *storage.Transfer
	err := e.store.ReadTx(ctx, func(tx storage.Tx) error {
		var err error
		tr, err = tx.GetTransfer(ctx, id)
		return err
	})
	if errors.Is(err, storage.ErrTransferNotFound) {
		return nil, ErrTransferNotFound
	}
	return tr, err
}

func (e *Engine) GetTransferByIdempotencyKey(ctx context.Context, key string) (*storage.Transfer, error) {
	var tr *storage.Transfer
	err := e.store.ReadTx(ctx, func(tx storage.Tx) error {
		var err error
		tr, err = tx.GetTransferByKey(ctx, key)
		return err
	})
	if errors.Is(err, storage.ErrTransferNotFound) {
		return nil, ErrTransferNotFound
	}
	return tr, err
}

// ListTransfers pages through an account's transfers, newest first. The
// returned cursor is empty on the last page.
func (e *Engine) ListTransfers(ctx context.Context, filter storage.TransferFilter) ([]storage.Transfer, string, error) {
	if filter.Direction == "" {
		filter.Direction = storage.DirectionAll
	}
	switch filter.Direction {
	case storage.DirectionIn, storage.DirectionOut, storage.DirectionAll:
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidDirection, filter.Direction)
	}
	var (
		out  []storage.Transfer
		next string
	)
	err := e.store.ReadTx(ctx, func(tx storage.Tx) error {
		var err error
		out, next, err = tx.ListTransfers(ctx, filter)
		return err
	})
	return out, next, err
}
