package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/0xHoneyJar/loa-freeside-sub009/libs/money"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/storage"
	"github.com/google/uuid"
)

type ReserveInput struct {
	AccountID      uuid.UUID
	PoolID         string
	AmountMicro    int64
	IdempotencyKey string
	BillingMode    string
	TTL            time.Duration
}

type ReservationView struct {
	Reservation storage.Reservation
	Lots        []storage.ReservationLot
	Replayed    bool
}

type FinalizeResult struct {
	Reservation   storage.Reservation
	ChargedMicro  int64
	ReleasedMicro int64
	OverrunMicro  int64
	// EntrySeq is the sequence of the last finalize entry; distribution
	// postings are keyed on it.
	EntrySeq int64
	Replayed bool
}

// Consumption is the amount drawn from one lot by ConsumeInTx.
type Consumption struct {
	LotID       uuid.UUID
	AmountMicro int64
}

func (e *Engine) reservationTTL(ctx context.Context, requested time.Duration) (time.Duration, error) {
	if requested < 0 {
		return 0, ErrInvalidTTL
	}
	ttl := requested
	if ttl == 0 {
		ttl = e.cfg.DefaultTTL
		if e.ttl != nil {
			governed, err := e.ttl.DefaultReservationTTL(ctx)
			if err != nil {
				e.logger.Warn("governed reservation ttl unavailable", "error", err)
			} else if governed > 0 {
				ttl = governed
			}
		}
	}
	if e.cfg.MaxTTL > 0 && ttl > e.cfg.MaxTTL {
		return 0, fmt.Errorf("%w: %s exceeds %s", ErrInvalidTTL, ttl, e.cfg.MaxTTL)
	}
	return ttl, nil
}

func normalizeBillingMode(mode string) (string, error) {
	switch mode {
	case "":
		return storage.BillingModeLive, nil
	case storage.BillingModeLive, storage.BillingModeShadow, storage.BillingModeSoft:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBillingMode, mode)
	}
}

// selectLots draws amount from lots in order, greedily and all-or-nothing.
func selectLots(lots []storage.Lot, amount int64) ([]storage.ReservationLot, int64) {
	var (
		links     []storage.ReservationLot
		remaining = amount
		available int64
	)
	for _, lot := range lots {
		available += lot.AvailableMicro
		if remaining == 0 || lot.AvailableMicro == 0 {
			continue
		}
		take := min(lot.AvailableMicro, remaining)
		links = append(links, storage.ReservationLot{LotID: lot.ID, AmountMicro: take})
		remaining -= take
	}
	if remaining > 0 {
		return nil, available
	}
	return links, available
}

// Reserve holds amount against the account's open lots, earliest expiry
// first. A repeated idempotency key returns the original reservation.
func (e *Engine) Reserve(ctx context.Context, in ReserveInput) (view *ReservationView, err error) {
	if err := money.AssertPositive(in.AmountMicro); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	mode, err := normalizeBillingMode(in.BillingMode)
	if err != nil {
		return nil, err
	}
	ctx, done := e.instrument(ctx, "reserve")
	defer done(&err)

	ttl, err := e.reservationTTL(ctx, in.TTL)
	if err != nil {
		return nil, err
	}

	err = e.store.InTx(ctx, func(tx storage.Tx) error {
		if in.IdempotencyKey != "" {
			if err := tx.LockKey(ctx, "reservation:"+in.IdempotencyKey); err != nil {
				return err
			}
			existing, err := tx.GetReservationByKey(ctx, in.IdempotencyKey)
			switch {
			case err == nil:
				if existing.AccountID != in.AccountID || existing.PoolID != in.PoolID || existing.TotalReservedMicro != in.AmountMicro {
					return fmt.Errorf("%w: %s", ErrIdempotencyConflict, in.IdempotencyKey)
				}
				links, err := tx.ListReservationLots(ctx, existing.ID)
				if err != nil {
					return err
				}
				view = &ReservationView{Reservation: *existing, Lots: links, Replayed: true}
				return nil
			case !errors.Is(err, storage.ErrReservationNotFound):
				return err
			}
		}

		if _, err := tx.LockAccount(ctx, in.AccountID); err != nil {
			return mapStoreError(err)
		}
		now := e.now()
		lots, err := tx.ListOpenLots(ctx, in.AccountID, in.PoolID, now)
		if err != nil {
			return err
		}
		links, available := selectLots(lots, in.AmountMicro)
		if links == nil {
			return &InsufficientBalanceError{
				AccountID:      in.AccountID,
				PoolID:         in.PoolID,
				RequestedMicro: in.AmountMicro,
				AvailableMicro: available,
			}
		}

		res := storage.Reservation{
			ID:                 uuid.New(),
			AccountID:          in.AccountID,
			PoolID:             in.PoolID,
			TotalReservedMicro: in.AmountMicro,
			Status:             storage.ReservationPending,
			BillingMode:        mode,
			IdempotencyKey:     in.IdempotencyKey,
			ExpiresAt:          now.Add(ttl),
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		for i := range links {
			links[i].ReservationID = res.ID
			if _, err := tx.MutateLot(ctx, links[i].LotID, storage.LotDelta{
				Available: -links[i].AmountMicro,
				Reserved:  links[i].AmountMicro,
			}); err != nil {
				return err
			}
		}
		if err := tx.InsertReservation(ctx, &res, links); err != nil {
			return err
		}
		for _, link := range links {
			lotID := link.LotID
			if err := tx.AppendEntry(ctx, &storage.LedgerEntry{
				AccountID:     res.AccountID,
				PoolID:        res.PoolID,
				LotID:         &lotID,
				ReservationID: &res.ID,
				EntryType:     storage.EntryReserve,
				ReferenceType: storage.ReferenceReservation,
				ReferenceID:   &res.ID,
				Metadata:      map[string]any{"held_micro": link.AmountMicro, "billing_mode": mode},
				CreatedAt:     now,
			}); err != nil {
				return err
			}
		}
		view = &ReservationView{Reservation: res, Lots: links}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !view.Replayed {
		e.logger.Debug("reservation created",
			"reservation_id", view.Reservation.ID,
			"account_id", in.AccountID,
			"amount_micro", in.AmountMicro,
			"lots", len(view.Lots),
		)
	}
	return view, nil
}

// allocateCharge splits charged across links pro rata by floor, then hands the
// remainder out in link order without exceeding any link's hold.
func allocateCharge(links []storage.ReservationLot, total, charged int64) ([]int64, error) {
	out := make([]int64, len(links))
	if charged == 0 {
		return out, nil
	}
	var assigned int64
	for i, link := range links {
		share, err := money.MulDivFloor(charged, link.AmountMicro, total)
		if err != nil {
			return nil, err
		}
		out[i] = share
		assigned += share
	}
	remainder := charged - assigned
	for i, link := range links {
		if remainder == 0 {
			break
		}
		add := min(remainder, link.AmountMicro-out[i])
		out[i] += add
		remainder -= add
	}
	if remainder != 0 {
		return nil, fmt.Errorf("allocate charge: %d micro unassigned", remainder)
	}
	return out, nil
}

// Finalize settles a pending reservation. The charge is capped at the held
// amount; anything above it is reported as overrun.
func (e *Engine) Finalize(ctx context.Context, reservationID uuid.UUID, actualCostMicro int64) (result *FinalizeResult, err error) {
	if err := money.AssertInRange(actualCostMicro); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	ctx, done := e.instrument(ctx, "finalize")
	defer done(&err)

	err = e.store.InTx(ctx, func(tx storage.Tx) error {
		res, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return mapStoreError(err)
		}
		switch res.Status {
		case storage.ReservationFinalized:
			if res.ActualCostMicro != actualCostMicro {
				return &AlreadyFinalizedError{ReservationID: res.ID, ActualCostMicro: res.ActualCostMicro, AttemptedMicro: actualCostMicro}
			}
			result = &FinalizeResult{
				Reservation:   *res,
				ChargedMicro:  res.ChargedMicro,
				ReleasedMicro: res.TotalReservedMicro - res.ChargedMicro,
				OverrunMicro:  res.OverrunMicro,
				EntrySeq:      res.FinalizeEntrySeq,
				Replayed:      true,
			}
			return nil
		case storage.ReservationReleased, storage.ReservationExpired:
			return &ReservationClosedError{ReservationID: res.ID, Status: string(res.Status)}
		}

		if _, err := tx.LockAccount(ctx, res.AccountID); err != nil {
			return mapStoreError(err)
		}
		links, err := tx.ListReservationLots(ctx, res.ID)
		if err != nil {
			return err
		}

		charged := min(actualCostMicro, res.TotalReservedMicro)
		overrun := actualCostMicro - charged
		consumed, err := allocateCharge(links, res.TotalReservedMicro, charged)
		if err != nil {
			return err
		}

		now := e.now()
		var lastSeq int64
		for i, link := range links {
			released := link.AmountMicro - consumed[i]
			if _, err := tx.MutateLot(ctx, link.LotID, storage.LotDelta{
				Available: released,
				Reserved:  -link.AmountMicro,
				Consumed:  consumed[i],
			}); err != nil {
				return err
			}
			lotID := link.LotID
			entry := &storage.LedgerEntry{
				AccountID:     res.AccountID,
				PoolID:        res.PoolID,
				LotID:         &lotID,
				ReservationID: &res.ID,
				EntryType:     storage.EntryFinalize,
				AmountMicro:   -consumed[i],
				ReferenceType: storage.ReferenceReservation,
				ReferenceID:   &res.ID,
				Metadata:      map[string]any{"consumed_micro": consumed[i], "released_micro": released},
				CreatedAt:     now,
			}
			if err := tx.AppendEntry(ctx, entry); err != nil {
				return err
			}
			lastSeq = entry.Seq
		}

		res.Status = storage.ReservationFinalized
		res.ActualCostMicro = actualCostMicro
		res.ChargedMicro = charged
		res.OverrunMicro = overrun
		res.FinalizeEntrySeq = lastSeq
		res.FinalizedAt = &now
		res.UpdatedAt = now
		if err := tx.UpdateReservation(ctx, res); err != nil {
			return err
		}
		result = &FinalizeResult{
			Reservation:   *res,
			ChargedMicro:  charged,
			ReleasedMicro: res.TotalReservedMicro - charged,
			OverrunMicro:  overrun,
			EntrySeq:      lastSeq,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.OverrunMicro > 0 && !result.Replayed {
		e.logger.Warn("reservation overrun",
			"reservation_id", reservationID,
			"held_micro", result.Reservation.TotalReservedMicro,
			"actual_micro", actualCostMicro,
			"overrun_micro", result.OverrunMicro,
		)
	}
	return result, nil
}

// releaseInTx returns every held micro-unit of res to its lots and moves the
// reservation to status.
func (e *Engine) releaseInTx(ctx context.Context, tx storage.Tx, res *storage.Reservation, status storage.ReservationStatus, entryType string) error {
	if _, err := tx.LockAccount(ctx, res.AccountID); err != nil {
		return mapStoreError(err)
	}
	links, err := tx.ListReservationLots(ctx, res.ID)
	if err != nil {
		return err
	}
	now := e.now()
	for _, link := range links {
		if _, err := tx.MutateLot(ctx, link.LotID, storage.LotDelta{
			Available: link.AmountMicro,
			Reserved:  -link.AmountMicro,
		}); err != nil {
			return err
		}
		lotID := link.LotID
		if err := tx.AppendEntry(ctx, &storage.LedgerEntry{
			AccountID:     res.AccountID,
			PoolID:        res.PoolID,
			LotID:         &lotID,
			ReservationID: &res.ID,
			EntryType:     entryType,
			ReferenceType: storage.ReferenceReservation,
			ReferenceID:   &res.ID,
			Metadata:      map[string]any{"released_micro": link.AmountMicro},
			CreatedAt:     now,
		}); err != nil {
			return err
		}
	}
	res.Status = status
	res.UpdatedAt = now
	return tx.UpdateReservation(ctx, res)
}

// Release returns the whole hold to available. Terminal reservations are
// returned unchanged.
func (e *Engine) Release(ctx context.Context, reservationID uuid.UUID) (res *storage.Reservation, err error) {
	ctx, done := e.instrument(ctx, "release")
	defer done(&err)

	err = e.store.InTx(ctx, func(tx storage.Tx) error {
		current, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return mapStoreError(err)
		}
		if current.Status.Terminal() {
			res = current
			return nil
		}
		if err := e.releaseInTx(ctx, tx, current, storage.ReservationReleased, storage.EntryRelease); err != nil {
			return err
		}
		res = current
		return nil
	})
	return res, err
}

// ExpireStale releases every pending reservation past its expiry, one unit of
// work per reservation. It is safe to run concurrently with itself.
func (e *Engine) ExpireStale(ctx context.Context) (expired int, err error) {
	ctx, done := e.instrument(ctx, "expire_stale")
	defer done(&err)

	now := e.now()
	var ids []uuid.UUID
	if err := e.store.ReadTx(ctx, func(tx storage.Tx) error {
		var txErr error
		ids, txErr = tx.ListExpiredReservations(ctx, now, e.cfg.ExpireBatchSize)
		return txErr
	}); err != nil {
		return 0, err
	}

	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		changed := false
		txErr := e.store.InTx(ctx, func(tx storage.Tx) error {
			changed = false
			res, err := tx.GetReservation(ctx, id)
			if err != nil {
				return mapStoreError(err)
			}
			if res.Status != storage.ReservationPending || res.ExpiresAt.After(now) {
				return nil
			}
			if err := e.releaseInTx(ctx, tx, res, storage.ReservationExpired, storage.EntryExpire); err != nil {
				return err
			}
			changed = true
			return nil
		})
		if txErr != nil {
			e.logger.Error("reservation expiry failed", "reservation_id", id, "error", txErr)
			errs = append(errs, fmt.Errorf("expire %s: %w", id, txErr))
			continue
		}
		if changed {
			expired++
		}
	}
	if expired > 0 {
		e.logger.Info("expired stale reservations", "count", expired)
	}
	return expired, errors.Join(errs...)
}

func (e *Engine) GetReservation(ctx context.Context, id uuid.UUID) (*ReservationView, error) {
	var view *ReservationView
	err := e.store.ReadTx(ctx, func(tx storage.Tx) error {
		res, err := tx.GetReservation(ctx, id)
		if err != nil {
			return mapStoreError(err)
		}
		links, err := tx.ListReservationLots(ctx, id)
		if err != nil {
			return err
		}
		view = &ReservationView{Reservation: *res, Lots: links}
		return nil
	})
	return view, err
}

// ConsumeInTx moves amount from available to consumed across the account's
// open lots, earliest expiry first, without writing entries. The caller must
// already hold the account lock.
func (e *Engine) ConsumeInTx(ctx context.Context, tx storage.Tx, accountID uuid.UUID, poolID string, amount int64) ([]Consumption, error) {
	if err := money.AssertPositive(amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	lots, err := tx.ListOpenLots(ctx, accountID, poolID, e.now())
	if err != nil {
		return nil, err
	}
	links, available := selectLots(lots, amount)
	if links == nil {
		return nil, &InsufficientBalanceError{AccountID: accountID, PoolID: poolID, RequestedMicro: amount, AvailableMicro: available}
	}
	out := make([]Consumption, 0, len(links))
	for _, link := range links {
		if _, err := tx.MutateLot(ctx, link.LotID, storage.LotDelta{
			Available: -link.AmountMicro,
			Consumed:  link.AmountMicro,
		}); err != nil {
			return nil, err
		}
		out = append(out, Consumption{LotID: link.LotID, AmountMicro: link.AmountMicro})
	}
	return out, nil
}
