package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/credit"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/governance"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	SystemCommonsPool     = "commons_pool"
	SystemCommunityPool   = "community_pool"
	SystemTreasuryReserve = "treasury_reserve"
	SystemFoundation      = "foundation"

	defaultAttributionWindow = 365 * 24 * time.Hour
)

var (
	ErrSelfReferral       = errors.New("account cannot refer itself")
	ErrReferralExists     = errors.New("account already has an active referral")
	ErrMissingReservation = errors.New("reservation id is required")
	ErrNotFinalized       = errors.New("reservation is not finalized")
	ErrPostingMismatch    = errors.New("distribution does not match the finalized reservation")
)

// PostingMismatchError names the first field of a posting that disagrees
// with the finalized reservation it claims to distribute.
type PostingMismatchError struct {
	ReservationID uuid.UUID
	Field         string
	Want          string
	Got           string
}

func (e *PostingMismatchError) Error() string {
	return fmt.Sprintf("reservation %s: %s is %s, posting has %s", e.ReservationID, e.Field, e.Want, e.Got)
}

func (e *PostingMismatchError) Unwrap() error { return ErrPostingMismatch }

type Metrics interface {
	ObserveOperation(op, status string, duration time.Duration)
}

// WindowSource supplies the governed referral attribution window.
type WindowSource interface {
	AttributionWindow(ctx context.Context) (time.Duration, error)
}

type Engine struct {
	credit  *credit.Engine
	store   storage.Store
	rates   *RateCache
	window  WindowSource
	logger  *slog.Logger
	metrics Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

func NewEngine(creditEngine *credit.Engine, rates *RateCache, logger *slog.Logger, metrics Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		credit:  creditEngine,
		store:   creditEngine.Store(),
		rates:   rates,
		logger:  logger,
		metrics: metrics,
		tracer:  otel.Tracer("ledger/distribution"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) SetWindowSource(src WindowSource) {
	e.window = src
}

func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Engine) RateCache() *RateCache {
	return e.rates
}

func (e *Engine) instrument(ctx context.Context, op string) (context.Context, func(*error)) {
	ctx, span := e.tracer.Start(ctx, "distribution."+op)
	start := time.Now()
	return ctx, func(errp *error) {
		status := "success"
		if errp != nil && *errp != nil {
			status = credit.Outcome(*errp)
			span.RecordError(*errp)
			span.SetStatus(otelcodes.Error, status)
		}
		span.End()
		if e.metrics != nil {
			e.metrics.ObserveOperation("distribution."+op, status, time.Since(start))
		}
	}
}

type Calculation struct {
	Shares Shares          `json:"shares"`
	Rates  Rates           `json:"rates"`
	Tier   governance.Tier `json:"tier"`
}

// Calculate previews the split of chargeMicro under the rates for scope. A
// non-nil referrerBps replaces the governed referrer rate.
func (e *Engine) Calculate(ctx context.Context, chargeMicro int64, scope string, referrerBps *int64) (*Calculation, error) {
	rates, tier, err := e.rates.Get(ctx, scope)
	if err != nil {
		return nil, err
	}
	if referrerBps != nil {
		rates = WithReferrer(rates, *referrerBps)
	}
	shares, err := CalculateShares(chargeMicro, rates)
	if err != nil {
		return nil, err
	}
	return &Calculation{Shares: shares, Rates: rates, Tier: tier}, nil
}

type PostInput struct {
	AccountID uuid.UUID
	PoolID    string
	// CommunityID selects the community recipient and the rate scope. Empty
	// routes the community share to the system community pool.
	CommunityID   string
	ChargeMicro   int64
	ReservationID uuid.UUID
	EntrySeq      int64
}

type Recipient struct {
	Role        Role      `json:"role"`
	AccountID   uuid.UUID `json:"account_id"`
	AmountMicro int64     `json:"amount_micro"`
	LotID       uuid.UUID `json:"lot_id"`
}

type PostResult struct {
	Shares            Shares          `json:"shares"`
	Rates             Rates           `json:"rates"`
	Tier              governance.Tier `json:"tier"`
	Recipients        []Recipient     `json:"recipients"`
	ReferrerAccountID *uuid.UUID      `json:"referrer_account_id,omitempty"`
	AlreadyPosted     bool            `json:"already_posted"`
}

func shareSourceID(reservationID uuid.UUID, entrySeq int64, role Role) string {
	return reservationID.String() + ":" + strconv.FormatInt(entrySeq, 10) + ":" + string(role)
}

// PostDistribution splits a finalized charge and mints one revenue_share lot
// per non-zero share, all in one unit of work. The input must repeat the
// reservation's account, pool, charged amount and finalize entry seq.
// Posting the same (reservation, entry seq) twice returns the first posting.
func (e *Engine) PostDistribution(ctx context.Context, in PostInput) (result *PostResult, err error) {
	if in.ReservationID == uuid.Nil {
		return nil, ErrMissingReservation
	}
	ctx, done := e.instrument(ctx, "post")
	defer done(&err)

	rates, tier, err := e.rates.Get(ctx, in.CommunityID)
	if err != nil {
		return nil, err
	}

	err = e.store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.LockKey(ctx, "distribution:"+in.ReservationID.String()+":"+strconv.FormatInt(in.EntrySeq, 10)); err != nil {
			return err
		}
		if err := checkPosting(ctx, tx, in); err != nil {
			return err
		}
		prior, err := e.priorPosting(ctx, tx, in)
		if err != nil {
			return err
		}
		if prior != nil {
			result = prior
			return nil
		}
		result, err = e.postInTx(ctx, tx, in, rates, tier)
		return err
	})
	if err != nil {
		return nil, err
	}
	if result.AlreadyPosted {
		e.logger.Info("distribution already posted", "reservation_id", in.ReservationID, "entry_seq", in.EntrySeq)
	} else {
		e.logger.Info("distribution posted",
			"reservation_id", in.ReservationID,
			"entry_seq", in.EntrySeq,
			"charge_micro", in.ChargeMicro,
			"recipients", len(result.Recipients),
			"tier", result.Tier,
		)
	}
	return result, nil
}

// checkPosting accepts only the exact charge and finalize entry of a
// finalized reservation of the paying account.
func checkPosting(ctx context.Context, tx storage.Tx, in PostInput) error {
	res, err := tx.GetReservation(ctx, in.ReservationID)
	if errors.Is(err, storage.ErrReservationNotFound) {
		return credit.ErrReservationNotFound
	}
	if err != nil {
		return err
	}
	if res.Status != storage.ReservationFinalized {
		return fmt.Errorf("%w: %s is %s", ErrNotFinalized, res.ID, res.Status)
	}
	mismatch := func(field, want, got string) error {
		return &PostingMismatchError{ReservationID: res.ID, Field: field, Want: want, Got: got}
	}
	switch {
	case res.AccountID != in.AccountID:
		return mismatch("account_id", res.AccountID.String(), in.AccountID.String())
	case res.PoolID != in.PoolID:
		return mismatch("pool_id", strconv.Quote(res.PoolID), strconv.Quote(in.PoolID))
	case res.ChargedMicro != in.ChargeMicro:
		return mismatch("charged_micro", strconv.FormatInt(res.ChargedMicro, 10), strconv.FormatInt(in.ChargeMicro, 10))
	case res.FinalizeEntrySeq != in.EntrySeq:
		return mismatch("entry_seq", strconv.FormatInt(res.FinalizeEntrySeq, 10), strconv.FormatInt(in.EntrySeq, 10))
	}
	return nil
}

func (e *Engine) priorPosting(ctx context.Context, tx storage.Tx, in PostInput) (*PostResult, error) {
	var out *PostResult
	for _, role := range Roles {
		lot, err := tx.GetLotBySource(ctx, storage.SourceRevenueShare, shareSourceID(in.ReservationID, in.EntrySeq, role))
		if errors.Is(err, storage.ErrLotNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = &PostResult{AlreadyPosted: true}
		}
		out.Shares.set(role, lot.OriginalMicro)
		out.Recipients = append(out.Recipients, Recipient{Role: role, AccountID: lot.AccountID, AmountMicro: lot.OriginalMicro, LotID: lot.ID})
		if role == RoleReferrer {
			id := lot.AccountID
			out.ReferrerAccountID = &id
		}
	}
	return out, nil
}

func (e *Engine) postInTx(ctx context.Context, tx storage.Tx, in PostInput, rates Rates, tier governance.Tier) (*PostResult, error) {
	now := e.now()
	referral, err := tx.GetActiveReferral(ctx, in.AccountID, now)
	if err != nil {
		return nil, err
	}
	if referral == nil {
		rates = WithReferrer(rates, 0)
	}
	shares, err := CalculateShares(in.ChargeMicro, rates)
	if err != nil {
		return nil, err
	}
	result := &PostResult{Shares: shares, Rates: rates, Tier: tier}
	if referral != nil {
		id := referral.ReferrerAccountID
		result.ReferrerAccountID = &id
	}
	if in.ChargeMicro == 0 {
		return result, nil
	}

	accounts, err := e.recipientAccounts(ctx, tx, in, referral)
	if err != nil {
		return nil, err
	}

	// Recipients are locked in id order before any mint.
	ids := make([]uuid.UUID, 0, len(accounts))
	seen := make(map[uuid.UUID]bool, len(accounts))
	for _, id := range accounts {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	for _, id := range ids {
		if _, err := tx.LockAccount(ctx, id); err != nil {
			return nil, err
		}
	}

	resID := in.ReservationID
	for _, role := range Roles {
		amount := shares.Of(role)
		if amount == 0 {
			continue
		}
		minted, err := e.credit.MintInTx(ctx, tx, credit.MintInput{
			AccountID:     accounts[role],
			SourceType:    storage.SourceRevenueShare,
			SourceID:      shareSourceID(in.ReservationID, in.EntrySeq, role),
			AmountMicro:   amount,
			Description:   "revenue share: " + string(role),
			ReferenceType: storage.ReferenceDistribution,
			ReferenceID:   &resID,
			Metadata: map[string]any{
				"role":             string(role),
				"rate_bps":         rateOf(rates, role),
				"charge_micro":     in.ChargeMicro,
				"payer_account_id": in.AccountID.String(),
				"payer_pool_id":    in.PoolID,
				"entry_seq":        in.EntrySeq,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("mint %s share: %w", role, err)
		}
		result.Recipients = append(result.Recipients, Recipient{
			Role:        role,
			AccountID:   accounts[role],
			AmountMicro: amount,
			LotID:       minted.Lot.ID,
		})
	}

	if referral != nil && shares.Referrer > 0 {
		if err := tx.InsertReferrerEarning(ctx, &storage.ReferrerEarning{
			ID:                uuid.New(),
			ReferrerAccountID: referral.ReferrerAccountID,
			RefereeAccountID:  in.AccountID,
			ReservationID:     &resID,
			EntrySeq:          in.EntrySeq,
			ChargeMicro:       in.ChargeMicro,
			ShareMicro:        shares.Referrer,
			RateBps:           rates.ReferrerBps,
			CreatedAt:         now,
		}); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (e *Engine) recipientAccounts(ctx context.Context, tx storage.Tx, in PostInput, referral *storage.ReferralAttribution) (map[Role]uuid.UUID, error) {
	out := make(map[Role]uuid.UUID, len(Roles))
	system := func(role Role, entityType, entityID string) error {
		acct, err := tx.GetOrCreateAccount(ctx, entityType, entityID)
		if err != nil {
			return fmt.Errorf("%s account: %w", role, err)
		}
		out[role] = acct.ID
		return nil
	}
	if referral != nil {
		out[RoleReferrer] = referral.ReferrerAccountID
	}
	if err := system(RoleCommons, storage.EntityTypeSystem, SystemCommonsPool); err != nil {
		return nil, err
	}
	if in.CommunityID != "" {
		if err := system(RoleCommunity, storage.EntityTypeCommunity, in.CommunityID); err != nil {
			return nil, err
		}
	} else if err := system(RoleCommunity, storage.EntityTypeSystem, SystemCommunityPool); err != nil {
		return nil, err
	}
	if err := system(RoleTreasury, storage.EntityTypeSystem, SystemTreasuryReserve); err != nil {
		return nil, err
	}
	if err := system(RoleFoundation, storage.EntityTypeSystem, SystemFoundation); err != nil {
		return nil, err
	}
	return out, nil
}

// AttributeReferral records that referrerID referred refereeID. A zero window
// uses the governed attribution window.
func (e *Engine) AttributeReferral(ctx context.Context, refereeID, referrerID uuid.UUID, window time.Duration) (ref *storage.ReferralAttribution, err error) {
	if refereeID == referrerID {
		return nil, ErrSelfReferral
	}
	ctx, done := e.instrument(ctx, "attribute_referral")
	defer done(&err)

	if window <= 0 {
		window = defaultAttributionWindow
		if e.window != nil {
			governed, err := e.window.AttributionWindow(ctx)
			if err != nil {
				return nil, err
			}
			if governed > 0 {
				window = governed
			}
		}
	}
	now := e.now()
	expires := now.Add(window)
	ref = &storage.ReferralAttribution{
		ID:                uuid.New(),
		AccountID:         refereeID,
		ReferrerAccountID: referrerID,
		CreatedAt:         now,
		ExpiresAt:         &expires,
	}
	err = e.store.InTx(ctx, func(tx storage.Tx) error {
		for _, id := range []uuid.UUID{refereeID, referrerID} {
			if _, err := tx.GetAccount(ctx, id); err != nil {
				if errors.Is(err, storage.ErrAccountNotFound) {
					return credit.ErrAccountNotFound
				}
				return err
			}
		}
		if err := tx.InsertReferral(ctx, ref); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return ErrReferralExists
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("referral attributed", "referee", refereeID, "referrer", referrerID, "expires_at", expires)
	return ref, nil
}

func (e *Engine) ReferrerEarnings(ctx context.Context, referrerID uuid.UUID, limit int) ([]storage.ReferrerEarning, error) {
	var out []storage.ReferrerEarning
	err := e.store.ReadTx(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListReferrerEarnings(ctx, referrerID, limit)
		return err
	})
	return out, err
}
