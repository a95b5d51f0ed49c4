package credit

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/storage"
	"github.com/google/uuid"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingMetrics struct {
	mu  sync.Mutex
	ops map[string]int
}

func (m *recordingMetrics) ObserveOperation(op, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ops == nil {
		m.ops = map[string]int{}
	}
	m.ops[op+":"+status]++
}

func newTestEngine(t *testing.T) (*Engine, *testClock) {
	t.Helper()
	clock := newTestClock()
	engine := NewEngine(storage.NewMemoryStore(), Config{Now: clock.Now, MaxTTL: 24 * time.Hour}, nil, nil)
	return engine, clock
}

func mustAccount(t *testing.T, e *Engine, id string) uuid.UUID {
	t.Helper()
	acct, err := e.EnsureAccount(context.Background(), storage.EntityTypePerson, id)
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	return acct.ID
}

func mustMint(t *testing.T, e *Engine, accountID uuid.UUID, amount int64, expiresAt *time.Time) storage.Lot {
	t.Helper()
	res, err := e.Mint(context.Background(), MintInput{
		AccountID:   accountID,
		SourceType:  storage.SourceGrant,
		AmountMicro: amount,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return res.Lot
}

func assertBalanced(t *testing.T, e *Engine, accountID uuid.UUID) {
	t.Helper()
	report, err := e.Reconcile(context.Background(), accountID, "")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !report.Balanced {
		t.Fatalf("ledger out of balance: %+v", report)
	}
}

func TestFinalizeUnderrun(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	acct := mustAccount(t, e, "underrun")
	lot := mustMint(t, e, acct, 1_000_000, nil)

	view, err := e.Reserve(ctx, ReserveInput{AccountID: acct, AmountMicro: 1_000_000, IdempotencyKey: "r-1"})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	result, err := e.Finalize(ctx, view.Reservation.ID, 700_000)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if result.ChargedMicro != 700_000 || result.ReleasedMicro != 300_000 || result.OverrunMicro != 0 {
		t.Fatalf("unexpected result %+v", result)
	}

	lots, err := e.ListLots(ctx, acct, "")
	if err != nil {
		t.Fatalf("ListLots: %v", err)
	}
	if len(lots) != 1 || lots[0].ID != lot.ID {
		t.Fatalf("unexpected lots %+v", lots)
	}
	if lots[0].AvailableMicro != 300_000 || lots[0].ConsumedMicro != 700_000 || lots[0].ReservedMicro != 0 {
		t.Fatalf("unexpected lot buckets %+v", lots[0])
	}
	assertBalanced(t, e, acct)
}

func TestFinalizeOverrun(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	acct := mustAccount(t, e, "overrun")
	mustMint(t, e, acct, 5_000_000, nil)

	view, err := e.Reserve(ctx, ReserveInput{AccountID: acct, AmountMicro: 1_000_000})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	result, err := e.Finalize(ctx, view.Reservation.ID, 1_200_000)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if result.ChargedMicro != 1_000_000 || result.OverrunMicro != 200_000 || result.ReleasedMicro != 0 {
		t.Fatalf("unexpected result %+v", result)
	}

	bal, err := e.GetBalance(ctx, acct, "")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.AvailableMicro != 4_000_000 || bal.ReservedMicro != 0 {
		t.Fatalf("unexpected balance %+v", bal)
	}
	assertBalanced(t, e, acct)
}

func TestReserveIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	acct := mustAccount(t, e, "idem")
	mustMint(t, e, acct, 1_000, nil)

	first, err := e.Reserve(ctx, ReserveInput{AccountID: acct, AmountMicro: 600, IdempotencyKey: "same"})
	if err != nil {
		t.Fatalf("Reserve first: %v", err)
	}
	second, err := e.Reserve(ctx, ReserveInput{AccountID: acct, AmountMicro: 600, IdempotencyKey: "same"})
	if err != nil {
		t.Fatalf("Reserve second: %v", err)
	}
	if first.Reservation.ID != second.Reservation.ID || !second.Replayed {
		t.Fatalf("expected replay of %s, got %+v", first.Reservation.ID, second)
	}

	entries, err := e.ListEntries(ctx, acct, "", 50)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	reserves := 0
	for _, entry := range entries {
		if entry.EntryType == storage.EntryReserve {
			reserves++
		}
	}
	if reserves != 1 {
		t.Fatalf("expected one reserve entry, got %d", reserves)
	}

	if _, err := e.Reserve(ctx, ReserveInput{AccountID: acct, AmountMicro: 100, IdempotencyKey: "same"}); !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected idempotency conflict, got %v", err)
	}
}

func TestReserveAllOrNothing(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	acct := mustAccount(t, e, "all-or-nothing")
	mustMint(t, e, acct, 300, nil)
	mustMint(t, e, acct, 200, nil)

	_, err := e.Reserve(ctx, ReserveInput{AccountID: acct, AmountMicro: 501})
	var insufficient *InsufficientBalanceError
	if !errors.As(err, &insufficient) || !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if insufficient.AvailableMicro != 500 {
		t.Fatalf("expected available 500, got %d", insufficient.AvailableMicro)
	}

	bal, err := e.GetBalance(ctx, acct, "")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.AvailableMicro != 500 || bal.ReservedMicro != 0 {
		t.Fatalf("expected nothing reserved, got %+v", bal)
	}
}

func TestReserveUsesEarliestExpiryFirst(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	acct := mustAccount(t, e, "fifo")
	mustMint(t, e, acct, 100, nil)
	late := clock.Now().Add(72 * time.Hour)
	soon := clock.Now().Add(2 * time.Hour)
	lateLot := mustMint(t, e, acct, 100, &late)
	soonLot := mustMint(t, e, acct, 100, &soon)

	view, err := e.Reserve(ctx, ReserveInput{AccountID: acct, AmountMicro: 150})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if len(view.Lots) != 2 {
		t.Fatalf("expected 2 links, got %+v", view.Lots)
	}
	if view.Lots[0].LotID != soonLot.ID || view.Lots[0].AmountMicro != 100 {
		t.Fatalf("expected soonest lot first, got %+v", view.Lots[0])
	}
	if view.Lots[1].LotID != lateLot.ID || view.Lots[1].AmountMicro != 50 {
		t.Fatalf("expected later lot second, got %+v", view.Lots[1])
	}

	clock.Advance(3 * time.Hour)
	bal, err := e.GetBalance(ctx, acct, "")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.AvailableMicro != 150 || bal.OpenLots != 2 {
		t.Fatalf("expected expired lot excluded, got %+v", bal)
	}
}

func TestFinalizeProRatesAcrossLots(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	acct := mustAccount(t, e, "pro-rata")
	first := clock.Now().Add(time.Hour)
	second := clock.Now().Add(2 * time.Hour)
	a := mustMint(t, e, acct, 3, &first)
	b := mustMint(t, e, acct, 10, &second)

	view, err := e.Reserve(ctx, ReserveInput{AccountID: acct, AmountMicro: 10})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	result, err := e.Finalize(ctx, view.Reservation.ID, 5)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if result.ChargedMicro != 5 || result.ReleasedMicro != 5 {
		t.Fatalf("unexpected result %+v", result)
	}

	lots, err := e.ListLots(ctx, acct, "")
	if err != nil {
		t.Fatalf("ListLots: %v", err)
	}
	consumed := map[uuid.UUID]int64{}
	for _, lot := range lots {
		consumed[lot.ID] = lot.ConsumedMicro
		if lot.ReservedMicro != 0 {
			t.Fatalf("lot still reserved %+v", lot)
		}
	}
	// floor(5*3/10)=1 and floor(5*7/10)=3; the leftover unit goes to the first lot.
	if consumed[a.ID] != 2 || consumed[b.ID] != 3 {
		t.Fatalf("unexpected consumption %v", consumed)
	}
	assertBalanced(t, e, acct)
}

func TestFinalizeReplayAndConflicts(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	acct := mustAccount(t, e, "replay")
	mustMint(t, e, acct, 1_000, nil)

	view, err := e.Reserve(ctx, ReserveInput{AccountID: acct, AmountMicro: 800})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	first, err := e.Finalize(ctx, view.Reservation.ID, 500)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	again, err := e.Finalize(ctx, view.Reservation.ID, 500)
	if err != nil {
		t.Fatalf("Finalize replay: %v", err)
	}
	if !again.Replayed || again.ChargedMicro != first.ChargedMicro || again.EntrySeq != first.EntrySeq {
		t.Fatalf("expected identical replay, got %+v vs %+v", again, first)
	}

	var already *AlreadyFinalizedError
	if _, err := e.Finalize(ctx, view.Reservation.ID, 600); !errors.As(err, &already) {
		t.Fatalf("expected already finalized, got %v", err)
	}
	if already.ActualCostMicro != 500 {
		t.Fatalf("unexpected error detail %+v", already)
	}

	released, err := e.Release(ctx, view.Reservation.ID)
	if err != nil {
		t.Fatalf("Release after finalize: %v", err)
	}
	if released.Status != storage.ReservationFinalized {
		t.Fatalf("expected release to be a no-op, got %s", released.Status)
	}

	if _, err := e.Finalize(ctx, uuid.New(), 1); !errors.Is(err, ErrReservationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	assertBalanced(t, e, acct)
}

func TestReleaseThenFinalizeIsClosed(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	acct := mustAccount(t, e, "release")
	mustMint(t, e, acct, 1_000, nil)

	view, err := e.Reserve(ctx, ReserveInput{AccountID: acct, AmountMicro: 400})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	res, err := e.Release(ctx, view.Reservation.ID)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if res.Status != storage.ReservationReleased {
		t.Fatalf("expected released, got %s", res.Status)
	}
	if _, err := e.Release(ctx, view.Reservation.ID); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if _, err := e.Finalize(ctx, view.Reservation.ID, 10); !errors.Is(err, ErrReservationClosed) {
		t.Fatalf("expected closed, got %v", err)
	}

	bal, err := e.GetBalance(ctx, acct, "")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.AvailableMicro != 1_000 {
		t.Fatalf("expected full balance restored, got %+v", bal)
	}
	assertBalanced(t, e, acct)
}

func TestExpireStale(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	acct := mustAccount(t, e, "expire")
	mustMint(t, e, acct, 1_000, nil)

	short, err := e.Reserve(ctx, ReserveInput{AccountID: acct, AmountMicro: 100, TTL: time.Minute})
	if err != nil {
		t.Fatalf("Reserve short: %v", err)
	}
	long, err := e.Reserve(ctx, ReserveInput{AccountID: acct, AmountMicro: 100, TTL: time.Hour})
	if err != nil {
		t.Fatalf("Reserve long: %v", err)
	}

	clock.Advance(2 * time.Minute)
	count, err := e.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 expired, got %d", count)
	}
	count, err = e.ExpireStale(ctx)
	if err != nil || count != 0 {
		t.Fatalf("expected idempotent sweep, got %d %v", count, err)
	}

	got, err := e.GetReservation(ctx, short.Reservation.ID)
	if err != nil {
		t.Fatalf("GetReservation: %v", err)
	}
	if got.Reservation.Status != storage.ReservationExpired {
		t.Fatalf("expected expired, got %s", got.Reservation.Status)
	}
	got, err = e.GetReservation(ctx, long.Reservation.ID)
	if err != nil {
		t.Fatalf("GetReservation: %v", err)
	}
	if got.Reservation.Status != storage.ReservationPending {
		t.Fatalf("expected pending, got %s", got.Reservation.Status)
	}

	bal, err := e.GetBalance(ctx, acct, "")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.AvailableMicro != 900 || bal.ReservedMicro != 100 {
		t.Fatalf("unexpected balance %+v", bal)
	}
	assertBalanced(t, e, acct)
}

func TestMintSourceIdempotency(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	acct := mustAccount(t, e, "mint")
	other := mustAccount(t, e, "mint-other")

	in := MintInput{AccountID: acct, SourceType: storage.SourceDeposit, SourceID: "evt_1", AmountMicro: 250}
	first, err := e.Mint(ctx, in)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	second, err := e.Mint(ctx, in)
	if err != nil {
		t.Fatalf("Mint replay: %v", err)
	}
	if !second.Duplicate || second.Lot.ID != first.Lot.ID {
		t.Fatalf("expected duplicate of %s, got %+v", first.Lot.ID, second)
	}

	in.AccountID = other
	if _, err := e.Mint(ctx, in); !errors.Is(err, ErrSourceConflict) {
		t.Fatalf("expected source conflict, got %v", err)
	}

	if _, err := e.Mint(ctx, MintInput{AccountID: acct, SourceType: storage.SourceGrant, AmountMicro: 0}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if _, err := e.Mint(ctx, MintInput{AccountID: acct, SourceType: "gift", AmountMicro: 1}); !errors.Is(err, ErrInvalidSource) {
		t.Fatalf("expected invalid source, got %v", err)
	}
	if _, err := e.Mint(ctx, MintInput{AccountID: uuid.New(), SourceType: storage.SourceGrant, AmountMicro: 1}); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected account not found, got %v", err)
	}

	bal, err := e.GetBalance(ctx, acct, "")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.AvailableMicro != 250 {
		t.Fatalf("expected single mint, got %+v", bal)
	}
}

type fixedTTL time.Duration

func (f fixedTTL) DefaultReservationTTL(context.Context) (time.Duration, error) {
	return time.Duration(f), nil
}

func TestReserveUsesGovernedTTL(t *testing.T) {
	e, clock := newTestEngine(t)
	e.SetTTLSource(fixedTTL(90 * time.Second))
	ctx := context.Background()
	acct := mustAccount(t, e, "ttl")
	mustMint(t, e, acct, 10, nil)

	view, err := e.Reserve(ctx, ReserveInput{AccountID: acct, AmountMicro: 5})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if want := clock.Now().Add(90 * time.Second); !view.Reservation.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %s", want, view.Reservation.ExpiresAt)
	}

	if _, err := e.Reserve(ctx, ReserveInput{AccountID: acct, AmountMicro: 1, TTL: 48 * time.Hour}); !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("expected ttl above max to fail, got %v", err)
	}
	if _, err := e.Reserve(ctx, ReserveInput{AccountID: acct, AmountMicro: 1, BillingMode: "free"}); !errors.Is(err, ErrInvalidBillingMode) {
		t.Fatalf("expected invalid billing mode, got %v", err)
	}
}

func TestConcurrentOperationsPreserveInvariants(t *testing.T) {
	clock := newTestClock()
	metrics := &recordingMetrics{}
	e := NewEngine(storage.NewMemoryStore(), Config{Now: clock.Now}, nil, metrics)
	ctx := context.Background()
	acct := mustAccount(t, e, "concurrent")
	for i := 0; i < 5; i++ {
		expires := clock.Now().Add(time.Duration(i+1) * time.Hour)
		mustMint(t, e, acct, 10_000, &expires)
	}

	var (
		wg        sync.WaitGroup
		finalized atomic.Int64
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 40; i++ {
				view, err := e.Reserve(ctx, ReserveInput{AccountID: acct, AmountMicro: rng.Int63n(900) + 1})
				if errors.Is(err, ErrInsufficientBalance) {
					continue
				}
				if err != nil {
					t.Errorf("Reserve: %v", err)
					return
				}
				if rng.Intn(3) == 0 {
					if _, err := e.Release(ctx, view.Reservation.ID); err != nil {
						t.Errorf("Release: %v", err)
					}
					continue
				}
				cost := rng.Int63n(view.Reservation.TotalReservedMicro * 2)
				if _, err := e.Finalize(ctx, view.Reservation.ID, cost); err != nil {
					t.Errorf("Finalize: %v", err)
					continue
				}
				finalized.Add(1)
			}
		}(int64(w))
	}
	wg.Wait()

	lots, err := e.ListLots(ctx, acct, "")
	if err != nil {
		t.Fatalf("ListLots: %v", err)
	}
	for _, lot := range lots {
		if err := lot.Check(); err != nil {
			t.Fatalf("lot invariant broken: %+v", lot)
		}
		if lot.ReservedMicro != 0 {
			t.Fatalf("expected no outstanding holds, got %+v", lot)
		}
	}
	assertBalanced(t, e, acct)
	if finalized.Load() == 0 {
		t.Fatalf("expected some finalizations")
	}
	if metrics.ops["reserve:success"] == 0 {
		t.Fatalf("expected reserve metrics, got %v", metrics.ops)
	}
}
