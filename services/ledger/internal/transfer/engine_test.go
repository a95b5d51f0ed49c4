package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/credit"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/storage"
	"github.com/google/uuid"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

type fixedLimit int64

func (l fixedLimit) MaxTransferMicro(context.Context) (int64, error) {
	return int64(l), nil
}

type fixture struct {
	credit *credit.Engine
	engine *Engine
	alice  uuid.UUID
	bob    uuid.UUID
}

func newFixture(t *testing.T, aliceFunds int64) *fixture {
	t.Helper()
	ctx := context.Background()
	creditEngine := credit.NewEngine(storage.NewMemoryStore(), credit.Config{Now: clock}, nil, nil)
	engine := NewEngine(creditEngine, nil, nil)
	engine.SetClock(clock)

	f := &fixture{credit: creditEngine, engine: engine}
	for _, name := range []string{"alice", "bob"} {
		acct, err := creditEngine.EnsureAccount(ctx, storage.EntityTypePerson, name)
		if err != nil {
			t.Fatalf("ensure %s: %v", name, err)
		}
		if name == "alice" {
			f.alice = acct.ID
		} else {
			f.bob = acct.ID
		}
	}
	if aliceFunds > 0 {
		if _, err := creditEngine.Mint(ctx, credit.MintInput{
			AccountID:   f.alice,
			SourceType:  storage.SourceDeposit,
			SourceID:    "seed-alice",
			AmountMicro: aliceFunds,
		}); err != nil {
			t.Fatalf("mint: %v", err)
		}
	}
	return f
}

func (f *fixture) balance(t *testing.T, id uuid.UUID) int64 {
	t.Helper()
	bal, err := f.credit.GetBalance(context.Background(), id, "")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal.AvailableMicro
}

func (f *fixture) assertBalanced(t *testing.T, id uuid.UUID) {
	t.Helper()
	report, err := f.credit.Reconcile(context.Background(), id, "")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !report.Balanced {
		t.Fatalf("account %s out of balance: %+v", id, report)
	}
}

func TestTransferMovesCredit(t *testing.T) {
	f := newFixture(t, 1_000_000)
	ctx := context.Background()

	res, err := f.engine.Transfer(ctx, Input{
		FromAccountID:  f.alice,
		ToAccountID:    f.bob,
		AmountMicro:    400_000,
		IdempotencyKey: "tip-1",
		CorrelationID:  "corr-1",
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Replayed || res.Transfer.Status != storage.TransferCompleted || res.Transfer.CompletedAt == nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := f.balance(t, f.alice); got != 600_000 {
		t.Fatalf("sender balance %d, want 600000", got)
	}
	if got := f.balance(t, f.bob); got != 400_000 {
		t.Fatalf("recipient balance %d, want 400000", got)
	}
	f.assertBalanced(t, f.alice)
	f.assertBalanced(t, f.bob)

	entries, err := f.credit.ListEntries(ctx, f.bob, "", 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || entries[0].EntryType != storage.EntryTransferIn || entries[0].ReferenceID == nil || *entries[0].ReferenceID != res.Transfer.ID {
		t.Fatalf("expected one transfer_in entry referencing the transfer, got %+v", entries)
	}
	lots, err := f.credit.ListLots(ctx, f.bob, "")
	if err != nil {
		t.Fatalf("lots: %v", err)
	}
	if len(lots) != 1 || lots[0].SourceID != res.Transfer.ID.String() {
		t.Fatalf("recipient lot must be sourced from the transfer id, got %+v", lots)
	}
}

func TestTransferIdempotent(t *testing.T) {
	f := newFixture(t, 1_000_000)
	ctx := context.Background()
	in := Input{FromAccountID: f.alice, ToAccountID: f.bob, AmountMicro: 250_000, IdempotencyKey: "tip-2"}

	first, err := f.engine.Transfer(ctx, in)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := f.engine.Transfer(ctx, in)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Replayed || second.Transfer.ID != first.Transfer.ID {
		t.Fatalf("expected replay of %s, got %+v", first.Transfer.ID, second)
	}
	if got := f.balance(t, f.bob); got != 250_000 {
		t.Fatalf("replay must not move credit twice, recipient has %d", got)
	}

	in.AmountMicro = 1
	if _, err := f.engine.Transfer(ctx, in); !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}

	byKey, err := f.engine.GetTransferByIdempotencyKey(ctx, "tip-2")
	if err != nil || byKey.ID != first.Transfer.ID {
		t.Fatalf("lookup by key: %+v %v", byKey, err)
	}
}

func TestTransferInsufficientBalanceRecordsRejection(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	in := Input{FromAccountID: f.alice, ToAccountID: f.bob, AmountMicro: 101, IdempotencyKey: "tip-3"}

	res, err := f.engine.Transfer(ctx, in)
	if !errors.Is(err, ErrTransferRejected) || !errors.Is(err, credit.ErrInsufficientBalance) {
		t.Fatalf("expected rejected transfer, got %v", err)
	}
	if res == nil || res.Transfer.Status != storage.TransferRejected || res.Transfer.RejectReason == "" {
		t.Fatalf("expected rejected transfer record, got %+v", res)
	}
	if got := f.balance(t, f.alice); got != 100 {
		t.Fatalf("rejected transfer must not move credit, sender has %d", got)
	}
	entries, err := f.credit.ListEntries(ctx, f.alice, "", 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("rejected transfer must not write entries, got %d", len(entries))
	}

	stored, err := f.engine.GetTransfer(ctx, res.Transfer.ID)
	if err != nil || stored.Status != storage.TransferRejected {
		t.Fatalf("rejected transfer must be persisted: %+v %v", stored, err)
	}
	replay, err := f.engine.Transfer(ctx, in)
	if !errors.Is(err, ErrTransferRejected) || !replay.Replayed {
		t.Fatalf("replay of a rejected key returns the rejection, got %+v %v", replay, err)
	}
}

func TestTransferValidation(t *testing.T) {
	f := newFixture(t, 1_000)
	ctx := context.Background()

	cases := []struct {
		name string
		in   Input
		want error
	}{
		{"missing key", Input{FromAccountID: f.alice, ToAccountID: f.bob, AmountMicro: 1}, ErrIdempotencyKeyRequired},
		{"zero amount", Input{FromAccountID: f.alice, ToAccountID: f.bob, IdempotencyKey: "k1"}, credit.ErrInvalidAmount},
		{"negative amount", Input{FromAccountID: f.alice, ToAccountID: f.bob, AmountMicro: -5, IdempotencyKey: "k2"}, credit.ErrInvalidAmount},
		{"self", Input{FromAccountID: f.alice, ToAccountID: f.alice, AmountMicro: 1, IdempotencyKey: "k3"}, ErrSelfTransfer},
		{"unknown recipient", Input{FromAccountID: f.alice, ToAccountID: uuid.New(), AmountMicro: 1, IdempotencyKey: "k4"}, credit.ErrAccountNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.engine.Transfer(ctx, tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if _, err := f.engine.GetTransfer(ctx, uuid.New()); !errors.Is(err, ErrTransferNotFound) {
		t.Fatalf("expected ErrTransferNotFound, got %v", err)
	}
}

func TestTransferLimit(t *testing.T) {
	f := newFixture(t, 1_000_000)
	f.engine.SetLimitSource(fixedLimit(500))
	ctx := context.Background()

	if _, err := f.engine.Transfer(ctx, Input{FromAccountID: f.alice, ToAccountID: f.bob, AmountMicro: 501, IdempotencyKey: "big"}); !errors.Is(err, ErrAmountAboveLimit) {
		t.Fatalf("expected ErrAmountAboveLimit, got %v", err)
	}
	if _, err := f.engine.GetTransferByIdempotencyKey(ctx, "big"); !errors.Is(err, ErrTransferNotFound) {
		t.Fatalf("limit violations are not recorded, got %v", err)
	}
	if _, err := f.engine.Transfer(ctx, Input{FromAccountID: f.alice, ToAccountID: f.bob, AmountMicro: 500, IdempotencyKey: "ok"}); err != nil {
		t.Fatalf("transfer at limit: %v", err)
	}
}

func TestListTransfersPagination(t *testing.T) {
	f := newFixture(t, 1_000_000)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := f.engine.Transfer(ctx, Input{FromAccountID: f.alice, ToAccountID: f.bob, AmountMicro: 10, IdempotencyKey: fmt.Sprintf("page-%d", i)}); err != nil {
			t.Fatalf("transfer %d: %v", i, err)
		}
	}
	if _, err := f.engine.Transfer(ctx, Input{FromAccountID: f.bob, ToAccountID: f.alice, AmountMicro: 5, IdempotencyKey: "back"}); err != nil {
		t.Fatalf("transfer back: %v", err)
	}

	seen := map[uuid.UUID]bool{}
	cursor := ""
	for page := 0; page < 10; page++ {
		items, next, err := f.engine.ListTransfers(ctx, storage.TransferFilter{AccountID: f.alice, Direction: storage.DirectionOut, Cursor: cursor, Limit: 2})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, tr := range items {
			if tr.FromAccountID != f.alice {
				t.Fatalf("direction out returned incoming transfer %s", tr.ID)
			}
			if seen[tr.ID] {
				t.Fatalf("transfer %s returned twice", tr.ID)
			}
			seen[tr.ID] = true
		}
		if next == "" {
			break
		}
		cursor = next
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 outgoing transfers, got %d", len(seen))
	}

	all, _, err := f.engine.ListTransfers(ctx, storage.TransferFilter{AccountID: f.alice, Limit: 50})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("expected 6 transfers in both directions, got %d", len(all))
	}
	if _, _, err := f.engine.ListTransfers(ctx, storage.TransferFilter{AccountID: f.alice, Direction: "sideways"}); !errors.Is(err, ErrInvalidDirection) {
		t.Fatalf("expected ErrInvalidDirection, got %v", err)
	}
}

func TestConcurrentTransfersConserveCredit(t *testing.T) {
	f := newFixture(t, 1_000)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	completed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.engine.Transfer(ctx, Input{FromAccountID: f.alice, ToAccountID: f.bob, AmountMicro: 100, IdempotencyKey: fmt.Sprintf("race-%d", i)})
			if err != nil && !errors.Is(err, ErrTransferRejected) {
				t.Errorf("transfer %d: %v", i, err)
				return
			}
			if res.Transfer.Status == storage.TransferCompleted {
				mu.Lock()
				completed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if completed != 10 {
		t.Fatalf("expected exactly 10 completed transfers, got %d", completed)
	}
	if a, b := f.balance(t, f.alice), f.balance(t, f.bob); a != 0 || b != 1_000 {
		t.Fatalf("credit not conserved: sender %d recipient %d", a, b)
	}
	f.assertBalanced(t, f.alice)
	f.assertBalanced(t, f.bob)
}
