package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/0xHoneyJar/loa-freeside-sub009/services/testutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}

	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := Migrate(context.Background(), pool, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

func TestPostgresLotLifecycle(t *testing.T) {
	pool := setupPostgres(t)
	store := NewPostgresStore(pool, nil, 3)
	ctx := context.Background()
	entityID := "pg-lot-" + uuid.NewString()

	var lotID uuid.UUID
	err := store.InTx(ctx, func(tx Tx) error {
		acct, err := tx.GetOrCreateAccount(ctx, EntityTypePerson, entityID)
		if err != nil {
			return err
		}
		if _, err := tx.LockAccount(ctx, acct.ID); err != nil {
			return err
		}
		lot := &Lot{AccountID: acct.ID, SourceType: SourceDeposit, SourceID: entityID, OriginalMicro: 1000, AvailableMicro: 1000}
		if err := tx.InsertLot(ctx, lot); err != nil {
			return err
		}
		lotID = lot.ID
		entry := &LedgerEntry{AccountID: acct.ID, LotID: &lot.ID, EntryType: EntryDeposit, AmountMicro: 1000,
			Metadata: map[string]any{"source": "test"}}
		return tx.AppendEntry(ctx, entry)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	err = store.InTx(ctx, func(tx Tx) error {
		if _, err := tx.MutateLot(ctx, lotID, LotDelta{Available: -2000, Reserved: 2000}); !errors.Is(err, ErrLotInvariant) {
			t.Fatalf("expected invariant error, got %v", err)
		}
		lot, err := tx.MutateLot(ctx, lotID, LotDelta{Available: -400, Reserved: 400})
		if err != nil {
			return err
		}
		if lot.AvailableMicro != 600 || lot.ReservedMicro != 400 {
			t.Fatalf("unexpected lot %+v", lot)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}

	err = store.InTx(ctx, func(tx Tx) error {
		acct, err := tx.GetOrCreateAccount(ctx, EntityTypePerson, entityID)
		if err != nil {
			return err
		}
		dup := &Lot{AccountID: acct.ID, SourceType: SourceDeposit, SourceID: entityID, OriginalMicro: 1, AvailableMicro: 1}
		return tx.InsertLot(ctx, dup)
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate source, got %v", err)
	}

	_ = store.ReadTx(ctx, func(tx Tx) error {
		acct, err := tx.GetOrCreateAccount(ctx, EntityTypePerson, entityID)
		if err != nil {
			t.Fatalf("account: %v", err)
		}
		totals, err := tx.SumLots(ctx, acct.ID, "")
		if err != nil {
			t.Fatalf("sum lots: %v", err)
		}
		sum, err := tx.SumEntries(ctx, acct.ID, "")
		if err != nil {
			t.Fatalf("sum entries: %v", err)
		}
		if sum != totals.AvailableMicro+totals.ReservedMicro {
			t.Fatalf("entries %d do not match lots %+v", sum, totals)
		}
		entries, err := tx.ListEntries(ctx, acct.ID, "", 10)
		if err != nil {
			t.Fatalf("entries: %v", err)
		}
		if len(entries) != 1 || entries[0].Metadata["source"] != "test" {
			t.Fatalf("unexpected entries %+v", entries)
		}
		return nil
	})
}

func TestPostgresEntriesAreAppendOnly(t *testing.T) {
	pool := setupPostgres(t)
	store := NewPostgresStore(pool, nil, 3)
	ctx := context.Background()

	var entryID uuid.UUID
	err := store.InTx(ctx, func(tx Tx) error {
		acct, err := tx.GetOrCreateAccount(ctx, EntityTypePerson, "pg-append-"+uuid.NewString())
		if err != nil {
			return err
		}
		entry := &LedgerEntry{AccountID: acct.ID, EntryType: EntryGrant, AmountMicro: 5}
		if err := tx.AppendEntry(ctx, entry); err != nil {
			return err
		}
		entryID = entry.ID
		return nil
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := pool.Exec(ctx, `UPDATE ledger_entries SET amount_micro = 0 WHERE id = $1`, entryID); err == nil {
		t.Fatalf("expected update to be rejected")
	}
	if _, err := pool.Exec(ctx, `DELETE FROM ledger_entries WHERE id = $1`, entryID); err == nil {
		t.Fatalf("expected delete to be rejected")
	}
}

func TestPostgresConcurrentEntrySequence(t *testing.T) {
	pool := setupPostgres(t)
	store := NewPostgresStore(pool, nil, 5)
	ctx := context.Background()

	var accountID uuid.UUID
	if err := store.InTx(ctx, func(tx Tx) error {
		acct, err := tx.GetOrCreateAccount(ctx, EntityTypePerson, "pg-seq-"+uuid.NewString())
		if err != nil {
			return err
		}
		accountID = acct.ID
		return nil
	}); err != nil {
		t.Fatalf("account: %v", err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- store.InTx(ctx, func(tx Tx) error {
				if _, err := tx.LockAccount(ctx, accountID); err != nil {
					return err
				}
				return tx.AppendEntry(ctx, &LedgerEntry{AccountID: accountID, EntryType: EntryGrant, AmountMicro: 1})
			})
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var maxSeq, count int64
	if err := pool.QueryRow(ctx, `SELECT MAX(seq), COUNT(*) FROM ledger_entries WHERE account_id = $1`, accountID).Scan(&maxSeq, &count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if maxSeq != 20 || count != 20 {
		t.Fatalf("expected gapless sequence to 20, got max=%d count=%d", maxSeq, count)
	}
}

func TestPostgresRuleVersionsMonotonic(t *testing.T) {
	pool := setupPostgres(t)
	store := NewPostgresRuleStore(pool, SystemConfigTable, nil)
	ctx := context.Background()
	key := "test.param." + uuid.NewString()

	var (
		mu       sync.Mutex
		versions = map[int64]bool{}
		wg       sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.InTx(ctx, func(tx RuleTx) error {
				v, err := tx.NextVersion(ctx, key, "")
				if err != nil {
					return err
				}
				rule := &Rule{ID: uuid.New(), ParamKey: key, Value: []byte(`1`), Version: v, Status: RuleDraft,
					ProposedBy: "tester", ProposedAt: time.Now().UTC(), RequiredApprovals: 2, UpdatedAt: time.Now().UTC()}
				if err := tx.InsertRule(ctx, rule); err != nil {
					return err
				}
				mu.Lock()
				versions[v] = true
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("insert: %v", err)
			}
		}()
	}
	wg.Wait()

	for v := int64(1); v <= 10; v++ {
		if !versions[v] {
			t.Fatalf("missing version %d in %v", v, versions)
		}
	}
}
