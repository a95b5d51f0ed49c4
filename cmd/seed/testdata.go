package main

import (
	"context"
	"fmt"
	"time"

	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/credit"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/service"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/storage"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/transfer"
)

// seedTestData adds the states integration runs expect: an expiring lot, a
// held reservation, a settled reservation and one peer transfer.
func seedTestData(ctx context.Context, svc *service.LedgerService, accounts seededAccounts) error {
	expires := time.Now().Add(time.Hour).UTC()
	_, err := svc.Credit().Mint(ctx, credit.MintInput{
		AccountID:   accounts.demo,
		SourceType:  storage.SourcePurchase,
		SourceID:    "seed-expiring-" + demoEntity,
		AmountMicro: 5_000_000,
		ExpiresAt:   &expires,
		Description: "expiring test lot",
	})
	if err != nil {
		return fmt.Errorf("expiring lot: %w", err)
	}

	if _, err := svc.Credit().Reserve(ctx, credit.ReserveInput{
		AccountID:      accounts.demo,
		AmountMicro:    2_000_000,
		IdempotencyKey: "seed-held-reservation",
		TTL:            time.Hour,
	}); err != nil {
		return fmt.Errorf("held reservation: %w", err)
	}

	settled, err := svc.Credit().Reserve(ctx, credit.ReserveInput{
		AccountID:      accounts.trader,
		AmountMicro:    3_000_000,
		IdempotencyKey: "seed-settled-reservation",
	})
	if err != nil {
		return fmt.Errorf("settled reservation: %w", err)
	}
	if settled.Reservation.Status == storage.ReservationPending {
		if _, err := svc.Finalize(ctx, service.FinalizeInput{
			ReservationID:   settled.Reservation.ID,
			ActualCostMicro: 2_500_000,
			CommunityID:     communityEntity,
			CorrelationID:   "seed",
		}); err != nil {
			return fmt.Errorf("finalize: %w", err)
		}
	}

	if _, err := svc.Transfer(ctx, transfer.Input{
		FromAccountID:  accounts.demo,
		ToAccountID:    accounts.trader,
		AmountMicro:    1_000_000,
		IdempotencyKey: "seed-transfer-1",
		CorrelationID:  "seed",
	}); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	return nil
}
