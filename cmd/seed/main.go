package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/0xHoneyJar/loa-freeside-sub009/libs/auth"
	"github.com/0xHoneyJar/loa-freeside-sub009/libs/logging"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/credit"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/distribution"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/governance"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/service"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	demoEntity      = "user-demo"
	traderEntity    = "user-trader"
	communityEntity = "community-demo"

	seedProposer = "admin-alice"
)

var seedApprovers = []string{"admin-bob", "admin-carol", "admin-dave"}

type seededAccounts struct {
	demo      uuid.UUID
	trader    uuid.UUID
	community uuid.UUID
}

func main() {
	env := getEnv("LEDGER_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: LEDGER_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	db := getEnv("POSTGRES_DB", "ledger")
	user := getEnv("POSTGRES_USER", "ledger")
	password := getEnv("POSTGRES_PASSWORD", "ledger")
	sslmode := getEnv("POSTGRES_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, db, sslmode)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	logger := logging.NewLogger(getEnv("LEDGER_LOG_LEVEL", "warn"), "ledger-seed", env)
	if err := storage.Migrate(ctx, pool, logger); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	svc := service.Assemble(service.Stores{
		Ledger:  storage.NewPostgresStore(pool, logger, 5),
		Revenue: storage.NewPostgresRuleStore(pool, storage.RevenueRuleTable, logger),
		Config:  storage.NewPostgresRuleStore(pool, storage.SystemConfigTable, logger),
	}, service.Options{}, nil, nil, logger)

	fmt.Println("Seeding database...")

	accounts, err := seedAccounts(ctx, svc)
	if err != nil {
		log.Fatalf("seed accounts: %v", err)
	}
	fmt.Println("✓ Accounts seeded")

	if err := seedGrants(ctx, svc, accounts); err != nil {
		log.Fatalf("seed grants: %v", err)
	}
	fmt.Println("✓ Grants seeded")

	if err := seedReferral(ctx, svc, accounts); err != nil {
		log.Fatalf("seed referral: %v", err)
	}
	fmt.Println("✓ Referral seeded")

	if err := seedRevenueRules(ctx, svc, logger); err != nil {
		log.Fatalf("seed revenue rules: %v", err)
	}
	fmt.Println("✓ Revenue rules seeded")

	if err := seedSystemConfig(ctx, svc, logger); err != nil {
		log.Fatalf("seed system config: %v", err)
	}
	fmt.Println("✓ System config seeded")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, svc, accounts); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test data seeded")
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nAccounts:")
	fmt.Printf("  %s: %s\n", demoEntity, accounts.demo)
	fmt.Printf("  %s: %s\n", traderEntity, accounts.trader)
	fmt.Printf("  %s: %s\n", communityEntity, accounts.community)

	if env == "dev" {
		secret := []byte(getEnv("LEDGER_JWT_SECRET", "dev-secret"))
		admin, err := auth.IssueToken(secret, seedProposer, []string{auth.RoleAdmin}, 24*time.Hour)
		if err != nil {
			log.Fatalf("issue admin token: %v", err)
		}
		demo, err := auth.IssueToken(secret, demoEntity, nil, 24*time.Hour)
		if err != nil {
			log.Fatalf("issue demo token: %v", err)
		}
		fmt.Println("\nTokens (DEV ONLY):")
		fmt.Printf("  %s: %s\n", seedProposer, admin)
		fmt.Printf("  %s: %s\n", demoEntity, demo)
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func seedAccounts(ctx context.Context, svc *service.LedgerService) (seededAccounts, error) {
	var out seededAccounts
	targets := []struct {
		entityType string
		entityID   string
		dst        *uuid.UUID
	}{
		{storage.EntityTypePerson, demoEntity, &out.demo},
		{storage.EntityTypePerson, traderEntity, &out.trader},
		{storage.EntityTypeCommunity, communityEntity, &out.community},
	}
	for _, t := range targets {
		acct, err := svc.Credit().EnsureAccount(ctx, t.entityType, t.entityID)
		if err != nil {
			return out, fmt.Errorf("%s: %w", t.entityID, err)
		}
		*t.dst = acct.ID
	}
	return out, nil
}

// seedGrants mints one grant per account. Source ids are fixed so reruns
// are absorbed as duplicates.
func seedGrants(ctx context.Context, svc *service.LedgerService, accounts seededAccounts) error {
	grants := []struct {
		accountID uuid.UUID
		sourceID  string
		micro     int64
	}{
		{accounts.demo, "seed-grant-" + demoEntity, 100_000_000},
		{accounts.trader, "seed-grant-" + traderEntity, 50_000_000},
	}
	for _, g := range grants {
		_, err := svc.Credit().Mint(ctx, credit.MintInput{
			AccountID:   g.accountID,
			SourceType:  storage.SourceGrant,
			SourceID:    g.sourceID,
			AmountMicro: g.micro,
			Description: "seed grant",
			Metadata:    map[string]any{"actor": "seed"},
		})
		if err != nil {
			return fmt.Errorf("%s: %w", g.sourceID, err)
		}
	}
	return nil
}

func seedReferral(ctx context.Context, svc *service.LedgerService, accounts seededAccounts) error {
	_, err := svc.Distribution().AttributeReferral(ctx, accounts.trader, accounts.demo, 0)
	if errors.Is(err, distribution.ErrReferralExists) {
		return nil
	}
	return err
}

func seedRevenueRules(ctx context.Context, svc *service.LedgerService, logger *slog.Logger) error {
	split := governance.RevenueSplit{
		ReferrerBps:   1000,
		CommonsBps:    500,
		CommunityBps:  7500,
		TreasuryBps:   0,
		FoundationBps: 1000,
	}
	return seedRule(ctx, svc.Revenue().Engine, governance.ParamRevenueSplit, communityEntity, split, logger)
}

func seedSystemConfig(ctx context.Context, svc *service.LedgerService, logger *slog.Logger) error {
	params := []struct {
		key   string
		value governance.ConfigValue
	}{
		{governance.ParamTransferMaxMicro, governance.IntValue(25_000_000)},
		{governance.ParamNotice, governance.StringValue("seeded development ledger")},
	}
	for _, p := range params {
		if err := seedRule(ctx, svc.Config().Engine, p.key, "", p.value, logger); err != nil {
			return fmt.Errorf("%s: %w", p.key, err)
		}
	}
	return nil
}

// seedRule drives a rule through the full lifecycle and overrides the
// cooldown so the value is in force immediately. Parameters that already
// resolve from an active rule are left alone.
func seedRule[V any](ctx context.Context, engine *governance.Engine[V], key, scope string, value V, logger *slog.Logger) error {
	res, err := engine.Resolve(ctx, key, scope)
	if err == nil && (res.Tier == governance.TierScoped || (scope == "" && res.Tier == governance.TierGlobal)) {
		logger.Info("rule already active", "param", key, "scope", scope)
		return nil
	}

	rule, err := engine.Propose(ctx, key, scope, value, seedProposer)
	if err != nil {
		return err
	}
	if _, err := engine.Submit(ctx, rule.ID, seedProposer); err != nil {
		return err
	}
	for _, approver := range seedApprovers[:2] {
		if _, err := engine.Approve(ctx, rule.ID, approver); err != nil {
			return err
		}
	}
	_, err = engine.OverrideCooldown(ctx, rule.ID, seedApprovers, "development seed")
	return err
}
