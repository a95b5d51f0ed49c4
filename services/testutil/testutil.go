package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func SetupTestDB() (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "ledger"),
		getEnv("POSTGRES_PASSWORD", "ledger"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "ledger"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return pool, nil
}

// CleanupTestData empties every ledger and governance table, children first.
// The schema_migrations bookkeeping is kept.
func CleanupTestData(ctx context.Context, pool *pgxpool.Pool) error {
	tables := []string{
		"referrer_earnings",
		"referral_attributions",
		"transfers",
		"ledger_entries",
		"reservation_lots",
		"reservations",
		"credit_lots",
		"accounts",
		"revenue_rule_audit_log",
		"revenue_rules",
		"revenue_rule_versions",
		"system_config_audit_log",
		"system_config",
		"system_config_versions",
	}

	for _, table := range tables {
		if _, err := pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("cleanup %s: %w", table, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
