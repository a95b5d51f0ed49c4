package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/0xHoneyJar/loa-freeside-sub009/libs/config"
	"github.com/spf13/viper"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	MaxConns int
}

func (d DBConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   "/" + d.Name,
	}
	q := url.Values{}
	q.Set("sslmode", d.SSLMode)
	if d.MaxConns > 0 {
		q.Set("pool_max_conns", strconv.Itoa(d.MaxConns))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type StorageConfig struct {
	Driver string
	// MaxTxAttempts bounds retries of serialization failures and deadlocks.
	MaxTxAttempts int
}

type GRPCConfig struct {
	Host string
	Port int
}

type KafkaTopics struct {
	Deposits         string
	LedgerEvents     string
	GovernanceEvents string
	DeadLetter       string
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	ConsumerGroup string
	MaxAttempts   int
	Topics        KafkaTopics
}

type RateLimitRedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type RateLimitConfig struct {
	Limit  int
	Window time.Duration
	Redis  RateLimitRedisConfig
}

type GovernanceConfig struct {
	Cooldown             time.Duration
	RequiredApprovals    int
	OverrideMinApprovers int
}

type CreditConfig struct {
	DefaultReservationTTL time.Duration
	MaxReservationTTL     time.Duration
	ExpireBatchSize       int
}

type SchedulerConfig struct {
	ActivationSchedule string
	ExpirySchedule     string
	JobTimeout         time.Duration
}

type Config struct {
	App        base.AppConfig
	Storage    StorageConfig
	DB         DBConfig
	GRPC       GRPCConfig
	Kafka      KafkaConfig
	JWTSecret  string
	RateLimit  RateLimitConfig
	Governance GovernanceConfig
	Credit     CreditConfig
	Scheduler  SchedulerConfig
}

func Load() (*Config, error) {
	path := os.Getenv("LEDGER_CONFIG")
	appCfg, err := base.Load(path)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.max_tx_attempts", 5)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "ledger-service")
	v.SetDefault("kafka.max_attempts", 5)
	v.SetDefault("kafka.topics.deposits", "payments.deposits")
	v.SetDefault("kafka.topics.ledger_events", "ledger.events")
	v.SetDefault("kafka.topics.governance_events", "governance.events")
	v.SetDefault("kafka.topics.dead_letter", "ledger.dlq")
	v.SetDefault("rate_limit.limit", 120)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.redis.prefix", "ledger:rl:")
	v.SetDefault("governance.cooldown", "168h")
	v.SetDefault("governance.required_approvals", 2)
	v.SetDefault("governance.override_min_approvers", 3)
	v.SetDefault("credit.default_reservation_ttl", "15m")
	v.SetDefault("credit.max_reservation_ttl", "168h")
	v.SetDefault("credit.expire_batch_size", 100)
	v.SetDefault("scheduler.activation", "@every 1m")
	v.SetDefault("scheduler.expiry", "@every 30s")
	v.SetDefault("scheduler.job_timeout", "30s")

	cfg := &Config{
		App: *appCfg,
		Storage: StorageConfig{
			Driver:        strings.ToLower(envString("LEDGER_STORAGE_DRIVER", v.GetString("storage.driver"))),
			MaxTxAttempts: envInt("LEDGER_STORAGE_MAX_TX_ATTEMPTS", v.GetInt("storage.max_tx_attempts")),
		},
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "ledger"),
			User:     envString("POSTGRES_USER", "ledger"),
			Password: envString("POSTGRES_PASSWORD", "ledger"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
			MaxConns: envInt("POSTGRES_MAX_CONNS", 10),
		},
		GRPC: GRPCConfig{
			Host: envString("LEDGER_GRPC_HOST", "0.0.0.0"),
			Port: envInt("LEDGER_GRPC_PORT", 9091),
		},
		Kafka: KafkaConfig{
			Enabled:       envBool("LEDGER_KAFKA_ENABLED", v.GetBool("kafka.enabled")),
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			MaxAttempts:   envInt("KAFKA_MAX_ATTEMPTS", v.GetInt("kafka.max_attempts")),
			Topics: KafkaTopics{
				Deposits:         envString("KAFKA_DEPOSITS_TOPIC", v.GetString("kafka.topics.deposits")),
				LedgerEvents:     envString("KAFKA_LEDGER_EVENTS_TOPIC", v.GetString("kafka.topics.ledger_events")),
				GovernanceEvents: envString("KAFKA_GOVERNANCE_EVENTS_TOPIC", v.GetString("kafka.topics.governance_events")),
				DeadLetter:       envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		JWTSecret: envString("LEDGER_JWT_SECRET", ""),
		RateLimit: RateLimitConfig{
			Limit:  envInt("LEDGER_RATE_LIMIT", v.GetInt("rate_limit.limit")),
			Window: envDuration("LEDGER_RATE_LIMIT_WINDOW", v.GetDuration("rate_limit.window")),
			Redis: RateLimitRedisConfig{
				Addr:     envString("LEDGER_RATE_LIMIT_REDIS_ADDR", v.GetString("rate_limit.redis.addr")),
				Password: envString("LEDGER_RATE_LIMIT_REDIS_PASSWORD", ""),
				DB:       envInt("LEDGER_RATE_LIMIT_REDIS_DB", v.GetInt("rate_limit.redis.db")),
				Prefix:   envString("LEDGER_RATE_LIMIT_REDIS_PREFIX", v.GetString("rate_limit.redis.prefix")),
			},
		},
		Governance: GovernanceConfig{
			Cooldown:             envDuration("LEDGER_GOVERNANCE_COOLDOWN", v.GetDuration("governance.cooldown")),
			RequiredApprovals:    envInt("LEDGER_GOVERNANCE_REQUIRED_APPROVALS", v.GetInt("governance.required_approvals")),
			OverrideMinApprovers: envInt("LEDGER_GOVERNANCE_OVERRIDE_MIN_APPROVERS", v.GetInt("governance.override_min_approvers")),
		},
		Credit: CreditConfig{
			DefaultReservationTTL: envDuration("LEDGER_RESERVATION_TTL", v.GetDuration("credit.default_reservation_ttl")),
			MaxReservationTTL:     envDuration("LEDGER_RESERVATION_MAX_TTL", v.GetDuration("credit.max_reservation_ttl")),
			ExpireBatchSize:       envInt("LEDGER_EXPIRE_BATCH_SIZE", v.GetInt("credit.expire_batch_size")),
		},
		Scheduler: SchedulerConfig{
			ActivationSchedule: envString("LEDGER_ACTIVATION_SCHEDULE", v.GetString("scheduler.activation")),
			ExpirySchedule:     envString("LEDGER_EXPIRY_SCHEDULE", v.GetString("scheduler.expiry")),
			JobTimeout:         envDuration("LEDGER_JOB_TIMEOUT", v.GetDuration("scheduler.job_timeout")),
		},
	}

	if cfg.JWTSecret == "" && cfg.App.Env == "dev" {
		cfg.JWTSecret = "dev-secret"
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverPostgres:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == DriverMemory && c.App.Env == "prod" {
		return fmt.Errorf("memory storage is not allowed in prod")
	}
	if c.Storage.MaxTxAttempts <= 0 {
		return fmt.Errorf("LEDGER_STORAGE_MAX_TX_ATTEMPTS must be positive")
	}
	if c.GRPC.Port <= 0 || c.GRPC.Port > 65535 {
		return fmt.Errorf("invalid grpc port %d", c.GRPC.Port)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("LEDGER_JWT_SECRET required")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers required")
		}
		if c.Kafka.ConsumerGroup == "" {
			return fmt.Errorf("kafka consumer group required")
		}
		if c.Kafka.Topics.Deposits == "" || c.Kafka.Topics.LedgerEvents == "" || c.Kafka.Topics.GovernanceEvents == "" {
			return fmt.Errorf("kafka topics required")
		}
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit and window must be positive")
	}
	if c.Governance.RequiredApprovals <= 0 || c.Governance.OverrideMinApprovers <= 0 {
		return fmt.Errorf("governance approval counts must be positive")
	}
	if c.Governance.Cooldown < 0 {
		return fmt.Errorf("governance cooldown must not be negative")
	}
	if c.Credit.DefaultReservationTTL <= 0 || c.Credit.MaxReservationTTL < c.Credit.DefaultReservationTTL {
		return fmt.Errorf("reservation ttl %s must be positive and at most %s", c.Credit.DefaultReservationTTL, c.Credit.MaxReservationTTL)
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
