package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/0xHoneyJar/loa-freeside-sub009/libs/kafka"
	"github.com/0xHoneyJar/loa-freeside-sub009/libs/money"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/credit"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/storage"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

const depositReceivedEventType = "payments.deposit_received"

// DepositEvent is a payment provider webhook normalised onto the deposits
// topic. The credited account is named either by id or by entity.
type DepositEvent struct {
	kafka.Envelope
	Provider        string `json:"provider"`
	ProviderEventID string `json:"provider_event_id"`
	AccountID       string `json:"account_id,omitempty"`
	EntityType      string `json:"entity_type,omitempty"`
	EntityID        string `json:"entity_id,omitempty"`
	PoolID          string `json:"pool_id,omitempty"`
	SourceType      string `json:"source_type,omitempty"`
	Amount          string `json:"amount"`
	ExpiresAt       string `json:"expires_at,omitempty"`
}

type Minter interface {
	EnsureAccount(ctx context.Context, entityType, entityID string) (*storage.Account, error)
	Mint(ctx context.Context, in credit.MintInput) (*credit.MintResult, error)
}

type Metrics interface {
	ObserveOperation(op, status string, duration time.Duration)
}

type DepositConsumer struct {
	minter  Minter
	logger  *slog.Logger
	metrics Metrics
}

func NewDepositConsumer(minter Minter, logger *slog.Logger, metrics Metrics) *DepositConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DepositConsumer{
		minter:  minter,
		logger:  logger,
		metrics: metrics,
	}
}

// HandleMessage mints one lot per provider event. Malformed or
// unprocessable events are dead-lettered; store failures are returned for
// redelivery.
func (c *DepositConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) (err error) {
	start := time.Now()
	defer func() {
		if c.metrics == nil {
			return
		}
		status := "success"
		var dlqErr *kafka.DLQError
		switch {
		case errors.As(err, &dlqErr):
			status = "dead_lettered"
		case err != nil:
			status = "error"
		}
		c.metrics.ObserveOperation("consumer.deposit", status, time.Since(start))
	}()

	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "empty")
	}
	var event DepositEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode %s: %w", depositReceivedEventType, err), "decode")
	}
	defer func() {
		err = kafka.Annotate(err, "provider", event.Provider)
		err = kafka.Annotate(err, "provider_event_id", event.ProviderEventID)
	}()
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "validation")
	}

	amount, err := money.ParseUnits(event.Amount)
	if err != nil {
		return kafka.DLQ(fmt.Errorf("amount: %w", err), "validation")
	}
	var expiresAt *time.Time
	if raw := strings.TrimSpace(event.ExpiresAt); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return kafka.DLQ(fmt.Errorf("invalid expires_at"), "validation")
		}
		parsed = parsed.UTC()
		expiresAt = &parsed
	}

	accountID, err := c.resolveAccount(ctx, &event)
	if err != nil {
		return classify(err)
	}
	defer func() { err = kafka.Annotate(err, "account_id", accountID.String()) }()

	sourceType := strings.TrimSpace(event.SourceType)
	if sourceType == "" {
		sourceType = storage.SourceDeposit
	}
	result, err := c.minter.Mint(ctx, credit.MintInput{
		AccountID:   accountID,
		PoolID:      strings.TrimSpace(event.PoolID),
		SourceType:  sourceType,
		SourceID:    strings.TrimSpace(event.ProviderEventID),
		AmountMicro: amount,
		ExpiresAt:   expiresAt,
		Description: "deposit via " + event.Provider,
		Metadata: map[string]any{
			"provider":       event.Provider,
			"event_id":       event.EventID,
			"correlation_id": event.CorrelationID,
		},
	})
	if err != nil {
		return classify(err)
	}

	if result.Duplicate {
		c.logger.Info("deposit already minted", "provider_event_id", event.ProviderEventID, "lot_id", result.Lot.ID)
		return nil
	}
	c.logger.Info("deposit minted",
		"provider", event.Provider,
		"provider_event_id", event.ProviderEventID,
		"account_id", accountID,
		"amount_micro", amount,
		"lot_id", result.Lot.ID,
	)
	return nil
}

func (c *DepositConsumer) resolveAccount(ctx context.Context, event *DepositEvent) (uuid.UUID, error) {
	if raw := strings.TrimSpace(event.AccountID); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, kafka.DLQ(fmt.Errorf("invalid account_id"), "validation")
		}
		return id, nil
	}
	acct, err := c.minter.EnsureAccount(ctx, strings.TrimSpace(event.EntityType), strings.TrimSpace(event.EntityID))
	if err != nil {
		return uuid.Nil, err
	}
	return acct.ID, nil
}

// classify separates events that can never succeed from failures worth a
// redelivery.
func classify(err error) error {
	var dlqErr *kafka.DLQError
	switch {
	case errors.As(err, &dlqErr):
		return err
	case errors.Is(err, credit.ErrInvalidAmount),
		errors.Is(err, credit.ErrInvalidSource),
		errors.Is(err, credit.ErrInvalidEntity),
		errors.Is(err, credit.ErrInvalidExpiry),
		errors.Is(err, credit.ErrAccountNotFound),
		errors.Is(err, credit.ErrSourceConflict),
		errors.Is(err, money.ErrOutOfRange),
		errors.Is(err, money.ErrOverflow):
		return kafka.DLQ(err, "rejected")
	}
	return err
}

func (e *DepositEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != depositReceivedEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if strings.TrimSpace(e.Provider) == "" {
		return fmt.Errorf("provider is required")
	}
	if strings.TrimSpace(e.ProviderEventID) == "" {
		return fmt.Errorf("provider_event_id is required")
	}
	if strings.TrimSpace(e.Amount) == "" {
		return fmt.Errorf("amount is required")
	}
	if strings.TrimSpace(e.AccountID) == "" && (strings.TrimSpace(e.EntityType) == "" || strings.TrimSpace(e.EntityID) == "") {
		return fmt.Errorf("account_id or entity_type and entity_id are required")
	}
	switch strings.TrimSpace(e.SourceType) {
	case "", storage.SourceDeposit, storage.SourcePurchase, storage.SourceBridgeDeposit, storage.SourceGrant:
	default:
		return fmt.Errorf("source_type %q not accepted from deposits", e.SourceType)
	}
	return nil
}
