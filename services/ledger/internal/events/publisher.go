package events

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/0xHoneyJar/loa-freeside-sub009/libs/kafka"
	"github.com/0xHoneyJar/loa-freeside-sub009/libs/money"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/credit"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/distribution"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/storage"
)

const (
	TypeReservationFinalized = "reservation.finalized"
	TypeTransferCompleted    = "transfer.completed"
	TypeDistributionPosted   = "distribution.posted"
	TypeRuleActivated        = "governance.rule_activated"

	eventVersion = 1
	source       = "ledger"
)

type Topics struct {
	Ledger     string
	Governance string
}

func DefaultTopics() Topics {
	return Topics{Ledger: "ledger.events", Governance: "governance.events"}
}

type ReservationFinalizedEvent struct {
	kafka.Envelope
	ReservationID string `json:"reservation_id"`
	AccountID     string `json:"account_id"`
	PoolID        string `json:"pool_id,omitempty"`
	BillingMode   string `json:"billing_mode"`
	HeldMicro     int64  `json:"held_micro"`
	ChargedMicro  int64  `json:"charged_micro"`
	ReleasedMicro int64  `json:"released_micro"`
	OverrunMicro  int64  `json:"overrun_micro"`
	Charged       string `json:"charged"`
	EntrySeq      int64  `json:"entry_seq"`
	FinalizedAt   string `json:"finalized_at"`
}

type TransferCompletedEvent struct {
	kafka.Envelope
	TransferID     string `json:"transfer_id"`
	FromAccountID  string `json:"from_account_id"`
	ToAccountID    string `json:"to_account_id"`
	AmountMicro    int64  `json:"amount_micro"`
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
	CompletedAt    string `json:"completed_at"`
}

type DistributionRecipient struct {
	Role        string `json:"role"`
	AccountID   string `json:"account_id"`
	AmountMicro int64  `json:"amount_micro"`
	LotID       string `json:"lot_id"`
}

type DistributionPostedEvent struct {
	kafka.Envelope
	ReservationID     string                  `json:"reservation_id"`
	EntrySeq          int64                   `json:"entry_seq"`
	PayerAccountID    string                  `json:"payer_account_id"`
	ChargeMicro       int64                   `json:"charge_micro"`
	RateTier          string                  `json:"rate_tier"`
	ReferrerAccountID string                  `json:"referrer_account_id,omitempty"`
	Recipients        []DistributionRecipient `json:"recipients"`
}

type RuleActivatedEvent struct {
	kafka.Envelope
	Family      string `json:"family"`
	RuleID      string `json:"rule_id"`
	ParamKey    string `json:"param_key"`
	EntityScope string `json:"entity_scope,omitempty"`
	Version     int64  `json:"version"`
	Value       string `json:"value"`
	ActivatedAt string `json:"activated_at"`
}

func (e ReservationFinalizedEvent) EnvelopeHeader() kafka.Envelope { return e.Envelope }
func (e TransferCompletedEvent) EnvelopeHeader() kafka.Envelope    { return e.Envelope }
func (e DistributionPostedEvent) EnvelopeHeader() kafka.Envelope   { return e.Envelope }
func (e RuleActivatedEvent) EnvelopeHeader() kafka.Envelope        { return e.Envelope }

// Publisher emits domain events after their unit of work has committed.
// Publish failures are logged and never undo the committed change.
type Publisher struct {
	producer kafka.Publisher
	topics   Topics
	logger   *slog.Logger
}

func NewPublisher(producer kafka.Publisher, topics Topics, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if topics.Ledger == "" || topics.Governance == "" {
		defaults := DefaultTopics()
		if topics.Ledger == "" {
			topics.Ledger = defaults.Ledger
		}
		if topics.Governance == "" {
			topics.Governance = defaults.Governance
		}
	}
	return &Publisher{producer: producer, topics: topics, logger: logger}
}

func (p *Publisher) envelope(eventType, correlationID string, at time.Time, parts ...string) (kafka.Envelope, bool) {
	id := kafka.DeterministicEventID(append([]string{eventType}, parts...)...)
	if at.IsZero() {
		at = time.Now()
	}
	env, err := kafka.NewEnvelopeAt(id, eventType, eventVersion, correlationID, at)
	if err != nil {
		p.logger.Error("build event envelope failed", "event_type", eventType, "error", err)
		return kafka.Envelope{}, false
	}
	return env.WithSource(source), true
}

func (p *Publisher) publish(ctx context.Context, topic, key string, payload any) {
	if p == nil || p.producer == nil {
		return
	}
	if _, _, err := p.producer.PublishJSON(ctx, topic, key, payload); err != nil {
		p.logger.Error("publish event failed", "topic", topic, "key", key, "error", err)
	}
}

func (p *Publisher) ReservationFinalized(ctx context.Context, correlationID string, result *credit.FinalizeResult) {
	if p == nil || result == nil || result.Replayed {
		return
	}
	res := result.Reservation
	at := res.UpdatedAt
	if res.FinalizedAt != nil {
		at = *res.FinalizedAt
	}
	env, ok := p.envelope(TypeReservationFinalized, correlationID, at, res.ID.String())
	if !ok {
		return
	}
	p.publish(ctx, p.topics.Ledger, res.AccountID.String(), ReservationFinalizedEvent{
		Envelope:      env,
		ReservationID: res.ID.String(),
		AccountID:     res.AccountID.String(),
		PoolID:        res.PoolID,
		BillingMode:   res.BillingMode,
		HeldMicro:     res.TotalReservedMicro,
		ChargedMicro:  result.ChargedMicro,
		ReleasedMicro: result.ReleasedMicro,
		OverrunMicro:  result.OverrunMicro,
		Charged:       money.FormatUnits(result.ChargedMicro),
		EntrySeq:      result.EntrySeq,
		FinalizedAt:   at.UTC().Format(time.RFC3339Nano),
	})
}

func (p *Publisher) TransferCompleted(ctx context.Context, tr storage.Transfer) {
	if p == nil || tr.Status != storage.TransferCompleted {
		return
	}
	at := tr.CreatedAt
	if tr.CompletedAt != nil {
		at = *tr.CompletedAt
	}
	env, ok := p.envelope(TypeTransferCompleted, tr.CorrelationID, at, tr.ID.String())
	if !ok {
		return
	}
	p.publish(ctx, p.topics.Ledger, tr.FromAccountID.String(), TransferCompletedEvent{
		Envelope:       env,
		TransferID:     tr.ID.String(),
		FromAccountID:  tr.FromAccountID.String(),
		ToAccountID:    tr.ToAccountID.String(),
		AmountMicro:    tr.AmountMicro,
		Amount:         money.FormatUnits(tr.AmountMicro),
		IdempotencyKey: tr.IdempotencyKey,
		CompletedAt:    at.UTC().Format(time.RFC3339Nano),
	})
}

func (p *Publisher) DistributionPosted(ctx context.Context, correlationID string, in distribution.PostInput, result *distribution.PostResult) {
	if p == nil || result == nil || result.AlreadyPosted {
		return
	}
	seq := strconv.FormatInt(in.EntrySeq, 10)
	env, ok := p.envelope(TypeDistributionPosted, correlationID, time.Now(), in.ReservationID.String(), seq)
	if !ok {
		return
	}
	recipients := make([]DistributionRecipient, 0, len(result.Recipients))
	for _, r := range result.Recipients {
		recipients = append(recipients, DistributionRecipient{
			Role:        string(r.Role),
			AccountID:   r.AccountID.String(),
			AmountMicro: r.AmountMicro,
			LotID:       r.LotID.String(),
		})
	}
	event := DistributionPostedEvent{
		Envelope:       env,
		ReservationID:  in.ReservationID.String(),
		EntrySeq:       in.EntrySeq,
		PayerAccountID: in.AccountID.String(),
		ChargeMicro:    in.ChargeMicro,
		RateTier:       string(result.Tier),
		Recipients:     recipients,
	}
	if result.ReferrerAccountID != nil {
		event.ReferrerAccountID = result.ReferrerAccountID.String()
	}
	p.publish(ctx, p.topics.Ledger, in.AccountID.String(), event)
}

// RuleActivated is shaped to be registered directly as a governance
// activation listener.
func (p *Publisher) RuleActivated(family string) func(storage.Rule) {
	return func(rule storage.Rule) {
		if p == nil {
			return
		}
		at := rule.UpdatedAt
		if rule.ActivatedAt != nil {
			at = *rule.ActivatedAt
		}
		env, ok := p.envelope(TypeRuleActivated, "", at, family, rule.ID.String())
		if !ok {
			return
		}
		p.publish(context.Background(), p.topics.Governance, rule.ParamKey, RuleActivatedEvent{
			Envelope:    env,
			Family:      family,
			RuleID:      rule.ID.String(),
			ParamKey:    rule.ParamKey,
			EntityScope: rule.EntityScope,
			Version:     rule.Version,
			Value:       string(rule.Value),
			ActivatedAt: at.UTC().Format(time.RFC3339Nano),
		})
	}
}
