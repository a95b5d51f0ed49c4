package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
)

func TestAnnotateCarriesLedgerContext(t *testing.T) {
	err := fmt.Errorf("handle: %w", DLQ(errors.New("amount: out of range"), "validation"))
	err = Annotate(err, "provider_event_id", "evt_123")
	err = Annotate(err, "account_id", "")

	var dlqErr *DLQError
	if !errors.As(err, &dlqErr) {
		t.Fatalf("expected DLQError, got %v", err)
	}
	if len(dlqErr.Context) != 1 || dlqErr.Context["provider_event_id"] != "evt_123" {
		t.Fatalf("unexpected context %v", dlqErr.Context)
	}

	plain := errors.New("connection reset")
	if got := Annotate(plain, "provider_event_id", "evt_123"); got != plain {
		t.Fatalf("retryable errors must pass through, got %v", got)
	}
}

func TestBuildDLQPayloadFromDepositEvent(t *testing.T) {
	env, err := NewEnvelopeWithID("6f2c1f0e-8f0b-4d4c-9a55-0b6f3e7d1c2a", "payments.deposit_received", 1, "corr-1")
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	value, _ := json.Marshal(struct {
		Envelope
		ProviderEventID string `json:"provider_event_id"`
	}{Envelope: env, ProviderEventID: "evt_123"})

	cause := Annotate(DLQ(errors.New("unknown account"), "rejected"), "provider_event_id", "evt_123")
	var dlqErr *DLQError
	errors.As(cause, &dlqErr)

	msg := &sarama.ConsumerMessage{Topic: "payments.deposits", Partition: 2, Offset: 41, Key: []byte("evt_123"), Value: value}
	payload := BuildDLQPayload(msg, dlqErr, 1)
	if payload.Stage != StageConsume || payload.Partition != 2 || payload.Offset != 41 {
		t.Fatalf("unexpected position %+v", payload)
	}
	if payload.EventID != env.EventID || payload.EventType != "payments.deposit_received" {
		t.Fatalf("expected envelope ids, got %s/%s", payload.EventID, payload.EventType)
	}
	if payload.Context["provider_event_id"] != "evt_123" || payload.Reason != "rejected" || payload.Error != "unknown account" {
		t.Fatalf("unexpected payload %+v", payload)
	}

	garbled := BuildDLQPayload(&sarama.ConsumerMessage{Topic: "payments.deposits", Value: []byte("{")}, nil, 3)
	if garbled.EventID != "" || garbled.Payload == "" || garbled.Attempts != 3 {
		t.Fatalf("undecodable bodies keep their bytes without ids, got %+v", garbled)
	}
}
