package kafka

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// Dead-letter stages.
const (
	StageConsume = "consume"
	StagePublish = "publish"
)

// DLQError marks a failure that redelivery cannot fix. Context carries the
// ledger identifiers of the event (provider event id, account id) into the
// dead letter so it can be replayed or reconciled by hand.
type DLQError struct {
	Err     error
	Reason  string
	Context map[string]string
}

func (e *DLQError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Reason == "":
		return e.Err.Error()
	default:
		return e.Reason + ": " + e.Err.Error()
	}
}

func (e *DLQError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func DLQ(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &DLQError{Err: err, Reason: reason}
}

// Annotate records key=value on the DLQError inside err. Errors that are not
// headed for the dead letter topic, and empty values, are left alone.
func Annotate(err error, key, value string) error {
	var dlqErr *DLQError
	if value == "" || !errors.As(err, &dlqErr) {
		return err
	}
	if dlqErr.Context == nil {
		dlqErr.Context = map[string]string{}
	}
	dlqErr.Context[key] = value
	return err
}

// DLQPayload is the body written to the dead letter topic for both failed
// consumption and failed publication. Partition and Offset are -1 for
// messages that never reached the primary topic.
type DLQPayload struct {
	Stage          string            `json:"stage"`
	OriginalTopic  string            `json:"original_topic"`
	Partition      int32             `json:"partition"`
	Offset         int64             `json:"offset"`
	Key            string            `json:"key,omitempty"`
	EventID        string            `json:"event_id,omitempty"`
	EventType      string            `json:"event_type,omitempty"`
	Error          string            `json:"error"`
	Reason         string            `json:"reason,omitempty"`
	Attempts       int               `json:"attempts,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
	Payload        string            `json:"payload_base64"`
	DeadLetteredAt time.Time         `json:"dead_lettered_at"`
}

func newPayload(stage, topic, key string, raw []byte, attempts int) DLQPayload {
	p := DLQPayload{
		Stage:          stage,
		OriginalTopic:  topic,
		Partition:      -1,
		Offset:         -1,
		Key:            key,
		Attempts:       attempts,
		DeadLetteredAt: time.Now().UTC(),
	}
	if len(raw) > 0 {
		p.Payload = base64.StdEncoding.EncodeToString(raw)
		// Best effort: undecodable bodies are dead-lettered without ids.
		var env Envelope
		if json.Unmarshal(raw, &env) == nil {
			p.EventID = env.EventID
			p.EventType = env.EventType
		}
	}
	return p
}

func BuildDLQPayload(msg *sarama.ConsumerMessage, err *DLQError, attempts int) DLQPayload {
	if msg == nil {
		msg = &sarama.ConsumerMessage{}
	}
	p := newPayload(StageConsume, msg.Topic, string(msg.Key), msg.Value, attempts)
	p.Partition = msg.Partition
	p.Offset = msg.Offset
	if err != nil {
		p.Reason = err.Reason
		p.Context = err.Context
		if err.Err != nil {
			p.Error = err.Err.Error()
		}
	}
	return p
}

func BuildPublishDLQPayload(topic, key string, value any, err error, reason string, attempts int) DLQPayload {
	var raw []byte
	if value != nil {
		var marshalErr error
		if raw, marshalErr = json.Marshal(value); marshalErr != nil {
			raw = []byte(fmt.Sprintf("%v", value))
		}
	}
	p := newPayload(StagePublish, topic, key, raw, attempts)
	p.Reason = reason
	if err != nil {
		p.Error = err.Error()
	}
	var dlqErr *DLQError
	if errors.As(err, &dlqErr) {
		p.Context = dlqErr.Context
	}
	return p
}
