package kafka

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ledgerNamespace scopes deterministic event ids so they never collide with
// ids derived from the same parts under another namespace.
var ledgerNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:freeside:ledger:events"))

type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  int       `json:"event_version"`
	Source        string    `json:"source,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func NewEnvelope(eventType string, version int, correlationID string) (Envelope, error) {
	return NewEnvelopeWithID(uuid.NewString(), eventType, version, correlationID)
}

func NewEnvelopeWithID(eventID, eventType string, version int, correlationID string) (Envelope, error) {
	return NewEnvelopeAt(eventID, eventType, version, correlationID, time.Now())
}

// NewEnvelopeAt stamps the envelope with the time the underlying change
// committed rather than the time of publication.
func NewEnvelopeAt(eventID, eventType string, version int, correlationID string, at time.Time) (Envelope, error) {
	env := Envelope{
		EventID:       eventID,
		EventType:     eventType,
		EventVersion:  version,
		Timestamp:     at.UTC(),
		CorrelationID: correlationID,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) WithSource(source string) Envelope {
	e.Source = source
	return e
}

// DeterministicEventID derives a stable id from parts so redelivered events
// keep their identity.
func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(ledgerNamespace, []byte(joined)).String()
}

func (e Envelope) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.EventVersion <= 0 {
		return fmt.Errorf("event_version must be positive")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}
