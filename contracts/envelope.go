package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the fixed schema-compatibility marker stamped on every
// envelope that leaves a publisher.
const SchemaVersion = "1.0"

// TimestampLayout is the wire format for envelope timestamps: ISO-8601 with
// an explicit offset.
const TimestampLayout = time.RFC3339

// Envelope wraps every event sent on the bus.
type Envelope struct {
	EventType string          `json:"event_type"`
	EventID   string          `json:"event_id"`
	Timestamp string          `json:"timestamp"`
	Version   string          `json:"version"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope builds a fully populated envelope for the given event type and
// payload. The payload is marshaled once, at build time.
func NewEnvelope(eventType string, data any) (*Envelope, error) {
	if eventType == "" {
		return nil, &ValidationError{Errors: []string{"event_type must not be empty"}}
	}

	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}

	return &Envelope{
		EventType: eventType,
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC().Format(TimestampLayout),
		Version:   SchemaVersion,
		Data:      body,
	}, nil
}

// Fill populates any missing generated fields in place. Publishers call this
// before a send so every envelope on the wire carries all five fields.
func (e *Envelope) Fill() {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(TimestampLayout)
	}
	if e.Version == "" {
		e.Version = SchemaVersion
	}
}

// UnmarshalData decodes the payload into v.
func (e *Envelope) UnmarshalData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("envelope %s has no data", e.EventID)
	}
	return json.Unmarshal(e.Data, v)
}
