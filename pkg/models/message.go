package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageEnvelope is the wire format of every event on the bus. The payload is
// denormalized so subscribers can act without calling back into the producer.
type MessageEnvelope struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	RoutingKey string          `json:"routing_key"`
	Timestamp  time.Time       `json:"timestamp"` // produced at
	Payload    json.RawMessage `json:"payload"`
	Metadata   Metadata        `json:"metadata"`
}

type Metadata struct {
	TraceID    string                 `json:"trace_id,omitempty"`
	DeadLetter map[string]interface{} `json:"dead_letter,omitempty"`
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewEnvelope serializes payload and stamps the envelope with a fresh id and
// the current time.
func NewEnvelope(source, routingKey string, payload interface{}) (MessageEnvelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return MessageEnvelope{}, fmt.Errorf("failed to marshal %s payload: %w", routingKey, err)
	}

	return MessageEnvelope{
		ID:         uuid.New().String(),
		Source:     source,
		RoutingKey: routingKey,
		Timestamp:  time.Now().UTC(),
		Payload:    body,
	}, nil
}

func (m MessageEnvelope) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return &ValidationError{Field: "payload", Message: "payload is empty"}
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.RoutingKey, err)
	}
	return nil
}

// PayloadMap exposes the payload as a generic map, used by filter expressions.
func (m MessageEnvelope) PayloadMap() (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if len(m.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(m.Payload, &out); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	return out, nil
}

func (m MessageEnvelope) Validate() error {
	if m.ID == "" {
		return &ValidationError{Field: "id", Message: "message ID is required"}
	}
	if m.RoutingKey == "" {
		return &ValidationError{Field: "routing_key", Message: "routing key is required"}
	}
	if len(m.Payload) == 0 {
		return &ValidationError{Field: "payload", Message: "payload is required"}
	}
	return nil
}
