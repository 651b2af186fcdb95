// Package message defines the canonical envelope that flows between
// processors: an entity reference, a payload, and the metadata/routing
// information needed to process and route it.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of message flowing through the pipeline.
type Type string

const (
	TypeEntityProcessing Type = "entity_processing"
	TypeControlMessage   Type = "control_message"
	TypeErrorMessage     Type = "error_message"
	TypeHeartbeat        Type = "heartbeat"
	TypeMetrics          Type = "metrics"
)

// EntityReference links a Message to an Entity without requiring the full
// entity record on every hop.
type EntityReference struct {
	EntityID      *string `json:"entity_id,omitempty"`
	ExternalID    string  `json:"external_id"`
	CanonicalType string  `json:"canonical_type"`
	Source        string  `json:"source"`
	TenantID      string  `json:"tenant_id"`
	Version       *int    `json:"version,omitempty"`
}

// Message is the standardized envelope for processor-to-processor
// communication.
type Message struct {
	MessageID       string                 `json:"message_id"`
	CorrelationID   string                 `json:"correlation_id"`
	MessageType     Type                   `json:"message_type"`
	EntityReference EntityReference        `json:"entity_reference"`
	Payload         map[string]interface{} `json:"payload"`
	Metadata        map[string]interface{} `json:"metadata"`
	RoutingInfo     map[string]interface{} `json:"routing_info"`
	CreatedAt       time.Time              `json:"created_at"`
	ProcessedAt     *time.Time             `json:"processed_at,omitempty"`
	RetryCount      int                    `json:"retry_count"`
	MaxRetries      int                    `json:"max_retries"`
}

// NewEntityMessage builds a Message carrying an entity-processing payload.
func NewEntityMessage(ref EntityReference, payload map[string]interface{}) Message {
	return Message{
		MessageID:       uuid.NewString(),
		CorrelationID:   uuid.NewString(),
		MessageType:     TypeEntityProcessing,
		EntityReference: ref,
		Payload:         payload,
		Metadata:        map[string]interface{}{},
		RoutingInfo:     map[string]interface{}{},
		CreatedAt:       time.Now().UTC(),
		MaxRetries:      3,
	}
}

// MarkProcessed stamps ProcessedAt with the current time.
func (m *Message) MarkProcessed() { now := time.Now().UTC(); m.ProcessedAt = &now }

// IncrementRetry bumps RetryCount by one.
func (m *Message) IncrementRetry() { m.RetryCount++ }

// CanRetry reports whether the message has retry budget left.
func (m *Message) CanRetry() bool { return m.RetryCount < m.MaxRetries }

// AddMetadata sets a metadata key, initializing the map if needed.
func (m *Message) AddMetadata(key string, value interface{}) {
	if m.Metadata == nil {
		m.Metadata = map[string]interface{}{}
	}
	m.Metadata[key] = value
}

// AddRoutingInfo sets a routing-info key, initializing the map if needed.
func (m *Message) AddRoutingInfo(key string, value interface{}) {
	if m.RoutingInfo == nil {
		m.RoutingInfo = map[string]interface{}{}
	}
	m.RoutingInfo[key] = value
}

// MarkDeadLetter is the standard way handlers signal the host should
// divert a message to an inspection queue rather than retrying it.
func (m *Message) MarkDeadLetter() { m.AddRoutingInfo("dead_letter", true) }
