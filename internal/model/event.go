// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of a stream event
type EventType string

const (
	EventPollStarted EventType = "POLL_STARTED"
	EventPollValue   EventType = "POLL_VALUE"
	EventPollError   EventType = "POLL_ERROR"
	EventPollStopped EventType = "POLL_STOPPED"
	EventPong        EventType = "PONG"
)

// StreamEvent is one message pushed to a live poll client
type StreamEvent struct {
	ID           uuid.UUID   `json:"id"`
	StreamID     uuid.UUID   `json:"stream_id"`
	EventType    EventType   `json:"event_type"`
	InstrumentID string      `json:"instrument_id"`
	Sequence     uint64      `json:"sequence"`
	Value        interface{} `json:"value,omitempty"`
	Error        string      `json:"error,omitempty"`
	ElapsedMs    int64       `json:"elapsed_ms,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

// NewStreamEvent stamps a new event of type t for stream.
func NewStreamEvent(stream uuid.UUID, instrumentID string, t EventType) *StreamEvent {
	return &StreamEvent{
		ID:           uuid.New(),
		StreamID:     stream,
		EventType:    t,
		InstrumentID: instrumentID,
		Timestamp:    time.Now(),
	}
}
