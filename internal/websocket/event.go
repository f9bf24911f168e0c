package websocket

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventSessionState   EventType = "session_state"
	EventChannelState   EventType = "channel_state"
	EventCellUpdated    EventType = "cell_updated"
	EventOutputUpdated  EventType = "output_updated"
	EventOrderChanged   EventType = "order_changed"
	EventReorderFailed  EventType = "reorder_failed"
	EventPersistFailed  EventType = "persist_failed"
	EventEvaluationSent EventType = "evaluation_sent"
	EventCellAdded      EventType = "cell_added"
)

// Event is pushed to UI subscribers whenever session state changes.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	CellID    string          `json:"cell_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func NewEvent(eventType EventType, cellID string, payload interface{}) (*Event, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = bytes
	}

	return &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		CellID:    cellID,
		Payload:   payloadBytes,
	}, nil
}

func (e *Event) UnmarshalPayload(v interface{}) error {
	if e.Payload == nil {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}
