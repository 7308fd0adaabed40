package model

import (
	"encoding/json"
	"time"
)

// Prediction statuses reported by the classification service.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Prediction is an asynchronous classification job identified by an opaque id.
// The same shape appears in REST responses and in the terminal broadcast events.
type Prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// IsTerminal reports whether the prediction has reached a final state.
func (p *Prediction) IsTerminal() bool {
	return p.Status == StatusCompleted || p.Status == StatusFailed
}

// EventRecord is one broadcast event captured for the journal.
type EventRecord struct {
	SessionID  string    // Session connection id the event arrived on
	Event      string    // Broadcast event name
	Seq        int64     // Server-assigned broadcast sequence number
	Payload    []byte    // Raw event data, unmodified
	ReceivedAt time.Time // Local receive timestamp
}
