// Package codec serializes outgoing control frames and parses inbound frames.
//
// Decoding failures are reported as errors, never panics: the Message Router
// logs and discards malformed frames without tearing down the connection.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Well-known frame actions.
const (
	// ActionAuthChallenge carries the bearer credential, sent first after
	// the transport opens.
	ActionAuthChallenge = "authentication_challenge"

	// ActionPing is the heartbeat frame sent while the session is open.
	ActionPing = "ping"
)

// ErrMalformed reports an inbound frame that is neither a reply nor an event.
var ErrMalformed = errors.New("malformed frame")

// ControlFrame is an outbound client-initiated frame. Seq is the correlation
// key echoed back by the server as seq_reply; ID is the connection epoch the
// frame was sent on.
type ControlFrame struct {
	Action string         `json:"action"`
	Data   map[string]any `json:"data,omitempty"`
	Seq    int64          `json:"seq"`
	ID     int64          `json:"id"`
}

// Encode serializes an outbound control frame.
func Encode(action string, data map[string]any, seq, id int64) ([]byte, error) {
	frame := ControlFrame{
		Action: action,
		Data:   data,
		Seq:    seq,
		ID:     id,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", action, err)
	}
	return payload, nil
}

// FrameError is the error object attached to a failed reply.
type FrameError struct {
	Code       string `json:"id"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
}

func (e *FrameError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Reply correlates to an outbound frame via SeqReply.
type Reply struct {
	SeqReply int64           `json:"seq_reply"`
	Data     json.RawMessage `json:"data,omitempty"`
	Err      *FrameError     `json:"error,omitempty"`
}

// Event is a server-initiated broadcast frame, not tied to any pending request.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
	Seq  int64           `json:"seq"`
}

// envelope covers both inbound frame shapes in a single unmarshal.
type envelope struct {
	SeqReply *int64          `json:"seq_reply"`
	Error    *FrameError     `json:"error"`
	Event    string          `json:"event"`
	Seq      int64           `json:"seq"`
	Data     json.RawMessage `json:"data"`
}

// Decode parses an inbound frame. Exactly one of the first two returns is
// non-nil on success. A frame carrying seq_reply is a reply even when the
// value is zero; anything else must name an event.
func Decode(raw []byte) (*Reply, *Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch {
	case env.SeqReply != nil:
		return &Reply{SeqReply: *env.SeqReply, Data: env.Data, Err: env.Error}, nil, nil
	case env.Event != "":
		return nil, &Event{Name: env.Event, Data: env.Data, Seq: env.Seq}, nil
	default:
		return nil, nil, ErrMalformed
	}
}
