// Package wire implements the newline-delimited JSON protocol spoken between the
// relay and its worker process.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MessageType is the declared type of an incoming worker message
type MessageType string

const (
	MessageTypeResponse MessageType = "response"
	MessageTypeEvent    MessageType = "event"
)

// String returns the message type name
func (mt MessageType) String() string {
	switch mt {
	case MessageTypeResponse:
		return "RESPONSE"
	case MessageTypeEvent:
		return "EVENT"
	default:
		return fmt.Sprintf("UNKNOWN(%q)", string(mt))
	}
}

// Known reports whether the type is one the relay routes
func (mt MessageType) Known() bool {
	return mt == MessageTypeResponse || mt == MessageTypeEvent
}

// Command is one outgoing request line
type Command struct {
	Method    string `json:"method"`
	Params    any    `json:"params"`
	RequestID string `json:"requestId"`
}

// NewCommand creates a command. Nil params are sent as an empty object.
func NewCommand(method string, params any, requestID string) *Command {
	if params == nil {
		params = map[string]any{}
	}
	return &Command{
		Method:    method,
		Params:    params,
		RequestID: requestID,
	}
}

// Message is one decoded incoming line. It is either a response
// (RequestID set, Error/Result optional) or an event (Payload).
type Message struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

var jsonNull = []byte("null")

// HasError reports whether the message carries a non-null error field
func (m *Message) HasError() bool {
	if len(m.Error) == 0 {
		return false
	}
	return !bytes.Equal(bytes.TrimSpace(m.Error), jsonNull)
}

// IsResponse returns true for response messages
func (m *Message) IsResponse() bool {
	return m.Type == MessageTypeResponse
}

// IsEvent returns true for event messages
func (m *Message) IsEvent() bool {
	return m.Type == MessageTypeEvent
}

// NewResponse builds a response message. A nil errValue encodes as "error":null.
func NewResponse(requestID string, result any, errValue any) (*Message, error) {
	msg := &Message{Type: MessageTypeResponse, RequestID: requestID, Error: jsonNull}
	if errValue != nil {
		raw, err := json.Marshal(errValue)
		if err != nil {
			return nil, fmt.Errorf("failed to encode error: %w", err)
		}
		msg.Error = raw
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode result: %w", err)
		}
		msg.Result = raw
	}
	return msg, nil
}

// NewEvent builds an event message
func NewEvent(payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return &Message{Type: MessageTypeEvent, Payload: raw}, nil
}
