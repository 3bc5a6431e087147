package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProtocolErrorType classifies a line the relay could not route
type ProtocolErrorType int

const (
	ProtocolErrorTypeMalformed ProtocolErrorType = iota
	ProtocolErrorTypeUnknownType
	ProtocolErrorTypeMissingRequestID
	ProtocolErrorTypeSchemaViolation
	ProtocolErrorTypeLineTooLong
)

// String returns a short label, used as a metric label value
func (t ProtocolErrorType) String() string {
	switch t {
	case ProtocolErrorTypeMalformed:
		return "malformed"
	case ProtocolErrorTypeUnknownType:
		return "unknown_type"
	case ProtocolErrorTypeMissingRequestID:
		return "missing_request_id"
	case ProtocolErrorTypeSchemaViolation:
		return "schema_violation"
	case ProtocolErrorTypeLineTooLong:
		return "line_too_long"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ProtocolError describes an incoming line that does not match the message contract
type ProtocolError struct {
	Type    ProtocolErrorType
	Message string
	Line    []byte
}

func (e *ProtocolError) Error() string {
	switch e.Type {
	case ProtocolErrorTypeMalformed:
		return fmt.Sprintf("malformed message: %s", e.Message)
	case ProtocolErrorTypeUnknownType:
		return fmt.Sprintf("unknown message type: %s", e.Message)
	case ProtocolErrorTypeMissingRequestID:
		return "response message has no requestId"
	case ProtocolErrorTypeSchemaViolation:
		return fmt.Sprintf("message violates schema: %s", e.Message)
	case ProtocolErrorTypeLineTooLong:
		return fmt.Sprintf("line too long: %s", e.Message)
	default:
		return fmt.Sprintf("protocol error: %s", e.Message)
	}
}

// EncodeCommand encodes a command as a single JSON line (without the terminator)
func EncodeCommand(cmd *Command) ([]byte, error) {
	if cmd.Method == "" {
		return nil, fmt.Errorf("command has no method")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command %s: %w", cmd.Method, err)
	}
	return data, nil
}

// EncodeMessage encodes a worker message as a single JSON line (without the terminator)
func EncodeMessage(msg *Message) ([]byte, error) {
	if !msg.Type.Known() {
		return nil, fmt.Errorf("cannot encode message of type %s", msg.Type)
	}
	return json.Marshal(msg)
}

// DecodeCommand decodes one command line. Used by workers.
func DecodeCommand(line []byte) (*Command, error) {
	var cmd struct {
		Method    string          `json:"method"`
		Params    json.RawMessage `json:"params"`
		RequestID string          `json:"requestId"`
	}
	if err := json.Unmarshal(line, &cmd); err != nil {
		return nil, &ProtocolError{Type: ProtocolErrorTypeMalformed, Message: err.Error(), Line: line}
	}
	if cmd.Method == "" {
		return nil, &ProtocolError{Type: ProtocolErrorTypeMalformed, Message: "missing method", Line: line}
	}
	return &Command{Method: cmd.Method, Params: cmd.Params, RequestID: cmd.RequestID}, nil
}

// DecodeMessage decodes one line into a Message.
// A nil validator skips schema checks; structural checks always run.
func DecodeMessage(line []byte, validator *Validator) (*Message, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(line, &envelope); err != nil {
		return nil, &ProtocolError{Type: ProtocolErrorTypeMalformed, Message: err.Error(), Line: line}
	}
	if envelope == nil {
		return nil, &ProtocolError{Type: ProtocolErrorTypeMalformed, Message: "message is not an object", Line: line}
	}

	rawType, ok := envelope["type"]
	if !ok {
		return nil, &ProtocolError{Type: ProtocolErrorTypeMalformed, Message: "missing type", Line: line}
	}
	var msgType MessageType
	if err := json.Unmarshal(rawType, &msgType); err != nil {
		return nil, &ProtocolError{Type: ProtocolErrorTypeMalformed, Message: "type is not a string", Line: line}
	}
	if !msgType.Known() {
		return nil, &ProtocolError{Type: ProtocolErrorTypeUnknownType, Message: string(msgType), Line: line}
	}

	msg := &Message{Type: msgType}

	if msgType == MessageTypeResponse {
		rawID, ok := envelope["requestId"]
		if !ok {
			return nil, &ProtocolError{Type: ProtocolErrorTypeMissingRequestID, Line: line}
		}
		if err := json.Unmarshal(rawID, &msg.RequestID); err != nil || msg.RequestID == "" {
			return nil, &ProtocolError{Type: ProtocolErrorTypeMissingRequestID, Line: line}
		}
	}

	if validator != nil {
		if err := validator.Validate(msgType, line); err != nil {
			return nil, &ProtocolError{Type: ProtocolErrorTypeSchemaViolation, Message: err.Error(), Line: line}
		}
	}

	switch msgType {
	case MessageTypeResponse:
		msg.Error = cloneRaw(envelope["error"])
		msg.Result = cloneRaw(envelope["result"])
	case MessageTypeEvent:
		msg.Payload = cloneRaw(envelope["payload"])
	}

	return msg, nil
}

// cloneRaw detaches a raw field from the read buffer it was decoded from
func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return json.RawMessage(bytes.Clone(raw))
}
