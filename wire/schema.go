package wire

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Draft-7 schemas for the two incoming message shapes. Extra fields are
// allowed so workers can add fields without breaking older relays.
const responseSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type", "requestId"],
  "properties": {
    "type": {"const": "response"},
    "requestId": {"type": "string", "minLength": 1},
    "error": {
      "type": ["null", "object", "string"],
      "properties": {
        "code": {"type": ["string", "integer"]},
        "message": {"type": "string"}
      }
    },
    "result": {}
  }
}`

const eventSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type", "payload"],
  "properties": {
    "type": {"const": "event"},
    "payload": {}
  }
}`

// SchemaViolationError lists the schema errors for one message
type SchemaViolationError struct {
	MessageType MessageType
	Details     []string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("%s message: %s", strings.ToLower(e.MessageType.String()), strings.Join(e.Details, "; "))
}

// Validator checks incoming messages against the message contract
type Validator struct {
	schemas map[MessageType]*gojsonschema.Schema
}

// NewValidator compiles the built-in message schemas
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[MessageType]*gojsonschema.Schema)}
	for msgType, source := range map[MessageType]string{
		MessageTypeResponse: responseSchema,
		MessageTypeEvent:    eventSchema,
	} {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s schema: %w", msgType, err)
		}
		v.schemas[msgType] = schema
	}
	return v, nil
}

var defaultValidator = sync.OnceValues(NewValidator)

// DefaultValidator returns a shared validator for the built-in schemas
func DefaultValidator() (*Validator, error) {
	return defaultValidator()
}

// Validate checks one encoded message of the given type
func (v *Validator) Validate(msgType MessageType, line []byte) error {
	schema, ok := v.schemas[msgType]
	if !ok {
		return fmt.Errorf("no schema for message type %s", msgType)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(line))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return &SchemaViolationError{MessageType: msgType, Details: details}
}
