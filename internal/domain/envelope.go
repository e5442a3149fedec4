package domain

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultTaskType is used when a payload carries no usable "type" field.
const DefaultTaskType = "DEFAULT"

// Envelope is the broker message body: {"taskId":<int>,"payload":"<string>"}.
type Envelope struct {
	TaskID  int64  `json:"taskId"`
	Payload string `json:"payload"`
}

// EncodeEnvelope serializes an envelope for the broker.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: encode envelope: %v", ErrInvalidFormat, err)
	}
	return body, nil
}

// DecodeEnvelope parses a broker message body. Any structural problem,
// including a missing or non-positive taskId, is reported as a poison message.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var raw struct {
		TaskID  *int64  `json:"taskId"`
		Payload *string `json:"payload"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrPoisonMessage, err)
	}
	if raw.TaskID == nil || *raw.TaskID <= 0 {
		return Envelope{}, fmt.Errorf("%w: missing taskId", ErrPoisonMessage)
	}
	env := Envelope{TaskID: *raw.TaskID}
	if raw.Payload != nil {
		env.Payload = *raw.Payload
	}
	return env, nil
}

// TaskTypeOf extracts the "type" field from a task payload. Payloads that
// are not JSON objects, or whose type is missing, empty or not a string,
// yield DefaultTaskType.
func TaskTypeOf(payload string) string {
	if strings.TrimSpace(payload) == "" {
		return DefaultTaskType
	}
	var fields map[string]interface{}
	if err := json.UnmarshalFromString(payload, &fields); err != nil {
		return DefaultTaskType
	}
	typ, ok := fields["type"].(string)
	if !ok || strings.TrimSpace(typ) == "" {
		return DefaultTaskType
	}
	return typ
}
