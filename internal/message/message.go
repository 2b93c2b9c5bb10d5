// Package message defines Hydrogen's wire envelope: the typed record that
// carries commands, responses, events, and errors between clients and
// devices across every transport the core supports.
package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the kind of message carried in an envelope.
type Type string

const (
	TypeCommand           Type = "COMMAND"
	TypeResponse          Type = "RESPONSE"
	TypeEvent             Type = "EVENT"
	TypeError             Type = "ERROR"
	TypeDiscoveryRequest  Type = "DISCOVERY_REQUEST"
	TypeDiscoveryResponse Type = "DISCOVERY_RESPONSE"
	TypeRegistration      Type = "REGISTRATION"
	TypeAuthentication    Type = "AUTHENTICATION"
	TypeHeartbeat         Type = "HEARTBEAT"
)

// Priority orders delivery and processing preference.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// QoS mirrors MQTT-style delivery guarantees, generalized across transports.
type QoS string

const (
	QoSAtMostOnce  QoS = "AT_MOST_ONCE"
	QoSAtLeastOnce QoS = "AT_LEAST_ONCE"
	QoSExactlyOnce QoS = "EXACTLY_ONCE"
)

// Status is the outcome carried by a RESPONSE message.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusPending   Status = "pending"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
	StatusPartial   Status = "partial"
)

// Message is the common envelope for every Hydrogen wire frame. Kind-specific
// fields are embedded inline (not behind a oneof) because the wire shape in
// spec.md §6.1 is a flat JSON object with per-kind optional fields.
type Message struct {
	MessageID         string   `json:"messageId"`
	DeviceID          string   `json:"deviceId,omitempty"`
	Timestamp         string   `json:"timestamp"`
	MessageType       Type     `json:"messageType"`
	Priority          Priority `json:"priority,omitempty"`
	QoSLevel          QoS      `json:"qosLevel,omitempty"`
	OriginalMessageID string   `json:"originalMessageId,omitempty"`

	// COMMAND
	Command    string                 `json:"command,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`

	// RESPONSE
	Status Status `json:"status,omitempty"`

	// EVENT
	Event string `json:"event,omitempty"`

	// ERROR
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	// RESPONSE / EVENT / ERROR shared detail bag; also the catch-all for
	// unknown fields encountered during Deserialize (see UnmarshalJSON).
	Details map[string]interface{} `json:"details,omitempty"`
}

const timeLayout = "2006-01-02T15:04:05.000Z"

// NowTimestamp formats t as the ISO-8601-with-milliseconds string the
// envelope requires.
func NowTimestamp(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ValidationError is returned by Deserialize when the envelope is malformed.
type ValidationError struct {
	Field   string
	Problem string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("message: invalid field %q: %s", e.Field, e.Problem)
}

// Serialize emits the envelope plus kind-specific fields as JSON. Key
// ordering is not stable (spec.md §4.1) — struct field order dictates it,
// which is sufficient.
func Serialize(msg *Message) ([]byte, error) {
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}
	if msg.QoSLevel == "" {
		msg.QoSLevel = QoSAtLeastOnce
	}
	return json.Marshal(msg)
}

// Deserialize parses raw JSON into a Message, rejecting envelopes missing a
// required field. Unknown top-level keys are folded into Details rather than
// rejected, per spec.md §4.1.
func Deserialize(data []byte) (*Message, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ValidationError{Field: "<root>", Problem: err.Error()}
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &ValidationError{Field: "<root>", Problem: err.Error()}
	}

	if msg.MessageID == "" {
		return nil, &ValidationError{Field: "messageId", Problem: "must not be empty"}
	}
	if msg.Timestamp == "" {
		return nil, &ValidationError{Field: "timestamp", Problem: "must not be empty"}
	}
	if msg.MessageType == "" {
		return nil, &ValidationError{Field: "messageType", Problem: "must not be empty"}
	}
	if !isKnownType(msg.MessageType) {
		return nil, &ValidationError{Field: "messageType", Problem: "unrecognized value " + string(msg.MessageType)}
	}

	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}
	if msg.QoSLevel == "" {
		msg.QoSLevel = QoSAtLeastOnce
	}

	foldUnknownKeys(&msg, raw)

	return &msg, nil
}

var knownEnvelopeKeys = map[string]bool{
	"messageId": true, "deviceId": true, "timestamp": true, "messageType": true,
	"priority": true, "qosLevel": true, "originalMessageId": true,
	"command": true, "parameters": true, "properties": true,
	"status": true, "event": true, "errorCode": true, "errorMessage": true,
	"details": true,
}

// foldUnknownKeys keeps data round-tripping losslessly for extension fields
// the model doesn't know about (spec.md §4.3 "unknown fields round-trip
// through a details bag").
func foldUnknownKeys(msg *Message, raw map[string]interface{}) {
	var extra map[string]interface{}
	for k, v := range raw {
		if knownEnvelopeKeys[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]interface{})
		}
		extra[k] = v
	}
	if extra == nil {
		return
	}
	if msg.Details == nil {
		msg.Details = extra
		return
	}
	for k, v := range extra {
		if _, exists := msg.Details[k]; !exists {
			msg.Details[k] = v
		}
	}
}

func isKnownType(t Type) bool {
	switch t {
	case TypeCommand, TypeResponse, TypeEvent, TypeError,
		TypeDiscoveryRequest, TypeDiscoveryResponse, TypeRegistration,
		TypeAuthentication, TypeHeartbeat:
		return true
	default:
		return false
	}
}

// NewResponse builds a RESPONSE that correlates back to cmd, preserving
// deviceId and priority unless the caller overrides them afterwards.
func NewResponse(cmd *Message, status Status, details map[string]interface{}) *Message {
	return &Message{
		MessageID:         cmd.MessageID + "-resp",
		DeviceID:          cmd.DeviceID,
		Timestamp:         NowTimestamp(time.Now()),
		MessageType:       TypeResponse,
		Priority:          cmd.Priority,
		QoSLevel:          cmd.QoSLevel,
		OriginalMessageID: cmd.MessageID,
		Status:            status,
		Details:           details,
	}
}

// NewError builds an ERROR that correlates back to cmd.
func NewError(cmd *Message, code, text string) *Message {
	m := &Message{
		MessageID:    cmd.MessageID + "-err",
		Timestamp:    NowTimestamp(time.Now()),
		MessageType:  TypeError,
		Priority:     cmd.Priority,
		QoSLevel:     cmd.QoSLevel,
		ErrorCode:    code,
		ErrorMessage: text,
	}
	if cmd.MessageID != "" {
		m.OriginalMessageID = cmd.MessageID
	}
	m.DeviceID = cmd.DeviceID
	return m
}

// Clone deep-copies msg, including Parameters/Properties/Details maps, so
// fan-out to multiple transports never lets one mutate another's view.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Parameters = cloneMap(m.Parameters)
	cp.Properties = cloneMap(m.Properties)
	cp.Details = cloneMap(m.Details)
	return &cp
}

func cloneMap(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = cloneValue(v)
	}
	return dst
}

func cloneValue(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		return cloneMap(x)
	case []interface{}:
		if x == nil {
			return x
		}
		out := make([]interface{}, len(x))
		for i, item := range x {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
