package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	msg := &Message{
		MessageID:   "m1",
		DeviceID:    "cam1",
		Timestamp:   NowTimestamp(time.Now()),
		MessageType: TypeCommand,
		Priority:    PriorityHigh,
		QoSLevel:    QoSAtLeastOnce,
		Command:     "get_status",
		Parameters:  map[string]interface{}{"foo": "bar"},
	}

	data, err := Serialize(msg)
	require.NoError(t, err)

	got, err := Deserialize(data)
	require.NoError(t, err)

	assert.Equal(t, msg.MessageID, got.MessageID)
	assert.Equal(t, msg.DeviceID, got.DeviceID)
	assert.Equal(t, msg.MessageType, got.MessageType)
	assert.Equal(t, msg.Priority, got.Priority)
	assert.Equal(t, msg.Command, got.Command)
	assert.Equal(t, msg.Parameters["foo"], got.Parameters["foo"])
}

func TestDeserializeRejectsMissingRequiredFields(t *testing.T) {
	_, err := Deserialize([]byte(`{"deviceId":"cam1"}`))
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "messageId", verr.Field)
}

func TestDeserializeRejectsUnknownMessageType(t *testing.T) {
	_, err := Deserialize([]byte(`{"messageId":"m1","timestamp":"2024-01-01T00:00:00.000Z","messageType":"BOGUS"}`))
	require.Error(t, err)
}

func TestDeserializeFoldsUnknownFieldsIntoDetails(t *testing.T) {
	raw := []byte(`{
		"messageId":"m1","timestamp":"2024-01-01T00:00:00.000Z",
		"messageType":"EVENT","event":"tick","extraField":"keep-me"
	}`)
	got, err := Deserialize(raw)
	require.NoError(t, err)
	require.NotNil(t, got.Details)
	assert.Equal(t, "keep-me", got.Details["extraField"])
}

func TestNewResponsePreservesCorrelation(t *testing.T) {
	cmd := &Message{
		MessageID:   "m1",
		DeviceID:    "cam1",
		MessageType: TypeCommand,
		Priority:    PriorityHigh,
		QoSLevel:    QoSAtLeastOnce,
	}
	resp := NewResponse(cmd, StatusSuccess, map[string]interface{}{"ok": true})
	assert.Equal(t, "m1", resp.OriginalMessageID)
	assert.Equal(t, "cam1", resp.DeviceID)
	assert.Equal(t, PriorityHigh, resp.Priority)
	assert.Equal(t, TypeResponse, resp.MessageType)
}

func TestNewErrorPreservesCorrelation(t *testing.T) {
	cmd := &Message{MessageID: "m2", DeviceID: "focuser1", MessageType: TypeCommand}
	errMsg := NewError(cmd, "E_TIMEOUT", "device did not respond")
	assert.Equal(t, "m2", errMsg.OriginalMessageID)
	assert.Equal(t, "focuser1", errMsg.DeviceID)
	assert.Equal(t, "E_TIMEOUT", errMsg.ErrorCode)
	assert.Equal(t, TypeError, errMsg.MessageType)
}

func TestCloneIsDeep(t *testing.T) {
	msg := &Message{
		MessageID:  "m1",
		Parameters: map[string]interface{}{"a": 1},
	}
	clone := msg.Clone()
	clone.Parameters["a"] = 2
	assert.Equal(t, 1, msg.Parameters["a"])
	assert.Equal(t, 2, clone.Parameters["a"])
}
