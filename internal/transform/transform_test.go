package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydrogen/internal/message"
)

func sampleCommand() *message.Message {
	return &message.Message{
		MessageID:   "m1",
		DeviceID:    "cam1",
		Timestamp:   message.NowTimestamp(time.Now()),
		MessageType: message.TypeCommand,
		Command:     "get_status",
	}
}

func TestToProtocolSTDIOAppendsNewline(t *testing.T) {
	data, err := ToProtocol(sampleCommand(), FormatSTDIO)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1])
}

func TestToInternalSTDIOTrimsTerminator(t *testing.T) {
	data, err := ToProtocol(sampleCommand(), FormatSTDIO)
	require.NoError(t, err)

	msg, err := ToInternal(data, FormatSTDIO)
	require.NoError(t, err)
	assert.Equal(t, "get_status", msg.Command)
}

func TestMQTTRoundTripDerivesTopic(t *testing.T) {
	topic, payload, err := ToMQTT(sampleCommand(), "hydrogen")
	require.NoError(t, err)
	assert.Equal(t, "hydrogen/get_status", topic)

	msg, err := FromMQTT(topic, payload)
	require.NoError(t, err)
	assert.Equal(t, "get_status", msg.Command)
}

func TestFromMQTTFoldsTopicSegmentWhenBrokerStripsCommand(t *testing.T) {
	cmd := sampleCommand()
	_, payload, err := ToMQTT(cmd, "hydrogen")
	require.NoError(t, err)

	stripped, err := message.Deserialize(payload)
	require.NoError(t, err)
	stripped.Command = ""
	payload, err = message.Serialize(stripped)
	require.NoError(t, err)

	msg, err := FromMQTT("hydrogen/get_status", payload)
	require.NoError(t, err)
	assert.Equal(t, "get_status", msg.Command)
}

func TestFromMQTTFoldsTopicSegmentForEvent(t *testing.T) {
	evt := &message.Message{
		MessageID:   "m2",
		DeviceID:    "cam1",
		Timestamp:   message.NowTimestamp(time.Now()),
		MessageType: message.TypeEvent,
	}
	payload, err := message.Serialize(evt)
	require.NoError(t, err)

	msg, err := FromMQTT("hydrogen/slew_complete", payload)
	require.NoError(t, err)
	assert.Equal(t, "slew_complete", msg.Event)
	assert.Equal(t, "", msg.Command)
}

func TestZMQRoundTrip(t *testing.T) {
	frames, err := ToZMQ(sampleCommand())
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "get_status", string(frames[0]))

	msg, err := FromZMQ(frames)
	require.NoError(t, err)
	assert.Equal(t, "get_status", msg.Command)
}

func TestFromZMQRejectsShortMultipart(t *testing.T) {
	_, err := FromZMQ([][]byte{[]byte("only-one-frame")})
	require.Error(t, err)
}
