package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"hydrogen/internal/message"
	"hydrogen/internal/transport"
)

func TestSetQoSMapsMessageLevels(t *testing.T) {
	c := New(DefaultConfig("tcp://127.0.0.1:1883", "test-client"))

	c.SetQoS(transport.QoSParams{Level: message.QoSAtMostOnce})
	assert.Equal(t, byte(0), c.cfg.QoS)

	c.SetQoS(transport.QoSParams{Level: message.QoSAtLeastOnce})
	assert.Equal(t, byte(1), c.cfg.QoS)

	c.SetQoS(transport.QoSParams{Level: message.QoSExactlyOnce})
	assert.Equal(t, byte(2), c.cfg.QoS)
}

func TestSetEncryptionRequiresConfigTime(t *testing.T) {
	c := New(DefaultConfig("tcp://127.0.0.1:1883", "test-client"))
	assert.Error(t, c.SetEncryption(true, nil))
	assert.NoError(t, c.SetEncryption(false, nil))
}

func TestResponseTopicCoversWholePrefixTree(t *testing.T) {
	cfg := DefaultConfig("tcp://127.0.0.1:1883", "test-client")
	cfg.TopicPrefix = "obs1"
	c := New(cfg)
	assert.Equal(t, "obs1/#", c.responseTopic)
}
