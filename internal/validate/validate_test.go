package validate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydrogen/internal/message"
)

func validCommand() *message.Message {
	return &message.Message{
		MessageID:   "m1",
		DeviceID:    "cam1",
		Timestamp:   message.NowTimestamp(time.Now()),
		MessageType: message.TypeCommand,
		Command:     "get_status",
		Parameters:  map[string]interface{}{"foo": "bar"},
	}
}

func TestValidateAcceptsWellFormedCommand(t *testing.T) {
	v := New(DefaultLimits(), DefaultSecurityConfig())
	res := v.Validate(validCommand(), false)
	assert.True(t, res.Valid, "errors: %v", res.Errors)
}

func TestValidateRejectsMissingOriginalMessageID(t *testing.T) {
	v := New(DefaultLimits(), DefaultSecurityConfig())
	msg := &message.Message{
		MessageID:   "m2",
		Timestamp:   message.NowTimestamp(time.Now()),
		MessageType: message.TypeResponse,
		Status:      message.StatusSuccess,
	}
	res := v.Validate(msg, false)
	require.False(t, res.Valid)
	assert.Contains(t, res.Errors, "originalMessageId is required for RESPONSE/ERROR")
}

func TestValidateEnforcesCommandAllowList(t *testing.T) {
	sec := DefaultSecurityConfig()
	sec.AllowedCommands = map[string]bool{"get_status": true}
	v := New(DefaultLimits(), sec)

	msg := validCommand()
	msg.Command = "shutdown_everything"
	res := v.Validate(msg, false)
	require.False(t, res.Valid)
}

func TestSecurityScanWarnsOnXSSPattern(t *testing.T) {
	v := New(DefaultLimits(), DefaultSecurityConfig())
	msg := validCommand()
	msg.Parameters["note"] = "<script>alert(1)</script>"
	res := v.Validate(msg, false)
	assert.True(t, res.Valid)
	assert.NotEmpty(t, res.Warnings)
}

func TestSanitizeIsIdempotent(t *testing.T) {
	v := New(DefaultLimits(), DefaultSecurityConfig())
	msg := validCommand()
	msg.Parameters["note"] = "<b>it's</b> fine"

	once := v.Sanitize(msg)
	twice := v.Sanitize(once)
	assert.Equal(t, once.Parameters["note"], twice.Parameters["note"])

	resOnce := v.Validate(once, false)
	assert.True(t, resOnce.Valid)
	assert.Empty(t, resOnce.Errors)
}

func TestSanitizeTruncatesLongStrings(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxStringLength = 5
	v := New(limits, DefaultSecurityConfig())
	msg := validCommand()
	msg.Parameters["long"] = "abcdefghij"

	sanitized := v.Sanitize(msg)
	assert.Len(t, sanitized.Parameters["long"], 5)
}

func TestSanitizeBoundsArraySize(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxArraySize = 2
	v := New(limits, DefaultSecurityConfig())
	msg := validCommand()
	msg.Parameters["items"] = []interface{}{"a", "b", "c", "d"}

	sanitized := v.Sanitize(msg)
	items := sanitized.Parameters["items"].([]interface{})
	assert.Len(t, items, 2)
}

func TestValidTimestamp(t *testing.T) {
	assert.True(t, ValidTimestamp("2024-01-01T00:00:00.000Z"))
	assert.False(t, ValidTimestamp("not-a-date"))
}
