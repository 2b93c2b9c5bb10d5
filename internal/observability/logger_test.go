package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNamedScopesChildLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := WrapZap(zap.New(core)).Named("device.fifo")

	l.Info("connected")

	require.Len(t, logs.All(), 1)
	assert.Equal(t, "device.fifo", logs.All()[0].LoggerName)
}

func TestWithCarriesFieldsAcrossCalls(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := WrapZap(zap.New(core)).With(zap.String("deviceId", "cam-1"))

	l.Warn("retrying")

	entry := logs.All()[0]
	assert.Equal(t, "cam-1", entry.ContextMap()["deviceId"])
}

func TestRawExposesUnderlyingZapLogger(t *testing.T) {
	z := zap.NewNop()
	l := WrapZap(z)
	assert.Same(t, z, l.Raw())
}
