package guider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"hydrogen/internal/message"
)

func TestParseLineRejectsMissingColon(t *testing.T) {
	_, err := ParseLine("guider1", "no colon here")
	assert.ErrorIs(t, err, ErrInvalidLine)
}

func TestParseStatusLine(t *testing.T) {
	msg, err := ParseLine("guider1", "status:guiding,1,0.45,1.2")
	require.NoError(t, err)
	assert.Equal(t, message.TypeEvent, msg.MessageType)
	assert.Equal(t, "status", msg.Event)
	assert.Equal(t, "guiding", msg.Details["state"])
	assert.Equal(t, true, msg.Details["calibrated"])
	assert.InDelta(t, 0.45, msg.Details["rms"].(float64), 1e-9)
	assert.InDelta(t, 1.2, msg.Details["peak"].(float64), 1e-9)
}

func TestParseCorrectionLine(t *testing.T) {
	msg, err := ParseLine("guider1", "correction:1.1,2.2,0.1,0.2")
	require.NoError(t, err)
	assert.Equal(t, "correction", msg.Event)
	assert.InDelta(t, 1.1, msg.Details["raRaw"].(float64), 1e-9)
	assert.InDelta(t, 0.2, msg.Details["decCorrection"].(float64), 1e-9)
}

func TestParseStarLine(t *testing.T) {
	msg, err := ParseLine("guider1", "star:100.5,200.25,12.3")
	require.NoError(t, err)
	assert.Equal(t, "star", msg.Event)
	assert.Equal(t, true, msg.Details["locked"])
}

func TestParseCalibrationLine(t *testing.T) {
	msg, err := ParseLine("guider1", "calibration:90.0,0.0,15.0,15.0,1")
	require.NoError(t, err)
	assert.Equal(t, "calibration", msg.Event)
	assert.Equal(t, true, msg.Details["flipped"])
}

func TestParseCalibrationStateLine(t *testing.T) {
	msg, err := ParseLine("guider1", "calibration_state:north_moving")
	require.NoError(t, err)
	assert.Equal(t, "calibration_state", msg.Event)
	assert.Equal(t, "north_moving", msg.Details["stage"])
}

func TestParseStarLostEvent(t *testing.T) {
	msg, err := ParseLine("guider1", "star_lost:")
	require.NoError(t, err)
	assert.Equal(t, "star_lost", msg.Event)
	assert.Equal(t, false, msg.Details["locked"])
}

func TestParseSettleBeginAndDone(t *testing.T) {
	begin, err := ParseLine("guider1", "settle_begin:")
	require.NoError(t, err)
	assert.Equal(t, string(StateSettling), begin.Details["state"])

	done, err := ParseLine("guider1", "settle_done:")
	require.NoError(t, err)
	assert.Equal(t, string(StateGuiding), done.Details["state"])
}

func TestParseRejectsUnrecognizedCommand(t *testing.T) {
	_, err := ParseLine("guider1", "frobnicate:1,2,3")
	assert.Error(t, err)
}

func TestParseRejectsShortStatusLine(t *testing.T) {
	_, err := ParseLine("guider1", "status:guiding,1")
	assert.Error(t, err)
}

func TestParseRejectsNonNumericCorrectionField(t *testing.T) {
	_, err := ParseLine("guider1", "correction:notanumber,2,3,4")
	assert.Error(t, err)
}
