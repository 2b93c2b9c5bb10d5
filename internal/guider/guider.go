// Package guider ports the legacy ASCII Lin-guider wire protocol into
// Hydrogen's message model, grounded directly on
// LinGuiderInterface::processMessage in
// original_source/custom/guider/linguider_client.cpp. The original parses a
// "command:csv,values" line under a mutex and mutates live guider state;
// ParseLine keeps the exact command set and field ordering but is a pure
// function returning an EVENT envelope instead, since this module has no
// analogous long-lived GuiderState object to mutate in place.
package guider

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"hydrogen/internal/message"
)

// State names the guider's overall operating mode, carried in a "status"
// line's first CSV field.
type State string

const (
	StateIdle        State = "idle"
	StateCalibrating State = "calibrating"
	StateGuiding     State = "guiding"
	StatePaused      State = "paused"
	StateSettling    State = "settling"
)

// CalibrationStage names calibration_state line values, ported verbatim
// from CalibrationState in linguider_client.h.
type CalibrationStage string

const (
	CalIdle          CalibrationStage = "idle"
	CalNorthMoving   CalibrationStage = "north_moving"
	CalNorthComplete CalibrationStage = "north_complete"
	CalSouthMoving   CalibrationStage = "south_moving"
	CalSouthComplete CalibrationStage = "south_complete"
	CalEastMoving    CalibrationStage = "east_moving"
	CalEastComplete  CalibrationStage = "east_complete"
	CalWestMoving    CalibrationStage = "west_moving"
	CalWestComplete  CalibrationStage = "west_complete"
	CalCompleted     CalibrationStage = "completed"
	CalFailed        CalibrationStage = "failed"
)

// ErrInvalidLine is returned for lines missing the "command:data" colon
// separator the original treats as "invalid message format" and silently
// drops; ParseLine surfaces it instead so callers can log/count it.
var ErrInvalidLine = fmt.Errorf("guider: line missing ':' separator")

// ParseLine parses one Lin-guider ASCII protocol line into an EVENT message
// whose Event field names the original command and whose Details carry the
// decoded fields. deviceID is attached to the returned envelope (the raw
// protocol carries no device identity of its own).
func ParseLine(deviceID, line string) (*message.Message, error) {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return nil, ErrInvalidLine
	}
	command := line[:colon]
	data := line[colon+1:]

	details, event, err := decode(command, data)
	if err != nil {
		return nil, err
	}

	return &message.Message{
		MessageID:   fmt.Sprintf("guider-%d", time.Now().UnixNano()),
		DeviceID:    deviceID,
		Timestamp:   message.NowTimestamp(time.Now()),
		MessageType: message.TypeEvent,
		Event:       event,
		Details:     details,
	}, nil
}

func decode(command, data string) (map[string]interface{}, string, error) {
	switch command {
	case "status":
		return decodeStatus(data)
	case "correction":
		return decodeCorrection(data)
	case "star":
		return decodeStar(data)
	case "calibration":
		return decodeCalibration(data)
	case "calibration_state":
		return map[string]interface{}{"stage": data}, "calibration_state", nil
	case "calibration_completed":
		return map[string]interface{}{"stage": string(CalCompleted), "calibrated": true}, "calibration_completed", nil
	case "calibration_failed":
		return map[string]interface{}{"stage": string(CalFailed), "calibrated": false}, "calibration_failed", nil
	case "star_lost":
		return map[string]interface{}{"locked": false}, "star_lost", nil
	case "settle_begin":
		return map[string]interface{}{"state": string(StateSettling)}, "settle_begin", nil
	case "settle_done":
		return map[string]interface{}{"state": string(StateGuiding)}, "settle_done", nil
	default:
		return nil, "", fmt.Errorf("guider: unrecognized command %q", command)
	}
}

// decodeStatus parses "status:state,calibrated,rms,peak".
func decodeStatus(data string) (map[string]interface{}, string, error) {
	parts := strings.Split(data, ",")
	if len(parts) < 4 {
		return nil, "", fmt.Errorf("guider: status line needs 4 fields, got %d", len(parts))
	}
	rms, errRMS := strconv.ParseFloat(parts[2], 64)
	peak, errPeak := strconv.ParseFloat(parts[3], 64)

	details := map[string]interface{}{
		"state":      parts[0],
		"calibrated": parts[1] == "1",
	}
	if errRMS == nil {
		details["rms"] = rms
	}
	if errPeak == nil {
		details["peak"] = peak
	}
	return details, "status", nil
}

// decodeCorrection parses "correction:ra_raw,dec_raw,ra_correction,dec_correction".
func decodeCorrection(data string) (map[string]interface{}, string, error) {
	parts := strings.Split(data, ",")
	if len(parts) < 4 {
		return nil, "", fmt.Errorf("guider: correction line needs 4 fields, got %d", len(parts))
	}
	values := make([]float64, 4)
	for i, p := range parts[:4] {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, "", fmt.Errorf("guider: correction field %d: %w", i, err)
		}
		values[i] = v
	}
	return map[string]interface{}{
		"raRaw":         values[0],
		"decRaw":        values[1],
		"raCorrection":  values[2],
		"decCorrection": values[3],
	}, "correction", nil
}

// decodeStar parses "star:x,y,snr".
func decodeStar(data string) (map[string]interface{}, string, error) {
	parts := strings.Split(data, ",")
	if len(parts) < 3 {
		return nil, "", fmt.Errorf("guider: star line needs 3 fields, got %d", len(parts))
	}
	values := make([]float64, 3)
	for i, p := range parts[:3] {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, "", fmt.Errorf("guider: star field %d: %w", i, err)
		}
		values[i] = v
	}
	return map[string]interface{}{"x": values[0], "y": values[1], "snr": values[2], "locked": true}, "star", nil
}

// decodeCalibration parses "calibration:ra_angle,dec_angle,ra_rate,dec_rate,flipped".
func decodeCalibration(data string) (map[string]interface{}, string, error) {
	parts := strings.Split(data, ",")
	if len(parts) < 5 {
		return nil, "", fmt.Errorf("guider: calibration line needs 5 fields, got %d", len(parts))
	}
	values := make([]float64, 4)
	for i, p := range parts[:4] {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, "", fmt.Errorf("guider: calibration field %d: %w", i, err)
		}
		values[i] = v
	}
	return map[string]interface{}{
		"raAngle":    values[0],
		"decAngle":   values[1],
		"raRate":     values[2],
		"decRate":    values[3],
		"flipped":    parts[4] == "1",
		"calibrated": true,
	}, "calibration", nil
}
