package protocol

import (
	"encoding/json"
	"fmt"
	"math"
)

// PingData carries the identifier the peer must echo back.
type PingData struct {
	ID string `json:"id"`
}

// PongData echoes a previously received ping identifier.
type PongData struct {
	PingID string `json:"pingId"`
}

// LogData relays one log entry to the remote peer as it happens. Args
// keeps the entry's arguments as an ordered list, the way console
// methods take them.
type LogData struct {
	Method    string `json:"method"`
	Timestamp int64  `json:"timestamp"`
	Args      []any  `json:"args"`
}

// TodayLogsData holds the full content of the current day's log file.
type TodayLogsData struct {
	TodayLogsFileContent string `json:"todayLogsFileContent"`
}

// RequestCameraStreamData asks the onboard side to start the camera
// with the given capture parameters.
type RequestCameraStreamData struct {
	Width     int `json:"width"`
	Height    int `json:"height"`
	Framerate int `json:"framerate"`
}

// CameraData carries one encoded video chunk.
type CameraData struct {
	Base64 string `json:"base64"`
}

// SetThrottleData sets the throttle as a percentage in [0, 100].
type SetThrottleData struct {
	Throttle float64 `json:"throttle"`
}

// SendEulerAnglesData sets the three attitude axes at once. Each value
// is in [-1, 1] as produced by the operator's stick.
type SendEulerAnglesData struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// SetAuxData sets one auxiliary channel to a raw channel value.
type SetAuxData struct {
	AuxIndex int     `json:"auxIndex"`
	Value    float64 `json:"value"`
}

// RequestAuxData asks for the current value of one auxiliary channel.
type RequestAuxData struct {
	AuxIndex int `json:"auxIndex"`
}

// AuxValueData reports the current value of one auxiliary channel.
type AuxValueData struct {
	AuxIndex int     `json:"auxIndex"`
	Value    float64 `json:"value"`
}

// HomePointCoordinatesData reports the latched takeoff position.
type HomePointCoordinatesData struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Auxiliary channel conventions shared by both peers.
const (
	// AuxChannelCount is how many auxiliary channels the vehicle exposes.
	AuxChannelCount = 12

	// AuxOn and AuxOff are the nominal channel values for the two switch
	// positions. Radios report them with some jitter, hence AuxTolerance.
	AuxOn        = 90.66
	AuxOff       = 9.35
	AuxTolerance = 0.1

	// HomePointAuxIndex is the channel whose ON edge arms home point capture.
	HomePointAuxIndex = 0

	// SafetyAuxIndex is the channel forced ON when the link is lost for
	// too long.
	SafetyAuxIndex = 3
)

// AuxIsOn reports whether v is within tolerance of the ON position.
func AuxIsOn(v float64) bool {
	return math.Abs(v-AuxOn) <= AuxTolerance
}

// AuxIsOff reports whether v is within tolerance of the OFF position.
func AuxIsOff(v float64) bool {
	return math.Abs(v-AuxOff) <= AuxTolerance
}

// ValidAuxIndex reports whether i addresses an existing channel.
func ValidAuxIndex(i int) bool {
	return i >= 0 && i < AuxChannelCount
}

// TelemetryFullData is the complete telemetry picture. A nil field means
// the value was never received from the vehicle and is encoded as JSON
// null on the wire.
type TelemetryFullData struct {
	Pitch          *float64 `json:"pitch"`
	Roll           *float64 `json:"roll"`
	Yaw            *float64 `json:"yaw"`
	Percentage     *float64 `json:"percentage"`
	Latitude       *float64 `json:"latitude"`
	Longitude      *float64 `json:"longitude"`
	GroundSpeed    *float64 `json:"groundSpeed"`
	Heading        *float64 `json:"heading"`
	Altitude       *float64 `json:"altitude"`
	Satellites     *float64 `json:"satellites"`
	RpiTemperature *float64 `json:"rpiTemperature"`
}

// TelemetryUpdateData is one incremental telemetry change. Group names
// which cluster of fields changed together; Fields holds only the fields
// of that group. On the wire the group rides as a "type" key flattened
// next to the field values.
type TelemetryUpdateData struct {
	Group  string
	Fields map[string]float64
}

// Telemetry update groups.
const (
	GroupAttitude      = "attitude"
	GroupBattery       = "battery"
	GroupGPS           = "gps"
	GroupMiscellaneous = "miscellaneous"
)

// MarshalJSON flattens the group tag into the field object.
func (u TelemetryUpdateData) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(u.Fields)+1)
	for k, v := range u.Fields {
		flat[k] = v
	}
	flat["type"] = u.Group
	return json.Marshal(flat)
}

// UnmarshalJSON splits the flattened object back into group and fields.
func (u *TelemetryUpdateData) UnmarshalJSON(raw []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(raw, &flat); err != nil {
		return err
	}
	groupRaw, ok := flat["type"]
	if !ok {
		return fmt.Errorf("telemetry update: missing group tag")
	}
	if err := json.Unmarshal(groupRaw, &u.Group); err != nil {
		return fmt.Errorf("telemetry update: %w", err)
	}
	u.Fields = make(map[string]float64, len(flat)-1)
	for k, v := range flat {
		if k == "type" {
			continue
		}
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			return fmt.Errorf("telemetry update field %s: %w", k, err)
		}
		u.Fields[k] = f
	}
	return nil
}
