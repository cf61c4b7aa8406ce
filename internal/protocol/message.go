package protocol

import (
	"encoding/json"
	"fmt"
)

// Type tags every message on the peer link.
//
// The set is closed per protocol revision but open on the wire: a decoder
// must pass through unrecognized tags untouched so that older peers keep
// working against newer ones.
type Type string

const (
	TypePing Type = "ping"
	TypePong Type = "pong"

	TypeLog              Type = "log"
	TypeRequestTodayLogs Type = "request_today_logs"
	TypeTodayLogs        Type = "today_logs"

	TypeRequestCameraStream Type = "request_camera_stream"
	TypeCloseCameraStream   Type = "close_camera_stream"
	TypeCameraData          Type = "camera_data"

	TypeRequestTelemetry Type = "request_telemetry"
	TypeTelemetryFull    Type = "telemetry_full"
	TypeTelemetryUpdate  Type = "telemetry_update"

	TypeSetThrottle     Type = "set_throttle"
	TypeSendEulerAngles Type = "send_euler_angles"
	TypeSetAux          Type = "set_aux"
	TypeRequestAux      Type = "request_aux"
	TypeAuxValue        Type = "aux_value"

	TypeRequestHomePoint     Type = "request_home_point"
	TypeHomePointCoordinates Type = "home_point_coordinates"
)

// known is the set of types this revision understands.
var known = map[Type]struct{}{
	TypePing: {}, TypePong: {},
	TypeLog: {}, TypeRequestTodayLogs: {}, TypeTodayLogs: {},
	TypeRequestCameraStream: {}, TypeCloseCameraStream: {}, TypeCameraData: {},
	TypeRequestTelemetry: {}, TypeTelemetryFull: {}, TypeTelemetryUpdate: {},
	TypeSetThrottle: {}, TypeSendEulerAngles: {}, TypeSetAux: {},
	TypeRequestAux: {}, TypeAuxValue: {},
	TypeRequestHomePoint: {}, TypeHomePointCoordinates: {},
}

// Known reports whether this protocol revision understands t.
func Known(t Type) bool {
	_, ok := known[t]
	return ok
}

// Message is the self-describing wire envelope. The payload stays raw until
// a handler for the concrete type decodes it, so every message can be
// deserialized independently of any other.
type Message struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// New builds a message from a typed payload.
func New(t Type, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: t, Data: json.RawMessage("{}")}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Message{Type: t, Data: data}, nil
}

// MustNew is New for payloads that cannot fail to marshal.
// It panics on error and is reserved for static payload types.
func MustNew(t Type, payload any) Message {
	m, err := New(t, payload)
	if err != nil {
		panic(err)
	}
	return m
}

// Decode parses a raw wire frame into a Message. A syntactically valid
// envelope with an unknown type decodes successfully; dispatchers are
// expected to skip it.
func Decode(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("decode message: missing type tag")
	}
	return m, nil
}

// Encode serializes the envelope for the wire.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeData unmarshals the payload of m into a typed value.
func DecodeData[T any](m Message) (*T, error) {
	v := new(T)
	if len(m.Data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return v, nil
}
