// Package telemetry caches the last known value of every flight telemetry
// field and decides which incoming readings are worth forwarding. Readings
// arrive grouped by physical sensor; the change filter accepts or discards
// a reading as a whole so groups never end up half-applied.
package telemetry

import (
	"math"
	"sync"

	"github.com/skylink-io/skylink/internal/protocol"
	"github.com/skylink-io/skylink/pkg/log"
)

// Unknown is the sentinel for a field that was never received.
var Unknown = math.Inf(-1)

// Telemetry field names as they appear on the wire.
const (
	FieldPitch          = "pitch"
	FieldRoll           = "roll"
	FieldYaw            = "yaw"
	FieldPercentage     = "percentage"
	FieldLatitude       = "latitude"
	FieldLongitude      = "longitude"
	FieldGroundSpeed    = "groundSpeed"
	FieldHeading        = "heading"
	FieldAltitude       = "altitude"
	FieldSatellites     = "satellites"
	FieldRpiTemperature = "rpiTemperature"
)

// tolerances holds the per-field minimum absolute change required before
// a reading is considered different. These values are part of the wire
// contract between endpoints.
var tolerances = map[string]float64{
	FieldPitch:          0.01,
	FieldRoll:           0.01,
	FieldYaw:            0.01,
	FieldPercentage:     1,
	FieldLatitude:       1e-7,
	FieldLongitude:      1e-7,
	FieldGroundSpeed:    0.1,
	FieldHeading:        1,
	FieldAltitude:       0.1,
	FieldSatellites:     1,
	FieldRpiTemperature: 0.1,
}

// groupOf maps each field to its sensor group.
var groupOf = map[string]string{
	FieldPitch:          protocol.GroupAttitude,
	FieldRoll:           protocol.GroupAttitude,
	FieldYaw:            protocol.GroupAttitude,
	FieldPercentage:     protocol.GroupBattery,
	FieldLatitude:       protocol.GroupGPS,
	FieldLongitude:      protocol.GroupGPS,
	FieldGroundSpeed:    protocol.GroupGPS,
	FieldHeading:        protocol.GroupGPS,
	FieldAltitude:       protocol.GroupGPS,
	FieldSatellites:     protocol.GroupGPS,
	FieldRpiTemperature: protocol.GroupMiscellaneous,
}

// GroupOf reports the sensor group a wire field belongs to.
func GroupOf(field string) (string, bool) {
	g, ok := groupOf[field]
	return g, ok
}

// Reading is one grouped sensor sample. Fields may hold any subset of the
// group's fields; absent fields are neither compared nor stored.
type Reading struct {
	Group  string
	Fields map[string]float64
}

// HomePoint is the latched takeoff position.
type HomePoint struct {
	Latitude  float64
	Longitude float64
}

// Store owns the telemetry state for the process lifetime. All methods
// are safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	values map[string]float64
	home   *HomePoint
}

// NewStore returns a store with every field at the Unknown sentinel.
func NewStore() *Store {
	values := make(map[string]float64, len(tolerances))
	for f := range tolerances {
		values[f] = Unknown
	}
	return &Store{values: values}
}

// Synchronize applies the change filter to one reading. If any present
// field differs from the stored value by more than its tolerance, every
// field of the reading is stored and the reading is returned for
// broadcast. Otherwise nothing changes and ok is false.
func (s *Store) Synchronize(r Reading) (Reading, bool) {
	if len(r.Fields) == 0 {
		return Reading{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for name, v := range r.Fields {
		tol, known := tolerances[name]
		if !known {
			log.Debug("ignoring unknown telemetry field", "field", name)
			continue
		}
		stored := s.values[name]
		if stored == Unknown || math.Abs(v-stored) > tol {
			changed = true
			break
		}
	}
	if !changed {
		return Reading{}, false
	}

	accepted := Reading{Group: r.Group, Fields: make(map[string]float64, len(r.Fields))}
	for name, v := range r.Fields {
		if _, known := tolerances[name]; !known {
			continue
		}
		s.values[name] = v
		accepted.Fields[name] = v
	}
	return accepted, true
}

// Snapshot returns the current value of every field, Unknown included.
func (s *Store) Snapshot() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.values))
	for f, v := range s.values {
		out[f] = v
	}
	return out
}

// Full renders the snapshot in wire form, with never-received fields as nil.
func (s *Store) Full() protocol.TelemetryFullData {
	snap := s.Snapshot()
	get := func(f string) *float64 {
		v := snap[f]
		if v == Unknown {
			return nil
		}
		return &v
	}
	return protocol.TelemetryFullData{
		Pitch:          get(FieldPitch),
		Roll:           get(FieldRoll),
		Yaw:            get(FieldYaw),
		Percentage:     get(FieldPercentage),
		Latitude:       get(FieldLatitude),
		Longitude:      get(FieldLongitude),
		GroundSpeed:    get(FieldGroundSpeed),
		Heading:        get(FieldHeading),
		Altitude:       get(FieldAltitude),
		Satellites:     get(FieldSatellites),
		RpiTemperature: get(FieldRpiTemperature),
	}
}

// LatchHomePoint records the current position as home. Returns false when
// no GPS fix has been received yet, leaving any previous home untouched.
func (s *Store) LatchHomePoint() (HomePoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lat, lon := s.values[FieldLatitude], s.values[FieldLongitude]
	if lat == Unknown || lon == Unknown {
		log.Warn("home point requested without a position fix")
		return HomePoint{}, false
	}
	s.home = &HomePoint{Latitude: lat, Longitude: lon}
	log.Info("home point latched", "latitude", lat, "longitude", lon)
	return *s.home, true
}

// Home returns the latched home point, if any. It is cleared only by
// process restart.
func (s *Store) Home() (HomePoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.home == nil {
		return HomePoint{}, false
	}
	return *s.home, true
}
