package telemetry

import (
	"encoding/json"
	"fmt"

	"github.com/skylink-io/skylink/internal/protocol"
	"github.com/skylink-io/skylink/pkg/log"
)

// Flight controller driver record tags. The driver emits one JSON object
// per line with an upper case "type" discriminant.
const (
	DriverAttitude = "ATTITUDE"
	DriverBattery  = "BATTERY"
	DriverGPS      = "GPS"
	DriverError    = "ERROR"
	DriverInfo     = "INFO"
)

// driverGroup maps telemetry-bearing driver record tags to wire groups.
var driverGroup = map[string]string{
	DriverAttitude: protocol.GroupAttitude,
	DriverBattery:  protocol.GroupBattery,
	DriverGPS:      protocol.GroupGPS,
}

// ParseReading decodes one driver line into a Reading. ok is false for
// well-formed records that carry no telemetry, such as INFO and ERROR.
func ParseReading(raw []byte) (Reading, bool, error) {
	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Reading{}, false, fmt.Errorf("malformed driver line: %w", err)
	}
	tag, _ := rec["type"].(string)
	if tag == "" {
		return Reading{}, false, fmt.Errorf("driver line without type tag")
	}
	group, ok := driverGroup[tag]
	if !ok {
		return Reading{}, false, nil
	}
	r := Reading{Group: group, Fields: make(map[string]float64)}
	for name, v := range rec {
		f, isNum := v.(float64)
		if !isNum {
			continue
		}
		if groupOf[name] == group {
			r.Fields[name] = f
		}
	}
	return r, true, nil
}

// Update ingests one raw driver line: malformed lines are logged and
// dropped, telemetry records run through the change filter. The accepted
// reading is returned for broadcast when the filter admits it.
func (s *Store) Update(raw []byte) (Reading, bool) {
	r, ok, err := ParseReading(raw)
	if err != nil {
		log.Warn("dropping driver line", "line", string(raw), "err", err)
		return Reading{}, false
	}
	if !ok {
		return Reading{}, false
	}
	return s.Synchronize(r)
}
