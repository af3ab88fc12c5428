// Package scan drives actuator sweeps: it sets every combination of actuator
// values, samples the sensors at each point, records an append-only step
// history and always restores the actuators to where it found them.
package scan

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Range is an inclusive [Low, High] interval. It encodes as a two element
// JSON array; an infinite bound encodes as null.
type Range struct {
	Low  float64
	High float64
}

// Contains reports whether v lies within the range, bounds included.
func (r Range) Contains(v float64) bool {
	return v >= r.Low && v <= r.High
}

// MarshalJSON encodes the range as [low, high].
func (r Range) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]*float64{finite(r.Low), finite(r.High)})
}

// UnmarshalJSON decodes a [low, high] pair.
func (r *Range) UnmarshalJSON(data []byte) error {
	var pair []*float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("range must have exactly 2 values, got %d", len(pair))
	}
	r.Low, r.High = math.Inf(-1), math.Inf(1)
	if pair[0] != nil {
		r.Low = *pair[0]
	}
	if pair[1] != nil {
		r.High = *pair[1]
	}
	return nil
}

func finite(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}

// Actuator is a named, writable device channel and the values it should
// take during a sweep. For calibration and optimisation Values[0] is the
// reference ("off") setting and Values[1] the perturbation magnitude.
type Actuator struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// Off returns the reference setting, or 0 for an empty domain.
func (a Actuator) Off() float64 {
	if len(a.Values) == 0 {
		return 0
	}
	return a.Values[0]
}

// Delta returns the perturbation magnitude, or 0 when the domain has no
// second value.
func (a Actuator) Delta() float64 {
	if len(a.Values) < 2 {
		return 0
	}
	return a.Values[1]
}

// Sensor is a named, readable device channel with an optional valid range.
type Sensor struct {
	Name  string `json:"name"`
	Range *Range `json:"range,omitempty"`
}

// ActuatorNames returns the names in order.
func ActuatorNames(actuators []Actuator) []string {
	names := make([]string, len(actuators))
	for i, a := range actuators {
		names[i] = a.Name
	}
	return names
}

// SensorNames returns the names in order.
func SensorNames(sensors []Sensor) []string {
	names := make([]string, len(sensors))
	for i, s := range sensors {
		names[i] = s.Name
	}
	return names
}

// Fixed returns single-value actuators pinned to the given settings, keeping
// the order of actuators.
func Fixed(actuators []Actuator, settings map[string]float64) []Actuator {
	out := make([]Actuator, len(actuators))
	for i, a := range actuators {
		out[i] = Actuator{Name: a.Name, Values: []float64{settings[a.Name]}}
	}
	return out
}

// Index keys resolve values to 1/keyScale. Values of exactKeyMagnitude and
// above are keyed exactly.
const (
	keyScale          = 1e9
	exactKeyMagnitude = 1e6
)

// ValueKey canonicalises an actuator value for use as an index key. Values
// are rounded to the nearest 1e-9, so 0.1+0.2 and 0.3 land on the same entry
// while values further apart than that keep distinct keys at any magnitude.
// Negative zero is folded into zero.
func ValueKey(v float64) string {
	if math.Abs(v) < exactKeyMagnitude {
		v = math.Round(v*keyScale) / keyScale
	}
	if v == 0 {
		return "0"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Index is the point lookup view of a scan: actuator name, then canonical
// actuator value, then sensor name to the reading recorded at the most recent
// step where that actuator held that value.
type Index map[string]map[string]map[string]float64

// Lookup returns the readings recorded while actuator held value.
func (x Index) Lookup(actuator string, value float64) (map[string]float64, bool) {
	byValue, ok := x[actuator]
	if !ok {
		return nil, false
	}
	readings, ok := byValue[ValueKey(value)]
	return readings, ok
}

func (x Index) record(step Step) {
	for name, value := range step.MotorValues {
		byValue, ok := x[name]
		if !ok {
			byValue = make(map[string]map[string]float64)
			x[name] = byValue
		}
		key := ValueKey(value)
		readings, ok := byValue[key]
		if !ok {
			readings = make(map[string]float64, len(step.MeterData))
			byValue[key] = readings
		}
		for sensor, v := range step.MeterData {
			readings[sensor] = v
		}
	}
}

// BuildIndex derives an Index from an ordered step history.
func BuildIndex(steps []Step) Index {
	x := make(Index)
	for _, s := range steps {
		x.record(s)
	}
	return x
}

// Clone returns a deep copy.
func (x Index) Clone() Index {
	if x == nil {
		return nil
	}
	out := make(Index, len(x))
	for a, byValue := range x {
		bv := make(map[string]map[string]float64, len(byValue))
		for k, readings := range byValue {
			bv[k] = copyFloats(readings)
		}
		out[a] = bv
	}
	return out
}

func copyFloats(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyMatrix(m [][]float64) [][]float64 {
	if m == nil {
		return nil
	}
	out := make([][]float64, len(m))
	for i, row := range m {
		out[i] = append([]float64(nil), row...)
	}
	return out
}
