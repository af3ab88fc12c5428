package scan

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Combinations returns every assignment of actuator values, with the first
// actuator varying slowest and the last fastest. The whole product is
// repeated repeat times. An actuator with an empty domain yields no
// combinations.
func Combinations(actuators []Actuator, repeat int) []map[string]float64 {
	if len(actuators) == 0 {
		return nil
	}
	if repeat < 1 {
		repeat = 1
	}

	total := 1
	for _, a := range actuators {
		total *= len(a.Values)
	}
	if total == 0 {
		return nil
	}

	combos := make([]map[string]float64, total)
	for i := range combos {
		combos[i] = make(map[string]float64, len(actuators))
	}

	stride := 1
	for dim := len(actuators) - 1; dim >= 0; dim-- {
		vals := actuators[dim].Values
		name := actuators[dim].Name
		cycle := len(vals)
		for i := 0; i < total; i++ {
			combos[i][name] = vals[(i/stride)%cycle]
		}
		stride *= cycle
	}

	return repeatSettings(combos, repeat)
}

func repeatSettings(settings []map[string]float64, repeat int) []map[string]float64 {
	if repeat <= 1 {
		return settings
	}
	out := make([]map[string]float64, 0, len(settings)*repeat)
	for r := 0; r < repeat; r++ {
		out = append(out, settings...)
	}
	return out
}

// GenerateRange generates values from min to max (inclusive) stepping by
// step. Returns nil if the range is empty or would exceed 10000 values.
func GenerateRange(min, max, step float64) []float64 {
	if step <= 0 || min > max {
		return nil
	}

	const maxValues = 10000
	expectedCount := int((max-min)/step) + 1
	if expectedCount > maxValues || expectedCount < 0 {
		return nil
	}

	result := make([]float64, 0, expectedCount)
	for i := 0; i < maxValues; i++ {
		v := min + float64(i)*step
		if v > max+step/1000 {
			break
		}
		// round away accumulated binary error at 1e-9 resolution
		v = math.Round(v*1e9) / 1e9
		if v > max {
			v = max
		}
		result = append(result, v)
	}
	return result
}

// ParseValues parses an actuator domain, either "min:max:step" or a
// comma-separated list of values.
func ParseValues(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid range format %q: expected min:max:step", s)
		}
		var nums [3]float64
		for i, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid range value %q: %w", p, err)
			}
			nums[i] = v
		}
		if nums[2] <= 0 {
			return nil, fmt.Errorf("step must be positive, got %g", nums[2])
		}
		vals := GenerateRange(nums[0], nums[1], nums[2])
		if len(vals) == 0 {
			return nil, fmt.Errorf("range %q produces no values", s)
		}
		return vals, nil
	}

	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float '%s': %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}
