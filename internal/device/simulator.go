// Package device provides concrete hardware backends for scans: a linear
// simulator for offline work and tests, and a line-protocol serial device.
package device

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
)

// MeterModel describes one simulated sensor as an affine function of the
// motor positions: Offset + sum(Gains[motor] * position).
type MeterModel struct {
	Offset float64            `json:"offset" yaml:"offset" koanf:"offset"`
	Gains  map[string]float64 `json:"gains" yaml:"gains" koanf:"gains"`
}

// SimulatorConfig configures a Simulator.
type SimulatorConfig struct {
	// Motors maps motor names to their starting positions.
	Motors map[string]float64 `json:"motors" yaml:"motors" koanf:"motors"`
	// Meters maps meter names to their response model.
	Meters map[string]MeterModel `json:"meters" yaml:"meters" koanf:"meters"`
	// NoiseLevel applies multiplicative gaussian noise to every read and
	// write: a value v becomes N(v, |v|*NoiseLevel).
	NoiseLevel float64 `json:"noise_level" yaml:"noise_level" koanf:"noise_level"`
	// Lag is the number of writes each motor ignores before it starts
	// following commands, which exercises verification retries.
	Lag  int   `json:"lag" yaml:"lag" koanf:"lag"`
	Seed int64 `json:"seed" yaml:"seed" koanf:"seed"`
}

// Simulator is an in-memory rig with linear sensor responses.
type Simulator struct {
	mu        sync.Mutex
	positions map[string]float64
	meters    map[string]MeterModel
	noise     float64
	lag       map[string]int
	rng       *rand.Rand
	writes    int
	reads     int
}

// NewSimulator builds a Simulator. Meter gains may only reference declared
// motors.
func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	if cfg.NoiseLevel < 0 {
		return nil, fmt.Errorf("noise_level must be non-negative, got %g", cfg.NoiseLevel)
	}
	s := &Simulator{
		positions: make(map[string]float64, len(cfg.Motors)),
		meters:    make(map[string]MeterModel, len(cfg.Meters)),
		noise:     cfg.NoiseLevel,
		lag:       make(map[string]int, len(cfg.Motors)),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
	}
	for name, pos := range cfg.Motors {
		s.positions[name] = pos
		s.lag[name] = cfg.Lag
	}
	for name, m := range cfg.Meters {
		if _, clash := s.positions[name]; clash {
			return nil, fmt.Errorf("meter %q has the same name as a motor", name)
		}
		for motor := range m.Gains {
			if _, ok := s.positions[motor]; !ok {
				return nil, fmt.Errorf("meter %q references unknown motor %q", name, motor)
			}
		}
		s.meters[name] = m
	}
	return s, nil
}

// Read returns a motor position or a meter response.
func (s *Simulator) Read(name string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++

	if pos, ok := s.positions[name]; ok {
		return s.noisy(pos), nil
	}
	m, ok := s.meters[name]
	if !ok {
		return 0, fmt.Errorf("unknown channel %q", name)
	}
	v := m.Offset
	for motor, gain := range m.Gains {
		v += gain * s.positions[motor]
	}
	return s.noisy(v), nil
}

// Write commands a motor.
func (s *Simulator) Write(name string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++

	if _, ok := s.positions[name]; !ok {
		if _, isMeter := s.meters[name]; isMeter {
			return fmt.Errorf("channel %q is read-only", name)
		}
		return fmt.Errorf("unknown motor %q", name)
	}
	if s.lag[name] > 0 {
		s.lag[name]--
		return nil
	}
	s.positions[name] = s.noisy(value)
	return nil
}

func (s *Simulator) noisy(v float64) float64 {
	if s.noise == 0 || v == 0 {
		return v
	}
	sigma := v * s.noise
	if sigma < 0 {
		sigma = -sigma
	}
	return v + s.rng.NormFloat64()*sigma
}

// Position returns a motor's true position without noise.
func (s *Simulator) Position(name string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[name]
}

// Motors returns the declared motor names, sorted.
func (s *Simulator) Motors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.positions))
	for n := range s.positions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Counts returns the number of reads and writes served.
func (s *Simulator) Counts() (reads, writes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads, s.writes
}
