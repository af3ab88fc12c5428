// Package config loads scan settings from defaults, an optional YAML or JSON
// file and MOTORSCAN_ environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "gopkg.in/yaml.v2"

	"github.com/banshee-data/motorscan/internal/calibrate"
	"github.com/banshee-data/motorscan/internal/device"
	"github.com/banshee-data/motorscan/internal/optimize"
	"github.com/banshee-data/motorscan/internal/report"
	"github.com/banshee-data/motorscan/internal/scan"
	"github.com/banshee-data/motorscan/internal/timeutil"
)

// DefaultConfigPath is the file scanctl reads when no -config flag is given.
const DefaultConfigPath = "motorscan.yml"

// EnvPrefix marks environment variables that override file settings. A
// double underscore separates nested keys: MOTORSCAN_DEVICE__KIND.
const EnvPrefix = "MOTORSCAN_"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// MotorConfig declares an actuator. Range, when set, takes precedence over
// Values and uses the "min:max:step" or comma separated form.
type MotorConfig struct {
	Name   string    `koanf:"name" yaml:"name"`
	Values []float64 `koanf:"values" yaml:"values,omitempty"`
	Range  string    `koanf:"range" yaml:"range,omitempty"`
}

// MeterConfig declares a sensor with an optional valid range.
type MeterConfig struct {
	Name string   `koanf:"name" yaml:"name"`
	Low  *float64 `koanf:"low" yaml:"low,omitempty"`
	High *float64 `koanf:"high" yaml:"high,omitempty"`
}

// DeviceConfig selects and configures the hardware backend.
type DeviceConfig struct {
	// Kind is "simulator" or "serial".
	Kind      string                 `koanf:"kind" yaml:"kind"`
	Port      string                 `koanf:"port" yaml:"port,omitempty"`
	Serial    device.PortOptions     `koanf:"serial" yaml:"serial"`
	Simulator device.SimulatorConfig `koanf:"simulator" yaml:"simulator"`
}

// MQTTConfig enables step publishing when Broker is set.
type MQTTConfig struct {
	Broker   string `koanf:"broker" yaml:"broker,omitempty"`
	ClientID string `koanf:"client_id" yaml:"client_id"`
	Topic    string `koanf:"topic" yaml:"topic"`
	QoS      int    `koanf:"qos" yaml:"qos"`
	Retained bool   `koanf:"retained" yaml:"retained"`
}

// MonitorConfig enables the live HTTP monitor when Listen is set.
type MonitorConfig struct {
	Listen string `koanf:"listen" yaml:"listen,omitempty"`
}

// ReportConfig controls the console table and the files written after a run.
// Live, when "table" or "steps", prints the recent steps after every step.
type ReportConfig struct {
	TableRows   int    `koanf:"table_rows" yaml:"table_rows"`
	Live        string `koanf:"live" yaml:"live,omitempty"`
	PlotFile    string `koanf:"plot_file" yaml:"plot_file,omitempty"`
	HeatmapFile string `koanf:"heatmap_file" yaml:"heatmap_file,omitempty"`
}

// ScanConfig is the complete scanctl configuration. Durations are in seconds.
type ScanConfig struct {
	VerifyMotor             bool    `koanf:"verify_motor" yaml:"verify_motor"`
	MaxRetries              int     `koanf:"max_retries" yaml:"max_retries"`
	Delay                   float64 `koanf:"delay" yaml:"delay"`
	Tolerance               float64 `koanf:"tolerance" yaml:"tolerance"`
	SampleSize              int     `koanf:"sample_size" yaml:"sample_size"`
	Save                    bool    `koanf:"save" yaml:"save"`
	Dirname                 string  `koanf:"dirname" yaml:"dirname"`
	SaveOriginalMotorValues bool    `koanf:"save_original_motor_values" yaml:"save_original_motor_values"`
	Parallel                bool    `koanf:"parallel" yaml:"parallel"`
	Repeat                  int     `koanf:"repeat" yaml:"repeat"`

	// Calibration and optimisation.
	Targets           map[string]float64 `koanf:"targets" yaml:"targets,omitempty"`
	InverseMode       bool               `koanf:"inverse_mode" yaml:"inverse_mode"`
	MaxAttempts       int                `koanf:"max_attempts" yaml:"max_attempts"`
	NumSingularValues int                `koanf:"num_singular_values" yaml:"num_singular_values"`
	RCond             float64            `koanf:"rcond" yaml:"rcond"`
	NCalls            int                `koanf:"n_calls" yaml:"n_calls"`
	NInitialPoints    int                `koanf:"n_initial_points" yaml:"n_initial_points"`
	RandomSeed        int64              `koanf:"random_seed" yaml:"random_seed"`
	Penalty           float64            `koanf:"penalty" yaml:"penalty"`

	// Watch mode. Zero observation time watches until interrupted.
	ObservationTime float64 `koanf:"observation_time" yaml:"observation_time"`
	WatchInterval   float64 `koanf:"watch_interval" yaml:"watch_interval"`

	Debug bool `koanf:"debug" yaml:"debug"`

	Motors  []MotorConfig `koanf:"motors" yaml:"motors"`
	Meters  []MeterConfig `koanf:"meters" yaml:"meters"`
	Device  DeviceConfig  `koanf:"device" yaml:"device"`
	MQTT    MQTTConfig    `koanf:"mqtt" yaml:"mqtt"`
	Monitor MonitorConfig `koanf:"monitor" yaml:"monitor"`
	Report  ReportConfig  `koanf:"report" yaml:"report"`
}

// DefaultScanConfig returns the built-in defaults.
func DefaultScanConfig() ScanConfig {
	so := scan.DefaultOptions()
	co := calibrate.DefaultOptions()
	oo := optimize.DefaultOptions()
	return ScanConfig{
		VerifyMotor:             so.VerifyMotor,
		MaxRetries:              so.MaxRetries,
		Delay:                   so.Delay.Seconds(),
		Tolerance:               so.Tolerance,
		SampleSize:              so.SampleSize,
		Save:                    so.Save,
		Dirname:                 so.Dirname,
		SaveOriginalMotorValues: so.SaveOriginalMotorValues,
		Parallel:                so.Parallel,
		Repeat:                  so.Repeat,
		InverseMode:             co.InverseMode,
		MaxAttempts:             co.MaxAttempts,
		NumSingularValues:       co.Rank,
		RCond:                   co.RCond,
		NCalls:                  oo.NCalls,
		NInitialPoints:          oo.NInitialPoints,
		RandomSeed:              oo.RandomSeed,
		Penalty:                 oo.Penalty,
		Motors:                  []MotorConfig{},
		Meters:                  []MeterConfig{},
		Device:                  DeviceConfig{Kind: "simulator"},
		MQTT:                    MQTTConfig{ClientID: "motorscan", Topic: "motorscan/steps"},
		Report:                  ReportConfig{TableRows: 10},
	}
}

// Load layers the defaults, the file at path (skipped when path is empty or,
// for the default path, missing) and the environment, then validates.
func Load(path string) (*ScanConfig, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(DefaultScanConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := loadFile(k, path); err != nil {
			if !(path == DefaultConfigPath && errors.Is(err, os.ErrNotExist)) {
				return nil, err
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := &ScanConfig{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	cleanPath := filepath.Clean(path)
	var parser koanf.Parser
	switch ext := strings.ToLower(filepath.Ext(cleanPath)); ext {
	case ".yml", ".yaml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("config file must have .yml, .yaml or .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	if err := k.Load(file.Provider(cleanPath), parser); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate checks that the configuration values are valid.
func (c *ScanConfig) Validate() error {
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay must be non-negative, got %g", c.Delay)
	}
	if c.Tolerance < 0 {
		return fmt.Errorf("tolerance must be non-negative, got %g", c.Tolerance)
	}
	if c.SampleSize < 1 {
		return fmt.Errorf("sample_size must be at least 1, got %d", c.SampleSize)
	}
	if c.Repeat < 1 {
		return fmt.Errorf("repeat must be at least 1, got %d", c.Repeat)
	}
	if c.Save && c.Dirname == "" {
		return errors.New("dirname must be set when save is enabled")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.RCond < 0 {
		return fmt.Errorf("rcond must be non-negative, got %g", c.RCond)
	}
	if c.NCalls < 1 {
		return fmt.Errorf("n_calls must be at least 1, got %d", c.NCalls)
	}
	if c.NInitialPoints < 0 {
		return fmt.Errorf("n_initial_points must be non-negative, got %d", c.NInitialPoints)
	}
	if c.ObservationTime < 0 || c.WatchInterval < 0 {
		return errors.New("observation_time and watch_interval must be non-negative")
	}

	seen := make(map[string]bool)
	for i, m := range c.Motors {
		if m.Name == "" {
			return fmt.Errorf("motor %d has no name", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate channel %q", m.Name)
		}
		seen[m.Name] = true
		if m.Range != "" {
			if _, err := scan.ParseValues(m.Range); err != nil {
				return fmt.Errorf("motor %q: %w", m.Name, err)
			}
		}
	}
	for i, m := range c.Meters {
		if m.Name == "" {
			return fmt.Errorf("meter %d has no name", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate channel %q", m.Name)
		}
		seen[m.Name] = true
		if m.Low != nil && m.High != nil && *m.Low > *m.High {
			return fmt.Errorf("meter %q has low %g above high %g", m.Name, *m.Low, *m.High)
		}
	}
	for name := range c.Targets {
		if !seen[name] {
			return fmt.Errorf("target given for undeclared meter %q", name)
		}
	}

	switch strings.ToLower(c.Device.Kind) {
	case "simulator":
	case "serial":
		if c.Device.Port == "" {
			return errors.New("device.port is required for a serial device")
		}
		if _, err := c.Device.Serial.Normalize(); err != nil {
			return fmt.Errorf("device.serial: %w", err)
		}
	default:
		return fmt.Errorf("unknown device kind %q: expected simulator or serial", c.Device.Kind)
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if _, err := report.NewLivePrinter(c.Report.Live, io.Discard, c.Report.TableRows); err != nil {
		return fmt.Errorf("report.live: %w", err)
	}
	if c.Report.TableRows < 0 {
		return fmt.Errorf("report.table_rows must be non-negative, got %d", c.Report.TableRows)
	}
	return nil
}

// ScanOptions maps the scan settings onto scan.Options. Listeners are left
// for the caller.
func (c *ScanConfig) ScanOptions() scan.Options {
	return scan.Options{
		VerifyMotor:             c.VerifyMotor,
		MaxRetries:              c.MaxRetries,
		Delay:                   timeutil.Seconds(c.Delay),
		Tolerance:               c.Tolerance,
		SampleSize:              c.SampleSize,
		Save:                    c.Save,
		Dirname:                 c.Dirname,
		SaveOriginalMotorValues: c.SaveOriginalMotorValues,
		Parallel:                c.Parallel,
		Repeat:                  c.Repeat,
	}
}

// CalibrateOptions maps the calibration settings.
func (c *ScanConfig) CalibrateOptions() calibrate.Options {
	return calibrate.Options{
		Targets:     c.Targets,
		InverseMode: c.InverseMode,
		MaxAttempts: c.MaxAttempts,
		Rank:        c.NumSingularValues,
		RCond:       c.RCond,
	}
}

// OptimizeOptions maps the optimisation settings.
func (c *ScanConfig) OptimizeOptions() optimize.Options {
	opts := optimize.DefaultOptions()
	opts.Targets = c.Targets
	opts.NCalls = c.NCalls
	opts.NInitialPoints = c.NInitialPoints
	opts.RandomSeed = c.RandomSeed
	opts.Penalty = c.Penalty
	return opts
}

// Actuators builds the actuator list in declaration order.
func (c *ScanConfig) Actuators() ([]scan.Actuator, error) {
	out := make([]scan.Actuator, 0, len(c.Motors))
	for _, m := range c.Motors {
		values := m.Values
		if m.Range != "" {
			v, err := scan.ParseValues(m.Range)
			if err != nil {
				return nil, fmt.Errorf("motor %q: %w", m.Name, err)
			}
			values = v
		}
		out = append(out, scan.Actuator{Name: m.Name, Values: append([]float64(nil), values...)})
	}
	return out, nil
}

// Sensors builds the sensor list in declaration order. A meter with only one
// bound is unbounded on the other side.
func (c *ScanConfig) Sensors() []scan.Sensor {
	out := make([]scan.Sensor, 0, len(c.Meters))
	for _, m := range c.Meters {
		s := scan.Sensor{Name: m.Name}
		if m.Low != nil || m.High != nil {
			r := scan.Range{Low: math.Inf(-1), High: math.Inf(1)}
			if m.Low != nil {
				r.Low = *m.Low
			}
			if m.High != nil {
				r.High = *m.High
			}
			s.Range = &r
		}
		out = append(out, s)
	}
	return out
}

// WriteYAML renders the configuration as YAML.
func (c *ScanConfig) WriteYAML(w io.Writer) error {
	return yml.NewEncoder(w).Encode(c)
}
