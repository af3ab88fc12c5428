package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/motorscan/internal/config"
	"github.com/banshee-data/motorscan/internal/device"
	"github.com/banshee-data/motorscan/internal/fsutil"
	"github.com/banshee-data/motorscan/internal/monitoring"
	"github.com/banshee-data/motorscan/internal/scan"
	"github.com/banshee-data/motorscan/internal/timeutil"
	"github.com/banshee-data/motorscan/internal/version"
)

func testConfig() *config.ScanConfig {
	cfg := config.DefaultScanConfig()
	cfg.Delay = 0
	cfg.SampleSize = 1
	cfg.Save = false
	cfg.Motors = []config.MotorConfig{{Name: "A", Values: []float64{0, 1, 2}}}
	cfg.Meters = []config.MeterConfig{{Name: "S"}}
	cfg.Device.Simulator = device.SimulatorConfig{
		Motors: map[string]float64{"A": 0},
		Meters: map[string]device.MeterModel{"S": {Offset: 1, Gains: map[string]float64{"A": 2}}},
	}
	return &cfg
}

func newTestApp(t *testing.T, cfg *config.ScanConfig) (*app, *bytes.Buffer, *fsutil.MemoryFileSystem) {
	t.Helper()
	var out bytes.Buffer
	mfs := fsutil.NewMemoryFileSystem()
	a, err := newApp(cfg, &out, mfs)
	require.NoError(t, err)
	a.clock = timeutil.NewMockClock(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))
	a.log = monitoring.Nop()
	a.quiet = true
	a.newID = func() string { return "run1" }
	t.Cleanup(a.close)
	return a, &out, mfs
}

func TestUsage(t *testing.T) {
	var buf bytes.Buffer
	usage(&buf)
	for _, cmd := range []string{"scan", "calibrate", "optimize", "watch", "conf", "mkconf", "version"} {
		if !strings.Contains(buf.String(), "\n\t"+cmd) {
			t.Errorf("expected usage to list %q", cmd)
		}
	}
	if !strings.Contains(buf.String(), "-config") {
		t.Errorf("expected usage to describe -config flag, got %q", buf.String())
	}
}

func TestPrintVersion(t *testing.T) {
	var buf bytes.Buffer
	printVersion(&buf)
	if !strings.Contains(buf.String(), version.Version) {
		t.Errorf("expected version %q in %q", version.Version, buf.String())
	}
}

func TestFlagDefaults(t *testing.T) {
	if *configPath != config.DefaultConfigPath {
		t.Errorf("expected default config path %q, got %q", config.DefaultConfigPath, *configPath)
	}
	if *debug || *quiet {
		t.Errorf("expected debug and quiet to default to false")
	}
}

func TestMkconf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "motorscan.yml")
	require.NoError(t, mkconf(testConfig(), path))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Motors, 1)
	assert.Equal(t, []float64{0, 1, 2}, cfg.Motors[0].Values)
	assert.Equal(t, 1.0, cfg.Device.Simulator.Meters["S"].Offset)
}

func TestNewApp_DeviceKinds(t *testing.T) {
	cfg := testConfig()
	cfg.Device.Kind = "teleporter"
	if _, err := newApp(cfg, &bytes.Buffer{}, fsutil.NewMemoryFileSystem()); err == nil {
		t.Error("expected error for unknown device kind")
	}

	cfg = testConfig()
	cfg.Device.Kind = "serial"
	cfg.Device.Port = filepath.Join(t.TempDir(), "no-such-port")
	saved := device.OpenRetryTimeout
	device.OpenRetryTimeout = 50 * time.Millisecond
	defer func() { device.OpenRetryTimeout = saved }()
	if _, err := newApp(cfg, &bytes.Buffer{}, fsutil.NewMemoryFileSystem()); err == nil {
		t.Error("expected error opening a missing serial port")
	}
}

func TestRun_Scan(t *testing.T) {
	cfg := testConfig()
	cfg.Save = true
	a, out, mfs := newTestApp(t, cfg)
	a.quiet = false

	res, err := a.run(context.Background(), "scan")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Metadata.TotalSteps)
	assert.Equal(t, []string{"data/run1/data.json", "data/run1/metadata.json"}, mfs.Files("data/"))
	assert.Contains(t, out.String(), "=== Scan Data Table ===")
	assert.Contains(t, out.String(), "Saved 3 steps to data/run1")
}

func TestRun_LiveOutput(t *testing.T) {
	tests := []struct {
		mode   string
		header string
	}{
		{"table", "=== Scan Data Table ==="},
		{"steps", "=== Scan Data ==="},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			cfg := testConfig()
			cfg.Report.Live = tt.mode
			a, out, _ := newTestApp(t, cfg)
			a.quiet = false

			_, err := a.run(context.Background(), "scan")
			require.NoError(t, err)
			// one print per step, plus the closing table
			assert.GreaterOrEqual(t, strings.Count(out.String(), tt.header+"\n"), 3)
			if tt.mode == "steps" {
				assert.Contains(t, out.String(), "Step 3:")
			}
		})
	}
}

func TestRun_ScanWritesPlots(t *testing.T) {
	cfg := testConfig()
	cfg.Report.PlotFile = "plots/run"
	a, _, mfs := newTestApp(t, cfg)

	_, err := a.run(context.Background(), "scan")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"plots/run_meter_steps.png",
		"plots/run_meters.png",
		"plots/run_motor_steps.png",
		"plots/run_motors.png",
	}, mfs.Files("plots/"))
}

func TestRun_Calibrate(t *testing.T) {
	cfg := testConfig()
	cfg.Motors = []config.MotorConfig{{Name: "A", Values: []float64{1, 0.5}}}
	cfg.Targets = map[string]float64{"S": 5}
	cfg.Report.HeatmapFile = "report/response.html"
	a, _, mfs := newTestApp(t, cfg)

	res, err := a.run(context.Background(), "calibrate")
	require.NoError(t, err)
	step, ok := res.Metadata.LastStep()
	require.True(t, ok)
	assert.InDelta(t, 2.0, step.MotorValues["A"], 1e-9)
	assert.InDelta(t, 5.0, step.MeterData["S"], 1e-9)
	require.NotNil(t, res.Metadata.ResponseModel)
	assert.True(t, mfs.Exists("report/response.html"))
}

func TestRun_Optimize(t *testing.T) {
	cfg := testConfig()
	cfg.Motors = []config.MotorConfig{{Name: "A", Values: []float64{1, 1}}}
	cfg.Targets = map[string]float64{"S": 4}
	cfg.NCalls = 6
	cfg.NInitialPoints = 2
	a, out, _ := newTestApp(t, cfg)

	res, err := a.run(context.Background(), "optimize")
	require.NoError(t, err)
	require.NotNil(t, res.Metadata.Optimization)
	assert.Contains(t, out.String(), "Best objective:")
	assert.Contains(t, out.String(), "  A = ")
}

func TestRun_Watch(t *testing.T) {
	cfg := testConfig()
	cfg.ObservationTime = 2
	cfg.WatchInterval = 1
	a, _, _ := newTestApp(t, cfg)

	res, err := a.run(context.Background(), "watch")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, res.Metadata.Motors)
	assert.GreaterOrEqual(t, res.Metadata.TotalSteps, 2)
	for _, s := range res.Metadata.Steps {
		assert.Equal(t, 0.0, s.MotorValues["A"])
	}
}

func TestRun_Cancelled(t *testing.T) {
	a, _, _ := newTestApp(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := a.run(ctx, "scan")
	if !errors.Is(err, scan.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	require.NotNil(t, res)
	assert.True(t, res.Metadata.Interrupted)
}

func TestRun_UnknownCommand(t *testing.T) {
	a, _, _ := newTestApp(t, testConfig())
	if _, err := a.run(context.Background(), "dance"); err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestStepMessage(t *testing.T) {
	res := &scan.Result{Metadata: scan.Metadata{Meters: []string{"S", "T"}}}
	if got := stepMessage(res); got != "waiting" {
		t.Errorf("expected waiting, got %q", got)
	}
	res.Metadata.Steps = []scan.Step{{StepIndex: 1, MeterData: map[string]float64{"S": 1.5}}}
	if got, want := stepMessage(res), "step 1 S=1.5 T=-"; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
