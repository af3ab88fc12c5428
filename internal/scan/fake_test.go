package scan

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/motorscan/internal/fsutil"
	"github.com/banshee-data/motorscan/internal/monitoring"
	"github.com/banshee-data/motorscan/internal/timeutil"
)

type write struct {
	name  string
	value float64
}

// fakeDevice is an in-memory rig. Actuators hold whatever was last written
// (unless lagging or offset); sensors are computed from actuator positions.
type fakeDevice struct {
	mu        sync.Mutex
	positions map[string]float64
	sensors   map[string]func(pos map[string]float64) float64
	sequences map[string][]float64
	offsets   map[string]float64
	lag       map[string]int
	readErr   map[string]error
	writeErr  map[string]error
	writes    []write
	reads     map[string]int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		positions: map[string]float64{},
		sensors:   map[string]func(map[string]float64) float64{},
		sequences: map[string][]float64{},
		offsets:   map[string]float64{},
		lag:       map[string]int{},
		readErr:   map[string]error{},
		writeErr:  map[string]error{},
		reads:     map[string]int{},
	}
}

// linearRig returns actuators A and B and sensor S = A + 2B.
func linearRig() *fakeDevice {
	d := newFakeDevice()
	d.positions["A"] = 0
	d.positions["B"] = 0
	d.sensors["S"] = func(p map[string]float64) float64 { return p["A"] + 2*p["B"] }
	return d
}

func (d *fakeDevice) Read(name string) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads[name]++
	if err := d.readErr[name]; err != nil {
		return 0, err
	}
	if seq := d.sequences[name]; len(seq) > 0 {
		v := seq[0]
		d.sequences[name] = append(seq[1:], v)
		return v, nil
	}
	if f, ok := d.sensors[name]; ok {
		return f(d.positions), nil
	}
	v, ok := d.positions[name]
	if !ok {
		return 0, errors.New("unknown channel " + name)
	}
	return v + d.offsets[name], nil
}

func (d *fakeDevice) Write(name string, value float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writeErr[name]; err != nil {
		return err
	}
	d.writes = append(d.writes, write{name, value})
	if d.lag[name] > 0 {
		d.lag[name]--
		return nil
	}
	d.positions[name] = value
	return nil
}

func (d *fakeDevice) position(name string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.positions[name]
}

func (d *fakeDevice) writeLog() []write {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]write(nil), d.writes...)
}

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(dev Device) (*Engine, *fsutil.MemoryFileSystem, *timeutil.MockClock) {
	mfs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(testStart)
	ids := 0
	return &Engine{
		Device: dev,
		Clock:  clock,
		FS:     mfs,
		Log:    monitoring.Nop(),
		NewID: func() string {
			ids++
			return "run-" + strconv.Itoa(ids)
		},
	}, mfs, clock
}

func quietOptions() Options {
	opts := DefaultOptions()
	opts.VerifyMotor = false
	opts.Save = false
	opts.SampleSize = 1
	opts.Delay = 0
	return opts
}

func abActuators() []Actuator {
	return []Actuator{
		{Name: "A", Values: []float64{0, 1}},
		{Name: "B", Values: []float64{0, 1}},
	}
}

func cancelAfter(cancel context.CancelFunc, steps int) Listener {
	return ListenerFunc(func(r *Result) error {
		if len(r.Metadata.Steps) >= steps {
			cancel()
		}
		return nil
	})
}
