package scan

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/motorscan/internal/fsutil"
	"github.com/banshee-data/motorscan/internal/monitoring"
	"github.com/banshee-data/motorscan/internal/timeutil"
)

// Scanner runs a scan. Engine is the hardware implementation; calibration,
// optimisation and watch mode are built on top of this interface and never
// touch the device directly for actuator moves.
type Scanner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// Request describes one scan.
type Request struct {
	Actuators []Actuator
	Sensors   []Sensor

	// Sequence, when non-empty, replaces the Cartesian product of actuator
	// values with an explicit ordered list of settings. Every setting must
	// assign every actuator.
	Sequence []map[string]float64

	Options Options

	// Prior carries the metadata of earlier scans forward. Its steps are
	// kept and new steps continue its numbering. Prior is not modified.
	Prior *Metadata
}

// Engine executes scans against a Device.
type Engine struct {
	Device Device
	Clock  timeutil.Clock
	FS     fsutil.FileSystem
	Log    *monitoring.Logger

	// NewID names output directories. Defaults to a random UUID.
	NewID func() string
}

// NewEngine returns an Engine using the real clock and filesystem.
func NewEngine(dev Device) *Engine {
	return &Engine{
		Device: dev,
		Clock:  timeutil.RealClock{},
		FS:     fsutil.OSFileSystem{},
		Log:    monitoring.New("scan"),
		NewID:  func() string { return uuid.New().String() },
	}
}

func (e *Engine) clock() timeutil.Clock {
	if e.Clock == nil {
		return timeutil.RealClock{}
	}
	return e.Clock
}

func (e *Engine) fs() fsutil.FileSystem {
	if e.FS == nil {
		return fsutil.OSFileSystem{}
	}
	return e.FS
}

func (e *Engine) newID() string {
	if e.NewID == nil {
		return uuid.New().String()
	}
	return e.NewID()
}

// session is the mutable state of a single Run.
type session struct {
	e           *Engine
	req         Request
	opts        Options
	ctrl        *Controller
	sampler     *Sampler
	meta        *Metadata
	data        Index
	original    map[string]float64
	taken       int
	interrupted bool
	outputDir   string
	saveErr     error
}

// Run executes the scan described by req.
//
// Before the first step every actuator is read so it can be restored; if any
// read fails Run returns *InitialReadError without moving anything. Each step
// sets all actuators, samples all sensors, checks sensor ranges, appends the
// step and notifies listeners. Whatever happens, the actuators are then
// restored once and, if requested, the result is saved.
//
// On success the complete result is returned. If ctx is cancelled the partial
// result is returned together with an error wrapping ErrCancelled. If only
// saving failed the result is returned together with the save error. Any
// other failure returns a nil result and the error.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	opts := req.Options.normalized()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scan options: %w", err)
	}
	settings, err := planSettings(req, opts.Repeat)
	if err != nil {
		return nil, err
	}

	log := e.Log
	s := &session{
		e:       e,
		req:     req,
		opts:    opts,
		ctrl:    NewController(e.Device, e.clock(), log, opts),
		sampler: &Sampler{Device: e.Device, Parallel: opts.Parallel},
		data:    make(Index),
	}

	if opts.SaveOriginalMotorValues {
		s.original = make(map[string]float64, len(req.Actuators))
		for _, a := range req.Actuators {
			v, err := e.Device.Read(a.Name)
			if err != nil {
				log.Errorf("error getting initial value for motor %q: %v", a.Name, err)
				return nil, &InitialReadError{Name: a.Name, Err: err}
			}
			s.original[a.Name] = v
		}
	}
	s.meta = s.startMetadata()

	log.Infof("Starting scan process: motors %v, meters %v, %d steps",
		s.meta.Motors, s.meta.Meters, len(settings))

	var runErr error
	func() {
		defer s.finish(ctx)
		runErr = s.sweep(ctx, settings)
	}()

	res := &Result{Data: s.data, Metadata: *s.meta, OutputDir: s.outputDir}
	switch {
	case runErr == nil:
		log.Infof("Scan process completed: %d steps", len(settings))
		return res, s.saveErr
	case s.interrupted:
		log.Errorf("Scan process stopped by user after %d steps: %v", s.taken, runErr)
		return res, runErr
	default:
		log.Errorf("Error during scan process: %v", runErr)
		return nil, runErr
	}
}

func planSettings(req Request, repeat int) ([]map[string]float64, error) {
	seen := make(map[string]bool, len(req.Actuators))
	for _, a := range req.Actuators {
		if a.Name == "" {
			return nil, errors.New("motor name must not be empty")
		}
		if seen[a.Name] {
			return nil, fmt.Errorf("duplicate motor %q", a.Name)
		}
		seen[a.Name] = true
	}
	sensorSeen := make(map[string]bool, len(req.Sensors))
	for _, sn := range req.Sensors {
		if sn.Name == "" {
			return nil, errors.New("meter name must not be empty")
		}
		if sensorSeen[sn.Name] {
			return nil, fmt.Errorf("duplicate meter %q", sn.Name)
		}
		sensorSeen[sn.Name] = true
		if sn.Range != nil && sn.Range.Low > sn.Range.High {
			return nil, fmt.Errorf("meter %q has inverted range [%g, %g]", sn.Name, sn.Range.Low, sn.Range.High)
		}
	}

	if len(req.Sequence) > 0 {
		for i, setting := range req.Sequence {
			if len(setting) != len(req.Actuators) {
				return nil, fmt.Errorf("sequence entry %d assigns %d motors, expected %d", i, len(setting), len(req.Actuators))
			}
			for _, a := range req.Actuators {
				if _, ok := setting[a.Name]; !ok {
					return nil, fmt.Errorf("sequence entry %d does not assign motor %q", i, a.Name)
				}
			}
		}
		return repeatSettings(req.Sequence, repeat), nil
	}

	if len(req.Actuators) == 0 {
		// no actuators: a single point that only samples the sensors
		return repeatSettings([]map[string]float64{{}}, repeat), nil
	}
	return Combinations(req.Actuators, repeat), nil
}

func (s *session) startMetadata() *Metadata {
	var m *Metadata
	if s.req.Prior != nil {
		m = s.req.Prior.Clone()
	} else {
		m = &Metadata{}
	}
	m.ScanStartTime = s.e.clock().Now()
	m.ScanEndTime = m.ScanStartTime
	m.Motors = ActuatorNames(s.req.Actuators)
	m.Meters = SensorNames(s.req.Sensors)
	m.OriginalMotorValues = copyFloats(s.original)
	if m.OriginalMotorValues == nil {
		m.OriginalMotorValues = map[string]float64{}
	}
	m.Parameters = s.opts.parameters()
	m.Interrupted = false

	m.MotorRanges = nil
	for _, a := range s.req.Actuators {
		if len(a.Values) == 0 {
			continue
		}
		r := Range{Low: a.Values[0], High: a.Values[0]}
		for _, v := range a.Values[1:] {
			r.Low = min(r.Low, v)
			r.High = max(r.High, v)
		}
		if m.MotorRanges == nil {
			m.MotorRanges = make(map[string]Range)
		}
		m.MotorRanges[a.Name] = r
	}
	m.MeterRanges = nil
	for _, sn := range s.req.Sensors {
		if sn.Range == nil {
			continue
		}
		if m.MeterRanges == nil {
			m.MeterRanges = make(map[string]Range)
		}
		m.MeterRanges[sn.Name] = *sn.Range
	}
	return m
}

func (s *session) sweep(ctx context.Context, settings []map[string]float64) error {
	log := s.e.Log
	names := SensorNames(s.req.Sensors)

	for i, setting := range settings {
		if err := ctx.Err(); err != nil {
			return s.cancelled(ctx)
		}
		log.Infof("Step %d/%d: setting motor combination %v", i+1, len(settings), setting)

		if err := s.apply(ctx, setting); err != nil {
			if ctx.Err() != nil {
				return s.cancelled(ctx)
			}
			return fmt.Errorf("step %d: %w", i+1, err)
		}

		readings, err := s.sampler.Read(ctx, names, s.opts.SampleSize)
		if err != nil {
			if ctx.Err() != nil {
				return s.cancelled(ctx)
			}
			return fmt.Errorf("step %d: %w", i+1, err)
		}

		index := len(s.meta.Steps) + 1
		for _, sn := range s.req.Sensors {
			if sn.Range == nil {
				continue
			}
			if v := readings[sn.Name]; !sn.Range.Contains(v) {
				return &SensorOutOfRangeError{Name: sn.Name, Value: v, Range: *sn.Range, StepIndex: index}
			}
		}

		step := Step{
			StepIndex:   index,
			MotorValues: copyFloats(setting),
			MeterData:   readings,
			Timestamp:   s.e.clock().Now(),
		}
		s.meta.Steps = append(s.meta.Steps, step)
		s.data.record(step)
		s.taken++
		log.Debugf("Collected data from meters: %v", readings)

		s.notify()
	}
	return nil
}

func (s *session) cancelled(ctx context.Context) error {
	s.interrupted = true
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}

func (s *session) apply(ctx context.Context, setting map[string]float64) error {
	if !s.opts.Parallel {
		for _, a := range s.req.Actuators {
			if err := s.ctrl.Set(ctx, a.Name, setting[a.Name]); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range s.req.Actuators {
		a := a
		g.Go(func() error {
			return s.ctrl.Set(gctx, a.Name, setting[a.Name])
		})
	}
	return g.Wait()
}

// notify hands every listener a snapshot. The snapshot's step slice is capped
// so a listener appending to it cannot disturb the scan.
func (s *session) notify() {
	if len(s.opts.Listeners) == 0 {
		return
	}
	m := *s.meta
	n := len(m.Steps)
	m.Steps = m.Steps[:n:n]
	snap := &Result{Data: s.data.Clone(), Metadata: m}

	for i, l := range s.opts.Listeners {
		if l == nil {
			continue
		}
		s.callListener(i, l, snap)
	}
}

func (s *session) callListener(i int, l Listener, snap *Result) {
	defer func() {
		if r := recover(); r != nil {
			s.e.Log.Errorf("listener %d (%T) panicked: %v", i, l, r)
		}
	}()
	if err := l.OnStep(snap); err != nil {
		s.e.Log.Errorf("listener %d (%T) failed: %v", i, l, err)
	}
}

// finish restores the actuators, stamps the end time and saves. Restoration
// uses a context detached from cancellation so an interrupted scan still
// puts the hardware back.
func (s *session) finish(ctx context.Context) {
	log := s.e.Log
	if s.opts.SaveOriginalMotorValues {
		rctx := context.WithoutCancel(ctx)
		log.Infof("Restoring motors to their original values")
		for _, a := range s.req.Actuators {
			target := s.original[a.Name]
			if err := s.ctrl.Set(rctx, a.Name, target); err != nil {
				rerr := &RestoreError{Name: a.Name, Target: target, Err: err}
				log.Warnf("%v", rerr)
				s.meta.RestoreErrors = append(s.meta.RestoreErrors, rerr.Error())
				continue
			}
			log.Debugf("motor %q restored to its original value %g", a.Name, target)
		}
	}

	s.meta.ScanEndTime = s.e.clock().Now()
	s.meta.TotalSteps = len(s.meta.Steps)
	s.meta.Interrupted = s.interrupted

	if s.opts.Save {
		if err := s.save(); err != nil {
			log.Errorf("failed to save scan: %v", err)
			s.saveErr = err
		}
	}
}

func (s *session) save() error {
	fsys := s.e.fs()
	dir := filepath.Join(s.opts.Dirname, s.e.newID())
	if err := fsys.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create output directory %s: %w", dir, err)
	}
	s.meta.Parameters.Dirname = dir
	if err := fsutil.WriteJSON(fsys, filepath.Join(dir, DataFile), s.data); err != nil {
		return err
	}
	if err := fsutil.WriteJSON(fsys, filepath.Join(dir, MetadataFile), s.meta); err != nil {
		return err
	}
	s.outputDir = dir
	s.e.Log.Infof("Data saved to directory %s", dir)
	return nil
}
