// Package optimize searches actuator settings for the point where the sensors
// come closest to their targets, treating the rig as a black box. The search
// is a Gaussian-process Bayesian optimisation with expected improvement.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/banshee-data/motorscan/internal/monitoring"
	"github.com/banshee-data/motorscan/internal/scan"
)

// Options controls an optimisation run.
type Options struct {
	// Targets are the desired sensor values. Sensors without a target aim
	// for zero.
	Targets map[string]float64
	// NCalls is the total number of objective evaluations, including the
	// one at the reference point.
	NCalls int
	// NInitialPoints random evaluations follow the reference point before
	// the surrogate model drives the search.
	NInitialPoints int
	RandomSeed     int64
	// Penalty is the objective value given to settings that push a sensor
	// out of its range.
	Penalty float64
	// Candidates is the number of random points scored by the acquisition
	// function per proposal.
	Candidates int
}

// DefaultOptions returns the standard optimisation settings.
func DefaultOptions() Options {
	return Options{
		NCalls:         10,
		NInitialPoints: 5,
		RandomSeed:     42,
		Penalty:        10,
		Candidates:     2000,
	}
}

// Evaluation is one objective evaluation.
type Evaluation struct {
	Settings  map[string]float64 `json:"settings"`
	Objective float64            `json:"objective"`
	Penalized bool               `json:"penalized,omitempty"`
}

// Result is the outcome of Optimize.
type Result struct {
	BestSettings  map[string]float64
	BestObjective float64
	Evaluations   []Evaluation
	// Final is the confirmatory scan at BestSettings.
	Final *scan.Result
}

// Optimizer runs optimisations through a Scanner.
type Optimizer struct {
	Scanner scan.Scanner
	Options Options
	Log     *monitoring.Logger
}

// New returns an Optimizer with the given options.
func New(s scan.Scanner, opts Options) *Optimizer {
	return &Optimizer{Scanner: s, Options: opts, Log: monitoring.New("optimize")}
}

type bound struct{ low, high float64 }

func (b bound) width() float64 { return b.high - b.low }

// Optimize minimises the sum of absolute sensor deviations from the targets.
//
// Each actuator's Values[0] is its reference ("off") setting and Values[1]
// the half-width of the search interval around it. A baseline scan at the
// reference point runs first and its metadata is the prior of every
// evaluation and of the final scan, which honours req.Options.Save and
// records the best settings under bayesian_optimization.
func (o *Optimizer) Optimize(ctx context.Context, req scan.Request) (*Result, error) {
	opts := o.Options
	if err := validate(req, opts); err != nil {
		return nil, err
	}
	if opts.Candidates < 1 {
		opts.Candidates = DefaultOptions().Candidates
	}
	log := o.Log
	acts := req.Actuators

	bounds := make([]bound, len(acts))
	off := make(map[string]float64, len(acts))
	for i, a := range acts {
		on := math.Abs(a.Delta())
		bounds[i] = bound{low: a.Off() - on, high: a.Off() + on}
		off[a.Name] = a.Off()
	}

	sub := req.Options
	sub.Save = false

	log.Infof("Performing a basic scan with the initial values of the motors")
	base, err := o.Scanner.Run(ctx, scan.Request{
		Actuators: scan.Fixed(acts, off),
		Sensors:   req.Sensors,
		Options:   sub,
		Prior:     req.Prior,
	})
	if err != nil {
		return nil, fmt.Errorf("baseline scan: %w", err)
	}
	prior := base.Metadata.Clone()
	log.Debugf("baseline meter values %v", base.FinalReadings())

	s := &search{
		o:      o,
		opts:   opts,
		req:    req,
		sub:    sub,
		prior:  prior,
		bounds: bounds,
		rng:    rand.New(rand.NewSource(opts.RandomSeed)),
	}

	log.Infof("Starting Bayesian optimisation: %d evaluations", opts.NCalls)
	for call := 0; call < opts.NCalls; call++ {
		var x []float64
		var settings map[string]float64
		switch {
		case call == 0:
			x, settings = s.toUnit(off), off
		case call <= opts.NInitialPoints:
			x = s.randomPoint()
		default:
			x = s.propose()
		}
		if settings == nil {
			settings = s.fromUnit(x)
		}
		if err := s.evaluate(ctx, x, settings); err != nil {
			return nil, err
		}
	}

	best := s.best()
	out := &Result{
		BestSettings:  best.Settings,
		BestObjective: best.Objective,
		Evaluations:   s.history,
	}
	log.Infof("Bayesian optimisation is complete: best %v, objective %g", best.Settings, best.Objective)

	prior.Optimization = &scan.OptimizationSummary{
		BestSettings: best.Settings,
		BestValue:    best.Objective,
	}
	final, err := o.Scanner.Run(ctx, scan.Request{
		Actuators: scan.Fixed(acts, best.Settings),
		Sensors:   req.Sensors,
		Options:   req.Options,
		Prior:     prior,
	})
	out.Final = final
	if err != nil {
		return out, fmt.Errorf("final scan: %w", err)
	}
	return out, nil
}

// search is the state of one Optimize call. Points are kept in the unit cube.
type search struct {
	o      *Optimizer
	opts   Options
	req    scan.Request
	sub    scan.Options
	prior  *scan.Metadata
	bounds []bound
	rng    *rand.Rand

	points  [][]float64
	values  []float64
	history []Evaluation
}

func (s *search) toUnit(settings map[string]float64) []float64 {
	x := make([]float64, len(s.bounds))
	for i, a := range s.req.Actuators {
		if w := s.bounds[i].width(); w > 0 {
			x[i] = (settings[a.Name] - s.bounds[i].low) / w
		}
	}
	return x
}

func (s *search) fromUnit(x []float64) map[string]float64 {
	settings := make(map[string]float64, len(x))
	for i, a := range s.req.Actuators {
		settings[a.Name] = s.bounds[i].low + x[i]*s.bounds[i].width()
	}
	return settings
}

func (s *search) randomPoint() []float64 {
	x := make([]float64, len(s.bounds))
	for i := range x {
		x[i] = s.rng.Float64()
	}
	return x
}

// propose fits the surrogate to every evaluation so far and returns the
// random candidate with the highest expected improvement. Candidates close to
// an evaluated point are skipped. If the model cannot be fitted the search
// falls back to a random point.
func (s *search) propose() []float64 {
	gp := newGaussianProcess()
	if err := gp.fit(s.points, s.values); err != nil {
		s.o.Log.Warnf("surrogate model unavailable, sampling at random: %v", err)
		return s.randomPoint()
	}
	best := s.best().Objective

	var pick []float64
	top := -1.0
	for c := 0; c < s.opts.Candidates; c++ {
		x := s.randomPoint()
		if s.visited(x) {
			continue
		}
		mu, sd := gp.predict(x)
		if ei := expectedImprovement(mu, sd, best, 0.01); ei > top {
			top, pick = ei, x
		}
	}
	if pick == nil {
		return s.randomPoint()
	}
	return pick
}

func (s *search) visited(x []float64) bool {
	for _, p := range s.points {
		var d2 float64
		for i := range p {
			d := p[i] - x[i]
			d2 += d * d
		}
		if d2 < 1e-12 {
			return true
		}
	}
	return false
}

func (s *search) evaluate(ctx context.Context, x []float64, settings map[string]float64) error {
	s.o.Log.Debugf("Current motor settings: %v", settings)

	ev := Evaluation{Settings: settings}
	res, err := s.o.Scanner.Run(ctx, scan.Request{
		Actuators: scan.Fixed(s.req.Actuators, settings),
		Sensors:   s.req.Sensors,
		Options:   s.sub,
		Prior:     s.prior,
	})
	switch {
	case err == nil:
		ev.Objective = objective(res.FinalReadings(), s.req.Sensors, s.opts.Targets)
		s.o.Log.Debugf("Target delta (%v): %g", s.opts.Targets, ev.Objective)
	case scan.IsOutOfRange(err):
		s.o.Log.Warnf("Meter value outside the allowed range, applying penalty %g: %v", s.opts.Penalty, err)
		ev.Objective = s.opts.Penalty
		ev.Penalized = true
	default:
		return fmt.Errorf("evaluation %d: %w", len(s.history)+1, err)
	}

	s.points = append(s.points, x)
	s.values = append(s.values, ev.Objective)
	s.history = append(s.history, ev)
	return nil
}

// best returns the lowest evaluation; ties go to the earliest.
func (s *search) best() Evaluation {
	b := s.history[0]
	for _, ev := range s.history[1:] {
		if ev.Objective < b.Objective {
			b = ev
		}
	}
	return b
}

// objective sums the absolute deviation of every sensor from its target.
func objective(readings map[string]float64, sensors []scan.Sensor, targets map[string]float64) float64 {
	var sum float64
	for _, sn := range sensors {
		sum += math.Abs(readings[sn.Name] - targets[sn.Name])
	}
	return sum
}

func validate(req scan.Request, opts Options) error {
	if len(req.Actuators) == 0 {
		return errors.New("optimisation needs at least one motor")
	}
	if len(req.Sequence) > 0 {
		return errors.New("optimisation does not take an explicit sequence")
	}
	for _, a := range req.Actuators {
		if len(a.Values) == 0 {
			return fmt.Errorf("motor %q has no reference value", a.Name)
		}
	}
	if opts.NCalls < 1 {
		return fmt.Errorf("n_calls must be at least 1, got %d", opts.NCalls)
	}
	if opts.NInitialPoints < 0 {
		return fmt.Errorf("n_initial_points must be non-negative, got %d", opts.NInitialPoints)
	}
	known := make(map[string]bool, len(req.Sensors))
	for _, s := range req.Sensors {
		known[s.Name] = true
	}
	for name := range opts.Targets {
		if !known[name] {
			return fmt.Errorf("target given for unknown meter %q", name)
		}
	}
	return nil
}
