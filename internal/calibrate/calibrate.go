// Package calibrate estimates the linear response of sensors to actuators by
// differential perturbation and uses its pseudo-inverse to compute the
// actuator settings that drive the sensors toward target values.
package calibrate

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/motorscan/internal/monitoring"
	"github.com/banshee-data/motorscan/internal/scan"
)

// Options controls a calibration run.
type Options struct {
	// Targets are the desired sensor values. Sensors without a target aim
	// for zero.
	Targets map[string]float64
	// InverseMode perturbs each actuator in both directions and averages
	// the two response estimates.
	InverseMode bool
	// MaxAttempts bounds how many times a direction is retried with a
	// halved perturbation after a sensor range violation.
	MaxAttempts int
	// Rank is the number of singular values kept when inverting the
	// response matrix. Zero or negative keeps all of them.
	Rank int
	// RCond drops singular values at or below RCond times the largest.
	RCond float64
}

// DefaultOptions returns the standard calibration settings.
func DefaultOptions() Options {
	return Options{
		InverseMode: true,
		MaxAttempts: 10,
		Rank:        5,
		RCond:       1e-15,
	}
}

// ErrZeroPerturbation is returned when an actuator has no perturbation
// magnitude, which would leave its response row undetermined.
var ErrZeroPerturbation = errors.New("motor has zero perturbation")

// Calibrator runs calibrations through a Scanner.
type Calibrator struct {
	Scanner scan.Scanner
	Options Options
	Log     *monitoring.Logger
}

// New returns a Calibrator with the given options.
func New(s scan.Scanner, opts Options) *Calibrator {
	return &Calibrator{Scanner: s, Options: opts, Log: monitoring.New("calibrate")}
}

// Calibrate measures the response matrix around the actuators' reference
// settings and moves them to the computed correction.
//
// Each actuator's Values[0] is its reference ("off") setting and Values[1]
// its perturbation magnitude. req.Options apply to every sub-scan; only the
// final scan honours Save. The final scan's metadata carries the cumulative
// step history plus the response model.
func (c *Calibrator) Calibrate(ctx context.Context, req scan.Request) (*scan.Result, error) {
	opts := c.Options
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if err := validate(req, opts); err != nil {
		return nil, err
	}
	log := c.Log
	acts, sensors := req.Actuators, req.Sensors

	sub := req.Options
	sub.Save = false

	off := make(map[string]float64, len(acts))
	for _, a := range acts {
		off[a.Name] = a.Off()
	}

	log.Infof("Performing baseline scan")
	base, err := c.Scanner.Run(ctx, scan.Request{
		Actuators: scan.Fixed(acts, off),
		Sensors:   sensors,
		Options:   sub,
		Prior:     req.Prior,
	})
	if err != nil {
		return nil, fmt.Errorf("baseline scan: %w", err)
	}
	baseline := base.FinalReadings()
	meta := &base.Metadata
	log.Debugf("baseline meter values %v", baseline)

	directions := []float64{1}
	if opts.InverseMode {
		directions = append(directions, -1)
	}

	var estimates []*mat.Dense
	var rangeErr error
	for _, sign := range directions {
		j, m, err := c.direction(ctx, req, sub, opts.MaxAttempts, sign, off, baseline, meta)
		meta = m
		if err != nil {
			if !scan.IsOutOfRange(err) {
				return nil, err
			}
			log.Errorf("Max attempts reached in direction %+g, unable to complete scan with valid perturbation", sign)
			rangeErr = err
			continue
		}
		estimates = append(estimates, j)
	}
	if len(estimates) == 0 {
		return nil, fmt.Errorf("no valid response estimate: %w", rangeErr)
	}

	jac := mat.NewDense(len(acts), len(sensors), nil)
	for _, e := range estimates {
		jac.Add(jac, e)
	}
	jac.Scale(1/float64(len(estimates)), jac)
	log.Debugf("response matrix:\n%v", mat.Formatted(jac))

	pinv, rank, err := TruncatedPinv(jac, opts.Rank, opts.RCond)
	if err != nil {
		return nil, fmt.Errorf("invert response matrix: %w", err)
	}
	if rank == 0 {
		log.Warnf("response matrix has no usable singular values, no correction applied")
	}

	deltaSensor := mat.NewVecDense(len(sensors), nil)
	for j, sn := range sensors {
		deltaSensor.SetVec(j, opts.Targets[sn.Name]-baseline[sn.Name])
	}
	var deltaMotor mat.VecDense
	deltaMotor.MulVec(pinv.T(), deltaSensor)

	corrections := make(map[string]float64, len(acts))
	final := make(map[string]float64, len(acts))
	for i, a := range acts {
		corrections[a.Name] = deltaMotor.AtVec(i)
		final[a.Name] = off[a.Name] + deltaMotor.AtVec(i)
	}
	log.Infof("Final motor positions %v", final)

	model := &scan.ResponseModel{
		Actuators:        scan.ActuatorNames(acts),
		Sensors:          scan.SensorNames(sensors),
		BaselineReadings: baseline,
		Jacobian:         toRows(jac),
		PseudoInverse:    toRows(pinv),
		Rank:             rank,
		Directions:       len(estimates),
		Targets:          targetsFor(sensors, opts.Targets),
		Corrections:      corrections,
		FinalSettings:    final,
	}
	prior := meta.Clone()
	prior.ResponseMatrix = toRows(jac)
	prior.ResponseModel = model

	res, err := c.Scanner.Run(ctx, scan.Request{
		Actuators: scan.Fixed(acts, final),
		Sensors:   sensors,
		Options:   req.Options,
		Prior:     prior,
	})
	if err != nil {
		return res, fmt.Errorf("final scan: %w", err)
	}
	log.Infof("Finished calibration")
	return res, nil
}

// direction estimates the response matrix by perturbing each actuator alone
// by sign*delta, halving delta after every range violation. The returned
// metadata accumulates the steps of every sub-scan that completed.
func (c *Calibrator) direction(ctx context.Context, req scan.Request, sub scan.Options, maxAttempts int,
	sign float64, off, baseline map[string]float64, meta *scan.Metadata) (*mat.Dense, *scan.Metadata, error) {
	acts, sensors := req.Actuators, req.Sensors
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		scale := math.Ldexp(1, -attempt)
		jac := mat.NewDense(len(acts), len(sensors), nil)
		failed := false

		for i, a := range acts {
			applied := sign * a.Delta() * scale
			settings := make(map[string]float64, len(off))
			for k, v := range off {
				settings[k] = v
			}
			settings[a.Name] = off[a.Name] + applied
			c.Log.Debugf("perturbing %s by %g (attempt %d)", a.Name, applied, attempt+1)

			res, err := c.Scanner.Run(ctx, scan.Request{
				Actuators: scan.Fixed(acts, settings),
				Sensors:   sensors,
				Options:   sub,
				Prior:     meta,
			})
			if err != nil {
				if scan.IsOutOfRange(err) {
					c.Log.Warnf("Attempt %d: meter value outside the allowed range, halving perturbation and retrying: %v", attempt+1, err)
					lastErr = err
					failed = true
					break
				}
				return nil, meta, err
			}
			meta = &res.Metadata

			readings := res.FinalReadings()
			for j, sn := range sensors {
				jac.Set(i, j, (readings[sn.Name]-baseline[sn.Name])/applied)
			}
		}
		if !failed {
			return jac, meta, nil
		}
	}
	return nil, meta, lastErr
}

func validate(req scan.Request, opts Options) error {
	if len(req.Actuators) == 0 {
		return errors.New("calibration needs at least one motor")
	}
	if len(req.Sensors) == 0 {
		return errors.New("calibration needs at least one meter")
	}
	if len(req.Sequence) > 0 {
		return errors.New("calibration does not take an explicit sequence")
	}
	for _, a := range req.Actuators {
		if len(a.Values) < 2 || a.Delta() == 0 {
			return fmt.Errorf("%w: %q", ErrZeroPerturbation, a.Name)
		}
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
	if opts.RCond < 0 {
		return fmt.Errorf("rcond must be non-negative, got %g", opts.RCond)
	}
	return nil
}

func targetsFor(sensors []scan.Sensor, targets map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(sensors))
	for _, s := range sensors {
		out[s.Name] = targets[s.Name]
	}
	return out
}
