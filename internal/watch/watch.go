// Package watch observes a rig at its current actuator settings, recording a
// single-point scan per interval until the observation time runs out or the
// caller cancels.
package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/banshee-data/motorscan/internal/monitoring"
	"github.com/banshee-data/motorscan/internal/scan"
	"github.com/banshee-data/motorscan/internal/timeutil"
)

// Watcher repeatedly scans the rig where it stands.
type Watcher struct {
	Scanner scan.Scanner
	// Device is read for the current actuator values before every scan.
	Device scan.Device
	Clock  timeutil.Clock
	Log    *monitoring.Logger

	// ObservationTime bounds the watch. Zero watches until cancelled.
	ObservationTime time.Duration
	// Interval is the minimum time between scan starts. Zero scans back to
	// back.
	Interval time.Duration
}

// New returns a Watcher using the real clock.
func New(s scan.Scanner, dev scan.Device) *Watcher {
	return &Watcher{Scanner: s, Device: dev, Clock: timeutil.RealClock{}, Log: monitoring.New("watch")}
}

// Watch runs non-saving single-point scans with cumulative metadata. When the
// observation time elapses or ctx is cancelled it records one final scan with
// req.Options (including Save) on a context that is no longer cancellable and
// returns that result. Stopping by cancellation is not an error.
//
// req.Actuators only name the actuators; their values are read from the
// device. req.Sequence is not supported.
func (w *Watcher) Watch(ctx context.Context, req scan.Request) (*scan.Result, error) {
	if len(req.Sequence) > 0 {
		return nil, errors.New("watch does not take an explicit sequence")
	}
	if w.ObservationTime < 0 || w.Interval < 0 {
		return nil, fmt.Errorf("observation time and interval must be non-negative, got %v and %v", w.ObservationTime, w.Interval)
	}
	clock := w.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	log := w.Log

	limit := rate.Inf
	if w.Interval > 0 {
		limit = rate.Every(w.Interval)
	}
	limiter := rate.NewLimiter(limit, 1)

	sub := req.Options
	sub.Save = false
	prior := req.Prior
	var current map[string]float64
	start := clock.Now()
	iterations := 0

	log.Infof("Watching meters %v", scan.SensorNames(req.Sensors))
	for {
		r := limiter.ReserveN(clock.Now(), 1)
		if err := clock.Sleep(ctx, r.DelayFrom(clock.Now())); err != nil {
			break
		}
		if w.ObservationTime > 0 && clock.Since(start) >= w.ObservationTime {
			log.Infof("Observation time of %v elapsed", w.ObservationTime)
			break
		}

		values, err := w.read(req.Actuators)
		if err != nil {
			return nil, err
		}
		current = values
		log.Debugf("on_values=%v", values)

		res, err := w.Scanner.Run(ctx, scan.Request{
			Actuators: scan.Fixed(req.Actuators, values),
			Sensors:   req.Sensors,
			Options:   sub,
			Prior:     prior,
		})
		if err != nil {
			if scan.IsCancelled(err) {
				if res != nil {
					prior = &res.Metadata
				}
				break
			}
			return nil, fmt.Errorf("watch scan %d: %w", iterations+1, err)
		}
		prior = &res.Metadata
		iterations++
	}
	if ctx.Err() != nil {
		log.Errorf("Watch stopped by user after %d scans", iterations)
	}

	fctx := context.WithoutCancel(ctx)
	if current == nil {
		values, err := w.read(req.Actuators)
		if err != nil {
			return nil, err
		}
		current = values
	}
	res, err := w.Scanner.Run(fctx, scan.Request{
		Actuators: scan.Fixed(req.Actuators, current),
		Sensors:   req.Sensors,
		Options:   req.Options,
		Prior:     prior,
	})
	if err != nil {
		return res, fmt.Errorf("final watch scan: %w", err)
	}
	return res, nil
}

func (w *Watcher) read(actuators []scan.Actuator) (map[string]float64, error) {
	values := make(map[string]float64, len(actuators))
	for _, a := range actuators {
		v, err := w.Device.Read(a.Name)
		if err != nil {
			return nil, &scan.InitialReadError{Name: a.Name, Err: err}
		}
		values[a.Name] = v
	}
	return values, nil
}
