package scan

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/motorscan/internal/monitoring"
	"github.com/banshee-data/motorscan/internal/timeutil"
)

// Controller commands actuators and optionally verifies that they settled.
type Controller struct {
	dev       Device
	clock     timeutil.Clock
	log       *monitoring.Logger
	verify    bool
	retries   int
	delay     time.Duration
	tolerance float64
}

// NewController returns a Controller that applies the verification settings
// of opts. A nil clock uses the real clock.
func NewController(dev Device, clock timeutil.Clock, log *monitoring.Logger, opts Options) *Controller {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	opts = opts.normalized()
	return &Controller{
		dev:       dev,
		clock:     clock,
		log:       log,
		verify:    opts.VerifyMotor,
		retries:   opts.MaxRetries,
		delay:     opts.Delay,
		tolerance: opts.Tolerance,
	}
}

// Set drives the named actuator to target. Without verification it writes
// once. With verification it repeats write, settle, read-back until the
// read-back is within tolerance, returning *ActuatorSetError after the last
// attempt. Device errors and context cancellation abort immediately.
func (c *Controller) Set(ctx context.Context, name string, target float64) error {
	if !c.verify {
		if err := c.dev.Write(name, target); err != nil {
			return fmt.Errorf("write motor %q: %w", name, err)
		}
		c.log.Debugf("%s set to %g without verification", name, target)
		return nil
	}

	last := math.NaN()
	for attempt := 1; attempt <= c.retries; attempt++ {
		if err := c.dev.Write(name, target); err != nil {
			return fmt.Errorf("write motor %q: %w", name, err)
		}
		if err := c.clock.Sleep(ctx, c.delay); err != nil {
			return err
		}
		v, err := c.dev.Read(name)
		if err != nil {
			return fmt.Errorf("read back motor %q: %w", name, err)
		}
		last = v
		c.log.Debugf("attempt %d/%d setting %s to %g, current position %g", attempt, c.retries, name, target, v)
		if math.Abs(v-target) <= c.tolerance {
			return nil
		}
	}
	return &ActuatorSetError{Name: name, Target: target, Last: last, Attempts: c.retries}
}
