package scan

import (
	"fmt"
	"time"
)

// Default scan options.
const (
	DefaultMaxRetries = 3
	DefaultDelay      = 100 * time.Millisecond
	DefaultTolerance  = 1e-3
	DefaultSampleSize = 10
	DefaultDirname    = "data"
)

// Options controls how a scan drives the hardware and what it records.
type Options struct {
	// VerifyMotor reads each actuator back after writing it and retries
	// until it is within Tolerance of the target.
	VerifyMotor bool
	MaxRetries  int
	Delay       time.Duration
	Tolerance   float64

	// SampleSize is the number of reads averaged per sensor per step.
	SampleSize int

	// Save writes data.json and metadata.json to a fresh directory under
	// Dirname once the scan ends.
	Save    bool
	Dirname string

	// SaveOriginalMotorValues snapshots every actuator before the sweep and
	// restores it afterwards, on every exit path.
	SaveOriginalMotorValues bool

	// Parallel fans out actuator writes and sensor reads within a step.
	Parallel bool

	// Repeat runs the whole set of combinations this many times.
	Repeat int

	// Listeners are notified after every step, in order.
	Listeners []Listener
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		VerifyMotor:             true,
		MaxRetries:              DefaultMaxRetries,
		Delay:                   DefaultDelay,
		Tolerance:               DefaultTolerance,
		SampleSize:              DefaultSampleSize,
		Save:                    true,
		Dirname:                 DefaultDirname,
		SaveOriginalMotorValues: true,
		Repeat:                  1,
	}
}

// Validate rejects option values that cannot be normalised.
func (o Options) Validate() error {
	if o.Delay < 0 {
		return fmt.Errorf("delay must be non-negative, got %v", o.Delay)
	}
	if o.Tolerance < 0 {
		return fmt.Errorf("tolerance must be non-negative, got %g", o.Tolerance)
	}
	if o.MaxRetries > 1000 {
		return fmt.Errorf("max_retries must not exceed 1000, got %d", o.MaxRetries)
	}
	if o.SampleSize > 100000 {
		return fmt.Errorf("sample_size must not exceed 100000, got %d", o.SampleSize)
	}
	return nil
}

func (o Options) normalized() Options {
	if o.MaxRetries < 1 {
		o.MaxRetries = 1
	}
	if o.SampleSize < 1 {
		o.SampleSize = 1
	}
	if o.Repeat < 1 {
		o.Repeat = 1
	}
	if o.Dirname == "" {
		o.Dirname = DefaultDirname
	}
	return o
}

func (o Options) parameters() Parameters {
	return Parameters{
		Save:                    o.Save,
		VerifyMotor:             o.VerifyMotor,
		MaxRetries:              o.MaxRetries,
		Delay:                   o.Delay.Seconds(),
		Tolerance:               o.Tolerance,
		SampleSize:              o.SampleSize,
		Parallel:                o.Parallel,
		Repeat:                  o.Repeat,
		SaveOriginalMotorValues: o.SaveOriginalMotorValues,
	}
}

// Listener observes a scan step by step. The snapshot shares immutable step
// records with the running scan and must not be modified. A returned error or
// panic is logged and the scan continues.
type Listener interface {
	OnStep(snapshot *Result) error
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(snapshot *Result) error

// OnStep calls f(snapshot).
func (f ListenerFunc) OnStep(snapshot *Result) error { return f(snapshot) }
