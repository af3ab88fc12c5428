package scan

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned, wrapped together with the context error, when a
// scan is stopped by its context. The partial result is returned alongside.
var ErrCancelled = errors.New("scan cancelled")

// ErrNonFiniteReading is returned when a sensor reads NaN or an infinity.
var ErrNonFiniteReading = errors.New("non-finite reading")

// ActuatorSetError reports that an actuator did not converge to its target
// within tolerance after all verification attempts.
type ActuatorSetError struct {
	Name     string
	Target   float64
	Last     float64
	Attempts int
}

func (e *ActuatorSetError) Error() string {
	return fmt.Sprintf("failed to set motor %q to %g after %d attempts (last read %g)",
		e.Name, e.Target, e.Attempts, e.Last)
}

// SensorOutOfRangeError reports a sampled sensor value outside its valid
// range. Calibration and optimisation treat it as recoverable.
type SensorOutOfRangeError struct {
	Name      string
	Value     float64
	Range     Range
	StepIndex int
}

func (e *SensorOutOfRangeError) Error() string {
	return fmt.Sprintf("meter %q value %g outside allowed range [%g, %g] at step %d",
		e.Name, e.Value, e.Range.Low, e.Range.High, e.StepIndex)
}

// InitialReadError reports that an actuator's starting value could not be
// read, so the scan was not started.
type InitialReadError struct {
	Name string
	Err  error
}

func (e *InitialReadError) Error() string {
	return fmt.Sprintf("failed to retrieve initial motor value for %q: %v", e.Name, e.Err)
}

func (e *InitialReadError) Unwrap() error { return e.Err }

// RestoreError describes one actuator that could not be returned to its
// original value. It is recorded in the result metadata and logged, it never
// replaces the scan outcome.
type RestoreError struct {
	Name   string
	Target float64
	Err    error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("failed to restore motor %q to its original value %g: %v", e.Name, e.Target, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }

// IsOutOfRange reports whether err carries a SensorOutOfRangeError.
func IsOutOfRange(err error) bool {
	var rangeErr *SensorOutOfRangeError
	return errors.As(err, &rangeErr)
}

// IsCancelled reports whether err came from a cancelled scan.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
