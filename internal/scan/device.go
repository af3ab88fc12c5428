package scan

// Device is the hardware boundary: named channels that can be read and
// written. Actuators are read back for verification and restoration, sensors
// are only read.
type Device interface {
	Read(name string) (float64, error)
	Write(name string, value float64) error
}

// DeviceFuncs adapts a pair of plain functions to Device.
type DeviceFuncs struct {
	ReadFunc  func(name string) (float64, error)
	WriteFunc func(name string, value float64) error
}

// Read calls ReadFunc.
func (d DeviceFuncs) Read(name string) (float64, error) { return d.ReadFunc(name) }

// Write calls WriteFunc.
func (d DeviceFuncs) Write(name string, value float64) error { return d.WriteFunc(name, value) }
