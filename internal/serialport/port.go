// Package serialport is the transport seam between the scanner driver and
// go.bug.st/serial. It keeps the driver testable without hardware.
package serialport

import (
	"io"
	"time"
)

// Port defines the serial port operations the scanner driver relies on.
// go.bug.st/serial.Port satisfies it directly.
type Port interface {
	io.ReadWriteCloser

	// SetDTR drives the DTR line. Scanners without a motor controller use it
	// as the motor enable.
	SetDTR(dtr bool) error

	// SetReadTimeout bounds each Read. A Read that times out returns 0, nil.
	SetReadTimeout(timeout time.Duration) error

	// ResetInputBuffer discards bytes received but not yet read.
	ResetInputBuffer() error
}

// Opener opens serial ports. This abstraction enables dependency injection
// of port creation so negotiation can be exercised against scripted ports.
type Opener interface {
	// Open opens a serial port at the specified path with the given options.
	Open(path string, opts PortOptions) (Port, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(path string, opts PortOptions) (Port, error)

// Open calls f(path, opts).
func (f OpenerFunc) Open(path string, opts PortOptions) (Port, error) {
	return f(path, opts)
}
