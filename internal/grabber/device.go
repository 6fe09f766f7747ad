// Package grabber negotiates a connection to a range scanner, gates on its
// health, and runs the fetch, reorder and emit loop that turns raw scan
// batches into angle-ordered sweeps.
package grabber

import (
	"context"

	"github.com/csrubin/buckeyeville-lidar/internal/rplidar"
)

// Device is the scanner driver as seen by a session. *rplidar.Driver
// implements it.
type Device interface {
	Connect(ctx context.Context, port string, baud int) error
	Disconnect() error
	DeviceInfo(ctx context.Context) (rplidar.DeviceInfo, error)
	Health(ctx context.Context) (rplidar.HealthInfo, error)
	StartMotor() error
	StopMotor() error
	StartScan(ctx context.Context) error
	Stop() error
	GrabScanData(ctx context.Context, buf []rplidar.Node) (int, error)
}

// Sink consumes one sweep per successful fetch cycle.
type Sink interface {
	WriteSweep(ctx context.Context, sweep Sweep) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, sweep Sweep) error

// WriteSweep calls f.
func (f SinkFunc) WriteSweep(ctx context.Context, sweep Sweep) error {
	return f(ctx, sweep)
}

var _ Device = (*rplidar.Driver)(nil)
