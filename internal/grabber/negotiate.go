package grabber

import (
	"context"
	"errors"
	"fmt"

	"github.com/csrubin/buckeyeville-lidar/internal/monitoring"
	"github.com/csrubin/buckeyeville-lidar/internal/rplidar"
)

var (
	// ErrCannotBind matches every BindError.
	ErrCannotBind = errors.New("cannot bind to serial port")
	// ErrNoDevice is returned when Negotiate is given a nil device.
	ErrNoDevice = errors.New("grabber: no device")
)

// BindError reports that no candidate rate produced a live device.
type BindError struct {
	Port string
	// Err is the failure of the last attempt, if any was made.
	Err error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("cannot bind to the specified serial port %s", e.Port)
}

func (e *BindError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrCannotBind) hold.
func (e *BindError) Is(target error) bool { return target == ErrCannotBind }

// Negotiate tries each of the target's rates in order and returns a session
// for the first one where the port opens and the device answers a
// device-info query. Every failed attempt disconnects before the next, so on
// failure no transport is left open. The session and the error are never both
// non-nil.
func Negotiate(ctx context.Context, target Target, dev Device, opts ...SessionOption) (*Session, rplidar.DeviceInfo, error) {
	if dev == nil {
		return nil, rplidar.DeviceInfo{}, ErrNoDevice
	}
	s, err := newSession(dev, target.Port(), opts)
	if err != nil {
		return nil, rplidar.DeviceInfo{}, err
	}

	var last error
	for _, baud := range target.BaudRates() {
		if err := ctx.Err(); err != nil {
			last = err
			break
		}

		info, err := connectAt(ctx, dev, target.Port(), baud)
		if err == nil {
			s.baud = baud
			s.info = info
			monitoring.Logf("grabber: bound %s at %d baud: %s", target.Port(), baud, info)
			return s, info, nil
		}

		monitoring.Logf("grabber: %s at %d baud: %v", target.Port(), baud, err)
		if derr := dev.Disconnect(); derr != nil {
			monitoring.Debugf("grabber: release %s after failed attempt: %v", target.Port(), derr)
		}
		last = err
	}
	return nil, rplidar.DeviceInfo{}, &BindError{Port: target.Port(), Err: last}
}

func connectAt(ctx context.Context, dev Device, port string, baud int) (rplidar.DeviceInfo, error) {
	if err := dev.Connect(ctx, port, baud); err != nil {
		return rplidar.DeviceInfo{}, fmt.Errorf("connect: %w", err)
	}
	info, err := dev.DeviceInfo(ctx)
	if err != nil {
		return rplidar.DeviceInfo{}, fmt.Errorf("device info: %w", err)
	}
	return info, nil
}
