package grabber

import (
	"context"
	"errors"
	"fmt"

	"github.com/csrubin/buckeyeville-lidar/internal/monitoring"
	"github.com/csrubin/buckeyeville-lidar/internal/rplidar"
)

var (
	// ErrHealthUnavailable matches a HealthError caused by a failed query.
	ErrHealthUnavailable = errors.New("cannot retrieve the lidar health code")
	// ErrUnhealthy matches a HealthError for a device reporting an error.
	ErrUnhealthy = errors.New("lidar reports an internal error")
)

// Classification is the health gate's verdict.
type Classification int

const (
	Healthy Classification = iota
	Degraded
	Unhealthy
)

func (c Classification) String() string {
	switch c {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return fmt.Sprintf("Classification(%d)", int(c))
	}
}

// Usable reports whether scanning may proceed.
func (c Classification) Usable() bool { return c != Unhealthy }

// Classify maps a health report to a verdict. Only an explicit error status
// blocks scanning.
func Classify(h rplidar.HealthInfo) Classification {
	switch h.Status {
	case rplidar.StatusError:
		return Unhealthy
	case rplidar.StatusWarning:
		return Degraded
	default:
		return Healthy
	}
}

// HealthError is returned by CheckHealth when scanning must not start.
type HealthError struct {
	Health rplidar.HealthInfo
	// Err is set when the query itself failed.
	Err error
}

func (e *HealthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot retrieve the lidar health code: %v", e.Err)
	}
	return fmt.Sprintf("lidar internal error detected (status %s, code 0x%04X); reboot the device and retry",
		e.Health.Status, e.Health.ErrorCode)
}

func (e *HealthError) Unwrap() error { return e.Err }

// Is matches ErrHealthUnavailable or ErrUnhealthy by cause.
func (e *HealthError) Is(target error) bool {
	if e.Err != nil {
		return target == ErrHealthUnavailable
	}
	return target == ErrUnhealthy
}

// CheckHealth queries the device and gates Start on the result. It never
// resets the device.
func (s *Session) CheckHealth(ctx context.Context) (rplidar.HealthInfo, error) {
	if s.State() != StateIdle {
		return rplidar.HealthInfo{}, fmt.Errorf("%w: health check in state %s", ErrInvalidState, s.State())
	}

	h, err := s.dev.Health(ctx)
	if err != nil {
		s.healthy = false
		return rplidar.HealthInfo{}, &HealthError{Err: err}
	}

	switch c := Classify(h); c {
	case Unhealthy:
		s.healthy = false
		return h, &HealthError{Health: h}
	case Degraded:
		monitoring.Logf("grabber: lidar health warning (code 0x%04X), continuing", h.ErrorCode)
	}
	s.healthy = true
	return h, nil
}
