package grabber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/csrubin/buckeyeville-lidar/internal/monitoring"
	"github.com/csrubin/buckeyeville-lidar/internal/rplidar"
	"github.com/csrubin/buckeyeville-lidar/internal/timeutil"
)

// DefaultInterval separates fetch cycles.
const DefaultInterval = time.Second

var (
	// ErrInvalidState is returned for an operation the session's state does
	// not allow.
	ErrInvalidState = errors.New("grabber: invalid session state")
	// ErrHealthNotChecked is returned by Start before a passing CheckHealth.
	ErrHealthNotChecked = errors.New("grabber: device health not confirmed")
)

// State is the lifecycle stage of a Session.
type State int32

const (
	StateIdle State = iota
	StateMotorStarted
	StateStreaming
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMotorStarted:
		return "motor-started"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// SessionOption configures a Session.
type SessionOption func(*Session) error

// WithInterval sets the pause between fetch cycles.
func WithInterval(d time.Duration) SessionOption {
	return func(s *Session) error {
		if d <= 0 {
			return fmt.Errorf("grabber: interval must be positive, got %s", d)
		}
		s.interval = d
		return nil
	}
}

// WithClock replaces the clock used for the inter-cycle sleep and timestamps.
func WithClock(c timeutil.Clock) SessionOption {
	return func(s *Session) error {
		if c == nil {
			return errors.New("grabber: nil clock")
		}
		s.clock = c
		return nil
	}
}

// WithCapacity sets the per-fetch buffer capacity.
func WithCapacity(n int) SessionOption {
	return func(s *Session) error {
		if n <= 0 || n > MaxBatchCapacity {
			return fmt.Errorf("%w: %d (must be 1..%d)", ErrInvalidCapacity, n, MaxBatchCapacity)
		}
		s.capacity = n
		return nil
	}
}

// Stats counts loop outcomes.
type Stats struct {
	Cycles        uint64
	Sweeps        uint64
	FetchFailures uint64
	SinkFailures  uint64
}

// Session owns a negotiated device. It is created by Negotiate and must be
// closed exactly once; Close is safe to defer and to call again.
type Session struct {
	dev  Device
	port string
	baud int
	info rplidar.DeviceInfo

	clock    timeutil.Clock
	interval time.Duration
	capacity int

	state        atomic.Int32
	healthy      bool
	motorStarted bool
	streaming    bool
	seq          uint64

	statsMu sync.Mutex
	stats   Stats

	closeOnce sync.Once
}

func newSession(dev Device, port string, opts []SessionOption) (*Session, error) {
	s := &Session{
		dev:      dev,
		port:     port,
		clock:    timeutil.RealClock{},
		interval: DefaultInterval,
		capacity: MaxBatchCapacity,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Port returns the bound port path.
func (s *Session) Port() string { return s.port }

// BaudRate returns the negotiated rate.
func (s *Session) BaudRate() int { return s.baud }

// DeviceInfo returns the device-info payload captured during negotiation.
func (s *Session) DeviceInfo() rplidar.DeviceInfo { return s.info }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Stats returns a snapshot of the loop counters.
func (s *Session) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Session) count(f func(*Stats)) {
	s.statsMu.Lock()
	f(&s.stats)
	s.statsMu.Unlock()
}

// Start spins up the motor and requests the continuous scan stream. A failure
// leaves whatever did start for Close to undo.
func (s *Session) Start(ctx context.Context) error {
	if st := s.State(); st != StateIdle {
		return fmt.Errorf("%w: start in state %s", ErrInvalidState, st)
	}
	if !s.healthy {
		return ErrHealthNotChecked
	}

	if err := s.dev.StartMotor(); err != nil {
		return fmt.Errorf("start motor: %w", err)
	}
	s.motorStarted = true
	s.setState(StateMotorStarted)

	if err := s.dev.StartScan(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start scan: %w", err)
	}
	s.streaming = true
	s.setState(StateStreaming)
	return nil
}

// Run starts the session and then fetches, orders and emits one sweep per
// cycle until ctx is cancelled. Cancellation is observed only between
// cycles: a fetch in flight completes, and the pause between cycles runs to
// its end. Run returns nil once cancellation ends the loop; a setup failure
// is returned as is.
func (s *Session) Run(ctx context.Context, sink Sink) error {
	if sink == nil {
		return errors.New("grabber: nil sink")
	}
	buf, err := NewBuffer(s.capacity)
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	monitoring.Logf("grabber: streaming from %s at %d baud", s.port, s.baud)

	for ctx.Err() == nil {
		s.cycle(ctx, buf, sink)
		if ctx.Err() != nil {
			break
		}
		s.clock.Sleep(s.interval)
	}

	st := s.Stats()
	monitoring.Logf("grabber: stopping after %d cycles (%d sweeps, %d fetch failures, %d sink failures)",
		st.Cycles, st.Sweeps, st.FetchFailures, st.SinkFailures)
	return nil
}

// cycle performs one fetch and, on success, one emission.
func (s *Session) cycle(ctx context.Context, buf *Buffer, sink Sink) {
	callCtx := context.WithoutCancel(ctx)
	s.count(func(st *Stats) { st.Cycles++ })

	if err := buf.Fill(callCtx, s.dev); err != nil {
		s.count(func(st *Stats) { st.FetchFailures++ })
		monitoring.Debugf("grabber: fetch skipped: %v", err)
		return
	}

	s.seq++
	sweep := Sweep{
		Seq:        s.seq,
		CapturedAt: s.clock.Now(),
		Samples:    buf.Samples(),
	}
	s.count(func(st *Stats) { st.Sweeps++ })
	if monitoring.Verbose() {
		monitoring.Debugf("grabber: sweep %d: %s", sweep.Seq, Summarize(sweep))
	}

	if err := sink.WriteSweep(callCtx, sweep); err != nil {
		s.count(func(st *Stats) { st.SinkFailures++ })
		monitoring.Logf("grabber: sweep %d not fully written: %v", sweep.Seq, err)
	}
}

// Close stops the stream and the motor if they were started, then releases
// the device. Only the first call does anything; its teardown errors are
// logged and returned joined.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.setState(StateStopping)

		var errs []error
		if s.streaming {
			if e := s.dev.Stop(); e != nil {
				errs = append(errs, fmt.Errorf("stop scan: %w", e))
			}
			s.streaming = false
		}
		if s.motorStarted {
			if e := s.dev.StopMotor(); e != nil {
				errs = append(errs, fmt.Errorf("stop motor: %w", e))
			}
			s.motorStarted = false
		}
		if e := s.dev.Disconnect(); e != nil {
			errs = append(errs, fmt.Errorf("disconnect: %w", e))
		}

		s.setState(StateClosed)
		err = errors.Join(errs...)
		if err != nil {
			monitoring.Logf("grabber: teardown of %s: %v", s.port, err)
		}
	})
	return err
}
