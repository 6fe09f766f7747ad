package sweepdb

import (
	"context"
	"sync"

	"github.com/csrubin/buckeyeville-lidar/internal/grabber"
	"github.com/csrubin/buckeyeville-lidar/internal/rplidar"
	"github.com/csrubin/buckeyeville-lidar/internal/timeutil"
)

// Recorder is a grabber.Sink that stores every sweep under one session.
type Recorder struct {
	db    *DB
	id    string
	clock timeutil.Clock

	mu     sync.Mutex
	count  int
	closed bool
}

// NewRecorder starts a session for the bound device.
func NewRecorder(ctx context.Context, db *DB, port string, baud int, info rplidar.DeviceInfo, clock timeutil.Clock) (*Recorder, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	id, err := db.StartSession(ctx, port, baud, info, clock.Now())
	if err != nil {
		return nil, err
	}
	return &Recorder{db: db, id: id, clock: clock}, nil
}

// SessionID returns the recording session's ID.
func (r *Recorder) SessionID() string { return r.id }

// Count returns how many sweeps were stored.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// WriteSweep stores sw.
func (r *Recorder) WriteSweep(ctx context.Context, sw grabber.Sweep) error {
	if err := r.db.RecordSweep(ctx, r.id, sw); err != nil {
		return err
	}
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
	return nil
}

// Close ends the session. Later calls do nothing.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	return r.db.EndSession(context.Background(), r.id, r.clock.Now())
}
