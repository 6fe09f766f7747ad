package grabber

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/csrubin/buckeyeville-lidar/internal/rplidar"
)

type batch struct {
	nodes []rplidar.Node
	// report overrides the returned count when non-zero.
	report int
	err    error
}

// fakeDevice scripts a scanner and records every call made on it.
type fakeDevice struct {
	mu sync.Mutex

	calls []string
	open  bool
	baud  int

	connectErr map[int]error
	infoErr    map[int]error
	info       rplidar.DeviceInfo

	health    rplidar.HealthInfo
	healthErr error

	startMotorErr error
	startScanErr  error
	stopErr       error
	stopMotorErr  error
	disconnectErr error

	batches []batch
	grabs   int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		connectErr: map[int]error{},
		infoErr:    map[int]error{},
		info:       rplidar.DeviceInfo{Model: 24, FirmwareVersion: 0x011D, HardwareVersion: 7},
	}
}

func (f *fakeDevice) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeDevice) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDevice) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeDevice) Count(call string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeDevice) Connect(_ context.Context, port string, baud int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("connect %d", baud)
	if f.open {
		return errors.New("fake: already open")
	}
	if baud <= 0 {
		return rplidar.ErrInvalidBaudRate
	}
	if err := f.connectErr[baud]; err != nil {
		return err
	}
	f.open = true
	f.baud = baud
	return nil
}

func (f *fakeDevice) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("disconnect")
	f.open = false
	return f.disconnectErr
}

func (f *fakeDevice) DeviceInfo(context.Context) (rplidar.DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("info")
	if !f.open {
		return rplidar.DeviceInfo{}, rplidar.ErrNotConnected
	}
	if err := f.infoErr[f.baud]; err != nil {
		return rplidar.DeviceInfo{}, err
	}
	return f.info, nil
}

func (f *fakeDevice) Health(context.Context) (rplidar.HealthInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("health")
	return f.health, f.healthErr
}

func (f *fakeDevice) StartMotor() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start-motor")
	return f.startMotorErr
}

func (f *fakeDevice) StopMotor() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop-motor")
	return f.stopMotorErr
}

func (f *fakeDevice) StartScan(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start-scan")
	return f.startScanErr
}

func (f *fakeDevice) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop")
	return f.stopErr
}

func (f *fakeDevice) GrabScanData(_ context.Context, buf []rplidar.Node) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("grab")
	f.grabs++
	if len(f.batches) == 0 {
		return 0, rplidar.ErrTimeout
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	if b.err != nil {
		return 0, b.err
	}
	n := copy(buf, b.nodes)
	if b.report != 0 {
		n = b.report
	}
	return n, nil
}

// recordingSink keeps every sweep it is handed.
type recordingSink struct {
	mu     sync.Mutex
	sweeps []Sweep
	err    func(n int) error
	after  func(n int)
}

func (r *recordingSink) WriteSweep(_ context.Context, sw Sweep) error {
	r.mu.Lock()
	r.sweeps = append(r.sweeps, sw)
	n := len(r.sweeps)
	r.mu.Unlock()

	if r.after != nil {
		r.after(n)
	}
	if r.err != nil {
		return r.err(n)
	}
	return nil
}

func (r *recordingSink) Sweeps() []Sweep {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sweep(nil), r.sweeps...)
}

// node builds a raw node at roughly deg degrees.
func node(deg float64, distMM uint32, quality uint8) rplidar.Node {
	return rplidar.Node{
		AngleQ14: uint16(deg * 16384 / 90),
		DistQ2:   distMM * 4,
		Quality:  quality << 2,
	}
}
