package rplidar

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/csrubin/buckeyeville-lidar/internal/monitoring"
	"github.com/csrubin/buckeyeville-lidar/internal/serialport"
	"github.com/csrubin/buckeyeville-lidar/internal/timeutil"
)

var (
	ErrNoTransport      = errors.New("rplidar: no serial transport")
	ErrInvalidBaudRate  = errors.New("rplidar: invalid baud rate")
	ErrNotConnected     = errors.New("rplidar: not connected")
	ErrAlreadyConnected = errors.New("rplidar: already connected")
	ErrScanning         = errors.New("rplidar: request not allowed while scanning")
	ErrNotScanning      = errors.New("rplidar: scan not started")
	ErrBufferTooSmall   = errors.New("rplidar: buffer too small for revolution")
)

// MotorControl selects how the spindle motor is driven.
type MotorControl int

const (
	// MotorAuto probes the accessory board and uses PWM when supported,
	// falling back to DTR.
	MotorAuto MotorControl = iota
	// MotorDTR drives the motor enable through the DTR line.
	MotorDTR
	// MotorPWM sends SET_MOTOR_PWM commands.
	MotorPWM
)

func (m MotorControl) String() string {
	switch m {
	case MotorAuto:
		return "auto"
	case MotorDTR:
		return "dtr"
	case MotorPWM:
		return "pwm"
	default:
		return fmt.Sprintf("MotorControl(%d)", int(m))
	}
}

// ParseMotorControl parses the -motor flag value.
func ParseMotorControl(s string) (MotorControl, error) {
	switch s {
	case "", "auto":
		return MotorAuto, nil
	case "dtr":
		return MotorDTR, nil
	case "pwm":
		return MotorPWM, nil
	}
	return MotorAuto, fmt.Errorf("unknown motor control %q: expected auto, dtr, or pwm", s)
}

// Options tunes the driver. Zero values select defaults.
type Options struct {
	// GrabTimeout bounds how long GrabScanData waits for a revolution.
	GrabTimeout time.Duration
	// ResponseTimeout bounds how long a request waits for its answer.
	ResponseTimeout time.Duration
	// ReadTimeout is applied to the serial port; the scan reader wakes at
	// least this often to notice Stop.
	ReadTimeout time.Duration
	// SpinUp is how long StartMotor waits for the spindle to settle.
	SpinUp time.Duration

	Motor    MotorControl
	MotorPWM uint16

	Clock timeutil.Clock
}

const (
	defaultGrabTimeout     = 2 * time.Second
	defaultResponseTimeout = time.Second
	defaultReadTimeout     = 50 * time.Millisecond
	defaultSpinUp          = 500 * time.Millisecond
)

func (o Options) withDefaults() (Options, error) {
	if o.GrabTimeout < 0 || o.ResponseTimeout < 0 || o.ReadTimeout < 0 || o.SpinUp < 0 {
		return o, errors.New("rplidar: timeouts must not be negative")
	}
	if o.Motor < MotorAuto || o.Motor > MotorPWM {
		return o, fmt.Errorf("rplidar: invalid motor control %d", int(o.Motor))
	}
	if o.GrabTimeout == 0 {
		o.GrabTimeout = defaultGrabTimeout
	}
	if o.ResponseTimeout == 0 {
		o.ResponseTimeout = defaultResponseTimeout
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	if o.SpinUp == 0 {
		o.SpinUp = defaultSpinUp
	}
	if o.MotorPWM == 0 {
		o.MotorPWM = DefaultMotorPWM
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o, nil
}

// Driver talks to one scanner. A Driver can be connected, disconnected and
// connected again at another baud rate; it holds at most one open port.
type Driver struct {
	opener serialport.Opener
	opts   Options

	mu        sync.Mutex
	port      serialport.Port
	path      string
	baud      int
	pwmMotor  *bool
	motorOn   bool
	scanning  bool
	scanStop  chan struct{}
	scanDone  chan struct{}
	revs      *revolutionCache
}

// New allocates a driver. It fails only on unusable configuration; no port is
// opened until Connect.
func New(opener serialport.Opener, opts Options) (*Driver, error) {
	if opener == nil {
		return nil, ErrNoTransport
	}
	o, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Driver{opener: opener, opts: o}, nil
}

// Connect opens the port at the given baud rate. It does not talk to the
// device; DeviceInfo is the liveness check.
func (d *Driver) Connect(ctx context.Context, path string, baud int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if baud <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBaudRate, baud)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port != nil {
		return ErrAlreadyConnected
	}

	port, err := d.opener.Open(path, serialport.WithBaudRate(baud))
	if err != nil {
		return err
	}
	if err := port.SetReadTimeout(d.opts.ReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("set read timeout: %w", err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		monitoring.Debugf("rplidar: reset input buffer on %s: %v", path, err)
	}

	d.port = port
	d.path = path
	d.baud = baud
	d.pwmMotor = nil
	d.motorOn = false
	return nil
}

// Connected reports whether a port is open.
func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port != nil
}

// Disconnect stops any scan and closes the port. Calling it while
// disconnected is a no-op.
func (d *Driver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return nil
	}
	d.haltReaderLocked()

	err := d.port.Close()
	d.port = nil
	d.motorOn = false
	if err != nil {
		return fmt.Errorf("close %s: %w", d.path, err)
	}
	return nil
}

// DeviceInfo queries model, firmware, hardware and serial number.
func (d *Driver) DeviceInfo(ctx context.Context) (DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, err := d.queryLocked(ctx, cmdGetInfo, nil, ansTypeDevInfo, devInfoLen)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("get device info: %w", err)
	}
	return decodeDeviceInfo(b), nil
}

// Health queries the device health status.
func (d *Driver) Health(ctx context.Context) (HealthInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, err := d.queryLocked(ctx, cmdGetHealth, nil, ansTypeDevHealth, devHealthLen)
	if err != nil {
		return HealthInfo{}, fmt.Errorf("get health: %w", err)
	}
	return decodeHealth(b), nil
}

// StartMotor spins the motor up and waits for it to settle.
func (d *Driver) StartMotor() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return ErrNotConnected
	}
	if err := d.setMotorLocked(true); err != nil {
		return fmt.Errorf("start motor: %w", err)
	}
	d.motorOn = true
	d.opts.Clock.Sleep(d.opts.SpinUp)
	return nil
}

// StopMotor stops the motor.
func (d *Driver) StopMotor() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return ErrNotConnected
	}
	if err := d.setMotorLocked(false); err != nil {
		return fmt.Errorf("stop motor: %w", err)
	}
	d.motorOn = false
	return nil
}

// StartScan requests continuous measurements and starts caching revolutions.
// Starting an already running scan is a no-op. It always issues the legacy
// SCAN request, which every model answers with 5-byte measurement nodes;
// the express and extended scan modes are not used.
func (d *Driver) StartScan(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return ErrNotConnected
	}
	if d.scanning {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Force any previous operation to stop before the new request.
	if err := d.writeLocked(cmdStop, nil); err != nil {
		return fmt.Errorf("start scan: %w", err)
	}
	d.opts.Clock.Sleep(time.Millisecond)
	if err := d.port.ResetInputBuffer(); err != nil {
		monitoring.Debugf("rplidar: reset input buffer before scan: %v", err)
	}

	if err := d.writeLocked(cmdScan, nil); err != nil {
		return fmt.Errorf("start scan: %w", err)
	}
	desc, err := d.readDescriptorLocked()
	if err != nil {
		return fmt.Errorf("start scan: %w", err)
	}
	if err := desc.expect(ansTypeMeasurement, measurementLen); err != nil {
		return fmt.Errorf("start scan: %w", err)
	}

	d.revs = newRevolutionCache()
	d.scanStop = make(chan struct{})
	d.scanDone = make(chan struct{})
	d.scanning = true
	go readScan(d.path, d.port, d.revs, d.scanStop, d.scanDone)
	return nil
}

// Stop halts the scan stream. The motor keeps spinning until StopMotor.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return ErrNotConnected
	}
	d.haltReaderLocked()
	if err := d.writeLocked(cmdStop, nil); err != nil {
		return fmt.Errorf("stop scan: %w", err)
	}
	d.opts.Clock.Sleep(time.Millisecond)
	if err := d.port.ResetInputBuffer(); err != nil {
		monitoring.Debugf("rplidar: reset input buffer after stop: %v", err)
	}
	return nil
}

// Scanning reports whether the scan stream is running.
func (d *Driver) Scanning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scanning
}

// GrabScanData waits for the next complete revolution and copies it into buf.
// It returns ErrBufferTooSmall rather than truncate a revolution.
func (d *Driver) GrabScanData(ctx context.Context, buf []Node) (int, error) {
	d.mu.Lock()
	scanning, revs := d.scanning, d.revs
	d.mu.Unlock()

	if !scanning {
		return 0, ErrNotScanning
	}

	nodes, err := revs.wait(ctx, d.opts.Clock.After(d.opts.GrabTimeout))
	if err != nil {
		return 0, err
	}
	if len(nodes) > len(buf) {
		return 0, fmt.Errorf("%w: %d nodes, capacity %d", ErrBufferTooSmall, len(nodes), len(buf))
	}
	return copy(buf, nodes), nil
}

// haltReaderLocked stops the scan reader goroutine and waits for it to exit.
func (d *Driver) haltReaderLocked() {
	if !d.scanning {
		return
	}
	close(d.scanStop)
	<-d.scanDone
	d.revs.fail(ErrNotScanning)
	d.scanning = false
}

func (d *Driver) setMotorLocked(on bool) error {
	usePWM, err := d.motorUsesPWMLocked()
	if err != nil {
		return err
	}
	if usePWM {
		pwm := uint16(0)
		if on {
			pwm = d.opts.MotorPWM
		}
		payload := make([]byte, 2)
		binary.LittleEndian.PutUint16(payload, pwm)
		return d.writeLocked(cmdSetMotorPWM, payload)
	}
	// DTR low spins the motor on boards without a motor controller.
	return d.port.SetDTR(!on)
}

func (d *Driver) motorUsesPWMLocked() (bool, error) {
	switch d.opts.Motor {
	case MotorDTR:
		return false, nil
	case MotorPWM:
		return true, nil
	}
	if d.pwmMotor != nil {
		return *d.pwmMotor, nil
	}
	if d.scanning {
		return false, ErrScanning
	}

	payload := make([]byte, 4)
	b, err := d.queryLocked(context.Background(), cmdGetAccBoardFlag, payload, ansTypeAccBoardFlag, accBoardLen)
	supported := false
	switch {
	case err == nil:
		supported = binary.LittleEndian.Uint32(b)&accBoardMotor != 0
	case errors.Is(err, ErrTimeout):
		// Boards without an accessory controller stay silent.
	default:
		return false, fmt.Errorf("probe motor control: %w", err)
	}
	monitoring.Logf("rplidar: motor control via %s", map[bool]string{true: "pwm", false: "dtr"}[supported])
	d.pwmMotor = &supported
	return supported, nil
}

// queryLocked sends a request and reads a single fixed-size answer.
func (d *Driver) queryLocked(ctx context.Context, cmd byte, payload []byte, ansType uint8, size int) ([]byte, error) {
	if d.port == nil {
		return nil, ErrNotConnected
	}
	if d.scanning {
		return nil, ErrScanning
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := d.writeLocked(cmd, payload); err != nil {
		return nil, err
	}
	desc, err := d.readDescriptorLocked()
	if err != nil {
		return nil, err
	}
	if err := desc.expect(ansType, uint32(size)); err != nil {
		return nil, err
	}

	b := make([]byte, size)
	if err := d.readFullLocked(b, d.opts.Clock.Now().Add(d.opts.ResponseTimeout)); err != nil {
		return nil, err
	}
	return b, nil
}

func (d *Driver) writeLocked(cmd byte, payload []byte) error {
	pkt := encodeRequest(cmd, payload)
	n, err := d.port.Write(pkt)
	if err != nil {
		return fmt.Errorf("write command 0x%02X: %w", cmd, err)
	}
	if n != len(pkt) {
		return fmt.Errorf("write command 0x%02X: short write %d/%d", cmd, n, len(pkt))
	}
	return nil
}

// readDescriptorLocked scans for the 0xA5 0x5A header and decodes it.
func (d *Driver) readDescriptorLocked() (descriptor, error) {
	deadline := d.opts.Clock.Now().Add(d.opts.ResponseTimeout)
	hdr := make([]byte, descriptorLen)
	b := make([]byte, 1)

	pos := 0
	for pos < 2 {
		if err := d.readFullLocked(b, deadline); err != nil {
			return descriptor{}, err
		}
		switch {
		case pos == 0 && b[0] == syncByte:
			hdr[0] = b[0]
			pos = 1
		case pos == 1 && b[0] == syncByte2:
			hdr[1] = b[0]
			pos = 2
		case pos == 1 && b[0] == syncByte:
			// Stay aligned on a repeated first sync byte.
		default:
			pos = 0
		}
	}
	if err := d.readFullLocked(hdr[2:], deadline); err != nil {
		return descriptor{}, err
	}
	return decodeDescriptor(hdr)
}

// readFullLocked fills b before the deadline. Zero-byte reads are port
// timeouts and are retried.
func (d *Driver) readFullLocked(b []byte, deadline time.Time) error {
	got := 0
	for got < len(b) {
		if !d.opts.Clock.Now().Before(deadline) {
			return ErrTimeout
		}
		n, err := d.port.Read(b[got:])
		got += n
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				continue
			}
			return fmt.Errorf("read: %w", err)
		}
	}
	return nil
}
