package rplidar

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csrubin/buckeyeville-lidar/internal/serialport"
)

// fakeLidar answers requests written to a TestablePort the way a scanner
// would.
type fakeLidar struct {
	mu sync.Mutex

	port      *serialport.TestablePort
	info      []byte
	health    []byte
	boardFlag *uint32
	scan      []byte
	commands  []byte
}

func newFakeLidar() *fakeLidar {
	info := []byte{0x18, 0x1D, 0x01, 0x07}
	info = append(info, bytes.Repeat([]byte{0xAB}, 16)...)
	f := &fakeLidar{
		port:   serialport.NewTestablePort(),
		info:   info,
		health: []byte{0, 0, 0},
	}
	f.port.OnWrite = f.answer
	return f
}

func (f *fakeLidar) answer(p []byte) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(p) < 2 || p[0] != syncByte {
		return nil
	}
	f.commands = append(f.commands, p[1])

	switch p[1] {
	case cmdGetInfo:
		return append(descriptorBytes(devInfoLen, SendModeSingle, ansTypeDevInfo), f.info...)
	case cmdGetHealth:
		return append(descriptorBytes(devHealthLen, SendModeSingle, ansTypeDevHealth), f.health...)
	case cmdGetAccBoardFlag:
		if f.boardFlag == nil {
			return nil
		}
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, *f.boardFlag)
		return append(descriptorBytes(accBoardLen, SendModeSingle, ansTypeAccBoardFlag), b...)
	case cmdScan:
		return append(descriptorBytes(measurementLen, SendModeContinuous, ansTypeMeasurement), f.scan...)
	}
	return nil
}

func (f *fakeLidar) Commands() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.commands...)
}

func testOptions() Options {
	return Options{
		GrabTimeout:     150 * time.Millisecond,
		ResponseTimeout: 100 * time.Millisecond,
		ReadTimeout:     5 * time.Millisecond,
		SpinUp:          time.Millisecond,
	}
}

func connectedDriver(t *testing.T, f *fakeLidar, opts Options) *Driver {
	t.Helper()
	d, err := New(serialport.NewMockOpener(f.port), opts)
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background(), "/dev/ttyUSB0", 115200))
	t.Cleanup(func() { _ = d.Disconnect() })
	return d
}

// oneRevolution returns four nodes of a revolution followed by the start of
// the next, so exactly one revolution is complete.
func oneRevolution() []byte {
	var b []byte
	b = append(b, encodeMeasurement(10*64, 4000, 15, true)...)
	b = append(b, encodeMeasurement(90*64, 1000, 10, false)...)
	b = append(b, encodeMeasurement(45*64, 2000, 12, false)...)
	b = append(b, encodeMeasurement(270*64, 0, 0, false)...)
	b = append(b, encodeMeasurement(5*64, 4000, 15, true)...)
	return b
}

func TestNew(t *testing.T) {
	_, err := New(nil, Options{})
	assert.ErrorIs(t, err, ErrNoTransport)

	_, err = New(serialport.NewMockOpener(nil), Options{GrabTimeout: -time.Second})
	assert.Error(t, err)

	_, err = New(serialport.NewMockOpener(nil), Options{Motor: MotorControl(7)})
	assert.Error(t, err)

	d, err := New(serialport.NewMockOpener(nil), Options{})
	require.NoError(t, err)
	assert.Equal(t, defaultGrabTimeout, d.opts.GrabTimeout)
	assert.Equal(t, uint16(DefaultMotorPWM), d.opts.MotorPWM)
	assert.NotNil(t, d.opts.Clock)
	assert.False(t, d.Connected())
}

func TestParseMotorControl(t *testing.T) {
	for in, want := range map[string]MotorControl{"": MotorAuto, "auto": MotorAuto, "dtr": MotorDTR, "pwm": MotorPWM} {
		got, err := ParseMotorControl(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
		if in != "" {
			assert.Equal(t, in, got.String())
		}
	}
	_, err := ParseMotorControl("fast")
	assert.Error(t, err)
}

func TestConnect(t *testing.T) {
	f := newFakeLidar()
	opener := serialport.NewMockOpener(f.port)
	d, err := New(opener, testOptions())
	require.NoError(t, err)

	require.NoError(t, d.Connect(context.Background(), "/dev/ttyUSB1", 256000))
	assert.True(t, d.Connected())
	assert.ErrorIs(t, d.Connect(context.Background(), "/dev/ttyUSB1", 256000), ErrAlreadyConnected)

	calls := opener.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/dev/ttyUSB1", calls[0].Path)
	assert.Equal(t, 256000, calls[0].Opts.BaudRate)
}

func TestConnectRejectsInvalidBaud(t *testing.T) {
	f := newFakeLidar()
	opener := serialport.NewMockOpener(f.port)
	d, err := New(opener, testOptions())
	require.NoError(t, err)

	err = d.Connect(context.Background(), "/dev/ttyUSB0", 0)
	assert.ErrorIs(t, err, ErrInvalidBaudRate)
	assert.Empty(t, opener.Calls())
	assert.False(t, d.Connected())
}

func TestConnectOpenFailure(t *testing.T) {
	opener := &serialport.MockOpener{Error: errors.New("no such device")}
	d, err := New(opener, testOptions())
	require.NoError(t, err)

	assert.Error(t, d.Connect(context.Background(), "/dev/ttyUSB9", 115200))
	assert.False(t, d.Connected())
	assert.NoError(t, d.Disconnect())
}

func TestNotConnected(t *testing.T) {
	d, err := New(serialport.NewMockOpener(nil), testOptions())
	require.NoError(t, err)

	_, err = d.DeviceInfo(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = d.Health(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, d.StartMotor(), ErrNotConnected)
	assert.ErrorIs(t, d.StopMotor(), ErrNotConnected)
	assert.ErrorIs(t, d.StartScan(context.Background()), ErrNotConnected)
	assert.ErrorIs(t, d.Stop(), ErrNotConnected)
	_, err = d.GrabScanData(context.Background(), make([]Node, 8))
	assert.ErrorIs(t, err, ErrNotScanning)
}

func TestDeviceInfoAndHealth(t *testing.T) {
	f := newFakeLidar()
	f.health = []byte{byte(StatusWarning), 0x02, 0x00}
	d := connectedDriver(t, f, testOptions())

	info, err := d.DeviceInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint8(0x18), info.Model)
	assert.Equal(t, "1.29", info.FirmwareString())
	assert.Equal(t, "ABABABABABABABABABABABABABABABAB", info.SerialNumber())

	health, err := d.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HealthInfo{Status: StatusWarning, ErrorCode: 2}, health)

	assert.Equal(t, []byte{cmdGetInfo, cmdGetHealth}, f.Commands())
}

func TestDeviceInfoSilentDeviceTimesOut(t *testing.T) {
	f := newFakeLidar()
	f.port.OnWrite = nil
	d := connectedDriver(t, f, testOptions())

	_, err := d.DeviceInfo(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestDeviceInfoSkipsLeadingNoise(t *testing.T) {
	f := newFakeLidar()
	d := connectedDriver(t, f, testOptions())
	f.port.OnWrite = func(p []byte) []byte {
		reply := []byte{0x00, syncByte, syncByte, 0x11}
		reply = append(reply, f.answer(p)...)
		return reply
	}

	info, err := d.DeviceInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint8(0x18), info.Model)
}

func TestDeviceInfoWrongDescriptor(t *testing.T) {
	f := newFakeLidar()
	d := connectedDriver(t, f, testOptions())
	f.port.OnWrite = func([]byte) []byte {
		return descriptorBytes(devHealthLen, SendModeSingle, ansTypeDevHealth)
	}

	_, err := d.DeviceInfo(context.Background())
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestMotorDTR(t *testing.T) {
	f := newFakeLidar()
	opts := testOptions()
	opts.Motor = MotorDTR
	d := connectedDriver(t, f, opts)

	require.NoError(t, d.StartMotor())
	require.NoError(t, d.StopMotor())
	assert.Equal(t, []bool{false, true}, f.port.DTRHistory())
	assert.Empty(t, f.Commands())
}

func TestMotorAutoUsesPWMWhenSupported(t *testing.T) {
	f := newFakeLidar()
	flag := uint32(accBoardMotor)
	f.boardFlag = &flag
	d := connectedDriver(t, f, testOptions())

	require.NoError(t, d.StartMotor())
	require.NoError(t, d.StopMotor())

	written := f.port.WrittenData()
	assert.True(t, bytes.Contains(written, encodeRequest(cmdSetMotorPWM, []byte{0x94, 0x02})), "start pwm 660")
	assert.True(t, bytes.Contains(written, encodeRequest(cmdSetMotorPWM, []byte{0x00, 0x00})), "stop pwm 0")
	assert.Empty(t, f.port.DTRHistory())
	// The board is probed once per connection.
	assert.Equal(t, []byte{cmdGetAccBoardFlag, cmdSetMotorPWM, cmdSetMotorPWM}, f.Commands())
}

func TestMotorAutoFallsBackToDTR(t *testing.T) {
	f := newFakeLidar()
	d := connectedDriver(t, f, testOptions())

	require.NoError(t, d.StartMotor())
	assert.Equal(t, []bool{false}, f.port.DTRHistory())
}

func TestScanAndGrab(t *testing.T) {
	f := newFakeLidar()
	f.scan = oneRevolution()
	d := connectedDriver(t, f, testOptions())

	require.NoError(t, d.StartScan(context.Background()))
	assert.True(t, d.Scanning())
	require.NoError(t, d.StartScan(context.Background()), "second start is a no-op")

	buf := make([]Node, MaxScanNodes)
	n, err := d.GrabScanData(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	assert.True(t, buf[0].StartOfRevolution())
	assert.Equal(t, uint32(4000), buf[0].DistQ2)
	assert.Equal(t, uint16(16384), buf[1].AngleQ14)
	assert.Equal(t, uint8(40), buf[1].Quality)
	assert.Equal(t, uint32(0), buf[3].DistQ2)

	_, err = d.DeviceInfo(context.Background())
	assert.ErrorIs(t, err, ErrScanning)

	// The revolution was consumed and no further one completes.
	_, err = d.GrabScanData(context.Background(), buf)
	assert.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, d.Stop())
	assert.False(t, d.Scanning())
	_, err = d.GrabScanData(context.Background(), buf)
	assert.ErrorIs(t, err, ErrNotScanning)

	assert.Equal(t, []byte{cmdStop, cmdScan, cmdStop}, f.Commands())
}

func TestGrabBufferTooSmall(t *testing.T) {
	f := newFakeLidar()
	f.scan = oneRevolution()
	d := connectedDriver(t, f, testOptions())
	require.NoError(t, d.StartScan(context.Background()))

	n, err := d.GrabScanData(context.Background(), make([]Node, 2))
	assert.ErrorIs(t, err, ErrBufferTooSmall)
	assert.Zero(t, n)
}

func TestGrabHonoursContext(t *testing.T) {
	f := newFakeLidar()
	opts := testOptions()
	opts.GrabTimeout = time.Minute
	d := connectedDriver(t, f, opts)
	require.NoError(t, d.StartScan(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.GrabScanData(ctx, make([]Node, 8))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScanStreamFailure(t *testing.T) {
	f := newFakeLidar()
	d := connectedDriver(t, f, testOptions())
	require.NoError(t, d.StartScan(context.Background()))

	require.NoError(t, f.port.Close())
	_, err := d.GrabScanData(context.Background(), make([]Node, 8))
	assert.ErrorIs(t, err, serialport.ErrPortClosed)
}

func TestStartScanRejectsWrongDescriptor(t *testing.T) {
	f := newFakeLidar()
	d := connectedDriver(t, f, testOptions())
	f.port.OnWrite = func(p []byte) []byte {
		if p[1] == cmdScan {
			return descriptorBytes(devInfoLen, SendModeSingle, ansTypeDevInfo)
		}
		return nil
	}

	assert.ErrorIs(t, d.StartScan(context.Background()), ErrInvalidDescriptor)
	assert.False(t, d.Scanning())
}

func TestDisconnectStopsScanAndIsIdempotent(t *testing.T) {
	f := newFakeLidar()
	f.scan = oneRevolution()
	d, err := New(serialport.NewMockOpener(f.port), testOptions())
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background(), "/dev/ttyUSB0", 115200))
	require.NoError(t, d.StartScan(context.Background()))

	require.NoError(t, d.Disconnect())
	require.NoError(t, d.Disconnect())
	assert.False(t, d.Scanning())
	assert.False(t, d.Connected())
	assert.Equal(t, 1, f.port.CloseCalls())
}

func TestRevolutionCacheRejectsOverflow(t *testing.T) {
	c := newRevolutionCache()
	c.add(Node{Flag: 1})
	for i := 0; i < MaxScanNodes+500; i++ {
		c.add(Node{AngleQ14: uint16(i)})
	}
	c.add(Node{Flag: 1})

	nodes, err := c.wait(context.Background(), nil)
	require.ErrorIs(t, err, ErrBufferTooSmall)
	assert.Nil(t, nodes)
	assert.Contains(t, err.Error(), "8693 nodes")

	// The overflow is consumed; the next revolution that fits is delivered.
	c.add(Node{DistQ2: 7})
	c.add(Node{Flag: 1})
	nodes, err = c.wait(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []Node{{Flag: 1}, {DistQ2: 7}}, nodes)
}

func TestRevolutionCacheLatestOverridesOverflow(t *testing.T) {
	c := newRevolutionCache()
	c.add(Node{Flag: 1})
	for i := 0; i < MaxScanNodes; i++ {
		c.add(Node{})
	}
	c.add(Node{Flag: 1, DistQ2: 1})
	c.add(Node{Flag: 1, DistQ2: 2})

	nodes, err := c.wait(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []Node{{Flag: 1, DistQ2: 1}}, nodes)
}

func TestGrabOversizedRevolution(t *testing.T) {
	f := newFakeLidar()
	var stream []byte
	stream = append(stream, encodeMeasurement(0, 400, 10, true)...)
	for i := 0; i < MaxScanNodes+500; i++ {
		stream = append(stream, encodeMeasurement(uint16(i%(360*64)), 400, 10, false)...)
	}
	stream = append(stream, encodeMeasurement(0, 400, 10, true)...)
	f.scan = stream

	d := connectedDriver(t, f, testOptions())
	require.NoError(t, d.StartScan(context.Background()))

	n, err := d.GrabScanData(context.Background(), make([]Node, MaxScanNodes))
	assert.ErrorIs(t, err, ErrBufferTooSmall)
	assert.Zero(t, n)
}

func TestRevolutionCacheKeepsLatest(t *testing.T) {
	c := newRevolutionCache()
	c.add(Node{Flag: 1, DistQ2: 1})
	c.add(Node{Flag: 1, DistQ2: 2})
	c.add(Node{DistQ2: 3})
	c.add(Node{Flag: 1, DistQ2: 4})

	nodes, err := c.wait(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []Node{{Flag: 1, DistQ2: 2}, {DistQ2: 3}}, nodes)

	c.fail(ErrNotScanning)
	_, err = c.wait(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotScanning)
}
