// Package rplidar drives an RPLIDAR A-series range scanner over a serial
// port: request/response framing, device info and health queries, motor
// control, and the continuous scan stream with its per-revolution cache.
package rplidar

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Wire constants.
const (
	syncByte       = 0xA5
	syncByte2      = 0x5A
	cmdFlagPayload = 0x80

	cmdStop            = 0x25
	cmdScan            = 0x20
	cmdGetInfo         = 0x50
	cmdGetHealth       = 0x52
	cmdSetMotorPWM     = 0xF0
	cmdGetAccBoardFlag = 0xFF

	ansTypeDevInfo      = 0x04
	ansTypeDevHealth    = 0x06
	ansTypeMeasurement  = 0x81
	ansTypeAccBoardFlag = 0xFF

	descriptorLen  = 7
	devInfoLen     = 20
	devHealthLen   = 3
	accBoardLen    = 4
	measurementLen = 5

	// Measurement node bit layout.
	syncBit       = 0x1
	checkBit      = 0x1
	qualityShift  = 2
	angleShift    = 1
	accBoardMotor = 0x1

	// DefaultMotorPWM is the duty cycle used on boards with PWM motor control.
	DefaultMotorPWM = 660

	// MaxScanNodes bounds one cached revolution.
	MaxScanNodes = 8192
)

// Send modes carried in the top two bits of a descriptor's length word.
const (
	SendModeSingle     = 0x0
	SendModeContinuous = 0x1
)

var (
	// ErrInvalidDescriptor means a response header did not match the request.
	ErrInvalidDescriptor = errors.New("rplidar: unexpected response descriptor")
	// ErrTimeout means the device did not answer within the allotted time.
	ErrTimeout = errors.New("rplidar: operation timed out")
)

// encodeRequest frames a command. Commands carrying a payload append a length
// byte, the payload and an XOR checksum over everything before it.
func encodeRequest(cmd byte, payload []byte) []byte {
	if cmd&cmdFlagPayload == 0 || len(payload) == 0 {
		return []byte{syncByte, cmd}
	}

	pkt := make([]byte, 0, 4+len(payload))
	pkt = append(pkt, syncByte, cmd, byte(len(payload)))
	pkt = append(pkt, payload...)

	var checksum byte
	for _, b := range pkt {
		checksum ^= b
	}
	return append(pkt, checksum)
}

// descriptor is the 7-byte header preceding every response.
type descriptor struct {
	Size     uint32
	SendMode uint8
	Type     uint8
}

func decodeDescriptor(b []byte) (descriptor, error) {
	if len(b) < descriptorLen || b[0] != syncByte || b[1] != syncByte2 {
		return descriptor{}, ErrInvalidDescriptor
	}
	word := binary.LittleEndian.Uint32(b[2:6])
	return descriptor{
		Size:     word & 0x3FFFFFFF,
		SendMode: uint8(word >> 30),
		Type:     b[6],
	}, nil
}

func (d descriptor) expect(ansType uint8, minSize uint32) error {
	if d.Type != ansType || d.Size < minSize {
		return fmt.Errorf("%w: type 0x%02X size %d, want type 0x%02X size >= %d",
			ErrInvalidDescriptor, d.Type, d.Size, ansType, minSize)
	}
	return nil
}

// DeviceInfo is the payload of the device-info query.
type DeviceInfo struct {
	Model           uint8
	FirmwareVersion uint16 // major in the high byte, minor in the low byte
	HardwareVersion uint8
	Serial          [16]byte
}

func decodeDeviceInfo(b []byte) DeviceInfo {
	var info DeviceInfo
	info.Model = b[0]
	info.FirmwareVersion = binary.LittleEndian.Uint16(b[1:3])
	info.HardwareVersion = b[3]
	copy(info.Serial[:], b[4:20])
	return info
}

// SerialNumber returns the serial number as upper-case hex.
func (i DeviceInfo) SerialNumber() string {
	return strings.ToUpper(hex.EncodeToString(i.Serial[:]))
}

// FirmwareString renders the firmware version as major.minor.
func (i DeviceInfo) FirmwareString() string {
	return fmt.Sprintf("%d.%02d", i.FirmwareVersion>>8, i.FirmwareVersion&0xFF)
}

// String summarises the device for logs.
func (i DeviceInfo) String() string {
	return fmt.Sprintf("model %d S/N %s firmware %s hardware %d",
		i.Model, i.SerialNumber(), i.FirmwareString(), i.HardwareVersion)
}

// HealthStatus is the device-reported operational state.
type HealthStatus uint8

const (
	StatusGood    HealthStatus = 0
	StatusWarning HealthStatus = 1
	StatusError   HealthStatus = 2
)

func (s HealthStatus) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusWarning:
		return "warning"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// HealthInfo is the payload of the health query.
type HealthInfo struct {
	Status    HealthStatus
	ErrorCode uint16
}

func decodeHealth(b []byte) HealthInfo {
	return HealthInfo{
		Status:    HealthStatus(b[0]),
		ErrorCode: binary.LittleEndian.Uint16(b[1:3]),
	}
}

// Node is one measurement in the high-resolution fixed-point layout:
// AngleQ14 is degrees*2^14/90, DistQ2 is millimetres*4, Quality keeps its
// two low bits clear, and Flag bit 0 marks the first node of a revolution.
type Node struct {
	AngleQ14 uint16
	DistQ2   uint32
	Quality  uint8
	Flag     uint8
}

// StartOfRevolution reports whether the node begins a new revolution.
func (n Node) StartOfRevolution() bool {
	return n.Flag&syncBit != 0
}

// nodeDecoder reassembles 5-byte measurement nodes from a byte stream,
// dropping bytes until the start-flag and check-bit invariants line up.
type nodeDecoder struct {
	buf [measurementLen]byte
	pos int
}

func (d *nodeDecoder) push(b byte) (Node, bool) {
	switch d.pos {
	case 0:
		// Start flag and its inverse must differ.
		if ((b>>1)^b)&0x1 == 0 {
			return Node{}, false
		}
	case 1:
		if b&checkBit == 0 {
			d.pos = 0
			return Node{}, false
		}
	}

	d.buf[d.pos] = b
	d.pos++
	if d.pos < measurementLen {
		return Node{}, false
	}
	d.pos = 0
	return decodeMeasurement(d.buf[:]), true
}

// decodeMeasurement converts a legacy scan node to the high-resolution layout.
func decodeMeasurement(b []byte) Node {
	syncQuality := b[0]
	angleQ6 := uint32(binary.LittleEndian.Uint16(b[1:3]) >> angleShift)
	distQ2 := binary.LittleEndian.Uint16(b[3:5])

	return Node{
		AngleQ14: uint16((angleQ6 << 8) / 90),
		DistQ2:   uint32(distQ2),
		Quality:  (syncQuality >> qualityShift) << qualityShift,
		Flag:     syncQuality & syncBit,
	}
}
