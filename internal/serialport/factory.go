package serialport

import (
	"fmt"
	"sort"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// RealOpener opens hardware serial ports through go.bug.st/serial.
type RealOpener struct{}

// NewRealOpener returns the production Opener.
func NewRealOpener() Opener {
	return RealOpener{}
}

// Open opens the serial port at path with the given options.
func (RealOpener) Open(path string, opts PortOptions) (Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s at %s: %w", path, opts, err)
	}
	return port, nil
}

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name   string
	IsUSB  bool
	VID    string
	PID    string
	Serial string
}

// String renders the port with its USB identity when known.
func (p PortInfo) String() string {
	if !p.IsUSB {
		return p.Name
	}
	return fmt.Sprintf("%s (usb %s:%s serial=%q)", p.Name, p.VID, p.PID, p.Serial)
}

// detailedPortsList is replaceable in tests.
var detailedPortsList = enumerator.GetDetailedPortsList

// ListPorts returns the serial ports present on the host, sorted by name.
func ListPorts() ([]PortInfo, error) {
	details, err := detailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:   d.Name,
			IsUSB:  d.IsUSB,
			VID:    d.VID,
			PID:    d.PID,
			Serial: d.SerialNumber,
		})
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
	return ports, nil
}
