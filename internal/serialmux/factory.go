package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// RealPortFactory opens devices through go.bug.st/serial.
var RealPortFactory SerialPortFactory = SerialPortOpener(openRealPort)

func openRealPort(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return port, nil
}

// NewRealSerialMux creates a SerialMux instance backed by a real serial port at the
// given path using the provided serial options.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	return OpenSerialMux(RealPortFactory, path, opts)
}

// OpenSerialMux opens path through factory and wraps it in a SerialMux.
func OpenSerialMux(factory SerialPortFactory, path string, opts PortOptions) (*SerialMux[SerialPorter], error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	port, err := factory.Open(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port), nil
}
