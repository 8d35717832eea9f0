package serialmux

import "io"

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialPortFactory opens serial ports.
type SerialPortFactory interface {
	Open(path string, opts PortOptions) (SerialPorter, error)
}

// SerialPortOpener adapts a function to SerialPortFactory.
type SerialPortOpener func(path string, opts PortOptions) (SerialPorter, error)

func (f SerialPortOpener) Open(path string, opts PortOptions) (SerialPorter, error) {
	return f(path, opts)
}
