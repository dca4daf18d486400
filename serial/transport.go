package serial

import (
	"time"

	gobug "go.bug.st/serial"
)

// SerialPort abstracts the subset of go.bug.st/serial.Port used by this package.
type SerialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(d time.Duration) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

// bugstPort wraps the concrete serial.Port to satisfy SerialPort.
type bugstPort struct {
	gobug.Port
}

// allow tests to override external dependencies
var (
	openPort = func(name string, mode *gobug.Mode) (SerialPort, error) {
		p, err := gobug.Open(name, mode)
		if err != nil {
			return nil, err
		}
		return &bugstPort{Port: p}, nil
	}
	getPortsList = gobug.GetPortsList
)
