package driver

import "errors"

var (
	// ErrNoResponse is returned when a response timeout is configured and
	// the device stays silent for longer than it.
	ErrNoResponse = errors.New("driver: no response from device")
	// ErrInvalidEncoding is returned when a response line is not valid UTF-8.
	ErrInvalidEncoding = errors.New("driver: response is not valid UTF-8")
	// ErrInvalidCommand is returned for a command that is blank or spans
	// more than one line.
	ErrInvalidCommand = errors.New("driver: invalid command")
)
