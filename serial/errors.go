package serial

import "errors"

var (
	ErrClosed          = errors.New("serial: port closed")
	ErrInvalidPortName = errors.New("serial: invalid port name")
	ErrWriteFailed     = errors.New("serial: write made no progress")
	ErrLineTooLong     = errors.New("serial: line exceeds maximum length")
)
