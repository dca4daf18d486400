package serial

import (
	"fmt"
	"time"
)

const (
	DefaultBaudRate    = Baud115200
	DefaultReadTimeout = time.Second
	DefaultDelimiter   = '\n'
)

// Config holds configuration for opening a serial port.
type Config struct {
	// PortName is the path to the serial device, e.g. /dev/ttyUSB0 or COM3.
	PortName string

	BaudRate BaudRate
	DataBits DataBits
	Parity   Parity
	StopBits StopBits

	// ReadTimeout is the underlying port read timeout. A read that times out
	// returns no data and the reader loop simply polls again.
	ReadTimeout time.Duration

	// LineDelimiter is the byte used to frame commands and responses.
	// If zero, '\n' is used.
	LineDelimiter byte
}

// validateConfig checks the configuration for obvious issues and fills in
// defaults for the zero-valued framing fields.
func validateConfig(cfg Config) (Config, error) {
	if cfg.PortName == "" {
		return cfg, fmt.Errorf("serial: missing port name")
	}
	if cfg.BaudRate <= 0 {
		return cfg, fmt.Errorf("serial: invalid baud rate %d", cfg.BaudRate)
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = DataBits8
	}
	// zero values of Parity and StopBits are NoParity and OneStopBit.
	if cfg.LineDelimiter == 0 {
		cfg.LineDelimiter = DefaultDelimiter
	}
	return cfg, nil
}

// ValidateConfig validates serial port configuration parameters strictly.
// Unlike validateConfig it does not apply defaults.
func ValidateConfig(cfg Config) error {
	if cfg.PortName == "" {
		return fmt.Errorf("port name cannot be empty")
	}
	if !isValidPortPattern(cfg.PortName) {
		return fmt.Errorf("%w: %q doesn't match expected pattern", ErrInvalidPortName, cfg.PortName)
	}

	if !cfg.BaudRate.Valid() {
		return fmt.Errorf("invalid baud rate %d, must be one of: %v", cfg.BaudRate, validBaudRates)
	}

	if !cfg.DataBits.Valid() {
		return fmt.Errorf("data bits must be 5-8, got: %d", cfg.DataBits)
	}

	if !cfg.Parity.Valid() {
		return fmt.Errorf("invalid parity value: %d", cfg.Parity)
	}

	if !cfg.StopBits.Valid() {
		return fmt.Errorf("invalid stop bits value: %d", cfg.StopBits)
	}

	if cfg.ReadTimeout < 0 {
		return fmt.Errorf("read timeout cannot be negative: %v", cfg.ReadTimeout)
	}

	return nil
}
