package serial

import (
	"fmt"
	"strings"
)

// AvailablePorts lists the serial ports the OS currently reports.
func AvailablePorts() ([]string, error) {
	ports, err := getPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}

// PortAvailable reports whether portName is both well-formed and present in
// the OS port list.
func PortAvailable(portName string) (bool, error) {
	// Prevent path traversal
	if strings.Contains(portName, "..") {
		return false, fmt.Errorf("%w: contains path traversal", ErrInvalidPortName)
	}

	if !isValidPortPattern(portName) {
		return false, fmt.Errorf("%w: %s", ErrInvalidPortName, portName)
	}

	ports, err := AvailablePorts()
	if err != nil {
		return false, err
	}
	for _, port := range ports {
		if port == portName {
			return true, nil
		}
	}
	return false, nil
}

func isValidPortPattern(portName string) bool {
	if strings.Contains(portName, "..") {
		return false
	}
	// Windows: COM1-COM999, optionally in \\.\COMxx form
	name := strings.TrimPrefix(portName, `\\.\`)
	if strings.HasPrefix(name, "COM") && len(name) >= 4 && len(name) <= 6 {
		for _, r := range name[3:] {
			if r < '0' || r > '9' {
				return false
			}
		}
		return true
	}
	// Unix/Linux: /dev/tty*, /dev/serial/by-id/*, pseudo terminals; macOS: /dev/cu*
	for _, prefix := range []string{"/dev/tty", "/dev/cu", "/dev/serial/", "/dev/pts/", "/dev/rfcomm"} {
		if strings.HasPrefix(portName, prefix) && len(portName) > len(prefix) {
			return true
		}
	}
	return false
}
