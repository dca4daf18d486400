package driver

import (
	"fmt"
	"strings"
)

// DefaultMaxCurrent is the limit, in mA, SetDefaultMaxCurrent sends.
const DefaultMaxCurrent = 800

// Init asks the device to (re)initialise its relays and sensors.
func Init() string {
	return "Init"
}

// MeasureCurrent reads the current sensor on the given channel (0, 1 or 2).
func MeasureCurrent(channel int) string {
	return fmt.Sprintf("Measure current %d", channel)
}

// Switch turns relay n (1 or 2) on or off.
func Switch(n int, on bool) string {
	state := "off"
	if on {
		state = "on"
	}
	return fmt.Sprintf("Switch %d %s", n, state)
}

// SwitchState queries relay n.
func SwitchState(n int) string {
	return fmt.Sprintf("Get switch %d state", n)
}

// ValidateCommand reports whether cmd can be sent as exactly one line.
func ValidateCommand(cmd string) error {
	if strings.TrimSpace(cmd) == "" {
		return fmt.Errorf("%w: command is empty", ErrInvalidCommand)
	}
	if strings.ContainsAny(cmd, "\r\n") {
		return fmt.Errorf("%w: %q must be a single line", ErrInvalidCommand, cmd)
	}
	return nil
}

// MaxCurrent sets the over-current limit in mA.
func MaxCurrent(mA int) string {
	return fmt.Sprintf("Max current %d", mA)
}

const (
	PresetFull             = "full"
	PresetMeasureAndSwitch = "measure-and-switch"
	PresetSwitchOneOn      = "switch-1-on"

	DefaultPreset = PresetSwitchOneOn
)

// Preset returns a copy of the named command list.
func Preset(name string) ([]string, bool) {
	var cmds []string
	switch name {
	case PresetFull:
		cmds = append([]string{Init()}, measureAndSwitch()...)
		cmds = append(cmds, SwitchState(1), SwitchState(2))
	case PresetMeasureAndSwitch:
		cmds = measureAndSwitch()
	case PresetSwitchOneOn:
		cmds = []string{Switch(1, true)}
	default:
		return nil, false
	}
	return cmds, true
}

// PresetNames lists the names Preset accepts.
func PresetNames() []string {
	return []string{PresetFull, PresetMeasureAndSwitch, PresetSwitchOneOn}
}

func measureAndSwitch() []string {
	return []string{
		MeasureCurrent(0), MeasureCurrent(1), MeasureCurrent(2),
		Switch(1, true), Switch(1, false),
		Switch(2, true), Switch(2, false),
	}
}
