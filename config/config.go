package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Station-Manager/m5relay/driver"
	"github.com/Station-Manager/m5relay/logging"
	"github.com/Station-Manager/m5relay/serial"
)

// Config is the complete m5relay configuration.
type Config struct {
	Serial SerialConfig   `toml:"serial"`
	Driver DriverConfig   `toml:"driver"`
	Log    logging.Config `toml:"log"`
}

// SerialConfig describes the serial line to the device.
type SerialConfig struct {
	Port        string   `toml:"port"`
	BaudRate    int      `toml:"baud_rate"`
	DataBits    int      `toml:"data_bits"`
	Parity      string   `toml:"parity"`
	StopBits    string   `toml:"stop_bits"`
	ReadTimeout Duration `toml:"read_timeout"`
}

// DriverConfig describes the command session.
type DriverConfig struct {
	// ResponseTimeout bounds each wait for a response; zero waits forever.
	ResponseTimeout Duration `toml:"response_timeout"`
	BootDelay       Duration `toml:"boot_delay"`
	CommandDelay    Duration `toml:"command_delay"`
	FinalDelay      Duration `toml:"final_delay"`

	// Preset names a built-in command list; Commands, when non-empty,
	// replaces it.
	Preset      string   `toml:"preset"`
	Commands    []string `toml:"commands"`
	MaxCurrents []int    `toml:"max_currents"`
}

// Duration is a time.Duration written as a string such as "5s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultPort is the serial device used when none is configured.
func DefaultPort() string {
	if runtime.GOOS == "windows" {
		return "COM3"
	}
	return "/dev/ttyUSB0"
}

// Default returns the stock configuration: 115200 8N1 with a 1s read
// timeout, the default command sequence and unbounded response waits.
func Default() *Config {
	seq := driver.DefaultSequence()
	return &Config{
		Serial: SerialConfig{
			Port:        DefaultPort(),
			BaudRate:    serial.DefaultBaudRate.Int(),
			DataBits:    serial.DataBits8.Int(),
			Parity:      "N",
			StopBits:    "1",
			ReadTimeout: Duration{serial.DefaultReadTimeout},
		},
		Driver: DriverConfig{
			BootDelay:    Duration{seq.BootDelay},
			CommandDelay: Duration{seq.CommandDelay},
			FinalDelay:   Duration{seq.FinalDelay},
			Preset:       driver.DefaultPreset,
			MaxCurrents:  append([]int(nil), seq.MaxCurrents...),
		},
		Log: logging.DefaultConfig(),
	}
}

// Load reads a TOML file over the defaults and validates the result.
// An empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if _, err := c.SerialPortConfig(); err != nil {
		return fmt.Errorf("serial: %w", err)
	}
	if err := c.Driver.validate(); err != nil {
		return fmt.Errorf("driver: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// SerialPortConfig converts the serial section for serial.Open.
func (c *Config) SerialPortConfig() (serial.Config, error) {
	parity, err := serial.ParseParity(c.Serial.Parity)
	if err != nil {
		return serial.Config{}, err
	}
	stopBits, err := serial.ParseStopBits(c.Serial.StopBits)
	if err != nil {
		return serial.Config{}, err
	}

	sc := serial.Config{
		PortName:    c.Serial.Port,
		BaudRate:    serial.BaudRate(c.Serial.BaudRate),
		DataBits:    serial.DataBits(c.Serial.DataBits),
		Parity:      parity,
		StopBits:    stopBits,
		ReadTimeout: c.Serial.ReadTimeout.Duration,
	}
	if err = serial.ValidateConfig(sc); err != nil {
		return serial.Config{}, err
	}
	return sc, nil
}

// Sequence builds the driver sequence from the driver section.
func (c *Config) Sequence() driver.Sequence {
	cmds := c.Driver.Commands
	if len(cmds) == 0 {
		cmds, _ = driver.Preset(c.Driver.Preset)
	}
	return driver.Sequence{
		BootDelay:    c.Driver.BootDelay.Duration,
		CommandDelay: c.Driver.CommandDelay.Duration,
		FinalDelay:   c.Driver.FinalDelay.Duration,
		Commands:     append([]string(nil), cmds...),
		MaxCurrents:  append([]int(nil), c.Driver.MaxCurrents...),
	}
}

func (d DriverConfig) validate() error {
	durations := map[string]time.Duration{
		"response_timeout": d.ResponseTimeout.Duration,
		"boot_delay":       d.BootDelay.Duration,
		"command_delay":    d.CommandDelay.Duration,
		"final_delay":      d.FinalDelay.Duration,
	}
	for name, v := range durations {
		if v < 0 {
			return fmt.Errorf("%s cannot be negative: %v", name, v)
		}
	}

	if len(d.Commands) == 0 {
		if _, ok := driver.Preset(d.Preset); !ok {
			return fmt.Errorf("unknown preset %q (known: %s)", d.Preset, strings.Join(driver.PresetNames(), ", "))
		}
	}
	for i, cmd := range d.Commands {
		if err := driver.ValidateCommand(cmd); err != nil {
			return fmt.Errorf("commands[%d]: %w", i, err)
		}
	}
	for i, mA := range d.MaxCurrents {
		if mA <= 0 {
			return fmt.Errorf("max_currents[%d] must be positive, got %d", i, mA)
		}
	}
	return nil
}
