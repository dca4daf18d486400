package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Station-Manager/m5relay/config"
	"github.com/Station-Manager/m5relay/driver"
	"github.com/Station-Manager/m5relay/logging"
	"github.com/Station-Manager/m5relay/serial"
)

// app holds the state shared by every command of one invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath      string
	port            string
	baud            int
	responseTimeout time.Duration
	logLevel        string
	noColor         bool

	cfg *config.Config
	log *logging.Service

	// openSerial is replaced in tests.
	openSerial func(serial.Config, zerolog.Logger) (driver.Conn, error)
}

func newApp(stdout, stderr io.Writer) *app {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return &app{
		stdout:     stdout,
		stderr:     stderr,
		openSerial: openSerialPort,
	}
}

func openSerialPort(cfg serial.Config, logger zerolog.Logger) (driver.Conn, error) {
	p, err := serial.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "m5relay",
		Short: "Drive an M5Stick relay controller over a serial line",
		Long: `m5relay opens the serial link to an M5Stick relay controller, waits for
it to boot, sends a scripted sequence of text commands and prints every
response it receives.

Running m5relay without a subcommand is the same as 'm5relay run'.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSequence(cmd.Context(), a.cfg.Sequence())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "path to a TOML config file")
	flags.StringVarP(&a.port, "port", "p", "", "serial port (default "+config.DefaultPort()+")")
	flags.IntVarP(&a.baud, "baud", "b", 0, "baud rate (default 115200)")
	flags.DurationVar(&a.responseTimeout, "response-timeout", 0, "give up waiting for a response after this long (0 waits forever)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	flags.BoolVar(&a.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newRunCmd(a),
		newSendCmd(a),
		newPortsCmd(a),
	)
	return root
}

// setup loads the configuration, applies flag overrides and builds the
// logger.
func (a *app) setup(cmd *cobra.Command) error {
	if a.noColor {
		color.NoColor = true
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Serial.Port = a.port
	}
	if flags.Changed("baud") {
		cfg.Serial.BaudRate = a.baud
	}
	if flags.Changed("response-timeout") {
		cfg.Driver.ResponseTimeout = config.Duration{Duration: a.responseTimeout}
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if err = cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	svc, err := logging.New(cfg.Log, a.stderr)
	if err != nil {
		return err
	}
	a.cfg, a.log = cfg, svc
	return nil
}

func (a *app) logger() zerolog.Logger {
	if a.log == nil {
		return zerolog.Nop()
	}
	return a.log.Logger
}

// Execute runs the command line in args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := newApp(stdout, stderr)
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	err := root.ExecuteContext(ctx)
	if err != nil {
		lg := a.logger()
		lg.Debug().Err(err).Msg("command failed")
		fmt.Fprintf(a.stderr, "%s %v\n", color.New(color.FgRed, color.Bold).Sprint("error:"), err)
	}
	if cerr := a.log.Close(); cerr != nil {
		fmt.Fprintf(a.stderr, "closing log file: %v\n", cerr)
	}
	if err != nil {
		return 1
	}
	return 0
}
