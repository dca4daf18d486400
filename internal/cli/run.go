package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Station-Manager/m5relay/driver"
)

func newRunCmd(a *app) *cobra.Command {
	var preset string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Play the configured command sequence",
		Example: `  m5relay run
  m5relay run --preset full --port /dev/ttyACM0
  m5relay run -c m5relay.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			seq := a.cfg.Sequence()
			if cmd.Flags().Changed("preset") {
				cmds, ok := driver.Preset(preset)
				if !ok {
					return fmt.Errorf("unknown preset %q (known: %s)", preset, strings.Join(driver.PresetNames(), ", "))
				}
				seq.Commands = cmds
			}
			return a.runSequence(cmd.Context(), seq)
		},
	}
	cmd.Flags().StringVar(&preset, "preset", driver.DefaultPreset, "built-in command list: "+strings.Join(driver.PresetNames(), ", "))
	return cmd
}

// runSequence opens the configured port and plays seq on it.
func (a *app) runSequence(ctx context.Context, seq driver.Sequence) error {
	sc, err := a.cfg.SerialPortConfig()
	if err != nil {
		return err
	}
	logger := a.logger()

	r := &driver.Runner{
		Open: func() (driver.Conn, error) {
			return a.openSerial(sc, logger)
		},
		Console:         driver.NewConsole(a.stdout),
		Logger:          logger,
		ResponseTimeout: a.cfg.Driver.ResponseTimeout.Duration,
	}
	logger.Info().
		Str("port", sc.PortName).
		Int("baud", sc.BaudRate.Int()).
		Int("commands", len(seq.Commands)+len(seq.MaxCurrents)).
		Msg("starting sequence")
	return r.Run(ctx, seq)
}
