package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Station-Manager/m5relay/serial"
)

func newPortsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ports [name]",
		Short: "List serial ports, or check that one is present",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				ok, err := serial.PortAvailable(args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("port %s not found", args[0])
				}
				fmt.Fprintf(a.stdout, "%s is available\n", args[0])
				return nil
			}

			ports, err := serial.AvailablePorts()
			if err != nil {
				return fmt.Errorf("listing ports: %w", err)
			}
			if len(ports) == 0 {
				lg := a.logger()
				lg.Warn().Msg("no serial ports found")
				return nil
			}
			for _, p := range ports {
				fmt.Fprintln(a.stdout, p)
			}
			return nil
		},
	}
}
