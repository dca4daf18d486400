package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/Station-Manager/m5relay/driver"
)

func newSendCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send <command...>",
		Short: "Send a single command and print the response",
		Example: `  m5relay send Get switch 1 state
  m5relay send "Measure current 0" --response-timeout 5s`,
		Args: cobra.MatchAll(cobra.MinimumNArgs(1), func(cmd *cobra.Command, args []string) error {
			return driver.ValidateCommand(strings.Join(args, " "))
		}),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq := driver.Sequence{
				BootDelay: a.cfg.Driver.BootDelay.Duration,
				Commands:  []string{strings.Join(args, " ")},
			}
			return a.runSequence(cmd.Context(), seq)
		},
	}
}
