package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Opener opens the connection a run uses.
type Opener func() (Conn, error)

// Sequence describes one scripted session with the device.
type Sequence struct {
	// BootDelay is waited after opening, before the buffers are flushed,
	// so the device can finish booting.
	BootDelay time.Duration
	// CommandDelay is waited after each entry of Commands.
	CommandDelay time.Duration
	// FinalDelay is waited after the last max-current call, before closing.
	FinalDelay time.Duration

	Commands []string
	// MaxCurrents are sent, in order, after Commands.
	MaxCurrents []int
}

// DefaultSequence is the stock session: switch relay 1 on, then set the
// current limit to 700 mA and 1200 mA.
func DefaultSequence() Sequence {
	cmds, _ := Preset(DefaultPreset)
	return Sequence{
		BootDelay:    2 * time.Second,
		CommandDelay: 5 * time.Second,
		FinalDelay:   10 * time.Second,
		Commands:     cmds,
		MaxCurrents:  []int{700, 1200},
	}
}

// Runner executes a Sequence against a freshly opened connection.
type Runner struct {
	Open    Opener
	Console *Console
	Clock   Clock
	Logger  zerolog.Logger

	// ResponseTimeout is passed to the Driver; zero waits indefinitely.
	ResponseTimeout time.Duration
}

// Run opens the connection, plays seq and closes the connection again.
// The connection is closed on every path once it has been opened; if
// opening fails nothing is written and nothing is closed.
func (r *Runner) Run(ctx context.Context, seq Sequence) (err error) {
	if r.Open == nil {
		return errors.New("driver: no opener configured")
	}
	clk := r.Clock
	if clk == nil {
		clk = systemClock()
	}

	conn, err := r.Open()
	if err != nil {
		return fmt.Errorf("opening connection: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("closing connection: %w", cerr))
		}
	}()

	d := New(conn, r.Console, r.Logger)
	d.ResponseTimeout = r.ResponseTimeout

	r.Logger.Debug().Dur("delay", seq.BootDelay).Msg("waiting for device")
	if err = sleep(ctx, clk, seq.BootDelay); err != nil {
		return err
	}
	if err = conn.Flush(); err != nil {
		return fmt.Errorf("flushing buffers: %w", err)
	}

	for _, cmd := range seq.Commands {
		if _, err = d.Send(ctx, cmd); err != nil {
			return err
		}
		if err = sleep(ctx, clk, seq.CommandDelay); err != nil {
			return err
		}
	}

	for _, mA := range seq.MaxCurrents {
		if _, err = d.SetMaxCurrent(ctx, mA); err != nil {
			return err
		}
	}

	if err = sleep(ctx, clk, seq.FinalDelay); err != nil {
		return err
	}

	r.Logger.Info().
		Int("commands", len(seq.Commands)+len(seq.MaxCurrents)).
		Msg("sequence complete")
	return nil
}
