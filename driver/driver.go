package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/Station-Manager/m5relay/serial"
)

// Conn is the connection a Driver talks through. *serial.Port implements it.
type Conn interface {
	WriteCommand(ctx context.Context, cmd string) error
	ReadResponseBytes(ctx context.Context) ([]byte, error)
	Flush() error
	Close() error
}

var _ Conn = (*serial.Port)(nil)

// Driver sends one command at a time and waits for the device's single-line
// answer before returning. It is not safe for concurrent use; callers issue
// commands strictly one after another.
type Driver struct {
	conn    Conn
	console *Console
	logger  zerolog.Logger

	// ResponseTimeout bounds AwaitResponse. Zero waits indefinitely.
	ResponseTimeout time.Duration
}

// New returns a Driver on an already open connection. A nil console prints
// to os.Stdout.
func New(conn Conn, console *Console, logger zerolog.Logger) *Driver {
	if console == nil {
		console = NewConsole(nil)
	}
	return &Driver{
		conn:    conn,
		console: console,
		logger:  logger,
	}
}

// Send prints command, writes it and waits for the response. Blank or
// multi-line commands are rejected with ErrInvalidCommand before anything
// is printed or written.
func (d *Driver) Send(ctx context.Context, command string) (string, error) {
	return d.exec(ctx, command, command)
}

// SetMaxCurrent sets the over-current limit to mA and waits for the
// response.
func (d *Driver) SetMaxCurrent(ctx context.Context, mA int) (string, error) {
	return d.exec(ctx, MaxCurrent(mA), fmt.Sprintf("Set max current to %d", mA))
}

// SetDefaultMaxCurrent is SetMaxCurrent(ctx, DefaultMaxCurrent).
func (d *Driver) SetDefaultMaxCurrent(ctx context.Context) (string, error) {
	return d.SetMaxCurrent(ctx, DefaultMaxCurrent)
}

func (d *Driver) exec(ctx context.Context, command, label string) (string, error) {
	if err := ValidateCommand(command); err != nil {
		return "", err
	}

	d.console.CommandSent(label)
	if err := d.conn.WriteCommand(ctx, command); err != nil {
		return "", fmt.Errorf("sending %q: %w", command, err)
	}
	d.logger.Debug().Str("command", command).Msg("command sent")

	resp, err := d.AwaitResponse(ctx)
	if err != nil {
		return "", fmt.Errorf("%q: %w", command, err)
	}
	return resp, nil
}

// AwaitResponse blocks for one response line, checks it is UTF-8, trims
// surrounding whitespace and prints it. With no ResponseTimeout it only
// returns early if ctx is done or the connection fails.
func (d *Driver) AwaitResponse(ctx context.Context) (string, error) {
	readCtx := ctx
	if d.ResponseTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, d.ResponseTimeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := d.conn.ReadResponseBytes(readCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("%w after %v", ErrNoResponse, d.ResponseTimeout)
		}
		return "", fmt.Errorf("awaiting response: %w", err)
	}

	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%w: %q", ErrInvalidEncoding, raw)
	}

	line := strings.TrimSpace(string(raw))
	d.console.Received(line)
	d.logger.Debug().Str("response", line).Dur("waited", time.Since(start)).Msg("response received")
	return line, nil
}
