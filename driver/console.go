package driver

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

// Console prints the human-readable transcript of a run: each command sent
// and each line the device answers with.
type Console struct {
	out    io.Writer
	pi     *color.Color
	device *color.Color
}

// NewConsole writes the transcript to w. A nil w means os.Stdout.
func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = os.Stdout
	}
	return &Console{
		out:    w,
		pi:     color.New(color.FgHiCyan, color.Bold),
		device: color.New(color.FgHiGreen, color.Bold),
	}
}

// CommandSent prints "Pi: command sent: <text>".
func (c *Console) CommandSent(text string) {
	c.pi.Fprint(c.out, "Pi:")
	fmt.Fprintf(c.out, " command sent: %s\n", text)
}

// Received prints "Received from M5Stick: <line>".
func (c *Console) Received(line string) {
	c.device.Fprint(c.out, "Received from M5Stick:")
	fmt.Fprintf(c.out, " %s\n", line)
}
