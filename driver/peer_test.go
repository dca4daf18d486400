package driver

import (
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Station-Manager/m5relay/serial"
)

// peerPort simulates the device end of the serial line. Every write is
// recorded; if reply is set, its result is fed back as the device's answer.
type peerPort struct {
	mu      sync.Mutex
	writes  []string
	readCh  chan []byte
	closed  bool
	flushes int

	reply    func(line string) []byte
	onWrite  func(line string)
	writeErr func(line string) error
}

func newPeer() *peerPort {
	return &peerPort{readCh: make(chan []byte, 16)}
}

func newEchoPeer(answer string) *peerPort {
	p := newPeer()
	p.reply = func(string) []byte { return []byte(answer + "\r\n") }
	return p
}

func (p *peerPort) Read(b []byte) (int, error) {
	data, ok := <-p.readCh
	if !ok {
		return 0, io.EOF
	}
	return copy(b, data), nil
}

func (p *peerPort) Write(b []byte) (int, error) {
	line := string(b)
	p.mu.Lock()
	if p.writeErr != nil {
		if err := p.writeErr(line); err != nil {
			p.mu.Unlock()
			return 0, err
		}
	}
	p.writes = append(p.writes, line)
	reply, onWrite := p.reply, p.onWrite
	p.mu.Unlock()

	if onWrite != nil {
		onWrite(line)
	}
	if reply != nil {
		if r := reply(line); r != nil {
			p.readCh <- r
		}
	}
	return len(b), nil
}

func (p *peerPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.readCh)
	}
	return nil
}

func (p *peerPort) SetReadTimeout(time.Duration) error { return nil }

func (p *peerPort) ResetInputBuffer() error {
	p.mu.Lock()
	p.flushes++
	p.mu.Unlock()
	return nil
}

func (p *peerPort) ResetOutputBuffer() error { return nil }

func (p *peerPort) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

func (p *peerPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *peerPort) conn() *serial.Port {
	return serial.NewPort(p, serial.Config{PortName: "/dev/ttyUSB0", BaudRate: serial.Baud115200}, zerolog.Nop())
}

func (p *peerPort) opener() Opener {
	return func() (Conn, error) { return p.conn(), nil }
}

// fakeClock advances instantly: each After moves the clock forward by d
// and fires immediately.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// transcript returns the console output split into lines.
func transcript(b *strings.Builder) []string {
	return strings.Split(strings.TrimRight(b.String(), "\n"), "\n")
}

var errUnplugged = errors.New("device unplugged")
