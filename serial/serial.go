package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	gobug "go.bug.st/serial"
	"go.uber.org/atomic"
)

// maxLineSize bounds a single framed line; longer lines are dropped.
const maxLineSize = 4096

// Client is the high-level interface for sending line commands and
// receiving responses over a serial port.
type Client interface {
	// WriteCommand writes a single command string to the port.
	// Implementations will append the configured line delimiter if missing.
	WriteCommand(ctx context.Context, cmd string) error

	// ReadResponse reads a single response line terminated by the
	// configured delimiter.
	ReadResponse(ctx context.Context) (string, error)

	// Exec is a convenience that writes a command then reads one response.
	Exec(ctx context.Context, cmd string) (string, error)

	// Flush discards unread input and unsent output.
	Flush() error

	// Close closes the underlying port. It is safe to call multiple times.
	Close() error
}

// Port is the concrete implementation of Client backed by go.bug.st/serial.
type Port struct {
	port   SerialPort
	cfg    Config
	logger zerolog.Logger

	metrics *Metrics

	writeMu sync.Mutex

	// frameMu guards the partial line held by the reader loop and the
	// point in time the last Flush completed.
	frameMu   sync.Mutex
	lineBuf   []byte
	dropping  bool
	flushedAt time.Time

	// epoch counts flushes; lines framed in an older epoch are discarded
	// by readers.
	epoch atomic.Uint64

	responses chan frame
	closeCh   chan struct{}
	doneCh    chan struct{}

	// readErr holds the error that ended the reader loop, if any.
	readErr atomic.Error

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// frame is one complete line and the flush epoch it was framed in.
type frame struct {
	epoch uint64
	line  []byte
}

var _ Client = (*Port)(nil)

// Open opens a serial port with the given configuration.
func Open(cfg Config, logger zerolog.Logger) (*Port, error) {
	cfg, err := validateConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !isValidPortPattern(cfg.PortName) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPortName, cfg.PortName)
	}

	mode := &gobug.Mode{
		BaudRate: cfg.BaudRate.Int(),
		DataBits: cfg.DataBits.Int(),
		Parity:   cfg.Parity.Get(),
		StopBits: cfg.StopBits.Get(),
	}

	sp, err := openPort(cfg.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", cfg.PortName, err)
	}

	if cfg.ReadTimeout > 0 {
		if err = sp.SetReadTimeout(cfg.ReadTimeout); err != nil {
			return nil, handleOpenError(sp, fmt.Errorf("setting read timeout: %w", err))
		}
	}

	logger.Debug().
		Str("port", cfg.PortName).
		Int("baud", cfg.BaudRate.Int()).
		Dur("read_timeout", cfg.ReadTimeout).
		Msg("serial port opened")

	return NewPort(sp, cfg, logger), nil
}

// handleOpenError closes a half-configured port and joins any error from
// closing with the original error.
func handleOpenError(sp SerialPort, err error) error {
	if e := sp.Close(); e != nil {
		err = errors.Join(err, e)
	}
	return err
}

// NewPort constructs a Port around an existing SerialPort and starts its
// reader loop. Zero-valued framing fields in cfg get their defaults.
func NewPort(sp SerialPort, cfg Config, logger zerolog.Logger) *Port {
	if cfg.LineDelimiter == 0 {
		cfg.LineDelimiter = DefaultDelimiter
	}

	po := &Port{
		port:      sp,
		cfg:       cfg,
		logger:    logger.With().Str("port", cfg.PortName).Logger(),
		metrics:   &Metrics{},
		responses: make(chan frame, 64),
		closeCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	po.metrics.ConnectionStartTime.Store(time.Now().UnixNano())

	go po.readerLoop()

	return po
}

// Metrics returns the live counters for this port.
func (p *Port) Metrics() *Metrics {
	return p.metrics
}

// WriteCommand implements Client.
func (p *Port) WriteCommand(ctx context.Context, cmd string) error {
	if p.closed.Load() {
		return ErrClosed
	}

	if len(cmd) == 0 {
		return nil
	}

	// ensure delimiter
	if cmd[len(cmd)-1] != p.cfg.LineDelimiter {
		cmd = cmd + string(p.cfg.LineDelimiter)
	}

	return p.write(ctx, []byte(cmd))
}

func (p *Port) write(ctx context.Context, data []byte) (err error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	start := time.Now()
	written := 0
	defer func() {
		p.metrics.recordWrite(written, err, time.Since(start))
	}()

	for written < len(data) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, werr := p.port.Write(data[written:])
		if werr != nil {
			return fmt.Errorf("writing to %s: %w", p.cfg.PortName, werr)
		}
		if n == 0 {
			// Prevent an infinite loop if Write keeps returning 0
			return ErrWriteFailed
		}
		written += n
	}

	p.logger.Trace().Bytes("data", data).Msg("wrote command")
	return nil
}

// ReadResponseBytes reads a single response line without its delimiter.
// It blocks until a line arrives, the port is closed or ctx is done. Lines
// framed before the most recent Flush are skipped.
func (p *Port) ReadResponseBytes(ctx context.Context) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case f, ok := <-p.responses:
			if !ok {
				if err := p.readErr.Load(); err != nil {
					return nil, fmt.Errorf("%w: %w", ErrClosed, err)
				}
				return nil, ErrClosed
			}
			if f.epoch != p.epoch.Load() {
				p.metrics.FlushedLines.Inc()
				continue
			}
			return f.line, nil
		}
	}
}

// ReadResponse implements Client.
func (p *Port) ReadResponse(ctx context.Context) (string, error) {
	line, err := p.ReadResponseBytes(ctx)
	if err != nil {
		return "", err
	}
	return string(line), nil
}

// Exec implements Client.
func (p *Port) Exec(ctx context.Context, cmd string) (string, error) {
	if err := p.WriteCommand(ctx, cmd); err != nil {
		return "", err
	}
	return p.ReadResponse(ctx)
}

// Flush implements Client. Besides resetting the OS buffers it discards
// everything the reader loop holds: the partial line, lines already framed
// but not consumed, and any chunk whose Read returned before the flush
// completed.
func (p *Port) Flush() error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.metrics.FlushRequests.Inc()

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.frameMu.Lock()
	err := errors.Join(p.port.ResetInputBuffer(), p.port.ResetOutputBuffer())
	p.flushedAt = time.Now()
	p.epoch.Inc()
	discarded := 0
	if len(p.lineBuf) > 0 || p.dropping {
		discarded++
	}
	p.lineBuf = p.lineBuf[:0]
	p.dropping = false
	p.frameMu.Unlock()

	for drained := false; !drained; {
		select {
		case _, ok := <-p.responses:
			if !ok {
				drained = true
				break
			}
			discarded++
		default:
			drained = true
		}
	}

	if discarded > 0 {
		p.metrics.FlushedLines.Add(int64(discarded))
		p.logger.Debug().Int("lines", discarded).Msg("discarded buffered input on flush")
	}
	return err
}

// Close implements Client.
func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.closeCh)

		// Close the underlying port first to unblock any in-flight Read calls.
		if err := p.port.Close(); err != nil {
			p.closeErr = err
			return
		}

		// Wait for the reader loop to finish cleanup.
		<-p.doneCh

		p.logger.Debug().
			Object("metrics", p.metrics.Snapshot()).
			Object("read_buffers", readBuffers.Stats()).
			Msg("serial port closed")
	})
	return p.closeErr
}

// readerLoop continuously reads from the serial port and emits
// complete lines onto the response channel.
func (p *Port) readerLoop() {
	defer close(p.doneCh)
	defer close(p.responses)

	buf := readBuffers.Get()
	defer readBuffers.Put(buf)

	for {
		select {
		case <-p.closeCh:
			return
		default:
		}

		n, err := p.port.Read(*buf)
		readAt := time.Now()
		if err != nil {
			if !p.closed.Load() {
				p.readErr.Store(err)
				p.metrics.ReadErrors.Inc()
				p.logger.Error().Err(err).Msg("serial read failed")
			}
			return
		}
		if n == 0 {
			// read timeout elapsed with nothing pending
			continue
		}

		for _, f := range p.frameChunk((*buf)[:n], readAt) {
			select {
			case p.responses <- f:
			case <-p.closeCh:
				return
			}
		}
	}
}

// frameChunk appends chunk to the partial line and returns the lines it
// completes. A chunk read before the last Flush finished is discarded.
func (p *Port) frameChunk(chunk []byte, readAt time.Time) []frame {
	p.frameMu.Lock()
	defer p.frameMu.Unlock()
	defer p.metrics.recordRead(len(chunk))

	if readAt.Before(p.flushedAt) {
		p.logger.Trace().Int("bytes", len(chunk)).Msg("discarding input read before flush")
		return nil
	}

	epoch := p.epoch.Load()
	var out []frame
	for len(chunk) > 0 {
		idx := bytes.IndexByte(chunk, p.cfg.LineDelimiter)
		if idx == -1 {
			if !p.dropping {
				p.lineBuf = append(p.lineBuf, chunk...)
				if len(p.lineBuf) > maxLineSize {
					p.metrics.DroppedLines.Inc()
					p.logger.Warn().Err(ErrLineTooLong).Int("limit", maxLineSize).Msg("dropping line")
					p.lineBuf = p.lineBuf[:0]
					p.dropping = true
				}
			}
			break
		}

		if p.dropping {
			// tail of an oversized line
			p.dropping = false
			chunk = chunk[idx+1:]
			continue
		}

		p.lineBuf = append(p.lineBuf, chunk[:idx]...)
		line := make([]byte, len(p.lineBuf))
		copy(line, p.lineBuf)
		p.lineBuf = p.lineBuf[:0]
		p.metrics.LinesRead.Inc()
		out = append(out, frame{epoch: epoch, line: line})

		chunk = chunk[idx+1:]
	}
	return out
}
