package serial

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type mockPort struct {
	readCh  chan []byte
	writeMu sync.Mutex
	writes  [][]byte

	mu     sync.Mutex
	closed bool
	// errToReturn, if non-nil, will be returned on the next Read call
	// instead of data from readCh.
	errToReturn error

	inputResets  int
	outputResets int
}

func newMockPort() *mockPort {
	return &mockPort{readCh: make(chan []byte, 16)}
}

func (m *mockPort) Read(p []byte) (int, error) {
	m.mu.Lock()
	if m.errToReturn != nil {
		err := m.errToReturn
		m.errToReturn = nil
		m.mu.Unlock()
		return 0, err
	}
	m.mu.Unlock()

	b, ok := <-m.readCh
	if !ok {
		return 0, context.Canceled
	}
	n := copy(p, b)
	return n, nil
}

func (m *mockPort) Write(p []byte) (int, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	m.writes = append(m.writes, cp)
	return len(p), nil
}

func (m *mockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		close(m.readCh)
		m.closed = true
	}
	return nil
}

func (m *mockPort) SetReadTimeout(d time.Duration) error { return nil }

func (m *mockPort) ResetInputBuffer() error {
	m.mu.Lock()
	m.inputResets++
	m.mu.Unlock()
	return nil
}

func (m *mockPort) ResetOutputBuffer() error {
	m.mu.Lock()
	m.outputResets++
	m.mu.Unlock()
	return nil
}

func (m *mockPort) writeCount() int {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return len(m.writes)
}

func testConfig() Config {
	return Config{
		PortName: "/dev/ttyUSB0",
		BaudRate: Baud115200,
		DataBits: DataBits8,
	}
}

func TestExecSingleCommand(t *testing.T) {
	mp := newMockPort()
	c := NewPort(mp, testConfig(), zerolog.Nop())
	defer c.Close()

	// simulate a response from the device
	mp.readCh <- []byte("OK\n")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := c.Exec(ctx, "Switch 1 on")
	if err != nil {
		t.Fatalf("Exec error: %v", err)
	}
	if resp != "OK" {
		t.Fatalf("expected response OK, got %q", resp)
	}

	if mp.writeCount() != 1 {
		t.Fatalf("expected 1 write, got %d", mp.writeCount())
	}
	if string(mp.writes[0]) != "Switch 1 on\n" {
		t.Fatalf("unexpected written data: %q", string(mp.writes[0]))
	}
}

func TestWriteCommandPreservesExistingDelimiter(t *testing.T) {
	mp := newMockPort()
	c := NewPort(mp, testConfig(), zerolog.Nop())
	defer c.Close()

	if err := c.WriteCommand(context.Background(), "Init\n"); err != nil {
		t.Fatalf("WriteCommand error: %v", err)
	}
	if string(mp.writes[0]) != "Init\n" {
		t.Fatalf("unexpected written data: %q", string(mp.writes[0]))
	}
}

func TestWriteCommandEmptyNoop(t *testing.T) {
	mp := newMockPort()
	c := NewPort(mp, testConfig(), zerolog.Nop())
	defer c.Close()

	if err := c.WriteCommand(context.Background(), ""); err != nil {
		t.Fatalf("WriteCommand(empty) error: %v", err)
	}
	if mp.writeCount() != 0 {
		t.Fatalf("expected no writes for empty command, got %d", mp.writeCount())
	}
}

func TestConcurrentWrites(t *testing.T) {
	mp := newMockPort()
	c := NewPort(mp, testConfig(), zerolog.Nop())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.WriteCommand(ctx, "Measure current 0")
		}()
	}

	wg.Wait()

	if mp.writeCount() != 10 {
		t.Fatalf("expected 10 writes, got %d", mp.writeCount())
	}
	if got := c.Metrics().WriteOperations.Load(); got != 10 {
		t.Fatalf("expected 10 recorded writes, got %d", got)
	}
}

func TestReadResponseTimeout(t *testing.T) {
	mp := newMockPort()
	c := NewPort(mp, testConfig(), zerolog.Nop())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.ReadResponse(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("ReadResponse returned too early for timeout")
	}
}

func TestCloseUnblocksRead(t *testing.T) {
	mp := newMockPort()
	c := NewPort(mp, testConfig(), zerolog.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := c.ReadResponse(context.Background())
		done <- err
	}()

	// give goroutine time to block in ReadResponse
	time.Sleep(10 * time.Millisecond)

	if err := c.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("ReadResponse did not unblock after Close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	mp := newMockPort()
	c := NewPort(mp, testConfig(), zerolog.Nop())

	if err := c.Close(); err != nil {
		t.Fatalf("first Close error: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
	if err := c.WriteCommand(context.Background(), "Init"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

func TestReadErrorIsReported(t *testing.T) {
	mp := newMockPort()
	boom := errors.New("device unplugged")
	mp.errToReturn = boom

	c := NewPort(mp, testConfig(), zerolog.Nop())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := c.ReadResponse(ctx)
	if !errors.Is(err, ErrClosed) || !errors.Is(err, boom) {
		t.Fatalf("expected ErrClosed wrapping the read error, got %v", err)
	}
	if got := c.Metrics().ReadErrors.Load(); got != 1 {
		t.Fatalf("expected 1 read error, got %d", got)
	}
}

func TestReadResponseWithChunkedInput(t *testing.T) {
	mp := newMockPort()
	c := NewPort(mp, testConfig(), zerolog.Nop())
	defer c.Close()

	// Fragmented input: "Switch 1: on\nOK\n" split over multiple reads.
	mp.readCh <- []byte("Switch 1")
	mp.readCh <- []byte(": on\nOK\n")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp1, err := c.ReadResponse(ctx)
	if err != nil {
		t.Fatalf("first ReadResponse error: %v", err)
	}
	if resp1 != "Switch 1: on" {
		t.Fatalf("expected first response 'Switch 1: on', got %q", resp1)
	}

	resp2, err := c.ReadResponse(ctx)
	if err != nil {
		t.Fatalf("second ReadResponse error: %v", err)
	}
	if resp2 != "OK" {
		t.Fatalf("expected second response 'OK', got %q", resp2)
	}
}

func TestEmptyReadIsPolledAgain(t *testing.T) {
	mp := newMockPort()
	c := NewPort(mp, testConfig(), zerolog.Nop())
	defer c.Close()

	// A zero-length read is what go.bug.st/serial returns on read timeout.
	mp.readCh <- []byte{}
	mp.readCh <- []byte("OK\n")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := c.ReadResponse(ctx)
	if err != nil {
		t.Fatalf("ReadResponse error: %v", err)
	}
	if resp != "OK" {
		t.Fatalf("expected OK, got %q", resp)
	}
}

func TestOversizedLineIsDropped(t *testing.T) {
	mp := newMockPort()
	c := NewPort(mp, testConfig(), zerolog.Nop())
	defer c.Close()

	// Feed more than maxLineSize without a delimiter, then its tail and a
	// well-formed line.
	bigChunk := make([]byte, maxLineSize+10)
	for i := range bigChunk {
		bigChunk[i] = 'A'
	}
	for len(bigChunk) > 0 {
		n := min(len(bigChunk), readBufSize)
		mp.readCh <- bigChunk[:n]
		bigChunk = bigChunk[n:]
	}
	mp.readCh <- []byte("AAAA\nOK\n")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := c.ReadResponse(ctx)
	if err != nil {
		t.Fatalf("ReadResponse error: %v", err)
	}
	if resp != "OK" {
		t.Fatalf("expected the oversized line to be dropped, got %q", resp)
	}
	if got := c.Metrics().DroppedLines.Load(); got != 1 {
		t.Fatalf("expected 1 dropped line, got %d", got)
	}
}

func TestFlushResetsBuffersAndDiscardsPendingLines(t *testing.T) {
	mp := newMockPort()
	c := NewPort(mp, testConfig(), zerolog.Nop())
	defer c.Close()

	mp.readCh <- []byte("boot banner\n")

	// wait until the reader loop has framed the banner
	deadline := time.Now().Add(time.Second)
	for len(c.responses) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("reader loop never framed the banner")
		}
		time.Sleep(time.Millisecond)
	}

	if err := c.Flush(); err != nil {
		t.Fatalf("Flush error: %v", err)
	}
	if mp.inputResets != 1 || mp.outputResets != 1 {
		t.Fatalf("expected one input and one output reset, got %d/%d", mp.inputResets, mp.outputResets)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if line, err := c.ReadResponse(ctx); err == nil {
		t.Fatalf("expected no pending line after Flush, got %q", line)
	}
}

func TestFlushDiscardsPartialLine(t *testing.T) {
	mp := newMockPort()
	c := NewPort(mp, testConfig(), zerolog.Nop())
	defer c.Close()

	noise := "ets Jun  8 2016 rst:0x1"
	mp.readCh <- []byte(noise)
	waitBytesRead(t, c, len(noise))

	if err := c.Flush(); err != nil {
		t.Fatalf("Flush error: %v", err)
	}
	mp.readCh <- []byte("OK\n")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := c.ReadResponse(ctx)
	if err != nil {
		t.Fatalf("ReadResponse error: %v", err)
	}
	if resp != "OK" {
		t.Fatalf("expected boot noise to be flushed, got %q", resp)
	}
	if got := c.Metrics().FlushedLines.Load(); got != 1 {
		t.Fatalf("expected 1 flushed line, got %d", got)
	}
}

func TestFlushDiscardsLineQueuedAfterDrain(t *testing.T) {
	mp := newMockPort()
	c := NewPort(mp, testConfig(), zerolog.Nop())
	defer c.Close()

	if err := c.Flush(); err != nil {
		t.Fatalf("Flush error: %v", err)
	}
	// a line framed before the flush that the reader loop only hands over
	// once the flush has drained the queue
	c.responses <- frame{epoch: 0, line: []byte("rst:0x1 (POWERON_RESET)")}
	mp.readCh <- []byte("OK\n")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := c.ReadResponse(ctx)
	if err != nil {
		t.Fatalf("ReadResponse error: %v", err)
	}
	if resp != "OK" {
		t.Fatalf("expected stale line to be skipped, got %q", resp)
	}
}

func TestFrameChunkDropsInputReadBeforeFlush(t *testing.T) {
	mp := newMockPort()
	c := NewPort(mp, testConfig(), zerolog.Nop())
	defer c.Close()

	readAt := time.Now()
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush error: %v", err)
	}
	if got := c.frameChunk([]byte("boot\nrst"), readAt); len(got) != 0 {
		t.Fatalf("expected chunk read before flush to be dropped, got %d lines", len(got))
	}
	if got := c.frameChunk([]byte("OK\n"), time.Now()); len(got) != 1 || string(got[0].line) != "OK" {
		t.Fatalf("expected one fresh line, got %+v", got)
	}
}

func waitBytesRead(t *testing.T, c *Port, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for c.Metrics().BytesRead.Load() < int64(n) {
		if time.Now().After(deadline) {
			t.Fatalf("reader loop never consumed %d bytes", n)
		}
		time.Sleep(time.Millisecond)
	}
}

// zeroWritePort always reports success but writes 0 bytes, which should be
// treated as an error by WriteCommand to avoid spinning indefinitely.
type zeroWritePort struct {
	mockPort
}

func (z *zeroWritePort) Write(p []byte) (int, error) { return 0, nil }

func TestWriteCommandZeroWriteIsError(t *testing.T) {
	z := &zeroWritePort{mockPort{readCh: make(chan []byte)}}
	c := NewPort(z, testConfig(), zerolog.Nop())
	defer c.Close()

	err := c.WriteCommand(context.Background(), "Init")
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
	if got := c.Metrics().WriteErrors.Load(); got != 1 {
		t.Fatalf("expected 1 write error, got %d", got)
	}
}

func TestWriteCommandContextCancelledBeforeWrite(t *testing.T) {
	mp := newMockPort()
	c := NewPort(mp, testConfig(), zerolog.Nop())
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.WriteCommand(ctx, "Init"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if mp.writeCount() != 0 {
		t.Fatalf("expected no writes when context is cancelled, got %d", mp.writeCount())
	}
}
