package serial

import (
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// Metrics tracks serial communication statistics for one Port.
type Metrics struct {
	// Write Operations
	WriteOperations atomic.Int64 // Total write attempts
	WriteErrors     atomic.Int64 // Failed writes
	BytesWritten    atomic.Int64 // Total bytes written
	TotalWriteTime  atomic.Int64 // Total time spent writing (ns)
	MaxWriteTime    atomic.Int64 // Slowest write operation (ns)
	LastWriteTime   atomic.Int64 // Unix timestamp of last write

	// Read side
	LinesRead     atomic.Int64 // Complete lines framed by the reader loop
	BytesRead     atomic.Int64 // Total bytes read
	ReadErrors    atomic.Int64 // Terminal read errors
	DroppedLines  atomic.Int64 // Lines discarded for exceeding maxLineSize
	FlushedLines  atomic.Int64 // Lines and partial lines discarded by Flush
	LastReadTime  atomic.Int64 // Unix timestamp of last read
	FlushRequests atomic.Int64 // Flush calls

	ConnectionStartTime atomic.Int64 // When the port was opened (ns)
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Timestamp           time.Time
	Uptime              time.Duration
	WriteOperations     int64
	WriteErrors         int64
	BytesWritten        int64
	AverageWriteLatency time.Duration
	MaxWriteLatency     time.Duration
	LinesRead           int64
	BytesRead           int64
	ReadErrors          int64
	DroppedLines        int64
	FlushedLines        int64
	FlushRequests       int64
}

// MarshalZerologObject lets a snapshot be logged with Event.Object.
func (s MetricsSnapshot) MarshalZerologObject(e *zerolog.Event) {
	e.Dur("uptime", s.Uptime).
		Int64("writes", s.WriteOperations).
		Int64("write_errors", s.WriteErrors).
		Int64("bytes_written", s.BytesWritten).
		Dur("avg_write_latency", s.AverageWriteLatency).
		Dur("max_write_latency", s.MaxWriteLatency).
		Int64("lines_read", s.LinesRead).
		Int64("bytes_read", s.BytesRead).
		Int64("read_errors", s.ReadErrors).
		Int64("dropped_lines", s.DroppedLines).
		Int64("flushed_lines", s.FlushedLines).
		Int64("flushes", s.FlushRequests)
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	now := time.Now()
	s := MetricsSnapshot{
		Timestamp:       now,
		WriteOperations: m.WriteOperations.Load(),
		WriteErrors:     m.WriteErrors.Load(),
		BytesWritten:    m.BytesWritten.Load(),
		MaxWriteLatency: time.Duration(m.MaxWriteTime.Load()),
		LinesRead:       m.LinesRead.Load(),
		BytesRead:       m.BytesRead.Load(),
		ReadErrors:      m.ReadErrors.Load(),
		DroppedLines:    m.DroppedLines.Load(),
		FlushedLines:    m.FlushedLines.Load(),
		FlushRequests:   m.FlushRequests.Load(),
	}
	if s.WriteOperations > 0 {
		s.AverageWriteLatency = time.Duration(m.TotalWriteTime.Load() / s.WriteOperations)
	}
	if start := m.ConnectionStartTime.Load(); start > 0 {
		s.Uptime = time.Duration(now.UnixNano() - start)
	}
	return s
}

func (m *Metrics) recordWrite(bytesWritten int, err error, duration time.Duration) {
	m.WriteOperations.Inc()
	m.LastWriteTime.Store(time.Now().Unix())
	m.TotalWriteTime.Add(duration.Nanoseconds())

	// Update max write time
	for {
		current := m.MaxWriteTime.Load()
		if duration.Nanoseconds() <= current {
			break
		}
		if m.MaxWriteTime.CompareAndSwap(current, duration.Nanoseconds()) {
			break
		}
	}

	m.BytesWritten.Add(int64(bytesWritten))
	if err != nil {
		m.WriteErrors.Inc()
	}
}

func (m *Metrics) recordRead(n int) {
	m.BytesRead.Add(int64(n))
	m.LastReadTime.Store(time.Now().Unix())
}
