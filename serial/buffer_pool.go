package serial

import (
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// readBufSize is the chunk size the reader loop hands to Read. Device
// responses are short single lines, so one small buffer covers them.
const readBufSize = 256

// readBuffers is shared by every Port's reader loop.
var readBuffers = NewBufferPool(readBufSize)

// BufferPool recycles fixed-size read buffers between ports.
type BufferPool struct {
	size int
	pool sync.Pool

	taken     atomic.Int64
	returned  atomic.Int64
	allocated atomic.Int64
}

// NewBufferPool returns a pool of size-byte buffers.
func NewBufferPool(size int) *BufferPool {
	bp := &BufferPool{size: size}
	bp.pool.New = func() any {
		bp.allocated.Inc()
		b := make([]byte, size)
		return &b
	}
	return bp
}

// Get takes a buffer, allocating one if none is idle.
func (bp *BufferPool) Get() *[]byte {
	bp.taken.Inc()
	return bp.pool.Get().(*[]byte)
}

// Put zeroes b and makes it available again. Buffers of the wrong size
// are left to the garbage collector.
func (bp *BufferPool) Put(b *[]byte) {
	if b == nil || len(*b) != bp.size {
		return
	}
	clear(*b)
	bp.returned.Inc()
	bp.pool.Put(b)
}

// Stats reports how the pool has been used so far.
func (bp *BufferPool) Stats() PoolStats {
	return PoolStats{
		Size:      bp.size,
		Taken:     bp.taken.Load(),
		Returned:  bp.returned.Load(),
		Allocated: bp.allocated.Load(),
	}
}

// PoolStats is a copy of a BufferPool's counters.
type PoolStats struct {
	Size      int
	Taken     int64
	Returned  int64
	Allocated int64
}

// Reused is the fraction of Get calls served without allocating.
func (s PoolStats) Reused() float64 {
	if s.Taken == 0 {
		return 0
	}
	return float64(s.Taken-s.Allocated) / float64(s.Taken)
}

// MarshalZerologObject lets the stats be logged with Event.Object.
func (s PoolStats) MarshalZerologObject(e *zerolog.Event) {
	e.Int("size", s.Size).
		Int64("taken", s.Taken).
		Int64("returned", s.Returned).
		Int64("allocated", s.Allocated).
		Float64("reused", s.Reused())
}
