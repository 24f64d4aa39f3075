package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// ChunkSize is the unit of the proxy's read-chunk/write-chunk relay loop.
// Segments are relayed one chunk at a time so a slow player applies natural
// backpressure to the upstream read.
const ChunkSize = 32 * 1024

// Pool hands out reusable byte buffers sized for the relay loop, backed by
// valyala/bytebufferpool so per-request chunk buffers never hit the allocator
// on the hot path.
type Pool struct {
	pool *bytebufferpool.Pool
}

// NewPool creates a relay buffer pool.
func NewPool() *Pool {
	return &Pool{pool: &bytebufferpool.Pool{}}
}

// Get returns a buffer whose backing slice has at least ChunkSize capacity,
// length set to ChunkSize, ready for io.Reader.Read.
func (p *Pool) Get() *bytebufferpool.ByteBuffer {
	buf := p.pool.Get()
	if cap(buf.B) < ChunkSize {
		buf.B = make([]byte, ChunkSize)
	} else {
		buf.B = buf.B[:ChunkSize]
	}
	return buf
}

// Put returns a buffer to the pool.
func (p *Pool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		p.pool.Put(buf)
	}
}
