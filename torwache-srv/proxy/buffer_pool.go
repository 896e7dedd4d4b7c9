package proxy

import "sync"

const (
	// pooledBufferSize is the size of pooled relay buffers (32KB).
	pooledBufferSize = 32 * 1024
)

// bufferPool is a global pool of byte slices used for copying data between
// connections. This reduces GC pressure by reusing buffers.
var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, pooledBufferSize)
		return &buf
	},
}

// getBuffer returns a buffer of at least size bytes, sliced down to size.
// Reads larger than the pooled size fall back to a fresh allocation.
// The caller must return pooled buffers using putBuffer when done.
func getBuffer(size int) (*[]byte, []byte) {
	if size > pooledBufferSize {
		buf := make([]byte, size)
		return nil, buf
	}
	p := bufferPool.Get().(*[]byte)
	return p, (*p)[:size]
}

// putBuffer returns a buffer to the pool for reuse.
func putBuffer(buf *[]byte) {
	if buf != nil {
		bufferPool.Put(buf)
	}
}
