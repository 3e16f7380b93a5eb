package pool

import "sync"

// BufferPool hands out byte slices with a fixed capacity. Slices that grew past
// it are not returned to the pool.
type BufferPool struct {
	size       int
	bufferPool sync.Pool
}

func NewBufferPool(bufferSize int) *BufferPool {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	bp := &BufferPool{size: bufferSize}
	bp.bufferPool.New = func() any {
		b := make([]byte, 0, bufferSize)
		return &b
	}
	return bp
}

func (bp *BufferPool) BufferSize() int { return bp.size }

// GetBuffer returns an empty slice with capacity BufferSize.
func (bp *BufferPool) GetBuffer() []byte {
	return (*bp.bufferPool.Get().(*[]byte))[:0]
}

// Clone copies src into a pooled buffer when it fits, otherwise into a fresh slice.
func (bp *BufferPool) Clone(src []byte) []byte {
	if len(src) > bp.size {
		return append([]byte(nil), src...)
	}
	return append(bp.GetBuffer(), src...)
}

func (bp *BufferPool) PutBuffer(buffer []byte) {
	if cap(buffer) != bp.size {
		return
	}
	buffer = buffer[:0]
	bp.bufferPool.Put(&buffer)
}
