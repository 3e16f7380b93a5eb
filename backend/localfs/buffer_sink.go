package localfs

import (
	"errors"
	"sync"
)

// BufferSink is an in-memory Sink. It grows on demand like a sparse file.
type BufferSink struct {
	mu     sync.Mutex
	buf    []byte
	writes int
	closed bool
}

func NewBufferSink(initialSize int64) *BufferSink {
	if initialSize < 0 {
		initialSize = 0
	}
	return &BufferSink{buf: make([]byte, 0, initialSize)}
}

func (b *BufferSink) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, errors.New("sink closed")
	}

	b.writes++
	end := off + int64(len(p))
	if end > int64(len(b.buf)) {
		b.grow(end)
	}
	copy(b.buf[off:end], p)
	return len(p), nil
}

func (b *BufferSink) Truncate(size int64) error {
	if size < 0 {
		return errors.New("negative size")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if size > int64(len(b.buf)) {
		b.grow(size)
		return nil
	}
	b.buf = b.buf[:size]
	return nil
}

func (b *BufferSink) Sync() error { return nil }

func (b *BufferSink) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *BufferSink) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}

// Writes reports how many WriteAt calls the sink has accepted.
func (b *BufferSink) Writes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}

func (b *BufferSink) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *BufferSink) grow(size int64) {
	if size <= int64(cap(b.buf)) {
		old := len(b.buf)
		b.buf = b.buf[:size]
		clear(b.buf[old:])
		return
	}
	newBuf := make([]byte, size)
	copy(newBuf, b.buf)
	b.buf = newBuf
}
