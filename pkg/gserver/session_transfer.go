package gserver

import (
	"fmt"

	"github.com/jgoldverg/udprep/backend/localfs"
	"github.com/jgoldverg/udprep/backend/pool"
)

type dataOutcome int

const (
	outcomeWritten dataOutcome = iota
	outcomeBuffered
	outcomeDuplicate
	outcomeBufferFull
	outcomeOversized
	outcomeCompleted
)

func (o dataOutcome) String() string {
	switch o {
	case outcomeWritten:
		return "written"
	case outcomeBuffered:
		return "buffered"
	case outcomeDuplicate:
		return "duplicate"
	case outcomeBufferFull:
		return "buffer_full"
	case outcomeOversized:
		return "oversized"
	case outcomeCompleted:
		return "completed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type reorderEntry struct {
	seq     uint32
	payload []byte
	final   bool
	inUse   bool
}

// transferState reassembles one peer's stream. Bytes reach the sink strictly
// in sequence order; out-of-order packets wait in a fixed-capacity reorder
// buffer, and anything that does not fit is dropped for the sender to resend.
type transferState struct {
	path      string
	chunkSize uint32
	sink      localfs.Sink
	pool      *pool.BufferPool

	expected uint32
	reorder  []reorderEntry
	buffered int

	completed    bool
	finalSize    int64
	bytesWritten int64
}

func newTransferState(path string, chunkSize uint32, sink localfs.Sink, reorderCap int, bp *pool.BufferPool) *transferState {
	if reorderCap < 0 {
		reorderCap = 0
	}
	return &transferState{
		path:      path,
		chunkSize: chunkSize,
		sink:      sink,
		pool:      bp,
		reorder:   make([]reorderEntry, reorderCap),
	}
}

// ackValue is the cumulative ACK: everything through expected-1 is on disk.
// Before seq 0 arrives this wraps to udpwire.AckNone.
func (ts *transferState) ackValue() uint32 {
	return ts.expected - 1
}

// onData applies one DATA packet and returns what happened to it. payload is
// only borrowed; anything kept is copied. A non-nil error means the sink
// failed and the session cannot continue.
func (ts *transferState) onData(seq uint32, payload []byte, final bool) (dataOutcome, error) {
	if uint32(len(payload)) > ts.chunkSize {
		return outcomeOversized, nil
	}
	if ts.completed || seq < ts.expected {
		return outcomeDuplicate, nil
	}

	if seq > ts.expected {
		if ts.isBuffered(seq) {
			return outcomeDuplicate, nil
		}
		if ts.buffered >= len(ts.reorder) {
			return outcomeBufferFull, nil
		}
		ts.store(seq, payload, final)
		return outcomeBuffered, nil
	}

	if err := ts.write(seq, payload, final); err != nil {
		return outcomeWritten, err
	}
	if err := ts.flushBuffered(); err != nil {
		return outcomeWritten, err
	}
	if ts.completed {
		return outcomeCompleted, nil
	}
	return outcomeWritten, nil
}

// write puts an in-order payload at seq*chunkSize and advances expected. The
// final packet fixes the output length exactly.
func (ts *transferState) write(seq uint32, payload []byte, final bool) error {
	offset := int64(seq) * int64(ts.chunkSize)
	if len(payload) > 0 {
		if _, err := ts.sink.WriteAt(payload, offset); err != nil {
			return fmt.Errorf("write %s at %d: %w", ts.path, offset, err)
		}
		ts.bytesWritten += int64(len(payload))
	}
	ts.expected = seq + 1
	if final {
		return ts.complete(offset + int64(len(payload)))
	}
	return nil
}

// flushBuffered drains buffered entries for as long as they continue the
// contiguous run.
func (ts *transferState) flushBuffered() error {
	for !ts.completed && ts.buffered > 0 {
		idx := ts.indexOf(ts.expected)
		if idx < 0 {
			return nil
		}
		e := ts.take(idx)
		err := ts.write(e.seq, e.payload, e.final)
		ts.recycle(e.payload)
		if err != nil {
			return err
		}
	}
	return nil
}

func (ts *transferState) complete(size int64) error {
	if err := ts.sink.Truncate(size); err != nil {
		return fmt.Errorf("truncate %s to %d: %w", ts.path, size, err)
	}
	if err := ts.sink.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", ts.path, err)
	}
	ts.completed = true
	ts.finalSize = size
	// nothing past the final packet can be valid
	for i := range ts.reorder {
		if ts.reorder[i].inUse {
			ts.release(i)
		}
	}
	return nil
}

func (ts *transferState) store(seq uint32, payload []byte, final bool) {
	for i := range ts.reorder {
		if ts.reorder[i].inUse {
			continue
		}
		var kept []byte
		if ts.pool != nil {
			kept = ts.pool.Clone(payload)
		} else {
			kept = append([]byte(nil), payload...)
		}
		ts.reorder[i] = reorderEntry{seq: seq, payload: kept, final: final, inUse: true}
		ts.buffered++
		return
	}
}

// take removes an entry from the reorder buffer without recycling its payload.
func (ts *transferState) take(idx int) reorderEntry {
	e := ts.reorder[idx]
	ts.reorder[idx] = reorderEntry{}
	ts.buffered--
	return e
}

func (ts *transferState) release(idx int) {
	ts.recycle(ts.take(idx).payload)
}

func (ts *transferState) recycle(b []byte) {
	if ts.pool != nil && b != nil {
		ts.pool.PutBuffer(b)
	}
}

func (ts *transferState) indexOf(seq uint32) int {
	for i := range ts.reorder {
		if ts.reorder[i].inUse && ts.reorder[i].seq == seq {
			return i
		}
	}
	return -1
}

func (ts *transferState) isBuffered(seq uint32) bool { return ts.indexOf(seq) >= 0 }

func (ts *transferState) close() error {
	for i := range ts.reorder {
		if ts.reorder[i].inUse {
			ts.release(i)
		}
	}
	if ts.sink == nil {
		return nil
	}
	return ts.sink.Close()
}
