package udpclient

import "time"

type txSlot struct {
	seq     uint32
	buf     []byte
	n       int
	sentAt  time.Time
	retries int
	inUse   bool
}

func (s *txSlot) bytes() []byte { return s.buf[:s.n] }

// txWindow is the Go-Back-N send window: a fixed arena of slots addressed by
// seq % size. [base, next) are in flight and never exceed size.
type txWindow struct {
	slots []txSlot
	base  uint32
	next  uint32
}

func newTxWindow(size, slotCap int) *txWindow {
	w := &txWindow{slots: make([]txSlot, size)}
	for i := range w.slots {
		w.slots[i].buf = make([]byte, slotCap)
	}
	return w
}

func (w *txWindow) size() int { return len(w.slots) }

func (w *txWindow) inFlight() int { return int(w.next - w.base) }

func (w *txWindow) full() bool { return w.inFlight() >= len(w.slots) }

func (w *txWindow) end() uint32 { return w.base + uint32(len(w.slots)) }

func (w *txWindow) slot(seq uint32) *txSlot {
	return &w.slots[seq%uint32(len(w.slots))]
}

// admit claims the slot for next and advances next. The caller fills buf and
// sets n before transmitting. Returns nil when the window is full.
func (w *txWindow) admit() *txSlot {
	if w.full() {
		return nil
	}
	s := w.slot(w.next)
	s.seq = w.next
	s.n = 0
	s.retries = 0
	s.sentAt = time.Time{}
	s.inUse = true
	w.next++
	return s
}

// ackThrough applies a cumulative ACK for seq. Only base <= seq < next moves
// the window; anything else is a duplicate or refers to nothing in flight.
// rtt is non-zero when seq was ACKed on its first transmission.
func (w *txWindow) ackThrough(seq uint32) (released int, rtt time.Duration) {
	if seq < w.base || seq >= w.next {
		return 0, 0
	}
	acked := w.slot(seq)
	if acked.retries == 0 && !acked.sentAt.IsZero() {
		rtt = time.Since(acked.sentAt)
	}
	for s := w.base; s <= seq; s++ {
		sl := w.slot(s)
		sl.inUse = false
		sl.n = 0
		released++
	}
	w.base = seq + 1
	return released, rtt
}

// expired reports whether the oldest in-flight slot has waited longer than rto.
func (w *txWindow) expired(now time.Time, rto time.Duration) bool {
	if w.inFlight() == 0 {
		return false
	}
	return now.Sub(w.slot(w.base).sentAt) > rto
}

// overBudget returns the first in-flight slot that one more retransmission
// would push past maxRetries.
func (w *txWindow) overBudget(maxRetries int) (*txSlot, bool) {
	for s := w.base; s != w.next; s++ {
		sl := w.slot(s)
		if sl.retries+1 > maxRetries {
			return sl, true
		}
	}
	return nil, false
}

func (w *txWindow) each(fn func(*txSlot) error) error {
	for s := w.base; s != w.next; s++ {
		if err := fn(w.slot(s)); err != nil {
			return err
		}
	}
	return nil
}
