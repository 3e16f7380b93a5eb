package gserver

import (
	"time"

	"github.com/jgoldverg/udprep/internal"
)

type sessionSlot struct {
	peer       string
	state      *transferState
	lastActive time.Time
	inUse      bool
}

// SessionTable is a fixed arena of sessions keyed by peer address. It is owned
// by the receive loop and is not safe for concurrent use.
type SessionTable struct {
	slots  []sessionSlot
	index  map[string]int
	ttl    time.Duration
	linger time.Duration
	now    func() time.Time

	// onReclaim is told about a peer whose session was evicted to make room.
	onReclaim func(peer string)
}

// NewSessionTable sizes the arena. Idle sessions become reclaimable after ttl
// and completed ones after linger, so a lost final ACK can still be repaired.
func NewSessionTable(capacity int, ttl, linger time.Duration) *SessionTable {
	if capacity <= 0 {
		capacity = DefaultSessionCapacity
	}
	return &SessionTable{
		slots:  make([]sessionSlot, capacity),
		index:  make(map[string]int, capacity),
		ttl:    ttl,
		linger: linger,
		now:    time.Now,
	}
}

func (t *SessionTable) Capacity() int { return len(t.slots) }

func (t *SessionTable) Len() int { return len(t.index) }

// Reset discards whatever state peer had and installs the one built by open.
// A new peer needs a free slot; when none is left a completed session past its
// linger or an idle one past ttl is reclaimed. Otherwise ErrTableFull is
// returned without calling open.
// An active transfer of another peer is never evicted.
func (t *SessionTable) Reset(peer string, open func() (*transferState, error)) (*transferState, error) {
	idx, ok := t.index[peer]
	if ok {
		t.evict(idx, "reset")
	} else {
		idx = t.freeSlot()
		if idx < 0 {
			idx = t.reclaimable()
		}
		if idx < 0 {
			return nil, ErrTableFull
		}
		if t.slots[idx].inUse {
			victim := t.slots[idx].peer
			t.evict(idx, "reclaimed")
			if t.onReclaim != nil {
				t.onReclaim(victim)
			}
		}
	}

	st, err := open()
	if err != nil {
		return nil, err
	}
	t.slots[idx] = sessionSlot{peer: peer, state: st, lastActive: t.now(), inUse: true}
	t.index[peer] = idx
	return st, nil
}

// Lookup returns the session of peer and marks it active.
func (t *SessionTable) Lookup(peer string) (*transferState, bool) {
	idx, ok := t.index[peer]
	if !ok {
		return nil, false
	}
	t.slots[idx].lastActive = t.now()
	return t.slots[idx].state, true
}

func (t *SessionTable) Remove(peer string) {
	if idx, ok := t.index[peer]; ok {
		t.evict(idx, "removed")
	}
}

func (t *SessionTable) Close() {
	for peer := range t.index {
		t.Remove(peer)
	}
}

func (t *SessionTable) freeSlot() int {
	for i := range t.slots {
		if !t.slots[i].inUse {
			return i
		}
	}
	return -1
}

// reclaimable prefers a completed session quiet for longer than linger, then
// the longest idle one past ttl. A completed session still inside its linger
// window is kept so retransmissions of its final packet get re-ACKed.
func (t *SessionTable) reclaimable() int {
	now := t.now()
	idle, idleSince := -1, now
	for i := range t.slots {
		s := &t.slots[i]
		if !s.inUse {
			continue
		}
		quiet := now.Sub(s.lastActive)
		if s.state.completed && quiet > t.linger {
			return i
		}
		if t.ttl > 0 && quiet > t.ttl && s.lastActive.Before(idleSince) {
			idle, idleSince = i, s.lastActive
		}
	}
	return idle
}

func (t *SessionTable) evict(idx int, reason string) {
	s := &t.slots[idx]
	if err := s.state.close(); err != nil {
		internal.Warn("closing session output failed", internal.Fields{
			internal.FieldPeer:  s.peer,
			internal.FieldPath:  s.state.path,
			internal.FieldError: err.Error(),
		})
	}
	internal.Debug("session dropped from table", internal.Fields{
		internal.FieldPeer: s.peer,
		"reason":           reason,
		"completed":        s.state.completed,
	})
	delete(t.index, s.peer)
	*s = sessionSlot{}
}
