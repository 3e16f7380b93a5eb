package dataplane

import (
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
)

// LossyConn drops datagrams in both directions with a fixed probability. It
// is a fault-injection harness around the receiver's socket; the protocol
// code never sees it. The random source is seeded explicitly so runs repeat.
type LossyConn struct {
	net.PacketConn

	dropPercent float64

	mu  sync.Mutex
	rng *rand.Rand

	droppedIn  atomic.Uint64
	droppedOut atomic.Uint64
}

func NewLossyConn(pc net.PacketConn, dropPercent float64, seed uint64) *LossyConn {
	switch {
	case dropPercent < 0:
		dropPercent = 0
	case dropPercent > 100:
		dropPercent = 100
	}
	return &LossyConn{
		PacketConn:  pc,
		dropPercent: dropPercent,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (c *LossyConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		n, addr, err := c.PacketConn.ReadFrom(p)
		if err != nil || !c.drop() {
			return n, addr, err
		}
		c.droppedIn.Add(1)
	}
}

// WriteTo reports success for dropped datagrams, as the network would.
func (c *LossyConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if c.drop() {
		c.droppedOut.Add(1)
		return len(p), nil
	}
	return c.PacketConn.WriteTo(p, addr)
}

func (c *LossyConn) Dropped() (in, out uint64) {
	return c.droppedIn.Load(), c.droppedOut.Load()
}

func (c *LossyConn) drop() bool {
	if c.dropPercent <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Float64()*100 < c.dropPercent
}
