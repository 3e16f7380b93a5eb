package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTransferCollectorSeparatesRetransmissions(t *testing.T) {
	c := NewTransferCollector("")
	c.ObserveSend(100, false)
	c.ObserveSend(100, false)
	c.ObserveSend(100, true)
	c.ObserveAck(10 * time.Millisecond)
	c.ObserveAck(20 * time.Millisecond)
	c.ObserveAck(0)

	s := c.Snapshot()
	if s.BytesSent != 200 || s.BytesRetransmit != 100 || s.PacketsSent != 3 {
		t.Fatalf("unexpected byte accounting: %+v", s)
	}
	if s.Retransmissions != 1 || s.AcksReceived != 3 {
		t.Fatalf("unexpected counters: %+v", s)
	}
	if s.RttMs != 15 {
		t.Fatalf("rtt avg = %v, want 15", s.RttMs)
	}
	if s.RetransmitRate < 0.33 || s.RetransmitRate > 0.34 {
		t.Fatalf("retransmit ratio = %v", s.RetransmitRate)
	}

	if n := testutil.CollectAndCount(c.Registry()); n != 12 {
		t.Fatalf("registered metric count = %d", n)
	}
}

func TestNilCollectorsAreNoops(t *testing.T) {
	var tc *TransferCollector
	tc.ObserveSend(1, false)
	tc.ObserveAck(time.Millisecond)
	_ = tc.Snapshot()

	var rc *ReceiverCollector
	rc.ObserveDatagram()
	rc.ObserveData("written")
	rc.ObserveSession("opened", 1)
}

func TestReceiverCollectorOutcomes(t *testing.T) {
	rc := NewReceiverCollector("test")
	rc.ObserveData("written")
	rc.ObserveData("written")
	rc.ObserveData("buffered")
	rc.ObserveSession("opened", 1)

	if got := testutil.ToFloat64(rc.dataOutcomes.WithLabelValues("written")); got != 2 {
		t.Fatalf("written = %v", got)
	}
	if got := testutil.ToFloat64(rc.active); got != 1 {
		t.Fatalf("active = %v", got)
	}
}
