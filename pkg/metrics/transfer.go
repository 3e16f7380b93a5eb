package metrics

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultNamespace = "udprep"
	subsystemSender  = "sender"
)

// TransferCollector tracks one sender link: what went on the wire, what was
// resent, and the RTT of ACKed first transmissions.
type TransferCollector struct {
	mu        sync.RWMutex
	namespace string
	registry  *prometheus.Registry

	startTime       time.Time
	bytesSent       uint64
	bytesRetransmit uint64
	sourceBytes     uint64
	packetsSent     uint64
	acksReceived    uint64
	retransmissions uint64
	timeouts        uint64
	ackSamples      uint64
	lastAckMs       float64
	rttAvgMs        float64
	jitterMs        float64
}

type TransferSnapshot struct {
	Elapsed         time.Duration
	BytesSent       uint64
	BytesRetransmit uint64
	SourceBytes     uint64
	PacketsSent     uint64
	AcksReceived    uint64
	Retransmissions uint64
	Timeouts        uint64
	ThroughputBps   float64
	GoodputBps      float64
	GoodputMbps     float64
	RetransmitRate  float64
	RttMs           float64
	JitterMs        float64
}

func NewTransferCollector(namespace string) *TransferCollector {
	if strings.TrimSpace(namespace) == "" {
		namespace = defaultNamespace
	}
	tc := &TransferCollector{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
	}
	tc.registerMetrics()
	return tc
}

func (c *TransferCollector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveSend records one DATA or INIT datagram. Retransmitted bytes are kept
// apart so goodput excludes them.
func (c *TransferCollector) ObserveSend(bytes int, retransmit bool) {
	if c == nil || bytes <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureStartTimeLocked()
	c.packetsSent++
	if retransmit {
		c.bytesRetransmit += uint64(bytes)
		c.retransmissions++
		return
	}
	c.bytesSent += uint64(bytes)
}

// ObserveSourceRead records payload bytes pulled from the input stream.
func (c *TransferCollector) ObserveSourceRead(bytes int) {
	if c == nil || bytes <= 0 {
		return
	}
	c.mu.Lock()
	c.ensureStartTimeLocked()
	c.sourceBytes += uint64(bytes)
	c.mu.Unlock()
}

func (c *TransferCollector) ObserveTimeout() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.timeouts++
	c.mu.Unlock()
}

// ObserveAck counts a cumulative ACK that moved the window. A positive rtt is
// folded into the running average and jitter estimate.
func (c *TransferCollector) ObserveAck(rtt time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureStartTimeLocked()
	c.acksReceived++
	if rtt <= 0 {
		return
	}
	sample := float64(rtt) / float64(time.Millisecond)
	if c.ackSamples == 0 {
		c.rttAvgMs = sample
		c.jitterMs = 0
	} else {
		diff := math.Abs(sample - c.lastAckMs)
		if c.jitterMs == 0 {
			c.jitterMs = diff
		} else {
			c.jitterMs = c.jitterMs*0.7 + diff*0.3
		}
		c.rttAvgMs = (c.rttAvgMs*float64(c.ackSamples) + sample) / float64(c.ackSamples+1)
	}
	c.lastAckMs = sample
	c.ackSamples++
}

func (c *TransferCollector) Snapshot() TransferSnapshot {
	if c == nil {
		return TransferSnapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.buildSnapshotLocked(time.Now())
}

func (c *TransferCollector) buildSnapshotLocked(now time.Time) TransferSnapshot {
	elapsed := time.Duration(0)
	if !c.startTime.IsZero() {
		elapsed = now.Sub(c.startTime)
	}

	total := c.bytesSent + c.bytesRetransmit
	var retransRatio float64
	if total > 0 {
		retransRatio = float64(c.bytesRetransmit) / float64(total)
	}
	goodput := rateFromBytes(c.bytesSent, elapsed)

	return TransferSnapshot{
		Elapsed:         elapsed,
		BytesSent:       c.bytesSent,
		BytesRetransmit: c.bytesRetransmit,
		SourceBytes:     c.sourceBytes,
		PacketsSent:     c.packetsSent,
		AcksReceived:    c.acksReceived,
		Retransmissions: c.retransmissions,
		Timeouts:        c.timeouts,
		ThroughputBps:   rateFromBytes(total, elapsed),
		GoodputBps:      goodput,
		GoodputMbps:     goodput * 8 / 1e6,
		RetransmitRate:  retransRatio,
		RttMs:           c.rttAvgMs,
		JitterMs:        c.jitterMs,
	}
}

func (c *TransferCollector) registerMetrics() {
	makeGauge := func(name, help string, valueFn func(TransferSnapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: c.namespace,
			Subsystem: subsystemSender,
			Name:      name,
			Help:      help,
		}, func() float64 {
			c.mu.RLock()
			defer c.mu.RUnlock()
			return valueFn(c.buildSnapshotLocked(time.Now()))
		})
	}

	makeCounter := func(name, help string, field *uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: subsystemSender,
			Name:      name,
			Help:      help,
		}, func() float64 {
			c.mu.RLock()
			defer c.mu.RUnlock()
			return float64(*field)
		})
	}

	c.registry.MustRegister(
		makeGauge("throughput_bytes_per_second", "Transmit rate including retransmissions.",
			func(s TransferSnapshot) float64 { return s.ThroughputBps }),
		makeGauge("goodput_bytes_per_second", "Transmit rate of first transmissions only.",
			func(s TransferSnapshot) float64 { return s.GoodputBps }),
		makeGauge("rtt_milliseconds", "Average round-trip time of ACKed first transmissions.",
			func(s TransferSnapshot) float64 { return s.RttMs }),
		makeGauge("jitter_milliseconds", "Smoothed difference between successive RTT samples.",
			func(s TransferSnapshot) float64 { return s.JitterMs }),
		makeGauge("retransmission_ratio", "Retransmitted bytes over all transmitted bytes.",
			func(s TransferSnapshot) float64 { return s.RetransmitRate }),

		makeCounter("bytes_sent_total", "Datagram bytes sent on first transmission.", &c.bytesSent),
		makeCounter("bytes_retransmitted_total", "Datagram bytes resent after a timeout.", &c.bytesRetransmit),
		makeCounter("source_bytes_total", "Payload bytes read from the input.", &c.sourceBytes),
		makeCounter("packets_sent_total", "Datagrams written to the socket.", &c.packetsSent),
		makeCounter("acks_received_total", "Cumulative ACKs that advanced the window.", &c.acksReceived),
		makeCounter("retransmissions_total", "Datagrams resent after a timeout.", &c.retransmissions),
		makeCounter("timeouts_total", "Retransmission timer expirations.", &c.timeouts),
	)
}

func (c *TransferCollector) ensureStartTimeLocked() {
	if c.startTime.IsZero() {
		c.startTime = time.Now()
	}
}

func rateFromBytes(bytes uint64, elapsed time.Duration) float64 {
	if bytes == 0 || elapsed <= 0 {
		return 0
	}
	return float64(bytes) / elapsed.Seconds()
}
