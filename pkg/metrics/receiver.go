package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const subsystemReceiver = "receiver"

// ReceiverCollector counts what the receive loop did with each datagram.
type ReceiverCollector struct {
	registry *prometheus.Registry

	datagrams    prometheus.Counter
	malformed    prometheus.Counter
	dataOutcomes *prometheus.CounterVec
	acksSent     prometheus.Counter
	bytesWritten prometheus.Counter
	sessions     *prometheus.CounterVec
	active       prometheus.Gauge
}

func NewReceiverCollector(namespace string) *ReceiverCollector {
	if strings.TrimSpace(namespace) == "" {
		namespace = defaultNamespace
	}
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystemReceiver, Name: name, Help: help}
	}

	rc := &ReceiverCollector{
		registry:     prometheus.NewRegistry(),
		datagrams:    prometheus.NewCounter(opts("datagrams_total", "Datagrams read from the socket.")),
		malformed:    prometheus.NewCounter(opts("malformed_total", "Datagrams that failed to decode.")),
		dataOutcomes: prometheus.NewCounterVec(opts("data_packets_total", "DATA packets by reassembly outcome."), []string{"outcome"}),
		acksSent:     prometheus.NewCounter(opts("acks_sent_total", "Cumulative ACKs written.")),
		bytesWritten: prometheus.NewCounter(opts("bytes_written_total", "Payload bytes written to output sinks.")),
		sessions:     prometheus.NewCounterVec(opts("sessions_total", "Session lifecycle events."), []string{"event"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemReceiver,
			Name:      "sessions_active",
			Help:      "Sessions currently held in the table.",
		}),
	}
	rc.registry.MustRegister(rc.datagrams, rc.malformed, rc.dataOutcomes, rc.acksSent, rc.bytesWritten, rc.sessions, rc.active)
	return rc
}

func (r *ReceiverCollector) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *ReceiverCollector) ObserveDatagram() {
	if r != nil {
		r.datagrams.Inc()
	}
}

func (r *ReceiverCollector) ObserveMalformed() {
	if r != nil {
		r.malformed.Inc()
	}
}

func (r *ReceiverCollector) ObserveData(outcome string) {
	if r != nil {
		r.dataOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (r *ReceiverCollector) ObserveAckSent() {
	if r != nil {
		r.acksSent.Inc()
	}
}

func (r *ReceiverCollector) ObserveWrite(bytes int) {
	if r != nil && bytes > 0 {
		r.bytesWritten.Add(float64(bytes))
	}
}

// ObserveSession records a lifecycle event (opened, reset, completed, failed,
// rejected, reclaimed) and the resulting table occupancy.
func (r *ReceiverCollector) ObserveSession(event string, active int) {
	if r == nil {
		return
	}
	r.sessions.WithLabelValues(event).Inc()
	r.active.Set(float64(active))
}
