// Package metrics provides Prometheus metrics for quicloop.
package metrics

import (
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

const (
	namespace = "quicloop"
)

// Drop reasons used with RecordDrop.
const (
	DropQueueFull   = "queue_full"
	DropOversized   = "oversized"
	DropNoConn      = "no_connection"
	DropFamily      = "address_family"
	DropTruncated   = "truncated"
	DropUndelivered = "undelivered"
)

// Metrics contains all Prometheus metrics for the runtime. Reactors of one
// process share a single instance.
type Metrics struct {
	// Connection metrics
	ConnectionsActive  prometheus.Gauge
	ConnectionsCreated prometheus.Counter
	ConnectionsClosed  *prometheus.CounterVec
	CreateFailures     *prometheus.CounterVec

	// Datagram metrics
	DatagramsReceived prometheus.Counter
	DatagramsSent     prometheus.Counter
	BytesReceived     prometheus.Counter
	BytesSent         prometheus.Counter
	DatagramsDropped  *prometheus.CounterVec
	DeliveryFailures  prometheus.Counter

	// Syscall metrics
	RecvCalls      prometheus.Counter
	SendCalls      prometheus.Counter
	SegmentedSends prometheus.Counter
	GSODisabled    prometheus.Counter

	// Loop metrics
	Iterations     prometheus.Counter
	TimeoutsFired  prometheus.Counter
	TimersPending  prometheus.Gauge
	IterationBatch prometheus.Histogram
	EnginePanics   prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of connections currently registered",
		}),
		ConnectionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_created_total",
			Help:      "Total number of connections created by the engine",
		}),
		ConnectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total connections removed, by reason",
		}, []string{"reason"}),
		CreateFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_create_failures_total",
			Help:      "Total connection creation failures, by reason",
		}, []string{"reason"}),

		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams handed to the engine",
		}),
		DatagramsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Total datagrams written to sockets",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes sent",
		}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Total datagrams dropped, by reason",
		}, []string{"reason"}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Total per-destination send errors reported by the kernel",
		}),

		RecvCalls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recvmsg_calls_total",
			Help:      "Total recvmsg system calls",
		}),
		SendCalls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sendmsg_calls_total",
			Help:      "Total sendmsg system calls",
		}),
		SegmentedSends: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gso_sends_total",
			Help:      "Total sendmsg calls carrying more than one segment",
		}),
		GSODisabled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gso_disabled_total",
			Help:      "Total sockets that turned segmentation offload off after a send error",
		}),

		Iterations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_iterations_total",
			Help:      "Total reactor loop iterations",
		}),
		TimeoutsFired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_fired_total",
			Help:      "Total expired connection deadlines delivered to the engine",
		}),
		TimersPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "timers_pending",
			Help:      "Number of armed connection deadlines",
		}),
		IterationBatch: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "iteration_datagrams",
			Help:      "Histogram of datagrams received per loop iteration",
			Buckets:   []float64{1, 4, 16, 32, 64, 128, 256, 512, 1024},
		}),
		EnginePanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_panics_total",
			Help:      "Total panics recovered from engine calls",
		}),
	}
}

// RecordConnectionCreated records a connection entering the registry.
func (m *Metrics) RecordConnectionCreated() {
	m.ConnectionsActive.Inc()
	m.ConnectionsCreated.Inc()
}

// RecordConnectionClosed records a connection leaving the registry.
func (m *Metrics) RecordConnectionClosed(reason string) {
	m.ConnectionsActive.Dec()
	m.ConnectionsClosed.WithLabelValues(reason).Inc()
}

// RecordCreateFailure records a connection that could not be created.
func (m *Metrics) RecordCreateFailure(reason string) {
	m.CreateFailures.WithLabelValues(reason).Inc()
}

// RecordReceived records datagrams handed to the engine.
func (m *Metrics) RecordReceived(datagrams, bytes int) {
	m.DatagramsReceived.Add(float64(datagrams))
	m.BytesReceived.Add(float64(bytes))
}

// RecordSent records datagrams written to a socket.
func (m *Metrics) RecordSent(datagrams, bytes int) {
	m.DatagramsSent.Add(float64(datagrams))
	m.BytesSent.Add(float64(bytes))
}

// RecordDrop records dropped datagrams.
func (m *Metrics) RecordDrop(reason string, n int) {
	m.DatagramsDropped.WithLabelValues(reason).Add(float64(n))
}

// RecordDeliveryFailure records a per-destination send error.
func (m *Metrics) RecordDeliveryFailure() {
	m.DeliveryFailures.Inc()
}

// RecordSyscalls adds socket counter deltas.
func (m *Metrics) RecordSyscalls(recv, send, segmented uint64) {
	m.RecvCalls.Add(float64(recv))
	m.SendCalls.Add(float64(send))
	m.SegmentedSends.Add(float64(segmented))
}

// RecordGSODisabled records a socket falling back to per-datagram sends.
func (m *Metrics) RecordGSODisabled() {
	m.GSODisabled.Inc()
}

// RecordIteration records one loop iteration and how many datagrams it read.
func (m *Metrics) RecordIteration(datagrams, timersPending int) {
	m.Iterations.Inc()
	m.TimersPending.Set(float64(timersPending))
	if datagrams > 0 {
		m.IterationBatch.Observe(float64(datagrams))
	}
}

// RecordTimeouts records expired deadlines.
func (m *Metrics) RecordTimeouts(n int) {
	m.TimeoutsFired.Add(float64(n))
}

// RecordEnginePanic records a recovered engine panic.
func (m *Metrics) RecordEnginePanic() {
	m.EnginePanics.Inc()
}

// WriteText writes every metric family gathered from g in the Prometheus
// text exposition format.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
