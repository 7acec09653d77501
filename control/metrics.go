// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics collector for system-level monitoring.
// Exposes counters in a thread-safe map with dynamic registration, plus
// a Prometheus-backed per-peer counter set for the registry's
// report_send_len/report_receive_len/report_connect/report_disconnect/
// report_error callbacks.

package control

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRegistry holds mutable and read-only metrics.
type MetricsRegistry struct {
	mu      sync.RWMutex
	metrics map[string]any
	updated time.Time
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		metrics: make(map[string]any),
	}
}

// Set sets or updates a metric key.
func (mr *MetricsRegistry) Set(key string, value any) {
	mr.mu.Lock()
	mr.metrics[key] = value
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// GetSnapshot returns the latest metrics.
func (mr *MetricsRegistry) GetSnapshot() map[string]any {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]any, len(mr.metrics))
	for k, v := range mr.metrics {
		out[k] = v
	}
	return out
}

// PeerMetrics exports the registry's per-peer counters (bytes_sent,
// bytes_received, send_count, receive_count, plus connect/disconnect/
// error counts) as Prometheus counter vectors labeled by peer node id,
// the same shape runZeroInc-sockstats' and runZeroInc-conniver's
// exporters use for per-connection TCP_INFO counters.
type PeerMetrics struct {
	BytesSent       *prometheus.CounterVec
	BytesReceived   *prometheus.CounterVec
	SendWords       *prometheus.CounterVec
	ReceiveWords    *prometheus.CounterVec
	ConnectCount    *prometheus.CounterVec
	DisconnectCount *prometheus.CounterVec
	ErrorCount      *prometheus.CounterVec
}

// NewPeerMetrics builds the counter vectors and registers them with
// reg. Call with prometheus.DefaultRegisterer in production, or a
// fresh prometheus.NewRegistry() in tests to avoid collisions across
// package-level test runs.
func NewPeerMetrics(reg prometheus.Registerer) *PeerMetrics {
	m := &PeerMetrics{
		BytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hioload_transporter_bytes_sent_total",
			Help: "Bytes handed to a peer's backend via do_send.",
		}, []string{"peer"}),
		BytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hioload_transporter_bytes_received_total",
			Help: "Bytes decoded from a peer's receive staging area.",
		}, []string{"peer"}),
		SendWords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hioload_transporter_send_words_total",
			Help: "Words handed to a peer's backend via do_send.",
		}, []string{"peer"}),
		ReceiveWords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hioload_transporter_receive_words_total",
			Help: "Words decoded from a peer's receive staging area.",
		}, []string{"peer"}),
		ConnectCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hioload_transporter_connects_total",
			Help: "report_connect callbacks observed, per peer.",
		}, []string{"peer"}),
		DisconnectCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hioload_transporter_disconnects_total",
			Help: "report_disconnect callbacks observed, per peer.",
		}, []string{"peer"}),
		ErrorCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hioload_transporter_errors_total",
			Help: "report_error callbacks observed, per peer and error kind.",
		}, []string{"peer", "kind"}),
	}
	reg.MustRegister(
		m.BytesSent, m.BytesReceived, m.SendWords, m.ReceiveWords,
		m.ConnectCount, m.DisconnectCount, m.ErrorCount,
	)
	return m
}

func peerLabel(peer int) string { return strconv.Itoa(peer) }

// ObserveConnect records a report_connect callback for peer.
func (m *PeerMetrics) ObserveConnect(peer int) {
	m.ConnectCount.WithLabelValues(peerLabel(peer)).Inc()
}

// ObserveDisconnect records a report_disconnect callback for peer.
func (m *PeerMetrics) ObserveDisconnect(peer int) {
	m.DisconnectCount.WithLabelValues(peerLabel(peer)).Inc()
}

// ObserveError records a report_error callback for peer, labeled by the
// error kind's string form.
func (m *PeerMetrics) ObserveError(peer int, kind string) {
	m.ErrorCount.WithLabelValues(peerLabel(peer), kind).Inc()
}

// ObserveSend records a report_send_len callback.
func (m *PeerMetrics) ObserveSend(peer int, words, bytes int) {
	l := peerLabel(peer)
	m.SendWords.WithLabelValues(l).Add(float64(words))
	m.BytesSent.WithLabelValues(l).Add(float64(bytes))
}

// ObserveReceive records a report_receive_len callback.
func (m *PeerMetrics) ObserveReceive(peer int, words, bytes int) {
	l := peerLabel(peer)
	m.ReceiveWords.WithLabelValues(l).Add(float64(words))
	m.BytesReceived.WithLabelValues(l).Add(float64(bytes))
}
