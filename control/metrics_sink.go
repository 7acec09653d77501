// control/metrics_sink.go
// Author: momentics <momentics@gmail.com>
//
// MetricsSink decorates an application-supplied registry callback sink
// with Prometheus observations, so wiring metrics in never requires
// touching the application's own DeliverSignal logic.

package control

import (
	"github.com/momentics/hioload-ws/api"
	"github.com/momentics/hioload-ws/protocol"
)

// Sink is declared structurally to match registry.CallbackSink's method
// set without control importing registry, which would otherwise own
// the only compile-time reference to this shape.
type Sink interface {
	DeliverSignal(header protocol.SignalHeader, prio uint8, err *api.TransportError, data []uint32, sections [][]uint32) api.DeliveryOutcome
	ReportConnect(peer int)
	ReportDisconnect(peer int, err error)
	ReportError(peer int, kind api.ErrorKind)
	ReportSendLen(peer int, n int, bytes int)
	ReportReceiveLen(peer int, n int, bytes int)
	LockTransporter(peer int)
	UnlockTransporter(peer int)
}

// MetricsSink wraps Next, recording every report_*/DeliverSignal
// callback into Metrics before forwarding it unchanged.
type MetricsSink struct {
	Next    Sink
	Metrics *PeerMetrics
}

func (s *MetricsSink) DeliverSignal(header protocol.SignalHeader, prio uint8, err *api.TransportError, data []uint32, sections [][]uint32) api.DeliveryOutcome {
	return s.Next.DeliverSignal(header, prio, err, data, sections)
}

func (s *MetricsSink) ReportConnect(peer int) {
	s.Metrics.ObserveConnect(peer)
	s.Next.ReportConnect(peer)
}

func (s *MetricsSink) ReportDisconnect(peer int, err error) {
	s.Metrics.ObserveDisconnect(peer)
	s.Next.ReportDisconnect(peer, err)
}

func (s *MetricsSink) ReportError(peer int, kind api.ErrorKind) {
	s.Metrics.ObserveError(peer, kind.String())
	s.Next.ReportError(peer, kind)
}

func (s *MetricsSink) ReportSendLen(peer int, n int, bytes int) {
	s.Metrics.ObserveSend(peer, n, bytes)
	s.Next.ReportSendLen(peer, n, bytes)
}

func (s *MetricsSink) ReportReceiveLen(peer int, n int, bytes int) {
	s.Metrics.ObserveReceive(peer, n, bytes)
	s.Next.ReportReceiveLen(peer, n, bytes)
}

func (s *MetricsSink) LockTransporter(peer int)   { s.Next.LockTransporter(peer) }
func (s *MetricsSink) UnlockTransporter(peer int) { s.Next.UnlockTransporter(peer) }
