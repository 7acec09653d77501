package control_test

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/momentics/hioload-ws/api"
	"github.com/momentics/hioload-ws/control"
	"github.com/momentics/hioload-ws/protocol"
)

type recordingInnerSink struct {
	connects    []int
	disconnects []int
}

func (s *recordingInnerSink) DeliverSignal(header protocol.SignalHeader, prio uint8, err *api.TransportError, data []uint32, sections [][]uint32) api.DeliveryOutcome {
	return api.DeliveryContinue
}
func (s *recordingInnerSink) ReportConnect(peer int)    { s.connects = append(s.connects, peer) }
func (s *recordingInnerSink) ReportDisconnect(peer int, err error) {
	s.disconnects = append(s.disconnects, peer)
}
func (s *recordingInnerSink) ReportError(peer int, kind api.ErrorKind) {}
func (s *recordingInnerSink) ReportSendLen(peer, n, bytes int)         {}
func (s *recordingInnerSink) ReportReceiveLen(peer, n, bytes int)      {}
func (s *recordingInnerSink) LockTransporter(peer int)                 {}
func (s *recordingInnerSink) UnlockTransporter(peer int)               {}

func TestMetricsSinkForwardsAndRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := control.NewPeerMetrics(reg)
	inner := &recordingInnerSink{}
	sink := &control.MetricsSink{Next: inner, Metrics: metrics}

	sink.ReportConnect(7)
	sink.ReportSendLen(7, 10, 40)
	sink.ReportReceiveLen(7, 3, 12)
	sink.ReportError(7, api.ErrKindInvalidChecksum)
	sink.ReportDisconnect(7, errors.New("peer closed"))

	if len(inner.connects) != 1 || inner.connects[0] != 7 {
		t.Fatalf("expected forwarded connect for peer 7, got %v", inner.connects)
	}
	if len(inner.disconnects) != 1 || inner.disconnects[0] != 7 {
		t.Fatalf("expected forwarded disconnect for peer 7, got %v", inner.disconnects)
	}

	if got := testutil.ToFloat64(metrics.ConnectCount.WithLabelValues("7")); got != 1 {
		t.Fatalf("connect count: got %v want 1", got)
	}
	if got := testutil.ToFloat64(metrics.SendWords.WithLabelValues("7")); got != 10 {
		t.Fatalf("send words: got %v want 10", got)
	}
	if got := testutil.ToFloat64(metrics.BytesSent.WithLabelValues("7")); got != 40 {
		t.Fatalf("bytes sent: got %v want 40", got)
	}
	if got := testutil.ToFloat64(metrics.ReceiveWords.WithLabelValues("7")); got != 3 {
		t.Fatalf("receive words: got %v want 3", got)
	}
	if got := testutil.ToFloat64(metrics.ErrorCount.WithLabelValues("7", "InvalidChecksum")); got != 1 {
		t.Fatalf("error count: got %v want 1", got)
	}
	if got := testutil.ToFloat64(metrics.DisconnectCount.WithLabelValues("7")); got != 1 {
		t.Fatalf("disconnect count: got %v want 1", got)
	}
}
