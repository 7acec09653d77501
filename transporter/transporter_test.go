package transporter_test

import (
	"errors"
	"testing"
	"time"

	"github.com/momentics/hioload-ws/api"
	"github.com/momentics/hioload-ws/transporter"
)

type fakeBackend struct {
	connectErr   error
	connectCalls int
	teardownCalls int
}

func (f *fakeBackend) ConnectImpl() error {
	f.connectCalls++
	return f.connectErr
}
func (f *fakeBackend) Teardown() error { f.teardownCalls++; return nil }
func (f *fakeBackend) HasDataToSend() bool { return false }
func (f *fakeBackend) DoSend() error { return nil }
func (f *fakeBackend) DoReceive() ([]uint32, error) { return nil, nil }
func (f *fakeBackend) SendIsPossible(time.Duration) bool { return true }

func TestDoConnectSucceedsAndTransitionsToConnected(t *testing.T) {
	b := &fakeBackend{}
	tr := transporter.New(7, b)
	if tr.Phase() != api.PhaseDisconnected {
		t.Fatalf("expected initial phase Disconnected, got %v", tr.Phase())
	}
	if err := tr.DoConnect(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Phase() != api.PhaseConnected {
		t.Fatalf("expected phase Connected, got %v", tr.Phase())
	}
	if b.connectCalls != 1 {
		t.Fatalf("expected 1 connect attempt, got %d", b.connectCalls)
	}
}

func TestDoConnectIsIdempotentWhenAlreadyConnected(t *testing.T) {
	b := &fakeBackend{}
	tr := transporter.New(1, b)
	if err := tr.DoConnect(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tr.DoConnect(); err != nil {
		t.Fatalf("unexpected error on second call: %v", err)
	}
	if b.connectCalls != 1 {
		t.Fatalf("expected DoConnect to be a no-op once Connected, got %d calls", b.connectCalls)
	}
}

func TestDoDisconnectReturnsToDisconnectedAndIsIdempotent(t *testing.T) {
	b := &fakeBackend{}
	tr := transporter.New(2, b)
	_ = tr.DoConnect()

	if err := tr.DoDisconnect(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Phase() != api.PhaseDisconnected {
		t.Fatalf("expected phase Disconnected, got %v", tr.Phase())
	}
	if err := tr.DoDisconnect(); err != nil {
		t.Fatalf("unexpected error on second disconnect: %v", err)
	}
	if b.teardownCalls != 1 {
		t.Fatalf("expected exactly 1 teardown call, got %d", b.teardownCalls)
	}
}

func TestConnectRefusedBackoffEngagesAfterThreshold(t *testing.T) {
	b := &fakeBackend{connectErr: errors.New("refused")}
	tr := transporter.New(3, b)

	for i := 0; i < transporter.MinConnectionsRefused; i++ {
		if err := tr.DoConnect(); err == nil {
			t.Fatalf("expected connect error on attempt %d", i)
		}
		if tr.IsConnectBlocked() {
			t.Fatalf("should not be blocked before exceeding MinConnectionsRefused (attempt %d)", i)
		}
	}

	if err := tr.DoConnect(); err == nil {
		t.Fatalf("expected connect error on the threshold-exceeding attempt")
	}
	if !tr.IsConnectBlocked() {
		t.Fatalf("expected connect-refused backoff to engage after %d consecutive refusals", transporter.MinConnectionsRefused+1)
	}
}

func TestSuccessfulConnectResetsBackoffState(t *testing.T) {
	b := &fakeBackend{connectErr: errors.New("refused")}
	tr := transporter.New(4, b)
	for i := 0; i <= transporter.MinConnectionsRefused; i++ {
		_ = tr.DoConnect()
	}
	if !tr.IsConnectBlocked() {
		t.Fatalf("expected backoff engaged before recovery")
	}

	// Wait out the block (1s after MinConnectionsRefused+1 refusals), then
	// let the retry succeed on the same transporter.
	b.connectErr = nil
	for tr.IsConnectBlocked() {
		time.Sleep(10 * time.Millisecond)
	}
	if err := tr.DoConnect(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.IsConnectBlocked() {
		t.Fatalf("a freshly connected peer must not be backoff-blocked")
	}

	// With the refused count reset, one new refusal must not re-engage
	// backoff.
	_ = tr.DoDisconnect()
	b.connectErr = errors.New("refused")
	_ = tr.DoConnect()
	if tr.IsConnectBlocked() {
		t.Fatalf("refused count was not reset by the successful connect")
	}
}

func TestSetIOStateIsObservedByIOState(t *testing.T) {
	tr := transporter.New(6, &fakeBackend{})
	tr.SetIOState(api.HaltInput)
	if tr.IOState() != api.HaltInput {
		t.Fatalf("expected IOState HaltInput, got %v", tr.IOState())
	}
}
