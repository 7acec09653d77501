// File: transporter/transporter.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package transporter implements the abstract per-peer state machine
// (C5) shared by every backend: Disconnected/Connecting/Connected/
// Disconnecting, with connect-refused backoff and idempotent
// connect/disconnect entry points. Backend specializations
// (transporter/tcp, transporter/shm, transporter/rdma) supply the
// Backend implementation; this package owns the phase transitions and
// the backoff bookkeeping common to all three, while each backend's
// ConnectImpl runs that backend's own handshake.
package transporter

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/momentics/hioload-ws/api"
)

const (
	// MinConnectionsRefused is the number of consecutive refusals before
	// backoff engages.
	MinConnectionsRefused = 3
	// MaxBlockTime caps how long a peer is held in backoff.
	MaxBlockTime = 10 * time.Second
)

// Backend is the set of operations a concrete wire protocol (TCP, SHM,
// RDMA) must provide to plug into the shared state machine.
type Backend interface {
	// ConnectImpl establishes the backend's connection, including its
	// whole handshake (for TCP the node-id/transporter-type exchange).
	ConnectImpl() error
	// Teardown releases backend resources. Called exactly once per
	// Connected→Disconnecting→Disconnected cycle; must be idempotent.
	Teardown() error
	// HasDataToSend reports whether do_send has outstanding work.
	HasDataToSend() bool
	// DoSend drains as much of the pending send data as the backend
	// can accept without blocking.
	DoSend() error
	// DoReceive pulls newly arrived bytes into the backend's staging
	// area and returns the decodable word span, if any.
	DoReceive() ([]uint32, error)
	// SendIsPossible reports whether the backend can accept more data
	// within timeout.
	SendIsPossible(timeout time.Duration) bool
}

// Writer is implemented by every shipped backend (tcp, shm, rdma) and
// exposes the send staging area a registry packs an outbound message
// directly into. It is a separate interface from Backend, rather than
// folded into it, because it is only exercised by the registry's
// prepare_send path, never by the state machine itself.
type Writer interface {
	GetWritePtr(words uint32) (offset uint32, ok bool)
	RingBase() []uint32
	UpdateWritePtr(words uint32)
}

// Transporter is the common per-peer state machine. One instance
// exists per peer node id, for the lifetime of the registry.
type Transporter struct {
	mu      sync.Mutex
	peer    int
	phase   api.TransporterPhase
	backend Backend

	refusedCount      int
	connectBlockUntil time.Time

	log *zap.SugaredLogger

	ioState api.IOState
	stats   api.PeerStats
}

// New creates a Transporter bound to peer and backend. The transporter
// starts Disconnected.
func New(peer int, backend Backend) *Transporter {
	return &Transporter{
		peer:    peer,
		backend: backend,
		phase:   api.PhaseDisconnected,
	}
}

// SetLogger attaches a logger used to trace connect attempts with an
// opaque per-attempt id (see DoConnect). A nil logger (the default)
// disables this tracing entirely; registry.AddPeer wires the
// registry's own logger in here.
func (t *Transporter) SetLogger(log *zap.SugaredLogger) {
	t.mu.Lock()
	t.log = log
	t.mu.Unlock()
}

// NewConnected creates a Transporter already in the Connected phase,
// for a backend whose handshake ran out-of-band before construction —
// the server side of an accepted TCP connection runs AcceptHandshake
// directly rather than through ConnectImpl/DoConnect, since a listener
// accept loop, not the connect-refused backoff machinery, owns that
// side's lifecycle up to the point the connection is handed off.
func NewConnected(peer int, backend Backend) *Transporter {
	t := New(peer, backend)
	t.phase = api.PhaseConnected
	return t
}

// Peer returns the peer node id this transporter serves.
func (t *Transporter) Peer() int { return t.peer }

// Phase returns the current state machine phase.
func (t *Transporter) Phase() api.TransporterPhase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// IOState returns the peer's current halt-state flag.
func (t *Transporter) IOState() api.IOState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ioState
}

// SetIOState sets the peer's halt-state flag; the unpacker and
// prepare_send honor it on their next call.
func (t *Transporter) SetIOState(s api.IOState) {
	t.mu.Lock()
	t.ioState = s
	t.mu.Unlock()
}

// Stats returns a snapshot of this peer's send/receive counters.
// Readers tolerate stale values per the shared-resource policy.
func (t *Transporter) Stats() api.PeerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// IsConnectBlocked reports whether this peer is currently serving out
// a connect-refused backoff period.
func (t *Transporter) IsConnectBlocked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Now().Before(t.connectBlockUntil)
}

// DoConnect transitions Disconnected→Connecting and attempts the
// handshake. It is idempotent: calling it while already Connecting or
// Connected does nothing. Returns nil once the backend handshake
// succeeds and the phase is Connected; a non-nil error leaves the
// transporter Disconnected with backoff state updated. Each attempt is
// tagged with an opaque xid so repeated connect/refuse cycles against
// the same peer can be correlated across log lines without a counter
// racing the background connect worker.
func (t *Transporter) DoConnect() error {
	attempt := xid.New()

	t.mu.Lock()
	if t.phase != api.PhaseDisconnected {
		t.mu.Unlock()
		return nil
	}
	if time.Now().Before(t.connectBlockUntil) {
		t.mu.Unlock()
		return fmt.Errorf("transporter: peer %d is connect-blocked", t.peer)
	}
	t.phase = api.PhaseConnecting
	log := t.log
	t.mu.Unlock()

	if log != nil {
		log.Debugw("transporter: connect attempt starting", "peer", t.peer, "attempt", attempt.String())
	}

	if err := t.backend.ConnectImpl(); err != nil {
		t.mu.Lock()
		t.phase = api.PhaseDisconnected
		t.recordRefusedLocked()
		refused := t.refusedCount
		t.mu.Unlock()
		if log != nil {
			log.Debugw("transporter: connect attempt refused", "peer", t.peer, "attempt", attempt.String(), "refused_count", refused, "error", err)
		}
		return err
	}

	t.mu.Lock()
	t.phase = api.PhaseConnected
	t.refusedCount = 0
	t.connectBlockUntil = time.Time{}
	t.mu.Unlock()
	if log != nil {
		log.Debugw("transporter: connect attempt succeeded", "peer", t.peer, "attempt", attempt.String())
	}
	return nil
}

// recordRefusedLocked applies the connect-refused backoff formula:
// after MinConnectionsRefused consecutive refusals,
// connect_block_until = now + min(MaxBlockTime, refusedCount -
// MinConnectionsRefused) seconds. t.mu must be held.
func (t *Transporter) recordRefusedLocked() {
	t.refusedCount++
	if t.refusedCount <= MinConnectionsRefused {
		return
	}
	extra := time.Duration(t.refusedCount-MinConnectionsRefused) * time.Second
	if extra > MaxBlockTime {
		extra = MaxBlockTime
	}
	t.connectBlockUntil = time.Now().Add(extra)
}

// DoDisconnect is idempotent teardown: Connected or Connecting moves to
// Disconnecting, backend.Teardown runs, and the phase settles at
// Disconnected. Calling it while already Disconnected is a no-op.
func (t *Transporter) DoDisconnect() error {
	t.mu.Lock()
	if t.phase == api.PhaseDisconnected {
		t.mu.Unlock()
		return nil
	}
	t.phase = api.PhaseDisconnecting
	t.mu.Unlock()

	err := t.backend.Teardown()

	t.mu.Lock()
	t.phase = api.PhaseDisconnected
	t.mu.Unlock()
	return err
}

// HasDataToSend forwards to the backend.
func (t *Transporter) HasDataToSend() bool { return t.backend.HasDataToSend() }

// DoSend forwards to the backend while the peer is Connected.
func (t *Transporter) DoSend() error {
	if t.Phase() != api.PhaseConnected {
		return nil
	}
	return t.backend.DoSend()
}

// DoReceive forwards to the backend while the peer is Connected.
func (t *Transporter) DoReceive() ([]uint32, error) {
	if t.Phase() != api.PhaseConnected {
		return nil, nil
	}
	return t.backend.DoReceive()
}

// SendIsPossible forwards to the backend while the peer is Connected; a
// peer that is not Connected never has room to send into.
func (t *Transporter) SendIsPossible(timeout time.Duration) bool {
	if t.Phase() != api.PhaseConnected {
		return false
	}
	return t.backend.SendIsPossible(timeout)
}

// GetWritePtr reserves words in the backend's send staging area. The
// backend must implement Writer; every shipped backend does. ok is
// false both when the peer is not Connected and when the backend has
// no room.
func (t *Transporter) GetWritePtr(words uint32) (offset uint32, ok bool) {
	if t.Phase() != api.PhaseConnected {
		return 0, false
	}
	return t.backend.(Writer).GetWritePtr(words)
}

// RingBase exposes the backend's send staging storage for Packer.Pack
// to write directly into, at the offset a prior GetWritePtr returned.
func (t *Transporter) RingBase() []uint32 {
	return t.backend.(Writer).RingBase()
}

// UpdateWritePtr commits words just written via GetWritePtr/RingBase.
func (t *Transporter) UpdateWritePtr(words uint32) {
	t.backend.(Writer).UpdateWritePtr(words)
}

// Reader is implemented by every shipped backend and lets the registry
// advance the receive staging area past words it has already decoded.
type Reader interface {
	Consume(words uint32)
}

// Consume forwards to the backend while connected; it is a no-op
// otherwise, since a disconnected peer has no staging area left to
// advance.
func (t *Transporter) Consume(words uint32) {
	if t.Phase() != api.PhaseConnected {
		return
	}
	t.backend.(Reader).Consume(words)
}

// RecordSend updates the cumulative send counters after n words (4*n
// bytes) were handed to the backend.
func (t *Transporter) RecordSend(words, bytes uint64) {
	t.mu.Lock()
	t.stats.SendCount += words
	t.stats.BytesSent += bytes
	t.mu.Unlock()
}

// RecordReceive updates the cumulative receive counters.
func (t *Transporter) RecordReceive(words, bytes uint64) {
	t.mu.Lock()
	t.stats.ReceiveCount += words
	t.stats.BytesReceived += bytes
	t.mu.Unlock()
}
