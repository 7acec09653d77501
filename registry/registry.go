// File: registry/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package registry implements the transporter aggregate (C9): a peer
// table keyed by node id, a background connect worker, and the
// external_io/poll_receive/perform_receive/perform_send loop that
// drives every connected transporter regardless of which backend
// (tcp, shm, rdma) it runs over.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/momentics/hioload-ws/api"
	"github.com/momentics/hioload-ws/control"
	"github.com/momentics/hioload-ws/internal/concurrency"
	"github.com/momentics/hioload-ws/protocol"
	"github.com/momentics/hioload-ws/protocol/resequence"
	"github.com/momentics/hioload-ws/reactor"
	"github.com/momentics/hioload-ws/transporter"
)

// BackendKind identifies which wire backend a peer's transporter runs
// over, since poll_receive treats TCP (reactor-driven, may block) and
// the shared-memory/remote-DMA backends (always polled for emptiness,
// never block) differently.
type BackendKind int

const (
	BackendTCP BackendKind = iota
	BackendSHM
	BackendRDMA
)

// CallbackSink is the application-supplied boundary: signal delivery
// plus the diagnostic report_* callbacks. A registry
// with a nil sink still drains and discards traffic, which is useful
// for connectivity-only tests.
type CallbackSink interface {
	DeliverSignal(header protocol.SignalHeader, prio uint8, err *api.TransportError, data []uint32, sections [][]uint32) api.DeliveryOutcome
	ReportConnect(peer int)
	ReportDisconnect(peer int, err error)
	ReportError(peer int, kind api.ErrorKind)
	ReportSendLen(peer int, n int, bytes int)
	ReportReceiveLen(peer int, n int, bytes int)
	LockTransporter(peer int)
	UnlockTransporter(peer int)
}

// Tunables configures wire framing and resequencing defaults shared
// across every peer the registry owns.
type Tunables struct {
	ChecksumUsed  bool
	SignalIDUsed  bool
	ByteOrder     byte
	WaitStackSize uint32
	NUMANode      int

	// MaxConcurrentConnects bounds how many connect_client attempts the
	// background worker may have in flight at once, so a peer table of
	// thousands of nodes doesn't open thousands of sockets within the
	// same 100ms sweep.
	MaxConcurrentConnects int64
}

func (t *Tunables) setDefaults() {
	if t.WaitStackSize == 0 {
		t.WaitStackSize = 64
	}
	if t.MaxConcurrentConnects == 0 {
		t.MaxConcurrentConnects = 8
	}
}

type peerEntry struct {
	t     *transporter.Transporter
	kind  BackendKind
	fd    uintptr
	hasFD bool

	lastPhase   api.TransporterPhase
	resequenceQ *resequence.Queue
}

// Registry is the transporter aggregate. One instance owns every peer
// connection a node maintains; it is safe for concurrent use, though
// the intended scheduling model expects ExternalIO to be driven by a
// single cooperative I/O goroutine (poll_receive's reactor callbacks
// assume no concurrent Poll call).
type Registry struct {
	mu       sync.RWMutex
	peers    map[int]*peerEntry
	order    []int // round-robin send cursor order
	cursor   int
	badData  map[int]bool
	fdToPeer map[uintptr]int

	sink     CallbackSink
	reactor  reactor.Reactor
	log      *zap.SugaredLogger
	tunables Tunables

	packer   protocol.Packer
	unpacker protocol.Unpacker

	// readyTCP is populated by reactor callbacks during the lifetime of
	// a single pollReceive call. It is only ever touched from the I/O
	// goroutine that calls ExternalIO, so it needs no separate lock.
	readyTCP map[int]bool

	executor   *concurrency.Executor
	workerStop chan struct{}
	workerDone chan struct{}

	// connectSem bounds the number of connect_client attempts the
	// background connect worker may have in flight at once; see
	// Tunables.MaxConcurrentConnects.
	connectSem *semaphore.Weighted
}

// New constructs an empty Registry. rx may be nil for deployments with
// no TCP peers (shm/rdma-only clusters poll for emptiness directly).
func New(sink CallbackSink, rx reactor.Reactor, log *zap.SugaredLogger, tun Tunables) *Registry {
	tun.setDefaults()
	if tun.ByteOrder == 0 {
		tun.ByteOrder = 1
	}
	return &Registry{
		peers:    make(map[int]*peerEntry),
		badData:  make(map[int]bool),
		fdToPeer: make(map[uintptr]int),
		sink:     sink,
		reactor:  rx,
		log:      log,
		tunables: tun,
		packer: protocol.Packer{
			SignalIDUsed: tun.SignalIDUsed,
			ChecksumUsed: tun.ChecksumUsed,
			ByteOrder:    tun.ByteOrder,
		},
		unpacker:   protocol.Unpacker{ByteOrder: tun.ByteOrder},
		connectSem: semaphore.NewWeighted(tun.MaxConcurrentConnects),
	}
}

// Tunables returns a snapshot of the registry's current wire-framing
// tunables. Readers tolerate stale values per the shared-resource
// policy, the same as Stats.
func (r *Registry) Tunables() Tunables {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tunables
}

// ApplyTunables updates the live wire-framing toggles (checksum,
// signal-id) from a freshly loaded control.Tunables snapshot, so a
// config reload takes effect on the next PrepareSend/unpack call
// without restarting the registry. Buffer sizing and report-frequency
// tunables live on the individual backends (transporter/tcp,
// transporter/shm) and are applied when those backends are
// constructed, not here.
func (r *Registry) ApplyTunables(ct control.Tunables) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tunables.ChecksumUsed = ct.ChecksumUsed
	r.tunables.SignalIDUsed = ct.SignalIDUsed
	r.packer.ChecksumUsed = ct.ChecksumUsed
	r.packer.SignalIDUsed = ct.SignalIDUsed
}

// WireConfigReload registers an OnReload hook on cs that pushes its
// current Tunables snapshot into r whenever the config store is
// reloaded, so `control.ConfigStore.LoadTunablesFile` re-tunes a
// running registry in place instead of requiring a restart.
func WireConfigReload(r *Registry, cs *control.ConfigStore) {
	cs.OnReload(func() { r.ApplyTunables(cs.Tunables()) })
}

// AddPeer registers a new peer transporter. fd is the raw socket
// descriptor for reactor registration and is ignored for non-TCP
// kinds. A peer that is already Connected at registration time (the
// accept side of a handshake that ran out-of-band, via
// transporter.NewConnected) is treated as a fresh connect immediately
// rather than waiting for updateConnections to observe a transition
// that already happened before AddPeer was called.
func (r *Registry) AddPeer(t *transporter.Transporter, kind BackendKind, fd uintptr) {
	if r.log != nil {
		t.SetLogger(r.log)
	}
	peer := t.Peer()
	e := &peerEntry{
		t:         t,
		kind:      kind,
		fd:        fd,
		hasFD:     kind == BackendTCP,
		lastPhase: api.PhaseDisconnected,
	}
	if r.tunables.WaitStackSize > 0 {
		e.resequenceQ = resequence.New(r.tunables.WaitStackSize)
	}

	r.mu.Lock()
	r.peers[peer] = e
	r.order = append(r.order, peer)
	r.mu.Unlock()

	if t.Phase() == api.PhaseConnected {
		e.lastPhase = api.PhaseConnected
		r.onPeerConnected(e)
	}
}

// RemovePeer tears down bookkeeping for peer, unregistering it from
// the reactor if it was a TCP peer. It does not call Teardown on the
// transporter itself; callers that want a clean disconnect should call
// DoDisconnect first.
func (r *Registry) RemovePeer(peer int) {
	r.mu.Lock()
	e, ok := r.peers[peer]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.peers, peer)
	delete(r.badData, peer)
	delete(r.fdToPeer, e.fd)
	for i, p := range r.order {
		if p == peer {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if e.hasFD && r.reactor != nil {
		_ = r.reactor.Unregister(e.fd)
	}
}

// SetIOState sets peer's halt/resume flag; PrepareSend and the
// unpacker honor it on their next call.
func (r *Registry) SetIOState(peer int, state api.IOState) {
	r.mu.RLock()
	e, ok := r.peers[peer]
	r.mu.RUnlock()
	if ok {
		e.t.SetIOState(state)
	}
}

func (r *Registry) isBadData(peer int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.badData[peer]
}

func (r *Registry) setBadData(peer int, bad bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bad {
		r.badData[peer] = true
	} else {
		delete(r.badData, peer)
	}
}

// PrepareSend packs header/data/sections into peer's send staging
// area. A buffer-full condition is retried up to 50 times with a 2ms
// sleep between attempts before giving up with SendBufferFullStatus.
func (r *Registry) PrepareSend(header protocol.SignalHeader, data []uint32, sections []protocol.Section, peer int) api.SendStatus {
	r.mu.RLock()
	e, ok := r.peers[peer]
	r.mu.RUnlock()
	if !ok {
		return api.SendUnknownNode
	}

	ioState := e.t.IOState()
	if (ioState == api.HaltOutput || ioState == api.HaltIO) && header.BlockReceiverRef != protocol.QMGRBlock {
		return api.SendBlocked
	}
	if e.t.Phase() != api.PhaseConnected {
		return api.SendDisconnected
	}

	needed := r.packer.WordsNeeded(len(data), sections)
	if needed > protocol.MaxMessageSizeWords {
		return api.SendMessageTooBig
	}

	for attempt := 0; attempt < 50; attempt++ {
		off, ok := e.t.GetWritePtr(uint32(needed))
		if ok {
			dst := e.t.RingBase()
			n, err := r.packer.Pack(dst[off:], header, data, sections)
			if err != nil {
				return api.SendMessageTooBig
			}
			e.t.UpdateWritePtr(n)
			e.t.RecordSend(uint64(n), uint64(n)*4)
			return api.SendOK
		}
		time.Sleep(2 * time.Millisecond)
	}

	if r.sink != nil {
		r.sink.ReportError(peer, api.ErrKindSendBufferFull)
	}
	return api.SendBufferFullStatus
}

// ExternalIO runs one iteration of the registry's I/O loop: poll for
// incoming data, decode and deliver it if any arrived, then give every
// connected peer with outstanding sends a chance to drain.
func (r *Registry) ExternalIO(timeout time.Duration) error {
	ready, err := r.pollReceive(timeout)
	if len(ready) > 0 {
		r.performReceive(ready)
	}
	r.performSend()
	return err
}

// pollReceive polls for incoming data: shared-memory and
// remote-DMA peers are polled directly for already-published data
// (never blocking), while TCP peers are multiplexed through the
// platform reactor. If any non-TCP peer is connected, the reactor's
// timeout is forced to zero so the cooperative I/O loop never blocks
// on a socket while a ring peer has independent deadlines of its own.
func (r *Registry) pollReceive(timeout time.Duration) (map[int]bool, error) {
	ready := make(map[int]bool)

	r.mu.RLock()
	entries := make([]*peerEntry, 0, len(r.peers))
	for _, e := range r.peers {
		entries = append(entries, e)
	}
	tcpCount := len(r.fdToPeer)
	r.mu.RUnlock()

	hasNonTCP := false
	for _, e := range entries {
		if e.kind == BackendTCP || e.t.Phase() != api.PhaseConnected {
			continue
		}
		hasNonTCP = true
		words, err := e.t.DoReceive()
		if err != nil || len(words) > 0 {
			ready[e.t.Peer()] = true
		}
	}

	if r.reactor == nil || tcpCount == 0 {
		return ready, nil
	}

	effTimeout := timeout
	if hasNonTCP {
		effTimeout = 0
	}

	r.readyTCP = ready
	err := r.reactor.Poll(int(effTimeout.Milliseconds()))
	r.readyTCP = nil
	return ready, err
}

func (r *Registry) makeReadyCallback(peer int) reactor.FDCallback {
	return func(_ uintptr, events reactor.FDEventType) {
		if r.readyTCP == nil {
			return
		}
		if events&(reactor.EventRead|reactor.EventError) != 0 {
			r.readyTCP[peer] = true
		}
	}
}

// performReceive drains every peer poll_receive flagged ready: pull the
// decodable span, unpack it fully, and advance the receive cursor past
// whatever was consumed — even for a peer flagged bad-data, so the
// socket keeps draining without delivering anything to the sink.
func (r *Registry) performReceive(ready map[int]bool) {
	for peer, ok := range ready {
		if !ok {
			continue
		}
		r.mu.RLock()
		e, found := r.peers[peer]
		r.mu.RUnlock()
		if !found {
			continue
		}

		words, recvErr := e.t.DoReceive()
		if len(words) == 0 && recvErr == nil {
			continue
		}

		bad := r.isBadData(peer)
		consumed, perr := protocol.UnpackAll(&r.unpacker, words, peer, e.t.IOState(), func(sig *protocol.Signal) api.DeliveryOutcome {
			if bad {
				return api.DeliveryContinue
			}
			return r.deliver(peer, e, sig)
		})

		if consumed > 0 {
			e.t.Consume(consumed)
			if r.sink != nil {
				r.sink.ReportReceiveLen(peer, int(consumed), int(consumed)*4)
			}
		}
		if perr != nil {
			r.setBadData(peer, true)
			if r.sink != nil {
				r.sink.ReportError(peer, perr.Kind)
			}
		}
		if recvErr != nil {
			if r.sink != nil {
				r.sink.ReportDisconnect(peer, recvErr)
			}
			_ = e.t.DoDisconnect()
		}
	}
}

// deliver routes a single decoded signal to the sink, resequencing it
// first when the sender attached a signal id. TCP/shm/rdma already
// deliver in send order, but resequencing applies to any signal-id-
// bearing message on any backend, since the queue itself is
// backend-agnostic and costs nothing when ids arrive in order (the
// common case).
func (r *Registry) deliver(peer int, e *peerEntry, sig *protocol.Signal) api.DeliveryOutcome {
	if r.sink == nil {
		return api.DeliveryContinue
	}
	r.sink.LockTransporter(peer)
	defer r.sink.UnlockTransporter(peer)

	if !sig.Header.SignalIDPresent || e.resequenceQ == nil {
		return r.sink.DeliverSignal(sig.Header, sig.Header.Priority, nil, sig.Data, sig.Sections)
	}

	outcome := api.DeliveryContinue
	err := e.resequenceQ.Offer(peer, sig.Header.SignalID, sig, func(ent resequence.Entry) {
		ordered := ent.Payload.(*protocol.Signal)
		if r.sink.DeliverSignal(ordered.Header, ordered.Header.Priority, nil, ordered.Data, ordered.Sections) == api.DeliveryStop {
			outcome = api.DeliveryStop
		}
	})
	if err != nil {
		r.sink.ReportError(peer, err.Kind)
		return api.DeliveryContinue
	}
	return outcome
}

// performSend round-robins through every peer starting from a rolling
// cursor, calling do_send on any connected peer with outstanding data.
func (r *Registry) performSend() {
	r.mu.RLock()
	order := append([]int(nil), r.order...)
	start := r.cursor
	r.mu.RUnlock()
	if len(order) == 0 {
		return
	}
	start %= len(order)

	for i := 0; i < len(order); i++ {
		peer := order[(start+i)%len(order)]
		r.mu.RLock()
		e, ok := r.peers[peer]
		r.mu.RUnlock()
		if !ok || e.t.Phase() != api.PhaseConnected || !e.t.HasDataToSend() {
			continue
		}
		if err := e.t.DoSend(); err != nil {
			if r.sink != nil {
				r.sink.ReportDisconnect(peer, err)
			}
			_ = e.t.DoDisconnect()
		}
	}

	r.mu.Lock()
	r.cursor = (start + 1) % len(order)
	r.mu.Unlock()
}

// updateConnections reads each peer's phase and synthesizes
// report_connect/report_disconnect callbacks on transitions. It also
// registers/unregisters TCP peers with the reactor as they become
// reachable or drop, and resets a peer's resequence queue and
// bad-data flag on a fresh connect.
func (r *Registry) updateConnections() {
	r.mu.RLock()
	entries := make([]*peerEntry, 0, len(r.peers))
	for _, e := range r.peers {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		phase := e.t.Phase()

		r.mu.Lock()
		prev := e.lastPhase
		e.lastPhase = phase
		r.mu.Unlock()

		if prev == phase {
			continue
		}
		if phase == api.PhaseConnected {
			r.onPeerConnected(e)
		} else if phase == api.PhaseDisconnected && prev != api.PhaseDisconnected {
			r.onPeerDisconnected(e)
		}
	}
}

func (r *Registry) onPeerConnected(e *peerEntry) {
	peer := e.t.Peer()
	if e.hasFD && r.reactor != nil {
		if err := r.reactor.Register(e.fd, reactor.EventRead|reactor.EventError, r.makeReadyCallback(peer)); err != nil && r.log != nil {
			r.log.Warnw("registry: reactor register failed", "peer", peer, "error", err)
		}
		r.mu.Lock()
		r.fdToPeer[e.fd] = peer
		r.mu.Unlock()
	}
	r.setBadData(peer, false)
	if e.resequenceQ != nil {
		e.resequenceQ.Reset()
	}
	if r.sink != nil {
		r.sink.ReportConnect(peer)
	}
}

func (r *Registry) onPeerDisconnected(e *peerEntry) {
	if e.hasFD && r.reactor != nil {
		_ = r.reactor.Unregister(e.fd)
		r.mu.Lock()
		delete(r.fdToPeer, e.fd)
		r.mu.Unlock()
	}
}

// StartClients spawns the background connect worker, a single
// dedicated goroutine hosted on a one-worker
// internal/concurrency.Executor (handed tunables.NUMANode, which it does
// not use for pinning), running as a second, dedicated
// background thread alongside the caller's own I/O loop. It sleeps
// 100ms between sweeps of the peer
// table, attempting DoConnect on every peer that is Disconnected and
// not in a connect-refused backoff window, then synchronizing
// report_connect/report_disconnect state via updateConnections.
func (r *Registry) StartClients() error {
	r.mu.Lock()
	if r.executor != nil {
		r.mu.Unlock()
		return nil
	}
	r.executor = concurrency.NewExecutor(1, r.tunables.NUMANode)
	stop := make(chan struct{})
	done := make(chan struct{})
	r.workerStop = stop
	r.workerDone = done
	r.mu.Unlock()

	return r.executor.Submit(func() {
		defer close(done)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.connectSweep()
			}
		}
	})
}

// connectSweep attempts DoConnect on every eligible peer, bounding the
// number of attempts in flight at once to Tunables.MaxConcurrentConnects
// via connectSem: a peer table with thousands of nodes must not open
// thousands of sockets within the same 100ms tick. A peer that cannot
// acquire a slot this tick is simply retried on the next one.
func (r *Registry) connectSweep() {
	r.mu.RLock()
	entries := make([]*peerEntry, 0, len(r.peers))
	for _, e := range r.peers {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		if e.t.Phase() != api.PhaseDisconnected || e.t.IsConnectBlocked() {
			continue
		}
		if !r.connectSem.TryAcquire(1) {
			continue
		}
		wg.Add(1)
		go func(e *peerEntry) {
			defer wg.Done()
			defer r.connectSem.Release(1)
			if err := e.t.DoConnect(); err != nil && r.log != nil {
				r.log.Debugw("registry: connect attempt failed", "peer", e.t.Peer(), "error", err)
			}
		}(e)
	}
	wg.Wait()
	r.updateConnections()
}

// StopClients halts the background connect worker and then
// disconnects every still-connected peer concurrently, fanning the
// disconnects out across goroutines via errgroup and aggregating any
// failures with go-multierror rather than stopping at the first one —
// a single peer's stuck Teardown should not block the others.
func (r *Registry) StopClients() error {
	r.mu.Lock()
	stop, done, exec := r.workerStop, r.workerDone, r.executor
	r.executor = nil
	r.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if exec != nil {
		exec.Close()
	}

	r.mu.RLock()
	entries := make([]*peerEntry, 0, len(r.peers))
	for _, e := range r.peers {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var mu sync.Mutex
	var result *multierror.Error
	g, _ := errgroup.WithContext(context.Background())
	for _, e := range entries {
		e := e
		g.Go(func() error {
			if e.t.Phase() == api.PhaseDisconnected {
				return nil
			}
			if err := e.t.DoDisconnect(); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("peer %d: %w", e.t.Peer(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}
