// File: transporter/rdma/rdma.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package rdma implements a dual-adapter remote-DMA backend: an
// active/standby pair of remote memory adapters with failover between
// them on transfer failure. The fabric itself (SCI or any other RDMA
// transport) is an external hardware collaborator this repo cannot
// reach, so Adapter is the seam a real driver would satisfy; Backend
// implements only the failover state machine and the ring-buffer
// handoff around it.
package rdma

import (
	"sync"
	"time"

	"github.com/momentics/hioload-ws/api"
	"github.com/momentics/hioload-ws/ring"
)

// maxTransferRetries bounds retries of the active adapter before giving
// up and reporting UnrecoverableDataTfxError.
const maxTransferRetries = 3

// Adapter is the seam a real RDMA/SCI driver implements. Two of these
// back a Backend: one active, one standby. Writer/Indices expose the
// same ring.Writer-over-shared-segment shape transporter/shm uses, so
// a mapped remote segment can be driven with the same ring code.
type Adapter interface {
	ID() int
	LinkUp() bool
	CreateSequence() error
	StartSequence() error
	RemoveSequence() error
	StoreBarrier()
	Indices() *ring.Indices
	Writer() *ring.Writer
}

// ReportSink receives failover and disconnect diagnostics.
type ReportSink interface {
	ReportFailover(peer int, fromAdapter, toAdapter int)
	ReportDisconnect(peer int, err error)
}

// Backend implements transporter.Backend over a pair of RDMA adapters.
// A single-adapter deployment simply supplies the same Adapter for both
// active and standby; TransferFailed then always reports
// UnrecoverableDataTfxError immediately, since a single-adapter
// configuration has nothing to fail over to.
type Backend struct {
	mu sync.Mutex

	peer int
	sink ReportSink

	active, standby Adapter
	singleAdapter   bool

	// inbound is the receive-side ring; failover only applies to the
	// write path, so the read side is not swapped.
	inbound *ring.Reader

	swapCounter int // 0 or 1, toggled on each successful failover
	failCounter int
	retryCount  int
}

// New constructs a Backend. If standby is nil, the backend runs in
// single-adapter mode.
func New(peer int, active, standby Adapter, inbound *ring.Reader, sink ReportSink) *Backend {
	b := &Backend{peer: peer, active: active, standby: standby, inbound: inbound, sink: sink}
	if standby == nil {
		b.standby = active
		b.singleAdapter = true
	}
	return b
}

// ConnectImpl creates and starts the active adapter's sequence, and the
// standby's if this is a dual-adapter configuration.
func (b *Backend) ConnectImpl() error {
	if err := b.active.CreateSequence(); err != nil {
		return api.NewTransportError(b.peer, api.ErrKindRdmaCannotInitLocalSegment, err)
	}
	if err := b.active.StartSequence(); err != nil {
		return api.NewTransportError(b.peer, api.ErrKindRdmaUnableToStartSequence, err)
	}
	if !b.singleAdapter {
		if err := b.standby.CreateSequence(); err != nil {
			return api.NewTransportError(b.peer, api.ErrKindRdmaCannotInitLocalSegment, err)
		}
	}
	return nil
}

// Teardown removes both adapters' sequences.
func (b *Backend) Teardown() error {
	var firstErr error
	if err := b.active.RemoveSequence(); err != nil {
		firstErr = api.NewTransportError(b.peer, api.ErrKindRdmaUnableToRemoveSequence, err)
	}
	if !b.singleAdapter {
		if err := b.standby.RemoveSequence(); err != nil && firstErr == nil {
			firstErr = api.NewTransportError(b.peer, api.ErrKindRdmaUnableToRemoveSequence, err)
		}
	}
	return firstErr
}

// HasDataToSend always reports false: like transporter/shm, a write
// through GetWritePtr/UpdateWritePtr lands directly in the mapped
// segment, so there is no separate staged send to flush.
func (b *Backend) HasDataToSend() bool { return false }

// DoSend is a no-op for the same reason HasDataToSend always reports
// false.
func (b *Backend) DoSend() error { return nil }

// GetWritePtr reserves room in the active adapter's mapped segment.
func (b *Backend) GetWritePtr(words uint32) (offset uint32, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active.Writer().GetWritePtr(words)
}

// RingBase exposes the active adapter's backing storage.
func (b *Backend) RingBase() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active.Writer().Base()
}

// UpdateWritePtr publishes words into the active adapter's segment.
func (b *Backend) UpdateWritePtr(words uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active.Writer().UpdateWritePtr(words)
}

// DoReceive returns the contiguous span of words ready on the inbound
// ring, mirroring transporter/shm's zero-copy DoReceive.
func (b *Backend) DoReceive() ([]uint32, error) {
	if b.inbound == nil {
		return nil, nil
	}
	start, end := b.inbound.GetReadPtr()
	if start == end {
		return nil, nil
	}
	return b.inbound.Base()[start:end], nil
}

// Consume advances the inbound ring's read cursor.
func (b *Backend) Consume(consumedWords uint32) {
	if b.inbound == nil {
		return
	}
	start, _ := b.inbound.GetReadPtr()
	b.inbound.UpdateReadPtr(start + consumedWords)
}

// SendIsPossible reports whether the active adapter's segment has room.
// Unlike TCP there is nothing to poll, so timeout is unused.
func (b *Backend) SendIsPossible(timeout time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active.Writer().FreeBytes() > 0
}

// TransferFailed handles a simulated transfer failure on the active
// adapter, running the failover sequence:
//
//  1. If the active adapter's link is still up, this is a transient
//     send failure, not a link failure; the caller should retry the
//     same active adapter, up to maxTransferRetries times.
//  2. Otherwise, if the standby's link is down too (or this is a
//     single-adapter configuration), the failure is unrecoverable.
//  3. Otherwise, copy pending writer state from active to standby,
//     issue a store barrier on the adapter about to become active,
//     swap active/standby, and remove the old sequence / start the new
//     one — alternating which case applies so the adapter that was
//     standby a moment ago is properly re-armed for the *next*
//     failover back.
func (b *Backend) TransferFailed() *api.TransportError {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active.LinkUp() {
		b.retryCount++
		if b.retryCount > maxTransferRetries {
			return api.NewTransportError(b.peer, api.ErrKindRdmaUnrecoverableDataTfxError, nil)
		}
		return nil
	}

	b.failCounter++
	if b.singleAdapter || !b.standby.LinkUp() {
		return api.NewTransportError(b.peer, api.ErrKindRdmaUnrecoverableDataTfxError, nil)
	}

	b.failoverShmWriterLocked()
	b.standby.StoreBarrier()
	oldActive := b.active
	b.active, b.standby = b.standby, oldActive

	switch b.swapCounter {
	case 0:
		if err := b.standby.RemoveSequence(); err != nil {
			return api.NewTransportError(b.peer, api.ErrKindRdmaUnableToRemoveSequence, err)
		}
		if err := b.active.StartSequence(); err != nil {
			return api.NewTransportError(b.peer, api.ErrKindRdmaUnableToStartSequence, err)
		}
		b.swapCounter = 1
	case 1:
		if err := b.active.StartSequence(); err != nil {
			return api.NewTransportError(b.peer, api.ErrKindRdmaUnableToStartSequence, err)
		}
		if err := b.standby.RemoveSequence(); err != nil {
			return api.NewTransportError(b.peer, api.ErrKindRdmaUnableToRemoveSequence, err)
		}
		if err := b.standby.CreateSequence(); err != nil {
			return api.NewTransportError(b.peer, api.ErrKindRdmaUnableToCreateSequence, err)
		}
		b.swapCounter = 0
	}

	if b.sink != nil {
		b.sink.ReportFailover(b.peer, oldActive.ID(), b.active.ID())
	}
	b.retryCount = 0
	return nil
}

// failoverShmWriterLocked copies the active adapter's ring cursors onto
// the standby's, so the newly active adapter resumes exactly where the
// failed one left off instead of replaying or dropping data.
func (b *Backend) failoverShmWriterLocked() {
	src := b.active.Indices()
	dst := b.standby.Indices()
	dst.WriteIndex.Store(src.WriteIndex.Load())
	dst.ReadIndex.Store(src.ReadIndex.Load())
}

// FailCounter reports how many times TransferFailed has observed the
// active adapter's link down, for diagnostics.
func (b *Backend) FailCounter() int { return b.failCounter }
