// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT
//
// Package fake provides an in-memory transporter.Backend double for
// exercising registry-level direct-peek behavior (the shm/rdma polling
// path) without a real shared-memory segment or SCI adapter.
package fake

import (
	"sync"
	"time"
)

// Backend is a transporter.Backend/Writer/Reader double. Two Backends
// wired together with Connect form a connected pair: whatever one side
// stages and sends lands in the other side's receive staging area.
type Backend struct {
	mu      sync.Mutex
	inbox   []uint32
	pending []uint32
	outbox  *Backend

	connected  bool
	connectErr error
	teardowns  int
}

// NewBackend creates an unconnected Backend.
func NewBackend() *Backend { return &Backend{} }

// Connect wires a and b together bidirectionally and marks both
// connected, as if their out-of-band setup (segment creation, adapter
// handshake) had already completed.
func Connect(a, b *Backend) {
	a.outbox = b
	b.outbox = a
	a.connected = true
	b.connected = true
}

// FailConnectWith makes a subsequent ConnectImpl call return err, for
// exercising the transporter's connect-refused backoff.
func (b *Backend) FailConnectWith(err error) { b.connectErr = err }

func (b *Backend) ConnectImpl() error {
	if b.connectErr != nil {
		return b.connectErr
	}
	b.connected = true
	return nil
}

func (b *Backend) Teardown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.teardowns++
	b.connected = false
	return nil
}

// TeardownCalls reports how many times Teardown ran, for asserting
// idempotent disconnect behavior.
func (b *Backend) TeardownCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.teardowns
}

func (b *Backend) HasDataToSend() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) > 0
}

// DoSend moves whatever is staged into the peer's inbox in one shot;
// the fake never partially drains, since there is no kernel buffer
// limit to simulate here.
func (b *Backend) DoSend() error {
	b.mu.Lock()
	data := b.pending
	b.pending = nil
	dst := b.outbox
	b.mu.Unlock()
	if dst == nil || len(data) == 0 {
		return nil
	}
	dst.mu.Lock()
	dst.inbox = append(dst.inbox, data...)
	dst.mu.Unlock()
	return nil
}

// DoReceive is non-destructive: it returns the current inbox contents
// without consuming them, matching the shm/rdma backends' direct-peek
// contract that registry.pollReceive relies on.
func (b *Backend) DoReceive() ([]uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint32(nil), b.inbox...), nil
}

func (b *Backend) Consume(words uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(words) >= len(b.inbox) {
		b.inbox = nil
		return
	}
	b.inbox = append([]uint32(nil), b.inbox[words:]...)
}

func (b *Backend) SendIsPossible(_ time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// GetWritePtr grows the staging area by words and returns the offset of
// the newly reserved span; the fake has no fixed-size ring to run out
// of room in.
func (b *Backend) GetWritePtr(words uint32) (offset uint32, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	offset = uint32(len(b.pending))
	b.pending = append(b.pending, make([]uint32, words)...)
	return offset, true
}

func (b *Backend) RingBase() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// UpdateWritePtr is a no-op: GetWritePtr already grew the staging area
// to its final committed length.
func (b *Backend) UpdateWritePtr(words uint32) {}
