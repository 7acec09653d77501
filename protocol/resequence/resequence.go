// File: protocol/resequence/resequence.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package resequence implements the per-peer out-of-order delivery
// queue (C4): priority-B signals carry a sender-assigned sequence id
// and must reach the callback boundary strictly in order, even when the
// underlying transport reorders them.
package resequence

import (
	"container/list"

	"github.com/momentics/hioload-ws/api"
)

// Entry is a held signal awaiting delivery, keyed by its sender-assigned
// sequence id.
type Entry struct {
	SigID   uint32
	Payload interface{}
}

// Queue reorders one peer's priority-B signal stream so Offer always
// hands Deliver callbacks monotonically increasing sequence ids. A
// fresh Queue starts at next_expected == 0, matching a peer that has
// just connected.
//
// Queue is not safe for concurrent use; each peer's receive path owns
// exactly one Queue.
type Queue struct {
	nextExpected uint32
	stackSize    uint32
	held         *list.List // ordered by SigID ascending
}

// New creates a Queue bounded by stackSize held entries, per the
// wait_stack_size tunable.
func New(stackSize uint32) *Queue {
	return &Queue{stackSize: stackSize, held: list.New()}
}

// NextExpected reports the sequence id Offer currently requires to
// deliver immediately.
func (q *Queue) NextExpected() uint32 { return q.nextExpected }

// Reset clears all held entries and returns next_expected to 0, as
// happens when the owning peer disconnects.
func (q *Queue) Reset() {
	q.nextExpected = 0
	q.held.Init()
}

// Offer presents a received signal for ordered delivery. deliver is
// invoked, possibly more than once, for sigID and any previously held
// entries that become deliverable as a result. Offer returns a
// TransportError when sigID falls outside the admissible window:
// TooSmallSigId for a duplicate/already-delivered id, TooLargeSigId
// when the stack has no room to hold it, and WaitStackFull if the
// stack is already at capacity when an in-window id other than
// next_expected arrives.
func (q *Queue) Offer(peer int, sigID uint32, payload interface{}, deliver func(Entry)) *api.TransportError {
	switch {
	case sigID == q.nextExpected:
		deliver(Entry{SigID: sigID, Payload: payload})
		q.nextExpected++
		q.drainHeld(deliver)
		return nil

	case sigID < q.nextExpected:
		return api.NewTransportError(peer, api.ErrKindTooSmallSigId, nil)

	case sigID > q.nextExpected+q.stackSize:
		return api.NewTransportError(peer, api.ErrKindTooLargeSigId, nil)

	default:
		if uint32(q.held.Len()) >= q.stackSize {
			return api.NewTransportError(peer, api.ErrKindWaitStackFull, nil)
		}
		q.insertHeld(sigID, payload)
		return nil
	}
}

// drainHeld splices forward through held entries as long as the front
// one matches the new next_expected, delivering each in turn.
func (q *Queue) drainHeld(deliver func(Entry)) {
	for {
		front := q.held.Front()
		if front == nil {
			return
		}
		e := front.Value.(Entry)
		if e.SigID != q.nextExpected {
			return
		}
		q.held.Remove(front)
		deliver(e)
		q.nextExpected++
	}
}

// insertHeld keeps held entries sorted ascending by SigID so drainHeld
// only ever needs to inspect the front element.
func (q *Queue) insertHeld(sigID uint32, payload interface{}) {
	for e := q.held.Back(); e != nil; e = e.Prev() {
		if e.Value.(Entry).SigID < sigID {
			q.held.InsertAfter(Entry{SigID: sigID, Payload: payload}, e)
			return
		}
	}
	q.held.PushFront(Entry{SigID: sigID, Payload: payload})
}

// HeldCount reports the number of entries currently buffered awaiting
// their turn, for metrics and WaitStackFull diagnostics.
func (q *Queue) HeldCount() int { return q.held.Len() }
