// File: ring/sendbuffer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// SendBuffer aggregates outgoing framed messages for a single peer,
// tracking the yet-untransmitted prefix across partial backend sends.

package ring

import "fmt"

// SendBuffer is the C2 component: two cursors over a flat word buffer,
// insertPtr (where the next Packer.Pack writes) and sendPtr/sendDataSize
// (what the next backend write should emit).
type SendBuffer struct {
	storage      []uint32
	insertPtr    uint32
	sendPtr      uint32
	sendDataSize uint32
	dataSize     uint32
}

// NewSendBuffer allocates a SendBuffer with capacity capWords words.
func NewSendBuffer(capWords uint32) *SendBuffer {
	return &SendBuffer{storage: make([]uint32, capWords)}
}

// Cap returns the buffer's total capacity in words.
func (b *SendBuffer) Cap() uint32 { return uint32(len(b.storage)) }

// DataSize returns the number of words currently queued (sent or
// unsent).
func (b *SendBuffer) DataSize() uint32 { return b.dataSize }

// SendDataSize returns the number of words not yet handed to the
// backend.
func (b *SendBuffer) SendDataSize() uint32 { return b.sendDataSize }

// Storage exposes the backing slice so callers (the Packer) can write
// directly at an offset returned by GetInsertPtr.
func (b *SendBuffer) Storage() []uint32 { return b.storage }

// GetInsertPtr returns a contiguous region of lenWords free words
// starting at insertPtr, wrapping insertPtr to the buffer start first if
// that is necessary to find lenWords of contiguous space. ok is false if
// no contiguous run of lenWords is currently free.
func (b *SendBuffer) GetInsertPtr(lenWords uint32) (offset uint32, ok bool) {
	cap := uint32(len(b.storage))
	free := cap - b.dataSize
	if lenWords > free {
		return 0, false
	}

	tail := cap - b.insertPtr
	if tail >= lenWords {
		return b.insertPtr, true
	}

	// Not enough room before the physical end of storage; wrapping to
	// the start is only safe if nothing live occupies it, i.e. the
	// unsent suffix does not already wrap around.
	if b.sendDataSize <= tail {
		// unsent data lies entirely in the [insertPtr-live, cap) run or
		// is empty; wrapping the insert cursor to 0 does not clobber it.
		if lenWords > b.insertPtr {
			return 0, false
		}
		return 0, true
	}
	return 0, false
}

// UpdateInsertPtr advances insertPtr by lenWords and grows dataSize. If
// the newly inserted message lies in the same contiguous span the send
// cursor is currently draining, sendDataSize grows by the same amount;
// otherwise the message is queued behind the in-flight span and
// sendDataSize is left untouched until bytesSent catches up to it.
func (b *SendBuffer) UpdateInsertPtr(lenWords uint32) {
	cap := uint32(len(b.storage))
	tail := cap - b.insertPtr
	sameSpan := lenWords <= tail && b.sendPtr <= b.insertPtr

	if lenWords > tail {
		b.insertPtr = 0
	}
	b.insertPtr += lenWords
	if b.insertPtr >= cap {
		b.insertPtr = 0
	}
	b.dataSize += lenWords
	if sameSpan {
		b.sendDataSize += lenWords
	}
}

// BytesSent is called after the backend reports n words were actually
// written. It decrements dataSize/sendDataSize by n and advances
// sendPtr; when sendDataSize reaches zero while dataSize remains
// positive, sendPtr is moved to the next contiguous run (buffer start
// after a wraparound, or back to insertPtr-dataSize otherwise).
//
// Panics if n exceeds sendDataSize <= dataSize <= cap; a caller
// reporting more bytes sent than were ever queued is a design defect,
// not a recoverable runtime error.
func (b *SendBuffer) BytesSent(n uint32) {
	if n > b.sendDataSize || b.sendDataSize > b.dataSize || b.dataSize > uint32(len(b.storage)) {
		panic(fmt.Sprintf("sendbuffer: invariant violated: n=%d sendDataSize=%d dataSize=%d cap=%d",
			n, b.sendDataSize, b.dataSize, len(b.storage)))
	}

	cap := uint32(len(b.storage))
	b.sendPtr = (b.sendPtr + n) % cap
	b.dataSize -= n
	b.sendDataSize -= n

	if b.sendDataSize == 0 && b.dataSize > 0 {
		if b.sendPtr == 0 {
			b.sendDataSize = minU32(b.dataSize, b.insertPtr)
		} else {
			b.sendPtr = 0
			b.sendDataSize = minU32(b.dataSize, b.insertPtr)
		}
	}
}

// SendPtr returns the current send cursor offset.
func (b *SendBuffer) SendPtr() uint32 { return b.sendPtr }

// HasDataToSend reports whether any unsent bytes remain queued.
func (b *SendBuffer) HasDataToSend() bool { return b.sendDataSize > 0 }

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
