// File: ring/ring.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package ring implements the single-producer/single-consumer circular
// buffer used to stage wire-framed signals between a transporter and its
// backend. Unlike internal/concurrency's MPMC RingBuffer[T], this ring is
// byte/word addressed over a flat []uint32 so the same layout can be
// mapped directly onto a shared-memory segment shared across a process
// boundary (see transporter/shm): the read and write indices live inside
// the region itself, not in private Go memory.

package ring

import "sync/atomic"

// Indices holds the externalized read/write cursors for a Ring. When the
// ring backs a shared-memory segment, Indices is placed at a fixed offset
// inside the mapped region so both cooperating processes observe the
// same atomics.
type Indices struct {
	ReadIndex  atomic.Uint32
	WriteIndex atomic.Uint32
}

// Ring is a single-producer/single-consumer circular buffer of uint32
// words. WriteIndex never rests in the trailing Slack words: a message
// that starts before usable may run on into them, and UpdateWritePtr then
// wraps WriteIndex back to zero, so every message is written as one
// contiguous run.
type Ring struct {
	base      []uint32
	idx       *Indices
	totalSize uint32 // len(base), in words
	usable    uint32 // totalSize - slack
	slack     uint32
}

// New constructs a Ring over base, using idx as the externalized cursor
// pair. slackWords must be >= the largest message the caller will ever
// write (MAX_MESSAGE_SIZE in words); New panics if base is smaller than
// slackWords, mirroring the source's treatment of this as a construction-
// time design defect rather than a runtime error.
func New(base []uint32, idx *Indices, slackWords uint32) *Ring {
	total := uint32(len(base))
	if slackWords >= total {
		panic("ring: slack must be smaller than total size")
	}
	return &Ring{
		base:      base,
		idx:       idx,
		totalSize: total,
		usable:    total - slackWords,
		slack:     slackWords,
	}
}

// Writer is the producer-side handle. Exactly one goroutine (or, for a
// shared-memory ring, exactly one process) may hold a Writer for a given
// Ring at a time.
type Writer struct{ r *Ring }

// Reader is the consumer-side handle. Exactly one goroutine/process may
// hold a Reader for a given Ring at a time.
type Reader struct{ r *Ring }

// NewWriter returns the producer handle for r.
func NewWriter(r *Ring) *Writer { return &Writer{r: r} }

// NewReader returns the consumer handle for r.
func NewReader(r *Ring) *Reader { return &Reader{r: r} }

// FreeBytes reports how many words may still be written before the ring
// is considered full. An empty ring is defined as ReadIndex == WriteIndex;
// the +1 reservation in GetWritePtr (not here) is what prevents a full
// ring from being mistaken for empty.
func (w *Writer) FreeBytes() uint32 {
	read := w.r.idx.ReadIndex.Load()
	write := w.r.idx.WriteIndex.Load()
	if read <= write {
		return w.r.usable + read - write
	}
	return read - write
}

// GetWritePtr returns the offset (in words, from the start of base) of a
// contiguous region of sz free words, or ok=false if fewer than sz+1
// words are free. The +1 reservation means the producer can never
// advance WriteIndex to equal ReadIndex through a real write, so the
// empty/full states stay distinguishable without a separate counter.
func (w *Writer) GetWritePtr(sz uint32) (offset uint32, ok bool) {
	if w.FreeBytes() < sz+1 {
		return 0, false
	}
	return w.r.idx.WriteIndex.Load(), true
}

// UpdateWritePtr advances WriteIndex by sz words, wrapping to zero if the
// new position would enter the slack region. The caller must have
// actually written sz words starting at the offset returned by the prior
// GetWritePtr(sz) call. The store uses release ordering so a concurrent
// reader observes the written words before it can observe the advanced
// index.
func (w *Writer) UpdateWritePtr(sz uint32) {
	next := w.r.idx.WriteIndex.Load() + sz
	if next >= w.r.usable {
		next = 0
	}
	w.r.idx.WriteIndex.Store(next)
}

// Base exposes the backing slice for callers that need to write words
// directly at a GetWritePtr offset (e.g. the Packer).
func (r *Ring) Base() []uint32 { return r.base }

// Base exposes the backing slice through the Writer handle.
func (w *Writer) Base() []uint32 { return w.r.base }

// Base exposes the backing slice through the Reader handle.
func (r *Reader) Base() []uint32 { return r.r.base }

// GetReadPtr returns the readable span [start, end) as word offsets from
// the start of base. end is capped at WriteIndex if the writer has not
// wrapped, or at usable size otherwise, so the caller never needs to
// handle a wrapped read region itself. The read of WriteIndex uses
// acquire ordering, pairing with UpdateWritePtr's release store.
func (r *Reader) GetReadPtr() (start, end uint32) {
	read := r.r.idx.ReadIndex.Load()
	write := r.r.idx.WriteIndex.Load()
	if read <= write {
		return read, write
	}
	return read, r.r.usable
}

// UpdateReadPtr sets ReadIndex to newOffset, wrapping to zero if the new
// position has reached the usable size. newOffset must lie within
// [0, totalSize).
func (r *Reader) UpdateReadPtr(newOffset uint32) {
	if newOffset >= r.r.usable {
		newOffset = 0
	}
	r.r.idx.ReadIndex.Store(newOffset)
}

// Empty reports whether the ring currently has no data available to a
// reader.
func (r *Reader) Empty() bool {
	return r.r.idx.ReadIndex.Load() == r.r.idx.WriteIndex.Load()
}
