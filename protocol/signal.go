// File: protocol/signal.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

// SignalHeader carries the fields that travel in words 1-3 (and the
// optional signal-id word) of a framed message.
type SignalHeader struct {
	// GSN is the global signal number identifying the signal type.
	// Resequencing orders on SignalID, not on GSN.
	GSN uint32
	// Trace is an opaque 6-bit trace class forwarded unchanged.
	Trace uint8
	// Priority selects one of four delivery priority classes.
	Priority uint8
	// BlockSenderRef identifies the originating block. On the wire only
	// its low 16 bits travel; on receipt the peer node id is folded into
	// the high 16 bits so callers can address a reply without consulting
	// out-of-band connection state.
	BlockSenderRef uint32
	// BlockReceiverRef identifies the destination block on the local
	// node.
	BlockReceiverRef uint16
	// SignalID is the optional sender-assigned identifier; present iff
	// SignalIDPresent.
	SignalID       uint32
	SignalIDPresent bool
}

// Signal is a fully decoded inbound message: a header plus its inline
// data words and trailing sections.
type Signal struct {
	Header   SignalHeader
	Data     []uint32
	Sections [][]uint32
}

// Section is a named span of words attached to an outbound signal. It
// wraps one of the three SectionSource implementors so Packer.Pack can
// treat contiguous, generated, and pool-segmented sources uniformly.
type Section struct {
	Source SectionSource
}

// SectionSource produces a span of 32-bit words to append to a framed
// message. Implementors: LinearSection (a single contiguous slice),
// IteratorSectionSource (a generator callback of fixed known length),
// and PoolSegmentedSource (multiple discontiguous chunks concatenated
// in order).
type SectionSource interface {
	// Len reports the number of words this source contributes.
	Len() int
	// WriteTo copies exactly Len() words into dst, which the caller
	// guarantees is at least Len() words long.
	WriteTo(dst []uint32)
}

// LinearSection wraps a single contiguous word slice.
type LinearSection struct {
	Words []uint32
}

func (s LinearSection) Len() int { return len(s.Words) }

func (s LinearSection) WriteTo(dst []uint32) {
	copy(dst, s.Words)
}

// IteratorSectionSource draws words one at a time from a generator
// callback, for sources that would otherwise require materializing an
// intermediate buffer (e.g. streaming a row encoder). Count fixes the
// total length up front since the wire format must know section
// lengths before any section body is written.
type IteratorSectionSource struct {
	Count uint32
	Next  func() uint32
}

func (s IteratorSectionSource) Len() int { return int(s.Count) }

func (s IteratorSectionSource) WriteTo(dst []uint32) {
	for i := 0; i < len(dst); i++ {
		dst[i] = s.Next()
	}
}

// PoolSegmentedSource concatenates several discontiguous chunks, as
// produced by a segmented buffer pool allocation that could not satisfy
// a request with one contiguous run.
type PoolSegmentedSource struct {
	Chunks [][]uint32
}

func (s PoolSegmentedSource) Len() int {
	n := 0
	for _, c := range s.Chunks {
		n += len(c)
	}
	return n
}

func (s PoolSegmentedSource) WriteTo(dst []uint32) {
	off := 0
	for _, c := range s.Chunks {
		off += copy(dst[off:], c)
	}
}

// linearSource is the unpack-side SectionSource: every section decoded
// off the wire is, by construction, a single contiguous run over the
// receive buffer.
type linearSource = LinearSection
