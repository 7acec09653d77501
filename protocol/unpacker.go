// File: protocol/unpacker.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"github.com/momentics/hioload-ws/api"
)

// Unpacker decodes framed messages off a peer's receive ring. It holds
// no per-message state and is safe to reuse across an entire connection
// lifetime from a single reader goroutine.
type Unpacker struct {
	// ByteOrder is this process's own marker, compared against each
	// incoming word 1 to detect a cross-endian peer.
	ByteOrder byte
}

// Result reports the outcome of decoding a single message starting at
// the front of a receive buffer.
type Result struct {
	// Consumed is the number of words the message occupied, including
	// header, data, sections, and checksum. Zero means the buffer did
	// not contain a complete message yet (the caller should stop and
	// wait for more bytes).
	Consumed uint32
	// Signal is the decoded message, nil when Dropped or Err is set.
	Signal *Signal
	// Dropped reports a message that decoded cleanly but was filtered
	// by halt-state policy rather than delivered.
	Dropped bool
	// Err reports a protocol violation (bad checksum, byte order
	// mismatch, oversized length, ...). Consumed is still meaningful
	// when Err is set, letting the caller resynchronize past the bad
	// message when the length field itself was trustworthy.
	Err *api.TransportError
}

// UnpackOne decodes the single message at the front of buf, if a
// complete one is present. peer identifies the connection buf was read
// from, used to reconstruct SignalHeader.BlockSenderRef. ioState gates
// delivery: under HaltInput or HaltIO every block except QMGRBlock is
// dropped rather than delivered, matching the always-reachable cluster
// management channel.
func (u *Unpacker) UnpackOne(buf []uint32, peer int, ioState api.IOState) Result {
	if len(buf) < 3 {
		return Result{}
	}

	w1 := decodeWord1(buf[0])

	if w1.byteOrder != u.ByteOrder {
		return Result{Consumed: 3, Err: api.NewTransportError(peer, api.ErrKindInvalidByteOrder, nil)}
	}
	if w1.compression {
		return Result{Consumed: 3, Err: api.NewTransportError(peer, api.ErrKindCompressedUnsupported, nil)}
	}
	if int(w1.totalWords) > MaxMessageSizeWords || w1.totalWords < 3 {
		return Result{Consumed: 3, Err: api.NewTransportError(peer, api.ErrKindInvalidMessageLength, nil)}
	}
	if int(w1.totalWords) > len(buf) {
		// Not a protocol violation: the rest of the message has not
		// arrived in the ring yet.
		return Result{}
	}

	total := uint32(w1.totalWords)
	w2 := decodeWord2(buf[1])
	senderBlockRaw, receiverBlock := decodeWord3(buf[2])

	idx := uint32(3)
	var sigID uint32
	sigIDPresent := w1.sigIDPresent
	if sigIDPresent {
		if idx >= total {
			return Result{Consumed: total, Err: api.NewTransportError(peer, api.ErrKindInvalidMessageLength, nil)}
		}
		sigID = buf[idx]
		idx++
	}

	dataLen := uint32(w1.dataLen)
	if idx+dataLen > total {
		return Result{Consumed: total, Err: api.NewTransportError(peer, api.ErrKindInvalidMessageLength, nil)}
	}
	data := buf[idx : idx+dataLen]
	idx += dataLen

	sectionCount := uint32(w2.sectionCount)
	if idx+sectionCount > total {
		return Result{Consumed: total, Err: api.NewTransportError(peer, api.ErrKindInvalidMessageLength, nil)}
	}
	lengths := make([]uint32, sectionCount)
	checksumStart := uint32(0)
	for i := uint32(0); i < sectionCount; i++ {
		lengths[i] = buf[idx]
		idx++
	}

	sections := make([][]uint32, sectionCount)
	for i := uint32(0); i < sectionCount; i++ {
		n := lengths[i]
		if idx+n > total {
			return Result{Consumed: total, Err: api.NewTransportError(peer, api.ErrKindInvalidMessageLength, nil)}
		}
		sections[i] = buf[idx : idx+n]
		idx += n
	}

	checksumEnd := idx
	if w1.checksum {
		if idx >= total {
			return Result{Consumed: total, Err: api.NewTransportError(peer, api.ErrKindInvalidMessageLength, nil)}
		}
		want := buf[idx]
		got := xorChecksum(buf[checksumStart:checksumEnd])
		if got != want {
			return Result{Consumed: total, Err: api.NewTransportError(peer, api.ErrKindInvalidChecksum, nil)}
		}
		idx++
	}

	header := SignalHeader{
		GSN:              w2.gsn,
		Trace:            w2.trace,
		Priority:         w1.prio,
		BlockSenderRef:   uint32(peer)<<16 | uint32(senderBlockRaw),
		BlockReceiverRef: receiverBlock,
		SignalID:         sigID,
		SignalIDPresent:  sigIDPresent,
	}

	if haltsDelivery(ioState) && receiverBlock != QMGRBlock {
		return Result{Consumed: total, Dropped: true}
	}

	return Result{
		Consumed: total,
		Signal: &Signal{
			Header:   header,
			Data:     data,
			Sections: sections,
		},
	}
}

func haltsDelivery(state api.IOState) bool {
	return state == api.HaltInput || state == api.HaltIO
}

// UnpackAll decodes successive messages from the front of buf, invoking
// deliver for each one that is not dropped by halt-state policy, until
// buf is exhausted, a protocol error occurs, MaxReceivedSignals is
// reached, or deliver returns DeliveryStop. It returns the total number
// of words consumed and the first protocol error encountered, if any.
func UnpackAll(u *Unpacker, buf []uint32, peer int, ioState api.IOState, deliver func(*Signal) api.DeliveryOutcome) (uint32, *api.TransportError) {
	var consumed uint32
	delivered := 0
	for consumed < uint32(len(buf)) && delivered < MaxReceivedSignals {
		r := u.UnpackOne(buf[consumed:], peer, ioState)
		if r.Consumed == 0 {
			break
		}
		consumed += r.Consumed
		if r.Err != nil {
			return consumed, r.Err
		}
		if r.Dropped {
			continue
		}
		delivered++
		if deliver(r.Signal) == api.DeliveryStop {
			break
		}
	}
	return consumed, nil
}
