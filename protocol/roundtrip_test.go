package protocol_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/momentics/hioload-ws/api"
	"github.com/momentics/hioload-ws/protocol"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	p := &protocol.Packer{SignalIDUsed: true, ChecksumUsed: true}
	header := protocol.SignalHeader{
		GSN:              42,
		Trace:            7,
		Priority:         2,
		BlockSenderRef:   0x1234,
		BlockReceiverRef: 99,
		SignalID:         0xCAFEBABE,
	}
	data := []uint32{1, 2, 3}
	sections := []protocol.Section{
		{Source: protocol.LinearSection{Words: []uint32{10, 20}}},
		{Source: protocol.LinearSection{Words: []uint32{30}}},
	}

	dst := make([]uint32, protocol.MaxMessageSizeWords)
	n, err := p.Pack(dst, header, data, sections)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	u := &protocol.Unpacker{}
	res := u.UnpackOne(dst[:n], 3, api.NoHalt)
	if res.Err != nil {
		t.Fatalf("unexpected unpack error: %v", res.Err)
	}
	if res.Consumed != n {
		t.Fatalf("expected consumed %d, got %d", n, res.Consumed)
	}
	if res.Signal == nil {
		t.Fatalf("expected a decoded signal")
	}

	// The decoded signal must equal the packed one, modulo the two fields
	// unpack rewrites: BlockSenderRef gains the peer id in its high 16
	// bits, and SignalIDPresent is set because the packer was configured
	// with SignalIDUsed (SignalID itself is carried through unchanged).
	// Express the expected value directly rather than via an ignore
	// option, so the comparison still catches a regression in either
	// field.
	wantHeader := header
	wantHeader.BlockSenderRef = uint32(3)<<16 | (header.BlockSenderRef & 0xFFFF)
	wantHeader.SignalIDPresent = true
	want := &protocol.Signal{
		Header:   wantHeader,
		Data:     data,
		Sections: [][]uint32{{10, 20}, {30}},
	}
	if diff := cmp.Diff(want, res.Signal); diff != "" {
		t.Fatalf("decoded signal mismatch (-want +got):\n%s", diff)
	}
}

func TestUnpackDetectsCorruptedChecksum(t *testing.T) {
	p := &protocol.Packer{ChecksumUsed: true}
	header := protocol.SignalHeader{GSN: 1, BlockReceiverRef: 5}
	dst := make([]uint32, protocol.MaxMessageSizeWords)
	n, err := p.Pack(dst, header, []uint32{99}, nil)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	dst[3] ^= 0xFFFFFFFF // corrupt the inline data word

	u := &protocol.Unpacker{}
	res := u.UnpackOne(dst[:n], 1, api.NoHalt)
	if res.Err == nil {
		t.Fatalf("expected checksum error")
	}
}

func TestUnpackOneReportsIncompleteMessage(t *testing.T) {
	p := &protocol.Packer{}
	header := protocol.SignalHeader{GSN: 1, BlockReceiverRef: 5}
	dst := make([]uint32, protocol.MaxMessageSizeWords)
	n, err := p.Pack(dst, header, []uint32{1, 2, 3, 4}, nil)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	u := &protocol.Unpacker{}
	res := u.UnpackOne(dst[:n-1], 1, api.NoHalt)
	if res.Consumed != 0 || res.Signal != nil || res.Err != nil {
		t.Fatalf("expected an incomplete-message zero result, got %+v", res)
	}
}

func TestUnpackOneDropsNonQMGRUnderHaltInput(t *testing.T) {
	p := &protocol.Packer{}
	header := protocol.SignalHeader{GSN: 1, BlockReceiverRef: 5}
	dst := make([]uint32, protocol.MaxMessageSizeWords)
	n, err := p.Pack(dst, header, nil, nil)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	u := &protocol.Unpacker{}
	res := u.UnpackOne(dst[:n], 1, api.HaltInput)
	if !res.Dropped || res.Signal != nil {
		t.Fatalf("expected message to be dropped under HaltInput, got %+v", res)
	}
}

func TestUnpackOneDeliversQMGRUnderHaltIO(t *testing.T) {
	p := &protocol.Packer{}
	header := protocol.SignalHeader{GSN: 1, BlockReceiverRef: protocol.QMGRBlock}
	dst := make([]uint32, protocol.MaxMessageSizeWords)
	n, err := p.Pack(dst, header, nil, nil)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	u := &protocol.Unpacker{}
	res := u.UnpackOne(dst[:n], 1, api.HaltIO)
	if res.Dropped || res.Signal == nil {
		t.Fatalf("expected QMGR block to be delivered under HaltIO, got %+v", res)
	}
}

func TestUnpackAllStopsOnDeliveryStop(t *testing.T) {
	p := &protocol.Packer{}
	header := protocol.SignalHeader{GSN: 1, BlockReceiverRef: 5}

	one := make([]uint32, protocol.MaxMessageSizeWords)
	n1, _ := p.Pack(one, header, []uint32{1}, nil)
	two := make([]uint32, protocol.MaxMessageSizeWords)
	n2, _ := p.Pack(two, header, []uint32{2}, nil)

	buf := make([]uint32, 0, n1+n2)
	buf = append(buf, one[:n1]...)
	buf = append(buf, two[:n2]...)

	u := &protocol.Unpacker{}
	delivered := 0
	consumed, err := protocol.UnpackAll(u, buf, 1, api.NoHalt, func(sig *protocol.Signal) api.DeliveryOutcome {
		delivered++
		return api.DeliveryStop
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("expected exactly 1 delivery before stop, got %d", delivered)
	}
	if consumed != n1 {
		t.Fatalf("expected consumed %d (first message only), got %d", n1, consumed)
	}
}
