package protocol_test

import (
	"testing"

	"github.com/momentics/hioload-ws/protocol"
)

func TestPackRejectsOversizedInlineData(t *testing.T) {
	p := &protocol.Packer{}
	data := make([]uint32, protocol.MaxInlineDataWords+1)
	dst := make([]uint32, protocol.MaxMessageSizeWords)
	if _, err := p.Pack(dst, protocol.SignalHeader{}, data, nil); err == nil {
		t.Fatalf("expected an error for inline data exceeding MaxInlineDataWords")
	}
}

func TestPackRejectsTooManySections(t *testing.T) {
	p := &protocol.Packer{}
	sections := make([]protocol.Section, protocol.MaxSections+1)
	for i := range sections {
		sections[i] = protocol.Section{Source: protocol.LinearSection{Words: []uint32{1}}}
	}
	dst := make([]uint32, protocol.MaxMessageSizeWords)
	if _, err := p.Pack(dst, protocol.SignalHeader{}, nil, sections); err == nil {
		t.Fatalf("expected an error for section count exceeding MaxSections")
	}
}

func TestPackRejectsDestinationTooSmall(t *testing.T) {
	p := &protocol.Packer{SignalIDUsed: true}
	dst := make([]uint32, 3) // no room for the signal-id word
	if _, err := p.Pack(dst, protocol.SignalHeader{}, nil, nil); err == nil {
		t.Fatalf("expected an error when destination buffer is too small")
	}
}

func TestWordsNeededMatchesPack(t *testing.T) {
	p := &protocol.Packer{SignalIDUsed: true, ChecksumUsed: true}
	sections := []protocol.Section{
		{Source: protocol.LinearSection{Words: []uint32{1, 2, 3}}},
	}
	data := []uint32{9, 9}

	want := p.WordsNeeded(len(data), sections)
	dst := make([]uint32, protocol.MaxMessageSizeWords)
	got, err := p.Pack(dst, protocol.SignalHeader{}, data, sections)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	if int(got) != want {
		t.Fatalf("WordsNeeded()=%d but Pack consumed %d", want, got)
	}
}

func TestPoolSegmentedSourceConcatenatesChunks(t *testing.T) {
	src := protocol.PoolSegmentedSource{Chunks: [][]uint32{{1, 2}, {3}, {4, 5, 6}}}
	if src.Len() != 6 {
		t.Fatalf("expected length 6, got %d", src.Len())
	}
	dst := make([]uint32, 6)
	src.WriteTo(dst)
	want := []uint32{1, 2, 3, 4, 5, 6}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("word %d: got %d want %d", i, dst[i], want[i])
		}
	}
}

func TestIteratorSectionSourceDrawsFixedCount(t *testing.T) {
	n := 0
	src := protocol.IteratorSectionSource{
		Count: 4,
		Next: func() uint32 {
			n++
			return uint32(n * 10)
		},
	}
	if src.Len() != 4 {
		t.Fatalf("expected length 4, got %d", src.Len())
	}
	dst := make([]uint32, 4)
	src.WriteTo(dst)
	want := []uint32{10, 20, 30, 40}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("word %d: got %d want %d", i, dst[i], want[i])
		}
	}
}
