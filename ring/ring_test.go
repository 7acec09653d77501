package ring_test

import (
	"testing"

	"github.com/momentics/hioload-ws/ring"
)

func newTestRing(totalWords, slackWords uint32) (*ring.Ring, *ring.Indices) {
	idx := &ring.Indices{}
	return ring.New(make([]uint32, totalWords), idx, slackWords), idx
}

func TestWriterReaderRoundTrip(t *testing.T) {
	r, _ := newTestRing(16, 4)
	w := ring.NewWriter(r)
	rd := ring.NewReader(r)

	off, ok := w.GetWritePtr(3)
	if !ok {
		t.Fatalf("expected space for 3 words")
	}
	copy(w.Base()[off:], []uint32{0xDEAD, 0xBEEF, 0xCAFE})
	w.UpdateWritePtr(3)

	start, end := rd.GetReadPtr()
	if end-start != 3 {
		t.Fatalf("expected 3 readable words, got %d", end-start)
	}
	got := rd.Base()[start:end]
	want := []uint32{0xDEAD, 0xBEEF, 0xCAFE}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("word %d: got %#x want %#x", i, got[i], want[i])
		}
	}
	rd.UpdateReadPtr(end)
	if !rd.Empty() {
		t.Fatalf("expected ring empty after consuming all written data")
	}
}

func TestGetWritePtrReservationBoundary(t *testing.T) {
	// usable = 12 (16 total, slack 4). Counted in words, GetWritePtr(sz)
	// fails when FreeBytes() == sz and succeeds when FreeBytes() == sz+1,
	// per the ring buffer's reserved-slot invariant.
	r, _ := newTestRing(16, 4)
	w := ring.NewWriter(r)

	// Consume usable-4 words so FreeBytes() == 4, leaving exactly sz=3
	// satisfiable (3+1==4) and sz=4 not (4+1==5 > 4).
	off, ok := w.GetWritePtr(8)
	if !ok {
		t.Fatalf("setup: expected initial space for 8 words")
	}
	w.UpdateWritePtr(8)
	_ = off

	if got := w.FreeBytes(); got != 4 {
		t.Fatalf("expected FreeBytes()==4 after filling 8/12, got %d", got)
	}
	if _, ok := w.GetWritePtr(4); ok {
		t.Fatalf("GetWritePtr(4) should fail when FreeBytes()==4 (needs 5)")
	}
	if _, ok := w.GetWritePtr(3); !ok {
		t.Fatalf("GetWritePtr(3) should succeed when FreeBytes()==4 (needs 4)")
	}
}

func TestWriterWrapsBeforeEnteringSlack(t *testing.T) {
	r, idx := newTestRing(16, 4) // usable = 12
	w := ring.NewWriter(r)
	rd := ring.NewReader(r)

	off, ok := w.GetWritePtr(10)
	if !ok {
		t.Fatalf("expected space for 10 words")
	}
	w.UpdateWritePtr(10)
	_ = off

	start, end := rd.GetReadPtr()
	rd.UpdateReadPtr(end)
	_ = start

	// WriteIndex sits at 10; the 3 words occupy 10..12, running one word
	// into the slack, and WriteIndex (13 >= usable 12) must wrap to 0.
	off2, ok := w.GetWritePtr(3)
	if !ok {
		t.Fatalf("expected space for 3 more words after consumer drained")
	}
	if off2 != 10 {
		t.Fatalf("expected write offset 10 before wrap, got %d", off2)
	}
	w.UpdateWritePtr(3)

	if got := idx.WriteIndex.Load(); got != 0 {
		t.Fatalf("expected WriteIndex to wrap to 0, got %d", got)
	}
}
