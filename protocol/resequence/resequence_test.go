package resequence_test

import (
	"testing"

	"github.com/momentics/hioload-ws/api"
	"github.com/momentics/hioload-ws/protocol/resequence"
)

func TestOfferInOrderDeliversImmediately(t *testing.T) {
	q := resequence.New(4)
	var delivered []uint32
	for i := uint32(0); i < 3; i++ {
		if err := q.Offer(1, i, nil, func(e resequence.Entry) { delivered = append(delivered, e.SigID) }); err != nil {
			t.Fatalf("unexpected error at sig %d: %v", i, err)
		}
	}
	want := []uint32{0, 1, 2}
	for i := range want {
		if delivered[i] != want[i] {
			t.Fatalf("delivered[%d]=%d want %d", i, delivered[i], want[i])
		}
	}
	if q.NextExpected() != 3 {
		t.Fatalf("expected next_expected 3, got %d", q.NextExpected())
	}
}

func TestOfferHoldsAndSplicesForwardOnGapFill(t *testing.T) {
	q := resequence.New(4)
	var delivered []uint32
	deliver := func(e resequence.Entry) { delivered = append(delivered, e.SigID) }

	// sig 0 arrives, then 2 and 1 arrive out of order; 1 should trigger
	// delivery of 1 then splice 2 forward too.
	if err := q.Offer(1, 0, nil, deliver); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.Offer(1, 2, nil, deliver); err != nil {
		t.Fatalf("unexpected error holding sig 2: %v", err)
	}
	if q.HeldCount() != 1 {
		t.Fatalf("expected 1 held entry, got %d", q.HeldCount())
	}
	if err := q.Offer(1, 1, nil, deliver); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []uint32{0, 1, 2}
	if len(delivered) != len(want) {
		t.Fatalf("expected %d deliveries, got %d: %v", len(want), len(delivered), delivered)
	}
	for i := range want {
		if delivered[i] != want[i] {
			t.Fatalf("delivered[%d]=%d want %d", i, delivered[i], want[i])
		}
	}
	if q.HeldCount() != 0 {
		t.Fatalf("expected stack drained, got %d held", q.HeldCount())
	}
}

func TestOfferTooSmallSigIdIsFatal(t *testing.T) {
	q := resequence.New(4)
	deliver := func(resequence.Entry) {}
	if err := q.Offer(1, 0, nil, deliver); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := q.Offer(1, 0, nil, deliver)
	if err == nil {
		t.Fatalf("expected TooSmallSigId for a duplicate/already-delivered id")
	}
}

func TestOfferAtStackBoundarySucceedsOneBeyondFails(t *testing.T) {
	// Boundary property: offering next_expected+stack_size succeeds;
	// offering next_expected+stack_size+1 yields TooLargeSigId.
	q := resequence.New(4)
	deliver := func(resequence.Entry) {}

	if err := q.Offer(1, 4, nil, deliver); err != nil {
		t.Fatalf("expected sig id at next_expected+stack_size to be accepted, got %v", err)
	}
	q2 := resequence.New(4)
	if err := q2.Offer(1, 5, nil, deliver); err == nil {
		t.Fatalf("expected TooLargeSigId for next_expected+stack_size+1")
	}
}

func TestOfferWaitStackFullWhenCapacityReached(t *testing.T) {
	q := resequence.New(2)
	deliver := func(resequence.Entry) {}

	if err := q.Offer(1, 1, nil, deliver); err != nil {
		t.Fatalf("unexpected error holding sig 1: %v", err)
	}
	if err := q.Offer(1, 2, nil, deliver); err != nil {
		t.Fatalf("unexpected error holding sig 2: %v", err)
	}
	// The window is 1..2 (next_expected 0, stack_size 2), so an id 3 would
	// be TooLargeSigId; an in-window id offered while both slots are held
	// is what hits the capacity check.
	if err := q.Offer(1, 2, nil, deliver); err == nil || err.Kind != api.ErrKindWaitStackFull {
		t.Fatalf("expected WaitStackFull when stack already holds stack_size entries, got %v", err)
	}
}

func TestResetClearsHeldEntriesAndNextExpected(t *testing.T) {
	q := resequence.New(4)
	deliver := func(resequence.Entry) {}
	_ = q.Offer(1, 0, nil, deliver)
	_ = q.Offer(1, 2, nil, deliver)

	q.Reset()
	if q.NextExpected() != 0 {
		t.Fatalf("expected next_expected reset to 0, got %d", q.NextExpected())
	}
	if q.HeldCount() != 0 {
		t.Fatalf("expected held entries cleared, got %d", q.HeldCount())
	}
}
