package rdma_test

import (
	"testing"

	"github.com/momentics/hioload-ws/api"
	"github.com/momentics/hioload-ws/ring"
	"github.com/momentics/hioload-ws/transporter/rdma"
)

type fakeAdapter struct {
	id        int
	up        bool
	idx       ring.Indices
	writer    *ring.Writer
	createErr error
	startErr  error
	removeErr error
	barriers  int
}

func newFakeAdapter(id int) *fakeAdapter {
	a := &fakeAdapter{id: id, up: true}
	r := ring.New(make([]uint32, 64), &a.idx, 4)
	a.writer = ring.NewWriter(r)
	return a
}

func (a *fakeAdapter) ID() int             { return a.id }
func (a *fakeAdapter) LinkUp() bool        { return a.up }
func (a *fakeAdapter) CreateSequence() error { return a.createErr }
func (a *fakeAdapter) StartSequence() error  { return a.startErr }
func (a *fakeAdapter) RemoveSequence() error { return a.removeErr }
func (a *fakeAdapter) StoreBarrier()         { a.barriers++ }
func (a *fakeAdapter) Indices() *ring.Indices { return &a.idx }
func (a *fakeAdapter) Writer() *ring.Writer   { return a.writer }

type recordingSink struct {
	failovers [][2]int
}

func (s *recordingSink) ReportFailover(peer, from, to int) {
	s.failovers = append(s.failovers, [2]int{from, to})
}
func (s *recordingSink) ReportDisconnect(peer int, err error) {}

func TestTransferFailedRetriesWhileActiveLinkStaysUp(t *testing.T) {
	active := newFakeAdapter(0)
	standby := newFakeAdapter(1)
	b := rdma.New(7, active, standby, nil, &recordingSink{})

	for i := 0; i < 3; i++ {
		if err := b.TransferFailed(); err != nil {
			t.Fatalf("attempt %d: expected a retryable nil error, got %v", i, err)
		}
	}
	if err := b.TransferFailed(); err == nil {
		t.Fatalf("expected UnrecoverableDataTfxError after exceeding retry budget")
	} else if err.Kind != api.ErrKindRdmaUnrecoverableDataTfxError {
		t.Fatalf("expected UnrecoverableDataTfxError, got %v", err.Kind)
	}
}

func TestTransferFailedFailsOverToStandbyWhenActiveLinkDown(t *testing.T) {
	active := newFakeAdapter(0)
	standby := newFakeAdapter(1)
	active.up = false

	sink := &recordingSink{}
	b := rdma.New(3, active, standby, nil, sink)

	if err := b.TransferFailed(); err != nil {
		t.Fatalf("unexpected failover error: %v", err)
	}
	if len(sink.failovers) != 1 || sink.failovers[0] != [2]int{0, 1} {
		t.Fatalf("expected a reported failover from adapter 0 to 1, got %v", sink.failovers)
	}
	if standby.barriers != 1 {
		t.Fatalf("expected exactly one store barrier issued on the new active adapter, got %d", standby.barriers)
	}
	if b.FailCounter() != 1 {
		t.Fatalf("expected fail counter to increment, got %d", b.FailCounter())
	}
}

func TestTransferFailedIsUnrecoverableWhenBothLinksDown(t *testing.T) {
	active := newFakeAdapter(0)
	standby := newFakeAdapter(1)
	active.up = false
	standby.up = false
	b := rdma.New(9, active, standby, nil, &recordingSink{})

	err := b.TransferFailed()
	if err == nil || err.Kind != api.ErrKindRdmaUnrecoverableDataTfxError {
		t.Fatalf("expected UnrecoverableDataTfxError, got %v", err)
	}
}

func TestTransferFailedSingleAdapterIsAlwaysUnrecoverable(t *testing.T) {
	active := newFakeAdapter(0)
	active.up = false
	b := rdma.New(1, active, nil, nil, &recordingSink{})

	err := b.TransferFailed()
	if err == nil || err.Kind != api.ErrKindRdmaUnrecoverableDataTfxError {
		t.Fatalf("expected UnrecoverableDataTfxError for a single-adapter config, got %v", err)
	}
}

func TestFailoverShmWriterCopiesPendingIndices(t *testing.T) {
	active := newFakeAdapter(0)
	standby := newFakeAdapter(1)
	active.up = false

	active.idx.WriteIndex.Store(17)
	active.idx.ReadIndex.Store(5)

	b := rdma.New(2, active, standby, nil, &recordingSink{})
	if err := b.TransferFailed(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if standby.idx.WriteIndex.Load() != 17 || standby.idx.ReadIndex.Load() != 5 {
		t.Fatalf("expected standby indices to mirror active's pending state, got write=%d read=%d",
			standby.idx.WriteIndex.Load(), standby.idx.ReadIndex.Load())
	}
}
