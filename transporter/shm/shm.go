// File: transporter/shm/shm.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package shm implements the shared-memory backend (C7): a mmap'd
// segment split into two back-to-back rings plus a control page per
// side, and the wake-byte protocol that lets a spinning reader block
// without busy-polling forever.
package shm

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-ws/ring"
)

const (
	transporterTypeSHM = 2

	// controlPageSize is the stride between the two control pages and
	// between a control page and the ring data that follows it. It must
	// comfortably exceed sizeof(controlPage) and keep the two sides'
	// cache lines apart.
	controlPageSize = 64

	headerMagic = 0x53484d31 // "SHM1"
	headerSize  = 16         // magic (u32) + shmSize (u32) + 8 bytes reserved

	DefaultRingWords    = 8192
	DefaultSetupTimeout = 30 * time.Second
	DefaultSpinTime     = 200 * time.Microsecond
)

// Role distinguishes the side that creates the segment (server) from the
// side that only attaches to an existing one (client).
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// Options configures a Backend.
type Options struct {
	Path         string // backing file, conventionally under /dev/shm
	NodeID       int
	RingWords    uint32
	SetupTimeout time.Duration
	SpinTime     time.Duration
}

func (o *Options) setDefaults() {
	if o.RingWords == 0 {
		o.RingWords = DefaultRingWords
	}
	if o.SetupTimeout == 0 {
		o.SetupTimeout = DefaultSetupTimeout
	}
	if o.SpinTime == 0 {
		o.SpinTime = DefaultSpinTime
	}
}

// ReportSink receives the same diagnostics the TCP backend reports,
// plus the shared-memory-specific disconnect/stale-segment signals.
type ReportSink interface {
	ReportDisconnect(peer int, err error)
}

// spinMutex is a process-shared mutual exclusion lock: a bare
// compare-and-swap loop over a word living inside the mapped segment, so
// it works identically whether the two holders are goroutines in one
// process or two separate processes sharing the mapping. Critical
// sections under it are always a few field reads/writes (index
// publication, wake-flag decisions), so a futex's extra syscall to block
// would cost more than it saves.
type spinMutex struct {
	state atomic.Uint32
}

func (m *spinMutex) Lock() {
	for !m.state.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

func (m *spinMutex) Unlock() {
	m.state.Store(0)
}

// controlPage is the per-side header shared between the two ends of a
// segment: the ring cursors (shared with ring.Ring via the same
// atomic.Uint32 layout), the setup/wake flags, and the side's
// process-shared mutex.
type controlPage struct {
	ring.Indices
	StatusFlag   atomic.Uint32 // 1 once this side's setup step is done; repurposed as "awake" once steady-state begins
	AwakenedFlag atomic.Uint32 // 1 once a sleeping reader has been prodded and not yet drained
	UpFlag       atomic.Uint32 // 1 while this side is attached
	Mu           spinMutex
}

// segmentLayout computes byte offsets for every region of the shared
// file given a ring size in words. Both sides must agree on ringWords
// before either maps the file, since the layout has no negotiation step
// of its own.
type segmentLayout struct {
	ringWords      uint32
	headerOff      uint32
	serverCtrlOff  uint32
	clientCtrlOff  uint32
	serverRingOff  uint32
	clientRingOff  uint32
	totalBytes     uint32
}

func layoutFor(ringWords uint32) segmentLayout {
	ringBytes := ringWords * 4
	l := segmentLayout{
		ringWords:     ringWords,
		headerOff:     0,
		serverCtrlOff: headerSize,
		clientCtrlOff: headerSize + controlPageSize,
		serverRingOff: headerSize + 2*controlPageSize,
	}
	l.clientRingOff = l.serverRingOff + ringBytes
	l.totalBytes = l.clientRingOff + ringBytes
	return l
}

// Backend implements transporter.Backend over a shared-memory segment.
// It also exposes GetWritePtr/UpdateWritePtr so callers can write
// directly into the outbound ring the way transporter/tcp's SendBuffer
// staging does, since a shm write takes effect the instant the index is
// published — there is no separate "unsent" region to drain later.
type Backend struct {
	role Role
	opts Options
	sink ReportSink

	ctrl       *os.File // the control socket's file, used only for the wake byte after handshake text is exchanged over it
	ctrlReader *bufio.Reader

	file   *os.File
	data   []byte
	layout segmentLayout

	myCtrl   *controlPage
	peerCtrl *controlPage

	writer *ring.Writer
	reader *ring.Reader
}

// NewServerBackend constructs the segment-creating side. ctrl is the
// already-connected control socket file (see tcp.Backend.FD for how a
// net.Conn yields one).
func NewServerBackend(ctrl *os.File, opts Options, sink ReportSink) *Backend {
	opts.setDefaults()
	return &Backend{role: RoleServer, opts: opts, ctrl: ctrl, sink: sink}
}

// NewClientBackend constructs the attach-only side.
func NewClientBackend(ctrl *os.File, opts Options, sink ReportSink) *Backend {
	opts.setDefaults()
	return &Backend{role: RoleClient, opts: opts, ctrl: ctrl, sink: sink}
}

// ConnectImpl runs the segment setup sequence: create-or-attach, map,
// initialize control pages, and exchange the four-line handshake.
func (b *Backend) ConnectImpl() error {
	b.ctrlReader = bufio.NewReader(b.ctrl)
	l := layoutFor(b.opts.RingWords)
	b.layout = l

	switch b.role {
	case RoleServer:
		if err := b.createOrRecreate(l); err != nil {
			return err
		}
	case RoleClient:
		if err := b.attachExisting(l); err != nil {
			return err
		}
	}

	if err := b.mapSegment(l); err != nil {
		return err
	}
	b.bindControlPages(l)

	b.myCtrl.Mu.Lock()
	b.myCtrl.ReadIndex.Store(0)
	b.myCtrl.WriteIndex.Store(0)
	b.myCtrl.StatusFlag.Store(1)
	b.myCtrl.Mu.Unlock()
	b.myCtrl.UpFlag.Store(1)

	if err := b.handshake(); err != nil {
		if b.sink != nil {
			b.sink.ReportDisconnect(b.opts.NodeID, err)
		}
		return err
	}

	deadline := time.Now().Add(b.opts.SetupTimeout)
	for b.peerCtrl.StatusFlag.Load() == 0 {
		if time.Now().After(deadline) {
			return fmt.Errorf("shm: timed out waiting for peer setup")
		}
		runtime.Gosched()
	}

	b.writer = ring.NewWriter(b.myRing(l))
	b.reader = ring.NewReader(b.peerRing(l))
	return nil
}

func (b *Backend) myRing(l segmentLayout) *ring.Ring {
	off := l.serverRingOff
	idx := &b.myCtrl.Indices
	if b.role == RoleClient {
		off = l.clientRingOff
	}
	return ring.New(wordsAt(b.data, off, l.ringWords), idx, 0)
}

func (b *Backend) peerRing(l segmentLayout) *ring.Ring {
	off := l.clientRingOff
	idx := &b.peerCtrl.Indices
	if b.role == RoleClient {
		off = l.serverRingOff
	}
	return ring.New(wordsAt(b.data, off, l.ringWords), idx, 0)
}

func (b *Backend) createOrRecreate(l segmentLayout) error {
	f, err := os.OpenFile(b.opts.Path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("shm: unable to create segment: %w", err)
	}

	stale, err := segmentIsStale(f, l.totalBytes)
	if err != nil {
		f.Close()
		return fmt.Errorf("shm: unable to stat segment: %w", err)
	}
	if stale {
		if err := f.Truncate(0); err != nil {
			f.Close()
			return fmt.Errorf("shm: unable to recreate segment: %w", err)
		}
	}
	if err := f.Truncate(int64(l.totalBytes)); err != nil {
		f.Close()
		return err
	}
	b.file = f
	return nil
}

func (b *Backend) attachExisting(l segmentLayout) error {
	f, err := os.OpenFile(b.opts.Path, os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("shm: unable to attach segment: %w", err)
	}
	b.file = f
	return nil
}

// segmentIsStale reports whether an existing segment's persisted header
// disagrees with the size this side is about to use, per the
// "reconnecting peer can detect a stale segment left by a crashed
// counterpart" supplemented behavior.
func segmentIsStale(f *os.File, wantSize uint32) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	if info.Size() < headerSize {
		return true, nil
	}
	hdr := make([]byte, headerSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return true, nil
	}
	magic := le32(hdr[0:4])
	size := le32(hdr[4:8])
	if magic != headerMagic {
		return true, nil
	}
	return size != wantSize, nil
}

func (b *Backend) mapSegment(l segmentLayout) error {
	data, err := unix.Mmap(int(b.file.Fd()), 0, int(l.totalBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("shm: unable to attach segment: %w", err)
	}
	b.data = data
	if b.role == RoleServer {
		putLE32(b.data[0:4], headerMagic)
		putLE32(b.data[4:8], l.totalBytes)
	}
	return nil
}

func (b *Backend) bindControlPages(l segmentLayout) {
	serverCtrl := (*controlPage)(unsafe.Pointer(&b.data[l.serverCtrlOff]))
	clientCtrl := (*controlPage)(unsafe.Pointer(&b.data[l.clientCtrlOff]))
	if b.role == RoleServer {
		b.myCtrl, b.peerCtrl = serverCtrl, clientCtrl
	} else {
		b.myCtrl, b.peerCtrl = clientCtrl, serverCtrl
	}
}

func (b *Backend) handshake() error {
	if b.role == RoleServer {
		if err := b.writeLine(fmt.Sprintf("shm server 1 ok: %d", os.Getpid())); err != nil {
			return err
		}
		if _, err := b.readLinePrefixed("shm client 1 ok:"); err != nil {
			return err
		}
		if err := b.writeLine("shm server 2 ok"); err != nil {
			return err
		}
		if _, err := b.readLinePrefixed("shm client 2 ok"); err != nil {
			return err
		}
		return nil
	}

	if _, err := b.readLinePrefixed("shm server 1 ok:"); err != nil {
		return err
	}
	if err := b.writeLine(fmt.Sprintf("shm client 1 ok: %d", os.Getpid())); err != nil {
		return err
	}
	if _, err := b.readLinePrefixed("shm server 2 ok"); err != nil {
		return err
	}
	return b.writeLine("shm client 2 ok")
}

func (b *Backend) writeLine(s string) error {
	_, err := b.ctrl.Write([]byte(s + "\n"))
	return err
}

func (b *Backend) readLinePrefixed(prefix string) (string, error) {
	line, err := b.ctrlReader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("shm: handshake read failed: %w", err)
	}
	if len(line) < len(prefix) || line[:len(prefix)] != prefix {
		return "", fmt.Errorf("shm: handshake mismatch: got %q want prefix %q", line, prefix)
	}
	return line, nil
}

// Teardown unmaps the segment and marks this side detached. It does not
// unlink the backing file (the counterpart of IPC_RMID), and no other
// part of this module does either, so the file remains after both sides
// have detached.
func (b *Backend) Teardown() error {
	if b.myCtrl != nil {
		b.myCtrl.UpFlag.Store(0)
	}
	if b.data != nil {
		err := unix.Munmap(b.data)
		b.data = nil
		if err != nil {
			return err
		}
	}
	if b.file != nil {
		b.file.Close()
		b.file = nil
	}
	return nil
}

// HasDataToSend always reports false: writes through GetWritePtr/
// UpdateWritePtr take effect the instant the index is published, so
// there is never a staged, un-sent region for DoSend to flush the way
// transporter/tcp's SendBuffer has.
func (b *Backend) HasDataToSend() bool { return false }

// DoSend is a no-op for the same reason HasDataToSend always reports
// false; it exists only to satisfy transporter.Backend.
func (b *Backend) DoSend() error { return nil }

// GetWritePtr reserves room in the outbound ring for lenWords words.
func (b *Backend) GetWritePtr(lenWords uint32) (offset uint32, ok bool) {
	return b.writer.GetWritePtr(lenWords)
}

// RingBase exposes the outbound ring's backing storage so callers can
// write directly at the offset GetWritePtr returned.
func (b *Backend) RingBase() []uint32 { return b.writer.Base() }

// UpdateWritePtr publishes lenWords newly written words and, if the peer
// has gone to sleep waiting for data and has not already been prodded,
// wakes it over the control socket.
func (b *Backend) UpdateWritePtr(lenWords uint32) {
	b.writer.UpdateWritePtr(lenWords)
	b.maybeWake()
}

func (b *Backend) maybeWake() {
	b.peerCtrl.Mu.Lock()
	needWake := b.peerCtrl.StatusFlag.Load() == 0 && b.peerCtrl.AwakenedFlag.Load() == 0
	if needWake {
		b.peerCtrl.AwakenedFlag.Store(1)
	}
	b.peerCtrl.Mu.Unlock()

	if needWake {
		_, _ = b.ctrl.Write([]byte{0})
	}
}

// DoReceive returns the contiguous span of complete words currently
// available in the inbound ring, without copying: the returned slice
// aliases the mapped segment directly. Callers must call Consume with
// however many of those words they actually decoded before the next
// DoReceive call.
func (b *Backend) DoReceive() ([]uint32, error) {
	start, end := b.reader.GetReadPtr()
	if start == end {
		return nil, nil
	}
	return b.reader.Base()[start:end], nil
}

// Consume advances the inbound ring's read cursor past consumedWords
// words.
func (b *Backend) Consume(consumedWords uint32) {
	start, _ := b.reader.GetReadPtr()
	b.reader.UpdateReadPtr(start + consumedWords)
}

// SendIsPossible reports whether the outbound ring currently has room
// for at least one word. Unlike the TCP backend there is nothing to
// poll: the ring's free space is plain shared memory, readable without
// blocking, so timeout is unused.
func (b *Backend) SendIsPossible(timeout time.Duration) bool {
	return b.writer.FreeBytes() > 0
}

// Spin polls the inbound ring for up to opts.SpinTime before the caller
// should fall back to blocking on the control socket for a wake byte.
func (b *Backend) Spin() (readable bool) {
	deadline := time.Now().Add(b.opts.SpinTime)
	for time.Now().Before(deadline) {
		if !b.reader.Empty() {
			return true
		}
		runtime.Gosched()
	}
	return !b.reader.Empty()
}

// Sleep marks this side asleep and blocks on the control socket for a
// wake byte, draining it once woken. It returns once the inbound ring is
// non-empty or the control socket errors. The wake byte is read through
// the same buffered reader the handshake used, since a wake byte sent
// just after the last handshake line may already sit in that buffer.
func (b *Backend) Sleep() error {
	b.myCtrl.Mu.Lock()
	b.myCtrl.StatusFlag.Store(0)
	b.myCtrl.Mu.Unlock()

	if _, err := b.ctrlReader.ReadByte(); err != nil {
		if b.sink != nil {
			b.sink.ReportDisconnect(b.opts.NodeID, err)
		}
		return err
	}

	b.myCtrl.Mu.Lock()
	b.myCtrl.StatusFlag.Store(1)
	b.myCtrl.AwakenedFlag.Store(0)
	b.myCtrl.Mu.Unlock()
	return nil
}

func wordsAt(data []byte, byteOff, words uint32) []uint32 {
	if words == 0 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&data[byteOff])), words)
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
