// File: transporter/tcp/tcp.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package tcp implements the TCP backend (C6): the control handshake,
// non-blocking socket setup, and send/receive staging that plug into
// transporter.Transporter's state machine.
package tcp

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"github.com/higebu/netfd"
	tcpinfolinux "gitlab.com/xerra/common/go-tcpinfo/pkg/linux"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-ws/ring"
)

const (
	transporterTypeTCP = 1

	// DefaultSendBufferBytes/DefaultRecvBufferBytes are the stated
	// socket buffer defaults for TCP peers.
	DefaultSendBufferBytes = 71540
	DefaultRecvBufferBytes = 70080

	// DefaultMaxReceiveWords bounds a single do_receive() read.
	DefaultMaxReceiveWords = 16384

	// DefaultReportFreq is how many do_send() calls elapse between
	// report_send_len callbacks.
	DefaultReportFreq = 4096
)

// Options configures a Backend before dialing or accepting.
type Options struct {
	NodeID          int
	SendBufferWords uint32
	SendBufferBytes int
	RecvBufferBytes int
	MaxReceiveWords uint32
	ReportFreq      uint32
	ConnectTimeout  time.Duration
}

func (o *Options) setDefaults() {
	if o.SendBufferWords == 0 {
		o.SendBufferWords = DefaultSendBufferBytes / 4
	}
	if o.SendBufferBytes == 0 {
		o.SendBufferBytes = DefaultSendBufferBytes
	}
	if o.RecvBufferBytes == 0 {
		o.RecvBufferBytes = DefaultRecvBufferBytes
	}
	if o.MaxReceiveWords == 0 {
		o.MaxReceiveWords = DefaultMaxReceiveWords
	}
	if o.ReportFreq == 0 {
		o.ReportFreq = DefaultReportFreq
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 30 * time.Second
	}
}

// ReportSink receives the diagnostic callbacks a backend raises
// (report_send_len, report_disconnect). It is satisfied by
// registry.Registry in the full stack and by a no-op stub in tests.
type ReportSink interface {
	ReportSendLen(peer int, n int, bytes int)
	ReportDisconnect(peer int, err error)
}

// Backend is the TCP implementation of transporter.Backend.
type Backend struct {
	addr string
	opts Options
	log  *zap.SugaredLogger
	sink ReportSink

	peer int // peer node id this backend serves, for report callbacks

	conn       *net.TCPConn
	fd         int
	peerNodeID int

	sendBuf          *ring.SendBuffer
	sendsSinceReport uint32

	recvWords      []uint32
	recvValidBytes uint32 // bytes of data currently staged at the front of recvWords, may include a trailing partial word
}

// NewDialBackend creates a Backend that connects outward to addr when
// ConnectImpl runs (the "client" role of the control handshake).
func NewDialBackend(peer int, addr string, opts Options, log *zap.SugaredLogger, sink ReportSink) *Backend {
	opts.setDefaults()
	return &Backend{
		addr:      addr,
		opts:      opts,
		log:       log,
		sink:      sink,
		peer:      peer,
		sendBuf:   ring.NewSendBuffer(opts.SendBufferWords),
		recvWords: make([]uint32, opts.MaxReceiveWords),
	}
}

// NewAcceptedBackend wraps a connection already accepted by a listener;
// ConnectImpl performs the server side of the control handshake over
// it instead of dialing.
func NewAcceptedBackend(peer int, conn *net.TCPConn, opts Options, log *zap.SugaredLogger, sink ReportSink) *Backend {
	opts.setDefaults()
	return &Backend{
		conn:      conn,
		opts:      opts,
		log:       log,
		sink:      sink,
		peer:      peer,
		sendBuf:   ring.NewSendBuffer(opts.SendBufferWords),
		recvWords: make([]uint32, opts.MaxReceiveWords),
	}
}

// FD returns the raw socket descriptor for reactor registration. Valid
// only once ConnectImpl has succeeded.
func (b *Backend) FD() int { return b.fd }

// PeerNodeID returns the node id the remote side reported during the
// handshake.
func (b *Backend) PeerNodeID() int { return b.peerNodeID }

// ConnectImpl dials (if not already accepted) and runs the control
// handshake: "<node_id> <transporter_type>\n" out, "<server_node_id>\n"
// back. A transporter-type mismatch or malformed response is a hard
// failure, counted toward connect-refused backoff by the caller.
func (b *Backend) ConnectImpl() error {
	if b.conn == nil {
		d := net.Dialer{Timeout: b.opts.ConnectTimeout}
		c, err := d.Dial("tcp", b.addr)
		if err != nil {
			return fmt.Errorf("tcp: dial %s: %w", b.addr, err)
		}
		tc, ok := c.(*net.TCPConn)
		if !ok {
			c.Close()
			return fmt.Errorf("tcp: dialed connection is not a *net.TCPConn")
		}
		b.conn = tc
	}

	if err := b.handshakeClient(); err != nil {
		b.conn.Close()
		b.conn = nil
		return err
	}

	if err := b.applySocketOptions(); err != nil {
		b.conn.Close()
		b.conn = nil
		return err
	}

	b.fd = netfd.GetFdFromConn(b.conn)
	if b.log != nil {
		b.log.Infow("tcp: handshake complete", "peer", b.peer, "remote_node", b.peerNodeID, "addr", b.addr)
	}
	return nil
}

// AcceptHandshake runs the server side of the control handshake on an
// already-accepted connection. Call it once, before the backend is
// handed to a transporter.Transporter (whose DoConnect would otherwise
// try to dial).
func (b *Backend) AcceptHandshake() error {
	if err := b.handshakeServer(); err != nil {
		return err
	}
	if err := b.applySocketOptions(); err != nil {
		return err
	}
	b.fd = netfd.GetFdFromConn(b.conn)
	return nil
}

func (b *Backend) handshakeClient() error {
	w := bufio.NewWriter(b.conn)
	if _, err := fmt.Fprintf(w, "%d %d\n", b.opts.NodeID, transporterTypeTCP); err != nil {
		return fmt.Errorf("tcp: write handshake line: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("tcp: flush handshake line: %w", err)
	}

	r := bufio.NewReader(b.conn)
	line, err := r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("tcp: read handshake reply: %w", err)
	}
	id, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return fmt.Errorf("tcp: malformed handshake reply %q: %w", line, err)
	}
	b.peerNodeID = id
	return nil
}

func (b *Backend) handshakeServer() error {
	r := bufio.NewReader(b.conn)
	line, err := r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("tcp: read handshake line: %w", err)
	}
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return fmt.Errorf("tcp: malformed handshake line %q", line)
	}
	nodeID, err := strconv.Atoi(fields[0])
	if err != nil {
		return fmt.Errorf("tcp: malformed handshake node id %q: %w", fields[0], err)
	}
	kind, err := strconv.Atoi(fields[1])
	if err != nil || kind != transporterTypeTCP {
		return fmt.Errorf("tcp: transporter type mismatch: got %q, want %d", fields[1], transporterTypeTCP)
	}
	b.peerNodeID = nodeID

	w := bufio.NewWriter(b.conn)
	if _, err := fmt.Fprintf(w, "%d\n", b.opts.NodeID); err != nil {
		return fmt.Errorf("tcp: write handshake reply: %w", err)
	}
	return w.Flush()
}

func (b *Backend) applySocketOptions() error {
	if err := b.conn.SetNoDelay(true); err != nil {
		return fmt.Errorf("tcp: set TCP_NODELAY: %w", err)
	}
	if err := b.conn.SetKeepAlive(true); err != nil {
		return fmt.Errorf("tcp: set SO_KEEPALIVE: %w", err)
	}

	raw, err := b.conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("tcp: syscall conn: %w", err)
	}
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, b.opts.SendBufferBytes); e != nil {
			sockErr = fmt.Errorf("tcp: set SO_SNDBUF: %w", e)
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, b.opts.RecvBufferBytes); e != nil {
			sockErr = fmt.Errorf("tcp: set SO_RCVBUF: %w", e)
			return
		}
	})
	if ctrlErr != nil {
		return fmt.Errorf("tcp: control: %w", ctrlErr)
	}
	return sockErr
}

// Teardown closes the underlying socket. Idempotent.
func (b *Backend) Teardown() error {
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	b.recvValidBytes = 0
	return err
}

// HasDataToSend reports whether the send buffer has unsent bytes.
func (b *Backend) HasDataToSend() bool { return b.sendBuf.HasDataToSend() }

// GetWritePtr reserves lenWords contiguous words in the send buffer for
// the caller (the packer) to fill.
func (b *Backend) GetWritePtr(lenWords uint32) (offset uint32, ok bool) {
	return b.sendBuf.GetInsertPtr(lenWords)
}

// UpdateWritePtr commits lenWords just written via GetWritePtr.
func (b *Backend) UpdateWritePtr(lenWords uint32) {
	b.sendBuf.UpdateInsertPtr(lenWords)
}

// RingBase exposes the backing storage so Packer.Pack can write
// directly into it.
func (b *Backend) RingBase() []uint32 { return b.sendBuf.Storage() }

// DoSend performs a single non-blocking send attempt of whatever is
// currently queued, advancing the send cursor
// by however many bytes the kernel accepted in that one attempt. It
// never blocks the caller's I/O loop waiting for the socket to drain.
func (b *Backend) DoSend() error {
	if !b.sendBuf.HasDataToSend() {
		return nil
	}

	storage := b.sendBuf.Storage()
	sendPtr := b.sendBuf.SendPtr()
	n := b.sendBuf.SendDataSize()
	bytesBuf := wordsAsBytes(storage[sendPtr : sendPtr+n])

	raw, err := b.conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("tcp: syscall conn: %w", err)
	}

	var written int
	var sendErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		written, sendErr = unix.Write(int(fd), bytesBuf)
	})
	if ctrlErr != nil {
		return fmt.Errorf("tcp: write: %w", ctrlErr)
	}

	if written > 0 {
		wordsWritten := uint32(written / 4)
		b.sendBuf.BytesSent(wordsWritten)
		b.sendsSinceReport++
		if b.sink != nil && b.sendsSinceReport >= b.opts.ReportFreq {
			b.sink.ReportSendLen(b.peer, int(wordsWritten), written)
			b.sendsSinceReport = 0
		}
	}
	if sendErr != nil && !isTransientSendError(sendErr) {
		if b.sink != nil {
			b.sink.ReportDisconnect(b.peer, sendErr)
		}
		return sendErr
	}
	return nil
}

// DoReceive appends into the receive staging area up to
// max_receive_size bytes, returning the span of fully-arrived words
// for the caller to run through protocol.Unpacker. A trailing 1-3
// bytes that do not yet complete a word are kept in place rather than
// exposed; the next call appends after them. Any trailing
// partial-*message* words (a complete word that is not yet a complete
// message) are left at the front of recvWords by the caller invoking
// Consume after decoding.
func (b *Backend) DoReceive() ([]uint32, error) {
	allBytes := wordsAsBytes(b.recvWords)
	free := allBytes[b.recvValidBytes:]
	if len(free) == 0 {
		return nil, fmt.Errorf("tcp: receive staging full: peer %d exceeded max_receive_size", b.peer)
	}

	n, err := b.conn.Read(free)
	if n > 0 {
		b.recvValidBytes += uint32(n)
	}
	wholeWords := b.recvValidBytes / 4
	if err != nil {
		if isTransientRecvError(err) {
			return b.recvWords[:wholeWords], nil
		}
		if b.sink != nil {
			b.sink.ReportDisconnect(b.peer, err)
		}
		return b.recvWords[:wholeWords], err
	}
	return b.recvWords[:wholeWords], nil
}

// Consume removes consumedWords from the front of the receive staging
// area, shifting any remaining bytes (a partial message's tail, plus
// any not-yet-complete trailing word) to the start so the next
// DoReceive continues contiguously.
func (b *Backend) Consume(consumedWords uint32) {
	consumedBytes := consumedWords * 4
	if consumedBytes >= b.recvValidBytes {
		b.recvValidBytes = 0
		return
	}
	allBytes := wordsAsBytes(b.recvWords)
	remaining := b.recvValidBytes - consumedBytes
	copy(allBytes[:remaining], allBytes[consumedBytes:b.recvValidBytes])
	b.recvValidBytes = remaining
}

// SendIsPossible implements send_is_possible(timeout): polls the write
// fd and reports whether it became writable within timeout.
func (b *Backend) SendIsPossible(timeout time.Duration) bool {
	if b.conn == nil {
		return false
	}
	raw, err := b.conn.SyscallConn()
	if err != nil {
		return false
	}
	writable := false
	ctrlErr := raw.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, pollErr := unix.Poll(fds, int(timeout.Milliseconds()))
		writable = pollErr == nil && n > 0 && fds[0].Revents&unix.POLLOUT != 0
	})
	return ctrlErr == nil && writable
}

// TCPInfo returns a live kernel TCP_INFO snapshot (RTT, retransmits,
// cwnd) for diagnostic reporting alongside report_send_len.
func (b *Backend) TCPInfo() (*tcpinfolinux.TCPInfo, error) {
	if b.conn == nil {
		return nil, fmt.Errorf("tcp: not connected")
	}
	return tcpinfolinux.GetTCPInfo(b.fd)
}

// wordsAsBytes reinterprets a []uint32 as the []byte view of the same
// backing array, so socket reads/writes touch the ring storage
// directly instead of an intermediate copy. This only preserves wire
// byte order on little-endian hosts; the byte-order bit in word 1
// lets a receiver detect and reject a mismatched peer rather than
// silently decoding garbage.
func wordsAsBytes(words []uint32) []byte {
	if len(words) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*4)
}

func isTransientSendError(err error) bool {
	return isTransient(err)
}

func isTransientRecvError(err error) bool {
	return isTransient(err)
}

func isTransient(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}
