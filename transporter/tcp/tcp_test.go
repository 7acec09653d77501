package tcp_test

import (
	"net"
	"testing"
	"time"

	"github.com/momentics/hioload-ws/transporter/tcp"
)

type noopSink struct{}

func (noopSink) ReportSendLen(peer, n, bytes int)  {}
func (noopSink) ReportDisconnect(peer int, err error) {}

func TestHandshakeAndRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan *tcp.Backend, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			serverDone <- nil
			return
		}
		tc := c.(*net.TCPConn)
		srv := tcp.NewAcceptedBackend(1, tc, tcp.Options{NodeID: 100}, nil, noopSink{})
		if err := srv.AcceptHandshake(); err != nil {
			t.Errorf("server handshake failed: %v", err)
			serverDone <- nil
			return
		}
		serverDone <- srv
	}()

	client := tcp.NewDialBackend(2, ln.Addr().String(), tcp.Options{NodeID: 200, ConnectTimeout: 2 * time.Second}, nil, noopSink{})
	if err := client.ConnectImpl(); err != nil {
		t.Fatalf("client handshake failed: %v", err)
	}

	srv := <-serverDone
	if srv == nil {
		t.Fatalf("server-side handshake failed")
	}

	if client.PeerNodeID() != 100 {
		t.Fatalf("expected client to learn peer node id 100, got %d", client.PeerNodeID())
	}
	if srv.PeerNodeID() != 200 {
		t.Fatalf("expected server to learn peer node id 200, got %d", srv.PeerNodeID())
	}

	off, ok := client.GetWritePtr(3)
	if !ok {
		t.Fatalf("expected room to stage 3 words")
	}
	copy(client.RingBase()[off:], []uint32{0xAAAA, 0xBBBB, 0xCCCC})
	client.UpdateWritePtr(3)

	if err := client.DoSend(); err != nil {
		t.Fatalf("DoSend failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var words []uint32
	for time.Now().Before(deadline) {
		var derr error
		words, derr = srv.DoReceive()
		if derr != nil {
			t.Fatalf("DoReceive failed: %v", derr)
		}
		if len(words) >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(words) < 3 {
		t.Fatalf("expected at least 3 words received, got %d", len(words))
	}
	want := []uint32{0xAAAA, 0xBBBB, 0xCCCC}
	for i := range want {
		if words[i] != want[i] {
			t.Fatalf("word %d: got %#x want %#x", i, words[i], want[i])
		}
	}
	srv.Consume(3)

	client.Teardown()
	srv.Teardown()
}

func TestServerRejectsTransporterTypeMismatch(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	errCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		tc := c.(*net.TCPConn)
		srv := tcp.NewAcceptedBackend(1, tc, tcp.Options{NodeID: 1}, nil, noopSink{})
		errCh <- srv.AcceptHandshake()
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("5 99\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected a transporter-type mismatch error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for server handshake result")
	}
}
