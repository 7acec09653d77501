package shm_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-ws/transporter/shm"
)

type noopSink struct{}

func (noopSink) ReportDisconnect(peer int, err error) {}

// ctrlPair returns two *os.File ends of a connected, bidirectional
// socketpair, standing in for the raw fd extracted from each side's real
// TCP control connection.
func ctrlPair(t *testing.T) (server, client *os.File) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return os.NewFile(uintptr(fds[0]), "ctrl-server"), os.NewFile(uintptr(fds[1]), "ctrl-client")
}

func TestSetupAndRingRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segment")

	serverCtrl, clientCtrl := ctrlPair(t)
	defer serverCtrl.Close()
	defer clientCtrl.Close()

	opts := shm.Options{Path: path, RingWords: 64, SetupTimeout: 2 * time.Second}

	srv := shm.NewServerBackend(serverCtrl, opts, noopSink{})
	cli := shm.NewClientBackend(clientCtrl, opts, noopSink{})

	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.ConnectImpl() }()

	// The client side must not attach before the server has created and
	// sized the segment; give the server a moment to do so.
	time.Sleep(20 * time.Millisecond)
	if err := cli.ConnectImpl(); err != nil {
		t.Fatalf("client setup failed: %v", err)
	}
	if err := <-srvErr; err != nil {
		t.Fatalf("server setup failed: %v", err)
	}
	defer srv.Teardown()
	defer cli.Teardown()

	off, ok := srv.GetWritePtr(3)
	if !ok {
		t.Fatalf("expected room to reserve 3 words")
	}
	copy(srv.RingBase()[off:], []uint32{0x1111, 0x2222, 0x3333})
	srv.UpdateWritePtr(3)

	words, err := cli.DoReceive()
	if err != nil {
		t.Fatalf("DoReceive failed: %v", err)
	}
	if len(words) < 3 {
		t.Fatalf("expected at least 3 words visible to the client, got %d", len(words))
	}
	want := []uint32{0x1111, 0x2222, 0x3333}
	for i := range want {
		if words[i] != want[i] {
			t.Fatalf("word %d: got %#x want %#x", i, words[i], want[i])
		}
	}
	cli.Consume(3)

	if !cli.SendIsPossible(0) {
		t.Fatalf("expected the client's outbound ring to have room")
	}
}

func TestStaleSegmentIsRecreatedOnSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segment")

	// Write a stub file with a smaller size than the backend expects, as
	// a crashed counterpart might leave behind.
	if err := os.WriteFile(path, make([]byte, 32), 0600); err != nil {
		t.Fatalf("seed stale file: %v", err)
	}

	serverCtrl, clientCtrl := ctrlPair(t)
	defer serverCtrl.Close()
	defer clientCtrl.Close()

	opts := shm.Options{Path: path, RingWords: 64, SetupTimeout: 2 * time.Second}
	srv := shm.NewServerBackend(serverCtrl, opts, noopSink{})
	cli := shm.NewClientBackend(clientCtrl, opts, noopSink{})

	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.ConnectImpl() }()
	time.Sleep(20 * time.Millisecond)
	if err := cli.ConnectImpl(); err != nil {
		t.Fatalf("client setup failed against recreated segment: %v", err)
	}
	if err := <-srvErr; err != nil {
		t.Fatalf("server setup failed: %v", err)
	}
	srv.Teardown()
	cli.Teardown()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() <= 32 {
		t.Fatalf("expected the stale segment to be recreated at full size, got %d bytes", info.Size())
	}
}
