package control_test

import (
	"testing"

	"github.com/c2h5oh/datasize"

	"github.com/momentics/hioload-ws/control"
)

func TestDefaultTunables(t *testing.T) {
	d := control.DefaultTunables()
	if d.PacketSize != 4 {
		t.Fatalf("PacketSize: got %d want 4", d.PacketSize)
	}
	if d.BufferSize != 64*datasize.KB {
		t.Fatalf("BufferSize: got %v want 64KB", d.BufferSize)
	}
	if d.ChecksumUsed || d.SignalIDUsed {
		t.Fatalf("expected checksum/signal-id off by default")
	}
}

func TestParseTunablesOverridesPartialFields(t *testing.T) {
	raw := []byte(`
packet_size: 8
buffer_size: 256KB
checksum_used: true
`)
	got, err := control.ParseTunables(raw)
	if err != nil {
		t.Fatalf("ParseTunables: %v", err)
	}
	if got.PacketSize != 8 {
		t.Fatalf("PacketSize: got %d want 8", got.PacketSize)
	}
	if got.BufferSize != 256*datasize.KB {
		t.Fatalf("BufferSize: got %v want 256KB", got.BufferSize)
	}
	if !got.ChecksumUsed {
		t.Fatalf("expected checksum_used override to stick")
	}
	// Fields not present in raw must retain DefaultTunables' values.
	want := control.DefaultTunables()
	if got.ReportFreq != want.ReportFreq {
		t.Fatalf("ReportFreq: got %d want default %d", got.ReportFreq, want.ReportFreq)
	}
	if got.SendBufferSize != want.SendBufferSize {
		t.Fatalf("SendBufferSize: got %v want default %v", got.SendBufferSize, want.SendBufferSize)
	}
}

func TestParseTunablesRejectsInvalidYAML(t *testing.T) {
	if _, err := control.ParseTunables([]byte("not: [valid")); err == nil {
		t.Fatalf("expected an error for malformed YAML")
	}
}

func TestLoadTunablesMissingFile(t *testing.T) {
	if _, err := control.LoadTunables("/nonexistent/path/tunables.yaml"); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}
