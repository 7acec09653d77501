// control/tunables.go
// Author: momentics <momentics@gmail.com>
//
// Loads the wire/backend tunable table from YAML, sizing buffer fields
// with datasize.ByteSize so a config file can write "256KB" instead of
// a raw byte count, the same convention sakateka-yanet2's module configs
// use.

package control

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// Tunables is the wire/backend tunable table: packet framing size, ring
// and send/receive buffer sizing, report frequency, spin-wait timing,
// and the checksum/signal-id wire feature toggles.
type Tunables struct {
	PacketSize     uint32            `yaml:"packet_size"`
	BufferSize     datasize.ByteSize `yaml:"buffer_size"`
	ReportFreq     uint32            `yaml:"report_freq"`
	SpinTimeMicros uint64            `yaml:"spintime"`
	SendBufferSize datasize.ByteSize `yaml:"send_buffer_size"`
	MaxReceiveSize datasize.ByteSize `yaml:"max_receive_size"`
	ChecksumUsed   bool              `yaml:"checksum_used"`
	SignalIDUsed   bool              `yaml:"signal_id_used"`
}

// DefaultTunables mirrors transporter/tcp's own defaults, for a caller
// that wants a usable table before any config file is loaded.
func DefaultTunables() Tunables {
	return Tunables{
		PacketSize:     4,
		BufferSize:     64 * datasize.KB,
		ReportFreq:     4096,
		SendBufferSize: 71540 * datasize.B,
		MaxReceiveSize: 64 * datasize.KB,
	}
}

// LoadTunables reads and parses a YAML tunables file at path, starting
// from DefaultTunables so a file that only overrides a few keys still
// yields a complete table.
func LoadTunables(path string) (Tunables, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Tunables{}, fmt.Errorf("control: read tunables file: %w", err)
	}
	return ParseTunables(raw)
}

// ParseTunables decodes YAML bytes over DefaultTunables.
func ParseTunables(raw []byte) (Tunables, error) {
	t := DefaultTunables()
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Tunables{}, fmt.Errorf("control: parse tunables: %w", err)
	}
	return t, nil
}
