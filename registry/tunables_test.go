package registry_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-ws/control"
	"github.com/momentics/hioload-ws/registry"
)

func TestWireConfigReloadAppliesTunables(t *testing.T) {
	reg := registry.New(&recordingSink{}, nil, nil, registry.Tunables{})
	require.False(t, reg.Tunables().ChecksumUsed, "checksum_used should start at its zero-value default")

	cs := control.NewConfigStore()
	registry.WireConfigReload(reg, cs)

	path := filepath.Join(t.TempDir(), "tunables.yaml")
	require.NoError(t, os.WriteFile(path, []byte("checksum_used: true\nsignal_id_used: true\n"), 0o644))
	require.NoError(t, cs.LoadTunablesFile(path))

	// dispatchReload fires listeners on their own goroutine; give the
	// hook a moment to run before asserting on registry state.
	require.Eventually(t, func() bool {
		return reg.Tunables().ChecksumUsed && reg.Tunables().SignalIDUsed
	}, time.Second, time.Millisecond, "registry did not pick up the reloaded tunables")
}
