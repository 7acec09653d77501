// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity. Platform-specific implementations are located
// in separate files (affinity_linux.go, affinity_windows.go, etc.) guarded by build tags.

package affinity

// SetAffinity pins current OS thread to a given logical CPU/core on supported platforms.
// On unsupported platforms returns an error.
func SetAffinity(cpuID int) error {
	return setAffinityPlatform(cpuID)
}

// ClearAffinity releases a prior SetAffinity binding on the calling OS thread,
// restoring it to run on any online CPU.
func ClearAffinity() error {
	return clearAffinityPlatform()
}

// NUMANodes reports the number of NUMA nodes visible on this host. Hosts
// without topology information (containers, non-NUMA hardware, unsupported
// platforms) report 1.
func NUMANodes() int {
	return numaNodesPlatform()
}

// CurrentNUMANodeID reports the NUMA node backing the CPU the calling thread
// is currently running on, or -1 if it cannot be determined.
func CurrentNUMANodeID() int {
	return currentNUMANodePlatform()
}

// PinToNUMANode pins the calling OS thread to the first online CPU that
// belongs to node, so a worker allocating from a NUMA-local pool also
// runs on that node. A negative node is a no-op, matching the "system
// default, no preference" meaning NUMA node -1 carries elsewhere in
// this package.
func PinToNUMANode(node int) error {
	if node < 0 {
		return nil
	}
	return pinToNUMANodePlatform(node)
}
