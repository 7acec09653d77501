//go:build linux
// +build linux

// File: affinity/affinity_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux-specific implementation for setting thread CPU affinity.
// Uses sched_setaffinity directly through golang.org/x/sys/unix so the
// package never needs cgo to pin the calling OS thread.

package affinity

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// setAffinityPlatform sets thread affinity to a given CPU for Linux.
//
// sched_setaffinity operates on the calling thread (tid 0), so the caller
// must have already locked the goroutine to its OS thread via
// runtime.LockOSThread before invoking this.
func setAffinityPlatform(cpuID int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpuID)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("affinity: sched_setaffinity failed: %w", err)
	}
	return nil
}

// clearAffinityPlatform restores the calling thread's affinity mask to every
// online CPU, undoing a prior Pin.
func clearAffinityPlatform() error {
	cpus, err := onlineCPUCount()
	if err != nil || cpus <= 0 {
		cpus = 1
	}
	var set unix.CPUSet
	set.Zero()
	for i := 0; i < cpus && i < len(set)*64; i++ {
		set.Set(i)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("affinity: sched_setaffinity clear failed: %w", err)
	}
	return nil
}

// numaNodesPlatform reports the number of NUMA nodes visible under sysfs.
// Falls back to 1 when the topology cannot be read (e.g. non-NUMA hosts,
// containers without /sys mounted).
func numaNodesPlatform() int {
	entries, err := os.ReadDir("/sys/devices/system/node")
	if err != nil {
		return 1
	}
	count := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "node") {
			if _, convErr := strconv.Atoi(strings.TrimPrefix(e.Name(), "node")); convErr == nil {
				count++
			}
		}
	}
	if count == 0 {
		return 1
	}
	return count
}

// currentNUMANodePlatform reports the NUMA node of the calling thread's
// current CPU, or -1 if it cannot be determined.
func currentNUMANodePlatform() int {
	cpu, err := unix.SchedGetcpu()
	if err != nil {
		return -1
	}
	nodes, err := os.ReadDir("/sys/devices/system/node")
	if err != nil {
		return -1
	}
	ids := make([]int, 0, len(nodes))
	for _, n := range nodes {
		if !strings.HasPrefix(n.Name(), "node") {
			continue
		}
		id, convErr := strconv.Atoi(strings.TrimPrefix(n.Name(), "node"))
		if convErr != nil {
			continue
		}
		if _, statErr := os.Stat(filepath.Join("/sys/devices/system/node", n.Name(), fmt.Sprintf("cpu%d", cpu))); statErr == nil {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	if len(ids) == 0 {
		return -1
	}
	return ids[0]
}

// pinToNUMANodePlatform pins the calling thread to the lowest-numbered
// online CPU in node's cpulist, read from sysfs the same way
// numaNodesPlatform enumerates nodes.
func pinToNUMANodePlatform(node int) error {
	raw, err := os.ReadFile(fmt.Sprintf("/sys/devices/system/node/node%d/cpulist", node))
	if err != nil {
		return fmt.Errorf("affinity: read node %d cpulist: %w", node, err)
	}
	cpu, err := firstCPUInList(string(raw))
	if err != nil {
		return fmt.Errorf("affinity: parse node %d cpulist: %w", node, err)
	}
	return setAffinityPlatform(cpu)
}

// firstCPUInList parses a cpulist range string such as "0-3,8,10-11" and
// returns the lowest CPU id in it.
func firstCPUInList(spec string) (int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, fmt.Errorf("empty cpulist")
	}
	first := strings.SplitN(spec, ",", 2)[0]
	bounds := strings.SplitN(first, "-", 2)
	return strconv.Atoi(bounds[0])
}

func onlineCPUCount() (int, error) {
	data, err := os.ReadFile("/sys/devices/system/cpu/online")
	if err != nil {
		return 0, err
	}
	spec := strings.TrimSpace(string(data))
	max := 0
	for _, part := range strings.Split(spec, ",") {
		bounds := strings.SplitN(part, "-", 2)
		var hi int
		hi, err = strconv.Atoi(bounds[len(bounds)-1])
		if err != nil {
			continue
		}
		if hi > max {
			max = hi
		}
	}
	return max + 1, nil
}
