//go:build windows
// +build windows

// File: affinity/affinity_windows.go
// Author: momentics <momentics@gmail.com>
//
// Windows-specific implementation for setting thread CPU affinity.

package affinity

import (
	"fmt"
	"syscall"
	"unsafe"
)

// setAffinityPlatform sets thread affinity to a given CPU for Windows.
func setAffinityPlatform(cpuID int) error {
	return setThreadAffinityMask(uintptr(1) << cpuID)
}

// clearAffinityPlatform restores the calling thread to run on any CPU in its
// current process affinity group.
func clearAffinityPlatform() error {
	kernel32 := syscall.NewLazyDLL("kernel32.dll")
	procGetCurrentProcess := kernel32.NewProc("GetCurrentProcess")
	procGetProcessAffinityMask := kernel32.NewProc("GetProcessAffinityMask")
	hProcess, _, _ := procGetCurrentProcess.Call()
	var processMask, systemMask uintptr
	ret, _, err := procGetProcessAffinityMask.Call(hProcess, uintptr(unsafe.Pointer(&processMask)), uintptr(unsafe.Pointer(&systemMask)))
	if ret == 0 {
		return err
	}
	return setThreadAffinityMask(processMask)
}

func setThreadAffinityMask(mask uintptr) error {
	kernel32 := syscall.NewLazyDLL("kernel32.dll")
	procSetThreadAffinityMask := kernel32.NewProc("SetThreadAffinityMask")
	procGetCurrentThread := kernel32.NewProc("GetCurrentThread")
	hThread, _, _ := procGetCurrentThread.Call()
	ret, _, err := procSetThreadAffinityMask.Call(hThread, mask)
	if ret == 0 {
		return err
	}
	return nil
}

// numaNodesPlatform reports the number of NUMA nodes known to the system.
func numaNodesPlatform() int {
	kernel32 := syscall.NewLazyDLL("kernel32.dll")
	procGetNumaHighestNodeNumber := kernel32.NewProc("GetNumaHighestNodeNumber")
	var highest uint32
	ret, _, _ := procGetNumaHighestNodeNumber.Call(uintptr(unsafe.Pointer(&highest)))
	if ret == 0 {
		return 1
	}
	return int(highest) + 1
}

// currentNUMANodePlatform reports the NUMA node of the CPU the calling
// thread is currently running on, or -1 if it cannot be determined.
func currentNUMANodePlatform() int {
	kernel32 := syscall.NewLazyDLL("kernel32.dll")
	procGetCurrentProcessorNumber := kernel32.NewProc("GetCurrentProcessorNumber")
	procGetNumaProcessorNode := kernel32.NewProc("GetNumaProcessorNode")
	cpu, _, _ := procGetCurrentProcessorNumber.Call()
	var node byte
	ret, _, _ := procGetNumaProcessorNode.Call(uintptr(uint8(cpu)), uintptr(unsafe.Pointer(&node)))
	if ret == 0 {
		return -1
	}
	return int(node)
}

// pinToNUMANodePlatform pins the calling thread to the lowest-numbered
// CPU in node's processor mask.
func pinToNUMANodePlatform(node int) error {
	kernel32 := syscall.NewLazyDLL("kernel32.dll")
	procGetNumaNodeProcessorMask := kernel32.NewProc("GetNumaNodeProcessorMask")
	var mask uintptr
	ret, _, err := procGetNumaNodeProcessorMask.Call(uintptr(uint8(node)), uintptr(unsafe.Pointer(&mask)))
	if ret == 0 {
		return err
	}
	if mask == 0 {
		return fmt.Errorf("affinity: node %d has no processors", node)
	}
	for cpu := 0; cpu < 64; cpu++ {
		if mask&(uintptr(1)<<uint(cpu)) != 0 {
			return setThreadAffinityMask(uintptr(1) << uint(cpu))
		}
	}
	return fmt.Errorf("affinity: node %d processor mask empty", node)
}
