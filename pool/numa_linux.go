//go:build linux
// +build linux

// File: pool/numa_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux-specific NUMA allocator. Pages are mmap'd anonymously and bound to
// a node with mbind(2) so no cgo or libnuma dependency is required.

package pool

import (
	"fmt"
	"unsafe"

	"github.com/momentics/hioload-ws/affinity"
	"golang.org/x/sys/unix"
)

const (
	mpolBind     = 2
	mpolMfStrict = 1 << 0
	mpolMfMove   = 1 << 1
)

// linuxNUMAAllocator is a NUMA allocator implementation for Linux.
type linuxNUMAAllocator struct{}

func newLinuxNUMAAllocator() NUMAAllocator {
	return &linuxNUMAAllocator{}
}

func (l *linuxNUMAAllocator) Alloc(size int, node int) ([]byte, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("numa: mmap failed: %w", err)
	}
	if node >= 0 && len(buf) > 0 {
		mask := uint64(1) << uint(node)
		_, _, errno := unix.Syscall6(
			unix.SYS_MBIND,
			uintptr(unsafe.Pointer(&buf[0])),
			uintptr(size),
			uintptr(mpolBind),
			uintptr(unsafe.Pointer(&mask)),
			uintptr(64),
			uintptr(mpolMfStrict|mpolMfMove),
		)
		if errno != 0 {
			// Binding is best-effort; the pages stay where the kernel placed them.
			_ = errno
		}
	}
	return buf, nil
}

func (l *linuxNUMAAllocator) Free(buf []byte) {
	if len(buf) == 0 {
		return
	}
	_ = unix.Munmap(buf)
}

func (l *linuxNUMAAllocator) Nodes() (int, error) {
	n := affinity.NUMANodes()
	if n < 1 {
		return 1, fmt.Errorf("NUMA not available")
	}
	return n, nil
}
