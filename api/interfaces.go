// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package api

// NumaPoolManager manages pools per NUMA node/CPU.
type NumaPoolManager[T any] interface {
	PoolForNode(nodeID int) ObjectPool[T]
	PoolForCPU(cpuID int) ObjectPool[T]
}
