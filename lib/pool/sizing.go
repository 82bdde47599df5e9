package pool

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
)

// ResolveCapacity implements the capacity rule from spec section 3: if
// fixedWorkers > 0, exactly that many; otherwise max(1, host_cpu_count).
// Host CPU count is probed with gopsutil, grounded in the roadrunner
// manifest's use of the same library for worker-count auto-detection;
// runtime.NumCPU() is the fallback on probe error.
func ResolveCapacity(fixedWorkers int64) int64 {
	if fixedWorkers > 0 {
		return fixedWorkers
	}
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		n = runtime.NumCPU()
	}
	if n < 1 {
		n = 1
	}
	return int64(n)
}
