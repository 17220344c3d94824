//go:build linux

package probe

import "golang.org/x/sys/unix"

// monotonicNanos reads CLOCK_MONOTONIC, the clock bpf_ktime_get_ns uses.
func monotonicNanos() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return fallbackNanos()
	}
	return uint64(ts.Nano())
}

// pinToCPU binds the calling OS thread to cpu. The caller must hold
// runtime.LockOSThread.
func pinToCPU(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
