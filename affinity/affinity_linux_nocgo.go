//go:build linux && !cgo
// +build linux,!cgo

// File: affinity/affinity_linux_nocgo.go
// Author: momentics <momentics@gmail.com>
//
// Linux-specific implementation for setting thread CPU affinity when CGO is
// disabled. Uses the sched_setaffinity syscall via golang.org/x/sys/unix
// instead of cgo.

package affinity

import "golang.org/x/sys/unix"

// setAffinityPlatform sets thread affinity to a given CPU for Linux without cgo.
func setAffinityPlatform(cpuID int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpuID)
	return unix.SchedSetaffinity(0, &set)
}
