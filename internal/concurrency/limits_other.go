//go:build !linux

package concurrency

// Non-linux hosts skip the memory, fd and pid probes; the CPU bound and hard
// cap still apply.

func probeAvailableMemoryMB() (int, bool) { return 0, false }

func probeFDSoftLimit() (int, bool) { return 0, false }

func probePIDSoftLimit() (int, bool) { return 0, false }
