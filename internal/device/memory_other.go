//go:build !linux

package device

func physicalMemory() uint64 { return 0 }
