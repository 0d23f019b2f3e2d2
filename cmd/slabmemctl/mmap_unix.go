//go:build linux || darwin

package main

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mmapBuffer backs the slab region with an anonymous mmap'd mapping
// instead of a Go-managed slice, so the allocator's demo runs against
// memory the Go runtime never scans or moves.
func mmapBuffer(size int64) ([]byte, func(), error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	release := func() {
		_ = unix.Munmap(data)
	}
	return data, release, nil
}
