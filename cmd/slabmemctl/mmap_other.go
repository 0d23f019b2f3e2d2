//go:build !linux && !darwin

package main

import "fmt"

// mmapBuffer is unavailable on this platform; --mmap falls back to an
// error rather than silently using a Go slice.
func mmapBuffer(size int64) ([]byte, func(), error) {
	return nil, nil, fmt.Errorf("--mmap is not supported on this platform")
}
