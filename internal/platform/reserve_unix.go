//go:build !windows

package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ReservePages requests size bytes from the OS as a single anonymous
// mapping.
func ReservePages(size uintptr) (*Reservation, error) {
	if size == 0 {
		return nil, fmt.Errorf("platform: reservation size must be > 0")
	}

	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("platform: mmap %d bytes: %w", size, err)
	}

	return &Reservation{bytes: b}, nil
}

// ReleasePages returns a reservation to the OS.
func ReleasePages(r *Reservation) error {
	if r == nil || r.bytes == nil {
		return nil
	}

	if err := unix.Munmap(r.bytes); err != nil {
		return fmt.Errorf("platform: munmap: %w", err)
	}

	r.bytes = nil

	return nil
}

// CurrentThreadID returns the OS thread id of the calling thread. Go
// goroutines migrate between OS threads, so this value is only
// meaningful as an instantaneous diagnostic, never as a stable identity.
func CurrentThreadID() int {
	return unix.Gettid()
}
