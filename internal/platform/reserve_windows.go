//go:build windows

package platform

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// ReservePages requests size bytes from the OS via VirtualAlloc.
func ReservePages(size uintptr) (*Reservation, error) {
	if size == 0 {
		return nil, fmt.Errorf("platform: reservation size must be > 0")
	}

	addr, err := windows.VirtualAlloc(0, size, windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, fmt.Errorf("platform: VirtualAlloc %d bytes: %w", size, err)
	}

	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)

	return &Reservation{bytes: b}, nil
}

// ReleasePages returns a reservation to the OS via VirtualFree.
func ReleasePages(r *Reservation) error {
	if r == nil || r.bytes == nil {
		return nil
	}

	addr := uintptr(unsafe.Pointer(&r.bytes[0]))
	if err := windows.VirtualFree(addr, 0, windows.MEM_RELEASE); err != nil {
		return fmt.Errorf("platform: VirtualFree: %w", err)
	}

	r.bytes = nil

	return nil
}

// CurrentThreadID returns the OS thread id of the calling thread.
func CurrentThreadID() int {
	return int(windows.GetCurrentThreadId())
}
