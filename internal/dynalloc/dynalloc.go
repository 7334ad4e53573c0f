// Package dynalloc implements a general-purpose heap on top of a freelist:
// it turns (size, alignment) requests into aligned pointers within a
// single managed byte region, storing per-allocation metadata co-located
// with the user block so free only needs the pointer back.
package dynalloc

import (
	"unsafe"

	"github.com/orizon-lang/memcore/internal/freelist"
	"github.com/orizon-lang/memcore/internal/memerr"
	"github.com/orizon-lang/memcore/internal/platform"
)

// blockHeader sits immediately after a live user block. start is the
// freelist-relative offset of the block's underlying range (used to
// recompute the range on free); alignment is the power-of-two alignment
// the block was served with.
type blockHeader struct {
	start     uint64
	alignment uint16
}

var headerSize = unsafe.Sizeof(blockHeader{})

// headerAlign is blockHeader's required alignment (its widest field,
// start uint64, drives this to 8 on every supported platform). The
// header's address must be rounded up to this before it is converted to
// *blockHeader; an unaligned conversion violates the unsafe.Pointer
// conversion contract.
var headerAlign = uint64(unsafe.Alignof(blockHeader{}))

// sizeFieldSize is the width of the u32 stored immediately before every
// user pointer.
const sizeFieldSize = 4

// maxRequest is the 4 GiB ceiling on a single reserved span (alignment
// slack + header + size field + user size).
const maxRequest = uint64(1) << 32

// Allocator owns a freelist and an immediately-following contiguous byte
// region of the given capacity.
type Allocator struct {
	fl          *freelist.List
	region      []byte
	base        unsafe.Pointer
	capacity    uint64
	reservation []byte
	owns        bool
}

// MemoryRequirement returns the number of bytes a caller-supplied backing
// buffer must have: the freelist's own node-pool requirement plus the
// managed byte region itself.
func MemoryRequirement(capacity uint64) uintptr {
	return freelist.MemoryRequirement(capacity) + uintptr(capacity)
}

// New constructs a dynamic allocator managing capacity bytes. If backing
// is nil the reservation is self-allocated; otherwise backing must be at
// least MemoryRequirement(capacity) bytes, laid out as the freelist's node
// pool followed by the managed byte region.
func New(capacity uint64, backing []byte) (*Allocator, error) {
	if capacity == 0 {
		return nil, memerr.New(memerr.Precondition, "dynalloc: capacity must be > 0")
	}

	flReq := freelist.MemoryRequirement(capacity)
	need := flReq + uintptr(capacity)

	owns := false

	if backing == nil {
		backing = make([]byte, need)
		owns = true
	} else if uintptr(len(backing)) < need {
		return nil, memerr.New(memerr.Precondition, "dynalloc: backing buffer too small (need %d, have %d)", need, len(backing))
	}

	fl, err := freelist.New(capacity, backing[:flReq])
	if err != nil {
		return nil, err
	}

	region := backing[flReq : uintptr(flReq)+uintptr(capacity)]

	return &Allocator{
		fl:          fl,
		region:      region,
		base:        unsafe.Pointer(&region[0]),
		capacity:    capacity,
		reservation: backing,
		owns:        owns,
	}, nil
}

// Destroy tears down the freelist and releases owned backing memory.
func (a *Allocator) Destroy() {
	a.fl.Destroy()

	if a.owns {
		a.reservation = nil
		a.region = nil
	}
}

func isPowerOfTwo(v uint16) bool {
	return v != 0 && v&(v-1) == 0
}

func alignUp(n, alignment uint64) uint64 {
	return (n + alignment - 1) &^ (alignment - 1)
}

// reservedFor computes the freelist span a (size, alignment) request
// consumes: alignment slack + header + size field + the user bytes
// themselves, plus up to headerAlign-1 bytes of slack so the header can
// be rounded up to its required alignment without running past the end
// of the reserved range.
func reservedFor(size uint64, alignment uint16) uint64 {
	return uint64(alignment) + uint64(headerSize) + sizeFieldSize + size + (headerAlign - 1)
}

// AllocateAligned computes the reserved span with reservedFor (alignment +
// header + size field + size, plus the header-alignment slack), asks the
// freelist for that many bytes, places the aligned user
// pointer inside the served range, and writes the size field and header
// around it. The alignment fix-up is computed against the block's real
// address so the returned pointer is genuinely A-aligned in memory, not
// merely aligned relative to an arbitrary region-relative offset.
func (a *Allocator) AllocateAligned(size uint64, alignment uint16) (unsafe.Pointer, bool) {
	if size == 0 {
		platform.Log(platform.LevelError, "dynalloc: allocate called with size 0")

		return nil, false
	}

	if !isPowerOfTwo(alignment) {
		platform.Log(platform.LevelError, "dynalloc: alignment %d is not a power of two", alignment)

		return nil, false
	}

	reserved := reservedFor(size, alignment)
	if reserved >= maxRequest {
		platform.Log(platform.LevelWarn, "dynalloc: request of %d bytes exceeds the 4GiB single-allocation ceiling", reserved)

		return nil, false
	}

	base, ok := a.fl.Allocate(reserved)
	if !ok {
		return nil, false
	}

	rangeStart := uint64(uintptr(a.base)) + base
	userAddr := alignUp(rangeStart+sizeFieldSize, uint64(alignment))
	userPtr := unsafe.Pointer(uintptr(userAddr))

	*(*uint32)(unsafe.Pointer(uintptr(userAddr) - sizeFieldSize)) = uint32(size)

	hdrAddr := alignUp(userAddr+size, headerAlign)
	hdr := (*blockHeader)(unsafe.Pointer(uintptr(hdrAddr)))
	hdr.start = base
	hdr.alignment = alignment

	return userPtr, true
}

// Allocate is AllocateAligned(size, 1).
func (a *Allocator) Allocate(size uint64) (unsafe.Pointer, bool) {
	return a.AllocateAligned(size, 1)
}

// inRange reports whether ptr falls within the managed byte region.
func (a *Allocator) inRange(ptr unsafe.Pointer) bool {
	lo := uintptr(a.base)
	hi := lo + uintptr(len(a.region))
	p := uintptr(ptr)

	return p >= lo && p < hi
}

// metadataAt recovers the size field and header for a live user pointer.
// The header address is recomputed with the same alignUp(..., headerAlign)
// rounding AllocateAligned used to place it, so the two sides always agree.
func metadataAt(userPtr unsafe.Pointer) (size uint64, hdr *blockHeader) {
	p := uintptr(userPtr)
	size = uint64(*(*uint32)(unsafe.Pointer(p - sizeFieldSize)))
	hdrAddr := alignUp(uint64(p)+size, headerAlign)
	hdr = (*blockHeader)(unsafe.Pointer(uintptr(hdrAddr)))

	return size, hdr
}

// FreeAligned recovers the size and header around userPtr, recomputes the
// original freelist range, and returns it. Out-of-range pointers and
// double frees are refused and logged; double-free detection is
// delegated to (and surfaces from) the freelist.
func (a *Allocator) FreeAligned(userPtr unsafe.Pointer) bool {
	if userPtr == nil {
		platform.Log(platform.LevelError, "dynalloc: free called with a nil pointer")

		return false
	}

	if !a.inRange(userPtr) {
		platform.Log(platform.LevelError, "dynalloc: free pointer %p is out of the managed region", userPtr)

		return false
	}

	size, hdr := metadataAt(userPtr)
	reserved := reservedFor(size, hdr.alignment)

	return a.fl.Free(hdr.start, reserved)
}

// Free is FreeAligned.
func (a *Allocator) Free(userPtr unsafe.Pointer) bool {
	return a.FreeAligned(userPtr)
}

// SizeAlignment reads back the size and alignment stored for a live user
// pointer, for diagnostics and round-trip testing.
func (a *Allocator) SizeAlignment(userPtr unsafe.Pointer) (size uint64, alignment uint16, ok bool) {
	if userPtr == nil || !a.inRange(userPtr) {
		return 0, 0, false
	}

	size, hdr := metadataAt(userPtr)

	return size, hdr.alignment, true
}

// QueryFree returns the bytes currently free in the underlying freelist.
func (a *Allocator) QueryFree() uint64 {
	return a.fl.QueryFree()
}

// HeaderSize returns the per-allocation metadata overhead (the size field
// plus the header), for diagnostics.
func (a *Allocator) HeaderSize() uintptr {
	return headerSize + sizeFieldSize
}

// Capacity returns the managed region size.
func (a *Allocator) Capacity() uint64 { return a.capacity }
