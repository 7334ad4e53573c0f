// Package memory implements the process-wide memory façade: the one
// thread-safe allocation service every other subsystem in a program built
// on memcore uses. It owns a single OS reservation, a single dynamic
// allocator built inside it, a single mutex, and per-tag accounting.
package memory

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/orizon-lang/memcore/internal/dynalloc"
	"github.com/orizon-lang/memcore/internal/platform"
)

// State is the façade's singleton record. It is never constructed
// directly by callers — Startup builds it and Shutdown tears it down.
type State struct {
	mu          *platform.Mutex
	reservation *platform.Reservation
	allocator   *dynalloc.Allocator
	tagged      [tagCount]uint64
	allocCount  uint64
	freeCount   uint64
	closed      bool
}

var (
	bootstrapMu sync.Mutex
	global      atomic.Pointer[State]
	everStarted atomic.Bool
)

// Startup brings the façade up: it requests
// dynalloc.MemoryRequirement(capacity) bytes from the OS in one call,
// constructs a dynamic allocator over that reservation, and constructs
// the mutex. It refuses a second call. Any failure tears down cleanly and
// returns false.
func Startup(capacity uint64) bool {
	bootstrapMu.Lock()
	defer bootstrapMu.Unlock()

	if global.Load() != nil {
		platform.Log(platform.LevelError, "memory: startup called while already initialized")

		return false
	}

	need := dynalloc.MemoryRequirement(capacity)

	reservation, err := platform.ReservePages(need)
	if err != nil {
		platform.Log(platform.LevelFatal, "memory: startup failed to reserve %d bytes: %v", need, err)

		return false
	}

	allocator, err := dynalloc.New(capacity, reservation.Bytes())
	if err != nil {
		platform.Log(platform.LevelFatal, "memory: startup failed to construct the dynamic allocator: %v", err)
		_ = platform.ReleasePages(reservation)

		return false
	}

	s := &State{
		mu:          platform.NewMutex(),
		reservation: reservation,
		allocator:   allocator,
	}

	everStarted.Store(true)
	global.Store(s)

	return true
}

// Shutdown is idempotent. If cumulative allocations don't match
// cumulative frees it logs a diagnostic with the full tag breakdown, then
// destroys the mutex and dynamic allocator and releases the OS
// reservation.
//
// The entire teardown — marking the state closed, destroying the dynamic
// allocator, and releasing the OS reservation — runs under s.mu, and
// global.Store(nil) happens inside that same critical section. A
// concurrent Allocate/Free that already captured s via currentState()
// before the store can still be blocked on s.mu.Lock() when Shutdown
// begins; once it acquires the lock it observes s.closed and falls back
// to the OS rather than touching memory that has since been unmapped.
func Shutdown() {
	bootstrapMu.Lock()
	defer bootstrapMu.Unlock()

	s := global.Load()
	if s == nil {
		return
	}

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return
	}

	allocCount := s.allocCount
	freeCount := s.freeCount

	if allocCount != freeCount {
		platform.Log(platform.LevelWarn, "memory: shutdown with %d unreleased allocations\n%s", allocCount-freeCount, s.statLocked())
	}

	s.closed = true
	global.Store(nil)

	s.allocator.Destroy()
	_ = platform.ReleasePages(s.reservation)

	s.mu.Unlock()
	s.mu.Destroy()
}

// currentState returns the live façade state, or nil before Startup or
// after Shutdown.
func currentState() *State {
	return global.Load()
}

func rawFallbackAllocate(size uint64) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	b := make([]byte, size)

	return unsafe.Pointer(&b[0])
}

// rawFallbackFree exists to mirror the pre-startup allocation path; Go's
// garbage collector reclaims the fallback slice once nothing references
// it, so there is nothing to release explicitly.
func rawFallbackFree(unsafe.Pointer) {}

// Allocate is AllocateAligned(size, 1, tag).
func Allocate(size uint64, tag Tag) unsafe.Pointer {
	return AllocateAligned(size, 1, tag)
}

// AllocateAligned locks the façade, delegates to the dynamic allocator,
// updates counters on success, unlocks, and zero-fills the returned
// block. If the façade has not been started (or has been shut down) it
// falls through to a raw, unaccounted OS allocation rather than failing —
// callers that start up before the façade (or outlive its shutdown) still
// get valid memory.
func AllocateAligned(size uint64, alignment uint16, tag Tag) unsafe.Pointer {
	if tag == TagUnknown {
		platform.Log(platform.LevelWarn, "memory: allocation tagged unknown")
	}

	s := currentState()
	if s == nil {
		if everStarted.Load() {
			platform.Log(platform.LevelWarn, "memory: allocate called after shutdown, falling back to the OS")
		}

		return rawFallbackAllocate(size)
	}

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		platform.Log(platform.LevelWarn, "memory: allocate called after shutdown, falling back to the OS")

		return rawFallbackAllocate(size)
	}

	ptr, ok := s.allocator.AllocateAligned(size, alignment)
	if !ok {
		s.mu.Unlock()

		return nil
	}

	s.allocCount++
	s.tagged[tag] += size
	s.mu.Unlock()

	platform.Clear(ptr, uintptr(size))

	return ptr
}

// Free is FreeAligned(ptr, size, 1, tag).
func Free(ptr unsafe.Pointer, size uint64, tag Tag) {
	FreeAligned(ptr, size, 1, tag)
}

// FreeAligned locks the façade, delegates to the dynamic allocator, and
// updates counters on success. alignment is accepted for symmetry with
// AllocateAligned; the dynamic allocator recovers the true alignment from
// the block's own header and does not need it repeated here. If the
// reported size exceeds what's tracked for tag (an accounting
// underflow), the size is clamped to the tracked amount after logging, so
// the non-negativity invariant of the counters holds at the cost of a
// diagnostic. If delegation fails, the free falls back to a raw OS free.
func FreeAligned(ptr unsafe.Pointer, size uint64, alignment uint16, tag Tag) {
	_ = alignment

	s := currentState()
	if s == nil {
		rawFallbackFree(ptr)

		return
	}

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		rawFallbackFree(ptr)

		return
	}

	if !s.allocator.FreeAligned(ptr) {
		s.mu.Unlock()
		rawFallbackFree(ptr)

		return
	}

	s.freeCount++

	if size > s.tagged[tag] {
		platform.Log(platform.LevelError, "memory: accounting underflow for tag %s: freeing %d but only %d tracked", tag, size, s.tagged[tag])
		size = s.tagged[tag]
	}

	s.tagged[tag] -= size
	s.mu.Unlock()
}

// Clear zeroes size bytes at ptr.
func Clear(ptr unsafe.Pointer, size uint64) { platform.Clear(ptr, uintptr(size)) }

// Set fills size bytes at ptr with value.
func Set(ptr unsafe.Pointer, value byte, size uint64) { platform.Set(ptr, value, uintptr(size)) }

// Copy copies size non-overlapping bytes from src to dst.
func Copy(dst, src unsafe.Pointer, size uint64) { platform.Copy(dst, src, uintptr(size)) }

// Move copies size bytes from src to dst, tolerating overlap.
func Move(dst, src unsafe.Pointer, size uint64) { platform.Move(dst, src, uintptr(size)) }

// Equal reports whether the size bytes at a and b are identical.
func Equal(a, b unsafe.Pointer, size uint64) bool { return platform.Equal(a, b, uintptr(size)) }

// AllocationCount returns the cumulative number of successful façade
// allocations.
func AllocationCount() uint64 {
	s := currentState()
	if s == nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.allocCount
}

// FreeCount returns the cumulative number of successful façade frees.
func FreeCount() uint64 {
	s := currentState()
	if s == nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.freeCount
}

// AmountAllocated returns the live bytes tracked under tag, or the sum
// across every tag when tag is AllTags.
func AmountAllocated(tag Tag) uint64 {
	s := currentState()
	if s == nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tag == AllTags {
		var total uint64
		for _, v := range s.tagged {
			total += v
		}

		return total
	}

	return s.tagged[tag]
}

// Stat renders a human-readable per-tag usage report.
func Stat() string {
	s := currentState()
	if s == nil {
		return "memory: subsystem not initialized"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.statLocked()
}

func (s *State) statLocked() string {
	var b strings.Builder

	b.WriteString("System memory use (tagged):\n")

	for t := Tag(0); t < tagCount; t++ {
		fmt.Fprintf(&b, "  %-18s: %10d bytes\n", t, s.tagged[t])
	}

	return b.String()
}
