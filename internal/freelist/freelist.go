// Package freelist maintains a sorted, coalesced, disjoint list of free
// byte ranges over a logical interval [0, capacity) and serves
// allocate/free/resize requests for it. It is the lowest of the three
// layers in the memory core: the dynamic allocator maps (size, alignment)
// requests onto freelist ranges, and the façade serializes access to the
// dynamic allocator with a single mutex. The freelist itself assumes
// single-threaded access, per the specification's concurrency model —
// only the façade locks.
package freelist

import (
	"unsafe"

	"github.com/orizon-lang/memcore/internal/memerr"
	"github.com/orizon-lang/memcore/internal/platform"
)

// nilNode marks the absence of a successor or head.
const nilNode = -1

// MinNodes is the floor on node-pool size regardless of capacity — the
// specification's own "max_entries >= 20" floor.
const MinNodes = 20

// minAllocationGranularity is the byte count memcore assumes as the
// smallest plausible allocation when sizing the node pool. The
// specification leaves its node-pool heuristic as "a pragmatic but
// non-binding" guideline and explicitly invites a tighter, documented
// substitute (see spec.md §3, §9 Open Question 1); this is memcore's.
const minAllocationGranularity = 64

// node is one free range plus its successor in offset order. Indices into
// a fixed-capacity slice stand in for the pointers a C implementation
// would use, per the specification's own design-note recommendation to
// replace "slot 0 as head" with a typed node-index arena.
type node struct {
	offset uint64
	size   uint64
	next   int32
}

var nodeSize = unsafe.Sizeof(node{})

// Range identifies a free byte span [Offset, Offset+Size).
type Range struct {
	Offset uint64
	Size   uint64
}

// List is the freelist state: a node arena, a free-slot stack for O(1)
// node reuse, a head pointer, and the logical capacity it manages.
type List struct {
	nodes      []node
	freeStack  []int32
	head       int32
	capacity   uint64
	maxEntries int
	reservation []byte
	owns       bool
}

// maxEntriesFor computes the node-pool size for a given capacity: the
// specification's floor of 20, growing with capacity at one node per
// minAllocationGranularity bytes — see the doc comment on that
// constant for why this value was chosen over the source's heuristic.
func maxEntriesFor(capacity uint64) int {
	n := int(capacity / minAllocationGranularity)
	if n < MinNodes {
		n = MinNodes
	}

	return n
}

// MemoryRequirement returns the number of bytes a caller-supplied backing
// buffer must have to hold the node pool for the given capacity. This is
// the query-only half of the freelist's two-phase construction contract.
func MemoryRequirement(capacity uint64) uintptr {
	return nodeSize * uintptr(maxEntriesFor(capacity))
}

// warnThreshold below which New logs a diagnostic (not an error) about an
// unusually small capacity, per the specification.
func warnThreshold() uint64 {
	return 8 * uint64(nodeSize) * uint64(MinNodes)
}

// New constructs a freelist over [0, capacity). If backing is nil, the
// node pool is self-allocated; otherwise backing must be at least
// MemoryRequirement(capacity) bytes and is used in place, implementing
// the second half of the two-phase construction contract.
func New(capacity uint64, backing []byte) (*List, error) {
	if capacity == 0 {
		return nil, memerr.New(memerr.Precondition, "freelist: capacity must be > 0")
	}

	if capacity < warnThreshold() {
		platform.Log(platform.LevelWarn, "freelist: capacity %d is unusually small", capacity)
	}

	maxEntries := maxEntriesFor(capacity)
	need := nodeSize * uintptr(maxEntries)

	owns := false

	if backing == nil {
		backing = make([]byte, need)
		owns = true
	} else if uintptr(len(backing)) < need {
		return nil, memerr.New(memerr.Precondition, "freelist: backing buffer too small (need %d, have %d)", need, len(backing))
	}

	nodes := unsafe.Slice((*node)(unsafe.Pointer(&backing[0])), maxEntries)

	l := &List{
		nodes:       nodes,
		freeStack:   make([]int32, 0, maxEntries),
		head:        nilNode,
		capacity:    capacity,
		maxEntries:  maxEntries,
		reservation: backing,
		owns:        owns,
	}

	for i := maxEntries - 1; i >= 0; i-- {
		l.freeStack = append(l.freeStack, int32(i))
	}

	l.resetLocked()

	return l, nil
}

// Destroy releases the node pool if the list self-allocated it.
func (l *List) Destroy() {
	if l.owns {
		l.reservation = nil
		l.nodes = nil
	}
}

// Capacity returns the logical byte interval size the list manages.
func (l *List) Capacity() uint64 { return l.capacity }

// MaxEntries returns the node-pool size in effect for this list.
func (l *List) MaxEntries() int { return l.maxEntries }

func (l *List) getNode() (int32, bool) {
	n := len(l.freeStack)
	if n == 0 {
		return 0, false
	}

	idx := l.freeStack[n-1]
	l.freeStack = l.freeStack[:n-1]

	return idx, true
}

func (l *List) returnNode(idx int32) {
	l.nodes[idx] = node{}
	l.freeStack = append(l.freeStack, idx)
}

// Allocate finds the first range able to hold size bytes, bumps its
// offset up by size (shrinking it) or removes it entirely if it matches
// exactly, and returns the base offset of the served region. No best-fit
// search and no splitting beyond the prefix bump, matching the
// specification.
func (l *List) Allocate(size uint64) (uint64, bool) {
	if size == 0 {
		platform.Log(platform.LevelError, "freelist: allocate called with size 0")

		return 0, false
	}

	var prev int32 = nilNode

	cur := l.head

	for cur != nilNode {
		n := &l.nodes[cur]
		if n.size >= size {
			offset := n.offset

			if n.size == size {
				next := n.next
				l.unlink(prev, cur, next)
				l.returnNode(cur)
			} else {
				n.offset += size
				n.size -= size
			}

			return offset, true
		}

		prev = cur
		cur = n.next
	}

	platform.Log(platform.LevelWarn, "freelist: out of memory, requested %d bytes, %d available", size, l.QueryFree())

	return 0, false
}

func (l *List) unlink(prev, cur, next int32) {
	if prev == nilNode {
		l.head = next
	} else {
		l.nodes[prev].next = next
	}
}

// Free returns (offset, size) to the list, inserting it in sorted order
// and coalescing with immediate neighbors.
func (l *List) Free(offset, size uint64) bool {
	if size == 0 {
		platform.Log(platform.LevelError, "freelist: free called with size 0")

		return false
	}

	if offset+size > l.capacity {
		platform.Log(platform.LevelError, "freelist: free range [%d, %d) exceeds capacity %d", offset, offset+size, l.capacity)

		return false
	}

	var prev int32 = nilNode

	cur := l.head

	for cur != nilNode {
		n := &l.nodes[cur]

		if n.offset == offset {
			platform.Log(platform.LevelError, "freelist: double free at offset %d", offset)

			return false
		}

		if n.offset > offset {
			break
		}

		prev = cur
		cur = n.next
	}

	// Merge into predecessor if it ends exactly where this range begins.
	if prev != nilNode && l.nodes[prev].offset+l.nodes[prev].size == offset {
		l.nodes[prev].size += size

		// Absorb the successor too if the merged predecessor now reaches it.
		if cur != nilNode && l.nodes[prev].offset+l.nodes[prev].size == l.nodes[cur].offset {
			l.nodes[prev].size += l.nodes[cur].size
			l.nodes[prev].next = l.nodes[cur].next
			l.returnNode(cur)
		}

		return true
	}

	idx, ok := l.getNode()
	if !ok {
		platform.Log(platform.LevelError, "freelist: node pool exhausted (max_entries=%d)", l.maxEntries)

		return false
	}

	l.nodes[idx] = node{offset: offset, size: size, next: cur}
	if prev == nilNode {
		l.head = idx
	} else {
		l.nodes[prev].next = idx
	}

	// Coalesce forward into the successor if this range reaches it.
	if cur != nilNode && offset+size == l.nodes[cur].offset {
		l.nodes[idx].size += l.nodes[cur].size
		l.nodes[idx].next = l.nodes[cur].next
		l.returnNode(cur)
	}

	return true
}

// QueryFree sums the size of every live range. Linear in node count;
// intended for diagnostics and tests, not the hot path.
func (l *List) QueryFree() uint64 {
	var total uint64

	for cur := l.head; cur != nilNode; cur = l.nodes[cur].next {
		total += l.nodes[cur].size
	}

	return total
}

// Ranges returns the live ranges in sorted order. Intended for tests and
// diagnostics.
func (l *List) Ranges() []Range {
	var out []Range

	for cur := l.head; cur != nilNode; cur = l.nodes[cur].next {
		out = append(out, Range{Offset: l.nodes[cur].offset, Size: l.nodes[cur].size})
	}

	return out
}

// resetLocked restores the single-range (0, capacity) initial state. It
// assumes freeStack has already been (re)populated with every slot.
func (l *List) resetLocked() {
	idx, _ := l.getNode()
	l.nodes[idx] = node{offset: 0, size: l.capacity, next: nilNode}
	l.head = idx
}

// Reset returns the list to its single-range (0, capacity) initial state.
func (l *List) Reset() {
	for i := range l.nodes {
		l.nodes[i] = node{}
	}

	l.freeStack = l.freeStack[:0]
	for i := l.maxEntries - 1; i >= 0; i-- {
		l.freeStack = append(l.freeStack, int32(i))
	}

	l.head = nilNode
	l.resetLocked()
}

// Resize grows the list to newCapacity, producing a new list that
// contains the same live ranges plus the suffix [capacity, newCapacity)
// coalesced onto the final range if it ended exactly at the old capacity,
// or appended as a new tail range otherwise. Shrinking is refused. If
// backing is nil the new node pool is self-allocated.
//
// Unlike the source, which is documented to silently stop copying if the
// node pool runs out mid-migration (specification §9, Open Question 2),
// Resize checks the worst-case node count the migration could need
// up front and refuses before mutating anything if the new pool could not
// possibly hold it.
func (l *List) Resize(newCapacity uint64, backing []byte) (*List, []byte, error) {
	if newCapacity < l.capacity {
		return nil, nil, memerr.New(memerr.Precondition, "freelist: resize capacity %d is smaller than current capacity %d", newCapacity, l.capacity)
	}

	live := l.Ranges()

	newMaxEntries := maxEntriesFor(newCapacity)
	// Worst case: every live range survives plus one new tail range.
	if len(live)+1 > newMaxEntries {
		return nil, nil, memerr.New(memerr.Capacity, "freelist: resize to %d would need more than %d node slots", newCapacity, newMaxEntries)
	}

	next, err := New(newCapacity, backing)
	if err != nil {
		return nil, nil, err
	}

	// New() seeds a single (0, newCapacity) range; discard it so the live
	// ranges copied below can be relinked from scratch.
	next.returnNode(next.head)
	next.head = nilNode

	for _, r := range live {
		idx, ok := next.getNode()
		if !ok {
			return nil, nil, memerr.New(memerr.Capacity, "freelist: resize ran out of node slots copying live ranges")
		}

		next.nodes[idx] = node{offset: r.Offset, size: r.Size, next: nilNode}

		if next.head == nilNode {
			next.head = idx
		} else {
			tail := next.head
			for next.nodes[tail].next != nilNode {
				tail = next.nodes[tail].next
			}

			next.nodes[tail].next = idx
		}
	}

	grew := newCapacity - l.capacity
	if grew > 0 {
		if len(live) > 0 {
			last := live[len(live)-1]
			if last.Offset+last.Size == l.capacity {
				// Find that same tail node in next and extend it.
				tail := next.head
				for next.nodes[tail].next != nilNode {
					tail = next.nodes[tail].next
				}

				next.nodes[tail].size += grew
			} else if !next.Free(l.capacity, grew) {
				return nil, nil, memerr.New(memerr.Invariant, "freelist: resize failed to append trailing range")
			}
		} else if !next.Free(l.capacity, grew) {
			return nil, nil, memerr.New(memerr.Invariant, "freelist: resize failed to append trailing range")
		}
	}

	var oldBacking []byte
	if l.owns {
		oldBacking = l.reservation
	}

	return next, oldBacking, nil
}
