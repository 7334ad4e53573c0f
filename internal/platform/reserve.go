package platform

// Reservation is a single OS-backed byte region. The façade asks for
// exactly one of these per process lifetime and carves the freelist, the
// dynamic allocator's metadata, and the managed byte region out of it.
type Reservation struct {
	bytes []byte
}

// Bytes exposes the reservation's backing slice for placement of the
// freelist node pool and the dynamic allocator's managed byte region.
func (r *Reservation) Bytes() []byte { return r.bytes }

// Len reports the reservation size in bytes.
func (r *Reservation) Len() int { return len(r.bytes) }
