// Package memerr defines the error kinds shared by the freelist, dynamic
// allocator, and memory façade. The constructors (freelist.New,
// dynalloc.New) and freelist's Resize return these typed errors to their
// callers; allocate and free operations instead report failure through a
// logged diagnostic plus a boolean/nil return.
package memerr

import (
	"errors"
	"fmt"
)

// Kind classifies the cause of a failure.
type Kind int

const (
	// Precondition covers a null required argument, a zero size, a zero
	// alignment, or invalid mode bits.
	Precondition Kind = iota
	// Capacity covers "no free range large enough" and over-4GiB requests.
	Capacity
	// Invariant covers double-free, out-of-range free, and accounting
	// underflow.
	Invariant
	// Environment covers OS allocation refusal and mutex creation refusal.
	Environment
)

func (k Kind) String() string {
	switch k {
	case Precondition:
		return "precondition violation"
	case Capacity:
		return "capacity exceeded"
	case Invariant:
		return "invariant violation"
	case Environment:
		return "environment failure"
	default:
		return "unknown"
	}
}

// Sentinel errors, one per Kind, comparable with errors.Is.
var (
	ErrPrecondition = errors.New("memcore: precondition violation")
	ErrCapacity     = errors.New("memcore: capacity exceeded")
	ErrInvariant    = errors.New("memcore: invariant violation")
	ErrEnvironment  = errors.New("memcore: environment failure")
)

func sentinel(k Kind) error {
	switch k {
	case Precondition:
		return ErrPrecondition
	case Capacity:
		return ErrCapacity
	case Invariant:
		return ErrInvariant
	case Environment:
		return ErrEnvironment
	default:
		return ErrInvariant
	}
}

// New builds an error of the given kind, wrapping the kind's sentinel so
// callers can classify it with errors.Is.
func New(k Kind, format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, sentinel(k))...)
}

// Is reports whether err was produced by New with the given kind.
func Is(err error, k Kind) bool {
	return errors.Is(err, sentinel(k))
}
