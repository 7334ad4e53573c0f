package dynalloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestAlignedAllocation(t *testing.T) {
	a, err := New(4096, nil)
	require.NoError(t, err)

	initial := a.QueryFree()

	p, ok := a.AllocateAligned(100, 64)
	require.True(t, ok)
	require.Zero(t, uintptr(p)%64)

	size, alignment, ok := a.SizeAlignment(p)
	require.True(t, ok)
	require.EqualValues(t, 100, size)
	require.EqualValues(t, 64, alignment)

	require.True(t, a.FreeAligned(p))
	require.Equal(t, initial, a.QueryFree())
}

func TestDoubleFree(t *testing.T) {
	a, err := New(4096, nil)
	require.NoError(t, err)

	p, ok := a.Allocate(100)
	require.True(t, ok)

	require.True(t, a.Free(p))
	require.False(t, a.Free(p))

	_, ok = a.Allocate(100)
	require.True(t, ok)
}

func TestOutOfRangeFreeRefused(t *testing.T) {
	a, err := New(4096, nil)
	require.NoError(t, err)

	var x byte

	require.False(t, a.Free(unsafe.Pointer(&x)))
}

func TestAllPowerOfTwoAlignmentsRoundTrip(t *testing.T) {
	a, err := New(1 << 20, nil)
	require.NoError(t, err)

	for alignment := uint16(1); alignment != 0 && alignment <= 1<<15; alignment <<= 1 {
		p, ok := a.AllocateAligned(37, alignment)
		require.True(t, ok, "alignment %d", alignment)
		require.Zero(t, uintptr(p)%uintptr(alignment), "alignment %d", alignment)

		size, al, ok := a.SizeAlignment(p)
		require.True(t, ok)
		require.EqualValues(t, 37, size)
		require.Equal(t, alignment, al)

		require.True(t, a.FreeAligned(p))
	}
}

func TestDeterministicOffsets(t *testing.T) {
	run := func() []unsafe.Pointer {
		a, err := New(4096, nil)
		require.NoError(t, err)

		ptrs := make([]unsafe.Pointer, 0, 8)

		for i := 0; i < 8; i++ {
			p, ok := a.Allocate(32)
			require.True(t, ok)
			ptrs = append(ptrs, p)
		}

		offsets := make([]unsafe.Pointer, len(ptrs))
		for i, p := range ptrs {
			offsets[i] = unsafe.Pointer(uintptr(p) - uintptr(a.base))
		}

		return offsets
	}

	first := run()
	second := run()
	require.Equal(t, first, second)
}

func TestOversizeRequestRefused(t *testing.T) {
	a, err := New(4096, nil)
	require.NoError(t, err)

	_, ok := a.Allocate(1 << 33)
	require.False(t, ok)
}

func TestMemoryRequirementSizesBacking(t *testing.T) {
	need := MemoryRequirement(8192)
	backing := make([]byte, need)

	a, err := New(8192, backing)
	require.NoError(t, err)
	require.EqualValues(t, 8192, a.QueryFree())
}
