package freelist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSingleRangeReuse(t *testing.T) {
	l, err := New(512, nil)
	require.NoError(t, err)

	offset, ok := l.Allocate(64)
	require.True(t, ok)
	require.EqualValues(t, 0, offset)

	require.True(t, l.Free(64, 0))
	require.EqualValues(t, 512, l.QueryFree())

	ranges := l.Ranges()
	require.Len(t, ranges, 1)
	require.Equal(t, Range{Offset: 0, Size: 512}, ranges[0])
}

func TestCoalescing(t *testing.T) {
	l, err := New(512, nil)
	require.NoError(t, err)

	o0, ok := l.Allocate(64)
	require.True(t, ok)
	require.EqualValues(t, 0, o0)

	o1, ok := l.Allocate(64)
	require.True(t, ok)
	require.EqualValues(t, 64, o1)

	o2, ok := l.Allocate(64)
	require.True(t, ok)
	require.EqualValues(t, 128, o2)

	require.True(t, l.Free(64, 64))
	require.EqualValues(t, 512-128, l.QueryFree())

	require.True(t, l.Free(64, 0))
	require.EqualValues(t, 512-64, l.QueryFree())

	require.True(t, l.Free(64, 128))
	require.EqualValues(t, 512, l.QueryFree())

	ranges := l.Ranges()
	require.Len(t, ranges, 1)
	require.Equal(t, Range{Offset: 0, Size: 512}, ranges[0])
}

func TestOutOfMemory(t *testing.T) {
	l, err := New(128, nil)
	require.NoError(t, err)

	_, ok := l.Allocate(96)
	require.True(t, ok)

	_, ok = l.Allocate(64)
	require.False(t, ok)
	require.EqualValues(t, 32, l.QueryFree())

	offset, ok := l.Allocate(32)
	require.True(t, ok)
	require.EqualValues(t, 96, offset)
	require.EqualValues(t, 0, l.QueryFree())
}

func TestDoubleFree(t *testing.T) {
	l, err := New(256, nil)
	require.NoError(t, err)

	offset, ok := l.Allocate(64)
	require.True(t, ok)

	require.True(t, l.Free(64, offset))
	require.False(t, l.Free(64, offset))
}

func TestZeroSizeFreeRefused(t *testing.T) {
	l, err := New(256, nil)
	require.NoError(t, err)

	require.False(t, l.Free(0, 0))
}

func TestAllocateReverseAndForwardFreeOrderRestoreCapacity(t *testing.T) {
	const capacity = 4096
	const n = 16
	const sz = 64

	for _, reverse := range []bool{false, true} {
		l, err := New(capacity, nil)
		require.NoError(t, err)

		offsets := make([]uint64, n)
		for i := 0; i < n; i++ {
			o, ok := l.Allocate(sz)
			require.True(t, ok)
			offsets[i] = o
		}

		if reverse {
			for i := n - 1; i >= 0; i-- {
				require.True(t, l.Free(sz, offsets[i]))
			}
		} else {
			for i := 0; i < n; i++ {
				require.True(t, l.Free(sz, offsets[i]))
			}
		}

		require.EqualValues(t, capacity, l.QueryFree())
		require.Len(t, l.Ranges(), 1)
	}
}

func TestResizeExtendsTrailingRange(t *testing.T) {
	l, err := New(256, nil)
	require.NoError(t, err)

	_, ok := l.Allocate(64)
	require.True(t, ok)

	next, _, err := l.Resize(512, nil)
	require.NoError(t, err)
	require.EqualValues(t, 512-64, next.QueryFree())

	ranges := next.Ranges()
	require.Len(t, ranges, 1)
	require.EqualValues(t, 64, ranges[0].Offset)
	require.EqualValues(t, 512-64, ranges[0].Size)
}

func TestResizeRefusesShrink(t *testing.T) {
	l, err := New(512, nil)
	require.NoError(t, err)

	_, _, err = l.Resize(256, nil)
	require.Error(t, err)
}

func TestResetRestoresInitialRange(t *testing.T) {
	l, err := New(512, nil)
	require.NoError(t, err)

	_, ok := l.Allocate(100)
	require.True(t, ok)

	l.Reset()
	require.EqualValues(t, 512, l.QueryFree())
	require.Len(t, l.Ranges(), 1)
}

func TestMemoryRequirementSizesBacking(t *testing.T) {
	need := MemoryRequirement(4096)
	backing := make([]byte, need)

	l, err := New(4096, backing)
	require.NoError(t, err)
	require.EqualValues(t, 4096, l.QueryFree())
}
