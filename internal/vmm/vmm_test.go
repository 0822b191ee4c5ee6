package vmm

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arctan-OS/Kmm/internal/arch"
	"github.com/Arctan-OS/Kmm/internal/hostmem"
)

// nodeHooks serves out-of-band node storage from a mapped arena.
func nodeHooks(t *testing.T) Hooks {
	t.Helper()
	arena, err := hostmem.Map(16 * arch.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { arena.Close() })

	var mu sync.Mutex
	next := arena.Base()
	var recycled []uintptr
	return Hooks{
		Alloc: func(size uintptr) (uintptr, error) {
			mu.Lock()
			defer mu.Unlock()
			if n := len(recycled); n > 0 {
				p := recycled[n-1]
				recycled = recycled[:n-1]
				return p, nil
			}
			p := next
			next += arch.AlignUp(size, 16)
			return p, nil
		},
		Free: func(p uintptr) {
			mu.Lock()
			defer mu.Unlock()
			recycled = append(recycled, p)
		},
	}
}

// failingPager rejects every mapping; countingPager records calls.
type failingPager struct{}

func (failingPager) FlyMap(va, size uintptr, flags uint32) error {
	return errors.New("no page tables")
}
func (failingPager) FlyUnmap(va, size uintptr) error { return nil }

type countingPager struct {
	maps, unmaps int
}

func (p *countingPager) FlyMap(va, size uintptr, flags uint32) error {
	p.maps++
	return nil
}
func (p *countingPager) FlyUnmap(va, size uintptr) error {
	p.unmaps++
	return nil
}

// virtualBase is an arbitrary unmapped range; the facade never touches
// the range itself.
const virtualBase = uintptr(0x40000000)

// snapshot captures the run list as (base, size, attr) triples.
func snapshot(m *Meta) [][3]uintptr {
	var out [][3]uintptr
	for cur := m.tree; cur != 0; cur = nodeAt(cur).next {
		n := nodeAt(cur)
		out = append(out, [3]uintptr{n.base, n.size, uintptr(n.attr)})
	}
	return out
}

func TestBuddyFacade(t *testing.T) {
	t.Run("AllocFreeRoundTrip", func(t *testing.T) {
		m, err := New(KindBuddy, virtualBase, 1<<20, arch.PageSize, nodeHooks(t), nil, 0)
		require.NoError(t, err)

		initial := snapshot(m)

		p, err := m.Alloc(arch.PageSize)
		require.NoError(t, err)
		assert.Equal(t, virtualBase, p)
		assert.Equal(t, uintptr(arch.PageSize), m.Len(p))

		size, err := m.Free(p)
		require.NoError(t, err)
		assert.Equal(t, uintptr(arch.PageSize), size)
		assert.Equal(t, initial, snapshot(m))
	})

	t.Run("DistinctRuns", func(t *testing.T) {
		m, err := New(KindBuddy, virtualBase, 1<<20, arch.PageSize, nodeHooks(t), nil, 0)
		require.NoError(t, err)

		a, err := m.Alloc(8 << 10)
		require.NoError(t, err)
		b, err := m.Alloc(8 << 10)
		require.NoError(t, err)
		assert.NotEqual(t, a, b)

		_, err = m.Free(a)
		require.NoError(t, err)
		_, err = m.Free(b)
		require.NoError(t, err)
		assert.Len(t, snapshot(m), 1)
	})

	t.Run("ExhaustionFails", func(t *testing.T) {
		m, err := New(KindBuddy, virtualBase, 2*arch.PageSize, arch.PageSize, nodeHooks(t), nil, 0)
		require.NoError(t, err)

		_, err = m.Alloc(arch.PageSize)
		require.NoError(t, err)
		_, err = m.Alloc(arch.PageSize)
		require.NoError(t, err)
		_, err = m.Alloc(arch.PageSize)
		assert.True(t, errors.Is(err, ErrOutOfMemory))
	})

	t.Run("DoubleFreeRejected", func(t *testing.T) {
		m, err := New(KindBuddy, virtualBase, 1<<20, arch.PageSize, nodeHooks(t), nil, 0)
		require.NoError(t, err)

		p, err := m.Alloc(arch.PageSize)
		require.NoError(t, err)
		_, err = m.Free(p)
		require.NoError(t, err)
		_, err = m.Free(p)
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestPager(t *testing.T) {
	t.Run("MapsOnAllocUnmapsOnFree", func(t *testing.T) {
		pager := &countingPager{}
		m, err := New(KindBuddy, virtualBase, 1<<20, arch.PageSize, nodeHooks(t), pager, 0x3)
		require.NoError(t, err)

		p, err := m.Alloc(arch.PageSize)
		require.NoError(t, err)
		assert.Equal(t, 1, pager.maps)

		_, err = m.Free(p)
		require.NoError(t, err)
		assert.Equal(t, 1, pager.unmaps)
	})

	t.Run("FailureRollsBackBitIdentically", func(t *testing.T) {
		m, err := New(KindBuddy, virtualBase, 1<<20, arch.PageSize, nodeHooks(t), failingPager{}, 0)
		require.NoError(t, err)

		before := snapshot(m)

		_, err = m.Alloc(arch.PageSize)
		assert.True(t, errors.Is(err, ErrPagerFailure))
		assert.Equal(t, before, snapshot(m))
	})

	t.Run("WatermarkRollsBackOffset", func(t *testing.T) {
		m, err := New(KindWatermark, virtualBase, 1<<20, arch.PageSize, Hooks{}, failingPager{}, 0)
		require.NoError(t, err)

		_, err = m.Alloc(arch.PageSize)
		assert.True(t, errors.Is(err, ErrPagerFailure))
		assert.Zero(t, m.off)
	})
}

func TestWatermarkFacade(t *testing.T) {
	m, err := New(KindWatermark, virtualBase, 4*arch.PageSize, arch.PageSize, Hooks{}, nil, 0)
	require.NoError(t, err)

	p1, err := m.Alloc(arch.PageSize)
	require.NoError(t, err)
	p2, err := m.Alloc(arch.PageSize)
	require.NoError(t, err)
	assert.Equal(t, p1+arch.PageSize, p2)

	_, err = m.Free(p1)
	assert.True(t, errors.Is(err, ErrUnsupported))

	_, err = m.Alloc(4 * arch.PageSize)
	assert.True(t, errors.Is(err, ErrOutOfMemory))
}
