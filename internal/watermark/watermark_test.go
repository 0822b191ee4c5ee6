package watermark

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arctan-OS/Kmm/internal/arch"
	"github.com/Arctan-OS/Kmm/internal/hostmem"
)

func testArena(t *testing.T, size uintptr) uintptr {
	t.Helper()
	arena, err := hostmem.Map(size)
	require.NoError(t, err)
	t.Cleanup(func() { arena.Close() })
	return arena.Base()
}

func TestWatermark(t *testing.T) {
	t.Run("BumpsForward", func(t *testing.T) {
		base := testArena(t, arch.PageSize)

		var l List
		require.NoError(t, l.Init(base, arch.PageSize))

		p1, err := l.Alloc(64)
		require.NoError(t, err)
		p2, err := l.Alloc(64)
		require.NoError(t, err)

		assert.Equal(t, p1+64, p2)
		assert.Equal(t, base+headerSize, p1)
	})

	t.Run("SpillsToSecondRegion", func(t *testing.T) {
		base := testArena(t, 2*arch.PageSize)

		var l List
		require.NoError(t, l.Init(base, arch.PageSize))
		require.NoError(t, l.Init(base+arch.PageSize, arch.PageSize))

		// Drain whichever region is first in the chain, then confirm
		// the next allocation lands in the other one.
		big := uintptr(arch.PageSize) - headerSize
		first, err := l.Alloc(big)
		require.NoError(t, err)
		second, err := l.Alloc(big)
		require.NoError(t, err)
		assert.NotEqual(t, first, second)

		_, err = l.Alloc(big)
		assert.True(t, errors.Is(err, ErrOutOfRegion))
	})

	t.Run("ExhaustionReturnsOutOfRegion", func(t *testing.T) {
		base := testArena(t, arch.PageSize)

		var l List
		require.NoError(t, l.Init(base, arch.PageSize))

		_, err := l.Alloc(2 * arch.PageSize)
		assert.True(t, errors.Is(err, ErrOutOfRegion))
	})

	t.Run("RejectsTinyRegion", func(t *testing.T) {
		base := testArena(t, arch.PageSize)

		var l List
		assert.True(t, errors.Is(l.Init(base, headerSize), ErrInvalidParameters))
		assert.True(t, errors.Is(l.Init(0, arch.PageSize), ErrInvalidParameters))
	})

	t.Run("ConcurrentBumpsDoNotOverlap", func(t *testing.T) {
		base := testArena(t, 16*arch.PageSize)

		var l List
		require.NoError(t, l.Init(base, 16*arch.PageSize))

		var mu sync.Mutex
		seen := make(map[uintptr]bool)

		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 128; i++ {
					p, err := l.Alloc(32)
					if err != nil {
						continue
					}
					mu.Lock()
					assert.False(t, seen[p])
					seen[p] = true
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
	})

	t.Run("RemainingShrinks", func(t *testing.T) {
		base := testArena(t, arch.PageSize)

		var l List
		require.NoError(t, l.Init(base, arch.PageSize))

		before := l.Remaining()
		_, err := l.Alloc(256)
		require.NoError(t, err)
		assert.Equal(t, before-256, l.Remaining())
	})
}
