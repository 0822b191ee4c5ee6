package bank

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arctan-OS/Kmm/internal/arch"
	"github.com/Arctan-OS/Kmm/internal/hostmem"
)

// testHooks bump-allocates registry nodes out of a mapped arena and
// counts frees.
func testHooks(t *testing.T) (Hooks, *int) {
	t.Helper()
	arena, err := hostmem.Map(arch.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { arena.Close() })

	next := arena.Base()
	freed := 0
	return Hooks{
		Alloc: func(size uintptr) (uintptr, error) {
			p := next
			next += arch.AlignUp(size, 16)
			return p, nil
		},
		Free: func(p uintptr) { freed++ },
	}, &freed
}

func TestBank(t *testing.T) {
	t.Run("AddRemove", func(t *testing.T) {
		hooks, freed := testHooks(t)
		b, err := New(1, hooks)
		require.NoError(t, err)

		require.NoError(t, b.Add(0x1000))
		require.NoError(t, b.Add(0x2000))
		assert.Equal(t, 2, b.Len())

		require.NoError(t, b.Remove(0x1000))
		assert.Equal(t, 1, b.Len())
		assert.Equal(t, 1, *freed)

		assert.True(t, errors.Is(b.Remove(0x3000), ErrNotFound))
	})

	t.Run("ForEachStopsAtFirstMatch", func(t *testing.T) {
		hooks, _ := testHooks(t)
		b, err := New(1, hooks)
		require.NoError(t, err)

		for _, meta := range []uintptr{0x1000, 0x2000, 0x3000} {
			require.NoError(t, b.Add(meta))
		}

		var walked []uintptr
		hit := b.ForEach(func(meta uintptr) bool {
			walked = append(walked, meta)
			return meta == 0x2000
		})
		assert.True(t, hit)
		assert.Equal(t, []uintptr{0x3000, 0x2000}, walked)

		miss := b.ForEach(func(meta uintptr) bool { return false })
		assert.False(t, miss)
	})

	t.Run("InitInPlace", func(t *testing.T) {
		hooks, _ := testHooks(t)

		var b Bank
		require.NoError(t, b.Init(7, hooks))
		assert.Equal(t, int32(7), b.Type())
		require.NoError(t, b.Add(0x4000))
		assert.Equal(t, 1, b.Len())
	})

	t.Run("RejectsMissingHooks", func(t *testing.T) {
		_, err := New(1, Hooks{})
		assert.True(t, errors.Is(err, ErrNoHooks))
	})
}
