package hostmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arctan-OS/Kmm/internal/arch"
	"github.com/Arctan-OS/Kmm/internal/cell"
)

func TestMap(t *testing.T) {
	t.Run("PageAlignedAndWritable", func(t *testing.T) {
		arena, err := Map(8 * arch.PageSize)
		require.NoError(t, err)
		defer arena.Close()

		assert.Zero(t, arena.Base()&(arch.PageSize-1))
		assert.Equal(t, uintptr(8*arch.PageSize), arena.Size())

		// The arena backs the whole simulated physical range.
		cell.PutUintptr(arena.Base(), 0xDEAD)
		cell.PutUintptr(arena.Base()+arena.Size()-8, 0xBEEF)
		assert.Equal(t, uintptr(0xDEAD), cell.Uintptr(arena.Base()))
	})

	t.Run("InstallsDirectMap", func(t *testing.T) {
		arena, err := Map(arch.PageSize)
		require.NoError(t, err)
		defer arena.Close()

		assert.Equal(t, arena.Base(), arch.HHDM(0))
		assert.Equal(t, arena.Base()+0x800, arch.HHDM(0x800))
	})

	t.Run("RoundsUpToPageSize", func(t *testing.T) {
		arena, err := Map(100)
		require.NoError(t, err)
		defer arena.Close()
		assert.Equal(t, uintptr(arch.PageSize), arena.Size())
	})

	t.Run("RejectsZero", func(t *testing.T) {
		_, err := Map(0)
		assert.Error(t, err)
	})
}
