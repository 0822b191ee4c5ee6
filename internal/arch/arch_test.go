package arch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHHDM(t *testing.T) {
	old := HHDMOffset()
	defer SetHHDMOffset(old)

	SetHHDMOffset(0x1000000)
	assert.Equal(t, uintptr(0x1004000), HHDM(0x4000))
	assert.Equal(t, uintptr(0x4000), Phys(0x1004000))
}

func TestNextPow2(t *testing.T) {
	cases := map[uintptr]uintptr{
		0:    1,
		1:    1,
		2:    2,
		3:    4,
		4096: 4096,
		4097: 8192,
	}
	for in, want := range cases {
		assert.Equal(t, want, NextPow2(in), "NextPow2(%d)", in)
	}
}

func TestLog2Ceil(t *testing.T) {
	assert.Equal(t, 0, Log2Ceil(1))
	assert.Equal(t, 1, Log2Ceil(2))
	assert.Equal(t, 2, Log2Ceil(3))
	assert.Equal(t, 12, Log2Ceil(4096))
	assert.Equal(t, 13, Log2Ceil(4097))
}

func TestAlign(t *testing.T) {
	assert.Equal(t, uintptr(8192), AlignUp(4097, 4096))
	assert.Equal(t, uintptr(4096), AlignUp(4096, 4096))
	assert.Equal(t, uintptr(4096), AlignDown(8191, 4096))
}
