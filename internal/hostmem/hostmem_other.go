//go:build !linux

package hostmem

import (
	"unsafe"

	"github.com/Arctan-OS/Kmm/internal/arch"
)

// held pins fallback arenas so the garbage collector keeps their
// backing array alive for the process lifetime, matching the kernel
// lifetime of the real mapping.
var held [][]byte

func mapAnonymous(size uintptr) ([]byte, error) {
	// Over-allocate so the arena can be aligned to a page boundary.
	raw := make([]byte, size+arch.PageSize)
	base := uintptr(unsafe.Pointer(&raw[0]))
	off := arch.AlignUp(base, arch.PageSize) - base
	held = append(held, raw)
	return raw[off : off+size : off+size], nil
}

func unmapAnonymous(mem []byte) error {
	return nil
}
