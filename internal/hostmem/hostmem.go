// Package hostmem provides the backing address space the manager runs
// over when hosted: a page-aligned anonymous mapping standing in for
// physical memory. Physical addresses are offsets into the arena and
// the higher-half direct map is the arena's base, so the allocators see
// exactly the address convention they would on hardware.
package hostmem

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/Arctan-OS/Kmm/internal/arch"
	"github.com/Arctan-OS/Kmm/internal/kdebug"
)

var log = kdebug.Component("hostmem")

// Arena is a contiguous simulated physical address space.
type Arena struct {
	mem  []byte
	base uintptr
	size uintptr
}

// Map creates an arena of the given size, rounded up to the page size,
// and installs its base as the direct-map offset.
func Map(size uintptr) (*Arena, error) {
	if size == 0 {
		return nil, errors.New("zero arena size")
	}
	size = arch.AlignUp(size, arch.PageSize)

	mem, err := mapAnonymous(size)
	if err != nil {
		return nil, errors.Wrap(err, "map arena")
	}

	a := &Arena{
		mem:  mem,
		base: uintptr(unsafe.Pointer(&mem[0])),
		size: size,
	}
	arch.SetHHDMOffset(a.base)
	log.Infof("mapped %d MiB arena at 0x%x", size>>20, a.base)
	return a, nil
}

// Base returns the direct-map address of physical address zero.
func (a *Arena) Base() uintptr {
	return a.base
}

// Size returns the arena length in bytes.
func (a *Arena) Size() uintptr {
	return a.size
}

// Close releases the mapping. No allocator built over the arena may be
// used afterwards.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := unmapAnonymous(a.mem)
	a.mem = nil
	return err
}
