// Package arch exposes the architecture parameters the memory manager
// depends on: page geometry, the physical address width, and the
// higher-half direct map used to turn physical addresses into pointers
// the kernel can dereference.
package arch

import (
	"math/bits"
	"sync/atomic"
)

// PageSizeExp is the base-2 exponent of the smallest page size.
const PageSizeExp = 12

// PageSize is the size of the smallest page in bytes.
const PageSize = 1 << PageSizeExp

// LowMemLimit is the default boundary below which physical memory is
// treated as low memory.
const LowMemLimit = 1 << 20

// addressWidth is the number of physical address bits the manager
// assumes when no probe is available.
const addressWidth = 48

var hhdmOffset atomic.Uintptr

// PhysicalAddressWidth reports the number of usable physical address
// bits.
func PhysicalAddressWidth() uint32 {
	return addressWidth
}

// SetHHDMOffset installs the offset of the higher-half direct map.
// Called once by whoever provides the backing address space, before any
// allocator is initialized.
func SetHHDMOffset(off uintptr) {
	hhdmOffset.Store(off)
}

// HHDMOffset returns the current direct-map offset.
func HHDMOffset() uintptr {
	return hhdmOffset.Load()
}

// HHDM translates a physical address into its direct-map virtual
// address.
func HHDM(phys uintptr) uintptr {
	return phys + hhdmOffset.Load()
}

// Phys translates a direct-map virtual address back to its physical
// address.
func Phys(hhdm uintptr) uintptr {
	return hhdm - hhdmOffset.Load()
}

// NextPow2 rounds v up to the nearest power of two. Zero rounds to one.
func NextPow2(v uintptr) uintptr {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len64(uint64(v-1))
}

// Log2Ceil returns the exponent of the smallest power of two that is
// >= v.
func Log2Ceil(v uintptr) int {
	if v <= 1 {
		return 0
	}
	return bits.Len64(uint64(v - 1))
}

// AlignUp aligns v up to the given power-of-two alignment.
func AlignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// AlignDown aligns v down to the given power-of-two alignment.
func AlignDown(v, align uintptr) uintptr {
	return v &^ (align - 1)
}
