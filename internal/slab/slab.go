// Package slab implements the size-class allocator tiered over eight
// freelists at contiguous power-of-two exponents. Requests are routed
// to the matching class; a drained class is expanded with fresh pages
// and the allocation retried once.
package slab

import (
	"github.com/pkg/errors"

	"github.com/Arctan-OS/Kmm/internal/arch"
	"github.com/Arctan-OS/Kmm/internal/cell"
	"github.com/Arctan-OS/Kmm/internal/freelist"
	"github.com/Arctan-OS/Kmm/internal/kdebug"
)

// slots is the number of size classes a SLAB carries.
const slots = 8

var (
	// ErrTooLarge reports a request above the largest size class.
	ErrTooLarge = errors.New("slab: size above largest class")
	// ErrInvalidParameters reports malformed arguments.
	ErrInvalidParameters = errors.New("slab: invalid parameters")
	// ErrOutOfMemory reports that expansion could not obtain pages.
	ErrOutOfMemory = errors.New("slab: out of memory")
)

var log = kdebug.Component("slab")

// Meta is one SLAB instance: eight freelist chains at exponents
// [lowestExp, lowestExp+7].
type Meta struct {
	lowestExp    int32
	pagesPerList uintptr
	lists        [slots]freelist.List

	// PageAlloc supplies page-aligned backing memory for expansion.
	PageAlloc func(pages uintptr) (uintptr, error)
}

// Init configures the SLAB geometry. No memory is claimed until the
// first Expand; callers that want a primed SLAB expand right after.
func (m *Meta) Init(lowestExp int32, pagesPerList uintptr, pageAlloc func(pages uintptr) (uintptr, error)) error {
	if m == nil || lowestExp < 3 || pagesPerList == 0 || pageAlloc == nil {
		return ErrInvalidParameters
	}
	m.lowestExp = lowestExp
	m.pagesPerList = pagesPerList
	m.PageAlloc = pageAlloc
	return nil
}

// classFor maps a request size to a slot index, clamping small requests
// up to the lowest class.
func (m *Meta) classFor(size uintptr) (int, error) {
	exp := int32(arch.Log2Ceil(size))
	if exp < m.lowestExp {
		exp = m.lowestExp
	}
	if exp > m.lowestExp+slots-1 {
		return 0, errors.Wrapf(ErrTooLarge, "%d bytes", size)
	}
	return int(exp - m.lowestExp), nil
}

// SizeClass reports the object size of slot i.
func (m *Meta) SizeClass(i int) uintptr {
	return 1 << uint(m.lowestExp+int32(i))
}

// Alloc returns an object of the class covering size. A drained class
// is expanded once before the allocation fails.
func (m *Meta) Alloc(size uintptr) (uintptr, error) {
	if m == nil || size == 0 {
		return 0, ErrInvalidParameters
	}
	idx, err := m.classFor(size)
	if err != nil {
		return 0, err
	}

	if p, err := m.lists[idx].Alloc(); err == nil {
		return p, nil
	}
	if err := m.expandSlot(idx, m.pagesPerList); err != nil {
		return 0, err
	}
	return m.lists[idx].Alloc()
}

// Free returns the object at p to whichever class claims the address
// and reports the class size. Unknown addresses report zero so the
// caller can escalate to the next allocator.
func (m *Meta) Free(p uintptr) uintptr {
	if m == nil || p == 0 {
		return 0
	}
	for i := range m.lists {
		if !m.lists[i].Contains(p) {
			continue
		}
		size := m.SizeClass(i)
		if _, err := m.lists[i].Free(p); err != nil {
			log.Errorf("free 0x%x: %v", p, err)
			return 0
		}
		// Poison the object on its way back, sparing the freelist
		// link just written into the first word.
		cell.Zero(p+8, size-8)
		return size
	}
	return 0
}

// Expand grows every class by pages pages. On failure it reports the
// slot that could not be expanded; earlier slots keep their new pages.
func (m *Meta) Expand(pages uintptr) (int, error) {
	if m == nil || pages == 0 {
		return 0, ErrInvalidParameters
	}
	for i := 0; i < slots; i++ {
		if err := m.expandSlot(i, pages); err != nil {
			return i, err
		}
	}
	return 0, nil
}

// expandSlot splices pages of fresh backing memory into one class.
func (m *Meta) expandSlot(idx int, pages uintptr) error {
	if m.PageAlloc == nil {
		return errors.Wrap(ErrOutOfMemory, "no page source")
	}
	base, err := m.PageAlloc(pages)
	if err != nil {
		return errors.Wrapf(ErrOutOfMemory, "expand class %d: %v", idx, err)
	}

	var grown freelist.List
	if err := grown.Init(base, base+pages*arch.PageSize, m.SizeClass(idx)); err != nil {
		return err
	}
	log.Infof("expanded class %d by %d pages", idx, pages)
	return freelist.Link(&m.lists[idx], &grown)
}

// FreeCount totals the free objects in every class, for diagnostics.
func (m *Meta) FreeCount() uint64 {
	if m == nil {
		return 0
	}
	var total uint64
	for i := range m.lists {
		total += m.lists[i].FreeCount()
	}
	return total
}

// LowestExp reports the exponent of the smallest class.
func (m *Meta) LowestExp() int32 {
	return m.lowestExp
}
