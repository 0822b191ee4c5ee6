package pmm

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/Arctan-OS/Kmm/internal/arch"
	"github.com/Arctan-OS/Kmm/internal/cell"
	"github.com/Arctan-OS/Kmm/internal/freelist"
)

func listAddr(l *freelist.List) uintptr {
	return uintptr(unsafe.Pointer(l))
}

func storeNext(node, next uintptr) {
	cell.PutUintptr(node, next)
}

func loadNext(node uintptr) uintptr {
	return cell.Uintptr(node)
}

// Alloc returns a block of at least size bytes from high memory.
func (m *Manager) Alloc(size uintptr) (uintptr, error) {
	return m.AllocIn(High, size)
}

// LowAlloc returns a block of at least size bytes from low memory.
func (m *Manager) LowAlloc(size uintptr) (uintptr, error) {
	return m.AllocIn(Low, size)
}

// AllocIn rounds size to a power of two and serves it from the given
// class: smallest pages from the fast pool, exact freelist hits in
// O(1), everything else from a buddy attached over a larger freelist
// block.
func (m *Manager) AllocIn(c Class, size uintptr) (uintptr, error) {
	if m == nil {
		return 0, ErrNotInitialized
	}
	if size == 0 {
		return 0, ErrInvalidParameters
	}

	exp := int32(arch.Log2Ceil(size))
	if exp < arch.PageSizeExp {
		exp = arch.PageSizeExp
	}
	if uint32(exp) >= m.width {
		return 0, errors.Wrapf(ErrInvalidParameters, "size %d beyond address width", size)
	}

	if exp == arch.PageSizeExp {
		return m.FastPageAlloc(c)
	}
	return m.allocOrdinary(m.classFor(c), exp)
}

// allocOrdinary is the non-fast-page path shared by AllocIn and the
// fast-pool refill.
func (m *Manager) allocOrdinary(cs *classState, exp int32) (uintptr, error) {
	// Exact freelist hit.
	if !cs.freelists[exp].Empty() {
		if p, err := cs.freelists[exp].Alloc(); err == nil {
			return p, nil
		}
	}

	// Find the smallest bias above exp with a live freelist and put a
	// buddy over one of its blocks.
	for _, b := range cs.biases {
		t := int32(b.Exp)
		if t <= exp || cs.freelists[t].Empty() {
			continue
		}

		bl := &cs.buddies[t]
		if bl.PageAlloc == nil {
			// Dynamic allocation is not armed yet; buddies cannot
			// come up before the internal allocator.
			continue
		}
		if !bl.Initialized() {
			block, err := cs.freelists[t].Alloc()
			if err != nil {
				continue
			}
			if err := bl.Add(block); err != nil {
				_, _ = cs.freelists[t].Free(block)
				log.Errorf("attach buddy at exponent %d: %v", t, err)
				continue
			}
			bl.Grow = func() (uintptr, error) { return cs.freelists[t].Alloc() }
		}
		if p, err := bl.Alloc(uintptr(1) << uint(exp)); err == nil {
			return p, nil
		}
	}

	return 0, errors.Wrapf(ErrOutOfMemory, "%s exponent %d", cs.name, exp)
}

// Free returns the block at p to whichever allocator owns it and
// reports the freed size. Buddies are probed before freelists because
// a buddy subdivides blocks that still fall inside a freelist region's
// bounds; addresses neither claims are treated as fast pages.
func (m *Manager) Free(p uintptr) (uintptr, error) {
	if m == nil {
		return 0, ErrNotInitialized
	}
	if p == 0 {
		return 0, ErrInvalidParameters
	}

	cs := m.classOf(arch.Phys(p))

	for _, b := range cs.biases {
		t := b.Exp
		if cs.buddies[t].Contains(p) {
			return cs.buddies[t].Free(p)
		}
		if cs.freelists[t].Contains(p) {
			return cs.freelists[t].Free(p)
		}
	}

	// Nothing claims the address; a page-aligned pointer is assumed to
	// be a fast page, anything else is rejected.
	if p&(arch.PageSize-1) != 0 {
		return 0, errors.Wrapf(ErrInvalidParameters, "0x%x unclaimed and misaligned", p)
	}
	return m.FastPageFree(p), nil
}

// FastPageAlloc pops one smallest page from the class's fast pool,
// refilling the pool from the ordinary path when it runs dry.
func (m *Manager) FastPageAlloc(c Class) (uintptr, error) {
	if m == nil {
		return 0, ErrNotInitialized
	}
	cs := m.classFor(c)

	for attempt := 0; attempt < 2; attempt++ {
		if p := cs.fast.Pop(loadNext); p != 0 {
			atomic.AddUint64(&cs.fastAllocated, 1)
			return p, nil
		}
		if _, err := m.AllocFastPages(c, uintptr(m.cfg.FastPageRefill)); err != nil {
			return 0, err
		}
	}
	return 0, errors.Wrapf(ErrOutOfMemory, "%s fast pages", cs.name)
}

// FastPageFree pushes the page at p back onto its class's fast pool
// and reports the page size.
func (m *Manager) FastPageFree(p uintptr) uintptr {
	if m == nil || p == 0 {
		return 0
	}
	cs := m.classOf(arch.Phys(p))
	cs.fast.Push(p, storeNext)
	atomic.AddUint64(&cs.fastAllocated, ^uint64(0))
	return arch.PageSize
}

// AllocFastPages reserves count smallest pages from the ordinary path
// and threads them onto the class's fast pool. It reports how many
// pages were added.
func (m *Manager) AllocFastPages(c Class, count uintptr) (uintptr, error) {
	if m == nil {
		return 0, ErrNotInitialized
	}
	if count == 0 {
		return 0, ErrInvalidParameters
	}
	cs := m.classFor(c)

	exp := int32(arch.Log2Ceil(count * arch.PageSize))
	block, err := m.allocOrdinary(cs, exp)
	if err != nil {
		// A single ordinary page still refills the pool by one.
		block, err = m.allocOrdinary(cs, arch.PageSizeExp)
		if err != nil {
			return 0, err
		}
		exp = arch.PageSizeExp
	}

	pages := (uintptr(1) << uint(exp)) >> arch.PageSizeExp
	for i := uintptr(0); i < pages; i++ {
		cs.fast.Push(block+i*arch.PageSize, storeNext)
	}
	atomic.AddUint64(&cs.fastCount, uint64(pages))
	return pages, nil
}

// FastPagesFree reports the pool depth of a class, for diagnostics.
func (m *Manager) FastPagesFree(c Class) uint64 {
	cs := m.classFor(c)
	return atomic.LoadUint64(&cs.fastCount) - atomic.LoadUint64(&cs.fastAllocated)
}

// FreelistAt exposes the freelist at an exponent for audits.
func (m *Manager) FreelistAt(c Class, exp uint32) *freelist.List {
	if m == nil || exp >= m.width {
		return nil
	}
	return &m.classFor(c).freelists[exp]
}

// AdoptBootPages inherits a fast-page chain left behind by the boot
// allocator. Boot-side pointers are physical and may have been
// truncated to 32 bits, so every link is masked and rewritten through
// the direct map before it is trusted. Pages already owned by an
// attached allocator are skipped; the ownership sweep runs over the
// class's registry bank. Returns the number of pages adopted.
func (m *Manager) AdoptBootPages(c Class, physHead uint64) (int, error) {
	if m == nil {
		return 0, ErrNotInitialized
	}
	cs := m.classFor(c)
	if cs.registry == nil {
		return 0, errors.Wrap(ErrNotInitialized, "dynamic allocation not enabled")
	}

	adopted := 0
	node := rewriteBootPointer(physHead)
	for node != 0 {
		next := rewriteBootPointer(uint64(cell.Uintptr(node)))

		claimed := cs.registry.ForEach(func(meta uintptr) bool {
			return (*freelist.List)(unsafe.Pointer(meta)).Contains(node)
		})
		if !claimed {
			cs.fast.Push(node, storeNext)
			atomic.AddUint64(&cs.fastCount, 1)
			adopted++
		}

		node = next
	}
	log.Infof("adopted %d boot pages into %s", adopted, cs.name)
	return adopted, nil
}

// rewriteBootPointer masks a boot-allocator pointer to its low 32 bits
// and lifts it into the direct map. Zero stays zero.
func rewriteBootPointer(raw uint64) uintptr {
	masked := uintptr(raw & 0xFFFFFFFF)
	if masked == 0 {
		return 0
	}
	return arch.HHDM(masked)
}
