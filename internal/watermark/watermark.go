// Package watermark implements the bootstrap bump allocator. It is the
// first allocator to come up: the region header lives inside the region
// itself, allocation is an offset bump, and nothing is ever freed. The
// manager uses it to place the PMM's per-exponent tables before any
// heap exists.
package watermark

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/Arctan-OS/Kmm/internal/cell"
	"github.com/Arctan-OS/Kmm/internal/kdebug"
	"github.com/Arctan-OS/Kmm/internal/spin"
)

var (
	// ErrOutOfRegion reports that no region in the chain can satisfy
	// the allocation.
	ErrOutOfRegion = errors.New("watermark: out of region")
	// ErrInvalidParameters reports malformed init arguments.
	ErrInvalidParameters = errors.New("watermark: invalid parameters")
)

var log = kdebug.Component("watermark")

// regionHeader sits at the base of every watermark region.
type regionHeader struct {
	next uintptr
	base uintptr
	ceil uintptr
	off  uint64
}

var headerSize = cell.SizeOf[regionHeader]()

// List chains watermark regions. The zero value is an empty list.
type List struct {
	head  spin.Head
	order spin.Lock
}

// Init lays a region header at base and pushes the region onto the
// chain. The usable range is [base+header, base+length).
func (l *List) Init(base, length uintptr) error {
	if l == nil || base == 0 || length <= headerSize {
		return ErrInvalidParameters
	}

	h := cell.View[regionHeader](base)
	h.base = base + headerSize
	h.ceil = base + length
	h.off = 0

	l.head.Push(base, func(node, next uintptr) {
		cell.View[regionHeader](node).next = next
	})

	log.Infof("initialized region 0x%x -> 0x%x", h.base, h.ceil)
	return nil
}

// Alloc returns size bytes from the first region with room. The list
// lock is held for the whole chain walk, so allocations serialize on
// it; the offset bump inside the walk is a compare-and-swap.
func (l *List) Alloc(size uintptr) (uintptr, error) {
	if l == nil || size == 0 {
		return 0, ErrInvalidParameters
	}

	l.order.Lock()
	defer l.order.Unlock()

	for region := l.head.Peek(); region != 0; {
		h := cell.View[regionHeader](region)
		if p, ok := h.bump(size); ok {
			return p, nil
		}
		region = h.next
	}
	return 0, ErrOutOfRegion
}

// bump attempts the atomic offset advance within one region.
func (h *regionHeader) bump(size uintptr) (uintptr, bool) {
	for {
		off := atomic.LoadUint64(&h.off)
		top := h.base + uintptr(off)
		if top+size > h.ceil {
			return 0, false
		}
		if atomic.CompareAndSwapUint64(&h.off, off, off+uint64(size)) {
			return top, true
		}
	}
}

// Remaining reports the free bytes across the chain, for diagnostics.
func (l *List) Remaining() uintptr {
	if l == nil {
		return 0
	}
	l.order.Lock()
	defer l.order.Unlock()

	var total uintptr
	for region := l.head.Peek(); region != 0; {
		h := cell.View[regionHeader](region)
		total += h.ceil - (h.base + uintptr(atomic.LoadUint64(&h.off)))
		region = h.next
	}
	return total
}
