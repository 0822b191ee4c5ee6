// Package vmm implements the virtual memory facade: an allocator over
// a virtual address range whose backing memory may not be present.
// Because the range cannot be written, all bookkeeping lives in
// out-of-band nodes obtained through allocation hooks. A buddy-backed
// meta splits and merges power-of-two runs; a watermark-backed meta
// only bumps. Each allocation can optionally be pushed through the
// pager, and a pager failure rolls the allocation back so the meta's
// state is exactly what it was before the call.
package vmm

import (
	"github.com/pkg/errors"

	"github.com/Arctan-OS/Kmm/internal/cell"
	"github.com/Arctan-OS/Kmm/internal/kdebug"
	"github.com/Arctan-OS/Kmm/internal/spin"
)

var (
	// ErrInvalidParameters reports malformed arguments.
	ErrInvalidParameters = errors.New("vmm: invalid parameters")
	// ErrOutOfMemory reports an exhausted virtual range.
	ErrOutOfMemory = errors.New("vmm: out of range")
	// ErrNotFound reports a free of an address with no live block.
	ErrNotFound = errors.New("vmm: address not found")
	// ErrPagerFailure reports that the pager rejected a mapping; the
	// allocation it covered has been rolled back.
	ErrPagerFailure = errors.New("vmm: pager failure")
	// ErrUnsupported reports a free on a watermark-backed meta.
	ErrUnsupported = errors.New("vmm: watermark regions do not free")
)

var log = kdebug.Component("vmm")

// Pager is the paging hook consumed on each allocation when present.
type Pager interface {
	FlyMap(va, size uintptr, flags uint32) error
	FlyUnmap(va, size uintptr) error
}

// Hooks supply the out-of-band node storage, normally the internal
// allocator.
type Hooks struct {
	Alloc func(size uintptr) (uintptr, error)
	Free  func(p uintptr)
}

// Kind selects the allocation strategy of a meta.
type Kind int

const (
	// KindBuddy splits the range into power-of-two runs that free and
	// re-coalesce.
	KindBuddy Kind = iota
	// KindWatermark bumps through the range and never frees.
	KindWatermark
)

// vnode is one out-of-band region descriptor. attributes bit 0 marks
// the run allocated.
type vnode struct {
	next uintptr
	base uintptr
	size uintptr
	attr uint32
	_    uint32
}

var vnodeSize = cell.SizeOf[vnode]()

func nodeAt(p uintptr) *vnode {
	return cell.View[vnode](p)
}

// Meta is one virtual range under management.
type Meta struct {
	kind     Kind
	base     uintptr
	ceil     uintptr
	smallest uintptr
	tree     uintptr
	off      uintptr
	lock     spin.Lock
	hooks    Hooks
	pager    Pager
	flags    uint32
}

// New builds a meta over [base, base+size). smallest bounds how finely
// a buddy-backed meta may split; pager may be nil.
func New(kind Kind, base, size, smallest uintptr, hooks Hooks, pager Pager, flags uint32) (*Meta, error) {
	if base == 0 || size == 0 || smallest == 0 || size&(size-1) != 0 {
		return nil, ErrInvalidParameters
	}
	if kind == KindBuddy && (hooks.Alloc == nil || hooks.Free == nil) {
		return nil, errors.Wrap(ErrInvalidParameters, "buddy metas need node hooks")
	}

	m := &Meta{
		kind:     kind,
		base:     base,
		ceil:     base + size,
		smallest: smallest,
		hooks:    hooks,
		pager:    pager,
		flags:    flags,
	}

	if kind == KindBuddy {
		head, err := hooks.Alloc(vnodeSize)
		if err != nil {
			return nil, err
		}
		cell.Zero(head, vnodeSize)
		n := nodeAt(head)
		n.base = base
		n.size = size
		m.tree = head
	}

	log.Infof("range 0x%x -> 0x%x (%d byte grains)", base, m.ceil, smallest)
	return m, nil
}

// Alloc reserves size bytes of the range and, when a pager is wired,
// maps them. Pager failure rolls the reservation back bit-identically.
func (m *Meta) Alloc(size uintptr) (uintptr, error) {
	if m == nil || size == 0 {
		return 0, ErrInvalidParameters
	}

	var (
		va  uintptr
		err error
	)
	switch m.kind {
	case KindBuddy:
		va, err = m.buddyAlloc(size)
	case KindWatermark:
		va, err = m.bumpAlloc(size)
	default:
		return 0, ErrInvalidParameters
	}
	if err != nil {
		return 0, err
	}

	if m.pager != nil {
		if perr := m.pager.FlyMap(va, size, m.flags); perr != nil {
			m.rollback(va, size)
			return 0, errors.Wrap(ErrPagerFailure, perr.Error())
		}
	}
	return va, nil
}

// Free releases the block backing p, unmapping it first when a pager
// is wired, and reports the released size.
func (m *Meta) Free(p uintptr) (uintptr, error) {
	if m == nil || p == 0 {
		return 0, ErrInvalidParameters
	}
	if m.kind == KindWatermark {
		return 0, ErrUnsupported
	}

	size := m.allocatedLen(p)
	if size == 0 {
		return 0, errors.Wrapf(ErrNotFound, "0x%x", p)
	}

	if m.pager != nil {
		if perr := m.pager.FlyUnmap(p, size); perr != nil {
			log.Errorf("unmap 0x%x: %v", p, perr)
		}
	}
	return m.buddyFree(p)
}

// Len reports the size of the run backing p, or zero.
func (m *Meta) Len(p uintptr) uintptr {
	if m == nil || m.kind != KindBuddy {
		return 0
	}
	m.lock.Lock()
	defer m.lock.Unlock()

	for cur := m.tree; cur != 0; cur = nodeAt(cur).next {
		if nodeAt(cur).base == p {
			return nodeAt(cur).size
		}
	}
	return 0
}

// allocatedLen reports the size of the live allocation at p, or zero.
func (m *Meta) allocatedLen(p uintptr) uintptr {
	m.lock.Lock()
	defer m.lock.Unlock()

	for cur := m.tree; cur != 0; cur = nodeAt(cur).next {
		n := nodeAt(cur)
		if n.base == p && n.attr&1 == 1 {
			return n.size
		}
	}
	return 0
}

// rollback undoes a reservation after pager failure.
func (m *Meta) rollback(va, size uintptr) {
	switch m.kind {
	case KindBuddy:
		if _, err := m.buddyFree(va); err != nil {
			log.Errorf("rollback 0x%x: %v", va, err)
		}
	case KindWatermark:
		m.lock.Lock()
		if m.base+m.off == va+size {
			m.off -= size
		}
		m.lock.Unlock()
	}
}

// bumpAlloc is the watermark strategy.
func (m *Meta) bumpAlloc(size uintptr) (uintptr, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.base+m.off+size > m.ceil {
		return 0, ErrOutOfMemory
	}
	va := m.base + m.off
	m.off += size
	return va, nil
}
