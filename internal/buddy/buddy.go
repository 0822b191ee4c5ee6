// Package buddy implements the power-of-two buddy allocator used for
// physical blocks between the freelist page sizes. Free blocks carry
// two canary words around their in-band next pointer, so a purported
// buddy can be distinguished from an allocated or never-initialized
// block before a merge touches it. Sizing metadata lives in an external
// per-block exponent table owned by whoever created the region, and the
// allocator's own control blocks come from a dedicated meta freelist
// refilled one page at a time.
package buddy

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/Arctan-OS/Kmm/internal/arch"
	"github.com/Arctan-OS/Kmm/internal/cell"
	"github.com/Arctan-OS/Kmm/internal/freelist"
	"github.com/Arctan-OS/Kmm/internal/kdebug"
	"github.com/Arctan-OS/Kmm/internal/spin"
)

// Canary values stamped around the next pointer of every free node.
const (
	CanaryLow  uintptr = 0xAFAF1010
	CanaryHigh uintptr = 0xCD01EF90
)

// maxOrders bounds the split depth of one region (maxExp - minExp).
const maxOrders = 26

var (
	// ErrOutOfMemory reports that no block can satisfy the request.
	ErrOutOfMemory = errors.New("buddy: out of memory")
	// ErrInvalidParameters reports malformed arguments.
	ErrInvalidParameters = errors.New("buddy: invalid parameters")
	// ErrCorruptCanary reports a free node whose canaries do not match.
	ErrCorruptCanary = errors.New("buddy: corrupt canary")
	// ErrMergeInconsistent reports a buddy that looked free but could
	// not be spliced off its freelist.
	ErrMergeInconsistent = errors.New("buddy: merge inconsistent")
	// ErrMisaligned reports a free of an address that is not a block
	// base.
	ErrMisaligned = errors.New("buddy: misaligned address")
	// ErrNotFound reports a free of an address no region contains.
	ErrNotFound = errors.New("buddy: address not found")
	// ErrBusy reports a region removal while blocks are still out.
	ErrBusy = errors.New("buddy: region in use")
)

var log = kdebug.Component("buddy")

// node is the in-band view of a free block's first three words.
type node struct {
	canaryLow  uintptr
	next       uintptr
	canaryHigh uintptr
}

func nodeAt(p uintptr) *node {
	return cell.View[node](p)
}

func (n *node) stamp() {
	n.canaryLow = CanaryLow
	n.canaryHigh = CanaryHigh
}

func (n *node) blank() {
	n.canaryLow = 0
	n.canaryHigh = 0
}

func (n *node) valid() bool {
	return n.canaryLow == CanaryLow && n.canaryHigh == CanaryHigh
}

// nodeMeta is one entry of the external exponent table: the current
// exponent of the block beginning at the corresponding address.
type nodeMeta struct {
	exp int32
	_   int32
}

var nodeMetaSize = cell.SizeOf[nodeMeta]()

// regionMeta is the control block of one buddy region. It lives in raw
// memory handed out by the meta freelist.
type regionMeta struct {
	next       uintptr
	base       uintptr
	freeCount  uint64
	maxExp     int32
	minExp     int32
	nodeMetas  uintptr
	quarantine spin.Head
	merge      spin.Lock
	free       [maxOrders]spin.Head
}

var metaObjectSize = arch.NextPow2(cell.SizeOf[regionMeta]())

func metaAt(p uintptr) *regionMeta {
	return cell.View[regionMeta](p)
}

func loadNext(p uintptr) uintptr {
	return nodeAt(p).next
}

func storeNext(p, next uintptr) {
	nodeAt(p).next = next
}

func (m *regionMeta) idx(p uintptr) uintptr {
	return (p - m.base) >> uint(m.minExp)
}

func (m *regionMeta) metaOf(p uintptr) *nodeMeta {
	return cell.View[nodeMeta](m.nodeMetas + m.idx(p)*nodeMetaSize)
}

func (m *regionMeta) contains(p uintptr) bool {
	return m.base <= p && p < m.base+1<<uint(m.maxExp)
}

// buddyOf computes the buddy of the block at p for exponent e. The
// exchange runs over region offsets, so the region base itself only
// needs to be aligned to the block grain, not to an absolute
// power-of-two address.
func (m *regionMeta) buddyOf(p uintptr, e int32) uintptr {
	return m.base + ((p - m.base) ^ 1<<uint(e))
}

// List chains buddy regions of one (maxExp, minExp) geometry.
type List struct {
	head   uintptr
	metas  freelist.List
	maxExp int32
	minExp int32
	order  spin.Lock

	quarantined uint64

	// PageAlloc supplies one smallest page to refill the meta
	// freelist. TableAlloc and TableFree manage the external exponent
	// tables. Grow, when set, supplies a fresh maximum-exponent block
	// so an exhausted list can add a region on demand.
	PageAlloc  func() (uintptr, error)
	TableAlloc func(size uintptr) (uintptr, error)
	TableFree  func(addr, size uintptr)
	Grow       func() (uintptr, error)
}

// NewList returns an empty list for the given geometry.
func NewList(maxExp, minExp int32) *List {
	return &List{head: 0, maxExp: maxExp, minExp: minExp}
}

// Initialized reports whether the list has at least one region.
func (l *List) Initialized() bool {
	if l == nil {
		return false
	}
	l.order.Lock()
	defer l.order.Unlock()
	return l.head != 0
}

// MaxExp returns the largest block exponent the list serves.
func (l *List) MaxExp() int32 { return l.maxExp }

// MinExp returns the smallest block exponent the list serves.
func (l *List) MinExp() int32 { return l.minExp }

// newMeta pops a control block from the meta freelist, refilling it
// from one fast page when it runs dry.
func (l *List) newMeta() (uintptr, error) {
	for {
		if p, err := l.metas.Alloc(); err == nil {
			cell.Zero(p, metaObjectSize)
			return p, nil
		}
		if l.PageAlloc == nil {
			return 0, errors.Wrap(ErrOutOfMemory, "no page source for control blocks")
		}
		page, err := l.PageAlloc()
		if err != nil {
			return 0, errors.Wrap(err, "refill control blocks")
		}
		if err := l.metas.Init(page, page+arch.PageSize, metaObjectSize); err != nil {
			return 0, err
		}
	}
}

// Add lays a buddy region over the block of size 1<<maxExp at base and
// threads it onto the list. The block must be aligned to the smallest
// grain; buddy exchange runs over region offsets.
func (l *List) Add(base uintptr) error {
	if l == nil || base == 0 || base&(1<<uint(l.minExp)-1) != 0 {
		return ErrInvalidParameters
	}
	if l.maxExp < l.minExp || l.maxExp-l.minExp >= maxOrders {
		return ErrInvalidParameters
	}
	if l.TableAlloc == nil {
		return errors.Wrap(ErrInvalidParameters, "no table source")
	}

	tableSize := (uintptr(1) << uint(l.maxExp-l.minExp)) * nodeMetaSize
	table, err := l.TableAlloc(tableSize)
	if err != nil {
		return errors.Wrap(err, "allocate exponent table")
	}
	cell.Zero(table, tableSize)

	metaAddr, err := l.newMeta()
	if err != nil {
		if l.TableFree != nil {
			l.TableFree(table, tableSize)
		}
		return err
	}

	m := metaAt(metaAddr)
	m.base = base
	m.maxExp = l.maxExp
	m.minExp = l.minExp
	m.nodeMetas = table
	m.freeCount = 1

	n := nodeAt(base)
	n.stamp()
	n.next = 0
	m.metaOf(base).exp = l.maxExp
	m.free[l.maxExp-l.minExp].Store(base)

	l.order.Lock()
	m.next = l.head
	l.head = metaAddr
	l.order.Unlock()

	log.Infof("region 0x%x, exponents %d..%d", base, l.minExp, l.maxExp)
	return nil
}

// Alloc returns a block of at least size bytes, splitting larger blocks
// as needed. When every region is exhausted and a Grow hook is present,
// one fresh region is added and the allocation retried.
func (l *List) Alloc(size uintptr) (uintptr, error) {
	if l == nil || size == 0 {
		return 0, ErrInvalidParameters
	}
	exp := int32(arch.Log2Ceil(size))
	if exp < l.minExp {
		exp = l.minExp
	}
	if exp > l.maxExp {
		return 0, errors.Wrapf(ErrInvalidParameters, "size %d above region maximum", size)
	}

	grown := false
	for {
		region := l.promote()
		if region != 0 {
			if p, err := metaAt(region).acquire(l, exp); err == nil {
				return p, nil
			}
		}
		if grown || l.Grow == nil {
			return 0, ErrOutOfMemory
		}
		block, err := l.Grow()
		if err != nil {
			return 0, errors.Wrap(ErrOutOfMemory, err.Error())
		}
		if err := l.Add(block); err != nil {
			return 0, err
		}
		grown = true
	}
}

// promote moves the first region with free blocks to the chain head.
func (l *List) promote() uintptr {
	l.order.Lock()
	defer l.order.Unlock()

	var prev uintptr
	current := l.head
	for current != 0 {
		m := metaAt(current)
		if atomic.LoadUint64(&m.freeCount) > 0 {
			break
		}
		prev = current
		current = m.next
	}
	if current == 0 {
		return 0
	}
	if prev != 0 {
		metaAt(prev).next = metaAt(current).next
		metaAt(current).next = l.head
		l.head = current
	}
	return current
}

// Free returns the block at p to its region, merging buddies upward as
// far as they go, and reports the size that was freed.
func (l *List) Free(p uintptr) (uintptr, error) {
	if l == nil || p == 0 {
		return 0, ErrInvalidParameters
	}

	region := l.find(p)
	if region == 0 {
		return 0, errors.Wrapf(ErrNotFound, "0x%x", p)
	}
	return metaAt(region).release(l, p)
}

// find walks the chain for the region containing p.
func (l *List) find(p uintptr) uintptr {
	l.order.Lock()
	defer l.order.Unlock()

	for region := l.head; region != 0; {
		m := metaAt(region)
		if m.contains(p) {
			return region
		}
		region = m.next
	}
	return 0
}

// Contains reports whether any region owns p.
func (l *List) Contains(p uintptr) bool {
	return l != nil && l.find(p) != 0
}

// Remove detaches a fully coalesced region and releases its exponent
// table. A region with outstanding blocks cannot be removed.
func (l *List) Remove(base uintptr) error {
	if l == nil {
		return ErrInvalidParameters
	}

	l.order.Lock()
	defer l.order.Unlock()

	var prev uintptr
	current := l.head
	for current != 0 && metaAt(current).base != base {
		prev = current
		current = metaAt(current).next
	}
	if current == 0 {
		return errors.Wrapf(ErrNotFound, "0x%x", base)
	}

	m := metaAt(current)
	top := m.free[m.maxExp-m.minExp].Peek()
	if atomic.LoadUint64(&m.freeCount) != 1 || top != m.base {
		return ErrBusy
	}

	if prev != 0 {
		metaAt(prev).next = m.next
	} else {
		l.head = m.next
	}

	if l.TableFree != nil {
		tableSize := (uintptr(1) << uint(m.maxExp-m.minExp)) * nodeMetaSize
		l.TableFree(m.nodeMetas, tableSize)
	}
	_, err := l.metas.Free(current)
	return err
}

// QuarantineCount reports how many canary-failed nodes have been parked
// across the list's regions.
func (l *List) QuarantineCount() uint64 {
	return atomic.LoadUint64(&l.quarantined)
}

// FreeCount totals the free blocks across the chain.
func (l *List) FreeCount() uint64 {
	if l == nil {
		return 0
	}
	l.order.Lock()
	defer l.order.Unlock()

	var total uint64
	for region := l.head; region != 0; {
		m := metaAt(region)
		total += atomic.LoadUint64(&m.freeCount)
		region = m.next
	}
	return total
}

// FreeBlocks returns the free block addresses per exponent for the
// region rooted at base. Diagnostic surface used by state audits.
func (l *List) FreeBlocks(base uintptr) map[int32][]uintptr {
	region := l.find(base)
	if region == 0 {
		return nil
	}
	m := metaAt(region)

	out := make(map[int32][]uintptr)
	for e := m.minExp; e <= m.maxExp; e++ {
		for p := m.free[e-m.minExp].Peek(); p != 0; p = nodeAt(p).next {
			out[e] = append(out[e], p)
		}
	}
	return out
}
