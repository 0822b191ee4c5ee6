// Package freelist implements the fixed-object-size intrusive freelist
// the manager is built around. A region of raw memory is threaded into
// equal-sized slots; each free slot stores the address of the next free
// slot in its own first word. Multiple regions of the same object size
// chain into one list, and allocation promotes the first region with
// free objects to the head of the chain so the common case stays O(1).
package freelist

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/Arctan-OS/Kmm/internal/cell"
	"github.com/Arctan-OS/Kmm/internal/kdebug"
	"github.com/Arctan-OS/Kmm/internal/spin"
)

var (
	// ErrEmpty reports that no region in the chain has a free object.
	ErrEmpty = errors.New("freelist: empty")
	// ErrNotFound reports a free of an address no region contains.
	ErrNotFound = errors.New("freelist: address not found")
	// ErrObjectSizeMismatch reports linking lists of unequal sizes.
	ErrObjectSizeMismatch = errors.New("freelist: object size mismatch")
	// ErrNullList reports a nil list argument.
	ErrNullList = errors.New("freelist: nil list")
	// ErrInvalidParameters reports malformed init arguments.
	ErrInvalidParameters = errors.New("freelist: invalid parameters")
	// ErrContigExhausted reports that a contiguous probe restarted too
	// many times.
	ErrContigExhausted = errors.New("freelist: contiguous probe exhausted")
)

// contigRestartLimit bounds how many times a contiguous probe may tear
// down a partial run before giving up. The freelist has no intrinsic
// address order, so contiguity can only be probed; callers that need a
// guarantee should use a buddy instead.
const contigRestartLimit = 16

var log = kdebug.Component("freelist")

// regionHeader sits at the base of every freelist region, occupying the
// first few object slots.
type regionHeader struct {
	next       uintptr
	head       spin.Head
	base       uintptr
	ceil       uintptr
	objectSize uintptr
	freeCount  uint64
	lock       spin.Lock
}

var headerSize = cell.SizeOf[regionHeader]()

// List chains freelist regions of one object size. The zero value is an
// empty list; the object size is adopted from the first region.
type List struct {
	head        uintptr
	order       spin.Lock
	objectSize  uintptr
	contigFails uint64
}

func loadNext(node uintptr) uintptr {
	return cell.Uintptr(node)
}

func storeNext(node, next uintptr) {
	cell.PutUintptr(node, next)
}

// InitRegion lays a region header at base and threads every object slot
// in [base, ceil) into the region's freelist. It returns the region
// address without attaching it to any list.
func InitRegion(base, ceil, objectSize uintptr) (uintptr, error) {
	if base == 0 || base >= ceil || objectSize == 0 || objectSize&(objectSize-1) != 0 {
		return 0, ErrInvalidParameters
	}
	if objectSize < 8 {
		return 0, ErrInvalidParameters
	}

	// The header occupies whole object slots so every free node stays
	// aligned to the object size.
	reserve := (headerSize + objectSize - 1) / objectSize
	first := base + reserve*objectSize
	if first+objectSize > ceil {
		return 0, errors.Wrap(ErrInvalidParameters, "region too small for one object")
	}

	cell.Zero(base, headerSize)
	h := cell.View[regionHeader](base)
	h.base = first
	h.ceil = base + ((ceil-base)/objectSize)*objectSize
	h.objectSize = objectSize

	// Thread the slots linearly, terminating with zero.
	var count uint64
	last := uintptr(0)
	for p := first; p+objectSize <= h.ceil; p += objectSize {
		if last != 0 {
			storeNext(last, p)
		}
		last = p
		count++
	}
	storeNext(last, 0)

	h.head.Store(first)
	h.freeCount = count

	log.Infof("region 0x%x -> 0x%x, %d byte objects (%d objects)", h.base, h.ceil, objectSize, count)
	return base, nil
}

// Attach adds an already-initialized region to the front of the chain.
func (l *List) Attach(region uintptr) error {
	if l == nil {
		return ErrNullList
	}
	if region == 0 {
		return ErrInvalidParameters
	}
	h := cell.View[regionHeader](region)
	l.order.Lock()
	defer l.order.Unlock()
	if l.objectSize == 0 {
		l.objectSize = h.objectSize
	} else if l.objectSize != h.objectSize {
		return ErrObjectSizeMismatch
	}
	h.next = l.head
	l.head = region
	return nil
}

// Init lays out a region over [base, ceil) and attaches it.
func (l *List) Init(base, ceil, objectSize uintptr) error {
	if l == nil {
		return ErrNullList
	}
	region, err := InitRegion(base, ceil, objectSize)
	if err != nil {
		return err
	}
	return l.Attach(region)
}

// Alloc pops one object. The chain walk promotes the first region with
// free objects to the head so subsequent allocations hit immediately.
func (l *List) Alloc() (uintptr, error) {
	if l == nil {
		return 0, ErrNullList
	}

	for {
		region := l.promote()
		if region == 0 {
			return 0, ErrEmpty
		}

		h := cell.View[regionHeader](region)
		if node := h.head.Pop(loadNext); node != 0 {
			atomic.AddUint64(&h.freeCount, ^uint64(0))
			return node, nil
		}
		// The region drained between the walk and the pop; retry the
		// walk, which will skip it now that its count is stale-free.
	}
}

// promote finds the first region with free objects and moves it to the
// chain head under the order lock.
func (l *List) promote() uintptr {
	l.order.Lock()
	defer l.order.Unlock()

	var prev uintptr
	current := l.head
	for current != 0 {
		h := cell.View[regionHeader](current)
		if atomic.LoadUint64(&h.freeCount) > 0 {
			break
		}
		prev = current
		current = h.next
	}
	if current == 0 {
		return 0
	}
	if prev != 0 {
		cell.View[regionHeader](prev).next = cell.View[regionHeader](current).next
		cell.View[regionHeader](current).next = l.head
		l.head = current
	}
	return current
}

// Free pushes the object at p back onto the region that owns it and
// returns the object size.
func (l *List) Free(p uintptr) (uintptr, error) {
	if l == nil {
		return 0, ErrNullList
	}
	region := l.find(p)
	if region == 0 {
		return 0, errors.Wrapf(ErrNotFound, "0x%x", p)
	}

	h := cell.View[regionHeader](region)
	if (p-h.base)%h.objectSize != 0 {
		return 0, errors.Wrapf(ErrInvalidParameters, "0x%x not an object base", p)
	}
	h.head.Push(p, storeNext)
	atomic.AddUint64(&h.freeCount, 1)
	return h.objectSize, nil
}

// find walks the chain for the region containing p.
func (l *List) find(p uintptr) uintptr {
	l.order.Lock()
	defer l.order.Unlock()

	for region := l.head; region != 0; {
		h := cell.View[regionHeader](region)
		if h.base <= p && p < h.ceil {
			return region
		}
		region = h.next
	}
	return 0
}

// Contains reports whether any region in the chain owns p.
func (l *List) Contains(p uintptr) bool {
	return l != nil && l.find(p) != 0
}

// ContigAlloc allocates a run of contiguous slots and returns the
// lowest address of the run. Contiguity is probed: objects are popped one at a
// time and a run restarts whenever two successive pops are not exactly
// one object apart. The partial run is returned to the list on each
// restart, and the probe gives up after the restart limit, handing back
// the best partial base alongside the error.
func (l *List) ContigAlloc(objects uint64) (uintptr, error) {
	if l == nil {
		return 0, ErrNullList
	}
	if objects == 0 {
		return 0, ErrInvalidParameters
	}
	if objects == 1 {
		return l.Alloc()
	}

	size := l.ObjectSize()
	var (
		fails   uint64
		runBase uintptr
		runLen  uint64
		last    uintptr
		lowest  uintptr
	)

	for runLen < objects {
		p, err := l.Alloc()
		if err != nil {
			l.contigTeardown(runBase, runLen)
			atomic.StoreUint64(&l.contigFails, fails)
			return 0, errors.Wrap(err, "contiguous probe")
		}

		if last != 0 && diff(p, last) != size {
			// Non-adjacent pop: return the partial run and restart
			// from the new candidate base.
			l.contigTeardown(runBase, runLen)
			fails++
			if fails >= contigRestartLimit {
				atomic.StoreUint64(&l.contigFails, fails)
				if runBase < p {
					lowest = runBase
				} else {
					lowest = p
				}
				_, _ = l.Free(p)
				return lowest, errors.Wrapf(ErrContigExhausted, "%d restarts", fails)
			}
			runBase = p
			runLen = 0
		}

		if runLen == 0 || p < runBase {
			runBase = p
		}
		last = p
		runLen++
	}

	atomic.StoreUint64(&l.contigFails, fails)
	return runBase, nil
}

// contigTeardown frees a partial run starting at base.
func (l *List) contigTeardown(base uintptr, objects uint64) {
	if base == 0 || objects == 0 {
		return
	}
	_ = l.ContigFree(base, objects)
}

// ContigFree returns objects consecutive slots starting at p.
func (l *List) ContigFree(p uintptr, objects uint64) error {
	if l == nil {
		return ErrNullList
	}
	size := l.ObjectSize()
	for i := uint64(0); i < objects; i++ {
		if _, err := l.Free(p + uintptr(i)*size); err != nil {
			return err
		}
	}
	return nil
}

// ContigFails reports the restart counter of the last contiguous probe.
func (l *List) ContigFails() uint64 {
	return atomic.LoadUint64(&l.contigFails)
}

// Link appends b's region chain to a's. Both lists must carry the same
// object size.
func Link(a, b *List) error {
	if a == nil || b == nil {
		return ErrNullList
	}
	a.order.Lock()
	defer a.order.Unlock()
	b.order.Lock()
	defer b.order.Unlock()

	if b.head == 0 {
		return nil
	}
	if a.objectSize != 0 && b.objectSize != 0 && a.objectSize != b.objectSize {
		return ErrObjectSizeMismatch
	}
	if a.objectSize == 0 {
		a.objectSize = b.objectSize
	}

	if a.head == 0 {
		a.head = b.head
	} else {
		tail := a.head
		for cell.View[regionHeader](tail).next != 0 {
			tail = cell.View[regionHeader](tail).next
		}
		cell.View[regionHeader](tail).next = b.head
	}
	b.head = 0
	return nil
}

// ObjectSize reports the object size the list carries.
func (l *List) ObjectSize() uintptr {
	if l == nil {
		return 0
	}
	l.order.Lock()
	defer l.order.Unlock()
	return l.objectSize
}

// FreeCount totals the free objects across the chain.
func (l *List) FreeCount() uint64 {
	if l == nil {
		return 0
	}
	l.order.Lock()
	defer l.order.Unlock()

	var total uint64
	for region := l.head; region != 0; {
		h := cell.View[regionHeader](region)
		total += atomic.LoadUint64(&h.freeCount)
		region = h.next
	}
	return total
}

// Empty reports whether the list has no attached regions.
func (l *List) Empty() bool {
	if l == nil {
		return true
	}
	l.order.Lock()
	defer l.order.Unlock()
	return l.head == 0
}

func diff(a, b uintptr) uintptr {
	if a > b {
		return a - b
	}
	return b - a
}
