package buddy

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/Arctan-OS/Kmm/internal/kdebug"
)

// acquire pops a block of the requested exponent from the region,
// splitting a larger block when the exact size is not on hand.
func (m *regionMeta) acquire(l *List, exp int32) (uintptr, error) {
	// Fast path: a block of the right size with healthy canaries.
	if p := m.free[exp-m.minExp].Pop(loadNext); p != 0 {
		if nodeAt(p).valid() {
			atomic.AddUint64(&m.freeCount, ^uint64(0))
			nodeAt(p).blank()
			return p, nil
		}
		// The block cannot be trusted; park it and fall through to
		// the split scan.
		l.park(m, p)
	}

	// Slow path: scan upward for the smallest splittable block.
	for i := exp + 1; i <= m.maxExp; i++ {
		p := m.free[i-m.minExp].Pop(loadNext)
		if p == 0 {
			continue
		}
		if !nodeAt(p).valid() {
			// The node cannot be trusted: it is parked, never
			// reissued, and the scan continues on the same exponent.
			l.park(m, p)
			i--
			continue
		}
		atomic.AddUint64(&m.freeCount, ^uint64(0))

		for c := i - exp; c > 0; c-- {
			if err := m.split(p); err != nil {
				// Put the residual block back at whatever exponent
				// it reached before the failure.
				e := m.metaOf(p).exp
				nodeAt(p).stamp()
				m.free[e-m.minExp].Push(p, storeNext)
				atomic.AddUint64(&m.freeCount, 1)
				return 0, errors.Wrap(ErrOutOfMemory, err.Error())
			}
		}
		nodeAt(p).blank()
		return p, nil
	}

	return 0, ErrOutOfMemory
}

// split halves the block at p: its exponent drops by one and the upper
// half becomes a stamped free node at the new exponent.
func (m *regionMeta) split(p uintptr) error {
	meta := m.metaOf(p)
	if meta.exp <= m.minExp {
		return errors.Wrap(ErrInvalidParameters, "exponent below minimum")
	}

	meta.exp--
	e := meta.exp

	buddyAddr := m.buddyOf(p, e)
	b := nodeAt(buddyAddr)
	b.stamp()
	m.metaOf(buddyAddr).exp = e

	m.free[e-m.minExp].Push(buddyAddr, storeNext)
	atomic.AddUint64(&m.freeCount, 1)
	return nil
}

// release frees the block at p, merging with its buddy for as long as
// the buddy is verifiably free, then publishes the result.
func (m *regionMeta) release(l *List, p uintptr) (uintptr, error) {
	if (p-m.base)&(1<<uint(m.metaOf(p).exp)-1) != 0 {
		return 0, errors.Wrapf(ErrMisaligned, "0x%x", p)
	}

	m.merge.Lock()
	defer m.merge.Unlock()

	// The double-free check must sit inside the merge lock: releases
	// stamp the canaries under the same lock, so of two racing frees
	// of one block exactly one observes blank canaries and proceeds.
	if nodeAt(p).valid() {
		return 0, errors.Wrapf(ErrInvalidParameters, "0x%x is already free", p)
	}

	size := uintptr(1) << uint(m.metaOf(p).exp)

	for {
		next, err := m.merge1(p)
		if err != nil || next == 0 {
			break
		}
		p = next
	}

	e := m.metaOf(p).exp
	nodeAt(p).stamp()
	m.free[e-m.minExp].Push(p, storeNext)
	atomic.AddUint64(&m.freeCount, 1)

	return size, nil
}

// merge1 attempts a single merge step for the block at p, which is not
// currently on any freelist. It returns the coalesced block, zero when
// no merge is possible, or an error when the freelists contradict the
// buddy's canaries.
func (m *regionMeta) merge1(p uintptr) (uintptr, error) {
	e := m.metaOf(p).exp
	if e >= m.maxExp {
		return 0, nil
	}

	buddyAddr := m.buddyOf(p, e)
	if m.metaOf(buddyAddr).exp != e || !nodeAt(buddyAddr).valid() {
		// Buddy is allocated, further split, or never existed.
		return 0, nil
	}

	if !m.splice(e, buddyAddr) {
		// Someone popped the buddy between the canary check and the
		// splice; abort the merge cleanly.
		log.Errorf("could not splice buddy 0x%x off exponent %d", buddyAddr, e)
		return 0, ErrMergeInconsistent
	}
	atomic.AddUint64(&m.freeCount, ^uint64(0))

	primary := p
	secondary := buddyAddr
	if secondary < primary {
		primary, secondary = secondary, primary
	}
	nodeAt(secondary).blank()
	m.metaOf(primary).exp = e + 1
	return primary, nil
}

// splice removes target from the exponent's freelist. The whole chain
// is detached atomically, filtered, and pushed back, so concurrent
// pops and pushes never observe a half-unlinked node.
func (m *regionMeta) splice(e int32, target uintptr) bool {
	head := &m.free[e-m.minExp]
	chain := head.Swap(0)

	found := false
	for p := chain; p != 0; {
		next := nodeAt(p).next
		if p == target {
			found = true
		} else {
			head.Push(p, storeNext)
		}
		p = next
	}
	return found
}

// park moves a canary-failed node onto the region's quarantine list so
// it is never reissued, and reports it through the sink.
func (l *List) park(m *regionMeta, p uintptr) {
	atomic.AddUint64(&l.quarantined, 1)
	atomic.AddUint64(&m.freeCount, ^uint64(0))
	m.quarantine.Push(p, storeNext)
	kdebug.Fatal(log, "%v: node 0x%x quarantined", ErrCorruptCanary, p)
}
