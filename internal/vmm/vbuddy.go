package vmm

import "github.com/pkg/errors"

// buddyAlloc walks the run list for a free run that covers the
// power-of-two rounding of size, splitting it down to an exact fit.
func (m *Meta) buddyAlloc(size uintptr) (uintptr, error) {
	if size < m.smallest {
		size = m.smallest
	}
	// Round up to a power of two.
	rounded := uintptr(1)
	for rounded < size {
		rounded <<= 1
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	for cur := m.tree; cur != 0; cur = nodeAt(cur).next {
		n := nodeAt(cur)
		if n.attr&1 == 1 || n.size < rounded {
			continue
		}
		for n.size > rounded {
			if err := m.split(cur); err != nil {
				return 0, err
			}
		}
		n.attr |= 1
		return n.base, nil
	}
	return 0, ErrOutOfMemory
}

// split halves the free run at cur, appending a node for the upper
// half directly after it.
func (m *Meta) split(cur uintptr) error {
	n := nodeAt(cur)
	if n.attr&1 == 1 || n.size <= m.smallest {
		return errors.Wrap(ErrOutOfMemory, "run cannot split further")
	}

	upper, err := m.hooks.Alloc(vnodeSize)
	if err != nil {
		return errors.Wrap(ErrOutOfMemory, err.Error())
	}

	n.size >>= 1

	u := nodeAt(upper)
	u.base = n.base + n.size
	u.size = n.size
	u.attr = 0
	u.next = n.next
	n.next = upper
	return nil
}

// buddyFree releases the run at address p and re-coalesces adjacent
// free buddies until the list reaches a fixpoint, so a full
// alloc/free round trip restores the exact pre-allocation state.
func (m *Meta) buddyFree(p uintptr) (uintptr, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	var target uintptr
	for cur := m.tree; cur != 0; cur = nodeAt(cur).next {
		if nodeAt(cur).base == p {
			target = cur
			break
		}
	}
	if target == 0 || nodeAt(target).attr&1 == 0 {
		return 0, errors.Wrapf(ErrNotFound, "0x%x", p)
	}

	size := nodeAt(target).size
	nodeAt(target).attr &^= 1
	m.coalesce()
	return size, nil
}

// coalesce merges adjacent free runs of equal size whose pair forms an
// aligned double-size run, repeating until no merge applies.
func (m *Meta) coalesce() {
	for merged := true; merged; {
		merged = false
		for cur := m.tree; cur != 0; cur = nodeAt(cur).next {
			n := nodeAt(cur)
			next := n.next
			if next == 0 {
				continue
			}
			b := nodeAt(next)
			if n.attr&1 == 1 || b.attr&1 == 1 || n.size != b.size {
				continue
			}
			if (n.base-m.base)&(n.size<<1-1) != 0 {
				// The pair is not an aligned buddy pair.
				continue
			}

			n.size <<= 1
			n.next = b.next
			m.hooks.Free(next)
			merged = true
			break
		}
	}
}
