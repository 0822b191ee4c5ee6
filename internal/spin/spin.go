// Package spin provides the synchronization primitives the allocators
// are built on: a spin-bounded lock safe to embed in raw memory, and a
// tagged intrusive list head whose push/pop are lock-free
// compare-and-swap sequences with ABA protection.
//
// Both types are plain scalar structs so they can live inside region
// headers and control blocks laid out in memory the Go runtime does not
// manage.
package spin

import (
	"runtime"
	"sync/atomic"
)

// Lock is a test-and-test-and-set spinlock. The zero value is unlocked.
type Lock struct {
	state uint32
}

// Lock spins until the lock is acquired.
func (l *Lock) Lock() {
	for i := 0; ; i++ {
		if atomic.LoadUint32(&l.state) == 0 &&
			atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return
		}
		if i%64 == 63 {
			runtime.Gosched()
		}
	}
}

// TryLock attempts a single acquisition.
func (l *Lock) TryLock() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Unlock releases the lock.
func (l *Lock) Unlock() {
	atomic.StoreUint32(&l.state, 0)
}

// Head is an intrusive singly-linked list head packed into one word:
// the low 48 bits hold the node address, the high 16 bits a generation
// tag bumped on every successful exchange. The tag defeats ABA races
// where a node is popped, reissued, and pushed back between a
// competitor's read and its compare-and-swap.
//
// Node addresses must fit in 48 bits, which holds for user-space
// direct-map addresses on the supported targets.
type Head struct {
	word uint64
}

const addrMask = (1 << 48) - 1

func pack(tag uint64, node uintptr) uint64 {
	return tag<<48 | uint64(node)&addrMask
}

// Peek returns the current head node without removing it.
func (h *Head) Peek() uintptr {
	return uintptr(atomic.LoadUint64(&h.word) & addrMask)
}

// Push links node onto the head. storeNext writes the in-band next
// pointer of the node being pushed.
func (h *Head) Push(node uintptr, storeNext func(node, next uintptr)) {
	for {
		w := atomic.LoadUint64(&h.word)
		storeNext(node, uintptr(w&addrMask))
		if atomic.CompareAndSwapUint64(&h.word, w, pack(w>>48+1, node)) {
			return
		}
	}
}

// Pop unlinks and returns the head node, or 0 when the list is empty.
// loadNext reads the in-band next pointer of a candidate node.
func (h *Head) Pop(loadNext func(node uintptr) uintptr) uintptr {
	for {
		w := atomic.LoadUint64(&h.word)
		node := uintptr(w & addrMask)
		if node == 0 {
			return 0
		}
		next := loadNext(node)
		if atomic.CompareAndSwapUint64(&h.word, w, pack(w>>48+1, next)) {
			return node
		}
	}
}

// Swap replaces the entire chain with node and returns the previous
// head. Used when splicing whole region chains.
func (h *Head) Swap(node uintptr) uintptr {
	for {
		w := atomic.LoadUint64(&h.word)
		if atomic.CompareAndSwapUint64(&h.word, w, pack(w>>48+1, node)) {
			return uintptr(w & addrMask)
		}
	}
}

// Store overwrites the head without touching the chain. The caller must
// hold whatever lock orders mutations of the list body.
func (h *Head) Store(node uintptr) {
	for {
		w := atomic.LoadUint64(&h.word)
		if atomic.CompareAndSwapUint64(&h.word, w, pack(w>>48+1, node)) {
			return
		}
	}
}
