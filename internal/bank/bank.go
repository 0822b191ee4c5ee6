// Package bank implements a registry of allocator instances of one
// type. Registry nodes are allocated through hooks chosen at creation,
// so a bank can run off the internal allocator before the general one
// exists. Consumers walk the chain in order until an instance satisfies
// the request.
package bank

import (
	"github.com/pkg/errors"

	"github.com/Arctan-OS/Kmm/internal/cell"
	"github.com/Arctan-OS/Kmm/internal/spin"
)

var (
	// ErrInvalidParameters reports malformed arguments.
	ErrInvalidParameters = errors.New("bank: invalid parameters")
	// ErrNotFound reports removal of an unregistered instance.
	ErrNotFound = errors.New("bank: allocator not found")
	// ErrNoHooks reports a bank built without allocation hooks.
	ErrNoHooks = errors.New("bank: no allocation hooks")
)

// Hooks are the allocation routines the bank uses for its own nodes.
type Hooks struct {
	Alloc func(size uintptr) (uintptr, error)
	Free  func(p uintptr)
}

// node is the raw-memory registry entry.
type node struct {
	meta uintptr
	next uintptr
}

var nodeSize = cell.SizeOf[node]()

// Bank is a chain of allocator instances of the same type.
type Bank struct {
	first uintptr
	typ   int32
	hooks Hooks
	lock  spin.Lock
}

// Init prepares a caller-owned bank in place.
func (b *Bank) Init(typ int32, hooks Hooks) error {
	if b == nil {
		return ErrInvalidParameters
	}
	if hooks.Alloc == nil || hooks.Free == nil {
		return ErrNoHooks
	}
	b.first = 0
	b.typ = typ
	b.hooks = hooks
	return nil
}

// New allocates a bank through the same hooks it will use for nodes.
func New(typ int32, hooks Hooks) (*Bank, error) {
	if hooks.Alloc == nil || hooks.Free == nil {
		return nil, ErrNoHooks
	}
	b := &Bank{}
	if err := b.Init(typ, hooks); err != nil {
		return nil, err
	}
	return b, nil
}

// Type reports the allocator type the bank registers.
func (b *Bank) Type() int32 {
	return b.typ
}

// Add registers an allocator instance at the head of the chain.
func (b *Bank) Add(meta uintptr) error {
	if b == nil || meta == 0 {
		return ErrInvalidParameters
	}
	addr, err := b.hooks.Alloc(nodeSize)
	if err != nil {
		return err
	}
	n := cell.View[node](addr)
	n.meta = meta

	b.lock.Lock()
	n.next = b.first
	b.first = addr
	b.lock.Unlock()
	return nil
}

// Remove unregisters an allocator instance and releases its node.
func (b *Bank) Remove(meta uintptr) error {
	if b == nil || meta == 0 {
		return ErrInvalidParameters
	}

	b.lock.Lock()
	var prev uintptr
	current := b.first
	for current != 0 && cell.View[node](current).meta != meta {
		prev = current
		current = cell.View[node](current).next
	}
	if current == 0 {
		b.lock.Unlock()
		return ErrNotFound
	}
	if prev != 0 {
		cell.View[node](prev).next = cell.View[node](current).next
	} else {
		b.first = cell.View[node](current).next
	}
	b.lock.Unlock()

	b.hooks.Free(current)
	return nil
}

// ForEach walks the registered instances in order until fn returns
// true, reporting whether any instance accepted.
func (b *Bank) ForEach(fn func(meta uintptr) bool) bool {
	if b == nil {
		return false
	}
	b.lock.Lock()
	defer b.lock.Unlock()

	for current := b.first; current != 0; {
		n := cell.View[node](current)
		if fn(n.meta) {
			return true
		}
		current = n.next
	}
	return false
}

// Len counts the registered instances.
func (b *Bank) Len() int {
	if b == nil {
		return 0
	}
	b.lock.Lock()
	defer b.lock.Unlock()

	count := 0
	for current := b.first; current != 0; {
		count++
		current = cell.View[node](current).next
	}
	return count
}
