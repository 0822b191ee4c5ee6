// Package ialloc is the internal allocator: a SLAB pinned at the
// exponents that cover allocator control blocks. The buddy, freelist
// and bank internals allocate their own metadata here, which is what
// lets the physical memory manager become self-hosting: the only
// thing ialloc itself needs to come up is raw pages.
package ialloc

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/Arctan-OS/Kmm/internal/bank"
	"github.com/Arctan-OS/Kmm/internal/cell"
	"github.com/Arctan-OS/Kmm/internal/kdebug"
	"github.com/Arctan-OS/Kmm/internal/slab"
)

// lowestExp pins the smallest class at the pointer word size, so the
// eight classes span 8 bytes through 1 KiB.
const lowestExp = 3

var (
	// ErrNotInitialized reports use before Init.
	ErrNotInitialized = errors.New("ialloc: not initialized")
	// ErrUnimplemented reports the realloc stub.
	ErrUnimplemented = errors.New("ialloc: realloc unimplemented")
)

var (
	log  = kdebug.Component("ialloc")
	meta slab.Meta

	mu    sync.Mutex
	ready bool
)

// Init brings the internal allocator up over raw pages. pageAlloc is
// the only dependency; the physical manager must already have fast
// pages to serve it.
func Init(pagesPerList uintptr, pageAlloc func(pages uintptr) (uintptr, error)) error {
	mu.Lock()
	defer mu.Unlock()
	if ready {
		return nil
	}

	if err := meta.Init(lowestExp, pagesPerList, pageAlloc); err != nil {
		return err
	}
	if slot, err := meta.Expand(pagesPerList); err != nil {
		return errors.Wrapf(err, "prime class %d", slot)
	}
	ready = true
	log.Infof("up, classes %d..%d bytes", meta.SizeClass(0), meta.SizeClass(7))
	return nil
}

// Initialized reports whether the allocator is up.
func Initialized() bool {
	mu.Lock()
	defer mu.Unlock()
	return ready
}

// Alloc returns size bytes of control-block storage.
func Alloc(size uintptr) (uintptr, error) {
	if !Initialized() {
		return 0, ErrNotInitialized
	}
	return meta.Alloc(size)
}

// Calloc returns zeroed storage for count objects of size bytes.
func Calloc(size, count uintptr) (uintptr, error) {
	p, err := Alloc(size * count)
	if err != nil {
		return 0, err
	}
	cell.Zero(p, size*count)
	return p, nil
}

// Free returns storage to its class and reports the class size, or
// zero for an address ialloc does not own.
func Free(p uintptr) uintptr {
	if !Initialized() {
		return 0
	}
	return meta.Free(p)
}

// Realloc is intentionally not provided.
func Realloc(p, size uintptr) (uintptr, error) {
	log.Errorf("realloc of 0x%x to %d bytes rejected", p, size)
	return 0, ErrUnimplemented
}

// Expand grows every class by pages pages.
func Expand(pages uintptr) (int, error) {
	if !Initialized() {
		return 0, ErrNotInitialized
	}
	return meta.Expand(pages)
}

// Hooks adapts the allocator for bank registries and out-of-band node
// storage.
func Hooks() bank.Hooks {
	return bank.Hooks{
		Alloc: Alloc,
		Free:  func(p uintptr) { Free(p) },
	}
}

// reset tears the singleton down. Test support only; the kernel never
// deinitializes its allocators.
func reset() {
	mu.Lock()
	defer mu.Unlock()
	meta = slab.Meta{}
	ready = false
}

// ResetForTest tears the singleton down so a test harness can boot a
// fresh manager. Never called by kernel code.
func ResetForTest() error {
	reset()
	return nil
}
