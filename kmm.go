// Package kmm is the kernel memory manager: the stratified allocator
// set that turns the firmware memory map into physical page
// allocation, power-of-two block allocation, and general-purpose byte
// allocation. Init drives the strict bring-up order (bootstrap
// watermark, physical freelists, internal allocator, buddy attachment,
// general SLAB) and the package-level operations serve the rest of the
// kernel afterwards.
//
// Public operations report failure by returning zero; the reasons go
// to the debug sink.
package kmm

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/Arctan-OS/Kmm/internal/arch"
	"github.com/Arctan-OS/Kmm/internal/boot"
	"github.com/Arctan-OS/Kmm/internal/cell"
	"github.com/Arctan-OS/Kmm/internal/ialloc"
	"github.com/Arctan-OS/Kmm/internal/kdebug"
	"github.com/Arctan-OS/Kmm/internal/pmm"
	"github.com/Arctan-OS/Kmm/internal/slab"
	"github.com/Arctan-OS/Kmm/internal/vmm"
)

// State tracks the bring-up sequence. Transitions are explicit calls
// inside Init; nothing advances implicitly.
type State int32

const (
	// StateUninitialized is the zero state.
	StateUninitialized State = iota
	// StateFreelists marks the PMM watermark and freelists up.
	StateFreelists
	// StateInternal marks the internal allocator up.
	StateInternal
	// StateDynamic marks buddy attachment armed.
	StateDynamic
	// StateSlab marks the general SLAB primed.
	StateSlab
	// StateReady marks the manager fully operational.
	StateReady
)

// ErrUnimplemented reports the realloc stub.
var ErrUnimplemented = errors.New("kmm: realloc unimplemented")

// slabLowestExp pins the general SLAB's smallest class at 16 bytes, so
// its eight classes span 16 bytes through half the page size.
const slabLowestExp = 4

var (
	log = kdebug.Component("kmm")

	mu    sync.Mutex
	state State
	pm    *pmm.Manager
	gslab slab.Meta
)

// Options tune the bring-up.
type Options struct {
	// Config overrides the default bias geometry.
	Config *boot.Config
	// SlabPages is how many pages each general SLAB class receives
	// per expansion. Defaults to one.
	SlabPages uintptr
	// HangOnCorruption keeps the early-boot corruption policy after
	// boot completes.
	HangOnCorruption bool
}

// Init boots the manager over the firmware memory map. The map is
// consumed in place. Calling Init twice is an error; the kernel never
// tears its memory manager down. A failed physical manager bootstrap is
// reported through kdebug.Fatal, which stops the process during early
// boot.
func Init(mmap []boot.MapEntry, opts *Options) error {
	mu.Lock()
	defer mu.Unlock()

	if state != StateUninitialized {
		return errors.New("kmm: already initialized")
	}
	if opts == nil {
		opts = &Options{}
	}
	if opts.SlabPages == 0 {
		opts.SlabPages = 1
	}
	kdebug.SetHangOnCorruption(opts.HangOnCorruption)

	manager, err := pmm.Init(mmap, opts.Config)
	if err != nil {
		kdebug.Fatal(log, "pmm bootstrap: %v", err)
		return err
	}
	pm = manager
	state = StateFreelists

	if err := ialloc.Init(1, func(pages uintptr) (uintptr, error) {
		return pm.Alloc(pages * arch.PageSize)
	}); err != nil {
		return err
	}
	state = StateInternal

	if err := pm.EnableDynamic(ialloc.Hooks()); err != nil {
		return err
	}
	state = StateDynamic

	if err := gslab.Init(slabLowestExp, opts.SlabPages, func(pages uintptr) (uintptr, error) {
		return pm.Alloc(pages * arch.PageSize)
	}); err != nil {
		return err
	}
	if slot, err := gslab.Expand(opts.SlabPages); err != nil {
		return errors.Wrapf(err, "prime general class %d", slot)
	}
	state = StateSlab

	kdebug.SetBootComplete(true)
	state = StateReady
	log.Info("memory manager ready")
	return nil
}

// CurrentState reports the bring-up state.
func CurrentState() State {
	mu.Lock()
	defer mu.Unlock()
	return state
}

func ready() bool {
	mu.Lock()
	defer mu.Unlock()
	return state == StateReady
}

// Alloc returns size bytes, routing anything above half a page to the
// physical manager and the rest to the general SLAB.
func Alloc(size uintptr) uintptr {
	if !ready() || size == 0 {
		return 0
	}

	if size > arch.PageSize/2 {
		if size < arch.PageSize {
			size = arch.PageSize
		}
		p, err := pm.Alloc(size)
		if err != nil {
			log.Errorf("alloc %d: %v", size, err)
			return 0
		}
		return p
	}

	p, err := gslab.Alloc(size)
	if err != nil {
		log.Errorf("alloc %d: %v", size, err)
		return 0
	}
	return p
}

// Calloc returns zeroed storage for count objects of size bytes.
func Calloc(size, count uintptr) uintptr {
	if size == 0 || count == 0 {
		return 0
	}
	total := size * count
	if total/count != size {
		log.Errorf("calloc %d x %d overflows", size, count)
		return 0
	}
	p := Alloc(total)
	if p != 0 {
		cell.Zero(p, total)
	}
	return p
}

// Free releases p through whichever allocator owns it and reports the
// freed size. Unknown addresses report zero.
func Free(p uintptr) uintptr {
	if !ready() || p == 0 {
		return 0
	}

	if size := gslab.Free(p); size != 0 {
		return size
	}
	size, err := pm.Free(p)
	if err != nil || size == 0 {
		log.Errorf("free of unknown address 0x%x", p)
		return 0
	}
	return size
}

// Realloc is intentionally not provided; callers allocate and copy.
func Realloc(p, size uintptr) uintptr {
	log.Errorf("realloc of 0x%x to %d bytes rejected: %v", p, size, ErrUnimplemented)
	return 0
}

// Expand grows every general SLAB class by pages pages.
func Expand(pages uintptr) error {
	if !ready() {
		return errors.New("kmm: not initialized")
	}
	slot, err := gslab.Expand(pages)
	return errors.Wrapf(err, "class %d", slot)
}

// PmmAlloc returns a physical block of at least size bytes.
func PmmAlloc(size uintptr) uintptr {
	if !ready() {
		return 0
	}
	p, err := pm.Alloc(size)
	if err != nil {
		log.Errorf("pmm alloc %d: %v", size, err)
		return 0
	}
	return p
}

// PmmFree releases a physical block and reports its size.
func PmmFree(p uintptr) uintptr {
	if !ready() || p == 0 {
		return 0
	}
	size, err := pm.Free(p)
	if err != nil {
		log.Errorf("pmm free 0x%x: %v", p, err)
		return 0
	}
	return size
}

// LowAlloc returns a physical block from low memory.
func LowAlloc(size uintptr) uintptr {
	if !ready() {
		return 0
	}
	p, err := pm.LowAlloc(size)
	if err != nil {
		log.Errorf("low alloc %d: %v", size, err)
		return 0
	}
	return p
}

// LowFree releases a low-memory block and reports its size. Frees
// route by address, so this is a convenience alias kept for symmetry
// with LowAlloc.
func LowFree(p uintptr) uintptr {
	return PmmFree(p)
}

// LowFastPageAlloc returns one smallest page from low memory.
func LowFastPageAlloc() uintptr {
	if !ready() {
		return 0
	}
	p, err := pm.FastPageAlloc(pmm.Low)
	if err != nil {
		log.Errorf("low fast page alloc: %v", err)
		return 0
	}
	return p
}

// LowFastPageFree returns one low-memory page to its pool.
func LowFastPageFree(p uintptr) uintptr {
	if !ready() {
		return 0
	}
	return pm.FastPageFree(p)
}

// FastPageAlloc returns one smallest page in O(1).
func FastPageAlloc() uintptr {
	if !ready() {
		return 0
	}
	p, err := pm.FastPageAlloc(pmm.High)
	if err != nil {
		log.Errorf("fast page alloc: %v", err)
		return 0
	}
	return p
}

// FastPageFree returns one smallest page to the pool.
func FastPageFree(p uintptr) uintptr {
	if !ready() {
		return 0
	}
	return pm.FastPageFree(p)
}

// NewVMM builds a virtual range facade backed by the internal
// allocator's node storage.
func NewVMM(kind vmm.Kind, base, size, smallest uintptr, pager vmm.Pager, flags uint32) (*vmm.Meta, error) {
	if !ready() {
		return nil, errors.New("kmm: not initialized")
	}
	h := ialloc.Hooks()
	return vmm.New(kind, base, size, smallest, vmm.Hooks{Alloc: h.Alloc, Free: h.Free}, pager, flags)
}

// Manager exposes the physical manager for subsystems that need the
// class-explicit surface.
func Manager() *pmm.Manager {
	mu.Lock()
	defer mu.Unlock()
	return pm
}
