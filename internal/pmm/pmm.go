// Package pmm implements the physical memory manager. It bootstraps
// from the firmware memory map with no heap behind it: a small
// watermark carved out of the first usable entry holds the
// per-exponent tables, every entry is then carved into freelists
// according to the bias configuration, and whatever remains is
// threaded onto a fast-page stack. Buddy allocators are attached
// lazily over freelist blocks once the internal allocator is running,
// serving the sizes the freelists do not.
package pmm

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/Arctan-OS/Kmm/internal/arch"
	"github.com/Arctan-OS/Kmm/internal/bank"
	"github.com/Arctan-OS/Kmm/internal/boot"
	"github.com/Arctan-OS/Kmm/internal/buddy"
	"github.com/Arctan-OS/Kmm/internal/cell"
	"github.com/Arctan-OS/Kmm/internal/freelist"
	"github.com/Arctan-OS/Kmm/internal/kdebug"
	"github.com/Arctan-OS/Kmm/internal/spin"
	"github.com/Arctan-OS/Kmm/internal/watermark"
)

var (
	// ErrOutOfMemory reports that no allocator in the manager can
	// satisfy the request.
	ErrOutOfMemory = errors.New("pmm: out of memory")
	// ErrInvalidParameters reports malformed arguments.
	ErrInvalidParameters = errors.New("pmm: invalid parameters")
	// ErrNotInitialized reports use before Init.
	ErrNotInitialized = errors.New("pmm: not initialized")
	// ErrNoUsableMemory reports a memory map without a usable entry
	// large enough to bootstrap from.
	ErrNoUsableMemory = errors.New("pmm: no usable memory")
)

var log = kdebug.Component("pmm")

// Class selects which half of the address space an operation targets.
type Class int

const (
	// High covers memory at or above the configured low limit.
	High Class = iota
	// Low covers memory below it, typically the first MiB.
	Low
)

func (c Class) String() string {
	if c == Low {
		return "low"
	}
	return "high"
}

// classState is the per-class allocator table set.
type classState struct {
	name   string
	biases []boot.Bias

	// freelists and buddies are indexed by block exponent. The
	// freelist table lives in watermark-carved memory; the buddy
	// table needs function hooks and stays on the Go side.
	freelists []freelist.List
	buddies   []buddy.List

	fast          spin.Head
	fastCount     uint64
	fastAllocated uint64

	// registry of attached freelists, built when dynamic allocation
	// comes up; drives the adopt-time ownership sweeps.
	registry *bank.Bank
}

// Manager is the physical memory manager. One instance serves the
// whole kernel lifetime.
type Manager struct {
	cfg     *boot.Config
	width   uint32
	bootwm  watermark.List
	classes [2]classState
	dynamic bool
}

// Init builds a manager over the boot memory map. The map is consumed
// in place: the bootstrap watermark carve shrinks the entry it was
// taken from.
func Init(mmap []boot.MapEntry, cfg *boot.Config) (*Manager, error) {
	if len(mmap) == 0 {
		return nil, errors.Wrap(ErrInvalidParameters, "no memory map entries")
	}
	if cfg == nil {
		cfg = boot.DefaultConfig()
	}

	m := &Manager{cfg: cfg, width: arch.PhysicalAddressWidth()}
	m.classes[High] = classState{name: "high", biases: clampBiases(cfg.HighBiases, m.width)}
	m.classes[Low] = classState{name: "low", biases: clampBiases(cfg.LowBiases, m.width)}

	log.Infof("initializing (%d bit)", m.width)

	if err := m.carveWatermark(mmap); err != nil {
		return nil, err
	}
	if err := m.layTables(); err != nil {
		return nil, err
	}
	if m.createFreelists(mmap) == 0 {
		return nil, errors.Wrap(ErrNoUsableMemory, "no entry produced a freelist")
	}
	return m, nil
}

// clampBiases drops bias records whose exponent is not below the
// physical address width.
func clampBiases(biases []boot.Bias, width uint32) []boot.Bias {
	kept := biases[:0:0]
	for _, b := range biases {
		if b.Exp >= width {
			log.Warnf("ignoring bias at exponent %d beyond %d-bit addresses", b.Exp, width)
			continue
		}
		kept = append(kept, b)
	}
	return kept
}

// tableBytes is the footprint of one class's freelist table.
func (m *Manager) tableBytes() uintptr {
	return arch.AlignUp(uintptr(m.width)*cell.SizeOf[freelist.List](), arch.PageSize)
}

// carveWatermark claims the bootstrap watermark from the first usable
// entry big enough: both classes' tables plus two pages of slack.
func (m *Manager) carveWatermark(mmap []boot.MapEntry) error {
	size := 2*m.tableBytes() + 2*arch.PageSize

	for i := range mmap {
		e := &mmap[i]
		if !e.Usable() || uintptr(e.Len) < size {
			continue
		}

		base := arch.HHDM(uintptr(e.Base))
		if uintptr(e.Len) == size {
			e.Type = boot.MemoryReserved
		} else {
			e.Base += uint64(size)
			e.Len -= uint64(size)
		}

		if err := m.bootwm.Init(base, size); err != nil {
			return err
		}
		return nil
	}
	return errors.Wrap(ErrNoUsableMemory, "bootstrap watermark")
}

// layTables allocates and zeroes the per-exponent freelist tables for
// both classes out of the bootstrap watermark.
func (m *Manager) layTables() error {
	for c := range m.classes {
		base, err := m.bootwm.Alloc(m.tableBytes())
		if err != nil {
			return errors.Wrap(err, "lay tables")
		}
		cell.Zero(base, m.tableBytes())
		m.classes[c].freelists = cell.Slice[freelist.List](base, int(m.width))
		m.classes[c].buddies = make([]buddy.List, m.width)
	}
	return nil
}

// classOf maps a physical address to its class.
func (m *Manager) classOf(phys uintptr) *classState {
	if phys < uintptr(m.cfg.LowMemLimit) {
		return &m.classes[Low]
	}
	return &m.classes[High]
}

// classFor returns the table set for an explicit class selector.
func (m *Manager) classFor(c Class) *classState {
	return &m.classes[c]
}

// createFreelists walks the usable map entries and carves each
// according to its class's bias table. Residual bytes become fast
// pages. Returns the number of entries that produced at least one
// region.
func (m *Manager) createFreelists(mmap []boot.MapEntry) int {
	initialized := 0

	for i := range mmap {
		e := mmap[i]
		if !e.Usable() || e.Len == 0 {
			continue
		}

		cs := m.classOf(uintptr(e.Base))
		base := arch.HHDM(uintptr(e.Base))
		length := uintptr(e.Len)

		log.Infof("entry 0x%x -> 0x%x (%s)", base, base+length, cs.name)

		// Ratio biases claim their share first, in table order.
		for _, b := range cs.biases {
			if b.Ratio.Num == 0 {
				continue
			}
			base, length = m.carveBias(cs, b, base, length, false)
		}
		// Zero-ratio biases sweep up what remains.
		for _, b := range cs.biases {
			if b.Ratio.Num != 0 {
				continue
			}
			base, length = m.carveBias(cs, b, base, length, true)
		}

		// Thread whatever is left as fast pages.
		m.threadFastPages(cs, base, length)
		initialized++
	}
	return initialized
}

// carveBias reserves one bias's share at base and attaches it as a
// freelist region. takeAll marks the zero-ratio sweep that claims the
// remaining length instead of a fraction.
func (m *Manager) carveBias(cs *classState, b boot.Bias, base, length uintptr, takeAll bool) (uintptr, uintptr) {
	objectSize := uintptr(1) << b.Exp
	if length < uintptr(b.MinBlocks)*objectSize {
		return base, length
	}

	var rangeLen uintptr
	if takeAll {
		rangeLen = arch.AlignUp(length-objectSize, objectSize)
	} else {
		rangeLen = arch.AlignUp(length*uintptr(b.Ratio.Num)/uintptr(b.Ratio.Den), objectSize)
	}
	if rangeLen > length {
		rangeLen = (length >> b.Exp) << b.Exp
	}
	if rangeLen == 0 {
		return base, length
	}

	region, err := freelist.InitRegion(base, base+rangeLen, objectSize)
	if err != nil {
		log.Warnf("bias %d at 0x%x: %v", b.Exp, base, err)
		return base, length
	}
	if err := cs.freelists[b.Exp].Attach(region); err != nil {
		log.Errorf("attach bias %d region: %v", b.Exp, err)
		return base, length
	}
	return base + rangeLen, length - rangeLen
}

// threadFastPages pushes every whole page in [base, base+length) onto
// the class's fast-page stack.
func (m *Manager) threadFastPages(cs *classState, base, length uintptr) {
	pages := length >> arch.PageSizeExp
	if pages == 0 {
		return
	}
	for p := base; p+arch.PageSize <= base+length; p += arch.PageSize {
		cs.fast.Push(p, storeNext)
	}
	atomic.AddUint64(&cs.fastCount, uint64(pages))
	log.Infof("\t%d fast pages from 0x%x", pages, base)
}

// EnableDynamic hands the manager its internal-allocation hooks and
// arms the lazy buddy construction. Must run after the internal
// allocator is up; the registry banks of both classes are built here.
func (m *Manager) EnableDynamic(hooks bank.Hooks) error {
	if m == nil {
		return ErrNotInitialized
	}
	for c := range m.classes {
		cs := &m.classes[c]

		reg, err := bank.New(int32(c), hooks)
		if err != nil {
			return err
		}
		for exp := range cs.freelists {
			if !cs.freelists[exp].Empty() {
				if err := reg.Add(listAddr(&cs.freelists[exp])); err != nil {
					return err
				}
			}
		}
		cs.registry = reg

		for _, b := range cs.biases {
			bl := &cs.buddies[b.Exp]
			*bl = *buddy.NewList(int32(b.Exp), int32(b.MinBuddyExp))
			bl.PageAlloc = func() (uintptr, error) { return m.FastPageAlloc(Class(c)) }
			bl.TableAlloc = func(size uintptr) (uintptr, error) { return m.Alloc(size) }
			bl.TableFree = func(addr, size uintptr) { _, _ = m.Free(addr) }
		}
	}
	m.dynamic = true
	return nil
}
