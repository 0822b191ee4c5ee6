// Package boot carries the firmware-facing inputs of the memory
// manager: the physical memory map handed over by the boot protocol and
// the bias tables that steer how each map entry is carved into
// freelists.
package boot

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Arctan-OS/Kmm/internal/arch"
	"github.com/Arctan-OS/Kmm/internal/kdebug"
)

// MemoryType classifies a memory map entry. Values other than the ones
// named here are firmware specific and treated as reserved.
type MemoryType uint32

const (
	// MemoryAvailable marks usable RAM. The PMM consumes only these.
	MemoryAvailable MemoryType = iota
	// MemoryReserved marks firmware-owned memory.
	MemoryReserved
	// MemoryACPIReclaimable marks ACPI tables; reserved to the PMM.
	MemoryACPIReclaimable
	// MemoryNVS marks ACPI non-volatile storage.
	MemoryNVS
	// MemoryBadRAM marks memory the firmware found defective.
	MemoryBadRAM
)

// MapEntry is one record of the boot memory map.
type MapEntry struct {
	Base uint64
	Len  uint64
	Type MemoryType
}

// Usable reports whether the PMM may consume the entry.
func (e MapEntry) Usable() bool {
	return e.Type == MemoryAvailable
}

// Ratio is the fraction of a map entry a bias may claim.
type Ratio struct {
	Num uint32 `yaml:"num"`
	Den uint32 `yaml:"den"`
}

// Bias tells the bootstrap how aggressively to carve a memory region
// into a freelist of object size 1<<Exp, and how deep a buddy built
// over such a block may split.
type Bias struct {
	Exp         uint32 `yaml:"exp"`
	MinBlocks   uint32 `yaml:"min_blocks"`
	Ratio       Ratio  `yaml:"ratio"`
	MinBuddyExp uint32 `yaml:"min_buddy_exp"`
}

// Config is the tunable geometry of the PMM.
type Config struct {
	// LowMemLimit is the physical boundary below which memory belongs
	// to the low tables.
	LowMemLimit uint64 `yaml:"low_mem_limit"`
	// FastPageRefill is how many smallest pages a refill of the
	// fast-page pool reserves at once.
	FastPageRefill uint32 `yaml:"fast_page_refill"`
	// LowBiases and HighBiases are evaluated in order against each
	// usable map entry of the matching class.
	LowBiases  []Bias `yaml:"low_biases"`
	HighBiases []Bias `yaml:"high_biases"`
}

var log = kdebug.Component("boot")

// DefaultConfig returns the geometry used when no configuration is
// supplied: low memory threaded entirely into smallest-page freelists,
// high memory split between 2 MiB blocks and smallest pages.
func DefaultConfig() *Config {
	return &Config{
		LowMemLimit:    arch.LowMemLimit,
		FastPageRefill: 16,
		LowBiases: []Bias{
			{Exp: arch.PageSizeExp, MinBlocks: 1, Ratio: Ratio{Num: 0, Den: 1}, MinBuddyExp: arch.PageSizeExp},
		},
		HighBiases: []Bias{
			{Exp: 21, MinBlocks: 1, Ratio: Ratio{Num: 1, Den: 2}, MinBuddyExp: arch.PageSizeExp},
			{Exp: arch.PageSizeExp, MinBlocks: 1, Ratio: Ratio{Num: 0, Den: 1}, MinBuddyExp: arch.PageSizeExp},
		},
	}
}

// LoadConfig reads a YAML geometry file and validates it.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return ParseConfig(raw)
}

// ParseConfig decodes and validates YAML configuration bytes. Missing
// fields fall back to the defaults.
func ParseConfig(raw []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the bias tables. Ratio sums above one are clamped by
// zeroing the trailing records rather than rejected, so a slightly
// over-eager table still boots.
func (c *Config) Validate() error {
	if c.FastPageRefill == 0 {
		c.FastPageRefill = 16
	}
	for name, table := range map[string][]Bias{"low": c.LowBiases, "high": c.HighBiases} {
		var num, den uint64 = 0, 1
		for i := range table {
			b := &table[i]
			if b.Ratio.Den == 0 {
				return errors.Errorf("%s bias %d: zero ratio denominator", name, i)
			}
			if b.Exp < arch.PageSizeExp {
				return errors.Errorf("%s bias %d: exponent %d below page size", name, i, b.Exp)
			}
			if b.MinBuddyExp > b.Exp {
				return errors.Errorf("%s bias %d: min buddy exponent above bias exponent", name, i)
			}
			// Accumulate num/den over a common denominator.
			num = num*uint64(b.Ratio.Den) + uint64(b.Ratio.Num)*den
			den *= uint64(b.Ratio.Den)
			if num > den {
				log.Warnf("%s bias table ratios exceed 1 at record %d; clamping", name, i)
				b.Ratio.Num = 0
				num = den
			}
		}
	}
	return nil
}
