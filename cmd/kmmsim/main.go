// Command kmmsim boots the kernel memory manager hosted: it maps an
// anonymous arena standing in for physical memory, synthesizes a boot
// memory map over it, brings the manager up and runs an allocation
// exercise so the whole stack, from the bootstrap watermark down to
// the fast-page pool, can be observed outside a kernel.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	kmm "github.com/Arctan-OS/Kmm"
	"github.com/Arctan-OS/Kmm/internal/arch"
	"github.com/Arctan-OS/Kmm/internal/boot"
	"github.com/Arctan-OS/Kmm/internal/hostmem"
	"github.com/Arctan-OS/Kmm/internal/kdebug"
)

var (
	arenaMiB   uint
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "kmmsim",
		Short: "Hosted exerciser for the kernel memory manager",
	}
	root.PersistentFlags().UintVarP(&arenaMiB, "arena-mib", "m", 64, "arena size in MiB")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "bias configuration YAML")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "boot",
		Short: "Boot the manager and run the allocation exercise",
		RunE:  runBoot,
	})
	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the default bias configuration as YAML",
		RunE:  runConfig,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runConfig(cmd *cobra.Command, args []string) error {
	raw, err := yaml.Marshal(boot.DefaultConfig())
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(raw)
	return err
}

func runBoot(cmd *cobra.Command, args []string) error {
	if verbose {
		kdebug.SetLevel(logrus.DebugLevel)
	}
	log := kdebug.Component("kmmsim")

	cfg := boot.DefaultConfig()
	if configPath != "" {
		loaded, err := boot.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	arena, err := hostmem.Map(uintptr(arenaMiB) << 20)
	if err != nil {
		return err
	}
	defer arena.Close()

	mmap := synthesizeMap(arena.Size(), cfg)
	if err := kmm.Init(mmap, &kmm.Options{Config: cfg}); err != nil {
		return err
	}

	exercise(log)
	return nil
}

// synthesizeMap builds a boot map over the arena: the low window, a
// reserved firmware hole, and the rest of the arena as usable high
// memory.
func synthesizeMap(size uintptr, cfg *boot.Config) []boot.MapEntry {
	hole := uint64(arch.PageSize) * 16
	return []boot.MapEntry{
		{Base: 0, Len: cfg.LowMemLimit, Type: boot.MemoryAvailable},
		{Base: cfg.LowMemLimit, Len: hole, Type: boot.MemoryReserved},
		{Base: cfg.LowMemLimit + hole, Len: uint64(size) - cfg.LowMemLimit - hole, Type: boot.MemoryAvailable},
	}
}

// exercise drives Alloc, Calloc, Free, the fast-page pool and the
// Realloc stub once and reports what it saw.
func exercise(log *logrus.Entry) {
	small := kmm.Alloc(96)
	large := kmm.Alloc(3 * arch.PageSize)
	zeroed := kmm.Calloc(64, 8)
	page := kmm.FastPageAlloc()

	log.Infof("small=0x%x large=0x%x calloc=0x%x page=0x%x", small, large, zeroed, page)

	if freed := kmm.Free(small); freed == 0 {
		log.Error("small free failed")
	}
	if freed := kmm.Free(large); freed == 0 {
		log.Error("large free failed")
	}
	if freed := kmm.Free(zeroed); freed == 0 {
		log.Error("calloc free failed")
	}
	kmm.FastPageFree(page)

	if p := kmm.Realloc(small, 128); p != 0 {
		log.Error("realloc unexpectedly succeeded")
	}

	log.Info("exercise complete")
}
