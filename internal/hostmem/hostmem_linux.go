//go:build linux

package hostmem

import "golang.org/x/sys/unix"

func mapAnonymous(size uintptr) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

func unmapAnonymous(mem []byte) error {
	return unix.Munmap(mem)
}
