// Package cell provides typed views onto raw memory. The allocators
// own regions of bytes the Go runtime knows nothing about; a cell view
// transmutes a range of those bytes into a header or a free node so the
// same address can alternate between "user bytes" and "allocator
// metadata" over its lifetime.
//
// Views must only contain scalar fields (uintptr links, counters,
// locks): real Go pointers written into unmanaged memory would be
// invisible to the garbage collector.
package cell

import "unsafe"

// View reinterprets the memory at addr as a *T. The caller guarantees
// addr is suitably aligned and that sizeof(T) bytes are owned by it.
func View[T any](addr uintptr) *T {
	return (*T)(unsafe.Pointer(addr))
}

// Slice reinterprets the memory at addr as a []T of n elements.
func Slice[T any](addr uintptr, n int) []T {
	return unsafe.Slice((*T)(unsafe.Pointer(addr)), n)
}

// Uintptr loads the word stored at addr.
func Uintptr(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

// PutUintptr stores v at addr.
func PutUintptr(addr, v uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = v
}

// Zero clears n bytes starting at addr.
func Zero(addr, n uintptr) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	for i := range b {
		b[i] = 0
	}
}

// Bytes exposes n bytes at addr as a slice.
func Bytes(addr, n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// SizeOf reports the size of T in bytes.
func SizeOf[T any]() uintptr {
	var t T
	return unsafe.Sizeof(t)
}
