// Package bump implements the kernel's bootstrap allocator: a single
// monotonically increasing byte offset into a region of RAM reserved
// ahead of the page allocator's memory. The page allocator does not draw
// its bitmaps or free lists from it (page.New builds those itself); at
// boot the only user is the console's "bumpa" diagnostic, which reads Top.
package bump

import (
	"fmt"
	"sync/atomic"

	"github.com/GeraldLeeDoesThings/EepyOS/internal/kpanic"
)

// OutOfMemoryError is returned when an allocation would push the offset
// past the region length.
type OutOfMemoryError struct {
	Requested uintptr
	Remaining uintptr
}

func (e OutOfMemoryError) Error() string {
	return fmt.Sprintf("bump allocator out of memory: requested %d bytes, %d remaining", e.Requested, e.Remaining)
}

// Allocator hands out monotonically increasing offsets from a base
// address. Deallocation is not supported: freeing a bump allocation is a
// fatal bug, since nothing tracks which bytes are still referenced.
type Allocator struct {
	base   uintptr
	length uintptr
	offset atomic.Uintptr
}

func alignUp(val, align uintptr) uintptr {
	if align == 0 {
		return val
	}
	return (val + align - 1) &^ (align - 1)
}

// New returns an Allocator managing [base, base+length).
func New(base, length uintptr) *Allocator {
	return &Allocator{base: base, length: length}
}

// Allocate reserves size bytes aligned to align, returning the resulting
// address. It retries its compare-and-swap loop until it either commits
// the new offset or observes that the region is exhausted.
func (a *Allocator) Allocate(size, align uintptr) (uintptr, error) {
	for {
		current := a.offset.Load()
		start := alignUp(current, align)
		next := start + size
		if next > a.length {
			return 0, OutOfMemoryError{Requested: size, Remaining: a.length - current}
		}
		if a.offset.CompareAndSwap(current, next) {
			return a.base + start, nil
		}
	}
}

// Deallocate always panics: the bump allocator never reclaims memory.
func (a *Allocator) Deallocate(uintptr) {
	kpanic.Panic("Attempted to deallocate from the bump allocator.")
}

// Top returns the current top-of-bump address, for diagnostics (the
// console's "bumpa" command).
func (a *Allocator) Top() uintptr {
	return a.base + a.offset.Load()
}
