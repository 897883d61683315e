// Package page implements the buddy-style physical page allocator: an
// ordered collection of per-grain free lists, each backed by a bitmap plus
// an intrusive doubly-linked ring of free blocks whose neighbour pointers
// live in the first 16 bytes of the block itself.
//
// A block at grain g covers 2^g pages. Its buddy at the same grain is the
// block whose index differs only in bit 0 (index ^ 1); its parent at grain
// g+1 covers both it and its buddy.
package page

import (
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/GeraldLeeDoesThings/EepyOS/internal/bitvector"
	"github.com/GeraldLeeDoesThings/EepyOS/internal/kpanic"
	"github.com/GeraldLeeDoesThings/EepyOS/internal/lock"
)

// OutOfMemoryError is returned when no free list holds a large enough
// block to satisfy a request.
type OutOfMemoryError struct{ RequestedPages int }

func (e OutOfMemoryError) Error() string {
	return fmt.Sprintf("page allocator out of memory: requested %d pages", e.RequestedPages)
}

// OutOfBoundsError is returned when a deallocation names a grain the
// allocator has no free list for.
type OutOfBoundsError struct{ Grain int }

func (e OutOfBoundsError) Error() string {
	return fmt.Sprintf("page allocator has no free list for grain %d", e.Grain)
}

const linkNodeSize = 16 // two 8-byte neighbour fields

const noHead = -1

// freeList tracks, for one grain, which blocks are free (bitmap) and the
// root of their ring (head block index, or noHead).
type freeList struct {
	bitmap *bitvector.BitVector
	head   int
}

// Allocator is a buddy allocator over a contiguous byte region. In
// production that region is physical RAM addressed directly; tests back
// it with an ordinary Go slice so the free-ring pointers have somewhere
// real to live without touching hardware.
type Allocator struct {
	ram      []byte
	base     uintptr
	pageSize uintptr
	numPages int
	maxGrain int
	lists    []freeList
	guard    lock.Lock
}

// New constructs an Allocator over ram (whose length must be a multiple
// of pageSize) and marks the first pagesAllocated pages, plus one guard
// page immediately above them, as permanently unavailable. Every page
// above the guard page is freed into the grain-0 list, cascading upward
// through coalescing exactly as the bootstrap free does.
//
// Whether the single extra guard page is an intentional barrier against
// an off-by-one elsewhere or is itself the off-by-one is not resolved
// here; it is load-bearing either way and must not be freed.
func New(ram []byte, pageSize uintptr, pagesAllocated int) (*Allocator, error) {
	if len(ram) == 0 || uintptr(len(ram))%pageSize != 0 {
		return nil, fmt.Errorf("page: ram length %d is not a multiple of page size %d", len(ram), pageSize)
	}
	numPages := len(ram) / int(pageSize)
	if pagesAllocated < 0 || pagesAllocated >= numPages {
		return nil, fmt.Errorf("page: pagesAllocated %d out of range for %d pages", pagesAllocated, numPages)
	}

	maxGrain := 0
	if numPages > 1 {
		maxGrain = bits.Len(uint(numPages)) - 1
	}

	a := &Allocator{
		ram:      ram,
		base:     uintptr(unsafe.Pointer(&ram[0])),
		pageSize: pageSize,
		numPages: numPages,
		maxGrain: maxGrain,
		lists:    make([]freeList, maxGrain+1),
	}
	for g := range a.lists {
		a.lists[g] = freeList{bitmap: bitvector.New(numPages >> uint(g)), head: noHead}
	}

	for index := pagesAllocated + 1; index < numPages; index++ {
		a.freeBlock(0, index)
	}
	return a, nil
}

func ceilLog2(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

func (a *Allocator) blockSize(grain int) uintptr {
	return a.pageSize << uint(grain)
}

func (a *Allocator) blockAddr(grain, index int) uintptr {
	return a.base + uintptr(index)*a.blockSize(grain)
}

type ringNode struct {
	next int64
	prev int64
}

func (a *Allocator) readNode(grain, index int) ringNode {
	p := (*ringNode)(unsafe.Pointer(a.blockAddr(grain, index)))
	return *p
}

func (a *Allocator) writeNode(grain, index int, node ringNode) {
	p := (*ringNode)(unsafe.Pointer(a.blockAddr(grain, index)))
	*p = node
}

// unlinkBlock removes index from grain's ring, given that its bitmap bit
// is currently set (it is free).
func (a *Allocator) unlinkBlock(grain, index int) {
	list := &a.lists[grain]
	node := a.readNode(grain, index)
	if node.next == int64(index) {
		list.head = noHead
	} else {
		nextNode := a.readNode(grain, int(node.next))
		nextNode.prev = node.prev
		a.writeNode(grain, int(node.next), nextNode)

		prevNode := a.readNode(grain, int(node.prev))
		prevNode.next = node.next
		a.writeNode(grain, int(node.prev), prevNode)

		if list.head == index {
			list.head = int(node.next)
		}
	}
	list.bitmap.Set(index, false)
}

// linkBlock inserts index into grain's ring (marking it free).
func (a *Allocator) linkBlock(grain, index int) {
	list := &a.lists[grain]
	if list.head == noHead {
		a.writeNode(grain, index, ringNode{next: int64(index), prev: int64(index)})
		list.head = index
	} else {
		head := list.head
		headNode := a.readNode(grain, head)
		a.writeNode(grain, index, ringNode{next: headNode.next, prev: int64(head)})

		nextNode := a.readNode(grain, int(headNode.next))
		nextNode.prev = int64(index)
		a.writeNode(grain, int(headNode.next), nextNode)

		headNode.next = int64(index)
		a.writeNode(grain, head, headNode)
	}
	list.bitmap.Set(index, true)
}

// freeBlock frees a block during initialization, panicking if its bit at
// that grain already records it as free.
func (a *Allocator) freeBlock(grain, index int) {
	if free, _ := a.lists[grain].bitmap.Get(index); free {
		kpanic.Panic("Page already recorded as free during initialization.")
		return
	}
	a.coalesceFree(grain, index)
}

func (a *Allocator) coalesceFree(grain, index int) {
	for grain < a.maxGrain {
		buddy := index ^ 1
		if free, _ := a.lists[grain].bitmap.Get(buddy); !free {
			break
		}
		a.unlinkBlock(grain, buddy)
		index &^= 1
		index >>= 1
		grain++
	}
	a.linkBlock(grain, index)
}

// AllocatePages returns a block of at least n contiguous pages, rounded up
// to the next power of two, along with the grain it was allocated at. The
// whole free-list search/split runs under the allocator's guard lock,
// since it is a global allocator any kernel code may call concurrently.
func (a *Allocator) AllocatePages(n int) (uintptr, int, error) {
	a.guard.ClaimBlocking()
	defer a.guard.Release()
	if n < 1 {
		n = 1
	}
	grain := ceilLog2(n)
	if grain > a.maxGrain {
		return 0, 0, OutOfMemoryError{RequestedPages: n}
	}
	if a.lists[grain].head != noHead {
		index := a.lists[grain].head
		a.unlinkBlock(grain, index)
		return a.blockAddr(grain, index), grain, nil
	}

	sourceGrain := -1
	for g := grain + 1; g <= a.maxGrain; g++ {
		if a.lists[g].head != noHead {
			sourceGrain = g
			break
		}
	}
	if sourceGrain == -1 {
		return 0, 0, OutOfMemoryError{RequestedPages: n}
	}

	index := a.lists[sourceGrain].head
	a.unlinkBlock(sourceGrain, index)
	for g := sourceGrain; g > grain; g-- {
		lowerHalf := index * 2
		upperHalf := index*2 + 1
		a.linkBlock(g-1, upperHalf)
		index = lowerHalf
	}
	return a.blockAddr(grain, index), grain, nil
}

// DeallocatePages returns a block at the given grain, coalescing with its
// buddy recursively for as long as the buddy is also free. Guarded by the
// same lock as AllocatePages.
func (a *Allocator) DeallocatePages(addr uintptr, grain int) error {
	a.guard.ClaimBlocking()
	defer a.guard.Release()
	if grain < 0 || grain > a.maxGrain {
		return OutOfBoundsError{Grain: grain}
	}
	blockSize := a.blockSize(grain)
	offset := addr - a.base
	if offset%blockSize != 0 {
		kpanic.Panic("Misaligned pointer passed to page deallocator.")
	}
	index := int(offset / blockSize)
	if free, ok := a.lists[grain].bitmap.Get(index); !ok || free {
		kpanic.Panic("Double free detected in page allocator.")
	}
	// A block freed earlier may have coalesced upward, so its free bit can
	// live on a containing block at any higher grain.
	for g := grain + 1; g <= a.maxGrain; g++ {
		if free, _ := a.lists[g].bitmap.Get(index >> uint(g-grain)); free {
			kpanic.Panic("Double free detected in page allocator.")
		}
	}
	a.coalesceFree(grain, index)
	return nil
}

// DumpAtGrain reports the free bitmap for diagnostics (the console's
// "pagea" command), returning an error if the grain has no free list.
func (a *Allocator) DumpAtGrain(grain int) (*bitvector.BitVector, error) {
	if grain < 0 || grain > a.maxGrain {
		return nil, OutOfBoundsError{Grain: grain}
	}
	return a.lists[grain].bitmap, nil
}

// FreePageCount returns the total number of pages currently free across
// every grain, for diagnostics and tests.
func (a *Allocator) FreePageCount() int {
	total := 0
	for g := range a.lists {
		for index := 0; index < a.lists[g].bitmap.Len(); index++ {
			if free, _ := a.lists[g].bitmap.Get(index); free {
				total += 1 << uint(g)
			}
		}
	}
	return total
}

// MaxGrain returns the highest grain this allocator has a free list for.
func (a *Allocator) MaxGrain() int {
	return a.maxGrain
}
