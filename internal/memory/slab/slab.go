// Package slab implements the SLUB-style object allocator layered on top
// of the page allocator: one page per slot size, sliced into equal slots
// whose free-link indices live inside the slots themselves, looked up by
// binary search over a slot-size-sorted header list.
//
// This allocator cannot grow: once a slot size's one slab page is full,
// further allocations of that size return an error rather than claiming
// a second page.
package slab

import (
	"fmt"
	"sort"
	"unsafe"

	"github.com/GeraldLeeDoesThings/EepyOS/internal/kpanic"
	"github.com/GeraldLeeDoesThings/EepyOS/internal/lock"
	"github.com/GeraldLeeDoesThings/EepyOS/internal/memory/page"
	"github.com/GeraldLeeDoesThings/EepyOS/internal/memory/ptrmath"
)

const freeLinkSize = 16 // bytes; also the slot-size unit

func ptrAt(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}

// ZeroSlotError is returned when a requested (size, align) pair rounds
// up to a zero slot size, which happens only when both are zero.
type ZeroSlotError struct{}

func (ZeroSlotError) Error() string { return "requested layout rounds to a zero slot size" }

// FullError is returned when a slab's one page has no free slots left;
// this is the documented no-growth limitation, not a transient condition
// that retrying resolves.
type FullError struct{ SlotSize uint16 }

func (e FullError) Error() string {
	return fmt.Sprintf("slab for slot size %d is full and cannot grow", e.SlotSize)
}

const noHead = -1

type slotNode struct {
	next int32
	prev int32
}

// header owns exactly one page for a single slot size.
type header struct {
	slotSize uint16 // in units of freeLinkSize
	inUse    uint32
	head     int32 // index of a free slot, or noHead
	pageAddr uintptr
	numSlots int32
}

func (h *header) slotAddr(index int32) uintptr {
	return h.pageAddr + uintptr(index)*uintptr(h.slotSize)*freeLinkSize
}

func (h *header) readNode(index int32) slotNode {
	return *(*slotNode)(ptrAt(h.slotAddr(index)))
}

func (h *header) writeNode(index int32, n slotNode) {
	*(*slotNode)(ptrAt(h.slotAddr(index))) = n
}

func newHeader(pageAddr uintptr, pageSize uintptr, slotSize uint16) *header {
	numSlots := int32(pageSize / freeLinkSize / uintptr(slotSize))
	h := &header{slotSize: slotSize, pageAddr: pageAddr, numSlots: numSlots, head: noHead}
	if numSlots == 0 {
		return h
	}
	for i := int32(0); i < numSlots; i++ {
		next := (i + 1) % numSlots
		prev := (i - 1 + numSlots) % numSlots
		h.writeNode(i, slotNode{next: next, prev: prev})
	}
	h.head = 0
	return h
}

func (h *header) allocate() (uintptr, error) {
	if h.head == noHead {
		return 0, FullError{SlotSize: h.slotSize}
	}
	index := h.head
	node := h.readNode(index)
	if node.next == node.prev && node.next == index {
		h.head = noHead
	} else {
		nextNode := h.readNode(node.next)
		nextNode.prev = node.prev
		h.writeNode(node.next, nextNode)

		prevNode := h.readNode(node.prev)
		prevNode.next = node.next
		h.writeNode(node.prev, prevNode)

		h.head = node.next
	}
	h.inUse++
	return h.slotAddr(index), nil
}

func (h *header) deallocate(ptr uintptr) error {
	offset, err := ptrmath.OffsetBetween(ptr, h.pageAddr, freeLinkSize)
	if err != nil {
		return fmt.Errorf("slab deallocate: %w", err)
	}
	if offset%int64(h.slotSize) != 0 {
		kpanic.Panic("Freed pointer does not land on a slot boundary.")
	}
	index := int32(offset / int64(h.slotSize))

	if h.head == noHead {
		h.writeNode(index, slotNode{next: index, prev: index})
		h.head = index
	} else {
		head := h.head
		headNode := h.readNode(head)
		h.writeNode(index, slotNode{next: headNode.next, prev: head})

		nextNode := h.readNode(headNode.next)
		nextNode.prev = index
		h.writeNode(headNode.next, nextNode)

		headNode.next = index
		h.writeNode(head, headNode)
		// The freed slot becomes the head, so the next allocation of this
		// size hands it out again.
		h.head = index
	}
	h.inUse--
	return nil
}

// Allocator is the sorted sequence of slab headers keyed by slot size.
type Allocator struct {
	headers  []*header
	pages    *page.Allocator
	pageSize uintptr
	guard    lock.Lock
}

// New returns a slab allocator that claims backing pages from pages.
func New(pages *page.Allocator, pageSize uintptr) *Allocator {
	return &Allocator{pages: pages, pageSize: pageSize}
}

func slotSizeFor(size, align uintptr) (uint16, error) {
	unit := size
	if align > unit {
		unit = align
	}
	slotSize := (unit + freeLinkSize - 1) / freeLinkSize
	if slotSize == 0 {
		return 0, ZeroSlotError{}
	}
	if slotSize > 0xFFFF {
		kpanic.Panic("Requested slot size exceeds the maximum representable slot size.")
	}
	return uint16(slotSize), nil
}

func (a *Allocator) find(slotSize uint16) (int, bool) {
	i := sort.Search(len(a.headers), func(i int) bool { return a.headers[i].slotSize >= slotSize })
	if i < len(a.headers) && a.headers[i].slotSize == slotSize {
		return i, true
	}
	return i, false
}

// Allocate reserves size bytes aligned to align. Guarded by the
// allocator's own lock, since it is a global allocator any kernel code
// may call concurrently.
func (a *Allocator) Allocate(size, align uintptr) (uintptr, error) {
	a.guard.ClaimBlocking()
	defer a.guard.Release()
	slotSize, err := slotSizeFor(size, align)
	if err != nil {
		return 0, err
	}
	i, found := a.find(slotSize)
	if found {
		return a.headers[i].allocate()
	}

	pageAddr, _, err := a.pages.AllocatePages(1)
	if err != nil {
		return 0, fmt.Errorf("slab: failed to claim backing page: %w", err)
	}
	h := newHeader(pageAddr, a.pageSize, slotSize)
	a.headers = append(a.headers, nil)
	copy(a.headers[i+1:], a.headers[i:])
	a.headers[i] = h
	return h.allocate()
}

// Deallocate frees the allocation at ptr, which must have been obtained
// from Allocate with the same size and alignment (the caller is expected
// to know the layout it frees with).
func (a *Allocator) Deallocate(ptr uintptr, size, align uintptr) error {
	a.guard.ClaimBlocking()
	defer a.guard.Release()
	slotSize, err := slotSizeFor(size, align)
	if err != nil {
		return err
	}
	i, found := a.find(slotSize)
	if !found {
		return fmt.Errorf("slab: no header for slot size %d", slotSize)
	}
	return a.headers[i].deallocate(ptr)
}

// DumpSlot reports the in-use count and head index of the header for
// blockSize (units of freeLinkSize), for the console's "slaba" command.
func (a *Allocator) DumpSlot(blockSize uint16) (inUse uint32, head int32, err error) {
	i, found := a.find(blockSize)
	if !found {
		return 0, 0, fmt.Errorf("slab: no header for slot size %d", blockSize)
	}
	h := a.headers[i]
	return h.inUse, h.head, nil
}
