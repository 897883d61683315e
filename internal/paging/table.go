package paging

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/GeraldLeeDoesThings/EepyOS/internal/kconfig"
)

// NumEntries is the fixed fan-out of one Sv39 table level.
const NumEntries = 512

const entrySize = 8 // bytes per raw PTE word

// EmitFence is called after every entry write that changes an entry's
// valid/invalid state, and once more after FlatMap's whole loop. On real
// hardware it is riscv64.EmitMMUFence; tests run against a no-op so they
// don't need to link the assembly trampoline.
var EmitFence = func() {}

// Sv39PageTable is a view over one page-table-sized (4096 byte) region of
// physical memory, addressed directly the way the MMU itself would. In
// tests that region is backed by an ordinary byte slice.
type Sv39PageTable struct {
	addr uintptr
}

// FrameAllocator supplies the physical page-sized frames new subtables and
// mapped pages live in.
type FrameAllocator interface {
	AllocatePages(n int) (uintptr, int, error)
}

// NewSv39PageTable builds a table over backing, which must be exactly one
// page (512 entries * 8 bytes) long, zeroing every entry and recording
// level.
func NewSv39PageTable(backing []byte, level int) (*Sv39PageTable, error) {
	if len(backing) != NumEntries*entrySize {
		return nil, fmt.Errorf("paging: backing region is %d bytes, want %d", len(backing), NumEntries*entrySize)
	}
	t := &Sv39PageTable{addr: uintptr(unsafe.Pointer(&backing[0]))}
	for i := 0; i < NumEntries; i++ {
		t.storeEntry(i, 0)
	}
	if err := t.SetLevel(level); err != nil {
		return nil, err
	}
	return t, nil
}

// PhysAddr returns the physical address this table's entries live at.
func (t *Sv39PageTable) PhysAddr() uintptr { return t.addr }

func (t *Sv39PageTable) entryPtr(index int) *uint64 {
	return (*uint64)(unsafe.Pointer(t.addr + uintptr(index)*entrySize))
}

func (t *Sv39PageTable) loadEntry(index int) uint64 {
	return atomic.LoadUint64(t.entryPtr(index))
}

func (t *Sv39PageTable) storeEntry(index int, v uint64) {
	atomic.StoreUint64(t.entryPtr(index), v)
}

func (t *Sv39PageTable) casEntry(index int, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(t.entryPtr(index), old, new)
}

// Entry returns the raw entry at index, which must be in [0, NumEntries).
func (t *Sv39PageTable) Entry(index int) PTE { return PTE(t.loadEntry(index)) }

// AcquireReferenceLock claims the table's embedded refcount lock.
func (t *Sv39PageTable) AcquireReferenceLock() { t.ReferenceCounter().AcquireLock() }

// ReleaseReferenceLock releases the table's embedded refcount lock.
func (t *Sv39PageTable) ReleaseReferenceLock() { t.ReferenceCounter().ReleaseLock() }

func childTable(entry PTE) *Sv39PageTable {
	return &Sv39PageTable{addr: entry.PhysAddr()}
}

// vpnIndex extracts the 9-bit VPN field for one translation level (0 is
// the lowest, nearest a 4KiB page; 2 is the root).
func vpnIndex(va uintptr, level int) int {
	shift := uint(12 + 9*level)
	return int((va >> shift) & 0x1FF)
}

// checkCanonical validates that bits 63-39 of va are the sign extension of
// bit 38, the shape every real Sv39 virtual address must have.
func checkCanonical(va uintptr) error {
	bit38 := (va >> 38) & 1
	upper := va >> 39
	var want uintptr
	if bit38 == 1 {
		want = (uintptr(1) << 25) - 1
	}
	if upper != want {
		return ErrUpperBitsMalformed
	}
	return nil
}

// Translate walks the table from the root down to a leaf, returning the
// physical address va maps to.
func (t *Sv39PageTable) Translate(va uintptr) (uintptr, error) {
	if err := checkCanonical(va); err != nil {
		return 0, err
	}
	table := t
	for level := t.Level(); ; level-- {
		index := vpnIndex(va, level)
		entry := table.Entry(index)
		if !entry.Valid() {
			return 0, ErrInvalidEntry
		}
		if entry.IsLeaf() {
			return assembleSuperpageAddr(va, entry, level), nil
		}
		if level == 0 {
			return 0, ErrLevelZeroPointer
		}
		table = childTable(entry)
	}
}

// assembleSuperpageAddr rebuilds the physical address a leaf found at
// currentLevel maps va to: the low 12 bits and every VPN slice below
// currentLevel pass straight through from va (the superpage bits), while
// currentLevel and above come from the entry's own PPN.
func assembleSuperpageAddr(va uintptr, entry PTE, currentLevel int) uintptr {
	var ppn uintptr
	for l := 0; l <= 2; l++ {
		var bits uintptr
		if l < currentLevel {
			bits = (va >> uint(12+9*l)) & 0x1FF
		} else {
			bits = entry.PPNAtLevel(l)
		}
		ppn |= bits << uint(9*l)
	}
	return ppn<<12 | (va & (kconfig.PageSize - 1))
}

// SetMap installs a mapping from va to the physical frame at ppn at the
// requested level (0 installs an ordinary 4KiB leaf; 1 or 2 install a
// superpage spanning 2MiB or 1GiB respectively), allocating intermediate
// tables from alloc as needed and bumping the reference count of every
// table it creates or extends. level must not exceed the table's own
// level.
func (t *Sv39PageTable) SetMap(va uintptr, ppn uintptr, level int, perms PagePermissions, alloc FrameAllocator) error {
	if err := checkCanonical(va); err != nil {
		return err
	}
	if level < 0 || level > t.Level() {
		return ErrImpossibleLevel
	}
	return t.setMapAt(va, ppn, level, perms, alloc)
}

func (t *Sv39PageTable) setMapAt(va uintptr, ppn uintptr, level int, perms PagePermissions, alloc FrameAllocator) error {
	l := t.Level()
	index := vpnIndex(va, l)
	entry := t.Entry(index)

	if l == level {
		if entry.Valid() {
			if entry.IsLeaf() {
				return ErrAddressAlreadyInUse
			}
			return ErrMappingIsActivePointer
		}
		// Build from the loaded entry so the reserved-software bits the
		// first eight entries carry survive the write.
		leaf := entry.WithPPN(ppn)
		leaf = perms.apply(leaf)
		leaf = leaf.WithValid(true)
		t.storeEntry(index, uint64(leaf))
		EmitFence()
		t.ReferenceCounter().Increment()
		return nil
	}

	if entry.Valid() {
		if entry.IsLeaf() {
			return ErrAddressAlreadyInUse
		}
		return childTable(entry).setMapAt(va, ppn, level, perms, alloc)
	}

	frameAddr, _, err := alloc.AllocatePages(1)
	if err != nil {
		return err
	}
	backing := unsafe.Slice((*byte)(unsafe.Pointer(frameAddr)), kconfig.PageSize)
	child, err := NewSv39PageTable(backing, l-1)
	if err != nil {
		return err
	}
	if err := child.setMapAt(va, ppn, level, perms, alloc); err != nil {
		return err
	}
	child.ReferenceCounter().SetParentAlive(true)

	newEntry := entry.WithPPN(frameAddr >> 12)
	newEntry = PagePermissions{}.apply(newEntry) // no R/W/X marks it a pointer
	newEntry = newEntry.WithValid(true)
	t.storeEntry(index, uint64(newEntry))
	EmitFence()
	t.ReferenceCounter().Increment()
	return nil
}

// Map allocates a fresh physical frame from alloc and maps va to it at
// leaf granularity (level 0).
func (t *Sv39PageTable) Map(va uintptr, perms PagePermissions, alloc FrameAllocator) error {
	frameAddr, _, err := alloc.AllocatePages(1)
	if err != nil {
		return err
	}
	return t.SetMap(va, frameAddr>>12, 0, perms, alloc)
}

// FlatMap identity-maps every entry of t directly at t's own level,
// producing an identity map of the whole address space this table covers
// at that level's granularity (1GiB for a root table) in a single pass
// over its 512 entries. It is used once at boot to map the kernel's own
// running image before any process-specific address space exists.
//
// Like SetMap it builds each new entry from the loaded word, so the
// table's first eight entries keep the refcount/level/lock bookkeeping
// their reserved-software bits carry (refcount.go): those bits live in a
// disjoint part of the entry word (bits 8-9) from the
// valid/permission/PPN bits this loop touches, and the two coexist in
// the same word.
func (t *Sv39PageTable) FlatMap(perms PagePermissions) {
	level := t.Level()
	for index := 0; index < NumEntries; index++ {
		entry := t.Entry(index)
		entry = entry.WithPPN(uintptr(index) << uint(9*level))
		entry = perms.apply(entry)
		entry = entry.WithAccessed(true).WithDirty(true).WithValid(true)
		t.storeEntry(index, uint64(entry))
	}
	EmitFence()
}

// Satp computes the value to program into the satp CSR to activate this
// table as the root of Sv39 translation (mode 8).
func (t *Sv39PageTable) Satp() uint64 {
	const sv39Mode = uint64(8) << 60
	return sv39Mode | uint64(t.addr>>12)
}

// Activate programs and switches to this table as the active root, using
// act to perform the actual CSR write and fence (an architecture-specific
// operation supplied by the caller).
func (t *Sv39PageTable) Activate(act func(satp uint64)) {
	act(t.Satp())
}
