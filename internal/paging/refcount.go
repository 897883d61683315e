package paging

import (
	"github.com/GeraldLeeDoesThings/EepyOS/internal/kconfig"
	"github.com/GeraldLeeDoesThings/EepyOS/internal/kpanic"
)

// The reserved-software (RSW) bits of each of the first eight entries of
// every Sv39PageTable carry one piece of bookkeeping about the table as a
// whole. The bits are disjoint from the V/R/W/X/A/D/PPN bits, so those
// entries still hold ordinary mappings; SetMap and FlatMap preserve RSW
// on every write:
//
//	0: the table's level (0, 1, or 2)
//	1-4: one 2-bit digit each of an 8-bit little-endian reference count
//	5: whether a mutable reference to the table is currently held
//	6: the spinlock guarding the reference count digits
//	7: whether the table's parent link is still alive
const (
	metaEntryLevel          = 0
	metaEntryRefcountDigit0 = 1
	metaEntryRefcountDigit1 = 2
	metaEntryRefcountDigit2 = 3
	metaEntryRefcountDigit3 = 4
	metaEntryMutableRef     = 5
	metaEntryRefcountLock   = 6
	metaEntryParentAlive    = 7

	// NumMetadataEntries is the count of leading entries in every table
	// whose RSW bits carry bookkeeping.
	NumMetadataEntries = 8
)

var refcountDigitEntries = [4]int{
	metaEntryRefcountDigit0,
	metaEntryRefcountDigit1,
	metaEntryRefcountDigit2,
	metaEntryRefcountDigit3,
}

// ReferenceCounterHandle operates on one table's embedded bookkeeping
// bits.
type ReferenceCounterHandle struct {
	table *Sv39PageTable
}

// ReferenceCounter returns a handle for t's embedded bookkeeping.
func (t *Sv39PageTable) ReferenceCounter() ReferenceCounterHandle {
	return ReferenceCounterHandle{table: t}
}

func (h ReferenceCounterHandle) digit(entry int) uint64 {
	return PTE(h.table.loadEntry(entry)).RSW()
}

func (h ReferenceCounterHandle) setDigit(entry int, val uint64) {
	old := PTE(h.table.loadEntry(entry))
	h.table.storeEntry(entry, uint64(old.WithRSW(val)))
}

// AcquireLock spins on the table's reference-count lock bit, panicking if
// it cannot be claimed within the configured retry budget. The lock bit
// itself lives in the RSW field of its entry (the same "reserved for
// software" bits the refcount digits use), not the entry's ordinary V
// bit: that keeps it out of FlatMap's way, since FlatMap unconditionally
// sets every entry's V/permission bits but never touches RSW.
func (h ReferenceCounterHandle) AcquireLock() {
	for i := 0; i < kconfig.MaxLockAcquireCycles; i++ {
		if h.digit(metaEntryRefcountLock) != 0 {
			continue
		}
		old := PTE(h.table.loadEntry(metaEntryRefcountLock))
		if h.table.casEntry(metaEntryRefcountLock, uint64(old), uint64(old.WithRSW(1))) {
			return
		}
	}
	kpanic.Panic("Failed to acquire page table reference count lock.")
}

// ReleaseLock clears the reference-count lock bit.
func (h ReferenceCounterHandle) ReleaseLock() {
	h.setDigit(metaEntryRefcountLock, 0)
}

// Count returns the current 8-bit reference count.
func (h ReferenceCounterHandle) Count() uint8 {
	var total uint64
	for i, entry := range refcountDigitEntries {
		total |= h.digit(entry) << uint(2*i)
	}
	return uint8(total)
}

// Increment advances the reference count by one, carrying across digits
// exactly like a 4-digit base-4 counter. It panics with the message
// "Reference count for page table overflowed." if the count is already at
// its maximum of 255 rather than silently saturating.
func (h ReferenceCounterHandle) Increment() {
	h.AcquireLock()
	defer h.ReleaseLock()
	for _, entry := range refcountDigitEntries {
		d := h.digit(entry)
		if d < 3 {
			h.setDigit(entry, d+1)
			return
		}
		h.setDigit(entry, 0)
	}
	kpanic.Panic("Reference count for page table overflowed.")
}

// Decrement reduces the reference count by one, borrowing across digits.
// It panics with "Reference count for page table underflowed." if the
// count is already zero.
func (h ReferenceCounterHandle) Decrement() {
	h.AcquireLock()
	defer h.ReleaseLock()
	for _, entry := range refcountDigitEntries {
		d := h.digit(entry)
		if d > 0 {
			h.setDigit(entry, d-1)
			return
		}
		h.setDigit(entry, 3)
	}
	kpanic.Panic("Reference count for page table underflowed.")
}

// ClaimMutable atomically claims the table's mutable-reference flag,
// reporting false if it was already held or if more than one reference
// is outstanding: a mutable reference must be the only live one. Like
// the refcount lock, the flag lives in its entry's RSW field rather
// than its V bit.
func (h ReferenceCounterHandle) ClaimMutable() bool {
	if h.Count() > 1 {
		return false
	}
	old := PTE(h.table.loadEntry(metaEntryMutableRef))
	if old.RSW() != 0 {
		return false
	}
	return h.table.casEntry(metaEntryMutableRef, uint64(old), uint64(old.WithRSW(1)))
}

// ReleaseMutable clears the table's mutable-reference flag.
func (h ReferenceCounterHandle) ReleaseMutable() {
	h.setDigit(metaEntryMutableRef, 0)
}

// MutableHeld reports whether a mutable reference is currently claimed.
func (h ReferenceCounterHandle) MutableHeld() bool {
	return h.digit(metaEntryMutableRef) != 0
}

// ParentAlive reports whether the table's parent link is still considered
// alive. Stored in its entry's RSW field for the same FlatMap-disjointness
// reason as the lock and mutable-reference flags.
func (h ReferenceCounterHandle) ParentAlive() bool {
	return h.digit(metaEntryParentAlive) != 0
}

// SetParentAlive updates the parent-alive flag.
func (h ReferenceCounterHandle) SetParentAlive(v bool) {
	val := uint64(0)
	if v {
		val = 1
	}
	h.setDigit(metaEntryParentAlive, val)
}

// Level returns the table's translation level (0 is the leaf level).
func (t *Sv39PageTable) Level() int {
	return int(PTE(t.loadEntry(metaEntryLevel)).RSW())
}

// SetLevel overwrites the table's recorded translation level.
func (t *Sv39PageTable) SetLevel(level int) error {
	if level < 0 || level > 2 {
		return ErrImpossibleLevel
	}
	old := PTE(t.loadEntry(metaEntryLevel))
	t.storeEntry(metaEntryLevel, uint64(old.WithRSW(uint64(level))))
	return nil
}
