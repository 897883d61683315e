package paging

import (
	"testing"
	"unsafe"
)

const testPageSize = 4096

func ptrOf(b []byte) uintptr { return uintptr(unsafe.Pointer(&b[0])) }

func sliceAt(addr uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}

// fakeFrames hands out successive pages from a flat backing slice, enough
// for the small tables these tests build.
type fakeFrames struct {
	ram  []byte
	next int
}

func newFakeFrames(pages int) *fakeFrames {
	return &fakeFrames{ram: make([]byte, pages*testPageSize)}
}

func (f *fakeFrames) AllocatePages(n int) (uintptr, int, error) {
	start := f.next
	f.next += n
	if f.next*testPageSize > len(f.ram) {
		return 0, 0, errOutOfFrames{}
	}
	addr := ptrOf(f.ram) + uintptr(start*testPageSize)
	return addr, 0, nil
}

type errOutOfFrames struct{}

func (errOutOfFrames) Error() string { return "fakeFrames: out of frames" }

func newRootTable(t *testing.T, frames *fakeFrames) *Sv39PageTable {
	t.Helper()
	addr, _, err := frames.AllocatePages(1)
	if err != nil {
		t.Fatalf("allocate root table: %v", err)
	}
	backing := sliceAt(addr, testPageSize)
	root, err := NewSv39PageTable(backing, 2)
	if err != nil {
		t.Fatalf("NewSv39PageTable: %v", err)
	}
	return root
}

func TestPTEPermissionRoundTrip(t *testing.T) {
	perms := PagePermissions{Read: true, Write: true, User: true}
	p := PTE(0)
	p = perms.apply(p)
	if !p.Readable() || !p.Writable() || !p.User() {
		t.Fatalf("permissions did not round trip: %+v", p)
	}
	if p.Executable() || p.Global() {
		t.Fatalf("unexpected bits set: %+v", p)
	}
}

func TestPTEPPNRoundTrip(t *testing.T) {
	p := PTE(0).WithPPN(0x1234_5678)
	if got := p.PPN(); got != 0x1234_5678 {
		t.Fatalf("PPN() = %#x, want %#x", got, 0x1234_5678)
	}
	if got := p.PhysAddr(); got != 0x1234_5678<<12 {
		t.Fatalf("PhysAddr() = %#x, want %#x", got, uintptr(0x1234_5678)<<12)
	}
}

func TestReferenceCounterIncrementDecrement(t *testing.T) {
	frames := newFakeFrames(2)
	root := newRootTable(t, frames)
	rc := root.ReferenceCounter()

	if got := rc.Count(); got != 0 {
		t.Fatalf("initial count = %d, want 0", got)
	}
	for i := 0; i < 10; i++ {
		rc.Increment()
	}
	if got := rc.Count(); got != 10 {
		t.Fatalf("count after 10 increments = %d, want 10", got)
	}
	for i := 0; i < 4; i++ {
		rc.Decrement()
	}
	if got := rc.Count(); got != 6 {
		t.Fatalf("count after 4 decrements = %d, want 6", got)
	}
}

func TestReferenceCounterOverflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected overflow to panic")
		}
	}()
	frames := newFakeFrames(2)
	root := newRootTable(t, frames)
	rc := root.ReferenceCounter()
	for i := 0; i < 256; i++ {
		rc.Increment()
	}
}

func TestReferenceCounterUnderflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected underflow to panic")
		}
	}()
	frames := newFakeFrames(2)
	root := newRootTable(t, frames)
	root.ReferenceCounter().Decrement()
}

func TestClaimMutableIsExclusive(t *testing.T) {
	frames := newFakeFrames(2)
	root := newRootTable(t, frames)
	rc := root.ReferenceCounter()
	if !rc.ClaimMutable() {
		t.Fatal("first claim should succeed")
	}
	if rc.ClaimMutable() {
		t.Fatal("second claim should fail while held")
	}
	rc.ReleaseMutable()
	if !rc.ClaimMutable() {
		t.Fatal("claim should succeed again after release")
	}
	rc.ReleaseMutable()

	rc.Increment()
	rc.Increment()
	if rc.ClaimMutable() {
		t.Fatal("claim should fail with more than one reference outstanding")
	}
	rc.Decrement()
	if !rc.ClaimMutable() {
		t.Fatal("claim should succeed once the count drops back to one")
	}
}

func TestSetMapThenTranslate(t *testing.T) {
	frames := newFakeFrames(8)
	root := newRootTable(t, frames)

	va := uintptr(9)<<30 | uintptr(9)<<21 | uintptr(9)<<12 // every level's index is 9
	err := root.SetMap(va, 0x100, 0, PagePermissions{Read: true, Write: true}, frames)
	if err != nil {
		t.Fatalf("SetMap: %v", err)
	}

	got, err := root.Translate(va)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	want := uintptr(0x100) << 12
	if got != want {
		t.Fatalf("Translate() = %#x, want %#x", got, want)
	}
}

func TestSetMapThroughMetadataIndicesPreservesBookkeeping(t *testing.T) {
	frames := newFakeFrames(8)
	root := newRootTable(t, frames)
	rc := root.ReferenceCounter()
	rc.Increment()
	rc.Increment()

	// Root index 1 holds a refcount digit and the child's index 0 holds
	// the child's level; the mapping must coexist with those bits.
	va := uintptr(1) << 30
	if err := root.SetMap(va, 0x300, 0, PagePermissions{Read: true}, frames); err != nil {
		t.Fatalf("SetMap: %v", err)
	}
	if got := rc.Count(); got != 3 {
		t.Fatalf("refcount = %d, want 3 (two manual increments plus the new mapping)", got)
	}
	if got := root.Level(); got != 2 {
		t.Fatalf("Level() = %d, want 2", got)
	}
	got, err := root.Translate(va)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if want := uintptr(0x300) << 12; got != want {
		t.Fatalf("Translate() = %#x, want %#x", got, want)
	}
}

func TestSetMapDuplicateFails(t *testing.T) {
	frames := newFakeFrames(8)
	root := newRootTable(t, frames)
	va := uintptr(9)<<30 | uintptr(9)<<21 | uintptr(9)<<12

	if err := root.SetMap(va, 0x100, 0, PagePermissions{Read: true}, frames); err != nil {
		t.Fatalf("first SetMap: %v", err)
	}
	if err := root.SetMap(va, 0x200, 0, PagePermissions{Read: true}, frames); err == nil {
		t.Fatal("expected second SetMap at the same address to fail")
	}
}

func TestSetMapRejectsMalformedAddress(t *testing.T) {
	frames := newFakeFrames(4)
	root := newRootTable(t, frames)
	badVA := uintptr(1) << 40 // bit 40 set but not sign-extended
	if err := root.SetMap(badVA, 0x100, 0, PagePermissions{Read: true}, frames); err != ErrUpperBitsMalformed {
		t.Fatalf("err = %v, want ErrUpperBitsMalformed", err)
	}
}

func TestFlatMapCoversWholeRange(t *testing.T) {
	frames := newFakeFrames(16)
	root := newRootTable(t, frames)
	base := uintptr(10)<<30 | uintptr(10)<<21 | uintptr(8)<<12
	length := uintptr(3 * testPageSize)

	root.FlatMap(PagePermissions{Read: true, Write: true, Execute: true})
	for addr := base; addr < base+length; addr += testPageSize {
		got, err := root.Translate(addr)
		if err != nil {
			t.Fatalf("Translate(%#x): %v", addr, err)
		}
		if got != addr {
			t.Fatalf("Translate(%#x) = %#x, want identity", addr, got)
		}
	}
}

func TestFlatMapPreservesMetadataEntries(t *testing.T) {
	frames := newFakeFrames(4)
	root := newRootTable(t, frames)
	root.ReferenceCounter().Increment()
	root.ReferenceCounter().SetParentAlive(true)

	root.FlatMap(PagePermissions{Read: true, Write: true, Execute: true})

	if got := root.Level(); got != 2 {
		t.Fatalf("Level() after FlatMap = %d, want 2", got)
	}
	if got := root.ReferenceCounter().Count(); got != 1 {
		t.Fatalf("refcount after FlatMap = %d, want 1", got)
	}
	if !root.ReferenceCounter().ParentAlive() {
		t.Fatal("parent-alive flag lost after FlatMap")
	}
	// The metadata entries are still valid leaf mappings too: the two
	// bookkeeping schemes share a word without colliding.
	if !root.Entry(0).Valid() {
		t.Fatal("entry 0 should still be a valid leaf after FlatMap")
	}
}

func TestSetMapSuperpage(t *testing.T) {
	frames := newFakeFrames(8)
	root := newRootTable(t, frames)

	const vbase = uintptr(9)<<30 | uintptr(9)<<21
	const pbase = uintptr(0x20000)
	if err := root.SetMap(vbase, pbase, 1, PagePermissions{Read: true, Write: true, Execute: true}, frames); err != nil {
		t.Fatalf("SetMap superpage: %v", err)
	}

	for _, off := range []uintptr{0xFAB, 0x100000} {
		got, err := root.Translate(vbase + off)
		if err != nil {
			t.Fatalf("Translate(%#x): %v", vbase+off, err)
		}
		want := pbase<<12 + off
		if got != want {
			t.Fatalf("Translate(%#x) = %#x, want %#x", vbase+off, got, want)
		}
	}

	outside := vbase + 2*1024*1024
	if _, err := root.Translate(outside); err != ErrInvalidEntry {
		t.Fatalf("Translate(%#x) = %v, want ErrInvalidEntry", outside, err)
	}
}

func TestSatpEncodesSv39Mode(t *testing.T) {
	frames := newFakeFrames(2)
	root := newRootTable(t, frames)
	satp := root.Satp()
	if mode := satp >> 60; mode != 8 {
		t.Fatalf("satp mode = %d, want 8", mode)
	}
}
