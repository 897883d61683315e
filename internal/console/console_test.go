package console

import (
	"bytes"
	"strings"
	"testing"

	"github.com/GeraldLeeDoesThings/EepyOS/internal/memory/bump"
	"github.com/GeraldLeeDoesThings/EepyOS/internal/memory/page"
	"github.com/GeraldLeeDoesThings/EepyOS/internal/memory/slab"
)

const testPageSize = 4096

func newTestConsole(t *testing.T) *Console {
	t.Helper()
	ram := make([]byte, 32*testPageSize)
	p, err := page.New(ram, testPageSize, 1)
	if err != nil {
		t.Fatalf("page.New: %v", err)
	}
	s := slab.New(p, testPageSize)
	b := bump.New(0, testPageSize)
	return New(b, p, s)
}

func TestExecBumpaReportsTop(t *testing.T) {
	c := newTestConsole(t)
	var out bytes.Buffer
	c.Exec(&out, "bumpa")
	if !strings.Contains(out.String(), "Bump Addr:") {
		t.Fatalf("output = %q, want it to contain 'Bump Addr:'", out.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	c := newTestConsole(t)
	var out bytes.Buffer
	c.Exec(&out, "frobnicate")
	if !strings.Contains(out.String(), "Unknown command!") {
		t.Fatalf("output = %q, want 'Unknown command!'", out.String())
	}
}

func TestAllocDeallocRoundTrip(t *testing.T) {
	c := newTestConsole(t)
	var out bytes.Buffer

	c.Exec(&out, "alloc 32")
	if c.buffer[0].kind != slotSlab {
		t.Fatalf("expected slot 0 to hold a slab allocation, got %+v", c.buffer[0])
	}
	if c.length != 1 {
		t.Fatalf("length = %d, want 1", c.length)
	}

	c.Exec(&out, "dealloc")
	if c.buffer[0].kind != slotNone {
		t.Fatalf("expected slot 0 to be freed, got %+v", c.buffer[0])
	}
	if c.length != 0 {
		t.Fatalf("length = %d, want 0 after freeing the top slot", c.length)
	}
}

func TestDeallocLengthBookkeepingOnlyShrinksOnTopSlot(t *testing.T) {
	// Freeing a slot that is not the current top does not shrink
	// length, even though the slot itself becomes free.
	c := newTestConsole(t)
	var out bytes.Buffer

	c.Exec(&out, "palloc 1 0")
	c.Exec(&out, "palloc 1 1")
	if c.length != 2 {
		t.Fatalf("length = %d, want 2", c.length)
	}

	c.Exec(&out, "dealloc 0")
	if c.buffer[0].kind != slotNone {
		t.Fatalf("expected slot 0 to be freed")
	}
	if c.length != 2 {
		t.Fatalf("length = %d, want 2 (bookkeeping only shrinks on top-slot free)", c.length)
	}
}

func TestPallocThenDeallocByIndex(t *testing.T) {
	c := newTestConsole(t)
	var out bytes.Buffer
	c.Exec(&out, "palloc 2 3")
	if c.buffer[3].kind != slotPage {
		t.Fatalf("expected slot 3 to hold a page allocation, got %+v", c.buffer[3])
	}
	c.Exec(&out, "dealloc 3")
	if c.buffer[3].kind != slotNone {
		t.Fatalf("expected slot 3 to be freed")
	}
}

func TestPageaReportsFreeBitmap(t *testing.T) {
	c := newTestConsole(t)
	var out bytes.Buffer
	c.Exec(&out, "pagea 0")
	if out.Len() == 0 {
		t.Fatal("expected pagea output")
	}
}
