// Package console implements the UART-driven diagnostic shell entered
// once the scheduler has nothing left to run: line-based command
// parsing and dispatch over the bump, page, and slab allocators, plus
// the fixed 32-slot allocation buffer the alloc/palloc/dealloc commands
// exercise.
package console

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/GeraldLeeDoesThings/EepyOS/internal/memory/bump"
	"github.com/GeraldLeeDoesThings/EepyOS/internal/memory/page"
	"github.com/GeraldLeeDoesThings/EepyOS/internal/memory/slab"
)

// AllocBufferCapacity is the fixed size of the console's allocation
// scratch buffer.
const AllocBufferCapacity = 32

// slotKind distinguishes what, if anything, an alloc buffer slot holds.
type slotKind int

const (
	slotNone slotKind = iota
	slotPage
	slotSlab
)

type allocSlot struct {
	kind  slotKind
	addr  uintptr
	grain int    // valid when kind == slotPage
	size  uintptr // valid when kind == slotSlab
	align uintptr // valid when kind == slotSlab
}

// Console bundles the three allocators the debug shell exercises with
// its own 32-slot allocation buffer.
type Console struct {
	Bump *bump.Allocator
	Page *page.Allocator
	Slab *slab.Allocator

	buffer [AllocBufferCapacity]allocSlot
	// length is a convenience cursor for inferring where to
	// alloc/dealloc by default; it is not load-bearing for correctness.
	// It only shrinks when the slot it points just past is freed, not on
	// every dealloc of an occupied slot below it.
	length int
}

// New builds a Console over the given allocators.
func New(b *bump.Allocator, p *page.Allocator, s *slab.Allocator) *Console {
	return &Console{Bump: b, Page: p, Slab: s}
}

// Exec parses and runs one command line, writing its output (or an error
// message) to w.
func (c *Console) Exec(w io.Writer, line string) {
	fields := strings.Split(strings.TrimSpace(line), " ")
	command := fields[0]
	args := fields[1:]

	var err error
	switch command {
	case "bumpa":
		err = c.execBumpa(w)
	case "pagea":
		err = c.execPagea(w, args)
	case "slaba":
		err = c.execSlaba(w, args)
	case "alloc":
		err = c.execAlloc(w, args)
	case "palloc":
		err = c.execPalloc(w, args)
	case "dealloc":
		err = c.execDealloc(w, args)
	case "":
		return
	default:
		fmt.Fprintf(w, "Unknown command!\r\n")
		return
	}
	if err != nil {
		fmt.Fprintf(w, "Error while executing command: %s\r\n", err)
	}
}

func parseArg[T ~int | ~uint16 | ~uintptr](args []string, i int, name string) (T, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing argument for %q", name)
	}
	v, err := strconv.ParseUint(args[i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("argument for %q is not a valid unsigned integer", name)
	}
	return T(v), nil
}

func (c *Console) execBumpa(w io.Writer) error {
	fmt.Fprintf(w, "Bump Addr: %#x\r\n", c.Bump.Top())
	return nil
}

func (c *Console) execPagea(w io.Writer, args []string) error {
	grain, err := parseArg[int](args, 0, "grain")
	if err != nil {
		return err
	}
	bitmap, err := c.Page.DumpAtGrain(grain)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Grain %d free bitmap (len=%d):", grain, bitmap.Len())
	for i := 0; i < bitmap.Len(); i++ {
		free, _ := bitmap.Get(i)
		if free {
			fmt.Fprintf(w, " %d", i)
		}
	}
	fmt.Fprintf(w, "\r\n")
	return nil
}

func (c *Console) execSlaba(w io.Writer, args []string) error {
	blockSize, err := parseArg[uint16](args, 0, "block size")
	if err != nil {
		return err
	}
	inUse, head, err := c.Slab.DumpSlot(blockSize)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Slab slotSize=%d inUse=%d head=%d\r\n", blockSize, inUse, head)
	return nil
}

// indexOrDefault reads an optional trailing index argument at position i,
// defaulting to c.length (the buffer cursor) when absent.
func (c *Console) indexOrDefault(args []string, i int) (int, error) {
	if i >= len(args) {
		return c.length, nil
	}
	v, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, fmt.Errorf("argument for %q is not a valid index", "index")
	}
	return v, nil
}

func (c *Console) execAlloc(w io.Writer, args []string) error {
	size, err := parseArg[uintptr](args, 0, "block size")
	if err != nil {
		return err
	}
	index, err := c.indexOrDefault(args, 1)
	if err != nil {
		return err
	}
	if index < 0 || index >= AllocBufferCapacity {
		return nil // out of bounds index is silently ignored
	}
	if c.buffer[index].kind != slotNone {
		return fmt.Errorf("failed to allocate with global allocator")
	}
	addr, err := c.Slab.Allocate(size, 1)
	if err != nil {
		return err
	}
	c.buffer[index] = allocSlot{kind: slotSlab, addr: addr, size: size, align: 1}
	if index >= c.length {
		c.length = index + 1
	}
	return nil
}

func (c *Console) execPalloc(w io.Writer, args []string) error {
	numPages, err := parseArg[int](args, 0, "number of pages")
	if err != nil {
		return err
	}
	index, err := c.indexOrDefault(args, 1)
	if err != nil {
		return err
	}
	if index < 0 || index >= AllocBufferCapacity {
		return nil
	}
	if c.buffer[index].kind != slotNone {
		return fmt.Errorf("slot at index is already allocated")
	}
	addr, grain, err := c.Page.AllocatePages(numPages)
	if err != nil {
		return err
	}
	c.buffer[index] = allocSlot{kind: slotPage, addr: addr, grain: grain}
	if index >= c.length {
		c.length = index + 1
	}
	return nil
}

func (c *Console) execDealloc(w io.Writer, args []string) error {
	var index int
	if len(args) == 0 {
		if c.length == 0 {
			return fmt.Errorf("alloc buffer is empty")
		}
		c.length--
		index = c.length
	} else {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("argument for %q is not a valid index", "index")
		}
		index = v
	}
	if index < 0 || index >= AllocBufferCapacity {
		return fmt.Errorf("index is out of bounds")
	}
	slotVal := c.buffer[index]
	if slotVal.kind == slotNone {
		return fmt.Errorf("slot at index is already deallocated")
	}
	switch slotVal.kind {
	case slotPage:
		if err := c.Page.DeallocatePages(slotVal.addr, slotVal.grain); err != nil {
			return err
		}
	case slotSlab:
		if err := c.Slab.Deallocate(slotVal.addr, slotVal.size, slotVal.align); err != nil {
			return err
		}
	}
	c.buffer[index] = allocSlot{}
	if index == c.length-1 {
		c.length--
	}
	return nil
}

// ReadLine reads bytes from r until a '\n' or '\r', returning the line
// with the terminator stripped.
func ReadLine(r io.ByteReader) (string, error) {
	var b strings.Builder
	for {
		c, err := r.ReadByte()
		if err != nil {
			return b.String(), err
		}
		if c == '\n' || c == '\r' {
			return b.String(), nil
		}
		b.WriteByte(c)
	}
}

// REPL reads and executes command lines from r forever, echoing output
// to w. It is the body of the "no threads left to run" fallback loop.
func (c *Console) REPL(r io.ByteReader, w io.Writer) {
	for {
		line, err := ReadLine(r)
		if err != nil {
			return
		}
		c.Exec(w, line)
	}
}
