// Package riscv64 declares the contracts between the kernel and the
// RV64/Sv39 assembly trampolines it depends on but does not itself
// implement: context switching, exception vector installation, page
// table activation, the timer CSRs, and the syscall ABI shims. Every
// function in this file is linked against hand-written assembly via a
// //go:linkname declaration with no body, resolved at link time rather
// than called through a Go-visible implementation.
package riscv64

import _ "unsafe" // required for go:linkname

// ContextSwitchResult is what ActivateContext yields when the activated
// thread traps back into the kernel: the thread's own program counter at
// the moment of the trap, and the raw scause value describing why.
type ContextSwitchResult struct {
	PC     uintptr
	SCause uint64
}

// ActivateContext swaps in a thread's register frame and jumps to pc on
// hartID, returning only once that thread traps back into supervisor
// mode. frame points at a RegisterFrame-shaped block of 62 machine words
// (general purpose plus floating point) the trampoline saves into and
// restores from.
//
//go:linkname ActivateContext activate_context
//go:nosplit
func ActivateContext(pc uintptr, frame uintptr, hartID uint64) ContextSwitchResult

// InitContext zero-initializes a fresh register frame and programs its
// stack pointer and return address, mirroring init_context's contract:
// ra is pointed at the exit syscall shim so that falling off a thread's
// entry point cleanly exits instead of returning into garbage.
//
//go:linkname InitContext init_context
//go:nosplit
func InitContext(frame uintptr, stackBase uintptr, entry uintptr)

// InitExceptionHandler installs the kernel's trap vector, to be run once
// per hart before any thread is ever activated.
//
//go:linkname InitExceptionHandler init_exception_handler
//go:nosplit
func InitExceptionHandler()

// ActivatePageTable writes satp (Sv39 mode, the given ASID, and the PPN
// of root) and emits the fence required after any satp change, returning
// the previous satp value.
//
//go:linkname ActivatePageTable activate_page_table
//go:nosplit
func ActivatePageTable(root uintptr, asid uint16) (previousSatp uint64)

// EmitMMUFence issues SFENCE.VMA x0, x0, flushing every cached
// translation for every address space.
//
//go:linkname EmitMMUFence emit_mmu_fence
//go:nosplit
func EmitMMUFence()

// GetTime reads the platform timer (mtime or an equivalent memory-mapped
// counter routed through to S-mode).
//
//go:linkname GetTime get_time
//go:nosplit
func GetTime() uint64

// SetTimecmp programs the next timer interrupt to fire when the timer
// reaches value.
//
//go:linkname SetTimecmp set_timecmp
//go:nosplit
func SetTimecmp(value uint64)

// GetHeapBase returns the address immediately above the kernel's loaded
// image, the starting point for the bump allocator.
//
//go:linkname GetHeapBase get_heap_base
//go:nosplit
func GetHeapBase() uintptr

// SaveBootloaderReturn captures the link register at kernel entry, so a
// later panic can hand control back to the bootloader instead of running
// off the end of the kernel image.
//
//go:linkname SaveBootloaderReturn save_bootloader_return
//go:nosplit
func SaveBootloaderReturn() uintptr

// ReturnToBootloader jumps to addr (previously captured by
// SaveBootloaderReturn) and never returns to its caller. It is the last
// thing the panic handler does.
//
//go:linkname ReturnToBootloader return_to_bootloader
//go:nosplit
func ReturnToBootloader(addr uintptr)

// Syscall0 through Syscall2 are the user/supervisor-side ABI shims: they
// place the syscall number and its arguments into a0/a1 and execute
// ecall. The exit syscall shim new threads' ra points at is implemented
// in terms of Syscall1(ksyscall.Exit, status).
//
//go:linkname Syscall0 syscall0
//go:nosplit
func Syscall0(number uint64)

//go:linkname Syscall1 syscall1
//go:nosplit
func Syscall1(number uint64, arg0 uint64)

//go:linkname Syscall2 syscall2
//go:nosplit
func Syscall2(number uint64, arg0 uint64, arg1 uint64)

// RegisterFrameWords is the number of machine words a saved thread
// context occupies: general-purpose registers x1-x31 (x0 is hardwired
// zero and never saved) plus the 32 floating point registers f0-f31,
// laid out with 8-byte alignment so the trampoline can address any word
// by a constant offset.
const RegisterFrameWords = 62

// RegisterFrame is the host-testable shape of the block InitContext and
// ActivateContext operate on through a raw pointer. On real hardware the
// trampoline only ever sees the raw address; this struct exists so tests
// can allocate one and inspect it.
type RegisterFrame struct {
	Words [RegisterFrameWords]uint64
}
