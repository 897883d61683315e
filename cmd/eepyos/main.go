// Command eepyos is the kernel's entry point: it wires together every
// internal package into the boot sequence — save the bootloader return
// address, bring up the UART, install the trap vector, build the
// allocator stack, spawn the initial processes, flat-map and activate
// the root page table, then run the scheduler loop until nothing is
// left to run and fall back to the debug console.
package main

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/GeraldLeeDoesThings/EepyOS/internal/arch/riscv64"
	"github.com/GeraldLeeDoesThings/EepyOS/internal/console"
	"github.com/GeraldLeeDoesThings/EepyOS/internal/kconfig"
	"github.com/GeraldLeeDoesThings/EepyOS/internal/kpanic"
	"github.com/GeraldLeeDoesThings/EepyOS/internal/ktime"
	"github.com/GeraldLeeDoesThings/EepyOS/internal/memory/bump"
	"github.com/GeraldLeeDoesThings/EepyOS/internal/memory/page"
	"github.com/GeraldLeeDoesThings/EepyOS/internal/memory/slab"
	"github.com/GeraldLeeDoesThings/EepyOS/internal/paging"
	"github.com/GeraldLeeDoesThings/EepyOS/internal/sched"
	"github.com/GeraldLeeDoesThings/EepyOS/internal/uart"
)

// debugThreadOneEntry and debugThreadTwoEntry are the entry points of
// the two debug processes spawned at boot, priorities 10 and 9,
// exercising the scheduler's cross-process aging. The real code at
// these addresses is assembled and linked separately; there is nothing
// for a Go function to point at here.
const (
	debugThreadOneEntry uintptr = kconfig.KernelImageBase + 0x1000
	debugThreadTwoEntry uintptr = kconfig.KernelImageBase + 0x2000
)

// hardwareTimer backs ktime.TimerDevice with the real timer CSRs.
type hardwareTimer struct{}

func (hardwareTimer) Now() uint64         { return riscv64.GetTime() }
func (hardwareTimer) SetTimecmp(v uint64) { riscv64.SetTimecmp(v) }

// hardwareActivator backs sched.Activator with the assembly context
// switch and the platform timer.
type hardwareActivator struct{}

func (hardwareActivator) Activate(pc uintptr, frameAddr uintptr, hartID uint64) (uintptr, uint64) {
	result := riscv64.ActivateContext(pc, frameAddr, hartID)
	return result.PC, result.SCause
}

func (hardwareActivator) ProgramTimer(deltaUs uint64) {
	ktime.SetTimecmpDelayUs(hardwareTimer{}, deltaUs)
}

// registerArgReader backs sched.ArgReader by reading a0/a1 (x10, x11)
// straight out of a thread's saved RegisterFrame.
type registerArgReader struct{}

func (registerArgReader) ReadArgs(frameAddr uintptr) (a0 uint64, a1 uint64) {
	frame := (*riscv64.RegisterFrame)(unsafe.Pointer(frameAddr))
	return frame.Words[9], frame.Words[10] // x1 is Words[0], so x10/x11 sit at 9/10
}

// uartLogger backs sched.Logger, appending a CRLF to every message.
type uartLogger struct{ w io.Writer }

func (l uartLogger) Printf(format string, args ...any) {
	fmt.Fprintf(l.w, format+"\r\n", args...)
}

// spawnDebugProcess claims a process slot and gives it one thread whose
// register frame and stack are carved out of the page allocator, entry
// point at pc.
func spawnDebugProcess(table *sched.Table, pageAlloc *page.Allocator, id, priority uint16, memBase uintptr, pc uintptr) error {
	frameAddr, _, err := pageAlloc.AllocatePages(1)
	if err != nil {
		return fmt.Errorf("eepyos: allocating register frame for process %d: %w", id, err)
	}
	stackAddr, _, err := pageAlloc.AllocatePages(1)
	if err != nil {
		return fmt.Errorf("eepyos: allocating stack for process %d: %w", id, err)
	}
	riscv64.InitContext(frameAddr, stackAddr+kconfig.PageSize, pc)

	proc := sched.NewProcess(id, priority, memBase)
	thread := sched.NewThread(0, id, priority, pc, frameAddr)
	if _, err := proc.AddThread(thread); err != nil {
		return fmt.Errorf("eepyos: adding main thread to process %d: %w", id, err)
	}
	if _, err := table.AddProcess(proc); err != nil {
		return fmt.Errorf("eepyos: adding process %d to process table: %w", id, err)
	}
	return nil
}

// kmain is the kernel's true entry point, called directly from boot.S
// with the hart id and the device tree blob pointer in a0/a1. It never
// returns while anything remains runnable; once the scheduler runs out
// of threads it falls into the debug console, which itself never
// returns.
func kmain(hartID uint64, dtb uintptr) {
	bootReturn := riscv64.SaveBootloaderReturn()

	port := uart.New(kconfig.UARTBase)
	_ = port.SetLineControl(uart.LineControl{WordLength: 3}) // 8 data bits, no parity, 1 stop bit
	fmt.Fprintf(port, "Welcome to EepyOS!\r\n")
	fmt.Fprintf(port, "Hello from core: %d\r\n", hartID)

	kpanic.SetHandler(func(msg string) {
		fmt.Fprintf(port, "Kernel panic: %s\r\n", msg)
		riscv64.ReturnToBootloader(bootReturn)
	})

	riscv64.InitExceptionHandler()

	heapBase := riscv64.GetHeapBase()
	bumpAlloc := bump.New(heapBase, kconfig.BumpRegionLength)

	pageRAMBase := heapBase + kconfig.BumpRegionLength
	pageRAMLength := uintptr(kconfig.RAMLength) - kconfig.BumpRegionLength
	pageRAM := unsafe.Slice((*byte)(unsafe.Pointer(pageRAMBase)), pageRAMLength)
	pageAlloc, err := page.New(pageRAM, kconfig.PageSize, 0)
	if err != nil {
		kpanic.Panic("failed to initialize page allocator: %v", err)
		return
	}
	slabAlloc := slab.New(pageAlloc, kconfig.PageSize)
	shell := console.New(bumpAlloc, pageAlloc, slabAlloc)

	table := sched.NewTable()
	if err := spawnDebugProcess(table, pageAlloc, 0, 10, 0x5000_0000, debugThreadOneEntry); err != nil {
		fmt.Fprintf(port, "Failed to spawn a process: %v\r\n", err)
	} else {
		fmt.Fprintf(port, "Process spawned successfully!\r\n")
	}
	if err := spawnDebugProcess(table, pageAlloc, 1, 9, 0x5100_0000, debugThreadTwoEntry); err != nil {
		kpanic.Panic("failed to spawn second process: %v", err)
		return
	}

	rootFrameAddr, _, err := pageAlloc.AllocatePages(1)
	if err != nil {
		kpanic.Panic("failed to allocate the root page table: %v", err)
		return
	}
	rootBacking := unsafe.Slice((*byte)(unsafe.Pointer(rootFrameAddr)), kconfig.PageSize)
	root, err := paging.NewSv39PageTable(rootBacking, 2)
	if err != nil {
		kpanic.Panic("failed to construct the root page table: %v", err)
		return
	}
	paging.EmitFence = riscv64.EmitMMUFence
	perms := paging.PagePermissions{Read: true, Write: true, Execute: true, Global: true}
	root.FlatMap(perms)
	fmt.Fprintf(port, "Table Address: %#x\r\n", root.PhysAddr())
	riscv64.ActivatePageTable(root.PhysAddr(), 0)
	riscv64.EmitMMUFence()

	loop := sched.NewLoop(table, hardwareActivator{}, registerArgReader{}, hartID)
	loop.Log = uartLogger{w: port}
	loop.Run()

	fmt.Fprintf(port, "Out of threads to schedule, starting echo loop...\r\n")
	shell.REPL(port, port)
}

// main exists only so `package main` builds under a normal Go toolchain;
// boot.S calls kmain directly and this is never reached on real
// hardware.
func main() {
	kmain(0, 0)
	for {
	}
}
