package sched

import (
	"fmt"

	"github.com/GeraldLeeDoesThings/EepyOS/internal/kpanic"
	"github.com/GeraldLeeDoesThings/EepyOS/internal/ksyscall"
	"github.com/GeraldLeeDoesThings/EepyOS/internal/lock"
)

// scauseInterruptBit is bit 63 of scause: set for interrupts, clear for
// synchronous exceptions.
const scauseInterruptBit = uint64(1) << 63

// Cause codes, with the interrupt bit already stripped off by the
// caller.
const (
	intSoftware = 1
	intTimer    = 5
	intExternal = 9

	excIllegalInstruction   = 2
	excMisalignedLoad       = 4
	excMisalignedAMO        = 6
	excUserEcall            = 8
	excSupervisorEcall      = 9
	excInstructionPageFault = 12
)

// ArgReader reads the syscall argument registers (a0, a1) out of a
// thread's saved register frame after it traps. Production code backs
// this with the riscv64.RegisterFrame layout; tests supply a fake.
type ArgReader interface {
	ReadArgs(frameAddr uintptr) (a0 uint64, a1 uint64)
}

// Logger is the minimal diagnostic sink the trap loop writes to, backed
// by internal/uart in production. Kept as an interface so tests don't
// need a real UART.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Loop drives the scheduler/trap loop: pick a thread, activate it,
// decode the trap cause, service it, repeat. The process table stays
// locked for the whole of each step, scheduling decision and thread
// activation included.
// TODO: narrow the table lock so it is not held across activation.
type Loop struct {
	Table     *lock.Mutex[*Table]
	Act       Activator
	Args      ArgReader
	Log       Logger
	HartID    uint64
	QuantumMs uint64
}

// NewLoop builds a Loop with the default 1000ms quantum.
func NewLoop(table *Table, act Activator, args ArgReader, hartID uint64) *Loop {
	return &Loop{Table: lock.NewMutex(table), Act: act, Args: args, Log: nopLogger{}, HartID: hartID, QuantumMs: 1000}
}

// Step performs exactly one iteration: select the highest-need ready
// thread, activate it, and service whatever trap it returns with. It
// reports false when there is nothing left to run, at which point the
// caller is expected to drop into the debug console.
func (l *Loop) Step() (ran bool) {
	guard := l.Table.LockBlocking()
	defer guard.Release()

	thread := (*guard.Get()).ChooseNextThread()
	if thread == nil {
		return false
	}

	handle := thread.ClaimHandle()
	defer handle.Release()

	result, err := thread.Activate(l.HartID, l.Act, l.QuantumMs*1000)
	if err != nil {
		kpanic.Panic("scheduler: %v", err)
		return true
	}

	if result.SCause&scauseInterruptBit != 0 {
		l.handleInterrupt(thread, result.SCause&^scauseInterruptBit)
	} else {
		l.handleException(thread, result.SCause)
	}
	return true
}

// Run calls Step until the system has nothing left to run.
func (l *Loop) Run() {
	for l.Step() {
	}
}

func (l *Loop) killThread(t *Thread, reason string) {
	l.Log.Printf("Killing thread with id %d from process %d: %s", t.ID, t.ProcessID, reason)
	t.Kill()
}

func (l *Loop) handleInterrupt(t *Thread, cause uint64) {
	switch cause {
	case intSoftware:
		l.killThread(t, "software interrupt")
	case intTimer:
		if err := t.Resolve(false); err != nil {
			l.killThread(t, err.Error())
		}
	case intExternal:
		l.killThread(t, "external interrupt")
	default:
		kpanic.Panic("scheduler: unhandled interrupt cause %d", cause)
	}
}

func (l *Loop) handleException(t *Thread, cause uint64) {
	switch cause {
	case excIllegalInstruction, excMisalignedLoad, excMisalignedAMO:
		l.killThread(t, fmt.Sprintf("exception %d", cause))
	case excUserEcall, excSupervisorEcall:
		l.handleSyscall(t)
	case excInstructionPageFault:
		l.Log.Printf("instruction page fault in thread %d", t.ID)
		l.killThread(t, "instruction page fault")
	case 0, 1, 3, 5, 7, 13, 15:
		kpanic.Panic("scheduler: unimplemented exception cause %d", cause)
	default:
		kpanic.Panic("scheduler: unhandled exception cause %d", cause)
	}
}

func (l *Loop) handleSyscall(t *Thread) {
	a0, a1 := l.Args.ReadArgs(t.FrameAddr)
	action, err := ksyscall.Dispatch(a0, a1)
	if err != nil {
		kpanic.Panic("scheduler: %v", err)
		return
	}
	switch action {
	case ksyscall.ActionKill:
		l.killThread(t, "exit syscall")
	case ksyscall.ActionResolveReady:
		if err := t.Resolve(true); err != nil {
			l.killThread(t, err.Error())
		}
	}
}
