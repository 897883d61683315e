// Package sched implements the thread and process control blocks, the
// fixed-capacity process table, and the priority-aging scheduler/trap
// loop built on top of them.
package sched

import (
	"fmt"

	"github.com/GeraldLeeDoesThings/EepyOS/internal/kpanic"
	"github.com/GeraldLeeDoesThings/EepyOS/internal/lock"
)

// ThreadStatus is a thread's position in its lifecycle state machine.
type ThreadStatus int

const (
	ThreadReady ThreadStatus = iota
	ThreadRunning
	ThreadInterrupted
	ThreadZombie
)

func (s ThreadStatus) String() string {
	switch s {
	case ThreadReady:
		return "Ready"
	case ThreadRunning:
		return "Running"
	case ThreadInterrupted:
		return "Interrupted"
	case ThreadZombie:
		return "Zombie"
	default:
		return fmt.Sprintf("ThreadStatus(%d)", int(s))
	}
}

// ThreadStateError reports an attempted transition that is not legal
// from a thread's current state.
type ThreadStateError struct {
	Operation string
	State     ThreadStatus
}

func (e ThreadStateError) Error() string {
	return fmt.Sprintf("thread: cannot %s a thread in state %s", e.Operation, e.State)
}

// Activator performs the actual assembly context switch. Production code
// supplies one backed by internal/arch/riscv64.ActivateContext; tests
// supply a fake that never touches real hardware.
type Activator interface {
	// Activate swaps in the register frame at frameAddr and runs the
	// thread starting at pc on hartID until it traps back into the
	// kernel, returning the thread's own pc at the trap and the raw
	// scause value.
	Activate(pc uintptr, frameAddr uintptr, hartID uint64) (newPC uintptr, scause uint64)
	// ProgramTimer arranges for a timer interrupt after the given
	// number of microseconds.
	ProgramTimer(deltaUs uint64)
}

// ActivationResult is what the scheduler gets back from a trap: which
// thread trapped and the raw cause word that describes why.
type ActivationResult struct {
	ThreadID uint16
	SCause   uint64
}

// Thread is one kernel thread control block. The zero value is Ready
// (ThreadReady is 0), not exhausted; free slots in a thread table hold a
// Thread whose Status is ThreadZombie (see NewProcess), which
// resource.Manager.ClaimFirst treats as empty.
type Thread struct {
	ID        uint16
	ProcessID uint16
	Priority  uint16
	Need      uint32
	Status    ThreadStatus

	PC        uintptr
	FrameAddr uintptr // address of this thread's RegisterFrame

	handle lock.Lock
}

// Handle is a guard over one thread: holding it means holding the
// thread's own lock, so the holder may call the thread's state-changing
// operations without racing another holder.
type Handle struct {
	thread   *Thread
	released bool
}

// ClaimHandle claims t's lock, spinning per Lock.ClaimBlocking, and
// returns the guard through which t should be operated on.
func (t *Thread) ClaimHandle() *Handle {
	t.handle.ClaimBlocking()
	return &Handle{thread: t}
}

// Thread returns the guarded thread. Using it after Release is a caller
// bug.
func (h *Handle) Thread() *Thread {
	return h.thread
}

// Release gives the thread's lock back. Releasing twice is a no-op.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true
	if !h.thread.handle.Release() {
		kpanic.Panic("Thread handle lock failed to release.")
	}
}

// NewThread builds a Ready thread with the given id, owning process, and
// priority, whose register frame has already been initialized (stack
// pointer and return-to-exit-shim) by the caller via
// riscv64.InitContext.
func NewThread(id uint16, processID uint16, priority uint16, pc uintptr, frameAddr uintptr) *Thread {
	return &Thread{
		ID:        id,
		ProcessID: processID,
		Priority:  priority,
		Need:      uint32(priority),
		Status:    ThreadReady,
		PC:        pc,
		FrameAddr: frameAddr,
	}
}

// Exhausted reports whether this slot is free for reuse, satisfying
// resource.Resource.
func (t *Thread) Exhausted() bool {
	return t == nil || t.Status == ThreadZombie
}

// Candidate reports t's current need for the purposes of this
// selection round, together with whether t is eligible at all (Ready).
// Selection compares every eligible thread's need as it stands *before*
// any aging for this round is applied; only once a winner is chosen does
// Age get applied to everyone else (see Table.ChooseNextThread).
func (t *Thread) Candidate() (need uint32, eligible bool) {
	return t.Need, t.Status == ThreadReady
}

// Age grows t's need by its priority: applied once per selection round to
// every Ready thread that was not chosen, so threads passed over keep
// climbing toward the next round's comparison. The thread that *is*
// chosen instead has its need reset to its priority by Activate.
func (t *Thread) Age() {
	if t.Status == ThreadReady {
		t.Need += uint32(t.Priority)
	}
}

// Activate transitions t from Ready to Running, resets its need to its
// priority, programs the next timer tick, and runs it via act until it
// traps back into the kernel. It returns the trap result and resets t to
// Interrupted on return.
func (t *Thread) Activate(hartID uint64, act Activator, quantumUs uint64) (ActivationResult, error) {
	if t.Status != ThreadReady {
		return ActivationResult{}, ThreadStateError{Operation: "activate", State: t.Status}
	}
	t.Need = uint32(t.Priority)
	t.Status = ThreadRunning
	act.ProgramTimer(quantumUs)

	newPC, scause := act.Activate(t.PC, t.FrameAddr, hartID)

	t.PC = newPC
	t.Status = ThreadInterrupted
	return ActivationResult{ThreadID: t.ID, SCause: scause}, nil
}

// Kill transitions t to Zombie. Killing a Running thread is a bug (the
// scheduler only ever kills from Interrupted, after a trap) and panics
// rather than silently corrupting the state machine.
func (t *Thread) Kill() {
	if t.Status == ThreadRunning {
		kpanic.Panic("Attempted to kill thread %d while it is Running.", t.ID)
		return
	}
	t.Status = ThreadZombie
}

// Resolve moves t from Interrupted back to Ready. If sync is true (the
// trap was a syscall return rather than an asynchronous interrupt), t's
// saved pc is advanced by 4 bytes so it does not re-execute the ecall
// instruction that got it here.
func (t *Thread) Resolve(sync bool) error {
	if t.Status != ThreadInterrupted {
		return ThreadStateError{Operation: "resolve", State: t.Status}
	}
	if sync {
		t.PC += 4
	}
	t.Status = ThreadReady
	return nil
}
