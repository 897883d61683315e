package sched

import "testing"

type scriptedActivator struct {
	causes []uint64
	i      int
}

func (s *scriptedActivator) Activate(pc uintptr, frameAddr uintptr, hartID uint64) (uintptr, uint64) {
	c := s.causes[s.i]
	if s.i < len(s.causes)-1 {
		s.i++
	}
	return pc, c
}

func (s *scriptedActivator) ProgramTimer(uint64) {}

type fakeArgReader struct {
	a0, a1 uint64
}

func (f fakeArgReader) ReadArgs(uintptr) (uint64, uint64) { return f.a0, f.a1 }

func newTestLoop(t *testing.T, th *Thread, causes []uint64, a0, a1 uint64) *Loop {
	t.Helper()
	tbl := NewTable()
	proc := NewProcess(0, 1, 0)
	if _, err := proc.AddThread(th); err != nil {
		t.Fatalf("AddThread: %v", err)
	}
	if _, err := tbl.AddProcess(proc); err != nil {
		t.Fatalf("AddProcess: %v", err)
	}
	return NewLoop(tbl, &scriptedActivator{causes: causes}, fakeArgReader{a0, a1}, 0)
}

func TestTimerInterruptResolvesThreadToReady(t *testing.T) {
	th := NewThread(1, 0, 5, 0x1000, 0x2000)
	const timerCause = scauseInterruptBit | intTimer
	loop := newTestLoop(t, th, []uint64{timerCause}, 0, 0)

	if !loop.Step() {
		t.Fatal("expected Step to run something")
	}
	if th.Status != ThreadReady {
		t.Fatalf("status = %v, want Ready after timer preemption", th.Status)
	}
}

func TestSoftwareInterruptKillsThread(t *testing.T) {
	th := NewThread(1, 0, 5, 0x1000, 0x2000)
	const softCause = scauseInterruptBit | intSoftware
	loop := newTestLoop(t, th, []uint64{softCause}, 0, 0)
	loop.Step()
	if th.Status != ThreadZombie {
		t.Fatalf("status = %v, want Zombie", th.Status)
	}
}

func TestIllegalInstructionKillsThread(t *testing.T) {
	th := NewThread(1, 0, 5, 0x1000, 0x2000)
	loop := newTestLoop(t, th, []uint64{excIllegalInstruction}, 0, 0)
	loop.Step()
	if th.Status != ThreadZombie {
		t.Fatalf("status = %v, want Zombie", th.Status)
	}
}

func TestYieldSyscallResolvesToReadyAndAdvancesPC(t *testing.T) {
	th := NewThread(1, 0, 5, 0x1000, 0x2000)
	loop := newTestLoop(t, th, []uint64{excUserEcall}, uint64(1 /* Yield */), 0)
	loop.Step()
	if th.Status != ThreadReady {
		t.Fatalf("status = %v, want Ready", th.Status)
	}
	if th.PC != 0x1004 {
		t.Fatalf("PC = %#x, want 0x1004", th.PC)
	}
}

func TestExitSyscallKillsThread(t *testing.T) {
	th := NewThread(1, 0, 5, 0x1000, 0x2000)
	loop := newTestLoop(t, th, []uint64{excUserEcall}, uint64(0 /* Exit */), 0)
	loop.Step()
	if th.Status != ThreadZombie {
		t.Fatalf("status = %v, want Zombie", th.Status)
	}
}

func TestStepReturnsFalseWhenNothingRunnable(t *testing.T) {
	tbl := NewTable()
	loop := NewLoop(tbl, &scriptedActivator{}, fakeArgReader{}, 0)
	if loop.Step() {
		t.Fatal("expected Step to report false with an empty table")
	}
	if loop.Table.IsHeld() {
		t.Fatal("table mutex should be released once Step returns")
	}
}

func TestLoopServicesTrapsAcrossSuccessiveActivations(t *testing.T) {
	th := NewThread(1, 0, 5, 0x1000, 0x2000)
	const timerCause = scauseInterruptBit | intTimer
	loop := newTestLoop(t, th, []uint64{timerCause, excUserEcall}, uint64(0), 0)

	loop.Step() // timer preemption, back to Ready
	if th.Status != ThreadReady {
		t.Fatalf("status after first step = %v, want Ready", th.Status)
	}
	loop.Step() // exit syscall on the next run
	if th.Status != ThreadZombie {
		t.Fatalf("status after second step = %v, want Zombie", th.Status)
	}
	if loop.Step() {
		t.Fatal("expected no more runnable threads")
	}
}
