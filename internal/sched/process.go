package sched

import (
	"github.com/GeraldLeeDoesThings/EepyOS/internal/kconfig"
	"github.com/GeraldLeeDoesThings/EepyOS/internal/resource"
)

// ProcessStatus is a process's position in its (much smaller) state
// machine: Ready while it owns at least one non-Zombie thread, Zombie
// once its resources are reclaimable.
type ProcessStatus int

const (
	ProcessReady ProcessStatus = iota
	ProcessZombie
)

// Process owns a fixed-size table of threads and delegates thread
// selection to it; it never picks among threads itself beyond folding
// each one through Thread.Candidate.
type Process struct {
	ID       uint16
	Priority uint16
	Status   ProcessStatus
	MemBase  uintptr

	Threads *resource.Manager[*Thread]
}

// NewProcess allocates a process with a thread table of kconfig.MaxThreads
// slots, all initially exhausted (Zombie) placeholders.
func NewProcess(id uint16, priority uint16, memBase uintptr) *Process {
	slots := make([]*Thread, kconfig.MaxThreads)
	for i := range slots {
		slots[i] = &Thread{Status: ThreadZombie}
	}
	return &Process{
		ID:       id,
		Priority: priority,
		Status:   ProcessReady,
		MemBase:  memBase,
		Threads:  resource.New(slots),
	}
}

// Exhausted reports whether this process slot is free for reuse,
// satisfying resource.Resource.
func (p *Process) Exhausted() bool {
	return p == nil || p.Status == ProcessZombie
}

// AddThread claims the first free thread slot for t.
func (p *Process) AddThread(t *Thread) (int, error) {
	return p.Threads.ClaimFirst(t)
}

// Choose folds every Ready thread in p against the running candidate,
// keeping whichever has the strictly higher need. It compares current
// need only: aging happens in a separate pass after the whole table has
// picked a winner (Table.ChooseNextThread), not during this comparison.
func (p *Process) Choose(candidate *Thread, bestNeed uint32) (*Thread, uint32) {
	p.Threads.EachMut(func(_ int, t **Thread) bool {
		thread := *t
		need, eligible := thread.Candidate()
		if eligible && (candidate == nil || need > bestNeed) {
			candidate = thread
			bestNeed = need
		}
		return true
	})
	return candidate, bestNeed
}

// AgeOthers applies Thread.Age to every Ready thread in p except winner.
func (p *Process) AgeOthers(winner *Thread) {
	p.Threads.EachMut(func(_ int, t **Thread) bool {
		thread := *t
		if thread != winner {
			thread.Age()
		}
		return true
	})
}

// ReapZombieThreads marks the process itself Zombie once every thread it
// owns has become Zombie, making the process table treat its slot as
// reclaimable.
func (p *Process) ReapZombieThreads() {
	anyAlive := false
	p.Threads.Each(func(_ int, t *Thread) bool {
		anyAlive = true
		return false
	})
	if !anyAlive {
		p.Status = ProcessZombie
	}
}

// Table is the fixed-capacity process table. The scheduler loop holds it
// under a single mutex for the duration of scheduling decisions and
// thread activation.
// TODO: narrow this to per-process mutexes plus a table-growth lock.
type Table struct {
	Processes *resource.Manager[*Process]
}

// NewTable builds a process table with kconfig.MaxProcesses slots, all
// initially exhausted.
func NewTable() *Table {
	slots := make([]*Process, kconfig.MaxProcesses)
	for i := range slots {
		slots[i] = &Process{Status: ProcessZombie}
	}
	return &Table{Processes: resource.New(slots)}
}

// AddProcess claims the first free process slot for p.
func (tbl *Table) AddProcess(p *Process) (int, error) {
	return tbl.Processes.ClaimFirst(p)
}

// ChooseNextThread picks the single highest-need Ready thread across the
// whole system (or nil if nothing is runnable), then ages every other
// Ready thread by its priority so threads passed over this round keep
// climbing toward next round's comparison. The winner itself is aged by
// Thread.Activate resetting its need to its priority instead.
func (tbl *Table) ChooseNextThread() *Thread {
	var candidate *Thread
	var bestNeed uint32
	tbl.Processes.EachMut(func(_ int, p **Process) bool {
		candidate, bestNeed = (*p).Choose(candidate, bestNeed)
		return true
	})
	if candidate == nil {
		return nil
	}
	tbl.Processes.EachMut(func(_ int, p **Process) bool {
		(*p).AgeOthers(candidate)
		return true
	})
	return candidate
}
