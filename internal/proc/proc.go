// Package proc implements the process/thread lifecycle glue: address
// space ownership, per-key futex wait queues, note delivery, and the
// kill path that tears a process's threads down.
package proc

import (
	"sync"

	"patchwork/internal/addrspace"
	"patchwork/internal/config"
	"patchwork/internal/defs"
	"patchwork/internal/pagetable"
	"patchwork/internal/pmm"
	"patchwork/internal/thread"
	"patchwork/internal/vmm"
	"patchwork/internal/wait"
)

// Note is an asynchronous signal queued for a thread to observe the
// next time it checks NotePending -- the EINTR path out of a block.
type Note struct {
	Kind int
	Data any
}

const (
	NoteKill int = iota
	NoteUser
)

// Stack is a guard-paged virtual-range stack allocation: guardPages of
// unmapped (and therefore permanently reserved-but-never-committed)
// virtual address space on each side of the mapped range, so an
// over/underflow faults instead of silently corrupting an adjacent
// allocation.
type Stack struct {
	Base  uintptr // first mapped byte
	Top   uintptr // one past the last mapped byte (initial SP)
	Total uintptr // full reservation including both guard regions
}

// NewStack reserves a contiguous virtual region of
// (guardPages + pages + guardPages) pages, maps only the interior
// pages pages, and leaves the guard pages as bare reservations with no
// page-table entry.
func NewStack(space *addrspace.Space, vmgr *vmm.Manager, pages, guardPages int, user bool) (*Stack, defs.Err_t) {
	total := pages + 2*guardPages
	length := uintptr(total) * uintptr(pmm.PageSize)

	var intent addrspace.Intent
	base, err := space.MappingStart(&intent, 0, length, 0)
	if err != defs.EOK {
		return nil, err
	}
	space.MappingEnd(&intent, defs.EOK)

	innerVirt := base + uintptr(guardPages)*uintptr(pmm.PageSize)
	innerLen := uintptr(pages) * uintptr(pmm.PageSize)
	prot := pagetable.Write
	if user {
		prot |= pagetable.User
	}
	mapped, err := vmgr.Alloc(space, innerVirt, innerLen, 0, prot, vmm.FailIfMapped)
	if err != defs.EOK {
		return nil, err
	}
	return &Stack{Base: mapped, Top: mapped + innerLen, Total: length}, defs.EOK
}

// Process owns an address space, a futex context, a "dying" wait queue,
// its thread and child lists, and a parent link.
type Process struct {
	mu sync.Mutex

	Pid   defs.Pid_t
	Space *addrspace.Space

	Threads  []*Thread
	Parent   *Process
	Children []*Process

	// Futex maps a futex key (typically a virtual address) to the wait
	// queue threads parked on it sit in.
	Futex map[uintptr]*wait.Queue

	Dying   *wait.Queue
	dead    bool

	// ProcfsDirs holds whatever opaque directory handles a procfs layer
	// registers for this process; proc itself never interprets them.
	ProcfsDirs []any
}

// NewProcess constructs an empty process rooted at space.
func NewProcess(pid defs.Pid_t, space *addrspace.Space, parent *Process) *Process {
	p := &Process{Pid: pid, Space: space, Parent: parent, Futex: make(map[uintptr]*wait.Queue), Dying: wait.NewQueue()}
	if parent != nil {
		parent.mu.Lock()
		parent.Children = append(parent.Children, p)
		parent.mu.Unlock()
	}
	return p
}

// FutexQueue returns (creating if necessary) the wait queue for key.
func (p *Process) FutexQueue(key uintptr) *wait.Queue {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.Futex[key]
	if !ok {
		q = wait.NewQueue()
		p.Futex[key] = q
	}
	return q
}

// AddThread registers th as belonging to p.
func (p *Process) AddThread(th *Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Threads = append(p.Threads, th)
}

// RemoveThread unregisters th; if it was the last thread, the process is
// marked dead and its dying wait queue is woken.
func (p *Process) RemoveThread(th *Thread, ws *wait.Subsystem) {
	p.mu.Lock()
	for i, t := range p.Threads {
		if t == th {
			p.Threads = append(p.Threads[:i], p.Threads[i+1:]...)
			break
		}
	}
	last := len(p.Threads) == 0
	if last {
		p.dead = true
	}
	p.mu.Unlock()
	if last {
		ws.Unblock(p.Dying, -1, defs.EOK)
	}
}

// Dead reports whether every thread in the process has exited.
func (p *Process) Dead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead
}

// Kill queues a kill note to every thread in the process. Threads that
// are currently blocked observe it on their next wait commit (EINTR);
// running threads observe it the next time they check NotePending.
func (p *Process) Kill() {
	p.mu.Lock()
	threads := append([]*Thread(nil), p.Threads...)
	p.mu.Unlock()
	for _, th := range threads {
		th.QueueNote(Note{Kind: NoteKill})
	}
}

// Thread is one schedulable thread within a Process: the shared
// scheduling/blocking state in internal/thread.Thread, plus its stacks,
// SIMD save area, note queue, and trapped interrupt frame.
type Thread struct {
	*thread.Thread

	Proc *Process

	KernelStack *Stack
	UserStack   *Stack

	// SIMDSave is an opaque per-thread FPU/SSE/AVX save area; real
	// content and layout depend on the host CPU's supported extension
	// set, which this module has no access to, so it is left as an
	// opaque blob callers format however their trap entry/exit path
	// needs.
	SIMDSave []byte

	notesMu sync.Mutex
	notes   []Note

	// Frame holds the most recently trapped interrupt/exception frame for
	// this thread. Nothing in this core sets or reads it; the panic path
	// takes its frame and thread description through trap.Options.
	Frame any
}

// NewThread allocates a thread within proc with freshly mapped kernel
// (and, if user is true, user) stacks.
func NewThread(tid defs.Tid_t, basePriority int, proc *Process, vmgr *vmm.Manager, cfg *config.Boot_t, user bool) (*Thread, defs.Err_t) {
	kstack, err := NewStack(proc.Space, vmgr, cfg.KernelStackPages, cfg.StackGuardPages, false)
	if err != defs.EOK {
		return nil, err
	}
	th := &Thread{Thread: thread.New(tid, basePriority), Proc: proc, KernelStack: kstack}
	if user {
		ustack, err := NewStack(proc.Space, vmgr, cfg.UserStackPages, cfg.StackGuardPages, true)
		if err != defs.EOK {
			return nil, err
		}
		th.UserStack = ustack
	}
	proc.AddThread(th)
	return th, defs.EOK
}

// QueueNote appends n to the thread's note queue and marks NotePending,
// so the wait subsystem's commit phase sees it on the next block
// attempt.
func (th *Thread) QueueNote(n Note) {
	th.notesMu.Lock()
	th.notes = append(th.notes, n)
	th.notesMu.Unlock()
	th.NotePending.Store(true)
}

// DrainNotes returns and clears every pending note, resetting
// NotePending.
func (th *Thread) DrainNotes() []Note {
	th.notesMu.Lock()
	defer th.notesMu.Unlock()
	notes := th.notes
	th.notes = nil
	th.NotePending.Store(false)
	return notes
}
