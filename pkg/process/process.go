package process

import (
	"sort"
	"sync"
	"time"

	"kernos/pkg/thread"
	"kernos/pkg/vm"
)

// Process is one live or zombie process.
//
// mu guards the tree links and the termination state: parent, living,
// dead, exited, exitCode and state. exitCond is the termination signal and
// sleeps on mu. asMu guards the address space and thread, which only the
// process itself changes.
type Process struct {
	// PID is the unique process identifier.
	PID int

	mu       sync.Mutex
	exitCond *sync.Cond
	name     string
	parent   *Process
	living   map[int]*Process
	dead     map[int]*Process
	exited   bool
	exitCode int
	state    ProcessState

	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time

	asMu   sync.Mutex
	as     vm.AddressSpace
	thread *thread.Thread
}

func newProcess(pid int, name string) *Process {
	p := &Process{
		PID:       pid,
		name:      name,
		living:    make(map[int]*Process),
		dead:      make(map[int]*Process),
		state:     StateNew,
		createdAt: time.Now(),
	}
	p.exitCond = sync.NewCond(&p.mu)
	return p
}

// Name returns the program name the process runs.
func (p *Process) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *Process) setName(name string) {
	p.mu.Lock()
	p.name = name
	p.mu.Unlock()
}

// Parent returns the parent, or nil for a root or orphaned process.
func (p *Process) Parent() *Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parent
}

// PPID returns the parent's PID, or 0 without a parent.
func (p *Process) PPID() int {
	if parent := p.Parent(); parent != nil {
		return parent.PID
	}
	return 0
}

// Exited reports whether the process has called _exit, and with what code.
func (p *Process) Exited() (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited, p.exitCode
}

// AwaitExit blocks until p has exited and returns its exit code. Unlike
// WaitPID it does not collect p.
func (p *Process) AwaitExit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.exited {
		p.exitCond.Wait()
	}
	return p.exitCode
}

// LivingChildren returns the PIDs of running children in ascending order.
func (p *Process) LivingChildren() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedPIDs(p.living)
}

// DeadChildren returns the PIDs of uncollected children in ascending order.
func (p *Process) DeadChildren() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedPIDs(p.dead)
}

func sortedPIDs(set map[int]*Process) []int {
	pids := make([]int, 0, len(set))
	for pid := range set {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// AddrSpace returns the current address space.
func (p *Process) AddrSpace() vm.AddressSpace {
	p.asMu.Lock()
	defer p.asMu.Unlock()
	return p.as
}

// SetAddrSpace installs as and returns the previous address space.
func (p *Process) SetAddrSpace(as vm.AddressSpace) vm.AddressSpace {
	p.asMu.Lock()
	defer p.asMu.Unlock()
	old := p.as
	p.as = as
	return old
}

// Thread returns the execution context, nil before start and after exit.
func (p *Process) Thread() *thread.Thread {
	p.asMu.Lock()
	defer p.asMu.Unlock()
	return p.thread
}

// attachThread binds the thread the process runs on and marks it running.
func (p *Process) attachThread(t *thread.Thread) {
	p.asMu.Lock()
	p.thread = t
	p.asMu.Unlock()

	p.mu.Lock()
	p.transition(StateRunning)
	p.mu.Unlock()
}

func (p *Process) detachThread() {
	p.asMu.Lock()
	p.thread = nil
	p.asMu.Unlock()
}

// Info is a point-in-time description of a process.
type Info struct {
	PID      int
	PPID     int
	Name     string
	State    ProcessState
	Living   int
	Dead     int
	ExitCode int
}

// Info returns a snapshot of the process.
func (p *Process) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := Info{
		PID:    p.PID,
		Name:   p.name,
		State:  p.state,
		Living: len(p.living),
		Dead:   len(p.dead),
	}
	if p.parent != nil {
		info.PPID = p.parent.PID
	}
	if p.exited {
		info.ExitCode = p.exitCode
	}
	return info
}
