package process

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"kernos/pkg/arch"
	"kernos/pkg/metrics"
)

// Registry is the process table. It hands out PIDs and is the only
// structure shared by the whole process tree.
//
// A PID stays allocated until its process is destroyed, and a process is
// destroyed only when nothing refers to it any more, so a PID is never seen
// on two processes at once.
type Registry struct {
	mu      sync.Mutex
	idle    *sync.Cond
	table   map[int]*Process
	min     int
	max     int
	next    int
	metrics *metrics.Metrics
}

// NewRegistry creates a table handing out PIDs in [min, max].
func NewRegistry(min, max int, m *metrics.Metrics) *Registry {
	r := &Registry{
		table:   make(map[int]*Process),
		min:     min,
		max:     max,
		next:    min,
		metrics: m,
	}
	r.idle = sync.NewCond(&r.mu)
	return r
}

// allocate creates a process record under a fresh PID. PIDs are handed
// out round-robin so a released PID is not reissued straight away.
func (r *Registry) allocate(name string) (*Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.max - r.min + 1
	for i := 0; i < size; i++ {
		pid := r.min + (r.next-r.min+i)%size
		if _, used := r.table[pid]; used {
			continue
		}
		p := newProcess(pid, name)
		r.table[pid] = p
		r.next = pid + 1
		if r.next > r.max {
			r.next = r.min
		}
		r.metrics.AddProcesses(1)
		return p, nil
	}
	return nil, errors.Wrapf(arch.ENPROC, "all %d pids in use", size)
}

// release removes p from the table, freeing its PID.
func (r *Registry) release(p *Process) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.table[p.PID] != p {
		panic("process: releasing a pid that is not registered")
	}
	delete(r.table, p.PID)
	r.metrics.AddProcesses(-1)
	if len(r.table) == 0 {
		r.idle.Broadcast()
	}
}

// Lookup returns the process registered under pid.
func (r *Registry) Lookup(pid int) (*Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.table[pid]
	return p, ok
}

// Count returns the number of registered processes, zombies included.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.table)
}

// WaitIdle blocks until the table is empty.
func (r *Registry) WaitIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.table) > 0 {
		r.idle.Wait()
	}
}

// Snapshot describes every registered process, ordered by PID.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	procs := make([]*Process, 0, len(r.table))
	for _, p := range r.table {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(procs))
	for _, p := range procs {
		infos = append(infos, p.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].PID < infos[j].PID
	})
	return infos
}
