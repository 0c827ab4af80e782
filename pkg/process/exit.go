package process

import (
	"go.uber.org/zap"

	"kernos/pkg/logging"
	"kernos/pkg/thread"
)

// Exit terminates p with code. It must be called on p's own thread and
// never returns.
//
// p's address space and thread are released first. Living children are
// orphaned and uncollected dead children are discarded. If p still has a
// parent it becomes a zombie holding code until the parent collects it;
// otherwise it is destroyed on the spot.
func (m *Manager) Exit(p *Process, code int) {
	if as := p.SetAddrSpace(nil); as != nil {
		as.Deactivate()
		as.Destroy()
	}
	p.detachThread()

	m.orphanChildren(p)

	if !m.report(p, code) {
		m.destroy(p)
	}
	m.metrics.Exit()
	m.log.Debug("exit", logging.PID(p.PID), zap.Int("code", code))

	thread.Exit()
	panic("process: thread_exit returned")
}

// orphanChildren cuts p off from its children. Living children will destroy
// themselves when they exit. Dead ones have nobody left to collect them.
func (m *Manager) orphanChildren(p *Process) {
	p.mu.Lock()
	living, dead := p.living, p.dead
	p.living = make(map[int]*Process)
	p.dead = make(map[int]*Process)
	for _, child := range living {
		child.mu.Lock()
		child.parent = nil
		child.mu.Unlock()
	}
	p.mu.Unlock()

	for _, child := range dead {
		m.metrics.AddZombies(-1)
		m.destroy(child)
	}
}

// report hands code to p's parent and wakes its waiters. It returns false
// when p has no parent, in which case p is only marked exited.
func (m *Manager) report(p *Process, code int) bool {
	for {
		p.mu.Lock()
		parent := p.parent
		if parent == nil {
			p.exited = true
			p.exitCode = code
			p.transition(StateZombie)
			p.exitCond.Broadcast()
			p.mu.Unlock()
			return false
		}
		p.mu.Unlock()

		// Lock order is parent before child. The parent may have exited
		// and orphaned p in between, so check again under both locks.
		parent.mu.Lock()
		p.mu.Lock()
		if p.parent != parent {
			p.mu.Unlock()
			parent.mu.Unlock()
			continue
		}
		p.exitCode = code
		p.exited = true
		p.transition(StateZombie)
		p.exitCond.Broadcast()
		delete(parent.living, p.PID)
		parent.dead[p.PID] = p
		p.mu.Unlock()
		parent.mu.Unlock()

		m.metrics.AddZombies(1)
		return true
	}
}
