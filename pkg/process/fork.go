package process

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"kernos/pkg/arch"
	"kernos/pkg/logging"
	"kernos/pkg/thread"
)

// Fork duplicates p. The child gets a copy of p's address space and resumes
// from a copy of tf with a zero result. Fork returns the child's PID to the
// parent. On failure nothing of the child survives.
func (m *Manager) Fork(p *Process, tf *arch.TrapFrame) (int, error) {
	pid, err := m.fork(p, tf)
	m.metrics.Fork(err)
	if err != nil {
		m.log.Debug("fork failed", logging.PID(p.PID), zap.Error(err))
		return 0, err
	}
	m.log.Debug("fork", logging.PID(pid), logging.PPID(p.PID))
	return pid, nil
}

func (m *Manager) fork(p *Process, tf *arch.TrapFrame) (int, error) {
	child, err := m.registry.allocate(p.Name())
	if err != nil {
		return 0, err
	}

	parentAS := p.AddrSpace()
	if parentAS == nil {
		m.destroy(child)
		return 0, errors.Wrap(arch.EINVAL, "fork: process has no address space")
	}
	as, err := parentAS.Copy()
	if err != nil {
		m.destroy(child)
		return 0, errors.Wrapf(err, "fork %d: as_copy", p.PID)
	}
	child.SetAddrSpace(as)

	// The child must not see later changes to the parent's frame.
	childTF := tf.Clone()

	p.mu.Lock()
	child.mu.Lock()
	child.parent = p
	p.living[child.PID] = child
	child.mu.Unlock()
	p.mu.Unlock()

	_, err = m.threads.Fork(child.Name(), func(t *thread.Thread) {
		child.attachThread(t)
		m.enterForked(child, childTF)
	})
	if err != nil {
		p.mu.Lock()
		delete(p.living, child.PID)
		child.mu.Lock()
		child.parent = nil
		child.mu.Unlock()
		p.mu.Unlock()

		child.SetAddrSpace(nil)
		as.Destroy()
		m.destroy(child)
		return 0, err
	}
	return child.PID, nil
}

// enterForked is the first thing a forked child runs.
func (m *Manager) enterForked(child *Process, tf *arch.TrapFrame) {
	child.AddrSpace().Activate()
	tf.SetResult(0)
	tf.Advance()
	m.launcher.EnterForked(child, tf)
	panic("process: forked child returned from user mode")
}
