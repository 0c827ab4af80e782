package process

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"kernos/pkg/arch"
	"kernos/pkg/logging"
	"kernos/pkg/metrics"
)

// WaitPID blocks until child pid of p has exited, collects it and returns
// its encoded exit status. Each child is collected at most once: any other
// caller waiting for the same child gets EINVAL.
func (m *Manager) WaitPID(p *Process, pid, options int) (int, error) {
	if options != 0 {
		m.metrics.Wait(metrics.ResultError)
		return 0, errors.Wrapf(arch.EINVAL, "waitpid: unsupported options %#x", options)
	}

	p.mu.Lock()
	child, ok := p.dead[pid]
	outcome := metrics.ResultImmediate
	if !ok {
		child, ok = p.living[pid]
		outcome = metrics.ResultBlocked
	}
	p.mu.Unlock()
	if !ok {
		m.metrics.Wait(metrics.ResultError)
		return 0, errors.Wrapf(arch.EINVAL, "waitpid: %d is not a child of %d", pid, p.PID)
	}

	child.mu.Lock()
	for !child.exited {
		child.exitCond.Wait()
	}
	code := child.exitCode
	child.mu.Unlock()

	// The child moved itself to the dead set when it exited. If it is gone
	// from there, somebody else collected it first.
	p.mu.Lock()
	collected := p.dead[pid] != child
	if !collected {
		delete(p.dead, pid)
	}
	p.mu.Unlock()
	if collected {
		m.metrics.Wait(metrics.ResultError)
		return 0, errors.Wrapf(arch.EINVAL, "waitpid: %d already collected", pid)
	}

	m.metrics.AddZombies(-1)
	m.destroy(child)
	m.metrics.Wait(outcome)
	m.log.Debug("waitpid", logging.PID(p.PID), zap.Int("child", pid), zap.Int("code", code))
	return MakeWaitExit(code), nil
}
