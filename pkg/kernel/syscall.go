package kernel

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"kernos/pkg/arch"
	"kernos/pkg/logging"
	"kernos/pkg/process"
)

// Syscall handles a system call trap from p. The call number is in v0 and
// the arguments in a0-a2. On return v0 holds the result or error number,
// a3 is 0 on success and 1 on failure, and epc is past the trap.
func (k *Kernel) Syscall(p *process.Process, tf *arch.TrapFrame) {
	var (
		ret int
		err error
	)

	switch tf.V0 {
	case arch.SysFork:
		ret, err = k.procs.Fork(p, tf)

	case arch.SysExecv:
		err = k.procs.Exec(p, tf.A0, tf.A1)

	case arch.SysExit:
		k.procs.Exit(p, int(int32(tf.A0)))

	case arch.SysWaitpid:
		ret, err = k.sysWaitpid(p, int(int32(tf.A0)), tf.A1, int(int32(tf.A2)))

	case arch.SysGetpid:
		ret = k.procs.GetPID(p)

	case arch.SysGetppid:
		ret = k.procs.GetPPID(p)

	default:
		err = errors.Wrapf(arch.ENOSYS, "syscall %d (%s)", tf.V0, arch.SyscallName(tf.V0))
	}

	if err != nil {
		k.log.Debug("syscall failed",
			logging.PID(p.PID),
			zap.String("call", arch.SyscallName(tf.V0)),
			zap.Error(err),
		)
		tf.SetError(arch.ErrnoOf(err))
	} else {
		tf.SetResult(uint32(ret))
	}
	tf.Advance()
}

// sysWaitpid collects pid and stores its status at statusAddr unless that
// is NULL. It returns pid.
func (k *Kernel) sysWaitpid(p *process.Process, pid int, statusAddr uint32, options int) (int, error) {
	status, err := k.procs.WaitPID(p, pid, options)
	if err != nil {
		return 0, err
	}
	// The child is already collected here. A bad status pointer fails the
	// call but the status is gone.
	if statusAddr != 0 {
		var word [arch.WordSize]byte
		arch.ByteOrder.PutUint32(word[:], uint32(status))
		if err := p.AddrSpace().CopyOut(word[:], statusAddr); err != nil {
			return 0, errors.Wrap(err, "waitpid: status")
		}
	}
	return pid, nil
}
