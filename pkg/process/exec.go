package process

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"kernos/pkg/arch"
	"kernos/pkg/loader"
	"kernos/pkg/logging"
	"kernos/pkg/vfs"
	"kernos/pkg/vm"
)

// Exec replaces p's program with the image at the user string pathAddr,
// passing the NULL-terminated user array of strings at argvAddr. On success
// it does not return. On failure p's address space is exactly as it was.
func (m *Manager) Exec(p *Process, pathAddr, argvAddr uint32) error {
	as := p.AddrSpace()

	path, err := as.CopyInString(pathAddr, vfs.MaxPathLength)
	if err != nil {
		return m.execFailed(p, errors.Wrap(err, "execv: path"))
	}
	args, err := m.copyInArgs(as, argvAddr)
	if err != nil {
		return m.execFailed(p, errors.Wrapf(err, "execv %s", path))
	}

	img, err := loader.Open(m.fs, path)
	if err != nil {
		return m.execFailed(p, err)
	}
	newAS, entry, argv, sp, err := m.prepareImage(img, args)
	img.Close()
	if err != nil {
		return m.execFailed(p, errors.Wrapf(err, "execv %s", path))
	}

	old := p.SetAddrSpace(newAS)
	old.Deactivate()
	newAS.Activate()
	old.Destroy()
	p.setName(vfs.Base(path))

	m.metrics.Exec(nil)
	m.log.Debug("exec", logging.PID(p.PID), zap.String("path", path), zap.Strings("args", args))

	m.launcher.EnterNew(p, len(args), argv, sp, entry)
	panic("process: enter new process returned")
}

func (m *Manager) execFailed(p *Process, err error) error {
	m.metrics.Exec(err)
	m.log.Debug("exec failed", logging.PID(p.PID), zap.Error(err))
	return err
}

// copyInArgs reads the argument vector at argvAddr into kernel memory.
func (m *Manager) copyInArgs(as vm.AddressSpace, argvAddr uint32) ([]string, error) {
	if argvAddr == 0 {
		return nil, errors.Wrap(arch.EFAULT, "argv is NULL")
	}

	var (
		args  []string
		total int
		word  [arch.WordSize]byte
	)
	for i := 0; ; i++ {
		if err := as.CopyIn(word[:], argvAddr+uint32(i*arch.WordSize)); err != nil {
			return nil, errors.Wrapf(err, "argv[%d]", i)
		}
		ptr := arch.ByteOrder.Uint32(word[:])
		if ptr == 0 {
			break
		}
		if i >= m.cfg.ArgCountMax {
			return nil, errors.Wrapf(arch.E2BIG, "more than %d arguments", m.cfg.ArgCountMax)
		}

		arg, err := as.CopyInString(ptr, m.cfg.ArgLenMax)
		if errors.Is(err, arch.ENAMETOOLONG) {
			return nil, errors.Wrapf(arch.E2BIG, "argv[%d] longer than %d bytes", i, m.cfg.ArgLenMax)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "argv[%d]", i)
		}

		total += len(arg) + 1 + arch.WordSize
		if total+arch.WordSize > ArgMax {
			return nil, errors.Wrapf(arch.E2BIG, "arguments exceed %d bytes", ArgMax)
		}
		args = append(args, arg)
	}
	return args, nil
}

// buildStack copies args onto a fresh user stack in as.
//
// The strings sit at the top of the stack, args[0] lowest, padded to a word
// boundary. Below them is the NULL-terminated table of pointers to them,
// which is what argv points to. The returned stack pointer is argv rounded
// down to the stack alignment.
func buildStack(as vm.AddressSpace, args []string) (argv, sp uint32, err error) {
	top, err := as.DefineStack()
	if err != nil {
		return 0, 0, errors.Wrap(err, "as_define_stack")
	}

	var strBytes uint32
	for _, arg := range args {
		strBytes += uint32(len(arg)) + 1
	}
	tableBytes := uint32(len(args)+1) * arch.WordSize
	if arch.RoundUp(strBytes, arch.WordSize)+tableBytes+arch.StackAlign > vm.StackPages*arch.PageSize {
		return 0, 0, errors.Wrapf(arch.E2BIG, "%d bytes of arguments do not fit the stack", strBytes)
	}

	ptrs := make([]uint32, len(args))
	sp = top
	for i := len(args) - 1; i >= 0; i-- {
		sp -= uint32(len(args[i])) + 1
		buf := make([]byte, len(args[i])+1)
		copy(buf, args[i])
		if err := as.CopyOut(buf, sp); err != nil {
			return 0, 0, errors.Wrapf(err, "copyout argv[%d]", i)
		}
		ptrs[i] = sp
	}

	sp = top - arch.RoundUp(strBytes, arch.WordSize)
	table := make([]byte, tableBytes)
	for i, ptr := range ptrs {
		arch.ByteOrder.PutUint32(table[i*arch.WordSize:], ptr)
	}
	sp -= tableBytes
	if err := as.CopyOut(table, sp); err != nil {
		return 0, 0, errors.Wrap(err, "copyout argv table")
	}

	argv = sp
	return argv, arch.RoundDown(argv, arch.StackAlign), nil
}
