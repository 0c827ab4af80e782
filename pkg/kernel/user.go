package kernel

import (
	"github.com/pkg/errors"

	"kernos/pkg/arch"
	"kernos/pkg/process"
	"kernos/pkg/vfs"
)

// User is the user-mode side of a running program: its registers and its
// view of its own memory. Everything it asks of the kernel goes through a
// system call trap.
type User struct {
	k  *Kernel
	p  *process.Process
	tf *arch.TrapFrame

	argc int
	argv uint32
}

func newUser(k *Kernel, p *process.Process, tf *arch.TrapFrame) *User {
	return &User{k: k, p: p, tf: tf, argc: int(tf.A0), argv: tf.A1}
}

// Frame returns the program's registers.
func (u *User) Frame() *arch.TrapFrame {
	return u.tf
}

// Argc returns the argument count the program was started with.
func (u *User) Argc() int {
	return u.argc
}

// Argv returns the address of the program's argument vector.
func (u *User) Argv() uint32 {
	return u.argv
}

// Args reads the program's argument vector.
func (u *User) Args() ([]string, error) {
	args := make([]string, 0, u.argc)
	for i := 0; i < u.argc; i++ {
		ptr, err := u.LoadWord(u.argv + uint32(i*arch.WordSize))
		if err != nil {
			return nil, err
		}
		arg, err := u.LoadString(ptr)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func (u *User) trap(num, a0, a1, a2 uint32) (uint32, error) {
	u.tf.V0 = num
	u.tf.A0 = a0
	u.tf.A1 = a1
	u.tf.A2 = a2
	u.k.Syscall(u.p, u.tf)
	if u.tf.A3 != 0 {
		return 0, arch.Errno(u.tf.V0)
	}
	return u.tf.V0, nil
}

// Fork creates a child process. The parent gets the child's PID. The child
// runs child in its own copy of memory and exits with its result.
func (u *User) Fork(child func(u *User) int) (int, error) {
	u.tf.Resume = func(c arch.UserContext) int {
		cu := c.(*User)
		cu.argc, cu.argv = u.argc, u.argv
		return child(cu)
	}
	pid, err := u.trap(arch.SysFork, 0, 0, 0)
	u.tf.Resume = nil
	return int(pid), err
}

// Exec replaces the program with the image at path. The strings are pushed
// on the user stack and handed over by address. Exec only returns on
// failure.
func (u *User) Exec(path string, args ...string) error {
	sp := u.tf.SP
	defer func() { u.tf.SP = sp }()

	pathAddr, err := u.push(append([]byte(path), 0))
	if err != nil {
		return err
	}
	ptrs := make([]uint32, len(args)+1)
	for i, arg := range args {
		if ptrs[i], err = u.push(append([]byte(arg), 0)); err != nil {
			return err
		}
	}
	u.tf.SP = arch.RoundDown(u.tf.SP, arch.WordSize)
	table := make([]byte, len(ptrs)*arch.WordSize)
	for i, ptr := range ptrs {
		arch.ByteOrder.PutUint32(table[i*arch.WordSize:], ptr)
	}
	argvAddr, err := u.push(table)
	if err != nil {
		return err
	}
	return u.ExecAt(pathAddr, argvAddr)
}

// ExecAt is execv with a path and argument vector already in user memory.
func (u *User) ExecAt(pathAddr, argvAddr uint32) error {
	_, err := u.trap(arch.SysExecv, pathAddr, argvAddr, 0)
	return err
}

// Exit terminates the program. It never returns.
func (u *User) Exit(code int) {
	u.trap(arch.SysExit, uint32(int32(code)), 0, 0)
	panic("kernel: _exit returned")
}

// WaitPID waits for child pid and returns its encoded status.
func (u *User) WaitPID(pid, options int) (int, error) {
	sp := u.tf.SP
	defer func() { u.tf.SP = sp }()

	statusAddr, err := u.push(make([]byte, arch.WordSize))
	if err != nil {
		return 0, err
	}
	if _, err := u.trap(arch.SysWaitpid, uint32(int32(pid)), statusAddr, uint32(int32(options))); err != nil {
		return 0, err
	}
	status, err := u.LoadWord(statusAddr)
	return int(int32(status)), err
}

// Wait collects pid without asking for its status.
func (u *User) Wait(pid int) error {
	_, err := u.trap(arch.SysWaitpid, uint32(int32(pid)), 0, 0)
	return err
}

// GetPID returns the program's process id.
func (u *User) GetPID() int {
	pid, _ := u.trap(arch.SysGetpid, 0, 0, 0)
	return int(pid)
}

// GetPPID returns the parent's process id, or 0 without a parent.
func (u *User) GetPPID() int {
	pid, _ := u.trap(arch.SysGetppid, 0, 0, 0)
	return int(pid)
}

// Syscall issues an arbitrary system call.
func (u *User) Syscall(num, a0, a1, a2 uint32) (uint32, error) {
	return u.trap(num, a0, a1, a2)
}

// push copies data onto the user stack and returns its address.
func (u *User) push(data []byte) (uint32, error) {
	sp := u.tf.SP - uint32(len(data))
	if err := u.Store(sp, data); err != nil {
		return 0, errors.Wrap(err, "push")
	}
	u.tf.SP = sp
	return sp, nil
}

// Load reads n bytes of the program's memory.
func (u *User) Load(addr uint32, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := u.p.AddrSpace().CopyIn(buf, addr); err != nil {
		return nil, err
	}
	return buf, nil
}

// LoadWord reads one machine word.
func (u *User) LoadWord(addr uint32) (uint32, error) {
	buf, err := u.Load(addr, arch.WordSize)
	if err != nil {
		return 0, err
	}
	return arch.ByteOrder.Uint32(buf), nil
}

// LoadString reads a NUL-terminated string.
func (u *User) LoadString(addr uint32) (string, error) {
	return u.p.AddrSpace().CopyInString(addr, vfs.MaxPathLength)
}

// Store writes data to the program's memory.
func (u *User) Store(addr uint32, data []byte) error {
	return u.p.AddrSpace().CopyOut(data, addr)
}

// StoreWord writes one machine word.
func (u *User) StoreWord(addr, v uint32) error {
	var word [arch.WordSize]byte
	arch.ByteOrder.PutUint32(word[:], v)
	return u.Store(addr, word[:])
}

// Printf writes to the console.
func (u *User) Printf(format string, args ...any) {
	u.k.printf(format, args...)
}
