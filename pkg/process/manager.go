package process

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"kernos/pkg/arch"
	"kernos/pkg/loader"
	"kernos/pkg/logging"
	"kernos/pkg/metrics"
	"kernos/pkg/thread"
	"kernos/pkg/vfs"
	"kernos/pkg/vm"
)

// Limits on exec arguments.
const (
	// ArgMax bounds the bytes of argument strings and pointers together.
	ArgMax = 16 * 1024
	// DefaultArgLenMax bounds one argument, terminator included.
	DefaultArgLenMax = 128
	// DefaultArgCountMax bounds the number of arguments.
	DefaultArgCountMax = 64
)

// Memory creates address spaces.
type Memory interface {
	Create() (vm.AddressSpace, error)
}

// Launcher moves a thread into user mode. Both methods run on the thread of
// the process they are given and never return.
type Launcher interface {
	// EnterForked resumes a forked child from its copy of the parent's
	// trap frame.
	EnterForked(p *Process, tf *arch.TrapFrame)
	// EnterNew starts a freshly loaded program at entry with its argument
	// vector at argv and the stack pointer at sp.
	EnterNew(p *Process, argc int, argv, sp uint32, entry loader.Entry)
}

// Config bounds the process table and exec arguments.
type Config struct {
	PIDMin      int
	PIDMax      int
	ArgLenMax   int
	ArgCountMax int
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		PIDMin:      2,
		PIDMax:      32767,
		ArgLenMax:   DefaultArgLenMax,
		ArgCountMax: DefaultArgCountMax,
	}
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Memory   Memory
	FS       vfs.FileSystem
	Threads  *thread.Pool
	Launcher Launcher
	Log      *logging.Logger
	Metrics  *metrics.Metrics
}

// Manager implements the process system calls on top of a Registry.
type Manager struct {
	registry *Registry
	memory   Memory
	fs       vfs.FileSystem
	threads  *thread.Pool
	launcher Launcher
	cfg      Config
	log      *logging.Logger
	metrics  *metrics.Metrics
}

// NewManager creates a process manager.
func NewManager(cfg Config, deps Deps) *Manager {
	log := deps.Log
	if log == nil {
		log = logging.NewNop()
	}
	if cfg.ArgLenMax <= 0 {
		cfg.ArgLenMax = DefaultArgLenMax
	}
	if cfg.ArgCountMax <= 0 {
		cfg.ArgCountMax = DefaultArgCountMax
	}
	return &Manager{
		registry: NewRegistry(cfg.PIDMin, cfg.PIDMax, deps.Metrics),
		memory:   deps.Memory,
		fs:       deps.FS,
		threads:  deps.Threads,
		launcher: deps.Launcher,
		cfg:      cfg,
		log:      log.Named("proc"),
		metrics:  deps.Metrics,
	}
}

// Registry returns the process table.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// GetPID returns the caller's process id.
func (m *Manager) GetPID(p *Process) int {
	return p.PID
}

// GetPPID returns the caller's parent id, or 0 when it has none.
func (m *Manager) GetPPID(p *Process) int {
	return p.PPID()
}

// Spawn starts path as a new process without a parent, the way the kernel
// menu runs a program. It returns once the process is running; its status
// is never collected and it is destroyed when it exits.
func (m *Manager) Spawn(path string, args []string) (*Process, error) {
	if len(args) == 0 {
		args = []string{path}
	}
	if len(args) > m.cfg.ArgCountMax {
		return nil, errors.Wrapf(arch.E2BIG, "spawn %s: %d arguments", path, len(args))
	}
	for _, arg := range args {
		if len(arg)+1 > m.cfg.ArgLenMax {
			return nil, errors.Wrapf(arch.E2BIG, "spawn %s: argument of %d bytes", path, len(arg))
		}
	}

	img, err := loader.Open(m.fs, path)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	p, err := m.registry.allocate(vfs.Base(path))
	if err != nil {
		return nil, err
	}

	as, entry, argv, sp, err := m.prepareImage(img, args)
	if err != nil {
		m.destroy(p)
		return nil, err
	}
	p.SetAddrSpace(as)

	_, err = m.threads.Fork(p.Name(), func(t *thread.Thread) {
		p.attachThread(t)
		as.Activate()
		m.launcher.EnterNew(p, len(args), argv, sp, entry)
		panic("process: enter new process returned")
	})
	if err != nil {
		p.SetAddrSpace(nil)
		as.Destroy()
		m.destroy(p)
		return nil, err
	}

	m.log.Debug("spawn", logging.PID(p.PID), zap.String("path", path), zap.Strings("args", args))
	return p, nil
}

// prepareImage builds a complete new address space for img with args on its
// stack. On failure nothing is left allocated.
func (m *Manager) prepareImage(img *loader.Image, args []string) (vm.AddressSpace, loader.Entry, uint32, uint32, error) {
	as, err := m.memory.Create()
	if err != nil {
		return nil, loader.Entry{}, 0, 0, errors.Wrap(err, "as_create")
	}

	entry, err := img.Load(as)
	if err != nil {
		as.Destroy()
		return nil, loader.Entry{}, 0, 0, err
	}

	argv, sp, err := buildStack(as, args)
	if err != nil {
		as.Destroy()
		return nil, loader.Entry{}, 0, 0, err
	}
	return as, entry, argv, sp, nil
}

// destroy releases an unreferenced process and its PID. The address space
// and thread must already be gone.
func (m *Manager) destroy(p *Process) {
	if as := p.AddrSpace(); as != nil {
		panic("process: destroying a process that still has an address space")
	}
	m.registry.release(p)
}
