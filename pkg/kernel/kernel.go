// Package kernel ties the machine together: physical memory, threads, the
// file system holding program images and the process system. It runs user
// programs and dispatches their system calls.
package kernel

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"kernos/pkg/arch"
	"kernos/pkg/config"
	"kernos/pkg/loader"
	"kernos/pkg/logging"
	"kernos/pkg/metrics"
	"kernos/pkg/process"
	"kernos/pkg/thread"
	"kernos/pkg/vfs"
	"kernos/pkg/vfs/diskfs"
	"kernos/pkg/vfs/memfs"
	"kernos/pkg/vfs/overlayfs"
	"kernos/pkg/vm"
)

// BinDir is where program images are installed.
const BinDir = "/bin"

// DefaultDataPages is the data segment size of a registered program.
const DefaultDataPages = 2

// Program is user code. It runs in user mode and talks to the kernel only
// through u. Its return value is passed to _exit.
type Program func(u *User) int

// Kernel is a booted machine.
type Kernel struct {
	cfg     *config.Config
	log     *logging.Logger
	metrics *metrics.Metrics

	coremap *vm.Coremap
	vm      *vm.System
	images  *memfs.FS
	fs      vfs.FileSystem
	threads *thread.Pool
	procs   *process.Manager

	mu       sync.RWMutex
	programs map[string]Program

	consoleMu sync.Mutex
	console   io.Writer

	imageDir string
}

// Option configures Boot.
type Option func(*Kernel)

// WithLogger sets the kernel logger.
func WithLogger(log *logging.Logger) Option {
	return func(k *Kernel) { k.log = log }
}

// WithMetrics records kernel activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(k *Kernel) { k.metrics = m }
}

// WithConsole sends program output to w.
func WithConsole(w io.Writer) Option {
	return func(k *Kernel) { k.console = w }
}

// WithImageDir mounts a host directory of program images under the
// images installed at boot.
func WithImageDir(dir string) Option {
	return func(k *Kernel) { k.imageDir = dir }
}

// Boot brings up a machine sized by cfg.
func Boot(cfg *config.Config, opts ...Option) (*Kernel, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "boot")
	}

	k := &Kernel{
		cfg:      cfg,
		programs: make(map[string]Program),
		console:  io.Discard,
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.log == nil {
		k.log = logging.NewNop()
	}

	k.coremap = vm.NewCoremap(cfg.Machine.RAMPages, k.metrics)
	k.vm = vm.NewSystem(k.coremap, k.log)
	k.images = memfs.New()
	k.fs = k.images
	if k.imageDir != "" {
		k.fs = overlayfs.New(k.images, diskfs.New(k.imageDir))
	}
	k.threads = thread.NewPool(cfg.Machine.MaxThreads, k.log, k.metrics)
	k.procs = process.NewManager(process.Config{
		PIDMin:      cfg.Process.PIDMin,
		PIDMax:      cfg.Process.PIDMax,
		ArgLenMax:   cfg.Process.ArgLenMax,
		ArgCountMax: cfg.Process.ArgCountMax,
	}, process.Deps{
		Memory:   k.vm,
		FS:       k.fs,
		Threads:  k.threads,
		Launcher: k,
		Log:      k.log,
		Metrics:  k.metrics,
	})

	if err := k.images.MkdirAll(BinDir, 0755); err != nil {
		return nil, errors.Wrap(err, "boot")
	}

	k.log.Info("kernel booted",
		zap.Int("ram_pages", cfg.Machine.RAMPages),
		zap.Int("max_threads", cfg.Machine.MaxThreads),
		zap.Int("pid_min", cfg.Process.PIDMin),
		zap.Int("pid_max", cfg.Process.PIDMax),
		zap.String("image_dir", k.imageDir),
	)
	return k, nil
}

// Register makes prog available under name and installs its image as
// /bin/name.
func (k *Kernel) Register(name string, prog Program) error {
	k.mu.Lock()
	k.programs[name] = prog
	k.mu.Unlock()
	return k.InstallImage(vfs.Join(BinDir, name), name, DefaultDataPages)
}

// InstallImage writes an image entering the registered program symbol to
// path.
func (k *Kernel) InstallImage(path, program string, dataPages int) error {
	if _, ok := k.program(program); !ok {
		return errors.Errorf("install %s: no program %q", path, program)
	}
	data, err := loader.Build(loader.Executable(program, dataPages))
	if err != nil {
		return errors.Wrapf(err, "install %s", path)
	}
	if err := k.fs.MkdirAll(vfs.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "install %s", path)
	}
	if err := k.fs.WriteFile(path, data, 0755); err != nil {
		return errors.Wrapf(err, "install %s", path)
	}
	k.log.Debug("image installed", zap.String("path", path), zap.String("program", program))
	return nil
}

// InstallManifest installs the extra images a boot manifest lists.
func (k *Kernel) InstallManifest(m *config.Manifest) error {
	for _, img := range m.Images {
		pages := img.DataPages
		if pages == 0 {
			pages = DefaultDataPages
		}
		if err := k.InstallImage(img.Path, img.Program, pages); err != nil {
			return err
		}
	}
	return nil
}

func (k *Kernel) program(name string) (Program, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	prog, ok := k.programs[name]
	return prog, ok
}

// Programs lists the installed images in BinDir.
func (k *Kernel) Programs() ([]string, error) {
	infos, err := k.fs.ReadDir(BinDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, info := range infos {
		if !info.IsDir {
			names = append(names, vfs.Join(BinDir, info.Name))
		}
	}
	sort.Strings(names)
	return names, nil
}

// FS returns the file system program images are loaded from.
func (k *Kernel) FS() vfs.FileSystem {
	return k.fs
}

// Processes returns the process system.
func (k *Kernel) Processes() *process.Manager {
	return k.procs
}

// Coremap returns the physical memory allocator.
func (k *Kernel) Coremap() *vm.Coremap {
	return k.coremap
}

// RunProgram starts path with args as a new process without a parent, the
// way the kernel menu's "p" command does. args[0] is conventionally the
// program name and defaults to path.
func (k *Kernel) RunProgram(path string, args ...string) (*process.Process, error) {
	if len(args) == 0 {
		args = []string{path}
	}
	p, err := k.procs.Spawn(path, args)
	if err != nil {
		return nil, errors.Wrapf(err, "run %s", path)
	}
	k.log.Info("program started", logging.PID(p.PID), zap.String("path", path))
	return p, nil
}

// WaitIdle blocks until every user process is gone.
func (k *Kernel) WaitIdle() {
	k.procs.Registry().WaitIdle()
}

// Shutdown waits for all processes and threads to finish.
func (k *Kernel) Shutdown() {
	k.WaitIdle()
	k.threads.Wait()
	k.log.Info("kernel halted", zap.Int("frames_in_use", k.coremap.InUse()))
}

// EnterForked runs a forked child's copy of its parent's user code.
func (k *Kernel) EnterForked(p *process.Process, tf *arch.TrapFrame) {
	u := newUser(k, p, tf)
	code := tf.Resume(u)
	k.procs.Exit(p, code)
}

// EnterNew runs the program at entry with the prepared argument vector.
func (k *Kernel) EnterNew(p *process.Process, argc int, argv, sp uint32, entry loader.Entry) {
	tf := &arch.TrapFrame{
		A0:  uint32(argc),
		A1:  argv,
		SP:  sp,
		EPC: entry.PC,
	}
	u := newUser(k, p, tf)

	prog, ok := k.program(entry.Program)
	if !ok {
		k.log.Error("no such program", logging.PID(p.PID), zap.String("program", entry.Program))
		k.procs.Exit(p, 255)
	}
	k.procs.Exit(p, prog(u))
}

func (k *Kernel) printf(format string, args ...any) {
	k.consoleMu.Lock()
	defer k.consoleMu.Unlock()
	fmt.Fprintf(k.console, format, args...)
}
