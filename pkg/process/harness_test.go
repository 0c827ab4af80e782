package process

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kernos/pkg/arch"
	"kernos/pkg/loader"
	"kernos/pkg/metrics"
	"kernos/pkg/thread"
	"kernos/pkg/vfs"
	"kernos/pkg/vfs/memfs"
	"kernos/pkg/vm"
)

// program is user code started by exec or spawn. Its return value is the
// exit code.
type program func(h *harness, p *Process, args []string) int

// harness is a small machine: real address spaces, images and threads, with
// user mode replaced by plain Go functions.
type harness struct {
	t       *testing.T
	m       *Manager
	fs      *memfs.FS
	coremap *vm.Coremap
	threads *thread.Pool
	metrics *metrics.Metrics

	mu       sync.Mutex
	programs map[string]program
}

type harnessOptions struct {
	frames  int
	threads int
	cfg     Config
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	if opts.frames == 0 {
		opts.frames = 4096
	}
	if opts.threads == 0 {
		opts.threads = 512
	}
	if opts.cfg.PIDMax == 0 {
		opts.cfg = DefaultConfig()
	}

	h := &harness{
		t:        t,
		fs:       memfs.New(),
		coremap:  vm.NewCoremap(opts.frames, nil),
		metrics:  metrics.New(),
		programs: make(map[string]program),
	}
	h.threads = thread.NewPool(opts.threads, nil, h.metrics)
	h.m = NewManager(opts.cfg, Deps{
		Memory:   vm.NewSystem(h.coremap, nil),
		FS:       h.fs,
		Threads:  h.threads,
		Launcher: h,
		Metrics:  h.metrics,
	})
	require.NoError(t, h.fs.MkdirAll("/bin", 0755))
	return h
}

// install builds an image for fn and stores it as /bin/name.
func (h *harness) install(name string, fn program) string {
	h.t.Helper()
	data, err := loader.Build(loader.Executable(name, 2))
	require.NoError(h.t, err)
	path := vfs.Join("/bin", name)
	require.NoError(h.t, h.fs.WriteFile(path, data, 0755))

	h.mu.Lock()
	h.programs[name] = fn
	h.mu.Unlock()
	return path
}

// spawn installs fn and runs it as a parentless process.
func (h *harness) spawn(name string, fn program, args ...string) *Process {
	h.t.Helper()
	path := h.install(name, fn)
	p, err := h.m.Spawn(path, append([]string{name}, args...))
	require.NoError(h.t, err)
	return p
}

// waitIdle waits for every process to be gone and checks nothing leaked.
func (h *harness) waitIdle() {
	h.t.Helper()
	done := make(chan struct{})
	go func() {
		h.m.Registry().WaitIdle()
		h.threads.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		h.t.Fatalf("processes still running: %+v", h.m.Registry().Snapshot())
	}
	assert.Zero(h.t, h.coremap.InUse(), "frames leaked")
}

// userFrame is the user-mode side of a forked child.
type userFrame struct {
	tf *arch.TrapFrame
	p  *Process
}

func (u userFrame) Frame() *arch.TrapFrame { return u.tf }

func (h *harness) EnterForked(p *Process, tf *arch.TrapFrame) {
	code := tf.Resume(userFrame{tf: tf, p: p})
	h.m.Exit(p, code)
}

func (h *harness) EnterNew(p *Process, argc int, argv, sp uint32, entry loader.Entry) {
	assert.Zero(h.t, sp%arch.StackAlign, "misaligned stack pointer")
	assert.LessOrEqual(h.t, sp, argv, "stack pointer above argv")

	code := 255
	args, err := readArgs(p.AddrSpace(), argc, argv)
	h.mu.Lock()
	fn := h.programs[entry.Program]
	h.mu.Unlock()
	if assert.NoError(h.t, err) && assert.NotNil(h.t, fn, "no program %q", entry.Program) {
		code = fn(h, p, args)
	}
	h.m.Exit(p, code)
}

// fork forks p; the child runs fn and exits with its result.
func (h *harness) fork(p *Process, fn func(child *Process, tf *arch.TrapFrame) int) (int, error) {
	tf := &arch.TrapFrame{
		V0:  arch.SysFork,
		EPC: loader.TextBase,
		Resume: func(u arch.UserContext) int {
			uf := u.(userFrame)
			return fn(uf.p, uf.tf)
		},
	}
	return h.m.Fork(p, tf)
}

// exec lays path and args out in p's data segment and calls Exec.
func (h *harness) exec(p *Process, path string, args []string) error {
	pathAddr, argvAddr, err := putArgs(p.AddrSpace(), path, args)
	if err != nil {
		return err
	}
	return h.m.Exec(p, pathAddr, argvAddr)
}

func putArgs(as vm.AddressSpace, path string, args []string) (pathAddr, argvAddr uint32, err error) {
	addr := uint32(loader.DataBase)
	putString := func(s string) (uint32, error) {
		at := addr
		if err := as.CopyOut(append([]byte(s), 0), at); err != nil {
			return 0, err
		}
		addr += uint32(len(s)) + 1
		return at, nil
	}

	if pathAddr, err = putString(path); err != nil {
		return 0, 0, err
	}
	ptrs := make([]uint32, len(args)+1)
	for i, arg := range args {
		if ptrs[i], err = putString(arg); err != nil {
			return 0, 0, err
		}
	}

	argvAddr = arch.RoundUp(addr, arch.WordSize)
	table := make([]byte, len(ptrs)*arch.WordSize)
	for i, ptr := range ptrs {
		arch.ByteOrder.PutUint32(table[i*arch.WordSize:], ptr)
	}
	return pathAddr, argvAddr, as.CopyOut(table, argvAddr)
}

// readArgs decodes an argument vector the way a program's startup code does.
func readArgs(as vm.AddressSpace, argc int, argv uint32) ([]string, error) {
	args := make([]string, 0, argc)
	var word [arch.WordSize]byte
	for i := 0; i <= argc; i++ {
		if err := as.CopyIn(word[:], argv+uint32(i*arch.WordSize)); err != nil {
			return nil, err
		}
		ptr := arch.ByteOrder.Uint32(word[:])
		if i == argc {
			if ptr != 0 {
				return nil, errors.Errorf("argv[%d] = 0x%x, want NULL", i, ptr)
			}
			break
		}
		arg, err := as.CopyInString(ptr, vfs.MaxPathLength)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

// result is what a test program reports back to the test.
type result struct {
	status int
	err    error
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}
