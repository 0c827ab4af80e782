package process

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kernos/pkg/arch"
	"kernos/pkg/loader"
	"kernos/pkg/metrics"
)

func TestSpawnRunsParentlessProcess(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	got := make(chan []string, 1)
	ppid := make(chan int, 1)

	root := h.spawn("root", func(h *harness, p *Process, args []string) int {
		got <- args
		ppid <- h.m.GetPPID(p)
		return 0
	}, "x", "yy")

	assert.Equal(t, []string{"root", "x", "yy"}, recv(t, got))
	assert.Zero(t, recv(t, ppid))
	h.waitIdle()

	_, ok := h.m.Registry().Lookup(root.PID)
	assert.False(t, ok, "root pid still registered")
	assert.Equal(t, StateZombie, root.State())
}

func TestSpawnErrors(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	_, err := h.m.Spawn("/bin/missing", nil)
	assert.ErrorIs(t, err, arch.ENOENT)

	path := h.install("p", func(*harness, *Process, []string) int { return 0 })
	_, err = h.m.Spawn(path, []string{"p", strings.Repeat("x", DefaultArgLenMax)})
	assert.ErrorIs(t, err, arch.E2BIG)

	assert.Zero(t, h.m.Registry().Count())
	assert.Zero(t, h.coremap.InUse())
}

func TestForkWaitReturnsChildExitCode(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	type childView struct {
		v0, a3, epc uint32
		pid, ppid   int
	}
	seen := make(chan childView, 1)
	res := make(chan result, 1)
	var rootPID, childPID int

	h.spawn("root", func(h *harness, p *Process, _ []string) int {
		rootPID = p.PID
		pid, err := h.fork(p, func(c *Process, tf *arch.TrapFrame) int {
			seen <- childView{tf.V0, tf.A3, tf.EPC, h.m.GetPID(c), h.m.GetPPID(c)}
			return 42
		})
		if err != nil {
			res <- result{err: err}
			return 1
		}
		childPID = pid
		status, err := h.m.WaitPID(p, pid, 0)
		res <- result{status: status, err: err}
		return 0
	})

	r := recv(t, res)
	require.NoError(t, r.err)
	assert.True(t, WIfExited(r.status))
	assert.Equal(t, 42, WExitStatus(r.status))

	child := recv(t, seen)
	assert.Zero(t, child.v0)
	assert.Zero(t, child.a3)
	assert.Equal(t, uint32(loader.TextBase+arch.InstructionSize), child.epc)
	assert.Equal(t, childPID, child.pid)
	assert.Equal(t, rootPID, child.ppid)
	assert.NotEqual(t, rootPID, childPID)

	h.waitIdle()
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Forks.WithLabelValues(metrics.ResultOK)))
}

func TestForkedChildHasOwnMemory(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	res := make(chan string, 2)

	h.spawn("root", func(h *harness, p *Process, _ []string) int {
		as := p.AddrSpace()
		assert.NoError(t, as.CopyOut([]byte("parent\x00"), loader.DataBase))

		pid, err := h.fork(p, func(c *Process, _ *arch.TrapFrame) int {
			s, _ := c.AddrSpace().CopyInString(loader.DataBase, 64)
			res <- "child saw " + s
			_ = c.AddrSpace().CopyOut([]byte("child\x00"), loader.DataBase)
			return 0
		})
		if err != nil {
			res <- err.Error()
			return 1
		}
		_, _ = h.m.WaitPID(p, pid, 0)
		s, _ := as.CopyInString(loader.DataBase, 64)
		res <- "parent kept " + s
		return 0
	})

	assert.Equal(t, "child saw parent", recv(t, res))
	assert.Equal(t, "parent kept parent", recv(t, res))
	h.waitIdle()
}

func TestWaitRejectsNonChildren(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	release := make(chan struct{})
	grandchild := make(chan int, 1)
	errs := make(chan error, 4)

	other := h.spawn("other", func(*harness, *Process, []string) int {
		<-release
		return 0
	})

	h.spawn("root", func(h *harness, p *Process, _ []string) int {
		child, err := h.fork(p, func(c *Process, _ *arch.TrapFrame) int {
			gc, err := h.fork(c, func(*Process, *arch.TrapFrame) int {
				<-release
				return 0
			})
			if err != nil {
				return 1
			}
			grandchild <- gc
			_, _ = h.m.WaitPID(c, gc, 0)
			return 0
		})
		if err != nil {
			return 1
		}

		gc := <-grandchild
		for _, pid := range []int{gc, p.PID, other.PID, 30000, -1} {
			_, err := h.m.WaitPID(p, pid, 0)
			errs <- err
		}
		close(errs)
		_, _ = h.m.WaitPID(p, child, 0)
		return 0
	})

	n := 0
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				assert.Equal(t, 5, n)
				close(release)
				h.waitIdle()
				return
			}
			n++
			assert.ErrorIs(t, err, arch.EINVAL)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out")
		}
	}
}

func TestWaitTwiceForSameChild(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	res := make(chan result, 2)

	h.spawn("root", func(h *harness, p *Process, _ []string) int {
		pid, err := h.fork(p, func(*Process, *arch.TrapFrame) int { return 3 })
		if err != nil {
			return 1
		}
		for i := 0; i < 2; i++ {
			status, err := h.m.WaitPID(p, pid, 0)
			res <- result{status, err}
		}
		return 0
	})

	first := recv(t, res)
	require.NoError(t, first.err)
	assert.Equal(t, 3, WExitStatus(first.status))

	second := recv(t, res)
	assert.ErrorIs(t, second.err, arch.EINVAL)
	h.waitIdle()
}

func TestWaitRejectsOptions(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	res := make(chan result, 3)

	h.spawn("root", func(h *harness, p *Process, _ []string) int {
		pid, err := h.fork(p, func(*Process, *arch.TrapFrame) int { return 9 })
		if err != nil {
			return 1
		}
		for _, opt := range []int{1, 2, 0} { // WNOHANG, WUNTRACED, none
			status, err := h.m.WaitPID(p, pid, opt)
			res <- result{status, err}
		}
		return 0
	})

	assert.ErrorIs(t, recv(t, res).err, arch.EINVAL)
	assert.ErrorIs(t, recv(t, res).err, arch.EINVAL)
	last := recv(t, res)
	require.NoError(t, last.err, "rejected waits must not collect the child")
	assert.Equal(t, 9, WExitStatus(last.status))
	h.waitIdle()
}

func TestWaitCollectsDeadChildrenImmediately(t *testing.T) {
	const n = 8
	h := newHarness(t, harnessOptions{})
	proceed := make(chan struct{})
	pids := make(chan []int, 1)
	codes := make(chan map[int]int, 1)

	root := h.spawn("root", func(h *harness, p *Process, _ []string) int {
		var forked []int
		want := make(map[int]int)
		for i := 0; i < n; i++ {
			code := 10 + i
			pid, err := h.fork(p, func(*Process, *arch.TrapFrame) int { return code })
			if err != nil {
				return 1
			}
			forked = append(forked, pid)
			want[pid] = code
		}
		pids <- forked
		<-proceed

		got := make(map[int]int)
		for i := len(forked) - 1; i >= 0; i-- {
			status, err := h.m.WaitPID(p, forked[i], 0)
			if err != nil {
				return 1
			}
			got[forked[i]] = WExitStatus(status)
		}
		codes <- got
		return 0
	})

	forked := recv(t, pids)
	require.Eventually(t, func() bool {
		return len(root.DeadChildren()) == n
	}, 5*time.Second, time.Millisecond)
	assert.Empty(t, root.LivingChildren())
	assert.Equal(t, float64(n), testutil.ToFloat64(h.metrics.Zombies))
	close(proceed)

	got := recv(t, codes)
	require.Len(t, got, n)
	for i, pid := range forked {
		assert.Equal(t, 10+i, got[pid])
	}
	h.waitIdle()
	assert.Equal(t, float64(n), testutil.ToFloat64(h.metrics.Waits.WithLabelValues(metrics.ResultImmediate)))
	assert.Zero(t, testutil.ToFloat64(h.metrics.Zombies))
}

func TestWaitBlocksUntilChildExits(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	release := make(chan struct{})
	res := make(chan result, 1)

	h.spawn("root", func(h *harness, p *Process, _ []string) int {
		pid, err := h.fork(p, func(*Process, *arch.TrapFrame) int {
			<-release
			return 7
		})
		if err != nil {
			res <- result{err: err}
			return 1
		}
		status, err := h.m.WaitPID(p, pid, 0)
		res <- result{status, err}
		return 0
	})

	assert.Never(t, func() bool { return len(res) > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	close(release)

	r := recv(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, 7, WExitStatus(r.status))
	h.waitIdle()
}

func TestConcurrentWaitersCollectOnce(t *testing.T) {
	const waiters = 8
	h := newHarness(t, harnessOptions{})
	release := make(chan struct{})
	res := make(chan result, waiters)
	ready := make(chan struct{})

	h.spawn("root", func(h *harness, p *Process, _ []string) int {
		pid, err := h.fork(p, func(*Process, *arch.TrapFrame) int {
			<-release
			return 5
		})
		if err != nil {
			return 1
		}
		var wg sync.WaitGroup
		for i := 0; i < waiters; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				status, err := h.m.WaitPID(p, pid, 0)
				res <- result{status, err}
			}()
		}
		close(ready)
		wg.Wait()
		return 0
	})

	<-ready
	close(release)

	collected := 0
	for i := 0; i < waiters; i++ {
		r := recv(t, res)
		if r.err == nil {
			collected++
			assert.Equal(t, 5, WExitStatus(r.status))
			continue
		}
		assert.ErrorIs(t, r.err, arch.EINVAL)
	}
	assert.Equal(t, 1, collected)
	h.waitIdle()
}

func TestExecPassesArguments(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"three", []string{"prog", "a", "bb"}},
		{"none", []string{}},
		{"empty strings", []string{"", "", "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{})
			got := make(chan []string, 1)
			res := make(chan error, 1)
			path := h.install("target", func(_ *harness, _ *Process, args []string) int {
				got <- args
				return 0
			})

			h.spawn("root", func(h *harness, p *Process, _ []string) int {
				res <- h.exec(p, path, tt.args)
				return 1
			})

			select {
			case args := <-got:
				assert.Equal(t, tt.args, append([]string{}, args...))
			case err := <-res:
				t.Fatalf("exec failed: %v", err)
			case <-time.After(5 * time.Second):
				t.Fatal("timed out")
			}
			h.waitIdle()
		})
	}
}

func TestExecKeepsPIDAndParent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	type ids struct{ pid, ppid int }
	seen := make(chan ids, 1)
	res := make(chan result, 1)

	path := h.install("target", func(h *harness, p *Process, _ []string) int {
		seen <- ids{p.PID, p.PPID()}
		assert.Equal(t, "target", p.Name())
		return 12
	})

	h.spawn("root", func(h *harness, p *Process, _ []string) int {
		pid, err := h.fork(p, func(c *Process, _ *arch.TrapFrame) int {
			_ = h.exec(c, path, []string{"target"})
			return 99
		})
		if err != nil {
			res <- result{err: err}
			return 1
		}
		status, err := h.m.WaitPID(p, pid, 0)
		res <- result{status, err}
		seen <- ids{pid, p.PID}
		return 0
	})

	r := recv(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, 12, WExitStatus(r.status))
	assert.Equal(t, recv(t, seen), recv(t, seen))
	h.waitIdle()
}

func TestExecFailureKeepsImage(t *testing.T) {
	h := newHarness(t, harnessOptions{
		cfg: Config{PIDMin: 2, PIDMax: 100, ArgLenMax: 8, ArgCountMax: 3},
	})
	require.NoError(t, h.fs.WriteFile("/bin/junk", []byte("not an image"), 0755))
	target := h.install("target", func(*harness, *Process, []string) int { return 0 })

	type outcome struct {
		err    error
		marker string
		same   bool
		frames int
	}
	tests := []struct {
		name string
		run  func(h *harness, p *Process) error
		want arch.Errno
	}{
		{"missing", func(h *harness, p *Process) error {
			return h.exec(p, "/bin/missing", []string{"missing"})
		}, arch.ENOENT},
		{"not an image", func(h *harness, p *Process) error {
			return h.exec(p, "/bin/junk", []string{"junk"})
		}, arch.ENOEXEC},
		{"directory", func(h *harness, p *Process) error {
			return h.exec(p, "/bin", []string{"bin"})
		}, arch.ENOEXEC},
		{"empty path", func(h *harness, p *Process) error {
			return h.exec(p, "", nil)
		}, arch.EINVAL},
		{"argument too long", func(h *harness, p *Process) error {
			return h.exec(p, target, []string{"target", "12345678"})
		}, arch.E2BIG},
		{"too many arguments", func(h *harness, p *Process) error {
			return h.exec(p, target, []string{"a", "b", "c", "d"})
		}, arch.E2BIG},
		{"path too long", func(h *harness, p *Process) error {
			return h.exec(p, "/"+strings.Repeat("p", 1100), nil)
		}, arch.ENAMETOOLONG},
		{"null argv", func(h *harness, p *Process) error {
			return h.m.Exec(p, loader.DataBase, 0)
		}, arch.EFAULT},
		{"bad path pointer", func(h *harness, p *Process) error {
			return h.m.Exec(p, 0x20000000, loader.DataBase)
		}, arch.EFAULT},
		{"kernel path pointer", func(h *harness, p *Process) error {
			return h.m.Exec(p, 0x80001000, loader.DataBase)
		}, arch.EFAULT},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := make(chan outcome, 1)
			h.spawn("root", func(h *harness, p *Process, _ []string) int {
				as := p.AddrSpace()
				_ = as.CopyOut([]byte("marker\x00"), loader.DataBase+arch.PageSize)
				before := h.coremap.InUse()

				err := tt.run(h, p)

				marker, _ := p.AddrSpace().CopyInString(loader.DataBase+arch.PageSize, 16)
				out <- outcome{err, marker, p.AddrSpace() == as, h.coremap.InUse() - before}
				return 0
			})

			o := recv(t, out)
			assert.ErrorIs(t, o.err, tt.want)
			assert.Equal(t, "marker", o.marker)
			assert.True(t, o.same, "address space replaced")
			assert.Zero(t, o.frames, "frames leaked")
			h.waitIdle()
		})
	}
}

func TestExecOutOfMemoryKeepsImage(t *testing.T) {
	// Room for one image plus a little, not two.
	h := newHarness(t, harnessOptions{frames: 20})
	target := h.install("target", func(*harness, *Process, []string) int { return 0 })
	res := make(chan error, 1)
	alive := make(chan bool, 1)

	h.spawn("root", func(h *harness, p *Process, _ []string) int {
		res <- h.exec(p, target, []string{"target"})
		_, err := p.AddrSpace().CopyInString(loader.TextBase, 16)
		alive <- err == nil
		return 0
	})

	assert.ErrorIs(t, recv(t, res), arch.ENOMEM)
	assert.True(t, recv(t, alive))
	h.waitIdle()
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Execs.WithLabelValues(metrics.ResultError)))
}

func TestForkOutOfMemoryUnwinds(t *testing.T) {
	h := newHarness(t, harnessOptions{frames: 20})
	res := make(chan error, 1)
	type state struct {
		count, living, frames int
	}
	after := make(chan state, 1)

	h.spawn("root", func(h *harness, p *Process, _ []string) int {
		count, frames := h.m.Registry().Count(), h.coremap.InUse()
		_, err := h.fork(p, func(*Process, *arch.TrapFrame) int { return 0 })
		res <- err
		after <- state{
			h.m.Registry().Count() - count,
			len(p.LivingChildren()),
			h.coremap.InUse() - frames,
		}
		return 0
	})

	assert.ErrorIs(t, recv(t, res), arch.ENOMEM)
	assert.Equal(t, state{}, recv(t, after))
	h.waitIdle()
}

func TestForkWithoutThreadsUnwinds(t *testing.T) {
	h := newHarness(t, harnessOptions{threads: 1})
	res := make(chan error, 1)
	type state struct {
		count, living, frames int
	}
	after := make(chan state, 1)

	h.spawn("root", func(h *harness, p *Process, _ []string) int {
		count, frames := h.m.Registry().Count(), h.coremap.InUse()
		_, err := h.fork(p, func(*Process, *arch.TrapFrame) int { return 0 })
		res <- err
		after <- state{
			h.m.Registry().Count() - count,
			len(p.LivingChildren()),
			h.coremap.InUse() - frames,
		}
		return 0
	})

	assert.ErrorIs(t, recv(t, res), arch.ENOMEM)
	assert.Equal(t, state{}, recv(t, after))
	h.waitIdle()
}

func TestForkTableFull(t *testing.T) {
	h := newHarness(t, harnessOptions{cfg: Config{PIDMin: 2, PIDMax: 3}})
	release := make(chan struct{})
	res := make(chan error, 1)

	h.spawn("root", func(h *harness, p *Process, _ []string) int {
		pid, err := h.fork(p, func(*Process, *arch.TrapFrame) int {
			<-release
			return 0
		})
		if err != nil {
			res <- err
			return 1
		}
		_, err = h.fork(p, func(*Process, *arch.TrapFrame) int { return 0 })
		res <- err
		close(release)
		_, _ = h.m.WaitPID(p, pid, 0)
		return 0
	})

	assert.ErrorIs(t, recv(t, res), arch.ENPROC)
	h.waitIdle()
}

func TestExitOrphansLivingChildren(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	release := make(chan struct{})
	gcCh := make(chan *Process, 1)
	res := make(chan result, 1)

	h.spawn("root", func(h *harness, p *Process, _ []string) int {
		mid, err := h.fork(p, func(c *Process, _ *arch.TrapFrame) int {
			_, err := h.fork(c, func(gc *Process, _ *arch.TrapFrame) int {
				gcCh <- gc
				<-release
				return 0
			})
			if err != nil {
				return 1
			}
			return 4
		})
		if err != nil {
			res <- result{err: err}
			return 1
		}
		status, err := h.m.WaitPID(p, mid, 0)
		res <- result{status, err}
		return 0
	})

	r := recv(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, 4, WExitStatus(r.status))

	gc := recv(t, gcCh)
	assert.Nil(t, gc.Parent())
	assert.Zero(t, h.m.GetPPID(gc))

	close(release)
	h.waitIdle()
	_, ok := h.m.Registry().Lookup(gc.PID)
	assert.False(t, ok)
}

func TestExitDiscardsDeadChildren(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	gcPID := make(chan int, 1)
	res := make(chan result, 1)

	h.spawn("root", func(h *harness, p *Process, _ []string) int {
		mid, err := h.fork(p, func(c *Process, _ *arch.TrapFrame) int {
			gc, err := h.fork(c, func(*Process, *arch.TrapFrame) int { return 0 })
			if err != nil {
				return 1
			}
			for len(c.DeadChildren()) == 0 {
				time.Sleep(time.Millisecond)
			}
			gcPID <- gc
			return 6
		})
		if err != nil {
			res <- result{err: err}
			return 1
		}
		status, err := h.m.WaitPID(p, mid, 0)
		res <- result{status, err}
		return 0
	})

	r := recv(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, 6, WExitStatus(r.status))
	_, ok := h.m.Registry().Lookup(recv(t, gcPID))
	assert.False(t, ok, "dead grandchild not discarded")
	h.waitIdle()
}

func TestConcurrentForksHaveUniquePIDs(t *testing.T) {
	const (
		roots    = 4
		children = 16
	)
	h := newHarness(t, harnessOptions{})
	release := make(chan struct{})

	var mu sync.Mutex
	live := make(map[int]bool)
	dup := make(chan int, roots*children)
	forked := make(chan error, roots*children)

	for i := 0; i < roots; i++ {
		h.spawn("root", func(h *harness, p *Process, _ []string) int {
			var pids []int
			for j := 0; j < children; j++ {
				pid, err := h.fork(p, func(*Process, *arch.TrapFrame) int {
					<-release
					return 0
				})
				if err == nil {
					mu.Lock()
					if live[pid] {
						dup <- pid
					}
					live[pid] = true
					mu.Unlock()
					pids = append(pids, pid)
				}
				forked <- err
			}
			for _, pid := range pids {
				_, _ = h.m.WaitPID(p, pid, 0)
			}
			return 0
		})
	}

	for i := 0; i < roots*children; i++ {
		require.NoError(t, recv(t, forked))
	}
	mu.Lock()
	assert.Len(t, live, roots*children)
	mu.Unlock()
	assert.Empty(t, dup)
	close(release)
	h.waitIdle()
}

func TestPIDReuseUnderChurn(t *testing.T) {
	h := newHarness(t, harnessOptions{cfg: Config{PIDMin: 2, PIDMax: 12}})
	errs := make(chan error, 1)

	h.spawn("root", func(h *harness, p *Process, _ []string) int {
		live := make(map[int]bool)
		for round := 0; round < 20; round++ {
			var pids []int
			for i := 0; i < 4; i++ {
				pid, err := h.fork(p, func(*Process, *arch.TrapFrame) int { return round })
				if err != nil {
					errs <- err
					return 1
				}
				if live[pid] {
					errs <- errors.Errorf("pid %d handed out twice", pid)
					return 1
				}
				live[pid] = true
				pids = append(pids, pid)
			}
			for _, pid := range pids {
				status, err := h.m.WaitPID(p, pid, 0)
				if err != nil || WExitStatus(status) != round {
					errs <- errors.Errorf("wait %d: status %d, err %v", pid, status, err)
					return 1
				}
				delete(live, pid)
			}
		}
		errs <- nil
		return 0
	})

	assert.NoError(t, recv(t, errs))
	h.waitIdle()
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	release := make(chan struct{})
	ready := make(chan int, 1)

	root := h.spawn("root", func(h *harness, p *Process, _ []string) int {
		pid, err := h.fork(p, func(*Process, *arch.TrapFrame) int {
			<-release
			return 0
		})
		if err != nil {
			return 1
		}
		ready <- pid
		_, _ = h.m.WaitPID(p, pid, 0)
		return 0
	})

	child := recv(t, ready)
	infos := h.m.Registry().Snapshot()
	require.Len(t, infos, 2)
	assert.Equal(t, root.PID, infos[0].PID)
	assert.Equal(t, 1, infos[0].Living)
	assert.Equal(t, child, infos[1].PID)
	assert.Equal(t, root.PID, infos[1].PPID)

	close(release)
	h.waitIdle()
}
