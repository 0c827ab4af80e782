// Package userland holds the programs installed in /bin at boot.
package userland

import (
	"sort"
	"strconv"

	"kernos/pkg/arch"
	"kernos/pkg/kernel"
	"kernos/pkg/process"
)

// Programs maps program names to their code.
var Programs = map[string]kernel.Program{
	"true":     True,
	"false":    False,
	"exit":     ExitWith,
	"argtest":  ArgTest,
	"forktest": ForkTest,
	"widefork": WideFork,
	"execloop": ExecLoop,
	"run":      Run,
}

// Install registers every program with k.
func Install(k *kernel.Kernel) error {
	names := make([]string, 0, len(Programs))
	for name := range Programs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := k.Register(name, Programs[name]); err != nil {
			return err
		}
	}
	return nil
}

// True exits with 0.
func True(*kernel.User) int { return 0 }

// False exits with 1.
func False(*kernel.User) int { return 1 }

// ExitWith exits with the code given as its first argument.
func ExitWith(u *kernel.User) int {
	args, err := u.Args()
	if err != nil || len(args) < 2 {
		u.Printf("usage: exit code\n")
		return 1
	}
	code, err := strconv.Atoi(args[1])
	if err != nil {
		u.Printf("exit: %v\n", err)
		return 1
	}
	u.Exit(code)
	return 0
}

// ArgTest prints its argument vector.
func ArgTest(u *kernel.User) int {
	u.Printf("argc: %d\n", u.Argc())
	for i := 0; i <= u.Argc(); i++ {
		ptr, err := u.LoadWord(u.Argv() + uint32(i*arch.WordSize))
		if err != nil {
			u.Printf("argtest: argv[%d]: %v\n", i, err)
			return 1
		}
		if ptr == 0 {
			u.Printf("argv[%d]: [NULL]\n", i)
			if i != u.Argc() {
				return 1
			}
			break
		}
		s, err := u.LoadString(ptr)
		if err != nil {
			u.Printf("argtest: argv[%d]: %v\n", i, err)
			return 1
		}
		u.Printf("argv[%d]: %s\n", i, s)
	}
	return 0
}

// ForkTest forks n children (first argument, default 4), each exiting with
// its index, and checks every status.
func ForkTest(u *kernel.User) int {
	n := 4
	if args, err := u.Args(); err == nil && len(args) > 1 {
		if v, err := strconv.Atoi(args[1]); err == nil {
			n = v
		}
	}

	pids := make([]int, 0, n)
	for i := 0; i < n; i++ {
		code := i
		pid, err := u.Fork(func(*kernel.User) int { return code })
		if err != nil {
			u.Printf("forktest: fork %d: %v\n", i, err)
			return 1
		}
		pids = append(pids, pid)
	}

	failed := 0
	for i, pid := range pids {
		status, err := u.WaitPID(pid, 0)
		switch {
		case err != nil:
			u.Printf("forktest: waitpid %d: %v\n", pid, err)
			failed++
		case !process.WIfExited(status) || process.WExitStatus(status) != i:
			u.Printf("forktest: pid %d: status %d, want exit %d\n", pid, status, i)
			failed++
		}
	}
	if failed > 0 {
		return 1
	}
	u.Printf("forktest: %d children ok\n", n)
	return 0
}

// WideFork forks three children that check their parent and exit with
// distinct codes, then collects them in order.
func WideFork(u *kernel.User) int {
	self := u.GetPID()
	codes := []int{100, 101, 102}

	var pids []int
	for _, code := range codes {
		pid, err := u.Fork(func(c *kernel.User) int {
			if c.GetPPID() != self {
				c.Printf("widefork: child %d has parent %d, want %d\n", c.GetPID(), c.GetPPID(), self)
				return 1
			}
			return code
		})
		if err != nil {
			u.Printf("widefork: fork: %v\n", err)
			return 1
		}
		pids = append(pids, pid)
	}

	for i, pid := range pids {
		status, err := u.WaitPID(pid, 0)
		if err != nil {
			u.Printf("widefork: waitpid %d: %v\n", pid, err)
			return 1
		}
		if process.WExitStatus(status) != codes[i] {
			u.Printf("widefork: pid %d exited %d, want %d\n", pid, process.WExitStatus(status), codes[i])
			return 1
		}
	}
	u.Printf("widefork: ok\n")
	return 0
}

// ExecLoop execs itself with its first argument counted down to zero.
func ExecLoop(u *kernel.User) int {
	args, err := u.Args()
	if err != nil || len(args) < 2 {
		u.Printf("usage: execloop count\n")
		return 1
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 0 {
		u.Printf("execloop: bad count %q\n", args[1])
		return 1
	}
	if n == 0 {
		u.Printf("execloop: done in pid %d\n", u.GetPID())
		return 0
	}
	err = u.Exec("/bin/execloop", "execloop", strconv.Itoa(n-1))
	u.Printf("execloop: %v\n", err)
	return 1
}

// Run runs its arguments as a command in a child and exits with the
// child's exit code.
func Run(u *kernel.User) int {
	args, err := u.Args()
	if err != nil || len(args) < 2 {
		u.Printf("usage: run path [args...]\n")
		return 1
	}

	pid, err := u.Fork(func(c *kernel.User) int {
		err := c.Exec(args[1], args[1:]...)
		c.Printf("run: %s: %v\n", args[1], err)
		return 127
	})
	if err != nil {
		u.Printf("run: fork: %v\n", err)
		return 1
	}

	status, err := u.WaitPID(pid, 0)
	if err != nil {
		u.Printf("run: waitpid: %v\n", err)
		return 1
	}
	return process.WExitStatus(status)
}
