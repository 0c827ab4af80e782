/*
Package process implements process control for the kernel: the process
table, the per-process record, and the four lifecycle operations fork,
execv, _exit and waitpid.

# Process Tree

Every process but a root process has a parent. A parent tracks its children
in two sets: living children that are still running and dead children
(zombies) whose exit status has not been collected yet. A child moves itself
from the first set to the second when it exits, and the parent removes it
from the dead set when it collects the status with waitpid. A process that
exits without a parent destroys itself; a parent that exits orphans its
living children and discards its zombies.

Locks are taken parent first, child second. A process's termination flag and
the condition variable waiters sleep on share that process's lock, so an
exit can never slip between a waiter's check of the flag and its sleep.

# Lifecycle

	root, err := manager.Spawn("/bin/init", []string{"init"}) // root process
	pid, err := manager.Fork(p, tf)                           // in a syscall
	err = manager.Exec(p, pathAddr, argvAddr)                  // returns only on error
	manager.Exit(p, 0)                                         // never returns
	status, err := manager.WaitPID(p, pid, 0)

# Process States

  - New: allocated, thread not started yet
  - Running: executing user code or a system call
  - Zombie: exited, status not collected yet
*/
package process
