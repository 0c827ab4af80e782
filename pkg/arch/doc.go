/*
Package arch describes the simulated 32-bit machine the kernel runs on.

It holds the pieces shared by every layer that touches user state: the trap
frame saved on entry to the kernel, the system-call numbers, the user address
layout, the byte order used for words in user memory and the kernel error
numbers returned to user programs.

# Trap Frames

A TrapFrame is the register snapshot taken when a user program traps into the
kernel. System calls read their number from V0 and their arguments from A0-A3.
On return V0 holds the result and A3 is 0 for success or 1 when V0 holds an
error number. EPC is advanced past the trapping instruction.

	tf := &arch.TrapFrame{V0: arch.SysGetpid}
	k.Syscall(p, tf)
	if tf.A3 != 0 {
		// tf.V0 is an Errno
	}
*/
package arch
