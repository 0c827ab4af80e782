package arch

// System call numbers.
const (
	SysFork    = 0
	SysVfork   = 1
	SysExecv   = 2
	SysExit    = 3
	SysWaitpid = 4
	SysGetpid  = 5
	SysGetppid = 6
)

// SyscallName returns a printable name for a system call number.
func SyscallName(num uint32) string {
	switch num {
	case SysFork:
		return "fork"
	case SysVfork:
		return "vfork"
	case SysExecv:
		return "execv"
	case SysExit:
		return "_exit"
	case SysWaitpid:
		return "waitpid"
	case SysGetpid:
		return "getpid"
	case SysGetppid:
		return "getppid"
	default:
		return "unknown"
	}
}
