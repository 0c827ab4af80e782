package process

// A wait status keeps the exit code above two low bits that say how the
// process ended. Zero there means a normal exit, the only kind this kernel
// produces.
const waitExited = 0

// MakeWaitExit encodes a normal exit with the given code.
func MakeWaitExit(code int) int {
	return code<<2 | waitExited
}

// WIfExited reports whether status describes a normal exit.
func WIfExited(status int) bool {
	return status&3 == waitExited
}

// WExitStatus returns the exit code of a normal exit.
func WExitStatus(status int) int {
	return status >> 2
}
