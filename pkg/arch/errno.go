package arch

import "github.com/pkg/errors"

// Errno is a kernel error number returned to user programs.
type Errno uint32

// Error numbers.
const (
	ENOSYS       Errno = 1
	ENOMEM       Errno = 3
	ENOENT       Errno = 5
	ENOEXEC      Errno = 6
	EFAULT       Errno = 7
	E2BIG        Errno = 8
	EINVAL       Errno = 9
	ENAMETOOLONG Errno = 12
	ENPROC       Errno = 14
)

var errnoText = map[Errno]string{
	ENOSYS:       "function not implemented",
	ENOMEM:       "out of memory",
	ENOENT:       "no such file or directory",
	ENOEXEC:      "file is not executable",
	EFAULT:       "bad memory reference",
	E2BIG:        "argument list too long",
	EINVAL:       "invalid argument",
	ENAMETOOLONG: "file name too long",
	ENPROC:       "too many processes in system",
}

func (e Errno) Error() string {
	if s, ok := errnoText[e]; ok {
		return s
	}
	return "unknown error"
}

// ErrnoOf extracts the error number carried by err. Errors that carry none
// are reported as EINVAL.
func ErrnoOf(err error) Errno {
	var e Errno
	if errors.As(err, &e) {
		return e
	}
	return EINVAL
}
