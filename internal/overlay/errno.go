package overlay

import (
	"errors"
	"os"
	"syscall"
)

// toErrno maps a host I/O error to the POSIX-flavored errno the kernel
// filesystem callback should return, per spec §4.2: not-found -> ENOENT,
// permission denied -> EACCES, invalid argument -> EINVAL, bad file
// handle -> EBADF, other -> EIO.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, os.ErrPermission):
		return syscall.EACCES
	case errors.Is(err, os.ErrInvalid):
		return syscall.EINVAL
	case errors.Is(err, os.ErrClosed):
		return syscall.EBADF
	default:
		return syscall.EIO
	}
}
