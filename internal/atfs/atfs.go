// Package atfs wraps the *at-relative syscalls and the /proc/self/fd
// alias that the overlay filesystem handler uses to avoid re-entering its
// own mount point. See spec §4.2 "self-reentrancy avoidance": I/O against a
// backend path that lies under the daemon's own mount point must never be
// issued as an absolute path rooted at the mount, because the kernel is
// blocked waiting for the handler's reply.
//
// These helpers are narrow: they do bound-checked conversion to
// nul-terminated strings (via golang.org/x/sys/unix) and translate the
// result into host I/O errors. They carry no manifest or overlay logic.
package atfs

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ProcFDRoot returns the alias path that resolves to the directory referenced
// by fd, regardless of mount topology. Appending a relative suffix to this
// path and issuing a normal (non-at) syscall on it reaches the backing
// inode directly, bypassing any filesystem mounted on top of it.
func ProcFDRoot(fd int) string {
	return fmt.Sprintf("/proc/self/fd/%d/.", fd)
}

// OpenRootDir opens root as a directory with close-on-exec set, suitable
// for retention as a mount session's root_dir_fd.
func OpenRootDir(root string) (int, error) {
	fd, err := unix.Open(root, unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, &os.PathError{Op: "open", Path: root, Err: err}
	}
	return fd, nil
}

// OpenAt opens name relative to dirFd with flags (close-on-exec is always
// added) and permission mode.
func OpenAt(dirFd int, name string, flags int, mode uint32) (int, error) {
	fd, err := unix.Openat(dirFd, name, flags|unix.O_CLOEXEC, mode)
	if err != nil {
		return -1, &os.PathError{Op: "openat", Path: name, Err: err}
	}
	return fd, nil
}

// MkdirAt creates a directory named name relative to dirFd.
func MkdirAt(dirFd int, name string, mode uint32) error {
	if err := unix.Mkdirat(dirFd, name, mode); err != nil {
		return &os.PathError{Op: "mkdirat", Path: name, Err: err}
	}
	return nil
}

// UnlinkAt removes name relative to dirFd. If dir is true, AT_REMOVEDIR is
// passed so the target must be an empty directory (rmdir semantics).
func UnlinkAt(dirFd int, name string, dir bool) error {
	flags := 0
	if dir {
		flags = unix.AT_REMOVEDIR
	}
	if err := unix.Unlinkat(dirFd, name, flags); err != nil {
		return &os.PathError{Op: "unlinkat", Path: name, Err: err}
	}
	return nil
}

// RenameAt2 renames oldName (relative to oldDirFd) to newName (relative to
// newDirFd) using the renameat2 syscall so RENAME_NOREPLACE/EXCHANGE flags
// from the kernel request can be forwarded verbatim.
func RenameAt2(oldDirFd int, oldName string, newDirFd int, newName string, flags uint32) error {
	if err := unix.Renameat2(oldDirFd, oldName, newDirFd, newName, int(flags)); err != nil {
		return &os.LinkError{Op: "renameat2", Old: oldName, New: newName, Err: err}
	}
	return nil
}

// Rename renames two absolute paths directly, used when at least one
// endpoint is a Layer entry and therefore cannot share a directory fd.
func Rename(oldPath, newPath string) error {
	if err := unix.Rename(oldPath, newPath); err != nil {
		return &os.LinkError{Op: "rename", Old: oldPath, New: newPath, Err: err}
	}
	return nil
}

// LinkAt creates a hard link from oldName (relative to oldDirFd) to newName
// (relative to newDirFd).
func LinkAt(oldDirFd int, oldName string, newDirFd int, newName string) error {
	if err := unix.Linkat(oldDirFd, oldName, newDirFd, newName, 0); err != nil {
		return &os.LinkError{Op: "linkat", Old: oldName, New: newName, Err: err}
	}
	return nil
}

// Link creates a hard link between two absolute paths.
func Link(oldPath, newPath string) error {
	if err := unix.Link(oldPath, newPath); err != nil {
		return &os.LinkError{Op: "link", Old: oldPath, New: newPath, Err: err}
	}
	return nil
}

// SymlinkAt creates a symlink named name (relative to dirFd) pointing at
// target.
func SymlinkAt(target string, dirFd int, name string) error {
	if err := unix.Symlinkat(target, dirFd, name); err != nil {
		return &os.PathError{Op: "symlinkat", Path: name, Err: err}
	}
	return nil
}

// ReadlinkAt reads the target of the symlink at path with a plain readlink.
// path must already be the fully resolved io-backend path (the procfd alias
// for Real entries), so the read never goes through the mount.
func ReadlinkAt(path string) ([]byte, error) {
	buf := make([]byte, 4096)
	n, err := unix.Readlink(path, buf)
	if err != nil {
		return nil, &os.PathError{Op: "readlink", Path: path, Err: err}
	}
	return buf[:n], nil
}

// FstatAt stats name relative to dirFd without following a trailing
// symlink.
func FstatAt(dirFd int, name string) (unix.Stat_t, error) {
	var st unix.Stat_t
	if err := unix.Fstatat(dirFd, name, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return st, &os.PathError{Op: "fstatat", Path: name, Err: err}
	}
	return st, nil
}

// FchmodAt changes the mode of path (an absolute io-backend path). No
// AT_SYMLINK_NOFOLLOW flag is passed, so a trailing symlink is followed.
func FchmodAt(path string, mode uint32) error {
	if err := unix.Fchmodat(unix.AT_FDCWD, path, mode, 0); err != nil {
		return &os.PathError{Op: "fchmodat", Path: path, Err: err}
	}
	return nil
}

// sentinel for "leave this field unchanged" in Fchownat, matching the
// kernel's -1 convention for uid/gid.
const Unchanged = -1

// FchownAt changes ownership of path. uid/gid of Unchanged are passed
// through as -1, leaving that field untouched.
func FchownAt(path string, uid, gid int) error {
	if err := unix.Fchownat(unix.AT_FDCWD, path, uid, gid, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return &os.PathError{Op: "fchownat", Path: path, Err: err}
	}
	return nil
}

// Truncate sets the size of the open file descriptor fd.
func Truncate(fd int, size int64) error {
	if err := unix.Ftruncate(fd, size); err != nil {
		return &os.PathError{Op: "ftruncate", Path: fmt.Sprintf("fd:%d", fd), Err: err}
	}
	return nil
}

// TimeSpec is either a concrete time (Sec/Nsec) or one of the UTIME_NOW /
// UTIME_OMIT sentinels from utimensat(2).
type TimeSpec struct {
	Sec, Nsec int64
}

// Now returns the UTIME_NOW sentinel.
func Now() TimeSpec { return TimeSpec{Nsec: unix.UTIME_NOW} }

// Omit returns the UTIME_OMIT sentinel, leaving the field unchanged.
func Omit() TimeSpec { return TimeSpec{Nsec: unix.UTIME_OMIT} }

// UtimesAt sets atime/mtime on path without following a trailing symlink.
func UtimesAt(path string, atime, mtime TimeSpec) error {
	ts := [2]unix.Timespec{
		{Sec: atime.Sec, Nsec: atime.Nsec},
		{Sec: mtime.Sec, Nsec: mtime.Nsec},
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, ts[:], unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return &os.PathError{Op: "utimensat", Path: path, Err: err}
	}
	return nil
}

// Close closes fd and returns the close(2) error unchanged; callers should
// not retry.
func Close(fd int) error {
	return unix.Close(fd)
}
