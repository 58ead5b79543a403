// Package overlay is the filesystem request handler (spec §4.2, component
// C2): it translates kernel FUSE callbacks, delivered via
// github.com/hanwen/go-fuse/v2/fs, into backend syscalls against the
// manifest's resolved paths, and writes mutations back to the manifest for
// create/mkdir/unlink/rmdir/rename/symlink/link.
//
// The central design decision is self-reentrancy avoidance: every syscall
// against a Real-owned path is issued against its io_backend (the
// /proc/self/fd/<root_dir_fd>/. alias, or a plain *at syscall relative to
// root_dir_fd), never against an absolute path under the mount root, so the
// daemon never waits on its own kernel callback to resolve a path lookup.
package overlay

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nuefs/nuefsd/internal/atfs"
	"github.com/nuefs/nuefsd/internal/manifest"
)

// attrTTL is the positive, short cache lifetime every returned attribute
// carries (spec §4.2 "Attribute TTL").
const attrTTL = time.Second

// Session is the shared state every node of one mount's inode tree reads
// from: the manifest and the root directory file descriptor. It does not
// hold a reference to the mount manager; ownership is a DAG, not a cycle
// (spec §9 "Cyclic ownership"). The manifest pointer is swapped atomically
// by Update, so in-flight filesystem operations either see the old or the
// new manifest in full, never a partially copied one.
type Session struct {
	manifest  atomic.Pointer[manifest.Manifest]
	RootDirFd int
	Log       *logrus.Entry
}

// NewSession builds a session wrapping m, ready to be handed to Root.
func NewSession(m *manifest.Manifest, rootDirFd int, log *logrus.Entry) *Session {
	s := &Session{RootDirFd: rootDirFd, Log: log}
	s.manifest.Store(m)
	return s
}

// M returns the manifest currently in effect for this session.
func (s *Session) M() *manifest.Manifest { return s.manifest.Load() }

// SetManifest atomically replaces the manifest in effect for this session.
func (s *Session) SetManifest(m *manifest.Manifest) { s.manifest.Store(m) }

// Root builds the root inode of the tree for session s.
func Root(s *Session) fs.InodeEmbedder {
	return &node{session: s, vpath: ""}
}

// node is one inode in the overlay's tree. Its virtual path is computed
// once, at Lookup time, from its parent's virtual path and the requested
// name; there is no separate id-to-path cache to keep consistent.
type node struct {
	fs.Inode
	session *Session
	vpath   string
}

var (
	_ fs.InodeEmbedder  = (*node)(nil)
	_ fs.NodeLookuper   = (*node)(nil)
	_ fs.NodeGetattrer  = (*node)(nil)
	_ fs.NodeSetattrer  = (*node)(nil)
	_ fs.NodeReaddirer  = (*node)(nil)
	_ fs.NodeOpener     = (*node)(nil)
	_ fs.NodeCreater    = (*node)(nil)
	_ fs.NodeUnlinker   = (*node)(nil)
	_ fs.NodeMkdirer    = (*node)(nil)
	_ fs.NodeRmdirer    = (*node)(nil)
	_ fs.NodeRenamer    = (*node)(nil)
	_ fs.NodeSymlinker  = (*node)(nil)
	_ fs.NodeLinker     = (*node)(nil)
	_ fs.NodeReadlinker = (*node)(nil)
)

func (n *node) childPath(name string) string {
	if n.vpath == "" {
		return name
	}
	return n.vpath + "/" + name
}

func (n *node) child(vpath string) *node {
	return &node{session: n.session, vpath: vpath}
}

// statAt lstats the given io path. io paths are always absolute (either the
// procfd alias or a Layer's own absolute path), so a plain lstat needs no
// directory fd and never touches the mount.
func statAt(ioPath string) (unix.Stat_t, error) {
	var st unix.Stat_t
	if err := unix.Lstat(ioPath, &st); err != nil {
		return st, &os.PathError{Op: "lstat", Path: ioPath, Err: err}
	}
	return st, nil
}

func fillAttr(out *fuse.Attr, st unix.Stat_t) {
	out.Ino = st.Ino
	out.Size = uint64(st.Size)
	out.Blocks = uint64(st.Blocks)
	out.Atime = uint64(st.Atim.Sec)
	out.Atimensec = uint32(st.Atim.Nsec)
	out.Mtime = uint64(st.Mtim.Sec)
	out.Mtimensec = uint32(st.Mtim.Nsec)
	out.Ctime = uint64(st.Ctim.Sec)
	out.Ctimensec = uint32(st.Ctim.Nsec)
	out.Mode = st.Mode
	out.Nlink = uint32(st.Nlink)
	out.Uid = st.Uid
	out.Gid = st.Gid
	out.Rdev = uint32(st.Rdev)
	out.Blksize = uint32(st.Blksize)
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childVPath := n.childPath(name)
	resolved := n.session.M().Resolve(childVPath)
	st, err := statAt(resolved.IO)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(&out.Attr, st)
	out.SetEntryTimeout(attrTTL)
	out.SetAttrTimeout(attrTTL)
	mode := uint32(syscall.S_IFREG)
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		mode = syscall.S_IFDIR
	}
	return n.NewInode(ctx, n.child(childVPath), fs.StableAttr{Mode: mode, Ino: st.Ino}), 0
}

func (n *node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	resolved := n.session.M().Resolve(n.vpath)
	st, err := statAt(resolved.IO)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, st)
	out.SetTimeout(attrTTL)
	return 0
}

// Setattr applies fields in the order chmod -> chown -> truncate ->
// utimens, aborting on the first failure, per spec §4.2.
func (n *node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	resolved := n.session.M().Resolve(n.vpath)
	io := resolved.IO

	if mode, ok := in.GetMode(); ok {
		if err := atfs.FchmodAt(io, mode); err != nil {
			return toErrno(err)
		}
	}

	uid, hasUID := in.GetUID()
	gid, hasGID := in.GetGID()
	if hasUID || hasGID {
		u, g := atfs.Unchanged, atfs.Unchanged
		if hasUID {
			u = int(uid)
		}
		if hasGID {
			g = int(gid)
		}
		if err := atfs.FchownAt(io, u, g); err != nil {
			return toErrno(err)
		}
	}

	if size, ok := in.GetSize(); ok {
		fd, err := atfs.OpenAt(unix.AT_FDCWD, io, unix.O_WRONLY, 0)
		if err != nil {
			return toErrno(err)
		}
		terr := atfs.Truncate(fd, int64(size))
		_ = atfs.Close(fd)
		if terr != nil {
			return toErrno(terr)
		}
	}

	atime, hasAtime := in.GetATime()
	mtime, hasMtime := in.GetMTime()
	if hasAtime || hasMtime {
		a, m := atfs.Omit(), atfs.Omit()
		if in.Valid&fuse.FATTR_ATIME_NOW != 0 {
			a = atfs.Now()
		} else if hasAtime {
			a = atfs.TimeSpec{Sec: atime.Unix(), Nsec: int64(atime.Nanosecond())}
		}
		if in.Valid&fuse.FATTR_MTIME_NOW != 0 {
			m = atfs.Now()
		} else if hasMtime {
			m = atfs.TimeSpec{Sec: mtime.Unix(), Nsec: int64(mtime.Nanosecond())}
		}
		if err := atfs.UtimesAt(io, a, m); err != nil {
			return toErrno(err)
		}
	}

	st, err := statAt(io)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, st)
	out.SetTimeout(attrTTL)
	return 0
}

type dirStreamEntry struct {
	name string
	mode uint32
}

// listStream adapts a slice of entries to fs.DirStream.
type listStream struct {
	entries []dirStreamEntry
	pos     int
}

func (l *listStream) HasNext() bool { return l.pos < len(l.entries) }
func (l *listStream) Next() (fuse.DirEntry, syscall.Errno) {
	e := l.entries[l.pos]
	l.pos++
	return fuse.DirEntry{Name: e.name, Mode: e.mode}, 0
}
func (l *listStream) Close() {}

// Readdir enumerates the physical directory by opening it with openat and
// reading the entries through os.File.Readdir on that descriptor, then overlays the manifest's
// declared children, which win on name collisions (spec §9 open question
// (a): "manifest entries take precedence").
func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	ioDir, children := n.session.M().ReaddirPlan(n.vpath)

	shadow := make(map[string]bool, len(children))
	for _, c := range children {
		shadow[lastComponent(c.VirtualPath)] = true
	}

	entries := []dirStreamEntry{{name: ".", mode: syscall.S_IFDIR}, {name: "..", mode: syscall.S_IFDIR}}

	fd, err := atfs.OpenAt(unix.AT_FDCWD, ioDir, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err == nil {
		f := os.NewFile(uintptr(fd), ioDir)
		if infos, derr := f.Readdir(-1); derr == nil {
			for _, fi := range infos {
				if shadow[fi.Name()] {
					continue
				}
				mode := uint32(syscall.S_IFREG)
				if fi.IsDir() {
					mode = syscall.S_IFDIR
				}
				entries = append(entries, dirStreamEntry{name: fi.Name(), mode: mode})
			}
		}
		_ = f.Close()
	}

	for _, c := range children {
		mode := uint32(syscall.S_IFREG)
		if c.Kind == manifest.Dir {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, dirStreamEntry{name: lastComponent(c.VirtualPath), mode: mode})
	}

	return &listStream{entries: entries}, 0
}

func lastComponent(vpath string) string {
	for i := len(vpath) - 1; i >= 0; i-- {
		if vpath[i] == '/' {
			return vpath[i+1:]
		}
	}
	return vpath
}

// fileHandle is the FileHandle returned by Open/Create; it owns the
// backend fd until Release (spec §5 "Open file descriptors ... owned by
// the kernel until release").
type fileHandle struct {
	mu sync.Mutex
	fd int
}

var (
	_ fs.FileHandle   = (*fileHandle)(nil)
	_ fs.FileReader   = (*fileHandle)(nil)
	_ fs.FileWriter   = (*fileHandle)(nil)
	_ fs.FileReleaser = (*fileHandle)(nil)
	_ fs.FileFsyncer  = (*fileHandle)(nil)
)

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := unix.Pread(h.fd, dest, off)
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := unix.Pwrite(h.fd, data, off)
	if err != nil {
		return 0, toErrno(err)
	}
	return uint32(n), 0
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fd < 0 {
		return 0
	}
	err := atfs.Close(h.fd)
	h.fd = -1
	return toErrno(err)
}

func (h *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	return toErrno(unix.Fsync(h.fd))
}

func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	resolved := n.session.M().Resolve(n.vpath)
	fd, err := atfs.OpenAt(unix.AT_FDCWD, resolved.IO, int(flags), 0)
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &fileHandle{fd: fd}, 0, 0
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	target := n.session.M().CreateTarget(n.vpath)
	fd, err := atfs.OpenAt(unix.AT_FDCWD, target.IODir+"/"+name, int(flags)|unix.O_CREAT, mode&0o7777)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}

	childVPath := n.childPath(name)
	var st unix.Stat_t
	if serr := unix.Fstat(fd, &st); serr != nil {
		_ = atfs.Close(fd)
		return nil, nil, 0, toErrno(serr)
	}
	fillAttr(&out.Attr, st)
	out.SetEntryTimeout(attrTTL)
	out.SetAttrTimeout(attrTTL)

	n.session.M().AddEntry(childVPath, target.DisplayDir+"/"+name, manifest.File)

	inode := n.NewInode(ctx, n.child(childVPath), fs.StableAttr{Mode: syscall.S_IFREG, Ino: st.Ino})
	return inode, &fileHandle{fd: fd}, 0, 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.removeChild(name, false)
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.removeChild(name, true)
}

func (n *node) removeChild(name string, dir bool) syscall.Errno {
	target := n.session.M().CreateTarget(n.vpath)
	if err := atfs.UnlinkAt(unix.AT_FDCWD, target.IODir+"/"+name, dir); err != nil {
		return toErrno(err)
	}
	n.session.M().RemoveEntry(n.childPath(name))
	return 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	target := n.session.M().CreateTarget(n.vpath)
	ioPath := target.IODir + "/" + name
	if err := atfs.MkdirAt(unix.AT_FDCWD, ioPath, mode); err != nil {
		return nil, toErrno(err)
	}
	st, err := statAt(ioPath)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(&out.Attr, st)
	out.SetEntryTimeout(attrTTL)
	out.SetAttrTimeout(attrTTL)

	childVPath := n.childPath(name)
	n.session.M().AddEntry(childVPath, target.DisplayDir+"/"+name, manifest.Dir)
	return n.NewInode(ctx, n.child(childVPath), fs.StableAttr{Mode: syscall.S_IFDIR, Ino: st.Ino}), 0
}

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	dir := n.session.M().CreateTarget(n.vpath)
	ioPath := dir.IODir + "/" + name
	if err := atfs.SymlinkAt(target, unix.AT_FDCWD, ioPath); err != nil {
		return nil, toErrno(err)
	}
	st, err := statAt(ioPath)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(&out.Attr, st)
	out.SetEntryTimeout(attrTTL)
	out.SetAttrTimeout(attrTTL)

	childVPath := n.childPath(name)
	n.session.M().AddEntry(childVPath, dir.DisplayDir+"/"+name, manifest.File)
	return n.NewInode(ctx, n.child(childVPath), fs.StableAttr{Mode: syscall.S_IFLNK, Ino: st.Ino}), 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	resolved := n.session.M().Resolve(n.vpath)
	data, err := atfs.ReadlinkAt(resolved.IO)
	if err != nil {
		return nil, toErrno(err)
	}
	return data, 0
}

func (n *node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	src, ok := target.(*node)
	if !ok {
		return nil, syscall.EINVAL
	}
	srcResolved := n.session.M().Resolve(src.vpath)
	dir := n.session.M().CreateTarget(n.vpath)
	newIOPath := dir.IODir + "/" + name

	if err := atfs.Link(srcResolved.IO, newIOPath); err != nil {
		return nil, toErrno(err)
	}
	st, err := statAt(newIOPath)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(&out.Attr, st)
	out.SetEntryTimeout(attrTTL)
	out.SetAttrTimeout(attrTTL)

	childVPath := n.childPath(name)
	n.session.M().AddEntry(childVPath, dir.DisplayDir+"/"+name, manifest.File)
	return n.NewInode(ctx, n.child(childVPath), fs.StableAttr{Mode: syscall.S_IFREG, Ino: st.Ino}), 0
}

// Rename prefers renameat2 against the shared root_dir_fd when both
// endpoints are Real (so the kernel performs one atomic rename under a
// single directory fd); otherwise it falls back to a plain rename against
// the two absolute io paths, which is always safe for Layer endpoints
// since they never traverse the mount.
func (n *node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	np, ok := newParent.(*node)
	if !ok {
		return syscall.EINVAL
	}

	oldVPath := n.childPath(name)
	oldResolved := n.session.M().Resolve(oldVPath)

	newDir := n.session.M().CreateTarget(np.vpath)
	newVPath := np.childPath(newName)
	newDisplay := newDir.DisplayDir + "/" + newName
	newIO := newDir.IODir + "/" + newName

	oldInfo := n.session.M().Which(oldVPath)
	newInfo := n.session.M().Which(newVPath)

	var err error
	if oldInfo.Owner == manifest.Real && newInfo.Owner == manifest.Real {
		err = atfs.RenameAt2(n.session.RootDirFd, relativeTo(n.session, oldResolved.IO), n.session.RootDirFd, relativeTo(n.session, newIO), flags)
	} else {
		err = atfs.Rename(oldResolved.IO, newIO)
	}
	if err != nil {
		return toErrno(err)
	}

	n.session.M().RenameEntry(oldVPath, newVPath, oldResolved.Display, newDisplay)
	return 0
}

// relativeTo strips the session's procfd root prefix from an io path that
// was resolved against it, recovering the path relative to root_dir_fd for
// use with the *at syscalls directly (avoiding a second alias indirection).
func relativeTo(s *Session, ioPath string) string {
	root := atfs.ProcFDRoot(s.RootDirFd)
	if ioPath == root {
		return "."
	}
	prefix := root + "/"
	if len(ioPath) > len(prefix) && ioPath[:len(prefix)] == prefix {
		return ioPath[len(prefix):]
	}
	return ioPath
}
