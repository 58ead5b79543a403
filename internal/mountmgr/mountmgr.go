// Package mountmgr owns the lifetime of mount sessions (spec §4.3,
// component C3): mount/unmount/update/which/status/resolve, serialized by
// a single exclusive lock that is never held across a kernel-FS operation.
package mountmgr

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"

	"github.com/nuefs/nuefsd/internal/atfs"
	"github.com/nuefs/nuefsd/internal/manifest"
	"github.com/nuefs/nuefsd/internal/nuefs"
	"github.com/nuefs/nuefsd/internal/overlay"
)

// EntrySpec is the control-plane representation of one manifest entry,
// mirroring the wire shape of spec §6's ManifestEntry.
type EntrySpec struct {
	VirtualPath string
	BackendPath string
	IsDir       bool
}

// Session is a live mount: a root, its manifest (held via the overlay
// handler's session so both see the same manifest pointer), its root
// directory file descriptor, and the kernel-filesystem handle that owns it.
type Session struct {
	MountID   uint64
	Root      string
	rootDirFd int
	fsSession *overlay.Session
	server    *fuse.Server
	log       *logrus.Entry
}

// Manager holds every live session, keyed by mount id and by canonical
// root, sharing one id space and one exclusive lock (spec §3 "Mount
// manager state").
type Manager struct {
	mu     sync.Mutex
	nextID uint64
	byID   map[uint64]*Session
	byRoot map[string]uint64
	log    *logrus.Entry
}

// New builds an empty manager. log is used for every control-call audit
// line (spec §7: mount/unmount/update at Info, which/status/resolve at
// Debug).
func New(log *logrus.Entry) *Manager {
	return &Manager{
		byID:   make(map[uint64]*Session),
		byRoot: make(map[string]uint64),
		log:    log,
	}
}

func buildManifest(displayRoot, ioRoot string, specs []EntrySpec) *manifest.Manifest {
	m := manifest.New(displayRoot, ioRoot)
	for _, e := range specs {
		kind := manifest.File
		if e.IsDir {
			kind = manifest.Dir
		}
		m.AddEntry(e.VirtualPath, e.BackendPath, kind)
	}
	return m
}

// Mount canonicalizes root, opens its root directory fd, builds a fresh
// manifest from entries, starts a kernel filesystem session against a
// fresh overlay handler, and registers the session under a new mount id.
func (mgr *Manager) Mount(root string, entries []EntrySpec) (uint64, error) {
	canon, err := filepath.Abs(root)
	if err != nil {
		return 0, nuefs.InvalidRoot(root, err)
	}
	canon, err = filepath.EvalSymlinks(canon)
	if err != nil {
		return 0, nuefs.InvalidRoot(root, err)
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if _, exists := mgr.byRoot[canon]; exists {
		return 0, nuefs.AlreadyMounted(canon)
	}

	fd, err := atfs.OpenRootDir(canon)
	if err != nil {
		return 0, nuefs.InvalidRoot(canon, err)
	}

	ioRoot := atfs.ProcFDRoot(fd)
	m := buildManifest(canon, ioRoot, entries)

	id := atomic.AddUint64(&mgr.nextID, 1)
	sessLog := mgr.log.WithFields(logrus.Fields{"mount_id": id, "root": canon})

	fsSession := overlay.NewSession(m, fd, sessLog)
	root2 := overlay.Root(fsSession)

	server, err := fs.Mount(canon, root2, &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName:     "nuefs",
			Name:       "nuefs",
			AllowOther: false,
		},
		EntryTimeout: durationPtr(time.Second),
		AttrTimeout:  durationPtr(time.Second),
	})
	if err != nil {
		_ = atfs.Close(fd)
		return 0, nuefs.IO("mount", err)
	}

	mountSession := &Session{
		MountID:   id,
		Root:      canon,
		rootDirFd: fd,
		fsSession: fsSession,
		server:    server,
		log:       sessLog,
	}
	mgr.byID[id] = mountSession
	mgr.byRoot[canon] = id
	mgr.log.WithFields(logrus.Fields{"mount_id": id, "root": canon, "entries": len(entries)}).Info("mount")
	return id, nil
}

func durationPtr(d time.Duration) *time.Duration { return &d }

// Unmount removes session id from both maps and requests an immediate
// detach-style unmount, bounded to 5s before the unmount helper is
// force-killed (spec §4.3).
func (mgr *Manager) Unmount(id uint64) error {
	mgr.mu.Lock()
	sess, ok := mgr.byID[id]
	if ok {
		delete(mgr.byID, id)
		delete(mgr.byRoot, sess.Root)
	}
	mgr.mu.Unlock()

	if !ok {
		return nuefs.UnknownMountID(id)
	}

	err := unmountSession(sess)
	mgr.log.WithFields(logrus.Fields{"mount_id": id, "root": sess.Root}).Info("unmount")
	if err != nil {
		return nuefs.IO("unmount", err)
	}
	return atfs.Close(sess.rootDirFd)
}

// Update replaces session id's manifest wholesale, keeping the same root
// and root_dir_fd, then best-effort notifies the kernel to invalidate the
// root inode's cached children for the symmetric difference of names.
func (mgr *Manager) Update(id uint64, entries []EntrySpec) error {
	mgr.mu.Lock()
	sess, ok := mgr.byID[id]
	mgr.mu.Unlock()
	if !ok {
		return nuefs.UnknownMountID(id)
	}

	oldNames := sess.fsSession.M().EntryNamesAt("")
	newManifest := buildManifest(sess.Root, atfs.ProcFDRoot(sess.rootDirFd), entries)
	newNames := newManifest.EntryNamesAt("")

	sess.fsSession.SetManifest(newManifest)

	for name := range symmetricDifference(oldNames, newNames) {
		if sess.server != nil {
			_ = sess.server.EntryNotify(sess.rootNodeID(), name)
		}
	}

	mgr.log.WithFields(logrus.Fields{"mount_id": id, "root": sess.Root, "entries": len(entries)}).Info("update")
	return nil
}

// rootNodeID returns the FUSE root inode number, 1 by convention.
func (s *Session) rootNodeID() uint64 { return 1 }

func symmetricDifference(a, b []string) map[string]struct{} {
	setA := make(map[string]struct{}, len(a))
	for _, v := range a {
		setA[v] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, v := range b {
		setB[v] = struct{}{}
	}
	out := make(map[string]struct{})
	for v := range setA {
		if _, ok := setB[v]; !ok {
			out[v] = struct{}{}
		}
	}
	for v := range setB {
		if _, ok := setA[v]; !ok {
			out[v] = struct{}{}
		}
	}
	return out
}

// Which resolves path against session id's manifest.
func (mgr *Manager) Which(id uint64, path string) (manifest.OwnerInfo, error) {
	mgr.mu.Lock()
	sess, ok := mgr.byID[id]
	mgr.mu.Unlock()
	if !ok {
		return manifest.OwnerInfo{}, nuefs.UnknownMountID(id)
	}
	mgr.log.WithFields(logrus.Fields{"mount_id": id, "path": path}).Debug("which")
	return sess.fsSession.M().Which(path), nil
}

// StatusEntry is one row of Status()'s result.
type StatusEntry struct {
	MountID uint64
	Root    string
}

// Status lists every live session, sorted ascending by mount id.
func (mgr *Manager) Status() []StatusEntry {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	out := make([]StatusEntry, 0, len(mgr.byID))
	for id, sess := range mgr.byID {
		out = append(out, StatusEntry{MountID: id, Root: sess.Root})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MountID < out[j].MountID })
	mgr.log.Debug("status")
	return out
}

// Resolve returns the mount id currently mounted at root, if any.
func (mgr *Manager) Resolve(root string) (uint64, bool) {
	canon, err := filepath.Abs(root)
	if err != nil {
		return 0, false
	}
	canon, err = filepath.EvalSymlinks(canon)
	if err != nil {
		return 0, false
	}
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	id, ok := mgr.byRoot[canon]
	mgr.log.WithField("root", canon).Debug("resolve")
	return id, ok
}

// ShutdownAll unmounts every live session; used on daemon shutdown. It stops
// issuing further unmounts once ctx is done, leaving any remaining sessions
// registered so a retried shutdown can pick them back up.
func (mgr *Manager) ShutdownAll(ctx context.Context) {
	mgr.mu.Lock()
	ids := make([]uint64, 0, len(mgr.byID))
	for id := range mgr.byID {
		ids = append(ids, id)
	}
	mgr.mu.Unlock()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			mgr.log.WithError(err).Warn("shutdown: deadline exceeded, sessions remain mounted")
			return
		}
		if err := mgr.Unmount(id); err != nil {
			mgr.log.WithError(err).WithField("mount_id", id).Warn("shutdown: unmount failed")
		}
	}
}
