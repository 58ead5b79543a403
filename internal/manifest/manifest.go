// Package manifest stores the virtual-path to backend-path mapping for a
// single mount session and the rules for mutating it under concurrent
// filesystem callbacks.
package manifest

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Kind distinguishes a file entry from a directory entry.
type Kind int

const (
	File Kind = iota
	Dir
)

func (k Kind) String() string {
	if k == Dir {
		return "dir"
	}
	return "file"
}

// Owner classifies whether an entry's backend lives under the mount root.
type Owner int

const (
	Real Owner = iota
	Layer
)

func (o Owner) String() string {
	if o == Real {
		return "real"
	}
	return "layer"
}

// Entry is a single manifest record.
type Entry struct {
	VirtualPath    string
	DisplayBackend string
	IOBackend      string
	Kind           Kind
	Owner          Owner
}

// ResolvedPaths is the result of resolving a virtual path against the manifest.
type ResolvedPaths struct {
	Display string
	IO      string
}

// DirTarget is the directory in which a new child should be created.
type DirTarget struct {
	DisplayDir string
	IODir      string
}

// OwnerInfo is the result of a `which` query.
type OwnerInfo struct {
	Owner   Owner
	Backend string
}

// Manifest is the path resolution table for one mount session. It is safe
// for concurrent use: readers (resolve, create_target, readdir_plan, which,
// entry_names_at) may run in parallel; writers (add/remove/rename) are
// exclusive. A wholesale replacement swaps in a new Manifest
// (overlay.Session.SetManifest) instead of mutating this one. No method here performs I/O; callers
// copy out the plan and release the lock before touching the backend.
type Manifest struct {
	mu sync.RWMutex

	displayRoot string // mount_root
	ioRoot      string // procfd_root(root_dir_fd)

	entries map[string]Entry
}

// New builds an empty manifest rooted at displayRoot/ioRoot.
func New(displayRoot, ioRoot string) *Manifest {
	return &Manifest{
		displayRoot: strings.TrimRight(displayRoot, "/"),
		ioRoot:      strings.TrimRight(ioRoot, "/"),
		entries:     make(map[string]Entry),
	}
}

// joinPath appends a virtual path to the given backend root.
func joinPath(root, vpath string) string {
	if vpath == "" {
		return root
	}
	return root + "/" + vpath
}

// computeOwner derives ownership per invariant 3 of spec §3.
func (m *Manifest) computeOwner(displayBackend string) Owner {
	if displayBackend == m.displayRoot || strings.HasPrefix(displayBackend, m.displayRoot+"/") {
		return Real
	}
	return Layer
}

// ioBackendFor computes the io_backend for a display backend per invariant 2:
// Real entries are rewritten through the procfd root so I/O never re-enters
// the overlay mount; Layer entries use their own absolute path directly.
func (m *Manifest) ioBackendFor(displayBackend string, owner Owner) string {
	if owner == Layer {
		return displayBackend
	}
	if displayBackend == m.displayRoot {
		return m.ioRoot
	}
	suffix := strings.TrimPrefix(displayBackend, m.displayRoot+"/")
	return joinPath(m.ioRoot, suffix)
}

// splitLongestPrefix finds the longest directory-entry key that is a
// path-component prefix of path, returning the entry and the remaining
// suffix (without a leading slash). ok is false if no entry matches.
func splitLongestPrefix(entries map[string]Entry, path string) (e Entry, suffix string, ok bool) {
	best := -1
	for key, entry := range entries {
		if entry.Kind != Dir {
			continue
		}
		if key == path {
			continue // handled by exact match separately
		}
		prefix := key + "/"
		if key == "" {
			prefix = ""
		}
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		if len(key) > best {
			best = len(key)
			e = entry
			suffix = strings.TrimPrefix(path, prefix)
			ok = true
		}
	}
	return e, suffix, ok
}

// resolveLocked implements the three-step lookup rule shared by resolve,
// create_target and which. The caller must hold m.mu for reading.
func (m *Manifest) resolveLocked(path string) (display, io string, owner Owner, kind Kind, matched bool) {
	if entry, exact := m.entries[path]; exact {
		return entry.DisplayBackend, entry.IOBackend, entry.Owner, entry.Kind, true
	}
	if entry, suffix, ok := splitLongestPrefix(m.entries, path); ok {
		return joinPath(entry.DisplayBackend, suffix), joinPath(entry.IOBackend, suffix), entry.Owner, entry.Kind, true
	}
	display = joinPath(m.displayRoot, path)
	io = joinPath(m.ioRoot, path)
	return display, io, Real, File, false
}

// Resolve returns the display/io backend paths for a virtual path. It is
// always successful at this layer; non-existence surfaces only once the
// caller issues the backend syscall.
func (m *Manifest) Resolve(path string) ResolvedPaths {
	m.mu.RLock()
	defer m.mu.RUnlock()
	display, io, _, _, _ := m.resolveLocked(path)
	return ResolvedPaths{Display: display, IO: io}
}

// CreateTarget returns the directory a new child of parent should be
// created in. Matches are restricted to directory entries; unmatched
// parents fall back to the root-relative path.
func (m *Manifest) CreateTarget(parent string) DirTarget {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if entry, exact := m.entries[parent]; exact && entry.Kind != Dir {
		if d, suffix, ok := splitLongestPrefix(m.entries, parent); ok {
			return DirTarget{DisplayDir: joinPath(d.DisplayBackend, suffix), IODir: joinPath(d.IOBackend, suffix)}
		}
		return DirTarget{DisplayDir: joinPath(m.displayRoot, parent), IODir: joinPath(m.ioRoot, parent)}
	}
	display, io, _, _, _ := m.resolveLocked(parent)
	return DirTarget{DisplayDir: display, IODir: io}
}

// Which returns the owner classification and display backend for path.
func (m *Manifest) Which(path string) OwnerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	display, _, owner, _, _ := m.resolveLocked(path)
	return OwnerInfo{Owner: owner, Backend: display}
}

// ReaddirPlan returns the physical directory to read plus the manifest
// children declared directly under path (name has no further slashes).
func (m *Manifest) ReaddirPlan(path string) (ioDir string, children []Entry) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, io, _, _, _ := m.resolveLocked(path)
	prefix := path + "/"
	if path == "" {
		prefix = ""
	}
	for key, entry := range m.entries {
		if key == path {
			continue
		}
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		if strings.Contains(rest, "/") {
			continue
		}
		children = append(children, entry)
	}
	return io, children
}

// EntryNamesAt returns the immediate child names declared in the manifest
// directly under prefix, used for kernel cache invalidation on Update.
func (m *Manifest) EntryNamesAt(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := prefix + "/"
	if prefix == "" {
		p = ""
	}
	var names []string
	for key := range m.entries {
		if key == prefix || !strings.HasPrefix(key, p) {
			continue
		}
		rest := strings.TrimPrefix(key, p)
		if strings.Contains(rest, "/") {
			continue
		}
		names = append(names, rest)
	}
	return names
}

// AddEntry inserts or replaces the entry at virtualPath. owner and the
// io_backend are derived from backend, not supplied by the caller.
func (m *Manifest) AddEntry(virtualPath, backend string, kind Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner := m.computeOwner(backend)
	m.entries[virtualPath] = Entry{
		VirtualPath:    virtualPath,
		DisplayBackend: backend,
		IOBackend:      m.ioBackendFor(backend, owner),
		Kind:           kind,
		Owner:          owner,
	}
}

// RemoveEntry deletes the entry at virtualPath, if present.
func (m *Manifest) RemoveEntry(virtualPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, virtualPath)
}

// RenameEntry reparents the entry at old (and every descendant whose key
// has old+"/" as a prefix) to new, rewriting display/io backends for any
// entry whose display backend tracked oldBackend, and recomputing owner.
// Renaming the root (old == "") is a no-op.
func (m *Manifest) RenameEntry(old, newPath, oldBackend, newBackend string) {
	if old == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := old + "/"
	moved := make(map[string]Entry)
	for key, entry := range m.entries {
		if key == old {
			moved[newPath] = m.rewriteEntry(entry, newPath, oldBackend, newBackend)
			delete(m.entries, key)
			continue
		}
		if strings.HasPrefix(key, prefix) {
			suffix := strings.TrimPrefix(key, prefix)
			newKey := newPath + "/" + suffix
			moved[newKey] = m.rewriteEntry(entry, newKey, oldBackend, newBackend)
			delete(m.entries, key)
		}
	}
	for k, e := range moved {
		m.entries[k] = e
	}
}

// rewriteEntry relocates entry to newVPath, and if its display backend
// tracked oldBackend, rewrites it to live under newBackend instead.
func (m *Manifest) rewriteEntry(entry Entry, newVPath, oldBackend, newBackend string) Entry {
	entry.VirtualPath = newVPath
	if entry.DisplayBackend == oldBackend {
		entry.DisplayBackend = newBackend
	} else if strings.HasPrefix(entry.DisplayBackend, oldBackend+"/") {
		entry.DisplayBackend = newBackend + strings.TrimPrefix(entry.DisplayBackend, oldBackend)
	}
	entry.Owner = m.computeOwner(entry.DisplayBackend)
	entry.IOBackend = m.ioBackendFor(entry.DisplayBackend, entry.Owner)
	return entry
}

// Len reports the number of entries currently in the manifest. Used by
// String for debug logging; never call while holding a lock
// from the caller side since Len takes its own read lock.
func (m *Manifest) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Snapshot returns a copy of every entry currently in the manifest, sorted
// by virtual path. Intended for debugging/introspection only.
func (m *Manifest) Snapshot() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VirtualPath < out[j].VirtualPath })
	return out
}

// DisplayRoot returns the mount root this manifest was built against.
func (m *Manifest) DisplayRoot() string { return m.displayRoot }

// IORoot returns the procfd-alias root this manifest was built against.
func (m *Manifest) IORoot() string { return m.ioRoot }

// String implements fmt.Stringer for debug logging.
func (m *Manifest) String() string {
	return fmt.Sprintf("Manifest{root=%s, entries=%d}", m.displayRoot, m.Len())
}
