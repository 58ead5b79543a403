//go:build linux

// Package e2e drives the mount manager end to end against a real kernel
// mount, exercising the scenarios of spec §8 (S1-S6) and the reentrancy
// property (8) through observable behavior rather than internal mocks.
package e2e

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuefs/nuefsd/internal/mountmgr"
)

func requireFuse(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("no /dev/fuse on this host")
	}
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return l.WithField("test", true)
}

// waitStable gives the kernel a beat to install the mount before the test
// issues I/O against it; go-fuse's fs.Mount blocks until the mount is live,
// so this is a short settle, not a poll loop.
func waitStable() { time.Sleep(20 * time.Millisecond) }

// TestPurePassthrough is scenario S1.
func TestPurePassthrough(t *testing.T) {
	requireFuse(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hi"), 0o644))

	mgr := mountmgr.New(testLog())
	id, err := mgr.Mount(root, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Unmount(id) })
	waitStable()

	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	info, err := mgr.Which(id, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "real", info.Owner.String())
	assert.Equal(t, filepath.Join(root, "a.txt"), info.Backend)
}

// TestLayerShadow is scenario S2.
func TestLayerShadow(t *testing.T) {
	requireFuse(t)
	root := t.TempDir()
	ext := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("real"), 0o644))
	layerPath := filepath.Join(ext, "a.txt")
	require.NoError(t, os.WriteFile(layerPath, []byte("layer"), 0o644))

	mgr := mountmgr.New(testLog())
	id, err := mgr.Mount(root, []mountmgr.EntrySpec{{VirtualPath: "a.txt", BackendPath: layerPath}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Unmount(id) })
	waitStable()

	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "layer", string(data))

	info, err := mgr.Which(id, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "layer", info.Owner.String())
	assert.Equal(t, layerPath, info.Backend)
}

// TestDirLayerWithSubpath is scenario S3.
func TestDirLayerWithSubpath(t *testing.T) {
	requireFuse(t)
	root := t.TempDir()
	opt := t.TempDir()
	toolDir := filepath.Join(opt, "tool")
	require.NoError(t, os.MkdirAll(toolDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(toolDir, "x"), []byte("X"), 0o644))

	mgr := mountmgr.New(testLog())
	id, err := mgr.Mount(root, []mountmgr.EntrySpec{{VirtualPath: "vendor", BackendPath: opt, IsDir: true}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Unmount(id) })
	waitStable()

	entries, err := os.ReadDir(filepath.Join(root, "vendor"))
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	assert.Contains(t, names, "tool")

	data, err := os.ReadFile(filepath.Join(root, "vendor", "tool", "x"))
	require.NoError(t, err)
	assert.Equal(t, "X", string(data))

	info, err := mgr.Which(id, "vendor/tool/x")
	require.NoError(t, err)
	assert.Equal(t, "layer", info.Owner.String())
	assert.Equal(t, filepath.Join(toolDir, "x"), info.Backend)
}

// TestCreateUnderRealThenReaddir is scenario S4. This is also the
// reentrancy-freedom canary (property 8): hello.txt has no manifest entry,
// so every syscall the handler issues for it is self-referential through
// root_dir_fd, not an absolute path under root. A deadlocked handler makes
// the create+write miss its 5s timeout, which fails the test instead of
// hanging the suite.
func TestCreateUnderRealThenReaddir(t *testing.T) {
	requireFuse(t)
	root := t.TempDir()

	mgr := mountmgr.New(testLog())
	id, err := mgr.Mount(root, nil)
	require.NoError(t, err)
	waitStable()

	done := make(chan error, 1)
	go func() {
		f, err := os.OpenFile(filepath.Join(root, "hello.txt"), os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			done <- err
			return
		}
		_, err = f.WriteString("hi")
		_ = f.Close()
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("create+write under the mount root deadlocked")
	}

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	assert.Contains(t, names, "hello.txt")

	require.NoError(t, mgr.Unmount(id))

	data, err := os.ReadFile(filepath.Join(root, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

// TestRenameAcrossLayerAndReal is scenario S5.
func TestRenameAcrossLayerAndReal(t *testing.T) {
	requireFuse(t)
	root := t.TempDir()
	ext := t.TempDir()
	oldPath := filepath.Join(ext, "old.txt")
	require.NoError(t, os.WriteFile(oldPath, []byte("content"), 0o644))

	mgr := mountmgr.New(testLog())
	id, err := mgr.Mount(root, []mountmgr.EntrySpec{{VirtualPath: "old", BackendPath: oldPath}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Unmount(id) })
	waitStable()

	require.NoError(t, os.Rename(filepath.Join(root, "old"), filepath.Join(root, "new")))

	newInfo, err := mgr.Which(id, "new")
	require.NoError(t, err)
	assert.Equal(t, "real", newInfo.Owner.String())

	_, err = os.Stat(filepath.Join(root, "old"))
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(filepath.Join(root, "new"))
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}

// TestUpdateInvalidation is scenario S6: a held file descriptor keeps
// serving its original backend after update() repoints the virtual path.
func TestUpdateInvalidation(t *testing.T) {
	requireFuse(t)
	root := t.TempDir()
	ext := t.TempDir()
	x1 := filepath.Join(ext, "x1")
	x2 := filepath.Join(ext, "x2")
	require.NoError(t, os.WriteFile(x1, []byte("one"), 0o644))
	require.NoError(t, os.WriteFile(x2, []byte("two"), 0o644))

	mgr := mountmgr.New(testLog())
	id, err := mgr.Mount(root, []mountmgr.EntrySpec{{VirtualPath: "x", BackendPath: x1}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Unmount(id) })
	waitStable()

	fd, err := os.Open(filepath.Join(root, "x"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = fd.Close() })

	require.NoError(t, mgr.Update(id, []mountmgr.EntrySpec{{VirtualPath: "x", BackendPath: x2}}))
	time.Sleep(1100 * time.Millisecond) // past the 1s attribute TTL

	fresh, err := os.ReadFile(filepath.Join(root, "x"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(fresh))

	held := make([]byte, 3)
	n, err := fd.ReadAt(held, 0)
	require.NoError(t, err)
	assert.Equal(t, "one", string(held[:n]))
}
