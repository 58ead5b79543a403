//go:build linux

package mountmgr

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireFuse skips tests that need a live kernel mount when the host has
// no /dev/fuse, mirroring the host-capability skips used throughout the
// pack's own mount test suites.
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

func TestMountUnmountLifecycle(t *testing.T) {
	requireFuse(t)
	root := t.TempDir()
	mgr := New(testLog())

	id, err := mgr.Mount(root, nil)
	require.NoError(t, err)
	assert.NotZero(t, id)

	_, ok := mgr.Resolve(root)
	assert.True(t, ok)

	require.NoError(t, mgr.Unmount(id))

	// Idempotent unmount (property 6): a second unmount of the same id
	// fails with UnknownMountId.
	err = mgr.Unmount(id)
	assert.Error(t, err)
}

// TestMountIDsStrictlyIncreasing exercises property 5: mount ids are
// strictly increasing across a daemon lifetime, regardless of unmounts in
// between.
func TestMountIDsStrictlyIncreasing(t *testing.T) {
	requireFuse(t)
	mgr := New(testLog())

	root1 := t.TempDir()
	id1, err := mgr.Mount(root1, nil)
	require.NoError(t, err)
	require.NoError(t, mgr.Unmount(id1))

	root2 := t.TempDir()
	id2, err := mgr.Mount(root2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Unmount(id2) })

	assert.Greater(t, id2, id1)
}

// TestStatusSortedAscending exercises property 5's ordering half.
func TestStatusSortedAscending(t *testing.T) {
	requireFuse(t)
	mgr := New(testLog())

	var ids []uint64
	for i := 0; i < 3; i++ {
		id, err := mgr.Mount(t.TempDir(), nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	t.Cleanup(func() {
		for _, id := range ids {
			_ = mgr.Unmount(id)
		}
	})

	status := mgr.Status()
	require.Len(t, status, 3)
	for i := 1; i < len(status); i++ {
		assert.Less(t, status[i-1].MountID, status[i].MountID)
	}
}

func TestMountSameRootTwiceFails(t *testing.T) {
	requireFuse(t)
	root := t.TempDir()
	mgr := New(testLog())

	id, err := mgr.Mount(root, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Unmount(id) })

	_, err = mgr.Mount(root, nil)
	assert.Error(t, err)
}

func TestSymmetricDifference(t *testing.T) {
	diff := symmetricDifference([]string{"a", "b", "c"}, []string{"b", "c", "d"})
	assert.Equal(t, map[string]struct{}{"a": {}, "d": {}}, diff)
}
