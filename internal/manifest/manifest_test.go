package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManifest() *Manifest {
	return New("/t/r", "/proc/self/fd/9/.")
}

func TestResolveFallback(t *testing.T) {
	m := newTestManifest()
	r := m.Resolve("a.txt")
	assert.Equal(t, "/t/r/a.txt", r.Display)
	assert.Equal(t, "/proc/self/fd/9/./a.txt", r.IO)
}

func TestResolveExactMatch(t *testing.T) {
	m := newTestManifest()
	m.AddEntry("a.txt", "/ext/src/a.txt", File)
	r := m.Resolve("a.txt")
	assert.Equal(t, "/ext/src/a.txt", r.Display)
	assert.Equal(t, "/ext/src/a.txt", r.IO)
}

// TestLongestPrefixRule exercises property 2 of spec §8: if entries a and
// a/b both exist and are directories, a path under a/b resolves via a/b.
func TestLongestPrefixRule(t *testing.T) {
	m := newTestManifest()
	m.AddEntry("a", "/ext/a", Dir)
	m.AddEntry("a/b", "/ext/b", Dir)

	r := m.Resolve("a/b/c")
	assert.Equal(t, "/ext/b/c", r.Display)

	r = m.Resolve("a/x")
	assert.Equal(t, "/ext/a/x", r.Display)
}

func TestOwnerClassification(t *testing.T) {
	m := newTestManifest()
	m.AddEntry("vendor", "/opt/v", Dir)
	m.AddEntry("local", "/t/r/local", Dir)

	assert.Equal(t, Layer, m.Which("vendor").Owner)
	assert.Equal(t, Real, m.Which("local").Owner)
	assert.Equal(t, Real, m.Which("never-added").Owner, "fallback owner is always real")
}

func TestRealEntryGetsProcfdIOBackend(t *testing.T) {
	m := newTestManifest()
	m.AddEntry("hello.txt", "/t/r/hello.txt", File)
	e := m.Snapshot()
	require.Len(t, e, 1)
	assert.Equal(t, "/proc/self/fd/9/./hello.txt", e[0].IOBackend)
}

// TestReaddirPlanChildren checks that ReaddirPlan lists only the immediate
// manifest children of a path, not the path's own entry.
func TestReaddirPlanChildren(t *testing.T) {
	m := newTestManifest()
	m.AddEntry("vendor", "/opt/v", Dir)
	m.AddEntry("vendor/tool", "/opt/v/tool", Dir)

	_, children := m.ReaddirPlan("vendor")
	require.Len(t, children, 1)
	assert.Equal(t, "vendor/tool", children[0].VirtualPath)
}

// TestRenameClosure exercises property 4 of spec §8.
func TestRenameClosure(t *testing.T) {
	m := newTestManifest()
	m.AddEntry("old", "/ext/old.txt", File)
	m.AddEntry("old/child", "/ext/old.txt/child", File) // pathological but exercises the prefix rule

	m.RenameEntry("old", "new", "/ext/old.txt", "/t/r/new")

	for _, e := range m.Snapshot() {
		assert.NotEqual(t, "old", e.VirtualPath)
		assert.False(t, len(e.VirtualPath) > 3 && e.VirtualPath[:4] == "old/")
	}

	info := m.Which("new")
	assert.Equal(t, Real, info.Owner)
	assert.Equal(t, "/t/r/new", info.Backend)

	child := m.Which("new/child")
	assert.Equal(t, "/t/r/new/child", child.Backend)
}

func TestRenameRootIsNoop(t *testing.T) {
	m := newTestManifest()
	m.AddEntry("a", "/ext/a", File)
	before := m.Snapshot()
	m.RenameEntry("", "anything", "/t/r", "/t/r2")
	assert.Equal(t, before, m.Snapshot())
}

func TestRemoveEntryAbsentIsNoError(t *testing.T) {
	m := newTestManifest()
	assert.NotPanics(t, func() { m.RemoveEntry("does-not-exist") })
}

func TestEntryNamesAt(t *testing.T) {
	m := newTestManifest()
	m.AddEntry("x", "/ext/x1", File)
	names := m.EntryNamesAt("")
	assert.ElementsMatch(t, []string{"x"}, names)
}

// TestResolutionDeterminism exercises property 1: resolve is a pure
// function of the manifest and the path.
func TestResolutionDeterminism(t *testing.T) {
	m := newTestManifest()
	m.AddEntry("a", "/ext/a", Dir)
	first := m.Resolve("a/b/c")
	second := m.Resolve("a/b/c")
	assert.Equal(t, first, second)
}
