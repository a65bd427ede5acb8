package checkpoint

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/faults"
	"warden/internal/store"
)

func createFrom(t *testing.T, m *Manager, message string, files map[string]string, parent string) *Checkpoint {
	t.Helper()
	root := t.TempDir()
	writeTree(t, root, files)
	cp, err := m.Create(context.Background(), root, message, "", nil, parent)
	require.NoError(t, err)
	return cp
}

// Three checkpoints, one ref. Collection must drop the two unreferenced
// checkpoints and their blobs while leaving the referenced one restorable.
func TestGCKeepsOnlyReferenced(t *testing.T) {
	m, st := newTestManager(t)

	c1 := createFrom(t, m, "c1", map[string]string{"f.txt": "one"}, "")
	c2 := createFrom(t, m, "c2", map[string]string{"f.txt": "two"}, "")
	c3 := createFrom(t, m, "c3", map[string]string{"f.txt": "three"}, "")
	require.NoError(t, m.CreateRef("keep", c2.ID))

	report, err := m.GC(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, report.DryRun)
	assert.Equal(t, 2, report.ManifestsRemoved)
	assert.Equal(t, 2, report.Store.BlobsRemoved)
	assert.Positive(t, report.Store.BytesFreed)

	_, err = m.Get(c1.ID)
	assert.True(t, faults.IsKind(err, faults.KindNotFound))
	_, err = m.Get(c3.ID)
	assert.True(t, faults.IsKind(err, faults.KindNotFound))

	assert.False(t, st.Has(store.HashBytes([]byte("one"))))
	assert.False(t, st.Has(store.HashBytes([]byte("three"))))
	assert.True(t, st.Has(store.HashBytes([]byte("two"))))

	target := t.TempDir()
	_, err = m.Restore(context.Background(), c2.ID, target, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f.txt": "two"}, readTree(t, target))
}

func TestGCKeepsBlobsSharedWithSurvivors(t *testing.T) {
	m, st := newTestManager(t)

	doomed := createFrom(t, m, "doomed", map[string]string{
		"shared.txt": "S",
		"only1.txt":  "1",
	}, "")
	kept := createFrom(t, m, "kept", map[string]string{
		"shared.txt": "S",
		"only2.txt":  "2",
	}, "")
	require.NoError(t, m.CreateRef("keep", kept.ID))

	report, err := m.GC(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ManifestsRemoved)
	assert.Equal(t, 1, report.Store.BlobsRemoved)

	_, err = m.Get(doomed.ID)
	assert.True(t, faults.IsKind(err, faults.KindNotFound))
	assert.True(t, st.Has(store.HashBytes([]byte("S"))))
	assert.False(t, st.Has(store.HashBytes([]byte("1"))))

	n, err := st.Refcount(store.HashBytes([]byte("S")))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// A ref keeps the full parent chain of its target alive.
func TestGCFollowsParentChain(t *testing.T) {
	m, _ := newTestManager(t)

	c1 := createFrom(t, m, "base", map[string]string{"f.txt": "v1"}, "")
	c2 := createFrom(t, m, "next", map[string]string{"f.txt": "v2"}, c1.ID)
	require.NoError(t, m.CreateRef("head", c2.ID))

	report, err := m.GC(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, report.ManifestsRemoved)
	assert.Zero(t, report.Store.BlobsRemoved)

	_, err = m.Get(c1.ID)
	require.NoError(t, err)
	_, err = m.Get(c2.ID)
	require.NoError(t, err)

	// Dropping the ref makes the whole chain collectable.
	require.NoError(t, m.DeleteRef("head"))
	report, err = m.GC(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.ManifestsRemoved)
	assert.Equal(t, 2, report.Store.BlobsRemoved)

	list, err := m.List(ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

// A dry run reports the same counts a real pass would produce and mutates
// nothing.
func TestGCDryRunMatchesRealRun(t *testing.T) {
	m, st := newTestManager(t)

	c1 := createFrom(t, m, "c1", map[string]string{"f.txt": "one"}, "")
	c2 := createFrom(t, m, "c2", map[string]string{"f.txt": "two"}, "")
	createFrom(t, m, "c3", map[string]string{"f.txt": "three"}, "")
	require.NoError(t, m.CreateRef("keep", c2.ID))

	dry, err := m.GC(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, dry.DryRun)
	assert.True(t, dry.Store.DryRun)

	_, err = m.Get(c1.ID)
	require.NoError(t, err)
	assert.True(t, st.Has(store.HashBytes([]byte("one"))))
	assert.True(t, st.Has(store.HashBytes([]byte("three"))))

	real, err := m.GC(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, dry.ManifestsRemoved, real.ManifestsRemoved)
	assert.Equal(t, dry.Store.BlobsRemoved, real.Store.BlobsRemoved)
	assert.Equal(t, dry.Store.BytesFreed, real.Store.BytesFreed)
}

func TestGCSweepsStalePendingManifests(t *testing.T) {
	m, st := newTestManager(t)

	staleID := "3333333333333333333333333333333333333333333333333333333333333333"
	h, _, err := st.Put(strings.NewReader("orphaned blob"))
	require.NoError(t, err)
	require.NoError(t, st.Link(staleID, h))

	stalePath := m.pendingPath(staleID)
	require.NoError(t, os.WriteFile(stalePath, []byte("{}\n"), 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stalePath, old, old))

	freshPath := m.pendingPath("4444444444444444444444444444444444444444444444444444444444444444")
	require.NoError(t, os.WriteFile(freshPath, []byte("{}\n"), 0o644))

	// A dry run counts the stale file without touching it.
	dry, err := m.GC(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, dry.PendingRemoved)
	_, err = os.Stat(stalePath)
	require.NoError(t, err)

	report, err := m.GC(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PendingRemoved)

	_, err = os.Stat(stalePath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(freshPath)
	require.NoError(t, err)

	// The dead commit's blob link went with it, so the blob is gone too.
	assert.False(t, st.Has(h))
}

func TestGCEmptyRepositoryIsQuiet(t *testing.T) {
	m, _ := newTestManager(t)

	report, err := m.GC(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, report.ManifestsRemoved)
	assert.Zero(t, report.PendingRemoved)
	assert.Zero(t, report.Store.BlobsRemoved)
}
