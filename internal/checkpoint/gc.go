package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"warden/internal/bus"
	"warden/internal/faults"
	"warden/internal/store"
)

// GCReport summarizes one collection pass.
type GCReport struct {
	DryRun           bool           `json:"dry_run"`
	ManifestsRemoved int            `json:"manifests_removed"`
	PendingRemoved   int            `json:"pending_removed"`
	Store            store.GCResult `json:"store"`
}

// GC removes checkpoints unreachable from any ref, then sweeps the content
// store. Reachability follows parent links upward, so a ref keeps the whole
// ancestry of its target alive. Holding the commit mutex for the entire
// pass guarantees no commit interleaves with the sweep.
func (m *Manager) GC(ctx context.Context, dryRun bool) (GCReport, error) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	report := GCReport{DryRun: dryRun}

	ids, err := m.manifestIDs()
	if err != nil {
		return report, err
	}
	refs, err := m.ListRefs()
	if err != nil {
		return report, err
	}
	reachable := m.reachableFrom(refs)

	pendingRemoved, err := m.sweepPending(dryRun)
	if err != nil {
		return report, err
	}
	report.PendingRemoved = pendingRemoved

	var unreachable []string
	for _, id := range ids {
		if _, ok := reachable[id]; !ok {
			unreachable = append(unreachable, id)
		}
	}

	if dryRun {
		report.ManifestsRemoved = len(unreachable)
		report.Store, err = m.previewStoreGC(ctx, reachable, unreachable)
		return report, err
	}

	for _, id := range unreachable {
		if err := m.st.UnlinkHolder(id); err != nil {
			return report, err
		}
		if err := os.Remove(m.manifestPath(id)); err != nil && !os.IsNotExist(err) {
			return report, faults.Io(err, "manifest_delete", "remove manifest %s", shortID(id))
		}
		m.cache.Remove(id)
		report.ManifestsRemoved++
		m.logger.Info("collected unreachable checkpoint %s", shortID(id))
	}

	report.Store, err = m.st.GC(ctx, false, func(context.Context) (map[store.Hash]struct{}, error) {
		return m.markedHashes(reachable)
	})
	if err != nil {
		return report, err
	}

	m.metrics.gcCompleted(report.ManifestsRemoved)
	if m.events != nil {
		m.events.Publish(bus.Event{
			Kind: bus.KindGCCompleted,
			Payload: map[string]any{
				"manifests_removed": report.ManifestsRemoved,
				"blobs_removed":     report.Store.BlobsRemoved,
				"bytes_freed":       report.Store.BytesFreed,
			},
		})
	}
	return report, nil
}

// reachableFrom walks every ref target and its parent chain. Dangling refs
// are logged and skipped rather than treated as roots.
func (m *Manager) reachableFrom(refs []Ref) map[string]struct{} {
	reachable := make(map[string]struct{})
	stack := make([]string, 0, len(refs))
	for _, ref := range refs {
		stack = append(stack, ref.ID)
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := reachable[id]; seen {
			continue
		}
		man, err := m.load(id)
		if err != nil {
			m.logger.Warn("unreachable ref target %s: %v", shortID(id), err)
			continue
		}
		reachable[id] = struct{}{}
		if man.Parent != "" {
			stack = append(stack, man.Parent)
		}
	}
	return reachable
}

// markedHashes is the GC mark set: every blob referenced by a reachable
// manifest.
func (m *Manager) markedHashes(reachable map[string]struct{}) (map[store.Hash]struct{}, error) {
	marked := make(map[store.Hash]struct{})
	for id := range reachable {
		man, err := m.load(id)
		if err != nil {
			return nil, err
		}
		for _, h := range man.Hashes() {
			marked[h] = struct{}{}
		}
	}
	return marked, nil
}

// sweepPending removes pending manifests left behind by a crashed commit,
// together with any blob links the dead commit managed to take. Fresh
// pending files are left alone; the writer may still be alive.
func (m *Manager) sweepPending(dryRun bool) (int, error) {
	matches, err := filepath.Glob(filepath.Join(m.dir, pendingPrefix+"*"+manifestSuffix))
	if err != nil {
		return 0, faults.Io(err, "pending_glob", "list pending manifests")
	}
	cutoff := m.clock.Now().Add(-m.opts.PendingGrace)
	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		removed++
		if dryRun {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), pendingPrefix), manifestSuffix)
		if validateID(id) == nil {
			if err := m.st.UnlinkHolder(id); err != nil {
				return removed, err
			}
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, faults.Io(err, "pending_delete", "remove stale pending manifest")
		}
		m.logger.Warn("removed stale pending manifest %s", filepath.Base(path))
	}
	return removed, nil
}

// previewStoreGC estimates what a real sweep would remove without touching
// anything: blobs already unreferenced today, plus blobs whose only holders
// are the manifests this pass would collect.
func (m *Manager) previewStoreGC(ctx context.Context, reachable map[string]struct{}, unreachable []string) (store.GCResult, error) {
	res, err := m.st.GC(ctx, true, func(context.Context) (map[store.Hash]struct{}, error) {
		return m.markedHashes(reachable)
	})
	if err != nil {
		return res, err
	}

	marked, err := m.markedHashes(reachable)
	if err != nil {
		return res, err
	}
	doomedHolders := make(map[store.Hash]int)
	for _, id := range unreachable {
		man, err := m.load(id)
		if err != nil {
			continue
		}
		for _, h := range man.Hashes() {
			doomedHolders[h]++
		}
	}
	for h, doomed := range doomedHolders {
		if _, keep := marked[h]; keep {
			continue
		}
		total, err := m.st.Refcount(h)
		if err != nil || total > doomed {
			continue
		}
		size, err := m.st.BlobSize(h)
		if err != nil {
			continue
		}
		res.BlobsRemoved++
		res.BytesFreed += size
	}
	return res, nil
}
