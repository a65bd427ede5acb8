// Package checkpoint snapshots project trees into the content store and
// rebuilds them. A checkpoint is an immutable manifest whose id is the hash
// of its canonical content; named refs are the GC roots.
package checkpoint

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sergi/go-diff/diffmatchpatch"

	"warden/internal/bus"
	"warden/internal/clockwork"
	"warden/internal/faults"
	"warden/internal/logging"
	"warden/internal/store"
)

const (
	pendingPrefix  = "pending-"
	manifestSuffix = ".json"
	refsDirName    = "refs"

	defaultCacheSize    = 128
	defaultPendingGrace = time.Hour

	// maxDiffFileBytes caps per-side content for text diffs.
	maxDiffFileBytes = 1 << 20
)

var refNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

// Options configures a Manager.
type Options struct {
	// Dir holds manifests and the refs directory.
	Dir    string
	Store  *store.Store
	Ignore []string
	// CacheSize bounds the in-memory manifest cache.
	CacheSize int
	// PendingGrace protects fresh pending manifests from GC so a commit
	// in a crashed previous process is not swept while still plausible.
	PendingGrace time.Duration
	Clock        clockwork.Clock
	Logger       logging.Logger
	Bus          *bus.Bus
	Metrics      *Metrics
}

// Manager owns checkpoint manifests and refs. Commits, restores with
// backup, and GC serialize on one mutex so a sweep never observes blobs
// that are written but not yet linked.
type Manager struct {
	dir     string
	refsDir string
	st      *store.Store
	opts    Options
	clock   clockwork.Clock
	logger  logging.Logger
	events  *bus.Bus
	metrics *Metrics
	cache   *lru.Cache[string, *Manifest]

	commitMu sync.Mutex
}

// NewManager creates the checkpoint directories and warms nothing.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, faults.Invalid("store_missing", "checkpoint manager needs a content store")
	}
	if opts.Dir == "" {
		return nil, faults.Invalid("dir_missing", "checkpoint manager needs a directory")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.PendingGrace <= 0 {
		opts.PendingGrace = defaultPendingGrace
	}
	refsDir := filepath.Join(opts.Dir, refsDirName)
	if err := os.MkdirAll(refsDir, 0o755); err != nil {
		return nil, faults.Io(err, "checkpoint_dir", "create checkpoint directories")
	}
	cache, err := lru.New[string, *Manifest](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("manifest cache: %w", err)
	}
	m := &Manager{
		dir:     opts.Dir,
		refsDir: refsDir,
		st:      opts.Store,
		opts:    opts,
		clock:   opts.Clock,
		logger:  logging.NewComponentLogger(logging.OrNop(opts.Logger), "checkpoint"),
		events:  opts.Bus,
		metrics: opts.Metrics,
		cache:   cache,
	}
	if m.clock == nil {
		m.clock = clockwork.Real()
	}
	return m, nil
}

func (m *Manager) manifestPath(id string) string {
	return filepath.Join(m.dir, id+manifestSuffix)
}

func (m *Manager) pendingPath(id string) string {
	return filepath.Join(m.dir, pendingPrefix+id+manifestSuffix)
}

func validateID(id string) error {
	if _, err := store.ParseHash(id); err != nil {
		return faults.Invalid("checkpoint_id_invalid", "%q is not a checkpoint id", id)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Create walks root, stores every file's content as a blob, and commits a
// manifest. All blobs are linked before the manifest becomes visible; a
// failure or cancellation mid-commit unlinks them again and removes the
// pending manifest. Creating an identical checkpoint twice returns the
// existing id.
func (m *Manager) Create(ctx context.Context, root, message, author string, tags []string, parent string) (*Checkpoint, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, faults.Invalid("project_root_invalid", "project root %q is not a directory", root)
	}
	if parent != "" {
		if _, err := m.Get(parent); err != nil {
			return nil, fmt.Errorf("parent checkpoint: %w", err)
		}
	}
	files, err := walkTree(root, m.opts.Ignore)
	if err != nil {
		return nil, faults.Io(err, "tree_walk", "walk %s", root)
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	entries := make([]Entry, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, faults.Cancelled("create_cancelled", "checkpoint create cancelled")
		}
		fh, err := os.Open(f.abs)
		if err != nil {
			return nil, faults.Io(err, "file_open", "open %s", f.rel)
		}
		h, _, err := m.st.Put(fh)
		fh.Close()
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", f.rel, err)
		}
		entries = append(entries, Entry{Path: f.rel, Hash: h, Mode: uint32(f.mode), Size: f.size})
	}

	manifest := Manifest{
		Version:   manifestVersion,
		Parent:    parent,
		Author:    author,
		Message:   message,
		Tags:      tags,
		CreatedAt: m.clock.Now().UTC(),
		Entries:   entries,
	}
	id, err := manifest.ComputeID()
	if err != nil {
		return nil, err
	}

	if existing, err := m.load(id); err == nil {
		m.logger.Debug("checkpoint %s already exists, create is a no-op", shortID(id))
		return &Checkpoint{ID: id, Manifest: *existing}, nil
	}

	if err := m.commit(ctx, id, &manifest); err != nil {
		return nil, err
	}

	m.cache.Add(id, &manifest)
	m.metrics.checkpointCreated()
	m.logger.Info("checkpoint %s created: %d files from %s", shortID(id), len(entries), root)
	if m.events != nil {
		m.events.Publish(bus.Event{
			Kind: bus.KindCheckpointCreated,
			Payload: map[string]any{
				"id":      id,
				"files":   len(entries),
				"message": message,
			},
		})
	}
	return &Checkpoint{ID: id, Manifest: manifest}, nil
}

func (m *Manager) commit(ctx context.Context, id string, manifest *Manifest) (err error) {
	pending := m.pendingPath(id)
	linked := false
	defer func() {
		if err == nil {
			return
		}
		if linked {
			_ = m.st.UnlinkHolder(id)
		}
		_ = os.Remove(pending)
	}()

	if ctx.Err() != nil {
		err = faults.Cancelled("create_cancelled", "checkpoint commit cancelled")
		return err
	}
	if err = m.st.Link(id, manifest.Hashes()...); err != nil {
		return fmt.Errorf("link blobs: %w", err)
	}
	linked = true

	data, encErr := manifest.encode()
	if encErr != nil {
		err = encErr
		return err
	}
	if err = writeFileSync(pending, data, 0o644); err != nil {
		return faults.Io(err, "manifest_write", "write pending manifest for %s", shortID(id))
	}
	if err = os.Rename(pending, m.manifestPath(id)); err != nil {
		return faults.Io(err, "manifest_commit", "commit manifest for %s", shortID(id))
	}
	return nil
}

// Get loads one checkpoint by id.
func (m *Manager) Get(id string) (*Checkpoint, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	man, err := m.load(id)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{ID: id, Manifest: *man}, nil
}

func (m *Manager) load(id string) (*Manifest, error) {
	if man, ok := m.cache.Get(id); ok {
		return man, nil
	}
	data, err := os.ReadFile(m.manifestPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, faults.NotFound("checkpoint_not_found", "checkpoint %s not found", shortID(id))
		}
		return nil, faults.Io(err, "manifest_read", "read manifest %s", shortID(id))
	}
	man, err := decodeManifest(data)
	if err != nil {
		return nil, faults.Corrupt("manifest_corrupt", "checkpoint %s: %v", shortID(id), err)
	}
	m.cache.Add(id, man)
	return man, nil
}

// ListFilter narrows List output.
type ListFilter struct {
	Tag    string
	Author string
	Limit  int
}

// List returns checkpoints newest first.
func (m *Manager) List(filter ListFilter) ([]Checkpoint, error) {
	ids, err := m.manifestIDs()
	if err != nil {
		return nil, err
	}
	out := make([]Checkpoint, 0, len(ids))
	for _, id := range ids {
		man, err := m.load(id)
		if err != nil {
			m.logger.Warn("skipping unreadable manifest %s: %v", shortID(id), err)
			continue
		}
		if filter.Tag != "" && !slices.Contains(man.Tags, filter.Tag) {
			continue
		}
		if filter.Author != "" && man.Author != filter.Author {
			continue
		}
		out = append(out, Checkpoint{ID: id, Manifest: *man})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Manifest.CreatedAt.Equal(out[j].Manifest.CreatedAt) {
			return out[i].Manifest.CreatedAt.After(out[j].Manifest.CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Manager) manifestIDs() ([]string, error) {
	dirents, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, faults.Io(err, "checkpoint_dir", "read checkpoint directory")
	}
	var ids []string
	for _, d := range dirents {
		name := d.Name()
		if d.IsDir() || strings.HasPrefix(name, pendingPrefix) || !strings.HasSuffix(name, manifestSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, manifestSuffix)
		if validateID(id) != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// DiffResult lists path-level differences between two checkpoints, oriented
// from a to b.
type DiffResult struct {
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Modified []string `json:"modified"`
}

// Diff compares two manifests by entry.
func (m *Manager) Diff(aID, bID string) (*DiffResult, error) {
	a, err := m.Get(aID)
	if err != nil {
		return nil, err
	}
	b, err := m.Get(bID)
	if err != nil {
		return nil, err
	}
	aEntries, bEntries := a.Manifest.entryMap(), b.Manifest.entryMap()

	res := &DiffResult{}
	for path, be := range bEntries {
		ae, ok := aEntries[path]
		switch {
		case !ok:
			res.Added = append(res.Added, path)
		case ae.Hash != be.Hash || ae.Mode != be.Mode:
			res.Modified = append(res.Modified, path)
		}
	}
	for path := range aEntries {
		if _, ok := bEntries[path]; !ok {
			res.Removed = append(res.Removed, path)
		}
	}
	sort.Strings(res.Added)
	sort.Strings(res.Removed)
	sort.Strings(res.Modified)
	return res, nil
}

// DiffFile renders a text patch for one path from checkpoint a to b. A side
// where the path does not exist is treated as empty.
func (m *Manager) DiffFile(aID, bID, path string) (string, error) {
	a, err := m.Get(aID)
	if err != nil {
		return "", err
	}
	b, err := m.Get(bID)
	if err != nil {
		return "", err
	}
	aEntry, aOK := a.Manifest.entryMap()[path]
	bEntry, bOK := b.Manifest.entryMap()[path]
	if !aOK && !bOK {
		return "", faults.NotFound("path_not_found", "%s is in neither checkpoint", path)
	}

	aText, err := m.diffSide(aEntry, aOK)
	if err != nil {
		return "", err
	}
	bText, err := m.diffSide(bEntry, bOK)
	if err != nil {
		return "", err
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(aText, bText, false)
	patches := dmp.PatchMake(aText, diffs)
	return dmp.PatchToText(patches), nil
}

func (m *Manager) diffSide(e Entry, present bool) (string, error) {
	if !present {
		return "", nil
	}
	if e.Size > maxDiffFileBytes {
		return "", faults.Invalid("file_too_large", "%s is %d bytes, text diff caps at %d",
			e.Path, e.Size, maxDiffFileBytes)
	}
	data, err := m.st.GetBytes(e.Hash)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// RestoreResult summarizes a restore.
type RestoreResult struct {
	BackupID     string `json:"backup_id,omitempty"`
	FilesWritten int    `json:"files_written"`
	FilesDeleted int    `json:"files_deleted"`
	DirsPruned   int    `json:"dirs_pruned"`
}

// Restore materializes a checkpoint into targetRoot. Every manifest entry
// is written via temp-file + rename; files present in the target but absent
// from the manifest are removed afterwards, ignored paths excepted. With
// createBackup a checkpoint of the target's current state is taken first.
func (m *Manager) Restore(ctx context.Context, id, targetRoot string, createBackup bool) (*RestoreResult, error) {
	cp, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(targetRoot, 0o755); err != nil {
		return nil, faults.Io(err, "target_root", "create target root %s", targetRoot)
	}

	res := &RestoreResult{}
	if createBackup {
		backup, err := m.Create(ctx, targetRoot,
			fmt.Sprintf("pre-restore backup before %s", shortID(id)),
			"warden", []string{"backup"}, "")
		if err != nil {
			return nil, fmt.Errorf("create backup: %w", err)
		}
		res.BackupID = backup.ID
	}

	for _, e := range cp.Manifest.Entries {
		if err := ctx.Err(); err != nil {
			return nil, faults.Cancelled("restore_cancelled", "restore cancelled after %d files", res.FilesWritten)
		}
		if err := m.restoreFile(targetRoot, e); err != nil {
			return nil, err
		}
		res.FilesWritten++
	}

	wanted := cp.Manifest.entryMap()
	existing, err := walkTree(targetRoot, m.opts.Ignore)
	if err != nil {
		return nil, faults.Io(err, "tree_walk", "walk target %s", targetRoot)
	}
	for _, f := range existing {
		if _, keep := wanted[f.rel]; keep {
			continue
		}
		if err := os.Remove(f.abs); err != nil {
			return nil, faults.Io(err, "file_delete", "remove %s", f.rel)
		}
		res.FilesDeleted++
	}

	res.DirsPruned, err = pruneEmptyDirs(targetRoot)
	if err != nil {
		return nil, faults.Io(err, "dir_prune", "prune directories under %s", targetRoot)
	}

	m.metrics.restoreCompleted(res.FilesWritten)
	m.logger.Info("checkpoint %s restored into %s: wrote %d deleted %d pruned %d",
		shortID(id), targetRoot, res.FilesWritten, res.FilesDeleted, res.DirsPruned)
	if m.events != nil {
		m.events.Publish(bus.Event{
			Kind: bus.KindCheckpointRestore,
			Payload: map[string]any{
				"id":            id,
				"target":        targetRoot,
				"files_written": res.FilesWritten,
				"files_deleted": res.FilesDeleted,
				"dirs_pruned":   res.DirsPruned,
				"backup_id":     res.BackupID,
			},
		})
	}
	return res, nil
}

// pruneEmptyDirs removes directories left empty after the sweep, deepest
// first. A non-empty directory fails the Remove and is skipped, so parents
// of surviving or ignored files stay in place. The root itself is kept.
func pruneEmptyDirs(root string) (int, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	// A child path is always longer than its parent's, so longest-first
	// empties nested trees from the leaves up.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	pruned := 0
	for _, dir := range dirs {
		if err := os.Remove(dir); err == nil {
			pruned++
		}
	}
	return pruned, nil
}

func (m *Manager) restoreFile(root string, e Entry) error {
	abs := filepath.Join(root, filepath.FromSlash(e.Path))
	cleanRoot := filepath.Clean(root)
	if abs != cleanRoot && !strings.HasPrefix(abs, cleanRoot+string(os.PathSeparator)) {
		return faults.Invalid("entry_path_escape", "entry %q escapes the target root", e.Path)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return faults.Io(err, "dir_create", "create directory for %s", e.Path)
	}

	rc, err := m.st.Get(e.Hash)
	if err != nil {
		return fmt.Errorf("restore %s: %w", e.Path, err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(abs), ".restore-*")
	if err != nil {
		return faults.Io(err, "temp_create", "create temp for %s", e.Path)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", e.Path, err)
	}
	if err := tmp.Chmod(os.FileMode(e.Mode)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return faults.Io(err, "chmod", "set mode on %s", e.Path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return faults.Io(err, "temp_close", "close temp for %s", e.Path)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return faults.Io(err, "file_commit", "commit %s", e.Path)
	}
	return nil
}

func writeFileSync(path string, data []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
