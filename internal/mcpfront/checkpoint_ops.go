package mcpfront

import (
	"context"
	"time"

	"warden/internal/checkpoint"
	"warden/internal/faults"
)

// CreateCheckpointInput snapshots either an explicit root or the working
// tree of a session. Exactly one of root and session_id must be set.
type CreateCheckpointInput struct {
	SessionID string   `json:"session_id,omitempty" jsonschema:"checkpoint this session's working tree"`
	Root      string   `json:"root,omitempty" jsonschema:"absolute path of the tree to checkpoint"`
	Message   string   `json:"message,omitempty" jsonschema:"commit message"`
	Author    string   `json:"author,omitempty" jsonschema:"author recorded in the manifest"`
	Tags      []string `json:"tags,omitempty" jsonschema:"free-form tags"`
	Parent    string   `json:"parent,omitempty" jsonschema:"parent checkpoint id; defaults to the session's parent when checkpointing a session"`
}

// CheckpointSummary is the listing shape: manifest metadata without the
// per-file entries.
type CheckpointSummary struct {
	ID         string    `json:"id"`
	Parent     string    `json:"parent,omitempty"`
	Author     string    `json:"author,omitempty"`
	Message    string    `json:"message,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Files      int       `json:"files"`
	TotalBytes int64     `json:"total_bytes"`
}

func summarize(cp checkpoint.Checkpoint) CheckpointSummary {
	sum := CheckpointSummary{
		ID:        cp.ID,
		Parent:    cp.Manifest.Parent,
		Author:    cp.Manifest.Author,
		Message:   cp.Manifest.Message,
		Tags:      cp.Manifest.Tags,
		CreatedAt: cp.Manifest.CreatedAt,
		Files:     len(cp.Manifest.Entries),
	}
	for _, e := range cp.Manifest.Entries {
		sum.TotalBytes += e.Size
	}
	return sum
}

func (f *Frontend) checkpointManager() (*checkpoint.Manager, error) {
	if f.checkpoints == nil {
		return nil, faults.Invalid("checkpoints_disabled", "checkpoint manager is not configured")
	}
	return f.checkpoints, nil
}

// CreateCheckpoint snapshots a tree into the content store.
func (f *Frontend) CreateCheckpoint(ctx context.Context, in CreateCheckpointInput) (CheckpointSummary, error) {
	return run(ctx, f, "checkpoint_create", func(ctx context.Context) (CheckpointSummary, error) {
		cm, err := f.checkpointManager()
		if err != nil {
			return CheckpointSummary{}, err
		}
		root, parent := in.Root, in.Parent
		switch {
		case in.SessionID != "" && in.Root != "":
			return CheckpointSummary{}, faults.Invalid("checkpoint_root_ambiguous",
				"set either session_id or root, not both")
		case in.SessionID != "":
			snap, err := f.sessions.Get(in.SessionID)
			if err != nil {
				return CheckpointSummary{}, err
			}
			if snap.WorkDir == "" {
				return CheckpointSummary{}, faults.Invalid("session_no_worktree",
					"session %s has no working tree to checkpoint", in.SessionID)
			}
			root = snap.WorkDir
			if parent == "" {
				parent = snap.ParentCheckpoint
			}
		case in.Root == "":
			return CheckpointSummary{}, faults.Invalid("checkpoint_root_missing",
				"one of session_id or root is required")
		}
		cp, err := cm.Create(ctx, root, in.Message, in.Author, in.Tags, parent)
		if err != nil {
			return CheckpointSummary{}, err
		}
		return summarize(*cp), nil
	})
}

// ListCheckpointsInput narrows the checkpoint listing.
type ListCheckpointsInput struct {
	Tag    string `json:"tag,omitempty" jsonschema:"only checkpoints carrying this tag"`
	Author string `json:"author,omitempty" jsonschema:"only checkpoints by this author"`
	Limit  int    `json:"limit,omitempty" jsonschema:"cap on returned checkpoints, newest first"`
}

// ListCheckpoints returns checkpoint summaries newest first.
func (f *Frontend) ListCheckpoints(ctx context.Context, in ListCheckpointsInput) ([]CheckpointSummary, error) {
	return run(ctx, f, "checkpoint_list", func(ctx context.Context) ([]CheckpointSummary, error) {
		cm, err := f.checkpointManager()
		if err != nil {
			return nil, err
		}
		cps, err := cm.List(checkpoint.ListFilter{Tag: in.Tag, Author: in.Author, Limit: in.Limit})
		if err != nil {
			return nil, err
		}
		out := make([]CheckpointSummary, 0, len(cps))
		for _, cp := range cps {
			out = append(out, summarize(cp))
		}
		return out, nil
	})
}

// GetCheckpointInput names one checkpoint.
type GetCheckpointInput struct {
	ID string `json:"id" jsonschema:"checkpoint id"`
}

// GetCheckpoint returns the full manifest.
func (f *Frontend) GetCheckpoint(ctx context.Context, in GetCheckpointInput) (*checkpoint.Checkpoint, error) {
	return run(ctx, f, "checkpoint_get", func(ctx context.Context) (*checkpoint.Checkpoint, error) {
		cm, err := f.checkpointManager()
		if err != nil {
			return nil, err
		}
		return cm.Get(in.ID)
	})
}

// RestoreCheckpointInput materializes a checkpoint into a directory.
type RestoreCheckpointInput struct {
	ID     string `json:"id" jsonschema:"checkpoint id to restore"`
	Target string `json:"target" jsonschema:"directory to restore into"`
	Backup bool   `json:"backup,omitempty" jsonschema:"checkpoint the target first and report the backup id"`
}

// RestoreCheckpoint writes a checkpoint's tree over the target directory.
func (f *Frontend) RestoreCheckpoint(ctx context.Context, in RestoreCheckpointInput) (*checkpoint.RestoreResult, error) {
	return run(ctx, f, "checkpoint_restore", func(ctx context.Context) (*checkpoint.RestoreResult, error) {
		cm, err := f.checkpointManager()
		if err != nil {
			return nil, err
		}
		if in.Target == "" {
			return nil, faults.Invalid("restore_target_missing", "target directory is required")
		}
		return cm.Restore(ctx, in.ID, in.Target, in.Backup)
	})
}

// DiffCheckpointsInput compares two checkpoints, optionally one file deep.
type DiffCheckpointsInput struct {
	A    string `json:"a" jsonschema:"first checkpoint id"`
	B    string `json:"b" jsonschema:"second checkpoint id"`
	Path string `json:"path,omitempty" jsonschema:"when set, return a unified text patch for this path"`
}

// DiffOutput carries either the entry-level lists or a single-file patch.
type DiffOutput struct {
	Added    []string `json:"added,omitempty"`
	Removed  []string `json:"removed,omitempty"`
	Modified []string `json:"modified,omitempty"`
	Patch    string   `json:"patch,omitempty"`
}

// DiffCheckpoints compares two manifests.
func (f *Frontend) DiffCheckpoints(ctx context.Context, in DiffCheckpointsInput) (DiffOutput, error) {
	return run(ctx, f, "checkpoint_diff", func(ctx context.Context) (DiffOutput, error) {
		cm, err := f.checkpointManager()
		if err != nil {
			return DiffOutput{}, err
		}
		if in.Path != "" {
			patch, err := cm.DiffFile(in.A, in.B, in.Path)
			if err != nil {
				return DiffOutput{}, err
			}
			return DiffOutput{Patch: patch}, nil
		}
		res, err := cm.Diff(in.A, in.B)
		if err != nil {
			return DiffOutput{}, err
		}
		return DiffOutput{Added: res.Added, Removed: res.Removed, Modified: res.Modified}, nil
	})
}

// RefInput names a ref and its target.
type RefInput struct {
	Name string `json:"name" jsonschema:"ref name"`
	ID   string `json:"id,omitempty" jsonschema:"checkpoint id the ref points at"`
}

// CreateRef points a named ref at a checkpoint. Refs are the GC roots.
func (f *Frontend) CreateRef(ctx context.Context, in RefInput) (checkpoint.Ref, error) {
	return run(ctx, f, "ref_create", func(ctx context.Context) (checkpoint.Ref, error) {
		cm, err := f.checkpointManager()
		if err != nil {
			return checkpoint.Ref{}, err
		}
		if err := cm.CreateRef(in.Name, in.ID); err != nil {
			return checkpoint.Ref{}, err
		}
		return checkpoint.Ref{Name: in.Name, ID: in.ID}, nil
	})
}

// ListRefs returns all refs.
func (f *Frontend) ListRefs(ctx context.Context) ([]checkpoint.Ref, error) {
	return run(ctx, f, "ref_list", func(ctx context.Context) ([]checkpoint.Ref, error) {
		cm, err := f.checkpointManager()
		if err != nil {
			return nil, err
		}
		return cm.ListRefs()
	})
}

// DeleteRefInput names the ref to drop.
type DeleteRefInput struct {
	Name string `json:"name" jsonschema:"ref name to delete"`
}

// DeleteRef removes a ref, releasing its checkpoints for collection.
func (f *Frontend) DeleteRef(ctx context.Context, in DeleteRefInput) (checkpoint.Ref, error) {
	return run(ctx, f, "ref_delete", func(ctx context.Context) (checkpoint.Ref, error) {
		cm, err := f.checkpointManager()
		if err != nil {
			return checkpoint.Ref{}, err
		}
		if err := cm.DeleteRef(in.Name); err != nil {
			return checkpoint.Ref{}, err
		}
		return checkpoint.Ref{Name: in.Name}, nil
	})
}

// GCInput selects preview or real collection.
type GCInput struct {
	DryRun bool `json:"dry_run,omitempty" jsonschema:"report what would be removed without removing it"`
}

// RunGC collects unreferenced checkpoints and store blobs.
func (f *Frontend) RunGC(ctx context.Context, in GCInput) (checkpoint.GCReport, error) {
	return run(ctx, f, "gc", func(ctx context.Context) (checkpoint.GCReport, error) {
		cm, err := f.checkpointManager()
		if err != nil {
			return checkpoint.GCReport{}, err
		}
		return cm.GC(ctx, in.DryRun)
	})
}
