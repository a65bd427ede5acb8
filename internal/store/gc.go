package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MarkFunc produces the set of blob hashes reachable from the GC roots. The
// checkpoint manager supplies it; the store itself knows nothing about
// manifests.
type MarkFunc func(ctx context.Context) (map[Hash]struct{}, error)

// GCResult summarizes one collection.
type GCResult struct {
	DryRun        bool  `json:"dry_run"`
	BlobsRemoved  int   `json:"blobs_removed"`
	BytesFreed    int64 `json:"bytes_freed"`
	TempsRemoved  int   `json:"temps_removed"`
	BlobsRetained int   `json:"blobs_retained"`
}

// GC is a two-phase mark and sweep. Mark runs without blocking writers;
// sweep takes the exclusive side of the put lock. A blob survives when it is
// marked or still refcounted. Callers must not run GC concurrently with a
// checkpoint commit: between a blob's put and its link it is unprotected,
// so the checkpoint manager serializes the two.
func (s *Store) GC(ctx context.Context, dryRun bool, mark MarkFunc) (GCResult, error) {
	start := time.Now()
	result := GCResult{DryRun: dryRun}

	marked := map[Hash]struct{}{}
	if mark != nil {
		var err error
		marked, err = mark(ctx)
		if err != nil {
			return result, fmt.Errorf("mark phase: %w", err)
		}
	}
	refd, err := s.refs.referenced()
	if err != nil {
		return result, fmt.Errorf("load refcounts: %w", err)
	}

	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	cutoff := start.Add(-s.opts.TempGrace)
	var freed int64

	err = filepath.WalkDir(s.dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()

		if strings.HasPrefix(name, tempPrefix) {
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if info.ModTime().Before(cutoff) {
				if !dryRun {
					os.Remove(path)
				}
				result.TempsRemoved++
			}
			return nil
		}

		if !strings.HasSuffix(name, blobSuffix) {
			return nil
		}
		h := Hash(strings.TrimSuffix(name, blobSuffix))
		if _, ok := marked[h]; ok {
			result.BlobsRetained++
			return nil
		}
		if _, ok := refd[h]; ok {
			result.BlobsRetained++
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if !dryRun {
			if err := os.Remove(path); err != nil {
				s.logger.Warn("sweep: remove %s: %v", h.Short(), err)
				return nil
			}
		}
		result.BlobsRemoved++
		freed += info.Size()
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("sweep phase: %w", err)
	}

	result.BytesFreed = freed
	if !dryRun {
		s.mu.Lock()
		s.usedBytes -= freed
		if s.usedBytes < 0 {
			s.usedBytes = 0
		}
		s.mu.Unlock()
	}
	if s.metrics != nil {
		s.metrics.gcCompleted(result, time.Since(start))
	}
	s.logger.Info("gc: removed %d blobs (%d bytes), %d temps, retained %d, dry_run=%v in %s",
		result.BlobsRemoved, result.BytesFreed, result.TempsRemoved,
		result.BlobsRetained, dryRun, time.Since(start).Round(time.Millisecond))
	return result, nil
}
