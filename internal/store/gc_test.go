package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGCSweepsUnreferencedBlobs(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, Options{})
	ctx := context.Background()

	kept, _, err := s.Put(bytes.NewReader([]byte("kept: referenced")))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Link("cp1", kept); err != nil {
		t.Fatalf("Link() error = %v", err)
	}

	marked, _, err := s.Put(bytes.NewReader([]byte("kept: marked root")))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	doomed, _, err := s.Put(bytes.NewReader([]byte("doomed: orphan")))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	res, err := s.GC(ctx, false, func(context.Context) (map[Hash]struct{}, error) {
		return map[Hash]struct{}{marked: {}}, nil
	})
	if err != nil {
		t.Fatalf("GC() error = %v", err)
	}
	if res.BlobsRemoved != 1 {
		t.Errorf("BlobsRemoved = %d, want 1", res.BlobsRemoved)
	}
	if res.BytesFreed <= 0 {
		t.Errorf("BytesFreed = %d, want > 0", res.BytesFreed)
	}
	if res.BlobsRetained != 2 {
		t.Errorf("BlobsRetained = %d, want 2", res.BlobsRetained)
	}
	if !s.Has(kept) || !s.Has(marked) {
		t.Error("referenced or marked blob swept")
	}
	if s.Has(doomed) {
		t.Error("orphan blob survived")
	}
}

func TestGCDryRunRemovesNothing(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, Options{})
	orphan, _, err := s.Put(bytes.NewReader([]byte("orphan")))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	res, err := s.GC(context.Background(), true, nil)
	if err != nil {
		t.Fatalf("GC() error = %v", err)
	}
	if res.BlobsRemoved != 1 || !res.DryRun {
		t.Errorf("dry run result = %+v", res)
	}
	if !s.Has(orphan) {
		t.Error("dry run deleted a blob")
	}
}

func TestGCRemovesStaleTempsOnly(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, Options{TempGrace: time.Hour})

	stale := filepath.Join(s.dir, tempName())
	if err := os.WriteFile(stale, []byte("interrupted put"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	fresh := filepath.Join(s.dir, tempName())
	if err := os.WriteFile(fresh, []byte("in-flight put"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	res, err := s.GC(context.Background(), false, nil)
	if err != nil {
		t.Fatalf("GC() error = %v", err)
	}
	if res.TempsRemoved != 1 {
		t.Errorf("TempsRemoved = %d, want 1", res.TempsRemoved)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale temp survived")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh temp was removed inside grace")
	}
}

func TestGCUpdatesUsedBytes(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, Options{})
	if _, _, err := s.Put(bytes.NewReader(bytes.Repeat([]byte("x"), 10000))); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	before := s.UsedBytes()
	if before <= 0 {
		t.Fatalf("UsedBytes() = %d before GC", before)
	}

	res, err := s.GC(context.Background(), false, nil)
	if err != nil {
		t.Fatalf("GC() error = %v", err)
	}
	if got := s.UsedBytes(); got != before-res.BytesFreed {
		t.Errorf("UsedBytes() = %d, want %d", got, before-res.BytesFreed)
	}
}
