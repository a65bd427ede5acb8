package store

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"warden/internal/faults"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, Options{})
	content := []byte(`{"hello":"world","n":42}`)

	h, size, err := s.Put(bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if size != int64(len(content)) {
		t.Errorf("Put() size = %d, want %d", size, len(content))
	}
	if h != HashBytes(content) {
		t.Errorf("Put() hash = %s, want %s", h, HashBytes(content))
	}
	if !s.Has(h) {
		t.Errorf("Has(%s) = false after Put", h.Short())
	}

	got, err := s.GetBytes(h)
	if err != nil {
		t.Fatalf("GetBytes() error = %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("GetBytes() = %q, want %q", got, content)
	}
}

func TestPutStoresCompressedShardedLayout(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, Options{})
	content := bytes.Repeat([]byte("compressible line of text\n"), 1000)

	h, _, err := s.Put(bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	path := filepath.Join(s.dir, string(h[:2]), string(h)+".zst")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("blob not at sharded path: %v", err)
	}
	if info.Size() >= int64(len(content)) {
		t.Errorf("blob size %d not compressed below %d", info.Size(), len(content))
	}
	if s.UsedBytes() != info.Size() {
		t.Errorf("UsedBytes() = %d, want %d", s.UsedBytes(), info.Size())
	}
}

func TestPutIdempotent(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, Options{})
	content := []byte("same bytes")

	h1, _, err := s.Put(bytes.NewReader(content))
	if err != nil {
		t.Fatalf("first Put() error = %v", err)
	}
	used := s.UsedBytes()

	h2, _, err := s.Put(bytes.NewReader(content))
	if err != nil {
		t.Fatalf("second Put() error = %v", err)
	}
	if h1 != h2 {
		t.Errorf("hashes differ: %s vs %s", h1, h2)
	}
	if s.UsedBytes() != used {
		t.Errorf("dedup changed usage: %d -> %d", used, s.UsedBytes())
	}
	// No stray temp files.
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tempPrefix) {
			t.Errorf("temp file %s left behind", e.Name())
		}
	}
}

func TestGetMissingBlob(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, Options{})
	_, err := s.Get(HashBytes([]byte("never stored")))
	if !faults.IsKind(err, faults.KindNotFound) {
		t.Fatalf("Get() error = %v, want NotFound", err)
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, Options{})
	content := []byte("precious data")
	h, _, err := s.Put(bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Verify(h); err != nil {
		t.Fatalf("Verify() on intact blob error = %v", err)
	}

	// Overwrite the blob with different (validly compressed) content.
	other := []byte("tampered data!")
	h2, _, err := s.Put(bytes.NewReader(other))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	data, err := os.ReadFile(s.blobPath(h2))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if err := os.WriteFile(s.blobPath(h), data, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if err := s.Verify(h); !faults.IsKind(err, faults.KindCorrupt) {
		t.Fatalf("Verify() error = %v, want Corrupt", err)
	}
}

func TestVerifyOnReadFailsStream(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, Options{VerifyOnRead: true})
	content := []byte("guarded read")
	h, _, err := s.Put(bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// Swap in a blob of different content under h's name.
	other := []byte("not the same")
	h2, _, err := s.Put(bytes.NewReader(other))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	data, _ := os.ReadFile(s.blobPath(h2))
	if err := os.WriteFile(s.blobPath(h), data, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	rc, err := s.Get(h)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer rc.Close()
	_, err = io.ReadAll(rc)
	if !faults.IsKind(err, faults.KindCorrupt) {
		t.Fatalf("ReadAll() error = %v, want Corrupt", err)
	}
}

func TestQuotaExceeded(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, Options{QuotaBytes: 64})
	big := bytes.Repeat([]byte{0xA5}, 4096) // incompressible-ish

	_, _, err := s.Put(bytes.NewReader(big))
	if !faults.IsKind(err, faults.KindQuotaExceeded) {
		t.Fatalf("Put() error = %v, want QuotaExceeded", err)
	}
	// The failed put must not leave temp files.
	entries, _ := os.ReadDir(s.dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tempPrefix) {
			t.Errorf("temp file %s left after quota failure", e.Name())
		}
	}
}

func TestLinkUnlinkRefcount(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, Options{})
	h, _, err := s.Put(bytes.NewReader([]byte("shared blob")))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if err := s.Link("cp1", h); err != nil {
		t.Fatalf("Link(cp1) error = %v", err)
	}
	if err := s.Link("cp2", h); err != nil {
		t.Fatalf("Link(cp2) error = %v", err)
	}
	// Idempotent relink.
	if err := s.Link("cp1", h); err != nil {
		t.Fatalf("relink error = %v", err)
	}

	if n, err := s.Refcount(h); err != nil || n != 2 {
		t.Fatalf("Refcount() = %d, %v, want 2", n, err)
	}
	if err := s.Unlink("cp1", h); err != nil {
		t.Fatalf("Unlink() error = %v", err)
	}
	if n, _ := s.Refcount(h); n != 1 {
		t.Fatalf("Refcount() after unlink = %d, want 1", n)
	}
	if err := s.UnlinkHolder("cp2"); err != nil {
		t.Fatalf("UnlinkHolder() error = %v", err)
	}
	if n, _ := s.Refcount(h); n != 0 {
		t.Fatalf("Refcount() after holder unlink = %d, want 0", n)
	}
}

func TestRefcountsSurviveReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	h, _, err := s.Put(bytes.NewReader([]byte("durable")))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Link("cp1", h); err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s2.Close()
	if n, err := s2.Refcount(h); err != nil || n != 1 {
		t.Fatalf("Refcount() after reopen = %d, %v, want 1", n, err)
	}
	if s2.UsedBytes() == 0 {
		t.Errorf("UsedBytes() = 0 after reopen, want rescan > 0")
	}
}

func TestParseHash(t *testing.T) {
	t.Parallel()

	valid := string(HashBytes([]byte("x")))
	if _, err := ParseHash(valid); err != nil {
		t.Errorf("ParseHash(valid) error = %v", err)
	}
	for _, bad := range []string{"", "abc", strings.Repeat("z", 64)} {
		if _, err := ParseHash(bad); err == nil {
			t.Errorf("ParseHash(%q) accepted", bad)
		}
	}
}

func TestConcurrentPutSameContent(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, Options{})
	content := bytes.Repeat([]byte("racing"), 512)

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, _, err := s.Put(bytes.NewReader(content))
			errs <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent Put() error = %v", err)
		}
	}
	if !s.Has(HashBytes(content)) {
		t.Fatal("blob missing after concurrent puts")
	}
}

func TestGetBytesWrapsStreamErrors(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, Options{})
	h, _, err := s.Put(bytes.NewReader([]byte("will truncate")))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	// Truncate the stored frame so decompression fails.
	if err := os.Truncate(s.blobPath(h), 4); err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}
	_, err = s.GetBytes(h)
	if err == nil {
		t.Fatal("GetBytes() on truncated blob succeeded")
	}
	var fe *faults.Error
	if errors.As(err, &fe) && fe.Kind == faults.KindNotFound {
		t.Fatalf("GetBytes() error kind = NotFound, want decode failure")
	}
}
