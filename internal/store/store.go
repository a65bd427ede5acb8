// Package store is the content-addressable blob layer. Blobs are keyed by
// the SHA-256 of their uncompressed bytes, stored zstd-compressed under
// <root>/<aa>/<hash>.zst, and pinned by a crash-safe refcount index that the
// checkpoint manager drives. Partially written blobs are never visible under
// a final name.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"warden/internal/faults"
	"warden/internal/logging"
)

const (
	blobSuffix      = ".zst"
	tempPrefix      = "tmp-"
	refcountsDBName = "refcounts.db"
)

// Options configure a Store.
type Options struct {
	// ZstdLevel is 1..4, fastest to best. Zero means the default (2).
	ZstdLevel int
	// QuotaBytes caps compressed bytes on disk. Zero means unlimited.
	QuotaBytes int64
	// VerifyOnRead recomputes the content hash during Get.
	VerifyOnRead bool
	// TempGrace protects in-flight temp files from the sweep. Zero means
	// one hour.
	TempGrace time.Duration
	Logger    logging.Logger
	Metrics   *Metrics
}

// Store owns every blob under its root directory.
type Store struct {
	dir     string
	opts    Options
	level   zstd.EncoderLevel
	logger  logging.Logger
	metrics *Metrics
	refs    *refcountIndex

	mu        sync.Mutex // guards usedBytes
	usedBytes int64

	// sweepMu serializes Put commits against the sweep phase of GC. Puts
	// hold the read side; only the sweep takes the write side.
	sweepMu sync.RWMutex
}

// Open prepares the directory layout, opens the refcount index and scans the
// current disk usage.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	if opts.TempGrace <= 0 {
		opts.TempGrace = time.Hour
	}

	refs, err := openRefcountIndex(filepath.Join(dir, refcountsDBName))
	if err != nil {
		return nil, fmt.Errorf("open refcount index: %w", err)
	}

	s := &Store{
		dir:     dir,
		opts:    opts,
		level:   encoderLevel(opts.ZstdLevel),
		logger:  logging.OrNop(opts.Logger),
		metrics: opts.Metrics,
		refs:    refs,
	}
	used, blobs, err := s.scanUsage()
	if err != nil {
		refs.close()
		return nil, fmt.Errorf("scan store usage: %w", err)
	}
	s.usedBytes = used
	if s.metrics != nil {
		s.metrics.setUsage(blobs, used)
	}
	s.logger.Debug("store opened: %d blobs, %d bytes", blobs, used)
	return s, nil
}

// Close releases the refcount index.
func (s *Store) Close() error {
	return s.refs.close()
}

func encoderLevel(level int) zstd.EncoderLevel {
	switch level {
	case 1:
		return zstd.SpeedFastest
	case 3:
		return zstd.SpeedBetterCompression
	case 4:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

func (s *Store) blobPath(h Hash) string {
	return filepath.Join(s.dir, h.shard(), string(h)+blobSuffix)
}

// Put streams r into the store and returns the content hash and the
// uncompressed size. Writing an already present blob is a no-op beyond
// hashing. Put never touches refcounts.
func (s *Store) Put(r io.Reader) (Hash, int64, error) {
	if err := s.checkQuota(0); err != nil {
		return "", 0, err
	}

	tmp, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return "", 0, faults.Io(err, "blob_temp", "create temp blob")
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	hasher := sha256.New()
	enc, err := zstd.NewWriter(tmp,
		zstd.WithEncoderLevel(s.level),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		cleanup()
		return "", 0, fmt.Errorf("create zstd encoder: %w", err)
	}

	size, err := io.Copy(enc, io.TeeReader(r, hasher))
	if err != nil {
		enc.Close()
		cleanup()
		return "", 0, faults.Io(err, "blob_write", "write blob")
	}
	if err := enc.Close(); err != nil {
		cleanup()
		return "", 0, faults.Io(err, "blob_flush", "flush blob")
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", 0, faults.Io(err, "blob_sync", "sync blob")
	}
	info, err := tmp.Stat()
	if err != nil {
		cleanup()
		return "", 0, faults.Io(err, "blob_stat", "stat temp blob")
	}
	compressed := info.Size()
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", 0, faults.Io(err, "blob_close", "close temp blob")
	}

	h := Hash(hex.EncodeToString(hasher.Sum(nil)))
	final := s.blobPath(h)

	s.sweepMu.RLock()
	defer s.sweepMu.RUnlock()

	// Dedup: identical content is already committed under its final name.
	if _, err := os.Stat(final); err == nil {
		os.Remove(tmpPath)
		if s.metrics != nil {
			s.metrics.putDedup()
		}
		return h, size, nil
	}

	if err := s.checkQuota(compressed); err != nil {
		os.Remove(tmpPath)
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		os.Remove(tmpPath)
		return "", 0, faults.Io(err, "blob_shard", "create shard directory")
	}
	// Concurrent puts of the same content race benignly here: the rename
	// target is byte-identical, last writer wins.
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return "", 0, faults.Io(err, "blob_commit", "commit blob")
	}

	s.mu.Lock()
	s.usedBytes += compressed
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.putCommitted(size, compressed)
	}
	return h, size, nil
}

func (s *Store) checkQuota(incoming int64) error {
	if s.opts.QuotaBytes <= 0 {
		return nil
	}
	s.mu.Lock()
	used := s.usedBytes
	s.mu.Unlock()
	if used+incoming > s.opts.QuotaBytes {
		return faults.QuotaExceeded("capacity_exceeded",
			"store quota exceeded: %d used + %d incoming > %d", used, incoming, s.opts.QuotaBytes)
	}
	return nil
}

// Get returns a streaming reader of the uncompressed blob. With VerifyOnRead
// the stream fails with a corrupt fault at EOF when the bytes do not hash to
// h.
func (s *Store) Get(h Hash) (io.ReadCloser, error) {
	f, err := os.Open(s.blobPath(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, faults.NotFound("blob_not_found", "blob %s not found", h.Short())
		}
		return nil, faults.Io(err, "blob_open", "open blob %s", h.Short())
	}
	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		f.Close()
		return nil, faults.Io(err, "blob_decoder", "open decoder for %s", h.Short())
	}
	if s.metrics != nil {
		s.metrics.get()
	}
	rc := &blobReader{dec: dec, file: f}
	if !s.opts.VerifyOnRead {
		return rc, nil
	}
	return &verifyingReader{inner: rc, want: h, hasher: sha256.New()}, nil
}

// GetBytes is Get for small blobs.
func (s *Store) GetBytes(h Hash) ([]byte, error) {
	rc, err := s.Get(h)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Has reports whether the blob exists on disk.
func (s *Store) Has(h Hash) bool {
	_, err := os.Stat(s.blobPath(h))
	return err == nil
}

// Verify reads the whole blob and checks its content hash. Used by GC mark
// verification and restore when VerifyOnRead is off.
func (s *Store) Verify(h Hash) error {
	f, err := os.Open(s.blobPath(h))
	if err != nil {
		if os.IsNotExist(err) {
			return faults.NotFound("blob_not_found", "blob %s not found", h.Short())
		}
		return faults.Io(err, "blob_open", "open blob %s", h.Short())
	}
	defer f.Close()
	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return faults.Io(err, "blob_decoder", "open decoder for %s", h.Short())
	}
	defer dec.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, dec); err != nil {
		return faults.Corrupt("blob_undecodable", "blob %s: %v", h.Short(), err)
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != string(h) {
		return faults.Corrupt("blob_hash_mismatch", "blob %s decompresses to %s", h.Short(), got[:12])
	}
	return nil
}

// Link records that checkpointID holds each of the given blobs. Idempotent
// per (checkpoint, hash) pair; the whole batch commits or none of it does.
func (s *Store) Link(checkpointID string, hashes ...Hash) error {
	return s.refs.linkAll(checkpointID, hashes)
}

// Unlink releases checkpointID's hold on the given blobs.
func (s *Store) Unlink(checkpointID string, hashes ...Hash) error {
	return s.refs.unlinkAll(checkpointID, hashes)
}

// UnlinkHolder drops every hold of checkpointID, covering abort paths where
// the caller no longer knows which links landed.
func (s *Store) UnlinkHolder(checkpointID string) error {
	return s.refs.unlinkHolder(checkpointID)
}

// Refcount reports how many checkpoints hold h.
func (s *Store) Refcount(h Hash) (int, error) {
	return s.refs.count(h)
}

// BlobSize reports the compressed on-disk size of h.
func (s *Store) BlobSize(h Hash) (int64, error) {
	info, err := os.Stat(s.blobPath(h))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, faults.NotFound("blob_not_found", "blob %s not found", h.Short())
		}
		return 0, faults.Io(err, "blob_stat", "stat blob %s", h.Short())
	}
	return info.Size(), nil
}

// UsedBytes reports the compressed bytes currently committed.
func (s *Store) UsedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedBytes
}

func (s *Store) scanUsage() (bytes int64, blobs int, err error) {
	err = filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), blobSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		bytes += info.Size()
		blobs++
		return nil
	})
	return bytes, blobs, err
}

type blobReader struct {
	dec  *zstd.Decoder
	file *os.File
}

func (r *blobReader) Read(p []byte) (int, error) {
	return r.dec.Read(p)
}

func (r *blobReader) Close() error {
	r.dec.Close()
	return r.file.Close()
}

type verifyingReader struct {
	inner  io.ReadCloser
	want   Hash
	hasher hash.Hash
	failed bool
}

func (r *verifyingReader) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	if n > 0 {
		r.hasher.Write(p[:n])
	}
	if err == io.EOF && !r.failed {
		if got := hex.EncodeToString(r.hasher.Sum(nil)); got != string(r.want) {
			r.failed = true
			return n, faults.Corrupt("blob_hash_mismatch",
				"blob %s decompresses to %s", r.want.Short(), got[:12])
		}
	}
	return n, err
}

func (r *verifyingReader) Close() error {
	return r.inner.Close()
}

// tempName is only used in tests to fabricate an interrupted put.
func tempName() string {
	return fmt.Sprintf("%s%d-%04d", tempPrefix, time.Now().UnixNano(), rand.Intn(10000))
}
