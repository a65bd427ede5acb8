package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"warden/internal/logging"
)

const (
	defaultMaxLineLen = 1 << 20
	defaultCapacity   = 256
	defaultStderrSize = 64 << 10

	// readChunkSize bounds a single ReadSlice call, not a line.
	readChunkSize = 64 * 1024

	// detailPrefixLen is how much of an offending line a decode-error
	// record carries.
	detailPrefixLen = 256
)

// Config controls one session's stream reader.
type Config struct {
	SessionID  string
	MaxLineLen int
	Capacity   int
	StderrSize int
	Logger     logging.Logger
}

// Reader turns a child's line-delimited JSON stdout into an ordered record
// stream. Sends on the output channel block when the consumer lags, which
// stops the read loop and lets the child's stdout pipe fill: backpressure
// propagates to the child instead of dropping records.
//
// Lifecycle: Run and CaptureStderr block until their pipe closes. After both
// return, the owner calls Finalize exactly once to emit the terminal meta
// record and close the channel, or Abort to tear down without one.
type Reader struct {
	cfg    Config
	logger logging.Logger
	out    chan Record
	stderr *RingBuffer

	pumps sync.WaitGroup

	abort     chan struct{}
	abortOnce sync.Once
	closeOnce sync.Once

	// emitMu keeps sequence assignment and channel send one step: Run and
	// CaptureStderr emit from separate goroutines, and without it a record
	// could overtake a lower-numbered one between Add and send.
	emitMu  sync.Mutex
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// NewReader builds a Reader, applying defaults for unset limits.
func NewReader(cfg Config) *Reader {
	if cfg.MaxLineLen <= 0 {
		cfg.MaxLineLen = defaultMaxLineLen
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.StderrSize <= 0 {
		cfg.StderrSize = defaultStderrSize
	}
	return &Reader{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logging.OrNop(cfg.Logger), "stream"),
		out:    make(chan Record, cfg.Capacity),
		stderr: NewRingBuffer(cfg.StderrSize),
		abort:  make(chan struct{}),
	}
}

// Records returns the consumer side of the stream. The channel is closed by
// Finalize or Abort, never by the producer loops.
func (r *Reader) Records() <-chan Record {
	return r.out
}

// Seq returns the number of records emitted so far.
func (r *Reader) Seq() uint64 {
	return r.seq.Load()
}

// Dropped returns the number of records discarded by Abort. It stays zero
// for any stream that was drained and finalized normally.
func (r *Reader) Dropped() uint64 {
	return r.dropped.Load()
}

// StderrTail returns the newest captured stderr bytes.
func (r *Reader) StderrTail() string {
	return r.stderr.String()
}

// Run reads stdout line by line until EOF, a read error, or ctx
// cancellation. Lines over MaxLineLen and lines that are not valid JSON each
// produce a decode-error meta record; the stream continues past them. The
// returned error is nil on clean EOF.
func (r *Reader) Run(ctx context.Context, stdout io.Reader) error {
	r.pumps.Add(1)
	defer r.pumps.Done()

	br := bufio.NewReaderSize(stdout, readChunkSize)
	var (
		line     []byte
		lineLen  int
		overflow bool
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			lineLen += len(chunk)
			if !overflow && lineLen > r.cfg.MaxLineLen {
				overflow = true
				if len(line) > detailPrefixLen {
					line = line[:detailPrefixLen]
				}
			}
			if !overflow {
				line = append(line, chunk...)
			} else if len(line) < detailPrefixLen {
				line = append(line, chunk[:min(len(chunk), detailPrefixLen-len(line))]...)
			}
		}
		switch {
		case err == nil:
			if !r.handleLine(line, lineLen, overflow) {
				return errAborted
			}
			line, lineLen, overflow = line[:0], 0, false
		case errors.Is(err, bufio.ErrBufferFull):
			// Mid-line; keep accumulating.
		case errors.Is(err, io.EOF):
			if lineLen > 0 {
				if !r.handleLine(line, lineLen, overflow) {
					return errAborted
				}
			}
			return nil
		default:
			return fmt.Errorf("read stdout: %w", err)
		}
	}
}

var errAborted = errors.New("stream aborted")

// handleLine emits one record for a complete line. Returns false when the
// reader has been aborted.
func (r *Reader) handleLine(line []byte, lineLen int, overflow bool) bool {
	if overflow {
		r.logger.Warn("session %s: line of %d bytes exceeds limit %d, emitting decode-error",
			r.cfg.SessionID, lineLen, r.cfg.MaxLineLen)
		return r.emit(SourceMeta, nil, &MetaInfo{
			Reason: ReasonDecodeError,
			Detail: truncateDetail(line),
		})
	}
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return true
	}
	if !json.Valid(trimmed) {
		r.logger.Debug("session %s: invalid JSON line, emitting decode-error", r.cfg.SessionID)
		return r.emit(SourceMeta, nil, &MetaInfo{
			Reason: ReasonDecodeError,
			Detail: truncateDetail(trimmed),
		})
	}
	value := make(json.RawMessage, len(trimmed))
	copy(value, trimmed)
	return r.emit(SourceStdout, value, nil)
}

// CaptureStderr drains the child's stderr into the ring buffer until EOF.
// If anything was captured, one stderr meta record is emitted so consumers
// see diagnostics without waiting for the terminal record.
func (r *Reader) CaptureStderr(stderr io.Reader) {
	r.pumps.Add(1)
	defer r.pumps.Done()

	if _, err := io.Copy(r.stderr, stderr); err != nil {
		r.logger.Debug("session %s: stderr capture ended: %v", r.cfg.SessionID, err)
	}
	tail := r.stderr.String()
	if tail == "" {
		return
	}
	r.emit(SourceMeta, nil, &MetaInfo{
		Reason:     ReasonStderr,
		StderrTail: tail,
	})
}

// Finalize emits the single terminal meta record and closes the stream. It
// waits for Run and CaptureStderr to return first, so it must only be called
// once their pipes are closed. Calling it more than once is a no-op.
func (r *Reader) Finalize(reason string, exitCode *int, detail string) {
	r.pumps.Wait()
	r.closeOnce.Do(func() {
		meta := &MetaInfo{
			Reason:   reason,
			Terminal: true,
			Detail:   detail,
			ExitCode: exitCode,
		}
		if tail := r.stderr.String(); tail != "" {
			meta.StderrTail = tail
		}
		r.emit(SourceMeta, nil, meta)
		close(r.out)
		r.logger.Debug("session %s: stream closed, reason=%s records=%d",
			r.cfg.SessionID, reason, r.seq.Load())
	})
}

// Abort tears the stream down without a terminal record. Blocked senders are
// released and their records counted as dropped. Only the shutdown path uses
// this; normal termination goes through Finalize.
func (r *Reader) Abort() {
	r.abortOnce.Do(func() {
		close(r.abort)
	})
	r.pumps.Wait()
	r.closeOnce.Do(func() {
		close(r.out)
	})
}

func (r *Reader) emit(source Source, value json.RawMessage, meta *MetaInfo) bool {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	rec := Record{
		SessionID: r.cfg.SessionID,
		Seq:       r.seq.Add(1),
		Source:    source,
		At:        time.Now(),
		Value:     value,
		Meta:      meta,
	}
	select {
	case r.out <- rec:
		return true
	case <-r.abort:
		r.dropped.Add(1)
		return false
	}
}

func truncateDetail(line []byte) string {
	if len(line) > detailPrefixLen {
		line = line[:detailPrefixLen]
	}
	return string(line)
}
