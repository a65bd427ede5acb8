package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

// Source identifies which child stream a record came from.
type Source string

const (
	SourceStdout Source = "stdout"
	SourceStderr Source = "stderr"
	SourceMeta   Source = "meta"
)

// Meta record reasons. Terminal records carry exactly one of ReasonEOF,
// ReasonDecodeError, ReasonCancelled, or an exit reason from ExitReason.
const (
	ReasonEOF         = "eof"
	ReasonDecodeError = "decode-error"
	ReasonCancelled   = "cancelled"
	ReasonStderr      = "stderr"
)

// ExitReason formats the terminal reason for a child that exited with a code.
func ExitReason(code int) string {
	return fmt.Sprintf("child-exited-with-code:%d", code)
}

// MetaInfo describes a meta record: per-line decode failures, captured
// stderr, and the single terminal record that ends every stream.
type MetaInfo struct {
	Reason     string `json:"reason"`
	Terminal   bool   `json:"terminal,omitempty"`
	Detail     string `json:"detail,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	StderrTail string `json:"stderr_tail,omitempty"`
}

// Record is one unit of session output. Seq values are assigned per session
// starting at 1 with no gaps; the terminal meta record carries the highest
// sequence number of its session.
type Record struct {
	SessionID string          `json:"session_id"`
	Seq       uint64          `json:"seq"`
	Source    Source          `json:"source"`
	At        time.Time       `json:"at"`
	Value     json.RawMessage `json:"value,omitempty"`
	Meta      *MetaInfo       `json:"meta,omitempty"`
}

// Terminal reports whether this record ends its session's stream.
func (r Record) Terminal() bool {
	return r.Meta != nil && r.Meta.Terminal
}
