package stream

import "sync"

// RingBuffer retains the newest bytes written to it, up to a fixed capacity.
// Child stderr is captured here so the tail is available for terminal meta
// records without unbounded growth.
type RingBuffer struct {
	mu      sync.Mutex
	buf     []byte
	start   int
	length  int
	written int64
}

// NewRingBuffer returns a ring of the given capacity (minimum 1 KiB).
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1024 {
		capacity = 1024
	}
	return &RingBuffer{buf: make([]byte, capacity)}
}

// Write never fails; older bytes are overwritten once the ring is full.
func (r *RingBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.written += int64(len(p))

	n := len(p)
	if n >= len(r.buf) {
		copy(r.buf, p[n-len(r.buf):])
		r.start = 0
		r.length = len(r.buf)
		return n, nil
	}

	end := (r.start + r.length) % len(r.buf)
	first := copy(r.buf[end:], p)
	if first < n {
		copy(r.buf, p[first:])
	}
	r.length += n
	if r.length > len(r.buf) {
		r.start = (r.start + r.length - len(r.buf)) % len(r.buf)
		r.length = len(r.buf)
	}
	return n, nil
}

// Bytes returns the retained tail in write order.
func (r *RingBuffer) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]byte, r.length)
	first := copy(out, r.buf[r.start:min(r.start+r.length, len(r.buf))])
	if first < r.length {
		copy(out[first:], r.buf[:r.length-first])
	}
	return out
}

// String returns the retained tail as text.
func (r *RingBuffer) String() string {
	return string(r.Bytes())
}

// Truncated reports whether bytes have been dropped.
func (r *RingBuffer) Truncated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written > int64(r.length)
}
