package mcpfront

import (
	"context"
	"sync"

	"warden/internal/async"
	"warden/internal/logging"
	"warden/internal/stream"
)

// Sink delivers one session record to the MCP peer. Publish must block
// until the peer has accepted the record or ctx is done; that blocking is
// the backpressure path from a slow peer back into the child process.
type Sink interface {
	Publish(ctx context.Context, rec stream.Record) error
}

// Hub owns the consumer side of every session's record queue. One
// forwarder per session reads the bounded queue and publishes each record
// in sequence order. When the peer fails the forwarder switches to
// draining so the session can still reach its terminal state.
type Hub struct {
	sink    Sink
	logger  logging.Logger
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewHub builds a hub publishing into sink.
func NewHub(sink Sink, logger logging.Logger, metrics *Metrics) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		sink:    sink,
		logger:  logging.NewComponentLogger(logging.OrNop(logger), "hub"),
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Watch consumes ch until it closes, forwarding every record to the sink.
// The caller hands over ownership of the channel; nothing else may read it.
func (h *Hub) Watch(sessionID string, ch <-chan stream.Record) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.logger.Warn("session %s: hub closed, draining records unobserved", sessionID)
		go func() {
			for range ch {
			}
		}()
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()

	async.Go(h.logger, "hub.forward."+sessionID, func() {
		defer h.wg.Done()
		h.forward(sessionID, ch)
	})
}

func (h *Hub) forward(sessionID string, ch <-chan stream.Record) {
	var broken bool
	for rec := range ch {
		if broken {
			h.metrics.notificationDropped()
			continue
		}
		if err := h.sink.Publish(h.ctx, rec); err != nil {
			broken = true
			h.metrics.notificationDropped()
			if h.ctx.Err() == nil {
				h.logger.Warn("session %s: publish of record %d failed, draining remainder: %v",
					sessionID, rec.Seq, err)
			}
			continue
		}
		h.metrics.notificationSent()
	}
	h.logger.Debug("session %s: record stream finished", sessionID)
}

// Close unblocks in-flight publishes and waits for every forwarder to see
// its channel close. Call only after the supervisor has drained, so the
// channels are guaranteed to finish.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
	h.wg.Wait()
}
