package mcpfront

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/stream"
)

type fakeSink struct {
	mu       sync.Mutex
	records  []stream.Record
	failFrom int           // fail every publish once this many succeeded; 0 disables
	gate     chan struct{} // when set, Publish waits for the gate or ctx
}

func (s *fakeSink) Publish(ctx context.Context, rec stream.Record) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFrom > 0 && len(s.records) >= s.failFrom {
		return errors.New("peer went away")
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeSink) seen() []stream.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.Record(nil), s.records...)
}

func record(sessionID string, seq uint64) stream.Record {
	return stream.Record{
		SessionID: sessionID,
		Seq:       seq,
		Source:    stream.SourceStdout,
		At:        time.Now(),
		Value:     json.RawMessage(fmt.Sprintf(`{"n":%d}`, seq)),
	}
}

func TestHubForwardsInOrder(t *testing.T) {
	sink := &fakeSink{}
	hub := NewHub(sink, nil, nil)

	ch := make(chan stream.Record, 8)
	for i := uint64(1); i <= 5; i++ {
		ch <- record("ses_a", i)
	}
	close(ch)

	hub.Watch("ses_a", ch)
	hub.Close()

	got := sink.seen()
	require.Len(t, got, 5)
	for i, rec := range got {
		assert.Equal(t, uint64(i+1), rec.Seq)
	}
}

func TestHubDrainsAfterSinkFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	sink := &fakeSink{failFrom: 2}
	hub := NewHub(sink, nil, metrics)

	ch := make(chan stream.Record, 8)
	for i := uint64(1); i <= 6; i++ {
		ch <- record("ses_b", i)
	}
	close(ch)

	hub.Watch("ses_b", ch)
	// Close only returns once the forwarder consumed the whole channel,
	// which is the property a dead peer must not break.
	hub.Close()

	assert.Len(t, sink.seen(), 2)
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.sent), 0.1)
	assert.InDelta(t, 4, testutil.ToFloat64(metrics.dropped), 0.1)
}

func TestHubSlowSinkLeavesQueueFull(t *testing.T) {
	gate := make(chan struct{})
	sink := &fakeSink{gate: gate}
	hub := NewHub(sink, nil, nil)
	defer hub.Close()

	ch := make(chan stream.Record, 2)
	ch <- record("ses_c", 1)
	ch <- record("ses_c", 2)

	hub.Watch("ses_c", ch)

	// The forwarder takes one record and blocks in Publish; the queue
	// keeps the rest. A producer would now block, which is the point.
	require.Eventually(t, func() bool { return len(ch) == 1 }, time.Second, 5*time.Millisecond)
	ch <- record("ses_c", 3)
	select {
	case ch <- record("ses_c", 4):
		t.Fatal("queue accepted a record beyond its capacity")
	default:
	}

	close(gate)
	close(ch)
	require.Eventually(t, func() bool { return len(sink.seen()) == 3 }, time.Second, 5*time.Millisecond)
}

func TestHubCloseUnblocksStuckPublish(t *testing.T) {
	sink := &fakeSink{gate: make(chan struct{})} // never opened
	hub := NewHub(sink, nil, nil)

	ch := make(chan stream.Record, 1)
	ch <- record("ses_d", 1)
	close(ch)
	hub.Watch("ses_d", ch)

	done := make(chan struct{})
	go func() {
		hub.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not unblock the stuck forwarder")
	}
	assert.Empty(t, sink.seen())
}

func TestHubWatchAfterCloseStillDrains(t *testing.T) {
	sink := &fakeSink{}
	hub := NewHub(sink, nil, nil)
	hub.Close()

	ch := make(chan stream.Record, 4)
	ch <- record("ses_e", 1)
	ch <- record("ses_e", 2)
	close(ch)

	hub.Watch("ses_e", ch)
	require.Eventually(t, func() bool { return len(ch) == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, sink.seen())
}
