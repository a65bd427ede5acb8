package session

import (
	"sync"
	"sync/atomic"
	"time"

	"warden/internal/bus"
	"warden/internal/logging"
	"warden/internal/proc"
	"warden/internal/stream"
)

// CreateRequest carries the caller-controlled parts of a new session. Zero
// values fall back to the configured defaults.
type CreateRequest struct {
	Args             []string          `json:"args,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	WorkingDir       string            `json:"working_dir,omitempty"`
	ParentCheckpoint string            `json:"parent_checkpoint,omitempty"`
	Deadline         time.Duration     `json:"deadline,omitempty"`
	IdleTimeout      time.Duration     `json:"idle_timeout,omitempty"`
}

// Snapshot is an immutable view of one session, safe to hand to other
// components while the supervisor keeps mutating the live object.
type Snapshot struct {
	ID               string    `json:"id"`
	State            State     `json:"state"`
	PID              int       `json:"pid,omitempty"`
	Binary           string    `json:"binary,omitempty"`
	WorkDir          string    `json:"work_dir,omitempty"`
	ParentCheckpoint string    `json:"parent_checkpoint,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	StartedAt        time.Time `json:"started_at"`
	EndedAt          time.Time `json:"ended_at"`
	ExitCode         *int      `json:"exit_code,omitempty"`
	Failure          string    `json:"failure,omitempty"`
	Records          uint64    `json:"records"`
	Dropped          uint64    `json:"dropped"`
	BytesIn          uint64    `json:"bytes_in"`
	BytesOut         uint64    `json:"bytes_out"`
	LastRecordAt     time.Time `json:"last_record_at"`
}

// Session is one supervised agent CLI run. All state mutation happens on the
// supervisor goroutine; concurrent readers go through Snapshot.
type Session struct {
	id      string
	logger  logging.Logger
	events  *bus.Bus
	metrics *Metrics

	mu         sync.Mutex
	state      State
	createdAt  time.Time
	startedAt  time.Time
	endedAt    time.Time
	binary     string
	workDir    string
	parentCkpt string
	pid        int
	exitCode   *int
	failure    string
	cancelled  bool
	timedOut   bool
	zombie     bool

	child  *proc.Child
	reader *stream.Reader
	out    chan stream.Record

	records    atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
	lastRecord atomic.Int64

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}
}

func newSession(id string, queueCap int, logger logging.Logger, events *bus.Bus, now time.Time) *Session {
	if queueCap < 1 {
		queueCap = 1
	}
	return &Session{
		id:        id,
		logger:    logger,
		events:    events,
		state:     StateCreated,
		createdAt: now,
		out:       make(chan stream.Record, queueCap),
		cancelCh:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Records is the bounded queue the frontend consumes. It carries every
// stream record in sequence order and is closed after the terminal record.
func (s *Session) Records() <-chan stream.Record { return s.out }

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot captures the current observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:               s.id,
		State:            s.state,
		PID:              s.pid,
		Binary:           s.binary,
		WorkDir:          s.workDir,
		ParentCheckpoint: s.parentCkpt,
		CreatedAt:        s.createdAt,
		StartedAt:        s.startedAt,
		EndedAt:          s.endedAt,
		Failure:          s.failure,
		Records:          s.records.Load(),
		BytesIn:          s.bytesIn.Load(),
		BytesOut:         s.bytesOut.Load(),
	}
	if s.exitCode != nil {
		code := *s.exitCode
		snap.ExitCode = &code
	}
	if s.reader != nil {
		snap.Dropped = s.reader.Dropped()
	}
	if nanos := s.lastRecord.Load(); nanos > 0 {
		snap.LastRecordAt = time.Unix(0, nanos).UTC()
	}
	return snap
}

// transition moves the session along a legal edge and publishes the change.
// Illegal moves are logged and refused, which keeps terminal states
// absorbing even if two shutdown paths race.
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return true
	}
	if !legalTransition(from, to) {
		s.mu.Unlock()
		s.logger.Error("session %s: refused transition %s -> %s", s.id, from, to)
		return false
	}
	s.state = to
	s.mu.Unlock()

	s.logger.Info("session %s: %s -> %s", s.id, from, to)
	if s.events != nil {
		s.events.Publish(bus.Event{
			Kind:      bus.KindSessionState,
			SessionID: s.id,
			Payload:   map[string]any{"from": string(from), "to": string(to)},
		})
	}
	return true
}

func (s *Session) requestCancel() {
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		s.cancelled = true
		s.mu.Unlock()
		close(s.cancelCh)
	})
}

func (s *Session) markTimedOut(why string) {
	s.mu.Lock()
	s.timedOut = true
	if s.failure == "" {
		s.failure = why
	}
	s.mu.Unlock()
}

func (s *Session) childRunning() *proc.Child {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning || s.child == nil {
		return nil
	}
	return s.child
}

func (s *Session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// pump forwards records from the stream engine into the session queue,
// keeping the per-session counters current. Sends block when the frontend
// lags; that stall is what ultimately slows the child down.
func (s *Session) pump(clockNow func() time.Time) {
	for rec := range s.reader.Records() {
		s.records.Add(1)
		s.bytesOut.Add(uint64(len(rec.Value)))
		s.lastRecord.Store(clockNow().UnixNano())
		s.metrics.recordForwarded(len(rec.Value))
		s.out <- rec
	}
	close(s.out)
}
