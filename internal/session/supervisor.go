package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"warden/internal/async"
	"warden/internal/bus"
	"warden/internal/checkpoint"
	"warden/internal/clockwork"
	"warden/internal/config"
	"warden/internal/faults"
	"warden/internal/id"
	"warden/internal/locator"
	"warden/internal/logging"
	"warden/internal/proc"
	"warden/internal/registry"
	"warden/internal/stream"
)

// Options wires the supervisor to its collaborators.
type Options struct {
	Config       config.SessionsConfig
	WorktreesDir string

	Locator     *locator.Locator
	Registry    *registry.Registry
	Checkpoints *checkpoint.Manager
	Prober      registry.Prober

	// PreSpawn runs before the binary is resolved and may adjust the
	// request. PostTerminate runs after a session reaches a terminal state.
	PreSpawn      func(ctx context.Context, req *CreateRequest) error
	PostTerminate func(snap Snapshot)

	Clock   clockwork.Clock
	Logger  logging.Logger
	Bus     *bus.Bus
	Metrics *Metrics
}

// Supervisor is the single authority over session lifecycles. It spawns
// children through the locator, attaches the stream engine, tracks every
// process in the registry, and enforces the global concurrency cap.
type Supervisor struct {
	opts   Options
	cfg    config.SessionsConfig
	clock  clockwork.Clock
	logger logging.Logger
	slots  *semaphore.Weighted
	bootID string

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	wg sync.WaitGroup
}

// New validates the wiring and returns a ready supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.Locator == nil {
		return nil, faults.Invalid("supervisor_wiring", "supervisor requires a locator")
	}
	if opts.Registry == nil {
		return nil, faults.Invalid("supervisor_wiring", "supervisor requires a process registry")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.Real()
	}
	cfg := opts.Config
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = config.DefaultMaxSessions
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = config.DefaultQueueCapacity
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = config.DefaultKillGrace
	}
	if cfg.ZombieTimeout <= 0 {
		cfg.ZombieTimeout = config.DefaultZombieTimeout
	}

	s := &Supervisor{
		opts:     opts,
		cfg:      cfg,
		clock:    opts.Clock,
		logger:   logging.NewComponentLogger(logging.OrNop(opts.Logger), "session"),
		slots:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		sessions: make(map[string]*Session),
	}
	if opts.Prober != nil {
		s.bootID = opts.Prober.BootID()
	}
	return s, nil
}

// Create allocates a session, resolves the agent binary, spawns the child
// and starts streaming. It returns once the session is Running or has
// already failed; later transitions arrive as events.
func (s *Supervisor) Create(ctx context.Context, req CreateRequest) (Snapshot, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Snapshot{}, faults.Busy("supervisor_draining", "server is shutting down")
	}
	s.mu.Unlock()

	if !s.slots.TryAcquire(1) {
		return Snapshot{}, faults.Busy("max_sessions",
			"session limit of %d reached", s.cfg.MaxConcurrent)
	}

	sess := newSession(id.NewSessionID(), s.cfg.QueueCapacity, s.logger, s.opts.Bus, s.clock.Now().UTC())
	sess.metrics = s.opts.Metrics
	s.mu.Lock()
	s.sessions[sess.id] = sess
	// Registered before Close can start waiting, so shutdown drains this
	// session too.
	s.wg.Add(1)
	s.mu.Unlock()
	s.opts.Metrics.sessionCreated()

	if err := s.start(ctx, sess, req); err != nil {
		s.failBeforeRunning(sess, err)
		s.slots.Release(1)
		s.wg.Done()
		return sess.Snapshot(), err
	}
	return sess.Snapshot(), nil
}

// start drives Created -> Starting -> Running. Any error leaves the caller
// to mark the session failed.
func (s *Supervisor) start(ctx context.Context, sess *Session, req CreateRequest) error {
	if s.opts.PreSpawn != nil {
		if err := s.opts.PreSpawn(ctx, &req); err != nil {
			return err
		}
	}
	sess.transition(StateStarting)

	bin, err := s.opts.Locator.Resolve(ctx, false)
	if err != nil {
		return err
	}
	workDir, err := s.materializeWorkTree(ctx, sess.id, req)
	if err != nil {
		return err
	}

	argv := append([]string{}, s.cfg.ExtraArgs...)
	argv = append(argv, req.Args...)
	child, err := proc.Start(proc.Config{
		Command:    bin.Path,
		Args:       argv,
		Env:        sanitizedEnv(s.cfg.Env, req.Env),
		WorkingDir: workDir,
		Logger:     s.logger,
	})
	if err != nil {
		return err
	}

	if err := s.register(ctx, sess.id, child, bin.Path, argv); err != nil {
		async.Go(s.logger, "kill-"+sess.id, func() {
			_ = child.Terminate(s.clock, s.cfg.KillGrace, s.cfg.ZombieTimeout)
		})
		return err
	}

	sess.mu.Lock()
	sess.child = child
	sess.binary = bin.Path
	sess.workDir = workDir
	sess.parentCkpt = req.ParentCheckpoint
	sess.pid = child.PID()
	sess.startedAt = child.StartedAt().UTC()
	sess.reader = stream.NewReader(stream.Config{
		SessionID:  sess.id,
		MaxLineLen: s.cfg.MaxLineBytes,
		Capacity:   s.cfg.QueueCapacity,
		StderrSize: s.cfg.StderrRingBytes,
		Logger:     s.logger,
	})
	sess.mu.Unlock()

	sess.transition(StateRunning)
	s.opts.Metrics.sessionStarted()

	go s.supervise(sess, req)
	return nil
}

// register records the child in the process registry so a crashed server
// can be reconciled against still-running children.
func (s *Supervisor) register(ctx context.Context, sessionID string, child *proc.Child, exePath string, argv []string) error {
	ticks, err := registry.ReadStartTicks(child.PID())
	if err != nil {
		s.logger.Warn("session %s: start ticks unavailable for pid %d: %v", sessionID, child.PID(), err)
		ticks = 0
	}
	return s.opts.Registry.Register(ctx, registry.ProcessRecord{
		SessionID:  sessionID,
		PID:        child.PID(),
		ExePath:    exePath,
		ArgvHash:   registry.HashArgv(append([]string{exePath}, argv...)),
		StartTicks: ticks,
		BootID:     s.bootID,
	})
}

// materializeWorkTree restores the parent checkpoint into the session's
// working directory when one is requested.
func (s *Supervisor) materializeWorkTree(ctx context.Context, sessionID string, req CreateRequest) (string, error) {
	if req.ParentCheckpoint == "" {
		return req.WorkingDir, nil
	}
	if s.opts.Checkpoints == nil {
		return "", faults.Invalid("worktree_unavailable",
			"parent checkpoint requested but checkpointing is not configured")
	}
	dir := req.WorkingDir
	if dir == "" {
		dir = filepath.Join(s.opts.WorktreesDir, sessionID)
	}
	if _, err := s.opts.Checkpoints.Restore(ctx, req.ParentCheckpoint, dir, false); err != nil {
		return "", err
	}
	s.logger.Info("session %s: work tree from checkpoint %.12s at %s", sessionID, req.ParentCheckpoint, dir)
	return dir, nil
}

// supervise owns the session from Running to its terminal state: it reaps
// the child, watches the deadline and idle timers, and handles cancel and
// timeout escalation.
func (s *Supervisor) supervise(sess *Session, req CreateRequest) {
	defer s.wg.Done()
	defer s.slots.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runC := make(chan error, 1)
	async.Go(s.logger, "stdout-"+sess.id, func() {
		runC <- sess.reader.Run(ctx, sess.child.Stdout())
	})
	async.Go(s.logger, "stderr-"+sess.id, func() {
		sess.reader.CaptureStderr(sess.child.Stderr())
	})
	pumpDone := async.GoDone(s.logger, "pump-"+sess.id, func() {
		sess.pump(s.clock.Now)
	})

	deadline := req.Deadline
	if deadline <= 0 {
		deadline = s.cfg.Deadline
	}
	idle := req.IdleTimeout
	if idle <= 0 {
		idle = s.cfg.IdleTimeout
	}
	var deadlineC, idleC <-chan time.Time
	if deadline > 0 {
		t := s.clock.NewTimer(deadline)
		defer t.Stop()
		deadlineC = t.C()
	}
	var idleTimer clockwork.Timer
	if idle > 0 {
		idleTimer = s.clock.NewTimer(idle)
		defer idleTimer.Stop()
		idleC = idleTimer.C()
	}

	var (
		childDone   = sess.child.Done()
		cancelC     = sess.cancelCh
		termC       chan error
		streamErr   error
		terminating bool
		zombie      bool
	)
	idleBase := sess.records.Load()

	beginTerminate := func() {
		if terminating {
			return
		}
		terminating = true
		deadlineC, idleC, cancelC = nil, nil, nil
		termC = make(chan error, 1)
		child := sess.child
		async.Go(s.logger, "terminate-"+sess.id, func() {
			termC <- child.Terminate(s.clock, s.cfg.KillGrace, s.cfg.ZombieTimeout)
		})
	}

	for childDone != nil || runC != nil {
		select {
		case <-childDone:
			childDone = nil

		case err := <-runC:
			runC = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				streamErr = err
				if sess.child.Running() {
					s.logger.Error("session %s: stdout stream failed, terminating child: %v", sess.id, err)
					beginTerminate()
				}
			}

		case <-cancelC:
			cancelC = nil
			sess.transition(StateCancelling)
			beginTerminate()

		case <-deadlineC:
			sess.markTimedOut(fmt.Sprintf("deadline of %s exceeded", deadline))
			sess.transition(StateTimingOut)
			beginTerminate()

		case <-idleC:
			if n := sess.records.Load(); n != idleBase {
				idleBase = n
				idleTimer.Reset(idle)
				continue
			}
			sess.markTimedOut(fmt.Sprintf("no records for %s", idle))
			sess.transition(StateTimingOut)
			beginTerminate()

		case err := <-termC:
			termC = nil
			if errors.Is(err, proc.ErrZombie) {
				zombie = true
				s.logger.Error("session %s: zombie-suspected, pid %d survived SIGKILL", sess.id, sess.child.PID())
				if s.opts.Bus != nil {
					s.opts.Bus.Publish(bus.Event{
						Kind:      bus.KindSessionZombie,
						SessionID: sess.id,
						Payload:   map[string]any{"pid": sess.child.PID()},
					})
				}
				// Force the blocked pipe readers out, then drop the stream.
				sess.child.Release()
				sess.reader.Abort()
				childDone, runC = nil, nil
			} else if err != nil {
				s.logger.Warn("session %s: terminate: %v", sess.id, err)
			}
		}
	}

	s.finalize(sess, streamErr, zombie, pumpDone)
}

// finalize emits the terminal record, waits for the queue to drain, frees
// the registry slot and lands the session in its terminal state.
func (s *Supervisor) finalize(sess *Session, streamErr error, zombie bool, pumpDone <-chan struct{}) {
	exitCode, exitOK := sess.child.ExitCode()
	broken := streamErr != nil

	sess.mu.Lock()
	cancelled := sess.cancelled
	timedOut := sess.timedOut
	sess.mu.Unlock()

	if !zombie {
		var reason, detail string
		switch {
		case cancelled:
			reason = stream.ReasonCancelled
		case broken:
			reason = stream.ReasonDecodeError
			detail = fmt.Sprintf("stdout read failed: %v", streamErr)
		case exitOK:
			reason = stream.ExitReason(exitCode)
		default:
			reason = stream.ReasonEOF
		}
		var codePtr *int
		if exitOK {
			codePtr = &exitCode
		}
		if !cancelled && !timedOut && !broken && exitOK && exitCode == 0 {
			sess.transition(StateCompleting)
		}
		sess.reader.Finalize(reason, codePtr, detail)
	}
	<-pumpDone
	sess.child.Release()

	if zombie {
		// The registry row stays; reconciliation owns unkillable children.
		s.logger.Warn("session %s: leaving registry entry for reconciliation", sess.id)
	} else if err := s.opts.Registry.Unregister(context.Background(), sess.id); err != nil {
		s.logger.Warn("session %s: unregister: %v", sess.id, err)
	}

	sess.mu.Lock()
	if exitOK {
		code := exitCode
		sess.exitCode = &code
	}
	sess.zombie = zombie
	if broken && sess.failure == "" {
		sess.failure = fmt.Sprintf("stdout stream failed: %v", streamErr)
	}
	if zombie && sess.failure == "" {
		sess.failure = "process survived SIGKILL, left for reconciliation"
	}
	if !cancelled && !timedOut && !broken && exitOK && exitCode != 0 && sess.failure == "" {
		sess.failure = fmt.Sprintf("child exited with code %d", exitCode)
	}
	sess.endedAt = s.clock.Now().UTC()
	sess.mu.Unlock()

	// The intermediate state picks the terminal one; a cancel flag that
	// arrived after another shutdown path had begun does not rewrite it.
	var final State
	switch sess.currentState() {
	case StateCancelling:
		final = StateCancelled
	case StateTimingOut:
		final = StateTimedOut
	case StateCompleting:
		final = StateCompleted
	default:
		switch {
		case cancelled:
			sess.transition(StateCancelling)
			final = StateCancelled
		case timedOut:
			sess.transition(StateTimingOut)
			final = StateTimedOut
		default:
			final = StateFailed
		}
	}
	sess.transition(final)
	close(sess.done)
	s.opts.Metrics.sessionEnded(final)

	if s.opts.PostTerminate != nil {
		s.opts.PostTerminate(sess.Snapshot())
	}
}

// failBeforeRunning lands a session that never reached Running in Failed
// and closes its queue so consumers do not wait forever.
func (s *Supervisor) failBeforeRunning(sess *Session, cause error) {
	sess.mu.Lock()
	sess.failure = cause.Error()
	sess.endedAt = s.clock.Now().UTC()
	sess.mu.Unlock()
	sess.transition(StateFailed)
	close(sess.out)
	close(sess.done)
	s.opts.Metrics.sessionEnded(StateFailed)
	s.logger.Warn("session %s: failed before running: %v", sess.id, cause)
}

// SendMessage frames one JSON payload onto the child's stdin. Writes are
// serialized per session; a payload that is not a single JSON value is
// rejected before touching the pipe.
func (s *Supervisor) SendMessage(ctx context.Context, sessionID string, payload json.RawMessage) error {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	child := sess.childRunning()
	if child == nil {
		return faults.SessionNotRunning("session_not_running",
			"session %s is %s", sessionID, sess.currentState())
	}
	line, err := compactLine(payload)
	if err != nil {
		return err
	}
	wctx := ctx
	if s.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, s.cfg.WriteTimeout)
		defer cancel()
	}
	if err := child.WriteLine(wctx, line); err != nil {
		return err
	}
	sess.bytesIn.Add(uint64(len(line) + 1))
	s.opts.Metrics.bytesWritten(len(line) + 1)
	return nil
}

// Cancel asks a session to stop. The call returns once termination is
// underway; the terminal state arrives through the record stream and the
// event bus. Cancelling an already-terminal session is a no-op.
func (s *Supervisor) Cancel(ctx context.Context, sessionID string) error {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	if sess.currentState().Terminal() {
		return nil
	}
	sess.requestCancel()
	return nil
}

// Get returns a point-in-time snapshot of one session.
func (s *Supervisor) Get(sessionID string) (Snapshot, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	return sess.Snapshot(), nil
}

// Records exposes the bounded per-session stream queue. There must be
// exactly one consumer.
func (s *Supervisor) Records(sessionID string) (<-chan stream.Record, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Records(), nil
}

// Wait blocks until the session reaches a terminal state or ctx ends.
func (s *Supervisor) Wait(ctx context.Context, sessionID string) (Snapshot, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	select {
	case <-sess.Done():
		return sess.Snapshot(), nil
	case <-ctx.Done():
		return Snapshot{}, faults.Cancelled("wait_cancelled", "wait for session %s: %v", sessionID, ctx.Err())
	}
}

// List returns snapshots of every known session, newest first.
func (s *Supervisor) List() []Snapshot {
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Snapshot())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// ActiveCount reports sessions that are not yet terminal.
func (s *Supervisor) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if !sess.currentState().Terminal() {
			n++
		}
	}
	return n
}

// Close cancels every live session and waits for the supervisors to land,
// bounded by ctx.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	live := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if !sess.currentState().Terminal() {
			live = append(live, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range live {
		sess.requestCancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return faults.Timeout("drain_timeout", "shutdown with %d sessions still live", len(live))
	}
}

func (s *Supervisor) lookup(sessionID string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, faults.NotFound("session_unknown", "session %s not found", sessionID)
	}
	return sess, nil
}

// compactLine turns a raw payload into a single-line JSON frame. Compaction
// strips interior newlines, which keeps the one-object-per-line contract.
func compactLine(payload json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, faults.Invalid("payload_empty", "message payload is empty")
	}
	if !json.Valid(payload) {
		return nil, faults.Invalid("payload_invalid", "message payload is not valid JSON")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return nil, faults.Invalid("payload_invalid", "compact payload: %v", err)
	}
	return buf.Bytes(), nil
}

// envAllowlist is the set of inherited variables a child may see. Everything
// else comes from configuration or the create request.
var envAllowlist = map[string]struct{}{
	"PATH": {}, "HOME": {}, "USER": {}, "LOGNAME": {}, "SHELL": {},
	"TERM": {}, "TMPDIR": {}, "LANG": {}, "TZ": {}, "COLORTERM": {},
}

func sanitizedEnv(configured, requested map[string]string) []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, allow := envAllowlist[k]; allow || strings.HasPrefix(k, "LC_") {
			merged[k] = v
		}
	}
	for k, v := range configured {
		merged[k] = v
	}
	for k, v := range requested {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}
