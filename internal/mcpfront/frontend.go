// Package mcpfront exposes the runtime to an MCP peer: a dispatcher of
// typed operations wrapped in ordered middleware, a notification hub that
// carries session records to the peer with backpressure, and a binding to
// the MCP SDK for transport.
package mcpfront

import (
	"context"
	"encoding/json"
	"time"

	"warden/internal/checkpoint"
	"warden/internal/config"
	"warden/internal/faults"
	"warden/internal/locator"
	"warden/internal/logging"
	"warden/internal/registry"
	"warden/internal/session"
)

// Options wires the frontend to the components it fronts.
type Options struct {
	Config      config.Config
	Sessions    *session.Supervisor
	Locator     *locator.Locator
	Checkpoints *checkpoint.Manager
	Registry    *registry.Registry
	Hub         *Hub
	Logger      logging.Logger
	Metrics     *Metrics
}

// Frontend is the transport-agnostic operation surface. Every public method
// is one MCP operation: it validates input, runs through the middleware
// chain, and returns either a structured result or a faults error.
type Frontend struct {
	cfg         config.Config
	sessions    *session.Supervisor
	locator     *locator.Locator
	checkpoints *checkpoint.Manager
	registry    *registry.Registry
	hub         *Hub
	logger      logging.Logger
	metrics     *Metrics
}

// New builds a Frontend. Sessions and Locator are required; checkpoint and
// registry operations fail with Invalid when their component is absent.
func New(opts Options) (*Frontend, error) {
	if opts.Sessions == nil {
		return nil, faults.Invalid("frontend_sessions_nil", "session supervisor is required")
	}
	if opts.Locator == nil {
		return nil, faults.Invalid("frontend_locator_nil", "binary locator is required")
	}
	return &Frontend{
		cfg:         opts.Config,
		sessions:    opts.Sessions,
		locator:     opts.Locator,
		checkpoints: opts.Checkpoints,
		registry:    opts.Registry,
		hub:         opts.Hub,
		logger:      logging.NewComponentLogger(logging.OrNop(opts.Logger), "front"),
		metrics:     opts.Metrics,
	}, nil
}

// DiscoverInput selects between the cached record and a fresh probe.
type DiscoverInput struct {
	Force bool `json:"force,omitempty" jsonschema:"re-run the discovery chain even if a cached record is still fresh"`
}

// DiscoverBinary resolves the agent CLI executable.
func (f *Frontend) DiscoverBinary(ctx context.Context, in DiscoverInput) (*locator.Record, error) {
	return run(ctx, f, "discover_binary", func(ctx context.Context) (*locator.Record, error) {
		return f.locator.Resolve(ctx, in.Force)
	})
}

// CreateSessionInput shapes the argv handed to the agent CLI. Model and
// prompt become flags and the trailing positional argument; extra args are
// passed through between them.
type CreateSessionInput struct {
	Prompt           string            `json:"prompt,omitempty" jsonschema:"initial prompt passed as the final positional argument"`
	Model            string            `json:"model,omitempty" jsonschema:"model tag passed as --model"`
	Args             []string          `json:"args,omitempty" jsonschema:"extra argv passed through verbatim"`
	Env              map[string]string `json:"env,omitempty" jsonschema:"extra environment variables for the child"`
	WorkingDir       string            `json:"working_dir,omitempty" jsonschema:"working directory; defaults to a managed worktree"`
	ParentCheckpoint string            `json:"parent_checkpoint,omitempty" jsonschema:"checkpoint id to materialize the working tree from"`
	DeadlineMS       int               `json:"deadline_ms,omitempty" jsonschema:"overall session deadline in milliseconds; 0 uses the configured default"`
	IdleTimeoutMS    int               `json:"idle_timeout_ms,omitempty" jsonschema:"idle timeout in milliseconds; 0 uses the configured default"`
}

// composeArgv renders the create input as agent CLI arguments: model flag
// first, pass-through args, prompt as the final positional.
func composeArgv(in CreateSessionInput) []string {
	var args []string
	if in.Model != "" {
		args = append(args, "--model", in.Model)
	}
	args = append(args, in.Args...)
	if in.Prompt != "" {
		args = append(args, in.Prompt)
	}
	return args
}

// CreateSession spawns a supervised session and registers its record stream
// with the notification hub. The returned snapshot is in state running.
func (f *Frontend) CreateSession(ctx context.Context, in CreateSessionInput) (session.Snapshot, error) {
	return run(ctx, f, "create_session", func(ctx context.Context) (session.Snapshot, error) {
		snap, err := f.sessions.Create(ctx, session.CreateRequest{
			Args:             composeArgv(in),
			Env:              in.Env,
			WorkingDir:       in.WorkingDir,
			ParentCheckpoint: in.ParentCheckpoint,
			Deadline:         time.Duration(in.DeadlineMS) * time.Millisecond,
			IdleTimeout:      time.Duration(in.IdleTimeoutMS) * time.Millisecond,
		})
		if err != nil {
			return snap, err
		}
		if f.hub != nil {
			ch, chErr := f.sessions.Records(snap.ID)
			if chErr != nil {
				return snap, chErr
			}
			f.hub.Watch(snap.ID, ch)
		}
		return snap, nil
	})
}

// SendMessageInput is one line of stdin for a running session.
type SendMessageInput struct {
	SessionID string          `json:"session_id" jsonschema:"target session id"`
	Content   json.RawMessage `json:"content" jsonschema:"JSON object written to the child's stdin as one line"`
	TimeoutMS int             `json:"timeout_ms,omitempty" jsonschema:"per-call write deadline in milliseconds"`
}

// SendAck acknowledges a delivered message.
type SendAck struct {
	SessionID string `json:"session_id"`
	Delivered bool   `json:"delivered"`
}

// SendMessage writes one JSON line to the session's stdin.
func (f *Frontend) SendMessage(ctx context.Context, in SendMessageInput) (SendAck, error) {
	return run(ctx, f, "send_message", func(ctx context.Context) (SendAck, error) {
		if in.TimeoutMS > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(in.TimeoutMS)*time.Millisecond)
			defer cancel()
		}
		if err := f.sessions.SendMessage(ctx, in.SessionID, in.Content); err != nil {
			return SendAck{}, err
		}
		return SendAck{SessionID: in.SessionID, Delivered: true}, nil
	})
}

// CancelInput names the session to cancel.
type CancelInput struct {
	SessionID string `json:"session_id" jsonschema:"target session id"`
}

// CancelAck reports the state observed right after the cancel request.
type CancelAck struct {
	SessionID string        `json:"session_id"`
	State     session.State `json:"state"`
}

// CancelSession requests cancellation. The terminal notification follows
// asynchronously on the record stream; cancelling an already-terminal
// session is a no-op success.
func (f *Frontend) CancelSession(ctx context.Context, in CancelInput) (CancelAck, error) {
	return run(ctx, f, "cancel_session", func(ctx context.Context) (CancelAck, error) {
		if err := f.sessions.Cancel(ctx, in.SessionID); err != nil {
			return CancelAck{}, err
		}
		snap, err := f.sessions.Get(in.SessionID)
		if err != nil {
			return CancelAck{}, err
		}
		return CancelAck{SessionID: in.SessionID, State: snap.State}, nil
	})
}

// ListSessionsInput narrows the session listing.
type ListSessionsInput struct {
	State string `json:"state,omitempty" jsonschema:"filter to one lifecycle state"`
	Limit int    `json:"limit,omitempty" jsonschema:"cap on returned sessions, newest first"`
}

// SessionList is a point-in-time view.
type SessionList struct {
	Sessions []session.Snapshot `json:"sessions"`
	Total    int                `json:"total"`
}

// ListSessions returns session snapshots newest first.
func (f *Frontend) ListSessions(ctx context.Context, in ListSessionsInput) (SessionList, error) {
	return run(ctx, f, "list_sessions", func(ctx context.Context) (SessionList, error) {
		var filter session.State
		if in.State != "" {
			st, err := session.ParseState(in.State)
			if err != nil {
				return SessionList{}, err
			}
			filter = st
		}
		all := f.sessions.List()
		out := make([]session.Snapshot, 0, len(all))
		for _, snap := range all {
			if filter != "" && snap.State != filter {
				continue
			}
			out = append(out, snap)
		}
		total := len(out)
		if in.Limit > 0 && len(out) > in.Limit {
			out = out[:in.Limit]
		}
		return SessionList{Sessions: out, Total: total}, nil
	})
}

// GetSessionInput names one session.
type GetSessionInput struct {
	SessionID string `json:"session_id" jsonschema:"target session id"`
}

// GetSession returns one session snapshot.
func (f *Frontend) GetSession(ctx context.Context, in GetSessionInput) (session.Snapshot, error) {
	return run(ctx, f, "get_session", func(ctx context.Context) (session.Snapshot, error) {
		return f.sessions.Get(in.SessionID)
	})
}

// ReadConfig returns the effective configuration with env values masked.
func (f *Frontend) ReadConfig(ctx context.Context) (config.Config, error) {
	return run(ctx, f, "read_config", func(ctx context.Context) (config.Config, error) {
		return redactConfig(f.cfg), nil
	})
}

// redactConfig masks session env values; keys stay visible so a peer can
// see what is set without seeing secrets.
func redactConfig(cfg config.Config) config.Config {
	out := cfg
	if len(cfg.Sessions.Env) > 0 {
		masked := make(map[string]string, len(cfg.Sessions.Env))
		for k := range cfg.Sessions.Env {
			masked[k] = "[redacted]"
		}
		out.Sessions.Env = masked
	}
	return out
}
