package mcpfront

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"warden/internal/faults"
	"warden/internal/logging"
	"warden/internal/stream"
)

// Server binds the frontend to the MCP SDK: one typed tool per operation,
// the config resource, and a sink that pushes session records to the peer
// as notifications/message.
type Server struct {
	front   *Frontend
	server  *mcp.Server
	logger  logging.Logger
	session atomic.Pointer[mcp.ServerSession]
}

// NewServer registers every tool and resource on a fresh SDK server.
func NewServer(front *Frontend, version string, logger logging.Logger) *Server {
	s := &Server{
		front: front,
		server: mcp.NewServer(&mcp.Implementation{
			Name:    "warden",
			Title:   "Warden agent session server",
			Version: version,
		}, nil),
		logger: logging.NewComponentLogger(logging.OrNop(logger), "mcp"),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// Run serves one peer over the given transport until it disconnects or ctx
// is cancelled.
func (s *Server) Run(ctx context.Context, t mcp.Transport) error {
	return s.server.Run(ctx, t)
}

// RunStdio serves the peer on stdin/stdout, the standard MCP arrangement
// for a spawned server.
func (s *Server) RunStdio(ctx context.Context) error {
	s.logger.Info("serving MCP over stdio")
	return s.Run(ctx, &mcp.StdioTransport{})
}

// Sink returns the notification sink for the hub. Records published before
// a peer has issued any call are rejected; in practice records only exist
// after the peer's create_session call, which attaches the session first.
func (s *Server) Sink() Sink {
	return &logSink{s: s}
}

type emptyArgs struct{}

// registerTools is the complete tool table. Each entry delegates to one
// frontend operation; all validation and middleware live behind it.
func (s *Server) registerTools() {
	tool(s, "warden_discover_binary",
		"Resolve the agent CLI executable and report its path, version, and discovery method",
		func(ctx context.Context, in DiscoverInput) (any, error) {
			return s.front.DiscoverBinary(ctx, in)
		})
	tool(s, "warden_create_session",
		"Spawn a supervised agent CLI session streaming line-delimited JSON records",
		func(ctx context.Context, in CreateSessionInput) (any, error) {
			return s.front.CreateSession(ctx, in)
		})
	tool(s, "warden_send_message",
		"Write one JSON message to a running session's stdin",
		func(ctx context.Context, in SendMessageInput) (any, error) {
			return s.front.SendMessage(ctx, in)
		})
	tool(s, "warden_cancel_session",
		"Request cancellation of a session; the terminal record follows asynchronously",
		func(ctx context.Context, in CancelInput) (any, error) {
			return s.front.CancelSession(ctx, in)
		})
	tool(s, "warden_get_session",
		"Get the current snapshot of one session",
		func(ctx context.Context, in GetSessionInput) (any, error) {
			return s.front.GetSession(ctx, in)
		})
	tool(s, "warden_list_sessions",
		"List session snapshots, newest first, with optional state filter",
		func(ctx context.Context, in ListSessionsInput) (any, error) {
			return s.front.ListSessions(ctx, in)
		})
	tool(s, "warden_checkpoint_create",
		"Checkpoint a directory tree (or a session's working tree) into the content store",
		func(ctx context.Context, in CreateCheckpointInput) (any, error) {
			return s.front.CreateCheckpoint(ctx, in)
		})
	tool(s, "warden_checkpoint_list",
		"List checkpoints, newest first, with optional tag/author filters",
		func(ctx context.Context, in ListCheckpointsInput) (any, error) {
			return s.front.ListCheckpoints(ctx, in)
		})
	tool(s, "warden_checkpoint_get",
		"Get one checkpoint's full manifest",
		func(ctx context.Context, in GetCheckpointInput) (any, error) {
			return s.front.GetCheckpoint(ctx, in)
		})
	tool(s, "warden_checkpoint_restore",
		"Restore a checkpoint into a directory, optionally backing the target up first",
		func(ctx context.Context, in RestoreCheckpointInput) (any, error) {
			return s.front.RestoreCheckpoint(ctx, in)
		})
	tool(s, "warden_checkpoint_diff",
		"Diff two checkpoints at entry level, or one file as a unified patch",
		func(ctx context.Context, in DiffCheckpointsInput) (any, error) {
			return s.front.DiffCheckpoints(ctx, in)
		})
	tool(s, "warden_ref_create",
		"Point a named ref at a checkpoint; refs are the garbage collection roots",
		func(ctx context.Context, in RefInput) (any, error) {
			return s.front.CreateRef(ctx, in)
		})
	tool(s, "warden_ref_list",
		"List all refs",
		func(ctx context.Context, _ emptyArgs) (any, error) {
			return s.front.ListRefs(ctx)
		})
	tool(s, "warden_ref_delete",
		"Delete a ref, releasing its checkpoint chain for collection",
		func(ctx context.Context, in DeleteRefInput) (any, error) {
			return s.front.DeleteRef(ctx, in)
		})
	tool(s, "warden_gc",
		"Collect unreferenced checkpoints and content-store blobs",
		func(ctx context.Context, in GCInput) (any, error) {
			return s.front.RunGC(ctx, in)
		})
}

func (s *Server) registerResources() {
	s.server.AddResource(&mcp.Resource{
		URI:         "warden://config",
		Name:        "config",
		Description: "Effective server configuration with secrets masked",
		MIMEType:    "application/json",
	}, s.handleConfigResource)
}

func (s *Server) handleConfigResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	cfg, err := s.front.ReadConfig(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}, nil
}

// tool registers one typed tool. The input schema is inferred from In's
// jsonschema tags; results become a single JSON text content; faults map
// to a structured tool error instead of a protocol error.
func tool[In any](s *Server, name, description string, fn func(context.Context, In) (any, error)) {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        name,
		Description: description,
	}, func(ctx context.Context, req *mcp.CallToolRequest, in In) (*mcp.CallToolResult, any, error) {
		s.session.CompareAndSwap(nil, req.Session)
		out, err := fn(ctx, in)
		if err != nil {
			return errorResult(err), nil, nil
		}
		return jsonResult(out)
	})
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

// errorResult keeps the error kind and code machine-readable on the peer
// side instead of collapsing everything into a message string.
func errorResult(err error) *mcp.CallToolResult {
	payload, mErr := json.Marshal(map[string]string{
		"kind":    faults.KindOf(err).String(),
		"code":    faults.CodeOf(err),
		"message": err.Error(),
	})
	if mErr != nil {
		payload = []byte(`{"kind":"internal","code":"error_encoding"}`)
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: string(payload)}},
	}
}

type logSink struct {
	s *Server
}

// Publish sends one record as a notifications/message with the session id
// in the logger name. The SDK write blocks on the transport, so a slow
// peer stalls the hub forwarder and, through the bounded queue, the child.
func (l *logSink) Publish(ctx context.Context, rec stream.Record) error {
	ss := l.s.session.Load()
	if ss == nil {
		return faults.Busy("peer_not_attached", "no MCP session connected yet")
	}
	return ss.Log(ctx, &mcp.LoggingMessageParams{
		Level:  levelFor(rec),
		Logger: "warden/session/" + rec.SessionID,
		Data:   rec,
	})
}

func levelFor(rec stream.Record) mcp.LoggingLevel {
	switch {
	case rec.Meta == nil:
		return "info"
	case rec.Meta.Terminal:
		return "notice"
	default:
		return "warning"
	}
}
