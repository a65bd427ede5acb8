package mcpfront

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/checkpoint"
	"warden/internal/config"
	"warden/internal/locator"
	"warden/internal/registry"
	"warden/internal/session"
	"warden/internal/store"
	wtestutil "warden/internal/testutil"
)

// newClientSession wires a full frontend behind in-memory transports and
// returns a connected MCP client session.
func newClientSession(t *testing.T) (*mcp.ClientSession, config.Config) {
	t.Helper()
	binDir := wtestutil.WriteAgentStub(t)
	base := t.TempDir()

	loc, err := locator.New(locator.Options{
		BinaryName:      wtestutil.AgentStubName,
		InstallPrefixes: []string{binDir},
		CachePath:       filepath.Join(base, "binaries.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { loc.Close() })

	prober := wtestutil.StaticProber{ID: "sdk-boot", Live: true}
	reg, err := registry.Open(registry.Options{
		Path:       filepath.Join(base, "processes.db"),
		MaxRunning: 64,
		Prober:     prober,
	})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	st, err := store.Open(filepath.Join(base, "content-store"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	cm, err := checkpoint.NewManager(checkpoint.Options{
		Dir:   filepath.Join(base, "checkpoints"),
		Store: st,
	})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.StateRoot = base
	cfg.Sessions.QueueCapacity = 64

	sup, err := session.New(session.Options{
		Config:       cfg.Sessions,
		WorktreesDir: cfg.WorktreesDir(),
		Locator:      loc,
		Registry:     reg,
		Checkpoints:  cm,
		Prober:       prober,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		require.NoError(t, sup.Close(ctx))
	})

	front, err := New(Options{
		Config:      cfg,
		Sessions:    sup,
		Locator:     loc,
		Checkpoints: cm,
		Registry:    reg,
	})
	require.NoError(t, err)
	srv := NewServer(front, "0.0.0-test", nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	serverT, clientT := mcp.NewInMemoryTransports()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(&mcp.Implementation{Name: "warden-test-client", Version: "0.0.0"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs, cfg
}

// callText invokes a tool and decodes the single text content block into out.
func callText(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any, out any) {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.False(t, res.IsError, "tool %s returned an error result", name)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "tool %s returned non-text content", name)
	require.NoError(t, json.Unmarshal([]byte(text.Text), out))
}

func TestToolTableIsComplete(t *testing.T) {
	cs, _ := newClientSession(t)

	res, err := cs.ListTools(context.Background(), &mcp.ListToolsParams{})
	require.NoError(t, err)

	names := make(map[string]bool, len(res.Tools))
	for _, tl := range res.Tools {
		names[tl.Name] = true
		assert.NotEmpty(t, tl.Description, "tool %s has no description", tl.Name)
	}
	want := []string{
		"warden_discover_binary",
		"warden_create_session",
		"warden_send_message",
		"warden_cancel_session",
		"warden_get_session",
		"warden_list_sessions",
		"warden_checkpoint_create",
		"warden_checkpoint_list",
		"warden_checkpoint_get",
		"warden_checkpoint_restore",
		"warden_checkpoint_diff",
		"warden_ref_create",
		"warden_ref_list",
		"warden_ref_delete",
		"warden_gc",
	}
	for _, name := range want {
		assert.True(t, names[name], "tool %s not registered", name)
	}
	assert.Len(t, res.Tools, len(want))
}

func TestDiscoverAndListOverWire(t *testing.T) {
	cs, _ := newClientSession(t)

	var rec struct {
		Path    string `json:"path"`
		Version string `json:"version"`
		Valid   bool   `json:"valid"`
	}
	callText(t, cs, "warden_discover_binary", map[string]any{}, &rec)
	assert.Contains(t, rec.Path, wtestutil.AgentStubName)
	assert.Equal(t, "1.2.3", rec.Version)
	assert.True(t, rec.Valid)

	var list struct {
		Total int `json:"total"`
	}
	callText(t, cs, "warden_list_sessions", map[string]any{}, &list)
	assert.Zero(t, list.Total)
}

func TestSessionLifecycleOverWire(t *testing.T) {
	cs, _ := newClientSession(t)

	var snap struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	callText(t, cs, "warden_create_session", map[string]any{
		"args": []string{"emit", "1", "0"},
	}, &snap)
	require.NotEmpty(t, snap.ID)

	require.Eventually(t, func() bool {
		var got struct {
			State string `json:"state"`
		}
		callText(t, cs, "warden_get_session", map[string]any{"session_id": snap.ID}, &got)
		return got.State == "completed"
	}, 15*time.Second, 20*time.Millisecond)
}

func TestToolErrorsCarryFaultKind(t *testing.T) {
	cs, _ := newClientSession(t)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "warden_get_session",
		Arguments: map[string]any{"session_id": "ses_nope"},
	})
	require.NoError(t, err, "faults travel as error results, not protocol errors")
	require.True(t, res.IsError)
	require.Len(t, res.Content, 1)

	text := res.Content[0].(*mcp.TextContent)
	var payload struct {
		Kind    string `json:"kind"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &payload))
	assert.Equal(t, "not-found", payload.Kind)
	assert.NotEmpty(t, payload.Code)
	assert.NotEmpty(t, payload.Message)
}

func TestConfigResource(t *testing.T) {
	cs, cfg := newClientSession(t)

	res, err := cs.ReadResource(context.Background(), &mcp.ReadResourceParams{URI: "warden://config"})
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	assert.Equal(t, "warden://config", res.Contents[0].URI)
	assert.Equal(t, "application/json", res.Contents[0].MIMEType)

	var got struct {
		StateRoot string `json:"state_root"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Contents[0].Text), &got))
	assert.Equal(t, cfg.StateRoot, got.StateRoot)
}
