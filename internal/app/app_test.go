package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"warden/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.StateRoot = t.TempDir()
	cfg.Locator.BinaryName = "true"
	cfg.Locator.InstallPrefixes = []string{"/usr/bin", "/bin"}
	return cfg
}

func TestBuildAndClose(t *testing.T) {
	cfg := testConfig(t)
	a, err := Build(cfg, "test", nil)
	require.NoError(t, err)

	require.NotNil(t, a.Sessions)
	require.NotNil(t, a.Frontend)
	require.NotNil(t, a.Server)
	require.NotNil(t, a.Checkpoints)
	require.Nil(t, a.Ops, "ops server must stay off without a listen address")

	// The state-root layout is created up front.
	for _, dir := range []string{cfg.LogsDir(), cfg.RegistryDir(), cfg.WorktreesDir()} {
		info, statErr := os.Stat(dir)
		require.NoError(t, statErr)
		require.True(t, info.IsDir())
	}
	_, err = os.Stat(filepath.Join(cfg.RegistryDir(), "processes.db"))
	require.NoError(t, err)

	require.NoError(t, a.Close(context.Background()))
}

func TestBuildWithOps(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ops.ListenAddr = "127.0.0.1:0"
	a, err := Build(cfg, "test", nil)
	require.NoError(t, err)
	require.NotNil(t, a.Ops)
	require.NoError(t, a.Close(context.Background()))
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sessions.MaxConcurrent = 0
	_, err := Build(cfg, "test", nil)
	require.Error(t, err)
}

func TestCloseIsSafeOnPartialApp(t *testing.T) {
	a := &App{}
	require.NoError(t, a.Close(context.Background()))
}
