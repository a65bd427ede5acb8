package main

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExitErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := &exitError{code: exitConfig, err: cause}
	require.ErrorIs(t, err, cause)
	require.Equal(t, "boom", err.Error())

	bare := &exitError{code: exitNoBinary}
	require.Equal(t, "exit 3", bare.Error())
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	root := &rootFlags{
		stateRoot: filepath.Join(t.TempDir(), "state"),
		logLevel:  "debug",
	}
	cfg, err := root.loadConfig()
	require.NoError(t, err)
	require.Equal(t, root.stateRoot, cfg.StateRoot)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigRejectsBadLevel(t *testing.T) {
	root := &rootFlags{logLevel: "loud"}
	_, err := root.loadConfig()
	var ee *exitError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, exitConfig, ee.code)
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCommand()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "gc", "doctor", "version"} {
		require.True(t, names[want], "missing subcommand %s", want)
	}
}
