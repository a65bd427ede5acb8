// Package testutil provides fixtures shared by integration-style tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// AgentStubName is the binary name tests configure the locator with.
const AgentStubName = "warden-agent-stub"

// agentStubScript speaks the agent CLI wire contract: it answers the
// --version probe and then behaves according to its first argument, writing
// one JSON object per line to stdout.
const agentStubScript = `#!/bin/sh
if [ "$1" = "--version" ]; then
  echo "1.2.3 (Agent CLI)"
  exit 0
fi

case "$1" in
  emit)
    # emit <count> <exit-code>
    n=$2
    i=1
    while [ "$i" -le "$n" ]; do
      printf '{"type":"result","n":%d}\n' "$i"
      i=$((i+1))
    done
    exit "$3"
    ;;
  echon)
    # echon <count>: echo back that many stdin lines, then exit 0
    n=$2
    i=0
    while [ "$i" -lt "$n" ] && IFS= read -r line; do
      printf '{"echo":%s}\n' "$line"
      i=$((i+1))
    done
    exit 0
    ;;
  garbage)
    printf '{"ok":1}\n'
    printf 'this is not json\n'
    printf '{"ok":2}\n'
    exit 0
    ;;
  sleep)
    # sleep <seconds>: one record, then block
    printf '{"started":true}\n'
    exec sleep "$2"
    ;;
  stubborn)
    # ignore SIGTERM so only SIGKILL ends the loop
    trap '' TERM
    printf '{"started":true}\n'
    while :; do
      sleep 0.2 2>/dev/null || :
    done
    ;;
  drip)
    # drip <count> <delay>: records spaced by delay seconds
    n=$2
    i=1
    while [ "$i" -le "$n" ]; do
      printf '{"drip":%d}\n' "$i"
      i=$((i+1))
      sleep "$3"
    done
    exit 0
    ;;
  readfile)
    # readfile <path>: emit the file's first line from the work tree
    content=$(head -n1 "$2" 2>/dev/null || echo missing)
    printf '{"content":"%s"}\n' "$content"
    exit 0
    ;;
  stderr)
    printf '{"ok":1}\n'
    echo 'boom happened' >&2
    exit 3
    ;;
esac
exit 0
`

// WriteAgentStub installs the stub agent CLI into a fresh directory and
// returns that directory for use as a locator install prefix.
func WriteAgentStub(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, AgentStubName)
	if err := os.WriteFile(path, []byte(agentStubScript), 0o755); err != nil {
		t.Fatalf("write agent stub: %v", err)
	}
	return dir
}

// StaticProber satisfies the registry prober with canned answers, keeping
// liveness checks out of supervisor tests.
type StaticProber struct {
	ID   string
	Live bool
}

func (p StaticProber) BootID() string { return p.ID }

func (p StaticProber) Alive(int, int64) bool { return p.Live }
