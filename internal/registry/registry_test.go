package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/bus"
	"warden/internal/faults"
)

type fakeProber struct {
	bootID string
	alive  map[int]int64
}

func (f *fakeProber) BootID() string { return f.bootID }

func (f *fakeProber) Alive(pid int, ticks int64) bool {
	t, ok := f.alive[pid]
	return ok && t == ticks
}

func openTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "processes.db")
	}
	r, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func record(session string, pid int, ticks int64) ProcessRecord {
	return ProcessRecord{
		SessionID:  session,
		PID:        pid,
		ExePath:    "/usr/local/bin/claude",
		ArgvHash:   HashArgv([]string{"claude", "--output-format", "stream-json"}),
		StartTicks: ticks,
		BootID:     "boot-1",
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := openTestRegistry(t, Options{})
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, record("ses-a", 4242, 100)))

	got, err := r.Get(ctx, "ses-a")
	require.NoError(t, err)
	assert.Equal(t, 4242, got.PID)
	assert.Equal(t, int64(100), got.StartTicks)
	assert.Equal(t, StateRunning, got.State)
	assert.Equal(t, "boot-1", got.BootID)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = r.Get(ctx, "ses-missing")
	assert.True(t, faults.IsKind(err, faults.KindNotFound))
}

func TestRegisterEnforcesRunningCap(t *testing.T) {
	r := openTestRegistry(t, Options{MaxRunning: 2})
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, record("ses-1", 1001, 1)))
	require.NoError(t, r.Register(ctx, record("ses-2", 1002, 2)))

	err := r.Register(ctx, record("ses-3", 1003, 3))
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindBusy))

	require.NoError(t, r.Unregister(ctx, "ses-1"))
	require.NoError(t, r.Register(ctx, record("ses-3", 1003, 3)))
}

func TestRegisterRejectsDuplicateIdentity(t *testing.T) {
	r := openTestRegistry(t, Options{})
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, record("ses-a", 777, 42)))

	err := r.Register(ctx, record("ses-b", 777, 42))
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.KindConflict))

	// A different start time is a different process, pid reuse is fine.
	require.NoError(t, r.Register(ctx, record("ses-c", 777, 43)))

	// And once the holder is terminal the identity is free again.
	require.NoError(t, r.Unregister(ctx, "ses-a"))
	require.NoError(t, r.Register(ctx, record("ses-d", 777, 42)))
}

func TestUnregisterIdempotent(t *testing.T) {
	r := openTestRegistry(t, Options{})
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, record("ses-a", 1, 1)))
	require.NoError(t, r.Unregister(ctx, "ses-a"))
	require.NoError(t, r.Unregister(ctx, "ses-a"))

	got, err := r.Get(ctx, "ses-a")
	require.NoError(t, err)
	assert.Equal(t, StateExited, got.State)

	err = r.Unregister(ctx, "ses-never")
	assert.True(t, faults.IsKind(err, faults.KindNotFound))
}

func TestListFilters(t *testing.T) {
	r := openTestRegistry(t, Options{})
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, record("ses-1", 1, 1)))
	require.NoError(t, r.Register(ctx, record("ses-2", 2, 2)))
	require.NoError(t, r.Register(ctx, record("ses-3", 3, 3)))
	require.NoError(t, r.Unregister(ctx, "ses-2"))

	running, err := r.List(ctx, Filter{States: []State{StateRunning}})
	require.NoError(t, err)
	assert.Len(t, running, 2)

	all, err := r.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := r.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	n, err := r.RunningCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReconcileKeepsLiveAndOrphansDead(t *testing.T) {
	events := bus.New(nil)
	sub := events.Subscribe(16)
	defer sub.Close()

	prober := &fakeProber{
		bootID: "boot-1",
		alive:  map[int]int64{2001: 50},
	}
	r := openTestRegistry(t, Options{Bus: events, Prober: prober})
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, record("ses-live", 2001, 50)))
	require.NoError(t, r.Register(ctx, record("ses-dead", 2002, 60)))
	require.NoError(t, r.Register(ctx, record("ses-reused", 2001, 40)))
	stale := record("ses-oldboot", 2003, 70)
	stale.BootID = "boot-0"
	require.NoError(t, r.Register(ctx, stale))

	res, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Checked)
	assert.Equal(t, 1, res.Kept)
	assert.Equal(t, 3, res.Orphaned)

	live, err := r.Get(ctx, "ses-live")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, live.State)

	for _, id := range []string{"ses-dead", "ses-reused", "ses-oldboot"} {
		rec, err := r.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StateOrphaned, rec.State, id)
	}

	orphanEvents := 0
	for len(sub.C) > 0 {
		ev := <-sub.C
		if ev.Kind == bus.KindProcessOrphaned {
			orphanEvents++
		}
	}
	assert.Equal(t, 3, orphanEvents)

	// Orphans stay orphans on the next pass.
	res, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Zero(t, res.Orphaned)
}

func TestOrphanedIdentityCanBeReRegistered(t *testing.T) {
	prober := &fakeProber{bootID: "boot-1"}
	r := openTestRegistry(t, Options{Prober: prober})
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, record("ses-old", 3001, 10)))
	_, err := r.Reconcile(ctx)
	require.NoError(t, err)

	// The orphan keeps its record; a new session claims the identity.
	require.NoError(t, r.Register(ctx, record("ses-new", 3001, 10)))

	old, err := r.Get(ctx, "ses-old")
	require.NoError(t, err)
	assert.Equal(t, StateOrphaned, old.State)
}

func TestRegistrySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processes.db")
	r1 := openTestRegistry(t, Options{Path: path})
	require.NoError(t, r1.Register(context.Background(), record("ses-a", 1, 1)))
	require.NoError(t, r1.Close())

	r2, err := Open(Options{Path: path})
	require.NoError(t, err)
	defer r2.Close()

	got, err := r2.Get(context.Background(), "ses-a")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)
}

func TestProcfsProberRecognizesSelf(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("procfs not available")
	}

	prober, err := NewProcfsProber()
	require.NoError(t, err)
	assert.NotEmpty(t, prober.BootID())

	self := os.Getpid()
	ticks, err := ReadStartTicks(self)
	require.NoError(t, err)
	assert.Positive(t, ticks)

	assert.True(t, prober.Alive(self, ticks))
	assert.False(t, prober.Alive(self, ticks+12345))
	assert.False(t, prober.Alive(1<<22+1234, 1))
}

func TestHashArgvStable(t *testing.T) {
	a := HashArgv([]string{"claude", "-p", "hello"})
	b := HashArgv([]string{"claude", "-p", "hello"})
	c := HashArgv([]string{"claude", "-p", "other"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 24)

	d := HashArgv([]string{"ab", "c"})
	e := HashArgv([]string{"a", "bc"})
	assert.NotEqual(t, d, e)
}

func TestReconcileTouchesLiveness(t *testing.T) {
	prober := &fakeProber{bootID: "boot-1", alive: map[int]int64{9001: 5}}
	r := openTestRegistry(t, Options{Prober: prober})
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, record("ses-a", 9001, 5)))
	before, err := r.Get(ctx, "ses-a")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = r.Reconcile(ctx)
	require.NoError(t, err)

	after, err := r.Get(ctx, "ses-a")
	require.NoError(t, err)
	assert.True(t, after.LivenessCheckedAt.After(before.LivenessCheckedAt))
}
