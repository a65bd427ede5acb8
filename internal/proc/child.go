// Package proc spawns and manages agent CLI child processes. Children run
// in their own process group so termination reaches any helpers they fork.
package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"warden/internal/clockwork"
	"warden/internal/faults"
	"warden/internal/logging"
)

// ErrZombie is returned by Terminate when the child survives SIGKILL past
// the zombie timeout. The kernel owes us a reap that is not coming soon.
var ErrZombie = errors.New("process survived SIGKILL")

// Config defines how to spawn one agent CLI child.
type Config struct {
	Command    string
	Args       []string
	Env        []string
	WorkingDir string
	Logger     logging.Logger
}

// Child is a single running agent CLI process. The stdout and stderr pipes
// are consumed by the stream engine; stdin writes go through WriteLine.
//
// The pipes are plain os.Pipe pairs owned by this package rather than
// exec.Cmd pipes: Wait runs in the background as soon as the child starts,
// and exec.Cmd.Wait closes its own pipes on reap, which would discard any
// output still buffered when a child exits quickly. Owned pipes stay open
// until Release, so readers always drain to a true EOF.
type Child struct {
	cfg    Config
	logger logging.Logger

	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	stderr *os.File

	pgid      int
	startedAt time.Time
	done      chan struct{}
	waitErr   error

	// writeMu serializes stdin writes so concurrent callers cannot
	// interleave partial lines.
	writeMu sync.Mutex
	wedged  bool

	killOnce    sync.Once
	releaseOnce sync.Once
}

// Start spawns the child with pipes attached and begins reaping it in the
// background. The child gets its own process group.
func Start(cfg Config) (*Child, error) {
	c := &Child{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logging.OrNop(cfg.Logger), "proc"),
		done:   make(chan struct{}),
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	if cfg.WorkingDir != "" {
		cmd.Dir = cfg.WorkingDir
	}
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}
	// The child holds its own copies now; keeping these open in the parent
	// would suppress EOF on the read ends.
	closeAll(stdinR, stdoutW, stderrW)

	c.cmd = cmd
	c.stdin = stdinW
	c.stdout = stdoutR
	c.stderr = stderrR
	c.startedAt = time.Now()
	c.pgid, _ = syscall.Getpgid(cmd.Process.Pid)
	if c.pgid == 0 {
		c.pgid = cmd.Process.Pid
	}

	go func() {
		c.waitErr = cmd.Wait()
		close(c.done)
	}()

	c.logger.Debug("started %s pid=%d pgid=%d", cfg.Command, cmd.Process.Pid, c.pgid)
	return c, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// PID returns the child's process id.
func (c *Child) PID() int {
	return c.cmd.Process.Pid
}

// StartedAt returns when the child was spawned.
func (c *Child) StartedAt() time.Time {
	return c.startedAt
}

// Stdout returns the child's stdout pipe.
func (c *Child) Stdout() io.ReadCloser {
	return c.stdout
}

// Stderr returns the child's stderr pipe.
func (c *Child) Stderr() io.ReadCloser {
	return c.stderr
}

// Done is closed once the child has been reaped.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// Running reports whether the child has not yet been reaped.
func (c *Child) Running() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the child's exit code once it has been reaped. Children
// killed by a signal report 128 plus the signal number, shell style. ok is
// false while the child is still running.
func (c *Child) ExitCode() (code int, ok bool) {
	select {
	case <-c.done:
	default:
		return 0, false
	}
	if c.waitErr == nil {
		return 0, true
	}
	var exitErr *exec.ExitError
	if errors.As(c.waitErr, &exitErr) {
		if ws, isWait := exitErr.Sys().(syscall.WaitStatus); isWait && ws.Signaled() {
			return 128 + int(ws.Signal()), true
		}
		return exitErr.ExitCode(), true
	}
	return -1, true
}

// WaitErr returns the raw error from reaping, nil for a clean exit. Only
// valid after Done is closed.
func (c *Child) WaitErr() error {
	return c.waitErr
}

// WriteLine writes one line to the child's stdin, appending the trailing
// newline if missing. Writes are serialized. A write that does not complete
// before ctx expires wedges the pipe: the slow write may still land, so no
// further writes are accepted and the caller should terminate the child.
func (c *Child) WriteLine(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.wedged {
		return faults.Busy("stdin_wedged", "stdin blocked by an earlier timed-out write")
	}
	if !c.Running() {
		return faults.SessionNotRunning("child_exited", "child process has exited")
	}

	payload := make([]byte, 0, len(data)+1)
	payload = append(payload, data...)
	if len(payload) == 0 || payload[len(payload)-1] != '\n' {
		payload = append(payload, '\n')
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.stdin.Write(payload)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return faults.Io(err, "stdin_write", "write stdin")
		}
		return nil
	case <-ctx.Done():
		c.wedged = true
		c.logger.Warn("stdin write timed out for pid=%d, marking pipe wedged", c.PID())
		return faults.Timeout("stdin_write", "stdin write did not complete: %v", ctx.Err())
	}
}

// CloseStdin closes the child's stdin, signalling end of input.
func (c *Child) CloseStdin() error {
	return c.stdin.Close()
}

// Release closes the parent-side pipe ends. Call it after the streams are
// drained, or on a wedged child to force blocked readers out. Idempotent.
func (c *Child) Release() {
	c.releaseOnce.Do(func() {
		closeAll(c.stdin, c.stdout, c.stderr)
	})
}

// Signal sends sig to the whole process group.
func (c *Child) Signal(sig syscall.Signal) error {
	return syscall.Kill(-c.pgid, sig)
}

// Terminate stops the process group: SIGTERM first, SIGKILL after grace,
// then up to zombieTimeout waiting for the reap. Returns nil once the child
// is reaped and ErrZombie if it never is.
func (c *Child) Terminate(clock clockwork.Clock, grace, zombieTimeout time.Duration) error {
	select {
	case <-c.done:
		return nil
	default:
	}

	_ = c.Signal(syscall.SIGTERM)
	graceTimer := clock.NewTimer(grace)
	defer graceTimer.Stop()
	select {
	case <-c.done:
		return nil
	case <-graceTimer.C():
	}

	c.killOnce.Do(func() {
		c.logger.Warn("pid=%d ignored SIGTERM for %s, sending SIGKILL", c.PID(), grace)
		_ = c.Signal(syscall.SIGKILL)
	})

	killTimer := clock.NewTimer(zombieTimeout)
	defer killTimer.Stop()
	select {
	case <-c.done:
		return nil
	case <-killTimer.C():
		return fmt.Errorf("pid %d: %w", c.PID(), ErrZombie)
	}
}
