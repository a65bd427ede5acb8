package registry

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Prober answers liveness questions about host processes. The procfs
// implementation is used in production; tests inject their own.
type Prober interface {
	// BootID identifies the current host boot. Records from an earlier
	// boot can never match a live process.
	BootID() string
	// Alive reports whether a process with this pid and start-time
	// signature is currently running.
	Alive(pid int, startTicks int64) bool
}

type procfsProber struct {
	bootID string
}

// NewProcfsProber reads the host boot id once and probes /proc afterwards.
func NewProcfsProber() (Prober, error) {
	id, err := readBootID()
	if err != nil {
		return nil, fmt.Errorf("read boot id: %w", err)
	}
	return &procfsProber{bootID: id}, nil
}

func (p *procfsProber) BootID() string {
	return p.bootID
}

func (p *procfsProber) Alive(pid int, startTicks int64) bool {
	ticks, err := ReadStartTicks(pid)
	if err != nil {
		// No stat file means no such process. Fall back to a signal
		// probe for hosts without procfs.
		if os.IsNotExist(err) {
			return false
		}
		return syscall.Kill(pid, syscall.Signal(0)) == nil
	}
	return ticks == startTicks
}

func readBootID() (string, error) {
	data, err := os.ReadFile("/proc/sys/kernel/random/boot_id")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// ReadStartTicks returns the process start time in clock ticks since boot,
// field 22 of /proc/<pid>/stat. Together with the boot id it forms a
// signature that survives pid reuse.
func ReadStartTicks(pid int) (int64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	// The comm field may contain spaces and parentheses; everything after
	// the last ')' is fixed-position.
	i := bytes.LastIndexByte(data, ')')
	if i < 0 || i+2 >= len(data) {
		return 0, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(string(data[i+2:]))
	// fields[0] is stat field 3, so start time (field 22) is index 19.
	if len(fields) < 20 {
		return 0, fmt.Errorf("short stat for pid %d", pid)
	}
	ticks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse start ticks for pid %d: %w", pid, err)
	}
	return ticks, nil
}
