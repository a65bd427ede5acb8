package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileLoggerWritesTaggedLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "warden.log")
	root, err := New(Options{Path: path, Level: LevelDebug})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer root.Close()

	sup := NewComponentLogger(root, "supervisor")
	sup.Info("session %s started", "ses-1")
	sup.Debug("queue depth %d", 3)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "[INFO] [supervisor]") {
		t.Errorf("missing component tag, got:\n%s", out)
	}
	if !strings.Contains(out, "session ses-1 started") {
		t.Errorf("missing formatted message, got:\n%s", out)
	}
	if !strings.Contains(out, "queue depth 3") {
		t.Errorf("missing debug line, got:\n%s", out)
	}
}

func TestFileLoggerLevelFilter(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "warden.log")
	root, err := New(Options{Path: path, Level: LevelWarn})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer root.Close()

	root.Info("dropped")
	root.Warn("kept")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if strings.Contains(string(data), "dropped") {
		t.Errorf("info line written despite warn level")
	}
	if !strings.Contains(string(data), "kept") {
		t.Errorf("warn line missing")
	}
}

func TestFileLoggerRotation(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "warden.log")
	root, err := New(Options{Path: path, Level: LevelDebug, MaxBytes: 512})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer root.Close()

	for i := 0; i < 50; i++ {
		root.Info("line %03d padding padding padding padding", i)
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("rotated generation missing: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("active log missing: %v", err)
	}
	if info.Size() > 1024 {
		t.Errorf("active log size = %d, want rotation to have kept it small", info.Size())
	}
}

func TestConsoleMirror(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	root, err := New(Options{Level: LevelInfo, Console: &buf})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	root.Info("hello %s", "console")
	if !strings.Contains(buf.String(), "hello console") {
		t.Errorf("console mirror missing output, got %q", buf.String())
	}
}

func TestSanitizeLogLine(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		in     string
		secret string
	}{
		{"bearer", `Authorization: Bearer abc123def456xyz`, "abc123def456xyz"},
		{"api key", `api_key=sk-proj-aaaabbbbccccdddd11112222`, "aaaabbbbccccdddd"},
		{"standalone", `child env leaked sk-aaaabbbbccccdddd1111 here`, "aaaabbbbccccdddd"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := sanitizeLogLine(tc.in)
			if strings.Contains(got, tc.secret) {
				t.Errorf("sanitizeLogLine(%q) = %q, secret survived", tc.in, got)
			}
			if !strings.Contains(got, redactedPlaceholder) {
				t.Errorf("sanitizeLogLine(%q) = %q, placeholder missing", tc.in, got)
			}
		})
	}
}

func TestWithLogIDTagsLines(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	root, err := New(Options{Level: LevelDebug, Console: &buf})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	WithLogID(root, "req-123").Info("dispatch")
	if !strings.Contains(buf.String(), "{req-123} dispatch") {
		t.Errorf("log id tag missing, got %q", buf.String())
	}
}

func TestMultiFansOut(t *testing.T) {
	t.Parallel()

	var a, b bytes.Buffer
	la, err := New(Options{Level: LevelDebug, Console: &a})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	lb, err := New(Options{Level: LevelDebug, Console: &b})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	Multi(la, nil, lb).Info("fanout")
	if !strings.Contains(a.String(), "fanout") || !strings.Contains(b.String(), "fanout") {
		t.Errorf("Multi did not reach all sinks: a=%q b=%q", a.String(), b.String())
	}
}

func TestOrNopHandlesTypedNilPointers(t *testing.T) {
	t.Parallel()

	var fl *FileLogger
	var logger Logger = fl
	if !IsNil(logger) {
		t.Fatalf("expected typed nil pointer to be detected")
	}
	safe := OrNop(logger)
	if IsNil(safe) {
		t.Fatalf("expected OrNop to return a usable logger")
	}
	safe.Info("hello %s", "world") // should not panic
}
