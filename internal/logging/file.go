package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
)

// Level represents the severity of a log message.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

const defaultMaxBytes = 32 << 20

// Options configure the file-backed logger.
type Options struct {
	// Path of the log file. Empty disables the file sink.
	Path string
	// Level is the minimum severity written.
	Level Level
	// MaxBytes triggers a single-generation rotation (file -> file.1).
	// Zero means the default of 32 MiB.
	MaxBytes int64
	// Console mirrors output to the given writer when non-nil.
	Console io.Writer
	// Colorize enables per-level colors on the console mirror.
	Colorize bool
}

// sink is the shared write end behind a FileLogger and its component clones.
type sink struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	size     int64
	maxBytes int64
	console  io.Writer
	colorize bool
}

// FileLogger writes timestamped, level-tagged lines to a rotating file and
// optionally mirrors them to a console writer. Component clones share the
// underlying sink and level.
type FileLogger struct {
	s         *sink
	level     *atomic.Int32
	component string
}

// New builds the root file logger. The parent directory is created as needed.
func New(opts Options) (*FileLogger, error) {
	s := &sink{
		path:     opts.Path,
		maxBytes: opts.MaxBytes,
		console:  opts.Console,
		colorize: opts.Colorize,
	}
	if s.maxBytes <= 0 {
		s.maxBytes = defaultMaxBytes
	}
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("stat log file: %w", err)
		}
		s.file = file
		s.size = info.Size()
	}
	level := &atomic.Int32{}
	level.Store(int32(opts.Level))
	return &FileLogger{s: s, level: level, component: "warden"}, nil
}

// SetLevel changes the minimum severity for this logger and all its clones.
func (l *FileLogger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

// Close flushes and closes the file sink.
func (l *FileLogger) Close() error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if l.s.file == nil {
		return nil
	}
	err := l.s.file.Close()
	l.s.file = nil
	return err
}

func (l *FileLogger) withComponent(component string) *FileLogger {
	return &FileLogger{s: l.s, level: l.level, component: component}
}

func (l *FileLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *FileLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *FileLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *FileLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

func (l *FileLogger) log(level Level, format string, args ...any) {
	if int32(level) < l.level.Load() {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// Format: 2026-01-02 15:04:05.000 [INFO] [supervisor] file.go:123 - message
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		timestamp, level.String(), l.component, file, line, message)
	logLine = sanitizeLogLine(logLine)

	l.s.write(level, logLine)
}

func (s *sink) write(level Level, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		if s.size+int64(len(line)) > s.maxBytes {
			s.rotateLocked()
		}
		if n, err := s.file.WriteString(line); err == nil {
			s.size += int64(n)
		}
	}

	if s.console != nil {
		if s.colorize {
			line = colorizeLine(level, line)
		}
		io.WriteString(s.console, line)
	}
}

// rotateLocked renames the current file to <path>.1 and reopens. A previous
// generation is overwritten. Called with mu held.
func (s *sink) rotateLocked() {
	if s.file == nil {
		return
	}
	s.file.Close()
	os.Rename(s.path, s.path+".1")
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		s.file = nil
		s.size = 0
		return
	}
	s.file = file
	s.size = 0
}

var (
	debugColor = color.New(color.FgHiBlack)
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed)
)

func colorizeLine(level Level, line string) string {
	switch level {
	case LevelDebug:
		return debugColor.Sprint(line)
	case LevelWarn:
		return warnColor.Sprint(line)
	case LevelError:
		return errorColor.Sprint(line)
	default:
		return line
	}
}
