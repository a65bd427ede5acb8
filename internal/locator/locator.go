// Package locator discovers the agent CLI executable. Discovery walks a
// fixed chain of sources, validates candidates by running a version probe,
// and caches the winner with a TTL so sessions do not pay the probe cost.
package locator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sync/singleflight"

	"warden/internal/bus"
	"warden/internal/clockwork"
	"warden/internal/faults"
	"warden/internal/logging"
)

// Method records which discovery source produced a binary.
type Method string

const (
	MethodOverride Method = "override"
	MethodPath     Method = "path"
	MethodManager  Method = "version-manager"
	MethodPrefix   Method = "install-prefix"
)

// Record describes a resolved agent CLI binary.
type Record struct {
	Path           string    `json:"path"`
	Version        string    `json:"version"`
	Method         Method    `json:"method"`
	DiscoveredAt   time.Time `json:"discovered_at"`
	LastVerifiedAt time.Time `json:"last_verified_at"`
	Valid          bool      `json:"valid"`
}

// ProbeFunc runs a candidate's version probe and returns its raw output.
// Injectable so tests can resolve without executing anything.
type ProbeFunc func(ctx context.Context, path string) (string, error)

// Options configures a Locator.
type Options struct {
	BinaryName      string
	Override        string
	MinVersion      string
	ProbeTimeout    time.Duration
	TTL             time.Duration
	ManagerGlobs    []string
	InstallPrefixes []string

	// CachePath is the binaries.db location; empty disables persistence.
	CachePath string

	Clock  clockwork.Clock
	Logger logging.Logger
	Bus    *bus.Bus
	Probe  ProbeFunc
}

// Locator resolves and caches the agent CLI binary.
type Locator struct {
	opts   Options
	clock  clockwork.Clock
	logger logging.Logger
	events *bus.Bus
	probe  ProbeFunc
	cache  *binaryCache

	sf singleflight.Group

	mu     sync.RWMutex
	cached *Record
}

var versionPattern = regexp.MustCompile(`\d+\.\d+\.\d+(?:-[0-9A-Za-z.-]+)?`)

// New builds a Locator and warms its in-memory record from the on-disk
// cache when one is configured.
func New(opts Options) (*Locator, error) {
	if opts.BinaryName == "" {
		return nil, faults.Invalid("binary_name_empty", "locator needs a binary name")
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	l := &Locator{
		opts:   opts,
		clock:  opts.Clock,
		logger: logging.NewComponentLogger(logging.OrNop(opts.Logger), "locator"),
		events: opts.Bus,
		probe:  opts.Probe,
	}
	if l.clock == nil {
		l.clock = clockwork.Real()
	}
	if l.probe == nil {
		l.probe = execProbe
	}
	if opts.CachePath != "" {
		cache, err := openBinaryCache(opts.CachePath)
		if err != nil {
			return nil, err
		}
		l.cache = cache
		rec, err := cache.load(opts.BinaryName)
		if err != nil {
			l.logger.Warn("discarding unreadable binary cache entry: %v", err)
		} else if rec != nil {
			l.cached = rec
		}
	}
	return l, nil
}

// Close releases the on-disk cache.
func (l *Locator) Close() error {
	if l.cache == nil {
		return nil
	}
	return l.cache.Close()
}

// Resolve returns the cached record while it is fresh, otherwise runs the
// discovery chain. force skips the freshness check. Concurrent calls share
// a single discovery pass.
func (l *Locator) Resolve(ctx context.Context, force bool) (*Record, error) {
	if !force {
		if rec := l.fresh(); rec != nil {
			return rec, nil
		}
	}

	v, err, _ := l.sf.Do("resolve", func() (any, error) {
		if !force {
			if rec := l.fresh(); rec != nil {
				return rec, nil
			}
		}
		rec, err := l.discover(ctx)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.cached = rec
		l.mu.Unlock()
		if l.cache != nil {
			if err := l.cache.save(l.opts.BinaryName, rec); err != nil {
				l.logger.Warn("persisting binary record failed: %v", err)
			}
		}
		if l.events != nil {
			l.events.Publish(bus.Event{
				Kind: bus.KindBinaryResolved,
				Payload: map[string]any{
					"path":    rec.Path,
					"version": rec.Version,
					"method":  string(rec.Method),
				},
			})
		}
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	rec := *(v.(*Record))
	return &rec, nil
}

// Invalidate forces the next Resolve to rediscover.
func (l *Locator) Invalidate() {
	l.mu.Lock()
	l.cached = nil
	l.mu.Unlock()
	if l.cache != nil {
		if err := l.cache.invalidate(l.opts.BinaryName); err != nil {
			l.logger.Warn("invalidating binary cache failed: %v", err)
		}
	}
	l.logger.Info("binary cache invalidated for %s", l.opts.BinaryName)
}

func (l *Locator) fresh() *Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.cached == nil || !l.cached.Valid {
		return nil
	}
	if l.clock.Now().Sub(l.cached.LastVerifiedAt) >= l.opts.TTL {
		return nil
	}
	rec := *l.cached
	return &rec
}

type candidate struct {
	path   string
	method Method
}

func (l *Locator) discover(ctx context.Context) (*Record, error) {
	now := l.clock.Now()
	seen := make(map[string]struct{})
	for _, cand := range l.candidates() {
		if _, dup := seen[cand.path]; dup {
			continue
		}
		seen[cand.path] = struct{}{}
		if !executableFile(cand.path) {
			continue
		}
		version, err := l.probeVersion(ctx, cand.path)
		if err != nil {
			l.logger.Warn("candidate %s via %s rejected: %v", cand.path, cand.method, err)
			continue
		}
		l.logger.Info("resolved %s: path=%s version=%s method=%s",
			l.opts.BinaryName, cand.path, version, cand.method)
		return &Record{
			Path:           cand.path,
			Version:        version,
			Method:         cand.method,
			DiscoveredAt:   now,
			LastVerifiedAt: now,
			Valid:          true,
		}, nil
	}
	return nil, faults.NotFound("binary_not_found",
		"no usable %s executable found on this host", l.opts.BinaryName)
}

func (l *Locator) candidates() []candidate {
	var out []candidate
	if l.opts.Override != "" {
		out = append(out, candidate{expandHome(l.opts.Override), MethodOverride})
	}
	if p, err := exec.LookPath(l.opts.BinaryName); err == nil {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		out = append(out, candidate{p, MethodPath})
	}
	for _, pattern := range l.opts.ManagerGlobs {
		matches, err := filepath.Glob(expandHome(pattern))
		if err != nil || len(matches) == 0 {
			continue
		}
		// Newest versioned directory first.
		sort.Sort(sort.Reverse(sort.StringSlice(matches)))
		for _, dir := range matches {
			out = append(out, candidate{filepath.Join(dir, l.opts.BinaryName), MethodManager})
		}
	}
	for _, prefix := range l.opts.InstallPrefixes {
		out = append(out, candidate{filepath.Join(expandHome(prefix), l.opts.BinaryName), MethodPrefix})
	}
	return out
}

// probeVersion runs the candidate's version probe and checks the minimum
// version constraint when one is configured.
func (l *Locator) probeVersion(ctx context.Context, path string) (string, error) {
	pctx, cancel := context.WithTimeout(ctx, l.opts.ProbeTimeout)
	defer cancel()

	out, err := l.probe(pctx, path)
	if err != nil {
		return "", fmt.Errorf("version probe: %w", err)
	}
	firstLine := out
	if i := strings.IndexByte(firstLine, '\n'); i >= 0 {
		firstLine = firstLine[:i]
	}
	raw := versionPattern.FindString(firstLine)
	if raw == "" {
		return "", fmt.Errorf("no version in probe output %q", firstLine)
	}
	ver, err := semver.NewVersion(raw)
	if err != nil {
		return "", fmt.Errorf("parse version %q: %w", raw, err)
	}
	if l.opts.MinVersion != "" {
		min, err := semver.NewVersion(l.opts.MinVersion)
		if err != nil {
			return "", fmt.Errorf("parse min version %q: %w", l.opts.MinVersion, err)
		}
		if ver.LessThan(min) {
			return "", fmt.Errorf("version %s below minimum %s", ver, min)
		}
	}
	return ver.String(), nil
}

func execProbe(ctx context.Context, path string) (string, error) {
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func executableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode()&0o111 != 0
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
