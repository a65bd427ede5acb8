// Package registry keeps a durable record of every child process the server
// has spawned, so a restart can tell which ones are still alive and which
// became orphans. Records carry the boot id and the process start-time
// signature to disambiguate pid reuse.
package registry

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"warden/internal/bus"
	"warden/internal/clockwork"
	"warden/internal/faults"
	"warden/internal/logging"
)

// State of a registered process record.
type State string

const (
	StateRunning  State = "running"
	StateExited   State = "exited"
	StateOrphaned State = "orphaned"
)

// ProcessRecord is one durable row.
type ProcessRecord struct {
	SessionID         string    `json:"session_id"`
	PID               int       `json:"pid"`
	ExePath           string    `json:"exe_path"`
	ArgvHash          string    `json:"argv_hash"`
	StartTicks        int64     `json:"start_ticks"`
	BootID            string    `json:"boot_id"`
	State             State     `json:"state"`
	CreatedAt         time.Time `json:"created_at"`
	LivenessCheckedAt time.Time `json:"liveness_checked_at"`
}

// Filter narrows List results.
type Filter struct {
	States []State
	Limit  int
}

// ReconcileResult summarizes a startup reconciliation pass.
type ReconcileResult struct {
	Checked  int `json:"checked"`
	Kept     int `json:"kept"`
	Orphaned int `json:"orphaned"`
}

// Options configures a Registry.
type Options struct {
	// Path is the processes.db location.
	Path string
	// MaxRunning caps concurrently running records; 0 means no cap.
	MaxRunning int
	Clock      clockwork.Clock
	Logger     logging.Logger
	Bus        *bus.Bus
	Prober     Prober
}

// Registry is the durable process table. A single connection serializes
// writers; reads are cheap.
type Registry struct {
	db     *sql.DB
	opts   Options
	clock  clockwork.Clock
	logger logging.Logger
	events *bus.Bus
	prober Prober
}

// Open creates or opens the registry database.
func Open(opts Options) (*Registry, error) {
	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open process registry: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("registry pragma: %w", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS processes (
		session_id          TEXT PRIMARY KEY,
		pid                 INTEGER NOT NULL,
		exe_path            TEXT NOT NULL,
		argv_hash           TEXT NOT NULL,
		start_ticks         INTEGER NOT NULL,
		boot_id             TEXT NOT NULL,
		state               TEXT NOT NULL,
		created_at          INTEGER NOT NULL,
		liveness_checked_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_processes_identity
		ON processes(pid, start_ticks) WHERE state = 'running';
	CREATE INDEX IF NOT EXISTS idx_processes_state ON processes(state);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry schema: %w", err)
	}

	r := &Registry{
		db:     db,
		opts:   opts,
		clock:  opts.Clock,
		logger: logging.NewComponentLogger(logging.OrNop(opts.Logger), "registry"),
		events: opts.Bus,
		prober: opts.Prober,
	}
	if r.clock == nil {
		r.clock = clockwork.Real()
	}
	return r, nil
}

// Close releases the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// HashArgv fingerprints a child's argv for the registry record.
func HashArgv(argv []string) string {
	sum := sha256.Sum256([]byte(strings.Join(argv, "\x00")))
	return hex.EncodeToString(sum[:12])
}

// Register durably records a new running child. It fails with Busy when the
// running cap is reached and Conflict when a running record already claims
// the same process identity.
func (r *Registry) Register(ctx context.Context, rec ProcessRecord) error {
	if rec.SessionID == "" {
		return faults.Invalid("session_id_empty", "process record needs a session id")
	}
	now := r.clock.Now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin register: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if r.opts.MaxRunning > 0 {
		var running int
		if err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM processes WHERE state = ?`, StateRunning,
		).Scan(&running); err != nil {
			return fmt.Errorf("count running: %w", err)
		}
		if running >= r.opts.MaxRunning {
			err = faults.Busy("max_sessions", "%d sessions already running (cap %d)",
				running, r.opts.MaxRunning)
			return err
		}
	}

	var clash string
	err = tx.QueryRowContext(ctx, `
		SELECT session_id FROM processes
		WHERE pid = ? AND start_ticks = ? AND state = ?`,
		rec.PID, rec.StartTicks, StateRunning,
	).Scan(&clash)
	switch {
	case err == nil:
		err = faults.Conflict("pid_in_use",
			"pid %d with the same start time is already registered to %s", rec.PID, clash)
		return err
	case errors.Is(err, sql.ErrNoRows):
		err = nil
	default:
		return fmt.Errorf("check identity: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO processes
			(session_id, pid, exe_path, argv_hash, start_ticks, boot_id, state, created_at, liveness_checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.PID, rec.ExePath, rec.ArgvHash, rec.StartTicks,
		rec.BootID, StateRunning, now.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("insert process record: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit register: %w", err)
	}
	r.logger.Debug("registered session=%s pid=%d", rec.SessionID, rec.PID)
	return nil
}

// Unregister marks a record exited. Calling it again for an already
// terminal record is a no-op.
func (r *Registry) Unregister(ctx context.Context, sessionID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE processes SET state = ?, liveness_checked_at = ?
		WHERE session_id = ? AND state = ?`,
		StateExited, r.clock.Now().UnixNano(), sessionID, StateRunning)
	if err != nil {
		return fmt.Errorf("unregister %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err := r.db.QueryRowContext(ctx,
			`SELECT 1 FROM processes WHERE session_id = ?`, sessionID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return faults.NotFound("session_unknown", "no process record for session %s", sessionID)
		}
	}
	return nil
}

// Get returns one record by session id.
func (r *Registry) Get(ctx context.Context, sessionID string) (*ProcessRecord, error) {
	rows, err := r.queryRecords(ctx,
		`WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, faults.NotFound("session_unknown", "no process record for session %s", sessionID)
	}
	return &rows[0], nil
}

// List returns records matching the filter, newest first.
func (r *Registry) List(ctx context.Context, filter Filter) ([]ProcessRecord, error) {
	var (
		where string
		args  []any
	)
	if len(filter.States) > 0 {
		ph := make([]string, len(filter.States))
		for i, s := range filter.States {
			ph[i] = "?"
			args = append(args, s)
		}
		where = fmt.Sprintf("WHERE state IN (%s)", strings.Join(ph, ","))
	}
	where += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		where += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return r.queryRecords(ctx, where, args...)
}

// RunningCount returns the number of records in the running state.
func (r *Registry) RunningCount(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processes WHERE state = ?`, StateRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count running: %w", err)
	}
	return n, nil
}

// Reconcile walks every running record and asks the host whether that
// process still exists with the same start-time signature. Records that do
// not match become Orphaned and are announced on the bus; they are never
// resurrected.
func (r *Registry) Reconcile(ctx context.Context) (ReconcileResult, error) {
	if r.prober == nil {
		return ReconcileResult{}, faults.Invalid("prober_missing", "registry has no liveness prober")
	}
	records, err := r.queryRecords(ctx, `WHERE state = ?`, StateRunning)
	if err != nil {
		return ReconcileResult{}, err
	}

	result := ReconcileResult{Checked: len(records)}
	now := r.clock.Now().UnixNano()
	bootID := r.prober.BootID()

	for _, rec := range records {
		alive := rec.BootID == bootID && r.prober.Alive(rec.PID, rec.StartTicks)
		if alive {
			result.Kept++
			if _, err := r.db.ExecContext(ctx, `
				UPDATE processes SET liveness_checked_at = ? WHERE session_id = ?`,
				now, rec.SessionID); err != nil {
				return result, fmt.Errorf("touch %s: %w", rec.SessionID, err)
			}
			continue
		}

		result.Orphaned++
		if _, err := r.db.ExecContext(ctx, `
			UPDATE processes SET state = ?, liveness_checked_at = ?
			WHERE session_id = ? AND state = ?`,
			StateOrphaned, now, rec.SessionID, StateRunning); err != nil {
			return result, fmt.Errorf("orphan %s: %w", rec.SessionID, err)
		}
		r.logger.Warn("orphaned process record session=%s pid=%d (started ticks=%d)",
			rec.SessionID, rec.PID, rec.StartTicks)
		if r.events != nil {
			r.events.Publish(bus.Event{
				Kind:      bus.KindProcessOrphaned,
				SessionID: rec.SessionID,
				Payload: map[string]any{
					"pid":      rec.PID,
					"exe_path": rec.ExePath,
				},
			})
		}
	}

	if result.Orphaned > 0 {
		r.logger.Info("reconcile: checked=%d kept=%d orphaned=%d",
			result.Checked, result.Kept, result.Orphaned)
	}
	return result, nil
}

func (r *Registry) queryRecords(ctx context.Context, where string, args ...any) ([]ProcessRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, pid, exe_path, argv_hash, start_ticks, boot_id, state, created_at, liveness_checked_at
		FROM processes `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query processes: %w", err)
	}
	defer rows.Close()

	var out []ProcessRecord
	for rows.Next() {
		var (
			rec       ProcessRecord
			state     string
			createdAt int64
			checkedAt int64
		)
		if err := rows.Scan(&rec.SessionID, &rec.PID, &rec.ExePath, &rec.ArgvHash,
			&rec.StartTicks, &rec.BootID, &state, &createdAt, &checkedAt); err != nil {
			return nil, fmt.Errorf("scan process record: %w", err)
		}
		rec.State = State(state)
		rec.CreatedAt = time.Unix(0, createdAt)
		rec.LivenessCheckedAt = time.Unix(0, checkedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}
