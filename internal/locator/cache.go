package locator

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// binaryCache persists the latest resolved record so restarts do not
// re-probe while the record is still fresh.
type binaryCache struct {
	db *sql.DB
}

func openBinaryCache(path string) (*binaryCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open binary cache: %w", err)
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
			return nil, fmt.Errorf("binary cache pragma: %w", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS binaries (
		name             TEXT PRIMARY KEY,
		path             TEXT NOT NULL,
		version          TEXT NOT NULL,
		method           TEXT NOT NULL,
		discovered_at    INTEGER NOT NULL,
		last_verified_at INTEGER NOT NULL,
		valid            INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("binary cache schema: %w", err)
	}
	return &binaryCache{db: db}, nil
}

func (c *binaryCache) load(name string) (*Record, error) {
	row := c.db.QueryRow(`
		SELECT path, version, method, discovered_at, last_verified_at, valid
		FROM binaries WHERE name = ?`, name)

	var (
		rec        Record
		method     string
		discovered int64
		verified   int64
		valid      int64
	)
	err := row.Scan(&rec.Path, &rec.Version, &method, &discovered, &verified, &valid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load binary record: %w", err)
	}
	rec.Method = Method(method)
	rec.DiscoveredAt = time.Unix(0, discovered)
	rec.LastVerifiedAt = time.Unix(0, verified)
	rec.Valid = valid != 0
	return &rec, nil
}

func (c *binaryCache) save(name string, rec *Record) error {
	valid := 0
	if rec.Valid {
		valid = 1
	}
	_, err := c.db.Exec(`
		INSERT INTO binaries (name, path, version, method, discovered_at, last_verified_at, valid)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			path = excluded.path,
			version = excluded.version,
			method = excluded.method,
			discovered_at = excluded.discovered_at,
			last_verified_at = excluded.last_verified_at,
			valid = excluded.valid`,
		name, rec.Path, rec.Version, string(rec.Method),
		rec.DiscoveredAt.UnixNano(), rec.LastVerifiedAt.UnixNano(), valid)
	if err != nil {
		return fmt.Errorf("save binary record: %w", err)
	}
	return nil
}

func (c *binaryCache) invalidate(name string) error {
	_, err := c.db.Exec(`UPDATE binaries SET valid = 0 WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("invalidate binary record: %w", err)
	}
	return nil
}

func (c *binaryCache) Close() error {
	return c.db.Close()
}
