package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// refcountIndex persists which checkpoints hold which blobs. The refcount of
// a blob is the number of distinct holders, so link/unlink are naturally
// idempotent and crash-safe under WAL.
type refcountIndex struct {
	db *sql.DB
}

func openRefcountIndex(path string) (*refcountIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite supports one writer at a time.
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
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS blob_refs (
			hash          TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			PRIMARY KEY (hash, checkpoint_id)
		);
		CREATE INDEX IF NOT EXISTS idx_blob_refs_checkpoint
			ON blob_refs(checkpoint_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create refcount schema: %w", err)
	}
	return &refcountIndex{db: db}, nil
}

func (ix *refcountIndex) close() error {
	return ix.db.Close()
}

func (ix *refcountIndex) linkAll(checkpointID string, hashes []Hash) (err error) {
	if len(hashes) == 0 {
		return nil
	}
	tx, err := ix.db.Begin()
	if err != nil {
		return fmt.Errorf("begin link transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO blob_refs (hash, checkpoint_id) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare link: %w", err)
	}
	defer stmt.Close()
	for _, h := range hashes {
		if _, err = stmt.Exec(string(h), checkpointID); err != nil {
			return fmt.Errorf("link %s: %w", h.Short(), err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit links: %w", err)
	}
	return nil
}

func (ix *refcountIndex) unlinkAll(checkpointID string, hashes []Hash) (err error) {
	if len(hashes) == 0 {
		return nil
	}
	tx, err := ix.db.Begin()
	if err != nil {
		return fmt.Errorf("begin unlink transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.Prepare(`DELETE FROM blob_refs WHERE hash = ? AND checkpoint_id = ?`)
	if err != nil {
		return fmt.Errorf("prepare unlink: %w", err)
	}
	defer stmt.Close()
	for _, h := range hashes {
		if _, err = stmt.Exec(string(h), checkpointID); err != nil {
			return fmt.Errorf("unlink %s: %w", h.Short(), err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit unlinks: %w", err)
	}
	return nil
}

func (ix *refcountIndex) unlinkHolder(checkpointID string) error {
	if _, err := ix.db.Exec(`DELETE FROM blob_refs WHERE checkpoint_id = ?`, checkpointID); err != nil {
		return fmt.Errorf("unlink holder %s: %w", checkpointID, err)
	}
	return nil
}

func (ix *refcountIndex) count(h Hash) (int, error) {
	var n int
	err := ix.db.QueryRow(`SELECT COUNT(*) FROM blob_refs WHERE hash = ?`, string(h)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count refs for %s: %w", h.Short(), err)
	}
	return n, nil
}

// referenced returns every hash with at least one holder.
func (ix *refcountIndex) referenced() (map[Hash]struct{}, error) {
	rows, err := ix.db.Query(`SELECT DISTINCT hash FROM blob_refs`)
	if err != nil {
		return nil, fmt.Errorf("list referenced blobs: %w", err)
	}
	defer rows.Close()

	out := make(map[Hash]struct{})
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan referenced blob: %w", err)
		}
		out[Hash(h)] = struct{}{}
	}
	return out, rows.Err()
}
