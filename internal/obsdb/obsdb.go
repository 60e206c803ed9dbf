// Package obsdb is the observation key source: a small sqlite table mapping
// observation ids to timestamps and free-form tags. Get returns the key map
// handed to the resolver, so the column names double as manifest scheme
// field names.
package obsdb

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

var ErrUnknownObs = errors.New("obsdb: unknown observation")

// ObsDb is a single-file observation database. Writers are serialized by an
// in-process mutex plus sqlite's file locking; readers need no locking.
type ObsDb struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens the database at path, creating it and its tables if absent.
func Open(path string) (*ObsDb, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS obs (
		obs_id TEXT PRIMARY KEY,
		timestamp REAL NOT NULL
	);
	CREATE TABLE IF NOT EXISTS tags (
		obs_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (obs_id, key)
	);
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create obsdb tables: %w", err)
	}
	return &ObsDb{db: db, path: path}, nil
}

func (d *ObsDb) Close() error { return d.db.Close() }

// Add records an observation, replacing any prior record and its tags.
func (d *ObsDb) Add(id string, timestamp float64, tags map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id == "" {
		return fmt.Errorf("obsdb: empty observation id")
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("obsdb: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("INSERT OR REPLACE INTO obs (obs_id, timestamp) VALUES (?, ?)", id, timestamp); err != nil {
		return fmt.Errorf("obsdb: insert %q: %w", id, err)
	}
	if _, err := tx.Exec("DELETE FROM tags WHERE obs_id = ?", id); err != nil {
		return fmt.Errorf("obsdb: clear tags for %q: %w", id, err)
	}
	for k, v := range tags {
		if _, err := tx.Exec("INSERT INTO tags (obs_id, key, value) VALUES (?, ?, ?)", id, k, v); err != nil {
			return fmt.Errorf("obsdb: insert tag %q for %q: %w", k, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("obsdb: commit: %w", err)
	}
	return nil
}

// Get returns the key map for one observation: obs_id, timestamp, and every
// tag as a string value.
func (d *ObsDb) Get(id string) (map[string]any, error) {
	var ts float64
	err := d.db.QueryRow("SELECT timestamp FROM obs WHERE obs_id = ?", id).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownObs, id)
	}
	if err != nil {
		return nil, fmt.Errorf("obsdb: get %q: %w", id, err)
	}

	keys := map[string]any{"obs_id": id, "timestamp": ts}
	rows, err := d.db.Query("SELECT key, value FROM tags WHERE obs_id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("obsdb: tags for %q: %w", id, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("obsdb: scan tag: %w", err)
		}
		keys[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("obsdb: tags for %q: %w", id, err)
	}
	return keys, nil
}

// List returns all observation ids ordered by timestamp, then id.
func (d *ObsDb) List() ([]string, error) {
	rows, err := d.db.Query("SELECT obs_id FROM obs ORDER BY timestamp, obs_id")
	if err != nil {
		return nil, fmt.Errorf("obsdb: list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("obsdb: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("obsdb: list: %w", err)
	}
	return ids, nil
}
