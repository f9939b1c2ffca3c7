package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB is the sqlite backing for a persistent tree: one snapshot row
// rewritten per mutation, plus an append-only dice roll audit log.
type DB struct {
	db *sql.DB
}

// OpenDB prepares a SQLite database at the given path and ensures the
// schema exists.
func OpenDB(path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS tree_snapshot (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			data TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS dice_rolls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			roller TEXT NOT NULL,
			result INTEGER NOT NULL,
			rolled_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_dice_rolls_rolled_at ON dice_rolls(rolled_at DESC, id DESC);`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	return nil
}

// LoadSnapshot returns the stored tree, or nil when none exists yet.
func (d *DB) LoadSnapshot() ([]byte, error) {
	var data string
	err := d.db.QueryRow(`SELECT data FROM tree_snapshot WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return []byte(data), nil
}

// SaveSnapshot replaces the stored tree.
func (d *DB) SaveSnapshot(data []byte) error {
	_, err := d.db.Exec(
		`INSERT INTO tree_snapshot (id, data, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// RecordDiceRoll appends one completed roll to the audit log.
func (d *DB) RecordDiceRoll(roller string, result int, rolledAt time.Time) error {
	_, err := d.db.Exec(
		`INSERT INTO dice_rolls (roller, result, rolled_at) VALUES (?, ?, ?)`,
		roller, result, rolledAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record dice roll: %w", err)
	}
	return nil
}

// DiceRollEntry is one row of the audit log.
type DiceRollEntry struct {
	Roller   string    `json:"roller"`
	Result   int       `json:"result"`
	RolledAt time.Time `json:"rolledAt"`
}

// RecentDiceRolls returns the latest rolls, newest first.
func (d *DB) RecentDiceRolls(limit int) ([]DiceRollEntry, error) {
	rows, err := d.db.Query(
		`SELECT roller, result, rolled_at FROM dice_rolls ORDER BY rolled_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query dice rolls: %w", err)
	}
	defer rows.Close()

	var entries []DiceRollEntry
	for rows.Next() {
		var entry DiceRollEntry
		if err := rows.Scan(&entry.Roller, &entry.Result, &entry.RolledAt); err != nil {
			return nil, fmt.Errorf("scan dice roll: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Close releases database resources.
func (d *DB) Close() error {
	return d.db.Close()
}
