package partition

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/stellarlinkco/pvedge/internal/resource"

	_ "modernc.org/sqlite"
)

const activeVersionKey = "active_version"

// ErrNotFound is returned when writing into a partition that has been deleted.
var ErrNotFound = errors.New("partition not found")

// SQLiteStore keeps partitions in a single sqlite database.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS partitions (
			name TEXT PRIMARY KEY,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			partition TEXT NOT NULL REFERENCES partitions(name) ON DELETE CASCADE,
			key TEXT NOT NULL,
			status INTEGER NOT NULL,
			header TEXT NOT NULL DEFAULT '{}',
			body BLOB,
			stored_at TEXT NOT NULL DEFAULT (datetime('now')),
			UNIQUE(partition, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_order ON entries(partition, seq)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close closes the database. Further calls return ErrClosed.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.db == nil {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) Open(ctx context.Context, name string) (Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO partitions (name) VALUES (?)`, name); err != nil {
		return nil, fmt.Errorf("open partition %s: %w", name, err)
	}
	return &sqlitePartition{store: s, name: name}, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM partitions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate partitions: %w", err)
	}
	return names, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// foreign_keys is per connection, so entries are not left to the cascade.
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE partition = ?`, name); err != nil {
		return false, fmt.Errorf("delete entries of %s: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM partitions WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete partition %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete partition %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ActiveVersion(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, activeVersionKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load active version: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) SetActiveVersion(ctx context.Context, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, activeVersionKey, version)
	if err != nil {
		return fmt.Errorf("set active version: %w", err)
	}
	return nil
}

type sqlitePartition struct {
	store *SQLiteStore
	name  string
}

func (p *sqlitePartition) Name() string { return p.name }

func (p *sqlitePartition) Match(ctx context.Context, key string) (*resource.Response, bool, error) {
	var (
		status int
		header string
		body   []byte
	)
	err := p.store.db.QueryRowContext(ctx, `
		SELECT status, header, body FROM entries WHERE partition = ? AND key = ?
	`, p.name, key).Scan(&status, &header, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("match %s: %w", p.name, err)
	}
	h := make(http.Header)
	if err := json.Unmarshal([]byte(header), &h); err != nil {
		return nil, false, fmt.Errorf("decode header for %s: %w", key, err)
	}
	if body == nil {
		body = []byte{}
	}
	return &resource.Response{StatusCode: status, Header: h, Body: body}, true, nil
}

// Put replaces any stored entry for key inside one transaction, so readers
// never observe a half-written entry and the key moves to the end of the order.
func (p *sqlitePartition) Put(ctx context.Context, key string, resp *resource.Response) error {
	stored := resp.Clone()
	header, err := json.Marshal(stored.Header)
	if err != nil {
		return fmt.Errorf("encode header for %s: %w", key, err)
	}

	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	if p.store.closed {
		return ErrClosed
	}

	tx, err := p.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM partitions WHERE name = ?`, p.name).Scan(&exists); err != nil {
		return fmt.Errorf("check partition %s: %w", p.name, err)
	}
	if exists == 0 {
		return fmt.Errorf("put into %s: %w", p.name, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE partition = ? AND key = ?`, p.name, key); err != nil {
		return fmt.Errorf("replace entry %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entries (partition, key, status, header, body) VALUES (?, ?, ?, ?, ?)
	`, p.name, key, stored.StatusCode, string(header), stored.Body); err != nil {
		return fmt.Errorf("insert entry %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put: %w", err)
	}
	return nil
}

func (p *sqlitePartition) Delete(ctx context.Context, key string) (bool, error) {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	if p.store.closed {
		return false, ErrClosed
	}
	res, err := p.store.db.ExecContext(ctx, `DELETE FROM entries WHERE partition = ? AND key = ?`, p.name, key)
	if err != nil {
		return false, fmt.Errorf("delete entry %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete entry %s: %w", key, err)
	}
	return n > 0, nil
}

func (p *sqlitePartition) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.store.db.QueryContext(ctx, `
		SELECT key FROM entries WHERE partition = ? ORDER BY seq ASC
	`, p.name)
	if err != nil {
		return nil, fmt.Errorf("list keys of %s: %w", p.name, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

func (p *sqlitePartition) Len(ctx context.Context) (int, error) {
	var n int
	if err := p.store.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM entries WHERE partition = ?`, p.name).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", p.name, err)
	}
	return n, nil
}
