package storage

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLStore is a modernc.org/sqlite-backed Store: WAL journal mode plus a
// busy timeout for concurrent access tolerance, with a single flat
// key/value table standing in for separate per-feature tables. Use this
// when a host wants the known-hosts table and local identity to survive
// across restarts with transactional durability.
type SQLStore struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLStore opens (creating if absent) a SQLite-backed Store at path.
func NewSQLStore(path string) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: configure sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		seq   INTEGER
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create kv table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var v string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("storage: sqlite get error for %q: %v", key, err)
		}
		return "", false
	}
	return v, true
}

func (s *SQLStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next int
	_ = s.db.QueryRow(`SELECT COALESCE(MAX(seq), -1) + 1 FROM kv`).Scan(&next)
	_, err := s.db.Exec(`INSERT INTO kv (key, value, seq) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value, next)
	if err != nil {
		log.Printf("storage: sqlite set error for %q: %v", key, err)
		return err
	}
	return nil
}

func (s *SQLStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		log.Printf("storage: sqlite remove error for %q: %v", key, err)
	}
	return err
}

func (s *SQLStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM kv`)
	return err
}

func (s *SQLStore) KeyAt(i int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var k string
	err := s.db.QueryRow(`SELECT key FROM kv ORDER BY seq LIMIT 1 OFFSET ?`, i).Scan(&k)
	if err != nil {
		return "", false
	}
	return k, true
}

func (s *SQLStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n)
	return n
}
