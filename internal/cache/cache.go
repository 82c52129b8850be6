// Package cache persists resolved profiles keyed by DID. It supports both
// SQLite (default, single file, no external dependencies) and PostgreSQL
// (postgres:// DSN for larger deployments) behind one contract: row-atomic
// upserts, a freshness predicate, and a small kv side table for cursors and
// one-shot markers.
package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/jeffb4/bsky-prolific-followers/internal/xrpc"
)

// ErrNullProfile rejects writes that would store the literal JSON null.
// A null in the cache is silent corruption; callers treat this as fatal.
var ErrNullProfile = errors.New("cache: refusing to store null profile")

// Store wraps a database connection and provides all profile-cache access.
type Store struct {
	db     *sql.DB
	driver string

	life   time.Duration
	expire bool
}

// Open opens the cache store. The URL can be:
//   - A file path like "cache.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
//
// life is how long a cached profile counts as fresh; expire=false disables
// freshness checking entirely (every cached profile is fresh).
func Open(databaseURL string, life time.Duration, expire bool) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping cache: %w", err)
	}

	if driver == "sqlite" {
		// SQLite performs best with WAL mode and a single writer.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			return nil, fmt.Errorf("set busy_timeout: %w", err)
		}
	}

	return &Store{db: db, driver: driver, life: life, expire: expire}, nil
}

// Migrate runs all pending migrations.
func (s *Store) Migrate() error {
	slog.Info("running cache migrations")

	if s.driver == "sqlite" {
		return s.migrateSQLite()
	}
	return s.migratePostgres()
}

// commonMigrations lists DDL statements shared between SQLite and PostgreSQL.
var commonMigrations = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
		did     TEXT PRIMARY KEY,
		profile TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

func (s *Store) migrateSQLite() error {
	for _, m := range commonMigrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("cache migrations complete")
	return nil
}

func (s *Store) migratePostgres() error {
	for _, m := range commonMigrations {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "already exists" errors for idempotency.
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	slog.Info("cache migrations complete")
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Profiles ─────────────────────────────────────────────────────────────────

// Get returns the stored profile for a DID, or nil when absent. A legacy row
// holding the literal "null" is treated as absent.
func (s *Store) Get(did string) (*xrpc.Profile, error) {
	var value string
	err := s.db.QueryRow(`SELECT profile FROM profiles WHERE did = `+s.ph(), did).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	if value == "null" {
		return nil, nil
	}
	var p xrpc.Profile
	if err := json.Unmarshal([]byte(value), &p); err != nil {
		return nil, fmt.Errorf("cache get %s: decode: %w", did, err)
	}
	return &p, nil
}

// Put upserts a profile, stamping CachedAt with the current UTC time before
// serializing. The stamp mutates p so callers downstream see the same value
// a later Get would return. A nil profile is rejected with ErrNullProfile.
func (s *Store) Put(did string, p *xrpc.Profile) error {
	if p == nil {
		return ErrNullProfile
	}
	p.CachedAt = time.Now().UTC()
	encoded, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("cache put %s: encode: %w", did, err)
	}
	return s.upsert(did, string(encoded))
}

// PutRaw upserts an already-encoded profile value, preserving any embedded
// cachedAt. Used by the seed importer. The literal "null" is rejected.
func (s *Store) PutRaw(did string, raw []byte) error {
	value := strings.TrimSpace(string(raw))
	if value == "" || value == "null" {
		return ErrNullProfile
	}
	return s.upsert(did, value)
}

func (s *Store) upsert(did, value string) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO profiles (did, profile) VALUES (?, ?) ON CONFLICT(did) DO UPDATE SET profile=excluded.profile`
	} else {
		q = `INSERT INTO profiles (did, profile) VALUES ($1, $2) ON CONFLICT(did) DO UPDATE SET profile=EXCLUDED.profile`
	}
	if _, err := s.db.Exec(q, did, value); err != nil {
		return fmt.Errorf("cache put %s: %w", did, err)
	}
	return nil
}

// Delete removes a DID's row. Removing an absent row is not an error.
func (s *Store) Delete(did string) error {
	if _, err := s.db.Exec(`DELETE FROM profiles WHERE did = `+s.ph(), did); err != nil {
		return fmt.Errorf("cache delete %s: %w", did, err)
	}
	slog.Debug("cache profile deleted", "did", did)
	return nil
}

// ForEachDID calls fn for every DID in the cache, stopping on the first
// error. Each call runs a fresh scan, so it is restartable.
func (s *Store) ForEachDID(fn func(did string) error) error {
	rows, err := s.db.Query(`SELECT did FROM profiles`)
	if err != nil {
		return fmt.Errorf("cache scan: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return fmt.Errorf("cache scan: %w", err)
		}
		if err := fn(did); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Count returns the number of cached profiles.
func (s *Store) Count() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM profiles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cache count: %w", err)
	}
	return n, nil
}

// Fresh reports whether a cached profile may substitute for a remote fetch:
// always true when expiry is disabled, otherwise true while the profile's
// age is under the configured cache life.
func (s *Store) Fresh(p *xrpc.Profile, now time.Time) bool {
	if !s.expire {
		return true
	}
	return now.Sub(p.CachedAt) < s.life
}

// SkipFetch returns the cached profile iff it exists and is fresh.
func (s *Store) SkipFetch(did string) (*xrpc.Profile, bool) {
	p, err := s.Get(did)
	if err != nil {
		slog.Error("cache read failed", "did", did, "error", err)
		return nil, false
	}
	if p == nil || !s.Fresh(p, time.Now().UTC()) {
		return nil, false
	}
	return p, true
}

// ─── Key-Value store ──────────────────────────────────────────────────────────

// SetKV upserts a key-value pair. Used for persistent state like the
// firehose cursor and the seed-import marker.
func (s *Store) SetKV(key, value string) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`
	} else {
		q = `INSERT INTO kv (key, value) VALUES ($1, $2) ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value`
	}
	_, err := s.db.Exec(q, key, value)
	return err
}

// GetKV retrieves a value by key. Returns ("", false) if not found.
func (s *Store) GetKV(key string) (string, bool) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = `+s.ph(), key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// ph returns the SQL placeholder token for a single-argument query.
// SQLite uses ? and PostgreSQL uses $1.
func (s *Store) ph() string {
	if s.driver == "postgres" {
		return "$1"
	}
	return "?"
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	// Treat bare paths as SQLite file paths.
	return "sqlite", u
}
