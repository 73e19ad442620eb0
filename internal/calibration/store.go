package calibration

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a local sqlite-backed cache of calibration documents, keyed by
// head serial, so a host application is not forced to re-fetch over HTTPS
// on every reconnect. It implements scansystem.CalibrationCache.
type Store struct {
	db *sql.DB
}

// Open creates or migrates a calibration cache database at path and returns
// a Store over it. path may be ":memory:" for an ephemeral cache.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("calibration: opening %s: %w", path, err)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("calibration: executing %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) migrateUp() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("calibration: iofs source: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("calibration: sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("calibration: migrate instance: %w", err)
	}
	// Not closed: m.Close() would close s.db via the sqlite driver, which
	// the Store manages separately, mirroring the teacher's db.newMigrate.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("calibration: applying migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the cached calibration document for serial, if present.
// Satisfies scansystem.CalibrationCache.
func (s *Store) Get(serial uint32) (json.RawMessage, bool) {
	row := s.db.QueryRow(`SELECT document FROM calibration_cache WHERE serial = ?`, serial)
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		return nil, false
	}
	return json.RawMessage(doc), true
}

// Put caches doc for serial, overwriting any prior entry, stamped with the
// caller-supplied fetch time in unix seconds.
func (s *Store) Put(serial uint32, doc json.RawMessage, fetchedAtUnix int64) error {
	_, err := s.db.Exec(
		`INSERT INTO calibration_cache (serial, document, fetched_at) VALUES (?, ?, ?)
		 ON CONFLICT(serial) DO UPDATE SET document = excluded.document, fetched_at = excluded.fetched_at`,
		serial, []byte(doc), fetchedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("calibration: caching serial %d: %w", serial, err)
	}
	return nil
}

// FetchAndCache returns the cached document for serial if present;
// otherwise it fetches via src, caches the result, and returns it. This is
// the expected call pattern for a host application reconnecting to a known
// fleet: pay the HTTPS round trip once per serial per cache lifetime.
func (s *Store) FetchAndCache(ctx context.Context, src Source, serial uint32, now int64) (json.RawMessage, error) {
	if doc, ok := s.Get(serial); ok {
		return doc, nil
	}
	doc, err := src.Fetch(ctx, serial)
	if err != nil {
		return nil, err
	}
	if err := s.Put(serial, doc, now); err != nil {
		return nil, err
	}
	return doc, nil
}
