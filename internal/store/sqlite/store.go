// Package sqlite implements the deskrelay record store backed by a SQLite
// database. It persists connections, their activity trail, and transfer
// history.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrInstallationKeyInUse is returned when a new connection would reuse an
// installation key that another connection already holds.
var ErrInstallationKeyInUse = errors.New("installation key already in use")

// Store wraps a SQLite database connection for all deskrelay persistence
// operations.
type Store struct {
	db *sql.DB

	getConnectionStmt      *sql.Stmt
	getConnectionByKeyStmt *sql.Stmt

	touchMu              sync.Mutex
	lastTouch            map[string]time.Time
	touchMinInterval     time.Duration
	touchCleanupInterval time.Duration
	nextTouchCleanupAt   time.Time
}

const defaultTouchMinInterval = 30 * time.Second
const defaultTouchCleanupInterval = 5 * time.Minute

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

const connectionColumns = `id, name, location, country, city, status, address, machine_name, installation_key, key_redeemed, created_at, last_seen_at`

const getConnectionQuery = `SELECT ` + connectionColumns + ` FROM connections WHERE id = ?`
const getConnectionByKeyQuery = `SELECT ` + connectionColumns + ` FROM connections WHERE installation_key = ?`

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Per-connection PRAGMAs go in the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode is persistent and database-wide; set it once here.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}
	now := time.Now().UTC()
	s := &Store{
		db:                   db,
		lastTouch:            make(map[string]time.Time),
		touchMinInterval:     defaultTouchMinInterval,
		touchCleanupInterval: defaultTouchCleanupInterval,
		nextTouchCleanupAt:   now.Add(defaultTouchCleanupInterval),
	}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	stmtErr := s.closePreparedStatements()
	return errors.Join(stmtErr, s.db.Close())
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error
	if s.getConnectionStmt, err = s.db.PrepareContext(ctx, getConnectionQuery); err != nil {
		return fmt.Errorf("prepare get connection query: %w", err)
	}
	if s.getConnectionByKeyStmt, err = s.db.PrepareContext(ctx, getConnectionByKeyQuery); err != nil {
		closeErr := s.closePreparedStatements()
		return errors.Join(fmt.Errorf("prepare get connection by key query: %w", err), closeErr)
	}
	return nil
}

func (s *Store) closePreparedStatements() error {
	var err error
	err = errors.Join(err, closeStmt(&s.getConnectionStmt))
	err = errors.Join(err, closeStmt(&s.getConnectionByKeyStmt))
	return err
}

func closeStmt(stmt **sql.Stmt) error {
	if stmt == nil || *stmt == nil {
		return nil
	}
	err := (*stmt).Close()
	*stmt = nil
	return err
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS connections (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	location TEXT NOT NULL DEFAULT '',
	country TEXT NOT NULL DEFAULT '',
	city TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	address TEXT NULL,
	machine_name TEXT NULL,
	installation_key TEXT NOT NULL UNIQUE,
	key_redeemed INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	last_seen_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS activity_log (
	id TEXT PRIMARY KEY,
	connection_id TEXT NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
	action TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS transfers (
	id TEXT PRIMARY KEY,
	connection_id TEXT NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
	filename TEXT NOT NULL,
	size INTEGER NOT NULL,
	type TEXT NOT NULL,
	checksum TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_connections_status ON connections(status);
CREATE INDEX IF NOT EXISTS idx_connections_last_seen_at ON connections(last_seen_at);
CREATE INDEX IF NOT EXISTS idx_activity_log_connection_created ON activity_log(connection_id, created_at);
CREATE INDEX IF NOT EXISTS idx_activity_log_created ON activity_log(created_at);
CREATE INDEX IF NOT EXISTS idx_transfers_connection_created ON transfers(connection_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	// Databases created before country and city were tracked.
	for _, alter := range []string{
		`ALTER TABLE connections ADD COLUMN country TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE connections ADD COLUMN city TEXT NOT NULL DEFAULT ''`,
	} {
		if _, err := s.db.ExecContext(ctx, alter); err != nil {
			if !strings.Contains(strings.ToLower(err.Error()), "duplicate column") {
				return err
			}
		}
	}
	return nil
}
