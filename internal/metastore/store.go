// Package metastore owns the embedded job-metadata database and its
// synchronization with the durable remote copy in the object store.
//
// The database is a single SQLite file opened on one connection. Every
// mutating operation runs in a transaction and bumps the version counter
// exactly once; operations that would not change anything commit nothing and
// leave the counter alone. The Syncer mirrors the file into the object store,
// tagged with the version counter and the jobs_since watermark, and resolves
// push conflicts by re-pulling.
package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"jobd/internal/apperrors"
)

// Store wraps the local SQLite metadata database.
//
// The handle is swapped out while a pull replaces the underlying file, so all
// access goes through the read lock; only close and reopen take the write
// lock.
type Store struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	username      TEXT    NOT NULL,
	job_id        INTEGER NOT NULL,
	command       TEXT    NOT NULL CHECK (command IN ('validate','import','update','test','subscribe','unsubscribe')),
	status        TEXT    NOT NULL DEFAULT 'unknown' CHECK (status IN ('unknown','started','running','complete','error','killed')),
	pid           INTEGER NOT NULL DEFAULT 0,
	configfile    TEXT    NOT NULL DEFAULT '',
	logfile       TEXT    NOT NULL DEFAULT '',
	import_prefix TEXT    NOT NULL DEFAULT '',
	export_prefix TEXT    NOT NULL DEFAULT '',
	input_dir     TEXT    NOT NULL DEFAULT '',
	output_dir    TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (username, job_id)
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_job_id ON jobs(job_id);

CREATE TABLE IF NOT EXISTS files (
	username      TEXT    NOT NULL,
	job_id        INTEGER NOT NULL,
	filename      TEXT    NOT NULL,
	direction     TEXT    NOT NULL CHECK (direction IN ('import','export','both')),
	status        TEXT    NOT NULL DEFAULT 'unknown' CHECK (status IN ('unknown','downloaded','processed','uploaded','error','timeout','quarantined')),
	size_bytes    INTEGER NOT NULL DEFAULT 0,
	content_hash  TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (filename, username, job_id),
	FOREIGN KEY (username, job_id) REFERENCES jobs(username, job_id)
);
CREATE INDEX IF NOT EXISTS idx_files_job ON files(username, job_id);

CREATE TABLE IF NOT EXISTS notifications (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT    NOT NULL,
	job_id   INTEGER NOT NULL,
	subject  TEXT    NOT NULL,
	response TEXT    NOT NULL DEFAULT '',
	sent_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_job ON notifications(username, job_id);

CREATE TABLE IF NOT EXISTS subscriptions (
	email      TEXT    NOT NULL,
	username   TEXT    NOT NULL,
	topic      TEXT    NOT NULL,
	filter     TEXT    NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	UNIQUE (email, topic)
);

CREATE TABLE IF NOT EXISTS version (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	vnum       INTEGER NOT NULL DEFAULT 0,
	jobs_since INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO version (id, vnum, jobs_since) VALUES (1, 0, 0);
`

// Open opens (creating if absent) the metadata database at path, verifies its
// integrity, and ensures the schema exists. A failed integrity check returns
// ErrStoreCorrupt; the caller's recovery is to delete the file and re-pull.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, apperrors.Validation("path", "metadata store path is required")
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func openDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, apperrors.Internal("metastore.open", err)
	}
	db.SetMaxOpenConns(1)

	if err := integrityCheck(db); err != nil {
		db.Close()
		return nil, apperrors.StoreCorrupt(path, err)
	}
	return db, nil
}

func integrityCheck(db *sql.DB) error {
	var result string
	if err := db.QueryRow(`PRAGMA integrity_check`).Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity_check reported %q", result)
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return apperrors.Internal("metastore.schema", err)
	}
	return nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// close releases the handle without forgetting the path, ahead of a pull
// replacing the file. reopen restores it.
func (s *Store) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// reopen opens the database file again after a pull swapped it, re-running
// the integrity check and schema setup.
func (s *Store) reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}

	db, err := openDB(s.path)
	if err != nil {
		return err
	}
	s.db = db
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		s.db = nil
		return apperrors.Internal("metastore.schema", err)
	}
	return nil
}

var errStoreClosed = errors.New("store is closed")

// conn returns the database handle. The caller must already hold the lock;
// the handle is nil for the window where a pull has the file replaced, and
// every query path fails with an error instead of dereferencing it.
func (s *Store) conn(op string) (*sql.DB, error) {
	if s.db == nil {
		return nil, apperrors.Internal(op, errStoreClosed)
	}
	return s.db, nil
}

// Ping reports whether the database handle is open and usable. The handle is
// briefly gone while a pull replaces the file, so Ping may fail transiently.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.conn("metastore.ping")
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return apperrors.Internal("metastore.ping", err)
	}
	return nil
}

// BumpVersion advances the version counter without touching any rows. The
// admin CLI uses it to force a push that would otherwise be skipped.
func (s *Store) BumpVersion(ctx context.Context) error {
	return s.writeTx(ctx, func(tx *sql.Tx) (bool, error) {
		return true, nil
	})
}

// Version returns the current version counter and jobs_since watermark.
func (s *Store) Version(ctx context.Context) (vnum, jobsSince int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.conn("metastore.version")
	if err != nil {
		return 0, 0, err
	}
	if err := db.QueryRowContext(ctx, `SELECT vnum, jobs_since FROM version WHERE id = 1`).Scan(&vnum, &jobsSince); err != nil {
		return 0, 0, apperrors.Internal("metastore.version", err)
	}
	return vnum, jobsSince, nil
}

// checkpoint folds the WAL back into the main database file so the file on
// disk is complete before it is copied or uploaded.
func (s *Store) checkpoint(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.conn("metastore.checkpoint")
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return apperrors.Internal("metastore.checkpoint", err)
	}
	return nil
}

// writeTx runs fn in a transaction. When fn reports a change, the version
// counter is bumped in the same transaction; a no-op commits nothing new and
// the counter stands.
func (s *Store) writeTx(ctx context.Context, fn func(tx *sql.Tx) (changed bool, err error)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.conn("metastore.begin")
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return apperrors.Internal("metastore.begin", err)
	}
	defer tx.Rollback()

	changed, err := fn(tx)
	if err != nil {
		return err
	}
	if changed {
		if _, err := tx.ExecContext(ctx, `UPDATE version SET vnum = vnum + 1 WHERE id = 1`); err != nil {
			return apperrors.Internal("metastore.version", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Internal("metastore.commit", err)
	}
	return nil
}
