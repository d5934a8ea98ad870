// Package metadb implements the registry's transactional metadata
// model on SQLite: repositories, blobs, manifests, tags, upload
// sessions and their chunks.
//
// All functions accept a [Querier], so they run equally inside a
// transaction (*sql.Tx) or on the pooled connection (*sql.DB).
// Mutations touching more than one row must run inside [Tx].
package metadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Assembled sqlite options used when opening the database.
const sqliteOptions = "?" +
	// Parse recorded timestamps with the zone they were written in.
	"_loc=auto" +
	// Force an fsync after each transaction.
	"&_sync=FULL" +
	// The schema relies on foreign keys to protect referenced blobs.
	"&_foreign_keys=1" +
	// Take the write lock at transaction start so concurrent writers
	// queue instead of failing a read-to-write lock upgrade.
	"&_txlock=exclusive" +
	"&_busy_timeout=5000"

// ErrReferenced is returned when a deletion is blocked by a foreign-key
// restriction, i.e. the row is still referenced.
var ErrReferenced = errors.New("row is referenced by another row")

// DB wraps the sql connection pool.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the metadata database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+sqliteOptions)
	if err != nil {
		return nil, fmt.Errorf("cannot open metadata database at %q: %w", path, err)
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot initialize metadata schema: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Querier is the subset of database operations shared by *sql.DB and
// *sql.Tx. Read-only lookups run directly on the pool; mutations that
// must be atomic run on a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Querier returns the pooled connection for non-transactional reads.
func (d *DB) Querier() Querier {
	return d.db
}

// Tx calls fn within a transaction, committing if fn succeeds and
// rolling back otherwise. The transaction's connection is released on
// every path.
func Tx[T any](ctx context.Context, d *DB, fn func(tx *sql.Tx) (T, error)) (T, error) {
	var zero T
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("beginning transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				logrus.WithError(err).Error("rolling back metadata transaction")
			}
		}
	}()
	res, err := fn(tx)
	if err != nil {
		return zero, err
	}
	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("committing transaction: %w", err)
	}
	committed = true
	return res, nil
}

// Do is Tx for functions with no result.
func Do(ctx context.Context, d *DB, fn func(tx *sql.Tx) error) error {
	_, err := Tx(ctx, d, func(tx *sql.Tx) (struct{}, error) {
		return struct{}{}, fn(tx)
	})
	return err
}

// mapConstraint converts a SQLite foreign-key violation into
// ErrReferenced so callers can distinguish it from other failures.
func mapConstraint(err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
		return fmt.Errorf("%w: %v", ErrReferenced, err)
	}
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT    NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS blobs (
	id     TEXT    PRIMARY KEY,
	digest TEXT    NOT NULL UNIQUE,
	size   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS manifests (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	repository_id  INTEGER NOT NULL REFERENCES repositories (id),
	blob_id        TEXT    NOT NULL REFERENCES blobs (id),
	digest         TEXT    NOT NULL,
	size           INTEGER NOT NULL,
	media_type     TEXT,
	artifact_type  TEXT,
	subject_digest TEXT,
	UNIQUE (repository_id, digest)
);
CREATE INDEX IF NOT EXISTS manifests_subject ON manifests (repository_id, subject_digest);

CREATE TABLE IF NOT EXISTS manifest_layers (
	manifest_id INTEGER NOT NULL REFERENCES manifests (id),
	blob_id     TEXT    NOT NULL REFERENCES blobs (id),
	PRIMARY KEY (manifest_id, blob_id)
);

CREATE TABLE IF NOT EXISTS manifest_references (
	parent_id INTEGER NOT NULL REFERENCES manifests (id),
	child_id  INTEGER NOT NULL REFERENCES manifests (id),
	PRIMARY KEY (parent_id, child_id)
);

CREATE TABLE IF NOT EXISTS tags (
	repository_id INTEGER NOT NULL REFERENCES repositories (id),
	name          TEXT    NOT NULL,
	manifest_id   INTEGER NOT NULL REFERENCES manifests (id),
	PRIMARY KEY (repository_id, name)
);

CREATE TABLE IF NOT EXISTS upload_sessions (
	uuid            TEXT      PRIMARY KEY,
	repository_id   INTEGER   NOT NULL REFERENCES repositories (id),
	started_at      TIMESTAMP NOT NULL,
	upload_id       TEXT,
	chunk_number    INTEGER   NOT NULL,
	committed_bytes INTEGER   NOT NULL,
	digest_state    BLOB
);

CREATE TABLE IF NOT EXISTS upload_chunks (
	session_uuid TEXT    NOT NULL REFERENCES upload_sessions (uuid) ON DELETE CASCADE,
	chunk_number INTEGER NOT NULL,
	etag         TEXT,
	PRIMARY KEY (session_uuid, chunk_number)
);
`

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
