package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("store")

// SQLiteStore implements Store over a single SQLite database. Documents are
// JSON payloads in the objects table; every mutation also appends a row to
// the changes journal, stamped with this process's origin id so watchers in
// other processes can pick it up while this process's own watcher skips it.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	origin string
	mu     sync.Mutex
	closed bool
}

const schema = `
CREATE TABLE IF NOT EXISTS objects (
	id          INTEGER PRIMARY KEY,
	parent      INTEGER NOT NULL,
	recycled    INTEGER NOT NULL DEFAULT 0,
	data        TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	modified_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_objects_parent ON objects(parent);
CREATE TABLE IF NOT EXISTS changes (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	op        TEXT NOT NULL,
	object_id INTEGER NOT NULL,
	origin    TEXT NOT NULL,
	at        INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
INSERT OR IGNORE INTO meta (key, value) VALUES ('next_id', 1);
`

// Open opens (creating if necessary) a SQLite-backed store at path.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps readers in other processes unblocked during writes and is
	// what makes the cross-process change journal workable.
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		path:   path,
		origin: uuid.NewString(),
	}
	log.Infof("object store open at %s (origin %s)", path, s.origin)
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// Origin returns this store's process-unique origin id.
func (s *SQLiteStore) Origin() string { return s.origin }

// Close closes the database. Watchers stop on their own contexts.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Get returns the document for id, or (nil, nil) if it does not exist or
// has been recycled.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT parent, recycled, data, created_at, modified_at FROM objects WHERE id = ?", id)

	doc := &Document{ID: id}
	var recycled int
	var data []byte
	var created, modified int64
	err := row.Scan(&doc.Parent, &recycled, &data, &created, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying object %d: %w", id, err)
	}
	if recycled != 0 {
		return nil, nil
	}
	doc.CreatedAt = time.UnixMilli(created)
	doc.ModifiedAt = time.UnixMilli(modified)
	if err := decodePayload(data, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Create inserts a new document. The document's CreatedAt/ModifiedAt are
// set to now. The journal records the write as a replace.
func (s *SQLiteStore) Create(ctx context.Context, doc *Document) error {
	now := time.Now()
	doc.CreatedAt = now
	doc.ModifiedAt = now
	data, err := encodePayload(doc)
	if err != nil {
		return fmt.Errorf("encoding object %d: %w", doc.ID, err)
	}
	return s.withJournal(ctx, OpReplace, doc.ID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO objects (id, parent, recycled, data, created_at, modified_at) VALUES (?, ?, ?, ?, ?, ?)",
			doc.ID, doc.Parent, boolToInt(doc.Recycled), data, now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return fmt.Errorf("inserting object %d: %w", doc.ID, err)
		}
		return nil
	})
}

// Update replaces the stored document for doc.ID with doc's current state.
func (s *SQLiteStore) Update(ctx context.Context, doc *Document) error {
	now := time.Now()
	doc.ModifiedAt = now
	data, err := encodePayload(doc)
	if err != nil {
		return fmt.Errorf("encoding object %d: %w", doc.ID, err)
	}
	return s.withJournal(ctx, OpUpdate, doc.ID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE objects SET parent = ?, recycled = ?, data = ?, modified_at = ? WHERE id = ?",
			doc.Parent, boolToInt(doc.Recycled), data, now.UnixMilli(), doc.ID)
		if err != nil {
			return fmt.Errorf("updating object %d: %w", doc.ID, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("updating object %d: no such object", doc.ID)
		}
		return nil
	})
}

// Delete removes a document entirely. Prefer Recycle; Delete erases history.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	return s.withJournal(ctx, OpDelete, id, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM objects WHERE id = ?", id); err != nil {
			return fmt.Errorf("deleting object %d: %w", id, err)
		}
		return nil
	})
}

// Recycle soft-deletes a document: the row stays (so audits can distinguish
// "never existed" from "once existed") but Get returns nil for it. The feed
// reports a delete, since to every other process the object is gone.
func (s *SQLiteStore) Recycle(ctx context.Context, id int64) error {
	return s.withJournal(ctx, OpDelete, id, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE objects SET recycled = 1, modified_at = ? WHERE id = ?",
			time.Now().UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("recycling object %d: %w", id, err)
		}
		return nil
	})
}

// NextID allocates the next object identifier. Identifiers are monotonic,
// start at 1, and are never handed out twice; the sentinel ids -1 and 0 are
// outside the allocator's range entirely.
func (s *SQLiteStore) NextID(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("allocating id: %w", err)
	}
	defer tx.Rollback()

	var id int64
	if err := tx.QueryRowContext(ctx,
		"SELECT value FROM meta WHERE key = 'next_id'").Scan(&id); err != nil {
		return 0, fmt.Errorf("reading id counter: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE meta SET value = ? WHERE key = 'next_id'", id+1); err != nil {
		return 0, fmt.Errorf("advancing id counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("allocating id: %w", err)
	}
	return id, nil
}

// Children returns all live documents whose parent is the given id. A
// self-parented root is not its own child.
func (s *SQLiteStore) Children(ctx context.Context, parent int64) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, parent, recycled, data, created_at, modified_at FROM objects WHERE parent = ? AND recycled = 0 AND id != ?",
		parent, parent)
	if err != nil {
		return nil, fmt.Errorf("querying children of %d: %w", parent, err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// ListAll returns every document, optionally including recycled ones.
func (s *SQLiteStore) ListAll(ctx context.Context, includeRecycled bool) ([]*Document, error) {
	query := "SELECT id, parent, recycled, data, created_at, modified_at FROM objects"
	if !includeRecycled {
		query += " WHERE recycled = 0"
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing objects: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// withJournal runs fn inside a transaction and appends a change-journal row
// in the same transaction, so remote watchers never see a journal entry for
// a write that did not land.
func (s *SQLiteStore) withJournal(ctx context.Context, op ChangeOp, id int64, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO changes (op, object_id, origin, at) VALUES (?, ?, ?, ?)",
		string(op), id, s.origin, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("journaling %s of %d: %w", op, id, err)
	}
	return tx.Commit()
}

func scanDocuments(rows *sql.Rows) ([]*Document, error) {
	var docs []*Document
	for rows.Next() {
		doc := &Document{}
		var recycled int
		var data []byte
		var created, modified int64
		if err := rows.Scan(&doc.ID, &doc.Parent, &recycled, &data, &created, &modified); err != nil {
			return nil, fmt.Errorf("scanning object row: %w", err)
		}
		doc.Recycled = recycled != 0
		doc.CreatedAt = time.UnixMilli(created)
		doc.ModifiedAt = time.UnixMilli(modified)
		if err := decodePayload(data, doc); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
