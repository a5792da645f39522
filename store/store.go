package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS docs (
	doc_id TEXT PRIMARY KEY,
	rev_id TEXT NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	body TEXT NOT NULL,
	remote_seq TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS revs (
	doc_id TEXT NOT NULL,
	rev_id TEXT NOT NULL,
	PRIMARY KEY (doc_id, rev_id)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	replicator_id TEXT PRIMARY KEY,
	remote_seq TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS replicators (
	remote_url TEXT PRIMARY KEY,
	replicator_id TEXT NOT NULL
);
`

// Store is the embedded local document store.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

func (self *Store) Init(ctx context.Context) error {
	if _, err := self.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	if _, err := self.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := self.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (self *Store) Close() error {
	return self.db.Close()
}

// RevProposal is one announced revision to check for local presence.
type RevProposal struct {
	DocID string
	RevID string
}

// FindMissingRevs reports, for each proposal, whether the revision is
// absent locally.
func (self *Store) FindMissingRevs(ctx context.Context, proposals []RevProposal) ([]bool, error) {
	missing := make([]bool, len(proposals))
	stmt, err := self.db.PrepareContext(ctx, `
		SELECT COUNT(*) FROM revs WHERE doc_id = ? AND rev_id = ?
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare rev lookup: %w", err)
	}
	defer stmt.Close()

	for i, proposal := range proposals {
		if proposal.DocID == "" || proposal.RevID == "" {
			continue
		}
		var count int
		if err := stmt.QueryRowContext(ctx, proposal.DocID, proposal.RevID).Scan(&count); err != nil {
			return nil, fmt.Errorf("rev lookup: %w", err)
		}
		missing[i] = count == 0
	}
	return missing, nil
}

// Revision is one document revision to admit into the store.
type Revision struct {
	DocID     string
	RevID     string
	Deleted   bool
	Body      []byte
	RemoteSeq string
}

// InsertBatch stages revisions inside a single transaction. Staged writes
// are visible to the transaction but not durable until Commit.
type InsertBatch struct {
	tx       *sql.Tx
	docStmt  *sql.Stmt
	revStmt  *sql.Stmt
	finished bool
}

func (self *Store) BeginInsert(ctx context.Context) (*InsertBatch, error) {
	tx, err := self.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin insert: %w", err)
	}
	docStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO docs (doc_id, rev_id, deleted, body, remote_seq)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			rev_id = excluded.rev_id,
			deleted = excluded.deleted,
			body = excluded.body,
			remote_seq = excluded.remote_seq
	`)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("prepare doc insert: %w", err)
	}
	revStmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO revs (doc_id, rev_id) VALUES (?, ?)
	`)
	if err != nil {
		docStmt.Close()
		tx.Rollback()
		return nil, fmt.Errorf("prepare rev insert: %w", err)
	}
	return &InsertBatch{
		tx:      tx,
		docStmt: docStmt,
		revStmt: revStmt,
	}, nil
}

func (self *InsertBatch) Stage(ctx context.Context, rev *Revision) error {
	if rev.DocID == "" || rev.RevID == "" {
		return fmt.Errorf("invalid revision: doc=%q rev=%q", rev.DocID, rev.RevID)
	}
	deleted := 0
	if rev.Deleted {
		deleted = 1
	}
	if _, err := self.docStmt.ExecContext(ctx, rev.DocID, rev.RevID, deleted, string(rev.Body), rev.RemoteSeq); err != nil {
		return fmt.Errorf("stage doc: %w", err)
	}
	if _, err := self.revStmt.ExecContext(ctx, rev.DocID, rev.RevID); err != nil {
		return fmt.Errorf("stage rev: %w", err)
	}
	return nil
}

func (self *InsertBatch) Commit() error {
	self.finished = true
	self.docStmt.Close()
	self.revStmt.Close()
	if err := self.tx.Commit(); err != nil {
		return fmt.Errorf("commit revisions: %w", err)
	}
	return nil
}

func (self *InsertBatch) Rollback() error {
	if self.finished {
		return nil
	}
	self.finished = true
	self.docStmt.Close()
	self.revStmt.Close()
	return self.tx.Rollback()
}

// GetDocument returns the current revision of a document, or nil if the
// document is not present.
func (self *Store) GetDocument(ctx context.Context, docID string) (*Revision, error) {
	row := self.db.QueryRowContext(ctx, `
		SELECT doc_id, rev_id, deleted, body, remote_seq FROM docs WHERE doc_id = ?
	`, docID)
	rev := &Revision{}
	var deleted int
	var body string
	if err := row.Scan(&rev.DocID, &rev.RevID, &deleted, &body, &rev.RemoteSeq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	rev.Deleted = deleted != 0
	rev.Body = []byte(body)
	return rev, nil
}

func (self *Store) SaveCheckpoint(ctx context.Context, replicatorID string, remoteSeq string) error {
	if replicatorID == "" {
		return errors.New("replicatorId is required")
	}
	_, err := self.db.ExecContext(ctx, `
		INSERT INTO checkpoints (replicator_id, remote_seq, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(replicator_id) DO UPDATE SET
			remote_seq = excluded.remote_seq,
			updated_at = excluded.updated_at
	`, replicatorID, remoteSeq, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the saved checkpoint, or "" if none.
func (self *Store) LoadCheckpoint(ctx context.Context, replicatorID string) (string, error) {
	row := self.db.QueryRowContext(ctx, `
		SELECT remote_seq FROM checkpoints WHERE replicator_id = ?
	`, replicatorID)
	var remoteSeq string
	if err := row.Scan(&remoteSeq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("load checkpoint: %w", err)
	}
	return remoteSeq, nil
}
