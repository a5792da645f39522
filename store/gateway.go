package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/syncbox/pullsync/pull"
)

// PullGateway adapts the store to the puller's view of it.
type PullGateway struct {
	store *Store
}

func (self *Store) PullGateway() *PullGateway {
	return &PullGateway{
		store: self,
	}
}

// pull.LocalStore
func (self *PullGateway) FindMissingRevs(ctx context.Context, proposals []pull.RevProposal) ([]bool, error) {
	storeProposals := make([]RevProposal, len(proposals))
	for i, proposal := range proposals {
		storeProposals[i] = RevProposal{
			DocID: proposal.DocID,
			RevID: proposal.RevID,
		}
	}
	missing, err := self.store.FindMissingRevs(ctx, storeProposals)
	if err != nil {
		return nil, wrapBusy(err)
	}
	return missing, nil
}

// pull.LocalStore
func (self *PullGateway) BeginInsert(ctx context.Context) (pull.InsertTx, error) {
	batch, err := self.store.BeginInsert(ctx)
	if err != nil {
		return nil, wrapBusy(err)
	}
	return &insertTx{
		batch: batch,
	}, nil
}

type insertTx struct {
	batch *InsertBatch
}

func (self *insertTx) Stage(ctx context.Context, rev *pull.RevToInsert) error {
	err := self.batch.Stage(ctx, &Revision{
		DocID:     rev.DocID,
		RevID:     rev.RevID,
		Deleted:   rev.Deleted(),
		Body:      rev.Body,
		RemoteSeq: string(rev.RemoteSeq),
	})
	return wrapBusy(err)
}

func (self *insertTx) Commit() error {
	return wrapBusy(self.batch.Commit())
}

func (self *insertTx) Rollback() error {
	return self.batch.Rollback()
}

// wrapBusy marks lock contention as transient so the puller leaves the
// affected sequences in the missing set for the next attempt.
func wrapBusy(err error) error {
	if err == nil {
		return nil
	}
	message := err.Error()
	if strings.Contains(message, "SQLITE_BUSY") ||
		strings.Contains(message, "SQLITE_LOCKED") ||
		strings.Contains(message, "database is locked") {
		return pull.Transient(err)
	}
	return err
}

// EnsureReplicator returns the stable replicator id for a remote, minting
// one on first use. The id keys the pull checkpoint across sessions.
func (self *Store) EnsureReplicator(ctx context.Context, remoteURL string) (pull.Id, error) {
	if remoteURL == "" {
		return pull.Id{}, errors.New("remote url is required")
	}
	row := self.db.QueryRowContext(ctx, `
		SELECT replicator_id FROM replicators WHERE remote_url = ?
	`, remoteURL)
	var replicatorIdStr string
	err := row.Scan(&replicatorIdStr)
	if err == nil {
		return pull.NewIdFromString(replicatorIdStr)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return pull.Id{}, fmt.Errorf("lookup replicator: %w", err)
	}

	replicatorId := pull.NewId()
	if _, err := self.db.ExecContext(ctx, `
		INSERT INTO replicators (remote_url, replicator_id) VALUES (?, ?)
		ON CONFLICT(remote_url) DO NOTHING
	`, remoteURL, replicatorId.String()); err != nil {
		return pull.Id{}, fmt.Errorf("save replicator: %w", err)
	}
	// reread in case of a concurrent insert
	row = self.db.QueryRowContext(ctx, `
		SELECT replicator_id FROM replicators WHERE remote_url = ?
	`, remoteURL)
	if err := row.Scan(&replicatorIdStr); err != nil {
		return pull.Id{}, fmt.Errorf("lookup replicator: %w", err)
	}
	return pull.NewIdFromString(replicatorIdStr)
}
