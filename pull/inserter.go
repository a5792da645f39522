package pull

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// inserter admits staged revisions into the local store. Revisions from
// many incoming-rev workers are coalesced into one store transaction per
// batch window: each revision's provisional callback fires after its write
// inside the open transaction, and its commit callback fires after the
// transaction commits. The inserter never schedules retries; failed
// revisions surface their error through the callbacks.
type inserter struct {
	ctx   context.Context
	store LocalStore
	box   *mailbox
	batch *batcher[*RevToInsert]
}

func newInserter(ctx context.Context, store LocalStore, latency time.Duration, queueSize int) *inserter {
	self := &inserter{
		ctx:   ctx,
		store: store,
		box:   newMailbox(ctx, queueSize),
	}
	self.batch = newBatcher[*RevToInsert](latency, func(generation int) {
		self.box.post(func() {
			self.insertBatch(generation)
		})
	})
	return self
}

func (self *inserter) insertRevision(rev *RevToInsert) {
	self.batch.push(rev)
}

func (self *inserter) insertBatch(generation int) {
	revs := self.batch.pop(generation)
	if len(revs) == 0 {
		return
	}

	tx, err := self.store.BeginInsert(self.ctx)
	if err != nil {
		glog.Infof("[inserter]begin error = %s\n", err)
		for _, rev := range revs {
			rev.onProvisional(err)
			rev.onCommit(err)
		}
		return
	}

	staged := make([]*RevToInsert, 0, len(revs))
	for _, rev := range revs {
		stageErr := tx.Stage(self.ctx, rev)
		rev.onProvisional(stageErr)
		if stageErr == nil {
			staged = append(staged, rev)
		} else {
			glog.V(2).Infof("[inserter]stage '%s' %s error = %s\n", rev.DocID, rev.RevID, stageErr)
			rev.onCommit(stageErr)
		}
	}

	commitErr := tx.Commit()
	if commitErr != nil {
		glog.Infof("[inserter]commit error = %s\n", commitErr)
		tx.Rollback()
	} else {
		glog.V(2).Infof("[inserter]committed %d revs\n", len(staged))
	}
	for _, rev := range staged {
		rev.onCommit(commitErr)
	}
}
