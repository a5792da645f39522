package pull

import (
	"context"
	"encoding/json"

	"github.com/golang/glog"

	"github.com/syncbox/pullsync/blip"
)

// RevProposal asks the local store whether one announced revision is
// already known.
type RevProposal struct {
	DocID string
	RevID string
}

// RevToInsert is a revision staged for insertion into the local store.
type RevToInsert struct {
	ReplicatedRev
	Body []byte

	// insertion callbacks, invoked by the inserter
	onProvisional func(err error)
	onCommit      func(err error)
}

// LocalStore is the puller's view of the embedded document store.
type LocalStore interface {
	// FindMissingRevs reports, for each proposal, whether the revision is
	// absent locally and should be pulled.
	FindMissingRevs(ctx context.Context, proposals []RevProposal) ([]bool, error)
	// BeginInsert opens a store transaction for a batch of revisions.
	BeginInsert(ctx context.Context) (InsertTx, error)
}

type InsertTx interface {
	// Stage writes a revision inside the open transaction. The write is
	// provisional until Commit.
	Stage(ctx context.Context, rev *RevToInsert) error
	Commit() error
	Rollback() error
}

// revFinder filters announced changes down to the revisions the local
// store does not have, requests them from the remote by responding to the
// changes message, and registers the requested doc ids in the shared
// in-flight set. Runs on its own mailbox so changes batches are vetted in
// announcement order.
type revFinder struct {
	ctx            context.Context
	store          LocalStore
	inFlightDocIDs *DocIDMultiset
	box            *mailbox
}

func newRevFinder(ctx context.Context, store LocalStore, inFlightDocIDs *DocIDMultiset, queueSize int) *revFinder {
	return &revFinder{
		ctx:            ctx,
		store:          store,
		inFlightDocIDs: inFlightDocIDs,
		box:            newMailbox(ctx, queueSize),
	}
}

// findOrRequestRevs vets one changes batch. The callback receives the
// per-change "wanted" vector; the caller is responsible for getting it
// back onto its own mailbox.
func (self *revFinder) findOrRequestRevs(msg *blip.Message, entries []ChangeEntry, callback func(which []bool, err error)) {
	self.box.post(func() {
		which, err := self.vetChanges(msg, entries)
		callback(which, err)
	})
}

func (self *revFinder) vetChanges(msg *blip.Message, entries []ChangeEntry) ([]bool, error) {
	proposals := make([]RevProposal, len(entries))
	for i, entry := range entries {
		proposals[i] = RevProposal{
			DocID: entry.DocID,
			RevID: entry.RevID,
		}
	}

	missing, err := self.store.FindMissingRevs(self.ctx, proposals)
	if err != nil {
		glog.Infof("[finder]find missing revs error = %s\n", err)
		msg.RespondError(&blip.Error{Domain: blip.ErrorDomain, Code: 500, Message: err.Error()})
		return nil, err
	}

	which := make([]bool, len(entries))
	requested := 0
	for i, entry := range entries {
		if entry.DocID == "" || entry.RevID == "" || entry.Seq == "" {
			continue
		}
		if missing[i] {
			which[i] = true
			self.inFlightDocIDs.Add(entry.DocID)
			requested += 1
		}
	}

	// the response tells the remote which revisions to send: row i is the
	// known-ancestor list for a wanted change, 0 for one we already have
	response := make([]any, len(entries))
	for i := range entries {
		if which[i] {
			response[i] = []string{}
		} else {
			response[i] = 0
		}
	}
	body, _ := json.Marshal(response)
	msg.Respond(nil, body)

	glog.V(2).Infof("[finder]requested %d of %d changes\n", requested, len(entries))
	return which, nil
}
