package pull

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/golang/glog"

	"github.com/syncbox/pullsync/blip"
)

// IncomingRev processes one incoming "rev" message: parse and validate the
// revision, stage it through the inserter, and report completion back to
// the puller. Instances are reusable; the puller keeps finished workers in
// a spare pool.
//
// Holds only a back-reference to the puller and communicates with it by
// posting; the puller owns the worker.
type IncomingRev struct {
	puller *Puller

	msg       *blip.Message
	rev       ReplicatedRev
	bodySize  ByteCount
	replyCode int

	provisionallyInserted bool
}

func newIncomingRev(puller *Puller) *IncomingRev {
	return &IncomingRev{
		puller: puller,
	}
}

// handleRev starts processing. Parsing and staging run off the puller's
// mailbox; completion arrives later through the returning-revs channel.
func (self *IncomingRev) handleRev(msg *blip.Message) {
	go self.run(msg)
}

func (self *IncomingRev) run(msg *blip.Message) {
	self.msg = msg
	self.rev = ReplicatedRev{
		DocID:     msg.Property("id"),
		RevID:     msg.Property("rev"),
		RemoteSeq: Seq(msg.Property("sequence")),
	}
	if msg.Property("deleted") != "" && msg.Property("deleted") != "false" {
		self.rev.Flags |= RevDeleted
	}

	body := msg.Body()
	self.bodySize = ByteCount(len(body))

	if self.rev.DocID == "" || self.rev.RevID == "" {
		self.failNow(400, fmt.Errorf("rev message missing id or rev"))
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		self.failNow(400, fmt.Errorf("rev body is not valid JSON"))
		return
	}

	glog.V(2).Infof("[rev]staging '%s' %s (seq %s, %d bytes)\n",
		self.rev.DocID, self.rev.RevID, self.rev.RemoteSeq, self.bodySize)

	self.puller.insertRevision(&RevToInsert{
		ReplicatedRev: self.rev,
		Body:          body,
		onProvisional: self.revProvisionallyInserted,
		onCommit:      self.revInserted,
	})
}

// failNow finishes without ever staging: a permanent, local error.
func (self *IncomingRev) failNow(replyCode int, err error) {
	self.rev.Err = err
	self.rev.ErrIsTransient = false
	self.replyCode = replyCode
	self.finish()
}

// called by the inserter after the revision's write inside the open
// transaction
func (self *IncomingRev) revProvisionallyInserted(err error) {
	if err == nil {
		self.provisionallyInserted = true
		self.puller.revWasProvisionallyHandled()
	}
	// a stage error is surfaced by the commit callback
}

// called by the inserter after commit (or with the stage error)
func (self *IncomingRev) revInserted(err error) {
	if err != nil && self.rev.Err == nil {
		self.rev.Err = err
		self.rev.ErrIsTransient = IsTransient(err)
		self.replyCode = 500
		if self.rev.ErrIsTransient {
			self.replyCode = 503
		}
	}
	self.finish()
}

func (self *IncomingRev) finish() {
	if self.msg != nil && !self.msg.NoReply() {
		if self.rev.Err == nil {
			self.msg.Respond(nil, nil)
		} else {
			self.msg.RespondError(&blip.Error{
				Domain:  blip.ErrorDomain,
				Code:    self.replyCode,
				Message: self.rev.Err.Error(),
			})
		}
	}
	self.puller.revWasHandled(self)
}

// reset prepares the worker for reuse from the spare pool.
func (self *IncomingRev) reset() {
	self.msg = nil
	self.rev = ReplicatedRev{}
	self.bodySize = 0
	self.replyCode = 0
	self.provisionallyInserted = false
}

func (self *IncomingRev) Rev() *ReplicatedRev {
	return &self.rev
}

func (self *IncomingRev) RemoteSequence() Seq {
	return self.rev.RemoteSeq
}

func (self *IncomingRev) BodySize() ByteCount {
	return self.bodySize
}

func (self *IncomingRev) WasProvisionallyInserted() bool {
	return self.provisionallyInserted
}
