package pull

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/syncbox/pullsync/blip"
)

// server-side filter restricting the change feed to named channels
const FilterByChannel = "sync_gateway/bychannel"

type PullerSettings struct {
	// rev messages requested from the remote but not yet arrived
	MaxPendingRevs int
	// incoming-rev workers currently parsing or staging
	MaxActiveIncomingRevs int
	// incoming-rev workers started but not yet committed
	MaxUnfinishedIncomingRevs int

	// batch hint sent with the change-feed subscription
	ChangesBatchSize int

	ReturningRevsLatency time.Duration
	InsertLatency        time.Duration
	MailboxQueueSize     int
}

func DefaultPullerSettings() *PullerSettings {
	return &PullerSettings{
		MaxPendingRevs:            200,
		MaxActiveIncomingRevs:     100,
		MaxUnfinishedIncomingRevs: 500,
		ChangesBatchSize:          200,
		ReturningRevsLatency:      5 * time.Millisecond,
		InsertLatency:             10 * time.Millisecond,
		MailboxQueueSize:          1024,
	}
}

type PullOptions struct {
	// keep pulling after catching up, idling until more changes arrive
	Continuous bool
	// serve a server-initiated stream instead of driving an active pull;
	// no caught-up semantics and no checkpoint
	Passive bool
	// subscribe with activeOnly until the first caught-up signal
	SkipDeleted bool
	// require proposeChanges; plain changes messages are refused
	NoIncomingConflicts bool

	Channels     []string
	Filter       string
	FilterParams map[string]string
	DocIDs       []string
}

// Puller drives the client-side pull state machine. All pipeline state is
// owned by its mailbox; message handlers, sub-worker completions, and the
// public operations post tasks onto it.
type Puller struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn     blip.Connection
	options  *PullOptions
	settings *PullerSettings

	box              *mailbox
	revFinder        *revFinder
	inserter         *inserter
	returningRevs    *batcher[*IncomingRev]
	inFlightDocIDs   *DocIDMultiset
	missingSequences *MissingSequenceSet

	// mailbox-owned state
	lastSequence           Seq
	caughtUp               bool
	skipDeleted            bool
	fatalError             bool
	pendingRevMessages     int
	activeIncomingRevs     int
	unfinishedIncomingRevs int
	pendingRevFinderCalls  int
	pendingResponses       int
	waitingChangesMessages []*blip.Message
	waitingRevMessages     []*blip.Message
	spareIncomingRevs      []*IncomingRev
	progress               Progress
	documentCount          int64
	notifiedStatus         Status

	lastStatus atomic.Value

	checkpointCallbacks    *callbackList[CheckpointFunction]
	documentEndedCallbacks *callbackList[DocumentEndedFunction]
	statusCallbacks        *callbackList[StatusFunction]
}

func NewPullerWithDefaults(ctx context.Context, conn blip.Connection, store LocalStore, options *PullOptions) *Puller {
	return NewPuller(ctx, conn, store, options, DefaultPullerSettings())
}

func NewPuller(ctx context.Context, conn blip.Connection, store LocalStore, options *PullOptions, settings *PullerSettings) *Puller {
	cancelCtx, cancel := context.WithCancel(ctx)

	inFlightDocIDs := NewDocIDMultiset()
	self := &Puller{
		ctx:                    cancelCtx,
		cancel:                 cancel,
		conn:                   conn,
		options:                options,
		settings:               settings,
		box:                    newMailbox(cancelCtx, settings.MailboxQueueSize),
		revFinder:              newRevFinder(cancelCtx, store, inFlightDocIDs, settings.MailboxQueueSize),
		inserter:               newInserter(cancelCtx, store, settings.InsertLatency, settings.MailboxQueueSize),
		inFlightDocIDs:         inFlightDocIDs,
		missingSequences:       NewMissingSequenceSet(),
		skipDeleted:            options.SkipDeleted,
		spareIncomingRevs:      make([]*IncomingRev, 0, settings.MaxActiveIncomingRevs),
		checkpointCallbacks:    newCallbackList[CheckpointFunction](),
		documentEndedCallbacks: newCallbackList[DocumentEndedFunction](),
		statusCallbacks:        newCallbackList[StatusFunction](),
	}
	self.returningRevs = newBatcher[*IncomingRev](settings.ReturningRevsLatency, func(generation int) {
		self.box.post(func() {
			self.revsFinished(generation)
		})
	})
	self.lastStatus.Store(Status{Level: Busy})

	conn.HandleProfile(blip.ProfileChanges, self.handleChanges)
	conn.HandleProfile(blip.ProfileProposeChanges, self.handleChanges)
	conn.HandleProfile(blip.ProfileRev, self.handleRev)
	conn.HandleProfile(blip.ProfileNoRev, self.handleNoRev)

	if !options.Passive && options.NoIncomingConflicts {
		glog.Warningf("[pull]noIncomingConflicts is not compatible with an active pull\n")
	}

	return self
}

func (self *Puller) AddCheckpointCallback(callback CheckpointFunction) func() {
	return self.checkpointCallbacks.add(callback)
}

func (self *Puller) AddDocumentEndedCallback(callback DocumentEndedFunction) func() {
	return self.documentEndedCallbacks.add(callback)
}

func (self *Puller) AddStatusCallback(callback StatusFunction) func() {
	return self.statusCallbacks.add(callback)
}

// Start begins an active pull from the given checkpoint. An empty sequence
// starts from the beginning of the remote's change feed.
func (self *Puller) Start(since Seq) {
	self.box.post(func() {
		self.startPull(since)
	})
}

// Close stops the puller. In-flight incoming revisions are allowed to
// finish; their results are dropped because the activity level is already
// stopped.
func (self *Puller) Close() {
	self.cancel()
}

// Status returns the last published status snapshot. Safe to poll from any
// goroutine.
func (self *Puller) Status() Status {
	status := self.lastStatus.Load().(Status)
	if !self.conn.IsOpen() || self.ctx.Err() != nil {
		status.Level = Stopped
	}
	return status
}

func (self *Puller) startPull(since Seq) {
	self.lastSequence = since
	self.missingSequences.Clear(since)
	glog.Infof("[pull]starting pull from remote seq \"%s\"\n", since)

	msg := blip.NewMessageBuilder(blip.ProfileSubChanges)
	if since != "" {
		msg.SetProperty("since", string(since))
	}
	if self.options.Continuous {
		msg.SetProperty("continuous", "true")
	}
	msg.SetProperty("batch", strconv.Itoa(self.settings.ChangesBatchSize))
	if self.skipDeleted {
		msg.SetProperty("activeOnly", "true")
	}

	if 0 < len(self.options.Channels) {
		msg.SetProperty("filter", FilterByChannel)
		msg.SetProperty("channels", strings.Join(self.options.Channels, ","))
	} else if self.options.Filter != "" {
		msg.SetProperty("filter", self.options.Filter)
		for name, value := range self.options.FilterParams {
			msg.SetProperty(name, value)
		}
	}

	if 0 < len(self.options.DocIDs) {
		if err := msg.SetJSONBody(map[string]any{
			"docIDs": self.options.DocIDs,
		}); err != nil {
			glog.Infof("[pull]encode docIDs error = %s\n", err)
		}
	}

	self.pendingResponses += 1
	msg.OnReply(func(reply *blip.Message) {
		self.box.post(func() {
			self.pendingResponses -= 1
			if reply.IsError() {
				glog.Infof("[pull]subChanges error = %s\n", reply.AsError())
				self.fatalError = true
			}
			self.notifyStatus()
		})
	})
	if err := self.conn.Send(msg); err != nil {
		glog.Infof("[pull]subChanges send error = %s\n", err)
		self.pendingResponses -= 1
		self.fatalError = true
	}
	self.notifyStatus()
}

// registered for both changes and proposeChanges
func (self *Puller) handleChanges(msg *blip.Message) {
	self.box.post(func() {
		glog.V(2).Infof("[pull]recv '%s' #%d (%d queued; %d revs pending, %d active, %d unfinished)\n",
			msg.Profile(), msg.Number(), len(self.waitingChangesMessages),
			self.pendingRevMessages, self.activeIncomingRevs, self.unfinishedIncomingRevs)
		self.waitingChangesMessages = append(self.waitingChangesMessages, msg)
		self.handleMoreChanges()
		self.notifyStatus()
	})
}

// drain waiting changes messages while not throttled
func (self *Puller) handleMoreChanges() {
	for 0 < len(self.waitingChangesMessages) &&
		self.pendingRevMessages < self.settings.MaxPendingRevs {
		msg := self.waitingChangesMessages[0]
		self.waitingChangesMessages[0] = nil
		self.waitingChangesMessages = self.waitingChangesMessages[1:]
		self.handleChangesNow(msg)
	}
}

func (self *Puller) handleChangesNow(msg *blip.Message) {
	proposed := msg.Profile() == blip.ProfileProposeChanges

	entries, err := parseChanges(msg.Body())
	switch {
	case err != nil:
		glog.Infof("[pull]invalid '%s' body = %s\n", msg.Profile(), err)
		msg.RespondError(&blip.Error{Domain: blip.ErrorDomain, Code: 400, Message: "invalid JSON body"})
	case len(entries) == 0:
		glog.Infof("[pull]caught up with remote changes\n")
		self.caughtUp = true
		self.skipDeleted = false
		msg.Respond(nil, nil)
	case msg.NoReply():
		glog.Infof("[pull]ignoring noreply '%s' message\n", msg.Profile())
	case self.options.NoIncomingConflicts && !proposed:
		// conflict-free mode requires the remote to send proposeChanges
		msg.RespondError(&blip.Error{Domain: blip.ErrorDomain, Code: 409})
	default:
		self.pendingRevFinderCalls += 1
		self.revFinder.findOrRequestRevs(msg, entries, func(which []bool, err error) {
			self.box.post(func() {
				self.changesVetted(entries, which, err)
			})
		})
	}
}

// after the rev finder returns
func (self *Puller) changesVetted(entries []ChangeEntry, which []bool, err error) {
	self.pendingRevFinderCalls -= 1
	if err != nil {
		// sequences not added; the next pull re-announces them
		self.handleMoreChanges()
		self.notifyStatus()
		return
	}

	for i, entry := range entries {
		requesting := which[i]
		if !self.options.Passive {
			var bodySize ByteCount = 0
			if requesting {
				bodySize = max(entry.BodySize, 1)
			}
			if entry.Seq != "" {
				self.missingSequences.Add(entry.Seq, bodySize)
			} else {
				glog.Infof("[pull]empty sequence in changes message\n")
			}
			self.addProgress(Progress{0, bodySize})
			if !requesting && entry.Seq != "" {
				// not wanted; just advance the checkpoint
				self.completedSequence(entry.Seq, false, true)
			}
		}
		if requesting {
			self.pendingRevMessages += 1
			// now awaiting a rev message
		}
	}
	if !self.options.Passive {
		glog.V(2).Infof("[pull]waiting for %d rev messages; %d sequences pending\n",
			self.pendingRevMessages, self.missingSequences.Size())
	}
	self.notifyStatus()
}

func (self *Puller) handleRev(msg *blip.Message) {
	self.box.post(func() {
		if self.activeIncomingRevs < self.settings.MaxActiveIncomingRevs &&
			self.unfinishedIncomingRevs < self.settings.MaxUnfinishedIncomingRevs {
			self.startIncomingRev(msg)
		} else {
			glog.V(2).Infof("[pull]delaying rev '%s' [%d waiting]\n",
				msg.Property("id"), len(self.waitingRevMessages)+1)
			self.waitingRevMessages = append(self.waitingRevMessages, msg)
		}
		self.notifyStatus()
	})
}

func (self *Puller) handleNoRev(msg *blip.Message) {
	self.box.post(func() {
		self.inFlightDocIDs.Remove(msg.Property("id"))
		self.pendingRevMessages -= 1
		if seq := Seq(msg.Property("sequence")); seq != "" {
			self.completedSequence(seq, false, true)
		}
		self.handleMoreChanges()
		if !msg.NoReply() {
			msg.Respond(nil, nil)
		}
		self.notifyStatus()
	})
}

func (self *Puller) startIncomingRev(msg *blip.Message) {
	self.pendingRevMessages -= 1
	self.activeIncomingRevs += 1
	self.unfinishedIncomingRevs += 1

	var inc *IncomingRev
	if n := len(self.spareIncomingRevs); 0 < n {
		inc = self.spareIncomingRevs[n-1]
		self.spareIncomingRevs[n-1] = nil
		self.spareIncomingRevs = self.spareIncomingRevs[:n-1]
		inc.reset()
	} else {
		inc = newIncomingRev(self)
	}
	inc.handleRev(msg)
	self.handleMoreChanges()
}

// insertRevision forwards a staged revision to the inserter (called by
// incoming-rev workers).
func (self *Puller) insertRevision(rev *RevToInsert) {
	self.inserter.insertRevision(rev)
}

// revWasProvisionallyHandled is called by an incoming-rev worker once its
// revision is written but not yet committed.
func (self *Puller) revWasProvisionallyHandled() {
	self.box.post(func() {
		self.revProvisionallyHandled()
		self.notifyStatus()
	})
}

func (self *Puller) revProvisionallyHandled() {
	self.activeIncomingRevs -= 1
	if self.activeIncomingRevs < self.settings.MaxActiveIncomingRevs &&
		self.unfinishedIncomingRevs < self.settings.MaxUnfinishedIncomingRevs &&
		0 < len(self.waitingRevMessages) {
		msg := self.waitingRevMessages[0]
		self.waitingRevMessages[0] = nil
		self.waitingRevMessages = self.waitingRevMessages[1:]
		self.startIncomingRev(msg)
		self.handleMoreChanges()
	}
}

// revWasHandled is called by an incoming-rev worker when it is finished,
// success or not.
func (self *Puller) revWasHandled(inc *IncomingRev) {
	self.inFlightDocIDs.Remove(inc.Rev().DocID)
	self.returningRevs.push(inc)
}

// drain one generation of finished incoming-rev workers
func (self *Puller) revsFinished(generation int) {
	revs := self.returningRevs.pop(generation)
	for _, inc := range revs {
		if !inc.WasProvisionallyInserted() {
			// failed before staging
			self.revProvisionallyHandled()
		}
		rev := inc.Rev()
		if !self.options.Passive {
			self.completedSequence(inc.RemoteSequence(), rev.ErrIsTransient, false)
		}
		self.finishedDocument(rev)
	}
	self.unfinishedIncomingRevs -= len(revs)

	if !self.options.Passive {
		self.updateLastSequence()
	}

	// return workers to the spare pool up to capacity; drop the rest
	for _, inc := range revs {
		if len(self.spareIncomingRevs) < self.settings.MaxActiveIncomingRevs {
			self.spareIncomingRevs = append(self.spareIncomingRevs, inc)
		}
	}
	self.handleMoreChanges()
	self.notifyStatus()
}

// completedSequence records that a sequence no longer blocks the
// checkpoint. With a transient error the sequence stays in the missing set
// so the next pull retries it, but its bytes still count as progress.
func (self *Puller) completedSequence(seq Seq, withTransientError bool, shouldUpdateLastSequence bool) {
	var bodySize ByteCount
	if withTransientError {
		bodySize = self.missingSequences.BodySizeOfSequence(seq)
	} else {
		wasEarliest, size := self.missingSequences.Remove(seq)
		bodySize = size
		if wasEarliest && shouldUpdateLastSequence {
			self.updateLastSequence()
		}
	}
	self.addProgress(Progress{bodySize, 0})
}

func (self *Puller) updateLastSequence() {
	since := self.missingSequences.Since()
	if since != self.lastSequence {
		self.lastSequence = since
		glog.V(2).Infof("[pull]checkpoint now at \"%s\"\n", since)
		for _, callback := range self.checkpointCallbacks.get() {
			callback(since)
		}
	}
}

func (self *Puller) finishedDocument(rev *ReplicatedRev) {
	if rev.Err == nil {
		self.documentCount += 1
	}
	doc := rev.AsDocumentEnded()
	for _, callback := range self.documentEndedCallbacks.get() {
		callback(doc)
	}
}

func (self *Puller) addProgress(delta Progress) {
	self.progress = self.progress.Add(delta)
}

func (self *Puller) computeActivityLevel() ActivityLevel {
	switch {
	case self.fatalError || !self.conn.IsOpen():
		return Stopped
	case 0 < self.box.depth() ||
		0 < self.pendingResponses ||
		(!self.caughtUp && !self.options.Passive) ||
		0 < self.pendingRevMessages ||
		0 < self.unfinishedIncomingRevs ||
		0 < self.pendingRevFinderCalls:
		return Busy
	case self.options.Continuous || self.options.Passive:
		self.spareIncomingRevs = nil
		return Idle
	default:
		return Stopped
	}
}

// notifyStatus recomputes the activity level, publishes the snapshot for
// polling, and notifies status callbacks on change.
func (self *Puller) notifyStatus() {
	status := Status{
		Level:         self.computeActivityLevel(),
		Progress:      self.progress,
		DocumentCount: self.documentCount,
	}
	self.lastStatus.Store(status)
	if status != self.notifiedStatus {
		self.notifiedStatus = status
		for _, callback := range self.statusCallbacks.get() {
			callback(status)
		}
	}
}
