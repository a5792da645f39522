package pull

import (
	"context"
)

// mailbox is a serial execution context. Tasks posted to a mailbox run one
// at a time in FIFO order on a single goroutine, so state owned by the
// mailbox's worker needs no locks. Workers communicate by posting tasks to
// each other's mailboxes.
type mailbox struct {
	ctx   context.Context
	tasks chan func()
}

func newMailbox(ctx context.Context, queueSize int) *mailbox {
	box := &mailbox{
		ctx:   ctx,
		tasks: make(chan func(), queueSize),
	}
	go box.run()
	return box
}

func (self *mailbox) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case task := <-self.tasks:
			task()
		}
	}
}

// post enqueues a task. Returns false if the mailbox's context is done.
// A full queue blocks the poster, which is the cross-worker back-pressure.
func (self *mailbox) post(task func()) bool {
	select {
	case self.tasks <- task:
		return true
	case <-self.ctx.Done():
		return false
	}
}

// depth is the number of tasks waiting behind the one running now.
func (self *mailbox) depth() int {
	return len(self.tasks)
}
