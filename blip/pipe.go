package blip

import (
	"context"
	"errors"
	"sync"
)

// Pipe returns two connected in-memory endpoints. Requests sent on one end
// are dispatched to the other end's handlers; handler invocation order
// matches send order. Useful for tests and in-process replication.
func Pipe(ctx context.Context) (*PipeConnection, *PipeConnection) {
	cancelCtx, cancel := context.WithCancel(ctx)
	a := newPipeConnection(cancelCtx, cancel)
	b := newPipeConnection(cancelCtx, cancel)
	a.peer = b
	b.peer = a
	return a, b
}

type PipeConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	peer *PipeConnection

	mutex          sync.Mutex
	handlers       map[string]Handler
	pendingReplies map[uint64]func(*Message)
	nextNumber     uint64

	dispatch chan func()
}

func newPipeConnection(ctx context.Context, cancel context.CancelFunc) *PipeConnection {
	connection := &PipeConnection{
		ctx:            ctx,
		cancel:         cancel,
		handlers:       map[string]Handler{},
		pendingReplies: map[uint64]func(*Message){},
		dispatch:       make(chan func(), 1024),
	}
	go connection.run()
	return connection
}

func (self *PipeConnection) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case task := <-self.dispatch:
			task()
		}
	}
}

func (self *PipeConnection) HandleProfile(profile string, handler Handler) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.handlers[profile] = handler
}

func (self *PipeConnection) handler(profile string) Handler {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.handlers[profile]
}

func (self *PipeConnection) Send(msg *MessageBuilder) error {
	if !self.IsOpen() {
		return errors.New("pipe: connection closed")
	}

	self.mutex.Lock()
	self.nextNumber += 1
	number := self.nextNumber
	if msg.onReply != nil && !msg.noReply {
		self.pendingReplies[number] = msg.onReply
	}
	self.mutex.Unlock()

	properties := map[string]string{}
	for name, value := range msg.properties {
		properties[name] = value
	}

	peer := self.peer
	incoming := &Message{
		number:     number,
		properties: properties,
		body:       msg.body,
		noReply:    msg.noReply,
		sink:       peer,
	}

	select {
	case peer.dispatch <- func() {
		if handler := peer.handler(incoming.Profile()); handler != nil {
			handler(incoming)
		} else {
			incoming.RespondError(&Error{Domain: ErrorDomain, Code: 404, Message: "no handler"})
		}
	}:
		return nil
	case <-self.ctx.Done():
		return errors.New("pipe: connection closed")
	}
}

// sendReply routes a reply produced by this end's handler back to the
// peer's pending reply callback.
func (self *PipeConnection) sendReply(requestNumber uint64, properties map[string]string, body []byte, isError bool) {
	peer := self.peer
	peer.mutex.Lock()
	onReply := peer.pendingReplies[requestNumber]
	delete(peer.pendingReplies, requestNumber)
	peer.mutex.Unlock()
	if onReply == nil {
		return
	}

	if properties == nil {
		properties = map[string]string{}
	}
	reply := &Message{
		number:     requestNumber,
		properties: properties,
		body:       body,
		isError:    isError,
	}
	select {
	case peer.dispatch <- func() {
		onReply(reply)
	}:
	case <-self.ctx.Done():
	}
}

func (self *PipeConnection) IsOpen() bool {
	select {
	case <-self.ctx.Done():
		return false
	default:
		return true
	}
}

// Close closes both ends of the pipe.
func (self *PipeConnection) Close() error {
	self.cancel()
	return nil
}
