package blip

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type WebSocketSettings struct {
	HandshakeTimeout  time.Duration
	PingTimeout       time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	MaxFrameByteCount int
	SendQueueSize     int
	DispatchQueueSize int
}

func DefaultWebSocketSettings() *WebSocketSettings {
	return &WebSocketSettings{
		HandshakeTimeout:  10 * time.Second,
		PingTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       30 * time.Second,
		MaxFrameByteCount: 16 * 1024,
		SendQueueSize:     64,
		DispatchQueueSize: 1024,
	}
}

// DialWebSocket connects to a remote replication endpoint. If auth is not
// nil the token is presented as a bearer credential during the handshake.
func DialWebSocket(ctx context.Context, url string, auth *ClientAuth, settings *WebSocketSettings) (*WebSocketConnection, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.HandshakeTimeout,
	}
	header := http.Header{}
	if auth != nil && auth.ByJwt != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", auth.ByJwt))
	}
	conn, response, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("ws dial %s (%s): %w", url, response.Status, err)
		}
		return nil, fmt.Errorf("ws dial %s: %w", url, err)
	}
	return newWebSocketConnection(ctx, conn, settings), nil
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// UpgradeWebSocket accepts an incoming connection on the server side of the
// protocol, for passive endpoints and tests.
func UpgradeWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request, settings *WebSocketSettings) (*WebSocketConnection, error) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("ws upgrade: %w", err)
	}
	return newWebSocketConnection(ctx, conn, settings), nil
}

type outgoingMessage struct {
	number    uint64
	frameType frameType
	noReply   bool
	payload   []byte
	offset    int
}

type incomingKey struct {
	number  uint64
	isReply bool
}

type incomingPartial struct {
	noReply bool
	isError bool
	payload []byte
}

type WebSocketConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn     *websocket.Conn
	settings *WebSocketSettings

	mutex          sync.Mutex
	handlers       map[string]Handler
	pendingReplies map[uint64]func(*Message)
	nextNumber     uint64
	partials       map[incomingKey]*incomingPartial

	sendQueue chan *outgoingMessage
	dispatch  chan func()

	closeOnce sync.Once
}

func newWebSocketConnection(ctx context.Context, conn *websocket.Conn, settings *WebSocketSettings) *WebSocketConnection {
	cancelCtx, cancel := context.WithCancel(ctx)
	connection := &WebSocketConnection{
		ctx:            cancelCtx,
		cancel:         cancel,
		conn:           conn,
		settings:       settings,
		handlers:       map[string]Handler{},
		pendingReplies: map[uint64]func(*Message){},
		partials:       map[incomingKey]*incomingPartial{},
		sendQueue:      make(chan *outgoingMessage, settings.SendQueueSize),
		dispatch:       make(chan func(), settings.DispatchQueueSize),
	}
	go connection.readLoop()
	go connection.writeLoop()
	go connection.pingLoop()
	go connection.dispatchLoop()
	return connection
}

func (self *WebSocketConnection) HandleProfile(profile string, handler Handler) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.handlers[profile] = handler
}

func (self *WebSocketConnection) handler(profile string) Handler {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.handlers[profile]
}

func (self *WebSocketConnection) Send(msg *MessageBuilder) error {
	if !self.IsOpen() {
		return errors.New("ws: connection closed")
	}

	self.mutex.Lock()
	self.nextNumber += 1
	number := self.nextNumber
	if msg.onReply != nil && !msg.noReply {
		self.pendingReplies[number] = msg.onReply
	}
	self.mutex.Unlock()

	outgoing := &outgoingMessage{
		number:    number,
		frameType: frameTypeRequest,
		noReply:   msg.noReply,
		payload:   messagePayload(msg.properties, msg.body),
	}
	select {
	case self.sendQueue <- outgoing:
		return nil
	case <-self.ctx.Done():
		return errors.New("ws: connection closed")
	}
}

// replySink
func (self *WebSocketConnection) sendReply(requestNumber uint64, properties map[string]string, body []byte, isError bool) {
	frameType := frameTypeResponse
	if isError {
		frameType = frameTypeError
	}
	if properties == nil {
		properties = map[string]string{}
	}
	outgoing := &outgoingMessage{
		number:    requestNumber,
		frameType: frameType,
		payload:   messagePayload(properties, body),
	}
	select {
	case self.sendQueue <- outgoing:
	case <-self.ctx.Done():
	}
}

func messagePayload(properties map[string]string, body []byte) []byte {
	orderedNames := maps.Keys(properties)
	slices.Sort(orderedNames)
	return append(encodeProperties(properties, orderedNames), body...)
}

// writeLoop multiplexes queued messages onto the wire one frame at a time,
// round robin, so a large revision body cannot stall smaller messages.
func (self *WebSocketConnection) writeLoop() {
	defer self.close()

	active := []*outgoingMessage{}
	for {
		if len(active) == 0 {
			select {
			case <-self.ctx.Done():
				return
			case outgoing := <-self.sendQueue:
				active = append(active, outgoing)
			}
		}
		// admit everything already queued so it shares the wire
		for admit := true; admit; {
			select {
			case outgoing := <-self.sendQueue:
				active = append(active, outgoing)
			default:
				admit = false
			}
		}

		outgoing := active[0]
		active = active[1:]

		end := outgoing.offset + self.settings.MaxFrameByteCount
		if len(outgoing.payload) < end {
			end = len(outgoing.payload)
		}
		f := &frame{
			number:     outgoing.number,
			frameType:  outgoing.frameType,
			moreComing: end < len(outgoing.payload),
			noReply:    outgoing.noReply,
			payload:    outgoing.payload[outgoing.offset:end],
		}
		self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		if err := self.conn.WriteMessage(websocket.BinaryMessage, encodeFrame(f)); err != nil {
			glog.Infof("[ws]write error = %s\n", err)
			return
		}
		if f.moreComing {
			outgoing.offset = end
			active = append(active, outgoing)
		}
	}
}

func (self *WebSocketConnection) readLoop() {
	defer self.close()

	self.conn.SetPongHandler(func(string) error {
		self.conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})
	for {
		self.conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, data, err := self.conn.ReadMessage()
		if err != nil {
			if self.IsOpen() {
				glog.Infof("[ws]read error = %s\n", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		f, err := decodeFrame(data)
		if err != nil {
			glog.Infof("[ws]drop frame = %s\n", err)
			continue
		}
		self.receiveFrame(f)
	}
}

func (self *WebSocketConnection) receiveFrame(f *frame) {
	key := incomingKey{
		number:  f.number,
		isReply: f.frameType != frameTypeRequest,
	}
	self.mutex.Lock()
	partial := self.partials[key]
	if partial == nil {
		partial = &incomingPartial{}
		self.partials[key] = partial
	}
	partial.payload = append(partial.payload, f.payload...)
	partial.noReply = partial.noReply || f.noReply
	partial.isError = partial.isError || f.frameType == frameTypeError
	if f.moreComing {
		self.mutex.Unlock()
		return
	}
	delete(self.partials, key)
	self.mutex.Unlock()

	properties, body, err := decodeProperties(partial.payload)
	if err != nil {
		glog.Infof("[ws]drop message %d = %s\n", f.number, err)
		return
	}

	if key.isReply {
		self.mutex.Lock()
		onReply := self.pendingReplies[f.number]
		delete(self.pendingReplies, f.number)
		self.mutex.Unlock()
		if onReply == nil {
			return
		}
		reply := &Message{
			number:     f.number,
			properties: properties,
			body:       body,
			isError:    partial.isError,
		}
		self.post(func() {
			onReply(reply)
		})
	} else {
		msg := &Message{
			number:     f.number,
			properties: properties,
			body:       body,
			noReply:    partial.noReply,
			sink:       self,
		}
		self.post(func() {
			if handler := self.handler(msg.Profile()); handler != nil {
				glog.V(2).Infof("[ws]recv %s #%d\n", msg.Profile(), msg.Number())
				handler(msg)
			} else {
				glog.Infof("[ws]no handler for %s #%d\n", msg.Profile(), msg.Number())
				msg.RespondError(&Error{Domain: ErrorDomain, Code: 404, Message: "no handler"})
			}
		})
	}
}

func (self *WebSocketConnection) post(task func()) {
	select {
	case self.dispatch <- task:
	case <-self.ctx.Done():
	}
}

func (self *WebSocketConnection) dispatchLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case task := <-self.dispatch:
			task()
		}
	}
}

func (self *WebSocketConnection) pingLoop() {
	ticker := time.NewTicker(self.settings.PingTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(self.settings.WriteTimeout)
			if err := self.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (self *WebSocketConnection) IsOpen() bool {
	select {
	case <-self.ctx.Done():
		return false
	default:
		return true
	}
}

func (self *WebSocketConnection) Close() error {
	self.close()
	return nil
}

func (self *WebSocketConnection) close() {
	self.closeOnce.Do(func() {
		self.cancel()
		self.conn.Close()

		// fail any callers still waiting on a reply
		self.mutex.Lock()
		pendingReplies := self.pendingReplies
		self.pendingReplies = map[uint64]func(*Message){}
		self.mutex.Unlock()
		for number, onReply := range pendingReplies {
			reply := &Message{
				number: number,
				properties: map[string]string{
					"Error-Domain": ErrorDomain,
					"Error-Code":   "502",
				},
				body:    []byte("connection closed"),
				isError: true,
			}
			go onReply(reply)
		}
	})
}
