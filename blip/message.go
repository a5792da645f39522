package blip

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Profile names used by the replication protocol.
const (
	ProfileSubChanges     = "subChanges"
	ProfileChanges        = "changes"
	ProfileProposeChanges = "proposeChanges"
	ProfileRev            = "rev"
	ProfileNoRev          = "norev"
)

const PropertyProfile = "Profile"

// ErrorDomain is the domain for protocol-level error replies.
const ErrorDomain = "BLIP"

// Error is a protocol error carried in an error reply.
type Error struct {
	Domain  string
	Code    int
	Message string
}

func (self *Error) Error() string {
	if self.Message == "" {
		return fmt.Sprintf("%s %d", self.Domain, self.Code)
	}
	return fmt.Sprintf("%s %d: %s", self.Domain, self.Code, self.Message)
}

// Handler processes one incoming request message. Handlers for the same
// connection are invoked one at a time in receive order.
type Handler func(msg *Message)

// Connection is a request/response message endpoint. Implementations must
// be safe to use from multiple goroutines.
type Connection interface {
	// HandleProfile registers the handler for incoming requests with the
	// given Profile property. Requests with an unregistered profile are
	// answered with a 404 error reply.
	HandleProfile(profile string, handler Handler)
	// Send sends a request message. The builder's reply callback, if any,
	// fires once when the reply (or an error reply) arrives.
	Send(msg *MessageBuilder) error
	IsOpen() bool
	Close() error
}

// replySink is the connection-side hook a Message uses to send its reply.
type replySink interface {
	sendReply(requestNumber uint64, properties map[string]string, body []byte, isError bool)
}

// Message is an incoming request or reply.
type Message struct {
	number     uint64
	properties map[string]string
	body       []byte
	noReply    bool
	isError    bool

	sink replySink

	respondOnce sync.Once
}

func (self *Message) Number() uint64 {
	return self.number
}

func (self *Message) Profile() string {
	return self.properties[PropertyProfile]
}

func (self *Message) Property(name string) string {
	return self.properties[name]
}

func (self *Message) Body() []byte {
	return self.body
}

func (self *Message) JSONBody(v any) error {
	return json.Unmarshal(self.body, v)
}

// NoReply reports whether the sender does not want a reply.
func (self *Message) NoReply() bool {
	return self.noReply
}

// IsError reports whether this reply is an error reply.
func (self *Message) IsError() bool {
	return self.isError
}

// AsError returns the error carried by an error reply, or nil.
func (self *Message) AsError() *Error {
	if !self.isError {
		return nil
	}
	blipError := &Error{
		Domain:  self.properties["Error-Domain"],
		Code:    0,
		Message: string(self.body),
	}
	if blipError.Domain == "" {
		blipError.Domain = ErrorDomain
	}
	fmt.Sscanf(self.properties["Error-Code"], "%d", &blipError.Code)
	return blipError
}

// Respond sends a success reply. A no-reply message or a second call is
// silently ignored.
func (self *Message) Respond(properties map[string]string, body []byte) {
	if self.noReply || self.sink == nil {
		return
	}
	self.respondOnce.Do(func() {
		self.sink.sendReply(self.number, properties, body, false)
	})
}

// RespondError sends an error reply.
func (self *Message) RespondError(blipError *Error) {
	if self.noReply || self.sink == nil {
		return
	}
	self.respondOnce.Do(func() {
		properties := map[string]string{
			"Error-Domain": blipError.Domain,
			"Error-Code":   fmt.Sprintf("%d", blipError.Code),
		}
		self.sink.sendReply(self.number, properties, []byte(blipError.Message), true)
	})
}

// MessageBuilder assembles an outgoing request.
type MessageBuilder struct {
	profile    string
	properties map[string]string
	body       []byte
	noReply    bool
	onReply    func(reply *Message)
}

func NewMessageBuilder(profile string) *MessageBuilder {
	return &MessageBuilder{
		profile:    profile,
		properties: map[string]string{PropertyProfile: profile},
	}
}

func (self *MessageBuilder) SetProperty(name string, value string) *MessageBuilder {
	self.properties[name] = value
	return self
}

func (self *MessageBuilder) SetBody(body []byte) *MessageBuilder {
	self.body = body
	return self
}

func (self *MessageBuilder) SetJSONBody(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	self.body = body
	return nil
}

// SetNoReply marks the request as one-way. A no-reply request must not set
// a reply callback.
func (self *MessageBuilder) SetNoReply(noReply bool) *MessageBuilder {
	self.noReply = noReply
	return self
}

// OnReply sets the callback invoked once with the reply message.
func (self *MessageBuilder) OnReply(callback func(reply *Message)) *MessageBuilder {
	self.onReply = callback
	return self
}
