package blip

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func waitForReply(t *testing.T, get func() *Message) *Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for get() == nil {
		if deadline.Before(time.Now()) {
			t.Fatalf("timeout waiting for reply")
		}
		time.Sleep(2 * time.Millisecond)
	}
	return get()
}

func TestPipeRequestResponse(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, b := Pipe(ctx)

	b.HandleProfile("echo", func(msg *Message) {
		assert.Equal(t, "echo", msg.Profile())
		assert.Equal(t, "value", msg.Property("key"))
		msg.Respond(map[string]string{"ok": "true"}, msg.Body())
	})

	var mutex sync.Mutex
	var reply *Message
	msg := NewMessageBuilder("echo")
	msg.SetProperty("key", "value")
	msg.SetBody([]byte(`{"n":1}`))
	msg.OnReply(func(r *Message) {
		mutex.Lock()
		defer mutex.Unlock()
		reply = r
	})
	err := a.Send(msg)
	assert.Equal(t, nil, err)

	r := waitForReply(t, func() *Message {
		mutex.Lock()
		defer mutex.Unlock()
		return reply
	})
	assert.Equal(t, false, r.IsError())
	assert.Equal(t, "true", r.Property("ok"))
	assert.Equal(t, `{"n":1}`, string(r.Body()))
}

func TestPipeErrorReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, b := Pipe(ctx)

	b.HandleProfile("fail", func(msg *Message) {
		msg.RespondError(&Error{Domain: ErrorDomain, Code: 409, Message: "conflict"})
	})

	var mutex sync.Mutex
	var reply *Message
	msg := NewMessageBuilder("fail")
	msg.OnReply(func(r *Message) {
		mutex.Lock()
		defer mutex.Unlock()
		reply = r
	})
	a.Send(msg)

	r := waitForReply(t, func() *Message {
		mutex.Lock()
		defer mutex.Unlock()
		return reply
	})
	assert.Equal(t, true, r.IsError())
	blipError := r.AsError()
	assert.Equal(t, 409, blipError.Code)
	assert.Equal(t, "conflict", blipError.Message)
}

func TestPipeNoHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, _ := Pipe(ctx)

	var mutex sync.Mutex
	var reply *Message
	msg := NewMessageBuilder("unknown")
	msg.OnReply(func(r *Message) {
		mutex.Lock()
		defer mutex.Unlock()
		reply = r
	})
	a.Send(msg)

	r := waitForReply(t, func() *Message {
		mutex.Lock()
		defer mutex.Unlock()
		return reply
	})
	assert.Equal(t, true, r.IsError())
	assert.Equal(t, 404, r.AsError().Code)
}

func TestPipeNoReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, b := Pipe(ctx)

	received := make(chan *Message, 1)
	b.HandleProfile("oneway", func(msg *Message) {
		// responding to a noreply message is a silent no-op
		msg.Respond(nil, nil)
		received <- msg
	})

	msg := NewMessageBuilder("oneway")
	msg.SetNoReply(true)
	err := a.Send(msg)
	assert.Equal(t, nil, err)

	select {
	case msg := <-received:
		assert.Equal(t, true, msg.NoReply())
	case <-time.After(5 * time.Second):
		t.Fatalf("message not delivered")
	}
}

func TestPipeOrdering(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, b := Pipe(ctx)

	var mutex sync.Mutex
	order := []uint64{}
	b.HandleProfile("seq", func(msg *Message) {
		mutex.Lock()
		order = append(order, msg.Number())
		mutex.Unlock()
		msg.Respond(nil, nil)
	})

	n := 20
	for i := 0; i < n; i += 1 {
		a.Send(NewMessageBuilder("seq").SetNoReply(true))
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mutex.Lock()
		count := len(order)
		mutex.Unlock()
		if count == n {
			break
		}
		if deadline.Before(time.Now()) {
			t.Fatalf("timeout waiting for %d messages", n)
		}
		time.Sleep(2 * time.Millisecond)
	}
	mutex.Lock()
	defer mutex.Unlock()
	for i := 1; i < n; i += 1 {
		assert.Equal(t, true, order[i-1] < order[i])
	}
}

func TestPipeClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, b := Pipe(ctx)
	assert.Equal(t, true, a.IsOpen())
	assert.Equal(t, true, b.IsOpen())

	a.Close()
	assert.Equal(t, false, a.IsOpen())
	assert.Equal(t, false, b.IsOpen())
	err := a.Send(NewMessageBuilder("x"))
	assert.NotEqual(t, nil, err)
}
