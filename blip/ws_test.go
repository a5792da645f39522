package blip

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newWebSocketPair(t *testing.T, settings *WebSocketSettings) (*WebSocketConnection, *WebSocketConnection) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	var mutex sync.Mutex
	var serverConn *WebSocketConnection
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := UpgradeWebSocket(ctx, w, r, settings)
		if err != nil {
			t.Errorf("upgrade error = %s", err)
			return
		}
		mutex.Lock()
		serverConn = conn
		mutex.Unlock()
	}))

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	clientConn, err := DialWebSocket(ctx, url, nil, settings)
	assert.Equal(t, nil, err)

	deadline := time.Now().Add(5 * time.Second)
	for {
		mutex.Lock()
		conn := serverConn
		mutex.Unlock()
		if conn != nil {
			t.Cleanup(func() {
				clientConn.Close()
				conn.Close()
				server.Close()
				cancel()
			})
			return clientConn, conn
		}
		if deadline.Before(time.Now()) {
			t.Fatalf("timeout waiting for server connection")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestWebSocketRequestResponse(t *testing.T) {
	client, server := newWebSocketPair(t, DefaultWebSocketSettings())

	server.HandleProfile("echo", func(msg *Message) {
		msg.Respond(map[string]string{"seen": msg.Property("key")}, msg.Body())
	})

	var mutex sync.Mutex
	var reply *Message
	msg := NewMessageBuilder("echo")
	msg.SetProperty("key", "value")
	msg.SetBody([]byte("hello"))
	msg.OnReply(func(r *Message) {
		mutex.Lock()
		defer mutex.Unlock()
		reply = r
	})
	err := client.Send(msg)
	assert.Equal(t, nil, err)

	r := waitForReply(t, func() *Message {
		mutex.Lock()
		defer mutex.Unlock()
		return reply
	})
	assert.Equal(t, false, r.IsError())
	assert.Equal(t, "value", r.Property("seen"))
	assert.Equal(t, "hello", string(r.Body()))
}

func TestWebSocketLargeBodyMultiFrame(t *testing.T) {
	settings := DefaultWebSocketSettings()
	settings.MaxFrameByteCount = 64

	client, server := newWebSocketPair(t, settings)

	body := make([]byte, 10*1024)
	for i := range body {
		body[i] = byte('a' + i%26)
	}

	server.HandleProfile("big", func(msg *Message) {
		msg.Respond(nil, msg.Body())
	})

	var mutex sync.Mutex
	var reply *Message
	msg := NewMessageBuilder("big")
	msg.SetBody(body)
	msg.OnReply(func(r *Message) {
		mutex.Lock()
		defer mutex.Unlock()
		reply = r
	})
	err := client.Send(msg)
	assert.Equal(t, nil, err)

	r := waitForReply(t, func() *Message {
		mutex.Lock()
		defer mutex.Unlock()
		return reply
	})
	assert.Equal(t, body, r.Body())
}

func TestWebSocketInterleavedMessages(t *testing.T) {
	settings := DefaultWebSocketSettings()
	settings.MaxFrameByteCount = 32

	client, server := newWebSocketPair(t, settings)

	var mutex sync.Mutex
	received := map[string]string{}
	server.HandleProfile("part", func(msg *Message) {
		mutex.Lock()
		received[msg.Property("name")] = string(msg.Body())
		mutex.Unlock()
		msg.Respond(nil, nil)
	})

	bodies := map[string]string{
		"one":   strings.Repeat("1", 500),
		"two":   strings.Repeat("2", 300),
		"three": strings.Repeat("3", 700),
	}
	for name, body := range bodies {
		msg := NewMessageBuilder("part")
		msg.SetProperty("name", name)
		msg.SetBody([]byte(body))
		msg.SetNoReply(true)
		err := client.Send(msg)
		assert.Equal(t, nil, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mutex.Lock()
		count := len(received)
		mutex.Unlock()
		if count == len(bodies) {
			break
		}
		if deadline.Before(time.Now()) {
			t.Fatalf("timeout waiting for messages")
		}
		time.Sleep(2 * time.Millisecond)
	}
	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, bodies, received)
}

func TestWebSocketCloseFailsPendingReplies(t *testing.T) {
	client, server := newWebSocketPair(t, DefaultWebSocketSettings())

	// the server never responds
	server.HandleProfile("hang", func(msg *Message) {})

	var mutex sync.Mutex
	var reply *Message
	msg := NewMessageBuilder("hang")
	msg.OnReply(func(r *Message) {
		mutex.Lock()
		defer mutex.Unlock()
		reply = r
	})
	err := client.Send(msg)
	assert.Equal(t, nil, err)

	time.Sleep(50 * time.Millisecond)
	client.Close()
	assert.Equal(t, false, client.IsOpen())

	r := waitForReply(t, func() *Message {
		mutex.Lock()
		defer mutex.Unlock()
		return reply
	})
	assert.Equal(t, true, r.IsError())
}

func TestParseByJwtUnverified(t *testing.T) {
	// header {"alg":"none"} and claims with sub and client_id, unsigned
	byJwt := "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0." +
		"eyJzdWIiOiJ1c2VyMSIsImNsaWVudF9pZCI6ImNsaWVudDEiLCJkYXRhYmFzZV9pZCI6ImRiMSJ9."
	claims, err := ParseByJwtUnverified(byJwt)
	assert.Equal(t, nil, err)
	assert.Equal(t, "user1", claims.Subject)
	assert.Equal(t, "client1", claims.ClientId)
	assert.Equal(t, "db1", claims.DatabaseId)
}
