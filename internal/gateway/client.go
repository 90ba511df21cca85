package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/docuchat/docuchat/internal/model"
)

const (
	sendBufferSize    = 64
	writeTimeout      = 10 * time.Second
	keepAliveInterval = 25 * time.Second
	pingTimeout       = 5 * time.Second
)

// Event is one websocket frame in either direction.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Client is one live websocket connection. Its user is set only after a
// successful authenticate event.
type Client struct {
	conn    *websocket.Conn
	send    chan Event
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	authenticated bool
	user          model.User
}

func newClient(conn *websocket.Conn, limiter *rate.Limiter) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		send:    make(chan Event, sendBufferSize),
		limiter: limiter,
		ctx:     ctx,
		cancel:  cancel,
	}
	go c.writeLoop()
	go c.keepAliveLoop()
	return c
}

// UserID returns the authenticated user id, or uuid.Nil before
// authentication.
func (c *Client) UserID() uuid.UUID {
	if !c.authenticated {
		return uuid.Nil
	}
	return c.user.ID
}

// Enqueue hands an event to the write loop. A slow consumer whose
// buffer is full loses the event rather than blocking the sender.
func (c *Client) Enqueue(ev Event) bool {
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.send:
			writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			_ = wsjson.Write(writeCtx, c.conn, ev)
			cancel()
		}
	}
}

func (c *Client) keepAliveLoop() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(context.Background(), pingTimeout)
			_ = c.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (c *Client) close(code websocket.StatusCode, reason string) {
	c.cancel()
	_ = c.conn.Close(code, reason)
}
