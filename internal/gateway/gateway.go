// Package gateway is the real-time delivery surface: it authenticates
// websocket connections, tracks presence and room membership, and fans
// chat events out to the connections that should see them.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/docuchat/docuchat/internal/model"
	"github.com/docuchat/docuchat/internal/store"
)

// Metrics is the instrumentation surface the gateway reports into.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	SetOnlineUsers(n int)
	EventReceived(eventType string)
	EventSent(eventType string)
	MessageStored()
}

type Options struct {
	Store          store.Store
	Auth           *Authenticator
	Logger         *slog.Logger
	Metrics        Metrics
	AllowedOrigins []string
	// Events per second one connection may send; bursts of twice the
	// rate are tolerated.
	EventRate float64
}

type Gateway struct {
	store    store.Store
	auth     *Authenticator
	registry *Registry
	logger   *slog.Logger
	metrics  Metrics

	eventRate  rate.Limit
	eventBurst int
	origins    []string

	chatLocks keyedMutex
}

func New(opts Options) (*Gateway, error) {
	if opts.Store == nil {
		return nil, errors.New("gateway requires a store")
	}
	if opts.Auth == nil {
		return nil, errors.New("gateway requires an authenticator")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	eventRate := opts.EventRate
	if eventRate <= 0 {
		eventRate = 20
	}
	return &Gateway{
		store:      opts.Store,
		auth:       opts.Auth,
		registry:   NewRegistry(),
		logger:     logger,
		metrics:    opts.Metrics,
		eventRate:  rate.Limit(eventRate),
		eventBurst: int(eventRate * 2),
		origins:    opts.AllowedOrigins,
		chatLocks:  keyedMutex{locks: make(map[uuid.UUID]*sync.Mutex)},
	}, nil
}

// Registry exposes the presence directory, mainly for tests and the
// health surface.
func (g *Gateway) Registry() *Registry { return g.registry }

// HandleWS upgrades the request and runs the connection until it
// closes. A token passed as a query parameter authenticates the
// connection immediately; otherwise the client must send an
// authenticate event first.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: g.origins})
	if err != nil {
		return
	}
	if g.metrics != nil {
		g.metrics.ConnectionOpened()
	}
	client := newClient(conn, rate.NewLimiter(g.eventRate, g.eventBurst))
	defer g.disconnect(client)

	if token := r.URL.Query().Get("token"); token != "" {
		if !g.handleAuthenticate(r.Context(), client, token) {
			return
		}
	}
	g.readLoop(r.Context(), client)
}

func (g *Gateway) readLoop(ctx context.Context, c *Client) {
	for {
		msgType, raw, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		if !c.limiter.Allow() {
			g.sendError(c, "rate limit exceeded")
			continue
		}
		if err := validateInbound(raw); err != nil {
			g.sendError(c, err.Error())
			continue
		}
		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			g.sendError(c, "malformed frame")
			continue
		}
		if g.metrics != nil {
			g.metrics.EventReceived(frame.Type)
		}
		if !g.dispatch(ctx, c, frame) {
			return
		}
	}
}

// dispatch handles one validated frame. The return value is false only
// when the connection must close.
func (g *Gateway) dispatch(ctx context.Context, c *Client, frame inboundFrame) bool {
	if frame.Type == EvAuthenticate {
		// A connection carries exactly one identity for its lifetime.
		// Accepting a second credential here would leave the old user's
		// presence and room subscriptions attached to the new identity.
		if c.authenticated {
			g.sendError(c, "already authenticated")
			return true
		}
		return g.handleAuthenticate(ctx, c, frame.Token)
	}
	if !c.authenticated {
		g.sendError(c, "not authenticated")
		return true
	}
	if frame.Type == EvUserStatus {
		g.relayStatus(c, frame.Status)
		return true
	}
	chatID, err := uuid.Parse(frame.ChatID)
	if err != nil {
		g.sendError(c, "invalid chat id")
		return true
	}
	switch frame.Type {
	case EvJoinChat:
		g.handleJoin(ctx, c, chatID)
	case EvLeaveChat:
		g.handleLeave(c, chatID)
	case EvSendMessage:
		g.handleSendMessage(ctx, c, chatID, frame)
	case EvTypingStart, EvTypingStop:
		g.relayTyping(c, chatID, frame.Type)
	case EvMarkRead:
		g.handleMarkRead(ctx, c, chatID, frame.MessageID)
	default:
		g.sendError(c, "unknown event type")
	}
	return true
}

// handleAuthenticate validates the credential, registers presence and
// auto-joins the user's chats. A failed authentication closes the
// connection; it is never left open unauthenticated after a bad
// credential.
func (g *Gateway) handleAuthenticate(ctx context.Context, c *Client, token string) bool {
	user, err := g.auth.VerifyToken(ctx, token)
	if err != nil {
		// Written synchronously: the connection is about to close and
		// the write loop may not get another turn.
		writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		_ = wsjson.Write(writeCtx, c.conn, Event{Type: EvError, Data: map[string]any{"message": "authentication failed"}})
		cancel()
		c.close(websocket.StatusPolicyViolation, "authentication failed")
		return false
	}
	c.authenticated = true
	c.user = user

	first := g.registry.Register(user.ID, c)
	chatIDs, err := g.store.ChatIDsForUser(ctx, user.ID)
	if err != nil {
		g.logger.Warn("auto_join_failed", "user_id", user.ID, "error", err)
		chatIDs = nil
	}
	for _, chatID := range chatIDs {
		g.registry.JoinRoom(chatID, c)
	}
	g.send(c, Event{Type: EvAuthenticated, Data: map[string]any{
		"user":      user.Public(),
		"roomCount": len(chatIDs),
	}})
	if first {
		g.broadcastAll(Event{Type: EvUserOnline, Data: map[string]any{"userId": user.ID}}, c)
	}
	if g.metrics != nil {
		g.metrics.SetOnlineUsers(g.registry.OnlineUsers())
	}
	g.logger.Info("connection_authenticated", "user_id", user.ID, "rooms", len(chatIDs))
	return true
}

func (g *Gateway) handleJoin(ctx context.Context, c *Client, chatID uuid.UUID) {
	ok, err := g.store.IsParticipant(ctx, chatID, c.user.ID)
	if err != nil {
		g.sendError(c, "membership check failed")
		return
	}
	if !ok {
		g.sendError(c, "not a participant of this chat")
		return
	}
	g.registry.JoinRoom(chatID, c)
	g.broadcastRoom(chatID, Event{Type: EvUserJoined, Data: map[string]any{
		"chatId": chatID,
		"userId": c.user.ID,
	}}, c)
}

func (g *Gateway) handleLeave(c *Client, chatID uuid.UUID) {
	if !g.registry.LeaveRoom(chatID, c) {
		return
	}
	g.broadcastRoom(chatID, Event{Type: EvUserLeft, Data: map[string]any{
		"chatId": chatID,
		"userId": c.user.ID,
	}}, c)
}

// handleSendMessage persists and broadcasts under the chat's lock so
// every room member observes messages in commit order. No broadcast
// happens unless the store write succeeded.
func (g *Gateway) handleSendMessage(ctx context.Context, c *Client, chatID uuid.UUID, frame inboundFrame) {
	ok, err := g.store.IsParticipant(ctx, chatID, c.user.ID)
	if err != nil || !ok {
		g.sendError(c, "not a participant of this chat")
		return
	}
	msgType := model.MessageType(frame.MessageType)
	if msgType == "" {
		msgType = model.MessageText
	}
	var replyTo *uuid.UUID
	if frame.ReplyToID != "" {
		id, err := uuid.Parse(frame.ReplyToID)
		if err != nil {
			g.sendError(c, "invalid reply id")
			return
		}
		replyTo = &id
	}
	authorID := c.user.ID
	msg := model.Message{
		ID:          uuid.New(),
		ChatID:      chatID,
		AuthorID:    &authorID,
		Content:     frame.Content,
		Type:        msgType,
		ReplyToID:   replyTo,
		Attachments: frame.Attachments,
		CreatedAt:   time.Now().UTC(),
	}

	unlock := g.chatLocks.lock(chatID)
	defer unlock()
	if err := g.store.AppendMessage(ctx, &msg); err != nil {
		g.logger.Warn("message_store_failed", "chat_id", chatID, "error", err)
		g.sendError(c, "message could not be stored")
		return
	}
	if err := g.store.UpdateChatPreview(ctx, chatID, msg.Content, msg.CreatedAt); err != nil {
		g.logger.Warn("chat_preview_update_failed", "chat_id", chatID, "error", err)
	}
	if g.metrics != nil {
		g.metrics.MessageStored()
	}
	g.broadcastRoom(chatID, Event{Type: EvNewMessage, Data: map[string]any{
		"message": msg,
		"author":  c.user.Public(),
	}}, nil)
}

func (g *Gateway) relayTyping(c *Client, chatID uuid.UUID, eventType string) {
	g.broadcastRoom(chatID, Event{Type: eventType, Data: map[string]any{
		"chatId": chatID,
		"userId": c.user.ID,
	}}, c)
}

// relayStatus fans a presence hint out to every live connection. The
// hint is best effort and never persisted.
func (g *Gateway) relayStatus(c *Client, status string) {
	g.broadcastAll(Event{Type: EvUserStatus, Data: map[string]any{
		"userId": c.user.ID,
		"status": status,
	}}, c)
}

func (g *Gateway) handleMarkRead(ctx context.Context, c *Client, chatID uuid.UUID, messageID string) {
	var msgID *uuid.UUID
	if messageID != "" {
		id, err := uuid.Parse(messageID)
		if err != nil {
			g.sendError(c, "invalid message id")
			return
		}
		msgID = &id
	}
	now := time.Now().UTC()
	if err := g.store.MarkRead(ctx, chatID, c.user.ID, msgID, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendError(c, "chat or message not found")
		} else {
			g.sendError(c, "read receipt could not be stored")
		}
		return
	}
	data := map[string]any{
		"chatId":    chatID,
		"userId":    c.user.ID,
		"timestamp": now,
	}
	if msgID != nil {
		data["messageId"] = *msgID
	}
	g.broadcastRoom(chatID, Event{Type: EvMessageRead, Data: data}, c)
}

func (g *Gateway) disconnect(c *Client) {
	defer c.close(websocket.StatusNormalClosure, "")
	if g.metrics != nil {
		g.metrics.ConnectionClosed()
	}
	if !c.authenticated {
		return
	}
	last, _ := g.registry.Unregister(c.user.ID, c)
	if last {
		g.broadcastAll(Event{Type: EvUserOffline, Data: map[string]any{"userId": c.user.ID}}, nil)
	}
	if g.metrics != nil {
		g.metrics.SetOnlineUsers(g.registry.OnlineUsers())
	}
	g.logger.Info("connection_closed", "user_id", c.user.ID, "user_offline", last)
}

// NotifyChatCreated pushes a chat_created event to each participant's
// presence entry and subscribes their live connections to the new
// room. Offline participants are skipped.
func (g *Gateway) NotifyChatCreated(chat model.Chat, participantIDs []uuid.UUID) {
	ev := Event{Type: EvChatCreated, Data: map[string]any{"chat": chat}}
	for _, userID := range participantIDs {
		for _, c := range g.registry.ClientsForUser(userID) {
			g.registry.JoinRoom(chat.ID, c)
		}
		if entry, ok := g.registry.PresenceEntry(userID); ok {
			g.send(entry, ev)
		}
	}
}

func (g *Gateway) send(c *Client, ev Event) {
	if !c.Enqueue(ev) {
		g.logger.Warn("event_dropped", "type", ev.Type, "user_id", c.UserID())
		return
	}
	if g.metrics != nil {
		g.metrics.EventSent(ev.Type)
	}
}

func (g *Gateway) sendError(c *Client, message string) {
	g.send(c, Event{Type: EvError, Data: map[string]any{"message": message}})
}

func (g *Gateway) broadcastRoom(roomID uuid.UUID, ev Event, except *Client) {
	for _, c := range g.registry.RoomClients(roomID) {
		if c == except {
			continue
		}
		g.send(c, ev)
	}
}

func (g *Gateway) broadcastAll(ev Event, except *Client) {
	for _, c := range g.registry.AllClients() {
		if c == except {
			continue
		}
		g.send(c, ev)
	}
}

// keyedMutex serializes work per chat id. Lock entries persist for the
// process lifetime; the set is bounded by the number of active chats.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func (k *keyedMutex) lock(id uuid.UUID) func() {
	k.mu.Lock()
	l := k.locks[id]
	if l == nil {
		l = &sync.Mutex{}
		k.locks[id] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}
