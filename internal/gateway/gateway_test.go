package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/docuchat/docuchat/internal/model"
	"github.com/docuchat/docuchat/internal/store"
)

type wireEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type testEnv struct {
	store *store.Memory
	auth  *Authenticator
	gw    *Gateway
	srv   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemory()
	auth, err := NewAuthenticator("test-secret", time.Hour, st)
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	gw, err := New(Options{Store: st, Auth: auth})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	t.Cleanup(srv.Close)
	return &testEnv{store: st, auth: auth, gw: gw, srv: srv}
}

func (e *testEnv) newUser(t *testing.T, email string) (model.User, string) {
	t.Helper()
	u := model.User{Email: email, Username: strings.Split(email, "@")[0], IsActive: true}
	if err := e.store.CreateUser(context.Background(), &u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	token, err := e.auth.IssueToken(u)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return u, token
}

func (e *testEnv) newChat(t *testing.T, members ...model.User) model.Chat {
	t.Helper()
	chat := model.Chat{Name: "room", Kind: model.ChatKindGroup, CreatedBy: members[0].ID}
	participants := make([]model.ChatParticipant, 0, len(members))
	for _, m := range members {
		participants = append(participants, model.ChatParticipant{UserID: m.ID, Role: model.RoleMember, Origin: model.InvitationManual})
	}
	if err := e.store.CreateChat(context.Background(), &chat, participants, nil); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	return chat
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var ev wireEvent
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

// waitFor reads events until one of the wanted type arrives, skipping
// unrelated traffic such as presence notifications.
func waitFor(t *testing.T, conn *websocket.Conn, eventType string) wireEvent {
	t.Helper()
	for i := 0; i < 50; i++ {
		ev := readEvent(t, conn)
		if ev.Type == eventType {
			return ev
		}
	}
	t.Fatalf("event %q never arrived", eventType)
	return wireEvent{}
}

func (e *testEnv) authenticate(t *testing.T, conn *websocket.Conn, token string) {
	t.Helper()
	writeFrame(t, conn, map[string]any{"type": EvAuthenticate, "token": token})
	waitFor(t, conn, EvAuthenticated)
}

func TestReauthenticationOnLiveConnectionIsRejected(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceToken := env.newUser(t, "alice@x.com")
	mallory, malloryToken := env.newUser(t, "mallory@x.com")
	bob, bobToken := env.newUser(t, "bob@x.com")
	chat := env.newChat(t, alice, bob)

	aliceConn := env.dial(t)
	env.authenticate(t, aliceConn, aliceToken)

	writeFrame(t, aliceConn, map[string]any{"type": EvAuthenticate, "token": malloryToken})
	ev := waitFor(t, aliceConn, EvError)
	if ev.Data["message"] != "already authenticated" {
		t.Fatalf("unexpected error payload: %v", ev.Data)
	}
	if len(env.gw.Registry().ClientsForUser(mallory.ID)) != 0 {
		t.Fatal("second credential gained a presence entry")
	}

	// The connection keeps its original identity: it still receives
	// traffic for the chats alice participates in, as alice.
	bobConn := env.dial(t)
	env.authenticate(t, bobConn, bobToken)
	writeFrame(t, bobConn, map[string]any{"type": EvSendMessage, "chatId": chat.ID.String(), "content": "members only"})
	ev = waitFor(t, aliceConn, EvNewMessage)
	msg, _ := ev.Data["message"].(map[string]any)
	if msg["content"] != "members only" {
		t.Fatalf("unexpected message payload: %v", ev.Data)
	}

	// Closing the connection releases alice's presence, not mallory's.
	_ = aliceConn.Close(websocket.StatusNormalClosure, "")
	offline := waitFor(t, bobConn, EvUserOffline)
	if offline.Data["userId"] != alice.ID.String() {
		t.Fatalf("unexpected offline user: %v", offline.Data)
	}
}

func TestUserStatusIsRelayedToOtherConnections(t *testing.T) {
	env := newTestEnv(t)
	_, aliceToken := env.newUser(t, "alice@x.com")
	_, bobToken := env.newUser(t, "bob@x.com")

	aliceConn := env.dial(t)
	env.authenticate(t, aliceConn, aliceToken)
	bobConn := env.dial(t)
	env.authenticate(t, bobConn, bobToken)

	writeFrame(t, aliceConn, map[string]any{"type": EvUserStatus, "status": "away"})
	ev := waitFor(t, bobConn, EvUserStatus)
	if ev.Data["status"] != "away" {
		t.Fatalf("unexpected status payload: %v", ev.Data)
	}

	// An unknown status value is rejected by validation, not relayed.
	writeFrame(t, aliceConn, map[string]any{"type": EvUserStatus, "status": "sleeping"})
	waitFor(t, aliceConn, EvError)
}

func TestAuthenticateWithBadTokenClosesConnection(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	writeFrame(t, conn, map[string]any{"type": EvAuthenticate, "token": "garbage"})
	ev := waitFor(t, conn, EvError)
	if ev.Data["message"] != "authentication failed" {
		t.Fatalf("unexpected error payload: %v", ev.Data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var next wireEvent
	if err := wsjson.Read(ctx, conn, &next); err == nil {
		t.Fatalf("connection still open after failed authentication, read %v", next)
	}
}

func TestOperationsRequireAuthentication(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	writeFrame(t, conn, map[string]any{"type": EvJoinChat, "chatId": uuid.New().String()})
	ev := waitFor(t, conn, EvError)
	if ev.Data["message"] != "not authenticated" {
		t.Fatalf("unexpected error payload: %v", ev.Data)
	}
}

func TestJoinChatRequiresMembership(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := env.newUser(t, "alice@test.com")
	_, bobToken := env.newUser(t, "bob@test.com")
	chat := env.newChat(t, alice)

	conn := env.dial(t)
	env.authenticate(t, conn, bobToken)
	writeFrame(t, conn, map[string]any{"type": EvJoinChat, "chatId": chat.ID.String()})
	ev := waitFor(t, conn, EvError)
	if ev.Data["message"] != "not a participant of this chat" {
		t.Fatalf("unexpected error payload: %v", ev.Data)
	}
}

func TestSendMessagePersistsBeforeBroadcast(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceToken := env.newUser(t, "alice@test.com")
	bob, bobToken := env.newUser(t, "bob@test.com")
	chat := env.newChat(t, alice, bob)

	aliceConn := env.dial(t)
	env.authenticate(t, aliceConn, aliceToken)
	bobConn := env.dial(t)
	env.authenticate(t, bobConn, bobToken)

	writeFrame(t, aliceConn, map[string]any{
		"type": EvSendMessage, "chatId": chat.ID.String(), "content": "hello bob",
	})
	ev := waitFor(t, bobConn, EvNewMessage)
	msg, ok := ev.Data["message"].(map[string]any)
	if !ok || msg["content"] != "hello bob" {
		t.Fatalf("unexpected message payload: %v", ev.Data)
	}

	reloaded, err := env.store.ChatByID(context.Background(), chat.ID)
	if err != nil {
		t.Fatalf("reload chat: %v", err)
	}
	if reloaded.LastMessage != "hello bob" {
		t.Fatalf("chat preview not updated: %q", reloaded.LastMessage)
	}
	unread, err := env.store.UnreadCount(context.Background(), chat.ID, bob.ID)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if unread != 1 {
		t.Fatalf("message not persisted, unread=%d", unread)
	}
}

func TestBroadcastOrderIsIdenticalForAllRoomMembers(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceToken := env.newUser(t, "alice@test.com")
	bob, bobToken := env.newUser(t, "bob@test.com")
	carol, carolToken := env.newUser(t, "carol@test.com")
	chat := env.newChat(t, alice, bob, carol)

	aliceConn := env.dial(t)
	env.authenticate(t, aliceConn, aliceToken)
	bobConn := env.dial(t)
	env.authenticate(t, bobConn, bobToken)
	carolConn := env.dial(t)
	env.authenticate(t, carolConn, carolToken)

	const perSender = 5
	var wg sync.WaitGroup
	for _, sender := range []*websocket.Conn{aliceConn, bobConn} {
		wg.Add(1)
		go func(conn *websocket.Conn) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = wsjson.Write(ctx, conn, map[string]any{
					"type": EvSendMessage, "chatId": chat.ID.String(), "content": "m",
				})
				cancel()
			}
		}(sender)
	}
	wg.Wait()

	collect := func(conn *websocket.Conn) []string {
		ids := make([]string, 0, 2*perSender)
		for len(ids) < 2*perSender {
			ev := waitFor(t, conn, EvNewMessage)
			msg := ev.Data["message"].(map[string]any)
			ids = append(ids, msg["id"].(string))
		}
		return ids
	}

	carolOrder := collect(carolConn)
	bobOrder := collect(bobConn)
	for i := range carolOrder {
		if carolOrder[i] != bobOrder[i] {
			t.Fatalf("order diverged at %d: %s vs %s", i, carolOrder[i], bobOrder[i])
		}
	}
}

func TestMarkReadRelaysReceiptToRoom(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceToken := env.newUser(t, "alice@test.com")
	bob, bobToken := env.newUser(t, "bob@test.com")
	chat := env.newChat(t, alice, bob)

	aliceConn := env.dial(t)
	env.authenticate(t, aliceConn, aliceToken)
	bobConn := env.dial(t)
	env.authenticate(t, bobConn, bobToken)

	writeFrame(t, aliceConn, map[string]any{
		"type": EvSendMessage, "chatId": chat.ID.String(), "content": "read me",
	})
	ev := waitFor(t, bobConn, EvNewMessage)
	msgID := ev.Data["message"].(map[string]any)["id"].(string)

	writeFrame(t, bobConn, map[string]any{
		"type": EvMarkRead, "chatId": chat.ID.String(), "messageId": msgID,
	})
	receipt := waitFor(t, aliceConn, EvMessageRead)
	if receipt.Data["messageId"] != msgID {
		t.Fatalf("unexpected receipt payload: %v", receipt.Data)
	}
	if receipt.Data["userId"] != bob.ID.String() {
		t.Fatalf("receipt names wrong reader: %v", receipt.Data)
	}
}

func TestTypingIsRelayedWithoutEchoToSender(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceToken := env.newUser(t, "alice@test.com")
	bob, bobToken := env.newUser(t, "bob@test.com")
	chat := env.newChat(t, alice, bob)

	aliceConn := env.dial(t)
	env.authenticate(t, aliceConn, aliceToken)
	bobConn := env.dial(t)
	env.authenticate(t, bobConn, bobToken)

	writeFrame(t, aliceConn, map[string]any{"type": EvTypingStart, "chatId": chat.ID.String()})
	ev := waitFor(t, bobConn, EvTypingStart)
	if ev.Data["userId"] != alice.ID.String() {
		t.Fatalf("unexpected typing payload: %v", ev.Data)
	}
}

func TestOfflineOnlyWhenLastConnectionCloses(t *testing.T) {
	env := newTestEnv(t)
	_, aliceToken := env.newUser(t, "alice@test.com")
	_, carolToken := env.newUser(t, "carol@test.com")

	carolConn := env.dial(t)
	env.authenticate(t, carolConn, carolToken)

	aliceConn1 := env.dial(t)
	env.authenticate(t, aliceConn1, aliceToken)
	waitFor(t, carolConn, EvUserOnline)
	aliceConn2 := env.dial(t)
	env.authenticate(t, aliceConn2, aliceToken)

	// Closing the superseded connection must not emit an offline event.
	_ = aliceConn1.Close(websocket.StatusNormalClosure, "")
	quietCtx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	var ev wireEvent
	err := wsjson.Read(quietCtx, carolConn, &ev)
	cancel()
	if err == nil && ev.Type == EvUserOffline {
		t.Fatal("offline emitted while a connection remains")
	}

	_ = aliceConn2.Close(websocket.StatusNormalClosure, "")
	waitFor(t, carolConn, EvUserOffline)
}

func TestChatCreatedNotificationReachesOnlineParticipants(t *testing.T) {
	env := newTestEnv(t)
	alice, aliceToken := env.newUser(t, "alice@test.com")

	conn := env.dial(t)
	env.authenticate(t, conn, aliceToken)

	// Chats provisioned after the connection opened are announced and
	// joined live, so the member sees traffic without reconnecting.
	chat := env.newChat(t, alice)
	env.gw.NotifyChatCreated(chat, []uuid.UUID{alice.ID})
	ev := waitFor(t, conn, EvChatCreated)
	payload, ok := ev.Data["chat"].(map[string]any)
	if !ok || payload["id"] != chat.ID.String() {
		t.Fatalf("unexpected chat payload: %v", ev.Data)
	}
	if clients := env.gw.Registry().RoomClients(chat.ID); len(clients) != 1 {
		t.Fatalf("connection not joined to new room, clients=%d", len(clients))
	}
}
