package gateway

import (
	"sync"
	"testing"

	"github.com/google/uuid"
)

func testClient() *Client {
	// Loops are not started; registry tests only need identity.
	return &Client{send: make(chan Event, sendBufferSize)}
}

func TestRegisterReportsFirstConnectionOnly(t *testing.T) {
	r := NewRegistry()
	userID := uuid.New()

	c1, c2 := testClient(), testClient()
	if first := r.Register(userID, c1); !first {
		t.Fatal("first connection not reported as first")
	}
	if first := r.Register(userID, c2); first {
		t.Fatal("second connection reported as first")
	}
	if r.OnlineUsers() != 1 {
		t.Fatalf("expected 1 online user, got %d", r.OnlineUsers())
	}
}

func TestSecondConnectionSupersedesPresenceEntry(t *testing.T) {
	r := NewRegistry()
	userID := uuid.New()
	c1, c2 := testClient(), testClient()

	r.Register(userID, c1)
	chatID := uuid.New()
	r.JoinRoom(chatID, c1)

	r.Register(userID, c2)
	entry, ok := r.PresenceEntry(userID)
	if !ok || entry != c2 {
		t.Fatal("presence entry not superseded by the newer connection")
	}

	// Superseding must not disconnect the first connection.
	clients := r.ClientsForUser(userID)
	if len(clients) != 2 {
		t.Fatalf("expected both connections live, got %d", len(clients))
	}

	// Only the last disconnect takes the user offline.
	last, _ := r.Unregister(userID, c2)
	if last {
		t.Fatal("user reported offline while a connection remains")
	}
	entry, ok = r.PresenceEntry(userID)
	if !ok || entry != c1 {
		t.Fatal("presence entry did not fall back to the surviving connection")
	}
	last, rooms := r.Unregister(userID, c1)
	if !last {
		t.Fatal("last disconnect not reported")
	}
	if len(rooms) != 1 || rooms[0] != chatID {
		t.Fatalf("expected joined room returned on disconnect, got %v", rooms)
	}
	if r.OnlineUsers() != 0 {
		t.Fatalf("expected 0 online users, got %d", r.OnlineUsers())
	}
}

func TestLeaveRoomIsIdempotent(t *testing.T) {
	r := NewRegistry()
	c := testClient()
	roomID := uuid.New()

	if r.LeaveRoom(roomID, c) {
		t.Fatal("leaving an unjoined room must be a no-op")
	}
	r.JoinRoom(roomID, c)
	if !r.LeaveRoom(roomID, c) {
		t.Fatal("leave after join must report the membership")
	}
	if r.LeaveRoom(roomID, c) {
		t.Fatal("second leave must be a no-op")
	}
}

func TestRoomClientsSnapshot(t *testing.T) {
	r := NewRegistry()
	roomID := uuid.New()
	c1, c2, outsider := testClient(), testClient(), testClient()

	r.JoinRoom(roomID, c1)
	r.JoinRoom(roomID, c2)
	_ = outsider

	clients := r.RoomClients(roomID)
	if len(clients) != 2 {
		t.Fatalf("expected 2 room members, got %d", len(clients))
	}
}

func TestRegistryHandlesConcurrentChurn(t *testing.T) {
	r := NewRegistry()
	roomID := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			userID := uuid.New()
			c := testClient()
			r.Register(userID, c)
			r.JoinRoom(roomID, c)
			r.RoomClients(roomID)
			r.LeaveRoom(roomID, c)
			r.Unregister(userID, c)
		}()
	}
	wg.Wait()

	if r.OnlineUsers() != 0 {
		t.Fatalf("expected no users after churn, got %d", r.OnlineUsers())
	}
	if len(r.RoomClients(roomID)) != 0 {
		t.Fatal("room not empty after churn")
	}
}
