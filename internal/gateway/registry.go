package gateway

import (
	"sync"

	"github.com/google/uuid"
)

// Registry owns presence and room membership for all live connections.
// All mutations happen under one lock so concurrent connect, disconnect
// and join races cannot lose updates. Clients never touch the maps
// directly.
type Registry struct {
	mu sync.Mutex

	// connections per authenticated user
	byUser map[uuid.UUID]map[*Client]struct{}
	// the user's current presence entry; the most recent authenticated
	// connection supersedes earlier ones without closing them
	presence map[uuid.UUID]*Client
	// room membership in both directions
	rooms         map[uuid.UUID]map[*Client]struct{}
	roomsByClient map[*Client]map[uuid.UUID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		byUser:        make(map[uuid.UUID]map[*Client]struct{}),
		presence:      make(map[uuid.UUID]*Client),
		rooms:         make(map[uuid.UUID]map[*Client]struct{}),
		roomsByClient: make(map[*Client]map[uuid.UUID]struct{}),
	}
}

// Register records an authenticated connection. It reports whether this
// is the user's first live connection, i.e. whether the user just came
// online.
func (r *Registry) Register(userID uuid.UUID, c *Client) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byUser[userID]
	if set == nil {
		set = make(map[*Client]struct{})
		r.byUser[userID] = set
	}
	first = len(set) == 0
	set[c] = struct{}{}
	r.presence[userID] = c
	return first
}

// Unregister removes a connection and reports whether the user has no
// remaining connections. The rooms the connection was joined to are
// returned so the caller can notify them.
func (r *Registry) Unregister(userID uuid.UUID, c *Client) (last bool, rooms []uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for roomID := range r.roomsByClient[c] {
		delete(r.rooms[roomID], c)
		if len(r.rooms[roomID]) == 0 {
			delete(r.rooms, roomID)
		}
		rooms = append(rooms, roomID)
	}
	delete(r.roomsByClient, c)

	set := r.byUser[userID]
	if set == nil {
		return false, rooms
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.byUser, userID)
		delete(r.presence, userID)
		return true, rooms
	}
	if r.presence[userID] == c {
		// Fall back to any surviving connection.
		for other := range set {
			r.presence[userID] = other
			break
		}
	}
	return false, rooms
}

// JoinRoom subscribes the connection to a room. Idempotent.
func (r *Registry) JoinRoom(roomID uuid.UUID, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[*Client]struct{})
	}
	r.rooms[roomID][c] = struct{}{}
	if r.roomsByClient[c] == nil {
		r.roomsByClient[c] = make(map[uuid.UUID]struct{})
	}
	r.roomsByClient[c][roomID] = struct{}{}
}

// LeaveRoom unsubscribes the connection and reports whether it was
// actually joined.
func (r *Registry) LeaveRoom(roomID uuid.UUID, c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, joined := r.rooms[roomID][c]; !joined {
		return false
	}
	delete(r.rooms[roomID], c)
	if len(r.rooms[roomID]) == 0 {
		delete(r.rooms, roomID)
	}
	delete(r.roomsByClient[c], roomID)
	return true
}

// RoomClients returns a snapshot of the connections in a room.
func (r *Registry) RoomClients(roomID uuid.UUID) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.rooms[roomID]))
	for c := range r.rooms[roomID] {
		out = append(out, c)
	}
	return out
}

// ClientsForUser returns a snapshot of one user's connections.
func (r *Registry) ClientsForUser(userID uuid.UUID) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.byUser[userID]))
	for c := range r.byUser[userID] {
		out = append(out, c)
	}
	return out
}

// AllClients returns a snapshot of every authenticated connection.
func (r *Registry) AllClients() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Client
	for _, set := range r.byUser {
		for c := range set {
			out = append(out, c)
		}
	}
	return out
}

// PresenceEntry returns the user's current presence connection, if any.
func (r *Registry) PresenceEntry(userID uuid.UUID) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.presence[userID]
	return c, ok
}

// OnlineUsers returns the number of users with at least one connection.
func (r *Registry) OnlineUsers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}
