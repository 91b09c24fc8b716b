package rooms

import (
	"sync"

	"chatd/pkg/logger"
)

// Hub coordinates websocket connections and logical rooms. Conversation
// rooms carry chat traffic; each participant additionally has a personal
// room (keyed by their id) for targeted notifications. Delivery is
// best-effort: a failed or slow subscriber is dropped, never retried.
type Hub struct {
	mu          sync.RWMutex
	conns       map[string]*Connection            // connID -> connection
	participant map[string]map[string]*Connection // participantID -> connID -> connection
	rooms       map[string]map[string]*Connection // room -> connID -> connection
	connRooms   map[string]map[string]struct{}    // connID -> set of rooms
	closed      bool
}

// NewHub constructs an initialized Hub.
func NewHub() *Hub {
	return &Hub{
		conns:       make(map[string]*Connection),
		participant: make(map[string]map[string]*Connection),
		rooms:       make(map[string]map[string]*Connection),
		connRooms:   make(map[string]map[string]struct{}),
	}
}

// Attach registers a connection and starts its write loop. A participant
// may hold several concurrent connections (multiple devices).
func (h *Hub) Attach(conn *Connection) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Shutdown(1001, "hub shutdown")
		return
	}
	h.conns[conn.ID] = conn
	set := h.participant[conn.Participant]
	if set == nil {
		set = make(map[string]*Connection)
		h.participant[conn.Participant] = set
	}
	set[conn.ID] = conn
	h.connRooms[conn.ID] = make(map[string]struct{})
	h.mu.Unlock()

	conn.Start()
	logger.Debug("connection_attached", "conn", conn.ID, "participant", conn.Participant)
}

// Detach removes a connection and its room memberships.
func (h *Hub) Detach(conn *Connection) {
	h.mu.Lock()
	h.detachLocked(conn.ID)
	h.mu.Unlock()
}

// Join adds the connection to the room. Joining twice is a no-op.
func (h *Hub) Join(room string, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn.ID]; !ok {
		return
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]*Connection)
		h.rooms[room] = members
	}
	members[conn.ID] = conn
	h.connRooms[conn.ID][room] = struct{}{}
}

// Leave removes the connection from the room.
func (h *Hub) Leave(room string, conn *Connection) {
	h.mu.Lock()
	h.leaveLocked(room, conn.ID)
	h.mu.Unlock()
}

// InRoom reports whether the connection currently belongs to the room.
func (h *Hub) InRoom(room string, conn *Connection) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][conn.ID]
	return ok
}

// Broadcast writes payload to every member of the room and returns the
// delivered count. excludeParticipant, when non-empty, skips that
// participant's connections.
func (h *Hub) Broadcast(room string, payload []byte, excludeParticipant string) int {
	h.mu.RLock()
	members := h.rooms[room]
	targets := make([]*Connection, 0, len(members))
	for _, conn := range members {
		if excludeParticipant != "" && conn.Participant == excludeParticipant {
			continue
		}
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if err := conn.Send(payload); err == nil {
			delivered++
		}
	}
	return delivered
}

// NotifyParticipant delivers payload to every live connection of the
// participant and returns the delivered count.
func (h *Hub) NotifyParticipant(participantID string, payload []byte) int {
	h.mu.RLock()
	set := h.participant[participantID]
	targets := make([]*Connection, 0, len(set))
	for _, conn := range set {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if err := conn.Send(payload); err == nil {
			delivered++
		}
	}
	return delivered
}

// Counts returns the number of live connections and active rooms.
func (h *Hub) Counts() (conns, rooms int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns), len(h.rooms)
}

// Close terminates all tracked connections and clears hub state.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[string]*Connection)
	h.participant = make(map[string]map[string]*Connection)
	h.rooms = make(map[string]map[string]*Connection)
	h.connRooms = make(map[string]map[string]struct{})
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Shutdown(1001, "hub shutdown")
	}
}

func (h *Hub) detachLocked(connID string) {
	conn, ok := h.conns[connID]
	if !ok {
		return
	}
	delete(h.conns, connID)
	if set, ok := h.participant[conn.Participant]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.participant, conn.Participant)
		}
	}
	for room := range h.connRooms[connID] {
		h.leaveLocked(room, connID)
	}
	delete(h.connRooms, connID)
}

func (h *Hub) leaveLocked(room, connID string) {
	members := h.rooms[room]
	if members == nil {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	if memberships, ok := h.connRooms[connID]; ok {
		delete(memberships, room)
	}
}
