// Package hub fans session messages out to WebSocket connections grouped in
// per-session rooms.
package hub

import (
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Envelope is the server-to-client frame.
type Envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// Inbound is the client-to-server frame. Payload is decoded by the handler
// that owns the message type.
type Inbound struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
	log   *zap.Logger
}

func New(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		rooms: make(map[string]map[*Client]struct{}),
		log:   log.Named("hub"),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[c.sessionID]
	if room == nil {
		room = make(map[*Client]struct{})
		h.rooms[c.sessionID] = room
	}
	room[c] = struct{}{}
}

// Unregister removes c from its room and closes its send queue. It returns
// how many other connections the same user still has in the room. It is
// safe to call more than once.
func (h *Hub) Unregister(c *Client) int {
	h.mu.Lock()
	room := h.rooms[c.sessionID]
	if _, ok := room[c]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.sessionID)
		}
	}
	remaining := 0
	for other := range room {
		if other.userID == c.userID {
			remaining++
		}
	}
	h.mu.Unlock()
	c.closeSend()
	return remaining
}

// Broadcast enqueues a message for every client in the session room. A
// client whose queue is full misses the message and is expected to resync
// with OperationsSince.
func (h *Hub) Broadcast(sessionID, messageType string, payload any) {
	env := Envelope{Type: messageType, SessionID: sessionID, Payload: payload}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[sessionID] {
		if !c.Send(env) {
			h.log.Warn("dropped message for slow client",
				zap.String("session_id", sessionID),
				zap.String("user_id", c.userID),
				zap.String("type", messageType),
			)
		}
	}
}

func (h *Hub) RoomSize(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

// Members lists the distinct users with at least one connection in the
// session room, sorted.
func (h *Hub) Members(sessionID string) []string {
	h.mu.RLock()
	seen := make(map[string]bool)
	for c := range h.rooms[sessionID] {
		seen[c.userID] = true
	}
	h.mu.RUnlock()
	members := make([]string, 0, len(seen))
	for userID := range seen {
		members = append(members, userID)
	}
	sort.Strings(members)
	return members
}
