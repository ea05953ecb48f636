// Package hub maintains the live connection registry and room membership
// indices and fans chat events out to room members. All state is in process
// memory; a restart drops every connection and clients rebuild membership on
// reconnect.
package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/openroam/chatrelay/internal/protocol"
	"github.com/openroam/chatrelay/internal/store"
)

// Store is the slice of the persistence layer the hub consumes.
type Store interface {
	UserRooms(ctx context.Context, userID string) ([]string, error)
	InsertMessage(ctx context.Context, p store.InsertMessageParams) (*store.Message, error)
	TouchRoomActivity(ctx context.Context, roomID string) error
	UserProfile(ctx context.Context, userID string) (store.Profile, error)
}

// Publisher forwards room events to peer relay instances. Nil when the relay
// runs standalone.
type Publisher interface {
	Publish(roomID string, payload []byte) error
}

// Stats is the diagnostics snapshot served for operational polling. A user
// subscribed to two rooms counts twice in TotalRoomParticipants, once per
// room.
type Stats struct {
	ConnectedClients      int `json:"connectedClients"`
	ActiveRooms           int `json:"activeRooms"`
	TotalRoomParticipants int `json:"totalRoomParticipants"`
}

// Hub owns the connection and room maps. Both are mutated only through its
// methods under h.mu, so composite operations stay atomic with respect to
// each other.
type Hub struct {
	store     Store
	publisher Publisher

	mu sync.RWMutex
	// clients holds at most one connection per user id. A new connection for
	// the same user replaces the entry; the prior socket stays open but is no
	// longer reachable through the registry.
	clients map[string]*Client
	// rooms maps room id to member user ids. A room exists only while its
	// member set is non-empty.
	rooms map[string]map[string]struct{}
}

func New(st Store) *Hub {
	return &Hub{
		store:   st,
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]struct{}),
	}
}

// SetPublisher attaches a cross-instance publisher. Must be called before the
// hub starts accepting connections.
func (h *Hub) SetPublisher(p Publisher) {
	h.publisher = p
}

// Register installs client as the live connection for its user, replacing any
// previous entry.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	prev := h.clients[client.userID]
	h.clients[client.userID] = client
	h.mu.Unlock()

	if prev != nil {
		slog.Info("[HUB] Replaced existing connection", "user", client.userID, "conn", client.connID, "prevConn", prev.connID)
	} else {
		slog.Info("[HUB] Client registered", "user", client.userID, "conn", client.connID)
	}
}

// Unregister tears down a departing connection. If client is still the
// registered connection for its user, the user leaves every room and each
// affected room receives one user_disconnected event. If the registry entry
// was already replaced by a newer connection, only the departing connection's
// send channel is closed; the successor keeps its registration and rooms.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()

	if h.clients[client.userID] != client {
		h.closeClient(client)
		h.mu.Unlock()
		slog.Debug("[HUB] Stale connection closed", "user", client.userID, "conn", client.connID)
		return
	}

	delete(h.clients, client.userID)
	affected := h.removeFromAllRooms(client.userID)
	h.closeClient(client)
	h.mu.Unlock()

	slog.Info("[HUB] Client unregistered", "user", client.userID, "conn", client.connID, "rooms", len(affected))

	for _, roomID := range affected {
		h.BroadcastToRoom(roomID, protocol.UserDisconnected(client.userID, roomID))
	}
}

// closeClient closes the client's send channel exactly once. Caller holds h.mu.
func (h *Hub) closeClient(client *Client) {
	if !client.closed {
		client.closed = true
		close(client.send)
	}
}

// removeFromAllRooms drops userID from every room and returns the ids of the
// rooms it belonged to. Caller holds h.mu.
func (h *Hub) removeFromAllRooms(userID string) []string {
	var affected []string
	for roomID, members := range h.rooms {
		if _, ok := members[userID]; !ok {
			continue
		}
		delete(members, userID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
		affected = append(affected, roomID)
	}
	return affected
}

// Join adds userID to the room's member set. Joining a room twice is a no-op
// beyond the set insertion.
func (h *Hub) Join(userID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]struct{})
	}
	h.rooms[roomID][userID] = struct{}{}
}

// Leave removes userID from the room, deleting the room once empty.
func (h *Hub) Leave(userID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
}

// BroadcastToRoom serializes event once and delivers it to every room member
// with an open registered connection. Members without one are skipped; there
// is no queuing and no retry. When a publisher is attached the event is also
// forwarded to peer instances.
func (h *Hub) BroadcastToRoom(roomID string, event any) {
	payload, err := protocol.Encode(event)
	if err != nil {
		slog.Error("[HUB] Failed to encode event", "room", roomID, "error", err)
		return
	}

	if h.publisher != nil {
		if err := h.publisher.Publish(roomID, payload); err != nil {
			slog.Error("[HUB] Failed to publish to peers", "room", roomID, "error", err)
		}
	}

	h.DeliverLocal(roomID, payload)
}

// DeliverLocal fans payload out to the room's locally connected members. The
// recipient set is resolved at send time, never cached across a broadcast.
func (h *Hub) DeliverLocal(roomID string, payload []byte) {
	h.mu.RLock()
	var stalled []*Client
	for userID := range h.rooms[roomID] {
		client, ok := h.clients[userID]
		if !ok || client.closed {
			continue
		}
		select {
		case client.send <- payload:
		default:
			stalled = append(stalled, client)
		}
	}
	h.mu.RUnlock()

	// A full send buffer means the consumer stopped draining; treat it as a
	// dead connection rather than blocking the broadcast.
	for _, client := range stalled {
		slog.Warn("[HUB] Send buffer full, dropping client", "user", client.userID, "conn", client.connID)
		h.Unregister(client)
	}
}

// SendToUser delivers one event to a single user's registered connection, if
// any. Used for system notifications outside room fan-out.
func (h *Hub) SendToUser(userID string, event any) {
	payload, err := protocol.Encode(event)
	if err != nil {
		slog.Error("[HUB] Failed to encode event", "user", userID, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[userID]
	if !ok || client.closed {
		return
	}
	select {
	case client.send <- payload:
	default:
	}
}

// sendToClient delivers an event to one specific connection, not the
// registry entry for its user: error envelopes must reach the socket that
// originated the bad frame even if its registration was replaced.
func (h *Hub) sendToClient(client *Client, event any) {
	payload, err := protocol.Encode(event)
	if err != nil {
		slog.Error("[HUB] Failed to encode event", "user", client.userID, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if client.closed {
		return
	}
	select {
	case client.send <- payload:
	default:
	}
}

// RoomMembers returns the user ids currently subscribed to a room.
func (h *Hub) RoomMembers(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := make([]string, 0, len(h.rooms[roomID]))
	for userID := range h.rooms[roomID] {
		members = append(members, userID)
	}
	return members
}

// Stats reports the current registry counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, members := range h.rooms {
		total += len(members)
	}
	return Stats{
		ConnectedClients:      len(h.clients),
		ActiveRooms:           len(h.rooms),
		TotalRoomParticipants: total,
	}
}

// hydrate subscribes userID to every room it participates in according to the
// store. A lookup failure leaves the user in zero rooms; the client re-joins
// explicitly or reconnects.
func (h *Hub) hydrate(ctx context.Context, userID string) {
	roomIDs, err := h.store.UserRooms(ctx, userID)
	if err != nil {
		slog.Error("[HUB] Failed to load room memberships", "user", userID, "error", err)
		return
	}
	for _, roomID := range roomIDs {
		h.Join(userID, roomID)
	}
	slog.Debug("[HUB] Room memberships loaded", "user", userID, "rooms", len(roomIDs))
}
