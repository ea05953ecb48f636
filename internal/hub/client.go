package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"github.com/openroam/chatrelay/internal/protocol"
	"github.com/openroam/chatrelay/internal/store"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read next pong message
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Max inbound frame size
	maxMessageSize = 64 * 1024 // 64 KB

	sendBufferSize = 256
)

// Client is one live authenticated connection. connID distinguishes
// successive connections of the same user in logs.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	connID string

	// closed marks the send channel as closed; guarded by hub.mu.
	closed bool
}

func newClient(h *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		userID: userID,
		connID: xid.New().String(),
	}
}

// readPump pumps inbound frames from the socket into the hub. Close and
// error both end the loop and trigger the same disconnect cleanup.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("[CLIENT] Unexpected close", "user", c.userID, "conn", c.connID, "error", err)
			}
			break
		}

		c.handleInbound(raw)
	}
}

// writePump pumps hub events to the socket and keeps the connection alive
// with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				slog.Error("[CLIENT] Write failed", "user", c.userID, "conn", c.connID, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Error("[CLIENT] Failed to send ping", "user", c.userID, "conn", c.connID, "error", err)
				return
			}
		}
	}
}

// handleInbound parses and dispatches one command frame. Parse and validation
// failures are reported back to the sender with an error event; everything
// past validation is fire-and-forget.
func (c *Client) handleInbound(raw []byte) {
	in, err := protocol.ParseInbound(raw)
	if err != nil {
		slog.Warn("[CLIENT] Malformed frame", "user", c.userID, "conn", c.connID, "error", err)
		c.hub.sendToClient(c, protocol.Error("invalid message format"))
		return
	}

	switch in.Type {
	case protocol.TypeJoinRoom, protocol.TypeLeaveRoom, protocol.TypeTypingStart,
		protocol.TypeTypingStop, protocol.TypeSendMessage:
		if in.RoomID == "" {
			slog.Warn("[CLIENT] Missing roomId", "user", c.userID, "conn", c.connID, "type", in.Type)
			c.hub.sendToClient(c, protocol.Error("roomId required"))
			return
		}
	}

	switch in.Type {
	case protocol.TypeJoinRoom:
		c.hub.Join(c.userID, in.RoomID)
		c.hub.BroadcastToRoom(in.RoomID, protocol.UserJoined(c.userID, in.RoomID))

	case protocol.TypeLeaveRoom:
		c.hub.Leave(c.userID, in.RoomID)
		c.hub.BroadcastToRoom(in.RoomID, protocol.UserLeft(c.userID, in.RoomID))

	case protocol.TypeTypingStart, protocol.TypeTypingStop:
		c.hub.BroadcastToRoom(in.RoomID, protocol.Typing(in.Type, c.userID, in.RoomID))

	case protocol.TypeSendMessage:
		c.handleSendMessage(in)

	default:
		slog.Warn("[CLIENT] Unknown command type", "user", c.userID, "conn", c.connID, "type", in.Type)
	}
}

// handleSendMessage persists the message, bumps the room's activity, enriches
// the row with the sender's profile, and broadcasts it. A failed insert drops
// the message: it is logged but never broadcast and the sender gets no
// acknowledgment either way.
func (c *Client) handleSendMessage(in *protocol.Inbound) {
	ctx := context.Background()

	msg, err := c.hub.store.InsertMessage(ctx, store.InsertMessageParams{
		RoomID:      in.RoomID,
		SenderID:    c.userID,
		Content:     in.Content,
		MessageType: in.MessageType,
		ReplyToID:   in.ReplyToID,
		FileURLs:    in.FileURLs,
	})
	if err != nil {
		slog.Error("[CLIENT] Failed to persist message", "user", c.userID, "room", in.RoomID, "error", err)
		return
	}

	if err := c.hub.store.TouchRoomActivity(ctx, in.RoomID); err != nil {
		slog.Error("[CLIENT] Failed to touch room activity", "room", in.RoomID, "error", err)
	}

	profile, err := c.hub.store.UserProfile(ctx, c.userID)
	if err != nil {
		slog.Error("[CLIENT] Failed to resolve sender profile", "user", c.userID, "error", err)
		profile = store.Profile{Name: "Unknown"}
	}

	c.hub.BroadcastToRoom(in.RoomID, protocol.NewMessage(msg, profile.Name, profile.Avatar))
}
