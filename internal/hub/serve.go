package hub

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openroam/chatrelay/internal/auth"
)

const closeGracePeriod = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict to the web app's origin once it is pinned down
		return true
	},
}

// ServeWS upgrades an HTTP request to a chat connection. The bearer token
// travels as a token query parameter; auth failures close the socket with
// close code 1008 so clients can tell a policy rejection from a transport
// error. On success the user's persisted room memberships are loaded before
// any inbound frame is read.
func ServeWS(h *Hub, verifier *auth.Verifier, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("[WS] Failed to upgrade connection", "from", r.RemoteAddr, "error", err)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		slog.Warn("[WS] No token provided", "from", r.RemoteAddr)
		closePolicyViolation(conn, "Token required")
		return
	}

	claims, err := verifier.Verify(token)
	if err != nil {
		slog.Warn("[WS] Token verification failed", "from", r.RemoteAddr, "error", err)
		closePolicyViolation(conn, "Authentication failed")
		return
	}

	slog.Info("[WS] Connection authenticated", "user", claims.UserID, "from", r.RemoteAddr)

	client := newClient(h, conn, claims.UserID)
	h.Register(client)
	h.hydrate(r.Context(), claims.UserID)

	go client.writePump()
	go client.readPump()
}

// closePolicyViolation sends close code 1008 with the given reason and drops
// the connection without registering it.
func closePolicyViolation(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	conn.Close()
}

// Handler adapts ServeWS to http.HandlerFunc.
func Handler(h *Hub, verifier *auth.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ServeWS(h, verifier, w, r)
	}
}
