// Package protocol defines the JSON envelopes exchanged over chat
// connections: inbound commands from clients and outbound events pushed by
// the relay. Every frame is a JSON object tagged by a "type" field.
package protocol

import (
	"errors"

	"github.com/goccy/go-json"

	"github.com/openroam/chatrelay/internal/store"
)

// Inbound command types.
const (
	TypeSendMessage = "send_message"
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"
)

// Outbound event types. typing_start/typing_stop are relayed under their
// inbound names.
const (
	TypeNewMessage       = "new_message"
	TypeUserJoined       = "user_joined"
	TypeUserLeft         = "user_left"
	TypeUserDisconnected = "user_disconnected"
	TypeError            = "error"
)

// ErrMalformedFrame is returned when an inbound frame is not a JSON object.
var ErrMalformedFrame = errors.New("malformed frame")

// Inbound is a client command. Type selects the variant; RoomID is required
// for every variant; the remaining fields are send_message payload.
type Inbound struct {
	Type        string   `json:"type"`
	RoomID      string   `json:"roomId"`
	Content     string   `json:"content,omitempty"`
	MessageType string   `json:"messageType,omitempty"`
	ReplyToID   *string  `json:"replyToId,omitempty"`
	FileURLs    []string `json:"fileUrls,omitempty"`
}

// ParseInbound decodes a raw text frame into an Inbound command.
func ParseInbound(data []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, ErrMalformedFrame
	}
	return &in, nil
}

// RoomEvent is a room-scoped presence or typing notification.
type RoomEvent struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

func UserJoined(userID, roomID string) RoomEvent {
	return RoomEvent{Type: TypeUserJoined, UserID: userID, RoomID: roomID}
}

func UserLeft(userID, roomID string) RoomEvent {
	return RoomEvent{Type: TypeUserLeft, UserID: userID, RoomID: roomID}
}

func UserDisconnected(userID, roomID string) RoomEvent {
	return RoomEvent{Type: TypeUserDisconnected, UserID: userID, RoomID: roomID}
}

// Typing relays a typing_start or typing_stop signal verbatim. No state is
// tracked for typing; it is an ephemeral broadcast.
func Typing(eventType, userID, roomID string) RoomEvent {
	return RoomEvent{Type: eventType, UserID: userID, RoomID: roomID}
}

// EnrichedMessage is a stored message row plus the sender's resolved profile,
// as delivered inside a new_message event.
type EnrichedMessage struct {
	store.Message
	SenderName   string  `json:"sender_name"`
	SenderAvatar *string `json:"sender_avatar"`
}

// MessageEvent carries a persisted chat message to room members.
type MessageEvent struct {
	Type    string          `json:"type"`
	Message EnrichedMessage `json:"message"`
}

func NewMessage(msg *store.Message, senderName string, senderAvatar *string) MessageEvent {
	return MessageEvent{
		Type: TypeNewMessage,
		Message: EnrichedMessage{
			Message:      *msg,
			SenderName:   senderName,
			SenderAvatar: senderAvatar,
		},
	}
}

// ErrorEvent is sent back to the originating client when its frame could not
// be parsed or validated. Other failures stay fire-and-forget.
type ErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func Error(reason string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Error: reason}
}

// Encode serializes an outbound event. Broadcast paths call this once per
// event, not once per recipient.
func Encode(event any) ([]byte, error) {
	return json.Marshal(event)
}
