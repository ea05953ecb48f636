package hub

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openroam/chatrelay/internal/protocol"
	"github.com/openroam/chatrelay/internal/store"
)

// fakeStore satisfies Store without a database.
type fakeStore struct {
	mu        sync.Mutex
	userRooms map[string][]string
	roomsErr  error
	insertErr error
	profiles  map[string]store.Profile
	nextID    int
	touched   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		userRooms: make(map[string][]string),
		profiles:  make(map[string]store.Profile),
	}
}

func (f *fakeStore) UserRooms(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roomsErr != nil {
		return nil, f.roomsErr
	}
	return f.userRooms[userID], nil
}

func (f *fakeStore) InsertMessage(_ context.Context, p store.InsertMessageParams) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	f.nextID++
	messageType := p.MessageType
	if messageType == "" {
		messageType = "text"
	}
	return &store.Message{
		ID:          "m-" + strconv.Itoa(f.nextID),
		RoomID:      p.RoomID,
		SenderID:    p.SenderID,
		Content:     p.Content,
		MessageType: messageType,
		ReplyToID:   p.ReplyToID,
		FileURLs:    p.FileURLs,
		CreatedAt:   time.Now(),
	}, nil
}

func (f *fakeStore) TouchRoomActivity(_ context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, roomID)
	return nil
}

func (f *fakeStore) UserProfile(_ context.Context, userID string) (store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.profiles[userID]; ok {
		return p, nil
	}
	return store.Profile{Name: "Unknown"}, nil
}

func (f *fakeStore) touchedRooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.touched...)
}

// connect registers a pump-less client so tests can read delivered frames
// straight off the send channel.
func connect(h *Hub, userID string) *Client {
	c := newClient(h, nil, userID)
	h.Register(c)
	return c
}

func receive(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case payload := <-c.send:
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(payload, &decoded))
		return decoded
	case <-time.After(time.Second):
		t.Fatal("expected a frame, got none")
		return nil
	}
}

func assertNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case payload := <-c.send:
		t.Fatalf("expected no frame, got %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	h := New(newFakeStore())
	connect(h, "u1")

	h.Join("u1", "r1")
	h.Join("u1", "r1")

	stats := h.Stats()
	assert.Equal(t, 1, stats.ActiveRooms)
	assert.Equal(t, 1, stats.TotalRoomParticipants)
	assert.Equal(t, []string{"u1"}, h.RoomMembers("r1"))
}

func TestLeaveRemovesEmptyRoom(t *testing.T) {
	h := New(newFakeStore())
	connect(h, "u1")

	h.Join("u1", "r1")
	h.Leave("u1", "r1")

	assert.Equal(t, 0, h.Stats().ActiveRooms)
	assert.Empty(t, h.RoomMembers("r1"))
}

func TestLeaveUnknownRoomIsNoOp(t *testing.T) {
	h := New(newFakeStore())
	h.Leave("u1", "never-existed")
	assert.Equal(t, 0, h.Stats().ActiveRooms)
}

func TestBroadcastReachesOnlyRoomMembers(t *testing.T) {
	h := New(newFakeStore())
	a := connect(h, "a")
	b := connect(h, "b")
	c := connect(h, "c")

	h.Join("a", "r1")
	h.Join("b", "r1")
	h.Join("c", "r2")

	h.BroadcastToRoom("r1", protocol.UserJoined("a", "r1"))

	assert.Equal(t, "user_joined", receive(t, a)["type"])
	assert.Equal(t, "user_joined", receive(t, b)["type"])
	assertNoFrame(t, c)
}

func TestBroadcastSkipsMembersWithoutConnection(t *testing.T) {
	h := New(newFakeStore())
	a := connect(h, "a")

	h.Join("a", "r1")
	h.Join("ghost", "r1") // member with no live connection

	h.BroadcastToRoom("r1", protocol.UserJoined("a", "r1"))

	assert.Equal(t, "user_joined", receive(t, a)["type"])
	assert.Equal(t, 2, h.Stats().TotalRoomParticipants)
}

func TestDisconnectFanout(t *testing.T) {
	h := New(newFakeStore())
	u1 := connect(h, "u1")
	peer1 := connect(h, "peer1")
	peer2 := connect(h, "peer2")

	h.Join("u1", "r1")
	h.Join("u1", "r2")
	h.Join("peer1", "r1")
	h.Join("peer2", "r2")

	h.Unregister(u1)

	event1 := receive(t, peer1)
	assert.Equal(t, "user_disconnected", event1["type"])
	assert.Equal(t, "u1", event1["userId"])
	assert.Equal(t, "r1", event1["roomId"])
	assertNoFrame(t, peer1)

	event2 := receive(t, peer2)
	assert.Equal(t, "user_disconnected", event2["type"])
	assert.Equal(t, "r2", event2["roomId"])
	assertNoFrame(t, peer2)

	assert.Equal(t, 2, h.Stats().ConnectedClients)

	// No registered connection for u1 anymore: delivery is a no-op.
	h.SendToUser("u1", protocol.Error("nobody home"))
}

func TestReconnectReplacesRegistryEntry(t *testing.T) {
	h := New(newFakeStore())
	first := connect(h, "u1")
	h.Join("u1", "r1")

	second := connect(h, "u1")

	assert.Equal(t, 1, h.Stats().ConnectedClients)

	h.BroadcastToRoom("r1", protocol.UserJoined("u1", "r1"))
	assert.Equal(t, "user_joined", receive(t, second)["type"])
	assertNoFrame(t, first)
}

func TestStaleCloseKeepsSuccessor(t *testing.T) {
	h := New(newFakeStore())
	first := connect(h, "u1")
	second := connect(h, "u1")
	peer := connect(h, "peer")

	h.Join("u1", "r1")
	h.Join("peer", "r1")

	// The replaced connection closing must not evict the successor or leave
	// any room.
	h.Unregister(first)

	assert.Equal(t, 2, h.Stats().ConnectedClients)
	assert.ElementsMatch(t, []string{"u1", "peer"}, h.RoomMembers("r1"))
	assertNoFrame(t, peer)

	h.BroadcastToRoom("r1", protocol.UserJoined("x", "r1"))
	assert.Equal(t, "user_joined", receive(t, second)["type"])
}

func TestStatsConsistency(t *testing.T) {
	h := New(newFakeStore())
	connect(h, "a")
	connect(h, "b")
	connect(h, "c")

	h.Join("a", "r1")
	h.Join("b", "r1")
	h.Join("c", "r2")
	// a is in two rooms and counts once per room.
	h.Join("a", "r2")

	stats := h.Stats()
	assert.Equal(t, 3, stats.ConnectedClients)
	assert.Equal(t, 2, stats.ActiveRooms)
	assert.Equal(t, 4, stats.TotalRoomParticipants)
}

func TestHydrateJoinsPersistedRooms(t *testing.T) {
	st := newFakeStore()
	st.userRooms["u1"] = []string{"r1", "r2"}
	h := New(st)
	connect(h, "u1")

	h.hydrate(context.Background(), "u1")

	stats := h.Stats()
	assert.Equal(t, 2, stats.ActiveRooms)
	assert.Equal(t, []string{"u1"}, h.RoomMembers("r1"))
}

func TestHydrateFailureJoinsZeroRooms(t *testing.T) {
	st := newFakeStore()
	st.roomsErr = errors.New("store unreachable")
	h := New(st)
	connect(h, "u1")

	h.hydrate(context.Background(), "u1")

	assert.Equal(t, 0, h.Stats().ActiveRooms)
}

func TestSendMessagePersistsAndBroadcasts(t *testing.T) {
	st := newFakeStore()
	st.profiles["u1"] = store.Profile{Name: "Alice"}
	h := New(st)
	sender := connect(h, "u1")
	peer := connect(h, "u2")

	h.Join("u1", "r1")
	h.Join("u2", "r1")

	sender.handleInbound([]byte(`{"type":"send_message","roomId":"r1","content":"hello"}`))

	for _, c := range []*Client{sender, peer} {
		event := receive(t, c)
		require.Equal(t, "new_message", event["type"])
		msg := event["message"].(map[string]any)
		assert.Equal(t, "hello", msg["content"])
		assert.Equal(t, "text", msg["message_type"])
		assert.Equal(t, "Alice", msg["sender_name"])
	}

	assert.Equal(t, []string{"r1"}, st.touchedRooms())
}

func TestSendMessageStoreFailureDropsSilently(t *testing.T) {
	st := newFakeStore()
	st.insertErr = errors.New("insert failed")
	h := New(st)
	sender := connect(h, "u1")
	peer := connect(h, "u2")

	h.Join("u1", "r1")
	h.Join("u2", "r1")

	sender.handleInbound([]byte(`{"type":"send_message","roomId":"r1","content":"hello"}`))

	assertNoFrame(t, sender)
	assertNoFrame(t, peer)
	assert.Empty(t, st.touchedRooms())
}

func TestMalformedFrameGetsErrorEnvelope(t *testing.T) {
	h := New(newFakeStore())
	c := connect(h, "u1")

	c.handleInbound([]byte(`{not json`))

	event := receive(t, c)
	assert.Equal(t, "error", event["type"])
	assert.Equal(t, "invalid message format", event["error"])
}

func TestMissingRoomIDGetsErrorEnvelope(t *testing.T) {
	h := New(newFakeStore())
	c := connect(h, "u1")

	c.handleInbound([]byte(`{"type":"join_room"}`))

	event := receive(t, c)
	assert.Equal(t, "error", event["type"])
	assert.Equal(t, "roomId required", event["error"])
	assert.Equal(t, 0, h.Stats().ActiveRooms)
}

func TestUnknownCommandTypeIgnored(t *testing.T) {
	h := New(newFakeStore())
	c := connect(h, "u1")

	c.handleInbound([]byte(`{"type":"self_destruct","roomId":"r1"}`))

	assertNoFrame(t, c)
}

func TestJoinRoomBroadcastsToUpdatedRoom(t *testing.T) {
	h := New(newFakeStore())
	joiner := connect(h, "u1")
	peer := connect(h, "u2")
	h.Join("u2", "r1")

	joiner.handleInbound([]byte(`{"type":"join_room","roomId":"r1"}`))

	// The joiner is part of the now-updated member set and hears itself join.
	for _, c := range []*Client{joiner, peer} {
		event := receive(t, c)
		assert.Equal(t, "user_joined", event["type"])
		assert.Equal(t, "u1", event["userId"])
	}
}

func TestLeaveRoomBroadcastsAfterRemoval(t *testing.T) {
	h := New(newFakeStore())
	leaver := connect(h, "u1")
	peer := connect(h, "u2")
	h.Join("u1", "r1")
	h.Join("u2", "r1")

	leaver.handleInbound([]byte(`{"type":"leave_room","roomId":"r1"}`))

	event := receive(t, peer)
	assert.Equal(t, "user_left", event["type"])
	assert.Equal(t, "u1", event["userId"])
	// Removed before the broadcast, so the leaver hears nothing.
	assertNoFrame(t, leaver)
}

func TestTypingRelayedWithoutStateChange(t *testing.T) {
	h := New(newFakeStore())
	typer := connect(h, "u1")
	peer := connect(h, "u2")
	h.Join("u1", "r1")
	h.Join("u2", "r1")

	before := h.Stats()
	typer.handleInbound([]byte(`{"type":"typing_start","roomId":"r1"}`))

	event := receive(t, peer)
	assert.Equal(t, "typing_start", event["type"])
	assert.Equal(t, "u1", event["userId"])
	assert.Equal(t, before, h.Stats())
}
