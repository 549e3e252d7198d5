package protocol

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapsync/domain"
)

type mockConn struct {
	id   string
	sent [][]byte
	mu   sync.Mutex
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, data)
	return nil
}

func (m *mockConn) Close() error { return nil }

func (m *mockConn) getSent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

type broadcastCall struct {
	roomID    string
	excludeID string
	data      []byte
}

type mockRegistry struct {
	mu         sync.Mutex
	broadcasts []broadcastCall
	changes    []domain.ChangeEvent
	touches    []string
	joined     map[string]domain.Participant
	departures []domain.Departure
	snapshot   domain.RoomSnapshot
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{joined: make(map[string]domain.Participant)}
}

func (m *mockRegistry) Join(conn domain.Connection, roomID string, p domain.Participant) domain.RoomSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joined[roomID] = p
	snap := m.snapshot
	snap.RoomID = roomID
	return snap
}

func (m *mockRegistry) Leave(conn domain.Connection, roomID string) (domain.Participant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.joined[roomID]
	delete(m.joined, roomID)
	return p, ok
}

func (m *mockRegistry) LeaveAll(conn domain.Connection) []domain.Departure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.departures
}

func (m *mockRegistry) Broadcast(roomID string, data []byte, excludeConnID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts = append(m.broadcasts, broadcastCall{roomID: roomID, excludeID: excludeConnID, data: data})
}

func (m *mockRegistry) ApplyChange(roomID string, ev domain.ChangeEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, ev)
	return true
}

func (m *mockRegistry) Touch(roomID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touches = append(m.touches, roomID+"/"+userID)
}

func (m *mockRegistry) RoomStatus(roomID string) domain.RoomStatus { return domain.RoomStatus{} }

func (m *mockRegistry) Stats() (int, int) { return 0, 0 }

func (m *mockRegistry) getBroadcasts() []broadcastCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broadcasts
}

func (m *mockRegistry) getChanges() []domain.ChangeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changes
}

func encode(t *testing.T, msg domain.Message, payload any) []byte {
	t.Helper()
	data, err := domain.Encode(msg, payload)
	require.NoError(t, err)
	return data
}

func TestHandler_PingPong(t *testing.T) {
	registry := newMockRegistry()
	handler := NewHandler(registry)
	conn := &mockConn{id: "client1"}

	handler.Handle(conn, encode(t, domain.Message{Type: domain.TypePing, Timestamp: 12345}, nil))

	sent := conn.getSent()
	require.Len(t, sent, 1)

	msg, _, err := domain.Decode(sent[0])
	require.NoError(t, err)
	assert.Equal(t, domain.TypePong, msg.Type)
	assert.Equal(t, int64(12345), msg.Timestamp)

	assert.Empty(t, registry.getBroadcasts(), "ping must not broadcast")
}

func TestHandler_JoinRepliesWithSnapshot(t *testing.T) {
	registry := newMockRegistry()
	registry.snapshot = domain.RoomSnapshot{
		Features: map[string]domain.Feature{"f1": {ID: "f1"}},
		Members:  []domain.Participant{{ID: "u9", Username: "old"}},
	}
	handler := NewHandler(registry)
	conn := &mockConn{id: "client1"}

	handler.Handle(conn, encode(t, domain.Message{
		Type: domain.TypeJoinRoom, RoomID: "r1", UserID: "u1", Username: "alice", Timestamp: 1,
	}, nil))

	sent := conn.getSent()
	require.Len(t, sent, 1)
	msg, payload, err := domain.Decode(sent[0])
	require.NoError(t, err)
	assert.Equal(t, domain.TypeRoomSnapshot, msg.Type)
	snap := payload.(domain.RoomSnapshot)
	assert.Contains(t, snap.Features, "f1")
	assert.Len(t, snap.Members, 1)

	broadcasts := registry.getBroadcasts()
	require.Len(t, broadcasts, 1, "the rest of the room hears member_joined")
	bmsg, bpayload, err := domain.Decode(broadcasts[0].data)
	require.NoError(t, err)
	assert.Equal(t, domain.TypeMemberJoined, bmsg.Type)
	assert.Equal(t, "client1", broadcasts[0].excludeID)
	assert.Equal(t, domain.MemberPayload{UserID: "u1", Username: "alice"}, bpayload)
}

func TestHandler_LeaveNotifiesRoom(t *testing.T) {
	registry := newMockRegistry()
	handler := NewHandler(registry)
	conn := &mockConn{id: "client1"}

	handler.Handle(conn, encode(t, domain.Message{
		Type: domain.TypeJoinRoom, RoomID: "r1", UserID: "u1", Username: "alice", Timestamp: 1,
	}, nil))
	handler.Handle(conn, encode(t, domain.Message{
		Type: domain.TypeLeaveRoom, RoomID: "r1", UserID: "u1", Username: "alice", Timestamp: 2,
	}, nil))

	broadcasts := registry.getBroadcasts()
	require.Len(t, broadcasts, 2)
	msg, _, err := domain.Decode(broadcasts[1].data)
	require.NoError(t, err)
	assert.Equal(t, domain.TypeMemberLeft, msg.Type)
}

func TestHandler_FeatureChange(t *testing.T) {
	registry := newMockRegistry()
	handler := NewHandler(registry)
	conn := &mockConn{id: "client1"}

	ev := domain.ChangeEvent{
		Action:    domain.ActionCreate,
		Feature:   domain.Feature{ID: "f1"},
		Timestamp: 7,
	}
	handler.Handle(conn, encode(t, domain.Message{
		Type: domain.TypeFeatureAdd, RoomID: "r1", UserID: "u1", Timestamp: 7,
	}, ev))

	changes := registry.getChanges()
	require.Len(t, changes, 1)
	assert.Equal(t, "u1", changes[0].UserID, "sender identity is stamped server-side")

	broadcasts := registry.getBroadcasts()
	require.Len(t, broadcasts, 1)
	assert.Empty(t, broadcasts[0].excludeID, "originator receives its own change back as an echo")

	_, payload, err := domain.Decode(broadcasts[0].data)
	require.NoError(t, err)
	relayed := payload.(domain.ChangeEvent)
	assert.Equal(t, ev.ChangeID(), relayed.ChangeID(), "relay preserves the change id for echo suppression")
}

func TestHandler_CursorAndChatRelay(t *testing.T) {
	tests := []struct {
		name    string
		msg     domain.Message
		payload any
	}{
		{
			name:    "cursor move",
			msg:     domain.Message{Type: domain.TypeCursorMove, RoomID: "r1", UserID: "u1", Timestamp: 1},
			payload: domain.CursorPayload{X: 3, Y: 4},
		},
		{
			name:    "chat",
			msg:     domain.Message{Type: domain.TypeChat, RoomID: "r1", UserID: "u1", Timestamp: 1},
			payload: domain.ChatPayload{Text: "hello"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := newMockRegistry()
			handler := NewHandler(registry)
			conn := &mockConn{id: "client1"}

			handler.Handle(conn, encode(t, tt.msg, tt.payload))

			broadcasts := registry.getBroadcasts()
			require.Len(t, broadcasts, 1)
			assert.Equal(t, "client1", broadcasts[0].excludeID)
			assert.Contains(t, registry.touches, "r1/u1")
		})
	}
}

func TestHandler_InvalidJSON(t *testing.T) {
	registry := newMockRegistry()
	handler := NewHandler(registry)
	conn := &mockConn{id: "client1"}

	handler.Handle(conn, []byte("not json"))

	assert.Empty(t, conn.getSent())
	assert.Empty(t, registry.getBroadcasts())
}

func TestHandler_UnknownTypeIgnored(t *testing.T) {
	registry := newMockRegistry()
	handler := NewHandler(registry)
	conn := &mockConn{id: "client1"}

	raw, err := json.Marshal(map[string]any{"type": "future_thing", "roomId": "r1", "timestamp": 1})
	require.NoError(t, err)
	handler.Handle(conn, raw)

	assert.Empty(t, conn.getSent())
	assert.Empty(t, registry.getBroadcasts())
}

func TestHandler_DisconnectedNotifiesRooms(t *testing.T) {
	registry := newMockRegistry()
	registry.departures = []domain.Departure{
		{RoomID: "r1", Participant: domain.Participant{ID: "u1", Username: "alice"}},
		{RoomID: "r2", Participant: domain.Participant{ID: "u1", Username: "alice"}},
	}
	handler := NewHandler(registry)
	conn := &mockConn{id: "client1"}

	handler.Disconnected(conn)

	broadcasts := registry.getBroadcasts()
	require.Len(t, broadcasts, 2)
	rooms := []string{broadcasts[0].roomID, broadcasts[1].roomID}
	assert.ElementsMatch(t, []string{"r1", "r2"}, rooms)
	for _, b := range broadcasts {
		msg, _, err := domain.Decode(b.data)
		require.NoError(t, err)
		assert.Equal(t, domain.TypeMemberLeft, msg.Type)
	}
}
