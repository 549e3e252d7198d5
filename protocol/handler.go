package protocol

import (
	"errors"
	"log/slog"
	"time"

	"mapsync/domain"
	"mapsync/metrics"
)

// Handler dispatches decoded messages to the room registry. It is the server
// half of the synchronization protocol: join replies with a full snapshot,
// mutations are applied then fanned out to everyone except the sender, and
// anything malformed or unknown is dropped without closing the connection.
type Handler struct {
	registry domain.Registry
	now      func() time.Time
}

func NewHandler(r domain.Registry) *Handler {
	return &Handler{registry: r, now: time.Now}
}

func (h *Handler) Handle(conn domain.Connection, data []byte) {
	msg, payload, err := domain.Decode(data)
	if errors.Is(err, domain.ErrUnknownType) {
		metrics.MessagesDropped.WithLabelValues("unknown_type").Inc()
		return
	}
	if err != nil {
		slog.Warn("invalid message", "clientId", conn.ID(), "error", err)
		metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		return
	}

	metrics.MessagesReceived.WithLabelValues(string(msg.Type)).Inc()

	switch p := payload.(type) {
	case domain.PingPayload:
		if msg.Type != domain.TypePing {
			return
		}
		h.reply(conn, domain.Message{
			Type:      domain.TypePong,
			RoomID:    msg.RoomID,
			Timestamp: msg.Timestamp,
		}, nil)

	case domain.JoinPayload:
		now := h.now()
		snap := h.registry.Join(conn, msg.RoomID, domain.Participant{
			ID:           msg.UserID,
			Username:     msg.Username,
			JoinedAt:     now,
			LastActivity: now,
		})
		h.reply(conn, domain.Message{
			Type:      domain.TypeRoomSnapshot,
			RoomID:    msg.RoomID,
			Timestamp: now.UnixMilli(),
		}, snap)
		h.notifyMembership(domain.TypeMemberJoined, msg.RoomID, msg.UserID, msg.Username, conn.ID())

	case domain.LeavePayload:
		if departed, ok := h.registry.Leave(conn, msg.RoomID); ok {
			h.notifyMembership(domain.TypeMemberLeft, msg.RoomID, departed.ID, departed.Username, conn.ID())
		}

	case domain.ChangeEvent:
		p.UserID = msg.UserID
		h.registry.Touch(msg.RoomID, msg.UserID)
		h.registry.ApplyChange(msg.RoomID, p)
		// Feature changes fan out to the whole room, originator included.
		// The sender's pending set consumes the echo instead of reapplying
		// it, and that consumption is what keeps the set drained.
		h.relay(msg, p, "")

	case domain.ChatPayload:
		h.registry.Touch(msg.RoomID, msg.UserID)
		h.relay(msg, p, conn.ID())

	case domain.CursorPayload:
		h.registry.Touch(msg.RoomID, msg.UserID)
		h.relay(msg, p, conn.ID())
	}
}

// Disconnected removes the connection from every room it joined and tells
// the remaining members, covering connections that drop without leave_room.
func (h *Handler) Disconnected(conn domain.Connection) {
	for _, d := range h.registry.LeaveAll(conn) {
		h.notifyMembership(domain.TypeMemberLeft, d.RoomID, d.Participant.ID, d.Participant.Username, conn.ID())
	}
}

// relay re-encodes the message with server-observed identity and fans it out
// to the rest of the room. Rejected changes are still relayed: receivers
// no-op on unknown ids and the next snapshot reconciles any divergence.
func (h *Handler) relay(msg domain.Message, payload any, excludeConnID string) {
	data, err := domain.Encode(msg, payload)
	if err != nil {
		slog.Warn("marshal error", "type", msg.Type, "error", err)
		return
	}
	h.registry.Broadcast(msg.RoomID, data, excludeConnID)
}

func (h *Handler) notifyMembership(t domain.MessageType, roomID, userID, username, excludeConnID string) {
	data, err := domain.Encode(domain.Message{
		Type:      t,
		RoomID:    roomID,
		UserID:    userID,
		Username:  username,
		Timestamp: h.now().UnixMilli(),
	}, domain.MemberPayload{UserID: userID, Username: username})
	if err != nil {
		slog.Warn("marshal error", "type", t, "error", err)
		return
	}
	h.registry.Broadcast(roomID, data, excludeConnID)
}

func (h *Handler) reply(conn domain.Connection, msg domain.Message, payload any) {
	data, err := domain.Encode(msg, payload)
	if err != nil {
		slog.Warn("marshal error", "type", msg.Type, "error", err)
		return
	}
	if err := conn.Send(data); err != nil {
		slog.Warn("reply failed", "clientId", conn.ID(), "type", msg.Type, "error", err)
	}
}
