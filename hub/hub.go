package hub

import (
	"log/slog"
	"sync"
	"time"

	"mapsync/domain"
	"mapsync/metrics"
)

// DefaultGracePeriod is how long an empty room survives before it is
// garbage-collected. A rejoin within the window disarms the expiry.
const DefaultGracePeriod = 60 * time.Second

type member struct {
	conn        domain.Connection
	participant domain.Participant
}

type room struct {
	id          string
	members     map[string]*member // keyed by connection id
	features    map[string]domain.Feature
	annotations map[string]domain.Feature
	createdAt   time.Time
	lastActive  time.Time
	expiry      *time.Timer
	expired     bool
	mu          sync.RWMutex
}

// Hub is the room registry: the single authority over room membership and
// shared feature/annotation state. Mutations to one room are serialized by
// that room's lock; rooms never share locks.
type Hub struct {
	rooms map[string]*room
	grace time.Duration
	mu    sync.RWMutex
	now   func() time.Time
}

func New() *Hub {
	return NewWithGrace(DefaultGracePeriod)
}

func NewWithGrace(grace time.Duration) *Hub {
	return &Hub{
		rooms: make(map[string]*room),
		grace: grace,
		now:   time.Now,
	}
}

// Join adds the connection to the room, creating the room on demand. Rooms
// are never rejected for not existing. The returned snapshot is the complete
// current state, so the joining client initializes without replaying history.
// Re-joining is idempotent and refreshes the participant.
func (h *Hub) Join(conn domain.Connection, roomID string, p domain.Participant) domain.RoomSnapshot {
	now := h.now()

	for {
		h.mu.Lock()
		r, exists := h.rooms[roomID]
		if exists {
			r.mu.Lock()
			exists = !r.expired
			r.mu.Unlock()
		}
		if !exists {
			// Room is absent, or present but already condemned by its expiry
			// timer; either way the entry is replaced with a fresh room. The
			// old timer's delete no-ops because the map no longer points at
			// its room.
			r = &room{
				id:          roomID,
				members:     make(map[string]*member),
				features:    make(map[string]domain.Feature),
				annotations: make(map[string]domain.Feature),
				createdAt:   now,
				lastActive:  now,
			}
			h.rooms[roomID] = r
			metrics.RoomsActive.Set(float64(len(h.rooms)))
		}
		h.mu.Unlock()

		r.mu.Lock()
		if r.expired {
			// The expiry timer condemned the room between our map lookup and
			// taking its lock. Members must never land in a condemned room,
			// so look the room up again.
			r.mu.Unlock()
			continue
		}
		if r.expiry != nil {
			r.expiry.Stop()
			r.expiry = nil
		}
		if p.JoinedAt.IsZero() {
			p.JoinedAt = now
		}
		if p.LastActivity.IsZero() {
			p.LastActivity = now
		}
		r.members[conn.ID()] = &member{conn: conn, participant: p}
		r.lastActive = now
		count := len(r.members)
		snap := r.snapshotLocked()
		r.mu.Unlock()

		slog.Info("participant joined", "room", roomID, "userId", p.ID, "clientId", conn.ID(), "members", count)
		return snap
	}
}

// Leave removes the connection from the room. When the last member leaves,
// the expiry timer is armed rather than deleting immediately, tolerating
// brief reconnects. Returns the departed participant if the connection was a
// member.
func (h *Hub) Leave(conn domain.Connection, roomID string) (domain.Participant, bool) {
	h.mu.RLock()
	r, exists := h.rooms[roomID]
	h.mu.RUnlock()
	if !exists {
		return domain.Participant{}, false
	}

	r.mu.Lock()
	m, ok := r.members[conn.ID()]
	if !ok {
		r.mu.Unlock()
		return domain.Participant{}, false
	}
	delete(r.members, conn.ID())
	count := len(r.members)
	if count == 0 {
		h.armExpiryLocked(r)
	}
	r.mu.Unlock()

	slog.Info("participant left", "room", roomID, "userId", m.participant.ID, "clientId", conn.ID(), "members", count)
	return m.participant, true
}

// LeaveAll removes the connection from every room it joined, with the same
// semantics as Leave. Used when a connection drops without a leave_room.
func (h *Hub) LeaveAll(conn domain.Connection) []domain.Departure {
	h.mu.RLock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.RUnlock()

	var departed []domain.Departure
	for _, r := range rooms {
		if p, ok := h.Leave(conn, r.id); ok {
			departed = append(departed, domain.Departure{RoomID: r.id, Participant: p})
		}
	}
	return departed
}

// expiry timer callback; deletes the room only if it is still empty.
func (h *Hub) armExpiryLocked(r *room) {
	if r.expiry != nil {
		r.expiry.Stop()
	}
	r.expiry = time.AfterFunc(h.grace, func() {
		// Emptiness check and condemnation are a single critical section:
		// once expired is set, Join refuses to add members to this room
		// object, so the delete below cannot strand anyone.
		r.mu.Lock()
		if len(r.members) > 0 {
			r.mu.Unlock()
			return
		}
		r.expired = true
		r.mu.Unlock()

		h.mu.Lock()
		if cur, ok := h.rooms[r.id]; ok && cur == r {
			delete(h.rooms, r.id)
			metrics.RoomsActive.Set(float64(len(h.rooms)))
		}
		h.mu.Unlock()
		slog.Info("room expired", "room", r.id)
	})
}

// Broadcast fans data out to every connection in the room except the excluded
// one. Delivery is best-effort: a connection whose send buffer is full is
// dropped from the room rather than blocking the rest.
func (h *Hub) Broadcast(roomID string, data []byte, excludeConnID string) {
	h.mu.RLock()
	r, exists := h.rooms[roomID]
	h.mu.RUnlock()
	if !exists {
		return
	}

	metrics.BroadcastsTotal.Inc()

	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, m := range r.members {
		if id == excludeConnID {
			continue
		}
		if err := m.conn.Send(data); err != nil {
			slog.Warn("send failed, dropping connection", "room", roomID, "clientId", id, "error", err)
			go func(c domain.Connection) {
				h.Leave(c, roomID)
				c.Close()
			}(m.conn)
		}
	}
}

// ApplyChange mutates room state with last-writer-wins keyed on arrival
// order; the registry never compares timestamps, so clock skew between
// clients cannot influence the outcome. An update or delete for an unknown
// id is a no-op and reports false.
func (h *Hub) ApplyChange(roomID string, ev domain.ChangeEvent) bool {
	h.mu.RLock()
	r, exists := h.rooms[roomID]
	h.mu.RUnlock()
	if !exists {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	target := r.features
	if ev.Annotation {
		target = r.annotations
	}

	accepted := false
	switch ev.Action {
	case domain.ActionCreate:
		target[ev.Feature.ID] = ev.Feature
		accepted = true
	case domain.ActionUpdate:
		if _, ok := target[ev.Feature.ID]; ok {
			target[ev.Feature.ID] = ev.Feature
			accepted = true
		}
	case domain.ActionDelete:
		if _, ok := target[ev.Feature.ID]; ok {
			delete(target, ev.Feature.ID)
			accepted = true
		}
	}

	if accepted {
		r.lastActive = h.now()
		metrics.ChangesApplied.WithLabelValues(string(ev.Action)).Inc()
	}
	return accepted
}

// Touch refreshes the participant's and the room's last-activity timestamps.
// Called for every inbound message; timestamps only move forward.
func (h *Hub) Touch(roomID, userID string) {
	h.mu.RLock()
	r, exists := h.rooms[roomID]
	h.mu.RUnlock()
	if !exists {
		return
	}

	now := h.now()
	r.mu.Lock()
	for _, m := range r.members {
		if m.participant.ID == userID && now.After(m.participant.LastActivity) {
			m.participant.LastActivity = now
		}
	}
	if now.After(r.lastActive) {
		r.lastActive = now
	}
	r.mu.Unlock()
}

// RoomStatus reports a read-only view of one room. An absent room reports
// zero values; it never blocks a later join from recreating the room.
func (h *Hub) RoomStatus(roomID string) domain.RoomStatus {
	h.mu.RLock()
	r, exists := h.rooms[roomID]
	h.mu.RUnlock()
	if !exists {
		return domain.RoomStatus{RoomID: roomID}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return domain.RoomStatus{
		RoomID:        roomID,
		Exists:        true,
		Members:       len(r.members),
		Features:      len(r.features),
		Annotations:   len(r.annotations),
		CreatedAt:     r.createdAt,
		LastActivity:  r.lastActive,
		ActivityScore: domain.ActivityScore(h.now().Sub(r.lastActive)),
	}
}

func (h *Hub) Stats() (rooms, clients int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms = len(h.rooms)
	for _, r := range h.rooms {
		r.mu.RLock()
		clients += len(r.members)
		r.mu.RUnlock()
	}
	return rooms, clients
}

// caller holds r.mu.
func (r *room) snapshotLocked() domain.RoomSnapshot {
	snap := domain.RoomSnapshot{
		RoomID:      r.id,
		Members:     make([]domain.Participant, 0, len(r.members)),
		Features:    make(map[string]domain.Feature, len(r.features)),
		Annotations: make(map[string]domain.Feature, len(r.annotations)),
	}
	for _, m := range r.members {
		snap.Members = append(snap.Members, m.participant)
	}
	for id, f := range r.features {
		snap.Features[id] = f
	}
	for id, f := range r.annotations {
		snap.Annotations[id] = f
	}
	return snap
}
