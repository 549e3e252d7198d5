package client

import (
	"log/slog"
	"sync"
	"time"

	"mapsync/domain"
)

// EventKind tells a subscriber which slice of local state changed.
type EventKind string

const (
	EventFeatures EventKind = "features"
	EventMembers  EventKind = "members"
	EventCursors  EventKind = "cursors"
	EventChat     EventKind = "chat"
	EventSnapshot EventKind = "snapshot"
)

// Event is delivered to session subscribers when engine-owned state changes.
// Subscribers read state back through the session accessors; they never
// mutate it directly.
type Event struct {
	Kind     EventKind
	UserID   string
	Username string
	Text     string // chat only
}

// Session binds one transport to one room: it owns the feature store, the
// presence tracker, and the cursor broadcaster, and it guarantees that every
// timer and subscription started on join is stopped on leave.
type Session struct {
	transport *Transport
	roomID    string
	userID    string
	username  string

	store    *FeatureStore
	presence *PresenceTracker
	cursors  *CursorBroadcaster

	mu        sync.Mutex
	joined    bool
	unsubs    []func()
	observers map[int]func(Event)
	nextObs   int
}

func NewSession(t *Transport, roomID string) *Session {
	s := &Session{
		transport: t,
		roomID:    roomID,
		userID:    t.opts.UserID,
		username:  t.opts.Username,
		store:     NewFeatureStore(t.opts.UserID),
		presence:  NewPresenceTracker(),
		observers: make(map[int]func(Event)),
	}
	s.cursors = NewCursorBroadcaster(func(x, y float64) {
		t.Send(domain.Message{Type: domain.TypeCursorMove, RoomID: roomID}, domain.CursorPayload{X: x, Y: y})
	})
	return s
}

// Join subscribes to the transport, requests the room snapshot, and starts
// the presence and cursor timers. Idempotent.
func (s *Session) Join() {
	s.mu.Lock()
	if s.joined {
		s.mu.Unlock()
		return
	}
	s.joined = true
	s.unsubs = append(s.unsubs,
		s.transport.Subscribe(s.handleMessage),
		s.transport.OnReconnect(s.rejoin),
	)
	s.mu.Unlock()

	s.presence.Start(DefaultReclassifyInterval)
	s.cursors.StartSweep(DefaultSweepInterval)
	s.sendJoin()
}

// Leave sends leave_room and releases everything Join acquired: timers
// stopped, subscriptions removed. The transport itself stays up for other
// sessions.
func (s *Session) Leave() {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return
	}
	s.joined = false
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	s.transport.Send(domain.Message{Type: domain.TypeLeaveRoom, RoomID: s.roomID}, nil)
	s.presence.Stop()
	s.cursors.Stop()
	for _, u := range unsubs {
		u()
	}
}

func (s *Session) sendJoin() {
	s.transport.Send(domain.Message{Type: domain.TypeJoinRoom, RoomID: s.roomID}, nil)
}

// rejoin runs after the transport reconnects; the server answers with a full
// snapshot that overwrites local state, covering whatever was missed during
// the outage.
func (s *Session) rejoin() {
	s.mu.Lock()
	joined := s.joined
	s.mu.Unlock()
	if joined {
		slog.Info("rejoining after reconnect", "room", s.roomID)
		s.sendJoin()
	}
}

func (s *Session) handleMessage(msg domain.Message, payload any) {
	if msg.RoomID != s.roomID {
		return
	}
	if msg.UserID != "" && msg.UserID != s.userID {
		s.presence.Observe(msg.UserID, msg.Username, time.Now())
	}

	switch p := payload.(type) {
	case domain.RoomSnapshot:
		s.store.Reset(p)
		s.presence.SetMembers(p.Members)
		s.emit(Event{Kind: EventSnapshot})

	case domain.MemberPayload:
		if msg.Type == domain.TypeMemberLeft {
			s.presence.Remove(p.UserID)
		} else {
			s.presence.Observe(p.UserID, p.Username, time.Now())
		}
		s.emit(Event{Kind: EventMembers, UserID: p.UserID, Username: p.Username})

	case domain.ChangeEvent:
		if s.store.ApplyRemote(p) {
			s.emit(Event{Kind: EventFeatures, UserID: p.UserID})
		}

	case domain.CursorPayload:
		s.cursors.ObserveRemote(msg.UserID, msg.Username, p.X, p.Y)
		s.emit(Event{Kind: EventCursors, UserID: msg.UserID, Username: msg.Username})

	case domain.ChatPayload:
		s.emit(Event{Kind: EventChat, UserID: msg.UserID, Username: msg.Username, Text: p.Text})
	}
}

// CreateFeature applies the feature locally and sends feature_add.
func (s *Session) CreateFeature(f domain.Feature) {
	s.sendChange(domain.TypeFeatureAdd, s.store.LocalChange(domain.ActionCreate, f, false))
}

// UpdateFeature replaces the feature locally and sends feature_update.
func (s *Session) UpdateFeature(f domain.Feature) {
	s.sendChange(domain.TypeFeatureUpdate, s.store.LocalChange(domain.ActionUpdate, f, false))
}

// DeleteFeature removes the feature locally and sends feature_delete.
func (s *Session) DeleteFeature(id string) {
	s.sendChange(domain.TypeFeatureDelete, s.store.LocalChange(domain.ActionDelete, domain.Feature{ID: id}, false))
}

// CreateAnnotation, UpdateAnnotation, and DeleteAnnotation mirror the
// feature operations against the room's annotation map.
func (s *Session) CreateAnnotation(f domain.Feature) {
	s.sendChange(domain.TypeFeatureAdd, s.store.LocalChange(domain.ActionCreate, f, true))
}

func (s *Session) UpdateAnnotation(f domain.Feature) {
	s.sendChange(domain.TypeFeatureUpdate, s.store.LocalChange(domain.ActionUpdate, f, true))
}

func (s *Session) DeleteAnnotation(id string) {
	s.sendChange(domain.TypeFeatureDelete, s.store.LocalChange(domain.ActionDelete, domain.Feature{ID: id}, true))
}

func (s *Session) sendChange(t domain.MessageType, ev domain.ChangeEvent) {
	s.transport.Send(domain.Message{Type: t, RoomID: s.roomID, Timestamp: ev.Timestamp}, ev)
	s.emit(Event{Kind: EventFeatures, UserID: s.userID})
}

// MoveCursor reports local pointer movement; sends are throttled.
func (s *Session) MoveCursor(x, y float64) {
	s.cursors.Move(x, y)
}

// SendChat sends a chat line to the room.
func (s *Session) SendChat(text string) {
	s.transport.Send(domain.Message{Type: domain.TypeChat, RoomID: s.roomID}, domain.ChatPayload{Text: text})
}

// Features, Annotations, Participants, Classification, and Cursors expose
// read-only copies of engine-owned state for UI layers.
func (s *Session) Features() map[string]domain.Feature { return s.store.Features() }

func (s *Session) Annotations() map[string]domain.Feature { return s.store.Annotations() }

func (s *Session) Participants() []domain.Participant { return s.presence.Participants() }

func (s *Session) Classification() map[string]Level { return s.presence.Classification() }

func (s *Session) Cursors() []Cursor { return s.cursors.Cursors() }

// Subscribe registers a state-change observer and returns its unsubscribe
// handle.
func (s *Session) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
